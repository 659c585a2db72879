package piece

import (
	"fmt"
	"sync"
)

// TorrentPieceMap holds the sparse set of in-progress PieceStates plus
// the set of completed piece indices for one torrent, and derives the
// wire-format Bitfield and completion ratio from them. It is owned
// exclusively by its TorrentSession.
type TorrentPieceMap struct {
	mu sync.Mutex

	pieceCount int
	inProgress map[int]*PieceState
	completed  *Bitfield
}

// NewTorrentPieceMap creates an empty TorrentPieceMap for a torrent
// with pieceCount pieces.
func NewTorrentPieceMap(pieceCount int) *TorrentPieceMap {
	return &TorrentPieceMap{
		pieceCount: pieceCount,
		inProgress: make(map[int]*PieceState),
		completed:  NewBitfield(pieceCount),
	}
}

// GetOrCreate returns the PieceState for index i, creating it (with the
// given length) on first interest.
func (m *TorrentPieceMap) GetOrCreate(i int, length int64) (*PieceState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if i < 0 || i >= m.pieceCount {
		return nil, fmt.Errorf("piece: index %d out of range [0,%d)", i, m.pieceCount)
	}
	if m.completed.Test(i) {
		return nil, fmt.Errorf("piece: index %d is already completed", i)
	}
	p, ok := m.inProgress[i]
	if !ok {
		p = NewPieceState(i, length)
		m.inProgress[i] = p
	}
	return p, nil
}

// Get returns the in-progress PieceState for index i, if any.
func (m *TorrentPieceMap) Get(i int) (*PieceState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.inProgress[i]
	return p, ok
}

// MarkComplete moves piece i out of the in-progress set and into the
// completed bitfield, releasing its buffer. Called after a successful
// verification and write.
func (m *TorrentPieceMap) MarkComplete(i int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.inProgress, i)
	return m.completed.Set(i)
}

// ResetPiece reverts piece i to all-Missing blocks, as happens on a
// hash mismatch, without removing it from the in-progress set.
func (m *TorrentPieceMap) ResetPiece(i int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.inProgress[i]; ok {
		p.Reset()
	}
}

// IsComplete reports whether piece i has been verified and written.
func (m *TorrentPieceMap) IsComplete(i int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.completed.Test(i)
}

// CompletedCount returns the number of completed pieces.
func (m *TorrentPieceMap) CompletedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.completed.Popcount()
}

// Progress returns the fraction of pieces completed, in [0,1].
func (m *TorrentPieceMap) Progress() float64 {
	if m.pieceCount == 0 {
		return 1
	}
	return float64(m.CompletedCount()) / float64(m.pieceCount)
}

// Bitfield returns a snapshot copy of the completed-pieces bitfield.
func (m *TorrentPieceMap) Bitfield() *Bitfield {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.completed.Clone()
}

// missingCount returns the number of pieces not yet completed (in-progress
// pieces count as missing); used by endgame detection.
func (m *TorrentPieceMap) missingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.pieceCount - m.completed.Popcount()
}

// IsEndgame reports whether the number of missing pieces has dropped to
// or below threshold, the point at which the session should begin
// requesting remaining pieces from every capable peer in parallel.
func (m *TorrentPieceMap) IsEndgame(threshold int) bool {
	return m.missingCount() <= threshold
}
