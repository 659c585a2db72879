package piece

import (
	"sort"
	"sync"

	"github.com/torrentd/engine/core"
	"github.com/torrentd/engine/utils/syncutil"
)

// PieceAvailability tracks, for one torrent, each connected peer's
// reported bitfield and a running per-piece count of how many peers
// have it. The count drives rarest-first selection.
type PieceAvailability struct {
	mu sync.Mutex

	pieceCount int
	byPeer     map[core.PeerID]*Bitfield
	counts     syncutil.Counters
}

// NewPieceAvailability creates an empty PieceAvailability for a torrent
// with pieceCount pieces.
func NewPieceAvailability(pieceCount int) *PieceAvailability {
	return &PieceAvailability{
		pieceCount: pieceCount,
		byPeer:     make(map[core.PeerID]*Bitfield),
		counts:     syncutil.NewCounters(pieceCount),
	}
}

// OnPeerBitfield records peerID's full bitfield, incrementing the count
// for every piece it has. Should be called once, right after a peer
// sends its initial bitfield message.
func (a *PieceAvailability) OnPeerBitfield(peerID core.PeerID, bf *Bitfield) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.byPeer[peerID] = bf.Clone()
	for i := 0; i < a.pieceCount; i++ {
		if bf.Test(i) {
			a.counts.Increment(i)
		}
	}
}

// OnPeerHave records a single new piece peerID has announced via a have
// message, incrementing its count.
func (a *PieceAvailability) OnPeerHave(peerID core.PeerID, index int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	bf, ok := a.byPeer[peerID]
	if !ok {
		bf = NewBitfield(a.pieceCount)
		a.byPeer[peerID] = bf
	}
	if bf.Test(index) {
		return nil // Already recorded; avoid double counting.
	}
	if err := bf.Set(index); err != nil {
		return err
	}
	a.counts.Increment(index)
	return nil
}

// OnPeerDrop removes peerID's bitfield and decrements the count for
// every piece it had, as happens when the peer disconnects.
func (a *PieceAvailability) OnPeerDrop(peerID core.PeerID) {
	a.mu.Lock()
	defer a.mu.Unlock()

	bf, ok := a.byPeer[peerID]
	if !ok {
		return
	}
	for i := 0; i < a.pieceCount; i++ {
		if bf.Test(i) {
			a.counts.Decrement(i)
		}
	}
	delete(a.byPeer, peerID)
}

// PeerBitfield returns peerID's last-known bitfield, if any.
func (a *PieceAvailability) PeerBitfield(peerID core.PeerID) (*Bitfield, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	bf, ok := a.byPeer[peerID]
	return bf, ok
}

// Count returns the number of peers known to have piece i.
func (a *PieceAvailability) Count(i int) int {
	return a.counts.Get(i)
}

// RarestPieces returns every piece index with count > 0 that is not
// present in exclude, sorted by (count ascending, index ascending).
func (a *PieceAvailability) RarestPieces(exclude *Bitfield) []int {
	a.mu.Lock()
	counts := make([]int, a.pieceCount)
	for i := 0; i < a.pieceCount; i++ {
		counts[i] = a.counts.Get(i)
	}
	a.mu.Unlock()

	var candidates []int
	for i, c := range counts {
		if c > 0 && (exclude == nil || !exclude.Test(i)) {
			candidates = append(candidates, i)
		}
	}
	sort.Slice(candidates, func(x, y int) bool {
		cx, cy := counts[candidates[x]], counts[candidates[y]]
		if cx != cy {
			return cx < cy
		}
		return candidates[x] < candidates[y]
	})
	return candidates
}
