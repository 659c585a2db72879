package piece

import (
	"errors"
	"fmt"
)

// BlockSize is the standard unit of network request; a piece's final
// block may be shorter.
const BlockSize = 16 * 1024

// BlockState is the lifecycle of one block within a PieceState.
type BlockState int

// Block states.
const (
	BlockMissing BlockState = iota
	BlockRequested
	BlockReceived
)

func (s BlockState) String() string {
	switch s {
	case BlockMissing:
		return "missing"
	case BlockRequested:
		return "requested"
	case BlockReceived:
		return "received"
	default:
		return "unknown"
	}
}

// PieceState tracks block-level progress for one in-progress piece.
// Its data buffer is allocated lazily on the first block write and
// released when the piece is reset or completed.
type PieceState struct {
	Index  int
	Length int64

	blocks []BlockState
	data   []byte
}

// NewPieceState creates a PieceState for a piece of the given length,
// partitioned into BlockSize blocks (the last may be shorter).
func NewPieceState(index int, length int64) *PieceState {
	n := numBlocks(length)
	return &PieceState{
		Index:  index,
		Length: length,
		blocks: make([]BlockState, n),
	}
}

func numBlocks(length int64) int {
	return int((length + BlockSize - 1) / BlockSize)
}

// BlockLength returns the real byte length of block i within this
// piece, which is BlockSize except possibly for the final block.
func (p *PieceState) BlockLength(i int) (int64, error) {
	if i < 0 || i >= len(p.blocks) {
		return 0, fmt.Errorf("piece: block index %d out of range [0,%d)", i, len(p.blocks))
	}
	if i < len(p.blocks)-1 {
		return BlockSize, nil
	}
	rem := p.Length - int64(len(p.blocks)-1)*BlockSize
	if rem == 0 {
		return BlockSize, nil
	}
	return rem, nil
}

// NumBlocks returns the number of blocks this piece is divided into.
func (p *PieceState) NumBlocks() int { return len(p.blocks) }

// BlockState returns the state of block i.
func (p *PieceState) BlockState(i int) (BlockState, error) {
	if i < 0 || i >= len(p.blocks) {
		return 0, fmt.Errorf("piece: block index %d out of range [0,%d)", i, len(p.blocks))
	}
	return p.blocks[i], nil
}

// MarkRequested transitions block i from Missing to Requested.
func (p *PieceState) MarkRequested(i int) error {
	if i < 0 || i >= len(p.blocks) {
		return fmt.Errorf("piece: block index %d out of range [0,%d)", i, len(p.blocks))
	}
	p.blocks[i] = BlockRequested
	return nil
}

// ErrBlockNotRequested is returned by WriteBlock when the block is not
// currently in the Requested state. Callers should drop the data and
// leave the connection open: this is the ordinary cancel-race case of
// a piece message arriving for a block we never asked for (or already
// received), not a protocol violation.
var ErrBlockNotRequested = errors.New("piece: block not in requested state")

// WriteBlock stores data for block i and transitions it to Received.
// The piece's backing buffer is allocated on the first call. Per the
// wire protocol, a block not currently Requested is a cancel race and
// is rejected with ErrBlockNotRequested rather than accepted.
func (p *PieceState) WriteBlock(i int, begin int, data []byte) error {
	if i < 0 || i >= len(p.blocks) {
		return fmt.Errorf("piece: block index %d out of range [0,%d)", i, len(p.blocks))
	}
	if p.blocks[i] != BlockRequested {
		return ErrBlockNotRequested
	}
	if p.data == nil {
		p.data = make([]byte, p.Length)
	}
	if int64(begin+len(data)) > p.Length {
		return fmt.Errorf("piece: block write [%d,%d) exceeds piece length %d", begin, begin+len(data), p.Length)
	}
	copy(p.data[begin:], data)
	p.blocks[i] = BlockReceived
	return nil
}

// IsComplete reports whether every block has been Received.
func (p *PieceState) IsComplete() bool {
	for _, s := range p.blocks {
		if s != BlockReceived {
			return false
		}
	}
	return true
}

// Data returns the piece's assembled payload. Only meaningful once
// IsComplete returns true; returns nil if no block has been written yet.
func (p *PieceState) Data() []byte {
	return p.data
}

// Reset clears all block state and releases the backing buffer, as
// happens on a hash verification mismatch.
func (p *PieceState) Reset() {
	for i := range p.blocks {
		p.blocks[i] = BlockMissing
	}
	p.data = nil
}
