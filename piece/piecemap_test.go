package piece

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPieceMapLifecycle(t *testing.T) {
	m := NewTorrentPieceMap(4)

	p, err := m.GetOrCreate(0, 1000)
	require.NoError(t, err)
	require.False(t, p.IsComplete())

	require.NoError(t, m.MarkComplete(0))
	require.True(t, m.IsComplete(0))
	require.Equal(t, 1, m.CompletedCount())
	require.Equal(t, 0.25, m.Progress())

	_, ok := m.Get(0)
	require.False(t, ok, "completed piece should be removed from in-progress set")
}

func TestPieceMapResetOnHashMismatch(t *testing.T) {
	m := NewTorrentPieceMap(2)

	p, err := m.GetOrCreate(0, int64(BlockSize))
	require.NoError(t, err)
	require.NoError(t, p.MarkRequested(0))
	require.NoError(t, p.WriteBlock(0, 0, make([]byte, BlockSize)))
	require.True(t, p.IsComplete())

	m.ResetPiece(0)

	p2, ok := m.Get(0)
	require.True(t, ok)
	require.False(t, p2.IsComplete())
	require.Nil(t, p2.Data())
}

func TestWriteBlockRejectsUnrequestedBlock(t *testing.T) {
	p := NewPieceState(0, int64(BlockSize))

	err := p.WriteBlock(0, 0, make([]byte, BlockSize))
	require.ErrorIs(t, err, ErrBlockNotRequested, "block never requested")

	require.NoError(t, p.MarkRequested(0))
	require.NoError(t, p.WriteBlock(0, 0, make([]byte, BlockSize)))

	err = p.WriteBlock(0, 0, make([]byte, BlockSize))
	require.ErrorIs(t, err, ErrBlockNotRequested, "block already received")
}

func TestPieceMapRejectsOutOfRangeIndex(t *testing.T) {
	m := NewTorrentPieceMap(2)
	_, err := m.GetOrCreate(5, 1000)
	require.Error(t, err)
}

func TestPieceMapEndgame(t *testing.T) {
	m := NewTorrentPieceMap(10)
	for i := 0; i < 8; i++ {
		require.NoError(t, m.MarkComplete(i))
	}
	require.True(t, m.IsEndgame(2))
	require.False(t, m.IsEndgame(1))
}

func TestShortLastPieceHasOneShortBlock(t *testing.T) {
	// total=1500, pieceLength=1000 => pieceCount=2, last piece is 500.
	p := NewPieceState(1, 500)
	require.Equal(t, 1, p.NumBlocks())

	length, err := p.BlockLength(0)
	require.NoError(t, err)
	require.Equal(t, int64(500), length)
}
