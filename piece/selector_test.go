package piece

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/willf/bitset"
)

func allOnes(n int) *Bitfield {
	bf := NewBitfield(n)
	for i := 0; i < n; i++ {
		_ = bf.Set(i)
	}
	return bf
}

// TestRarestFirstSelectorSpecScenario reproduces the worked example:
// pieces 0,1,2,3; availability [3,1,2,1]; own=empty; peer=all;
// inProgress=empty; RarestFirst returns 1; after marking 1 in-progress,
// the next call returns 3.
func TestRarestFirstSelectorSpecScenario(t *testing.T) {
	avail := NewPieceAvailability(4)
	weights := []int{3, 1, 2, 1}
	for i, w := range weights {
		for j := 0; j < w; j++ {
			require.NoError(t, avail.OnPeerHave(peerID(t, byte(100+i*10+j)), i))
		}
	}

	sel, err := NewSelector(avail, 4, RarestFirst)
	require.NoError(t, err)

	own := NewBitfield(4)
	peer := allOnes(4)
	inProgress := bitset.New(4)

	idx, ok := sel.SelectPiece(own, peer, inProgress)
	require.True(t, ok)
	require.Equal(t, 1, idx)

	inProgress.Set(uint(idx))

	idx2, ok := sel.SelectPiece(own, peer, inProgress)
	require.True(t, ok)
	require.Equal(t, 3, idx2)
}

func TestSelectPieceReturnsFalseWhenFeasibleSetEmpty(t *testing.T) {
	avail := NewPieceAvailability(2)
	sel, err := NewSelector(avail, 2, Sequential)
	require.NoError(t, err)

	own := allOnes(2) // we already have everything
	peer := allOnes(2)

	_, ok := sel.SelectPiece(own, peer, bitset.New(2))
	require.False(t, ok)
}

func TestSequentialSelectorPicksLowestIndex(t *testing.T) {
	avail := NewPieceAvailability(4)
	sel, err := NewSelector(avail, 4, Sequential)
	require.NoError(t, err)

	own := NewBitfield(4)
	peer := allOnes(4)

	idx, ok := sel.SelectPiece(own, peer, bitset.New(4))
	require.True(t, ok)
	require.Equal(t, 0, idx)
}

func TestSelectPiecesDoesNotMutateCallerInProgress(t *testing.T) {
	avail := NewPieceAvailability(4)
	sel, err := NewSelector(avail, 4, Sequential)
	require.NoError(t, err)

	own := NewBitfield(4)
	peer := allOnes(4)
	inProgress := bitset.New(4)

	picked := sel.SelectPieces(own, peer, inProgress, 3)
	require.Equal(t, []int{0, 1, 2}, picked)
	require.Equal(t, uint(0), inProgress.Count(), "caller's inProgress must be untouched")
}

func TestRandomSelectorStaysWithinFeasibleSet(t *testing.T) {
	avail := NewPieceAvailability(10)
	sel, err := NewSelector(avail, 10, Random)
	require.NoError(t, err)

	own := NewBitfield(10)
	peer := allOnes(10)

	picked := sel.SelectPieces(own, peer, bitset.New(10), 4)
	require.Len(t, picked, 4)
	seen := make(map[int]bool)
	for _, p := range picked {
		require.False(t, seen[p], "selection must not duplicate pieces")
		seen[p] = true
		require.True(t, p >= 0 && p < 10)
	}
}

func TestNewSelectorRejectsUnknownStrategy(t *testing.T) {
	avail := NewPieceAvailability(1)
	_, err := NewSelector(avail, 1, "bogus")
	require.Error(t, err)
}
