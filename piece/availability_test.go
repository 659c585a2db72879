package piece

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/torrentd/engine/core"
)

func peerID(t *testing.T, b byte) core.PeerID {
	t.Helper()
	var p core.PeerID
	for i := range p {
		p[i] = b
	}
	return p
}

func TestPieceAvailabilityCountsAcrossPeers(t *testing.T) {
	a := NewPieceAvailability(4)

	bf1 := NewBitfield(4)
	require.NoError(t, bf1.Set(0))
	require.NoError(t, bf1.Set(1))
	a.OnPeerBitfield(peerID(t, 1), bf1)

	bf2 := NewBitfield(4)
	require.NoError(t, bf2.Set(1))
	a.OnPeerBitfield(peerID(t, 2), bf2)

	require.Equal(t, 1, a.Count(0))
	require.Equal(t, 2, a.Count(1))
	require.Equal(t, 0, a.Count(2))
}

func TestPieceAvailabilityHaveAndDrop(t *testing.T) {
	a := NewPieceAvailability(4)
	p := peerID(t, 1)

	require.NoError(t, a.OnPeerHave(p, 2))
	require.Equal(t, 1, a.Count(2))

	a.OnPeerDrop(p)
	require.Equal(t, 0, a.Count(2))
}

func TestRarestPiecesSortedByCountThenIndex(t *testing.T) {
	// pieces 0,1,2,3; availability [3,1,2,1]
	a := NewPieceAvailability(4)
	weights := []int{3, 1, 2, 1}
	for i, w := range weights {
		for j := 0; j < w; j++ {
			require.NoError(t, a.OnPeerHave(peerID(t, byte(100+i*10+j)), i))
		}
	}

	rarest := a.RarestPieces(nil)
	require.Equal(t, []int{1, 3, 2, 0}, rarest)
}
