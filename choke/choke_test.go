package choke

import (
	"math/rand"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/torrentd/engine/core"
)

func testPeerID(t *testing.T, seed byte) core.PeerID {
	var p core.PeerID
	for i := range p {
		p[i] = seed
	}
	return p
}

func newTestAlgorithm(mode Mode) *Algorithm {
	return New(Config{}, mode, clock.NewMock(), rand.New(rand.NewSource(1)), zap.NewNop().Sugar())
}

func TestUnchokeSlots(t *testing.T) {
	require.Equal(t, 4, UnchokeSlots(0))
	require.Equal(t, 5, UnchokeSlots(1))
	require.Equal(t, 6, UnchokeSlots(4))
	require.Equal(t, 7, UnchokeSlots(5))
}

func TestIsSnubbed(t *testing.T) {
	now := time.Now()
	require.False(t, IsSnubbed(PeerState{AmInterested: false, PeerChoking: false}, now, time.Minute))
	require.False(t, IsSnubbed(PeerState{AmInterested: true, PeerChoking: true}, now, time.Minute))
	require.True(t, IsSnubbed(PeerState{AmInterested: true, PeerChoking: false}, now, time.Minute))
	require.False(t, IsSnubbed(PeerState{
		AmInterested:      true,
		PeerChoking:       false,
		LastPieceReceived: now.Add(-30 * time.Second),
	}, now, time.Minute))
	require.True(t, IsSnubbed(PeerState{
		AmInterested:      true,
		PeerChoking:       false,
		LastPieceReceived: now.Add(-90 * time.Second),
	}, now, time.Minute))
}

func TestRecalculateChokesNotInterestedPeers(t *testing.T) {
	a := newTestAlgorithm(Leech)
	now := time.Now()

	peers := []PeerState{
		{PeerID: testPeerID(t, 1), PeerInterested: false},
	}
	actions := a.Recalculate(peers, now)
	require.Len(t, actions, 1)
	require.True(t, actions[0].Choke)
	require.Equal(t, ReasonNotInterested, actions[0].Reason)
}

func TestRecalculateUnchokesTopDownloadersWhileLeeching(t *testing.T) {
	a := newTestAlgorithm(Leech)
	now := time.Now()

	var peers []PeerState
	for i := 0; i < 10; i++ {
		peers = append(peers, PeerState{
			PeerID:         testPeerID(t, byte(i+1)),
			PeerInterested: true,
			DownloadRate:   float64(10 - i), // descending.
		})
	}

	actions := a.Recalculate(peers, now)
	slots := UnchokeSlots(len(peers))

	unchoked := 0
	for _, act := range actions {
		if !act.Choke {
			unchoked++
		}
	}
	// slots regular + 1 optimistic, bounded by total peer count.
	require.LessOrEqual(t, unchoked, slots+1)
	require.GreaterOrEqual(t, unchoked, 1)

	// The single highest downloader must be unchoked as regular.
	require.False(t, actions[0].Choke)
	require.Equal(t, ReasonRegular, actions[0].Reason)
}

func TestRecalculateSkipsSnubbedPeersWhileLeeching(t *testing.T) {
	a := newTestAlgorithm(Leech)
	now := time.Now()

	snubbed := PeerState{
		PeerID:         testPeerID(t, 1),
		PeerInterested: true,
		AmInterested:   true,
		PeerChoking:    false,
		DownloadRate:   1000, // would otherwise dominate.
		LastPieceReceived: now.Add(-2 * time.Minute),
	}
	healthy := PeerState{
		PeerID:         testPeerID(t, 2),
		PeerInterested: true,
		DownloadRate:   1,
	}

	actions := a.Recalculate([]PeerState{snubbed, healthy}, now)

	var snubAction Action
	for _, act := range actions {
		if act.PeerID == snubbed.PeerID {
			snubAction = act
		}
	}
	// Despite its rate the snubbed peer stays out of the regular set; as
	// the only interested peer outside that set it becomes the
	// optimistic pick instead.
	require.False(t, snubAction.Choke)
	require.Equal(t, ReasonOptimistic, snubAction.Reason)
}

func TestOptimisticUnchokeStaysStickyUntilRotation(t *testing.T) {
	a := newTestAlgorithm(Leech)
	now := time.Now()

	var peers []PeerState
	for i := 0; i < 20; i++ {
		peers = append(peers, PeerState{
			PeerID:         testPeerID(t, byte(i+1)),
			PeerInterested: true,
		})
	}

	first := a.Recalculate(peers, now)
	var firstOptimistic core.PeerID
	for _, act := range first {
		if act.Reason == ReasonOptimistic {
			firstOptimistic = act.PeerID
		}
	}

	// Recalculating again before OptimisticInterval elapses must keep
	// the same optimistic pick.
	second := a.Recalculate(peers, now.Add(time.Second))
	var secondOptimistic core.PeerID
	for _, act := range second {
		if act.Reason == ReasonOptimistic {
			secondOptimistic = act.PeerID
		}
	}
	require.Equal(t, firstOptimistic, secondOptimistic)

	// After the interval elapses, rotation is allowed to pick again
	// (it may coincidentally choose the same peer, so just assert the
	// algorithm still produces exactly one optimistic action).
	third := a.Recalculate(peers, now.Add(31*time.Second))
	count := 0
	for _, act := range third {
		if act.Reason == ReasonOptimistic {
			count++
		}
	}
	require.Equal(t, 1, count)
}

func TestSeedModePrefersUploadRate(t *testing.T) {
	a := newTestAlgorithm(Seed)
	now := time.Now()

	low := PeerState{PeerID: testPeerID(t, 1), PeerInterested: true, UploadRate: 1}
	high := PeerState{PeerID: testPeerID(t, 2), PeerInterested: true, UploadRate: 100}

	actions := a.Recalculate([]PeerState{low, high}, now)
	var highAction Action
	for _, act := range actions {
		if act.PeerID == high.PeerID {
			highAction = act
		}
	}
	require.False(t, highAction.Choke)
	require.Equal(t, ReasonRegular, highAction.Reason)
}

func TestStopWithoutRunIsSafe(t *testing.T) {
	a := newTestAlgorithm(Leech)
	a.Stop()
}

func TestRunStopRunStopDoesNotPanic(t *testing.T) {
	a := newTestAlgorithm(Leech)

	a.Run(func() []PeerState { return nil }, func([]Action) {})
	a.Stop()

	// A session pausing and resuming calls Run/Stop on the same
	// Algorithm repeatedly; a fixed, single-use stop channel would
	// panic on the second Stop's close of an already-closed channel.
	a.Run(func() []PeerState { return nil }, func([]Action) {})
	a.Stop()
}
