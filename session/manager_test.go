package session

import (
	"context"
	"testing"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/torrentd/engine/bandwidth"
	"github.com/torrentd/engine/core"
	"github.com/torrentd/engine/metainfo"
	"github.com/torrentd/engine/peermgr"
	"github.com/torrentd/engine/tracker"
)

// recordingManagerEvents extends recordingEvents with the
// Manager-specific aggregate-stats callback.
type recordingManagerEvents struct {
	recordingEvents
	aggregates []AggregateStats
}

func (r *recordingManagerEvents) OnAggregateStats(s AggregateStats) {
	r.aggregates = append(r.aggregates, s)
}

func newTestManager(t *testing.T, maxActive int) (*Manager, *recordingManagerEvents, *peermgr.Manager) {
	t.Helper()
	localID, err := core.RandomPeerIDFactory.GeneratePeerID("127.0.0.1", 0)
	require.NoError(t, err)

	clk := clock.NewMock()
	logger := zap.NewNop().Sugar()

	pm := peermgr.New(peermgr.Config{}, localID, clk, tally.NoopScope, logger)
	require.NoError(t, pm.Start())
	t.Cleanup(pm.Stop)

	bw := bandwidth.NewLimiter(bandwidth.Config{}, clk, tally.NoopScope, logger)
	t.Cleanup(bw.Stop)

	trackers := func(meta *metainfo.TorrentMetadata) *tracker.MultiTracker {
		return tracker.NewMultiTracker(meta.Announce, nil, &stubTrackerClient{}, nil, clk, logger)
	}

	events := &recordingManagerEvents{}
	m := NewManager(
		ManagerConfig{MaxActiveTorrents: maxActive},
		localID, 0, pm, bw, trackers, events, clk, tally.NoopScope, logger)
	return m, events, pm
}

func addTestTorrent(t *testing.T, m *Manager, content []byte) *metainfo.TorrentMetadata {
	t.Helper()
	meta := singleFileMetadata(t, content)
	_, err := m.AddTorrent(context.Background(), meta, t.TempDir())
	require.NoError(t, err)
	return meta
}

func TestAddTorrentStartsImmediatelyUnderCapacity(t *testing.T) {
	m, _, _ := newTestManager(t, 5)
	meta := addTestTorrent(t, m, []byte("hello world"))

	s, ok := m.GetSession(meta.InfoHash)
	require.True(t, ok)
	require.Equal(t, Downloading, s.State())
}

func TestAddTorrentDuplicateIsRejected(t *testing.T) {
	m, _, _ := newTestManager(t, 5)
	meta := addTestTorrent(t, m, []byte("hello world"))

	_, err := m.AddTorrent(context.Background(), meta, t.TempDir())
	require.Error(t, err)
}

func TestAddTorrentBeyondCapacityIsQueued(t *testing.T) {
	m, _, _ := newTestManager(t, 1)

	first := addTestTorrent(t, m, []byte("first content"))
	second := addTestTorrent(t, m, []byte("second content"))

	firstSession, _ := m.GetSession(first.InfoHash)
	secondSession, _ := m.GetSession(second.InfoHash)

	require.Equal(t, Downloading, firstSession.State())
	require.Equal(t, Queued, secondSession.State())
}

func TestRemoveActiveTorrentPromotesQueued(t *testing.T) {
	m, _, _ := newTestManager(t, 1)

	first := addTestTorrent(t, m, []byte("first content"))
	second := addTestTorrent(t, m, []byte("second content"))

	require.NoError(t, m.RemoveTorrent(first.InfoHash, false))

	secondSession, ok := m.GetSession(second.InfoHash)
	require.True(t, ok)
	require.Equal(t, Downloading, secondSession.State())

	_, ok = m.GetSession(first.InfoHash)
	require.False(t, ok)
}

func TestPauseTorrentPromotesQueued(t *testing.T) {
	m, _, _ := newTestManager(t, 1)

	first := addTestTorrent(t, m, []byte("first content"))
	second := addTestTorrent(t, m, []byte("second content"))

	require.NoError(t, m.PauseTorrent(first.InfoHash))

	firstSession, _ := m.GetSession(first.InfoHash)
	secondSession, _ := m.GetSession(second.InfoHash)

	require.Equal(t, Paused, firstSession.State())
	require.Equal(t, Downloading, secondSession.State())
}

func TestRemoveQueuedTorrentDropsItWithoutPromoting(t *testing.T) {
	m, _, _ := newTestManager(t, 1)

	first := addTestTorrent(t, m, []byte("first content"))
	second := addTestTorrent(t, m, []byte("second content"))

	require.NoError(t, m.RemoveTorrent(second.InfoHash, false))

	firstSession, _ := m.GetSession(first.InfoHash)
	require.Equal(t, Downloading, firstSession.State())

	_, ok := m.GetSession(second.InfoHash)
	require.False(t, ok)
}

func TestSessionsReturnsEveryManagedSession(t *testing.T) {
	m, _, _ := newTestManager(t, 5)
	addTestTorrent(t, m, []byte("first content"))
	addTestTorrent(t, m, []byte("second content"))

	require.Len(t, m.Sessions(), 2)
}
