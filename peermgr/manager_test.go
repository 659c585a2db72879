package peermgr

import (
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/torrentd/engine/core"
	"github.com/torrentd/engine/wire"
)

func testInfoHash(t *testing.T) core.InfoHash {
	h, err := core.InfoHashFromRawBytes([]byte("abcdefghij0123456789"))
	require.NoError(t, err)
	return h
}

// noopEvents satisfies wire.Events without doing anything; tests here
// exercise admission/blacklist/rate bookkeeping, not message dispatch.
type noopEvents struct{}

func (noopEvents) OnChoke()                               {}
func (noopEvents) OnUnchoke()                              {}
func (noopEvents) OnInterested()                           {}
func (noopEvents) OnNotInterested()                        {}
func (noopEvents) OnHave(piece int)                        {}
func (noopEvents) OnBitfield(b []byte)                     {}
func (noopEvents) OnRequest(piece, begin, length int)      {}
func (noopEvents) OnPiece(piece, begin int, block []byte)  {}
func (noopEvents) OnCancel(piece, begin, length int)       {}
func (noopEvents) OnClose(err error)                       {}

// testBinding is a minimal Binding used to register torrents in tests
// that don't exercise the wire-level connection lifecycle.
type testBinding struct {
	connected    chan core.PeerID
	disconnected chan core.PeerID
}

func newTestBinding() *testBinding {
	return &testBinding{
		connected:    make(chan core.PeerID, 8),
		disconnected: make(chan core.PeerID, 8),
	}
}

func (b *testBinding) NewEvents(peerID core.PeerID) wire.Events { return noopEvents{} }

func (b *testBinding) OnConnected(peerID core.PeerID, c *wire.Conn) {
	b.connected <- peerID
}

func (b *testBinding) OnDisconnected(peerID core.PeerID, err error) {
	b.disconnected <- peerID
}

func newTestManager(t *testing.T) *Manager {
	localPeerID, err := core.RandomPeerID()
	require.NoError(t, err)
	return New(Config{}, localPeerID, clock.NewMock(), tally.NoopScope, zap.NewNop().Sugar())
}

func TestRegisterAndUnregisterTorrent(t *testing.T) {
	require := require.New(t)
	m := newTestManager(t)
	h := testInfoHash(t)

	m.RegisterTorrent(h, newTestBinding())
	require.True(m.isKnown(h))

	m.UnregisterTorrent(h)
	require.False(m.isKnown(h))
}

func TestBlacklistBarsAfterThreeFailures(t *testing.T) {
	require := require.New(t)
	m := newTestManager(t)
	h := testInfoHash(t)

	oa := outboundAddr{hash: h, addr: "127.0.0.1:0"}
	require.False(m.recordFailure(oa))
	require.False(m.recordFailure(oa))
	require.True(m.recordFailure(oa))

	require.True(m.isBlacklisted(oa, m.clk.Now()))
}

func TestClearFailuresResetsBlacklist(t *testing.T) {
	require := require.New(t)
	m := newTestManager(t)
	h := testInfoHash(t)

	oa := outboundAddr{hash: h, addr: "127.0.0.1:0"}
	m.recordFailure(oa)
	m.recordFailure(oa)
	m.clearFailures(oa)

	require.False(m.isBlacklisted(oa, m.clk.Now()))
}

func TestHasCapacityLocked(t *testing.T) {
	require := require.New(t)
	m := newTestManager(t)
	m.config.MaxConnections = 1
	h := testInfoHash(t)
	m.RegisterTorrent(h, newTestBinding())

	m.mu.Lock()
	require.True(m.hasCapacityLocked(h))
	m.mu.Unlock()

	m.globalCount.Inc()

	m.mu.Lock()
	require.False(m.hasCapacityLocked(h))
	m.mu.Unlock()
}

func TestRateTrackingAcrossPeerSessionEngine(t *testing.T) {
	require := require.New(t)
	m := newTestManager(t)
	h := testInfoHash(t)
	m.RegisterTorrent(h, newTestBinding())

	peerID, err := core.RandomPeerID()
	require.NoError(err)

	key := connKey{hash: h, peerID: peerID}
	m.mu.Lock()
	m.peerRates[key] = newPeerRatePair(m.clk.Now())
	m.mu.Unlock()

	mc := m.clk.(*clock.Mock)
	mc.Add(time.Second)
	m.RecordBytes(h, peerID, Download, 1000)

	require.Greater(m.PeerRate(h, peerID, Download), 0.0)
	require.Greater(m.SessionRate(h, Download), 0.0)
	require.Greater(m.EngineRate(Download), 0.0)
}

func TestTickRatesDecaysIdlePeerToZero(t *testing.T) {
	require := require.New(t)
	m := newTestManager(t)
	h := testInfoHash(t)
	m.RegisterTorrent(h, newTestBinding())

	peerID, err := core.RandomPeerID()
	require.NoError(err)

	key := connKey{hash: h, peerID: peerID}
	m.mu.Lock()
	m.peerRates[key] = newPeerRatePair(m.clk.Now())
	m.mu.Unlock()

	mc := m.clk.(*clock.Mock)
	mc.Add(time.Second)
	m.RecordBytes(h, peerID, Download, 1000)
	require.Greater(m.PeerRate(h, peerID, Download), 0.0)

	// The peer goes idle: no further RecordBytes calls, only the
	// periodic TickRates a peer manager's owner drives on every
	// statistics tick.
	for i := 0; i < 20; i++ {
		mc.Add(time.Second)
		m.TickRates()
	}

	require.Less(m.PeerRate(h, peerID, Download), 1.0,
		"rate should have decayed toward zero after 20s idle, not stayed pinned")
}
