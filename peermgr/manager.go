// Package peermgr implements the peer manager of spec.md 4.6: global and
// per-torrent connection admission, outbound dialing with
// exponential-backoff retry and a 3-strikes blacklist, a single inbound
// listener that routes handshakes to the right torrent by info hash, and
// per-peer/session/engine rate statistics. Grounded on the ownership
// split lib/torrent/scheduler/connstate/state.go documents ("the peer
// manager is the single mutator of connection-set and rate statistics;
// sessions read via accessors") generalized from connstate's single
// pending/active/blacklist map into the dial-queue-plus-listener shape
// spec.md 4.6 describes.
package peermgr

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/torrentd/engine/core"
	"github.com/torrentd/engine/utils/backoff"
	"github.com/torrentd/engine/wire"
)

// Config defines Manager configuration.
type Config struct {
	MaxConnections           int           `yaml:"max_connections"`
	MaxConnectionsPerTorrent int           `yaml:"max_connections_per_torrent"`
	ListenAddr               string        `yaml:"listen_addr"`
	DialQueueInterval        time.Duration `yaml:"dial_queue_interval"`
	Backoff                  backoff.Config
	Conn                     wire.Config
}

func (c Config) applyDefaults() Config {
	if c.MaxConnections == 0 {
		c.MaxConnections = 50
	}
	if c.MaxConnectionsPerTorrent == 0 {
		c.MaxConnectionsPerTorrent = 30
	}
	if c.DialQueueInterval == 0 {
		c.DialQueueInterval = time.Second
	}
	if c.Backoff.Min == 0 {
		c.Backoff.Min = 30 * time.Second
	}
	if c.Backoff.Max == 0 {
		c.Backoff.Max = 15 * time.Minute
	}
	if c.Backoff.RetryTimeout == 0 {
		c.Backoff.RetryTimeout = c.Backoff.Max
	}
	return c
}

// Binding is how a TorrentSession registers itself with the Manager so
// inbound and outbound connections for its info hash can be routed to
// it, without the Manager holding a pointer back to the session type
// (spec.md 9's cyclic-ownership avoidance: the Manager indexes by
// (info-hash, peer-id), not by session pointer).
type Binding interface {
	// NewEvents returns the wire.Events sink for a fresh connection to
	// peerID, typically a per-peer dispatcher owned by the session.
	NewEvents(peerID core.PeerID) wire.Events

	// OnConnected is called once a connection completes its handshake
	// and is admitted under the capacity caps.
	OnConnected(peerID core.PeerID, c *wire.Conn)

	// OnDisconnected is called when a connection to peerID is removed,
	// for any reason.
	OnDisconnected(peerID core.PeerID, err error)
}

type connKey struct {
	hash   core.InfoHash
	peerID core.PeerID
}

type addrKey struct {
	hash core.InfoHash
	addr string
}

type outboundAddr struct {
	hash core.InfoHash
	addr string
}

type blacklistEntry struct {
	failures   int
	expiration time.Time
}

// Manager is the single mutator of the engine's connection set and rate
// statistics; sessions read both via its accessor methods.
type Manager struct {
	config      Config
	clk         clock.Clock
	stats       tally.Scope
	logger      *zap.SugaredLogger
	localPeerID core.PeerID

	mu         sync.Mutex
	bindings   map[core.InfoHash]Binding
	conns      map[connKey]*wire.Conn
	blacklist  map[addrKey]*blacklistEntry
	dialQueue  []outboundAddr
	perTorrent map[core.InfoHash]*atomic.Int64

	globalCount *atomic.Int64

	peerRates    map[connKey]*peerRatePair
	sessionRates map[core.InfoHash]*peerRatePair
	engineRate   *peerRatePair

	listener net.Listener
	stop     chan struct{}
	wg       sync.WaitGroup
}

type peerRatePair struct {
	download *rateTracker
	upload   *rateTracker
}

func newPeerRatePair(now time.Time) *peerRatePair {
	return &peerRatePair{download: newRateTracker(now), upload: newRateTracker(now)}
}

// New creates a Manager. Start begins accepting inbound connections and
// dialing the outbound queue.
func New(config Config, localPeerID core.PeerID, clk clock.Clock, stats tally.Scope, logger *zap.SugaredLogger) *Manager {
	config = config.applyDefaults()
	now := clk.Now()
	return &Manager{
		config:       config,
		clk:          clk,
		stats:        stats.SubScope("peermgr"),
		logger:       logger,
		localPeerID:  localPeerID,
		bindings:     make(map[core.InfoHash]Binding),
		conns:        make(map[connKey]*wire.Conn),
		blacklist:    make(map[addrKey]*blacklistEntry),
		perTorrent:   make(map[core.InfoHash]*atomic.Int64),
		globalCount:  atomic.NewInt64(0),
		peerRates:    make(map[connKey]*peerRatePair),
		sessionRates: make(map[core.InfoHash]*peerRatePair),
		engineRate:   newPeerRatePair(now),
		stop:         make(chan struct{}),
	}
}

// Start opens the inbound listener and begins draining the outbound
// dial queue. Safe to call once.
func (m *Manager) Start() error {
	if m.config.ListenAddr != "" {
		l, err := net.Listen("tcp", m.config.ListenAddr)
		if err != nil {
			return fmt.Errorf("peermgr: listen on %s: %w", m.config.ListenAddr, err)
		}
		m.listener = l
		m.wg.Add(1)
		go m.acceptLoop()
	}
	m.wg.Add(1)
	go m.dialLoop()
	return nil
}

// Stop closes the listener and all connections, and halts the dial loop.
func (m *Manager) Stop() {
	close(m.stop)
	if m.listener != nil {
		m.listener.Close()
	}
	m.mu.Lock()
	conns := make([]*wire.Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()
	for _, c := range conns {
		c.Destroy()
	}
	m.wg.Wait()
}

// RegisterTorrent makes infoHash routable for inbound handshakes and
// outbound dialing.
func (m *Manager) RegisterTorrent(h core.InfoHash, b Binding) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bindings[h] = b
	m.perTorrent[h] = atomic.NewInt64(0)
	m.sessionRates[h] = newPeerRatePair(m.clk.Now())
}

// UnregisterTorrent removes infoHash's binding and destroys every
// connection currently open for it.
func (m *Manager) UnregisterTorrent(h core.InfoHash) {
	m.mu.Lock()
	var toClose []*wire.Conn
	for k, c := range m.conns {
		if k.hash == h {
			toClose = append(toClose, c)
		}
	}
	delete(m.bindings, h)
	delete(m.perTorrent, h)
	delete(m.sessionRates, h)
	m.mu.Unlock()

	for _, c := range toClose {
		c.Destroy()
	}
}

// Enqueue adds addr to h's outbound dial queue.
func (m *Manager) Enqueue(h core.InfoHash, addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dialQueue = append(m.dialQueue, outboundAddr{hash: h, addr: addr})
}

func (m *Manager) isKnown(h core.InfoHash) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.bindings[h]
	return ok
}

func (m *Manager) acceptLoop() {
	defer m.wg.Done()
	for {
		nc, err := m.listener.Accept()
		if err != nil {
			select {
			case <-m.stop:
				return
			default:
				m.logger.Warnf("Accept error: %s", err)
				continue
			}
		}
		go m.handleInbound(nc)
	}
}

func (m *Manager) handleInbound(nc net.Conn) {
	factory := func(h core.InfoHash, peerID core.PeerID) wire.Events {
		m.mu.Lock()
		b := m.bindings[h]
		m.mu.Unlock()
		return b.NewEvents(peerID)
	}
	c, err := wire.AcceptAndHandshake(nc, m.isKnown, m.localPeerID, m.config.Conn, factory, m.clk, m.logger)
	if err != nil {
		m.logger.Warnf("Inbound handshake failed: %s", err)
		return
	}
	m.admit(c.InfoHash, c)
}

func (m *Manager) dialLoop() {
	defer m.wg.Done()
	ticker := m.clk.Ticker(m.config.DialQueueInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.drainDialQueue()
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) drainDialQueue() {
	m.mu.Lock()
	now := m.clk.Now()
	var ready, pending []outboundAddr
	for _, oa := range m.dialQueue {
		if m.isBlacklisted(oa, now) {
			continue
		}
		if !m.hasCapacityLocked(oa.hash) {
			pending = append(pending, oa)
			continue
		}
		ready = append(ready, oa)
	}
	m.dialQueue = pending
	m.mu.Unlock()

	for _, oa := range ready {
		go m.dial(oa)
	}
}

// isBlacklisted reports whether addr has accumulated 3 consecutive
// dial failures for h and its blacklist window hasn't yet expired, per
// spec.md 4.6 ("three consecutive failures bar the peer for the
// session"). Must be called with m.mu held.
func (m *Manager) isBlacklisted(oa outboundAddr, now time.Time) bool {
	e, ok := m.blacklist[addrKey{hash: oa.hash, addr: oa.addr}]
	if !ok {
		return false
	}
	if e.failures < 3 {
		return false
	}
	return now.Before(e.expiration)
}

// hasCapacityLocked must be called with m.mu held.
func (m *Manager) hasCapacityLocked(h core.InfoHash) bool {
	if m.globalCount.Load() >= int64(m.config.MaxConnections) {
		return false
	}
	if c, ok := m.perTorrent[h]; ok && c.Load() >= int64(m.config.MaxConnectionsPerTorrent) {
		return false
	}
	return true
}

// dial attempts a single outbound connection to oa, retrying with
// exponential backoff until it succeeds, is barred after 3 consecutive
// failures, or the backoff retry timeout elapses.
func (m *Manager) dial(oa outboundAddr) {
	factory := func(h core.InfoHash, peerID core.PeerID) wire.Events {
		m.mu.Lock()
		b := m.bindings[h]
		m.mu.Unlock()
		return b.NewEvents(peerID)
	}

	attempts := backoff.New(m.config.Backoff).Attempts()
	for attempts.WaitForNext() {
		c, err := wire.DialAndHandshake(oa.addr, oa.hash, m.localPeerID, m.config.Conn, factory, m.clk, m.logger)
		if err != nil {
			m.logger.Warnf("Dial %s for %s failed: %s", oa.addr, oa.hash, err)
			if m.recordFailure(oa) {
				return // Barred after 3 consecutive failures.
			}
			continue
		}
		m.clearFailures(oa)
		m.admit(oa.hash, c)
		return
	}
}

func (m *Manager) recordFailure(oa outboundAddr) (barred bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := addrKey{hash: oa.hash, addr: oa.addr}
	e, ok := m.blacklist[key]
	if !ok {
		e = &blacklistEntry{}
		m.blacklist[key] = e
	}
	e.failures++
	if e.failures >= 3 {
		e.expiration = m.clk.Now().Add(m.config.Backoff.Max)
		return true
	}
	return false
}

func (m *Manager) clearFailures(oa outboundAddr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blacklist, addrKey{hash: oa.hash, addr: oa.addr})
}

// admit registers an established connection under the capacity caps.
func (m *Manager) admit(h core.InfoHash, c *wire.Conn) {
	m.mu.Lock()
	b, ok := m.bindings[h]
	if !ok {
		m.mu.Unlock()
		c.Destroy()
		return
	}
	key := connKey{hash: h, peerID: c.RemotePeerID}
	m.conns[key] = c
	m.globalCount.Inc()
	if cnt, ok := m.perTorrent[h]; ok {
		cnt.Inc()
	}
	now := m.clk.Now()
	m.peerRates[key] = newPeerRatePair(now)
	m.mu.Unlock()

	b.OnConnected(c.RemotePeerID, c)
}

// Disconnect removes and destroys the connection to peerID for h.
func (m *Manager) Disconnect(h core.InfoHash, peerID core.PeerID, cause error) {
	key := connKey{hash: h, peerID: peerID}
	m.mu.Lock()
	c, ok := m.conns[key]
	if ok {
		delete(m.conns, key)
		delete(m.peerRates, key)
		m.globalCount.Dec()
		if cnt, tok := m.perTorrent[h]; tok {
			cnt.Dec()
		}
	}
	b, bok := m.bindings[h]
	m.mu.Unlock()

	if ok {
		c.Destroy()
	}
	if bok {
		b.OnDisconnected(peerID, cause)
	}
}

// RecordBytes folds nbytes into the EWMA rate trackers for peerID, h,
// and the engine as a whole, for direction dir.
func (m *Manager) RecordBytes(h core.InfoHash, peerID core.PeerID, dir Direction, nbytes int64) {
	now := m.clk.Now()
	key := connKey{hash: h, peerID: peerID}

	m.mu.Lock()
	peer := m.peerRates[key]
	session := m.sessionRates[h]
	m.mu.Unlock()

	if peer != nil {
		trackerFor(peer, dir).Record(now, nbytes)
	}
	if session != nil {
		trackerFor(session, dir).Record(now, nbytes)
	}
	trackerFor(m.engineRate, dir).Record(now, nbytes)
}

// Direction distinguishes upload/download rate tracking.
type Direction int

// Directions.
const (
	Download Direction = iota
	Upload
)

func trackerFor(p *peerRatePair, dir Direction) *rateTracker {
	if dir == Upload {
		return p.upload
	}
	return p.download
}

// PeerRate returns peerID's current EWMA rate for direction dir within h.
func (m *Manager) PeerRate(h core.InfoHash, peerID core.PeerID, dir Direction) float64 {
	m.mu.Lock()
	p, ok := m.peerRates[connKey{hash: h, peerID: peerID}]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	return trackerFor(p, dir).Rate()
}

// SessionRate returns h's aggregate EWMA rate for direction dir.
func (m *Manager) SessionRate(h core.InfoHash, dir Direction) float64 {
	m.mu.Lock()
	p, ok := m.sessionRates[h]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	return trackerFor(p, dir).Rate()
}

// EngineRate returns the engine-wide aggregate EWMA rate for dir.
func (m *Manager) EngineRate(dir Direction) float64 {
	return trackerFor(m.engineRate, dir).Rate()
}

// TickRates decays every tracked peer, session, and engine rate
// estimate toward zero, per spec.md 4.6's bytes/sec EWMA: called once
// per statistics tick so a peer that has gone idle since the last
// RecordBytes falls back to zero instead of staying pinned at its last
// observed rate.
func (m *Manager) TickRates() {
	now := m.clk.Now()

	m.mu.Lock()
	peers := make([]*peerRatePair, 0, len(m.peerRates))
	for _, p := range m.peerRates {
		peers = append(peers, p)
	}
	sessions := make([]*peerRatePair, 0, len(m.sessionRates))
	for _, p := range m.sessionRates {
		sessions = append(sessions, p)
	}
	m.mu.Unlock()

	for _, p := range peers {
		p.download.Tick(now)
		p.upload.Tick(now)
	}
	for _, p := range sessions {
		p.download.Tick(now)
		p.upload.Tick(now)
	}
	m.engineRate.download.Tick(now)
	m.engineRate.upload.Tick(now)
}

// ActiveConns returns every live connection for h.
func (m *Manager) ActiveConns(h core.InfoHash) []*wire.Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*wire.Conn
	for k, c := range m.conns {
		if k.hash == h {
			out = append(out, c)
		}
	}
	return out
}

// ConnectionCount returns the number of connections currently open
// across the whole engine.
func (m *Manager) ConnectionCount() int {
	return int(m.globalCount.Load())
}
