package session

import (
	"context"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/torrentd/engine/bandwidth"
	"github.com/torrentd/engine/core"
	"github.com/torrentd/engine/metainfo"
	"github.com/torrentd/engine/peermgr"
	"github.com/torrentd/engine/tracker"
)

// ManagerConfig defines Manager configuration.
type ManagerConfig struct {
	MaxActiveTorrents int           `yaml:"max_active_torrents"`
	StatsInterval     time.Duration `yaml:"stats_interval"`
	Session           Config        `yaml:"session"`
}

func (c ManagerConfig) applyDefaults() ManagerConfig {
	if c.MaxActiveTorrents == 0 {
		c.MaxActiveTorrents = 5
	}
	if c.StatsInterval == 0 {
		c.StatsInterval = time.Second
	}
	return c
}

// AggregateStats is the engine-wide snapshot emitted by Manager every
// StatsInterval, per spec.md 4.12.
type AggregateStats struct {
	DownloadSpeed float64
	UploadSpeed   float64
	ActiveCount   int
	QueuedCount   int
	TotalPeers    int
	SessionCount  int
}

// ManagerEvents is the Manager's upward-facing event sink, layered on
// top of each Session's own Events.
type ManagerEvents interface {
	Events
	OnAggregateStats(AggregateStats)
}

// entry bundles one torrent's Session with the bookkeeping the Manager
// needs to enforce maxActiveTorrents without involving the Session
// itself in cross-torrent scheduling decisions.
type entry struct {
	session *Session
	meta    *metainfo.TorrentMetadata
}

// Manager owns the engine's shared singletons - the peer manager,
// multi-tracker client, and bandwidth limiter - plus the map of
// managed sessions and the FIFO queue of torrents waiting for an
// active slot, per spec.md 4.12.
type Manager struct {
	config ManagerConfig

	clk    clock.Clock
	stats  tally.Scope
	logger *zap.SugaredLogger
	events ManagerEvents

	peerMgr  *peermgr.Manager
	bw       *bandwidth.Limiter
	trackers func(meta *metainfo.TorrentMetadata) *tracker.MultiTracker

	localID core.PeerID
	port    int

	mu       sync.Mutex
	sessions map[core.InfoHash]*entry
	active   map[core.InfoHash]bool
	queue    []core.InfoHash

	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewManager creates a Manager. trackers builds a torrent-specific
// MultiTracker from its announce/announce-list; it is invoked once per
// AddTorrent.
func NewManager(
	config ManagerConfig,
	localID core.PeerID,
	port int,
	peerMgr *peermgr.Manager,
	bw *bandwidth.Limiter,
	trackers func(meta *metainfo.TorrentMetadata) *tracker.MultiTracker,
	events ManagerEvents,
	clk clock.Clock,
	stats tally.Scope,
	logger *zap.SugaredLogger,
) *Manager {
	config = config.applyDefaults()
	return &Manager{
		config:   config,
		clk:      clk,
		stats:    stats,
		logger:   logger,
		events:   events,
		peerMgr:  peerMgr,
		bw:       bw,
		trackers: trackers,
		localID:  localID,
		port:     port,
		sessions: make(map[core.InfoHash]*entry),
		active:   make(map[core.InfoHash]bool),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the Manager's aggregate-stats ticker.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.statsLoop()
}

// Stop stops every managed session and the stats ticker.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()

	m.mu.Lock()
	entries := make([]*entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.Unlock()
	for _, e := range entries {
		e.session.Stop()
	}
}

// AddTorrent registers meta as a new managed session in the Queued
// state, then starts it immediately if capacity allows, or enqueues it
// otherwise.
func (m *Manager) AddTorrent(ctx context.Context, meta *metainfo.TorrentMetadata, dataDir string) (*Session, error) {
	m.mu.Lock()
	if _, ok := m.sessions[meta.InfoHash]; ok {
		m.mu.Unlock()
		return nil, core.NewError(core.KindState, nil, "torrent %s already added", meta.InfoHash.Hex())
	}

	s := New(meta, dataDir, m.config.Session, m.localID, m.port,
		m.peerMgr, m.trackers(meta), m.bw, m, m.clk, m.stats, m.logger)
	m.sessions[meta.InfoHash] = &entry{session: s, meta: meta}
	m.mu.Unlock()

	m.maybeStart(ctx, meta.InfoHash)
	return s, nil
}

// RemoveTorrent stops and forgets h's session, optionally deleting its
// on-disk data. Queued sessions are simply dropped from the queue.
func (m *Manager) RemoveTorrent(h core.InfoHash, deleteFiles bool) error {
	m.mu.Lock()
	e, ok := m.sessions[h]
	if !ok {
		m.mu.Unlock()
		return core.NewError(core.KindState, nil, "unknown torrent %s", h.Hex())
	}
	delete(m.sessions, h)
	wasActive := m.active[h]
	delete(m.active, h)
	m.dequeueLocked(h)
	m.mu.Unlock()

	if wasActive {
		e.session.Stop()
	}
	if deleteFiles {
		if err := e.session.disk.Delete(); err != nil {
			return err
		}
	}

	if wasActive {
		m.promoteNext(context.Background())
	}
	return nil
}

// PauseTorrent pauses h's active session, yielding its slot to the
// next queued torrent.
func (m *Manager) PauseTorrent(h core.InfoHash) error {
	m.mu.Lock()
	e, ok := m.sessions[h]
	wasActive := m.active[h]
	delete(m.active, h)
	m.mu.Unlock()
	if !ok {
		return core.NewError(core.KindState, nil, "unknown torrent %s", h.Hex())
	}
	if err := e.session.Pause(); err != nil {
		return err
	}
	if wasActive {
		m.promoteNext(context.Background())
	}
	return nil
}

// ResumeTorrent starts or re-queues h depending on current capacity.
func (m *Manager) ResumeTorrent(ctx context.Context, h core.InfoHash) error {
	m.mu.Lock()
	_, ok := m.sessions[h]
	m.mu.Unlock()
	if !ok {
		return core.NewError(core.KindState, nil, "unknown torrent %s", h.Hex())
	}
	m.maybeStart(ctx, h)
	return nil
}

// GetSession returns h's Session, if managed.
func (m *Manager) GetSession(h core.InfoHash) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[h]
	if !ok {
		return nil, false
	}
	return e.session, true
}

// Sessions returns every managed Session.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, e := range m.sessions {
		out = append(out, e.session)
	}
	return out
}

// maybeStart starts h's session now if there is capacity under
// MaxActiveTorrents, otherwise appends it to the FIFO queue.
func (m *Manager) maybeStart(ctx context.Context, h core.InfoHash) {
	m.mu.Lock()
	e, ok := m.sessions[h]
	if !ok {
		m.mu.Unlock()
		return
	}
	if len(m.active) >= m.config.MaxActiveTorrents {
		m.queue = append(m.queue, h)
		m.mu.Unlock()
		return
	}
	m.active[h] = true
	m.mu.Unlock()

	if err := e.session.Start(ctx); err != nil {
		m.logger.Errorw("failed to start session", "info_hash", h.Hex(), "error", err)
		m.mu.Lock()
		delete(m.active, h)
		m.mu.Unlock()
	}
}

// promoteNext starts the next queued session, if any, now that a slot
// has freed up.
func (m *Manager) promoteNext(ctx context.Context) {
	m.mu.Lock()
	if len(m.queue) == 0 || len(m.active) >= m.config.MaxActiveTorrents {
		m.mu.Unlock()
		return
	}
	h := m.queue[0]
	m.queue = m.queue[1:]
	m.mu.Unlock()

	m.maybeStart(ctx, h)
}

func (m *Manager) dequeueLocked(h core.InfoHash) {
	for i, qh := range m.queue {
		if qh == h {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return
		}
	}
}

func (m *Manager) statsLoop() {
	defer m.wg.Done()
	ticker := m.clk.Ticker(m.config.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.emitStats()
		case <-m.stopCh:
			return
		}
	}
}

// Manager implements Events itself so it can track active/inactive
// transitions and promote the next queued session, forwarding every
// callback on to the caller-supplied ManagerEvents afterward.

func (m *Manager) OnStateChanged(h core.InfoHash, from, to State) {
	if (from == Downloading || from == Seeding) && to != Downloading && to != Seeding {
		m.mu.Lock()
		delete(m.active, h)
		m.mu.Unlock()
		m.promoteNext(context.Background())
	}
	m.events.OnStateChanged(h, from, to)
}

func (m *Manager) OnProgress(p Progress) { m.events.OnProgress(p) }

func (m *Manager) OnCompleted(h core.InfoHash) { m.events.OnCompleted(h) }

func (m *Manager) OnError(h core.InfoHash, err error) { m.events.OnError(h, err) }

func (m *Manager) emitStats() {
	m.peerMgr.TickRates()

	m.mu.Lock()
	activeCount := len(m.active)
	queuedCount := len(m.queue)
	sessionCount := len(m.sessions)
	m.mu.Unlock()

	m.events.OnAggregateStats(AggregateStats{
		DownloadSpeed: m.peerMgr.EngineRate(peermgr.Download),
		UploadSpeed:   m.peerMgr.EngineRate(peermgr.Upload),
		ActiveCount:   activeCount,
		QueuedCount:   queuedCount,
		TotalPeers:    m.peerMgr.ConnectionCount(),
		SessionCount:  sessionCount,
	})
}
