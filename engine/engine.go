package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/torrentd/engine/bandwidth"
	"github.com/torrentd/engine/core"
	"github.com/torrentd/engine/internal/log"
	"github.com/torrentd/engine/metainfo"
	"github.com/torrentd/engine/peermgr"
	"github.com/torrentd/engine/persist"
	"github.com/torrentd/engine/session"
	"github.com/torrentd/engine/tracker"
)

// AddOptions customizes a single AddTorrent call.
type AddOptions struct {
	// DownloadPath overrides Config.DownloadPath for this torrent only.
	DownloadPath string
	// Labels are session-only unless Config carries persistence (they
	// always do here, per SPEC_FULL.md's resolution of the per-torrent
	// labels open question).
	Labels map[string]string
	// Start overrides Config.StartOnAdd for this torrent only. nil means
	// "use the engine default".
	Start *bool
}

// TorrentInfo is the summary spec.md 6's getTorrents() operation
// returns for one managed torrent.
type TorrentInfo struct {
	InfoHash       core.InfoHash
	Name           string
	State          session.State
	TotalLength    int64
	Downloaded     int64
	Uploaded       int64
	Ratio          float64
	DownloadRate   float64
	UploadRate     float64
	ConnectedPeers int
	Labels         map[string]string
	AddedAt        time.Time
	CompletedAt    *time.Time
}

// PeerInfo is one connected peer's status, returned by getPeers(hash).
type PeerInfo struct {
	PeerID       core.PeerID
	Addr         string
	State        string
	DownloadRate float64
	UploadRate   float64
}

// Status is the engine-wide snapshot spec.md 6's getStatus() operation
// returns.
type Status struct {
	Running       bool
	Uptime        time.Duration
	ActiveCount   int
	QueuedCount   int
	TotalTorrents int
	TotalPeers    int
	DownloadSpeed float64
	UploadSpeed   float64
}

// Engine is the library-API façade an IPC layer (out of scope for this
// module) embeds directly: it owns every shared singleton's lifetime
// and exposes exactly the operation set spec.md 6 lists, plus a typed
// event channel in place of an untyped on(name, fn) registry
// (SPEC_FULL.md, "Engine façade"). Grounded on lib/torrent/client.go's
// SchedulerClient, which plays the identical role for kraken's
// scheduler/store/archive singletons.
type Engine struct {
	config Config

	clk    clock.Clock
	stats  tally.Scope
	logger *zap.SugaredLogger

	localID core.PeerID

	peerMgr    *peermgr.Manager
	bw         *bandwidth.Limiter
	httpClient *tracker.HTTPClient
	udpClient  *tracker.UDPClient
	sessionMgr *session.Manager
	store      *persist.Store

	events chan Event

	mu          sync.Mutex
	running     bool
	startedAt   time.Time
	labels      map[core.InfoHash]map[string]string
	addedAt     map[core.InfoHash]time.Time
	completedAt map[core.InfoHash]time.Time
}

// New validates and defaults config but does not start anything; call
// Start to construct and launch the engine's singletons. A nil logger
// builds a default production logger from config.Log and installs it
// as internal/log's global, for embedders that don't already own a
// configured zap instance.
func New(config Config, clk clock.Clock, stats tally.Scope, logger *zap.SugaredLogger) (*Engine, error) {
	config, err := config.applyDefaults()
	if err != nil {
		return nil, err
	}
	localID, err := config.PeerIDFactory.GeneratePeerID("0.0.0.0", config.Port)
	if err != nil {
		return nil, core.NewError(core.KindProtocol, err, "generate local peer id")
	}
	if logger == nil {
		base, err := log.New(config.Log, nil)
		if err != nil {
			return nil, core.NewError(core.KindState, err, "build default logger")
		}
		logger = base.Sugar()
		log.SetGlobal(logger)
	}
	return &Engine{
		config:      config,
		clk:         clk,
		stats:       stats,
		logger:      logger,
		localID:     localID,
		events:      make(chan Event, config.EventBuf),
		labels:      make(map[core.InfoHash]map[string]string),
		addedAt:     make(map[core.InfoHash]time.Time),
		completedAt: make(map[core.InfoHash]time.Time),
	}, nil
}

// Events returns the engine's push-event stream. Consumers must keep
// reading it; a full buffer drops the oldest pending notification with
// a logged warning rather than blocking engine operations (push events
// are advisory telemetry, not completions - every operation's own
// return value is the authoritative completion signal, per spec.md 7's
// "no silent drops of work", which binds operation results, not this
// best-effort notification stream).
func (e *Engine) Events() <-chan Event { return e.events }

// Start constructs the peer manager, tracker clients, bandwidth
// limiter, and session manager, then loads any persisted torrents from
// a previous run. Double-Start is a KindState error, per spec.md 9.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return core.NewStateError("engine already started")
	}
	e.running = true
	e.startedAt = e.clk.Now()
	e.mu.Unlock()

	e.store = persist.NewStore(e.config.DataDir)
	e.bw = bandwidth.NewLimiter(e.config.bandwidthConfig(), e.clk, e.stats, e.logger)
	e.peerMgr = peermgr.New(e.config.Peer, e.localID, e.clk, e.stats, e.logger)
	if err := e.peerMgr.Start(); err != nil {
		return core.NewError(core.KindNetwork, err, "start peer manager")
	}
	e.httpClient = tracker.NewHTTPClient(e.config.HTTP, e.logger)
	e.udpClient = tracker.NewUDPClient(e.config.UDP, e.clk, e.logger)

	e.sessionMgr = session.NewManager(
		session.ManagerConfig{MaxActiveTorrents: e.config.MaxActiveTorrents, Session: e.config.Session},
		e.localID, e.config.Port, e.peerMgr, e.bw, e.trackersFor, e, e.clk, e.stats, e.logger)
	e.sessionMgr.Start()

	e.resume(ctx)
	return nil
}

// Stop drains and tears down every singleton the reverse of Start,
// emitting EngineStopped once complete. Safe to call only while
// running; calling it twice is a KindState error.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return core.NewStateError("engine not started")
	}
	e.running = false
	e.mu.Unlock()

	e.sessionMgr.Stop()
	e.peerMgr.Stop()
	e.bw.Stop()

	e.publish(EngineStopped{})
	return nil
}

// Shutdown is an alias for Stop, matching spec.md 6's IPC operation
// name.
func (e *Engine) Shutdown() error { return e.Stop() }

func (e *Engine) trackersFor(meta *metainfo.TorrentMetadata) *tracker.MultiTracker {
	return tracker.NewMultiTracker(meta.Announce, meta.AnnounceList, e.httpClient, e.udpClient, e.clk, e.logger)
}

// torrentFilePath is where AddTorrent stashes the raw .torrent bytes so
// a later Start can re-parse metadata for resume; persist.Record itself
// only carries resume bookkeeping, not the full metainfo (spec.md 6).
func (e *Engine) torrentFilePath(h core.InfoHash) string {
	return filepath.Join(e.config.DataDir, "torrents", h.Hex()+".torrent")
}

// AddTorrent registers a new torrent from raw .torrent bytes, per
// spec.md 6's addTorrent(source, options) operation.
func (e *Engine) AddTorrent(ctx context.Context, raw []byte, opts AddOptions) (*TorrentInfo, error) {
	meta, err := metainfo.Parse(raw)
	if err != nil {
		return nil, err
	}

	downloadPath := opts.DownloadPath
	if downloadPath == "" {
		downloadPath = e.config.DownloadPath
	}

	if err := os.MkdirAll(filepath.Dir(e.torrentFilePath(meta.InfoHash)), 0755); err != nil {
		return nil, core.NewDiskError(e.torrentFilePath(meta.InfoHash), err, "create torrents dir")
	}
	if err := os.WriteFile(e.torrentFilePath(meta.InfoHash), raw, 0644); err != nil {
		return nil, core.NewDiskError(e.torrentFilePath(meta.InfoHash), err, "persist torrent file")
	}

	e.mu.Lock()
	e.labels[meta.InfoHash] = opts.Labels
	e.addedAt[meta.InfoHash] = e.clk.Now()
	e.mu.Unlock()

	if _, err := e.sessionMgr.AddTorrent(ctx, meta, downloadPath); err != nil {
		return nil, err
	}

	startOnAdd := e.config.StartOnAdd
	if opts.Start != nil {
		startOnAdd = *opts.Start
	}
	if !startOnAdd {
		// The session manager starts an added torrent at once when an
		// active slot is free and queues it otherwise; a per-call or
		// engine-wide "don't auto-start" request pauses it right back.
		// Pause is legal only out of Downloading/Seeding, so a torrent
		// that was queued, or whose start failed into Error, is left as
		// it is and the pause error is ignored.
		_ = e.sessionMgr.PauseTorrent(meta.InfoHash)
	}

	e.saveRecord(meta, downloadPath, opts.Labels)
	e.publish(TorrentAdded{InfoHash: meta.InfoHash, Name: meta.Name})

	return e.describe(meta.InfoHash)
}

// AddMagnet parses a magnet URI for its info-hash and tracker list.
// Per spec.md 1's Non-goals ("magnet-only fetch of metadata" is out of
// scope), this cannot by itself produce a downloadable torrent: without
// ut_metadata exchange or DHT, there is no metainfo to verify pieces
// against. Callers that already hold the corresponding .torrent's bytes
// should call AddTorrent directly; AddMagnet exists so a caller can at
// least validate and inspect a magnet link through the same API.
func (e *Engine) AddMagnet(raw string) (*metainfo.MagnetLink, error) {
	link, err := metainfo.ParseMagnetURI(raw)
	if err != nil {
		return nil, err
	}
	return nil, core.NewError(core.KindMetadata, nil,
		"magnet-only metadata fetch is not supported; magnet %s resolves to info-hash %s but no metainfo is available without a .torrent source",
		raw, link.InfoHash.Hex())
}

// RemoveTorrent stops h's session and forgets it, per spec.md
// 6/4.12's "Removal is explicit". deleteFiles additionally invokes the
// disk manager's delete.
func (e *Engine) RemoveTorrent(h core.InfoHash, deleteFiles bool) error {
	if err := e.sessionMgr.RemoveTorrent(h, deleteFiles); err != nil {
		return err
	}
	_ = e.store.Delete(h)
	_ = os.Remove(e.torrentFilePath(h))
	e.mu.Lock()
	delete(e.labels, h)
	delete(e.addedAt, h)
	delete(e.completedAt, h)
	e.mu.Unlock()
	e.publish(TorrentRemoved{InfoHash: h})
	return nil
}

// PauseTorrent pauses h, per spec.md 6.
func (e *Engine) PauseTorrent(h core.InfoHash) error {
	return e.sessionMgr.PauseTorrent(h)
}

// ResumeTorrent resumes (or re-queues) h, per spec.md 6.
func (e *Engine) ResumeTorrent(ctx context.Context, h core.InfoHash) error {
	return e.sessionMgr.ResumeTorrent(ctx, h)
}

// GetTorrents returns a summary of every managed torrent, per spec.md 6.
func (e *Engine) GetTorrents() []*TorrentInfo {
	sessions := e.sessionMgr.Sessions()
	out := make([]*TorrentInfo, 0, len(sessions))
	for _, s := range sessions {
		info, err := e.describe(s.InfoHash())
		if err != nil {
			continue
		}
		out = append(out, info)
	}
	return out
}

func (e *Engine) describe(h core.InfoHash) (*TorrentInfo, error) {
	s, ok := e.sessionMgr.GetSession(h)
	if !ok {
		return nil, core.NewError(core.KindState, nil, "unknown torrent %s", h.Hex())
	}
	e.mu.Lock()
	labels := e.labels[h]
	addedAt := e.addedAt[h]
	var completedAt *time.Time
	if t, ok := e.completedAt[h]; ok {
		completedAt = &t
	}
	e.mu.Unlock()

	downloaded, uploaded, ratio := s.Stats()
	return &TorrentInfo{
		InfoHash:       h,
		Name:           s.Name(),
		State:          s.State(),
		TotalLength:    s.TotalLength(),
		Downloaded:     downloaded,
		Uploaded:       uploaded,
		Ratio:          ratio,
		ConnectedPeers: len(e.peerMgr.ActiveConns(h)),
		DownloadRate:   e.peerMgr.SessionRate(h, peermgr.Download),
		UploadRate:     e.peerMgr.SessionRate(h, peermgr.Upload),
		Labels:         labels,
		AddedAt:        addedAt,
		CompletedAt:    completedAt,
	}, nil
}

// GetPeers returns every connection currently open for h, per spec.md 6.
func (e *Engine) GetPeers(h core.InfoHash) []PeerInfo {
	conns := e.peerMgr.ActiveConns(h)
	out := make([]PeerInfo, 0, len(conns))
	for _, c := range conns {
		out = append(out, PeerInfo{
			PeerID:       c.RemotePeerID,
			Addr:         c.RemoteAddr().String(),
			State:        c.State().String(),
			DownloadRate: e.peerMgr.PeerRate(h, c.RemotePeerID, peermgr.Download),
			UploadRate:   e.peerMgr.PeerRate(h, c.RemotePeerID, peermgr.Upload),
		})
	}
	return out
}

// GetConfig returns the engine's effective configuration, per spec.md 6.
func (e *Engine) GetConfig() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.config
}

// UpdateConfig applies a partial configuration change. Only the
// non-zero MaxUploadSpeed, MaxDownloadSpeed and MaxActiveTorrents of
// partial are read; every other field is ignored. The two speeds are
// applied to the running bandwidth limiter at once; MaxActiveTorrents is
// stored in the config and reaches the session manager only when the
// engine next starts.
func (e *Engine) UpdateConfig(partial Config) {
	e.mu.Lock()
	if partial.MaxUploadSpeed != 0 {
		e.config.MaxUploadSpeed = partial.MaxUploadSpeed
	}
	if partial.MaxDownloadSpeed != 0 {
		e.config.MaxDownloadSpeed = partial.MaxDownloadSpeed
	}
	if partial.MaxActiveTorrents != 0 {
		e.config.MaxActiveTorrents = partial.MaxActiveTorrents
	}
	cfg := e.config
	e.mu.Unlock()

	if e.bw != nil {
		if partial.MaxUploadSpeed != 0 {
			e.bw.SetGlobalRate(bandwidth.Upload, cfg.MaxUploadSpeed)
		}
		if partial.MaxDownloadSpeed != 0 {
			e.bw.SetGlobalRate(bandwidth.Download, cfg.MaxDownloadSpeed)
		}
	}
}

// GetStatus returns the engine-wide snapshot spec.md 6's getStatus()
// operation names.
func (e *Engine) GetStatus() Status {
	e.mu.Lock()
	running := e.running
	startedAt := e.startedAt
	e.mu.Unlock()

	var uptime time.Duration
	if running {
		uptime = e.clk.Now().Sub(startedAt)
	}
	st := Status{Running: running, Uptime: uptime}
	if e.sessionMgr != nil {
		st.TotalTorrents = len(e.sessionMgr.Sessions())
	}
	if e.peerMgr != nil {
		st.TotalPeers = e.peerMgr.ConnectionCount()
		st.DownloadSpeed = e.peerMgr.EngineRate(peermgr.Download)
		st.UploadSpeed = e.peerMgr.EngineRate(peermgr.Upload)
	}
	return st
}

func (e *Engine) saveRecord(meta *metainfo.TorrentMetadata, downloadPath string, labels map[string]string) {
	r := &persist.Record{
		InfoHash:     meta.InfoHash.Hex(),
		Name:         meta.Name,
		DataDir:      e.config.DataDir,
		DownloadPath: downloadPath,
		Labels:       labels,
		TotalLength:  meta.TotalLength,
		PieceLength:  meta.PieceLength,
		PieceCount:   meta.PieceCount,
		AddedAt:      e.clk.Now(),
	}
	if err := e.store.Save(r); err != nil {
		e.logger.Warnw("failed to persist torrent record", "info_hash", meta.InfoHash.Hex(), "error", err)
	}
}

// resume reloads every persisted record at Start and, where the
// original .torrent bytes were also stashed, re-adds the torrent so it
// resumes downloading/seeding. Byte counters reset to zero on resume
// (the live Session does not expose a way to seed them pre-Start). The
// record carries no completed-pieces bitfield (saveRecord leaves it
// empty and resume does not read it), so already-complete pieces are
// recognised only when VerifyOnAdd is set and the session hashes the
// data on disk; otherwise they are downloaded again.
func (e *Engine) resume(ctx context.Context) {
	records, errs := e.store.LoadAll()
	for _, err := range errs {
		e.logger.Warnw("failed to load a persisted torrent record", "error", err)
	}
	for _, r := range records {
		h, err := core.NewInfoHashFromHex(r.InfoHash)
		if err != nil {
			e.logger.Warnw("persisted record has invalid info hash", "info_hash", r.InfoHash, "error", err)
			continue
		}
		raw, err := os.ReadFile(e.torrentFilePath(h))
		if err != nil {
			e.logger.Warnw("no stashed .torrent bytes for persisted record, skipping resume", "info_hash", r.InfoHash)
			continue
		}
		meta, err := metainfo.Parse(raw)
		if err != nil {
			e.logger.Warnw("failed to re-parse stashed .torrent bytes", "info_hash", r.InfoHash, "error", err)
			continue
		}
		e.mu.Lock()
		e.labels[h] = r.Labels
		e.addedAt[h] = r.AddedAt
		e.mu.Unlock()
		if _, err := e.sessionMgr.AddTorrent(ctx, meta, r.DownloadPath); err != nil {
			e.logger.Warnw("failed to resume persisted torrent", "info_hash", r.InfoHash, "error", err)
		}
	}
}

func (e *Engine) publish(ev Event) {
	select {
	case e.events <- ev:
	default:
		e.logger.Warnw("event buffer full, dropping oldest", "event", fmt.Sprintf("%T", ev))
		select {
		case <-e.events:
		default:
		}
		select {
		case e.events <- ev:
		default:
		}
	}
}

// Engine implements session.ManagerEvents itself, translating the
// session manager's callbacks into the typed Event stream above.

func (e *Engine) OnStateChanged(h core.InfoHash, from, to session.State) {
	e.logger.Debugw("torrent state changed", "info_hash", h.Hex(), "from", from, "to", to)
}

func (e *Engine) OnProgress(p session.Progress) {
	e.publish(TorrentProgress{Progress: p})
}

func (e *Engine) OnCompleted(h core.InfoHash) {
	now := e.clk.Now()
	e.mu.Lock()
	e.completedAt[h] = now
	e.mu.Unlock()
	if r, err := e.store.Load(h); err == nil {
		r.CompletedAt = &now
		if err := e.store.Save(r); err != nil {
			e.logger.Warnw("failed to persist completion time", "info_hash", h.Hex(), "error", err)
		}
	}
	e.publish(TorrentCompleted{InfoHash: h})
}

func (e *Engine) OnError(h core.InfoHash, err error) {
	e.logger.Errorw("torrent session error", "info_hash", h.Hex(), "error", err)
}

func (e *Engine) OnAggregateStats(session.AggregateStats) {
	// Aggregate engine-wide stats are already available on demand via
	// GetStatus; no separate push event is named for them in spec.md 6.
}
