// Package session implements the per-torrent state machine of
// spec.md 4.11: Queued/Checking/Downloading/Seeding/Paused/Error and
// the transitions between them, plus the glue between a torrent's
// piece map, piece selector, choking algorithm, disk manager, and the
// shared peer manager / tracker client / bandwidth limiter singletons.
// Grounded on lib/torrent/scheduler/scheduler.go's event-loop-owned
// torrentControl shape and lib/torrent/scheduler/announcer/announcer.go's
// clock.Timer-driven interval ticker, adapted from that tree's dispatcher
// abstraction to this module's own wire/piece/choke/disk packages.
package session

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"github.com/willf/bitset"
	"go.uber.org/zap"

	"github.com/torrentd/engine/bandwidth"
	"github.com/torrentd/engine/choke"
	"github.com/torrentd/engine/core"
	"github.com/torrentd/engine/disk"
	"github.com/torrentd/engine/metainfo"
	"github.com/torrentd/engine/peermgr"
	"github.com/torrentd/engine/piece"
	"github.com/torrentd/engine/tracker"
	"github.com/torrentd/engine/utils/cache"
)

// State is one of the lifecycle states of spec.md 4.11.
type State int

// Session states.
const (
	Queued State = iota
	Checking
	Downloading
	Seeding
	Paused
	Error
)

func (s State) String() string {
	switch s {
	case Queued:
		return "queued"
	case Checking:
		return "checking"
	case Downloading:
		return "downloading"
	case Seeding:
		return "seeding"
	case Paused:
		return "paused"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// legalTransitions enumerates every reachable (from, to) pair of
// spec.md 4.11's diagram. Any pair not in this set fails with a
// KindState error.
var legalTransitions = map[State]map[State]bool{
	Queued:      {Checking: true},
	Checking:    {Seeding: true, Downloading: true, Error: true},
	Downloading: {Seeding: true, Paused: true, Error: true},
	Seeding:     {Paused: true, Error: true},
	Paused:      {Checking: true},
	Error:       {Checking: true},
}

// Progress is one torrent's point-in-time statistics, emitted at
// ProgressInterval.
type Progress struct {
	InfoHash       core.InfoHash
	State          State
	DownloadRate   float64
	UploadRate     float64
	Downloaded     int64
	Uploaded       int64
	Ratio          float64
	ConnectedPeers int
}

// Events is the session's upward-facing event sink.
type Events interface {
	OnStateChanged(h core.InfoHash, from, to State)
	OnProgress(p Progress)
	OnCompleted(h core.InfoHash)
	OnError(h core.InfoHash, err error)
}

// Config defines Session configuration.
type Config struct {
	MaxConnectionsPerTorrent int                `yaml:"max_connections_per_torrent"`
	ProgressInterval         time.Duration      `yaml:"progress_interval"`
	VerifyOnAdd              bool               `yaml:"verify_on_add"`
	NumWant                  int                `yaml:"num_want"`
	Strategy                 piece.Strategy     `yaml:"strategy"`
	Disk                     disk.Config        `yaml:"disk"`
	Choke                    choke.Config       `yaml:"choke"`
	// PeerCache bounds the set of recently-announced peer addresses a
	// session remembers, so a repeat tracker announce doesn't re-enqueue
	// the same addresses into the peer manager's dial queue every
	// interval.
	PeerCache cache.LRUCacheConfig `yaml:"peer_cache"`
}

func (c Config) applyDefaults() Config {
	if c.MaxConnectionsPerTorrent == 0 {
		c.MaxConnectionsPerTorrent = 30
	}
	if c.ProgressInterval == 0 {
		c.ProgressInterval = time.Second
	}
	if c.NumWant == 0 {
		c.NumWant = 50
	}
	return c
}

// Session owns one torrent's complete in-memory state: its piece map,
// piece availability table, choking algorithm instance, and disk
// manager. It is the exclusive mutator of all of these, per the
// ownership rule in spec.md 5: sessions read peer statistics only via
// peermgr.Manager's accessors.
type Session struct {
	config   Config
	meta     *metainfo.TorrentMetadata
	dataDir  string
	localID  core.PeerID
	port     int

	clk    clock.Clock
	stats  tally.Scope
	logger *zap.SugaredLogger

	events Events

	peerMgr  *peermgr.Manager
	trackers *tracker.MultiTracker
	bw       *bandwidth.Limiter

	disk         *disk.Manager
	pieceMap     *piece.TorrentPieceMap
	availability *piece.PieceAvailability
	selector     *piece.Selector
	chokeAlg     *choke.Algorithm
	seenPeers    *cache.LRUCache

	mu           sync.Mutex
	state        State
	requesting   *bitset.BitSet // pieces with an outstanding request somewhere
	dispatchers  map[core.PeerID]*peerDispatcher
	downloaded   int64
	uploaded     int64
	seed         bool
	running      bool // true once the disk manager and background loops are up

	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a Session in the Queued state. It does not start any
// goroutines or I/O; call Start to begin checking/downloading.
func New(
	meta *metainfo.TorrentMetadata,
	dataDir string,
	config Config,
	localID core.PeerID,
	port int,
	peerMgr *peermgr.Manager,
	trackers *tracker.MultiTracker,
	bw *bandwidth.Limiter,
	events Events,
	clk clock.Clock,
	stats tally.Scope,
	logger *zap.SugaredLogger,
) *Session {
	config = config.applyDefaults()
	logger = logger.With("info_hash", meta.InfoHash.Hex())

	s := &Session{
		config:      config,
		meta:        meta,
		dataDir:     dataDir,
		localID:     localID,
		port:        port,
		clk:         clk,
		stats:       stats,
		logger:      logger,
		events:      events,
		peerMgr:     peerMgr,
		trackers:    trackers,
		bw:          bw,
		state:       Queued,
		requesting:  bitset.New(uint(meta.PieceCount)),
		dispatchers: make(map[core.PeerID]*peerDispatcher),
		stopCh:      make(chan struct{}),
	}

	s.pieceMap = piece.NewTorrentPieceMap(meta.PieceCount)
	s.availability = piece.NewPieceAvailability(meta.PieceCount)
	selector, err := piece.NewSelector(s.availability, meta.PieceCount, config.Strategy)
	if err != nil {
		logger.Errorw("failed to build selector, falling back to rarest first", "error", err)
		selector, _ = piece.NewSelector(s.availability, meta.PieceCount, piece.RarestFirst)
	}
	s.selector = selector
	s.chokeAlg = choke.New(config.Choke, choke.Leech, clk, rand.New(rand.NewSource(clk.Now().UnixNano())), logger)

	s.disk = disk.New(dataDir, meta, config.Disk, &diskEventsAdapter{s}, clk, stats, logger)
	s.seenPeers = cache.NewLRUCache(config.PeerCache)

	return s
}

// InfoHash returns the torrent's info hash.
func (s *Session) InfoHash() core.InfoHash { return s.meta.InfoHash }

// Name returns the torrent's display name.
func (s *Session) Name() string { return s.meta.Name }

// TotalLength returns the torrent's total byte length.
func (s *Session) TotalLength() int64 { return s.meta.TotalLength }

// Stats returns the session's current cumulative byte counters and
// completion ratio, for status-reporting callers that only need a
// point-in-time snapshot rather than the periodic Progress event.
func (s *Session) Stats() (downloaded, uploaded int64, ratio float64) {
	s.mu.Lock()
	downloaded, uploaded = s.downloaded, s.uploaded
	s.mu.Unlock()
	return downloaded, uploaded, s.pieceMap.Progress()
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) transition(to State) error {
	s.mu.Lock()
	from := s.state
	allowed := legalTransitions[from][to]
	if !allowed {
		s.mu.Unlock()
		return core.NewStateError("illegal transition %s -> %s", from, to)
	}
	s.state = to
	s.mu.Unlock()

	s.logger.Infow("state transition", "from", from, "to", to)
	s.events.OnStateChanged(s.meta.InfoHash, from, to)
	return nil
}

// Start begins (or resumes) the session: Queued/Paused/Error ->
// Checking -> Seeding|Downloading, registering with the peer manager
// and announcing event=started to the tracker tiers. Resuming from
// Paused leaves the disk manager and the progress/announce loops
// running from the original Start rather than spawning a second copy of
// each, since Pause never tears them down.
func (s *Session) Start(ctx context.Context) error {
	if err := s.transition(Checking); err != nil {
		return err
	}

	s.mu.Lock()
	alreadyRunning := s.running
	s.running = true
	s.mu.Unlock()

	if !alreadyRunning {
		if err := s.disk.Start(); err != nil {
			s.fail(err)
			return err
		}
	}

	completed := piece.NewBitfield(s.meta.PieceCount)
	if s.config.VerifyOnAdd {
		c, err := s.disk.Verify()
		if err != nil {
			s.fail(err)
			return err
		}
		completed = c
	}
	for i := 0; i < s.meta.PieceCount; i++ {
		if completed.Test(i) {
			s.pieceMap.MarkComplete(i)
		}
	}

	s.peerMgr.RegisterTorrent(s.meta.InfoHash, &binding{s})

	next := Downloading
	s.mu.Lock()
	if completed.All() {
		next = Seeding
		s.seed = true
		s.chokeAlg.SetMode(choke.Seed)
	}
	s.mu.Unlock()

	if err := s.transition(next); err != nil {
		return err
	}

	if !alreadyRunning {
		s.wg.Add(2)
		go s.progressLoop()
		go s.announceLoop(ctx, tracker.Started)
	}

	s.chokeAlg.Run(s.choking, s.applyChokeActions)

	return nil
}

// Pause transitions an active session to Paused, disconnecting peers
// but leaving disk state intact for a later Start.
func (s *Session) Pause() error {
	if err := s.transition(Paused); err != nil {
		return err
	}
	s.peerMgr.UnregisterTorrent(s.meta.InfoHash)
	s.chokeAlg.Stop()
	return nil
}

// Stop gracefully shuts the session down: drains the disk write queue,
// best-effort announces event=stopped, disconnects peers, and closes
// file handles. Safe to call more than once.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()

	func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.announceOnce(ctx, tracker.Stopped)
	}()

	s.peerMgr.UnregisterTorrent(s.meta.InfoHash)
	s.chokeAlg.Stop()
	s.disk.Stop()
}

// fail transitions the session to Error and surfaces err, per
// spec.md 7(c): disk errors other than DiskFull are fatal to the
// session.
func (s *Session) fail(err error) {
	s.mu.Lock()
	from := s.state
	s.state = Error
	s.mu.Unlock()
	s.logger.Errorw("session failed", "from", from, "error", err)
	s.events.OnStateChanged(s.meta.InfoHash, from, Error)
	s.events.OnError(s.meta.InfoHash, err)
}

func (s *Session) progressLoop() {
	defer s.wg.Done()
	ticker := s.clk.Ticker(s.config.ProgressInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.emitProgress()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Session) emitProgress() {
	dl := s.peerMgr.SessionRate(s.meta.InfoHash, peermgr.Download)
	ul := s.peerMgr.SessionRate(s.meta.InfoHash, peermgr.Upload)

	s.mu.Lock()
	downloaded, uploaded := s.downloaded, s.uploaded
	state := s.state
	s.mu.Unlock()

	ratio := s.pieceMap.Progress()
	s.events.OnProgress(Progress{
		InfoHash:       s.meta.InfoHash,
		State:          state,
		DownloadRate:   dl,
		UploadRate:     ul,
		Downloaded:     downloaded,
		Uploaded:       uploaded,
		Ratio:          ratio,
		ConnectedPeers: len(s.peerMgr.ActiveConns(s.meta.InfoHash)),
	})
}

// announceLoop sends an initial event-tagged announce, hands peers to
// the peer manager, then re-announces on the tracker's interval until
// the session stops.
func (s *Session) announceLoop(ctx context.Context, firstEvent tracker.Event) {
	defer s.wg.Done()

	interval := s.announceOnce(ctx, firstEvent)
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := s.clk.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if iv := s.announceOnce(ctx, tracker.None); iv > 0 {
				ticker.Reset(iv)
			}
		case <-s.stopCh:
			return
		}
	}
}

func (s *Session) announceOnce(ctx context.Context, event tracker.Event) time.Duration {
	s.mu.Lock()
	downloaded, uploaded := s.downloaded, s.uploaded
	s.mu.Unlock()

	left := s.meta.TotalLength - int64(s.pieceMap.CompletedCount())*s.meta.PieceLength
	if left < 0 {
		left = 0
	}

	resp, err := s.trackers.Announce(ctx, tracker.AnnounceRequest{
		InfoHash:   s.meta.InfoHash,
		PeerID:     s.localID,
		Port:       s.port,
		Downloaded: downloaded,
		Uploaded:   uploaded,
		Left:       left,
		Event:      event,
		NumWant:    s.config.NumWant,
	})
	if err != nil {
		// Tracker errors are local to the announce; the session stays
		// in its current state (spec.md 7(b)).
		s.logger.Warnw("announce failed", "error", err)
		return 0
	}

	for _, p := range resp.Peers {
		addr := fmt.Sprintf("%s:%d", p.IP, p.Port)
		if s.seenPeers.Has(addr) {
			continue
		}
		s.seenPeers.Add(addr)
		s.peerMgr.Enqueue(s.meta.InfoHash, addr)
	}
	if resp.MinInterval > 0 {
		return resp.MinInterval
	}
	return resp.Interval
}

// choking gathers a PeerState snapshot for every connected peer, for
// the choking algorithm's Run loop.
func (s *Session) choking() []choke.PeerState {
	s.mu.Lock()
	dispatchers := make([]*peerDispatcher, 0, len(s.dispatchers))
	for _, d := range s.dispatchers {
		dispatchers = append(dispatchers, d)
	}
	s.mu.Unlock()

	states := make([]choke.PeerState, 0, len(dispatchers))
	for _, d := range dispatchers {
		states = append(states, d.choketState())
	}
	return states
}

func (s *Session) applyChokeActions(actions []choke.Action) {
	for _, a := range actions {
		s.mu.Lock()
		d, ok := s.dispatchers[a.PeerID]
		s.mu.Unlock()
		if !ok {
			continue
		}
		d.applyChoke(a.Choke)
	}
}

// handlePieceVerified is called by a dispatcher once a full piece has
// arrived and hashed correctly (or not). On success it persists the
// piece, announces it to every connected peer, and checks for
// torrent completion.
func (s *Session) handlePieceVerified(index int, data []byte, ok bool) {
	s.mu.Lock()
	s.requesting.Clear(uint(index))
	s.mu.Unlock()

	if !ok {
		s.pieceMap.ResetPiece(index)
		s.logger.Warnw("piece failed verification", "piece", index)
		return
	}

	if err := <-s.disk.Write(index, data); err != nil {
		s.fail(err)
		return
	}
	if err := s.pieceMap.MarkComplete(index); err != nil {
		s.logger.Errorw("mark complete", "piece", index, "error", err)
		return
	}

	s.broadcastHave(index)

	if s.pieceMap.Bitfield().All() {
		s.onCompleted()
	}
}

func (s *Session) onCompleted() {
	s.mu.Lock()
	already := s.seed
	s.seed = true
	s.mu.Unlock()
	if already {
		return
	}
	s.chokeAlg.SetMode(choke.Seed)
	if err := s.transition(Seeding); err != nil {
		s.logger.Errorw("transition to seeding", "error", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s.announceOnce(ctx, tracker.Completed)
	s.events.OnCompleted(s.meta.InfoHash)
}

func (s *Session) broadcastHave(index int) {
	s.mu.Lock()
	dispatchers := make([]*peerDispatcher, 0, len(s.dispatchers))
	for _, d := range s.dispatchers {
		dispatchers = append(dispatchers, d)
	}
	s.mu.Unlock()

	for _, d := range dispatchers {
		d.sendHave(index)
	}
}

func (s *Session) recordDownloaded(n int64) {
	s.mu.Lock()
	s.downloaded += n
	s.mu.Unlock()
}

func (s *Session) recordUploaded(n int64) {
	s.mu.Lock()
	s.uploaded += n
	s.mu.Unlock()
}
