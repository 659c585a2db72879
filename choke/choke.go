// Package choke implements the choking/unchoking algorithm of spec.md
// 4.7: periodic recalculation of the regular unchoke set, optimistic
// unchoke rotation, and snub detection. Grounded on
// lib/torrent/scheduler/connstate/state.go's shape (a small
// non-thread-safe State type wrapped by a lock-holding caller, config
// with applyDefaults, clock.Clock injected for deterministic timers)
// generalized from connection admission to the regular/optimistic
// unchoke set computation spec.md 4.7 describes, since the retrieval
// pack's own scheduler does not choke peers (Kraken distributes content
// to every connected peer rather than gating upload bandwidth by peer
// reciprocity).
package choke

import (
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"go.uber.org/zap"

	"github.com/torrentd/engine/core"
)

// Mode selects which rate a session's choking algorithm optimizes for.
type Mode int

// Modes.
const (
	Leech Mode = iota
	Seed
)

// Reason tags why an Action chokes or unchokes a peer.
type Reason string

// Reasons.
const (
	ReasonRegular       Reason = "regular"
	ReasonOptimistic    Reason = "optimistic"
	ReasonSnubbed       Reason = "snubbed"
	ReasonNotInterested Reason = "not_interested"
)

// PeerState is the choking algorithm's view of one connected peer,
// supplied fresh on every Recalculate call by the caller (typically a
// TorrentSession polling its peer set).
type PeerState struct {
	PeerID            core.PeerID
	DownloadRate      float64
	UploadRate        float64
	AmChoking         bool
	AmInterested      bool
	PeerInterested    bool
	PeerChoking       bool
	LastPieceReceived time.Time
}

// Action is an unchoke or choke decision for one peer.
type Action struct {
	PeerID core.PeerID
	Choke  bool
	Reason Reason
}

// Config defines the choking algorithm's timer cadence.
type Config struct {
	RecalcInterval     time.Duration `yaml:"recalc_interval"`
	OptimisticInterval time.Duration `yaml:"optimistic_interval"`
	SnubThreshold      time.Duration `yaml:"snub_threshold"`
}

func (c Config) applyDefaults() Config {
	if c.RecalcInterval == 0 {
		c.RecalcInterval = 5 * time.Second
	}
	if c.OptimisticInterval == 0 {
		c.OptimisticInterval = 30 * time.Second
	}
	if c.SnubThreshold == 0 {
		c.SnubThreshold = 60 * time.Second
	}
	return c
}

// UnchokeSlots returns the number of regular unchoke slots for
// interestedCount interested peers: 4 + ceil(sqrt(interestedCount)).
func UnchokeSlots(interestedCount int) int {
	return 4 + int(math.Ceil(math.Sqrt(float64(interestedCount))))
}

// IsSnubbed reports whether p counts as snubbed at time now: we are
// interested in p, p is not choking us, and no piece data has arrived
// from p for at least threshold.
func IsSnubbed(p PeerState, now time.Time, threshold time.Duration) bool {
	if !p.AmInterested || p.PeerChoking {
		return false
	}
	if p.LastPieceReceived.IsZero() {
		return true
	}
	return now.Sub(p.LastPieceReceived) >= threshold
}

// Algorithm holds the rolling state a real-time choking loop needs
// across recalculations: the current optimistic pick and when it last
// rotated. Recalculate can also be called directly, without Run, by
// tests and one-off computations; it still reads and updates that
// optimistic state.
type Algorithm struct {
	config Config
	clk    clock.Clock
	rng    *rand.Rand
	logger *zap.SugaredLogger

	mu                     sync.Mutex
	mode                   Mode
	optimistic             core.PeerID
	hasOptimistic          bool
	lastOptimisticRotation time.Time

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates an Algorithm in mode, using clk for timers and rng for
// the optimistic-unchoke draw (pass rand.New(rand.NewSource(seed)) in
// tests for determinism).
func New(config Config, mode Mode, clk clock.Clock, rng *rand.Rand, logger *zap.SugaredLogger) *Algorithm {
	return &Algorithm{
		config: config.applyDefaults(),
		clk:    clk,
		rng:    rng,
		mode:   mode,
		logger: logger,
	}
}

// SetMode switches between leeching and seeding rate preference, e.g.
// when a session transitions Downloading -> Seeding.
func (a *Algorithm) SetMode(mode Mode) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mode = mode
}

// Recalculate computes the full set of choke/unchoke actions for peers
// at time now, given this Algorithm's sticky optimistic pick (rotated
// only once OptimisticInterval has elapsed since the last rotation).
func (a *Algorithm) Recalculate(peers []PeerState, now time.Time) []Action {
	a.mu.Lock()
	mode := a.mode
	rotate := !a.hasOptimistic || now.Sub(a.lastOptimisticRotation) >= a.config.OptimisticInterval
	a.mu.Unlock()

	interested := make([]PeerState, 0, len(peers))
	for _, p := range peers {
		if p.PeerInterested {
			interested = append(interested, p)
		}
	}

	slots := UnchokeSlots(len(interested))
	regular := selectRegular(interested, mode, slots, a.config.SnubThreshold, now)

	regularSet := make(map[core.PeerID]bool, len(regular))
	for _, p := range regular {
		regularSet[p.PeerID] = true
	}

	optimisticID, hasOptimistic := a.pickOptimistic(interested, regularSet, rotate, now)

	actions := make([]Action, 0, len(peers))
	for _, p := range peers {
		switch {
		case !p.PeerInterested:
			actions = append(actions, Action{PeerID: p.PeerID, Choke: true, Reason: ReasonNotInterested})
		case regularSet[p.PeerID]:
			actions = append(actions, Action{PeerID: p.PeerID, Choke: false, Reason: ReasonRegular})
		case hasOptimistic && p.PeerID == optimisticID:
			actions = append(actions, Action{PeerID: p.PeerID, Choke: false, Reason: ReasonOptimistic})
		case mode == Leech && IsSnubbed(p, now, a.config.SnubThreshold):
			actions = append(actions, Action{PeerID: p.PeerID, Choke: true, Reason: ReasonSnubbed})
		default:
			actions = append(actions, Action{PeerID: p.PeerID, Choke: true, Reason: ReasonRegular})
		}
	}
	return actions
}

// pickOptimistic returns the sticky optimistic-unchoke peer, drawing a
// fresh uniformly-random one from the interested-but-not-regular pool
// when rotate is true or the previous pick is no longer eligible.
func (a *Algorithm) pickOptimistic(interested []PeerState, regularSet map[core.PeerID]bool, rotate bool, now time.Time) (core.PeerID, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	pool := make([]core.PeerID, 0, len(interested))
	for _, p := range interested {
		if !regularSet[p.PeerID] {
			pool = append(pool, p.PeerID)
		}
	}

	if !rotate && a.hasOptimistic {
		for _, id := range pool {
			if id == a.optimistic {
				return a.optimistic, true
			}
		}
	}

	if len(pool) == 0 {
		a.hasOptimistic = false
		return core.PeerID{}, false
	}

	a.optimistic = pool[a.rng.Intn(len(pool))]
	a.hasOptimistic = true
	a.lastOptimisticRotation = now
	return a.optimistic, true
}

// selectRegular sorts interested peers by the rate the current mode
// rewards (download rate while leeching, upload rate while seeding)
// descending, skipping snubbed peers while leeching, and returns the
// top slots of them.
func selectRegular(interested []PeerState, mode Mode, slots int, snubThreshold time.Duration, now time.Time) []PeerState {
	candidates := make([]PeerState, 0, len(interested))
	for _, p := range interested {
		if mode == Leech && IsSnubbed(p, now, snubThreshold) {
			continue
		}
		candidates = append(candidates, p)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if mode == Seed {
			return candidates[i].UploadRate > candidates[j].UploadRate
		}
		return candidates[i].DownloadRate > candidates[j].DownloadRate
	})

	if slots > len(candidates) {
		slots = len(candidates)
	}
	return candidates[:slots]
}

// Run starts a background loop invoking Recalculate on every
// RecalcInterval tick with the peers peerStates returns, and onActions
// with the computed Actions. Stop halts the loop; Run may be called
// again afterward to resume it (e.g. a session pausing and resuming),
// each pairing getting its own stop signal.
func (a *Algorithm) Run(peerStates func() []PeerState, onActions func([]Action)) {
	a.mu.Lock()
	stop := make(chan struct{})
	a.stop = stop
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := a.clk.Ticker(a.config.RecalcInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				actions := a.Recalculate(peerStates(), a.clk.Now())
				onActions(actions)
			case <-stop:
				return
			}
		}
	}()
}

// Stop halts the current Run loop, if any. Safe to call even when Run
// has never been called, and safe to call more than once.
func (a *Algorithm) Stop() {
	a.mu.Lock()
	stop := a.stop
	a.stop = nil
	a.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	a.wg.Wait()
}
