// Package bandwidth implements the token-bucket bandwidth limiter: a
// global download and upload bucket, optional per-torrent buckets
// layered on top, and a fair FIFO waiter queue so no single request
// starves the rest once tokens run out. Grounded on the shape of
// lib/torrent/scheduler/bandwidth.Limiter's Config/applyDefaults
// convention, generalized from a single egress rate.Limiter into the
// bidirectional, torrent-scoped, waiter-introspectable bucket pair
// spec.md 4.8 calls for (rate.Limiter has no notion of a FIFO waiter
// list or a second, per-torrent bucket sharing the same request).
package bandwidth

import (
	"context"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/c2h5oh/datasize"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/torrentd/engine/core"
	"github.com/torrentd/engine/utils/memsize"
)

// Direction identifies which bucket pair a request draws from.
type Direction int

// Directions.
const (
	Download Direction = iota
	Upload
)

func (d Direction) String() string {
	if d == Upload {
		return "upload"
	}
	return "download"
}

// Config defines Limiter configuration. A rate of 0 means unlimited.
type Config struct {
	DownloadRate datasize.ByteSize `yaml:"download_rate"`
	UploadRate   datasize.ByteSize `yaml:"upload_rate"`

	// Burst is the maximum token accumulation per bucket. Defaults to
	// max(1024, 1.5*rate) independently for each bucket when unset.
	Burst datasize.ByteSize `yaml:"burst"`

	// TickInterval is how often buckets refill and waiters are serviced.
	TickInterval time.Duration `yaml:"tick_interval"`
}

func (c Config) applyDefaults() Config {
	if c.TickInterval == 0 {
		c.TickInterval = 100 * time.Millisecond
	}
	return c
}

func defaultBurst(rate uint64, configured datasize.ByteSize) float64 {
	if configured > 0 {
		return float64(configured)
	}
	b := 1.5 * float64(rate)
	if b < 1024 {
		b = 1024
	}
	return b
}

// bucket is a single token bucket. A rate of 0 means unlimited: Request
// always grants immediately and tokens/burst bookkeeping is skipped.
type bucket struct {
	rate       float64 // bytes/sec; 0 = unlimited
	burst      float64
	tokens     float64
	lastRefill time.Time
}

func newBucket(rate uint64, burst float64, now time.Time) *bucket {
	return &bucket{rate: float64(rate), burst: burst, tokens: burst, lastRefill: now}
}

func (b *bucket) unlimited() bool { return b.rate == 0 }

func (b *bucket) refill(now time.Time) {
	if b.unlimited() {
		return
	}
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.rate
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
	b.lastRefill = now
}

// setRate changes the bucket's rate while preserving its tokens-to-burst
// ratio, per spec.md 4.8 ("changing a limit preserves the tokens-to-burst
// ratio").
func (b *bucket) setRate(rate uint64, burst float64) {
	ratio := 1.0
	if b.burst > 0 {
		ratio = b.tokens / b.burst
	}
	b.rate = float64(rate)
	b.burst = burst
	b.tokens = ratio * burst
}

type request struct {
	bytes     float64
	direction Direction
	torrentID *core.InfoHash
	done      chan struct{}
	cancelled bool
}

// torrentBuckets holds a per-torrent download/upload pair.
type torrentBuckets struct {
	download *bucket
	upload   *bucket
}

// Limiter implements the dual-direction, optionally per-torrent,
// token-bucket admission control described in spec.md 4.8.
type Limiter struct {
	config Config
	clk    clock.Clock
	stats  tally.Scope
	logger *zap.SugaredLogger

	mu         sync.Mutex
	download   *bucket
	upload     *bucket
	perTorrent map[core.InfoHash]*torrentBuckets
	waiters    []*request

	stop chan struct{}
	done chan struct{}
}

// NewLimiter creates a Limiter and starts its refill/dispatch loop.
// Callers must call Stop when done.
func NewLimiter(config Config, clk clock.Clock, stats tally.Scope, logger *zap.SugaredLogger) *Limiter {
	config = config.applyDefaults()
	now := clk.Now()
	l := &Limiter{
		config:     config,
		clk:        clk,
		stats:      stats.SubScope("bandwidth"),
		logger:     logger,
		download:   newBucket(uint64(config.DownloadRate), defaultBurst(uint64(config.DownloadRate), config.Burst), now),
		upload:     newBucket(uint64(config.UploadRate), defaultBurst(uint64(config.UploadRate), config.Burst), now),
		perTorrent: make(map[core.InfoHash]*torrentBuckets),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	logger.Infof("bandwidth: global limits download=%s/s upload=%s/s",
		memsize.Format(uint64(config.DownloadRate)), memsize.Format(uint64(config.UploadRate)))
	go l.run()
	return l
}

// AddTorrent installs a per-torrent bucket pair. A rate of 0 means the
// torrent bucket never constrains requests (only the global buckets do).
func (l *Limiter) AddTorrent(h core.InfoHash, downloadRate, uploadRate uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clk.Now()
	l.perTorrent[h] = &torrentBuckets{
		download: newBucket(downloadRate, defaultBurst(downloadRate, l.config.Burst), now),
		upload:   newBucket(uploadRate, defaultBurst(uploadRate, l.config.Burst), now),
	}
}

// RemoveTorrent completes every outstanding waiter for h unconditionally
// (per spec.md 4.8: "removing a torrent cancels its waiters by completing
// them... and then drops its buckets") and drops its bucket pair.
func (l *Limiter) RemoveTorrent(h core.InfoHash) {
	l.mu.Lock()
	defer l.mu.Unlock()

	remaining := l.waiters[:0]
	for _, r := range l.waiters {
		if r.torrentID != nil && *r.torrentID == h {
			r.cancelled = true
			close(r.done)
			continue
		}
		remaining = append(remaining, r)
	}
	l.waiters = remaining
	delete(l.perTorrent, h)
}

// SetGlobalRate changes the global bucket rate for direction dir,
// preserving its tokens-to-burst ratio.
func (l *Limiter) SetGlobalRate(dir Direction, rate uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	burst := defaultBurst(rate, l.config.Burst)
	l.bucketFor(dir).setRate(rate, burst)
}

func (l *Limiter) bucketFor(dir Direction) *bucket {
	if dir == Upload {
		return l.upload
	}
	return l.download
}

// Request blocks until nbytes of bandwidth in direction dir (and, if
// torrentID is non-nil, the matching per-torrent bucket) has been
// granted, or ctx is cancelled. If both applicable buckets are
// unlimited, it returns immediately.
func (l *Limiter) Request(ctx context.Context, nbytes int64, dir Direction, torrentID *core.InfoHash) error {
	l.mu.Lock()
	global := l.bucketFor(dir)
	var tb *bucket
	if torrentID != nil {
		if t, ok := l.perTorrent[*torrentID]; ok {
			tb = torrentBucket(t, dir)
		}
	}
	if global.unlimited() && (tb == nil || tb.unlimited()) {
		l.mu.Unlock()
		return nil
	}

	// If nothing is already waiting on this bucket pair, try an
	// immediate synchronous deduction rather than always parking until
	// the next refill tick: a bucket that already holds enough tokens
	// should grant right away.
	if !l.hasWaiterFor(dir, torrentID) {
		now := l.clk.Now()
		global.refill(now)
		if tb != nil {
			tb.refill(now)
		}
		if canGrant(global, float64(nbytes)) && (tb == nil || canGrant(tb, float64(nbytes))) {
			deduct(global, float64(nbytes))
			if tb != nil {
				deduct(tb, float64(nbytes))
			}
			l.mu.Unlock()
			l.stats.Tagged(map[string]string{"direction": dir.String()}).Counter("bandwidth_granted").Inc(nbytes)
			return nil
		}
	}

	req := &request{bytes: float64(nbytes), direction: dir, torrentID: torrentID, done: make(chan struct{})}
	l.waiters = append(l.waiters, req)
	l.emitExhausted(dir)
	l.mu.Unlock()

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		l.cancel(req)
		return ctx.Err()
	}
}

// hasWaiterFor reports whether a request for (dir, torrentID) is
// already queued, so a newly arriving request never jumps ahead of an
// earlier one still waiting on the same bucket pair. Caller holds l.mu.
func (l *Limiter) hasWaiterFor(dir Direction, torrentID *core.InfoHash) bool {
	for _, r := range l.waiters {
		if r.cancelled {
			continue
		}
		if r.direction != dir {
			continue
		}
		if (r.torrentID == nil) != (torrentID == nil) {
			continue
		}
		if r.torrentID != nil && torrentID != nil && *r.torrentID != *torrentID {
			continue
		}
		return true
	}
	return false
}

func torrentBucket(t *torrentBuckets, dir Direction) *bucket {
	if dir == Upload {
		return t.upload
	}
	return t.download
}

func (l *Limiter) cancel(req *request) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if req.cancelled {
		return
	}
	for i, r := range l.waiters {
		if r == req {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			req.cancelled = true
			break
		}
	}
}

func (l *Limiter) emitExhausted(dir Direction) {
	l.stats.Tagged(map[string]string{"direction": dir.String()}).Counter("bandwidth_exhausted").Inc(1)
}

func (l *Limiter) run() {
	defer close(l.done)
	ticker := l.clk.Ticker(l.config.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			l.tick(now)
		case <-l.stop:
			return
		}
	}
}

// tick refills every bucket and dispatches as many FIFO waiters as
// tokens allow, applying a fair-share cap of tokens/waiters per bucket
// so one early, large request cannot monopolize a refill's tokens.
func (l *Limiter) tick(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.download.refill(now)
	l.upload.refill(now)
	for _, t := range l.perTorrent {
		t.download.refill(now)
		t.upload.refill(now)
	}

	remaining := l.waiters[:0]
	counts := l.waiterCountsByBucket()
	for _, req := range l.waiters {
		if req.cancelled {
			continue
		}
		global := l.bucketFor(req.direction)
		var tb *bucket
		if req.torrentID != nil {
			if t, ok := l.perTorrent[*req.torrentID]; ok {
				tb = torrentBucket(t, req.direction)
			}
		}

		share := req.bytes
		if n := counts[bucketKey{req.torrentID, req.direction}]; n > 1 {
			if s := availableTokens(global, tb) / float64(n); s < share {
				share = s
			}
		}
		if share < req.bytes {
			remaining = append(remaining, req)
			continue
		}
		if !canGrant(global, req.bytes) || (tb != nil && !canGrant(tb, req.bytes)) {
			remaining = append(remaining, req)
			continue
		}
		deduct(global, req.bytes)
		if tb != nil {
			deduct(tb, req.bytes)
		}
		close(req.done)
		l.stats.Tagged(map[string]string{"direction": req.direction.String()}).Counter("bandwidth_granted").Inc(int64(req.bytes))
	}
	l.waiters = remaining
}

type bucketKey struct {
	torrentID *core.InfoHash
	dir       Direction
}

func (l *Limiter) waiterCountsByBucket() map[bucketKey]int {
	counts := make(map[bucketKey]int)
	for _, req := range l.waiters {
		if req.cancelled {
			continue
		}
		counts[bucketKey{req.torrentID, req.direction}]++
	}
	return counts
}

func availableTokens(global, tb *bucket) float64 {
	min := global.tokens
	if global.unlimited() {
		min = 1 << 62
	}
	if tb != nil && !tb.unlimited() && tb.tokens < min {
		min = tb.tokens
	}
	return min
}

func canGrant(b *bucket, bytes float64) bool {
	return b.unlimited() || b.tokens >= bytes
}

func deduct(b *bucket, bytes float64) {
	if b.unlimited() {
		return
	}
	b.tokens -= bytes
}

// Stop halts the refill loop. Outstanding waiters are left blocked; call
// RemoveTorrent or cancel their contexts before Stop if that matters.
func (l *Limiter) Stop() {
	close(l.stop)
	<-l.done
}
