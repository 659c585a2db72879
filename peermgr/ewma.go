package peermgr

import (
	"math"
	"sync"
	"time"
)

// ewmaWindow is the smoothing window for rateTracker's exponential
// moving average, per spec.md 4.6 ("bytes/sec EWMA, window ~= 1s").
const ewmaWindow = time.Second

// rateTracker is a byte-rate EWMA over ewmaWindow, used for per-peer,
// per-session and per-engine upload/download rate statistics. Record
// folds in an instantaneous rate observed over the interval since the
// last call, weighted by how much of ewmaWindow that interval covers.
type rateTracker struct {
	mu       sync.Mutex
	rate     float64
	lastTick time.Time
}

func newRateTracker(now time.Time) *rateTracker {
	return &rateTracker{lastTick: now}
}

// Record folds nbytes observed between the previous tick and now into
// the running rate estimate.
func (r *rateTracker) Record(now time.Time, nbytes int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.update(now, float64(nbytes))
}

// Tick decays the rate toward zero when no bytes have been recorded
// recently, called on the periodic statistics tick so an idle peer's
// reported rate falls back to zero rather than staying pinned at its
// last observed value.
func (r *rateTracker) Tick(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.update(now, 0)
}

func (r *rateTracker) update(now time.Time, nbytes float64) {
	elapsed := now.Sub(r.lastTick)
	if elapsed <= 0 {
		elapsed = time.Millisecond
	}
	r.lastTick = now

	instant := nbytes / elapsed.Seconds()
	alpha := 1 - math.Exp(-elapsed.Seconds()/ewmaWindow.Seconds())
	r.rate = alpha*instant + (1-alpha)*r.rate
}

// Rate returns the current smoothed bytes/sec estimate.
func (r *rateTracker) Rate() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rate
}
