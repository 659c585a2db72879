// Package backoff implements a simple exponential backoff policy used by
// the peer manager's outbound reconnect schedule.
package backoff

import (
	"errors"
	"math/rand"
	"time"
)

// ErrSkipped is returned by Attempts.Err once RetryTimeout has elapsed.
var ErrSkipped = errors.New("backoff: retry timeout exceeded")

// Config defines backoff parameters.
type Config struct {
	Min    time.Duration `yaml:"min"`
	Max    time.Duration `yaml:"max"`
	Factor float64       `yaml:"factor"`

	// NoJitter disables random jitter, for deterministic tests.
	NoJitter bool `yaml:"-"`

	// RetryTimeout bounds the total time across all attempts. The first
	// attempt is always allowed to run regardless of RetryTimeout.
	RetryTimeout time.Duration `yaml:"retry_timeout"`
}

func (c Config) applyDefaults() Config {
	if c.Min == 0 {
		c.Min = 250 * time.Millisecond
	}
	if c.Max == 0 {
		c.Max = 15 * time.Minute
	}
	if c.Factor == 0 {
		c.Factor = 2
	}
	return c
}

// Backoff computes a sequence of increasing delays.
type Backoff struct {
	config Config
}

// New creates a new Backoff.
func New(config Config) *Backoff {
	return &Backoff{config.applyDefaults()}
}

// interval returns the delay before attempt n (0-indexed; attempt 0 has no
// delay).
func (b *Backoff) interval(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	d := float64(b.config.Min)
	for i := 1; i < n; i++ {
		d *= b.config.Factor
		if d > float64(b.config.Max) {
			d = float64(b.config.Max)
			break
		}
	}
	if !b.config.NoJitter {
		d = d/2 + rand.Float64()*d/2
	}
	return time.Duration(d)
}

// Attempts returns an iterator over backoff attempts, bounded by
// RetryTimeout.
func (b *Backoff) Attempts() *Attempts {
	return &Attempts{b: b}
}

// Attempts iterates over successive backoff delays.
type Attempts struct {
	b       *Backoff
	n       int
	elapsed time.Duration
	err     error
}

// WaitForNext sleeps for the next backoff interval (0 on the first call)
// and returns true if another attempt should be made. The first attempt
// always runs; subsequent attempts are skipped once the cumulative delay
// would exceed the configured RetryTimeout.
func (a *Attempts) WaitForNext() bool {
	d := a.b.interval(a.n)
	if a.n > 0 && a.elapsed+d > a.b.config.RetryTimeout {
		a.err = ErrSkipped
		return false
	}
	if d > 0 {
		time.Sleep(d)
	}
	a.elapsed += d
	a.n++
	return true
}

// Err returns the terminal error, if any, once WaitForNext returns false.
func (a *Attempts) Err() error {
	return a.err
}
