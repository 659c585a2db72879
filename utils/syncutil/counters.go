// Package syncutil provides small thread-safe primitives shared by the
// scheduler packages, namely a fixed-size array of counters guarded by a
// single mutex, used to track per-piece peer availability.
package syncutil

import "sync"

// Counters is a fixed-size array of thread-safe integer counters, used by
// PieceAvailability to track how many connected peers have each piece.
type Counters struct {
	mu     sync.Mutex
	counts []int
}

// NewCounters creates a Counters of length n, all initialized to 0.
func NewCounters(n int) Counters {
	return Counters{counts: make([]int, n)}
}

// Len returns the number of counters.
func (c *Counters) Len() int {
	return len(c.counts)
}

// Get returns the current value of counter i.
func (c *Counters) Get(i int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[i]
}

// Set sets counter i to v.
func (c *Counters) Set(i int, v int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[i] = v
}

// Increment increments counter i by 1.
func (c *Counters) Increment(i int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[i]++
}

// Decrement decrements counter i by 1.
func (c *Counters) Decrement(i int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[i]--
}
