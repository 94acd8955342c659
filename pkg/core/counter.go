package core

import "sync/atomic"

// Counter is a thread-safe monotonically increasing integer source, used
// for build ids and worker ids.
//
// The original implementation synchronizes increments through a
// single-slot channel; Go's sync/atomic gives the same thread-safe
// monotonic-increment contract natively, so that is what this uses instead
// of transliterating the channel trick.
type Counter struct {
	n int64
}

// Increment returns the next value in the sequence, starting at 1.
func (c *Counter) Increment() int {
	return int(atomic.AddInt64(&c.n, 1))
}

// Value returns the current value without advancing the sequence.
func (c *Counter) Value() int {
	return int(atomic.LoadInt64(&c.n))
}
