// Package worker provides the two deferred execution contexts of a link: a
// reactor for short non-blocking tasklets and serial queues for work that may
// block (power service calls, resets, broadcasts).
package worker

// Blocking marks code running on a queue worker. Functions that may sleep take
// it as a parameter so they cannot be reached from a tasklet. Only this package
// can produce one.
type Blocking interface {
	Queue() string
	blocking()
}

// Atomic marks code running on the reactor. Atomic code must not block.
type Atomic interface {
	atomic()
}

type blockingCtx struct{ queue string }

func (b blockingCtx) Queue() string { return b.queue }
func (blockingCtx) blocking()       {}

type atomicCtx struct{}

func (atomicCtx) atomic() {}
