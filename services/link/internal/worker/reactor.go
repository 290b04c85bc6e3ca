package worker

import (
	"context"
	"sync/atomic"
)

// Tasklet is a short non-blocking unit of work; like Job it is queued at most once.
type Tasklet struct {
	name    string
	fn      func(Atomic)
	pending atomic.Bool
}

func NewTasklet(name string, fn func(Atomic)) *Tasklet {
	return &Tasklet{name: name, fn: fn}
}

func (t *Tasklet) Name() string { return t.name }

// Reactor runs tasklets on a single goroutine. Schedule is safe to call from
// interrupt context: it never blocks and counts what it cannot queue.
type Reactor struct {
	hi    chan *Tasklet
	lo    chan *Tasklet
	drops atomic.Uint32
}

func NewReactor(depth int) *Reactor {
	if depth <= 0 {
		depth = 64
	}
	return &Reactor{
		hi: make(chan *Tasklet, depth),
		lo: make(chan *Tasklet, depth),
	}
}

func (r *Reactor) Schedule(t *Tasklet) bool   { return r.schedule(r.lo, t) }
func (r *Reactor) ScheduleHi(t *Tasklet) bool { return r.schedule(r.hi, t) }

func (r *Reactor) schedule(c chan *Tasklet, t *Tasklet) bool {
	if !t.pending.CompareAndSwap(false, true) {
		return false
	}
	select {
	case c <- t:
		return true
	default:
		t.pending.Store(false)
		r.drops.Add(1)
		return false
	}
}

// Drops counts tasklets refused because the reactor was full.
func (r *Reactor) Drops() uint32 { return r.drops.Load() }

func (r *Reactor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case t := <-r.hi:
			r.exec(t)
			continue
		default:
		}
		select {
		case <-ctx.Done():
			return nil
		case t := <-r.hi:
			r.exec(t)
		case t := <-r.lo:
			r.exec(t)
		}
	}
}

func (r *Reactor) exec(t *Tasklet) {
	t.pending.Store(false)
	t.fn(atomicCtx{})
}
