// Package guard implements one-shot supervision timers whose expiry races
// safely against cancellation.
package guard

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

type State uint8

const (
	Disarmed State = iota
	Armed
	Firing
)

func (s State) String() string {
	switch s {
	case Armed:
		return "armed"
	case Firing:
		return "firing"
	default:
		return "disarmed"
	}
}

// Guard packs a generation and a State into one atomic word. A timer callback
// only runs fire if it moves its own generation from Armed to Firing, so a
// callback that lost against Disarm or a re-Arm is a no-op.
type Guard struct {
	name    string
	clk     clock.Clock
	timeout time.Duration
	fire    func()

	word  atomic.Uint64
	mu    sync.Mutex
	timer *clock.Timer
}

func New(name string, clk clock.Clock, timeout time.Duration, fire func()) *Guard {
	return &Guard{name: name, clk: clk, timeout: timeout, fire: fire}
}

func pack(gen uint64, s State) uint64 { return gen<<2 | uint64(s) }
func unpack(w uint64) (uint64, State) { return w >> 2, State(w & 3) }

func (g *Guard) Name() string           { return g.name }
func (g *Guard) Timeout() time.Duration { return g.timeout }
func (g *Guard) State() State           { _, s := unpack(g.word.Load()); return s }
func (g *Guard) Active() bool           { return g.State() != Disarmed }

// Arm starts the timer, restarting it when already armed.
func (g *Guard) Arm() {
	g.mu.Lock()
	g.armLocked()
	g.mu.Unlock()
}

// ArmIfDisarmed starts the timer only when nothing is pending or firing.
func (g *Guard) ArmIfDisarmed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, s := unpack(g.word.Load()); s != Disarmed {
		return false
	}
	g.armLocked()
	return true
}

func (g *Guard) armLocked() {
	gen, _ := unpack(g.word.Load())
	gen++
	g.stopLocked()
	g.word.Store(pack(gen, Armed))
	g.timer = g.clk.AfterFunc(g.timeout, func() { g.expire(gen) })
}

// Disarm cancels a pending expiry and reports whether the guard was armed.
func (g *Guard) Disarm() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	gen, s := unpack(g.word.Load())
	if s == Disarmed {
		return false
	}
	g.stopLocked()
	g.word.Store(pack(gen+1, Disarmed))
	return s == Armed
}

func (g *Guard) stopLocked() {
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
}

func (g *Guard) expire(gen uint64) {
	if !g.word.CompareAndSwap(pack(gen, Armed), pack(gen, Firing)) {
		return
	}
	g.fire()
	g.word.CompareAndSwap(pack(gen, Firing), pack(gen, Disarmed))
}
