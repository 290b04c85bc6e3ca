package link

import (
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"

	"modemlink-go/errcode"
	"modemlink-go/services/link/internal/worker"
	"modemlink-go/types"
)

// wakeSlot identifies a holder of the wake count. Each slot contributes at
// most one to the count, so repeated acquires cannot leak.
type wakeSlot uint8

const (
	slotCommonTx wakeSlot = iota
	slotAudioTx
	slotPeerWake
	numWakeSlots
)

func txSlot(ch types.Channel) wakeSlot { return wakeSlot(ch) }

// wakeToken is one unit of the wake count. Release is idempotent, and a
// token issued before a reset cannot touch the count after it.
type wakeToken struct {
	a        *wakeArbiter
	epoch    uint64
	released atomic.Bool
}

func (t *wakeToken) Release() {
	if t == nil || !t.released.CompareAndSwap(false, true) {
		return
	}
	t.a.put(t)
}

type wakeArbiter struct {
	l *Link

	mu    sync.Mutex // slots, count, epoch
	slots [numWakeSlots]*wakeToken
	count atomic.Int32
	epoch uint64

	// serializes calls into the power service
	powerMu sync.Mutex

	idleMu sync.Mutex
	idle   *clock.Timer

	apWake  *worker.Job
	apSleep *worker.Job
}

func newWakeArbiter(l *Link) *wakeArbiter {
	a := &wakeArbiter{l: l}
	a.apWake = worker.NewJob("ap_wake", func(b worker.Blocking) error { return a.requestWake(b) })
	a.apSleep = worker.NewJob("ap_sleep", a.requestSleep)
	return a
}

// hold takes slot if it is free and reports whether the count grew.
func (a *wakeArbiter) hold(slot wakeSlot) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.slots[slot] != nil {
		return false
	}
	a.slots[slot] = &wakeToken{a: a, epoch: a.epoch}
	a.count.Add(1)
	return true
}

// acquire holds slot and asks the power service to keep the local processor awake.
func (a *wakeArbiter) acquire(b worker.Blocking, slot wakeSlot) error {
	a.hold(slot)
	return a.requestWake(b)
}

func (a *wakeArbiter) release(slot wakeSlot) {
	a.mu.Lock()
	tok := a.slots[slot]
	a.slots[slot] = nil
	a.mu.Unlock()
	tok.Release()
}

func (a *wakeArbiter) put(t *wakeToken) {
	a.mu.Lock()
	if t.epoch != a.epoch || a.count.Load() <= 0 {
		a.mu.Unlock()
		return
	}
	n := a.count.Add(-1)
	a.mu.Unlock()
	if n == 0 && a.l.lanes.Quiet() {
		a.l.qSleep.Submit(a.apSleep)
	}
}

// reset zeroes the count and orphans every outstanding token.
func (a *wakeArbiter) reset() {
	a.mu.Lock()
	a.epoch++
	a.slots = [numWakeSlots]*wakeToken{}
	a.count.Store(0)
	a.mu.Unlock()
}

func (a *wakeArbiter) held() bool {
	return a.count.Load() > 0 || a.l.power.WakeRequested()
}

func (a *wakeArbiter) requestWake(worker.Blocking) error {
	a.powerMu.Lock()
	err := a.l.power.RequestWake()
	a.powerMu.Unlock()
	a.l.trace(TraceEvent{Kind: TraceWake, Err: err})
	if err != nil {
		a.l.log.Error().Err(err).Msg("wake request failed")
		a.l.reset.escalate(ReasonPowerFailure)
		return errcode.Wrap(errcode.PowerFailure, "wake.request", err)
	}
	return nil
}

func (a *wakeArbiter) requestSleep(worker.Blocking) error {
	a.powerMu.Lock()
	defer a.powerMu.Unlock()
	if a.count.Load() != 0 || !a.l.lanes.Quiet() {
		a.l.trace(TraceEvent{Kind: TraceSleepAbandoned})
		return nil
	}
	a.l.power.RequestSleep()
	a.l.trace(TraceEvent{Kind: TraceSleep})
	return nil
}

// armIdle (re)starts the quiet-period check.
func (a *wakeArbiter) armIdle() {
	a.idleMu.Lock()
	defer a.idleMu.Unlock()
	if a.idle != nil {
		a.idle.Stop()
	}
	a.idle = a.l.clk.AfterFunc(a.l.cfg.IdleCheck, a.idleExpired)
}

func (a *wakeArbiter) idleExpired() {
	a.idleMu.Lock()
	defer a.idleMu.Unlock()
	if a.l.lanes.SleepAllIfQuiet() {
		a.l.qSleep.Submit(a.apSleep)
	}
}

func (a *wakeArbiter) stopIdle() {
	a.idleMu.Lock()
	defer a.idleMu.Unlock()
	if a.idle != nil {
		a.idle.Stop()
		a.idle = nil
	}
}
