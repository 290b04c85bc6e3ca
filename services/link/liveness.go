package link

import (
	"sync"
	"sync/atomic"

	"modemlink-go/services/link/internal/guard"
	"modemlink-go/types"
)

// livenessMonitor supervises the peer with one stuck guard per Tx lane and
// one FIFO-full guard.
type livenessMonitor struct {
	l *Link

	mu         sync.Mutex
	escalating atomic.Bool

	stuck    [types.NumChannels]*guard.Guard
	fifoFull *guard.Guard
}

func newLivenessMonitor(l *Link) *livenessMonitor {
	m := &livenessMonitor{l: l}
	for _, ch := range types.Channels {
		ch := ch
		m.stuck[ch] = guard.New("stuck_"+ch.String(), l.clk, l.cfg.StuckTimeout, func() { m.onStuck(ch) })
	}
	m.fifoFull = guard.New("fifo_full", l.clk, l.cfg.FIFOFullTimeout, m.onFIFOFull)
	return m
}

// armStuck starts the no-ack timer of ch. Caller holds l.armMu.
func (m *livenessMonitor) armStuck(ch types.Channel) {
	g := m.stuck[ch]
	g.Arm()
	m.l.trace(TraceEvent{Kind: TraceGuardArmed, Guard: g.Name(), Channel: ch})
}

// disarmStuck cancels the no-ack timer of ch. Caller holds l.armMu.
func (m *livenessMonitor) disarmStuck(ch types.Channel) {
	g := m.stuck[ch]
	if g.Disarm() {
		m.l.trace(TraceEvent{Kind: TraceGuardDisarmed, Guard: g.Name(), Channel: ch})
	}
}

func (m *livenessMonitor) armFIFOFull() {
	if m.fifoFull.ArmIfDisarmed() {
		m.l.trace(TraceEvent{Kind: TraceGuardArmed, Guard: m.fifoFull.Name()})
	}
}

func (m *livenessMonitor) disarmFIFOFull() {
	if m.fifoFull.Disarm() {
		m.l.trace(TraceEvent{Kind: TraceGuardDisarmed, Guard: m.fifoFull.Name()})
	}
}

func (m *livenessMonitor) onStuck(ch types.Channel) {
	name := m.stuck[ch].Name()
	m.l.trace(TraceEvent{Kind: TraceGuardFired, Guard: name, Channel: ch})
	if !m.l.phaseIs(types.BootDone) {
		return
	}
	m.l.log.Error().Stringer("channel", ch).Dur("timeout", m.l.cfg.StuckTimeout).Msg("no response from peer")
	m.escalate(ReasonPeerUnresponsive)
}

// onFIFOFull escalates unconditionally; the coordinator drops duplicates.
func (m *livenessMonitor) onFIFOFull() {
	m.l.trace(TraceEvent{Kind: TraceGuardFired, Guard: m.fifoFull.Name()})
	m.l.log.Error().Dur("timeout", m.l.cfg.FIFOFullTimeout).Msg("fifo still full")
	m.l.reset.escalate(ReasonFIFOFull)
}

// escalate is shared by stuck guards and operator requests. It is refused
// while a reset runs, another escalation is flagged or the FIFO-full guard
// is pending.
func (m *livenessMonitor) escalate(r Reason) bool {
	m.mu.Lock()
	if m.l.reset.inProgress.Load() || m.escalating.Load() || m.fifoFull.Active() {
		m.mu.Unlock()
		m.l.trace(TraceEvent{Kind: TraceEscalationSuppressed, Reason: r})
		return false
	}
	m.escalating.Store(true)
	m.mu.Unlock()
	return m.l.reset.escalate(r)
}

func (m *livenessMonitor) clearEscalation() {
	m.escalating.Store(false)
}

// stop disarms every guard and clears the escalation flag.
func (m *livenessMonitor) stop() {
	m.l.armMu.Lock()
	for _, ch := range types.Channels {
		m.stuck[ch].Disarm()
	}
	m.l.armMu.Unlock()
	m.fifoFull.Disarm()
	m.clearEscalation()
}
