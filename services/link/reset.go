package link

import (
	"sync/atomic"

	"modemlink-go/services/link/internal/worker"
	"modemlink-go/types"
)

// resetCoordinator funnels every escalation into at most one reset at a time.
type resetCoordinator struct {
	l *Link

	inProgress atomic.Bool
	recovering atomic.Bool // silent recovery done, waiting for the next handshake
	savedPhase atomic.Uint32

	requestJob *worker.Job
	recoverJob *worker.Job
	hardJob    *worker.Job
	onlineJob  *worker.Job
}

func newResetCoordinator(l *Link) *resetCoordinator {
	c := &resetCoordinator{l: l}
	c.requestJob = worker.NewJob("reset_request", c.requestReset)
	c.recoverJob = worker.NewJob("recover", c.recover)
	c.hardJob = worker.NewJob("hard_reset", c.hardReset)
	c.onlineJob = worker.NewJob("announce_online", c.announceOnline)
	return c
}

// escalate starts a reset unless one is already in progress. Safe from any context.
func (c *resetCoordinator) escalate(r Reason) bool {
	if !c.inProgress.CompareAndSwap(false, true) {
		c.l.trace(TraceEvent{Kind: TraceEscalationSuppressed, Reason: r})
		return false
	}
	c.l.trace(TraceEvent{Kind: TraceEscalation, Reason: r})
	c.l.log.Warn().Str("reason", string(r)).Msg("escalating to modem reset")
	c.l.qReset.Submit(c.requestJob)
	return true
}

// requestReset asks the peer to reset itself; the peer answers with a reset
// request interrupt.
func (c *resetCoordinator) requestReset(worker.Blocking) error {
	prev, ok := c.l.boot.faultIfDone()
	if !ok {
		c.l.log.Info().Stringer("phase", prev).Msg("modem not online, reset request dropped")
		if prev != types.BootUnknown {
			c.l.live.clearEscalation()
			c.inProgress.Store(false)
		}
		return nil
	}
	c.savedPhase.Store(uint32(prev))
	c.l.log.Warn().Msg("requesting silent modem reset")
	c.l.power.SilentModemReset()
	return nil
}

// onPeerResetRequest runs in interrupt context.
func (c *resetCoordinator) onPeerResetRequest() {
	prev := c.l.boot.fault()
	c.savedPhase.Store(uint32(prev))
	c.l.masked.Store(true)
	c.inProgress.Store(true)
	c.l.log.Warn().Stringer("phase", prev).Msg("peer requested reset")
	if !c.l.qReset.SubmitUrgent(c.recoverJob) {
		c.l.log.Warn().Msg("recovery already pending")
	}
}

// fatal handles errors that no re-handshake can fix.
func (c *resetCoordinator) fatal(err error) {
	c.l.log.Error().Err(err).Msg("fatal link error")
	c.l.trace(TraceEvent{Kind: TraceEscalation, Reason: ReasonProtocol, Err: err})
	c.l.boot.fault()
	c.l.masked.Store(true)
	c.inProgress.Store(true)
	c.l.qReset.SubmitUrgent(c.hardJob)
}

func (c *resetCoordinator) recover(b worker.Blocking) error {
	if c.l.cfg.ResetMode == ResetHard {
		return c.hardReset(b)
	}
	c.l.trace(TraceEvent{Kind: TraceReset, Mode: ResetSilent, Reason: ReasonPeerRequest})
	c.silentRecovery(b)
	return nil
}

func (c *resetCoordinator) hardReset(worker.Blocking) error {
	c.l.log.Error().Msg("resetting platform")
	c.l.trace(TraceEvent{Kind: TraceReset, Mode: ResetHard})
	c.l.power.HardPlatformReset()
	return nil
}

// silentRecovery brings the link back to BootInit without a platform reboot.
func (c *resetCoordinator) silentRecovery(worker.Blocking) {
	l := c.l
	l.log.Warn().Stringer("from", types.BootPhase(c.savedPhase.Load())).Msg("silent modem reset, recovering link")

	l.wake.stopIdle()
	l.live.stop()
	l.wake.reset()
	l.qWake.Submit(l.wake.apWake)

	if l.listener != nil {
		l.listener.LinkResetting()
		l.listener.ResetQueues()
	}
	l.lanes.ResetAll()
	for _, ch := range types.Channels {
		l.rxMu[ch].Lock()
		l.readAckSent[ch] = false
		l.rxMu[ch].Unlock()
	}
	c.recovering.Store(true)

	err := l.status.Broadcast(types.StatusModemResetting)

	l.boot.reset()
	c.inProgress.Store(false)
	l.masked.Store(false)

	if err != nil {
		l.log.Error().Err(err).Msg("failed to broadcast modem reset")
	}
}

// announceOnline runs once per completed handshake.
func (c *resetCoordinator) announceOnline(worker.Blocking) error {
	if c.recovering.CompareAndSwap(true, false) {
		c.l.log.Info().Msg("link restored after reset")
		if c.l.listener != nil {
			c.l.listener.LinkRestored()
		}
	}
	if err := c.l.status.Broadcast(types.StatusModemOnline); err != nil {
		c.l.log.Error().Err(err).Msg("failed to broadcast modem online")
	}
	return nil
}
