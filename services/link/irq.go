package link

import (
	"modemlink-go/services/link/internal/worker"
	"modemlink-go/types"
)

// Interrupt is the doorbell entry point. It runs in interrupt context on the
// caller's goroutine: it never blocks and defers everything else. While the
// link is recovering only the reset request is accepted.
func (l *Link) Interrupt(sig types.Signal) {
	if !l.started.Load() || (l.masked.Load() && sig != types.SignalPeerResetRequest) {
		l.drops.Add(1)
		l.trace(TraceEvent{Kind: TraceInterruptDropped, Signal: sig})
		return
	}
	l.trace(TraceEvent{Kind: TraceInterrupt, Signal: sig})

	switch sig {
	case types.SignalPeerWake:
		l.onPeerWake()
	case types.SignalPeerSleep:
		l.qWake.Submit(l.peerSleep)
	case types.SignalCommonMsgPending:
		l.onMsgPending(types.ChannelCommon)
	case types.SignalAudioMsgPending:
		l.onMsgPending(types.ChannelAudio)
	case types.SignalCommonWriteAcked:
		l.onWriteAcked(types.ChannelCommon)
	case types.SignalAudioWriteAcked:
		l.onWriteAcked(types.ChannelAudio)
	case types.SignalPeerResetRequest:
		l.reset.onPeerResetRequest()
	default:
		l.log.Warn().Stringer("signal", sig).Msg("unknown interrupt")
	}
}

func (l *Link) onPeerWake() {
	if l.phaseIs(types.BootInit) {
		l.fifo.Init()
	}
	l.ring(types.BellWakeAck)
	l.wake.hold(slotPeerWake)
	l.qWake.Submit(l.peerWake)
}

func (l *Link) onMsgPending(ch types.Channel) {
	if l.phaseIs(types.BootUnknown) {
		return
	}
	l.reactor.Schedule(l.rxTasks[ch])
	l.checkPeerAccess()
}

func (l *Link) onWriteAcked(ch types.Channel) {
	l.armMu.Lock()
	l.live.disarmStuck(ch)
	l.armMu.Unlock()
	l.live.disarmFIFOFull()

	if l.phaseIs(types.BootUnknown) {
		return
	}
	l.reactor.Schedule(l.ackTasks[ch])
	l.checkPeerAccess()
}

// handlePeerWake keeps the local processor awake for the peer.
func (l *Link) handlePeerWake(b worker.Blocking) error {
	if err := l.wake.requestWake(b); err != nil {
		return err
	}
	if !l.checkPeerAccess() || l.phaseIs(types.BootUnknown) {
		return nil
	}
	l.ring(types.BellWakeAck)
	return nil
}

// handlePeerSleep releases the peer's wake hold on every path.
func (l *Link) handlePeerSleep(worker.Blocking) error {
	defer l.wake.release(slotPeerWake)
	if !l.phaseIs(types.BootDone) {
		return nil
	}
	l.lanes.SetRxIdle()
	if !l.checkPeerAccess() {
		return nil
	}
	l.ring(types.BellWakeAck)
	l.wake.armIdle()
	return nil
}

// handleMsgPending is the rx tasklet of ch. The channel's rx lock is held for
// the whole body.
func (l *Link) handleMsgPending(a worker.Atomic, ch types.Channel) {
	l.rxMu[ch].Lock()
	defer l.rxMu[ch].Unlock()

	l.fifo.SyncReaderWrite(ch)
	l.readAckSent[ch] = false

	switch phase := l.Phase(); {
	case phase == types.BootDone:
		l.lanes.OnPeerWrote(ch)
		lr, lw, sr := l.fifo.ReaderPointers(ch)
		if lr != sr {
			l.sendReadAck(a, ch)
		}
		if lr != lw {
			l.drain(a, ch)
		}
		if !l.fifo.HasUnread(ch) && !l.phaseIs(types.BootUnknown) {
			l.lanes.OnReadDrained(ch)
		}
	case phase == types.BootUnknown:
	case ch == types.ChannelCommon && phase == types.BootInit:
		l.handleBootRequest(a)
	case ch == types.ChannelCommon && phase == types.BootInfoSync:
		// a repeated boot record carries nothing new
		for l.fifo.HasUnread(ch) {
			if _, _, err := l.fifo.ReadNext(ch, l.rxBuf[ch]); err != nil {
				break
			}
		}
		if _, err := l.boot.advance(EventPeerBootRequest); err == nil {
			l.sendReadAck(a, ch)
		}
	default:
		l.log.Warn().Stringer("channel", ch).Stringer("phase", phase).Msg("message before handshake completed")
	}
}

// handleWriteAcked is the ack tasklet of ch.
func (l *Link) handleWriteAcked(_ worker.Atomic, ch types.Channel) {
	// before any resubmitted notify takes the slot again
	l.wake.release(txSlot(ch))

	switch phase := l.ackWrites(ch); {
	case phase == types.BootUnknown:
		return
	case phase == types.BootDone:
	case ch == types.ChannelCommon && phase == types.BootInfoSync:
		l.handleBootAck()
	default:
		l.log.Warn().Stringer("channel", ch).Stringer("phase", phase).Msg("write ack outside handshake")
	}
	l.wake.armIdle()
}

// ackWrites syncs the peer's read pointer of ch and, once online, settles the
// Tx lane. Send decides whether to notify on the same pointers, so both run
// under the channel's tx lock.
func (l *Link) ackWrites(ch types.Channel) types.BootPhase {
	l.txMu[ch].Lock()
	defer l.txMu[ch].Unlock()

	l.fifo.SyncWriterRead(ch)
	phase := l.Phase()
	if phase != types.BootDone {
		return phase
	}
	lr, lw, _ := l.fifo.WriterPointers(ch)
	more := lr != lw
	l.lanes.OnAckReceived(ch, more)
	if more {
		l.qWrite[ch].Submit(l.notifyJob[ch])
	}
	return phase
}
