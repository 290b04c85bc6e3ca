package link

import (
	"modemlink-go/errcode"
	"modemlink-go/services/link/internal/worker"
	"modemlink-go/types"
)

// Send queues one message for the peer. The channel is chosen by tag. A full
// FIFO returns a transient errcode.FIFOFull error; if the FIFO stays full the
// link escalates to a reset. A message that could never fit the FIFO is
// rejected with errcode.InvalidPayload.
func (l *Link) Send(tag uint8, p []byte) error {
	if !l.phaseIs(types.BootDone) {
		return errcode.New(errcode.LinkNotReady, "link.send", l.Phase().String())
	}
	ch, ok := types.ChannelForTag(tag)
	if !ok {
		return errcode.New(errcode.InvalidTag, "link.send", "no channel for tag")
	}

	l.txMu[ch].Lock()
	defer l.txMu[ch].Unlock()

	_, before, _ := l.fifo.WriterPointers(ch)
	if err := l.fifo.Write(ch, tag, p); err != nil {
		if errcode.Of(err) != errcode.FIFOFull {
			// rejected before any lane or guard moved
			return errcode.Wrap(errcode.Of(err), "link.send", err)
		}
		l.lanes.OnLocalWritePending(ch)
		l.trace(TraceEvent{Kind: TraceFIFOFull, Channel: ch})
		l.live.armFIFOFull()
		return errcode.Wrap(errcode.FIFOFull, "link.send", err)
	}
	l.lanes.OnLocalWritePending(ch)

	// Everything written before was already acknowledged: this message opens
	// a new notify cycle. Otherwise the pending ack will pick it up.
	if lr, _, _ := l.fifo.WriterPointers(ch); lr == before {
		l.qWrite[ch].Submit(l.notifyJob[ch])
	}
	return nil
}

// notifyPeer publishes local writes and rings the peer.
func (l *Link) notifyPeer(b worker.Blocking, ch types.Channel) error {
	l.fifo.PublishWrite(ch)
	if err := l.wake.acquire(b, txSlot(ch)); err != nil {
		return err
	}

	l.armMu.Lock()
	defer l.armMu.Unlock()
	if !l.checkPeerAccess() {
		return errcode.New(errcode.PeerUnresponsive, "link.notify", "peer port powered down")
	}
	if l.phaseIs(types.BootUnknown) {
		return nil
	}
	l.ring(types.MsgPendingBell(ch))
	l.live.armStuck(ch)
	l.lanes.OnNotifySent(ch)
	return nil
}

// drain hands every unread message of ch to its handler. Caller holds the
// channel's rx lock.
func (l *Link) drain(a worker.Atomic, ch types.Channel) {
	h := l.handler(ch)
	if h == nil {
		l.reset.fatal(errcode.New(errcode.NoHandler, "link.drain", ch.String()))
		return
	}
	buf := l.rxBuf[ch]
	for first := true; l.fifo.HasUnread(ch); first = false {
		if l.phaseIs(types.BootUnknown) {
			return
		}
		tag, n, err := l.fifo.ReadNext(ch, buf)
		if err != nil {
			l.reset.fatal(errcode.Wrap(errcode.ProtocolCorruption, "link.drain", err))
			return
		}
		h(tag, buf[:n])
		if first {
			l.sendReadAck(a, ch)
		}
	}
}

// sendReadAck tells the peer how far ch was consumed, once per message-pending
// cycle. Caller holds the channel's rx lock.
func (l *Link) sendReadAck(_ worker.Atomic, ch types.Channel) {
	if l.readAckSent[ch] {
		return
	}
	l.fifo.PublishRead(ch)
	if l.phaseIs(types.BootUnknown) || !l.checkPeerAccess() {
		return
	}
	l.ring(types.ReadAckBell(ch))
	l.readAckSent[ch] = true
	if l.phaseIs(types.BootDone) {
		l.lanes.OnReadAckSent(ch)
	}
}
