package link

import (
	"fmt"
	"sync"

	"modemlink-go/errcode"
	"modemlink-go/services/link/internal/worker"
	"modemlink-go/types"
)

type BootEvent uint8

const (
	EventPeerBootRequest BootEvent = iota
	EventPeerBootAck
	EventFault
)

func (e BootEvent) String() string {
	switch e {
	case EventPeerBootRequest:
		return "peer_boot_request"
	case EventPeerBootAck:
		return "peer_boot_ack"
	case EventFault:
		return "fault"
	default:
		return "invalid"
	}
}

type bootEffect uint8

const (
	effectNone bootEffect = iota
	effectSendResponse
	effectResendAck
	effectLinkUp
)

// bootSupervisor owns the link's BootPhase. It is pure state; callers carry
// out the effect returned by advance.
type bootSupervisor struct {
	mu       sync.Mutex
	phase    types.BootPhase
	onChange func(from, to types.BootPhase)
}

func newBootSupervisor(onChange func(from, to types.BootPhase)) *bootSupervisor {
	return &bootSupervisor{phase: types.BootInit, onChange: onChange}
}

func (s *bootSupervisor) Phase() types.BootPhase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func nextPhase(p types.BootPhase, ev BootEvent) (types.BootPhase, bootEffect, bool) {
	switch {
	case ev == EventFault:
		return types.BootUnknown, effectNone, true
	case p == types.BootInit && ev == EventPeerBootRequest:
		return types.BootInfoSync, effectSendResponse, true
	case p == types.BootInfoSync && ev == EventPeerBootRequest:
		return types.BootInfoSync, effectResendAck, true
	case p == types.BootInfoSync && ev == EventPeerBootAck:
		return types.BootDone, effectLinkUp, true
	}
	return p, effectNone, false
}

// advance applies ev. Pairs outside the handshake leave the phase untouched.
func (s *bootSupervisor) advance(ev BootEvent) (bootEffect, error) {
	s.mu.Lock()
	from := s.phase
	to, eff, ok := nextPhase(from, ev)
	if !ok {
		s.mu.Unlock()
		return effectNone, errcode.New(errcode.InvalidState, "boot.advance", fmt.Sprintf("%s in %s", ev, from))
	}
	s.phase = to
	s.mu.Unlock()
	s.changed(from, to)
	return eff, nil
}

// fault moves to Unknown and returns the previous phase.
func (s *bootSupervisor) fault() types.BootPhase {
	s.mu.Lock()
	from := s.phase
	s.phase = types.BootUnknown
	s.mu.Unlock()
	s.changed(from, types.BootUnknown)
	return from
}

// faultIfDone moves Done to Unknown; any other phase is left alone.
func (s *bootSupervisor) faultIfDone() (types.BootPhase, bool) {
	s.mu.Lock()
	from := s.phase
	if from != types.BootDone {
		s.mu.Unlock()
		return from, false
	}
	s.phase = types.BootUnknown
	s.mu.Unlock()
	s.changed(from, types.BootUnknown)
	return from, true
}

func (s *bootSupervisor) reset() {
	s.mu.Lock()
	from := s.phase
	s.phase = types.BootInit
	s.mu.Unlock()
	s.changed(from, types.BootInit)
}

func (s *bootSupervisor) changed(from, to types.BootPhase) {
	if from != to && s.onChange != nil {
		s.onChange(from, to)
	}
}

// handleBootRequest consumes the peer's boot record and answers it. Runs on
// the reactor with the common rx lock held.
func (l *Link) handleBootRequest(a worker.Atomic) {
	buf := l.rxBuf[types.ChannelCommon]
	tag, n, err := l.fifo.ReadNext(types.ChannelCommon, buf)
	if err == nil && tag != types.L2BootInfo {
		err = errcode.New(errcode.ProtocolCorruption, "boot.request", fmt.Sprintf("unexpected tag %#x", tag))
	}
	var info types.BootInfo
	if err == nil {
		info, err = types.DecodeBootInfo(buf[:n])
	}
	if err != nil {
		l.reset.fatal(errcode.Wrap(errcode.ProtocolCorruption, "boot.request", err))
		return
	}

	eff, err := l.boot.advance(EventPeerBootRequest)
	if err != nil {
		l.log.Warn().Err(err).Msg("boot request ignored")
		return
	}
	l.peerInfo.Store(&info)
	l.log.Info().Uint32("config", info.Config).Uint32("version", info.Version).Msg("boot request received")

	l.sendReadAck(a, types.ChannelCommon)
	if eff != effectSendResponse {
		return
	}
	if err := l.fifo.Write(types.ChannelCommon, types.L2BootInfo, info.Encode()); err != nil {
		l.reset.fatal(errcode.Wrap(errcode.ProtocolCorruption, "boot.response", err))
		return
	}
	l.qWrite[types.ChannelCommon].Submit(l.notifyJob[types.ChannelCommon])
}

// handleBootAck completes the handshake.
func (l *Link) handleBootAck() {
	eff, err := l.boot.advance(EventPeerBootAck)
	if err != nil {
		l.log.Warn().Err(err).Msg("boot ack ignored")
		return
	}
	if eff == effectLinkUp {
		l.log.Info().Msg("handshake complete, link up")
		l.qReset.Submit(l.reset.onlineJob)
	}
}
