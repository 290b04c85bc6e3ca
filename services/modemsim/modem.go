// Package modemsim simulates the modem side of a link: it answers doorbells,
// acknowledges and consumes messages, echoes loopback traffic and plays the
// platform power and reset services.
package modemsim

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"modemlink-go/logging"
	"modemlink-go/services/shmfifo"
	"modemlink-go/types"
)

var ErrNotAttached = errors.New("modemsim: no link attached")

type Config struct {
	ResetDelay time.Duration // reset request to reset interrupt, and again to reboot
	SleepAfter time.Duration // quiet time before the modem releases its wake request
	Boot       types.BootInfo
}

func DefaultConfig() Config {
	return Config{
		ResetDelay: 50 * time.Millisecond,
		SleepAfter: 20 * time.Millisecond,
		Boot:       types.BootInfo{Config: 1, Version: 0x0100},
	}
}

// Target receives the modem's interrupts.
type Target interface {
	Interrupt(types.Signal)
}

// Message is one non-loopback message received from the link.
type Message struct {
	Channel types.Channel
	Tag     uint8
	Payload []byte
}

type eventKind uint8

const (
	evBell eventKind = iota
	evBoot
	evResetRequest
	evSleep
	evSend
)

type event struct {
	kind eventKind
	bell types.Bell
	msg  Message
	done chan<- error
}

// Modem is a simulated peer. It is both the link's Doorbell and its Power service.
type Modem struct {
	cfg Config
	clk clock.Clock
	log zerolog.Logger
	ep  *shmfifo.Endpoint

	targetMu sync.RWMutex
	target   Target

	events   chan event
	received chan Message
	drops    atomic.Uint32

	// state below is owned by the Run goroutine
	booting    bool
	peerAwake  bool
	sleepTimer *clock.Timer
	buf        []byte

	booted    atomic.Bool
	stuck     atomic.Bool
	apAwake   atomic.Bool
	inaccess  atomic.Bool
	wakeErrMu sync.Mutex
	wakeErr   error
	wakes     atomic.Uint32
	sleeps    atomic.Uint32
	silent    atomic.Uint32
	hard      atomic.Uint32
	wakeAcks  atomic.Uint32
	loopbacks atomic.Uint32
}

func New(cfg Config, ep *shmfifo.Endpoint, clk clock.Clock) *Modem {
	d := DefaultConfig()
	if cfg.ResetDelay <= 0 {
		cfg.ResetDelay = d.ResetDelay
	}
	if cfg.SleepAfter <= 0 {
		cfg.SleepAfter = d.SleepAfter
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Modem{
		cfg:      cfg,
		clk:      clk,
		log:      logging.Logger("modemsim"),
		ep:       ep,
		events:   make(chan event, 256),
		received: make(chan Message, 256),
		buf:      make([]byte, shmfifo.DefaultConfig().CommonSize),
	}
}

// Attach sets the link that receives interrupts.
func (m *Modem) Attach(t Target) {
	m.targetMu.Lock()
	m.target = t
	m.targetMu.Unlock()
}

func (m *Modem) raise(sig types.Signal) {
	m.targetMu.RLock()
	t := m.target
	m.targetMu.RUnlock()
	if t == nil {
		m.log.Warn().Stringer("signal", sig).Msg("interrupt with no link attached")
		return
	}
	t.Interrupt(sig)
}

func (m *Modem) post(ev event) {
	select {
	case m.events <- ev:
	default:
		m.drops.Add(1)
	}
}

// ---- link.Doorbell ----

func (m *Modem) Ring(b types.Bell) { m.post(event{kind: evBell, bell: b}) }

// ---- link.Power ----

func (m *Modem) RequestWake() error {
	m.wakes.Add(1)
	m.wakeErrMu.Lock()
	err := m.wakeErr
	m.wakeErrMu.Unlock()
	if err != nil {
		return err
	}
	m.apAwake.Store(true)
	return nil
}

func (m *Modem) RequestSleep() {
	m.sleeps.Add(1)
	m.apAwake.Store(false)
}

func (m *Modem) WakeRequested() bool  { return m.apAwake.Load() }
func (m *Modem) PeerAccessible() bool { return !m.inaccess.Load() }

// SilentModemReset makes the modem request a link reset and then boot again.
func (m *Modem) SilentModemReset() {
	m.silent.Add(1)
	m.log.Warn().Dur("delay", m.cfg.ResetDelay).Msg("silent reset requested")
	m.clk.AfterFunc(m.cfg.ResetDelay, func() { m.post(event{kind: evResetRequest}) })
}

func (m *Modem) HardPlatformReset() {
	m.hard.Add(1)
	m.log.Error().Msg("platform reset requested")
}

// ---- controls ----

// Boot starts the handshake as a freshly powered modem would.
func (m *Modem) Boot() { m.post(event{kind: evBoot}) }

// SetStuck makes the modem ignore message-pending doorbells until its next reset.
func (m *Modem) SetStuck(v bool) { m.stuck.Store(v) }

// FailWake makes RequestWake return err; nil restores normal operation.
func (m *Modem) FailWake(err error) {
	m.wakeErrMu.Lock()
	m.wakeErr = err
	m.wakeErrMu.Unlock()
}

// SetAccessible reports the modem's port as powered (true) or down.
func (m *Modem) SetAccessible(v bool) { m.inaccess.Store(!v) }

func (m *Modem) Booted() bool             { return m.booted.Load() }
func (m *Modem) Received() <-chan Message { return m.received }
func (m *Modem) SilentResets() uint32     { return m.silent.Load() }
func (m *Modem) HardResets() uint32       { return m.hard.Load() }
func (m *Modem) WakeRequests() uint32     { return m.wakes.Load() }
func (m *Modem) SleepRequests() uint32    { return m.sleeps.Load() }
func (m *Modem) WakeAcks() uint32         { return m.wakeAcks.Load() }
func (m *Modem) Loopbacks() uint32        { return m.loopbacks.Load() }
func (m *Modem) DroppedEvents() uint32    { return m.drops.Load() }

// Run processes doorbells and timers until ctx ends.
func (m *Modem) Run(ctx context.Context) error {
	defer func() {
		if m.sleepTimer != nil {
			m.sleepTimer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-m.events:
			m.handle(ev)
		}
	}
}

func (m *Modem) handle(ev event) {
	switch ev.kind {
	case evBoot:
		m.boot()
	case evResetRequest:
		m.log.Warn().Msg("modem reset, requesting link reset")
		m.booted.Store(false)
		m.stuck.Store(false)
		m.peerAwake = false
		m.raise(types.SignalPeerResetRequest)
		m.clk.AfterFunc(m.cfg.ResetDelay, m.Boot)
	case evSleep:
		if m.peerAwake {
			m.peerAwake = false
			m.raise(types.SignalPeerSleep)
		}
	case evBell:
		m.onBell(ev.bell)
	case evSend:
		ev.done <- m.send(ev.msg)
	}
}

func (m *Modem) onBell(b types.Bell) {
	switch b {
	case types.BellCommonMsgPending:
		m.consume(types.ChannelCommon)
	case types.BellAudioMsgPending:
		m.consume(types.ChannelAudio)
	case types.BellCommonReadAck:
		m.onReadAck(types.ChannelCommon)
	case types.BellAudioReadAck:
		m.onReadAck(types.ChannelAudio)
	case types.BellWakeAck:
		m.wakeAcks.Add(1)
	}
}

func (m *Modem) boot() {
	m.log.Info().Uint32("config", m.cfg.Boot.Config).Uint32("version", m.cfg.Boot.Version).Msg("modem booting")
	m.booting = true
	m.booted.Store(false)
	m.wake()
	if err := m.ep.Write(types.ChannelCommon, types.L2BootInfo, m.cfg.Boot.Encode()); err != nil {
		m.log.Error().Err(err).Msg("boot request not written")
		return
	}
	m.ep.PublishWrite(types.ChannelCommon)
	m.raise(types.SignalCommonMsgPending)
}

// wake asserts the modem's wake request and restarts its sleep countdown.
func (m *Modem) wake() {
	if !m.peerAwake {
		m.peerAwake = true
		m.raise(types.SignalPeerWake)
	}
	m.armSleep()
}

func (m *Modem) armSleep() {
	if m.sleepTimer != nil {
		m.sleepTimer.Stop()
	}
	m.sleepTimer = m.clk.AfterFunc(m.cfg.SleepAfter, func() { m.post(event{kind: evSleep}) })
}

// consume reads everything the link published on ch and acknowledges it.
func (m *Modem) consume(ch types.Channel) {
	if m.stuck.Load() {
		m.log.Debug().Stringer("channel", ch).Msg("stuck, ignoring doorbell")
		return
	}
	m.ep.SyncReaderWrite(ch)
	var echoes []Message
	for m.ep.HasUnread(ch) {
		tag, n, err := m.ep.ReadNext(ch, m.buf)
		if err != nil {
			m.log.Error().Err(err).Stringer("channel", ch).Msg("corrupt message from link")
			break
		}
		msg := Message{Channel: ch, Tag: tag, Payload: append([]byte(nil), m.buf[:n]...)}
		switch {
		case tag == types.L2BootInfo && m.booting:
			m.booting = false
			m.booted.Store(true)
			m.log.Info().Msg("boot response received")
		case types.IsLoopback(tag):
			echoes = append(echoes, msg)
		default:
			select {
			case m.received <- msg:
			default:
				m.drops.Add(1)
			}
		}
	}
	m.ep.PublishRead(ch)
	m.raise(types.WriteAckedSignal(ch))

	if len(echoes) > 0 {
		m.wake()
		for _, e := range echoes {
			if err := m.ep.Write(ch, e.Tag, e.Payload); err != nil {
				m.log.Warn().Err(err).Msg("loopback echo dropped")
				continue
			}
			m.loopbacks.Add(1)
		}
		m.ep.PublishWrite(ch)
		m.raise(types.MsgPendingSignal(ch))
	}
}

// onReadAck re-raises message-pending while the link has not read everything.
func (m *Modem) onReadAck(ch types.Channel) {
	m.ep.SyncWriterRead(ch)
	lr, lw, _ := m.ep.WriterPointers(ch)
	if lr == lw {
		return
	}
	m.ep.PublishWrite(ch)
	m.raise(types.MsgPendingSignal(ch))
}

// Send originates a message towards the link, as modem software would. It
// runs on the Run goroutine and waits for the write to be published.
func (m *Modem) Send(ctx context.Context, ch types.Channel, tag uint8, p []byte) error {
	done := make(chan error, 1)
	ev := event{kind: evSend, msg: Message{Channel: ch, Tag: tag, Payload: p}, done: done}
	select {
	case m.events <- ev:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Modem) send(msg Message) error {
	m.targetMu.RLock()
	attached := m.target != nil
	m.targetMu.RUnlock()
	if !attached {
		return ErrNotAttached
	}
	m.wake()
	if err := m.ep.Write(msg.Channel, msg.Tag, msg.Payload); err != nil {
		return err
	}
	m.ep.PublishWrite(msg.Channel)
	m.raise(types.MsgPendingSignal(msg.Channel))
	return nil
}
