// Package link runs the handshake-and-liveness protocol between the local
// application processor and a modem sharing a memory region and doorbell
// interrupts.
//
// Work happens in three contexts. Interrupt hooks (Link.Interrupt) only set
// flags and schedule. Tasklets run on a single reactor goroutine and must not
// block. Jobs run on per-concern queue goroutines and are the only place where
// the power service is called and status is broadcast.
package link

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"modemlink-go/errcode"
	"modemlink-go/logging"
	"modemlink-go/services/link/internal/lanes"
	"modemlink-go/services/link/internal/worker"
	"modemlink-go/types"
	"modemlink-go/x/timex"
)

var (
	ErrStarted    = errors.New("link: already started")
	ErrNotStarted = errors.New("link: not started")
)

// ResetMode selects how a peer reset request is answered.
type ResetMode uint8

const (
	ResetSilent ResetMode = iota // re-handshake without a platform reboot
	ResetHard                    // reboot the platform
)

func (m ResetMode) String() string {
	if m == ResetHard {
		return "hard"
	}
	return "silent"
}

func ParseResetMode(s string) (ResetMode, error) {
	switch s {
	case "", "silent":
		return ResetSilent, nil
	case "hard":
		return ResetHard, nil
	}
	return ResetSilent, fmt.Errorf("link: unknown reset mode %q", s)
}

// Reason names why a reset was escalated.
type Reason string

const (
	ReasonPeerUnresponsive Reason = "peer_unresponsive"
	ReasonFIFOFull         Reason = "fifo_full"
	ReasonPowerFailure     Reason = "power_failure"
	ReasonPeerPowerDown    Reason = "peer_power_down"
	ReasonOperator         Reason = "operator"
	ReasonPeerRequest      Reason = "peer_request"
	ReasonProtocol         Reason = "protocol_corruption"
)

type Config struct {
	ResetMode       ResetMode
	StuckTimeout    time.Duration // no ack after a peer notification
	FIFOFullTimeout time.Duration // FIFO still full after a rejected write
	IdleCheck       time.Duration // quiet period before requesting sleep
	QueueDepth      int
	MaxMessage      int // largest inbound message
}

func DefaultConfig() Config {
	return Config{
		ResetMode:       ResetSilent,
		StuckTimeout:    6 * time.Second,
		FIFOFullTimeout: time.Second,
		IdleCheck:       10 * time.Millisecond,
		QueueDepth:      16,
		MaxMessage:      8 << 10,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	c.StuckTimeout = timex.OrDefault(c.StuckTimeout, d.StuckTimeout)
	c.FIFOFullTimeout = timex.OrDefault(c.FIFOFullTimeout, d.FIFOFullTimeout)
	c.IdleCheck = timex.OrDefault(c.IdleCheck, d.IdleCheck)
	if c.QueueDepth <= 0 {
		c.QueueDepth = d.QueueDepth
	}
	if c.MaxMessage <= 0 {
		c.MaxMessage = d.MaxMessage
	}
	return c
}

type Option func(*Link)

func WithClock(c clock.Clock) Option       { return func(l *Link) { l.clk = c } }
func WithLogger(log zerolog.Logger) Option { return func(l *Link) { l.log = log } }
func WithTrace(s TraceSink) Option         { return func(l *Link) { l.extraTrace = s } }
func WithStatusSink(s StatusSink) Option   { return func(l *Link) { l.status = s } }
func WithListener(ls Listener) Option      { return func(l *Link) { l.listener = ls } }
func WithID(id string) Option              { return func(l *Link) { l.id = id } }

// Link is the single context shared by every component of one link.
type Link struct {
	id         string
	cfg        Config
	log        zerolog.Logger
	clk        clock.Clock
	tracer     TraceSink
	extraTrace TraceSink

	fifo     FIFO
	power    Power
	bell     Doorbell
	status   StatusSink
	listener Listener

	boot  *bootSupervisor
	lanes *lanes.Tracker
	wake  *wakeArbiter
	live  *livenessMonitor
	reset *resetCoordinator

	started atomic.Bool
	masked  atomic.Bool
	drops   atomic.Uint32

	// arming lock: doorbell + stuck guard arm vs disarm on ack
	armMu sync.Mutex

	rxMu        [types.NumChannels]sync.Mutex
	readAckSent [types.NumChannels]bool // under rxMu
	rxBuf       [types.NumChannels][]byte
	txMu        [types.NumChannels]sync.Mutex

	handlersMu sync.RWMutex
	handlers   [types.NumChannels]Handler

	peerInfo atomic.Pointer[types.BootInfo]

	reactor *worker.Reactor
	qWrite  [types.NumChannels]*worker.Queue
	qWake   *worker.Queue
	qSleep  *worker.Queue
	qReset  *worker.Queue
	pool    *worker.Pool

	rxTasks   [types.NumChannels]*worker.Tasklet
	ackTasks  [types.NumChannels]*worker.Tasklet
	notifyJob [types.NumChannels]*worker.Job
	peerWake  *worker.Job
	peerSleep *worker.Job
}

// New builds a link in BootInit with every lane Sleeping. Nothing runs until Start.
func New(cfg Config, fifo FIFO, power Power, bell Doorbell, opts ...Option) (*Link, error) {
	if fifo == nil || power == nil || bell == nil {
		return nil, errcode.New(errcode.InvalidParams, "link.new", "fifo, power and doorbell are required")
	}
	l := &Link{
		cfg:    cfg.withDefaults(),
		fifo:   fifo,
		power:  power,
		bell:   bell,
		clk:    clock.New(),
		status: nopStatus{},
	}
	l.log = logging.Logger("link")
	for _, o := range opts {
		o(l)
	}
	if l.id == "" {
		l.id = uuid.NewString()
	}
	l.log = l.log.With().Str("link_id", l.id).Logger()
	l.tracer = Tee(LogTracer{Log: l.log}, l.extraTrace)

	l.boot = newBootSupervisor(func(from, to types.BootPhase) {
		l.trace(TraceEvent{Kind: TracePhase, PhaseFrom: from, PhaseTo: to})
		l.log.Debug().Stringer("from", from).Stringer("to", to).Msg("boot phase")
	})
	l.lanes = lanes.New(func(ch types.Channel, dir types.Direction, from, to types.LaneState) {
		l.trace(TraceEvent{Kind: TraceLane, Channel: ch, Dir: dir, LaneFrom: from, LaneTo: to})
	})
	l.wake = newWakeArbiter(l)
	l.live = newLivenessMonitor(l)
	l.reset = newResetCoordinator(l)

	onErr := func(queue, job string, err error) {
		l.log.Error().Err(err).Str("queue", queue).Str("job", job).Msg("job failed")
	}
	depth := l.cfg.QueueDepth
	l.reactor = worker.NewReactor(depth * 4)
	l.qWrite[types.ChannelCommon] = worker.NewQueue("common_write", depth, onErr)
	l.qWrite[types.ChannelAudio] = worker.NewQueue("audio_write", depth, onErr)
	l.qWake = worker.NewQueue("wake", depth, onErr)
	l.qSleep = worker.NewQueue("sleep", depth, onErr)
	l.qReset = worker.NewQueue("reset", depth, onErr)
	l.pool = worker.NewPool(l.reactor, l.qWrite[0], l.qWrite[1], l.qWake, l.qSleep, l.qReset)

	for _, ch := range types.Channels {
		ch := ch
		l.rxBuf[ch] = make([]byte, l.cfg.MaxMessage)
		l.rxTasks[ch] = worker.NewTasklet("rx_"+ch.String(), func(a worker.Atomic) { l.handleMsgPending(a, ch) })
		l.ackTasks[ch] = worker.NewTasklet("ack_"+ch.String(), func(a worker.Atomic) { l.handleWriteAcked(a, ch) })
		l.notifyJob[ch] = worker.NewJob("notify_"+ch.String(), func(b worker.Blocking) error { return l.notifyPeer(b, ch) })
	}
	l.peerWake = worker.NewJob("peer_wake", l.handlePeerWake)
	l.peerSleep = worker.NewJob("peer_sleep", l.handlePeerSleep)
	return l, nil
}

// Start launches the reactor and the queue workers.
func (l *Link) Start(ctx context.Context) error {
	if !l.started.CompareAndSwap(false, true) {
		return ErrStarted
	}
	if err := l.pool.Start(ctx); err != nil {
		l.started.Store(false)
		return err
	}
	l.log.Info().Stringer("reset_mode", l.cfg.ResetMode).Msg("link started, awaiting boot request")
	return nil
}

// Stop cancels timers and waits for every worker to return.
func (l *Link) Stop() error {
	if !l.started.CompareAndSwap(true, false) {
		return ErrNotStarted
	}
	var err error
	l.live.stop()
	l.wake.stopIdle()
	err = multierr.Append(err, l.pool.Stop())
	if n := l.drops.Load(); n > 0 {
		l.log.Warn().Uint32("dropped_interrupts", n).Msg("link stopped")
	} else {
		l.log.Info().Msg("link stopped")
	}
	return err
}

// RegisterHandler installs the consumer of inbound messages on ch.
func (l *Link) RegisterHandler(ch types.Channel, h Handler) error {
	if ch >= types.NumChannels {
		return errcode.New(errcode.InvalidParams, "link.register", "unknown channel")
	}
	l.handlersMu.Lock()
	l.handlers[ch] = h
	l.handlersMu.Unlock()
	return nil
}

func (l *Link) handler(ch types.Channel) Handler {
	l.handlersMu.RLock()
	defer l.handlersMu.RUnlock()
	return l.handlers[ch]
}

func (l *Link) ID() string             { return l.id }
func (l *Link) Config() Config         { return l.cfg }
func (l *Link) Phase() types.BootPhase { return l.boot.Phase() }

// Lanes returns every lane state indexed [channel][direction].
func (l *Link) Lanes() [types.NumChannels][2]types.LaneState { return l.lanes.Snapshot() }

// WakeHeld reports whether anything keeps the local processor awake.
func (l *Link) WakeHeld() bool { return l.wake.held() }

// InterruptDrops counts interrupts dropped while masked or stopped.
func (l *Link) InterruptDrops() uint32 { return l.drops.Load() }

// PeerInfo returns the boot record of the last handshake.
func (l *Link) PeerInfo() (types.BootInfo, bool) {
	p := l.peerInfo.Load()
	if p == nil {
		return types.BootInfo{}, false
	}
	return *p, true
}

// RequestReset asks for a peer reset on behalf of an operator. It returns
// false when the modem is not online or an escalation is already under way.
func (l *Link) RequestReset(reason string) bool {
	if phase := l.Phase(); phase != types.BootDone {
		l.log.Info().Str("reason", reason).Stringer("phase", phase).Msg("operator reset refused, modem not online")
		return false
	}
	l.log.Warn().Str("reason", reason).Msg("operator reset requested")
	return l.live.escalate(ReasonOperator)
}

func (l *Link) phaseIs(p types.BootPhase) bool { return l.boot.Phase() == p }

func (l *Link) trace(ev TraceEvent) { l.tracer.Trace(ev) }

func (l *Link) ring(b types.Bell) {
	l.trace(TraceEvent{Kind: TraceDoorbell, Bell: b})
	l.bell.Ring(b)
}

// checkPeerAccess escalates when the peer's port is powered down.
func (l *Link) checkPeerAccess() bool {
	if l.power.PeerAccessible() {
		return true
	}
	l.log.Error().Msg("peer port powered down")
	l.reset.escalate(ReasonPeerPowerDown)
	return false
}
