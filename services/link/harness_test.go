package link

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"modemlink-go/services/shmfifo"
	"modemlink-go/types"
)

const (
	waitFor = 2 * time.Second
	tick    = time.Millisecond
)

type fakePower struct {
	mu           sync.Mutex
	wakeErr      error
	wakes        int
	sleeps       int
	silent       int
	hard         int
	inaccessible atomic.Bool
}

func (p *fakePower) RequestWake() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.wakes++
	return p.wakeErr
}

func (p *fakePower) RequestSleep() {
	p.mu.Lock()
	p.sleeps++
	p.mu.Unlock()
}

func (p *fakePower) WakeRequested() bool  { return false }
func (p *fakePower) PeerAccessible() bool { return !p.inaccessible.Load() }

func (p *fakePower) SilentModemReset() {
	p.mu.Lock()
	p.silent++
	p.mu.Unlock()
}

func (p *fakePower) HardPlatformReset() {
	p.mu.Lock()
	p.hard++
	p.mu.Unlock()
}

func (p *fakePower) failWake(err error) {
	p.mu.Lock()
	p.wakeErr = err
	p.mu.Unlock()
}

func (p *fakePower) counts() (wakes, sleeps, silent, hard int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.wakes, p.sleeps, p.silent, p.hard
}

type fakeBell struct {
	mu   sync.Mutex
	rung map[types.Bell]int
}

func (b *fakeBell) Ring(bell types.Bell) {
	b.mu.Lock()
	if b.rung == nil {
		b.rung = map[types.Bell]int{}
	}
	b.rung[bell]++
	b.mu.Unlock()
}

func (b *fakeBell) count(bell types.Bell) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rung[bell]
}

type fakeStatus struct {
	mu     sync.Mutex
	events []types.StatusEvent
	err    error
}

func (s *fakeStatus) Broadcast(ev types.StatusEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

func (s *fakeStatus) snapshot() []types.StatusEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.StatusEvent(nil), s.events...)
}

type fakeListener struct {
	resetting, queues, restored atomic.Int32
}

func (f *fakeListener) LinkResetting() { f.resetting.Add(1) }
func (f *fakeListener) ResetQueues()   { f.queues.Add(1) }
func (f *fakeListener) LinkRestored()  { f.restored.Add(1) }

type recorder struct {
	mu     sync.Mutex
	events []TraceEvent
}

func (r *recorder) Trace(ev TraceEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) count(kind TraceKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (r *recorder) lane(ch types.Channel, dir types.Direction) []types.LaneState {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.LaneState
	for _, ev := range r.events {
		if ev.Kind == TraceLane && ev.Channel == ch && ev.Dir == dir {
			out = append(out, ev.LaneTo)
		}
	}
	return out
}

type harness struct {
	t        *testing.T
	l        *Link
	clk      *clock.Mock
	power    *fakePower
	bell     *fakeBell
	status   *fakeStatus
	listener *fakeListener
	rec      *recorder
	peer     *shmfifo.Endpoint
	inbound  chan []byte
}

func newHarness(t *testing.T, cfg Config, fifoSize int) *harness {
	t.Helper()
	if fifoSize == 0 {
		fifoSize = 4096
	}
	region, err := shmfifo.NewRegion(shmfifo.Config{CommonSize: fifoSize, AudioSize: fifoSize})
	require.NoError(t, err)

	h := &harness{
		t:        t,
		clk:      clock.NewMock(),
		power:    &fakePower{},
		bell:     &fakeBell{},
		status:   &fakeStatus{},
		listener: &fakeListener{},
		rec:      &recorder{},
		peer:     region.Endpoint(shmfifo.SideCMT),
		inbound:  make(chan []byte, 64),
	}
	h.l, err = New(cfg, region.Endpoint(shmfifo.SideAP), h.power, h.bell,
		WithClock(h.clk),
		WithLogger(zerolog.Nop()),
		WithTrace(h.rec),
		WithStatusSink(h.status),
		WithListener(h.listener),
	)
	require.NoError(t, err)
	for _, ch := range types.Channels {
		require.NoError(t, h.l.RegisterHandler(ch, func(tag uint8, msg []byte) {
			h.inbound <- append([]byte{tag}, msg...)
		}))
	}
	require.NoError(t, h.l.Start(context.Background()))
	t.Cleanup(func() { _ = h.l.Stop() })
	return h
}

func (h *harness) eventually(cond func() bool, msg string) {
	h.t.Helper()
	require.Eventually(h.t, cond, waitFor, tick, msg)
}

func (h *harness) phase(p types.BootPhase) func() bool {
	return func() bool { return h.l.Phase() == p }
}

// peerBootRequest plays the peer's half of the first handshake step.
func (h *harness) peerBootRequest(info types.BootInfo) {
	h.t.Helper()
	h.l.Interrupt(types.SignalPeerWake)
	require.NoError(h.t, h.peer.Write(types.ChannelCommon, types.L2BootInfo, info.Encode()))
	h.peer.PublishWrite(types.ChannelCommon)
	h.l.Interrupt(types.SignalCommonMsgPending)
}

// peerConsume reads everything the link published on ch and acknowledges it.
func (h *harness) peerConsume(ch types.Channel) [][]byte {
	h.t.Helper()
	h.peer.SyncReaderWrite(ch)
	var out [][]byte
	buf := make([]byte, 8192)
	for h.peer.HasUnread(ch) {
		tag, n, err := h.peer.ReadNext(ch, buf)
		require.NoError(h.t, err)
		out = append(out, append([]byte{tag}, buf[:n]...))
	}
	h.peer.PublishRead(ch)
	h.l.Interrupt(types.WriteAckedSignal(ch))
	return out
}

// bringUp runs a complete handshake and waits for the Online broadcast.
func (h *harness) bringUp() {
	h.t.Helper()
	before := h.bell.count(types.BellCommonMsgPending)
	h.peerBootRequest(types.BootInfo{Config: 1, Version: 2})
	h.eventually(func() bool { return h.bell.count(types.BellCommonMsgPending) > before }, "boot response not announced")
	h.peerConsume(types.ChannelCommon)
	h.eventually(h.phase(types.BootDone), "handshake did not complete")
	h.eventually(func() bool { w, _, _, _ := h.power.counts(); return w >= 2 }, "wake requests pending")
	h.eventually(func() bool {
		ev := h.status.snapshot()
		return len(ev) > 0 && ev[len(ev)-1] == types.StatusModemOnline
	}, "online not broadcast")
}

// peerSend writes messages into the inbound FIFO and rings the link.
func (h *harness) peerSend(ch types.Channel, tag uint8, msgs ...string) {
	h.t.Helper()
	for _, m := range msgs {
		require.NoError(h.t, h.peer.Write(ch, tag, []byte(m)))
	}
	h.peer.PublishWrite(ch)
	h.l.Interrupt(types.MsgPendingSignal(ch))
}

var errWake = errors.New("prcmu: wake refused")
