package link

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modemlink-go/types"
)

func TestStuckGuard_EscalatesOnce(t *testing.T) {
	cfg := DefaultConfig()
	h := newHarness(t, cfg, 0)
	h.bringUp()

	require.NoError(t, h.l.Send(types.L2RPC, []byte("c")))
	require.NoError(t, h.l.Send(types.L2Audio, []byte("a")))
	h.eventually(func() bool {
		return h.l.live.stuck[types.ChannelCommon].Active() && h.l.live.stuck[types.ChannelAudio].Active()
	}, "stuck guards not armed")

	h.clk.Add(cfg.StuckTimeout)
	h.eventually(func() bool { _, _, silent, _ := h.power.counts(); return silent == 1 }, "no silent reset")
	h.eventually(func() bool { return h.rec.count(TraceGuardFired) == 2 }, "guards did not fire")

	// a third expiry while the reset is pending changes nothing
	h.l.live.onStuck(types.ChannelCommon)
	time.Sleep(20 * time.Millisecond)
	_, _, silent, _ := h.power.counts()
	assert.Equal(t, 1, silent)
	assert.Equal(t, 1, h.rec.count(TraceEscalation))
	assert.Equal(t, types.BootUnknown, h.l.Phase())
}

func TestStuckGuard_IgnoredOutsideDone(t *testing.T) {
	h := newHarness(t, DefaultConfig(), 0)
	h.l.live.onStuck(types.ChannelCommon)
	time.Sleep(20 * time.Millisecond)
	_, _, silent, _ := h.power.counts()
	assert.Zero(t, silent)
	assert.Zero(t, h.rec.count(TraceEscalation))
}

func TestPeerPowerDownEscalates(t *testing.T) {
	h := newHarness(t, DefaultConfig(), 0)
	h.bringUp()
	h.power.inaccessible.Store(true)

	h.l.Interrupt(types.SignalCommonMsgPending)
	h.eventually(func() bool { _, _, silent, _ := h.power.counts(); return silent == 1 }, "no silent reset")
	assert.Equal(t, types.BootUnknown, h.l.Phase())
}

func TestRequestReset(t *testing.T) {
	h := newHarness(t, DefaultConfig(), 0)

	// before the handshake the request is refused without escalating
	assert.False(t, h.l.RequestReset("test"))
	assert.False(t, h.l.reset.inProgress.Load())
	assert.Zero(t, h.rec.count(TraceEscalation))
	_, _, silent, _ := h.power.counts()
	assert.Zero(t, silent)

	h.bringUp()
	assert.True(t, h.l.RequestReset("test"))
	assert.False(t, h.l.RequestReset("again"))
	h.eventually(func() bool { _, _, s, _ := h.power.counts(); return s == 1 }, "no silent reset")
	assert.GreaterOrEqual(t, h.rec.count(TraceEscalationSuppressed), 1)
}

func TestPeerResetRequest_SilentRecovery(t *testing.T) {
	h := newHarness(t, DefaultConfig(), 0)
	h.bringUp()
	require.NoError(t, h.l.Send(types.L2RPC, []byte("lost")))
	h.eventually(func() bool { return h.l.live.stuck[types.ChannelCommon].Active() }, "stuck guard not armed")

	h.l.Interrupt(types.SignalPeerResetRequest)
	h.eventually(h.phase(types.BootInit), "link not back in Init")
	h.eventually(func() bool { return !h.l.masked.Load() }, "interrupts still masked")

	assert.Equal(t, []types.StatusEvent{types.StatusModemOnline, types.StatusModemResetting}, h.status.snapshot())
	assert.EqualValues(t, 1, h.listener.resetting.Load())
	assert.EqualValues(t, 1, h.listener.queues.Load())
	assert.False(t, h.l.live.stuck[types.ChannelCommon].Active())
	for _, ch := range types.Channels {
		assert.Equal(t, [2]types.LaneState{types.LaneSleeping, types.LaneSleeping}, h.l.Lanes()[ch])
	}
	_, _, _, hard := h.power.counts()
	assert.Zero(t, hard)

	h.bringUp()
	assert.Equal(t,
		[]types.StatusEvent{types.StatusModemOnline, types.StatusModemResetting, types.StatusModemOnline},
		h.status.snapshot())
	assert.EqualValues(t, 1, h.listener.restored.Load())
}

func TestPeerResetRequest_HardMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ResetMode = ResetHard
	h := newHarness(t, cfg, 0)
	h.bringUp()

	h.l.Interrupt(types.SignalPeerResetRequest)
	h.eventually(func() bool { _, _, _, hard := h.power.counts(); return hard == 1 }, "no platform reset")
	assert.Equal(t, types.BootUnknown, h.l.Phase())
	assert.Equal(t, []types.StatusEvent{types.StatusModemOnline}, h.status.snapshot())
}

func TestInterruptsMaskedDuringRecovery(t *testing.T) {
	h := newHarness(t, DefaultConfig(), 0)
	h.bringUp()
	h.l.masked.Store(true)

	h.l.Interrupt(types.SignalCommonMsgPending)
	h.l.Interrupt(types.SignalPeerWake)
	assert.EqualValues(t, 2, h.l.InterruptDrops())
	assert.Equal(t, 2, h.rec.count(TraceInterruptDropped))
}

func TestBroadcastFailureStillRecovers(t *testing.T) {
	h := newHarness(t, DefaultConfig(), 0)
	h.bringUp()
	h.status.mu.Lock()
	h.status.err = errors.New("bus down")
	h.status.mu.Unlock()

	h.l.Interrupt(types.SignalPeerResetRequest)
	h.eventually(h.phase(types.BootInit), "link not back in Init")
	h.eventually(func() bool { return !h.l.masked.Load() }, "interrupts still masked")
}

func TestStopTwice(t *testing.T) {
	h := newHarness(t, DefaultConfig(), 0)
	require.NoError(t, h.l.Stop())
	assert.ErrorIs(t, h.l.Stop(), ErrNotStarted)
	h.l.Interrupt(types.SignalPeerWake)
	assert.EqualValues(t, 1, h.l.InterruptDrops())
}
