package link

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modemlink-go/types"
)

func TestWakeArbiter_SlotsNeverLeakOrGoNegative(t *testing.T) {
	h := newHarness(t, DefaultConfig(), 0)
	a := h.l.wake

	held := map[wakeSlot]bool{}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for i := 0; i < 1000; i++ {
		slot := wakeSlot(rng.Intn(int(numWakeSlots)))
		switch rng.Intn(3) {
		case 0, 1:
			grew := a.hold(slot)
			assert.Equal(t, !held[slot], grew)
			held[slot] = true
		case 2:
			a.release(slot)
			held[slot] = false
		}
		n := 0
		for _, v := range held {
			if v {
				n++
			}
		}
		require.EqualValues(t, n, a.count.Load())
	}
}

func TestWakeArbiter_StaleTokenAfterReset(t *testing.T) {
	h := newHarness(t, DefaultConfig(), 0)
	a := h.l.wake

	a.hold(slotCommonTx)
	a.mu.Lock()
	stale := a.slots[slotCommonTx]
	a.mu.Unlock()

	a.reset()
	assert.Zero(t, a.count.Load())
	a.hold(slotAudioTx)

	stale.Release()
	stale.Release()
	assert.EqualValues(t, 1, a.count.Load())
	a.release(slotCommonTx)
	assert.EqualValues(t, 1, a.count.Load())
}

func TestWakeArbiter_SleepOnlyWhenQuiet(t *testing.T) {
	h := newHarness(t, DefaultConfig(), 0)
	a := h.l.wake

	h.l.lanes.Set(types.ChannelCommon, types.Tx, types.LanePointerBusy)
	a.hold(slotCommonTx)
	a.release(slotCommonTx)
	time.Sleep(20 * time.Millisecond)
	_, sleeps, _, _ := h.power.counts()
	assert.Zero(t, sleeps, "busy lane keeps the processor awake")

	h.l.lanes.Set(types.ChannelCommon, types.Tx, types.LaneIdle)
	a.hold(slotCommonTx)
	a.release(slotCommonTx)
	h.eventually(func() bool { _, s, _, _ := h.power.counts(); return s == 1 }, "no sleep request")
}

func TestWakeArbiter_SleepAbandonedWhenHeld(t *testing.T) {
	h := newHarness(t, DefaultConfig(), 0)
	a := h.l.wake
	a.hold(slotPeerWake)
	require.NoError(t, a.requestSleep(nil))
	_, sleeps, _, _ := h.power.counts()
	assert.Zero(t, sleeps)
	assert.Equal(t, 1, h.rec.count(TraceSleepAbandoned))
}

func TestPeerWakeAndSleep(t *testing.T) {
	cfg := DefaultConfig()
	h := newHarness(t, cfg, 0)
	h.bringUp()
	acks := h.bell.count(types.BellWakeAck)
	wakes, _, _, _ := h.power.counts()

	h.l.Interrupt(types.SignalPeerWake)
	assert.True(t, h.l.WakeHeld())
	h.eventually(func() bool { w, _, _, _ := h.power.counts(); return w == wakes+1 }, "no wake request")
	h.eventually(func() bool { return h.bell.count(types.BellWakeAck) == acks+2 }, "wake not acknowledged twice")

	h.l.Interrupt(types.SignalPeerSleep)
	h.eventually(func() bool { return !h.l.WakeHeld() }, "peer wake hold not released")
	assert.Equal(t, acks+3, h.bell.count(types.BellWakeAck))

	h.clk.Add(cfg.IdleCheck)
	h.eventually(func() bool {
		for _, ch := range types.Channels {
			if h.l.Lanes()[ch][types.Rx] != types.LaneSleeping {
				return false
			}
		}
		return true
	}, "idle check did not put lanes to sleep")
	h.eventually(func() bool { _, s, _, _ := h.power.counts(); return s >= 1 }, "no sleep request")
}

func TestPeerSleepBeforeDoneReleasesHold(t *testing.T) {
	h := newHarness(t, DefaultConfig(), 0)
	h.l.Interrupt(types.SignalPeerWake)
	assert.True(t, h.l.WakeHeld())
	h.l.Interrupt(types.SignalPeerSleep)
	h.eventually(func() bool { return !h.l.WakeHeld() }, "hold leaked outside Done")
}

func TestWakeFailureEscalates(t *testing.T) {
	h := newHarness(t, DefaultConfig(), 0)
	h.bringUp()
	h.power.failWake(errWake)

	require.NoError(t, h.l.Send(types.L2RPC, []byte("x")))
	h.eventually(func() bool { _, _, silent, _ := h.power.counts(); return silent == 1 }, "no silent reset")
	assert.Equal(t, 1, h.rec.count(TraceEscalation))

	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	var wakeErr error
	for _, ev := range h.rec.events {
		if ev.Kind == TraceWake && ev.Err != nil {
			wakeErr = ev.Err
		}
	}
	require.ErrorIs(t, wakeErr, errWake)
}
