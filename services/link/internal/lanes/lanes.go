// Package lanes tracks the traffic state of every (channel, direction) pair.
// It holds no policy: callers decide when a transition is allowed.
package lanes

import (
	"sync"

	"modemlink-go/types"
)

const numLanes = types.NumChannels * 2

// Observer is told about every state change.
type Observer func(ch types.Channel, dir types.Direction, from, to types.LaneState)

type lane struct {
	mu    sync.Mutex
	state types.LaneState
}

// Tracker owns one lock per lane. Operations touching several lanes lock them
// in index order (common tx, common rx, audio tx, audio rx).
type Tracker struct {
	lanes [numLanes]lane
	obs   Observer
}

func New(obs Observer) *Tracker {
	return &Tracker{obs: obs}
}

func index(ch types.Channel, dir types.Direction) int { return int(ch)*2 + int(dir) }

func laneOf(i int) (types.Channel, types.Direction) {
	return types.Channel(i / 2), types.Direction(i % 2)
}

func (t *Tracker) Get(ch types.Channel, dir types.Direction) types.LaneState {
	l := &t.lanes[index(ch, dir)]
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Set forces a state and returns the previous one.
func (t *Tracker) Set(ch types.Channel, dir types.Direction, s types.LaneState) types.LaneState {
	l := &t.lanes[index(ch, dir)]
	l.mu.Lock()
	prev := l.state
	l.state = s
	l.mu.Unlock()
	t.notify(ch, dir, prev, s)
	return prev
}

// move applies to when the lane currently satisfies from.
func (t *Tracker) move(ch types.Channel, dir types.Direction, from func(types.LaneState) bool, to types.LaneState) bool {
	l := &t.lanes[index(ch, dir)]
	l.mu.Lock()
	prev := l.state
	ok := from(prev)
	if ok {
		l.state = to
	}
	l.mu.Unlock()
	if ok {
		t.notify(ch, dir, prev, to)
	}
	return ok
}

func (t *Tracker) notify(ch types.Channel, dir types.Direction, from, to types.LaneState) {
	if t.obs != nil && from != to {
		t.obs(ch, dir, from, to)
	}
}

func is(states ...types.LaneState) func(types.LaneState) bool {
	return func(s types.LaneState) bool {
		for _, x := range states {
			if s == x {
				return true
			}
		}
		return false
	}
}

// OnLocalWritePending: Tx Sleeping|Idle -> PointerFree.
func (t *Tracker) OnLocalWritePending(ch types.Channel) bool {
	return t.move(ch, types.Tx, types.LaneState.Quiet, types.LanePointerFree)
}

// OnNotifySent: Tx PointerFree -> PointerBusy.
func (t *Tracker) OnNotifySent(ch types.Channel) bool {
	return t.move(ch, types.Tx, is(types.LanePointerFree), types.LanePointerBusy)
}

// OnAckReceived settles the Tx lane after the peer consumed our data. With more
// unread data it starts a new notify cycle (PointerFree), otherwise it goes Idle.
func (t *Tracker) OnAckReceived(ch types.Channel, more bool) types.LaneState {
	to := types.LaneIdle
	if more {
		to = types.LanePointerFree
	}
	t.Set(ch, types.Tx, to)
	return to
}

// OnPeerWrote: Rx -> PointerFree.
func (t *Tracker) OnPeerWrote(ch types.Channel) {
	t.Set(ch, types.Rx, types.LanePointerFree)
}

// OnReadAckSent: Rx -> PointerBusy.
func (t *Tracker) OnReadAckSent(ch types.Channel) {
	t.Set(ch, types.Rx, types.LanePointerBusy)
}

// OnReadDrained: Rx -> Idle.
func (t *Tracker) OnReadDrained(ch types.Channel) {
	t.Set(ch, types.Rx, types.LaneIdle)
}

// SetRxIdle moves both Rx lanes to Idle.
func (t *Tracker) SetRxIdle() {
	for _, ch := range types.Channels {
		t.Set(ch, types.Rx, types.LaneIdle)
	}
}

func (t *Tracker) lockAll() {
	for i := range t.lanes {
		t.lanes[i].mu.Lock()
	}
}

func (t *Tracker) unlockAll() {
	for i := len(t.lanes) - 1; i >= 0; i-- {
		t.lanes[i].mu.Unlock()
	}
}

func (t *Tracker) quietLocked() bool {
	for i := range t.lanes {
		if !t.lanes[i].state.Quiet() {
			return false
		}
	}
	return true
}

// Quiet reports whether every lane is Sleeping or Idle.
func (t *Tracker) Quiet() bool {
	t.lockAll()
	defer t.unlockAll()
	return t.quietLocked()
}

// SleepAllIfQuiet moves every lane to Sleeping when all are quiet.
func (t *Tracker) SleepAllIfQuiet() bool {
	return t.setAll(types.LaneSleeping, true)
}

// ResetAll moves every lane to Sleeping unconditionally.
func (t *Tracker) ResetAll() {
	t.setAll(types.LaneSleeping, false)
}

func (t *Tracker) setAll(to types.LaneState, onlyIfQuiet bool) bool {
	var prev [numLanes]types.LaneState
	t.lockAll()
	if onlyIfQuiet && !t.quietLocked() {
		t.unlockAll()
		return false
	}
	for i := range t.lanes {
		prev[i] = t.lanes[i].state
		t.lanes[i].state = to
	}
	t.unlockAll()
	for i, p := range prev {
		ch, dir := laneOf(i)
		t.notify(ch, dir, p, to)
	}
	return true
}

// Snapshot returns every lane state indexed [channel][direction].
func (t *Tracker) Snapshot() [types.NumChannels][2]types.LaneState {
	var out [types.NumChannels][2]types.LaneState
	t.lockAll()
	for i := range t.lanes {
		ch, dir := laneOf(i)
		out[ch][dir] = t.lanes[i].state
	}
	t.unlockAll()
	return out
}
