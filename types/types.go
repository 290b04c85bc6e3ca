package types

// ---- Boot handshake ----

// BootPhase is the link-wide handshake phase. Forward progress is
// Init -> InfoSync -> Done; any fault moves to Unknown and only an explicit
// reset returns to Init.
type BootPhase uint8

const (
	BootInit BootPhase = iota
	BootInfoSync
	BootDone
	BootUnknown
)

func (p BootPhase) String() string {
	switch p {
	case BootInit:
		return "init"
	case BootInfoSync:
		return "info_sync"
	case BootDone:
		return "done"
	case BootUnknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// ---- Channels & lanes ----

// Channel is a logical message channel sharing the memory region.
type Channel uint8

const (
	ChannelCommon Channel = iota
	ChannelAudio
)

// NumChannels is the number of channels carried by a link.
const NumChannels = 2

// Channels lists every channel in lock order.
var Channels = [NumChannels]Channel{ChannelCommon, ChannelAudio}

func (c Channel) String() string {
	switch c {
	case ChannelCommon:
		return "common"
	case ChannelAudio:
		return "audio"
	default:
		return "invalid"
	}
}

// Direction is relative to the local processor.
type Direction uint8

const (
	Tx Direction = iota // local -> peer
	Rx                  // peer -> local
)

func (d Direction) String() string {
	if d == Tx {
		return "tx"
	}
	return "rx"
}

// LaneState is the traffic state of one channel in one direction.
type LaneState uint8

const (
	LaneSleeping LaneState = iota
	LaneIdle
	LanePointerFree // new data written, peer not yet told
	LanePointerBusy // peer told, acknowledgement pending
)

// Quiet reports whether the lane allows the local processor to sleep.
func (s LaneState) Quiet() bool { return s == LaneSleeping || s == LaneIdle }

func (s LaneState) String() string {
	switch s {
	case LaneSleeping:
		return "sleeping"
	case LaneIdle:
		return "idle"
	case LanePointerFree:
		return "pointer_free"
	case LanePointerBusy:
		return "pointer_busy"
	default:
		return "invalid"
	}
}
