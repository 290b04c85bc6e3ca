package link

import "modemlink-go/types"

// FIFO is the shared-memory message store. Local pointers are private mirrors;
// shared pointers are what the peer sees. Publish* are release stores and must
// happen before the doorbell that announces them.
type FIFO interface {
	// Init resets every FIFO of the region.
	Init()
	// Write appends one message. A full FIFO yields an error whose
	// errcode.Of is errcode.FIFOFull.
	Write(ch types.Channel, tag uint8, p []byte) error
	// ReadNext consumes one inbound message into dst.
	ReadNext(ch types.Channel, dst []byte) (tag uint8, n int, err error)
	HasUnread(ch types.Channel) bool

	WriterPointers(ch types.Channel) (localRead, localWrite, sharedWrite uint32)
	ReaderPointers(ch types.Channel) (localRead, localWrite, sharedRead uint32)
	SyncWriterRead(ch types.Channel)
	PublishWrite(ch types.Channel)
	SyncReaderWrite(ch types.Channel)
	PublishRead(ch types.Channel)
}

// Power is the platform power/reset service. RequestWake, RequestSleep and the
// resets may block; PeerAccessible and WakeRequested must not.
type Power interface {
	RequestWake() error
	RequestSleep()
	WakeRequested() bool
	// PeerAccessible reports whether the peer's shared memory port is powered.
	PeerAccessible() bool
	SilentModemReset()
	HardPlatformReset()
}

// Doorbell rings peer interrupts. Ring must not block.
type Doorbell interface {
	Ring(b types.Bell)
}

// Handler consumes one inbound message. It runs on the reactor and must not
// block; msg is only valid for the duration of the call.
type Handler func(tag uint8, msg []byte)

// StatusSink delivers status events to observers.
type StatusSink interface {
	Broadcast(ev types.StatusEvent) error
}

// Listener is told about link resets. Calls come from worker goroutines.
type Listener interface {
	// LinkResetting precedes a silent recovery.
	LinkResetting()
	// ResetQueues drops traffic buffered above the link.
	ResetQueues()
	// LinkRestored follows the first handshake after a recovery.
	LinkRestored()
}

type nopStatus struct{}

func (nopStatus) Broadcast(types.StatusEvent) error { return nil }
