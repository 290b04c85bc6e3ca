package types

// L2 tags carried in every FIFO message header.
const (
	L2ISI                    uint8 = 0x00
	L2RPC                    uint8 = 0x01
	L2Audio                  uint8 = 0x02
	L2Security               uint8 = 0x03
	L2AudioSimpleLoopback    uint8 = 0x80
	L2AudioAdvancedLoopback  uint8 = 0x81
	L2BootInfo               uint8 = 0xB0 // handshake only, never routed
	L2CommonSimpleLoopback   uint8 = 0xC0
	L2CommonAdvancedLoopback uint8 = 0xC1
	L2IPCCtrl                uint8 = 0xDC
	L2IPCData                uint8 = 0xDD
)

// ChannelForTag maps an outbound tag to its channel.
func ChannelForTag(tag uint8) (Channel, bool) {
	switch tag {
	case L2ISI, L2RPC, L2Security, L2CommonSimpleLoopback, L2CommonAdvancedLoopback, L2IPCCtrl, L2IPCData:
		return ChannelCommon, true
	case L2Audio, L2AudioSimpleLoopback, L2AudioAdvancedLoopback:
		return ChannelAudio, true
	default:
		return 0, false
	}
}

// IsLoopback reports whether tag selects a loopback test stream.
func IsLoopback(tag uint8) bool {
	switch tag {
	case L2CommonSimpleLoopback, L2CommonAdvancedLoopback, L2AudioSimpleLoopback, L2AudioAdvancedLoopback:
		return true
	}
	return false
}
