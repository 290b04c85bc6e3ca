package types

// Signal is an inbound doorbell interrupt raised by the peer.
type Signal uint8

const (
	SignalPeerWake         Signal = iota // peer asks local to stay awake
	SignalPeerSleep                      // peer releases its wake request
	SignalCommonMsgPending               // peer wrote into the common channel
	SignalAudioMsgPending                // peer wrote into the audio channel
	SignalCommonWriteAcked               // peer consumed local common writes
	SignalAudioWriteAcked                // peer consumed local audio writes
	SignalPeerResetRequest               // peer requests a reset of the link
)

func (s Signal) String() string {
	switch s {
	case SignalPeerWake:
		return "peer_wake"
	case SignalPeerSleep:
		return "peer_sleep"
	case SignalCommonMsgPending:
		return "common_msg_pending"
	case SignalAudioMsgPending:
		return "audio_msg_pending"
	case SignalCommonWriteAcked:
		return "common_write_acked"
	case SignalAudioWriteAcked:
		return "audio_write_acked"
	case SignalPeerResetRequest:
		return "peer_reset_request"
	default:
		return "invalid"
	}
}

// MsgPendingSignal returns the message-pending signal for ch.
func MsgPendingSignal(ch Channel) Signal {
	if ch == ChannelAudio {
		return SignalAudioMsgPending
	}
	return SignalCommonMsgPending
}

// WriteAckedSignal returns the write-acknowledged signal for ch.
func WriteAckedSignal(ch Channel) Signal {
	if ch == ChannelAudio {
		return SignalAudioWriteAcked
	}
	return SignalCommonWriteAcked
}

// Bell is an outbound doorbell rung towards the peer.
type Bell uint8

const (
	BellCommonMsgPending Bell = iota
	BellAudioMsgPending
	BellCommonReadAck
	BellAudioReadAck
	BellWakeAck
)

func (b Bell) String() string {
	switch b {
	case BellCommonMsgPending:
		return "common_msg_pending"
	case BellAudioMsgPending:
		return "audio_msg_pending"
	case BellCommonReadAck:
		return "common_read_ack"
	case BellAudioReadAck:
		return "audio_read_ack"
	case BellWakeAck:
		return "wake_ack"
	default:
		return "invalid"
	}
}

// MsgPendingBell returns the doorbell announcing new data on ch.
func MsgPendingBell(ch Channel) Bell {
	if ch == ChannelAudio {
		return BellAudioMsgPending
	}
	return BellCommonMsgPending
}

// ReadAckBell returns the doorbell acknowledging consumed data on ch.
func ReadAckBell(ch Channel) Bell {
	if ch == ChannelAudio {
		return BellAudioReadAck
	}
	return BellCommonReadAck
}
