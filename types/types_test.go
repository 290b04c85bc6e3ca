package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modemlink-go/errcode"
)

func TestChannelForTag(t *testing.T) {
	common := []uint8{L2ISI, L2RPC, L2Security, L2CommonSimpleLoopback, L2CommonAdvancedLoopback, L2IPCCtrl, L2IPCData}
	for _, tag := range common {
		ch, ok := ChannelForTag(tag)
		require.True(t, ok, "tag %#x", tag)
		assert.Equal(t, ChannelCommon, ch)
	}
	for _, tag := range []uint8{L2Audio, L2AudioSimpleLoopback, L2AudioAdvancedLoopback} {
		ch, ok := ChannelForTag(tag)
		require.True(t, ok, "tag %#x", tag)
		assert.Equal(t, ChannelAudio, ch)
	}
	for _, tag := range []uint8{0x04, L2BootInfo, 0xFF} {
		_, ok := ChannelForTag(tag)
		assert.False(t, ok, "tag %#x", tag)
	}
}

func TestBootInfoRoundTrip(t *testing.T) {
	in := BootInfo{Config: 0x11223344, Version: 7}
	p := in.Encode()
	assert.Equal(t, []byte{0x44, 0x33, 0x22, 0x11, 7, 0, 0, 0}, p)

	out, err := DecodeBootInfo(p)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = DecodeBootInfo(p[:5])
	assert.Equal(t, errcode.ProtocolCorruption, errcode.Of(err))
}

func TestLaneQuiet(t *testing.T) {
	assert.True(t, LaneSleeping.Quiet())
	assert.True(t, LaneIdle.Quiet())
	assert.False(t, LanePointerFree.Quiet())
	assert.False(t, LanePointerBusy.Quiet())
}
