package shmfifo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modemlink-go/errcode"
	"modemlink-go/types"
)

func newPair(t *testing.T, size int) (*Endpoint, *Endpoint) {
	t.Helper()
	r, err := NewRegion(Config{CommonSize: size, AudioSize: size})
	require.NoError(t, err)
	return r.Endpoint(SideAP), r.Endpoint(SideCMT)
}

func TestWritePublishRead(t *testing.T) {
	ap, cmt := newPair(t, 64)

	require.NoError(t, ap.Write(types.ChannelCommon, types.L2RPC, []byte("hello")))
	cmt.SyncReaderWrite(types.ChannelCommon)
	assert.False(t, cmt.HasUnread(types.ChannelCommon), "unpublished message visible")

	ap.PublishWrite(types.ChannelCommon)
	cmt.SyncReaderWrite(types.ChannelCommon)
	require.True(t, cmt.HasUnread(types.ChannelCommon))

	buf := make([]byte, 32)
	tag, n, err := cmt.ReadNext(types.ChannelCommon, buf)
	require.NoError(t, err)
	assert.Equal(t, types.L2RPC, tag)
	assert.Equal(t, "hello", string(buf[:n]))
	assert.False(t, cmt.HasUnread(types.ChannelCommon))

	// the audio channel is independent
	assert.False(t, cmt.HasUnread(types.ChannelAudio))
}

func TestFullUntilAckSync(t *testing.T) {
	ap, cmt := newPair(t, 16)
	require.NoError(t, ap.Write(types.ChannelAudio, types.L2Audio, make([]byte, 12)))
	err := ap.Write(types.ChannelAudio, types.L2Audio, []byte{1})
	assert.ErrorIs(t, err, errcode.FIFOFull)

	ap.PublishWrite(types.ChannelAudio)
	cmt.SyncReaderWrite(types.ChannelAudio)
	_, _, err = cmt.ReadNext(types.ChannelAudio, make([]byte, 16))
	require.NoError(t, err)
	cmt.PublishRead(types.ChannelAudio)

	assert.ErrorIs(t, ap.Write(types.ChannelAudio, types.L2Audio, []byte{1}), errcode.FIFOFull)
	ap.SyncWriterRead(types.ChannelAudio)
	assert.NoError(t, ap.Write(types.ChannelAudio, types.L2Audio, []byte{1}))
}

func TestOversizeFrameIsInvalid(t *testing.T) {
	ap, _ := newPair(t, 64)
	err := ap.Write(types.ChannelCommon, types.L2RPC, make([]byte, 61))
	assert.ErrorIs(t, err, errcode.InvalidPayload)
	assert.NotEqual(t, errcode.FIFOFull, errcode.Of(err))

	lr, lw, _ := ap.WriterPointers(types.ChannelCommon)
	assert.Equal(t, lr, lw, "rejected frame left data behind")

	// header plus 60 bytes fills an empty ring exactly
	assert.NoError(t, ap.Write(types.ChannelCommon, types.L2RPC, make([]byte, 60)))
}

func TestPointersAndPadding(t *testing.T) {
	ap, cmt := newPair(t, 64)
	require.NoError(t, ap.Write(types.ChannelCommon, types.L2ISI, []byte{1, 2, 3, 4, 5}))
	lr, lw, sw := ap.WriterPointers(types.ChannelCommon)
	assert.Equal(t, uint32(0), lr)
	assert.Equal(t, uint32(12), lw) // 4 header + 5 payload + 3 pad
	assert.Equal(t, uint32(0), sw)

	ap.PublishWrite(types.ChannelCommon)
	cmt.SyncReaderWrite(types.ChannelCommon)
	rr, rw, sr := cmt.ReaderPointers(types.ChannelCommon)
	assert.Equal(t, [3]uint32{0, 12, 0}, [3]uint32{rr, rw, sr})

	_, _, err := cmt.ReadNext(types.ChannelCommon, make([]byte, 8))
	require.NoError(t, err)
	cmt.PublishRead(types.ChannelCommon)
	rr, _, sr = cmt.ReaderPointers(types.ChannelCommon)
	assert.Equal(t, uint32(12), rr)
	assert.Equal(t, uint32(12), sr)
}

func TestReadErrors(t *testing.T) {
	ap, cmt := newPair(t, 64)
	_, _, err := cmt.ReadNext(types.ChannelCommon, make([]byte, 8))
	assert.Equal(t, errcode.InvalidState, errcode.Of(err))

	require.NoError(t, ap.Write(types.ChannelCommon, types.L2ISI, make([]byte, 20)))
	ap.PublishWrite(types.ChannelCommon)
	cmt.SyncReaderWrite(types.ChannelCommon)
	_, _, err = cmt.ReadNext(types.ChannelCommon, make([]byte, 8))
	assert.Equal(t, errcode.ProtocolCorruption, errcode.Of(err))
	assert.False(t, cmt.HasUnread(types.ChannelCommon), "oversized frame not skipped")
}

func TestInitResetsBothSides(t *testing.T) {
	ap, cmt := newPair(t, 64)
	require.NoError(t, cmt.Write(types.ChannelCommon, types.L2BootInfo, make([]byte, 8)))
	cmt.PublishWrite(types.ChannelCommon)
	ap.Init()
	ap.SyncReaderWrite(types.ChannelCommon)
	assert.False(t, ap.HasUnread(types.ChannelCommon))
	_, lw, _ := cmt.WriterPointers(types.ChannelCommon)
	assert.Equal(t, uint32(0), lw)
}

func TestNewRegionRejectsBadSize(t *testing.T) {
	_, err := NewRegion(Config{CommonSize: 100, AudioSize: 64})
	assert.Equal(t, errcode.InvalidParams, errcode.Of(err))
}
