// Package shmfifo frames messages over the shared-memory rings of one link.
// A Region holds both directions of both channels; each processor accesses it
// through its own Endpoint.
package shmfifo

import (
	"encoding/binary"
	"fmt"

	"modemlink-go/errcode"
	"modemlink-go/types"
	"modemlink-go/x/shmring"
)

const (
	headerSize = 4
	// MaxPayload is bounded by the 24-bit length field.
	MaxPayload = 1<<24 - 1
)

// Side selects which processor an endpoint belongs to.
type Side uint8

const (
	SideAP Side = iota
	SideCMT
)

func (s Side) String() string {
	if s == SideAP {
		return "ap"
	}
	return "cmt"
}

type Config struct {
	CommonSize int
	AudioSize  int
}

func DefaultConfig() Config {
	return Config{CommonSize: 64 << 10, AudioSize: 16 << 10}
}

// Region is the shared memory of one link.
type Region struct {
	rings [types.NumChannels][2]*shmring.Ring // [channel][writer side]
}

func NewRegion(cfg Config) (r *Region, err error) {
	defer func() {
		if p := recover(); p != nil {
			r, err = nil, errcode.New(errcode.InvalidParams, "shmfifo.new", fmt.Sprint(p))
		}
	}()
	r = &Region{}
	sizes := [types.NumChannels]int{cfg.CommonSize, cfg.AudioSize}
	for ch, size := range sizes {
		r.rings[ch][SideAP] = shmring.New(size)
		r.rings[ch][SideCMT] = shmring.New(size)
	}
	return r, nil
}

// Endpoint returns the view of the region seen by side.
func (r *Region) Endpoint(side Side) *Endpoint {
	return &Endpoint{side: side, region: r}
}

// Endpoint is one processor's access to the region.
type Endpoint struct {
	side   Side
	region *Region
}

func (e *Endpoint) Side() Side { return e.side }

func (e *Endpoint) tx(ch types.Channel) *shmring.Ring { return e.region.rings[ch][e.side] }
func (e *Endpoint) rx(ch types.Channel) *shmring.Ring { return e.region.rings[ch][e.side^1] }

// Init resets every ring of the region, both directions.
func (e *Endpoint) Init() {
	for ch := range e.region.rings {
		e.region.rings[ch][SideAP].Reset()
		e.region.rings[ch][SideCMT].Reset()
	}
}

// Write appends one framed message to the outbound ring of ch. The message
// stays invisible to the peer until PublishWrite. A frame that cannot fit even
// an empty ring is an invalid payload, not a full FIFO.
func (e *Endpoint) Write(ch types.Channel, tag uint8, p []byte) error {
	if ch >= types.NumChannels {
		return errcode.New(errcode.InvalidParams, "shmfifo.write", "unknown channel")
	}
	if len(p) > MaxPayload {
		return errcode.New(errcode.InvalidPayload, "shmfifo.write", "payload too large")
	}
	ring := e.tx(ch)
	if headerSize+len(p)+padLen(len(p)) > ring.Size() {
		return errcode.New(errcode.InvalidPayload, "shmfifo.write", "frame larger than fifo")
	}
	var hdr [headerSize]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(p))<<8|uint32(tag))
	var pad [3]byte
	if !ring.TryWrite(hdr[:], p, pad[:padLen(len(p))]) {
		return errcode.New(errcode.FIFOFull, "shmfifo.write", ch.String())
	}
	return nil
}

// ReadNext consumes one message from the inbound ring of ch into dst.
func (e *Endpoint) ReadNext(ch types.Channel, dst []byte) (tag uint8, n int, err error) {
	if ch >= types.NumChannels {
		return 0, 0, errcode.New(errcode.InvalidParams, "shmfifo.read", "unknown channel")
	}
	r := e.rx(ch)
	avail := r.Unread()
	if avail == 0 {
		return 0, 0, errcode.New(errcode.InvalidState, "shmfifo.read", "fifo empty")
	}
	if avail < headerSize {
		return 0, 0, errcode.New(errcode.ProtocolCorruption, "shmfifo.read", "truncated header")
	}
	var hdr [headerSize]byte
	r.Read(hdr[:])
	word := binary.LittleEndian.Uint32(hdr[:])
	tag, n = uint8(word), int(word>>8)
	body := n + padLen(n)
	if avail-headerSize < body {
		return tag, 0, errcode.New(errcode.ProtocolCorruption, "shmfifo.read", "truncated frame")
	}
	if n > len(dst) {
		r.Discard(body)
		return tag, 0, errcode.New(errcode.ProtocolCorruption, "shmfifo.read", "message exceeds buffer")
	}
	r.Read(dst[:n])
	r.Discard(body - n)
	return tag, n, nil
}

// HasUnread reports whether published inbound data remains unconsumed.
func (e *Endpoint) HasUnread(ch types.Channel) bool { return e.rx(ch).Unread() > 0 }

func (e *Endpoint) WriterPointers(ch types.Channel) (localRead, localWrite, sharedWrite uint32) {
	return e.tx(ch).WriterView()
}

func (e *Endpoint) ReaderPointers(ch types.Channel) (localRead, localWrite, sharedRead uint32) {
	return e.rx(ch).ReaderView()
}

func (e *Endpoint) SyncWriterRead(ch types.Channel)  { e.tx(ch).SyncRead() }
func (e *Endpoint) PublishWrite(ch types.Channel)    { e.tx(ch).PublishWrite() }
func (e *Endpoint) SyncReaderWrite(ch types.Channel) { e.rx(ch).SyncWrite() }
func (e *Endpoint) PublishRead(ch types.Channel)     { e.rx(ch).PublishRead() }

func padLen(n int) int { return (4 - n&3) & 3 }
