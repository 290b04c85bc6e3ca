package types

import (
	"encoding/binary"

	"modemlink-go/errcode"
)

// BootInfoSize is the encoded size of a BootInfo record.
const BootInfoSize = 8

// BootInfo is the record exchanged during the handshake.
type BootInfo struct {
	Config  uint32 `json:"config"`
	Version uint32 `json:"version"`
}

// Encode returns the little-endian wire form.
func (b BootInfo) Encode() []byte {
	out := make([]byte, BootInfoSize)
	binary.LittleEndian.PutUint32(out[0:4], b.Config)
	binary.LittleEndian.PutUint32(out[4:8], b.Version)
	return out
}

// DecodeBootInfo parses a record; short input is a protocol corruption.
func DecodeBootInfo(p []byte) (BootInfo, error) {
	if len(p) < BootInfoSize {
		return BootInfo{}, errcode.New(errcode.ProtocolCorruption, "bootinfo.decode", "short record")
	}
	return BootInfo{
		Config:  binary.LittleEndian.Uint32(p[0:4]),
		Version: binary.LittleEndian.Uint32(p[4:8]),
	}, nil
}
