// Package artnet encodes ArtDMX (OpOutput) packets.
package artnet

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync/atomic"
)

const (
	Port       = 6454
	OpOutput   = 0x5000
	ProtVer    = 14
	HeaderSize = 18
	MaxData    = 512
)

var id = []byte("Art-Net\x00")

// Encode builds an OpOutput packet for universe. data longer than 512 bytes
// is truncated.
func Encode(seq uint8, universe int, data []byte) []byte {
	if len(data) > MaxData {
		data = data[:MaxData]
	}
	buf := make([]byte, HeaderSize+len(data))
	copy(buf, id)
	binary.LittleEndian.PutUint16(buf[8:], OpOutput)
	binary.BigEndian.PutUint16(buf[10:], ProtVer)
	buf[12] = seq
	buf[13] = 0
	binary.LittleEndian.PutUint16(buf[14:], uint16(universe)&0x7FFF)
	binary.BigEndian.PutUint16(buf[16:], uint16(len(data)))
	copy(buf[HeaderSize:], data)
	return buf
}

type Packet struct {
	Sequence uint8
	Physical uint8
	Universe int
	Data     []byte
}

func Parse(buf []byte) (*Packet, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("artnet: short packet (%d bytes)", len(buf))
	}
	if !bytes.Equal(buf[:8], id) {
		return nil, fmt.Errorf("artnet: bad id %q", buf[:8])
	}
	if op := binary.LittleEndian.Uint16(buf[8:]); op != OpOutput {
		return nil, fmt.Errorf("artnet: unsupported opcode 0x%04x", op)
	}
	if v := binary.BigEndian.Uint16(buf[10:]); v < ProtVer {
		return nil, fmt.Errorf("artnet: protocol version %d < %d", v, ProtVer)
	}
	n := int(binary.BigEndian.Uint16(buf[16:]))
	if n > MaxData || HeaderSize+n > len(buf) {
		return nil, fmt.Errorf("artnet: length %d does not fit %d-byte packet", n, len(buf))
	}
	return &Packet{
		Sequence: buf[12],
		Physical: buf[13],
		Universe: int(binary.LittleEndian.Uint16(buf[14:]) & 0x7FFF),
		Data:     buf[HeaderSize : HeaderSize+n],
	}, nil
}

// Sequence hands out one sequence number per transmitted frame, shared by
// every universe of that frame. It counts 1, 2, ... 255, 0, 1.
type Sequence struct {
	n atomic.Uint32
}

func (s *Sequence) Next() uint8 {
	return uint8(s.n.Add(1))
}
