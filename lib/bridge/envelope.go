package bridge

import (
	"encoding/json"
	"fmt"
)

const EnvelopeType = "broadcast-artnet"

// Envelope is the message the relay turns into one UDP datagram to
// Host:Port. Data is the raw ArtNet packet as a JSON array of integers.
type Envelope struct {
	Type string `json:"type"`
	Host string `json:"host"`
	Port int    `json:"port"`
	Data []int  `json:"data"`
}

func NewEnvelope(host string, port int, packet []byte) Envelope {
	data := make([]int, len(packet))
	for i, b := range packet {
		data[i] = int(b)
	}
	return Envelope{Type: EnvelopeType, Host: host, Port: port, Data: data}
}

func (e *Envelope) Packet() ([]byte, error) {
	out := make([]byte, len(e.Data))
	for i, v := range e.Data {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("bridge: data[%d] = %d out of byte range", i, v)
		}
		out[i] = byte(v)
	}
	return out, nil
}

func DecodeEnvelope(msg []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(msg, &e); err != nil {
		return nil, fmt.Errorf("bridge: decode envelope: %w", err)
	}
	if e.Type != EnvelopeType {
		return nil, fmt.Errorf("bridge: unexpected envelope type %q", e.Type)
	}
	return &e, nil
}
