// Package osc implements the OSC 1.0 message codec and a UDP control
// endpoint for the pipeline.
package osc

import (
	"encoding/binary"
	"fmt"
	"math"
)

type Message struct {
	Address string
	Args    []any
}

func pad(n int) int {
	return (4 - n%4) % 4
}

func appendString(buf []byte, s string) []byte {
	buf = append(buf, s...)
	buf = append(buf, 0)
	for range pad(len(s) + 1) {
		buf = append(buf, 0)
	}
	return buf
}

// Encode supports int32, float32, string, []byte, int64, float64, bool
// and nil arguments.
func (m *Message) Encode() ([]byte, error) {
	buf := appendString(nil, m.Address)

	typetag := []byte{','}
	for _, arg := range m.Args {
		switch v := arg.(type) {
		case int32:
			typetag = append(typetag, 'i')
		case float32:
			typetag = append(typetag, 'f')
		case string:
			typetag = append(typetag, 's')
		case []byte:
			typetag = append(typetag, 'b')
		case int64:
			typetag = append(typetag, 'h')
		case float64:
			typetag = append(typetag, 'd')
		case bool:
			if v {
				typetag = append(typetag, 'T')
			} else {
				typetag = append(typetag, 'F')
			}
		case nil:
			typetag = append(typetag, 'N')
		default:
			return nil, fmt.Errorf("osc: unsupported argument type %T", arg)
		}
	}
	buf = appendString(buf, string(typetag))

	for _, arg := range m.Args {
		switch v := arg.(type) {
		case int32:
			buf = binary.BigEndian.AppendUint32(buf, uint32(v))
		case float32:
			buf = binary.BigEndian.AppendUint32(buf, math.Float32bits(v))
		case string:
			buf = appendString(buf, v)
		case []byte:
			buf = binary.BigEndian.AppendUint32(buf, uint32(len(v)))
			buf = append(buf, v...)
			for range pad(len(v)) {
				buf = append(buf, 0)
			}
		case int64:
			buf = binary.BigEndian.AppendUint64(buf, uint64(v))
		case float64:
			buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(v))
		}
	}
	return buf, nil
}

func Decode(data []byte) (*Message, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("osc: message too short")
	}
	if data[0] != '/' {
		return nil, fmt.Errorf("osc: address must start with '/'")
	}

	end := 0
	for end < len(data) && data[end] != 0 {
		end++
	}
	m := &Message{Address: string(data[:end])}
	pos := end + 1 + pad(end+1)

	if pos >= len(data) || data[pos] != ',' {
		return m, nil
	}

	ttEnd := pos
	for ttEnd < len(data) && data[ttEnd] != 0 {
		ttEnd++
	}
	typetag := string(data[pos+1 : ttEnd])
	pos = ttEnd + 1 + pad(ttEnd-pos+1)

	for _, t := range typetag {
		switch t {
		case 'i':
			if pos+4 > len(data) {
				return m, fmt.Errorf("osc: truncated int32")
			}
			m.Args = append(m.Args, int32(binary.BigEndian.Uint32(data[pos:])))
			pos += 4
		case 'f':
			if pos+4 > len(data) {
				return m, fmt.Errorf("osc: truncated float32")
			}
			m.Args = append(m.Args, math.Float32frombits(binary.BigEndian.Uint32(data[pos:])))
			pos += 4
		case 's':
			end := pos
			for end < len(data) && data[end] != 0 {
				end++
			}
			if end >= len(data) {
				return m, fmt.Errorf("osc: unterminated string")
			}
			m.Args = append(m.Args, string(data[pos:end]))
			pos = end + 1 + pad(end-pos+1)
		case 'b':
			if pos+4 > len(data) {
				return m, fmt.Errorf("osc: truncated blob size")
			}
			size := int(binary.BigEndian.Uint32(data[pos:]))
			pos += 4
			if size < 0 || pos+size > len(data) {
				return m, fmt.Errorf("osc: truncated blob")
			}
			b := make([]byte, size)
			copy(b, data[pos:pos+size])
			m.Args = append(m.Args, b)
			pos += size + pad(size)
		case 'h':
			if pos+8 > len(data) {
				return m, fmt.Errorf("osc: truncated int64")
			}
			m.Args = append(m.Args, int64(binary.BigEndian.Uint64(data[pos:])))
			pos += 8
		case 'd':
			if pos+8 > len(data) {
				return m, fmt.Errorf("osc: truncated float64")
			}
			m.Args = append(m.Args, math.Float64frombits(binary.BigEndian.Uint64(data[pos:])))
			pos += 8
		case 'T':
			m.Args = append(m.Args, true)
		case 'F':
			m.Args = append(m.Args, false)
		case 'N':
			m.Args = append(m.Args, nil)
		default:
			return m, fmt.Errorf("osc: unknown type tag %q", t)
		}
	}
	return m, nil
}

// Float reads argument i as a number. Integers and booleans convert.
func (m *Message) Float(i int) (float64, bool) {
	if i >= len(m.Args) {
		return 0, false
	}
	switch v := m.Args[i].(type) {
	case float32:
		return float64(v), true
	case float64:
		return v, true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}
