// Package xtouch drives a Behringer X-Touch in MIDI mode as a hardware
// brightness and bridge control surface.
package xtouch

import (
	"fmt"
	"strings"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
)

const (
	DeviceIDXTouch   = 0x14
	DeviceIDExtender = 0x15
)

const (
	CCFaderFirst   = 70
	CCFaderLast    = 77
	CCFaderMain    = 78
	CCEncoderFirst = 80
	CCEncoderLast  = 87
	CCJogWheel     = 88
	CCMeterFirst   = 90
)

const (
	NoteButtonFirst     = 0
	NoteButtonLast      = 103
	NoteFaderTouchFirst = 110
	NoteFaderTouchLast  = 117
	NoteFaderTouchMain  = 118
)

// FaderMain is the fader index of the master fader.
const FaderMain = 8

type Event interface {
	String() string
}

type ButtonEvent struct {
	Button  uint8
	Pressed bool
}

func (e ButtonEvent) String() string {
	action := "released"
	if e.Pressed {
		action = "pressed"
	}
	return fmt.Sprintf("button %d %s", e.Button, action)
}

type FaderEvent struct {
	Fader uint8
	Value uint8
}

func (e FaderEvent) String() string {
	return fmt.Sprintf("%s = %d", faderLabel(e.Fader), e.Value)
}

type FaderTouchEvent struct {
	Fader   uint8
	Touched bool
}

func (e FaderTouchEvent) String() string {
	action := "released"
	if e.Touched {
		action = "touched"
	}
	return fmt.Sprintf("%s %s", faderLabel(e.Fader), action)
}

func faderLabel(f uint8) string {
	if f == FaderMain {
		return "fader main"
	}
	return fmt.Sprintf("fader %d", f)
}

type EncoderEvent struct {
	Encoder uint8
	Delta   int
}

func (e EncoderEvent) String() string {
	return fmt.Sprintf("encoder %d %+d", e.Encoder, e.Delta)
}

type JogWheelEvent struct {
	Clockwise bool
}

func (e JogWheelEvent) String() string {
	if e.Clockwise {
		return "jog wheel cw"
	}
	return "jog wheel ccw"
}

// FindPorts returns the first input and output ports whose names contain
// substr, case-insensitively.
func FindPorts(substr string) (drivers.In, drivers.Out, error) {
	lower := strings.ToLower(substr)
	var in drivers.In
	for _, port := range midi.GetInPorts() {
		if strings.Contains(strings.ToLower(port.String()), lower) {
			in = port
			break
		}
	}
	if in == nil {
		return nil, nil, fmt.Errorf("xtouch: no MIDI input port matching %q", substr)
	}
	for _, port := range midi.GetOutPorts() {
		if strings.Contains(strings.ToLower(port.String()), lower) {
			return in, port, nil
		}
	}
	return nil, nil, fmt.Errorf("xtouch: no MIDI output port matching %q", substr)
}

// Decode maps a raw MIDI message to a surface event, or nil. Encoders are
// read in relative mode.
func Decode(msg midi.Message) Event {
	var channel, a, b uint8
	switch {
	case msg.Is(midi.NoteOnMsg):
		msg.GetNoteOn(&channel, &a, &b)
		return decodeNote(a, b > 0)
	case msg.Is(midi.NoteOffMsg):
		msg.GetNoteOff(&channel, &a, &b)
		return decodeNote(a, false)
	case msg.Is(midi.ControlChangeMsg):
		msg.GetControlChange(&channel, &a, &b)
		return decodeCC(a, b)
	}
	return nil
}

func decodeNote(key uint8, on bool) Event {
	switch {
	case key <= NoteButtonLast:
		return ButtonEvent{Button: key, Pressed: on}
	case key >= NoteFaderTouchFirst && key <= NoteFaderTouchLast:
		return FaderTouchEvent{Fader: key - NoteFaderTouchFirst, Touched: on}
	case key == NoteFaderTouchMain:
		return FaderTouchEvent{Fader: FaderMain, Touched: on}
	}
	return nil
}

func decodeCC(controller, value uint8) Event {
	switch {
	case controller >= CCFaderFirst && controller <= CCFaderLast:
		return FaderEvent{Fader: controller - CCFaderFirst, Value: value}
	case controller == CCFaderMain:
		return FaderEvent{Fader: FaderMain, Value: value}
	case controller >= CCEncoderFirst && controller <= CCEncoderLast:
		delta := 0
		switch value {
		case 65:
			delta = 1
		case 1:
			delta = -1
		}
		return EncoderEvent{Encoder: controller - CCEncoderFirst, Delta: delta}
	case controller == CCJogWheel:
		return JogWheelEvent{Clockwise: value == 65}
	}
	return nil
}
