package xtouch

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"

	"ledstream/lib/bridge"
	"ledstream/lib/ledlog"
	"ledstream/lib/pipeline"
	"ledstream/lib/sampler"
)

// Buttons on the first channel strip.
const (
	ButtonBlackout   = 0  // REC
	ButtonConnect    = 8  // SOLO
	ButtonDisconnect = 16 // MUTE
)

const (
	lcdStatus     = 0
	lcdBrightness = 1
	meterLevel    = 0
	syncPeriod    = 250 * time.Millisecond
)

type Controller interface {
	SetBrightness(float64)
	Brightness() float64
	SetBlackout(bool)
	Blackout() bool
}

type Link interface {
	Connect()
	Disconnect()
}

// Surface maps the master fader to global brightness, the jog wheel to
// fine brightness steps and the first strip's buttons to blackout and
// bridge control. The first scribble strip shows the bridge state and its
// meter the output level.
type Surface struct {
	out  *Output
	ctrl Controller
	link Link

	mu       sync.Mutex
	touched  bool
	shown    uint8
	metered  uint8
	blackout bool
}

func NewSurface(out *Output, ctrl Controller, link Link) *Surface {
	return &Surface{out: out, ctrl: ctrl, link: link, shown: math.MaxUint8, metered: math.MaxUint8}
}

func toFader(b float64) uint8 {
	return uint8(math.Round(math.Max(0, math.Min(1, b)) * 127))
}

func fromFader(v uint8) float64 {
	return float64(v) / 127
}

// Handle applies one decoded event.
func (s *Surface) Handle(ev Event) {
	switch e := ev.(type) {
	case FaderTouchEvent:
		if e.Fader == FaderMain {
			s.mu.Lock()
			s.touched = e.Touched
			s.mu.Unlock()
		}
	case FaderEvent:
		if e.Fader != FaderMain {
			return
		}
		s.ctrl.SetBrightness(fromFader(e.Value))
		s.mu.Lock()
		s.shown = e.Value
		s.mu.Unlock()
		s.showBrightness(e.Value)
	case JogWheelEvent:
		step := 1.0 / 127
		if !e.Clockwise {
			step = -step
		}
		s.ctrl.SetBrightness(s.ctrl.Brightness() + step)
		s.Sync()
	case ButtonEvent:
		if !e.Pressed {
			return
		}
		switch e.Button {
		case ButtonBlackout:
			s.ctrl.SetBlackout(!s.ctrl.Blackout())
			s.Sync()
		case ButtonConnect:
			if s.link != nil {
				s.link.Connect()
			}
		case ButtonDisconnect:
			if s.link != nil {
				s.link.Disconnect()
			}
		}
	}
}

// Sync moves the master fader and blackout LED to match the controller.
// The fader is left alone while it is being touched.
func (s *Surface) Sync() error {
	v := toFader(s.ctrl.Brightness())
	blackout := s.ctrl.Blackout()

	s.mu.Lock()
	moveFader := !s.touched && v != s.shown
	if moveFader {
		s.shown = v
	}
	setLED := blackout != s.blackout
	s.blackout = blackout
	s.mu.Unlock()

	if moveFader {
		if err := s.out.SetFader(FaderMain, v); err != nil {
			return err
		}
		if err := s.showBrightness(v); err != nil {
			return err
		}
	}
	if setLED {
		state := LEDOff
		if blackout {
			state = LEDFlash
		}
		return s.out.SetButtonLED(ButtonBlackout, state)
	}
	return nil
}

func (s *Surface) showBrightness(v uint8) error {
	return s.out.SetLCD(lcdBrightness, ColorWhite, "Bright", fmt.Sprintf("%d%%", int(math.Round(fromFader(v)*100))))
}

func statusColor(st bridge.State) LCDColor {
	switch st {
	case bridge.Connected:
		return ColorGreen
	case bridge.Connecting:
		return ColorYellow
	}
	return ColorRed
}

// ShowStatus writes the bridge state to the first scribble strip and lights
// the connect button while connected.
func (s *Surface) ShowStatus(st bridge.Status) error {
	lower := st.State.String()
	if st.Err != nil && st.State == bridge.Disconnected {
		lower = "error"
	}
	if err := s.out.SetLCD(lcdStatus, statusColor(st.State), "Bridge", lower); err != nil {
		return err
	}
	led := LEDOff
	switch st.State {
	case bridge.Connected:
		led = LEDOn
	case bridge.Connecting:
		led = LEDFlash
	}
	return s.out.SetButtonLED(ButtonConnect, led)
}

// ShowLevel meters the mean of each LED's strongest channel. Unchanged
// levels are not resent.
func (s *Surface) ShowLevel(colors []sampler.RGBW) error {
	v := level(colors)
	s.mu.Lock()
	changed := v != s.metered
	s.metered = v
	s.mu.Unlock()
	if !changed {
		return nil
	}
	return s.out.SetMeter(meterLevel, v)
}

func level(colors []sampler.RGBW) uint8 {
	if len(colors) == 0 {
		return 0
	}
	sum := 0
	for _, c := range colors {
		sum += int(max(c.R, c.G, c.B, c.W))
	}
	return uint8(sum * 127 / (255 * len(colors)))
}

// Run listens on in until ctx is done, applying events and mirroring
// controller state, bridge state and output level back to the surface.
func (s *Surface) Run(ctx context.Context, in drivers.In, status <-chan bridge.Status, frames <-chan *pipeline.Snapshot) error {
	stop, err := midi.ListenTo(in, func(msg midi.Message, _ int32) {
		if ev := Decode(msg); ev != nil {
			ledlog.Logger().Debug("xtouch: event", "event", ev.String())
			s.Handle(ev)
		}
	})
	if err != nil {
		return fmt.Errorf("xtouch: listen: %w", err)
	}
	defer stop()

	ticker := time.NewTicker(syncPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case st := <-status:
			if err := s.ShowStatus(st); err != nil {
				ledlog.Logger().Warn("xtouch: status not shown", "err", err)
			}
		case snap := <-frames:
			if err := s.ShowLevel(snap.Colors); err != nil {
				ledlog.Logger().Debug("xtouch: meter not set", "err", err)
			}
		case <-ticker.C:
			if err := s.Sync(); err != nil {
				ledlog.Logger().Warn("xtouch: sync failed", "err", err)
			}
		}
	}
}
