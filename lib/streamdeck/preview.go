package streamdeck

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"sync"
	"time"

	colorful "github.com/lucasb-eyer/go-colorful"

	"ledstream/lib/bridge"
	"ledstream/lib/ledlog"
	"ledstream/lib/pipeline"
)

const (
	framePeriod    = 100 * time.Millisecond
	brightnessStep = 0.01
	labelChars     = 13
)

// Panel is the part of Device the preview draws on.
type Panel interface {
	Model() *Model
	SetKeyImage(key int, img image.Image) error
}

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

var (
	colorOK      = colorful.Color{R: 0.1, G: 0.6, B: 0.2}
	colorPending = colorful.Color{R: 0.8, G: 0.6, B: 0}
	colorFault   = colorful.Color{R: 0.7, G: 0.1, B: 0.1}
	colorIdle    = colorful.Color{R: 0.15, G: 0.15, B: 0.15}
)

// Preview shows the average colour of each fixture on its own key. The
// last key shows the bridge state and toggles the connection; the one
// before it toggles blackout. Dials adjust brightness and pressing one
// toggles blackout.
type Preview struct {
	panel Panel
	ctrl  Controller
	link  Link

	mu        sync.Mutex
	drawn     map[int]string
	connected bool
}

func NewPreview(panel Panel, ctrl Controller, link Link) *Preview {
	return &Preview{panel: panel, ctrl: ctrl, link: link, drawn: map[int]string{}}
}

func (p *Preview) statusKey() int   { return p.panel.Model().Keys - 1 }
func (p *Preview) blackoutKey() int { return p.panel.Model().Keys - 2 }

// FixtureKeys is the number of keys available for fixtures.
func (p *Preview) FixtureKeys() int { return max(p.panel.Model().Keys-2, 0) }

// textColor picks black or white for legibility on bg.
func textColor(bg colorful.Color) color.Color {
	if l, _, _ := bg.Lab(); l > 0.6 {
		return color.Black
	}
	return color.White
}

func label(s string) string {
	if len(s) > labelChars {
		return s[:labelChars]
	}
	return s
}

// draw renders a key unless it already shows the same content.
func (p *Preview) draw(key int, bg colorful.Color, lines ...string) error {
	id := fmt.Sprint(bg.Hex(), lines)
	p.mu.Lock()
	same := p.drawn[key] == id
	p.mu.Unlock()
	if same {
		return nil
	}

	img := TextImage(p.panel.Model().KeySize, bg, textColor(bg), lines...)
	if err := p.panel.SetKeyImage(key, img); err != nil {
		return err
	}
	p.mu.Lock()
	p.drawn[key] = id
	p.mu.Unlock()
	return nil
}

// ShowFrame updates the fixture keys from a snapshot. Fixtures beyond the
// available keys are not shown.
func (p *Preview) ShowFrame(s *pipeline.Snapshot) error {
	colors := s.FixtureColors()
	for key := range p.FixtureKeys() {
		if key >= len(colors) {
			if err := p.draw(key, colorful.Color{}); err != nil {
				return err
			}
			continue
		}
		f := s.Layout.Fixtures[key]
		name := f.Name
		if name == "" {
			name = f.ID
		}
		if err := p.draw(key, colors[key], label(name), colors[key].Hex()); err != nil {
			return err
		}
	}
	return nil
}

func (p *Preview) ShowStatus(st bridge.Status) error {
	p.mu.Lock()
	p.connected = st.State != bridge.Disconnected
	p.mu.Unlock()

	bg := colorFault
	switch {
	case st.State == bridge.Connected:
		bg = colorOK
	case st.State == bridge.Connecting:
		bg = colorPending
	case st.Err == nil:
		bg = colorIdle
	}
	return p.draw(p.statusKey(), bg, "bridge", st.State.String())
}

func (p *Preview) ShowControls() error {
	bg := colorIdle
	if p.ctrl.Blackout() {
		bg = colorFault
	}
	return p.draw(p.blackoutKey(), bg, "blackout", fmt.Sprintf("%.0f%%", p.ctrl.Brightness()*100))
}

// Handle applies one input event.
func (p *Preview) Handle(ev InputEvent) {
	switch {
	case ev.IsEncoder() && ev.Delta != 0:
		p.ctrl.SetBrightness(p.ctrl.Brightness() + float64(ev.Delta)*brightnessStep)
	case ev.IsEncoder() && ev.Pressed, !ev.IsEncoder() && ev.Pressed && ev.Key == p.blackoutKey():
		p.ctrl.SetBlackout(!p.ctrl.Blackout())
	case !ev.IsEncoder() && ev.Pressed && ev.Key == p.statusKey():
		if p.link == nil {
			return
		}
		p.mu.Lock()
		connected := p.connected
		p.mu.Unlock()
		if connected {
			p.link.Disconnect()
		} else {
			p.link.Connect()
		}
	default:
		return
	}
	if err := p.ShowControls(); err != nil {
		ledlog.Logger().Warn("streamdeck: controls not shown", "err", err)
	}
}

// Run redraws the deck from frames and status changes until ctx is done.
// Frames are throttled to ten redraws a second.
func (p *Preview) Run(ctx context.Context, frames <-chan *pipeline.Snapshot, status <-chan bridge.Status, input <-chan InputEvent) {
	if err := p.ShowControls(); err != nil {
		ledlog.Logger().Warn("streamdeck: controls not shown", "err", err)
	}
	var lastFrame time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-frames:
			if time.Since(lastFrame) < framePeriod {
				continue
			}
			lastFrame = time.Now()
			if err := p.ShowFrame(s); err != nil {
				ledlog.Logger().Warn("streamdeck: frame not shown", "err", err)
			}
			if err := p.ShowControls(); err != nil {
				ledlog.Logger().Warn("streamdeck: controls not shown", "err", err)
			}
		case st := <-status:
			if err := p.ShowStatus(st); err != nil {
				ledlog.Logger().Warn("streamdeck: status not shown", "err", err)
			}
		case ev := <-input:
			p.Handle(ev)
		}
	}
}
