package main

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	colorful "github.com/lucasb-eyer/go-colorful"

	"ledstream/lib/fixture"
	"ledstream/lib/ledlog"
	"ledstream/lib/monitor"
	"ledstream/lib/pipeline"
	"ledstream/lib/sampler"
)

// viewer turns daemon frames into per-fixture colours for the hub.
type viewer struct {
	hub    *Hub
	layout atomic.Pointer[fixture.Layout]
}

func newViewer(hub *Hub, l *fixture.Layout) *viewer {
	v := &viewer{hub: hub}
	v.layout.Store(l)
	return v
}

func frameUpdate(l *fixture.Layout, seq uint64, colors []sampler.RGBW) *Update {
	s := &pipeline.Snapshot{Seq: seq, Layout: l, Colors: colors}
	u := &Update{Type: "frame", Seq: seq, Fixtures: []FixtureColor{}}
	for i, c := range s.FixtureColors() {
		f := &l.Fixtures[i]
		u.Fixtures = append(u.Fixtures, FixtureColor{
			ID:       f.ID,
			Name:     f.Name,
			X:        f.X,
			Y:        f.Y,
			Width:    f.Width,
			Height:   f.Height,
			Rotation: f.Rotation,
			Color:    c.Hex(),
		})
	}
	return u
}

func (v *viewer) frame(seq uint64, colors []sampler.RGBW) {
	l := v.layout.Load()
	if want := l.LEDCount(); len(colors) != want {
		ledlog.Logger().Debug("ledpreview: frame does not match project", "leds", len(colors), "want", want)
	}
	if err := v.hub.Broadcast(frameUpdate(l, seq, colors)); err != nil {
		ledlog.Logger().Warn("ledpreview: broadcast failed", "err", err)
	}
}

func (v *viewer) status(st monitor.StatusMessage) {
	if err := v.hub.Broadcast(&Update{Type: "status", State: st.State, Error: st.Error}); err != nil {
		ledlog.Logger().Warn("ledpreview: broadcast failed", "err", err)
	}
}

func (v *viewer) follow(sub monitor.Subscriber, prefix string) error {
	return monitor.Follow(sub, prefix,
		func(f *monitor.FrameMessage) { v.frame(f.Seq, f.RGBW()) },
		v.status)
}

// rainbow colours n LEDs with a hue sweep that moves with t.
func rainbow(n int, t time.Duration) []sampler.RGBW {
	out := make([]sampler.RGBW, n)
	shift := t.Seconds() * 90
	for i := range out {
		hue := math.Mod(shift+float64(i)*360/float64(n), 360)
		r, g, b := colorful.Hsv(hue, 1, 1).RGB255()
		out[i] = sampler.FromRGB(r, g, b, 1)
	}
	return out
}

// runMock feeds a moving rainbow until ctx is done.
func (v *viewer) runMock(ctx context.Context, period time.Duration) {
	v.status(monitor.StatusMessage{State: "mock", Connected: true})
	start := time.Now()
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			seq++
			v.frame(seq, rainbow(v.layout.Load().LEDCount(), now.Sub(start)))
		}
	}
}
