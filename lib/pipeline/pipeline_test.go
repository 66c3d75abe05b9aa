package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ledstream/lib/bridge"
	"ledstream/lib/dmx"
	"ledstream/lib/fixture"
	"ledstream/lib/sampler"
	"ledstream/lib/source"
)

type fakeTransport struct {
	mu     sync.Mutex
	frames []*dmx.Frame
	err    error
	closed bool
	order  *[]string
}

func (f *fakeTransport) SendFrame(fr *dmx.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.frames = append(f.frames, fr)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	if f.order != nil {
		*f.order = append(*f.order, "transport")
	}
	return nil
}

func (f *fakeTransport) sent() []*dmx.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*dmx.Frame(nil), f.frames...)
}

type orderedSource struct {
	*source.Static
	order *[]string
}

func (s orderedSource) Close() error {
	*s.order = append(*s.order, "source")
	return nil
}

func solidFrame(r, g, b uint8) *sampler.Frame {
	f := sampler.NewFrame(8, 8)
	for y := range 8 {
		for x := range 8 {
			f.SetRGB(x, y, r, g, b)
		}
	}
	return f
}

func setupTest(t *testing.T) (*Pipeline, *source.Static, *fakeTransport) {
	t.Helper()
	src := source.NewStatic(solidFrame(200, 150, 150))
	tx := &fakeTransport{}
	p := New(src, tx, Options{Workers: 2})
	t.Cleanup(p.pool.Close)
	p.SetLayout(&fixture.Layout{
		Fixtures: []fixture.Fixture{
			{ID: "a", X: 0.1, Y: 0.1, Width: 0.5, Height: 0.1, Universe: 0, StartAddress: 1, LEDCount: 3},
			{ID: "b", X: 0.1, Y: 0.5, Width: 0.1, Height: 0.4, Universe: 1, StartAddress: 1, LEDCount: 2},
		},
		Brightness: 1,
	})
	return p, src, tx
}

func TestSampleThenTransmit(t *testing.T) {
	p, _, tx := setupTest(t)

	p.sampleTick()
	s := p.Latest()
	if s == nil || len(s.Colors) != 5 {
		t.Fatalf("got snapshot %+v, want 5 colours", s)
	}
	want := sampler.RGBW{R: 50, W: 150}
	for i, c := range s.Colors {
		if c != want {
			t.Errorf("led %d: got %v, want %v", i, c, want)
		}
	}

	p.transmitTick()
	frames := tx.sent()
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if n := len(frames[0].Universes); n != 2 {
		t.Fatalf("got %d universes, want 2", n)
	}
	u1 := frames[0].Universe(1)
	if u1.Data[0] != 50 || u1.Data[3] != 150 {
		t.Errorf("universe 1: got %v, want 50,0,0,150", u1.Data[:4])
	}
}

func TestBrightness(t *testing.T) {
	p, _, _ := setupTest(t)
	p.SetBrightness(0.5)
	p.sampleTick()
	if c := p.Latest().Colors[0]; c != (sampler.RGBW{R: 25, W: 75}) {
		t.Errorf("got %v, want 25,0,0,75", c)
	}
	p.SetBrightness(7)
	if p.Brightness() != 1 {
		t.Errorf("got %v, want clamp to 1", p.Brightness())
	}
}

func TestSourceNotReadySkips(t *testing.T) {
	p, src, tx := setupTest(t)
	p.sampleTick()
	first := p.Latest()

	src.Set(nil)
	p.sampleTick()
	if p.Latest() != first {
		t.Error("snapshot replaced while source not ready")
	}
	if st := p.Stats(); st.Skipped != 1 || st.Sampled != 1 {
		t.Errorf("got %+v, want 1 sampled 1 skipped", st)
	}

	// Transmit keeps sending the last good buffer.
	p.transmitTick()
	if len(tx.sent()) != 1 {
		t.Error("transmit did not reuse the previous buffer")
	}
}

func TestNoRebuildWhenOnlyFrameChanges(t *testing.T) {
	p, src, _ := setupTest(t)
	for i := range 20 {
		src.Set(solidFrame(uint8(i), 0, 0))
		p.sampleTick()
	}
	if st := p.Stats(); st.Rebuilds != 1 {
		t.Errorf("got %d rebuilds, want 1", st.Rebuilds)
	}

	l := *p.Layout()
	l.Fixtures = append([]fixture.Fixture(nil), l.Fixtures...)
	l.Fixtures[0].Rotation = 45
	p.SetLayout(&l)
	p.sampleTick()
	if st := p.Stats(); st.Rebuilds != 2 {
		t.Errorf("got %d rebuilds, want 2 after geometry change", st.Rebuilds)
	}
}

func TestBlackout(t *testing.T) {
	p, _, tx := setupTest(t)
	p.SetBlackout(true)
	p.sampleTick()
	p.transmitTick()

	frames := tx.sent()
	if len(frames) != 1 || len(frames[0].Universes) != 2 {
		t.Fatalf("got %d frames, want 1 with 2 universes", len(frames))
	}
	for _, u := range frames[0].Universes {
		if u.Data != [dmx.UniverseSize]byte{} {
			t.Errorf("universe %d not dark", u.Index)
		}
	}
}

func TestDroppedFrames(t *testing.T) {
	p, _, tx := setupTest(t)
	p.sampleTick()
	tx.err = bridge.ErrBackpressure
	p.transmitTick()
	tx.err = errors.New("boom")
	p.transmitTick()
	if st := p.Stats(); st.Dropped != 2 || st.Sent != 0 {
		t.Errorf("got %+v, want 2 dropped", st)
	}
}

func TestEmptyLayout(t *testing.T) {
	p, _, tx := setupTest(t)
	p.SetLayout(&fixture.Layout{Brightness: 1})
	p.sampleTick()
	p.transmitTick()
	if len(tx.sent()) != 0 {
		t.Error("sent a frame for an empty layout")
	}
}

func TestSubscribe(t *testing.T) {
	p, _, _ := setupTest(t)
	ch, unsub := p.Subscribe()
	p.sampleTick()
	select {
	case s := <-ch:
		if len(s.Colors) != 5 {
			t.Errorf("got %d colours, want 5", len(s.Colors))
		}
	default:
		t.Fatal("no snapshot delivered")
	}
	unsub()
	p.sampleTick()
	select {
	case <-ch:
		t.Error("snapshot delivered after unsubscribe")
	default:
	}
}

func TestRunClosesSourceThenTransport(t *testing.T) {
	var order []string
	src := orderedSource{Static: source.NewStatic(solidFrame(255, 0, 0)), order: &order}
	tx := &fakeTransport{order: &order}
	p := New(src, tx, Options{SampleRate: 200, TransmitRate: 100, Workers: 1})
	p.SetLayout(fixture.GenerateGrid(2, 2, 10))

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for len(tx.sent()) < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if len(tx.sent()) < 3 {
		t.Errorf("got %d frames, want at least 3", len(tx.sent()))
	}
	if len(order) != 2 || order[0] != "source" || order[1] != "transport" {
		t.Errorf("got close order %v, want [source transport]", order)
	}
}

func TestFixtureColors(t *testing.T) {
	s := &Snapshot{
		Layout: &fixture.Layout{Fixtures: []fixture.Fixture{
			{ID: "a", LEDCount: 2},
			{ID: "off", LEDCount: 0},
			{ID: "b", LEDCount: 1},
		}},
		Colors: []sampler.RGBW{{R: 255}, {R: 255}, {B: 255}},
	}
	got := s.FixtureColors()
	if len(got) != 3 {
		t.Fatalf("got %d colours, want 3", len(got))
	}
	for i, want := range []string{"#ff0000", "#000000", "#0000ff"} {
		if got[i].Hex() != want {
			t.Errorf("fixture %d: got %s, want %s", i, got[i].Hex(), want)
		}
	}
	if (&Snapshot{}).FixtureColors() != nil {
		t.Error("expected nil without a layout")
	}
}
