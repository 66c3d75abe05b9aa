// Package pipeline runs the sample and transmit loops that drive the LEDs.
package pipeline

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	colorful "github.com/lucasb-eyer/go-colorful"

	"ledstream/lib/bridge"
	"ledstream/lib/dmx"
	"ledstream/lib/fixture"
	"ledstream/lib/ledlog"
	"ledstream/lib/mapping"
	"ledstream/lib/sampler"
	"ledstream/lib/source"
)

const (
	DefaultSampleRate   = 60
	DefaultTransmitRate = 44
)

// Transport takes one multiplexed frame per transmit tick.
type Transport interface {
	SendFrame(*dmx.Frame) error
	Close() error
}

type Options struct {
	SampleRate   float64
	TransmitRate float64
	Workers      int
}

// Snapshot is one completed sample pass: the colours and the layout they
// were computed for. Snapshots are shared read-only between goroutines.
type Snapshot struct {
	Seq    uint64
	Time   time.Time
	Layout *fixture.Layout
	Colors []sampler.RGBW
}

// FixtureColors returns the average displayed colour of each fixture in
// the snapshot's layout.
func (s *Snapshot) FixtureColors() []colorful.Color {
	if s.Layout == nil {
		return nil
	}
	out := make([]colorful.Color, len(s.Layout.Fixtures))
	pos := 0
	for i, f := range s.Layout.Fixtures {
		end := min(pos+max(f.LEDCount, 0), len(s.Colors))
		out[i] = sampler.Average(s.Colors[pos:end])
		pos = end
	}
	return out
}

type Stats struct {
	Sampled  uint64 `json:"sampled"`
	Sent     uint64 `json:"sent"`
	Skipped  uint64 `json:"skipped"`
	Dropped  uint64 `json:"dropped"`
	Faults   uint64 `json:"faults"`
	Rebuilds int64  `json:"rebuilds"`
}

type Pipeline struct {
	src    source.Provider
	tx     Transport
	opts   Options
	pool   *sampler.Pool
	engine *sampler.Engine

	// Only the sample loop touches the mapper.
	mapper mapping.Mapper

	layout     atomic.Pointer[fixture.Layout]
	brightness atomic.Uint64
	blackout   atomic.Bool
	latest     atomic.Pointer[Snapshot]
	seq        uint64

	sampled atomic.Uint64
	sent    atomic.Uint64
	skipped atomic.Uint64
	dropped atomic.Uint64
	faults  atomic.Uint64

	mu      sync.Mutex
	subs    map[int]chan *Snapshot
	nextSub int
}

func New(src source.Provider, tx Transport, opts Options) *Pipeline {
	if opts.SampleRate <= 0 {
		opts.SampleRate = DefaultSampleRate
	}
	if opts.TransmitRate <= 0 {
		opts.TransmitRate = DefaultTransmitRate
	}
	pool := sampler.NewPool(opts.Workers)
	p := &Pipeline{
		src:    src,
		tx:     tx,
		opts:   opts,
		pool:   pool,
		engine: sampler.NewEngine(pool),
		subs:   map[int]chan *Snapshot{},
	}
	p.SetBrightness(1)
	return p
}

// SetLayout replaces the fixture layout, including its brightness. l must
// not be modified afterwards.
func (p *Pipeline) SetLayout(l *fixture.Layout) {
	p.layout.Store(l)
	if l != nil {
		p.SetBrightness(l.Brightness)
	}
}

func (p *Pipeline) Layout() *fixture.Layout {
	return p.layout.Load()
}

// SetBrightness sets the global brightness, clamped to [0,1].
func (p *Pipeline) SetBrightness(b float64) {
	if math.IsNaN(b) {
		b = 0
	}
	b = math.Max(0, math.Min(1, b))
	p.brightness.Store(math.Float64bits(b))
}

func (p *Pipeline) Brightness() float64 {
	return math.Float64frombits(p.brightness.Load())
}

// SetBlackout sends all-zero universes while on. Both loops keep running.
func (p *Pipeline) SetBlackout(on bool) {
	if p.blackout.Swap(on) != on {
		ledlog.Logger().Info("pipeline: blackout", "on", on)
	}
}

func (p *Pipeline) Blackout() bool {
	return p.blackout.Load()
}

// Latest returns the most recent snapshot, or nil before the first one.
func (p *Pipeline) Latest() *Snapshot {
	return p.latest.Load()
}

func (p *Pipeline) Stats() Stats {
	return Stats{
		Sampled:  p.sampled.Load(),
		Sent:     p.sent.Load(),
		Skipped:  p.skipped.Load(),
		Dropped:  p.dropped.Load(),
		Faults:   p.faults.Load(),
		Rebuilds: p.mapper.Rebuilds(),
	}
}

// Subscribe delivers every new snapshot. A reader that falls behind misses
// snapshots instead of slowing the sample loop.
func (p *Pipeline) Subscribe() (<-chan *Snapshot, func()) {
	ch := make(chan *Snapshot, 4)
	p.mu.Lock()
	id := p.nextSub
	p.nextSub++
	p.subs[id] = ch
	p.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subs, id)
			p.mu.Unlock()
		})
	}
}

func (p *Pipeline) publish(s *Snapshot) {
	p.latest.Store(s)
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.subs {
		select {
		case ch <- s:
		default:
		}
	}
}

// Run drives both loops until ctx is done, then closes the source and the
// transport, in that order.
func (p *Pipeline) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.loop(ctx, p.opts.SampleRate, p.sampleTick)
	}()
	go func() {
		defer wg.Done()
		p.loop(ctx, p.opts.TransmitRate, p.transmitTick)
	}()
	ledlog.Logger().Info("pipeline: running",
		"sample_hz", p.opts.SampleRate, "transmit_hz", p.opts.TransmitRate, "workers", p.pool.Workers())
	wg.Wait()

	p.pool.Close()
	var errs []error
	if err := p.src.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := p.tx.Close(); err != nil {
		errs = append(errs, err)
	}
	ledlog.Logger().Info("pipeline: stopped")
	return errors.Join(errs...)
}

func (p *Pipeline) loop(ctx context.Context, hz float64, tick func()) {
	ticker := time.NewTicker(time.Duration(float64(time.Second) / hz))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick()
		}
	}
}

func (p *Pipeline) sampleTick() {
	l := p.layout.Load()
	if l == nil {
		return
	}
	points, rebuilt := p.mapper.Map(l.Fixtures)
	if rebuilt {
		ledlog.Logger().Debug("pipeline: sample map rebuilt", "leds", len(points))
	}

	frame, ok := p.src.Frame()
	if !ok {
		p.skipped.Add(1)
		return
	}
	colors, err := p.engine.Sample(frame, points, p.Brightness())
	if err != nil {
		p.skipped.Add(1)
		ledlog.Logger().Debug("pipeline: sample skipped", "err", err)
		return
	}

	p.seq++
	p.sampled.Add(1)
	p.publish(&Snapshot{Seq: p.seq, Time: time.Now(), Layout: l, Colors: colors})
}

func (p *Pipeline) transmitTick() {
	s := p.latest.Load()
	if s == nil {
		return
	}
	res := dmx.Multiplex(s.Layout.Fixtures, s.Colors)
	if res.Skipped > 0 {
		p.faults.Add(uint64(res.Skipped))
	}
	frame := res.Frame
	if p.blackout.Load() {
		frame = dmx.Blackout(frame)
	}
	if len(frame.Universes) == 0 {
		return
	}

	err := p.tx.SendFrame(frame)
	switch {
	case err == nil:
		p.sent.Add(1)
	case errors.Is(err, bridge.ErrRateLimited),
		errors.Is(err, bridge.ErrBackpressure),
		errors.Is(err, bridge.ErrNotConnected):
		p.dropped.Add(1)
	default:
		p.dropped.Add(1)
		ledlog.Logger().Warn("pipeline: send failed", "err", err)
	}
}
