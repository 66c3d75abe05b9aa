// Package gstsrc provides the video and camera sources, decoded through
// GStreamer. Import it for its side effect of registering both kinds with
// ledstream/lib/source.
package gstsrc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"ledstream/lib/ledlog"
	"ledstream/lib/sampler"
	"ledstream/lib/source"
)

const restartDelay = 2 * time.Second

func init() {
	source.Register("video", func(cfg source.Config) (source.Provider, error) {
		return NewVideo(cfg.Path, cfg.Size)
	})
	source.Register("camera", func(cfg source.Config) (source.Provider, error) {
		return NewCamera(cfg.Device, cfg.Size)
	})
}

// Source decodes a video file or camera. Frames arrive already converted
// to RGB and letterboxed to size×size.
type Source struct {
	size  int
	loop  bool
	label string

	pipeline *gst.Pipeline
	sink     *app.Sink

	frame   atomic.Pointer[sampler.Frame]
	decoded atomic.Uint64
	skipped atomic.Uint64

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func newElement(factory string, props map[string]any) (*gst.Element, error) {
	el, err := gst.NewElement(factory)
	if err != nil {
		return nil, fmt.Errorf("source: create %s: %w", factory, err)
	}
	for name, value := range props {
		if err := el.SetProperty(name, value); err != nil {
			return nil, fmt.Errorf("source: set %s.%s: %w", factory, name, err)
		}
	}
	return el, nil
}

// NewVideo plays path in a loop.
func NewVideo(path string, size int) (*Source, error) {
	if path == "" {
		return nil, fmt.Errorf("source: video path is empty")
	}
	gst.Init(nil)
	src, err := newElement("filesrc", map[string]any{"location": path})
	if err != nil {
		return nil, err
	}
	decode, err := newElement("decodebin", nil)
	if err != nil {
		return nil, err
	}
	return newSource(path, size, true, src, decode)
}

// NewCamera reads a V4L2 device such as /dev/video0.
func NewCamera(device string, size int) (*Source, error) {
	if device == "" {
		device = "/dev/video0"
	}
	gst.Init(nil)
	src, err := newElement("v4l2src", map[string]any{"device": device})
	if err != nil {
		return nil, err
	}
	return newSource(device, size, false, src, nil)
}

// Caps is the raw format requested from GStreamer for a size×size frame.
func Caps(size int) string {
	return fmt.Sprintf("video/x-raw,format=RGB,width=%d,height=%d,pixel-aspect-ratio=1/1", size, size)
}

func newSource(label string, size int, loop bool, src, decode *gst.Element) (*Source, error) {
	if size <= 0 {
		size = source.DefaultSize
	}
	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("source: create pipeline: %w", err)
	}
	convert, err := newElement("videoconvert", nil)
	if err != nil {
		return nil, err
	}
	scale, err := newElement("videoscale", map[string]any{"add-borders": true})
	if err != nil {
		return nil, err
	}
	capsfilter, err := newElement("capsfilter", map[string]any{"caps": gst.NewCapsFromString(Caps(size))})
	if err != nil {
		return nil, err
	}

	sink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("source: create appsink: %w", err)
	}
	for name, value := range map[string]any{"sync": loop, "max-buffers": uint(1), "drop": true} {
		if err := sink.SetProperty(name, value); err != nil {
			return nil, fmt.Errorf("source: set appsink.%s: %w", name, err)
		}
	}

	s := &Source{
		size:     size,
		loop:     loop,
		label:    label,
		pipeline: pipeline,
		sink:     sink,
		done:     make(chan struct{}),
	}
	sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: s.onNewSample,
	})

	tail := []*gst.Element{convert, scale, capsfilter, sink.Element}
	if decode != nil {
		if err := pipeline.AddMany(append([]*gst.Element{src, decode}, tail...)...); err != nil {
			return nil, fmt.Errorf("source: add elements: %w", err)
		}
		if err := src.Link(decode); err != nil {
			return nil, fmt.Errorf("source: link %s to decodebin: %w", src.GetName(), err)
		}
		if err := gst.ElementLinkMany(tail...); err != nil {
			return nil, fmt.Errorf("source: link convert chain: %w", err)
		}
		// decodebin exposes its video pad once the stream type is known.
		decode.Connect("pad-added", func(self *gst.Element, pad *gst.Pad) {
			sinkPad := convert.GetStaticPad("sink")
			if sinkPad == nil || sinkPad.IsLinked() {
				return
			}
			if ret := pad.Link(sinkPad); ret != gst.PadLinkOK {
				ledlog.Logger().Debug("source: decodebin pad not linked", "pad", pad.GetName(), "ret", ret)
			}
		})
	} else {
		all := append([]*gst.Element{src}, tail...)
		if err := pipeline.AddMany(all...); err != nil {
			return nil, fmt.Errorf("source: add elements: %w", err)
		}
		if err := gst.ElementLinkMany(all...); err != nil {
			return nil, fmt.Errorf("source: link %s: %w", label, err)
		}
	}

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("source: start %s: %w", label, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.watchBus(ctx)
	ledlog.Logger().Info("source: pipeline started", "source", label, "size", size)
	return s, nil
}

// copyRows unpacks a size×size RGB buffer whose rows are padded to a
// multiple of four bytes. It returns nil when data is too short.
func copyRows(data []byte, size int) *sampler.Frame {
	row := size * 3
	stride := (row + 3) &^ 3
	if size <= 0 || len(data) < stride*(size-1)+row {
		return nil
	}
	frame := sampler.NewFrame(size, size)
	for y := range size {
		copy(frame.Pix[y*row:(y+1)*row], data[y*stride:y*stride+row])
	}
	return frame
}

func (s *Source) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowOK
	}
	mapInfo := buffer.Map(gst.MapRead)
	frame := copyRows(mapInfo.Bytes(), s.size)
	buffer.Unmap()

	if frame == nil {
		s.skipped.Add(1)
		return gst.FlowOK
	}
	s.frame.Store(frame)
	s.decoded.Add(1)
	return gst.FlowOK
}

func (s *Source) watchBus(ctx context.Context) {
	defer close(s.done)
	bus := s.pipeline.GetPipelineBus()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageEOS:
			if !s.loop {
				ledlog.Logger().Info("source: end of stream", "source", s.label)
				s.restart(ctx, restartDelay)
				continue
			}
			s.restart(ctx, 0)
		case gst.MessageError:
			gerr := msg.ParseError()
			ledlog.Logger().Error("source: pipeline error", "source", s.label,
				"err", gerr.Error(), "debug", gerr.DebugString())
			s.restart(ctx, restartDelay)
		}
	}
}

// restart rewinds the pipeline by cycling it through NULL.
func (s *Source) restart(ctx context.Context, delay time.Duration) {
	if err := s.pipeline.SetState(gst.StateNull); err != nil {
		ledlog.Logger().Warn("source: stop failed", "source", s.label, "err", err)
	}
	if delay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
	if err := s.pipeline.SetState(gst.StatePlaying); err != nil {
		ledlog.Logger().Warn("source: restart failed", "source", s.label, "err", err)
	}
}

func (s *Source) Frame() (*sampler.Frame, bool) {
	f := s.frame.Load()
	return f, f.Ready()
}

func (s *Source) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		<-s.done
		if serr := s.pipeline.SetState(gst.StateNull); serr != nil {
			err = fmt.Errorf("source: stop %s: %w", s.label, serr)
		}
		s.frame.Store(nil)
		ledlog.Logger().Info("source: pipeline stopped", "source", s.label,
			"decoded", s.decoded.Load(), "skipped", s.skipped.Load())
	})
	return err
}
