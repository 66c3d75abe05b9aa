// Package source supplies the square RGB frames the sampler reads from.
package source

import (
	"fmt"
	"image"
	"image/color"
	"sync"
	"sync/atomic"

	xdraw "golang.org/x/image/draw"

	"ledstream/lib/sampler"
)

const DefaultSize = 512

// Provider returns the most recent decoded frame, or false while none is
// ready. Implementations must be safe to call from any goroutine.
type Provider interface {
	Frame() (*sampler.Frame, bool)
	Close() error
}

type Config struct {
	Kind   string // image, video or camera
	Path   string
	Device string
	Size   int
	Watch  bool
}

// Opener builds a provider for one source kind.
type Opener func(cfg Config) (Provider, error)

var (
	openersMu sync.RWMutex
	openers   = map[string]Opener{}
)

// Register makes kind available to Open. Provider packages call it from
// init; importing ledstream/lib/source/gstsrc adds video and camera.
func Register(kind string, open Opener) {
	openersMu.Lock()
	defer openersMu.Unlock()
	if _, dup := openers[kind]; dup {
		panic(fmt.Sprintf("source: kind %q registered twice", kind))
	}
	openers[kind] = open
}

func Open(cfg Config) (Provider, error) {
	if cfg.Size <= 0 {
		cfg.Size = DefaultSize
	}
	if cfg.Kind == "" || cfg.Kind == "image" {
		return OpenImage(cfg.Path, cfg.Size)
	}
	openersMu.RLock()
	open, ok := openers[cfg.Kind]
	openersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("source: unknown kind %q", cfg.Kind)
	}
	return open(cfg)
}

// Fit scales img to fit a size×size square, centred on black.
func Fit(img image.Image, size int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	xdraw.Draw(dst, dst.Bounds(), &image.Uniform{color.Black}, image.Point{}, xdraw.Src)

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return dst
	}
	dw, dh := size, size
	if w > h {
		dh = max(1, size*h/w)
	} else if h > w {
		dw = max(1, size*w/h)
	}
	x0, y0 := (size-dw)/2, (size-dh)/2
	xdraw.BiLinear.Scale(dst, image.Rect(x0, y0, x0+dw, y0+dh), img, b, xdraw.Src, nil)
	return dst
}

// Static serves a fixed frame until replaced with Set.
type Static struct {
	frame atomic.Pointer[sampler.Frame]
}

func NewStatic(f *sampler.Frame) *Static {
	s := &Static{}
	s.Set(f)
	return s
}

func (s *Static) Set(f *sampler.Frame) {
	s.frame.Store(f)
}

func (s *Static) Frame() (*sampler.Frame, bool) {
	f := s.frame.Load()
	return f, f.Ready()
}

func (s *Static) Close() error {
	return nil
}
