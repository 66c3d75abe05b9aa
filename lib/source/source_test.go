package source

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"ledstream/lib/sampler"
)

func writePNG(t *testing.T, path string, w, h int, c color.Color) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, c)
		}
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		t.Fatal(err)
	}
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}
}

func TestFitLetterboxes(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 40, 20))
	for y := range 20 {
		for x := range 40 {
			img.Set(x, y, color.White)
		}
	}
	out := Fit(img, 40)
	if out.Bounds().Dx() != 40 || out.Bounds().Dy() != 40 {
		t.Fatalf("got %v, want 40x40", out.Bounds())
	}
	// Bars above and below, image in the middle.
	if c := out.RGBAAt(20, 2); c.R != 0 {
		t.Errorf("top bar: got %v, want black", c)
	}
	if c := out.RGBAAt(20, 37); c.R != 0 {
		t.Errorf("bottom bar: got %v, want black", c)
	}
	if c := out.RGBAAt(20, 20); c.R != 255 {
		t.Errorf("centre: got %v, want white", c)
	}
}

func TestFitEmpty(t *testing.T) {
	out := Fit(image.NewRGBA(image.Rect(0, 0, 0, 0)), 8)
	if out.Bounds().Dx() != 8 {
		t.Errorf("got %v, want 8x8", out.Bounds())
	}
}

func TestStatic(t *testing.T) {
	s := NewStatic(nil)
	if _, ok := s.Frame(); ok {
		t.Error("nil frame reported ready")
	}
	s.Set(sampler.NewFrame(2, 2))
	if _, ok := s.Frame(); !ok {
		t.Error("frame not ready after Set")
	}
}

func TestOpenImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "still.png")
	writePNG(t, path, 10, 10, color.RGBA{R: 200, G: 150, B: 150, A: 255})

	src, err := Open(Config{Kind: "image", Path: path, Size: 16})
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	f, ok := src.Frame()
	if !ok {
		t.Fatal("frame not ready")
	}
	if f.Width != 16 || f.Height != 16 {
		t.Errorf("got %dx%d, want 16x16", f.Width, f.Height)
	}
	if r, g, b := f.RGB(8, 8); r != 200 || g != 150 || b != 150 {
		t.Errorf("got %d,%d,%d, want 200,150,150", r, g, b)
	}
}

func TestOpenErrors(t *testing.T) {
	if _, err := Open(Config{Kind: "hologram"}); err == nil {
		t.Error("expected error for unknown kind")
	}
	if _, err := Open(Config{Kind: "image", Path: filepath.Join(t.TempDir(), "none.png")}); err == nil {
		t.Error("expected error for missing file")
	}
	bad := filepath.Join(t.TempDir(), "bad.png")
	os.WriteFile(bad, []byte("not an image"), 0o644)
	if _, err := OpenImage(bad, 8); err == nil {
		t.Error("expected decode error")
	}
}

func TestWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "still.png")
	writePNG(t, path, 4, 4, color.RGBA{R: 255, A: 255})

	src, err := OpenImage(path, 8)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- src.Watch(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Give the watcher a moment to register.
	time.Sleep(100 * time.Millisecond)
	writePNG(t, path, 4, 4, color.RGBA{B: 255, A: 255})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		f, _ := src.Frame()
		if _, _, b := f.RGB(4, 4); b == 255 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("image not reloaded")
}

func TestRegister(t *testing.T) {
	var got Config
	Register("test-pattern", func(cfg Config) (Provider, error) {
		got = cfg
		return NewStatic(sampler.NewFrame(cfg.Size, cfg.Size)), nil
	})

	p, err := Open(Config{Kind: "test-pattern", Device: "x"})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	if got.Size != DefaultSize || got.Device != "x" {
		t.Errorf("got %+v", got)
	}
	if f, ok := p.Frame(); !ok || f.Width != DefaultSize {
		t.Errorf("got %v,%v", f, ok)
	}
}

func TestRegisterTwicePanics(t *testing.T) {
	Register("twice", func(Config) (Provider, error) { return nil, nil })
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	Register("twice", func(Config) (Provider, error) { return nil, nil })
}
