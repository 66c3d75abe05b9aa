package source

import (
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"ledstream/lib/ledlog"
	"ledstream/lib/sampler"
)

// ImageSource serves a still image, letterboxed to a square.
type ImageSource struct {
	Static
	path string
	size int
}

func OpenImage(path string, size int) (*ImageSource, error) {
	s := &ImageSource{path: path, size: size}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func LoadImage(path string, size int) (*sampler.Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("source: open image: %w", err)
	}
	defer f.Close()

	img, format, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("source: decode %s: %w", path, err)
	}
	ledlog.Logger().Debug("source: decoded image", "path", path, "format", format,
		"width", img.Bounds().Dx(), "height", img.Bounds().Dy())
	return sampler.FromImage(Fit(img, size)), nil
}

// Reload decodes the file again. On failure the previous frame stays.
func (s *ImageSource) Reload() error {
	frame, err := LoadImage(s.path, s.size)
	if err != nil {
		return err
	}
	s.Set(frame)
	return nil
}

// Watch reloads the image whenever the file is written or replaced, until
// ctx is done. The directory is watched so editors that save by rename are
// picked up too.
func (s *ImageSource) Watch(ctx context.Context) error {
	return WatchFile(ctx, s.path, func() {
		if err := s.Reload(); err != nil {
			ledlog.Logger().Warn("source: reload failed", "path", s.path, "err", err)
			return
		}
		ledlog.Logger().Info("source: image reloaded", "path", s.path)
	})
}

// Writes usually arrive as several events; wait for them to settle.
const settleDelay = 50 * time.Millisecond

// WatchFile calls onChange after path is written, created or renamed into
// place. It blocks until ctx is done.
func WatchFile(ctx context.Context, path string, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("source: create watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("source: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("source: watch %s: %w", path, err)
	}

	var settle <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				settle = time.After(settleDelay)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			ledlog.Logger().Warn("source: watcher error", "err", err)
		case <-settle:
			settle = nil
			onChange()
		}
	}
}
