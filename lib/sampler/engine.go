// Package sampler reads LED colours out of source frames.
package sampler

import (
	"errors"
	"math"

	"ledstream/lib/mapping"
)

var ErrSourceNotReady = errors.New("sampler: source frame not ready")

const (
	// Maps shorter than this are sampled on the calling goroutine.
	minParallel = 2048
	chunkSize   = 1024
)

type Engine struct {
	pool *Pool
}

// NewEngine samples on pool. A nil pool samples inline.
func NewEngine(pool *Pool) *Engine {
	return &Engine{pool: pool}
}

// Sample writes one RGBW per point into a fresh buffer. The buffer is never
// reused, so it can be handed to another goroutine as is.
func (e *Engine) Sample(f *Frame, points []mapping.Point, brightness float64) ([]RGBW, error) {
	if !f.Ready() {
		return nil, ErrSourceNotReady
	}
	if math.IsNaN(brightness) {
		brightness = 0
	}
	brightness = math.Max(0, math.Min(1, brightness))

	out := make([]RGBW, len(points))
	if e.pool == nil || len(points) < minParallel {
		sampleRange(f, points, brightness, out)
		return out, nil
	}

	jobs := make([]func(), 0, len(points)/chunkSize+1)
	for lo := 0; lo < len(points); lo += chunkSize {
		hi := min(lo+chunkSize, len(points))
		jobs = append(jobs, func() {
			sampleRange(f, points[lo:hi], brightness, out[lo:hi])
		})
	}
	e.pool.Run(jobs)
	return out, nil
}

func sampleRange(f *Frame, points []mapping.Point, brightness float64, out []RGBW) {
	for i, p := range points {
		r, g, b := Bilinear(f, p.U, p.V)
		out[i] = FromRGB(r, g, b, brightness)
	}
}
