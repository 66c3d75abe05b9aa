// Package mapping turns fixture geometry into per-LED texture coordinates.
package mapping

import (
	"math"
	"sync/atomic"

	"ledstream/lib/fixture"
)

// Point is a texture coordinate with v = 0 at the bottom of the source.
type Point struct {
	U float64 `json:"u"`
	V float64 `json:"v"`
}

// Generate returns one Point per LED, in fixture order then LED order.
// Fixtures with ledCount < 1 contribute nothing.
func Generate(fixtures []fixture.Fixture) []Point {
	total := 0
	for i := range fixtures {
		total += max(fixtures[i].LEDCount, 0)
	}
	points := make([]Point, 0, total)

	for i := range fixtures {
		points = appendFixture(points, &fixtures[i])
	}
	return points
}

func appendFixture(points []Point, f *fixture.Fixture) []Point {
	n := f.LEDCount
	if n < 1 {
		return points
	}

	horizontal := f.Horizontal()
	extent := f.Height
	if horizontal {
		extent = f.Width
	}
	step := extent / float64(n)

	rad := f.Rotation * math.Pi / 180
	sin, cos := math.Sincos(rad)
	cx, cy := f.Center()

	for i := range n {
		off := (float64(i)+0.5)*step - extent/2
		lx, ly := 0.0, off
		if horizontal {
			lx, ly = off, 0
		}
		// Stage y grows downwards, so this matrix turns clockwise on screen.
		x := cx + lx*cos - ly*sin
		y := cy + lx*sin + ly*cos
		points = append(points, Point{U: x, V: 1 - y})
	}
	return points
}

// Mapper caches the last generated map and only regenerates it when the
// geometry signature changes. It is not safe for concurrent use.
type Mapper struct {
	sig      fixture.Signature
	points   []Point
	valid    bool
	rebuilds atomic.Int64
}

// Map returns the sample map for fixtures and whether it had to be rebuilt.
// The returned slice is shared until the next rebuild; do not modify it.
func (m *Mapper) Map(fixtures []fixture.Fixture) ([]Point, bool) {
	sig := fixture.SignatureOf(fixtures)
	if m.valid && sig == m.sig {
		return m.points, false
	}
	m.points = Generate(fixtures)
	m.sig = sig
	m.valid = true
	m.rebuilds.Add(1)
	return m.points, true
}

func (m *Mapper) Rebuilds() int64 {
	return m.rebuilds.Load()
}
