package mapping

import (
	"math"
	"testing"

	"ledstream/lib/fixture"
)

const eps = 1e-9

func near(a, b float64) bool {
	return math.Abs(a-b) < eps
}

func TestLengthMatchesLEDCount(t *testing.T) {
	l := fixture.GenerateGrid(4, 3, 17)
	points := Generate(l.Fixtures)
	if len(points) != l.LEDCount() {
		t.Errorf("got %d points, want %d", len(points), l.LEDCount())
	}
}

func TestEmpty(t *testing.T) {
	if points := Generate(nil); len(points) != 0 {
		t.Errorf("got %d points, want 0", len(points))
	}
	points := Generate([]fixture.Fixture{{ID: "z", LEDCount: 0, Width: 1}})
	if len(points) != 0 {
		t.Errorf("zero-LED fixture produced %d points", len(points))
	}
}

func TestHorizontalEvenlySpaced(t *testing.T) {
	f := fixture.Fixture{ID: "h", X: 0.2, Y: 0.3, Width: 0.4, Height: 0.1, LEDCount: 8}
	points := Generate([]fixture.Fixture{f})

	step := f.Width / 8
	for i, p := range points {
		want := f.X + (float64(i)+0.5)*step
		if !near(p.U, want) {
			t.Errorf("led %d: got u %v, want %v", i, p.U, want)
		}
		if !near(p.V, 1-0.35) {
			t.Errorf("led %d: got v %v, want %v", i, p.V, 0.65)
		}
		if i > 0 && p.U <= points[i-1].U {
			t.Errorf("led %d: u not increasing", i)
		}
		if p.U < f.X || p.U > f.X+f.Width {
			t.Errorf("led %d: u %v outside fixture", i, p.U)
		}
	}
}

func TestVerticalEvenlySpaced(t *testing.T) {
	f := fixture.Fixture{ID: "v", X: 0.5, Y: 0.1, Width: 0.02, Height: 0.6, LEDCount: 6}
	points := Generate([]fixture.Fixture{f})

	step := f.Height / 6
	for i, p := range points {
		wantY := f.Y + (float64(i)+0.5)*step
		if !near(p.V, 1-wantY) {
			t.Errorf("led %d: got v %v, want %v", i, p.V, 1-wantY)
		}
		if !near(p.U, 0.51) {
			t.Errorf("led %d: got u %v, want 0.51", i, p.U)
		}
		if i > 0 && p.V >= points[i-1].V {
			t.Errorf("led %d: v not decreasing", i)
		}
	}
}

func TestRotation(t *testing.T) {
	// A horizontal bar centred at (0.5,0.5) turned 90° clockwise runs top to bottom.
	f := fixture.Fixture{ID: "r", X: 0.3, Y: 0.45, Width: 0.4, Height: 0.1, Rotation: 90, LEDCount: 2}
	points := Generate([]fixture.Fixture{f})

	want := []Point{{U: 0.5, V: 1 - 0.4}, {U: 0.5, V: 1 - 0.6}}
	for i := range want {
		if !near(points[i].U, want[i].U) || !near(points[i].V, want[i].V) {
			t.Errorf("led %d: got %+v, want %+v", i, points[i], want[i])
		}
	}
}

func TestOutsideStageNotClamped(t *testing.T) {
	f := fixture.Fixture{ID: "o", X: -0.5, Y: 1.2, Width: 0.2, Height: 0.1, LEDCount: 1}
	p := Generate([]fixture.Fixture{f})[0]
	if !near(p.U, -0.4) || !near(p.V, 1-1.25) {
		t.Errorf("got %+v, want unclamped (-0.4,-0.25)", p)
	}
}

func TestMapperMemoises(t *testing.T) {
	l := fixture.GenerateGrid(2, 2, 5)
	var m Mapper

	first, rebuilt := m.Map(l.Fixtures)
	if !rebuilt {
		t.Fatal("first Map should build")
	}
	for range 10 {
		if _, rebuilt := m.Map(l.Fixtures); rebuilt {
			t.Fatal("rebuilt without geometry change")
		}
	}

	// Routing edits do not touch the map.
	edited := append([]fixture.Fixture(nil), l.Fixtures...)
	edited[0].Reverse = !edited[0].Reverse
	edited[0].StartAddress = 100
	again, rebuilt := m.Map(edited)
	if rebuilt || &again[0] != &first[0] {
		t.Error("routing edit rebuilt the map")
	}

	edited[1].X += 0.01
	if _, rebuilt := m.Map(edited); !rebuilt {
		t.Error("geometry edit did not rebuild")
	}
	if m.Rebuilds() != 2 {
		t.Errorf("got %d rebuilds, want 2", m.Rebuilds())
	}
}

func BenchmarkGenerate(b *testing.B) {
	l := fixture.GenerateGrid(16, 16, 144)
	for b.Loop() {
		Generate(l.Fixtures)
	}
}
