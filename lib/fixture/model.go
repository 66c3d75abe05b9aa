package fixture

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
)

type Fixture struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	X            float64 `json:"x"`
	Y            float64 `json:"y"`
	Width        float64 `json:"width"`
	Height       float64 `json:"height"`
	Rotation     float64 `json:"rotation"`
	Universe     int     `json:"universe"`
	StartAddress int     `json:"startAddress"`
	LEDCount     int     `json:"ledCount"`
	Reverse      bool    `json:"reverse"`
}

// Layout is the snapshot handed over by the editor. Treat it as immutable:
// replace it instead of editing fixtures in place.
type Layout struct {
	Fixtures   []Fixture `json:"fixtures"`
	Brightness float64   `json:"brightness"`
}

func (f *Fixture) Horizontal() bool {
	return f.Width >= f.Height
}

func (f *Fixture) Center() (float64, float64) {
	return f.X + f.Width/2, f.Y + f.Height/2
}

func (f *Fixture) Validate() error {
	switch {
	case f.ID == "":
		return fmt.Errorf("fixture %q: empty id", f.Name)
	case f.LEDCount < 1:
		return fmt.Errorf("fixture %q: ledCount %d < 1", f.ID, f.LEDCount)
	case f.StartAddress < 1:
		return fmt.Errorf("fixture %q: startAddress %d < 1", f.ID, f.StartAddress)
	case f.Universe < 0 || f.Universe > MaxUniverse:
		return fmt.Errorf("fixture %q: universe %d out of range", f.ID, f.Universe)
	case f.Width < 0 || f.Height < 0:
		return fmt.Errorf("fixture %q: negative size", f.ID)
	}
	for _, v := range []float64{f.X, f.Y, f.Width, f.Height, f.Rotation} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("fixture %q: non-finite geometry", f.ID)
		}
	}
	return nil
}

// MaxUniverse is the largest 15-bit ArtNet port address.
const MaxUniverse = 0x7FFF

func (l *Layout) Validate() error {
	if l == nil {
		return fmt.Errorf("layout is nil")
	}
	if l.Brightness < 0 || l.Brightness > 1 || math.IsNaN(l.Brightness) {
		return fmt.Errorf("brightness %v outside [0,1]", l.Brightness)
	}
	ids := map[string]bool{}
	for i := range l.Fixtures {
		f := &l.Fixtures[i]
		if err := f.Validate(); err != nil {
			return err
		}
		if ids[f.ID] {
			return fmt.Errorf("duplicate fixture id %q", f.ID)
		}
		ids[f.ID] = true
	}
	return nil
}

func (l *Layout) LEDCount() int {
	n := 0
	for i := range l.Fixtures {
		if l.Fixtures[i].LEDCount > 0 {
			n += l.Fixtures[i].LEDCount
		}
	}
	return n
}

// Signature is the structural identity of a fixture list: the values that
// decide where LEDs sample the source. Names, addressing and reverse are not
// part of it.
type Signature string

func SignatureOf(fixtures []Fixture) Signature {
	buf := make([]byte, 0, len(fixtures)*48)
	for i := range fixtures {
		f := &fixtures[i]
		buf = fmt.Appendf(buf, "%x,%x,%x,%x,%x,%d;",
			math.Float64bits(f.X), math.Float64bits(f.Y),
			math.Float64bits(f.Width), math.Float64bits(f.Height),
			math.Float64bits(f.Rotation), f.LEDCount)
	}
	return Signature(buf)
}

// LoadProject reads the fixture list saved by the editor. A missing
// brightness field means full brightness.
func LoadProject(path string) (*Layout, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("fixture: read project: %w", err)
	}
	return ParseProject(buf)
}

func ParseProject(buf []byte) (*Layout, error) {
	var raw struct {
		Fixtures   []Fixture `json:"fixtures"`
		Brightness *float64  `json:"brightness"`
	}
	if err := json.Unmarshal(buf, &raw); err != nil {
		return nil, fmt.Errorf("fixture: parse project: %w", err)
	}
	l := &Layout{Fixtures: raw.Fixtures, Brightness: 1}
	if raw.Brightness != nil {
		l.Brightness = *raw.Brightness
	}
	if err := l.Validate(); err != nil {
		return nil, fmt.Errorf("fixture: %w", err)
	}
	return l, nil
}
