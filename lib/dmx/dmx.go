// Package dmx packs LED colours into 512-channel universes.
package dmx

import (
	"fmt"
	"slices"

	"ledstream/lib/fixture"
	"ledstream/lib/ledlog"
	"ledstream/lib/sampler"
)

const (
	UniverseSize    = 512
	ChannelsPerLED  = 4
	maxAbsoluteAddr = (fixture.MaxUniverse + 1) * UniverseSize
)

type Universe struct {
	Index int
	Data  [UniverseSize]byte
}

// Frame holds the universes touched by one multiplex pass, in ascending
// index order.
type Frame struct {
	Universes []*Universe
}

func (f *Frame) Universe(index int) *Universe {
	i, ok := slices.BinarySearchFunc(f.Universes, index, func(u *Universe, idx int) int {
		return u.Index - idx
	})
	if !ok {
		return nil
	}
	return f.Universes[i]
}

type Result struct {
	Frame   *Frame
	Skipped int
}

// Multiplex routes colors, laid out in fixture order, onto DMX universes.
// A fixture whose routing is invalid or whose slice overruns colors is
// skipped for this pass and counted in Result.Skipped.
func Multiplex(fixtures []fixture.Fixture, colors []sampler.RGBW) Result {
	touched := map[int]*Universe{}
	var res Result

	cursor := 0
	for i := range fixtures {
		f := &fixtures[i]
		n := f.LEDCount
		if n < 1 {
			res.Skipped++
			ledlog.Logger().Warn("dmx: skipping fixture", "id", f.ID, "err", "ledCount < 1")
			continue
		}
		lo, hi := cursor, cursor+n
		cursor = hi

		if err := checkRouting(f, hi, len(colors)); err != nil {
			res.Skipped++
			ledlog.Logger().Warn("dmx: skipping fixture", "id", f.ID, "err", err)
			continue
		}

		slice := colors[lo:hi]
		base := f.Universe*UniverseSize + f.StartAddress - 1
		for led := range n {
			src := led
			if f.Reverse {
				src = n - 1 - led
			}
			c := slice[src]
			for ch, v := range [ChannelsPerLED]byte{c.R, c.G, c.B, c.W} {
				abs := base + led*ChannelsPerLED + ch
				idx := abs / UniverseSize
				u := touched[idx]
				if u == nil {
					u = &Universe{Index: idx}
					touched[idx] = u
				}
				u.Data[abs%UniverseSize] = v
			}
		}
	}

	res.Frame = &Frame{Universes: make([]*Universe, 0, len(touched))}
	for _, u := range touched {
		res.Frame.Universes = append(res.Frame.Universes, u)
	}
	slices.SortFunc(res.Frame.Universes, func(a, b *Universe) int {
		return a.Index - b.Index
	})
	return res
}

func checkRouting(f *fixture.Fixture, end, available int) error {
	switch {
	case f.StartAddress < 1:
		return fmt.Errorf("dmx: startAddress %d < 1", f.StartAddress)
	case f.Universe < 0:
		return fmt.Errorf("dmx: universe %d < 0", f.Universe)
	case end > available:
		return fmt.Errorf("dmx: needs %d colours, buffer has %d", end, available)
	}
	last := f.Universe*UniverseSize + f.StartAddress - 1 + f.LEDCount*ChannelsPerLED - 1
	if last >= maxAbsoluteAddr {
		return fmt.Errorf("dmx: channels run past universe %d", fixture.MaxUniverse)
	}
	return nil
}

// Blackout returns an all-zero frame covering the same universes as fr.
func Blackout(fr *Frame) *Frame {
	out := &Frame{Universes: make([]*Universe, len(fr.Universes))}
	for i, u := range fr.Universes {
		out.Universes[i] = &Universe{Index: u.Index}
	}
	return out
}
