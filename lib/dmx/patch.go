package dmx

import (
	"fmt"

	"ledstream/lib/fixture"
)

// Span is the channel range a fixture occupies, as absolute addresses
// (universe*512 + channel-1).
type Span struct {
	FixtureID string `json:"fixtureId"`
	Name      string `json:"name"`
	First     int    `json:"first"`
	Last      int    `json:"last"`
}

// Address formats an absolute address as universe.channel, e.g. "1.001".
func Address(abs int) string {
	return fmt.Sprintf("%d.%03d", abs/UniverseSize, abs%UniverseSize+1)
}

func (s Span) String() string {
	return Address(s.First) + "-" + Address(s.Last)
}

type Overlap struct {
	A     string `json:"a"`
	B     string `json:"b"`
	First int    `json:"first"`
	Last  int    `json:"last"`
}

type PatchReport struct {
	Spans    []Span    `json:"spans"`
	Overlaps []Overlap `json:"overlaps"`
}

// Patch lists the channel span of each fixture and every pair of fixtures
// that write the same channels. Overlaps are legal; the later fixture wins.
func Patch(fixtures []fixture.Fixture) PatchReport {
	var rep PatchReport
	for i := range fixtures {
		f := &fixtures[i]
		if f.LEDCount < 1 || f.StartAddress < 1 || f.Universe < 0 {
			continue
		}
		first := f.Universe*UniverseSize + f.StartAddress - 1
		rep.Spans = append(rep.Spans, Span{
			FixtureID: f.ID,
			Name:      f.Name,
			First:     first,
			Last:      first + f.LEDCount*ChannelsPerLED - 1,
		})
	}

	for i := range rep.Spans {
		for j := i + 1; j < len(rep.Spans); j++ {
			a, b := rep.Spans[i], rep.Spans[j]
			lo, hi := max(a.First, b.First), min(a.Last, b.Last)
			if lo <= hi {
				rep.Overlaps = append(rep.Overlaps, Overlap{A: a.FixtureID, B: b.FixtureID, First: lo, Last: hi})
			}
		}
	}
	return rep
}
