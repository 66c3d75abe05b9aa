package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"slices"

	"ledstream/lib/dmx"
	"ledstream/lib/fixture"
	"ledstream/lib/mapping"
)

type Row struct {
	dmx.Span
	Range string `json:"range"`
}

type Report struct {
	Project   string          `json:"project"`
	Fixtures  int             `json:"fixtures"`
	LEDs      int             `json:"leds"`
	Universes []int           `json:"universes"`
	Patch     []Row           `json:"patch"`
	Overlaps  []dmx.Overlap   `json:"overlaps"`
	Map       []mapping.Point `json:"map,omitempty"`
}

func main() {
	withMap := flag.Bool("map", false, "include the per-LED sample map")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [-map] project.json\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(os.Stdout, flag.Arg(0), *withMap); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(w io.Writer, path string, withMap bool) error {
	l, err := fixture.LoadProject(path)
	if err != nil {
		return err
	}
	rep := BuildReport(path, l, withMap)
	for _, o := range rep.Overlaps {
		fmt.Fprintf(os.Stderr, "warning: %s and %s overlap at %s-%s\n", o.A, o.B, dmx.Address(o.First), dmx.Address(o.Last))
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}

func BuildReport(path string, l *fixture.Layout, withMap bool) *Report {
	patch := dmx.Patch(l.Fixtures)
	rep := &Report{
		Project:   path,
		Fixtures:  len(l.Fixtures),
		LEDs:      l.LEDCount(),
		Universes: []int{},
		Patch:     []Row{},
		Overlaps:  patch.Overlaps,
	}
	if rep.Overlaps == nil {
		rep.Overlaps = []dmx.Overlap{}
	}
	for _, s := range patch.Spans {
		rep.Patch = append(rep.Patch, Row{Span: s, Range: s.String()})
		for u := s.First / dmx.UniverseSize; u <= s.Last/dmx.UniverseSize; u++ {
			if !slices.Contains(rep.Universes, u) {
				rep.Universes = append(rep.Universes, u)
			}
		}
	}
	slices.Sort(rep.Universes)
	if withMap {
		rep.Map = mapping.Generate(l.Fixtures)
	}
	return rep
}
