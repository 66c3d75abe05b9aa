package main

import (
	"bytes"
	"encoding/json"
	"slices"
	"testing"
)

func TestRun(t *testing.T) {
	var buf bytes.Buffer
	if err := run(&buf, "testdata/project.json", true); err != nil {
		t.Fatal(err)
	}
	var rep Report
	if err := json.Unmarshal(buf.Bytes(), &rep); err != nil {
		t.Fatal(err)
	}
	if rep.Fixtures != 3 || rep.LEDs != 154 || len(rep.Map) != 154 {
		t.Errorf("got %d fixtures %d leds %d points", rep.Fixtures, rep.LEDs, len(rep.Map))
	}
	if want := []int{0, 1, 2}; !slices.Equal(rep.Universes, want) {
		t.Errorf("got universes %v, want %v", rep.Universes, want)
	}
	if len(rep.Patch) != 3 || rep.Patch[1].Range != "0.401-1.088" {
		t.Errorf("got patch %+v", rep.Patch)
	}
	// top ends at 0.400, so only wrap spills into universe 1.
	if len(rep.Overlaps) != 0 {
		t.Errorf("got overlaps %+v", rep.Overlaps)
	}
}

func TestRunWithoutMap(t *testing.T) {
	var buf bytes.Buffer
	if err := run(&buf, "testdata/project.json", false); err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(buf.Bytes(), []byte(`"map"`)) {
		t.Error("map included")
	}
}

func TestRunMissingProject(t *testing.T) {
	var buf bytes.Buffer
	if err := run(&buf, "testdata/missing.json", false); err == nil {
		t.Error("expected error")
	}
}
