package main

import (
	"math"
	"testing"
)

// releaseEdgeTimeline builds a script with full-to-zero transitions at the
// given times.
func releaseEdgeTimeline(edges ...int64) *Timeline {
	var actions []Action
	for _, at := range edges {
		actions = append(actions, Action{At: at - 100, Pos: posMax})
		actions = append(actions, Action{At: at, Pos: posMin})
	}
	return NewTimeline(actions)
}

func TestBeatPulse_FirstObservationIsFull(t *testing.T) {
	g := NewBeatPulseGenerator()
	g.Reset(releaseEdgeTimeline(2000, 2500))

	if got := g.PulseAt(2000); got != 1.0 {
		t.Fatalf("expected 1.0 on first edge observation, got %v", got)
	}
}

func TestBeatPulse_DecayTowardNextEdge(t *testing.T) {
	g := NewBeatPulseGenerator()
	g.Reset(releaseEdgeTimeline(2000, 2500))

	// Consume the first observation, then query halfway to the next edge.
	if got := g.PulseAt(2000); got != 1.0 {
		t.Fatalf("expected 1.0 first, got %v", got)
	}

	got := g.PulseAt(2250)
	want := 1 - math.Sqrt(0.5)
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("expected %v at the halfway point, got %v", want, got)
	}
}

func TestBeatPulse_ZeroBeforeFirstEdge(t *testing.T) {
	g := NewBeatPulseGenerator()
	g.Reset(releaseEdgeTimeline(2000))

	if got := g.PulseAt(500); got != 0 {
		t.Fatalf("expected 0 before the first edge, got %v", got)
	}
}

func TestBeatPulse_DefaultGapAfterLastEdge(t *testing.T) {
	g := NewBeatPulseGenerator()
	g.Reset(releaseEdgeTimeline(2000))

	if got := g.PulseAt(2000); got != 1.0 {
		t.Fatalf("expected 1.0 first, got %v", got)
	}

	// No next edge: the decay horizon floats 500ms ahead of the query.
	got := g.PulseAt(2125)
	want := 1 - math.Sqrt(125.0/625.0)
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestBeatPulse_NewEdgeRetriggers(t *testing.T) {
	g := NewBeatPulseGenerator()
	g.Reset(releaseEdgeTimeline(2000, 2500))

	g.PulseAt(2000)
	g.PulseAt(2250)

	if got := g.PulseAt(2500); got != 1.0 {
		t.Fatalf("expected retrigger at the next edge, got %v", got)
	}
}

func TestBeatPulse_PartialReleaseIsNotAnEdge(t *testing.T) {
	// 100 -> 20 is not a release edge; neither is 80 -> 0.
	tl := NewTimeline([]Action{
		{At: 0, Pos: posMax},
		{At: 100, Pos: 20},
		{At: 200, Pos: 80},
		{At: 300, Pos: posMin},
	})

	g := NewBeatPulseGenerator()
	g.Reset(tl)

	if got := g.PulseAt(1000); got != 0 {
		t.Fatalf("expected no edges detected, got pulse %v", got)
	}
}

func TestBeatPulse_ResetClearsState(t *testing.T) {
	g := NewBeatPulseGenerator()
	g.Reset(releaseEdgeTimeline(1000))
	g.PulseAt(1000)

	g.Reset(EmptyTimeline())
	if got := g.PulseAt(5000); got != 0 {
		t.Fatalf("expected 0 after reset to empty, got %v", got)
	}
}
