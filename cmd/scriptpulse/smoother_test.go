package main

import (
	"math"
	"testing"
)

func newTestSmoother(loop bool, fadeMS int64) *RateLimitedSmoother {
	return NewRateLimitedSmoother(SmootherConfig{
		TickMS:         100,
		MaxStepPerTick: 4.0,
		Loop:           loop,
		FadeMS:         fadeMS,
	})
}

// checkStepBound verifies no two consecutive output samples differ by more
// than the configured maximum.
func checkStepBound(t *testing.T, tl *Timeline, maxStep float64) {
	t.Helper()
	actions := tl.Actions()
	for i := 1; i < len(actions); i++ {
		delta := math.Abs(actions[i].Pos - actions[i-1].Pos)
		if delta > maxStep+1e-9 {
			t.Fatalf("step %v between t=%d and t=%d exceeds %v",
				delta, actions[i-1].At, actions[i].At, maxStep)
		}
	}
}

func TestSmoother_StepBound(t *testing.T) {
	src := NewTimeline([]Action{
		{At: 0, Pos: 0},
		{At: 500, Pos: 60},
		{At: 1000, Pos: 0},
		{At: 2000, Pos: 80},
		{At: 3000, Pos: 5},
	})

	out := newTestSmoother(false, 0).Smooth(src)
	if out.IsEmpty() {
		t.Fatalf("expected output samples")
	}
	checkStepBound(t, out, 4.0)

	actions := out.Actions()
	for i := 1; i < len(actions); i++ {
		if actions[i].At <= actions[i-1].At {
			t.Fatalf("timestamps not strictly increasing at index %d", i)
		}
		if (actions[i].At-actions[0].At)%100 != 0 {
			t.Fatalf("sample at t=%d is off the tick grid", actions[i].At)
		}
	}
}

func TestSmoother_RampThenHold(t *testing.T) {
	// The span's target (trapezoid mean 4) is reached after one tick; the
	// remaining ticks hold and are not emitted.
	src := NewTimeline([]Action{{At: 0, Pos: 0}, {At: 2000, Pos: 8}})

	out := newTestSmoother(false, 0).Smooth(src)
	actions := out.Actions()

	want := []Action{{At: 0, Pos: 0}, {At: 100, Pos: 4}}
	if len(actions) != len(want) {
		t.Fatalf("expected %d samples, got %d (%+v)", len(want), len(actions), actions)
	}
	for i := range want {
		if actions[i] != want[i] {
			t.Fatalf("sample %d: expected %+v, got %+v", i, want[i], actions[i])
		}
	}
}

func TestSmoother_LoopRampReturnsToStart(t *testing.T) {
	src := NewTimeline([]Action{{At: 0, Pos: 20}, {At: 1000, Pos: 80}})

	out := newTestSmoother(true, 0).Smooth(src)
	actions := out.Actions()
	if len(actions) < 2 {
		t.Fatalf("expected ramp samples, got %d", len(actions))
	}

	checkStepBound(t, out, 4.0)

	last := actions[len(actions)-1]
	if last.Pos != actions[0].Pos {
		t.Fatalf("expected loop ramp to land on the first value %v, got %v", actions[0].Pos, last.Pos)
	}
	if last.At <= src.Duration() {
		t.Fatalf("expected the ramp to extend past the source end, got t=%d", last.At)
	}
}

func TestSmoother_FadesStartAndEndAtZero(t *testing.T) {
	src := NewTimeline([]Action{{At: 0, Pos: 50}, {At: 2000, Pos: 50}})

	out := newTestSmoother(false, 1000).Smooth(src)
	actions := out.Actions()
	if len(actions) == 0 {
		t.Fatalf("expected output samples")
	}

	if actions[0].Pos != 0 {
		t.Fatalf("expected fade-in to start at 0, got %v", actions[0].Pos)
	}
	if actions[len(actions)-1].Pos != 0 {
		t.Fatalf("expected fade-out to end at 0, got %v", actions[len(actions)-1].Pos)
	}
	if got := out.ValueAt(1000); got != 50 {
		t.Fatalf("expected full value mid-script, got %v", got)
	}
}

func TestSmoother_EmitOnChange(t *testing.T) {
	src := NewTimeline([]Action{{At: 0, Pos: 50}, {At: 1000, Pos: 50}})

	out := newTestSmoother(false, 0).Smooth(src)
	actions := out.Actions()
	if len(actions) != 1 {
		t.Fatalf("expected a single sample for a constant source, got %d", len(actions))
	}
	if actions[0].Pos != 50 {
		t.Fatalf("expected the constant value, got %v", actions[0].Pos)
	}
}

func TestSmoother_EmptySource(t *testing.T) {
	if out := newTestSmoother(false, 1000).Smooth(EmptyTimeline()); !out.IsEmpty() {
		t.Fatalf("expected empty output for empty input")
	}
}

func TestSmoother_ConfigDefaults(t *testing.T) {
	s := NewRateLimitedSmoother(SmootherConfig{})
	if s.cfg.TickMS != smootherTickMS {
		t.Errorf("expected default tick %d, got %d", smootherTickMS, s.cfg.TickMS)
	}
	if s.cfg.MaxStepPerTick != defaultMaxStepPerTick {
		t.Errorf("expected default max step %v, got %v", defaultMaxStepPerTick, s.cfg.MaxStepPerTick)
	}
}
