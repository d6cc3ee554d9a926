package main

import (
	"fmt"
	"math"
)

// IntensityDeriver computes an intensity timeline from a position timeline.
//
// The strategy is chosen once at configuration time; both strategies produce
// a raw, unclamped curve. Clamping to the device-safe range is the
// normalizer's job.
type IntensityDeriver interface {
	Derive(src *Timeline) *Timeline
}

const (
	strategySlope    = "slope"
	strategyWindowed = "windowed"
)

// deriverForStrategy maps a config string to a concrete deriver.
func deriverForStrategy(name string) (IntensityDeriver, error) {
	switch name {
	case strategySlope:
		return SegmentSlopeDeriver{}, nil
	case strategyWindowed:
		return NewWindowedSpeedDeriver(), nil
	default:
		return nil, fmt.Errorf("unknown intensity strategy: %q (must be %s or %s)", name, strategySlope, strategyWindowed)
	}
}

// SegmentSlopeDeriver assigns each interior sample boundary the slope of the
// segment ending there. The first and last samples are pinned to 0 so a
// script always ramps from and to silence.
type SegmentSlopeDeriver struct{}

func (SegmentSlopeDeriver) Derive(src *Timeline) *Timeline {
	actions := src.Actions()
	n := len(actions)
	if n == 0 {
		return EmptyTimeline()
	}

	out := make([]Action, n)
	out[0] = Action{At: actions[0].At, Pos: 0}
	for i := 1; i < n-1; i++ {
		out[i] = Action{At: actions[i].At, Pos: segmentSlope(actions[i-1], actions[i])}
	}
	if n > 1 {
		out[n-1] = Action{At: actions[n-1].At, Pos: 0}
	}

	return NewTimeline(out)
}

// segmentSlope converts one segment's position change rate into intensity:
// min(100, floor(|dPos|/dAt * 100)). A non-positive time span yields 0.
func segmentSlope(a0, a1 Action) float64 {
	dt := a1.At - a0.At
	if dt <= 0 {
		return 0
	}
	v := math.Floor(math.Abs(a1.Pos-a0.Pos) / float64(dt) * 100)
	return math.Min(100, v)
}

// WindowedSpeedDeriver estimates intensity as total position travel per
// millisecond inside a moving window, scaled so that four full-amplitude
// cycles per second map to 100.
type WindowedSpeedDeriver struct {
	SampleIntervalMS int64
	WindowRadiusMS   int64
	Calibration      float64
}

func NewWindowedSpeedDeriver() WindowedSpeedDeriver {
	return WindowedSpeedDeriver{
		SampleIntervalMS: speedSampleIntervalMS,
		WindowRadiusMS:   speedWindowRadiusMS,
		Calibration:      speedCalibration,
	}
}

func (d WindowedSpeedDeriver) Derive(src *Timeline) *Timeline {
	actions := src.Actions()
	if len(actions) < 2 || d.SampleIntervalMS <= 0 {
		return EmptyTimeline()
	}

	maxTime := actions[len(actions)-1].At
	var out []Action

	for t := int64(0); t <= maxTime; t += d.SampleIntervalMS {
		start := t - d.WindowRadiusMS
		if start < 0 {
			start = 0
		}
		end := t + d.WindowRadiusMS
		if end > maxTime {
			end = maxTime
		}

		out = append(out, Action{At: t, Pos: d.windowIntensity(src, start, end)})
	}

	return NewTimeline(out)
}

// windowIntensity sums the absolute position deltas across the window: the
// interpolated positions at both window boundaries plus every original
// sample strictly inside, in time order. Degenerate windows yield 0.
func (d WindowedSpeedDeriver) windowIntensity(src *Timeline, start, end int64) float64 {
	duration := end - start
	if duration <= 0 {
		return 0
	}

	prevPos := src.ValueAt(float64(start))
	prevAt := start
	var travel float64

	for _, a := range src.Actions() {
		if a.At <= start {
			continue
		}
		if a.At >= end {
			break
		}
		if a.At > prevAt {
			travel += math.Abs(a.Pos - prevPos)
		}
		prevPos = a.Pos
		prevAt = a.At
	}

	if end > prevAt {
		travel += math.Abs(src.ValueAt(float64(end)) - prevPos)
	}

	intensity := travel / float64(duration) * d.Calibration
	if !isFiniteNumber(intensity) {
		return 0
	}
	return intensity
}

func isFiniteNumber(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// ScriptStats are the aggregates handed to the stats collaborator after a
// successful load. Averages are time-weighted over the raw (pre-normalizer)
// intensity curve.
type ScriptStats struct {
	AvgIntensity  float64 `json:"avg_intensity"`
	PeakIntensity float64 `json:"peak_intensity"`
	DurationMS    int64   `json:"duration_ms"`
	ActionCount   int     `json:"action_count"`
}

// ComputeScriptStats derives aggregates from the loaded position timeline
// and its raw intensity curve.
func ComputeScriptStats(original, intensity *Timeline) ScriptStats {
	stats := ScriptStats{
		DurationMS:  original.Duration(),
		ActionCount: original.Len(),
	}

	actions := intensity.Actions()
	if len(actions) == 0 {
		return stats
	}

	for _, a := range actions {
		if a.Pos > stats.PeakIntensity {
			stats.PeakIntensity = a.Pos
		}
	}

	// Trapezoid integral over the piecewise-linear curve.
	span := actions[len(actions)-1].At - actions[0].At
	if span <= 0 {
		stats.AvgIntensity = actions[0].Pos
		return stats
	}
	var integral float64
	for i := 1; i < len(actions); i++ {
		dt := float64(actions[i].At - actions[i-1].At)
		integral += (actions[i].Pos + actions[i-1].Pos) / 2 * dt
	}
	stats.AvgIntensity = integral / float64(span)

	return stats
}
