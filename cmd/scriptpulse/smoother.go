package main

import "math"

// SmootherConfig contains the tunable parameters for the rate-limited
// resampler.
type SmootherConfig struct {
	TickMS         int64   // Output grid interval (ms)
	MaxStepPerTick float64 // Maximum output change between adjacent ticks
	Loop           bool    // Loop endings (ramp back) vs fade endings
	FadeMS         int64   // Fade-in/out span in non-loop mode (ms)
}

// DefaultSmootherConfig returns the standard playback smoothing parameters.
func DefaultSmootherConfig() SmootherConfig {
	return SmootherConfig{
		TickMS:         smootherTickMS,
		MaxStepPerTick: defaultMaxStepPerTick,
		FadeMS:         fadeDurationMS,
	}
}

// RateLimitedSmoother resamples a coarse intensity timeline onto a fixed
// tick grid so that no two adjacent output samples differ by more than
// MaxStepPerTick. Output points are emitted only when the value changes.
//
// Between source samples the running target is the time-weighted average of
// the piecewise-linear source over that span (the trapezoid mean of its two
// endpoints); the output moves toward it by at most one step per tick. When
// the target is reached before the span's ticks run out, the remaining ticks
// hold the value and are skipped without emission, which leaves the value at
// the span boundary untouched.
type RateLimitedSmoother struct {
	cfg SmootherConfig
}

func NewRateLimitedSmoother(cfg SmootherConfig) *RateLimitedSmoother {
	if cfg.TickMS <= 0 {
		cfg.TickMS = smootherTickMS
	}
	if cfg.MaxStepPerTick <= 0 {
		cfg.MaxStepPerTick = defaultMaxStepPerTick
	}
	if cfg.FadeMS < 0 {
		cfg.FadeMS = 0
	}
	return &RateLimitedSmoother{cfg: cfg}
}

// Smooth produces the rate-limited ticked sequence for src, with the
// configured ending applied: a max-rate ramp back to the first value in loop
// mode, or linear fade-in/fade-out in non-loop mode.
func (s *RateLimitedSmoother) Smooth(src *Timeline) *Timeline {
	actions := src.Actions()
	if len(actions) == 0 {
		return EmptyTimeline()
	}

	anchor := actions[0].At
	points, lastTick, lastValue := s.resample(actions)

	if s.cfg.Loop {
		points = s.appendLoopRamp(points, anchor, lastTick, lastValue)
	} else {
		points = s.applyFades(points, anchor, lastTick)
	}

	return NewTimeline(points)
}

// resample walks the tick grid across every source span and returns the
// emitted points plus the final tick index and terminal value.
func (s *RateLimitedSmoother) resample(actions []Action) (points []Action, lastTick int64, lastValue float64) {
	anchor := actions[0].At
	current := actions[0].Pos
	points = append(points, Action{At: anchor, Pos: current})

	tick := int64(0) // index of the last processed grid point

	for i := 0; i+1 < len(actions); i++ {
		segEnd := actions[i+1].At

		// Grid points that fall inside this span.
		lastInSeg := (segEnd - anchor) / s.cfg.TickMS
		ticksRemaining := lastInSeg - tick
		if ticksRemaining <= 0 {
			continue
		}

		target := (actions[i].Pos + actions[i+1].Pos) / 2

		diff := target - current
		ticksNeeded := int64(math.Ceil(math.Abs(diff) / s.cfg.MaxStepPerTick))

		rampTicks := ticksNeeded
		if rampTicks > ticksRemaining {
			rampTicks = ticksRemaining
		}

		for j := int64(1); j <= rampTicks; j++ {
			step := math.Min(s.cfg.MaxStepPerTick, math.Abs(target-current))
			if step == 0 {
				break
			}
			current += math.Copysign(step, target-current)
			points = append(points, Action{At: anchor + (tick+j)*s.cfg.TickMS, Pos: current})
		}

		// Held ticks after the target is reached carry no new information;
		// jump the cursor to the span boundary.
		tick = lastInSeg
	}

	return points, tick, current
}

// appendLoopRamp extends the sequence with a max-rate ramp from the terminal
// value back to the first value so playback can wrap seamlessly.
func (s *RateLimitedSmoother) appendLoopRamp(points []Action, anchor, lastTick int64, lastValue float64) []Action {
	if len(points) == 0 {
		return points
	}
	first := points[0].Pos
	current := lastValue

	for k := lastTick + 1; current != first; k++ {
		step := math.Min(s.cfg.MaxStepPerTick, math.Abs(first-current))
		current += math.Copysign(step, first-current)
		points = append(points, Action{At: anchor + k*s.cfg.TickMS, Pos: current})
	}
	return points
}

// applyFades rewrites the first and last fade windows tick by tick, scaling
// by the distance from the nearer end so output starts and finishes at 0.
func (s *RateLimitedSmoother) applyFades(points []Action, anchor, lastTick int64) []Action {
	fadeTicks := int64(0)
	if s.cfg.FadeMS > 0 {
		fadeTicks = s.cfg.FadeMS / s.cfg.TickMS
	}
	if fadeTicks <= 0 || len(points) == 0 {
		return points
	}

	valueAtTick := sparseTickReader(points)

	fadeScale := func(tick int64) float64 {
		f := 1.0
		if tick < fadeTicks {
			f = math.Min(f, float64(tick)/float64(fadeTicks))
		}
		if d := lastTick - tick; d < fadeTicks {
			f = math.Min(f, float64(d)/float64(fadeTicks))
		}
		return f
	}

	var out []Action
	emitted := math.NaN()
	emit := func(at int64, v float64) {
		if v == emitted {
			return
		}
		out = append(out, Action{At: at, Pos: v})
		emitted = v
	}

	for tick := int64(0); tick <= lastTick; tick++ {
		at := anchor + tick*s.cfg.TickMS
		emit(at, valueAtTick(at)*fadeScale(tick))
	}

	return out
}

// sparseTickReader returns a forward-only reader over emit-on-change points:
// the value at a grid time is the most recent emitted value at or before it.
func sparseTickReader(points []Action) func(at int64) float64 {
	idx := 0
	last := 0.0
	if len(points) > 0 {
		last = points[0].Pos
	}
	return func(at int64) float64 {
		for idx < len(points) && points[idx].At <= at {
			last = points[idx].Pos
			idx++
		}
		return last
	}
}
