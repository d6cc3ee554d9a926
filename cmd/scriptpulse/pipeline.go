package main

import (
	"fmt"
	"log/slog"
	"sync"
)

// DriveMode selects which signal feeds the device's vibrate channel.
type DriveMode string

const (
	// ModeRate drives vibrate from the smoothed, normalized intensity curve.
	ModeRate DriveMode = "rate"
	// ModePulse drives vibrate from the beat pulse generator.
	ModePulse DriveMode = "pulse"
	// ModeExternal hands the device over to inbound control messages; the
	// pipeline still computes samples but does not send them.
	ModeExternal DriveMode = "external"
)

func parseDriveMode(s string) (DriveMode, error) {
	switch DriveMode(s) {
	case ModeRate, ModePulse, ModeExternal:
		return DriveMode(s), nil
	}
	return "", fmt.Errorf("unknown drive mode: %q (must be rate, pulse or external)", s)
}

// PipelineSample is one playback tick's worth of computed output.
type PipelineSample struct {
	TimeMS       float64 `json:"time_ms"`
	Position     float64 `json:"position"`
	Intensity    float64 `json:"intensity"`
	RawIntensity float64 `json:"raw_intensity"`
	Pulse        float64 `json:"pulse"`
}

// PipelineStatus summarises the externally visible pipeline state.
type PipelineStatus struct {
	ScriptName  string      `json:"script_name"`
	Loaded      bool        `json:"loaded"`
	DurationMS  int64       `json:"duration_ms"`
	ActionCount int         `json:"action_count"`
	Mode        string      `json:"mode"`
	Multiplier  float64     `json:"multiplier"`
	AbsoluteMax int         `json:"absolute_max"`
	Strategy    string      `json:"strategy"`
	Loop        bool        `json:"loop"`
	Stats       ScriptStats `json:"stats"`
}

// Pipeline owns the loaded timelines and the settings every query reads.
// All mutation goes through its methods. Readers always observe complete
// timelines and a consistent settings snapshot, never a partial update.
type Pipeline struct {
	mu sync.RWMutex

	original   *Timeline
	intensity  *Timeline
	scriptName string
	stats      ScriptStats

	safety   SafetyConfig
	mode     DriveMode
	strategy string
	loop     bool

	pulse *BeatPulseGenerator

	logger *slog.Logger
}

func NewPipeline(strategy string, loop bool, logger *slog.Logger) (*Pipeline, error) {
	if _, err := deriverForStrategy(strategy); err != nil {
		return nil, err
	}
	return &Pipeline{
		original:  EmptyTimeline(),
		intensity: EmptyTimeline(),
		safety:    DefaultSafetyConfig(),
		mode:      ModeRate,
		strategy:  strategy,
		loop:      loop,
		pulse:     NewBeatPulseGenerator(),
		logger:    logger,
	}, nil
}

// Load parses script data, derives and smooths the intensity curve when the
// resource does not supply one, and swaps both timelines in atomically. On
// any failure both timelines are emptied first so queries fall back to
// silence rather than stale data.
func (p *Pipeline) Load(name string, data []byte) (ScriptStats, error) {
	p.mu.RLock()
	strategy, loop := p.strategy, p.loop
	p.mu.RUnlock()

	script, err := ParseScript(data)
	if err != nil {
		p.Clear()
		return ScriptStats{}, fmt.Errorf("parse script: %w", err)
	}

	intensity := script.Intensity
	if intensity == nil || intensity.IsEmpty() {
		intensity, err = deriveIntensity(script.Original, strategy, loop)
		if err != nil {
			p.Clear()
			return ScriptStats{}, err
		}
	}

	stats := ComputeScriptStats(script.Original, intensity)

	p.mu.Lock()
	p.original = script.Original
	p.intensity = intensity
	p.scriptName = name
	p.stats = stats
	p.safety.Multiplier = autoLevelMultiplier(p.safety.AbsoluteMax, intensity.MaxPos())
	p.pulse.Reset(script.Original)
	multiplier := p.safety.Multiplier
	p.mu.Unlock()

	p.logger.Info("script loaded",
		"name", name,
		"actions", script.Original.Len(),
		"duration_ms", script.Original.Duration(),
		"peak_intensity", stats.PeakIntensity,
		"multiplier", multiplier)
	return stats, nil
}

// deriveIntensity computes the published intensity curve for an original
// timeline using the given strategy and smoother ending.
func deriveIntensity(original *Timeline, strategy string, loop bool) (*Timeline, error) {
	deriver, err := deriverForStrategy(strategy)
	if err != nil {
		return nil, err
	}
	smoother := NewRateLimitedSmoother(SmootherConfig{
		TickMS:         smootherTickMS,
		MaxStepPerTick: defaultMaxStepPerTick,
		Loop:           loop,
		FadeMS:         fadeDurationMS,
	})
	return smoother.Smooth(deriver.Derive(original)), nil
}

// Clear empties both timelines so every query yields silence.
func (p *Pipeline) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.original = EmptyTimeline()
	p.intensity = EmptyTimeline()
	p.scriptName = ""
	p.stats = ScriptStats{}
	p.safety.Multiplier = 1.0
	p.pulse.Reset(EmptyTimeline())
}

// PositionAt returns the interpolated script position at tMS.
func (p *Pipeline) PositionAt(tMS float64) float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.original.ValueAt(tMS)
}

// IntensityAt returns the intensity at tMS with the current multiplier and
// ceiling applied.
func (p *Pipeline) IntensityAt(tMS float64) float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.safety.Normalize(p.intensity.ValueAt(tMS))
}

// RawIntensityAt returns the unclamped intensity at tMS, for diagnostics.
func (p *Pipeline) RawIntensityAt(tMS float64) float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.intensity.ValueAt(tMS)
}

// SampleAt computes one playback tick's full output set. The beat pulse
// marker advances as a side effect; intended to be called only by the
// daemon goroutine (single-owner).
func (p *Pipeline) SampleAt(tMS float64) PipelineSample {
	p.mu.RLock()
	defer p.mu.RUnlock()
	raw := p.intensity.ValueAt(tMS)
	return PipelineSample{
		TimeMS:       tMS,
		Position:     p.original.ValueAt(tMS),
		Intensity:    p.safety.Normalize(raw),
		RawIntensity: raw,
		Pulse:        p.pulse.PulseAt(tMS),
	}
}

// SetMultiplier applies a new multiplier. Invalid values are rejected and
// the previous value retained.
func (p *Pipeline) SetMultiplier(v float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	next := p.safety
	next.Multiplier = v
	if !next.Validate() {
		return fmt.Errorf("invalid multiplier: %v", v)
	}
	p.safety = next
	return nil
}

// SetAbsoluteMax applies a new hard ceiling. Invalid values are rejected
// and the previous value retained.
func (p *Pipeline) SetAbsoluteMax(v int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	next := p.safety
	next.AbsoluteMax = v
	if !next.Validate() {
		return fmt.Errorf("invalid absolute max: %d", v)
	}
	p.safety = next
	return nil
}

func (p *Pipeline) SetMode(mode DriveMode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mode = mode
}

// SetStrategy selects the derivation strategy used by subsequent loads.
func (p *Pipeline) SetStrategy(name string) error {
	if _, err := deriverForStrategy(name); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.strategy = name
	return nil
}

// SetLoop selects the smoother ending used by subsequent loads.
func (p *Pipeline) SetLoop(loop bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loop = loop
}

func (p *Pipeline) Mode() DriveMode {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.mode
}

func (p *Pipeline) Safety() SafetyConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.safety
}

// Status returns a consistent snapshot for control surfaces.
func (p *Pipeline) Status() PipelineStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return PipelineStatus{
		ScriptName:  p.scriptName,
		Loaded:      !p.original.IsEmpty(),
		DurationMS:  p.original.Duration(),
		ActionCount: p.original.Len(),
		Mode:        string(p.mode),
		Multiplier:  p.safety.Multiplier,
		AbsoluteMax: p.safety.AbsoluteMax,
		Strategy:    p.strategy,
		Loop:        p.loop,
		Stats:       p.stats,
	}
}
