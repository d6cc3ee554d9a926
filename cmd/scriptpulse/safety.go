package main

import "math"

// SafetyConfig bounds what the pipeline is allowed to send to a device. The
// multiplier scales raw intensity, the absolute maximum is a hard ceiling
// that no multiplier value can push past.
type SafetyConfig struct {
	Multiplier  float64
	AbsoluteMax int
}

func DefaultSafetyConfig() SafetyConfig {
	return SafetyConfig{
		Multiplier:  1.0,
		AbsoluteMax: defaultAbsoluteMax,
	}
}

// Validate reports whether the config can be applied. Callers keep the
// previous config when this fails.
func (c SafetyConfig) Validate() bool {
	if math.IsNaN(c.Multiplier) || math.IsInf(c.Multiplier, 0) || c.Multiplier <= 0 {
		return false
	}
	return c.AbsoluteMax >= 0 && c.AbsoluteMax <= 100
}

// Normalize maps a raw intensity value to the device-safe range
// [0, AbsoluteMax], applying the multiplier first.
func (c SafetyConfig) Normalize(raw float64) float64 {
	v := math.Floor(raw * c.Multiplier)
	if math.IsNaN(v) {
		return 0
	}
	if v < 0 {
		v = 0
	}
	if max := float64(c.AbsoluteMax); v > max {
		v = max
	}
	return v
}

// autoLevelMultiplier picks the multiplier for a freshly loaded intensity
// sequence. Scripts whose raw peak exceeds the ceiling's headroom get scaled
// down so the peak lands near headroom*AbsoluteMax instead of the whole
// curve being crushed flat against the ceiling.
func autoLevelMultiplier(absoluteMax int, rawMax float64) float64 {
	ceiling := float64(absoluteMax) * autoLevelHeadroom
	if rawMax > 0 && ceiling < rawMax {
		return ceiling / rawMax
	}
	return 1.0
}
