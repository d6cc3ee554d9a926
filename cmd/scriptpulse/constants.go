package main

import "time"

// Script value range. Positions in a funscript are nominally 0-100.
const (
	posMin = 0.0
	posMax = 100.0
)

// Playback loop configuration
const (
	defaultUpdateHz = 20 // Playback tick frequency (Hz)

	// Pausing does not stop the playback task immediately; the task keeps
	// running for this long so output can ramp down instead of cutting.
	pauseGracePeriod = 1 * time.Second

	// TimeSync corrections below this threshold are ignored to avoid
	// constantly nudging the clock over playback jitter.
	timeSyncSnapThresholdMS = 250
)

// Intensity derivation configuration
const (
	// Windowed scaled-speed estimator: sample cadence and half-window size.
	speedSampleIntervalMS = 50
	speedWindowRadiusMS   = 200

	// Scales summed |pos delta| per ms to the 0-100 intensity range.
	// Four full-amplitude cycles per second map to intensity 100.
	speedCalibration = 125.0
)

// Smoother configuration
const (
	smootherTickMS = 100 // Fixed resampling tick (ms)

	// Maximum output change per tick. At 100ms ticks this allows the
	// intensity to move 40 units per second.
	defaultMaxStepPerTick = 4.0

	fadeDurationMS = 1000 // Linear fade-in/out span in non-loop mode (ms)
)

// Safety configuration
const (
	defaultAbsoluteMax = 100 // Hard intensity ceiling (0-100)

	// Auto-leveling keeps a script's raw peak near 120% of the ceiling so
	// the clamp still engages without crushing the whole curve.
	autoLevelHeadroom = 1.2
)

// Beat pulse configuration
const (
	// When no further release edge exists, the decay window extends this far
	// past the query time.
	defaultNextEdgeGapMS = 500
)

// Device channel configuration
const (
	deviceMinSendSpacing   = 150 * time.Millisecond // Minimum spacing between sends
	deviceReconnectDelay   = 1 * time.Second        // Delay before a scheduled reconnect
	deviceHandshakeTimeout = 2 * time.Second
	deviceWriteTimeout     = 2 * time.Second

	// Vibrate remap in rate mode: values below the dead zone do not actuate,
	// the remainder is rescaled to use the full range.
	vibrateDeadZone = 0.03
	vibrateGain     = 1.5
)

// HTTP API configuration
const (
	apiShutdownTimeout = 3 * time.Second
	apiBodyLimit       = 1 << 20 // Request body cap (bytes)

	// Remote script fetches must finish within this window.
	scriptFetchTimeout = 10 * time.Second

	// Scripts larger than this are rejected outright.
	scriptMaxBytes = 8 << 20
)
