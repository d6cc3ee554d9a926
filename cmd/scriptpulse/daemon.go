package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// ============================================================================
// Central Daemon Loop
// ============================================================================
//
// Design rules enforced here:
//   - The daemon goroutine is the only writer of the playback clock and the
//     only caller of Pipeline.SampleAt (the beat pulse marker is stateful).
//   - Control surfaces (HTTP API, IPC, control WS) communicate exclusively
//     through the events channel. Settings writes go through the Pipeline
//     accessor API and announce themselves with a SettingsChanged event.
//   - Device sends, state broadcasts and stat writes happen only here.
//
// ============================================================================

// StateSnapshot is the daemon state handed to newly connected state clients.
type StateSnapshot struct {
	Pipeline   PipelineStatus `json:"pipeline"`
	Playing    bool           `json:"playing"`
	PositionMS float64        `json:"position_ms"`
	Link       string         `json:"link"`
}

// RequestStateSnapshot asks the daemon for a consistent state snapshot.
// In-process only; never serialized.
type RequestStateSnapshot struct {
	Reply chan<- StateSnapshot
}

func (RequestStateSnapshot) eventMarker() {}

// runDaemon is the playback heart: it consumes control events, advances the
// playback clock on a fixed cadence, samples the pipeline and hands the
// throttled result to the device channel.
//
// Shutdown semantics:
//   - Exits when ctx is canceled (after zeroing the actuator)
//   - Exits cleanly when the events channel is closed
func runDaemon(
	ctx context.Context,
	events <-chan Event,
	pipeline *Pipeline,
	device *DeviceChannel,
	loader *ScriptLoader,
	broadcasts chan<- StateBroadcast,
	stats StatsRecorder,
	updateHz int,
	logger *slog.Logger,
) {
	if updateHz <= 0 {
		updateHz = defaultUpdateHz
	}
	updateInterval := time.Second / time.Duration(updateHz)
	ticker := time.NewTicker(updateInterval)
	defer ticker.Stop()

	playback := newPlaybackState()
	wasActive := false
	lastLink := device.Status()

	emit := func(b StateBroadcast) {
		if broadcasts == nil {
			return
		}
		select {
		case broadcasts <- b:
		default:
			logger.Warn("state broadcast queue full, dropping", "type", fmt.Sprintf("%T", b))
		}
	}

	// Explicit event queue so handlers can enqueue follow-up events without
	// re-entrant execution.
	var eventQueue []Event
	enqueueEvent := func(ev Event) {
		eventQueue = append(eventQueue, ev)
	}

	handleEvent := func(ev Event, now time.Time) {
		switch e := ev.(type) {
		case ScriptLoadRequested:
			data, err := loader.Fetch(ctx, e.Source)
			if err != nil {
				pipeline.Clear()
				logger.Error("script fetch failed", "source", e.Source, "error", err)
				emit(BroadcastScriptLoaded{Status: pipeline.Status(), At: now})
				return
			}
			st, err := pipeline.Load(e.Source, data)
			if err != nil {
				logger.Error("script load failed", "source", e.Source, "error", err)
			} else if stats != nil {
				if serr := stats.Record(ctx, e.Source, st); serr != nil {
					logger.Warn("stats record failed", "source", e.Source, "error", serr)
				}
			}
			emit(BroadcastScriptLoaded{Status: pipeline.Status(), At: now})

		case ScriptClearRequested:
			pipeline.Clear()
			emit(BroadcastScriptLoaded{Status: pipeline.Status(), At: now})

		case TransportPlay:
			playback.play(e.PositionMS, now)
			emit(BroadcastTransportChanged{Playing: true, PositionMS: playback.positionAt(now), At: now})

		case TransportPause:
			playback.pause(e.PositionMS, now)
			emit(BroadcastTransportChanged{Playing: false, PositionMS: playback.positionAt(now), At: now})

		case TransportSeek:
			playback.seek(e.PositionMS, now)
			emit(BroadcastTransportChanged{Playing: playback.playing, PositionMS: e.PositionMS, At: now})

		case VideoChanged:
			// Never leave the actuator running across a video switch.
			device.SendZero()
			pipeline.Clear()
			playback.stop(now)
			emit(BroadcastTransportChanged{Playing: false, PositionMS: 0, At: now})
			emit(BroadcastScriptLoaded{Status: pipeline.Status(), At: now})
			if e.Source != "" {
				enqueueEvent(ScriptLoadRequested{Source: e.Source})
			}

		case TimeSync:
			if playback.sync(e.PositionMS, e.Playing, now) {
				logger.Debug("playback clock corrected", "position_ms", e.PositionMS, "playing", e.Playing)
				emit(BroadcastTransportChanged{Playing: playback.playing, PositionMS: playback.positionAt(now), At: now})
			}

		case ExternalControl:
			if pipeline.Mode() == ModeExternal {
				device.Submit(DeviceCommand{Oscillate: e.Oscillate, Vibrate: e.Vibrate}, ModeExternal)
			}

		case SettingsChanged:
			emit(BroadcastSettingsChanged{Status: pipeline.Status(), At: now})

		case RequestStateSnapshot:
			snap := StateSnapshot{
				Pipeline:   pipeline.Status(),
				Playing:    playback.playing,
				PositionMS: playback.positionAt(now),
				Link:       string(device.Status()),
			}
			select {
			case e.Reply <- snap:
			default:
			}

		default:
			logger.Warn("unhandled event", "type", fmt.Sprintf("%T", ev))
		}
	}

	flushEvents := func() {
		for len(eventQueue) > 0 {
			ev := eventQueue[0]
			eventQueue = eventQueue[1:]
			handleEvent(ev, time.Now())
		}
	}

	onTick := func(now time.Time) {
		if st := device.Status(); st != lastLink {
			lastLink = st
			emit(BroadcastLinkChanged{Status: string(st), At: now})
		}

		active := playback.active(now)
		if active {
			pos := playback.positionAt(now)
			sample := pipeline.SampleAt(pos)

			mode := pipeline.Mode()
			if mode != ModeExternal {
				// The grace factor ramps only the vibration axis; position
				// stays frozen at the pause point until the final zero.
				factor := playback.rampFactor(now)
				cmd := DeviceCommand{Oscillate: sample.Position / posMax}
				switch mode {
				case ModeRate:
					cmd.Vibrate = sample.Intensity / posMax * factor
				case ModePulse:
					cmd.Vibrate = sample.Pulse * factor
				}
				device.Submit(cmd, mode)
			}
			emit(BroadcastSample{Sample: sample, At: now})
		}

		if wasActive && !active {
			// Pause grace expired with no resume.
			device.SendZero()
			logger.Debug("playback task stopped after pause grace")
		}
		wasActive = active
	}

	logger.Info("daemon started", "update_hz", updateHz)

	for {
		select {
		case <-ctx.Done():
			logger.Info("daemon stopping (context canceled)")
			device.SendZero()
			return

		case ev, ok := <-events:
			if !ok {
				logger.Info("daemon stopping (events channel closed)")
				device.SendZero()
				return
			}
			enqueueEvent(ev)
			flushEvents()

		case now := <-ticker.C:
			onTick(now)
		}
	}
}
