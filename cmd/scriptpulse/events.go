package main

import (
	"encoding/json"
	"fmt"
)

// ============================================================================
// Event Types
// ============================================================================
// Events represent intent from the various control surfaces (HTTP API, IPC,
// player hook, control websocket). The daemon loop consumes them and applies
// policy; surfaces never touch playback state directly.
// ============================================================================

// Event is a marker interface for all daemon events.
type Event interface {
	eventMarker()
}

// ScriptLoadRequested asks the daemon to fetch and load a script resource.
type ScriptLoadRequested struct {
	Source string `json:"source"` // URL, file path or library name
}

func (ScriptLoadRequested) eventMarker() {}

// ScriptClearRequested empties the loaded timelines.
type ScriptClearRequested struct{}

func (ScriptClearRequested) eventMarker() {}

// TransportPlay starts or resumes playback. A nil position resumes from the
// current clock position.
type TransportPlay struct {
	PositionMS *float64 `json:"position_ms,omitempty"`
}

func (TransportPlay) eventMarker() {}

// TransportPause pauses playback. A nil position freezes at the current
// clock position.
type TransportPause struct {
	PositionMS *float64 `json:"position_ms,omitempty"`
}

func (TransportPause) eventMarker() {}

// TransportSeek moves the playback clock without changing play state.
type TransportSeek struct {
	PositionMS float64 `json:"position_ms"`
}

func (TransportSeek) eventMarker() {}

// VideoChanged indicates the player switched to another video. The actuator
// is zeroed immediately; Source optionally names the next script to load.
type VideoChanged struct {
	Source string `json:"source,omitempty"`
}

func (VideoChanged) eventMarker() {}

// TimeSync carries the player's authoritative clock reading, used to correct
// drift between the player and the daemon's playback clock.
type TimeSync struct {
	PositionMS float64 `json:"position_ms"`
	Playing    bool    `json:"playing"`
}

func (TimeSync) eventMarker() {}

// ExternalControl carries one inbound control-surface command pair, driven
// to the device when the pipeline is in external mode.
type ExternalControl struct {
	Oscillate float64 `json:"o"`
	Vibrate   float64 `json:"v"`
}

func (ExternalControl) eventMarker() {}

// SettingsChanged notifies the daemon that pipeline settings were written
// through the accessor API, so state watchers get a fresh snapshot. Carries
// no payload; the daemon reads the pipeline directly.
type SettingsChanged struct{}

func (SettingsChanged) eventMarker() {}

// ============================================================================
// JSON Encoding/Decoding Support
// ============================================================================
// EventEnvelope wraps events for JSON serialization/deserialization. Since
// Go doesn't have union types, we use a type discriminator.
// ============================================================================

// EventEnvelope wraps an event with a type discriminator for JSON marshaling
type EventEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// UnmarshalEvent deserializes a JSON event envelope into a concrete Event
func UnmarshalEvent(data []byte) (Event, error) {
	var env EventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	switch env.Type {
	case "load_script":
		var e ScriptLoadRequested
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return nil, fmt.Errorf("unmarshal ScriptLoadRequested: %w", err)
		}
		return e, nil

	case "clear_script":
		return ScriptClearRequested{}, nil

	case "play":
		var e TransportPlay
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &e); err != nil {
				return nil, fmt.Errorf("unmarshal TransportPlay: %w", err)
			}
		}
		return e, nil

	case "pause":
		var e TransportPause
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &e); err != nil {
				return nil, fmt.Errorf("unmarshal TransportPause: %w", err)
			}
		}
		return e, nil

	case "seek":
		var e TransportSeek
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return nil, fmt.Errorf("unmarshal TransportSeek: %w", err)
		}
		return e, nil

	case "video_changed":
		var e VideoChanged
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &e); err != nil {
				return nil, fmt.Errorf("unmarshal VideoChanged: %w", err)
			}
		}
		return e, nil

	case "time_sync":
		var e TimeSync
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return nil, fmt.Errorf("unmarshal TimeSync: %w", err)
		}
		return e, nil

	case "external_control":
		var e ExternalControl
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return nil, fmt.Errorf("unmarshal ExternalControl: %w", err)
		}
		return e, nil

	case "settings_changed":
		return SettingsChanged{}, nil

	default:
		return nil, fmt.Errorf("unknown event type: %q", env.Type)
	}
}

// MarshalEvent serializes an Event into a JSON envelope with type discriminator
func MarshalEvent(e Event) ([]byte, error) {
	var env EventEnvelope

	switch e := e.(type) {
	case ScriptLoadRequested:
		env.Type = "load_script"
		data, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("marshal ScriptLoadRequested: %w", err)
		}
		env.Data = data

	case ScriptClearRequested:
		env.Type = "clear_script"

	case TransportPlay:
		env.Type = "play"
		data, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("marshal TransportPlay: %w", err)
		}
		env.Data = data

	case TransportPause:
		env.Type = "pause"
		data, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("marshal TransportPause: %w", err)
		}
		env.Data = data

	case TransportSeek:
		env.Type = "seek"
		data, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("marshal TransportSeek: %w", err)
		}
		env.Data = data

	case VideoChanged:
		env.Type = "video_changed"
		data, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("marshal VideoChanged: %w", err)
		}
		env.Data = data

	case TimeSync:
		env.Type = "time_sync"
		data, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("marshal TimeSync: %w", err)
		}
		env.Data = data

	case ExternalControl:
		env.Type = "external_control"
		data, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("marshal ExternalControl: %w", err)
		}
		env.Data = data

	case SettingsChanged:
		env.Type = "settings_changed"

	default:
		return nil, fmt.Errorf("unsupported event type: %T", e)
	}

	return json.Marshal(env)
}
