package main

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Action is a single timestamped position sample from a script.
type Action struct {
	At  int64   `json:"at"`  // milliseconds from script start, non-negative
	Pos float64 `json:"pos"` // position, nominally 0-100
}

// Timeline is an ordered, immutable-per-load sequence of Actions.
//
// Invariant: At is strictly increasing. NewTimeline establishes this by
// sorting and deduplicating; nothing mutates the slice afterwards. Readers
// always see either a complete old timeline or a complete new one because
// swaps replace the whole value.
type Timeline struct {
	actions []Action
}

// NewTimeline builds a timeline from raw actions: stable-sorted by At, with
// duplicate timestamps collapsed to the later occurrence.
func NewTimeline(actions []Action) *Timeline {
	owned := make([]Action, len(actions))
	copy(owned, actions)

	sort.SliceStable(owned, func(i, j int) bool { return owned[i].At < owned[j].At })

	// Collapse equal-At runs keeping the last element. Stable sort preserves
	// input order within a run, so the last element is the later duplicate.
	deduped := owned[:0]
	for i, a := range owned {
		if i+1 < len(owned) && owned[i+1].At == a.At {
			continue
		}
		deduped = append(deduped, a)
	}

	return &Timeline{actions: deduped}
}

// EmptyTimeline returns a timeline with no actions. Queries against it
// degrade to neutral values.
func EmptyTimeline() *Timeline {
	return &Timeline{}
}

func (t *Timeline) Len() int      { return len(t.actions) }
func (t *Timeline) IsEmpty() bool { return len(t.actions) == 0 }

// Actions returns the underlying ordered samples. Callers must not mutate.
func (t *Timeline) Actions() []Action { return t.actions }

// Duration returns the timestamp of the last action in ms, or 0 when empty.
func (t *Timeline) Duration() int64 {
	if len(t.actions) == 0 {
		return 0
	}
	return t.actions[len(t.actions)-1].At
}

// MaxPos returns the largest position value, or 0 when empty.
func (t *Timeline) MaxPos() float64 {
	max := 0.0
	for _, a := range t.actions {
		if a.Pos > max {
			max = a.Pos
		}
	}
	return max
}

// ValueAt returns the position at time tMS by linear interpolation between
// the bracketing samples. Before the first sample it returns the first
// sample's value, after the last it returns the last sample's value, and for
// an empty timeline it returns 0.
func (t *Timeline) ValueAt(tMS float64) float64 {
	n := len(t.actions)
	if n == 0 {
		return 0
	}

	// Index of the earliest sample with At > tMS.
	idx := sort.Search(n, func(i int) bool { return float64(t.actions[i].At) > tMS })

	if idx == 0 {
		return t.actions[0].Pos
	}
	if idx == n {
		return t.actions[n-1].Pos
	}

	a0, a1 := t.actions[idx-1], t.actions[idx]
	span := float64(a1.At - a0.At)
	if span <= 0 {
		return a1.Pos
	}
	frac := (tMS - float64(a0.At)) / span
	return a0.Pos + frac*(a1.Pos-a0.Pos)
}

// ScriptData is the parsed content of one script resource.
type ScriptData struct {
	Original *Timeline

	// Intensity is non-nil only when the script carried a pre-split
	// intensity track; otherwise it must be derived locally.
	Intensity *Timeline
}

// scriptFile matches both accepted script schemas: a flat {actions: [...]}
// document or a pre-split {original: {...}, intensity: {...}} document.
type scriptFile struct {
	Actions   []Action       `json:"actions"`
	Original  *scriptSection `json:"original"`
	Intensity *scriptSection `json:"intensity"`
}

type scriptSection struct {
	Actions []Action `json:"actions"`
}

// ParseScript parses a script resource. Any malformed input yields an error;
// callers are expected to fail safe by emptying their timelines.
func ParseScript(data []byte) (ScriptData, error) {
	var f scriptFile
	if err := json.Unmarshal(data, &f); err != nil {
		return ScriptData{}, fmt.Errorf("parse script: %w", err)
	}

	// Pre-split form wins when present.
	if f.Original != nil {
		if err := checkActions(f.Original.Actions); err != nil {
			return ScriptData{}, fmt.Errorf("original track: %w", err)
		}
		sd := ScriptData{Original: NewTimeline(f.Original.Actions)}
		if f.Intensity != nil {
			if err := checkActions(f.Intensity.Actions); err != nil {
				return ScriptData{}, fmt.Errorf("intensity track: %w", err)
			}
			sd.Intensity = NewTimeline(f.Intensity.Actions)
		}
		return sd, nil
	}

	if f.Actions == nil {
		return ScriptData{}, fmt.Errorf("parse script: no actions field")
	}
	if err := checkActions(f.Actions); err != nil {
		return ScriptData{}, err
	}
	return ScriptData{Original: NewTimeline(f.Actions)}, nil
}

// checkActions rejects samples that violate the data model (negative
// timestamps). Positions are nominal 0-100 but out-of-range values are
// tolerated here; the safety clamp bounds what ever reaches a device.
func checkActions(actions []Action) error {
	for i, a := range actions {
		if a.At < 0 {
			return fmt.Errorf("action %d: negative timestamp %d", i, a.At)
		}
	}
	return nil
}
