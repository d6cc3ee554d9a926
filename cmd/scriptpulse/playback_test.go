package main

import (
	"math"
	"testing"
	"time"
)

func TestPlaybackState_ClockAdvancesWhilePlaying(t *testing.T) {
	p := newPlaybackState()
	now := time.Now()

	pos := 1000.0
	p.play(&pos, now)

	got := p.positionAt(now.Add(500 * time.Millisecond))
	if math.Abs(got-1500) > 1e-6 {
		t.Fatalf("expected position 1500, got %v", got)
	}
}

func TestPlaybackState_PauseFreezesClock(t *testing.T) {
	p := newPlaybackState()
	now := time.Now()

	pos := 0.0
	p.play(&pos, now)

	pauseAt := now.Add(2 * time.Second)
	p.pause(nil, pauseAt)

	frozen := p.positionAt(pauseAt)
	if math.Abs(frozen-2000) > 1e-6 {
		t.Fatalf("expected pause to freeze at 2000, got %v", frozen)
	}
	later := p.positionAt(pauseAt.Add(10 * time.Second))
	if later != frozen {
		t.Fatalf("expected frozen clock, got %v after %v", later, frozen)
	}
}

func TestPlaybackState_PauseGraceWindow(t *testing.T) {
	p := newPlaybackState()
	now := time.Now()

	pos := 0.0
	p.play(&pos, now)
	p.pause(nil, now)

	// Inside the grace window sampling stays active with a falling factor.
	mid := now.Add(pauseGracePeriod / 2)
	if !p.active(mid) {
		t.Fatalf("expected active inside grace window")
	}
	factor := p.rampFactor(mid)
	if math.Abs(factor-0.5) > 0.01 {
		t.Fatalf("expected ramp factor 0.5 mid-grace, got %v", factor)
	}

	// After the window the task goes idle.
	after := now.Add(pauseGracePeriod + 100*time.Millisecond)
	if p.active(after) {
		t.Fatalf("expected inactive after grace expiry")
	}
	if got := p.rampFactor(after); got != 0 {
		t.Fatalf("expected ramp factor 0 after expiry, got %v", got)
	}
}

func TestPlaybackState_ResumeCancelsGrace(t *testing.T) {
	p := newPlaybackState()
	now := time.Now()

	pos := 0.0
	p.play(&pos, now)
	p.pause(nil, now)
	p.play(nil, now.Add(100*time.Millisecond))

	if got := p.rampFactor(now.Add(200 * time.Millisecond)); got != 1 {
		t.Fatalf("expected full output after resume, got %v", got)
	}
	if !p.active(now.Add(time.Hour)) {
		t.Fatalf("expected playback to stay active")
	}
}

func TestPlaybackState_SeekKeepsPlayState(t *testing.T) {
	p := newPlaybackState()
	now := time.Now()

	p.seek(5000, now)
	if p.playing {
		t.Fatalf("seek must not start playback")
	}
	if got := p.positionAt(now.Add(time.Second)); got != 5000 {
		t.Fatalf("expected paused seek to hold 5000, got %v", got)
	}

	pos := 0.0
	p.play(&pos, now)
	p.seek(5000, now)
	got := p.positionAt(now.Add(time.Second))
	if math.Abs(got-6000) > 1e-6 {
		t.Fatalf("expected playing seek to advance from 5000, got %v", got)
	}
}

func TestPlaybackState_SyncIgnoresSmallDrift(t *testing.T) {
	p := newPlaybackState()
	now := time.Now()

	pos := 1000.0
	p.play(&pos, now)

	later := now.Add(time.Second)
	// Clock reads 2000; a report of 2100 is inside the snap threshold.
	if p.sync(2100, true, later) {
		t.Fatalf("expected small drift to be ignored")
	}
	if got := p.positionAt(later); math.Abs(got-2000) > 1e-6 {
		t.Fatalf("expected clock untouched, got %v", got)
	}
}

func TestPlaybackState_SyncSnapsOnLargeDrift(t *testing.T) {
	p := newPlaybackState()
	now := time.Now()

	pos := 1000.0
	p.play(&pos, now)

	later := now.Add(time.Second)
	// Clock reads 2000; a report of 2400 exceeds the snap threshold.
	if !p.sync(2400, true, later) {
		t.Fatalf("expected large drift to snap")
	}
	if got := p.positionAt(later); math.Abs(got-2400) > 1e-6 {
		t.Fatalf("expected clock snapped to 2400, got %v", got)
	}
}

func TestPlaybackState_SyncFollowsPlayStateFlips(t *testing.T) {
	p := newPlaybackState()
	now := time.Now()

	if !p.sync(3000, true, now) {
		t.Fatalf("expected state flip to report a change")
	}
	if !p.playing {
		t.Fatalf("expected sync to start playback")
	}

	if !p.sync(3500, false, now.Add(time.Second)) {
		t.Fatalf("expected pause flip to report a change")
	}
	if p.playing {
		t.Fatalf("expected sync to pause playback")
	}
	if got := p.positionAt(now.Add(2 * time.Second)); got != 3500 {
		t.Fatalf("expected frozen at reported position, got %v", got)
	}
}
