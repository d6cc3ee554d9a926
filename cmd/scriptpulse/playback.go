package main

import "time"

// playbackState tracks the daemon's playback clock. The clock advances in
// wall time while playing, holds while paused, and is nudged by player time
// syncs when the two drift apart.
//
// All methods are intended to be called only by the daemon goroutine
// (single-owner).
type playbackState struct {
	playing   bool
	basePosMS float64 // position at baseWall
	baseWall  time.Time

	// graceUntil is non-zero while a pause grace period runs. Sampling stays
	// active until it expires so output ramps down instead of cutting.
	graceUntil time.Time
}

func newPlaybackState() *playbackState {
	return &playbackState{}
}

// positionAt returns the playback position in ms at wall time now.
func (p *playbackState) positionAt(now time.Time) float64 {
	if !p.playing {
		return p.basePosMS
	}
	return p.basePosMS + float64(now.Sub(p.baseWall))/float64(time.Millisecond)
}

// play starts or resumes playback and cancels any pending pause grace. A nil
// position resumes from the current clock position.
func (p *playbackState) play(posMS *float64, now time.Time) {
	pos := p.positionAt(now)
	if posMS != nil {
		pos = *posMS
	}
	p.playing = true
	p.basePosMS = pos
	p.baseWall = now
	p.graceUntil = time.Time{}
}

// pause freezes the clock and starts the grace period during which sampling
// continues. A nil position freezes at the current clock position.
func (p *playbackState) pause(posMS *float64, now time.Time) {
	pos := p.positionAt(now)
	if posMS != nil {
		pos = *posMS
	}
	p.playing = false
	p.basePosMS = pos
	p.baseWall = now
	p.graceUntil = now.Add(pauseGracePeriod)
}

// seek moves the clock without changing the play state.
func (p *playbackState) seek(posMS float64, now time.Time) {
	p.basePosMS = posMS
	p.baseWall = now
}

// stop halts playback immediately with no grace period.
func (p *playbackState) stop(now time.Time) {
	p.playing = false
	p.basePosMS = 0
	p.baseWall = now
	p.graceUntil = time.Time{}
}

// sync reconciles the clock with the player's authoritative reading and
// reports whether anything changed. Small disagreements are ignored so
// playback jitter does not constantly nudge the clock.
func (p *playbackState) sync(posMS float64, playing bool, now time.Time) bool {
	if playing != p.playing {
		if playing {
			p.play(&posMS, now)
		} else {
			p.pause(&posMS, now)
		}
		return true
	}

	drift := posMS - p.positionAt(now)
	if drift < 0 {
		drift = -drift
	}
	if drift > timeSyncSnapThresholdMS {
		p.basePosMS = posMS
		p.baseWall = now
		return true
	}
	return false
}

// active reports whether the sampling task should run: playing, or inside
// the pause grace window.
func (p *playbackState) active(now time.Time) bool {
	return p.playing || now.Before(p.graceUntil)
}

// rampFactor returns the output scale for the pause grace window: 1 while
// playing, falling linearly to 0 as the grace period expires.
func (p *playbackState) rampFactor(now time.Time) float64 {
	if p.playing {
		return 1
	}
	if p.graceUntil.IsZero() {
		return 0
	}
	remaining := p.graceUntil.Sub(now)
	if remaining <= 0 {
		return 0
	}
	return float64(remaining) / float64(pauseGracePeriod)
}
