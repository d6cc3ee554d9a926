package main

import (
	"math"
	"sort"
)

// BeatPulseGenerator turns release edges in the position timeline into a
// percussive drive signal. A release edge is a transition from full position
// at one sample to zero at the next. The first query that observes a given
// edge returns exactly 1.0, subsequent queries decay toward the next edge.
//
// Stateful (remembers the last edge it reported); intended to be called
// only by the daemon goroutine (single-owner).
type BeatPulseGenerator struct {
	edges        []int64
	lastReported int64
	hasReported  bool
}

func NewBeatPulseGenerator() *BeatPulseGenerator {
	return &BeatPulseGenerator{}
}

// Reset recomputes the edge positions for a newly loaded timeline and
// clears the last-reported marker.
func (g *BeatPulseGenerator) Reset(tl *Timeline) {
	g.edges = g.edges[:0]
	g.hasReported = false
	g.lastReported = 0

	actions := tl.Actions()
	for i := 1; i < len(actions); i++ {
		if actions[i-1].Pos == posMax && actions[i].Pos == posMin {
			g.edges = append(g.edges, actions[i].At)
		}
	}
}

// PulseAt returns the pulse value at time tMS: 1.0 the first time an edge
// at or before tMS is seen, then a square-root falloff toward the next edge
// (or toward tMS+500ms when no further edge exists), and 0 before the first
// edge.
func (g *BeatPulseGenerator) PulseAt(tMS float64) float64 {
	// Earliest edge strictly after tMS.
	next := sort.Search(len(g.edges), func(i int) bool {
		return float64(g.edges[i]) > tMS
	})
	if next == 0 {
		return 0
	}

	lastEdge := g.edges[next-1]
	if !g.hasReported || g.lastReported != lastEdge {
		g.hasReported = true
		g.lastReported = lastEdge
		return 1.0
	}

	nextEdge := tMS + defaultNextEdgeGapMS
	if next < len(g.edges) {
		nextEdge = float64(g.edges[next])
	}

	fraction := (tMS - float64(lastEdge)) / (nextEdge - float64(lastEdge))
	if fraction < 0 {
		fraction = 0
	} else if fraction > 1 {
		fraction = 1
	}
	return 1 - math.Sqrt(fraction)
}
