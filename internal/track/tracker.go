// Package track maintains identity-agnostic continuity records for faces
// across frames and evaluates tripwire crossings against them.
package track

import (
	"sort"

	"github.com/technosupport/ts-fas/internal/vision"
)

// Observation is a detection enriched with the identification result for one
// frame. EmployeeID is empty when the face is unknown.
type Observation struct {
	Det        vision.Detection
	EmployeeID string
	Name       string
	Score      float64
}

// Track follows one face. Ids are monotonic within a tracker and never
// reused.
type Track struct {
	ID         uint64
	Box        vision.Detection
	VelX, VelY float64
	LastSeen   uint64
	FirstSeen  uint64

	// Sticky identity: once assigned above the identify threshold, it only
	// changes when a different candidate clears threshold + re-id margin.
	EmployeeID string
	Name       string
	Score      float64

	// sides holds the last committed tripwire side per tripwire id:
	// -1, +1, or 0 while undetermined (inside the hysteresis band).
	sides map[string]int
}

// Known reports whether the track carries an identity.
func (t *Track) Known() bool { return t.EmployeeID != "" }

// Config tunes association and identity stickiness.
type Config struct {
	IOUThreshold      float64
	ExpireFrames      int
	IdentifyThreshold float64
	ReidMargin        float64
}

// Tracker owns all tracks of a single camera pipeline. Not safe for
// concurrent use; each pipeline drives its tracker from one goroutine.
type Tracker struct {
	cfg    Config
	nextID uint64
	tracks []*Track
}

func NewTracker(cfg Config) *Tracker {
	if cfg.IOUThreshold <= 0 {
		cfg.IOUThreshold = 0.3
	}
	if cfg.ExpireFrames <= 0 {
		cfg.ExpireFrames = 30
	}
	return &Tracker{cfg: cfg}
}

// Update associates observations with tracks by greedy IoU matching, creates
// tracks for unmatched observations, ages out stale tracks, and returns the
// active set. Called once per frame, also with an empty observation list so
// expiry keeps running while no faces are visible.
func (tr *Tracker) Update(frame uint64, obs []Observation) []*Track {
	type pair struct {
		ti, oi int
		iou    float64
	}

	var pairs []pair
	for ti, t := range tr.tracks {
		for oi, o := range obs {
			if iou := vision.IoU(t.Box, o.Det); iou >= tr.cfg.IOUThreshold {
				pairs = append(pairs, pair{ti, oi, iou})
			}
		}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].iou > pairs[j].iou })

	usedTrack := make(map[int]bool)
	usedObs := make(map[int]bool)
	for _, p := range pairs {
		if usedTrack[p.ti] || usedObs[p.oi] {
			continue
		}
		usedTrack[p.ti] = true
		usedObs[p.oi] = true
		tr.absorb(tr.tracks[p.ti], obs[p.oi], frame)
	}

	for oi, o := range obs {
		if usedObs[oi] {
			continue
		}
		tr.nextID++
		t := &Track{
			ID:        tr.nextID,
			Box:       o.Det,
			LastSeen:  frame,
			FirstSeen: frame,
			sides:     make(map[string]int),
		}
		tr.applyIdentity(t, o)
		tr.tracks = append(tr.tracks, t)
	}

	alive := tr.tracks[:0]
	for _, t := range tr.tracks {
		if frame-t.LastSeen <= uint64(tr.cfg.ExpireFrames) {
			alive = append(alive, t)
		}
	}
	tr.tracks = alive

	out := make([]*Track, len(tr.tracks))
	copy(out, tr.tracks)
	return out
}

func (tr *Tracker) absorb(t *Track, o Observation, frame uint64) {
	cx0, cy0 := t.Box.Center()
	cx1, cy1 := o.Det.Center()

	elapsed := float64(frame - t.LastSeen)
	if elapsed > 0 {
		// Exponential smoothing keeps the estimate stable through jittery
		// detections.
		const alpha = 0.5
		t.VelX = alpha*((cx1-cx0)/elapsed) + (1-alpha)*t.VelX
		t.VelY = alpha*((cy1-cy0)/elapsed) + (1-alpha)*t.VelY
	}

	t.Box = o.Det
	t.LastSeen = frame
	tr.applyIdentity(t, o)
}

func (tr *Tracker) applyIdentity(t *Track, o Observation) {
	if o.EmployeeID == "" {
		return
	}
	switch {
	case t.EmployeeID == "":
		if o.Score >= tr.cfg.IdentifyThreshold {
			t.EmployeeID, t.Name, t.Score = o.EmployeeID, o.Name, o.Score
		}
	case t.EmployeeID == o.EmployeeID:
		if o.Score > t.Score {
			t.Score = o.Score
		}
	default:
		// A different identity must clear the higher re-id bar before it
		// displaces a sticky assignment.
		if o.Score >= tr.cfg.IdentifyThreshold+tr.cfg.ReidMargin {
			t.EmployeeID, t.Name, t.Score = o.EmployeeID, o.Name, o.Score
		}
	}
}

// Active returns the current track set without advancing the frame clock.
func (tr *Tracker) Active() []*Track {
	out := make([]*Track, len(tr.tracks))
	copy(out, tr.tracks)
	return out
}
