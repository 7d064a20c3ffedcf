package track

import (
	"github.com/technosupport/ts-fas/internal/camera"
)

// Crossing is one tripwire flip by one track in one frame.
type Crossing struct {
	TripwireID string
	Tripwire   camera.Tripwire
	Track      *Track
	Direction  camera.Direction
	Frame      uint64
}

// EvaluateTripwires computes the side of every (track, tripwire) pair and
// returns the crossings whose direction the tripwire's policy emits.
//
// The side of a horizontal tripwire at position p is sign(center_y - p); a
// vertical one uses center_x. A hysteresis band of ±spacing/2 around p
// absorbs jitter: the committed side only flips once the center has left the
// band on the other side, so a crossing implies the center moved at least
// spacing/2 past the line since the previous flip.
func EvaluateTripwires(tws []camera.Tripwire, tracks []*Track, frame uint64) []Crossing {
	var crossings []Crossing
	for _, t := range tracks {
		cx, cy := t.Box.Center()
		for _, tw := range tws {
			coord := cy
			if tw.Orientation == camera.Vertical {
				coord = cx
			}

			offset := coord - tw.Position
			half := tw.Spacing / 2
			if offset > -half && offset < half {
				// Inside the band: committed side stands.
				continue
			}

			side := -1
			if offset >= half {
				side = 1
			}

			prev := t.sides[tw.ID]
			if prev == 0 {
				// First determination never fires; there is no before-side.
				t.sides[tw.ID] = side
				continue
			}
			if prev == side {
				continue
			}

			t.sides[tw.ID] = side
			dir := camera.DirectionExit
			if side > 0 {
				dir = camera.DirectionEnter
			}
			if !tw.Emits(dir) {
				continue
			}
			crossings = append(crossings, Crossing{
				TripwireID: tw.ID,
				Tripwire:   tw,
				Track:      t,
				Direction:  dir,
				Frame:      frame,
			})
		}
	}
	return crossings
}
