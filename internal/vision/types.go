// Package vision wraps the pre-trained inference engines: a face detector
// and a face-embedding extractor, both ONNX models executed through
// onnxruntime. Sessions are not thread-safe, so each model runs behind a
// fixed-size pool sized to the configured number of inference workers.
package vision

import (
	"errors"
	"image"
)

var ErrModelLoad = errors.New("model load failed")

// Detection is one face found in a frame. Coordinates are normalized to
// [0,1] relative to the frame, matching the wire shape used by the overlay
// and event payloads.
type Detection struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	W          float64 `json:"w"`
	H          float64 `json:"h"`
	Confidence float64 `json:"confidence"`
}

// Rect maps the normalized box onto a concrete frame size.
func (d Detection) Rect(width, height int) image.Rectangle {
	x0 := int(d.X * float64(width))
	y0 := int(d.Y * float64(height))
	x1 := int((d.X + d.W) * float64(width))
	y1 := int((d.Y + d.H) * float64(height))
	return image.Rect(x0, y0, x1, y1).Intersect(image.Rect(0, 0, width, height))
}

// Center returns the normalized box center.
func (d Detection) Center() (x, y float64) {
	return d.X + d.W/2, d.Y + d.H/2
}

// IoU is the intersection-over-union of two normalized boxes.
func IoU(a, b Detection) float64 {
	ax1, ay1 := a.X+a.W, a.Y+a.H
	bx1, by1 := b.X+b.W, b.Y+b.H

	ix0, iy0 := max(a.X, b.X), max(a.Y, b.Y)
	ix1, iy1 := min(ax1, bx1), min(ay1, by1)
	if ix1 <= ix0 || iy1 <= iy0 {
		return 0
	}
	inter := (ix1 - ix0) * (iy1 - iy0)
	union := a.W*a.H + b.W*b.H - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Detector finds faces in a frame.
type Detector interface {
	Detect(img image.Image) ([]Detection, error)
}

// Embedder extracts a fixed-dimension embedding per detection. The returned
// vectors are L2-normalized.
type Embedder interface {
	Embed(img image.Image, boxes []Detection) ([][]float32, error)
	Dimension() int
}
