// Package capture abstracts frame acquisition from local and network camera
// sources. The contract is identical across backends: open a session for a
// descriptor, read frames with a deadline, close. The OpenCV backend is the
// production implementation; builds without cgo get a stub that fails open
// so the rest of the service still runs (degraded pipelines, discovery over
// the network only).
package capture

import (
	"errors"
	"image"
	"time"

	"github.com/technosupport/ts-fas/internal/camera"
)

var (
	ErrCameraOpen        = errors.New("camera open failed")
	ErrCameraReadTimeout = errors.New("camera read timed out")
	ErrSessionClosed     = errors.New("capture session closed")
)

// Session is one open capture stream. Read blocks until a frame arrives or
// the deadline elapses. Implementations keep at most one pending frame and
// drop the oldest on overflow, so a slow caller never backs up the device.
type Session interface {
	Read(deadline time.Duration) (*image.RGBA, error)
	// Dims reports the negotiated width, height and frame rate.
	Dims() (width, height, fps int)
	Close() error
}

// Backend opens capture sessions for camera descriptors.
type Backend interface {
	Open(desc camera.Descriptor) (Session, error)
}

// Capability is the result of a short probe session.
type Capability struct {
	Width     int
	Height    int
	FPS       int
	Reachable bool
}

// Probe opens desc briefly, reads a single frame and reports what the source
// actually delivers. Used by discovery and by the admin capability check.
func Probe(b Backend, desc camera.Descriptor, timeout time.Duration) Capability {
	sess, err := b.Open(desc)
	if err != nil {
		return Capability{}
	}
	defer sess.Close()

	if _, err := sess.Read(timeout); err != nil {
		return Capability{}
	}
	w, h, fps := sess.Dims()
	return Capability{Width: w, Height: h, FPS: fps, Reachable: true}
}
