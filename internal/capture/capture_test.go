package capture_test

import (
	"fmt"
	"image"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-fas/internal/camera"
	"github.com/technosupport/ts-fas/internal/capture"
)

type stubSession struct {
	fail   bool
	closed bool
}

func (s *stubSession) Read(deadline time.Duration) (*image.RGBA, error) {
	if s.fail {
		return nil, capture.ErrCameraReadTimeout
	}
	return image.NewRGBA(image.Rect(0, 0, 800, 600)), nil
}

func (s *stubSession) Dims() (int, int, int) { return 800, 600, 25 }
func (s *stubSession) Close() error          { s.closed = true; return nil }

type stubBackend struct {
	openErr error
	session *stubSession
}

func (b *stubBackend) Open(desc camera.Descriptor) (capture.Session, error) {
	if b.openErr != nil {
		return nil, b.openErr
	}
	return b.session, nil
}

func TestProbeReportsCapabilities(t *testing.T) {
	sess := &stubSession{}
	b := &stubBackend{session: sess}

	cap := capture.Probe(b, camera.Descriptor{ID: "cam1", Kind: camera.KindUSB}, time.Second)
	require.True(t, cap.Reachable)
	require.Equal(t, 800, cap.Width)
	require.Equal(t, 600, cap.Height)
	require.Equal(t, 25, cap.FPS)
	require.True(t, sess.closed, "probe must close its session")
}

func TestProbeUnreachableOnOpenFailure(t *testing.T) {
	b := &stubBackend{openErr: fmt.Errorf("%w: device 3", capture.ErrCameraOpen)}
	cap := capture.Probe(b, camera.Descriptor{ID: "cam1", Kind: camera.KindUSB, DeviceIndex: 3}, time.Second)
	require.False(t, cap.Reachable)
}

func TestProbeUnreachableOnReadFailure(t *testing.T) {
	sess := &stubSession{fail: true}
	b := &stubBackend{session: sess}
	cap := capture.Probe(b, camera.Descriptor{ID: "cam1", Kind: camera.KindUSB}, 100*time.Millisecond)
	require.False(t, cap.Reachable)
	require.True(t, sess.closed)
}
