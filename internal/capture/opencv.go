//go:build cgo

package capture

import (
	"fmt"
	"image"
	"image/draw"
	"runtime"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/technosupport/ts-fas/internal/camera"
)

// fourccMJPEG requests Motion JPEG from USB webcams; it is the codec with the
// widest device support and keeps USB bandwidth low at higher resolutions.
const fourccMJPEG = 0x47504A4D // 'MJPG'

// OpenCVBackend opens devices and streams through GoCV.
type OpenCVBackend struct{}

// DefaultBackend returns the production capture backend.
func DefaultBackend() Backend {
	return OpenCVBackend{}
}

func (OpenCVBackend) Open(desc camera.Descriptor) (Session, error) {
	var (
		webcam *gocv.VideoCapture
		err    error
	)

	switch desc.Kind {
	case camera.KindBuiltin, camera.KindUSB:
		webcam, err = gocv.OpenVideoCaptureWithAPI(desc.DeviceIndex, deviceAPI())
	case camera.KindRTSP, camera.KindONVIF:
		webcam, err = gocv.OpenVideoCapture(streamURL(desc))
	default:
		return nil, fmt.Errorf("%w: %s: unsupported kind %s", ErrCameraOpen, desc.ID, desc.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCameraOpen, desc.Locator(), err)
	}
	if !webcam.IsOpened() {
		webcam.Close()
		return nil, fmt.Errorf("%w: %s: device not available", ErrCameraOpen, desc.Locator())
	}

	if desc.Kind == camera.KindBuiltin || desc.Kind == camera.KindUSB {
		webcam.Set(gocv.VideoCaptureFOURCC, fourccMJPEG)
	}
	if desc.Width > 0 {
		webcam.Set(gocv.VideoCaptureFrameWidth, float64(desc.Width))
	}
	if desc.Height > 0 {
		webcam.Set(gocv.VideoCaptureFrameHeight, float64(desc.Height))
	}
	if desc.FPS > 0 {
		webcam.Set(gocv.VideoCaptureFPS, float64(desc.FPS))
	}

	s := &opencvSession{
		webcam: webcam,
		width:  int(webcam.Get(gocv.VideoCaptureFrameWidth)),
		height: int(webcam.Get(gocv.VideoCaptureFrameHeight)),
		fps:    int(webcam.Get(gocv.VideoCaptureFPS)),
		frames: make(chan *image.RGBA, 1),
		errs:   make(chan error, 1),
		stop:   make(chan struct{}),
	}

	// Warm up: some devices deliver garbage on the very first read.
	warmup := gocv.NewMat()
	webcam.Read(&warmup)
	warmup.Close()

	go s.readLoop()
	return s, nil
}

// deviceAPI picks the platform's preferred local-device backend: Media
// Foundation on Windows, V4L2 on Linux (avoids GStreamer stream errors),
// whatever OpenCV prefers elsewhere.
func deviceAPI() gocv.VideoCaptureAPI {
	switch runtime.GOOS {
	case "windows":
		return gocv.VideoCaptureMSMF
	case "linux":
		return gocv.VideoCaptureV4L2
	default:
		return gocv.VideoCaptureAny
	}
}

func streamURL(desc camera.Descriptor) string {
	// Credentials are injected as URL userinfo; OpenCV handles both basic and
	// digest negotiation for RTSP from there.
	if desc.Credentials.Username == "" {
		return desc.URL
	}
	if i := indexSchemeEnd(desc.URL); i > 0 {
		return desc.URL[:i] + desc.Credentials.Username + ":" + desc.Credentials.Password + "@" + desc.URL[i:]
	}
	return desc.URL
}

func indexSchemeEnd(url string) int {
	for i := 0; i+2 < len(url); i++ {
		if url[i] == ':' && url[i+1] == '/' && url[i+2] == '/' {
			return i + 3
		}
	}
	return -1
}

// opencvSession runs a dedicated reader goroutine. The frames channel holds
// at most one frame; the reader drops the pending frame when the consumer
// lags, so capture keeps pace with the device.
type opencvSession struct {
	webcam *gocv.VideoCapture
	width  int
	height int
	fps    int

	frames chan *image.RGBA
	errs   chan error
	stop   chan struct{}

	closeOnce sync.Once
}

func (s *opencvSession) readLoop() {
	mat := gocv.NewMat()
	defer mat.Close()

	for {
		select {
		case <-s.stop:
			return
		default:
		}

		if ok := s.webcam.Read(&mat); !ok || mat.Empty() {
			select {
			case s.errs <- fmt.Errorf("frame read failed"):
			default:
			}
			// Brief pause keeps a dead stream from spinning the CPU.
			time.Sleep(20 * time.Millisecond)
			continue
		}

		img, err := mat.ToImage()
		if err != nil {
			select {
			case s.errs <- err:
			default:
			}
			continue
		}

		frame := toRGBA(img)
		select {
		case s.frames <- frame:
		default:
			// Drop the stale pending frame, keep the fresh one.
			select {
			case <-s.frames:
			default:
			}
			select {
			case s.frames <- frame:
			default:
			}
		}
	}
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	b := img.Bounds()
	rgba := image.NewRGBA(b)
	draw.Draw(rgba, b, img, b.Min, draw.Src)
	return rgba
}

func (s *opencvSession) Read(deadline time.Duration) (*image.RGBA, error) {
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case frame := <-s.frames:
		return frame, nil
	case err := <-s.errs:
		return nil, err
	case <-s.stop:
		return nil, ErrSessionClosed
	case <-timer.C:
		return nil, ErrCameraReadTimeout
	}
}

func (s *opencvSession) Dims() (int, int, int) {
	return s.width, s.height, s.fps
}

func (s *opencvSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		err = s.webcam.Close()
	})
	return err
}
