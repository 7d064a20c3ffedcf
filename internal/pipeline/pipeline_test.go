package pipeline_test

import (
	"context"
	"fmt"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-fas/internal/attendance"
	"github.com/technosupport/ts-fas/internal/camera"
	"github.com/technosupport/ts-fas/internal/capture"
	"github.com/technosupport/ts-fas/internal/identity"
	"github.com/technosupport/ts-fas/internal/mjpeg"
	"github.com/technosupport/ts-fas/internal/pipeline"
	"github.com/technosupport/ts-fas/internal/vision"
)

// --- fakes -----------------------------------------------------------------

type fakeSession struct {
	mu    sync.Mutex
	reads int
	limit int
}

func (s *fakeSession) Read(deadline time.Duration) (*image.RGBA, error) {
	s.mu.Lock()
	s.reads++
	over := s.limit > 0 && s.reads > s.limit
	s.mu.Unlock()
	if over {
		time.Sleep(20 * time.Millisecond)
		return nil, capture.ErrCameraReadTimeout
	}
	time.Sleep(5 * time.Millisecond)
	return image.NewRGBA(image.Rect(0, 0, 320, 240)), nil
}

func (s *fakeSession) Dims() (int, int, int) { return 320, 240, 15 }
func (s *fakeSession) Close() error          { return nil }

type fakeBackend struct {
	mu      sync.Mutex
	openErr error
	opens   int
	limit   int
}

func (b *fakeBackend) Open(desc camera.Descriptor) (capture.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opens++
	if b.openErr != nil {
		return nil, b.openErr
	}
	return &fakeSession{limit: b.limit}, nil
}

func (b *fakeBackend) Opens() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opens
}

// scriptedDetector replays detection lists per frame, repeating the final
// entry once the script runs out.
type scriptedDetector struct {
	mu     sync.Mutex
	script [][]vision.Detection
	call   int
}

func (d *scriptedDetector) Detect(img image.Image) ([]vision.Detection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.script) == 0 {
		return nil, nil
	}
	i := d.call
	if i >= len(d.script) {
		i = len(d.script) - 1
	}
	d.call++
	return d.script[i], nil
}

type fixedEmbedder struct {
	vec []float32
}

func (e *fixedEmbedder) Embed(img image.Image, boxes []vision.Detection) ([][]float32, error) {
	out := make([][]float32, len(boxes))
	for i := range boxes {
		v := make([]float32, len(e.vec))
		copy(v, e.vec)
		out[i] = v
	}
	return out, nil
}

func (e *fixedEmbedder) Dimension() int { return len(e.vec) }

type captureStore struct {
	mu     sync.Mutex
	events []attendance.Event
}

func (s *captureStore) Append(ctx context.Context, evt attendance.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	return nil
}

func (s *captureStore) Events() []attendance.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]attendance.Event(nil), s.events...)
}

func (s *captureStore) ListByEmployee(ctx context.Context, id string, from, to time.Time) ([]attendance.Event, error) {
	return nil, nil
}

func (s *captureStore) ListByRange(ctx context.Context, from, to time.Time) ([]attendance.Event, error) {
	return nil, nil
}

// --- helpers ---------------------------------------------------------------

func faceAt(y float64) []vision.Detection {
	return []vision.Detection{{X: 0.45, Y: y - 0.05, W: 0.1, H: 0.1, Confidence: 0.9}}
}

func testDescriptor() camera.Descriptor {
	return camera.Descriptor{
		ID:      "cam1",
		Kind:    camera.KindUSB,
		Width:   320,
		Height:  240,
		FPS:     15,
		Enabled: true,
		Tripwires: []camera.Tripwire{{
			ID:          "tw1",
			Name:        "door",
			Orientation: camera.Horizontal,
			Position:    0.5,
			Spacing:     0.1,
			Policy:      camera.PolicyBoth,
		}},
	}
}

func testConfig() pipeline.Config {
	return pipeline.Config{
		DetectThreshold:   0.5,
		IdentifyThreshold: 0.6,
		ReidMargin:        0.15,
		IOUThreshold:      0.3,
		ExpireFrames:      30,
		ReadFailLimit:     1000,
		FailPerMinute:     60,
	}
}

func newRecorder(t *testing.T, store attendance.Store) *attendance.Recorder {
	t.Helper()
	spill, err := attendance.NewSpill(t.TempDir(), 1<<20)
	require.NoError(t, err)
	return attendance.NewRecorder(attendance.RecorderConfig{
		DebounceWindow: 5 * time.Minute,
		RetryMax:       1,
	}, store, spill)
}

func enrolledIndex(t *testing.T, vec []float32) *identity.Index {
	t.Helper()
	ix := identity.NewIndex(len(vec))
	require.NoError(t, ix.Add("E001", "Alice", vec, time.Now()))
	return ix
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

// --- tests -----------------------------------------------------------------

func TestIdentifiedCrossingRecordsOneEvent(t *testing.T) {
	vec := []float32{1, 0, 0, 0}
	store := &captureStore{}

	// The face walks down through the horizontal tripwire, then stays. Steps
	// of 0.05 keep consecutive boxes above the IoU threshold, so one track
	// makes the whole walk.
	det := &scriptedDetector{script: [][]vision.Detection{
		faceAt(0.30), faceAt(0.35), faceAt(0.40), faceAt(0.45),
		faceAt(0.50), faceAt(0.55), faceAt(0.60), faceAt(0.65),
		faceAt(0.70), faceAt(0.70),
	}}

	p := pipeline.New(testDescriptor(), testConfig(), pipeline.Deps{
		Backend:  &fakeBackend{},
		Detector: det,
		Embedder: &fixedEmbedder{vec: vec},
		Index:    enrolledIndex(t, vec),
		Recorder: newRecorder(t, store),
	}, mjpeg.Options{SubscriberBuffer: 1, PlaceholderHz: 1})

	p.Start()
	defer p.Stop(2 * time.Second)

	waitFor(t, 5*time.Second, func() bool { return len(store.Events()) >= 1 },
		"no attendance event recorded")

	events := store.Events()
	require.Len(t, events, 1, "debounce must collapse repeated crossings")
	require.Equal(t, "E001", events[0].EmployeeID)
	require.Equal(t, "cam1", events[0].CameraID)
	require.Equal(t, "tw1", events[0].TripwireID)
	require.Equal(t, camera.DirectionEnter, events[0].Direction)
	require.GreaterOrEqual(t, events[0].Confidence, 0.6)

	st := p.Status()
	require.Equal(t, "running", st.State)
	require.Greater(t, st.DetectionsTotal, uint64(0))
	require.Greater(t, st.RecognitionsTotal, uint64(0))
}

func TestUnknownFaceProducesNoEvents(t *testing.T) {
	store := &captureStore{}

	det := &scriptedDetector{script: [][]vision.Detection{
		faceAt(0.30), faceAt(0.45), faceAt(0.60), faceAt(0.70), faceAt(0.70),
	}}

	// The index holds an orthogonal vector: best score is 0, below the
	// identify threshold.
	p := pipeline.New(testDescriptor(), testConfig(), pipeline.Deps{
		Backend:  &fakeBackend{},
		Detector: det,
		Embedder: &fixedEmbedder{vec: []float32{0, 1, 0, 0}},
		Index:    enrolledIndex(t, []float32{1, 0, 0, 0}),
		Recorder: newRecorder(t, store),
	}, mjpeg.Options{SubscriberBuffer: 1})

	p.Start()
	defer p.Stop(2 * time.Second)

	waitFor(t, 5*time.Second, func() bool { return p.Status().Unknown },
		"status never reflected an unknown track")
	require.Empty(t, store.Events())
}

func TestOpenFailureEntersDegradedAndEmitsPlaceholders(t *testing.T) {
	backend := &fakeBackend{openErr: fmt.Errorf("%w: rtsp://10.0.0.9/bad", capture.ErrCameraOpen)}
	desc := testDescriptor()
	desc.Kind = camera.KindRTSP
	desc.URL = "rtsp://10.0.0.9/bad"

	p := pipeline.New(desc, testConfig(), pipeline.Deps{
		Backend:  backend,
		Detector: &scriptedDetector{},
		Embedder: &fixedEmbedder{vec: []float32{1, 0, 0, 0}},
		Index:    identity.NewIndex(4),
		Recorder: newRecorder(t, &captureStore{}),
	}, mjpeg.Options{SubscriberBuffer: 1, PlaceholderHz: 1})

	sub := p.Publisher().Subscribe()

	p.Start()
	waitFor(t, 3*time.Second, func() bool { return p.State() == pipeline.StateDegraded },
		"pipeline never degraded on open failure")

	st := p.Status()
	require.Contains(t, st.LastError, "open")

	// Failure frames keep flowing while capture retries.
	got := 0
	deadline := time.After(4 * time.Second)
	for got < 2 {
		select {
		case <-sub.Frames():
			got++
		case <-deadline:
			t.Fatal("placeholder stream stalled in degraded state")
		}
	}
	require.Greater(t, backend.Opens(), 0)

	start := time.Now()
	p.Stop(5 * time.Second)
	require.Less(t, time.Since(start), 5*time.Second)
	require.Equal(t, pipeline.StateStopped, p.State())
}

func TestStopDrainsAndSilences(t *testing.T) {
	store := &captureStore{}
	det := &scriptedDetector{script: [][]vision.Detection{faceAt(0.3)}}

	p := pipeline.New(testDescriptor(), testConfig(), pipeline.Deps{
		Backend:  &fakeBackend{},
		Detector: det,
		Embedder: &fixedEmbedder{vec: []float32{1, 0, 0, 0}},
		Index:    enrolledIndex(t, []float32{1, 0, 0, 0}),
		Recorder: newRecorder(t, store),
	}, mjpeg.Options{SubscriberBuffer: 1})

	sub := p.Publisher().Subscribe()
	p.Start()

	waitFor(t, 3*time.Second, func() bool { return p.State() == pipeline.StateRunning },
		"pipeline never started")

	p.Stop(2 * time.Second)
	require.Equal(t, pipeline.StateStopped, p.State())

	// Subscribers were notified.
	drainDeadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-sub.Frames():
			if !ok {
				return
			}
		case <-drainDeadline:
			t.Fatal("subscriber channel never closed after Stop")
		}
	}
}

func TestStopIsIdempotent(t *testing.T) {
	p := pipeline.New(testDescriptor(), testConfig(), pipeline.Deps{
		Backend:  &fakeBackend{},
		Detector: &scriptedDetector{},
		Embedder: &fixedEmbedder{vec: []float32{1, 0, 0, 0}},
		Index:    identity.NewIndex(4),
		Recorder: newRecorder(t, &captureStore{}),
	}, mjpeg.Options{})

	p.Start()
	p.Stop(time.Second)
	p.Stop(time.Second) // second stop is a no-op
	require.Equal(t, pipeline.StateStopped, p.State())
}

func TestReadFailuresTriggerReopen(t *testing.T) {
	// Sessions die after 3 reads; a low fail limit forces reopen cycles.
	cfg := testConfig()
	cfg.ReadFailLimit = 2
	backend := &fakeBackend{limit: 3}

	p := pipeline.New(testDescriptor(), cfg, pipeline.Deps{
		Backend:  backend,
		Detector: &scriptedDetector{},
		Embedder: &fixedEmbedder{vec: []float32{1, 0, 0, 0}},
		Index:    identity.NewIndex(4),
		Recorder: newRecorder(t, &captureStore{}),
	}, mjpeg.Options{})

	p.Start()
	defer p.Stop(2 * time.Second)

	waitFor(t, 10*time.Second, func() bool { return backend.Opens() >= 2 },
		"capture never reopened after read failures")
}
