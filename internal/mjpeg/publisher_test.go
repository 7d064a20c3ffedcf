package mjpeg_test

import (
	"bufio"
	"context"
	"image"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-fas/internal/mjpeg"
)

func testFrame() *image.RGBA {
	return image.NewRGBA(image.Rect(0, 0, 32, 24))
}

func newPublisher() *mjpeg.Publisher {
	return mjpeg.NewPublisher(mjpeg.Options{
		CameraID:         "cam1",
		Width:            32,
		Height:           24,
		SubscriberBuffer: 1,
		PlaceholderHz:    1,
		Quality:          60,
	})
}

func TestSubscriberReceivesFrames(t *testing.T) {
	pub := newPublisher()
	defer pub.Close()

	sub := pub.Subscribe()
	pub.Publish(testFrame())

	select {
	case frame := <-sub.Frames():
		require.NotEmpty(t, frame)
		// JPEG SOI marker.
		require.Equal(t, byte(0xFF), frame[0])
		require.Equal(t, byte(0xD8), frame[1])
	case <-time.After(time.Second):
		t.Fatal("no frame delivered")
	}
}

func TestSlowSubscriberGetsLatestNotBacklog(t *testing.T) {
	pub := newPublisher()
	defer pub.Close()

	sub := pub.Subscribe()

	// Publish a burst without reading: buffer holds one, latest wins.
	for i := 0; i < 10; i++ {
		img := testFrame()
		// Vary content so encodings differ in size.
		for p := 0; p <= i; p++ {
			img.Pix[p*4] = byte(200 + i)
		}
		pub.Publish(img)
	}
	require.EqualValues(t, 10, pub.FrameSeq())

	// Exactly one frame is pending.
	<-sub.Frames()
	select {
	case <-sub.Frames():
		t.Fatal("backlog retained for slow subscriber")
	default:
	}
}

func TestPublisherNeverBlocksOnStalledSubscriber(t *testing.T) {
	pub := newPublisher()
	defer pub.Close()

	_ = pub.Subscribe() // never read

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			pub.Publish(testFrame())
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a stalled subscriber")
	}
}

func TestMidStreamJoinSeesNextFrame(t *testing.T) {
	pub := newPublisher()
	defer pub.Close()

	pub.Publish(testFrame())
	sub := pub.Subscribe()

	// Nothing replayed from before the join.
	select {
	case <-sub.Frames():
		t.Fatal("received a frame produced before subscribing")
	default:
	}

	pub.Publish(testFrame())
	select {
	case <-sub.Frames():
	case <-time.After(time.Second):
		t.Fatal("next produced frame not delivered")
	}
}

func TestCloseNotifiesSubscribers(t *testing.T) {
	pub := newPublisher()
	sub := pub.Subscribe()

	pub.Close()
	select {
	case _, ok := <-sub.Frames():
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscriber channel not closed")
	}

	// Subscribing after close yields a closed channel immediately.
	late := pub.Subscribe()
	_, ok := <-late.Frames()
	require.False(t, ok)
}

func TestPlaceholderLoopEmitsWhenIdle(t *testing.T) {
	pub := newPublisher()
	defer pub.Close()

	sub := pub.Subscribe()
	stop := make(chan struct{})
	defer close(stop)
	go pub.RunPlaceholderLoop(stop)

	select {
	case frame := <-sub.Frames():
		require.NotEmpty(t, frame)
	case <-time.After(3 * time.Second):
		t.Fatal("no placeholder emitted for idle source")
	}
}

func TestServeHTTPWritesMultipart(t *testing.T) {
	pub := newPublisher()
	defer pub.Close()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/streams/cam1", nil)
	ctx, cancel := context.WithTimeout(req.Context(), 500*time.Millisecond)
	defer cancel()
	req = req.WithContext(ctx)

	go func() {
		time.Sleep(50 * time.Millisecond)
		pub.Publish(testFrame())
	}()
	pub.ServeHTTP(rec, req)

	res := rec.Result()
	require.Equal(t, "multipart/x-mixed-replace; boundary=frame", res.Header.Get("Content-Type"))

	r := bufio.NewReader(res.Body)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, "--frame"))
	line, err = r.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, "Content-Type: image/jpeg"))
	line, err = r.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, "Content-Length:"))
}
