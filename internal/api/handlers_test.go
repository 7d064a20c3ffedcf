package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-fas/internal/api"
	"github.com/technosupport/ts-fas/internal/attendance"
	"github.com/technosupport/ts-fas/internal/camera"
	"github.com/technosupport/ts-fas/internal/config"
	"github.com/technosupport/ts-fas/internal/fts"
	"github.com/technosupport/ts-fas/internal/identity"
	"github.com/technosupport/ts-fas/internal/mjpeg"
)

// fakeAdmin scripts the admin adapter for handler tests.
type fakeAdmin struct {
	running    bool
	enrollErr  error
	removeErr  error
	applied    *config.Config
	discovered []camera.Discovered
	publisher  *mjpeg.Publisher
}

func (f *fakeAdmin) Start() fts.OpResult {
	f.running = true
	return fts.OpResult{Success: true, Message: "started"}
}

func (f *fakeAdmin) Stop() fts.OpResult {
	f.running = false
	return fts.OpResult{Success: true, Message: "stopped"}
}

func (f *fakeAdmin) Restart() fts.OpResult { return fts.OpResult{Success: true, Message: "restarted"} }

func (f *fakeAdmin) Status() fts.FTSStatus {
	return fts.FTSStatus{Running: f.running, Identities: 2}
}

func (f *fakeAdmin) Discover(ctx context.Context) ([]camera.Discovered, error) {
	return f.discovered, nil
}

func (f *fakeAdmin) Enroll(employeeID, displayName string, imageBytes []byte) error {
	return f.enrollErr
}

func (f *fakeAdmin) RemoveIdentity(employeeID string) error { return f.removeErr }

func (f *fakeAdmin) Identities() ([]fts.IdentitySummary, error) {
	return []fts.IdentitySummary{{ID: "E001", Name: "Alice"}}, nil
}

func (f *fakeAdmin) Snapshot() config.Config { return config.Default() }

func (f *fakeAdmin) ApplyConfig(cfg config.Config) error {
	f.applied = &cfg
	return nil
}

func (f *fakeAdmin) Publisher(cameraID string) (*mjpeg.Publisher, error) {
	if f.publisher == nil {
		return nil, fts.ErrUnknownCamera
	}
	return f.publisher, nil
}

func (f *fakeAdmin) RecentAttendance(ctx context.Context, employeeID string, window time.Duration) ([]attendance.Event, error) {
	return []attendance.Event{{EmployeeID: employeeID, CameraID: "cam1"}}, nil
}

func newServer(t *testing.T, admin *fakeAdmin) *httptest.Server {
	t.Helper()
	h := api.NewHandler(admin, nil)
	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)
	return srv
}

func TestLifecycleRoutes(t *testing.T) {
	admin := &fakeAdmin{}
	srv := newServer(t, admin)

	resp, err := http.Post(srv.URL+"/api/v1/fts/start", "", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var res fts.OpResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	require.True(t, res.Success)
	require.True(t, admin.running)
}

func TestStatusRoute(t *testing.T) {
	srv := newServer(t, &fakeAdmin{running: true})

	resp, err := http.Get(srv.URL + "/api/v1/fts/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	var st fts.FTSStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	require.True(t, st.Running)
	require.Equal(t, 2, st.Identities)
}

func enrollRequest(t *testing.T, url, employeeID string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	w.WriteField("employee_id", employeeID)
	w.WriteField("name", "Alice")
	part, err := w.CreateFormFile("file", "face.jpg")
	require.NoError(t, err)
	part.Write([]byte{0xFF, 0xD8, 0xFF, 0xD9})
	w.Close()

	req, err := http.NewRequest(http.MethodPost, url+"/api/v1/identities", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func TestEnrollErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{nil, http.StatusCreated},
		{fts.ErrNoFace, http.StatusUnprocessableEntity},
		{fts.ErrMultipleFaces, http.StatusUnprocessableEntity},
		{identity.ErrDuplicate, http.StatusConflict},
		{fts.ErrNotRunning, http.StatusConflict},
	}
	for _, tc := range cases {
		admin := &fakeAdmin{enrollErr: tc.err}
		srv := newServer(t, admin)

		resp, err := http.DefaultClient.Do(enrollRequest(t, srv.URL, "E001"))
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, tc.code, resp.StatusCode, "error %v", tc.err)
	}
}

func TestEnrollRequiresEmployeeID(t *testing.T) {
	srv := newServer(t, &fakeAdmin{})
	resp, err := http.DefaultClient.Do(enrollRequest(t, srv.URL, ""))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRemoveIdentityNotFound(t *testing.T) {
	srv := newServer(t, &fakeAdmin{removeErr: identity.ErrUnknownIdentity})

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/v1/identities/E404", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStreamUnknownCamera(t *testing.T) {
	srv := newServer(t, &fakeAdmin{})
	resp, err := http.Get(srv.URL + "/streams/ghost")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStreamServesMultipart(t *testing.T) {
	pub := mjpeg.NewPublisher(mjpeg.Options{CameraID: "cam1", Width: 32, Height: 24})
	defer pub.Close()
	srv := newServer(t, &fakeAdmin{publisher: pub})

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/streams/cam1", nil)

	go func() {
		time.Sleep(50 * time.Millisecond)
		pub.PublishPlaceholder("TEST")
	}()
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "multipart/x-mixed-replace; boundary=frame", resp.Header.Get("Content-Type"))
}

func TestDiscoveryRoute(t *testing.T) {
	admin := &fakeAdmin{discovered: []camera.Discovered{
		{ID: "net-10.0.0.9", Kind: camera.KindRTSP, Locator: "rtsp://10.0.0.9:554/", Reachable: true},
	}}
	srv := newServer(t, admin)

	resp, err := http.Post(srv.URL+"/api/v1/discovery/scan", "", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Devices []camera.Discovered `json:"devices"`
		Partial bool                `json:"partial"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Devices, 1)
	require.False(t, body.Partial)
}

func TestConfigRoundTrip(t *testing.T) {
	admin := &fakeAdmin{}
	srv := newServer(t, admin)

	resp, err := http.Get(srv.URL + "/api/v1/config")
	require.NoError(t, err)
	var cfg config.Config
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cfg))
	resp.Body.Close()

	payload, err := json.Marshal(cfg)
	require.NoError(t, err)
	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/api/v1/config", bytes.NewReader(payload))
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, admin.applied)
}

func TestHealthz(t *testing.T) {
	srv := newServer(t, &fakeAdmin{running: true})
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
