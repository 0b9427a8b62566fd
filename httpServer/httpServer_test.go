package httpServer

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"falconlink/internal/control"
	"falconlink/internal/journal"
	"falconlink/internal/metrics"
	"falconlink/internal/recorder"
	"falconlink/internal/streammanager"
	"falconlink/pkg/models"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeSupervisor struct {
	streams   *streammanager.Manager
	connected bool
	started   int
	stopped   int
	commands  []models.Command
}

func (f *fakeSupervisor) StartServices() { f.started++ }
func (f *fakeSupervisor) StopServices()  { f.stopped++ }

func (f *fakeSupervisor) send(cmd models.Command) error {
	if !f.connected {
		return control.ErrNotConnected
	}
	f.commands = append(f.commands, cmd)
	return nil
}

func (f *fakeSupervisor) RequestCCTV(camera models.CameraID) error {
	if _, ok := f.streams.GetStream(camera); !ok {
		return streammanager.ErrUnknownCamera
	}
	return f.send(models.Command{Kind: models.CommandCCTV, Camera: camera})
}

func (f *fakeSupervisor) RequestMap() error {
	return f.send(models.Command{Kind: models.CommandMap})
}

func (f *fakeSupervisor) RequestObjectDetail(id int) error {
	return f.send(models.Command{Kind: models.CommandObjectDetail, ObjectID: id})
}

func (f *fakeSupervisor) Status() models.SupervisorStatus {
	st := models.SupervisorStatus{Running: f.started > 0}
	if f.connected {
		st.Control.State = models.StateConnected
	}
	return st
}

func (f *fakeSupervisor) Streams() *streammanager.Manager { return f.streams }

type fakeArchive struct{}

func (fakeArchive) Index(camera models.CameraID) (models.StillIndex, error) {
	if camera != models.CameraA {
		return models.StillIndex{}, recorder.ErrNotRecording
	}
	return models.StillIndex{Camera: camera, MaxStills: 2, Stills: []*models.Still{{Camera: camera, Path: "A/still_1.jpg", Size: 3}}}, nil
}

func (fakeArchive) GetStill(_ context.Context, camera models.CameraID, name string) (io.ReadSeeker, error) {
	if camera != models.CameraA || name != "still_1.jpg" {
		return nil, recorder.ErrStillNotFound
	}
	return bytes.NewReader([]byte{0xff, 0xd8, 0x00}), nil
}

type fakeHistory struct {
	lastFilter journal.Filter
}

func (f *fakeHistory) Detections(_ context.Context, filter journal.Filter) ([]journal.Detection, error) {
	f.lastFilter = filter
	return []journal.Detection{{ID: 1, ObjectID: 5, Type: models.ObjectBird, TypeName: "BIRD", Zone: models.ZoneRunwayA}}, nil
}

func (f *fakeHistory) RiskHistory(_ context.Context, subject string, limit int) ([]journal.RiskChange, error) {
	return []journal.RiskChange{{Subject: subject, Level: models.RiskHigh}}, nil
}

type fixture struct {
	server  *Server
	sup     *fakeSupervisor
	history *fakeHistory
	metrics *metrics.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log, _ := test.NewNullLogger()
	reg := prometheus.NewRegistry()
	f := &fixture{
		sup:     &fakeSupervisor{streams: streammanager.New([]models.CameraID{models.CameraA, models.CameraB}), connected: true},
		history: &fakeHistory{},
		metrics: metrics.New(reg),
	}
	f.server = New(Options{
		Supervisor: f.sup,
		Archive:    fakeArchive{},
		History:    f.history,
		Metrics:    f.metrics,
		Gatherer:   reg,
		Logger:     log,
	})
	return f
}

func (f *fixture) do(method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

func TestPingAndStatus(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/api/ping")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "pong")

	w = f.do(http.MethodPost, "/api/v1/services/start")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, 1, f.sup.started)

	w = f.do(http.MethodGet, "/api/v1/status")
	require.Equal(t, http.StatusOK, w.Code)
	var st models.SupervisorStatus
	decode(t, w, &st)
	assert.True(t, st.Running)
	assert.Equal(t, models.StateConnected, st.Control.State)

	w = f.do(http.MethodPost, "/api/v1/services/stop")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, f.sup.stopped)
}

func TestCamerasAndSnapshot(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/api/v1/cameras/B/snapshot")
	assert.Equal(t, http.StatusNotFound, w.Code)

	require.NoError(t, f.sup.streams.Activate(models.CameraB))
	require.NoError(t, f.sup.streams.PublishFrame(&models.CameraFrame{
		Camera: models.CameraB, Sequence: 9, Width: 640, Height: 480,
		Encoded: []byte{0xff, 0xd8, 0xff}, Format: "jpeg", ReceivedAt: time.Now(),
	}))

	w = f.do(http.MethodGet, "/api/v1/cameras")
	require.Equal(t, http.StatusOK, w.Code)
	var list models.CameraListResponse
	decode(t, w, &list)
	require.Equal(t, 2, list.Total)
	assert.Equal(t, models.CameraB, list.Cameras[1].Camera)
	assert.True(t, list.Cameras[1].Streaming)
	assert.Equal(t, "640x480", list.Cameras[1].Resolution)
	assert.Equal(t, uint64(1), list.Cameras[1].FramesReceived)

	w = f.do(http.MethodGet, "/api/v1/cameras/B/snapshot")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/jpeg", w.Header().Get("Content-Type"))
	assert.Equal(t, "9", w.Header().Get("X-Frame-Sequence"))
	assert.Equal(t, []byte{0xff, 0xd8, 0xff}, w.Body.Bytes())

	w = f.do(http.MethodGet, "/api/v1/cameras/Z")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCommands(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/api/v1/cameras/A/request")
	require.Equal(t, http.StatusAccepted, w.Code)
	var resp models.CommandResponse
	decode(t, w, &resp)
	assert.Equal(t, "MC_CA", resp.Command)

	w = f.do(http.MethodPost, "/api/v1/objects/17/detail")
	require.Equal(t, http.StatusAccepted, w.Code)
	decode(t, w, &resp)
	assert.Equal(t, "MC_OD:17", resp.Command)

	w = f.do(http.MethodPost, "/api/v1/map")
	require.Equal(t, http.StatusAccepted, w.Code)
	decode(t, w, &resp)
	assert.Equal(t, "MC_MP", resp.Command)
	assert.Len(t, f.sup.commands, 3)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/api/v1/cameras/Q/request").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/v1/objects/abc/detail").Code)

	f.sup.connected = false
	assert.Equal(t, http.StatusServiceUnavailable, f.do(http.MethodPost, "/api/v1/map").Code)
}

func TestStills(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/api/v1/cameras/A/stills")
	require.Equal(t, http.StatusOK, w.Code)
	var index models.StillIndex
	decode(t, w, &index)
	assert.Len(t, index.Stills, 1)

	w = f.do(http.MethodGet, "/api/v1/cameras/A/stills/still_1.jpg")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/jpeg", w.Header().Get("Content-Type"))
	assert.Equal(t, 3, w.Body.Len())

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/v1/cameras/A/stills/nope.jpg").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/v1/cameras/B/stills").Code)
}

func TestDetectionsQuery(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/api/v1/detections?type=bird&zone=1&since=2025-03-01T00:00:00Z&limit=5000")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Detections []journal.Detection `json:"detections"`
		Total      int                 `json:"total"`
	}
	decode(t, w, &body)
	assert.Equal(t, 1, body.Total)

	filter := f.history.lastFilter
	require.NotNil(t, filter.Type)
	assert.Equal(t, models.ObjectBird, *filter.Type)
	assert.Equal(t, models.ZoneTaxiwayA, filter.Zone)
	assert.Equal(t, 2025, filter.Since.Year())
	assert.Equal(t, maxDetectionLimit, filter.Limit)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/v1/detections?type=dragon").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/v1/detections?since=yesterday").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/v1/detections?limit=-1").Code)

	w = f.do(http.MethodGet, "/api/v1/risk/bird")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"subject":"bird"`)
}

func TestOptionalDependenciesDisabled(t *testing.T) {
	log, _ := test.NewNullLogger()
	srv := New(Options{
		Supervisor: &fakeSupervisor{streams: streammanager.New([]models.CameraID{models.CameraA})},
		Gatherer:   prometheus.NewRegistry(),
		Logger:     log,
	})

	for _, path := range []string{"/api/v1/detections", "/api/v1/cameras/A/stills", "/ws"} {
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusNotFound, w.Code, path)
	}
}

func TestRequestsAreMeasured(t *testing.T) {
	f := newFixture(t)
	f.do(http.MethodGet, "/api/ping")
	f.do(http.MethodGet, "/api/v1/cameras/Z")

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.HTTPRequests.WithLabelValues("GET", "/api/ping", "2xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.HTTPRequests.WithLabelValues("GET", "/api/v1/cameras/:camera", "4xx")))

	w := f.do(http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "falconlink_http_requests_total")
}
