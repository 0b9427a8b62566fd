package httpServer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"falconlink/internal/control"
	"falconlink/internal/hub"
	"falconlink/internal/journal"
	"falconlink/internal/metrics"
	"falconlink/internal/protocol"
	"falconlink/internal/recorder"
	"falconlink/internal/storage"
	"falconlink/internal/streammanager"
	"falconlink/pkg/models"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const (
	defaultDetectionLimit = 100
	maxDetectionLimit     = 1000
)

// Supervisor is what the API drives
type Supervisor interface {
	StartServices()
	StopServices()
	RequestCCTV(camera models.CameraID) error
	RequestMap() error
	RequestObjectDetail(id int) error
	Status() models.SupervisorStatus
	Streams() *streammanager.Manager
}

// Archive serves recorded stills
type Archive interface {
	Index(camera models.CameraID) (models.StillIndex, error)
	GetStill(ctx context.Context, camera models.CameraID, name string) (io.ReadSeeker, error)
}

// History serves the detection journal
type History interface {
	Detections(ctx context.Context, f journal.Filter) ([]journal.Detection, error)
	RiskHistory(ctx context.Context, subject string, limit int) ([]journal.RiskChange, error)
}

// Options holds the server's dependencies. Only Supervisor is required.
type Options struct {
	Supervisor Supervisor
	Archive    Archive
	History    History
	Hub        *hub.Hub
	Metrics    *metrics.Metrics
	Gatherer   prometheus.Gatherer
	Logger     logrus.FieldLogger
}

// Server wraps the HTTP router with dependencies
type Server struct {
	router     *gin.Engine
	supervisor Supervisor
	archive    Archive
	history    History
	hub        *hub.Hub
	metrics    *metrics.Metrics
	gatherer   prometheus.Gatherer
	log        logrus.FieldLogger
}

// New creates a new HTTP server
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		supervisor: opts.Supervisor,
		archive:    opts.Archive,
		history:    opts.History,
		hub:        opts.Hub,
		metrics:    opts.Metrics,
		gatherer:   opts.Gatherer,
		log:        opts.Logger.WithField("component", "http"),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	router := gin.New()
	router.Use(gin.Recovery(), s.observe())

	api := router.Group("/api")
	{
		api.GET("/ping", s.handlePing)
		api.GET("/v1/status", s.handleStatus)
		api.POST("/v1/services/start", s.handleStartServices)
		api.POST("/v1/services/stop", s.handleStopServices)

		api.GET("/v1/cameras", s.handleListCameras)
		api.GET("/v1/cameras/:camera", s.handleGetCamera)
		api.GET("/v1/cameras/:camera/snapshot", s.handleSnapshot)
		api.POST("/v1/cameras/:camera/request", s.handleRequestCCTV)
		api.GET("/v1/cameras/:camera/stills", s.handleListStills)
		api.GET("/v1/cameras/:camera/stills/:name", s.handleGetStill)

		api.POST("/v1/map", s.handleRequestMap)
		api.POST("/v1/objects/:id/detail", s.handleRequestObjectDetail)

		api.GET("/v1/detections", s.handleDetections)
		api.GET("/v1/risk/:subject", s.handleRiskHistory)
	}

	if s.hub != nil {
		router.GET("/ws", gin.WrapF(s.hub.ServeWS))
	}
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	s.router = router
}

// Handler returns the router for use in an http.Server
func (s *Server) Handler() http.Handler {
	return s.router
}

// observe logs and measures every request by its route template
func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		elapsed := time.Since(start)
		status := c.Writer.Status()
		s.metrics.RecordHTTPRequest(c.Request.Method, route, status, elapsed.Seconds())

		s.log.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   status,
			"duration": elapsed,
		}).Debug("Request served")
	}
}

// Handler implementations

func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "pong",
		"time":    time.Now().Unix(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.supervisor.Status())
}

func (s *Server) handleStartServices(c *gin.Context) {
	s.supervisor.StartServices()
	c.JSON(http.StatusAccepted, gin.H{"message": "services starting"})
}

func (s *Server) handleStopServices(c *gin.Context) {
	s.supervisor.StopServices()
	c.JSON(http.StatusOK, gin.H{"message": "services stopped"})
}

func (s *Server) handleListCameras(c *gin.Context) {
	streams := s.supervisor.Streams().GetAllStreams()

	cameras := make([]models.CameraInfo, len(streams))
	for i, stream := range streams {
		cameras[i] = streamToInfo(stream)
	}

	c.JSON(http.StatusOK, models.CameraListResponse{
		Cameras: cameras,
		Total:   len(cameras),
	})
}

func (s *Server) handleGetCamera(c *gin.Context) {
	stream, ok := s.camera(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, streamToInfo(stream))
}

func (s *Server) handleSnapshot(c *gin.Context) {
	stream, ok := s.camera(c)
	if !ok {
		return
	}

	frame := stream.Latest()
	if frame == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no frame received yet"})
		return
	}

	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	c.Header("X-Frame-Sequence", strconv.FormatUint(frame.Sequence, 10))
	c.Data(http.StatusOK, storage.ContentType(frame.Extension()), frame.Encoded)
}

func (s *Server) handleRequestCCTV(c *gin.Context) {
	camera := models.CameraID(c.Param("camera"))
	if err := s.supervisor.RequestCCTV(camera); err != nil {
		s.commandError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, models.CommandResponse{
		Message: "camera requested",
		Command: wire(models.Command{Kind: models.CommandCCTV, Camera: camera}),
	})
}

func (s *Server) handleRequestMap(c *gin.Context) {
	if err := s.supervisor.RequestMap(); err != nil {
		s.commandError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, models.CommandResponse{
		Message: "map requested",
		Command: wire(models.Command{Kind: models.CommandMap}),
	})
}

func (s *Server) handleRequestObjectDetail(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid object id"})
		return
	}
	if err := s.supervisor.RequestObjectDetail(id); err != nil {
		s.commandError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, models.CommandResponse{
		Message: "object detail requested",
		Command: wire(models.Command{Kind: models.CommandObjectDetail, ObjectID: id}),
	})
}

func (s *Server) handleListStills(c *gin.Context) {
	if s.archive == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "still archive disabled"})
		return
	}
	index, err := s.archive.Index(models.CameraID(c.Param("camera")))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, index)
}

func (s *Server) handleGetStill(c *gin.Context) {
	if s.archive == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "still archive disabled"})
		return
	}

	name := c.Param("name")
	rs, err := s.archive.GetStill(c.Request.Context(), models.CameraID(c.Param("camera")), name)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, recorder.ErrStillNotFound) || errors.Is(err, recorder.ErrNotRecording) || errors.Is(err, storage.ErrNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	if closer, ok := rs.(io.Closer); ok {
		defer closer.Close()
	}

	c.Header("Content-Type", storage.ContentType(name))
	c.Header("Cache-Control", storage.CacheControl(name))
	http.ServeContent(c.Writer, c.Request, name, time.Time{}, rs)
}

func (s *Server) handleDetections(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "journal disabled"})
		return
	}

	filter, err := parseFilter(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	detections, err := s.history.Detections(c.Request.Context(), filter)
	if err != nil {
		s.log.WithError(err).Error("Detection query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	if detections == nil {
		detections = []journal.Detection{}
	}
	c.JSON(http.StatusOK, gin.H{"detections": detections, "total": len(detections)})
}

func (s *Server) handleRiskHistory(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "journal disabled"})
		return
	}

	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	subject := c.Param("subject")
	changes, err := s.history.RiskHistory(c.Request.Context(), subject, limit)
	if err != nil {
		s.log.WithError(err).Error("Risk history query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	if changes == nil {
		changes = []journal.RiskChange{}
	}
	c.JSON(http.StatusOK, gin.H{"subject": subject, "changes": changes})
}

// Helper functions

func (s *Server) camera(c *gin.Context) (*models.CameraStream, bool) {
	stream, exists := s.supervisor.Streams().GetStream(models.CameraID(c.Param("camera")))
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "camera not found"})
		return nil, false
	}
	return stream, true
}

func (s *Server) commandError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, streammanager.ErrUnknownCamera):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, control.ErrNotConnected):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "control channel not connected"})
	default:
		s.log.WithError(err).Warn("Command failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	}
}

// wire renders an already accepted command as it went out
func wire(cmd models.Command) string {
	frame, _ := protocol.EncodeCommand(cmd)
	return frame
}

func streamToInfo(stream *models.CameraStream) models.CameraInfo {
	stats := stream.GetStats()
	state := stream.GetState()
	info := models.CameraInfo{
		Camera:         stream.Camera,
		State:          string(state),
		Streaming:      state == models.StreamStateStreaming,
		FramesReceived: stats.FramesReceived,
		BytesReceived:  stats.BytesReceived,
		DroppedFrames:  stats.DroppedFrames,
	}

	if state == models.StreamStateStreaming && !stream.StartedAt.IsZero() {
		info.StartedAt = stream.StartedAt.Format(time.RFC3339)
	}
	if !stats.LastFrameTime.IsZero() {
		info.LastFrameAt = stats.LastFrameTime.Format(time.RFC3339Nano)
		info.Resolution = fmt.Sprintf("%dx%d", stats.Width, stats.Height)
	}
	return info
}

func parseFilter(c *gin.Context) (journal.Filter, error) {
	var f journal.Filter

	if v := c.Query("type"); v != "" {
		t, ok := models.ParseObjectType(v)
		if !ok {
			return f, errors.Errorf("invalid type %q", v)
		}
		f.Type = &t
	}
	if v := c.Query("zone"); v != "" {
		z, ok := models.ParseZone(v)
		if !ok {
			return f, errors.Errorf("invalid zone %q", v)
		}
		f.Zone = z
	}
	for key, dst := range map[string]*time.Time{"since": &f.Since, "until": &f.Until} {
		if v := c.Query(key); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return f, errors.Errorf("invalid %s %q", key, v)
			}
			*dst = t
		}
	}

	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		return f, err
	}
	f.Limit = limit
	return f, nil
}

func parseLimit(v string) (int, error) {
	if v == "" {
		return defaultDetectionLimit, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, errors.Errorf("invalid limit %q", v)
	}
	if n > maxDetectionLimit {
		n = maxDetectionLimit
	}
	return n, nil
}
