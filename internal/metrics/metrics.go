package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	// Connection metrics
	ChannelUp          *prometheus.GaugeVec
	ConnectionEvents   *prometheus.CounterVec
	ReconnectAttempts  prometheus.Counter
	ReconnectExhausted prometheus.Counter

	// Control metrics
	MessagesReceived  *prometheus.CounterVec
	MessagesMalformed prometheus.Counter
	RecordsSkipped    prometheus.Counter
	FramesOversized   prometheus.Counter
	CommandsSent      *prometheus.CounterVec

	// Media metrics
	FramesReceived *prometheus.CounterVec
	FramesDropped  *prometheus.CounterVec
	FrameSize      prometheus.Histogram
	DecodeDuration prometheus.Histogram

	// Event metrics
	EventsPublished prometheus.Counter
	EventsDropped   prometheus.Counter

	// Archive metrics
	StillsCreated prometheus.Counter
	StillsStored  prometheus.Gauge
	BytesStored   prometheus.Gauge

	// Viewer metrics
	ActiveViewers  prometheus.Gauge
	ViewerSessions prometheus.Counter

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// New creates all metrics and registers them with reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	m := &Metrics{
		ChannelUp: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "falconlink_channel_up",
				Help: "Whether a channel is currently connected (1) or not (0)",
			},
			[]string{"channel"},
		),
		ConnectionEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "falconlink_connection_events_total",
				Help: "Lifecycle events reported by the channel clients",
			},
			[]string{"channel", "type"},
		),
		ReconnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "falconlink_reconnect_attempts_total",
			Help: "Reconnect attempts made by the supervisor",
		}),
		ReconnectExhausted: factory.NewCounter(prometheus.CounterOpts{
			Name: "falconlink_reconnect_exhausted_total",
			Help: "Times the reconnect budget ran out",
		}),

		MessagesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "falconlink_control_messages_total",
				Help: "Control messages decoded, by kind",
			},
			[]string{"kind"},
		),
		MessagesMalformed: factory.NewCounter(prometheus.CounterOpts{
			Name: "falconlink_control_messages_malformed_total",
			Help: "Control frames that could not be decoded",
		}),
		RecordsSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "falconlink_control_records_skipped_total",
			Help: "Object records skipped inside otherwise valid detection messages",
		}),
		FramesOversized: factory.NewCounter(prometheus.CounterOpts{
			Name: "falconlink_control_frames_oversized_total",
			Help: "Control frames discarded for exceeding the size limit",
		}),
		CommandsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "falconlink_control_commands_total",
				Help: "Commands sent to the server, by result",
			},
			[]string{"command", "result"},
		),

		FramesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "falconlink_media_frames_received_total",
				Help: "Camera frames decoded",
			},
			[]string{"camera"},
		),
		FramesDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "falconlink_media_frames_dropped_total",
				Help: "Media datagrams dropped",
			},
			[]string{"camera", "reason"},
		),
		FrameSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "falconlink_media_frame_size_bytes",
			Help:    "Encoded size of camera frames",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 7), // 1KB to 64KB
		}),
		DecodeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "falconlink_media_decode_duration_seconds",
			Help:    "Time spent decoding a camera frame",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 10),
		}),

		EventsPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "falconlink_events_published_total",
			Help: "Events published to subscribers",
		}),
		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "falconlink_events_dropped_total",
			Help: "Event deliveries dropped because a subscriber was full",
		}),

		StillsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "falconlink_stills_created_total",
			Help: "Camera stills written to the archive",
		}),
		StillsStored: factory.NewGauge(prometheus.GaugeOpts{
			Name: "falconlink_stills_stored",
			Help: "Camera stills currently kept in the archive",
		}),
		BytesStored: factory.NewGauge(prometheus.GaugeOpts{
			Name: "falconlink_bytes_stored",
			Help: "Bytes currently kept in the archive",
		}),

		ActiveViewers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "falconlink_active_viewers",
			Help: "Connected websocket viewers",
		}),
		ViewerSessions: factory.NewCounter(prometheus.CounterOpts{
			Name: "falconlink_viewer_sessions_total",
			Help: "Websocket viewer sessions since start",
		}),

		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "falconlink_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "falconlink_http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}

	return m
}

// RecordConnectionEvent records a channel lifecycle event and updates the up gauge
func (m *Metrics) RecordConnectionEvent(channel, eventType string, up bool) {
	if m == nil {
		return
	}
	m.ConnectionEvents.WithLabelValues(channel, eventType).Inc()
	if up {
		m.ChannelUp.WithLabelValues(channel).Set(1)
	} else {
		m.ChannelUp.WithLabelValues(channel).Set(0)
	}
}

func (m *Metrics) RecordReconnectAttempt() {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Inc()
}

func (m *Metrics) RecordReconnectExhausted() {
	if m == nil {
		return
	}
	m.ReconnectExhausted.Inc()
}

// RecordMessage records a decoded control message
func (m *Metrics) RecordMessage(kind string, skipped int) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(kind).Inc()
	if skipped > 0 {
		m.RecordsSkipped.Add(float64(skipped))
	}
}

func (m *Metrics) RecordMalformed() {
	if m == nil {
		return
	}
	m.MessagesMalformed.Inc()
}

func (m *Metrics) RecordOversized(n uint64) {
	if m == nil || n == 0 {
		return
	}
	m.FramesOversized.Add(float64(n))
}

// RecordCommand records a command send attempt
func (m *Metrics) RecordCommand(command string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.CommandsSent.WithLabelValues(command, result).Inc()
}

// RecordFrame records a decoded camera frame
func (m *Metrics) RecordFrame(camera string, size int, decodeSeconds float64) {
	if m == nil {
		return
	}
	m.FramesReceived.WithLabelValues(camera).Inc()
	m.FrameSize.Observe(float64(size))
	m.DecodeDuration.Observe(decodeSeconds)
}

// RecordFrameDropped records a dropped datagram
func (m *Metrics) RecordFrameDropped(camera, reason string) {
	if m == nil {
		return
	}
	m.FramesDropped.WithLabelValues(camera, reason).Inc()
}

// RecordEvent records one published event and the deliveries it lost
func (m *Metrics) RecordEvent(dropped int) {
	if m == nil {
		return
	}
	m.EventsPublished.Inc()
	if dropped > 0 {
		m.EventsDropped.Add(float64(dropped))
	}
}

// RecordStill records a still written to the archive
func (m *Metrics) RecordStill(sizeBytes int64) {
	if m == nil {
		return
	}
	m.StillsCreated.Inc()
	m.StillsStored.Inc()
	m.BytesStored.Add(float64(sizeBytes))
}

// RecordStillDeleted records a still evicted from the archive
func (m *Metrics) RecordStillDeleted(sizeBytes int64) {
	if m == nil {
		return
	}
	m.StillsStored.Dec()
	m.BytesStored.Sub(float64(sizeBytes))
}

func (m *Metrics) RecordViewerStart() {
	if m == nil {
		return
	}
	m.ActiveViewers.Inc()
	m.ViewerSessions.Inc()
}

func (m *Metrics) RecordViewerStop() {
	if m == nil {
		return
	}
	m.ActiveViewers.Dec()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path string, status int, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, path, statusClass(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, path).Observe(durationSeconds)
}

// statusClass converts an HTTP status code to its class label
func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
