// Package supervisor owns both channel clients, recovers the control channel
// with a bounded retry policy and republishes everything as events.
package supervisor

import (
	"sync"
	"time"

	"falconlink/internal/control"
	"falconlink/internal/eventbus"
	"falconlink/internal/media"
	"falconlink/internal/metrics"
	"falconlink/internal/streammanager"
	"falconlink/pkg/models"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"
)

// ControlChannel is the part of *control.Client the supervisor uses
type ControlChannel interface {
	Connect()
	Disconnect()
	IsConnected() bool
	State() models.ChannelStatus
	LastSession() string
	Send(cmd models.Command) error
	Subscribe(l control.Listener)
}

// MediaChannel is the part of *media.Client the supervisor uses
type MediaChannel interface {
	Connect() error
	Disconnect()
	IsConnected() bool
	State() models.ChannelStatus
	StartStreaming()
	StopStreaming()
	IsStreaming() bool
	Subscribe(l media.Listener)
}

// Options configures a Supervisor. Zero values get defaults.
type Options struct {
	Policy  models.ReconnectPolicy
	Clock   clock.WithDelayedExecution
	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics
	Bus     *eventbus.Bus
	Streams *streammanager.Manager
	Cameras []models.CameraID
}

// Supervisor coordinates the control and media channels
type Supervisor struct {
	control ControlChannel
	media   MediaChannel
	policy  models.ReconnectPolicy
	clock   clock.WithDelayedExecution
	log     logrus.FieldLogger
	metrics *metrics.Metrics
	bus     *eventbus.Bus
	streams *streammanager.Manager

	mu          sync.Mutex
	running     bool
	attempts    int
	cycleActive bool
	exhausted   bool
	mediaWanted bool
	timer       clock.Timer
	generation  uint64
}

// New wires the supervisor to both channels. It subscribes to them
// immediately, so construct it before connecting anything.
func New(ctrl ControlChannel, med MediaChannel, opts Options) *Supervisor {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.New(opts.Metrics)
	}
	if opts.Streams == nil {
		cameras := opts.Cameras
		if len(cameras) == 0 {
			cameras = []models.CameraID{models.CameraA, models.CameraB}
		}
		opts.Streams = streammanager.New(cameras)
	}

	s := &Supervisor{
		control: ctrl,
		media:   med,
		policy:  opts.Policy,
		clock:   opts.Clock,
		log:     opts.Logger.WithField("component", "supervisor"),
		metrics: opts.Metrics,
		bus:     opts.Bus,
		streams: opts.Streams,
	}

	ctrl.Subscribe(controlSink{s})
	med.Subscribe(mediaSink{s})
	return s
}

// StartServices connects the control channel. The media channel is only
// bound once a camera is requested.
func (s *Supervisor) StartServices() {
	s.mu.Lock()
	if s.running && !s.exhausted {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.exhausted = false
	s.cycleActive = false
	s.attempts = 0
	s.disarmLocked()
	s.mu.Unlock()

	s.log.Info("Starting services")
	s.control.Connect()
}

// StopServices disconnects both channels and cancels any pending reconnect
func (s *Supervisor) StopServices() {
	s.mu.Lock()
	s.running = false
	s.cycleActive = false
	s.mediaWanted = false
	s.disarmLocked()
	s.mu.Unlock()

	s.log.Info("Stopping services")
	s.media.StopStreaming()
	s.control.Disconnect()
	s.media.Disconnect()
	s.streams.ResetAll()
}

// RequestCCTV binds the media channel if needed and asks the server to
// stream camera. Streaming starts when the server approves.
func (s *Supervisor) RequestCCTV(camera models.CameraID) error {
	if _, ok := s.streams.GetStream(camera); !ok {
		return errors.Wrapf(streammanager.ErrUnknownCamera, "%q", camera)
	}

	s.mu.Lock()
	s.mediaWanted = true
	s.mu.Unlock()

	if !s.media.IsConnected() {
		if err := s.media.Connect(); err != nil {
			return errors.Wrap(err, "connect media channel")
		}
	}

	if err := s.control.Send(models.Command{Kind: models.CommandCCTV, Camera: camera}); err != nil {
		return err
	}
	if stream, _ := s.streams.GetStream(camera); stream.GetState() != models.StreamStateStreaming {
		stream.SetState(models.StreamStateRequested)
	}
	return nil
}

// RequestMap asks the server for the map view. Local forwarding stops
// whether or not the command could be sent.
func (s *Supervisor) RequestMap() error {
	err := s.control.Send(models.Command{Kind: models.CommandMap})
	s.media.StopStreaming()
	s.streams.ResetAll()
	return err
}

// RequestObjectDetail asks for the full record of object id
func (s *Supervisor) RequestObjectDetail(id int) error {
	return s.control.Send(models.Command{Kind: models.CommandObjectDetail, ObjectID: id})
}

// Subscribe returns a channel of every event and its cleanup function
func (s *Supervisor) Subscribe(bufferSize int, opts ...eventbus.Option) (<-chan models.Event, func()) {
	return s.bus.Subscribe(bufferSize, opts...)
}

// SubscribeCamera returns a channel of one camera's frames
func (s *Supervisor) SubscribeCamera(camera models.CameraID, bufferSize int) (<-chan *models.CameraFrame, func()) {
	return s.streams.Subscribe(camera, bufferSize)
}

// Streams exposes the camera registry
func (s *Supervisor) Streams() *streammanager.Manager {
	return s.streams
}

// Status reports both channels separately
func (s *Supervisor) Status() models.SupervisorStatus {
	s.mu.Lock()
	st := models.SupervisorStatus{
		Running:           s.running,
		ReconnectAttempts: s.attempts,
		ReconnectPending:  s.timer != nil,
		Exhausted:         s.exhausted,
	}
	s.mu.Unlock()

	st.Control = s.control.State()
	st.Media = s.media.State()
	st.Streaming = s.media.IsStreaming()
	return st
}

// Close stops everything and closes the event bus
func (s *Supervisor) Close() {
	s.StopServices()
	s.bus.Close()
	s.streams.Close()
}

func (s *Supervisor) publish(ev models.Event) {
	if err := s.bus.Publish(ev); err != nil {
		s.log.WithField("event", ev.EventName()).Debug("Event dropped after close")
	}
}

// handleConnection is shared by both channels
func (s *Supervisor) handleConnection(ev models.ConnectionEvent) {
	if ev.Channel == models.ChannelControl && ev.Session != "" && ev.Session != s.control.LastSession() {
		s.log.WithFields(logrus.Fields{"session": ev.Session, "event": ev.Type}).Debug("Ignoring event from superseded attempt")
		return
	}

	s.publish(models.ConnectionStatusChanged{
		Channel:   ev.Channel,
		Connected: ev.Type == models.EventConnected,
		Remote:    ev.Remote,
		Reason:    ev.Reason,
	})

	switch ev.Type {
	case models.EventConnected:
		if ev.Channel == models.ChannelControl {
			s.onControlConnected()
		} else {
			s.onMediaConnected()
		}
	case models.EventConnectionError:
		if ev.Channel == models.ChannelMedia {
			s.mu.Lock()
			wanted := s.mediaWanted
			s.mu.Unlock()
			if !wanted {
				return
			}
		}
		s.onFailure(ev)
	case models.EventDisconnected:
		if ev.Channel == models.ChannelControl && ev.Remote && s.policy.OnRemoteClose {
			s.onFailure(ev)
		}
	}
}

func (s *Supervisor) onControlConnected() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cycleActive {
		s.log.WithField("attempts", s.attempts).Info("Reconnected")
	}
	s.disarmLocked()
	s.attempts = 0
	s.cycleActive = false
	s.exhausted = false
}

// onMediaConnected ends a cycle the media channel started once the control
// channel is up as well. Otherwise the cycle keeps running for control.
func (s *Supervisor) onMediaConnected() {
	controlUp := s.control.IsConnected()

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.cycleActive || !controlUp {
		return
	}
	s.log.WithField("attempts", s.attempts).Info("Media channel recovered")
	s.disarmLocked()
	s.attempts = 0
	s.cycleActive = false
}

// onFailure starts a reconnect cycle, or continues the current one
func (s *Supervisor) onFailure(ev models.ConnectionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.exhausted {
		return
	}
	if !s.cycleActive {
		s.cycleActive = true
		s.attempts = 0
	}

	delay := s.policy.Delay(s.attempts)
	s.armLocked(delay)
	s.log.WithFields(logrus.Fields{
		"channel":  ev.Channel,
		"reason":   ev.Reason,
		"attempts": s.attempts,
		"delay":    delay,
	}).Warn("Connection lost, reconnect scheduled")
}

// armLocked replaces any pending timer. Only one timer is ever armed.
func (s *Supervisor) armLocked(delay time.Duration) {
	s.disarmLocked()
	gen := s.generation
	// The callback may run while the clock holds its own lock, so the
	// attempt runs on a separate goroutine.
	s.timer = s.clock.AfterFunc(delay, func() {
		go s.onTimer(gen)
	})
}

func (s *Supervisor) disarmLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.generation++
}

func (s *Supervisor) onTimer(gen uint64) {
	s.mu.Lock()
	if gen != s.generation || !s.running {
		s.mu.Unlock()
		return
	}
	s.timer = nil

	if s.attempts >= s.policy.MaxAttempts {
		s.exhausted = true
		s.cycleActive = false
		attempts := s.attempts
		s.mu.Unlock()

		s.log.WithField("attempts", attempts).Error("Reconnect attempts exhausted")
		s.metrics.RecordReconnectExhausted()
		s.publish(models.ReconnectExhausted{Attempts: attempts})
		return
	}

	s.attempts++
	attempt := s.attempts
	wantMedia := s.mediaWanted
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{"attempt": attempt, "max": s.policy.MaxAttempts}).Info("Reconnecting")
	s.metrics.RecordReconnectAttempt()

	if !s.control.IsConnected() {
		s.control.Connect()
	}
	if wantMedia && !s.media.IsConnected() {
		if err := s.media.Connect(); err != nil {
			s.log.WithError(err).Warn("Media reconnect failed")
		}
	}
}

func (s *Supervisor) handleControlMessage(msg models.ControlMessage) {
	switch m := msg.(type) {
	case models.ObjectDetectionBatch:
		for _, obj := range m.Objects {
			s.publish(models.ObjectDetected{Object: obj})
		}
	case models.BirdRiskUpdate:
		s.publish(models.BirdRiskChanged{Level: m.Level})
	case models.RunwayRiskUpdate:
		s.publish(models.RunwayRiskChanged{Runway: m.Runway, Level: m.Level})
	case models.ObjectDetailResponse:
		s.publish(models.ObjectDetailReceived{Object: m.Object})
	case models.ObjectDetailError:
		s.publish(models.ObjectDetailFailed{Reason: m.Reason})
	case models.MapResponse:
		s.publish(models.MapResponded{Approved: m.OK, Detail: m.Detail})
	case models.CCTVResponse:
		s.handleCCTVResponse(m)
	default:
		s.log.WithField("kind", msg.Kind()).Warn("Unhandled control message")
	}
}

func (s *Supervisor) handleCCTVResponse(m models.CCTVResponse) {
	s.publish(models.CCTVResponded{Camera: m.Camera, Approved: m.OK, Detail: m.Detail})

	if !m.OK {
		s.log.WithFields(logrus.Fields{"camera": m.Camera, "detail": m.Detail}).Warn("CCTV request denied")
		if stream, ok := s.streams.GetStream(m.Camera); ok && stream.GetState() == models.StreamStateRequested {
			stream.SetState(models.StreamStateIdle)
		}
		return
	}

	s.mu.Lock()
	s.mediaWanted = true
	s.mu.Unlock()

	if !s.media.IsConnected() {
		if err := s.media.Connect(); err != nil {
			s.log.WithError(err).Error("Cannot bind media channel for approved stream")
			return
		}
	}
	s.media.StartStreaming()
	if err := s.streams.Activate(m.Camera); err != nil {
		s.log.WithError(err).Warn("Approved camera is not configured")
	}
}

func (s *Supervisor) handleFrame(frame *models.CameraFrame) {
	if err := s.streams.PublishFrame(frame); err != nil {
		s.log.WithError(err).Debug("Frame for unregistered camera")
		return
	}
	s.publish(models.FrameReceived{Frame: frame})
}

type controlSink struct{ s *Supervisor }

func (c controlSink) HandleMessage(msg models.ControlMessage)    { c.s.handleControlMessage(msg) }
func (c controlSink) HandleConnection(ev models.ConnectionEvent) { c.s.handleConnection(ev) }

type mediaSink struct{ s *Supervisor }

func (m mediaSink) HandleFrame(frame *models.CameraFrame)      { m.s.handleFrame(frame) }
func (m mediaSink) HandleConnection(ev models.ConnectionEvent) { m.s.handleConnection(ev) }
