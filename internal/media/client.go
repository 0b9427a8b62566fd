// Package media implements the UDP channel that carries camera images.
package media

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"falconlink/internal/metrics"
	"falconlink/internal/protocol"
	"falconlink/pkg/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Drop reasons
const (
	DropMalformed     = "malformed"
	DropUnknownCamera = "unknown_camera"
	DropDecodeError   = "decode_error"
	DropGated         = "gated"
)

// Listener receives decoded frames and status events. Calls are made from
// the receive goroutine.
type Listener interface {
	HandleFrame(frame *models.CameraFrame)
	HandleConnection(ev models.ConnectionEvent)
}

// Options configures a Client
type Options struct {
	ListenAddr string
	BufferSize int
	Separator  []byte // reserved sequence between camera id and image
	Cameras    []models.CameraID
}

// Stats counts what the receive loop has done since creation
type Stats struct {
	Datagrams uint64            `json:"datagrams"`
	Frames    uint64            `json:"frames"`
	Dropped   map[string]uint64 `json:"dropped"`
}

// Client binds a local UDP socket and turns datagrams into camera frames.
// Frames are only forwarded between StartStreaming and StopStreaming.
type Client struct {
	opts    Options
	cameras protocol.CameraSet
	log     logrus.FieldLogger
	metrics *metrics.Metrics

	mu      sync.Mutex
	conn    net.PacketConn
	session string
	status  models.ChannelStatus

	streaming atomic.Bool
	datagrams atomic.Uint64
	frames    atomic.Uint64
	drops     map[string]*atomic.Uint64

	lmu       sync.RWMutex
	listeners []Listener
}

// New creates an unbound client
func New(opts Options, log logrus.FieldLogger, m *metrics.Metrics) *Client {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 65536
	}
	if len(opts.Separator) == 0 {
		opts.Separator = protocol.DefaultSeparator
	}
	if len(opts.Cameras) == 0 {
		opts.Cameras = []models.CameraID{models.CameraA, models.CameraB}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	drops := make(map[string]*atomic.Uint64)
	for _, reason := range []string{DropMalformed, DropUnknownCamera, DropDecodeError, DropGated} {
		drops[reason] = new(atomic.Uint64)
	}

	return &Client{
		opts:    opts,
		cameras: protocol.NewCameraSet(opts.Cameras...),
		log:     log.WithField("channel", models.ChannelMedia),
		metrics: m,
		status:  models.ChannelStatus{State: models.StateDisconnected, Since: time.Now()},
		drops:   drops,
	}
}

// Subscribe registers l for frames and status events
func (c *Client) Subscribe(l Listener) {
	c.lmu.Lock()
	defer c.lmu.Unlock()
	c.listeners = append(c.listeners, l)
}

// Connect binds the socket and starts receiving. It is a no-op when already
// bound. A bind failure is returned and also reported as a status event.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}

	conn, err := net.ListenPacket("udp", c.opts.ListenAddr)
	if err != nil {
		c.setStatusLocked(models.StateFailed, err.Error())
		c.mu.Unlock()

		c.log.WithError(err).WithField("addr", c.opts.ListenAddr).Error("Bind failed")
		c.emitConnection(models.ConnectionEvent{Type: models.EventConnectionError, Reason: err.Error()})
		return errors.Wrapf(err, "bind %s", c.opts.ListenAddr)
	}
	if udp, ok := conn.(*net.UDPConn); ok {
		if err := udp.SetReadBuffer(c.opts.BufferSize); err != nil {
			c.log.WithError(err).Warn("Could not size socket receive buffer")
		}
	}

	session := uuid.NewString()
	c.conn = conn
	c.session = session
	c.setStatusLocked(models.StateConnected, "")
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{"addr": conn.LocalAddr().String(), "session": session}).Info("Listening")
	c.emitConnection(models.ConnectionEvent{Type: models.EventConnected, Session: session})
	go c.receiveLoop(conn, session)
	return nil
}

// Disconnect closes the socket. Calling it when unbound does nothing.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	session := c.session
	c.conn = nil
	c.session = ""
	if conn != nil {
		c.setStatusLocked(models.StateDisconnected, "")
	}
	c.mu.Unlock()

	if conn == nil {
		return
	}
	conn.Close()
	c.log.Info("Socket closed")
	c.emitConnection(models.ConnectionEvent{Type: models.EventDisconnected, Session: session})
}

// IsConnected reports whether the socket is bound
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// State returns a snapshot of the channel status
func (c *Client) State() models.ChannelStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// LocalAddr returns the bound address, or nil when unbound
func (c *Client) LocalAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.LocalAddr()
}

// StartStreaming opens the forwarding gate. No message is sent to the server.
func (c *Client) StartStreaming() {
	if !c.streaming.Swap(true) {
		c.log.Info("Streaming started")
	}
}

// StopStreaming closes the forwarding gate
func (c *Client) StopStreaming() {
	if c.streaming.Swap(false) {
		c.log.Info("Streaming stopped")
	}
}

// IsStreaming reports whether frames are being forwarded
func (c *Client) IsStreaming() bool {
	return c.streaming.Load()
}

// Stats returns a snapshot of the receive counters
func (c *Client) Stats() Stats {
	s := Stats{
		Datagrams: c.datagrams.Load(),
		Frames:    c.frames.Load(),
		Dropped:   make(map[string]uint64, len(c.drops)),
	}
	for reason, n := range c.drops {
		s.Dropped[reason] = n.Load()
	}
	return s
}

func (c *Client) receiveLoop(conn net.PacketConn, session string) {
	buf := make([]byte, c.opts.BufferSize)
	seq := make(map[models.CameraID]uint64)

	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			c.handleReadError(session, err)
			return
		}
		c.datagrams.Add(1)
		if frame := c.handleDatagram(buf[:n]); frame != nil {
			seq[frame.Camera]++
			frame.Sequence = seq[frame.Camera]
			c.frames.Add(1)
			for _, l := range c.snapshotListeners() {
				l.HandleFrame(frame)
			}
		}
	}
}

// handleDatagram returns the decoded frame, or nil when it was dropped
func (c *Client) handleDatagram(data []byte) *models.CameraFrame {
	dg, err := protocol.ParseDatagram(data, c.opts.Separator, c.cameras)
	if err != nil {
		reason := DropMalformed
		if errors.Is(err, protocol.ErrUnknownCamera) {
			reason = DropUnknownCamera
		}
		c.drop("", reason, err)
		return nil
	}

	if !c.streaming.Load() {
		c.drop(dg.Camera, DropGated, nil)
		return nil
	}

	start := time.Now()
	frame, err := protocol.DecodeFrame(dg)
	if err != nil {
		c.drop(dg.Camera, DropDecodeError, err)
		return nil
	}
	c.metrics.RecordFrame(string(frame.Camera), len(frame.Encoded), time.Since(start).Seconds())
	return frame
}

func (c *Client) drop(camera models.CameraID, reason string, err error) {
	c.drops[reason].Add(1)
	c.metrics.RecordFrameDropped(string(camera), reason)
	if err != nil {
		c.log.WithError(err).WithField("reason", reason).Warn("Dropped datagram")
	}
}

func (c *Client) handleReadError(session string, err error) {
	c.mu.Lock()
	if c.session != session {
		// closed by Disconnect
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	c.session = ""
	c.setStatusLocked(models.StateFailed, err.Error())
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.log.WithError(err).Error("Receive failed")
	c.emitConnection(models.ConnectionEvent{Type: models.EventConnectionError, Reason: err.Error(), Session: session})
}

func (c *Client) setStatusLocked(state models.ConnectionState, reason string) {
	c.status = models.ChannelStatus{State: state, Reason: reason, Since: time.Now()}
}

func (c *Client) emitConnection(ev models.ConnectionEvent) {
	ev.Channel = models.ChannelMedia
	ev.At = time.Now()
	c.metrics.RecordConnectionEvent(string(ev.Channel), string(ev.Type), ev.Type == models.EventConnected)

	for _, l := range c.snapshotListeners() {
		l.HandleConnection(ev)
	}
}

func (c *Client) snapshotListeners() []Listener {
	c.lmu.RLock()
	defer c.lmu.RUnlock()
	out := make([]Listener, len(c.listeners))
	copy(out, c.listeners)
	return out
}
