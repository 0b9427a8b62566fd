// Package control implements the TCP control channel to the detection server.
package control

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"falconlink/internal/metrics"
	"falconlink/internal/protocol"
	"falconlink/pkg/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrNotConnected is returned by Send when there is no open connection.
// Commands are never queued.
var ErrNotConnected = errors.New("control channel not connected")

// Listener receives everything the control channel produces. Calls are made
// from the client's goroutines and must not block for long.
type Listener interface {
	HandleMessage(msg models.ControlMessage)
	HandleConnection(ev models.ConnectionEvent)
}

// Options configures a Client
type Options struct {
	Addr           string
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	ReadBufferSize int
	MaxFrameSize   int
}

// Client owns one TCP connection at a time. Connect is asynchronous: its
// outcome is reported to listeners as exactly one Connected or
// ConnectionError event.
type Client struct {
	opts    Options
	log     logrus.FieldLogger
	metrics *metrics.Metrics

	mu      sync.Mutex
	conn    net.Conn
	session string
	last    string // newest attempt, kept after it ends
	status  models.ChannelStatus
	cancel  context.CancelFunc // in-flight dial

	writeMu sync.Mutex

	lmu       sync.RWMutex
	listeners []Listener
}

// New creates a disconnected client
func New(opts Options, log logrus.FieldLogger, m *metrics.Metrics) *Client {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 3 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 3 * time.Second
	}
	if opts.ReadBufferSize <= 0 {
		opts.ReadBufferSize = 4096
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Client{
		opts:    opts,
		log:     log.WithField("channel", models.ChannelControl),
		metrics: m,
		status:  models.ChannelStatus{State: models.StateDisconnected, Since: time.Now()},
	}
}

// Subscribe registers l for messages and lifecycle events
func (c *Client) Subscribe(l Listener) {
	c.lmu.Lock()
	defer c.lmu.Unlock()
	c.listeners = append(c.listeners, l)
}

// Connect starts a connection attempt unless one is open or in progress
func (c *Client) Connect() {
	c.mu.Lock()
	if c.status.State == models.StateConnecting || c.status.State == models.StateConnected {
		c.mu.Unlock()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.ConnectTimeout)
	session := uuid.NewString()
	c.session = session
	c.last = session
	c.cancel = cancel
	c.setStatusLocked(models.StateConnecting, "")
	c.mu.Unlock()

	c.log.WithField("addr", c.opts.Addr).Info("Connecting")
	go c.dial(ctx, cancel, session)
}

func (c *Client) dial(ctx context.Context, cancel context.CancelFunc, session string) {
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.opts.Addr)

	c.mu.Lock()
	if c.session != session {
		// Disconnect was called while dialing
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		c.emitConnection(models.ConnectionEvent{Type: models.EventConnectionError, Reason: "connect aborted", Session: session})
		return
	}
	c.cancel = nil
	if err != nil {
		reason := dialReason(err)
		c.session = ""
		c.setStatusLocked(models.StateFailed, reason)
		c.mu.Unlock()

		c.log.WithError(err).Warn("Connection attempt failed")
		c.emitConnection(models.ConnectionEvent{Type: models.EventConnectionError, Reason: reason, Session: session})
		return
	}
	c.conn = conn
	c.setStatusLocked(models.StateConnected, "")
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{"remote": conn.RemoteAddr().String(), "session": session}).Info("Connected")
	c.emitConnection(models.ConnectionEvent{Type: models.EventConnected, Session: session})
	go c.readLoop(conn, session)
}

// Disconnect closes the connection or aborts a pending attempt. Calling it
// when already disconnected does nothing.
func (c *Client) Disconnect() {
	c.mu.Lock()
	session := c.session
	conn := c.conn
	cancel := c.cancel
	wasConnected := c.status.State == models.StateConnected

	c.session = ""
	c.conn = nil
	c.cancel = nil
	if c.status.State == models.StateConnecting || wasConnected {
		c.setStatusLocked(models.StateDisconnected, "")
	}
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	if wasConnected {
		c.log.Info("Disconnected")
		c.emitConnection(models.ConnectionEvent{Type: models.EventDisconnected, Session: session})
	}
}

// IsConnected reports whether a connection is open
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status.State == models.StateConnected
}

// LastSession returns the id of the newest connection attempt. Events
// carrying any other session belong to an attempt that was superseded.
func (c *Client) LastSession() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// State returns a snapshot of the channel status
func (c *Client) State() models.ChannelStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Send writes cmd to the server
func (c *Client) Send(cmd models.Command) error {
	line, err := protocol.EncodeCommand(cmd)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		c.metrics.RecordCommand(string(cmd.Kind), ErrNotConnected)
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		c.metrics.RecordCommand(string(cmd.Kind), err)
		return errors.Wrap(err, "set write deadline")
	}
	_, err = conn.Write(protocol.AppendFrame(nil, line))
	c.metrics.RecordCommand(string(cmd.Kind), err)
	if err != nil {
		return errors.Wrapf(err, "send %s", line)
	}

	c.log.WithField("command", line).Debug("Command sent")
	return nil
}

// RequestObjectDetail asks for the full record and image of object id
func (c *Client) RequestObjectDetail(id int) error {
	return c.Send(models.Command{Kind: models.CommandObjectDetail, ObjectID: id})
}

// RequestMap asks the server to switch back to the map view
func (c *Client) RequestMap() error {
	return c.Send(models.Command{Kind: models.CommandMap})
}

// RequestCCTV asks the server to start streaming camera
func (c *Client) RequestCCTV(camera models.CameraID) error {
	return c.Send(models.Command{Kind: models.CommandCCTV, Camera: camera})
}

func (c *Client) readLoop(conn net.Conn, session string) {
	framer := protocol.NewFramer(c.opts.MaxFrameSize)
	buf := make([]byte, c.opts.ReadBufferSize)
	var oversized uint64

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			for _, frame := range framer.Push(buf[:n]) {
				c.handleFrame(frame)
			}
			if o := framer.Oversized(); o > oversized {
				c.log.WithField("limit", c.opts.MaxFrameSize).Warn("Discarded oversized frame")
				c.metrics.RecordOversized(o - oversized)
				oversized = o
			}
		}
		if err != nil {
			c.handleReadError(conn, session, err)
			return
		}
	}
}

func (c *Client) handleFrame(frame string) {
	msg, err := protocol.DecodeMessage(frame)
	if err != nil {
		c.log.WithError(err).Warn("Skipping malformed message")
		c.metrics.RecordMalformed()
		return
	}

	skipped := 0
	if batch, ok := msg.(models.ObjectDetectionBatch); ok && batch.Skipped > 0 {
		skipped = batch.Skipped
		c.log.WithField("skipped", skipped).Warn("Skipped malformed object records")
	}
	c.metrics.RecordMessage(string(msg.Kind()), skipped)

	for _, l := range c.snapshotListeners() {
		l.HandleMessage(msg)
	}
}

// handleReadError ends the session unless Disconnect already did
func (c *Client) handleReadError(conn net.Conn, session string, err error) {
	c.mu.Lock()
	if c.session != session {
		c.mu.Unlock()
		return
	}
	c.session = ""
	c.conn = nil

	ev := models.ConnectionEvent{Session: session}
	if errors.Is(err, io.EOF) {
		ev.Type = models.EventDisconnected
		ev.Remote = true
		c.setStatusLocked(models.StateDisconnected, "")
	} else {
		ev.Type = models.EventConnectionError
		ev.Reason = err.Error()
		c.setStatusLocked(models.StateFailed, ev.Reason)
	}
	c.mu.Unlock()

	conn.Close()
	if ev.Remote {
		c.log.Info("Server closed the connection")
	} else {
		c.log.WithError(err).Error("Connection lost")
	}
	c.emitConnection(ev)
}

func (c *Client) setStatusLocked(state models.ConnectionState, reason string) {
	c.status = models.ChannelStatus{State: state, Reason: reason, Since: time.Now()}
}

func (c *Client) emitConnection(ev models.ConnectionEvent) {
	ev.Channel = models.ChannelControl
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

func dialReason(err error) string {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "connect timeout"
	}
	return err.Error()
}
