// Package hub bridges supervisor events to browser viewers over WebSocket
// and forwards their commands back.
package hub

import (
	"context"
	"net/http"
	"sync"
	"time"

	"falconlink/internal/metrics"
	"falconlink/pkg/models"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
)

// Message types
const (
	TypeWelcome       = "welcome"
	TypeCommandResult = "command_result"
)

// Inbound command types
const (
	CommandRequestCCTV         = "request_cctv"
	CommandRequestMap          = "request_map"
	CommandRequestObjectDetail = "request_object_detail"
)

// Commander is the part of the supervisor viewers may drive
type Commander interface {
	RequestCCTV(camera models.CameraID) error
	RequestMap() error
	RequestObjectDetail(id int) error
}

// Message is the envelope written to viewers
type Message struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload,omitempty"`
	ClientID  string      `json:"clientId,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// Command is what viewers send
type Command struct {
	Type     string `json:"type"`
	Camera   string `json:"camera,omitempty"`
	ObjectID int    `json:"objectId,omitempty"`
}

// CommandResult answers a Command
type CommandResult struct {
	Command string `json:"command"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
}

// FramePayload carries a camera image; Image is base64 in JSON
type FramePayload struct {
	Camera   models.CameraID `json:"camera"`
	Sequence uint64          `json:"sequence"`
	Width    int             `json:"width"`
	Height   int             `json:"height"`
	Format   string          `json:"format"`
	Image    []byte          `json:"image"`
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan Message
}

// Hub tracks connected viewers
type Hub struct {
	clients  map[string]*client
	mu       sync.RWMutex
	cmd      Commander
	log      logrus.FieldLogger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
	now      func() time.Time
}

// New creates a hub. cmd may be nil to make viewers read-only.
func New(cmd Commander, log logrus.FieldLogger, m *metrics.Metrics) *Hub {
	return &Hub{
		clients: make(map[string]*client),
		cmd:     cmd,
		log:     log.WithField("component", "hub"),
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		now: time.Now,
	}
}

// ServeWS upgrades the request and serves the viewer until it disconnects
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan Message, sendBufferSize),
	}
	h.register(c)
	defer h.unregister(c)

	c.send <- Message{
		Type:      TypeWelcome,
		ClientID:  c.id,
		Timestamp: h.now().Unix(),
	}

	go h.writePump(c)
	h.readPump(c)
}

// Run broadcasts every event until ctx is done or the channel closes
func (h *Hub) Run(ctx context.Context, events <-chan models.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.Broadcast(h.encodeEvent(ev))
		}
	}
}

// Broadcast queues msg for every viewer. Viewers that fall behind miss it.
func (h *Hub) Broadcast(msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.log.WithField("client", c.id).Debug("Viewer too slow, message dropped")
		}
	}
}

// ClientCount returns the number of connected viewers
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every viewer
func (h *Hub) Close() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		c.conn.Close()
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c.id] = c
	total := len(h.clients)
	h.mu.Unlock()

	h.metrics.RecordViewerStart()
	h.log.WithFields(logrus.Fields{"client": c.id, "total": total}).Info("Viewer connected")
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		close(c.send)
	}
	total := len(h.clients)
	h.mu.Unlock()

	h.metrics.RecordViewerStop()
	h.log.WithFields(logrus.Fields{"client": c.id, "total": total}).Info("Viewer disconnected")
}

func (h *Hub) readPump(c *client) {
	defer c.conn.Close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var cmd Command
		if err := c.conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.WithError(err).WithField("client", c.id).Warn("Viewer read failed")
			}
			return
		}

		result := h.execute(cmd)
		select {
		case c.send <- Message{Type: TypeCommandResult, Payload: result, ClientID: c.id, Timestamp: h.now().Unix()}:
		default:
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) execute(cmd Command) CommandResult {
	result := CommandResult{Command: cmd.Type}
	if h.cmd == nil {
		result.Error = "commands disabled"
		return result
	}

	var err error
	switch cmd.Type {
	case CommandRequestCCTV:
		err = h.cmd.RequestCCTV(models.CameraID(cmd.Camera))
	case CommandRequestMap:
		err = h.cmd.RequestMap()
	case CommandRequestObjectDetail:
		err = h.cmd.RequestObjectDetail(cmd.ObjectID)
	default:
		result.Error = "unknown command"
		return result
	}

	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.OK = true
	return result
}

func (h *Hub) encodeEvent(ev models.Event) Message {
	msg := Message{Type: ev.EventName(), Payload: ev, Timestamp: h.now().Unix()}
	if f, ok := ev.(models.FrameReceived); ok && f.Frame != nil {
		msg.Payload = FramePayload{
			Camera:   f.Frame.Camera,
			Sequence: f.Frame.Sequence,
			Width:    f.Frame.Width,
			Height:   f.Frame.Height,
			Format:   f.Frame.Format,
			Image:    f.Frame.Encoded,
		}
	}
	return msg
}
