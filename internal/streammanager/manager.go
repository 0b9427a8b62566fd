package streammanager

import (
	"sort"
	"sync"

	"falconlink/pkg/models"

	"github.com/pkg/errors"
)

var ErrUnknownCamera = errors.New("unknown camera")

// Manager tracks the configured cameras and fans their frames out to
// subscribers
type Manager struct {
	streams map[models.CameraID]*models.CameraStream
	mu      sync.RWMutex

	// Channels for pub/sub
	subscribers map[models.CameraID][]chan *models.CameraFrame
	subMu       sync.RWMutex
}

// New creates a manager with one idle stream per camera
func New(cameras []models.CameraID) *Manager {
	m := &Manager{
		streams:     make(map[models.CameraID]*models.CameraStream),
		subscribers: make(map[models.CameraID][]chan *models.CameraFrame),
	}
	for _, camera := range cameras {
		m.streams[camera] = models.NewCameraStream(camera)
	}
	return m
}

// GetStream retrieves a camera's stream
func (m *Manager) GetStream(camera models.CameraID) (*models.CameraStream, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stream, exists := m.streams[camera]
	return stream, exists
}

// GetAllStreams returns every stream ordered by camera id
func (m *Manager) GetAllStreams() []*models.CameraStream {
	m.mu.RLock()
	defer m.mu.RUnlock()

	streams := make([]*models.CameraStream, 0, len(m.streams))
	for _, stream := range m.streams {
		streams = append(streams, stream)
	}
	sort.Slice(streams, func(i, j int) bool { return streams[i].Camera < streams[j].Camera })

	return streams
}

// SetState changes one camera's state
func (m *Manager) SetState(camera models.CameraID, state models.StreamState) error {
	stream, exists := m.GetStream(camera)
	if !exists {
		return errors.Wrapf(ErrUnknownCamera, "%q", camera)
	}
	stream.SetState(state)
	return nil
}

// Activate marks camera as streaming and every other camera idle. The server
// streams one camera at a time.
func (m *Manager) Activate(camera models.CameraID) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, exists := m.streams[camera]; !exists {
		return errors.Wrapf(ErrUnknownCamera, "%q", camera)
	}
	for id, stream := range m.streams {
		if id == camera {
			stream.SetState(models.StreamStateStreaming)
		} else {
			stream.SetState(models.StreamStateIdle)
		}
	}
	return nil
}

// ResetAll returns every camera to idle
func (m *Manager) ResetAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, stream := range m.streams {
		stream.SetState(models.StreamStateIdle)
	}
}

// ActiveCamera returns the camera currently streaming, if any
func (m *Manager) ActiveCamera() (models.CameraID, bool) {
	for _, stream := range m.GetAllStreams() {
		if stream.GetState() == models.StreamStateStreaming {
			return stream.Camera, true
		}
	}
	return "", false
}

// PublishFrame records the frame and sends it to all subscribers
func (m *Manager) PublishFrame(frame *models.CameraFrame) error {
	stream, exists := m.GetStream(frame.Camera)
	if !exists {
		return errors.Wrapf(ErrUnknownCamera, "%q", frame.Camera)
	}

	stream.UpdateStats(frame)

	m.subMu.RLock()
	defer m.subMu.RUnlock()

	// Send to all subscribers (non-blocking)
	for _, ch := range m.subscribers[frame.Camera] {
		select {
		case ch <- frame:
		default:
			// Channel is full, drop frame
			stream.IncrementDroppedFrames()
		}
	}

	return nil
}

// Subscribe creates a subscription to a camera's frames.
// Returns a channel that will receive frames and a cleanup function.
func (m *Manager) Subscribe(camera models.CameraID, bufferSize int) (<-chan *models.CameraFrame, func()) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	ch := make(chan *models.CameraFrame, bufferSize)
	m.subscribers[camera] = append(m.subscribers[camera], ch)

	var once sync.Once
	cleanup := func() {
		once.Do(func() { m.unsubscribe(camera, ch) })
	}

	return ch, cleanup
}

// unsubscribe removes a subscriber channel
func (m *Manager) unsubscribe(camera models.CameraID, ch chan *models.CameraFrame) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	subscribers := m.subscribers[camera]
	for i, subCh := range subscribers {
		if subCh == ch {
			m.subscribers[camera] = append(subscribers[:i], subscribers[i+1:]...)
			close(ch)
			break
		}
	}

	if len(m.subscribers[camera]) == 0 {
		delete(m.subscribers, camera)
	}
}

// SubscriberCount returns the number of frame subscribers for camera
func (m *Manager) SubscriberCount(camera models.CameraID) int {
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	return len(m.subscribers[camera])
}

// Close closes all subscriber channels
func (m *Manager) Close() {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	for camera, subscribers := range m.subscribers {
		for _, ch := range subscribers {
			close(ch)
		}
		delete(m.subscribers, camera)
	}
}
