package models

import (
	"sync"
	"time"
)

// StreamState represents what the client has asked of a camera
type StreamState string

const (
	StreamStateIdle      StreamState = "idle"
	StreamStateRequested StreamState = "requested"
	StreamStateStreaming StreamState = "streaming"
)

// CameraStream tracks one logical camera on the media channel
type CameraStream struct {
	Camera    CameraID    // Logical camera id
	State     StreamState // Current state
	StartedAt time.Time   // When the camera last started streaming

	// Stats
	Stats StreamStats

	latest *CameraFrame
	mu     sync.RWMutex // Protects concurrent access
}

// StreamStats tracks per-camera statistics
type StreamStats struct {
	BytesReceived  uint64    // Encoded bytes of all frames received
	FramesReceived uint64    // Total frames received
	DroppedFrames  uint64    // Frames dropped due to backpressure
	LastFrameTime  time.Time // Time of last frame received
	Width          int       // Resolution of the last frame
	Height         int
}

// NewCameraStream returns an idle stream for camera
func NewCameraStream(camera CameraID) *CameraStream {
	return &CameraStream{Camera: camera, State: StreamStateIdle}
}

// UpdateStats records frame and keeps it as the latest snapshot
func (s *CameraStream) UpdateStats(frame *CameraFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Stats.FramesReceived++
	s.Stats.BytesReceived += uint64(len(frame.Encoded))
	s.Stats.LastFrameTime = frame.ReceivedAt
	s.Stats.Width = frame.Width
	s.Stats.Height = frame.Height
	s.latest = frame
}

// Latest returns the most recent frame, or nil before the first one
func (s *CameraStream) Latest() *CameraFrame {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest
}

// SetState safely updates the stream state
func (s *CameraStream) SetState(state StreamState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state == StreamStateStreaming && s.State != StreamStateStreaming {
		s.StartedAt = time.Now()
	}
	s.State = state
}

// GetState safely returns the current stream state
func (s *CameraStream) GetState() StreamState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.State
}

// GetStats returns a copy of the statistics
func (s *CameraStream) GetStats() StreamStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Stats
}

// IncrementDroppedFrames increments the dropped frames counter
func (s *CameraStream) IncrementDroppedFrames() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Stats.DroppedFrames++
}
