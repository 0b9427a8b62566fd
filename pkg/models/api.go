package models

// CameraInfo represents camera stream metadata returned by the API
type CameraInfo struct {
	Camera         CameraID `json:"camera"`
	State          string   `json:"state"`
	Streaming      bool     `json:"streaming"`
	StartedAt      string   `json:"startedAt,omitempty"`
	FramesReceived uint64   `json:"framesReceived"`
	BytesReceived  uint64   `json:"bytesReceived"`
	DroppedFrames  uint64   `json:"droppedFrames"`
	LastFrameAt    string   `json:"lastFrameAt,omitempty"`
	Resolution     string   `json:"resolution,omitempty"` // e.g., "640x480"
}

// CameraListResponse represents a list of cameras
type CameraListResponse struct {
	Cameras []CameraInfo `json:"cameras"`
	Total   int          `json:"total"`
}

// SupervisorStatus is the connection picture reported by the supervisor
type SupervisorStatus struct {
	Running           bool          `json:"running"`
	Control           ChannelStatus `json:"control"`
	Media             ChannelStatus `json:"media"`
	Streaming         bool          `json:"streaming"`
	ReconnectAttempts int           `json:"reconnectAttempts"`
	ReconnectPending  bool          `json:"reconnectPending"`
	Exhausted         bool          `json:"exhausted"`
}

// CommandResponse acknowledges a command forwarded to the server
type CommandResponse struct {
	Message string `json:"message"`
	Command string `json:"command"`
}
