package models

// Event is anything the supervisor fans out to subscribers
type Event interface {
	EventName() string
}

type ObjectDetected struct {
	Object DetectedObject `json:"object"`
}

type BirdRiskChanged struct {
	Level RiskLevel `json:"level"`
}

type RunwayRiskChanged struct {
	Runway Runway    `json:"runway"`
	Level  RiskLevel `json:"level"`
}

type ObjectDetailReceived struct {
	Object DetectedObject `json:"object"`
}

type ObjectDetailFailed struct {
	Reason string `json:"reason,omitempty"`
}

type FrameReceived struct {
	Frame *CameraFrame `json:"-"`
}

// ConnectionStatusChanged reports a transition on either channel. The two
// channels are never merged into one status.
type ConnectionStatusChanged struct {
	Channel   Channel `json:"channel"`
	Connected bool    `json:"connected"`
	Remote    bool    `json:"remote,omitempty"`
	Reason    string  `json:"reason,omitempty"`
}

// ReconnectExhausted is published once when the retry budget runs out
type ReconnectExhausted struct {
	Attempts int `json:"attempts"`
}

type CCTVResponded struct {
	Camera   CameraID `json:"camera"`
	Approved bool     `json:"approved"`
	Detail   string   `json:"detail,omitempty"`
}

type MapResponded struct {
	Approved bool   `json:"approved"`
	Detail   string `json:"detail,omitempty"`
}

func (ObjectDetected) EventName() string          { return "object_detected" }
func (BirdRiskChanged) EventName() string         { return "bird_risk_changed" }
func (RunwayRiskChanged) EventName() string       { return "runway_risk_changed" }
func (ObjectDetailReceived) EventName() string    { return "object_detail" }
func (ObjectDetailFailed) EventName() string      { return "object_detail_failed" }
func (FrameReceived) EventName() string           { return "frame" }
func (ConnectionStatusChanged) EventName() string { return "connection_status" }
func (ReconnectExhausted) EventName() string      { return "reconnect_exhausted" }
func (CCTVResponded) EventName() string           { return "cctv_response" }
func (MapResponded) EventName() string            { return "map_response" }
