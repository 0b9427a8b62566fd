package models

import (
	"math"
	"time"
)

// Channel identifies one of the two server connections
type Channel string

const (
	ChannelControl Channel = "control"
	ChannelMedia   Channel = "media"
)

// ConnectionState is the lifecycle state of a single channel
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateFailed       ConnectionState = "failed"
)

// ChannelStatus is a snapshot of a channel's state
type ChannelStatus struct {
	State  ConnectionState `json:"state"`
	Reason string          `json:"reason,omitempty"` // set when State is failed
	Since  time.Time       `json:"since"`
}

// ConnectionEventType is the kind of lifecycle transition a channel reports
type ConnectionEventType string

const (
	EventConnected       ConnectionEventType = "connected"
	EventDisconnected    ConnectionEventType = "disconnected"
	EventConnectionError ConnectionEventType = "connection_error"
)

// ConnectionEvent is emitted by a channel client on every lifecycle transition
type ConnectionEvent struct {
	Channel Channel
	Type    ConnectionEventType
	Remote  bool   // Disconnected only: the peer closed the connection
	Reason  string // ConnectionError only
	Session string
	At      time.Time
}

// ReconnectPolicy governs automatic recovery of the control channel
type ReconnectPolicy struct {
	Interval      time.Duration
	MaxAttempts   int
	BackoffFactor float64       // 1 keeps a fixed interval
	MaxInterval   time.Duration // 0 means uncapped
	OnRemoteClose bool          // treat a peer-initiated close as a failure
}

// Delay returns the wait before the attempt following `attempts` completed ones
func (p ReconnectPolicy) Delay(attempts int) time.Duration {
	factor := p.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	d := time.Duration(float64(p.Interval) * math.Pow(factor, float64(attempts)))
	if p.MaxInterval > 0 && (d > p.MaxInterval || d < 0) {
		d = p.MaxInterval
	}
	return d
}
