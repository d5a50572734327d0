package transport

import "time"

// Lifecycle is whether the owner of the connection wants it to exist.
type Lifecycle string

const (
	LifecycleMounting   Lifecycle = "mounting"
	LifecycleMounted    Lifecycle = "mounted"
	LifecycleUnmounting Lifecycle = "unmounting"
	LifecycleUnmounted  Lifecycle = "unmounted"
)

// State is the socket state.
type State string

const (
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateDisconnecting State = "disconnecting"
	StateDisconnected  State = "disconnected"
)

// Buffer holds the correlation ids of the single outstanding generation.
type Buffer struct {
	GenerationID   string `json:"generationId,omitempty"`
	UserMessageID  string `json:"userMessageId,omitempty"`
	ModelMessageID string `json:"modelMessageId,omitempty"`
}

// Busy reports whether a generation is outstanding.
func (b Buffer) Busy() bool {
	return b.GenerationID != "" || b.UserMessageID != "" || b.ModelMessageID != ""
}

// Snapshot is a point-in-time copy of the connection record.
type Snapshot struct {
	Lifecycle         Lifecycle `json:"lifecycle"`
	State             State     `json:"state"`
	Online            bool      `json:"online"`
	ReconnectAttempts int       `json:"reconnectAttempts"`
	// Reconnecting is true while a reconnect is scheduled. A disconnected
	// snapshot without it means the manager has given up.
	Reconnecting bool   `json:"reconnecting"`
	Busy         bool   `json:"busy"`
	Buffer       Buffer `json:"buffer"`
	SessionID    string `json:"sessionId,omitempty"`
}

// Timings are the manager's timeouts and backoff bounds.
type Timings struct {
	ConnectTimeout       time.Duration
	HeartbeatInterval    time.Duration
	PongTimeout          time.Duration
	AnalysisTimeout      time.Duration
	GenerationTimeout    time.Duration
	ReconnectBase        time.Duration
	ReconnectMax         time.Duration
	MaxReconnectAttempts int
}

// DefaultTimings returns the production timeouts.
func DefaultTimings() Timings {
	return Timings{
		ConnectTimeout:       60 * time.Second,
		HeartbeatInterval:    50 * time.Second,
		PongTimeout:          15 * time.Second,
		AnalysisTimeout:      20 * time.Second,
		GenerationTimeout:    60 * time.Second,
		ReconnectBase:        time.Second,
		ReconnectMax:         30 * time.Second,
		MaxReconnectAttempts: 5,
	}
}

// ReconnectDelay is min(2^attempt * 1000ms, 30000ms).
func ReconnectDelay(attempt int) time.Duration {
	return DefaultTimings().reconnectDelay(attempt)
}

func (t Timings) reconnectDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		return t.ReconnectMax
	}
	return min(t.ReconnectBase<<attempt, t.ReconnectMax)
}
