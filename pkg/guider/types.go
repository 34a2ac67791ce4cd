package guider

import (
	"encoding/json"
	"time"

	"github.com/skywave-obs/lithiumcore/pkg/bus"
)

// State is the guiding state machine's current phase, derived entirely from
// received events (§4.F).
type State string

const (
	StateStopped     State = "stopped"
	StateLooping     State = "looping"
	StateCalibrating State = "calibrating"
	StateGuiding     State = "guiding"
	StateSettling    State = "settling"
	StatePaused      State = "paused"
	StateLostStar    State = "lost_star"
)

// SessionState is the connection lifecycle state, independent of State.
type SessionState string

const (
	SessionDisconnected SessionState = "disconnected"
	SessionConnecting   SessionState = "connecting"
	SessionConnected    SessionState = "connected"
	SessionReconnecting SessionState = "reconnecting"
	SessionError        SessionState = "error"
)

// ConnectionStateTopic is the bus topic Client publishes session lifecycle
// transitions on, when Bus is configured.
const ConnectionStateTopic = "guider.connection-state"

// ConnectionConfig configures a Client's transport and reconnect behavior.
type ConnectionConfig struct {
	Host                 string
	Port                 int
	ConnectTimeout       time.Duration
	RPCTimeout           time.Duration
	RecvBufferSize       int
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration

	// Bus is optional; when set, session lifecycle transitions are published
	// as "guider.connection-state" events (§4.F "Session lifecycle").
	Bus *bus.Bus
}

func (c ConnectionConfig) withDefaults() ConnectionConfig {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.RPCTimeout <= 0 {
		c.RPCTimeout = 10 * time.Second
	}
	if c.RecvBufferSize <= 0 {
		c.RecvBufferSize = 64 * 1024
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 3
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = time.Second
	}
	return c
}

// GuideStar is the most recently reported star lock telemetry.
type GuideStar struct {
	X, Y  float64
	SNR   float64
	Mass  float64
	Valid bool
}

// GuideStats is the most recently reported guiding RMS telemetry.
type GuideStats struct {
	RMSRA    float64
	RMSDec   float64
	RMSTotal float64
	PeakRA   float64
	PeakDec  float64
	Samples  int
	SNR      float64
}

// CalibrationInfo summarizes calibration status.
type CalibrationInfo struct {
	Calibrated bool
}

// SettleParams configures a settle-gated operation.
type SettleParams struct {
	PixelTolerance float64
	MinTimeSec     float64
	TimeoutSec     float64
}

// DitherParams configures a dither request.
type DitherParams struct {
	Amount  float64
	RAOnly  bool
	Settle  SettleParams
}

// wireMessage is one line of the newline-delimited JSON protocol: either an
// RPC response (ID present) or an event (Event present).
type wireMessage struct {
	ID     *uint64         `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcErrorWire   `json:"error,omitempty"`
	Event  string          `json:"Event,omitempty"`

	// Event-specific fields, decoded selectively by event type.
	Timestamp float64 `json:"Timestamp,omitempty"`
	Status    *int    `json:"Status,omitempty"`
	StarX     float64 `json:"StarX,omitempty"`
	StarY     float64 `json:"StarY,omitempty"`
	SNR       float64 `json:"SNR,omitempty"`
	Mass      float64 `json:"Mass,omitempty"`
	RADistance  float64 `json:"RADistanceRaw,omitempty"`
	DecDistance float64 `json:"DecDistanceRaw,omitempty"`
	State     string  `json:"State,omitempty"`
}

type rpcErrorWire struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// rpcRequest is one outgoing call's wire envelope.
type rpcRequest struct {
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
	ID     uint64 `json:"id"`
}
