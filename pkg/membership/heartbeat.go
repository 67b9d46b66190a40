package membership

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// HeartbeatType is the only message type on the heartbeat topic
const HeartbeatType = "heartbeat"

// maxHeartbeatSize bounds inbound payloads
const maxHeartbeatSize = 64 << 10

// maxExchangedPeers bounds the peer list carried in one heartbeat
const maxExchangedPeers = 32

var validate = validator.New()

// Heartbeat is the liveness message peers broadcast
type Heartbeat struct {
	Type      string   `json:"type" validate:"eq=heartbeat"`
	Host      string   `json:"host,omitempty" validate:"max=255"`
	Timestamp int64    `json:"timestamp" validate:"gt=0"` // epoch milliseconds
	Peers     []string `json:"peers,omitempty" validate:"max=32,dive,required,max=255"`
}

// Encode renders the heartbeat as JSON
func (h Heartbeat) Encode() ([]byte, error) {
	return json.Marshal(h)
}

// DecodeHeartbeat parses and validates an inbound payload. Every failure is
// a *DecodeError.
func DecodeHeartbeat(data []byte) (Heartbeat, error) {
	if len(data) > maxHeartbeatSize {
		return Heartbeat{}, &DecodeError{Reason: fmt.Sprintf("payload too large (%d bytes)", len(data))}
	}

	var hb Heartbeat
	if err := json.Unmarshal(data, &hb); err != nil {
		return Heartbeat{}, &DecodeError{Reason: "invalid json", Err: err}
	}
	if hb.Type != HeartbeatType {
		return Heartbeat{}, &DecodeError{Reason: fmt.Sprintf("unexpected message type %q", hb.Type)}
	}
	if err := validate.Struct(hb); err != nil {
		return Heartbeat{}, &DecodeError{Reason: "invalid field", Err: err}
	}
	return hb, nil
}
