package membership

import "time"

// PeerRecord is what this node knows about one peer
type PeerRecord struct {
	PeerID string `json:"peerId"`
	// HostAddress is the last host the peer advertised, or its PeerID
	// until a heartbeat carries one
	HostAddress string    `json:"host"`
	LastSeenAt  time.Time `json:"lastSeen"`
}

// EventType distinguishes membership changes
type EventType string

const (
	EventJoin  EventType = "join"
	EventLeave EventType = "leave"
)

// Event is a membership change
type Event struct {
	Type   EventType
	PeerID string
	Host   string
	At     time.Time
}
