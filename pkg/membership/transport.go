package membership

import "context"

// Transport is a gossip transport: a set of peer connections carrying
// topic-addressed broadcast messages
type Transport interface {
	// Listen starts accepting connections and enables local discovery
	Listen(ctx context.Context) error

	// LocalID is this node's stable transport identity
	LocalID() string

	// Advertise is the host address peers can reach this node at
	Advertise() string

	// Bootstrap dials the given peers. Individual failures are not fatal.
	Bootstrap(ctx context.Context, hosts []string) error

	Subscribe(topic string) error
	Unsubscribe(topic string) error

	// Publish broadcasts data on topic. Self-originated messages are never
	// delivered back on Messages.
	Publish(ctx context.Context, topic string, data []byte) error

	Messages() <-chan Message
	Events() <-chan ConnEvent

	// ConnCount is the number of open peer connections
	ConnCount() int

	Close() error
}

// PeerDialer is implemented by transports that can dial a bare host
// address. The directory uses it to follow peer lists carried in
// heartbeats.
type PeerDialer interface {
	DialPeer(ctx context.Context, host string) error
}

// Message is a received gossip message
type Message struct {
	From  string // sender's transport identity
	Topic string
	Data  []byte
}

// ConnEventKind distinguishes connect from disconnect
type ConnEventKind int

const (
	Connected ConnEventKind = iota
	Disconnected
)

func (k ConnEventKind) String() string {
	switch k {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// ConnEvent reports a transport connection change
type ConnEvent struct {
	PeerID string
	Kind   ConnEventKind
}
