package messaging

import (
	"context"
	"crypto/tls"
	"time"
)

// ReceiveMode controls how deliveries are settled
type ReceiveMode int

const (
	// ReceiveModePeekLock leaves deliveries unsettled until the caller settles them
	ReceiveModePeekLock ReceiveMode = iota
	// ReceiveModeReceiveAndDelete settles deliveries as soon as they are received
	ReceiveModeReceiveAndDelete
)

func (m ReceiveMode) String() string {
	switch m {
	case ReceiveModePeekLock:
		return "peek-lock"
	case ReceiveModeReceiveAndDelete:
		return "receive-and-delete"
	default:
		return "unknown"
	}
}

// Disposition is the outcome applied when settling a delivery
type Disposition int

const (
	// DispositionComplete accepts the delivery
	DispositionComplete Disposition = iota
	// DispositionAbandon releases the delivery for redelivery
	DispositionAbandon
	// DispositionDeadLetter rejects the delivery
	DispositionDeadLetter
)

func (d Disposition) String() string {
	switch d {
	case DispositionComplete:
		return "complete"
	case DispositionAbandon:
		return "abandon"
	case DispositionDeadLetter:
		return "dead-letter"
	default:
		return "unknown"
	}
}

// ConnectionOptions configures a physical connection
type ConnectionOptions struct {
	// ContainerID identifies this client to the peer
	ContainerID string

	// HostName overrides the virtual host sent in the open frame
	HostName string

	// IdleTimeout is the requested idle timeout; zero uses the transport default
	IdleTimeout time.Duration

	// Username and Password select SASL PLAIN; when empty SASL ANONYMOUS is used
	// and authorization happens over claims-based security.
	Username string
	Password string

	// TLS overrides the TLS configuration for secure endpoints
	TLS *tls.Config

	// UseWebSockets tunnels the connection through a WebSocket
	UseWebSockets bool

	// Properties are sent with the open frame
	Properties map[string]any
}

// SenderOptions configures a sender link
type SenderOptions struct {
	// Name is the link name; transports generate one when empty
	Name string

	// Properties are sent with the attach frame. Idempotent producers use them
	// to request and receive their publishing state.
	Properties map[string]any

	// Capabilities are the desired capabilities announced at attach
	Capabilities []string
}

// ReceiverOptions configures a receiver link
type ReceiverOptions struct {
	// Name is the link name; deliveries carry it in ReceivedMessage.LinkName
	Name string

	// Start selects where in the stream delivery begins
	Start StartPosition

	// Credit is the number of deliveries the link may prefetch
	Credit int32

	// OwnerLevel makes the receiver exclusive; a higher level steals the partition
	OwnerLevel *int64

	// Mode controls settlement
	Mode ReceiveMode

	// Properties are sent with the attach frame
	Properties map[string]any
}

// Fault is an asynchronous, connection-wide failure reported by a transport
type Fault struct {
	Err  error
	Time time.Time
}

// Dialer opens physical connections
type Dialer interface {
	Dial(ctx context.Context, endpoint string, opts ConnectionOptions) (Connection, error)
}

// Connection is an open physical connection.
//
// Faults delivers at most one Fault when the connection fails on its own and
// is closed once the connection is no longer usable, including after Close.
type Connection interface {
	NewSession(ctx context.Context) (Session, error)
	Faults() <-chan Fault
	Close(ctx context.Context) error
}

// Session multiplexes links over a connection
type Session interface {
	NewSender(ctx context.Context, address string, opts SenderOptions) (Sender, error)
	NewReceiver(ctx context.Context, address string, opts ReceiverOptions) (Receiver, error)

	// NewRequestResponse opens a paired link to a node such as $cbs or $management.
	// Transports without request/response support return ErrNotSupported.
	NewRequestResponse(ctx context.Context, address string) (RequestResponseLink, error)

	Close(ctx context.Context) error
}

// Sender is an open sender link
type Sender interface {
	Send(ctx context.Context, msg *Message) error

	// Properties returns the properties the peer sent when the link attached
	Properties() map[string]any

	Close(ctx context.Context) error
}

// Receiver is an open receiver link
type Receiver interface {
	// Receive blocks until a delivery arrives or ctx is done
	Receive(ctx context.Context) (*ReceivedMessage, error)

	// Settle applies a disposition to a delivery received on this link
	Settle(ctx context.Context, msg *ReceivedMessage, disposition Disposition) error

	Close(ctx context.Context) error
}

// MessageDecoder is implemented by dialers whose management nodes return
// messages in encoded form, as peek and receive-by-sequence-number do
type MessageDecoder interface {
	DecodeMessage(data []byte) (*ReceivedMessage, error)
}

// RequestResponseLink correlates request messages with their responses
type RequestResponseLink interface {
	Request(ctx context.Context, msg *Message) (*Message, error)
	Close(ctx context.Context) error
}
