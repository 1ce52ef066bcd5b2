package messaging

import (
	"fmt"
	"maps"
	"strconv"
	"time"
)

// Well-known message annotation keys
const (
	AnnotationSequenceNumber   = "x-opt-sequence-number"
	AnnotationOffset           = "x-opt-offset"
	AnnotationEnqueuedTime     = "x-opt-enqueued-time"
	AnnotationPartitionKey     = "x-opt-partition-key"
	AnnotationLockedUntil      = "x-opt-locked-until"
	AnnotationProducerID       = "com.microsoft:producer-id"
	AnnotationProducerEpoch    = "com.microsoft:producer-epoch"
	AnnotationProducerSequence = "com.microsoft:producer-sequence-number"
)

// Message is an outgoing message, or the response half of a request/response exchange
type Message struct {
	MessageID     string
	CorrelationID string
	ContentType   string
	Subject       string
	To            string
	ReplyTo       string

	// Body is sent as a single data section
	Body []byte

	// Value is sent as an amqp-value section when Body is empty.
	// Management and CBS exchanges use it.
	Value any

	ApplicationProperties map[string]any
	Annotations           map[string]any
}

// Clone returns a copy whose property and annotation maps may be modified
// without affecting m. The body is shared.
func (m *Message) Clone() *Message {
	out := *m
	out.ApplicationProperties = maps.Clone(m.ApplicationProperties)
	out.Annotations = maps.Clone(m.Annotations)
	return &out
}

// ReceivedMessage is a delivery handed out by a Receiver
type ReceivedMessage struct {
	Message

	SequenceNumber int64
	Offset         string
	EnqueuedTime   time.Time
	PartitionKey   string
	DeliveryCount  uint32
	LockToken      string

	// LockedUntil is when the peek-lock expires, when the peer reported it
	LockedUntil time.Time

	// LinkName is the name of the link that received the delivery.
	// Settlement is only possible while that link is still open.
	LinkName string

	// Raw is the transport's native delivery, used for settlement
	Raw any
}

// StartPosition selects where a receiver begins reading a partition.
// The zero value starts at the end of the stream.
type StartPosition struct {
	Offset         *string
	SequenceNumber *int64
	EnqueuedTime   *time.Time

	// Inclusive includes the event at Offset or SequenceNumber
	Inclusive bool

	Earliest bool
	Latest   bool
}

// StartAtEarliest starts at the first retained event
func StartAtEarliest() StartPosition {
	return StartPosition{Earliest: true}
}

// StartAtLatest starts after the last event currently in the stream
func StartAtLatest() StartPosition {
	return StartPosition{Latest: true}
}

// StartAfterSequence starts at the first event following seq
func StartAfterSequence(seq int64) StartPosition {
	return StartPosition{SequenceNumber: &seq}
}

// StartAtOffset starts at (inclusive) or after the event with the given offset
func StartAtOffset(offset string, inclusive bool) StartPosition {
	return StartPosition{Offset: &offset, Inclusive: inclusive}
}

// StartAtTime starts at the first event enqueued after t
func StartAtTime(t time.Time) StartPosition {
	return StartPosition{EnqueuedTime: &t}
}

// Expression renders the position as an AMQP selector filter expression
func (p StartPosition) Expression() string {
	op := ">"
	if p.Inclusive {
		op = ">="
	}

	switch {
	case p.Offset != nil:
		return fmt.Sprintf("amqp.annotation.%s %s '%s'", AnnotationOffset, op, *p.Offset)
	case p.SequenceNumber != nil:
		return fmt.Sprintf("amqp.annotation.%s %s '%d'", AnnotationSequenceNumber, op, *p.SequenceNumber)
	case p.EnqueuedTime != nil:
		return fmt.Sprintf("amqp.annotation.%s %s '%d'", AnnotationEnqueuedTime, op, p.EnqueuedTime.UnixMilli())
	case p.Earliest:
		return fmt.Sprintf("amqp.annotation.%s > '-1'", AnnotationOffset)
	default:
		return fmt.Sprintf("amqp.annotation.%s > '@latest'", AnnotationOffset)
	}
}

func (p StartPosition) String() string {
	switch {
	case p.Offset != nil:
		return "offset:" + *p.Offset
	case p.SequenceNumber != nil:
		return "sequence:" + strconv.FormatInt(*p.SequenceNumber, 10)
	case p.EnqueuedTime != nil:
		return "time:" + p.EnqueuedTime.UTC().Format(time.RFC3339Nano)
	case p.Earliest:
		return "earliest"
	default:
		return "latest"
	}
}
