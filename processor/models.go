package processor

import (
	"strings"
	"time"
)

// ConsumerDetails identifies the consumer group a processor belongs to and
// the processor instance itself
type ConsumerDetails struct {
	Namespace     string
	EventHub      string
	ConsumerGroup string

	// ClientID is this processor's owner id in ownership records
	ClientID string
}

// Ownership records which processor owns a partition. The store assigns
// ETag and LastModifiedTime on every successful claim.
type Ownership struct {
	Namespace     string
	EventHub      string
	ConsumerGroup string
	PartitionID   string

	// OwnerID is empty for a relinquished partition
	OwnerID string

	ETag             string
	LastModifiedTime time.Time
}

// Checkpoint is the last event a consumer group finished processing on a partition
type Checkpoint struct {
	Namespace     string
	EventHub      string
	ConsumerGroup string
	PartitionID   string

	Offset         *string
	SequenceNumber *int64
}

func ownershipKey(namespace, hub, group, partition string) string {
	return strings.ToLower(strings.Join([]string{namespace, hub, group}, "/")) + "/" + partition
}

func groupPrefix(namespace, hub, group string) string {
	return strings.ToLower(strings.Join([]string{namespace, hub, group}, "/")) + "/"
}

func (o Ownership) key() string {
	return ownershipKey(o.Namespace, o.EventHub, o.ConsumerGroup, o.PartitionID)
}

func (c Checkpoint) key() string {
	return ownershipKey(c.Namespace, c.EventHub, c.ConsumerGroup, c.PartitionID)
}
