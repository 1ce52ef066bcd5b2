package amqpcore

import (
	"fmt"
	"sync"

	"github.com/glimte/amqphub/messaging"
)

// PublishingSnapshot is a consistent view of a partition's publishing state
type PublishingSnapshot struct {
	PartitionID     string
	ProducerGroupID int64
	OwnerLevel      int16
	LastSequence    int32
}

// NextSequence returns the sequence number the next event must carry.
// Sequence numbers wrap to zero after the largest int32.
func (s PublishingSnapshot) NextSequence() int32 {
	if s.LastSequence == maxSequence {
		return 0
	}
	return s.LastSequence + 1
}

const maxSequence = int32(^uint32(0) >> 1)

// PartitionPublishingState tracks the idempotent producer identity and the
// last published sequence number for one partition. It is populated from the
// link attach response and reset whenever the link is rebuilt.
type PartitionPublishingState struct {
	partitionID string

	mu              sync.RWMutex
	producerGroupID *int64
	ownerLevel      *int16
	lastSequence    *int32
}

// NewPartitionPublishingState creates an empty state for partitionID
func NewPartitionPublishingState(partitionID string) *PartitionPublishingState {
	return &PartitionPublishingState{partitionID: partitionID}
}

// PartitionID returns the partition the state belongs to
func (p *PartitionPublishingState) PartitionID() string {
	return p.partitionID
}

// IsInitialized reports whether all three fields are set
func (p *PartitionPublishingState) IsInitialized() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.initializedLocked()
}

func (p *PartitionPublishingState) initializedLocked() bool {
	return p.producerGroupID != nil && p.ownerLevel != nil && p.lastSequence != nil
}

// Initialize sets all three fields at once
func (p *PartitionPublishingState) Initialize(producerGroupID int64, ownerLevel int16, lastSequence int32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.producerGroupID = &producerGroupID
	p.ownerLevel = &ownerLevel
	p.lastSequence = &lastSequence
}

// SetProducerGroupID sets the producer group id
func (p *PartitionPublishingState) SetProducerGroupID(id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.producerGroupID = &id
}

// SetOwnerLevel sets the owner level
func (p *PartitionPublishingState) SetOwnerLevel(level int16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ownerLevel = &level
}

// SetLastSequence sets the last published sequence number
func (p *PartitionPublishingState) SetLastSequence(seq int32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastSequence = &seq
}

// Reset clears every field
func (p *PartitionPublishingState) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.producerGroupID = nil
	p.ownerLevel = nil
	p.lastSequence = nil
}

// Snapshot returns the state, or false if it is not initialized
func (p *PartitionPublishingState) Snapshot() (PublishingSnapshot, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.initializedLocked() {
		return PublishingSnapshot{PartitionID: p.partitionID}, false
	}
	return PublishingSnapshot{
		PartitionID:     p.partitionID,
		ProducerGroupID: *p.producerGroupID,
		OwnerLevel:      *p.ownerLevel,
		LastSequence:    *p.lastSequence,
	}, true
}

// Advance records seq as published. It fails if the state is not
// initialized or seq does not follow the last published sequence number.
func (p *PartitionPublishingState) Advance(seq int32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initializedLocked() {
		return fmt.Errorf("partition %s: %w", p.partitionID, messaging.ErrNotInitialized)
	}
	want := PublishingSnapshot{LastSequence: *p.lastSequence}.NextSequence()
	if seq != want {
		return fmt.Errorf("%w: partition %s: sequence %d does not follow %d",
			messaging.ErrInvalidArgument, p.partitionID, seq, *p.lastSequence)
	}
	p.lastSequence = &seq
	return nil
}
