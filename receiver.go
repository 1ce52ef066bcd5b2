package amqphub

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/amqphub/internal/amqpcore"
	"github.com/glimte/amqphub/messaging"
)

// Receiver reads from one partition or queue. After a failure it reopens
// its link after the last event it returned.
type Receiver struct {
	client *Client
	link   *amqpcore.RecoverableReceiver
}

type receiverConfig struct {
	consumerGroup string
	prefetch      int32
	ownerLevel    *int64
	mode          *messaging.ReceiveMode
	name          string
	policy        *RetryPolicy
}

// ReceiverOption configures a Receiver
type ReceiverOption func(*receiverConfig)

// WithConsumerGroup sets the consumer group; the default is $Default
func WithConsumerGroup(group string) ReceiverOption {
	return func(cfg *receiverConfig) {
		cfg.consumerGroup = group
	}
}

// WithPrefetch sets the link credit
func WithPrefetch(credit int32) ReceiverOption {
	return func(cfg *receiverConfig) {
		cfg.prefetch = credit
	}
}

// WithOwnerLevel makes the receiver exclusive; a receiver with a higher
// owner level on the same partition and group disconnects this one
func WithOwnerLevel(level int64) ReceiverOption {
	return func(cfg *receiverConfig) {
		cfg.ownerLevel = &level
	}
}

// WithReceiveMode selects peek-lock or receive-and-delete settlement.
// Partition receivers default to receive-and-delete, queues and
// subscriptions to peek-lock.
func WithReceiveMode(mode messaging.ReceiveMode) ReceiverOption {
	return func(cfg *receiverConfig) {
		cfg.mode = &mode
	}
}

// WithReceiverName prefixes the generated link names
func WithReceiverName(name string) ReceiverOption {
	return func(cfg *receiverConfig) {
		cfg.name = name
	}
}

// WithReceiverRetryPolicy overrides the client's retry policy
func WithReceiverRetryPolicy(policy RetryPolicy) ReceiverOption {
	return func(cfg *receiverConfig) {
		cfg.policy = &policy
	}
}

// CreateReceiver creates a receiver on a partition of entity, or on entity
// itself when partition is empty. The link opens on the first Receive.
func (c *Client) CreateReceiver(ctx context.Context, entity, partition string, start messaging.StartPosition, options ...ReceiverOption) (*Receiver, error) {
	entity, err := c.entity(entity)
	if err != nil {
		return nil, err
	}

	cfg := &receiverConfig{consumerGroup: defaultConsumerGroup}
	for _, opt := range options {
		opt(cfg)
	}

	policy := c.policy
	if cfg.policy != nil {
		policy = *cfg.policy
		if err := policy.Validate(); err != nil {
			return nil, err
		}
	}

	r := &Receiver{client: c, link: c.newReceiver(entity, partition, start, cfg, policy)}
	if err := c.track(r); err != nil {
		return nil, err
	}
	return r, nil
}

func (c *Client) newReceiver(entity, partition string, start messaging.StartPosition, cfg *receiverConfig, policy RetryPolicy) *amqpcore.RecoverableReceiver {
	address := entity
	mode := messaging.ReceiveModePeekLock
	if partition != "" {
		address = fmt.Sprintf("%s/ConsumerGroups/%s/Partitions/%s", entity, cfg.consumerGroup, partition)
		// partitions are read by position and never settled
		mode = messaging.ReceiveModeReceiveAndDelete
	}
	if cfg.mode != nil {
		mode = *cfg.mode
	}

	return amqpcore.NewRecoverableReceiver(c.conn, c.auth, amqpcore.ReceiverConfig{
		Address:     address,
		Audience:    c.audience(entity),
		PartitionID: partition,
		Start:       start,
		Prefetch:    cfg.prefetch,
		OwnerLevel:  cfg.ownerLevel,
		Mode:        mode,
		Name:        cfg.name,
		RetryPolicy: policy,
		Logger:      c.logger,
		Metrics:     c.metrics,
		Decoder:     c.decoder,
	})
}

// Address returns the link source
func (r *Receiver) Address() string {
	return r.link.Address()
}

// Receive waits up to maxWait for up to maxCount events and returns what arrived
func (r *Receiver) Receive(ctx context.Context, maxCount int, maxWait time.Duration) ([]*messaging.ReceivedMessage, error) {
	return r.link.Receive(ctx, maxCount, maxWait)
}

// Complete settles msg as accepted
func (r *Receiver) Complete(ctx context.Context, msg *messaging.ReceivedMessage) error {
	return r.link.Complete(ctx, msg)
}

// Abandon releases msg for redelivery
func (r *Receiver) Abandon(ctx context.Context, msg *messaging.ReceivedMessage) error {
	return r.link.Abandon(ctx, msg)
}

// DeadLetter rejects msg
func (r *Receiver) DeadLetter(ctx context.Context, msg *messaging.ReceivedMessage) error {
	return r.link.DeadLetter(ctx, msg)
}

// PeekMessages returns up to maxCount queued messages without locking them.
// A nil fromSequence continues after the last peeked message.
func (r *Receiver) PeekMessages(ctx context.Context, maxCount int, fromSequence *int64) ([]*messaging.ReceivedMessage, error) {
	return r.link.PeekMessages(ctx, maxCount, fromSequence)
}

// RenewMessageLock extends the lock on msg and returns the new expiry
func (r *Receiver) RenewMessageLock(ctx context.Context, msg *messaging.ReceivedMessage) (time.Time, error) {
	return r.link.RenewMessageLock(ctx, msg)
}

// Defer sets msg aside until it is fetched with ReceiveDeferred
func (r *Receiver) Defer(ctx context.Context, msg *messaging.ReceivedMessage) error {
	return r.link.Defer(ctx, msg)
}

// ReceiveDeferred fetches deferred messages by sequence number
func (r *Receiver) ReceiveDeferred(ctx context.Context, sequenceNumbers ...int64) ([]*messaging.ReceivedMessage, error) {
	return r.link.ReceiveDeferred(ctx, sequenceNumbers...)
}

// LastSequenceNumber returns the sequence number of the last event returned
func (r *Receiver) LastSequenceNumber() (int64, bool) {
	return r.link.LastSequenceNumber()
}

// LinkRebuilds returns how many times the link was reopened
func (r *Receiver) LinkRebuilds() int {
	return r.link.LinkRebuilds()
}

// Close detaches the link
func (r *Receiver) Close(ctx context.Context) error {
	r.client.untrack(r)
	return r.link.Close(ctx)
}
