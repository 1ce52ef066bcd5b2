package amqphub

import (
	"context"
	"fmt"

	"github.com/glimte/amqphub/internal/amqpcore"
	"github.com/glimte/amqphub/messaging"
)

// Sender publishes to one entity or partition. It reopens its link after
// failures and sends one message at a time in call order.
type Sender struct {
	client *Client
	link   *amqpcore.RecoverableSender
}

// PublishingState is the idempotent producer state of a partition sender
type PublishingState = amqpcore.PublishingSnapshot

type senderConfig struct {
	partitionID      string
	idempotent       bool
	producerGroupID  *int64
	ownerLevel       *int16
	startingSequence *int32
	name             string
	policy           *RetryPolicy
}

// SenderOption configures a Sender
type SenderOption func(*senderConfig)

// WithPartition sends to a single partition of the entity
func WithPartition(partitionID string) SenderOption {
	return func(cfg *senderConfig) {
		cfg.partitionID = partitionID
	}
}

// WithIdempotentPublishing stamps producer group, owner level and sequence
// number on every message so the broker drops duplicates. Requires WithPartition.
func WithIdempotentPublishing() SenderOption {
	return func(cfg *senderConfig) {
		cfg.idempotent = true
	}
}

// WithProducerState requests an idempotent producer state; the broker's answer wins
func WithProducerState(producerGroupID int64, ownerLevel int16, startingSequence int32) SenderOption {
	return func(cfg *senderConfig) {
		cfg.producerGroupID = &producerGroupID
		cfg.ownerLevel = &ownerLevel
		cfg.startingSequence = &startingSequence
	}
}

// WithSenderName prefixes the generated link names
func WithSenderName(name string) SenderOption {
	return func(cfg *senderConfig) {
		cfg.name = name
	}
}

// WithSenderRetryPolicy overrides the client's retry policy
func WithSenderRetryPolicy(policy RetryPolicy) SenderOption {
	return func(cfg *senderConfig) {
		cfg.policy = &policy
	}
}

// CreateSender opens a sender on entity, or on the client's event hub when
// entity is empty. The link is attached before CreateSender returns.
func (c *Client) CreateSender(ctx context.Context, entity string, options ...SenderOption) (*Sender, error) {
	entity, err := c.entity(entity)
	if err != nil {
		return nil, err
	}

	cfg := &senderConfig{}
	for _, opt := range options {
		opt(cfg)
	}
	if cfg.idempotent && cfg.partitionID == "" {
		return nil, fmt.Errorf("%w: idempotent publishing requires a partition", messaging.ErrInvalidArgument)
	}

	policy := c.policy
	if cfg.policy != nil {
		policy = *cfg.policy
		if err := policy.Validate(); err != nil {
			return nil, err
		}
	}

	address := entity
	if cfg.partitionID != "" {
		address = fmt.Sprintf("%s/Partitions/%s", entity, cfg.partitionID)
	}

	link := amqpcore.NewRecoverableSender(c.conn, c.auth, amqpcore.SenderConfig{
		Address:          address,
		Audience:         c.audience(entity),
		PartitionID:      cfg.partitionID,
		Idempotent:       cfg.idempotent,
		ProducerGroupID:  cfg.producerGroupID,
		OwnerLevel:       cfg.ownerLevel,
		StartingSequence: cfg.startingSequence,
		Name:             cfg.name,
		RetryPolicy:      policy,
		Logger:           c.logger,
		Metrics:          c.metrics,
	})

	s := &Sender{client: c, link: link}
	if err := c.track(s); err != nil {
		return nil, err
	}
	if err := link.Open(ctx); err != nil {
		c.untrack(s)
		_ = link.Close(ctx)
		return nil, err
	}
	return s, nil
}

// Address returns the link target
func (s *Sender) Address() string {
	return s.link.Address()
}

// Send publishes msg
func (s *Sender) Send(ctx context.Context, msg *messaging.Message) error {
	return s.link.Send(ctx, msg)
}

// PublishingState returns the idempotent producer state once the link has attached
func (s *Sender) PublishingState() (PublishingState, bool) {
	return s.link.PublishingState()
}

// LinkRebuilds returns how many times the link was reopened
func (s *Sender) LinkRebuilds() int {
	return s.link.LinkRebuilds()
}

// Close detaches the link
func (s *Sender) Close(ctx context.Context) error {
	s.client.untrack(s)
	return s.link.Close(ctx)
}
