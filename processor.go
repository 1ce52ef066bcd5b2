package amqphub

import (
	"context"
	"fmt"

	"github.com/glimte/amqphub/messaging"
	"github.com/glimte/amqphub/processor"
)

// partitionSource opens partition receivers on the client's connection
type partitionSource struct {
	client *Client
	hub    string
	cfg    receiverConfig
}

func (s *partitionSource) PartitionIDs(ctx context.Context) ([]string, error) {
	props, err := s.client.GetEventHubProperties(ctx, s.hub)
	if err != nil {
		return nil, err
	}
	return props.PartitionIDs, nil
}

func (s *partitionSource) NewPartitionReceiver(partitionID string, start messaging.StartPosition, ownerLevel *int64) processor.PartitionReceiver {
	cfg := s.cfg
	cfg.ownerLevel = ownerLevel
	return s.client.newReceiver(s.hub, partitionID, start, &cfg, s.client.policy)
}

// NewProcessor creates a processor that balances the partitions of hub
// across every processor of consumerGroup sharing store. Receivers are
// created with the client's retry policy; options may set prefetch,
// receive mode and link name.
func (c *Client) NewProcessor(hub, consumerGroup string, store processor.CheckpointStore, handler processor.Handler, receiverOptions []ReceiverOption, options ...processor.Option) (*processor.Processor, error) {
	hub, err := c.entity(hub)
	if err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("%w: checkpoint store is required", messaging.ErrInvalidArgument)
	}
	if consumerGroup == "" {
		consumerGroup = defaultConsumerGroup
	}

	cfg := receiverConfig{}
	for _, opt := range receiverOptions {
		opt(&cfg)
	}
	cfg.consumerGroup = consumerGroup

	details := processor.ConsumerDetails{
		Namespace:     c.namespace,
		EventHub:      hub,
		ConsumerGroup: consumerGroup,
	}
	source := &partitionSource{client: c, hub: hub, cfg: cfg}

	opts := append([]processor.Option{
		processor.WithLogger(c.logger),
		processor.WithMetrics(c.metrics),
	}, options...)
	return processor.New(details, store, source, handler, opts...), nil
}
