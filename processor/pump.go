package processor

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/glimte/amqphub/internal/reliability"
	"github.com/glimte/amqphub/messaging"
)

const pumpCloseTimeout = 5 * time.Second

// pump receives from one partition until it is cancelled or fails
type pump struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (pm *pump) stopped() bool {
	select {
	case <-pm.done:
		return true
	default:
		return false
	}
}

func (p *Processor) startPump(ctx context.Context, g *errgroup.Group, partitionID string, start messaging.StartPosition) *pump {
	pctx, cancel := context.WithCancel(ctx)
	pm := &pump{cancel: cancel, done: make(chan struct{})}

	g.Go(func() error {
		defer close(pm.done)
		defer cancel()
		p.runPump(pctx, partitionID, start)
		return nil
	})
	return pm
}

func (p *Processor) runPump(ctx context.Context, partitionID string, start messaging.StartPosition) {
	logger := p.logger.With("client", p.details.ClientID, "partition", partitionID)
	breaker := p.breaker(partitionID)

	if wait := breaker.RetryAfter(); wait > 0 {
		logger.Info("partition circuit open, delaying pump", "retryAfter", wait)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}

	receiver := p.source.NewPartitionReceiver(partitionID, start, p.ownerLevel)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), pumpCloseTimeout)
		defer cancel()
		if err := receiver.Close(closeCtx); err != nil {
			logger.Debug("failed to close partition receiver", "error", err)
		}
	}()

	logger.Info("partition pump started", "start", start.String())

	pc := PartitionContext{ConsumerDetails: p.details, PartitionID: partitionID}
	for ctx.Err() == nil {
		events, err := receiver.Receive(ctx, p.maxBatchSize, p.maxWait)
		if err != nil {
			if ctx.Err() != nil || messaging.Classify(err) == messaging.KindCancelled {
				return
			}
			logger.Error("partition receive failed", "error", err)
			return
		}
		if len(events) == 0 {
			continue
		}

		err = breaker.Execute(ctx, func() error {
			return p.handler(ctx, pc, events)
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, reliability.ErrCircuitOpen) {
				logger.Warn("partition circuit open", "error", err)
			} else {
				logger.Error("partition handler failed", "events", len(events), "error", err)
			}
			return
		}
		p.metrics.EventsProcessed(partitionID, len(events))

		last := events[len(events)-1]
		if err := p.checkpoint(ctx, partitionID, last); err != nil {
			logger.Warn("checkpoint failed", "sequenceNumber", last.SequenceNumber, "error", err)
		}
	}
}

func (p *Processor) checkpoint(ctx context.Context, partitionID string, last *messaging.ReceivedMessage) error {
	seq := last.SequenceNumber
	c := Checkpoint{
		Namespace:      p.details.Namespace,
		EventHub:       p.details.EventHub,
		ConsumerGroup:  p.details.ConsumerGroup,
		PartitionID:    partitionID,
		SequenceNumber: &seq,
	}
	if last.Offset != "" {
		offset := last.Offset
		c.Offset = &offset
	}
	return p.store.UpdateCheckpoint(ctx, c)
}
