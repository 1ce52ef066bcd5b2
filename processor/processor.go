// Package processor distributes the partitions of an event hub across the
// processors of a consumer group and runs one receive pump per owned
// partition. Ownership and progress live in a CheckpointStore, so a
// partition handed to another processor resumes after its last checkpoint.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/glimte/amqphub/internal/metrics"
	"github.com/glimte/amqphub/internal/reliability"
	"github.com/glimte/amqphub/messaging"
)

const (
	defaultUpdateInterval      = 10 * time.Second
	defaultOwnershipExpiration = time.Minute
	defaultMaxBatchSize        = 100
	defaultMaxWait             = 5 * time.Second
	relinquishTimeout          = 10 * time.Second
)

var (
	ErrAlreadyRunning = errors.New("processor: already running")
	ErrNoHandler      = errors.New("processor: handler is required")
)

// PartitionReceiver reads batches of events from one partition
type PartitionReceiver interface {
	Receive(ctx context.Context, maxCount int, maxWait time.Duration) ([]*messaging.ReceivedMessage, error)
	Close(ctx context.Context) error
}

// PartitionSource lists the partitions of an event hub and opens receivers on them
type PartitionSource interface {
	PartitionIDs(ctx context.Context) ([]string, error)
	NewPartitionReceiver(partitionID string, start messaging.StartPosition, ownerLevel *int64) PartitionReceiver
}

// PartitionContext describes the partition a batch was received from
type PartitionContext struct {
	ConsumerDetails
	PartitionID string
}

// Handler processes a batch of events. Returning an error stops the
// partition's pump; the partition restarts from its last checkpoint.
type Handler func(ctx context.Context, partition PartitionContext, events []*messaging.ReceivedMessage) error

// Processor claims partitions through a LoadBalancer and pumps events from
// each owned partition to a Handler
type Processor struct {
	details ConsumerDetails
	store   CheckpointStore
	source  PartitionSource
	handler Handler

	strategy       Strategy
	updateInterval time.Duration
	expiration     time.Duration
	maxBatchSize   int
	maxWait        time.Duration
	defaultStart   messaging.StartPosition
	startPositions map[string]messaging.StartPosition
	ownerLevel     *int64
	rng            *rand.Rand
	breakerOptions []reliability.CircuitBreakerOption
	interceptors   []Interceptor
	logger         *slog.Logger
	metrics        *metrics.Metrics

	running  atomic.Bool
	mu       sync.Mutex
	owned    []Ownership
	breakers map[string]*reliability.CircuitBreaker
}

// Option configures a Processor
type Option func(*Processor)

// WithStrategy sets the load balancing strategy
func WithStrategy(strategy Strategy) Option {
	return func(p *Processor) {
		p.strategy = strategy
	}
}

// WithUpdateInterval sets how often ownership is renewed and rebalanced
func WithUpdateInterval(interval time.Duration) Option {
	return func(p *Processor) {
		p.updateInterval = interval
	}
}

// WithOwnershipExpiration sets how long an unrenewed ownership stays valid
func WithOwnershipExpiration(expiration time.Duration) Option {
	return func(p *Processor) {
		p.expiration = expiration
	}
}

// WithBatch sets the maximum batch size and how long to wait for it to fill
func WithBatch(maxSize int, maxWait time.Duration) Option {
	return func(p *Processor) {
		p.maxBatchSize = maxSize
		p.maxWait = maxWait
	}
}

// WithStartPosition sets where partitions without a checkpoint start
func WithStartPosition(start messaging.StartPosition) Option {
	return func(p *Processor) {
		p.defaultStart = start
	}
}

// WithPartitionStartPosition overrides the start of one partition without a checkpoint
func WithPartitionStartPosition(partitionID string, start messaging.StartPosition) Option {
	return func(p *Processor) {
		p.startPositions[partitionID] = start
	}
}

// WithOwnerLevel sets the owner level of partition receivers
func WithOwnerLevel(level int64) Option {
	return func(p *Processor) {
		p.ownerLevel = &level
	}
}

// WithRand makes partition selection deterministic
func WithRand(rng *rand.Rand) Option {
	return func(p *Processor) {
		p.rng = rng
	}
}

// WithCircuitBreaker configures the per-partition circuit breaker guarding the handler
func WithCircuitBreaker(options ...reliability.CircuitBreakerOption) Option {
	return func(p *Processor) {
		p.breakerOptions = append(p.breakerOptions, options...)
	}
}

// WithInterceptors wraps the handler; batches pass through interceptors in order
func WithInterceptors(interceptors ...Interceptor) Option {
	return func(p *Processor) {
		p.interceptors = append(p.interceptors, interceptors...)
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithMetrics records owned partitions and processed events
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Processor) {
		p.metrics = m
	}
}

// New creates a Processor. An empty details.ClientID is replaced with a random id.
func New(details ConsumerDetails, store CheckpointStore, source PartitionSource, handler Handler, options ...Option) *Processor {
	if details.ClientID == "" {
		details.ClientID = uuid.NewString()
	}

	p := &Processor{
		details:        details,
		store:          store,
		source:         source,
		handler:        handler,
		strategy:       StrategyBalanced,
		updateInterval: defaultUpdateInterval,
		expiration:     defaultOwnershipExpiration,
		maxBatchSize:   defaultMaxBatchSize,
		maxWait:        defaultMaxWait,
		defaultStart:   messaging.StartAtLatest(),
		startPositions: make(map[string]messaging.StartPosition),
		ownerLevel:     new(int64),
		logger:         slog.Default(),
		breakers:       make(map[string]*reliability.CircuitBreaker),
	}

	for _, opt := range options {
		opt(p)
	}
	if p.handler != nil && len(p.interceptors) > 0 {
		p.handler = Chain(p.handler, p.interceptors...)
	}

	return p
}

// ClientID returns the owner id this processor claims partitions with
func (p *Processor) ClientID() string {
	return p.details.ClientID
}

// Owned returns the partitions claimed in the most recent load-balancing cycle
func (p *Processor) Owned() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return partitionsOf(p.owned)
}

// Run balances partitions and pumps events until ctx is cancelled. On return
// every pump has stopped and owned partitions have been relinquished.
func (p *Processor) Run(ctx context.Context) error {
	if p.handler == nil {
		return ErrNoHandler
	}
	if !p.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer p.running.Store(false)

	lb := NewLoadBalancer(p.store, p.details, p.strategy, p.expiration, p.rng, p.logger)

	p.logger.Info("processor started",
		"client", p.details.ClientID,
		"eventHub", p.details.EventHub,
		"consumerGroup", p.details.ConsumerGroup,
		"strategy", p.strategy)

	g, gctx := errgroup.WithContext(ctx)
	pumps := make(map[string]*pump)

	ticker := time.NewTicker(p.updateInterval)
	defer ticker.Stop()

	for {
		if err := p.balance(gctx, g, lb, pumps); err != nil && gctx.Err() == nil {
			p.logger.Warn("load balancing failed", "client", p.details.ClientID, "error", err)
		}

		select {
		case <-gctx.Done():
			for _, pm := range pumps {
				pm.cancel()
			}
			err := g.Wait()
			p.relinquish()
			p.logger.Info("processor stopped", "client", p.details.ClientID)
			return err
		case <-ticker.C:
		}
	}
}

func (p *Processor) balance(ctx context.Context, g *errgroup.Group, lb *LoadBalancer, pumps map[string]*pump) error {
	ids, err := p.source.PartitionIDs(ctx)
	if err != nil {
		return fmt.Errorf("processor: list partitions: %w", err)
	}

	owned, err := lb.LoadBalance(ctx, ids)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.owned = owned
	p.mu.Unlock()
	p.metrics.OwnedPartitions(len(owned))

	ownedSet := make(map[string]bool, len(owned))
	for _, o := range owned {
		ownedSet[o.PartitionID] = true
	}

	for id, pm := range pumps {
		if !ownedSet[id] || pm.stopped() {
			if !ownedSet[id] {
				p.logger.Info("partition ownership lost", "client", p.details.ClientID, "partition", id)
			}
			pm.cancel()
			delete(pumps, id)
		}
	}

	var checkpoints map[string]Checkpoint
	for _, o := range owned {
		if _, ok := pumps[o.PartitionID]; ok {
			continue
		}
		if checkpoints == nil {
			if checkpoints, err = p.checkpoints(ctx); err != nil {
				return err
			}
		}

		pm := p.startPump(ctx, g, o.PartitionID, p.startPosition(o.PartitionID, checkpoints))
		pumps[o.PartitionID] = pm
	}
	return nil
}

func (p *Processor) checkpoints(ctx context.Context) (map[string]Checkpoint, error) {
	list, err := p.store.ListCheckpoints(ctx, p.details.Namespace, p.details.EventHub, p.details.ConsumerGroup)
	if err != nil {
		return nil, fmt.Errorf("processor: list checkpoints: %w", err)
	}
	out := make(map[string]Checkpoint, len(list))
	for _, c := range list {
		out[c.PartitionID] = c
	}
	return out, nil
}

func (p *Processor) startPosition(partitionID string, checkpoints map[string]Checkpoint) messaging.StartPosition {
	if c, ok := checkpoints[partitionID]; ok {
		switch {
		case c.SequenceNumber != nil:
			return messaging.StartAfterSequence(*c.SequenceNumber)
		case c.Offset != nil:
			return messaging.StartAtOffset(*c.Offset, false)
		}
	}
	if start, ok := p.startPositions[partitionID]; ok {
		return start
	}
	return p.defaultStart
}

func (p *Processor) breaker(partitionID string) *reliability.CircuitBreaker {
	p.mu.Lock()
	defer p.mu.Unlock()

	cb, ok := p.breakers[partitionID]
	if !ok {
		options := append([]reliability.CircuitBreakerOption{reliability.WithName("partition-" + partitionID)}, p.breakerOptions...)
		cb = reliability.NewCircuitBreaker(options...)
		p.breakers[partitionID] = cb
	}
	return cb
}

// relinquish clears the owner of every partition claimed in the last cycle
// so other processors can take them without waiting for expiration
func (p *Processor) relinquish() {
	p.mu.Lock()
	owned := p.owned
	p.owned = nil
	p.mu.Unlock()

	if len(owned) == 0 {
		return
	}

	released := make([]Ownership, len(owned))
	for i, o := range owned {
		o.OwnerID = ""
		released[i] = o
	}

	ctx, cancel := context.WithTimeout(context.Background(), relinquishTimeout)
	defer cancel()

	if _, err := p.store.ClaimOwnership(ctx, released); err != nil {
		p.logger.Warn("failed to relinquish partitions", "client", p.details.ClientID, "error", err)
		return
	}
	p.metrics.OwnedPartitions(0)
}
