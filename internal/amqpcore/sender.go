package amqpcore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/glimte/amqphub/internal/metrics"
	"github.com/glimte/amqphub/internal/reliability"
	"github.com/glimte/amqphub/messaging"
)

// CapabilityIdempotentProducer is the link capability requesting idempotent publishing
const CapabilityIdempotentProducer = "com.microsoft:idempotent-producer"

// SequenceConflictError means the broker refused an idempotent send because
// the producer sequence number was out of step with its own. The link is
// reopened and the publishing state resynchronized, so the send is retryable.
type SequenceConflictError struct {
	PartitionID string
	Err         error
}

func (e *SequenceConflictError) Error() string {
	return fmt.Sprintf("partition %s: producer sequence out of step: %v", e.PartitionID, e.Err)
}

func (e *SequenceConflictError) Unwrap() error {
	return e.Err
}

// ErrorKind implements messaging.Classifier
func (e *SequenceConflictError) ErrorKind() messaging.ErrorKind {
	return messaging.KindTransient
}

// SenderConfig configures a RecoverableSender
type SenderConfig struct {
	// Address is the link target, e.g. hub or hub/Partitions/0
	Address string

	// Audience is authorized over $cbs before each link opens; empty skips it
	Audience string

	// PartitionID identifies the partition for idempotent publishing
	PartitionID string

	// Idempotent stamps producer annotations on every message
	Idempotent bool

	// Requested idempotent producer state; the peer's attach response wins
	ProducerGroupID  *int64
	OwnerLevel       *int16
	StartingSequence *int32

	// Name prefixes generated link names
	Name string

	RetryPolicy reliability.RetryPolicy
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

// RecoverableSender is a logical sender link that reopens itself after
// failures. Sends are processed one at a time in submission order.
type RecoverableSender struct {
	conn    *RecoverableConnection
	auth    *CBSAuthenticator
	cfg     SenderConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
	state   *PartitionPublishingState

	sendMu sync.Mutex

	mu       sync.Mutex
	link     *SenderLink
	opened   int
	rebuilds int
	closed   bool
}

// NewRecoverableSender creates a sender. No link is opened until the first send.
func NewRecoverableSender(conn *RecoverableConnection, auth *CBSAuthenticator, cfg SenderConfig) *RecoverableSender {
	if cfg.RetryPolicy == nil {
		cfg.RetryPolicy = reliability.DefaultPolicy()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Name == "" {
		cfg.Name = "sender"
	}

	return &RecoverableSender{
		conn:    conn,
		auth:    auth,
		cfg:     cfg,
		logger:  cfg.Logger.With("address", cfg.Address),
		metrics: cfg.Metrics,
		state:   NewPartitionPublishingState(cfg.PartitionID),
	}
}

// Address returns the link target
func (s *RecoverableSender) Address() string {
	return s.cfg.Address
}

// PublishingState returns the partition publishing state, or false if the
// sender is not idempotent or the state is not initialized
func (s *RecoverableSender) PublishingState() (PublishingSnapshot, bool) {
	if !s.cfg.Idempotent {
		return PublishingSnapshot{PartitionID: s.cfg.PartitionID}, false
	}
	return s.state.Snapshot()
}

// LinkRebuilds returns how many times the link was reopened after the first open
func (s *RecoverableSender) LinkRebuilds() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rebuilds
}

// Open opens the link now instead of on the first send
func (s *RecoverableSender) Open(ctx context.Context) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	return reliability.Retry(ctx, s.cfg.RetryPolicy, func(ctx context.Context, attempt int) error {
		_, err := s.ensureLink(ctx)
		return err
	}, reliability.WithOperation("open sender"))
}

// Send transmits msg, reopening the link or rebuilding the connection as
// the failure requires. The caller's message is never modified.
func (s *RecoverableSender) Send(ctx context.Context, msg *messaging.Message) error {
	if msg == nil {
		return fmt.Errorf("%w: nil message", messaging.ErrInvalidArgument)
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	started := time.Now()
	err := reliability.Retry(ctx, s.cfg.RetryPolicy, func(ctx context.Context, attempt int) error {
		return s.sendOnce(ctx, msg)
	},
		reliability.WithOperation("send"),
		reliability.WithOnRetry(func(attempt int, err error, delay time.Duration) {
			s.metrics.Retried("send")
			s.logger.Warn("send failed, retrying", "attempt", attempt, "error", err, "nextRetryIn", delay)
		}))

	s.metrics.ObserveOperation("send", started, err)
	return err
}

func (s *RecoverableSender) sendOnce(ctx context.Context, msg *messaging.Message) error {
	link, err := s.ensureLink(ctx)
	if err != nil {
		return err
	}

	out := msg
	var seq int32
	if s.cfg.Idempotent {
		snap, ok := s.state.Snapshot()
		if !ok {
			return fmt.Errorf("partition %s: %w", s.cfg.PartitionID, messaging.ErrNotInitialized)
		}
		seq = snap.NextSequence()
		out = msg.Clone()
		if out.Annotations == nil {
			out.Annotations = make(map[string]any, 3)
		}
		out.Annotations[messaging.AnnotationProducerID] = snap.ProducerGroupID
		out.Annotations[messaging.AnnotationProducerEpoch] = snap.OwnerLevel
		out.Annotations[messaging.AnnotationProducerSequence] = seq
	}

	if err := link.Send(ctx, out); err != nil {
		if s.cfg.Idempotent {
			return s.recoverIdempotent(link, err)
		}
		s.recover(link, err)
		return err
	}

	if s.cfg.Idempotent {
		return s.state.Advance(seq)
	}
	return nil
}

// recover applies the rebuild err calls for
func (s *RecoverableSender) recover(link *SenderLink, err error) {
	switch messaging.RecoveryFor(err) {
	case messaging.RecoverLink:
		s.dropLink(link)
	case messaging.RecoverConnection:
		s.dropLink(link)
		s.conn.ReportFault(link.Scope(), err)
	}
}

// recoverIdempotent handles a failed idempotent send. Unless the broker
// definitely refused the transfer, it may have been stored, so its sequence
// number must not be used again: the link is dropped and the state is read
// back from the next attach.
func (s *RecoverableSender) recoverIdempotent(link *SenderLink, err error) error {
	var remote *messaging.RemoteError
	if errors.As(err, &remote) {
		switch remote.Condition {
		case messaging.CondDuplicateSequence, messaging.CondOutOfOrderSequence:
			s.logger.Warn("producer sequence out of step, resynchronizing", "partition", s.cfg.PartitionID, "error", err)
			s.dropLink(link)
			return &SequenceConflictError{PartitionID: s.cfg.PartitionID, Err: err}
		}
	}

	s.recover(link, err)
	if remote == nil && messaging.RecoveryFor(err) == messaging.RecoverNone {
		s.logger.Debug("idempotent send outcome unknown, resynchronizing", "partition", s.cfg.PartitionID, "error", err)
		s.dropLink(link)
	}
	return err
}

func (s *RecoverableSender) currentLink() *SenderLink {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.link
}

// dropLink forgets link and resets the publishing state, once per link
func (s *RecoverableSender) dropLink(link *SenderLink) {
	if link == nil {
		return
	}

	s.mu.Lock()
	if s.link != link {
		s.mu.Unlock()
		return
	}
	s.link = nil
	s.state.Reset()
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	link.Scope().CloseLink(ctx, link)
}

func (s *RecoverableSender) ensureLink(ctx context.Context) (*SenderLink, error) {
	if link := s.currentLink(); link != nil {
		if link.usable() == nil {
			return link, nil
		}
		s.dropLink(link)
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, messaging.ErrLinkClosed
	}

	scope, err := s.conn.EnsureConnection(ctx)
	if err != nil {
		return nil, err
	}

	if s.auth != nil && s.cfg.Audience != "" {
		if _, err := s.auth.Authorize(ctx, scope, s.cfg.Audience); err != nil {
			return nil, err
		}
	}

	opts := messaging.SenderOptions{
		Name:       s.cfg.Name + "-" + uuid.NewString(),
		Properties: s.attachProperties(),
	}
	if s.cfg.Idempotent {
		opts.Capabilities = []string{CapabilityIdempotentProducer}
	}

	link, err := scope.OpenSender(ctx, s.cfg.Address, opts)
	if err != nil {
		if messaging.RecoveryFor(err) == messaging.RecoverConnection {
			s.conn.ReportFault(scope, err)
		}
		return nil, err
	}

	if s.cfg.Idempotent {
		if err := s.initializeState(link); err != nil {
			scope.CloseLink(ctx, link)
			return nil, err
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		scope.CloseLink(ctx, link)
		return nil, messaging.ErrLinkClosed
	}
	if s.opened > 0 {
		s.rebuilds++
		s.metrics.LinkRebuilt("sender")
	}
	s.opened++
	s.link = link
	s.mu.Unlock()

	s.logger.Debug("sender link ready", "link", link.ID(), "scope", scope.ID())
	return link, nil
}

func (s *RecoverableSender) attachProperties() map[string]any {
	if !s.cfg.Idempotent {
		return nil
	}

	props := map[string]any{}
	if s.cfg.ProducerGroupID != nil {
		props[messaging.AnnotationProducerID] = *s.cfg.ProducerGroupID
	}
	if s.cfg.OwnerLevel != nil {
		props[messaging.AnnotationProducerEpoch] = *s.cfg.OwnerLevel
	}
	if s.cfg.StartingSequence != nil {
		props[messaging.AnnotationProducerSequence] = *s.cfg.StartingSequence
	}
	return props
}

// initializeState reads the producer state granted in the attach response
func (s *RecoverableSender) initializeState(link *SenderLink) error {
	props := link.Properties()

	groupID, okGroup := int64Value(props[messaging.AnnotationProducerID])
	epoch, okEpoch := int16Value(props[messaging.AnnotationProducerEpoch])
	seq, okSeq := int32Value(props[messaging.AnnotationProducerSequence])
	if !okGroup || !okEpoch || !okSeq {
		return fmt.Errorf("partition %s: attach response has no producer state: %w", s.cfg.PartitionID, messaging.ErrNotInitialized)
	}

	s.state.Initialize(groupID, epoch, seq)
	s.logger.Debug("idempotent producer initialized", "producerGroupID", groupID, "ownerLevel", epoch, "lastSequence", seq)
	return nil
}

// Close detaches the link. Later sends fail with messaging.ErrLinkClosed.
func (s *RecoverableSender) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	link := s.link
	s.link = nil
	s.mu.Unlock()

	if link != nil {
		link.Scope().CloseLink(ctx, link)
	}
	return nil
}
