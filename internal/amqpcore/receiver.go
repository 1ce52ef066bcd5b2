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

// ReceiverConfig configures a RecoverableReceiver
type ReceiverConfig struct {
	// Address is the link source, e.g. hub/ConsumerGroups/$Default/Partitions/0
	Address string

	// Audience is authorized over $cbs before each link opens; empty skips it
	Audience string

	PartitionID string

	// Start is used for the first link; rebuilt links resume after the last
	// delivered sequence number
	Start messaging.StartPosition

	// Prefetch is the link credit; zero leaves it to the transport
	Prefetch int32

	OwnerLevel *int64
	Mode       messaging.ReceiveMode

	// Decoder decodes messages returned by peek and receive-deferred;
	// without one those operations are not supported
	Decoder messaging.MessageDecoder

	// Name prefixes generated link names
	Name string

	RetryPolicy reliability.RetryPolicy
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

// RecoverableReceiver is a logical receiver link that reopens itself after
// failures without redelivering events it already handed out.
type RecoverableReceiver struct {
	conn    *RecoverableConnection
	auth    *CBSAuthenticator
	cfg     ReceiverConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
	mgmt    *ManagementClient

	recvMu sync.Mutex

	mu       sync.Mutex
	link     *ReceiverLink
	lastSeq  *int64
	nextPeek int64
	opened   int
	rebuilds int
	closed   bool
}

// NewRecoverableReceiver creates a receiver. No link is opened until the first receive.
func NewRecoverableReceiver(conn *RecoverableConnection, auth *CBSAuthenticator, cfg ReceiverConfig) *RecoverableReceiver {
	if cfg.RetryPolicy == nil {
		cfg.RetryPolicy = reliability.DefaultPolicy()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Name == "" {
		cfg.Name = "receiver"
	}

	logger := cfg.Logger.With("address", cfg.Address)
	return &RecoverableReceiver{
		conn:    conn,
		auth:    auth,
		cfg:     cfg,
		logger:  logger,
		metrics: cfg.Metrics,
		mgmt: NewManagementClient(conn, auth, cfg.RetryPolicy, logger, cfg.Metrics).
			ForNode(entityManagementNode(cfg.Address)),
	}
}

// Address returns the link source
func (r *RecoverableReceiver) Address() string {
	return r.cfg.Address
}

// LinkRebuilds returns how many times the link was reopened after the first open
func (r *RecoverableReceiver) LinkRebuilds() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rebuilds
}

// LastSequenceNumber returns the sequence number of the last delivered event
func (r *RecoverableReceiver) LastSequenceNumber() (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastSeq == nil {
		return 0, false
	}
	return *r.lastSeq, true
}

// Receive waits up to maxWait for up to maxCount events. When maxWait
// elapses the events gathered so far are returned with a nil error; a
// failure after some events arrived also returns them and the link is
// rebuilt on the next call.
func (r *RecoverableReceiver) Receive(ctx context.Context, maxCount int, maxWait time.Duration) ([]*messaging.ReceivedMessage, error) {
	if maxCount <= 0 {
		return nil, fmt.Errorf("%w: maxCount must be positive, got %d", messaging.ErrInvalidArgument, maxCount)
	}

	r.recvMu.Lock()
	defer r.recvMu.Unlock()

	started := time.Now()
	var batch []*messaging.ReceivedMessage
	err := reliability.Retry(ctx, r.cfg.RetryPolicy, func(ctx context.Context, attempt int) error {
		var err error
		batch, err = r.receiveOnce(ctx, maxCount, maxWait)
		return err
	},
		reliability.WithOperation("receive"),
		reliability.WithOnRetry(func(attempt int, err error, delay time.Duration) {
			r.metrics.Retried("receive")
			r.logger.Warn("receive failed, retrying", "attempt", attempt, "error", err, "nextRetryIn", delay)
		}))

	r.metrics.ObserveOperation("receive", started, err)
	if err != nil {
		return nil, err
	}
	if len(batch) > 0 {
		r.metrics.EventsReceived(r.cfg.PartitionID, len(batch))
	}
	return batch, nil
}

func (r *RecoverableReceiver) receiveOnce(ctx context.Context, maxCount int, maxWait time.Duration) ([]*messaging.ReceivedMessage, error) {
	link, err := r.ensureLink(ctx)
	if err != nil {
		return nil, err
	}

	waitCtx := ctx
	if maxWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, maxWait)
		defer cancel()
	}

	batch := make([]*messaging.ReceivedMessage, 0, maxCount)
	for len(batch) < maxCount {
		msg, err := link.Receive(waitCtx)
		if err != nil {
			if ctx.Err() == nil && waitCtx.Err() != nil {
				// maxWait elapsed
				return batch, nil
			}
			if ctx.Err() != nil {
				if len(batch) > 0 {
					return batch, nil
				}
				return nil, err
			}

			r.recover(link, err)
			if len(batch) > 0 {
				r.logger.Warn("receive interrupted, returning partial batch", "events", len(batch), "error", err)
				return batch, nil
			}
			return nil, err
		}

		r.mu.Lock()
		seq := msg.SequenceNumber
		r.lastSeq = &seq
		r.mu.Unlock()

		batch = append(batch, msg)
	}
	return batch, nil
}

func (r *RecoverableReceiver) recover(link *ReceiverLink, err error) {
	switch messaging.RecoveryFor(err) {
	case messaging.RecoverLink:
		r.dropLink(link)
	case messaging.RecoverConnection:
		r.dropLink(link)
		r.conn.ReportFault(link.Scope(), err)
	}
}

func (r *RecoverableReceiver) currentLink() *ReceiverLink {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.link
}

func (r *RecoverableReceiver) dropLink(link *ReceiverLink) {
	if link == nil {
		return
	}

	r.mu.Lock()
	if r.link != link {
		r.mu.Unlock()
		return
	}
	r.link = nil
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	link.Scope().CloseLink(ctx, link)
}

// startPosition resumes after the last delivered event, or uses the
// configured start when nothing was delivered yet
func (r *RecoverableReceiver) startPosition() messaging.StartPosition {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastSeq != nil {
		return messaging.StartAfterSequence(*r.lastSeq)
	}
	return r.cfg.Start
}

func (r *RecoverableReceiver) ensureLink(ctx context.Context) (*ReceiverLink, error) {
	if link := r.currentLink(); link != nil {
		if link.usable() == nil {
			return link, nil
		}
		r.dropLink(link)
	}

	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, messaging.ErrLinkClosed
	}

	scope, err := r.conn.EnsureConnection(ctx)
	if err != nil {
		return nil, err
	}

	if r.auth != nil && r.cfg.Audience != "" {
		if _, err := r.auth.Authorize(ctx, scope, r.cfg.Audience); err != nil {
			return nil, err
		}
	}

	start := r.startPosition()
	link, err := scope.OpenReceiver(ctx, r.cfg.Address, messaging.ReceiverOptions{
		Name:       r.cfg.Name + "-" + uuid.NewString(),
		Start:      start,
		Credit:     r.cfg.Prefetch,
		OwnerLevel: r.cfg.OwnerLevel,
		Mode:       r.cfg.Mode,
	})
	if err != nil {
		if messaging.RecoveryFor(err) == messaging.RecoverConnection {
			r.conn.ReportFault(scope, err)
		}
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		scope.CloseLink(ctx, link)
		return nil, messaging.ErrLinkClosed
	}
	if r.opened > 0 {
		r.rebuilds++
		r.metrics.LinkRebuilt("receiver")
	}
	r.opened++
	r.link = link
	r.mu.Unlock()

	r.logger.Debug("receiver link ready", "link", link.ID(), "scope", scope.ID(), "start", start.String())
	return link, nil
}

// Complete settles msg as accepted
func (r *RecoverableReceiver) Complete(ctx context.Context, msg *messaging.ReceivedMessage) error {
	return r.settle(ctx, msg, messaging.DispositionComplete)
}

// Abandon releases msg for redelivery
func (r *RecoverableReceiver) Abandon(ctx context.Context, msg *messaging.ReceivedMessage) error {
	return r.settle(ctx, msg, messaging.DispositionAbandon)
}

// DeadLetter rejects msg
func (r *RecoverableReceiver) DeadLetter(ctx context.Context, msg *messaging.ReceivedMessage) error {
	return r.settle(ctx, msg, messaging.DispositionDeadLetter)
}

// settle never rebuilds: a delivery is bound to the link it arrived on, so
// once that link is gone its lock is lost. Messages received through the
// management node are settled there.
func (r *RecoverableReceiver) settle(ctx context.Context, msg *messaging.ReceivedMessage, disposition messaging.Disposition) error {
	if msg == nil {
		return fmt.Errorf("%w: nil message", messaging.ErrInvalidArgument)
	}
	if r.cfg.Mode != messaging.ReceiveModePeekLock {
		return fmt.Errorf("%w: %s requires peek-lock mode", messaging.ErrInvalidArgument, disposition)
	}
	if msg.LinkName == "" {
		token, err := r.checkLocked(disposition.String(), msg)
		if err != nil {
			return err
		}
		return r.updateDisposition(ctx, token, dispositionStatus(disposition))
	}

	link := r.currentLink()
	if link == nil || link.Name() != msg.LinkName {
		return fmt.Errorf("settle sequence %d: %w", msg.SequenceNumber, messaging.ErrLinkClosed)
	}

	err := link.Settle(ctx, msg, disposition)
	if err == nil {
		return nil
	}
	if messaging.IsRetryable(err) {
		r.recover(link, err)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", messaging.ErrCancelled, err)
	}
	return err
}

// Close detaches the link. Later receives fail with messaging.ErrLinkClosed.
func (r *RecoverableReceiver) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	link := r.link
	r.link = nil
	r.mu.Unlock()

	if link != nil {
		link.Scope().CloseLink(ctx, link)
	}
	return nil
}
