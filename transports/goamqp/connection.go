package goamqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Azure/go-amqp"
	"github.com/google/uuid"

	"github.com/glimte/amqphub/messaging"
)

const (
	propertyEpoch       = "com.microsoft:epoch"
	deadLetterCondition = "com.microsoft:dead-letter"
)

type connection struct {
	conn     *amqp.Conn
	endpoint string
	logger   *slog.Logger
	faults   chan messaging.Fault
	closing  atomic.Bool
}

func newConnection(conn *amqp.Conn, endpoint string, logger *slog.Logger) *connection {
	c := &connection{
		conn:     conn,
		endpoint: endpoint,
		logger:   logger,
		faults:   make(chan messaging.Fault, 1),
	}
	go c.watch()
	return c
}

func (c *connection) watch() {
	<-c.conn.Done()
	defer close(c.faults)

	if c.closing.Load() {
		return
	}

	err := translate(c.endpoint, "", c.conn.Err())
	if err == nil {
		err = &messaging.ConnectionLostError{Endpoint: c.endpoint, Err: errConnectionClosed}
	}
	c.logger.Warn("amqp connection lost", "endpoint", c.endpoint, "error", err)
	c.faults <- messaging.Fault{Err: err, Time: time.Now()}
}

func (c *connection) NewSession(ctx context.Context) (messaging.Session, error) {
	s, err := c.conn.NewSession(ctx, nil)
	if err != nil {
		return nil, translate(c.endpoint, "", err)
	}
	return &session{conn: c, session: s}, nil
}

func (c *connection) Faults() <-chan messaging.Fault {
	return c.faults
}

func (c *connection) Close(ctx context.Context) error {
	c.closing.Store(true)
	err := c.conn.Close()
	if err != nil && !isClosedError(err) {
		return translate(c.endpoint, "", err)
	}
	return nil
}

// isClosedError reports the error go-amqp returns when closing a connection
// that has already failed
func isClosedError(err error) bool {
	var connErr *amqp.ConnError
	return errors.As(err, &connErr) && connErr.RemoteErr == nil
}

type session struct {
	conn    *connection
	session *amqp.Session
}

func (s *session) NewSender(ctx context.Context, address string, opts messaging.SenderOptions) (messaging.Sender, error) {
	senderOpts := &amqp.SenderOptions{
		Name:         opts.Name,
		Properties:   opts.Properties,
		Capabilities: opts.Capabilities,
	}

	link, err := s.session.NewSender(ctx, address, senderOpts)
	if err != nil {
		return nil, translate(s.conn.endpoint, address, err)
	}
	return &sender{conn: s.conn, address: address, link: link}, nil
}

func (s *session) NewReceiver(ctx context.Context, address string, opts messaging.ReceiverOptions) (messaging.Receiver, error) {
	receiverOpts := &amqp.ReceiverOptions{
		Name:       opts.Name,
		Credit:     opts.Credit,
		Properties: opts.Properties,
	}
	if isPartitionAddress(address) {
		receiverOpts.Filters = []amqp.LinkFilter{amqp.NewSelectorFilter(opts.Start.Expression())}
	}
	if opts.OwnerLevel != nil {
		props := make(map[string]any, len(opts.Properties)+1)
		for k, v := range opts.Properties {
			props[k] = v
		}
		props[propertyEpoch] = *opts.OwnerLevel
		receiverOpts.Properties = props
	}
	if opts.Mode == messaging.ReceiveModeReceiveAndDelete {
		receiverOpts.SettlementMode = amqp.ReceiverSettleModeFirst.Ptr()
		receiverOpts.RequestedSenderSettleMode = amqp.SenderSettleModeSettled.Ptr()
	} else {
		receiverOpts.SettlementMode = amqp.ReceiverSettleModeSecond.Ptr()
	}

	link, err := s.session.NewReceiver(ctx, address, receiverOpts)
	if err != nil {
		return nil, translate(s.conn.endpoint, address, err)
	}
	return &receiver{conn: s.conn, address: address, link: link, mode: opts.Mode}, nil
}

func (s *session) NewRequestResponse(ctx context.Context, address string) (messaging.RequestResponseLink, error) {
	replyTo := fmt.Sprintf("%s-reply-%s", address, uuid.NewString())

	snd, err := s.session.NewSender(ctx, address, nil)
	if err != nil {
		return nil, translate(s.conn.endpoint, address, err)
	}
	rcv, err := s.session.NewReceiver(ctx, address, &amqp.ReceiverOptions{
		TargetAddress: replyTo,
		Credit:        1,
	})
	if err != nil {
		_ = snd.Close(ctx)
		return nil, translate(s.conn.endpoint, address, err)
	}

	return &requestLink{
		conn:     s.conn,
		address:  address,
		replyTo:  replyTo,
		sender:   snd,
		receiver: rcv,
	}, nil
}

func (s *session) Close(ctx context.Context) error {
	return translate(s.conn.endpoint, "", s.session.Close(ctx))
}

// isPartitionAddress reports whether address names an event hub partition
// read through a consumer group; only those accept a start position filter
func isPartitionAddress(address string) bool {
	return strings.Contains(strings.ToLower(address), "/consumergroups/")
}

type sender struct {
	conn    *connection
	address string
	link    *amqp.Sender
}

func (s *sender) Send(ctx context.Context, msg *messaging.Message) error {
	return translate(s.conn.endpoint, s.address, s.link.Send(ctx, toAMQPMessage(msg), nil))
}

func (s *sender) Properties() map[string]any {
	return s.link.Properties()
}

func (s *sender) Close(ctx context.Context) error {
	return translate(s.conn.endpoint, s.address, s.link.Close(ctx))
}

type receiver struct {
	conn    *connection
	address string
	link    *amqp.Receiver
	mode    messaging.ReceiveMode
}

func (r *receiver) Receive(ctx context.Context) (*messaging.ReceivedMessage, error) {
	msg, err := r.link.Receive(ctx, nil)
	if err != nil {
		return nil, translate(r.conn.endpoint, r.address, err)
	}
	return toReceivedMessage(msg, r.link.LinkName()), nil
}

func (r *receiver) Settle(ctx context.Context, msg *messaging.ReceivedMessage, disposition messaging.Disposition) error {
	raw, ok := msg.Raw.(*amqp.Message)
	if !ok {
		return fmt.Errorf("%w: delivery %d was not received by this transport", messaging.ErrInvalidArgument, msg.SequenceNumber)
	}

	var err error
	switch disposition {
	case messaging.DispositionComplete:
		err = r.link.AcceptMessage(ctx, raw)
	case messaging.DispositionAbandon:
		err = r.link.ModifyMessage(ctx, raw, &amqp.ModifyMessageOptions{DeliveryFailed: true})
	case messaging.DispositionDeadLetter:
		err = r.link.RejectMessage(ctx, raw, &amqp.Error{Condition: deadLetterCondition})
	default:
		return fmt.Errorf("%w: unknown disposition %d", messaging.ErrInvalidArgument, disposition)
	}
	return translate(r.conn.endpoint, r.address, err)
}

func (r *receiver) Close(ctx context.Context) error {
	return translate(r.conn.endpoint, r.address, r.link.Close(ctx))
}

// requestLink pairs a sender to a node with a receiver on a private reply
// address. Requests are serialized; responses that do not correlate with the
// outstanding request are discarded.
type requestLink struct {
	conn     *connection
	address  string
	replyTo  string
	sender   *amqp.Sender
	receiver *amqp.Receiver

	mu sync.Mutex
}

func (l *requestLink) Request(ctx context.Context, msg *messaging.Message) (*messaging.Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	req := msg.Clone()
	if req.MessageID == "" {
		req.MessageID = uuid.NewString()
	}
	req.ReplyTo = l.replyTo

	if err := l.sender.Send(ctx, toAMQPMessage(req), nil); err != nil {
		return nil, translate(l.conn.endpoint, l.address, err)
	}

	for {
		resp, err := l.receiver.Receive(ctx, nil)
		if err != nil {
			return nil, translate(l.conn.endpoint, l.address, err)
		}
		if err := l.receiver.AcceptMessage(ctx, resp); err != nil {
			return nil, translate(l.conn.endpoint, l.address, err)
		}

		out := fromAMQPMessage(resp)
		if out.CorrelationID != req.MessageID {
			l.conn.logger.Debug("discarding uncorrelated response", "node", l.address, "correlationID", out.CorrelationID)
			continue
		}
		return &out, nil
	}
}

func (l *requestLink) Close(ctx context.Context) error {
	rerr := l.receiver.Close(ctx)
	serr := l.sender.Close(ctx)
	if rerr != nil {
		return translate(l.conn.endpoint, l.address, rerr)
	}
	return translate(l.conn.endpoint, l.address, serr)
}
