package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/amqphub/messaging"
)

const defaultPrefetch = 300

type connection struct {
	conn     *amqp.Connection
	endpoint string
	streams  bool
	logger   *slog.Logger
	faults   chan messaging.Fault
	closing  atomic.Bool
}

func newConnection(conn *amqp.Connection, endpoint string, streams bool, logger *slog.Logger) *connection {
	c := &connection{
		conn:     conn,
		endpoint: endpoint,
		streams:  streams,
		logger:   logger,
		faults:   make(chan messaging.Fault, 1),
	}
	notify := conn.NotifyClose(make(chan *amqp.Error, 1))
	go c.watch(notify)
	return c
}

// watch reports the first broker- or network-initiated close as a fault.
// A graceful Close delivers nothing and closes the notify channel.
func (c *connection) watch(notify <-chan *amqp.Error) {
	amqpErr, ok := <-notify
	defer close(c.faults)

	if !ok || amqpErr == nil || c.closing.Load() {
		return
	}

	err := translate(c.endpoint, "", amqpErr)
	c.logger.Warn("rabbitmq connection lost", "endpoint", c.endpoint, "error", err)
	c.faults <- messaging.Fault{Err: err, Time: time.Now()}
}

func (c *connection) NewSession(ctx context.Context) (messaging.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, translate(c.endpoint, "", err)
	}
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, translate(c.endpoint, "", err)
	}
	s := &session{
		conn:   c,
		ch:     ch,
		closed: ch.NotifyClose(make(chan *amqp.Error, 1)),
	}
	return s, nil
}

func (c *connection) Faults() <-chan messaging.Fault {
	return c.faults
}

func (c *connection) Close(ctx context.Context) error {
	if !c.closing.CompareAndSwap(false, true) {
		return nil
	}
	if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return translate(c.endpoint, "", err)
	}
	return nil
}

// session maps onto a single channel. Every link on the session shares it,
// so a channel-level exception detaches all of them.
type session struct {
	conn   *connection
	ch     *amqp.Channel
	closed <-chan *amqp.Error

	mu       sync.Mutex
	err      error
	confirms bool
}

// channelErr returns the exception that closed the channel, if any
func (s *session) channelErr(address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}
	select {
	case amqpErr, ok := <-s.closed:
		if !ok || amqpErr == nil {
			s.err = &messaging.LinkDetachedError{Address: address, Err: amqp.ErrClosed}
		} else {
			s.err = translate(s.conn.endpoint, address, amqpErr)
		}
		return s.err
	default:
		return nil
	}
}

func (s *session) NewSender(ctx context.Context, address string, opts messaging.SenderOptions) (messaging.Sender, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.confirms {
		if err := s.ch.Confirm(false); err != nil {
			return nil, &messaging.LinkOpenError{Address: address, Err: translate(s.conn.endpoint, address, err)}
		}
		s.confirms = true
	}

	exchange, key := route(address)
	return &sender{
		session:  s,
		address:  address,
		exchange: exchange,
		key:      key,
	}, nil
}

func (s *session) NewReceiver(ctx context.Context, address string, opts messaging.ReceiverOptions) (messaging.Receiver, error) {
	queue, group := streamQueue(address)

	prefetch := int(opts.Credit)
	if prefetch <= 0 {
		prefetch = defaultPrefetch
	}
	if err := s.ch.Qos(prefetch, 0, false); err != nil {
		return nil, &messaging.LinkOpenError{Address: address, Err: translate(s.conn.endpoint, address, err)}
	}

	name := opts.Name
	if name == "" {
		name = uuid.NewString()
	}
	if group != "" {
		name = group + "." + name
	}

	var args amqp.Table
	autoAck := opts.Mode == messaging.ReceiveModeReceiveAndDelete
	exclusive := opts.OwnerLevel != nil
	if s.conn.streams {
		offset, err := streamOffset(opts.Start)
		if err != nil {
			return nil, &messaging.LinkOpenError{Address: address, Err: err}
		}
		args = amqp.Table{argStreamOffset: offset}
		// Stream consumers must acknowledge manually and cannot be exclusive.
		autoAck = false
		exclusive = false
	}

	deliveries, err := s.ch.Consume(queue, name, autoAck, exclusive, false, false, args)
	if err != nil {
		return nil, &messaging.LinkOpenError{Address: address, Err: translate(s.conn.endpoint, address, err)}
	}

	return &receiver{
		session:    s,
		address:    address,
		name:       name,
		ackOnRecv:  s.conn.streams && opts.Mode == messaging.ReceiveModeReceiveAndDelete,
		deliveries: deliveries,
	}, nil
}

func (s *session) NewRequestResponse(ctx context.Context, address string) (messaging.RequestResponseLink, error) {
	return nil, fmt.Errorf("%w: request/response to %s", messaging.ErrNotSupported, address)
}

func (s *session) Close(ctx context.Context) error {
	if err := s.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return translate(s.conn.endpoint, "", err)
	}
	return nil
}

type sender struct {
	session  *session
	address  string
	exchange string
	key      string
	closed   atomic.Bool
}

func (s *sender) Send(ctx context.Context, msg *messaging.Message) error {
	if s.closed.Load() {
		return messaging.ErrLinkClosed
	}
	if err := s.session.channelErr(s.address); err != nil {
		return err
	}

	confirm, err := s.session.ch.PublishWithDeferredConfirmWithContext(ctx, s.exchange, s.key, false, false, toPublishing(msg))
	if err != nil {
		return s.failure(err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return s.failure(err)
	}
	if !acked {
		return &messaging.RemoteError{
			Condition:   messaging.CondServerBusy,
			Description: "publish to " + s.address + " was nacked",
		}
	}
	return nil
}

func (s *sender) failure(err error) error {
	if chErr := s.session.channelErr(s.address); chErr != nil {
		return chErr
	}
	return translate(s.session.conn.endpoint, s.address, err)
}

// Properties returns nil; RabbitMQ has no attach handshake to carry publishing state
func (s *sender) Properties() map[string]any {
	return nil
}

func (s *sender) Close(ctx context.Context) error {
	s.closed.Store(true)
	return nil
}

type receiver struct {
	session    *session
	address    string
	name       string
	ackOnRecv  bool
	deliveries <-chan amqp.Delivery
	closed     atomic.Bool
}

func (r *receiver) Receive(ctx context.Context) (*messaging.ReceivedMessage, error) {
	select {
	case d, ok := <-r.deliveries:
		if !ok {
			if r.closed.Load() {
				return nil, messaging.ErrLinkClosed
			}
			if err := r.session.channelErr(r.address); err != nil {
				return nil, err
			}
			return nil, &messaging.LinkDetachedError{Address: r.address, Err: amqp.ErrClosed}
		}
		if r.ackOnRecv {
			if err := d.Ack(false); err != nil {
				return nil, translate(r.session.conn.endpoint, r.address, err)
			}
		}
		return toReceivedMessage(&d, r.name), nil

	case <-ctx.Done():
		return nil, translate(r.session.conn.endpoint, r.address, ctx.Err())
	}
}

func (r *receiver) Settle(ctx context.Context, msg *messaging.ReceivedMessage, disposition messaging.Disposition) error {
	d, ok := msg.Raw.(*amqp.Delivery)
	if !ok {
		return fmt.Errorf("%w: delivery was not received from rabbitmq", messaging.ErrInvalidArgument)
	}

	var err error
	switch disposition {
	case messaging.DispositionComplete:
		err = d.Ack(false)
	case messaging.DispositionAbandon:
		err = d.Nack(false, true)
	case messaging.DispositionDeadLetter:
		err = d.Reject(false)
	default:
		return fmt.Errorf("%w: disposition %d", messaging.ErrInvalidArgument, disposition)
	}
	if err != nil {
		if chErr := r.session.channelErr(r.address); chErr != nil {
			return chErr
		}
		return translate(r.session.conn.endpoint, r.address, err)
	}
	return nil
}

func (r *receiver) Close(ctx context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := r.session.ch.Cancel(r.name, false); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return translate(r.session.conn.endpoint, r.address, err)
	}
	return nil
}
