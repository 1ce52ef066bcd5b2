package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/glimte/amqphub/messaging"
)

// Connection is a connection to the in-process broker
type Connection struct {
	id       int
	broker   *Broker
	endpoint string
	opts     messaging.ConnectionOptions

	mu        sync.Mutex
	cause     error
	done      chan struct{}
	faults    chan messaging.Fault
	closeOnce sync.Once
}

// ID returns the connection's ordinal, starting at 1
func (c *Connection) ID() int {
	return c.id
}

// Options returns the options the connection was dialed with
func (c *Connection) Options() messaging.ConnectionOptions {
	return c.opts
}

// Closed reports whether the connection was closed or faulted
func (c *Connection) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// InjectFault fails the connection as if the peer had dropped it. Blocked
// operations return a *messaging.ConnectionLostError and Faults delivers it.
func (c *Connection) InjectFault(err error) {
	c.shutdown(err)
}

// NewSession implements messaging.Connection
func (c *Connection) NewSession(ctx context.Context) (messaging.Session, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	return &session{conn: c, done: make(chan struct{})}, nil
}

// Faults implements messaging.Connection
func (c *Connection) Faults() <-chan messaging.Fault {
	return c.faults
}

// Close implements messaging.Connection
func (c *Connection) Close(ctx context.Context) error {
	c.shutdown(nil)
	return nil
}

func (c *Connection) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.cause = cause
		c.mu.Unlock()

		close(c.done)
		if cause != nil {
			c.faults <- messaging.Fault{Err: c.lostError(cause), Time: c.broker.now()}
		}
		close(c.faults)
	})
}

func (c *Connection) lostError(cause error) error {
	return &messaging.ConnectionLostError{Endpoint: c.endpoint, Err: cause}
}

func (c *Connection) check() error {
	select {
	case <-c.done:
	default:
		return nil
	}

	c.mu.Lock()
	cause := c.cause
	c.mu.Unlock()
	if cause == nil {
		cause = errConnectionClosed
	}
	return c.lostError(cause)
}

type session struct {
	conn      *Connection
	done      chan struct{}
	closeOnce sync.Once
}

func (s *session) check() error {
	if err := s.conn.check(); err != nil {
		return err
	}
	select {
	case <-s.done:
		return &messaging.LinkDetachedError{Err: errSessionClosed}
	default:
		return nil
	}
}

func (s *session) NewSender(ctx context.Context, address string, opts messaging.SenderOptions) (messaging.Sender, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if err := s.conn.broker.attach(address); err != nil {
		return nil, err
	}
	return &sender{
		session:    s,
		address:    address,
		name:       linkName(opts.Name),
		properties: s.conn.broker.producerProperties(address),
		done:       make(chan struct{}),
	}, nil
}

func (s *session) NewReceiver(ctx context.Context, address string, opts messaging.ReceiverOptions) (messaging.Receiver, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	b := s.conn.broker
	if err := b.attach(address); err != nil {
		return nil, err
	}

	key := EntityKey(address)
	b.mu.Lock()
	pos := startIndex(b.logLocked(key), opts.Start)
	b.mu.Unlock()

	return &receiver{
		session: s,
		address: address,
		key:     key,
		name:    linkName(opts.Name),
		mode:    opts.Mode,
		pos:     pos,
		done:    make(chan struct{}),
	}, nil
}

func (s *session) NewRequestResponse(ctx context.Context, address string) (messaging.RequestResponseLink, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return &requestLink{session: s, node: address, done: make(chan struct{})}, nil
}

func (s *session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

func linkName(name string) string {
	if name == "" {
		return uuid.NewString()
	}
	return name
}

// startIndex must be called with the broker lock held
func startIndex(log *partitionLog, start messaging.StartPosition) int {
	after := func(match func(ev *messaging.ReceivedMessage) bool) int {
		for i, ev := range log.events {
			if match(ev) {
				return i
			}
		}
		return len(log.events)
	}

	switch {
	case start.SequenceNumber != nil:
		seq := *start.SequenceNumber
		return after(func(ev *messaging.ReceivedMessage) bool {
			return ev.SequenceNumber > seq || (start.Inclusive && ev.SequenceNumber == seq)
		})
	case start.Offset != nil:
		offset := *start.Offset
		for i, ev := range log.events {
			if ev.Offset == offset {
				if start.Inclusive {
					return i
				}
				return i + 1
			}
		}
		return len(log.events)
	case start.EnqueuedTime != nil:
		t := *start.EnqueuedTime
		return after(func(ev *messaging.ReceivedMessage) bool {
			return ev.EnqueuedTime.After(t)
		})
	case start.Earliest:
		return 0
	default:
		return len(log.events)
	}
}

func checkLink(s *session, address string, done chan struct{}) error {
	if err := s.check(); err != nil {
		if detached, ok := err.(*messaging.LinkDetachedError); ok {
			detached.Address = address
		}
		return err
	}
	select {
	case <-done:
		return &messaging.LinkDetachedError{Address: address, Err: errLinkClosed}
	default:
		return nil
	}
}

type sender struct {
	session    *session
	address    string
	name       string
	properties map[string]any
	done       chan struct{}
	closeOnce  sync.Once
}

func (s *sender) Send(ctx context.Context, msg *messaging.Message) error {
	if err := checkLink(s.session, s.address, s.done); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.session.conn.broker.send(s.address, msg)
}

func (s *sender) Properties() map[string]any {
	return s.properties
}

func (s *sender) Close(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

type receiver struct {
	session   *session
	address   string
	key       string
	name      string
	mode      messaging.ReceiveMode
	pos       int
	done      chan struct{}
	closeOnce sync.Once
}

func (r *receiver) Receive(ctx context.Context) (*messaging.ReceivedMessage, error) {
	b := r.session.conn.broker

	for {
		if err := checkLink(r.session, r.address, r.done); err != nil {
			return nil, err
		}

		b.mu.Lock()
		if err := pop(b.receiveErrs, r.key); err != nil {
			b.mu.Unlock()
			return nil, err
		}
		log := b.logLocked(r.key)
		if r.pos < len(log.events) {
			ev := cloneEvent(log.events[r.pos])
			r.pos++
			if r.mode == messaging.ReceiveModePeekLock {
				ev.LockToken = b.lockLocked(r.key, ev.SequenceNumber)
				ev.LockedUntil = b.locks[ev.LockToken].lockedUntil
			}
			b.mu.Unlock()

			ev.LinkName = r.name
			ev.DeliveryCount = 0
			return ev, nil
		}
		changed := log.changed
		b.waiting[r.key]++
		b.mu.Unlock()

		var err error
		select {
		case <-changed:
		case <-ctx.Done():
			err = ctx.Err()
		case <-r.done:
		case <-r.session.done:
		case <-r.session.conn.done:
		}

		b.mu.Lock()
		b.waiting[r.key]--
		b.mu.Unlock()

		if err != nil {
			return nil, err
		}
	}
}

func (r *receiver) Settle(ctx context.Context, msg *messaging.ReceivedMessage, disposition messaging.Disposition) error {
	if err := checkLink(r.session, r.address, r.done); err != nil {
		return err
	}
	if msg.LinkName != r.name {
		return &messaging.RemoteError{
			Condition:   messaging.CondMessageLockLost,
			Description: fmt.Sprintf("delivery %d was not received on link %s", msg.SequenceNumber, r.name),
		}
	}

	b := r.session.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.locks, msg.LockToken)
	b.settlements[r.key] = append(b.settlements[r.key], Settlement{
		LinkName:       r.name,
		SequenceNumber: msg.SequenceNumber,
		Disposition:    disposition,
	})
	return nil
}

func (r *receiver) Close(ctx context.Context) error {
	r.closeOnce.Do(func() { close(r.done) })
	return nil
}

type requestLink struct {
	session   *session
	node      string
	done      chan struct{}
	closeOnce sync.Once
}

func (l *requestLink) Request(ctx context.Context, msg *messaging.Message) (*messaging.Message, error) {
	if err := checkLink(l.session, l.node, l.done); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	req := msg.Clone()
	if req.MessageID == "" {
		req.MessageID = uuid.NewString()
	}
	return l.session.conn.broker.request(l.node, req)
}

func (l *requestLink) Close(ctx context.Context) error {
	l.closeOnce.Do(func() { close(l.done) })
	return nil
}
