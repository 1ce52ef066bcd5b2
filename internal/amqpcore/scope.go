package amqpcore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/amqphub/messaging"
)

// ScopeState is the lifecycle state of a ConnectionScope
type ScopeState int32

const (
	ScopeOpen ScopeState = iota
	ScopeFaulted
	ScopeClosed
)

func (s ScopeState) String() string {
	switch s {
	case ScopeOpen:
		return "open"
	case ScopeFaulted:
		return "faulted"
	case ScopeClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Well-known request/response nodes
const (
	CBSNode        = "$cbs"
	ManagementNode = "$management"
)

// Link is any link handle opened by a ConnectionScope
type Link interface {
	ID() uint64
	Address() string
	invalidate(err error)
	closeTransport(ctx context.Context)
}

// ConnectionScope groups one physical connection with every session and link
// opened on it. Once the scope faults or closes, every link it handed out
// fails with an error wrapping messaging.ErrScopeFaulted or
// messaging.ErrScopeClosed, so stale handles can never reach a replacement
// connection.
type ConnectionScope struct {
	id       uint64
	endpoint string
	conn     messaging.Connection
	ids      *IDGenerator
	logger   *slog.Logger

	// serializes creation of the shared $cbs and $management links
	nodeMu sync.Mutex

	mu     sync.Mutex
	state  ScopeState
	cause  error
	links  map[uint64]Link
	nodes  map[string]*RequestLink
	opened time.Time
	done   chan struct{}
}

func newConnectionScope(id uint64, endpoint string, conn messaging.Connection, ids *IDGenerator, logger *slog.Logger) *ConnectionScope {
	s := &ConnectionScope{
		id:       id,
		endpoint: endpoint,
		conn:     conn,
		ids:      ids,
		logger:   logger.With("scope", id),
		links:    make(map[uint64]Link),
		nodes:    make(map[string]*RequestLink),
		opened:   time.Now(),
		done:     make(chan struct{}),
	}
	go s.watch()
	return s
}

// ID returns the scope's identifier
func (s *ConnectionScope) ID() uint64 {
	return s.id
}

// State returns the current state
func (s *ConnectionScope) State() ScopeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the fault that ended the scope, or nil
func (s *ConnectionScope) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == ScopeFaulted {
		return s.cause
	}
	return nil
}

// Done is closed when the scope stops being open
func (s *ConnectionScope) Done() <-chan struct{} {
	return s.done
}

// LinkCount returns the number of open links, including request/response links
func (s *ConnectionScope) LinkCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.links)
}

func (s *ConnectionScope) watch() {
	faults := s.conn.Faults()
	for {
		select {
		case fault, ok := <-faults:
			if !ok {
				return
			}
			s.Fault(fault.Err)
		case <-s.done:
			return
		}
	}
}

// Fault marks the scope faulted and invalidates every link. It is a no-op
// unless the scope is open.
func (s *ConnectionScope) Fault(err error) {
	s.mu.Lock()
	if s.state != ScopeOpen {
		s.mu.Unlock()
		return
	}
	s.state = ScopeFaulted
	s.cause = err
	links := s.takeLinksLocked()
	close(s.done)
	s.mu.Unlock()

	s.logger.Warn("connection scope faulted",
		"endpoint", messaging.SanitizeEndpoint(s.endpoint),
		"error", err,
		"links", len(links),
		"uptime", time.Since(s.opened).Round(time.Millisecond))

	invalid := fmt.Errorf("%w: %w", messaging.ErrScopeFaulted, err)
	for _, l := range links {
		l.invalidate(invalid)
	}
}

// Close closes every link and the physical connection. Calling it again is
// a no-op; closing a faulted scope releases its transport resources.
func (s *ConnectionScope) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.state == ScopeClosed {
		s.mu.Unlock()
		return nil
	}
	wasOpen := s.state == ScopeOpen
	s.state = ScopeClosed
	links := s.takeLinksLocked()
	if wasOpen {
		close(s.done)
	}
	s.mu.Unlock()

	for _, l := range links {
		l.invalidate(messaging.ErrScopeClosed)
		l.closeTransport(ctx)
	}

	err := s.conn.Close(ctx)
	if !wasOpen {
		// the transport already failed; its close error adds nothing
		return nil
	}
	s.logger.Debug("connection scope closed", "links", len(links))
	return err
}

func (s *ConnectionScope) takeLinksLocked() []Link {
	links := make([]Link, 0, len(s.links))
	for _, l := range s.links {
		links = append(links, l)
	}
	s.links = make(map[uint64]Link)
	s.nodes = make(map[string]*RequestLink)
	return links
}

func (s *ConnectionScope) checkLocked(address string) error {
	switch s.state {
	case ScopeFaulted:
		return &messaging.LinkOpenError{Address: address, Err: fmt.Errorf("%w: %w", messaging.ErrScopeFaulted, s.cause)}
	case ScopeClosed:
		return &messaging.LinkOpenError{Address: address, Err: messaging.ErrScopeClosed}
	default:
		return nil
	}
}

func (s *ConnectionScope) check(address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkLocked(address)
}

// register adds l unless the scope stopped being open while it was attaching
func (s *ConnectionScope) register(ctx context.Context, address string, l Link) error {
	s.mu.Lock()
	if err := s.checkLocked(address); err != nil {
		s.mu.Unlock()
		l.closeTransport(ctx)
		return err
	}
	s.links[l.ID()] = l
	s.mu.Unlock()
	return nil
}

func (s *ConnectionScope) newSession(ctx context.Context, address string) (messaging.Session, error) {
	if err := s.check(address); err != nil {
		return nil, err
	}
	session, err := s.conn.NewSession(ctx)
	if err != nil {
		return nil, &messaging.LinkOpenError{Address: address, Err: err}
	}
	return session, nil
}

// OpenSender opens a sender link on its own session
func (s *ConnectionScope) OpenSender(ctx context.Context, address string, opts messaging.SenderOptions) (*SenderLink, error) {
	session, err := s.newSession(ctx, address)
	if err != nil {
		return nil, err
	}

	sender, err := session.NewSender(ctx, address, opts)
	if err != nil {
		_ = session.Close(ctx)
		return nil, &messaging.LinkOpenError{Address: address, Err: err}
	}

	link := &SenderLink{
		linkBase: newLinkBase(s, address, opts.Name, session),
		sender:   sender,
	}
	if err := s.register(ctx, address, link); err != nil {
		return nil, err
	}

	s.logger.Debug("sender link opened", "address", address, "link", link.id)
	return link, nil
}

// OpenReceiver opens a receiver link on its own session
func (s *ConnectionScope) OpenReceiver(ctx context.Context, address string, opts messaging.ReceiverOptions) (*ReceiverLink, error) {
	session, err := s.newSession(ctx, address)
	if err != nil {
		return nil, err
	}

	receiver, err := session.NewReceiver(ctx, address, opts)
	if err != nil {
		_ = session.Close(ctx)
		return nil, &messaging.LinkOpenError{Address: address, Err: err}
	}

	link := &ReceiverLink{
		linkBase: newLinkBase(s, address, opts.Name, session),
		receiver: receiver,
	}
	if err := s.register(ctx, address, link); err != nil {
		return nil, err
	}

	s.logger.Debug("receiver link opened", "address", address, "link", link.id, "start", opts.Start.String())
	return link, nil
}

// GetOrCreateCBSLink returns the scope's $cbs link, opening it on first use
func (s *ConnectionScope) GetOrCreateCBSLink(ctx context.Context) (*RequestLink, error) {
	return s.getOrCreateNode(ctx, CBSNode)
}

// GetOrCreateManagementLink returns the scope's $management link, opening it on first use
func (s *ConnectionScope) GetOrCreateManagementLink(ctx context.Context) (*RequestLink, error) {
	return s.getOrCreateNode(ctx, ManagementNode)
}

// GetOrCreateRequestLink returns the scope's link to node, such as an
// entity's own management node, opening it on first use
func (s *ConnectionScope) GetOrCreateRequestLink(ctx context.Context, node string) (*RequestLink, error) {
	return s.getOrCreateNode(ctx, node)
}

func (s *ConnectionScope) getOrCreateNode(ctx context.Context, node string) (*RequestLink, error) {
	s.nodeMu.Lock()
	defer s.nodeMu.Unlock()

	s.mu.Lock()
	if err := s.checkLocked(node); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if link, ok := s.nodes[node]; ok && link.usable() == nil {
		s.mu.Unlock()
		return link, nil
	}
	s.mu.Unlock()

	session, err := s.newSession(ctx, node)
	if err != nil {
		return nil, err
	}
	rr, err := session.NewRequestResponse(ctx, node)
	if err != nil {
		_ = session.Close(ctx)
		return nil, &messaging.LinkOpenError{Address: node, Err: err}
	}

	link := &RequestLink{
		linkBase: newLinkBase(s, node, "", session),
		rr:       rr,
	}
	if err := s.register(ctx, node, link); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.nodes[node] = link
	s.mu.Unlock()

	s.logger.Debug("request link opened", "node", node, "link", link.id)
	return link, nil
}

// CloseLink detaches a link and removes it from the scope. Later operations
// on the handle fail with messaging.ErrLinkClosed.
func (s *ConnectionScope) CloseLink(ctx context.Context, l Link) {
	s.mu.Lock()
	_, owned := s.links[l.ID()]
	delete(s.links, l.ID())
	for node, rl := range s.nodes {
		if rl.ID() == l.ID() {
			delete(s.nodes, node)
		}
	}
	s.mu.Unlock()

	l.invalidate(messaging.ErrLinkClosed)
	if owned {
		l.closeTransport(ctx)
	}
}

type linkBase struct {
	id      uint64
	name    string
	address string
	scope   *ConnectionScope
	session messaging.Session

	mu  sync.RWMutex
	err error
}

func newLinkBase(s *ConnectionScope, address, name string, session messaging.Session) linkBase {
	return linkBase{
		id:      s.ids.Next(),
		name:    name,
		address: address,
		scope:   s,
		session: session,
	}
}

// ID returns the link's identifier
func (l *linkBase) ID() uint64 { return l.id }

// Name returns the link name given at attach
func (l *linkBase) Name() string { return l.name }

// Address returns the address the link is attached to
func (l *linkBase) Address() string { return l.address }

// Scope returns the scope that opened the link
func (l *linkBase) Scope() *ConnectionScope { return l.scope }

func (l *linkBase) usable() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.err
}

func (l *linkBase) invalidate(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err == nil {
		l.err = err
	}
}

// SenderLink is a sender handle owned by a ConnectionScope
type SenderLink struct {
	linkBase
	sender messaging.Sender
}

// Send transmits msg, failing fast if the link was invalidated
func (l *SenderLink) Send(ctx context.Context, msg *messaging.Message) error {
	if err := l.usable(); err != nil {
		return err
	}
	return l.sender.Send(ctx, msg)
}

// Properties returns the attach properties sent by the peer
func (l *SenderLink) Properties() map[string]any {
	return l.sender.Properties()
}

func (l *SenderLink) closeTransport(ctx context.Context) {
	_ = l.sender.Close(ctx)
	_ = l.session.Close(ctx)
}

// ReceiverLink is a receiver handle owned by a ConnectionScope
type ReceiverLink struct {
	linkBase
	receiver messaging.Receiver
}

// Receive waits for the next delivery
func (l *ReceiverLink) Receive(ctx context.Context) (*messaging.ReceivedMessage, error) {
	if err := l.usable(); err != nil {
		return nil, err
	}
	return l.receiver.Receive(ctx)
}

// Settle applies a disposition to a delivery received on this link
func (l *ReceiverLink) Settle(ctx context.Context, msg *messaging.ReceivedMessage, disposition messaging.Disposition) error {
	if err := l.usable(); err != nil {
		return err
	}
	return l.receiver.Settle(ctx, msg, disposition)
}

func (l *ReceiverLink) closeTransport(ctx context.Context) {
	_ = l.receiver.Close(ctx)
	_ = l.session.Close(ctx)
}

// RequestLink is a request/response handle owned by a ConnectionScope
type RequestLink struct {
	linkBase
	rr messaging.RequestResponseLink
}

// Request sends msg and waits for the correlated response
func (l *RequestLink) Request(ctx context.Context, msg *messaging.Message) (*messaging.Message, error) {
	if err := l.usable(); err != nil {
		return nil, err
	}
	return l.rr.Request(ctx, msg)
}

func (l *RequestLink) closeTransport(ctx context.Context) {
	_ = l.rr.Close(ctx)
	_ = l.session.Close(ctx)
}
