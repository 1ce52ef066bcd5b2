// Package memory implements the messaging transport capabilities against an
// in-process broker. It keeps an ordered log per partition, answers $cbs and
// $management requests, enforces idempotent producer sequencing, and lets
// callers script failures: refused dials, send/receive/attach errors, lost
// send outcomes and connection faults.
package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/glimte/amqphub/messaging"
)

var (
	errConnectionClosed = errors.New("memory: connection closed")
	errSessionClosed    = errors.New("memory: session closed")
	errLinkClosed       = errors.New("memory: link closed")
)

// RequestHandler answers a request sent to $cbs or $management
type RequestHandler func(req *messaging.Message) (*messaging.Message, error)

// Settlement records a disposition applied by a receiver
type Settlement struct {
	LinkName       string
	SequenceNumber int64
	Disposition    messaging.Disposition
}

type partitionLog struct {
	events  []*messaging.ReceivedMessage
	nextSeq int64
	changed chan struct{}
}

type messageLock struct {
	key         string
	seq         int64
	lockedUntil time.Time
}

type producerState struct {
	groupID  int64
	epoch    int16
	lastSeq  int32
	attaches int
}

// Broker is an in-process broker
type Broker struct {
	mu sync.Mutex

	logs      map[string]*partitionLog
	hubs      map[string][]string
	created   map[string]bool
	strict    bool
	producers map[string]*producerState

	dialErrs    []error
	dialDelay   time.Duration
	sendErrs    map[string][]error
	lostAcks    map[string][]error
	receiveErrs map[string][]error
	attachErrs  map[string][]error
	requestErrs map[string][]error

	dials        int
	conns        []*Connection
	sendAttempts map[string]int
	attaches     map[string]int
	settlements  map[string][]Settlement
	requests     map[string][]*messaging.Message
	waiting      map[string]int
	locks        map[string]*messageLock
	deferred     map[string]map[int64]bool
	lockDuration time.Duration

	cbs        RequestHandler
	management RequestHandler
	now        func() time.Time
}

// DefaultLockDuration is how long a peek-lock lasts before it is renewed
const DefaultLockDuration = 30 * time.Second

// BrokerOption configures a Broker
type BrokerOption func(*Broker)

// WithStrictEntities rejects links to entities that were never created
func WithStrictEntities() BrokerOption {
	return func(b *Broker) {
		b.strict = true
	}
}

// WithClock replaces time.Now for enqueued times and faults
func WithClock(now func() time.Time) BrokerOption {
	return func(b *Broker) {
		b.now = now
	}
}

// WithLockDuration sets how long peek-locks last
func WithLockDuration(d time.Duration) BrokerOption {
	return func(b *Broker) {
		b.lockDuration = d
	}
}

// NewBroker creates an empty broker
func NewBroker(options ...BrokerOption) *Broker {
	b := &Broker{
		logs:         make(map[string]*partitionLog),
		hubs:         make(map[string][]string),
		created:      make(map[string]bool),
		producers:    make(map[string]*producerState),
		sendErrs:     make(map[string][]error),
		lostAcks:     make(map[string][]error),
		receiveErrs:  make(map[string][]error),
		attachErrs:   make(map[string][]error),
		requestErrs:  make(map[string][]error),
		sendAttempts: make(map[string]int),
		attaches:     make(map[string]int),
		settlements:  make(map[string][]Settlement),
		requests:     make(map[string][]*messaging.Message),
		waiting:      make(map[string]int),
		locks:        make(map[string]*messageLock),
		deferred:     make(map[string]map[int64]bool),
		lockDuration: DefaultLockDuration,
		now:          time.Now,
	}
	b.cbs = acceptTokens
	b.management = b.answerManagement

	for _, opt := range options {
		opt(b)
	}
	return b
}

// EntityKey maps a link address to the log it reads or writes. Consumer
// group and subscription segments are dropped so a receiver on
// hub/ConsumerGroups/cg/Partitions/0 reads what a sender on hub/Partitions/0
// wrote.
func EntityKey(address string) string {
	parts := strings.Split(address, "/")
	for i := 0; i+1 < len(parts); i++ {
		if strings.EqualFold(parts[i], "ConsumerGroups") || strings.EqualFold(parts[i], "Subscriptions") {
			rest := append(parts[:i:i], parts[i+2:]...)
			return strings.Join(rest, "/")
		}
	}
	return address
}

// CreateEventHub creates an event hub with the given number of partitions
func (b *Broker) CreateEventHub(name string, partitions int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids := make([]string, partitions)
	b.created[name] = true
	for i := range ids {
		ids[i] = strconv.Itoa(i)
		key := name + "/Partitions/" + ids[i]
		b.created[key] = true
		b.logLocked(key)
	}
	b.hubs[name] = ids
	return ids
}

// CreateEntity creates a queue or other single-log entity
func (b *Broker) CreateEntity(address string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := EntityKey(address)
	b.created[key] = true
	b.logLocked(key)
}

// EnableIdempotency makes the entity at address track producer sequence
// numbers, starting from the given state.
func (b *Broker) EnableIdempotency(address string, groupID int64, epoch int16, lastSeq int32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.producers[EntityKey(address)] = &producerState{groupID: groupID, epoch: epoch, lastSeq: lastSeq}
}

// Publish appends messages to the log at address as if another producer had
// sent them, returning their sequence numbers.
func (b *Broker) Publish(address string, msgs ...*messaging.Message) []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	seqs := make([]int64, 0, len(msgs))
	for _, msg := range msgs {
		seqs = append(seqs, b.appendLocked(EntityKey(address), msg).SequenceNumber)
	}
	return seqs
}

// FailDials makes the next dials fail with errs, in order
func (b *Broker) FailDials(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErrs = append(b.dialErrs, errs...)
}

// SetDialDelay delays every dial
func (b *Broker) SetDialDelay(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialDelay = d
}

// FailSends makes the next sends to address fail with errs, in order
func (b *Broker) FailSends(address string, errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := EntityKey(address)
	b.sendErrs[key] = append(b.sendErrs[key], errs...)
}

// LoseAcks makes the next sends to address store the message and then fail
// with errs, in order, as if the outcome never reached the sender
func (b *Broker) LoseAcks(address string, errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := EntityKey(address)
	b.lostAcks[key] = append(b.lostAcks[key], errs...)
}

// FailReceives makes the next receives from address fail with errs, in order
func (b *Broker) FailReceives(address string, errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := EntityKey(address)
	b.receiveErrs[key] = append(b.receiveErrs[key], errs...)
}

// FailAttach makes the next link attaches to address fail with errs, in order
func (b *Broker) FailAttach(address string, errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := EntityKey(address)
	b.attachErrs[key] = append(b.attachErrs[key], errs...)
}

// FailRequests makes the next requests to node ($cbs or $management) fail
func (b *Broker) FailRequests(node string, errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requestErrs[node] = append(b.requestErrs[node], errs...)
}

// SetCBSHandler replaces the $cbs handler. The default accepts every token.
func (b *Broker) SetCBSHandler(h RequestHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cbs = h
}

// SetManagementHandler replaces the $management handler
func (b *Broker) SetManagementHandler(h RequestHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.management = h
}

// DialCount returns the number of dial attempts
func (b *Broker) DialCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// Connections returns every connection opened so far
func (b *Broker) Connections() []*Connection {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Connection(nil), b.conns...)
}

// OpenConnections returns the number of connections not yet closed
func (b *Broker) OpenConnections() int {
	n := 0
	for _, c := range b.Connections() {
		if !c.Closed() {
			n++
		}
	}
	return n
}

// SendAttempts returns the number of sends that reached address
func (b *Broker) SendAttempts(address string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sendAttempts[EntityKey(address)]
}

// Attaches returns the number of links successfully attached to address
func (b *Broker) Attaches(address string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attaches[EntityKey(address)]
}

// Events returns a copy of the log at address
func (b *Broker) Events(address string) []*messaging.ReceivedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()

	log, ok := b.logs[EntityKey(address)]
	if !ok {
		return nil
	}
	out := make([]*messaging.ReceivedMessage, len(log.events))
	for i, ev := range log.events {
		out[i] = cloneEvent(ev)
	}
	return out
}

// Settlements returns the dispositions applied to deliveries from address
func (b *Broker) Settlements(address string) []Settlement {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Settlement(nil), b.settlements[EntityKey(address)]...)
}

// Requests returns the requests received by node
func (b *Broker) Requests(node string) []*messaging.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*messaging.Message(nil), b.requests[node]...)
}

// Waiting returns the number of receivers blocked on address
func (b *Broker) Waiting(address string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.waiting[EntityKey(address)]
}

// Deferred returns the sequence numbers of deferred messages on address
func (b *Broker) Deferred(address string) []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	seqs := make([]int64, 0, len(b.deferred[EntityKey(address)]))
	for seq := range b.deferred[EntityKey(address)] {
		seqs = append(seqs, seq)
	}
	slices.Sort(seqs)
	return seqs
}

// Locked reports whether lockToken holds a lock and until when
func (b *Broker) Locked(lockToken string) (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.locks[lockToken]
	if !ok {
		return time.Time{}, false
	}
	return l.lockedUntil, true
}

// ProducerSequence returns the last sequence number accepted from the
// idempotent producer on address
func (b *Broker) ProducerSequence(address string) (int32, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.producers[EntityKey(address)]
	if !ok {
		return 0, false
	}
	return p.lastSeq, true
}

// Dial implements messaging.Dialer
func (b *Broker) Dial(ctx context.Context, endpoint string, opts messaging.ConnectionOptions) (messaging.Connection, error) {
	b.mu.Lock()
	b.dials++
	delay := b.dialDelay
	var err error
	if len(b.dialErrs) > 0 {
		err, b.dialErrs = b.dialErrs[0], b.dialErrs[1:]
	}
	b.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	c := &Connection{
		broker:   b,
		endpoint: endpoint,
		opts:     opts,
		done:     make(chan struct{}),
		faults:   make(chan messaging.Fault, 1),
	}

	b.mu.Lock()
	c.id = len(b.conns) + 1
	b.conns = append(b.conns, c)
	b.mu.Unlock()
	return c, nil
}

func pop(m map[string][]error, key string) error {
	errs := m[key]
	if len(errs) == 0 {
		return nil
	}
	m[key] = errs[1:]
	return errs[0]
}

func (b *Broker) logLocked(key string) *partitionLog {
	log, ok := b.logs[key]
	if !ok {
		log = &partitionLog{changed: make(chan struct{})}
		b.logs[key] = log
	}
	return log
}

func (b *Broker) appendLocked(key string, msg *messaging.Message) *messaging.ReceivedMessage {
	log := b.logLocked(key)
	ev := &messaging.ReceivedMessage{
		Message:        *msg.Clone(),
		SequenceNumber: log.nextSeq,
		Offset:         strconv.FormatInt(log.nextSeq*100, 10),
		EnqueuedTime:   b.now().UTC(),
	}
	if pk, ok := msg.Annotations[messaging.AnnotationPartitionKey].(string); ok {
		ev.PartitionKey = pk
	}
	log.nextSeq++
	log.events = append(log.events, ev)

	close(log.changed)
	log.changed = make(chan struct{})
	return ev
}

func (b *Broker) attach(address string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := EntityKey(address)
	if err := pop(b.attachErrs, key); err != nil {
		return err
	}
	if b.strict && !b.created[key] && !strings.HasPrefix(key, "$") {
		return &messaging.RemoteError{
			Condition:   messaging.CondNotFound,
			Description: fmt.Sprintf("the messaging entity '%s' could not be found", key),
		}
	}
	b.attaches[key]++
	return nil
}

func (b *Broker) send(address string, msg *messaging.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := EntityKey(address)
	b.sendAttempts[key]++
	if err := pop(b.sendErrs, key); err != nil {
		return err
	}

	if p, ok := b.producers[key]; ok {
		if err := p.accept(msg); err != nil {
			return err
		}
	}

	b.appendLocked(key, msg)
	return pop(b.lostAcks, key)
}

func (p *producerState) accept(msg *messaging.Message) error {
	seq, ok := msg.Annotations[messaging.AnnotationProducerSequence].(int32)
	if !ok {
		return &messaging.RemoteError{Condition: messaging.CondInvalidField, Description: "missing producer sequence number"}
	}
	if id, ok := msg.Annotations[messaging.AnnotationProducerID].(int64); !ok || id != p.groupID {
		return &messaging.RemoteError{Condition: messaging.CondInvalidField, Description: "unknown producer group"}
	}
	if epoch, ok := msg.Annotations[messaging.AnnotationProducerEpoch].(int16); !ok || epoch < p.epoch {
		return &messaging.RemoteError{Condition: messaging.CondProducerEpochStolen, Description: "producer epoch is stale"}
	}

	want := p.lastSeq + 1
	if p.lastSeq == maxSequence {
		want = 0
	}
	switch {
	case seq == p.lastSeq:
		return &messaging.RemoteError{Condition: messaging.CondDuplicateSequence, Description: fmt.Sprintf("sequence %d already accepted", seq)}
	case seq != want:
		return &messaging.RemoteError{Condition: messaging.CondOutOfOrderSequence, Description: fmt.Sprintf("expected sequence %d, got %d", want, seq)}
	}
	p.lastSeq = seq
	return nil
}

const maxSequence = int32(^uint32(0) >> 1)

func (b *Broker) producerProperties(address string) map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.producers[EntityKey(address)]
	if !ok {
		return nil
	}
	p.attaches++
	return map[string]any{
		messaging.AnnotationProducerID:       p.groupID,
		messaging.AnnotationProducerEpoch:    p.epoch,
		messaging.AnnotationProducerSequence: p.lastSeq,
	}
}

func (b *Broker) request(node string, req *messaging.Message) (*messaging.Message, error) {
	b.mu.Lock()
	b.requests[node] = append(b.requests[node], req.Clone())
	err := pop(b.requestErrs, node)
	var handler RequestHandler
	switch {
	case node == "$cbs":
		handler = b.cbs
	case node == "$management":
		handler = b.management
	case strings.HasSuffix(node, entityManagementSuffix):
		key := EntityKey(strings.TrimSuffix(node, entityManagementSuffix))
		handler = func(req *messaging.Message) (*messaging.Message, error) {
			return b.answerEntityManagement(key, req), nil
		}
	}
	b.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, &messaging.RemoteError{Condition: messaging.CondNotFound, Description: "no request handler for " + node}
	}

	resp, err := handler(req)
	if err != nil {
		return nil, err
	}
	resp.CorrelationID = req.MessageID
	return resp, nil
}

func statusResponse(code int, description string, value any) *messaging.Message {
	return &messaging.Message{
		Value: value,
		ApplicationProperties: map[string]any{
			"status-code":        int32(code),
			"status-description": description,
		},
	}
}

func acceptTokens(req *messaging.Message) (*messaging.Message, error) {
	return statusResponse(202, "Accepted", nil), nil
}

func (b *Broker) answerManagement(req *messaging.Message) (*messaging.Message, error) {
	name, _ := req.ApplicationProperties["name"].(string)
	entityType, _ := req.ApplicationProperties["type"].(string)

	b.mu.Lock()
	defer b.mu.Unlock()

	ids, ok := b.hubs[name]
	if !ok {
		return statusResponse(404, fmt.Sprintf("event hub '%s' not found", name), nil), nil
	}

	switch entityType {
	case "com.microsoft:eventhub":
		return statusResponse(200, "OK", map[string]any{
			"name":          name,
			"partition_ids": append([]string(nil), ids...),
			"created_at":    time.Unix(0, 0).UTC(),
		}), nil

	case "com.microsoft:partition":
		partition, _ := req.ApplicationProperties["partition"].(string)
		log, ok := b.logs[name+"/Partitions/"+partition]
		if !ok {
			return statusResponse(404, fmt.Sprintf("partition '%s' not found", partition), nil), nil
		}
		props := map[string]any{
			"name":                          name,
			"partition":                     partition,
			"beginning_sequence_number":     int64(0),
			"last_enqueued_sequence_number": int64(-1),
			"last_enqueued_offset":          "-1",
			"last_enqueued_time_utc":        time.Time{},
			"is_partition_empty":            len(log.events) == 0,
		}
		if n := len(log.events); n > 0 {
			last := log.events[n-1]
			props["beginning_sequence_number"] = log.events[0].SequenceNumber
			props["last_enqueued_sequence_number"] = last.SequenceNumber
			props["last_enqueued_offset"] = last.Offset
			props["last_enqueued_time_utc"] = last.EnqueuedTime
		}
		return statusResponse(200, "OK", props), nil

	default:
		return statusResponse(400, fmt.Sprintf("unsupported entity type '%s'", entityType), nil), nil
	}
}

func cloneEvent(ev *messaging.ReceivedMessage) *messaging.ReceivedMessage {
	out := *ev
	out.Message = *ev.Message.Clone()
	return &out
}
