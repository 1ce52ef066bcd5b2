package amqpcore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/glimte/amqphub/messaging"
)

// Entity management operations
const (
	OpPeekMessage       = "com.microsoft:peek-message"
	OpRenewLock         = "com.microsoft:renew-lock"
	OpReceiveBySequence = "com.microsoft:receive-by-sequence-number"
	OpUpdateDisposition = "com.microsoft:update-disposition"
)

const (
	managementNodeSuffix = "/$management"
	settleModePeekLock   = uint32(1)

	// the service spells it this way
	dispositionStatusDefer = "defered"
)

// entityManagementNode returns the management node of the entity at address
func entityManagementNode(address string) string {
	return address + managementNodeSuffix
}

func dispositionStatus(d messaging.Disposition) string {
	switch d {
	case messaging.DispositionComplete:
		return "completed"
	case messaging.DispositionAbandon:
		return "abandoned"
	default:
		return "suspended"
	}
}

func (r *RecoverableReceiver) checkEntityOperation(op string) error {
	if r.cfg.PartitionID != "" {
		return fmt.Errorf("%w: %s on an event hub partition", messaging.ErrNotSupported, op)
	}
	return nil
}

func (r *RecoverableReceiver) checkLocked(op string, msg *messaging.ReceivedMessage) (uuid.UUID, error) {
	if err := r.checkEntityOperation(op); err != nil {
		return uuid.Nil, err
	}
	if msg == nil {
		return uuid.Nil, fmt.Errorf("%w: nil message", messaging.ErrInvalidArgument)
	}
	if r.cfg.Mode != messaging.ReceiveModePeekLock {
		return uuid.Nil, fmt.Errorf("%w: %s requires peek-lock mode", messaging.ErrInvalidArgument, op)
	}
	token, err := uuid.Parse(msg.LockToken)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: sequence %d has no lock token", messaging.ErrInvalidArgument, msg.SequenceNumber)
	}
	return token, nil
}

// PeekMessages returns up to maxCount messages without locking or removing
// them. A nil fromSequence continues after the last peeked message.
func (r *RecoverableReceiver) PeekMessages(ctx context.Context, maxCount int, fromSequence *int64) ([]*messaging.ReceivedMessage, error) {
	if err := r.checkEntityOperation("peek"); err != nil {
		return nil, err
	}
	if maxCount <= 0 {
		return nil, fmt.Errorf("%w: maxCount must be positive, got %d", messaging.ErrInvalidArgument, maxCount)
	}

	r.mu.Lock()
	from := r.nextPeek
	r.mu.Unlock()
	if fromSequence != nil {
		from = *fromSequence
	}

	msgs, err := r.requestMessages(ctx, OpPeekMessage, map[string]any{
		"from-sequence-number": from,
		"message-count":        int32(maxCount),
	})
	if err != nil {
		return nil, err
	}

	if n := len(msgs); n > 0 {
		r.mu.Lock()
		r.nextPeek = msgs[n-1].SequenceNumber + 1
		r.mu.Unlock()
	}
	return msgs, nil
}

// RenewMessageLock extends the lock on msg, records the new expiry in
// msg.LockedUntil and returns it
func (r *RecoverableReceiver) RenewMessageLock(ctx context.Context, msg *messaging.ReceivedMessage) (time.Time, error) {
	token, err := r.checkLocked("renew lock", msg)
	if err != nil {
		return time.Time{}, err
	}

	value, err := r.mgmt.Call(ctx, r.cfg.Audience, map[string]any{"operation": OpRenewLock}, map[string]any{
		"lock-tokens": []uuid.UUID{token},
	})
	if err != nil {
		return time.Time{}, err
	}

	body, ok := stringMap(value)
	if !ok {
		return time.Time{}, decodeError("renew-lock response has no body")
	}
	expirations := timeSlice(body["expirations"])
	if len(expirations) == 0 {
		return time.Time{}, decodeError("renew-lock response has no expirations")
	}

	msg.LockedUntil = expirations[0]
	return expirations[0], nil
}

// Defer sets msg aside. It is only delivered again through ReceiveDeferred.
func (r *RecoverableReceiver) Defer(ctx context.Context, msg *messaging.ReceivedMessage) error {
	token, err := r.checkLocked("defer", msg)
	if err != nil {
		return err
	}
	return r.updateDisposition(ctx, token, dispositionStatusDefer)
}

// ReceiveDeferred fetches deferred messages by sequence number. The returned
// messages are locked and settled through the entity's management node.
func (r *RecoverableReceiver) ReceiveDeferred(ctx context.Context, sequenceNumbers ...int64) ([]*messaging.ReceivedMessage, error) {
	if err := r.checkEntityOperation("receive deferred"); err != nil {
		return nil, err
	}
	if r.cfg.Mode != messaging.ReceiveModePeekLock {
		return nil, fmt.Errorf("%w: receive deferred requires peek-lock mode", messaging.ErrInvalidArgument)
	}
	if len(sequenceNumbers) == 0 {
		return nil, nil
	}

	return r.requestMessages(ctx, OpReceiveBySequence, map[string]any{
		"sequence-numbers":     append([]int64(nil), sequenceNumbers...),
		"receiver-settle-mode": settleModePeekLock,
	})
}

func (r *RecoverableReceiver) updateDisposition(ctx context.Context, token uuid.UUID, status string) error {
	_, err := r.mgmt.Call(ctx, r.cfg.Audience, map[string]any{"operation": OpUpdateDisposition}, map[string]any{
		"disposition-status": status,
		"lock-tokens":        []uuid.UUID{token},
	})
	return err
}

// requestMessages runs an operation whose response carries encoded messages
func (r *RecoverableReceiver) requestMessages(ctx context.Context, op string, body map[string]any) ([]*messaging.ReceivedMessage, error) {
	if r.cfg.Decoder == nil {
		return nil, fmt.Errorf("%w: transport cannot decode management messages", messaging.ErrNotSupported)
	}

	value, err := r.mgmt.Call(ctx, r.cfg.Audience, map[string]any{"operation": op}, body)
	if err != nil {
		return nil, err
	}
	if value == nil {
		// 204: nothing matched
		return nil, nil
	}

	resp, ok := stringMap(value)
	if !ok {
		return nil, decodeError(op + " response has no body")
	}
	entries, _ := anySlice(resp["messages"])

	out := make([]*messaging.ReceivedMessage, 0, len(entries))
	for _, entry := range entries {
		fields, ok := stringMap(entry)
		if !ok {
			return nil, decodeError(op + " response entry is not a map")
		}
		data, ok := fields["message"].([]byte)
		if !ok {
			return nil, decodeError(op + " response entry has no message")
		}

		msg, err := r.cfg.Decoder.DecodeMessage(data)
		if err != nil {
			return nil, &messaging.RemoteError{Condition: messaging.CondDecodeError, Description: err.Error()}
		}
		if token, ok := lockTokenString(fields["lock-token"]); ok {
			msg.LockToken = token
		}
		msg.LinkName = ""
		out = append(out, msg)
	}
	return out, nil
}

func decodeError(desc string) error {
	return &messaging.RemoteError{Condition: messaging.CondDecodeError, Description: desc}
}
