package memory

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/glimte/amqphub/messaging"
)

const entityManagementSuffix = "/$management"

// answerEntityManagement serves the management node of a queue or
// subscription: peek, lock renewal, deferral and receive-by-sequence-number
func (b *Broker) answerEntityManagement(key string, req *messaging.Message) *messaging.Message {
	op, _ := req.ApplicationProperties["operation"].(string)
	body, _ := req.Value.(map[string]any)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.strict && !b.created[key] {
		return statusResponse(404, fmt.Sprintf("the messaging entity '%s' could not be found", key), nil)
	}

	switch op {
	case "com.microsoft:peek-message":
		return b.peekLocked(key, body)
	case "com.microsoft:renew-lock":
		return b.renewLocked(body)
	case "com.microsoft:update-disposition":
		return b.updateDispositionLocked(key, body)
	case "com.microsoft:receive-by-sequence-number":
		return b.receiveDeferredLocked(key, body)
	default:
		return statusResponse(400, fmt.Sprintf("unsupported operation '%s'", op), nil)
	}
}

func (b *Broker) peekLocked(key string, body map[string]any) *messaging.Message {
	from, _ := body["from-sequence-number"].(int64)
	count, _ := body["message-count"].(int32)
	if count <= 0 {
		return statusResponse(400, "message-count must be positive", nil)
	}

	var entries []any
	for _, ev := range b.logLocked(key).events {
		if ev.SequenceNumber < from {
			continue
		}
		entry, err := encodeEntry(ev, "")
		if err != nil {
			return statusResponse(500, err.Error(), nil)
		}
		entries = append(entries, entry)
		if len(entries) == int(count) {
			break
		}
	}

	if len(entries) == 0 {
		return statusResponse(204, "No Content", nil)
	}
	return statusResponse(200, "OK", map[string]any{"messages": entries})
}

func (b *Broker) renewLocked(body map[string]any) *messaging.Message {
	tokens, _ := body["lock-tokens"].([]uuid.UUID)

	expirations := make([]time.Time, 0, len(tokens))
	for _, token := range tokens {
		l, ok := b.locks[token.String()]
		if !ok {
			return statusResponse(410, fmt.Sprintf("the lock %s is lost", token), nil)
		}
		l.lockedUntil = b.now().Add(b.lockDuration).UTC()
		expirations = append(expirations, l.lockedUntil)
	}
	return statusResponse(200, "OK", map[string]any{"expirations": expirations})
}

func (b *Broker) updateDispositionLocked(key string, body map[string]any) *messaging.Message {
	status, _ := body["disposition-status"].(string)
	tokens, _ := body["lock-tokens"].([]uuid.UUID)

	var disposition messaging.Disposition
	switch status {
	case "completed":
		disposition = messaging.DispositionComplete
	case "abandoned":
		disposition = messaging.DispositionAbandon
	case "suspended":
		disposition = messaging.DispositionDeadLetter
	case "defered":
	default:
		return statusResponse(400, fmt.Sprintf("unsupported disposition status '%s'", status), nil)
	}

	for _, token := range tokens {
		l, ok := b.locks[token.String()]
		if !ok || l.key != key {
			return statusResponse(410, fmt.Sprintf("the lock %s is lost", token), nil)
		}
		delete(b.locks, token.String())

		if status == "defered" {
			if b.deferred[key] == nil {
				b.deferred[key] = make(map[int64]bool)
			}
			b.deferred[key][l.seq] = true
			continue
		}

		if disposition != messaging.DispositionAbandon {
			delete(b.deferred[key], l.seq)
		}
		b.settlements[key] = append(b.settlements[key], Settlement{
			SequenceNumber: l.seq,
			Disposition:    disposition,
		})
	}
	return statusResponse(200, "OK", nil)
}

func (b *Broker) receiveDeferredLocked(key string, body map[string]any) *messaging.Message {
	seqs, _ := body["sequence-numbers"].([]int64)
	log := b.logLocked(key)

	entries := make([]any, 0, len(seqs))
	for _, seq := range seqs {
		if !b.deferred[key][seq] {
			return statusResponse(404, fmt.Sprintf("deferred message %d not found", seq), nil)
		}
		ev := findEvent(log, seq)
		if ev == nil {
			return statusResponse(404, fmt.Sprintf("message %d not found", seq), nil)
		}

		token := b.lockLocked(key, seq)
		entry, err := encodeEntry(ev, token)
		if err != nil {
			return statusResponse(500, err.Error(), nil)
		}
		entries = append(entries, entry)
	}
	return statusResponse(200, "OK", map[string]any{"messages": entries})
}

// lockLocked takes a peek-lock on seq and returns its token
func (b *Broker) lockLocked(key string, seq int64) string {
	token := uuid.NewString()
	b.locks[token] = &messageLock{
		key:         key,
		seq:         seq,
		lockedUntil: b.now().Add(b.lockDuration).UTC(),
	}
	return token
}

func findEvent(log *partitionLog, seq int64) *messaging.ReceivedMessage {
	for _, ev := range log.events {
		if ev.SequenceNumber == seq {
			return ev
		}
	}
	return nil
}

func encodeEntry(ev *messaging.ReceivedMessage, lockToken string) (map[string]any, error) {
	data, err := EncodeMessage(ev)
	if err != nil {
		return nil, err
	}

	entry := map[string]any{"message": data}
	if lockToken != "" {
		entry["lock-token"] = uuid.MustParse(lockToken)
	}
	return entry, nil
}
