package goamqp

import (
	"fmt"
	"maps"
	"strconv"
	"time"

	"github.com/Azure/go-amqp"
	"github.com/google/uuid"

	"github.com/glimte/amqphub/messaging"
)

func toAMQPMessage(m *messaging.Message) *amqp.Message {
	out := &amqp.Message{
		Properties:            &amqp.MessageProperties{},
		ApplicationProperties: maps.Clone(m.ApplicationProperties),
	}

	props := out.Properties
	if m.MessageID != "" {
		props.MessageID = m.MessageID
	}
	if m.CorrelationID != "" {
		props.CorrelationID = m.CorrelationID
	}
	props.ContentType = optional(m.ContentType)
	props.Subject = optional(m.Subject)
	props.To = optional(m.To)
	props.ReplyTo = optional(m.ReplyTo)

	switch {
	case len(m.Body) > 0:
		out.Data = [][]byte{m.Body}
	case m.Value != nil:
		out.Value = toAMQPValue(m.Value)
	default:
		out.Data = [][]byte{{}}
	}

	if len(m.Annotations) > 0 {
		out.Annotations = make(amqp.Annotations, len(m.Annotations))
		for k, v := range m.Annotations {
			out.Annotations[k] = v
		}
	}
	return out
}

func fromAMQPMessage(msg *amqp.Message) messaging.Message {
	out := messaging.Message{
		ApplicationProperties: msg.ApplicationProperties,
	}

	if p := msg.Properties; p != nil {
		out.MessageID = identifier(p.MessageID)
		out.CorrelationID = identifier(p.CorrelationID)
		out.ContentType = deref(p.ContentType)
		out.Subject = deref(p.Subject)
		out.To = deref(p.To)
		out.ReplyTo = deref(p.ReplyTo)
	}

	if len(msg.Data) > 0 {
		out.Body = msg.GetData()
	} else {
		out.Value = fromAMQPValue(msg.Value)
	}

	if len(msg.Annotations) > 0 {
		out.Annotations = make(map[string]any, len(msg.Annotations))
		for k, v := range msg.Annotations {
			out.Annotations[annotationKey(k)] = v
		}
	}
	return out
}

func toReceivedMessage(msg *amqp.Message, linkName string) *messaging.ReceivedMessage {
	rm := &messaging.ReceivedMessage{
		Message:  fromAMQPMessage(msg),
		LinkName: linkName,
		Raw:      msg,
	}

	ann := rm.Annotations
	if seq, ok := ann[messaging.AnnotationSequenceNumber].(int64); ok {
		rm.SequenceNumber = seq
	}
	switch v := ann[messaging.AnnotationOffset].(type) {
	case string:
		rm.Offset = v
	case int64:
		rm.Offset = strconv.FormatInt(v, 10)
	}
	if t, ok := ann[messaging.AnnotationEnqueuedTime].(time.Time); ok {
		rm.EnqueuedTime = t
	}
	if pk, ok := ann[messaging.AnnotationPartitionKey].(string); ok {
		rm.PartitionKey = pk
	}
	if msg.Header != nil {
		rm.DeliveryCount = msg.Header.DeliveryCount
	}
	if len(msg.DeliveryTag) == 16 {
		if id, err := uuid.FromBytes(msg.DeliveryTag); err == nil {
			rm.LockToken = id.String()
		}
	}
	return rm
}

// toAMQPValue swaps uuid.UUID for the encoder's own UUID type inside
// management request bodies
func toAMQPValue(v any) any {
	switch t := v.(type) {
	case uuid.UUID:
		return amqp.UUID(t)
	case []uuid.UUID:
		out := make([]amqp.UUID, len(t))
		for i, id := range t {
			out[i] = amqp.UUID(id)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = toAMQPValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = toAMQPValue(val)
		}
		return out
	default:
		return v
	}
}

func fromAMQPValue(v any) any {
	switch t := v.(type) {
	case amqp.UUID:
		return uuid.UUID(t)
	case []amqp.UUID:
		out := make([]uuid.UUID, len(t))
		for i, id := range t {
			out[i] = uuid.UUID(id)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = fromAMQPValue(val)
		}
		return out
	case map[any]any:
		out := make(map[any]any, len(t))
		for k, val := range t {
			out[k] = fromAMQPValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = fromAMQPValue(val)
		}
		return out
	default:
		return v
	}
}

func identifier(id any) string {
	switch v := id.(type) {
	case nil:
		return ""
	case string:
		return v
	case amqp.UUID:
		return uuid.UUID(v).String()
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}

func annotationKey(k any) string {
	if s, ok := k.(string); ok {
		return s
	}
	return fmt.Sprint(k)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
