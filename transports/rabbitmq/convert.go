package rabbitmq

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/amqphub/messaging"
)

const (
	argStreamOffset    = "x-stream-offset"
	headerStreamOffset = "x-stream-offset"
	headerDeliveryCnt  = "x-delivery-count"
	headerSubject      = "x-subject"
	headerTo           = "x-to"
	exchangePrefix     = "exchanges/"
)

// route maps a sender address to an exchange and routing key. Addresses of
// the form exchanges/<exchange>/<key> publish through the named exchange;
// everything else goes to the queue of the same name via the default exchange.
func route(address string) (exchange, key string) {
	if rest, ok := strings.CutPrefix(address, exchangePrefix); ok {
		exchange, key, _ = strings.Cut(rest, "/")
		return exchange, key
	}
	return "", address
}

// streamQueue strips the consumer group segment from a receiver address.
// <hub>/ConsumerGroups/<group>/Partitions/<id> reads the stream that senders
// publish to at <hub>/Partitions/<id>.
func streamQueue(address string) (queue, group string) {
	parts := strings.Split(address, "/")
	for i := 0; i+1 < len(parts); i++ {
		if strings.EqualFold(parts[i], "consumergroups") {
			group = parts[i+1]
			queue = strings.Join(append(parts[:i:i], parts[i+2:]...), "/")
			return queue, group
		}
	}
	return address, ""
}

// streamOffset renders a start position as an x-stream-offset argument
func streamOffset(p messaging.StartPosition) (any, error) {
	switch {
	case p.Offset != nil:
		offset, err := strconv.ParseInt(*p.Offset, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: stream offset %q is not numeric", messaging.ErrInvalidArgument, *p.Offset)
		}
		if !p.Inclusive {
			offset++
		}
		return offset, nil
	case p.SequenceNumber != nil:
		seq := *p.SequenceNumber
		if !p.Inclusive {
			seq++
		}
		return seq, nil
	case p.EnqueuedTime != nil:
		return *p.EnqueuedTime, nil
	case p.Earliest:
		return "first", nil
	default:
		return "next", nil
	}
}

func toPublishing(msg *messaging.Message) amqp.Publishing {
	headers := amqp.Table{}
	for k, v := range msg.ApplicationProperties {
		headers[k] = v
	}
	for k, v := range msg.Annotations {
		headers[k] = v
	}
	if msg.Subject != "" {
		headers[headerSubject] = msg.Subject
	}
	if msg.To != "" {
		headers[headerTo] = msg.To
	}

	body := msg.Body
	if len(body) == 0 && msg.Value != nil {
		body = []byte(fmt.Sprint(msg.Value))
	}

	return amqp.Publishing{
		Headers:       headers,
		ContentType:   msg.ContentType,
		DeliveryMode:  amqp.Persistent,
		CorrelationId: msg.CorrelationID,
		ReplyTo:       msg.ReplyTo,
		MessageId:     msg.MessageID,
		Timestamp:     time.Now().UTC(),
		Body:          body,
	}
}

func toReceivedMessage(d *amqp.Delivery, linkName string) *messaging.ReceivedMessage {
	out := &messaging.ReceivedMessage{
		Message: messaging.Message{
			MessageID:     d.MessageId,
			CorrelationID: d.CorrelationId,
			ContentType:   d.ContentType,
			ReplyTo:       d.ReplyTo,
			Body:          d.Body,
		},
		SequenceNumber: int64(d.DeliveryTag),
		EnqueuedTime:   d.Timestamp,
		LockToken:      strconv.FormatUint(d.DeliveryTag, 10),
		LinkName:       linkName,
		Raw:            d,
	}

	for k, v := range d.Headers {
		switch {
		case k == headerSubject:
			out.Subject, _ = v.(string)
		case k == headerTo:
			out.To, _ = v.(string)
		case k == headerStreamOffset:
			if offset, ok := v.(int64); ok {
				out.SequenceNumber = offset
			}
		case k == headerDeliveryCnt:
			out.DeliveryCount = deliveryCount(v)
		case k == messaging.AnnotationPartitionKey:
			out.PartitionKey, _ = v.(string)
			setAnnotation(out, k, v)
		case isAnnotation(k):
			setAnnotation(out, k, v)
		default:
			if out.ApplicationProperties == nil {
				out.ApplicationProperties = map[string]any{}
			}
			out.ApplicationProperties[k] = v
		}
	}

	if d.Redelivered && out.DeliveryCount == 0 {
		out.DeliveryCount = 1
	}
	out.Offset = strconv.FormatInt(out.SequenceNumber, 10)
	return out
}

func isAnnotation(key string) bool {
	return strings.HasPrefix(key, "x-opt-") || strings.HasPrefix(key, "com.microsoft:")
}

func setAnnotation(m *messaging.ReceivedMessage, key string, v any) {
	if m.Annotations == nil {
		m.Annotations = map[string]any{}
	}
	m.Annotations[key] = v
}

func deliveryCount(v any) uint32 {
	switch n := v.(type) {
	case int64:
		return uint32(n)
	case int32:
		return uint32(n)
	case int:
		return uint32(n)
	default:
		return 0
	}
}
