package goamqp

import (
	"testing"
	"time"

	"github.com/Azure/go-amqp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/amqphub/messaging"
)

func TestToAMQPMessage(t *testing.T) {
	t.Run("maps properties and body", func(t *testing.T) {
		msg := &messaging.Message{
			MessageID:             "m-1",
			CorrelationID:         "c-1",
			ContentType:           "application/json",
			Subject:               "order.created",
			Body:                  []byte(`{"id":1}`),
			ApplicationProperties: map[string]any{"tenant": "acme"},
			Annotations:           map[string]any{messaging.AnnotationProducerSequence: int32(4)},
		}

		out := toAMQPMessage(msg)

		require.NotNil(t, out.Properties)
		assert.Equal(t, "m-1", out.Properties.MessageID)
		assert.Equal(t, "c-1", out.Properties.CorrelationID)
		assert.Equal(t, "application/json", *out.Properties.ContentType)
		assert.Equal(t, "order.created", *out.Properties.Subject)
		assert.Nil(t, out.Properties.To)
		assert.Equal(t, [][]byte{[]byte(`{"id":1}`)}, out.Data)
		assert.Equal(t, "acme", out.ApplicationProperties["tenant"])
		assert.Equal(t, int32(4), out.Annotations[messaging.AnnotationProducerSequence])

		out.ApplicationProperties["tenant"] = "changed"
		assert.Equal(t, "acme", msg.ApplicationProperties["tenant"])
	})

	t.Run("value body when there is no data", func(t *testing.T) {
		out := toAMQPMessage(&messaging.Message{Value: "token"})
		assert.Equal(t, "token", out.Value)
		assert.Empty(t, out.Data)
	})

	t.Run("empty message still carries a body section", func(t *testing.T) {
		out := toAMQPMessage(&messaging.Message{})
		assert.Len(t, out.Data, 1)
		assert.Nil(t, out.Annotations)
	})
}

func TestToReceivedMessage(t *testing.T) {
	enqueued := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	lockToken := uuid.New()
	subject := "greeting"

	msg := &amqp.Message{
		Header:      &amqp.MessageHeader{DeliveryCount: 2},
		DeliveryTag: lockToken[:],
		Properties: &amqp.MessageProperties{
			MessageID:     amqp.UUID(lockToken),
			CorrelationID: "corr",
			Subject:       &subject,
		},
		Annotations: amqp.Annotations{
			messaging.AnnotationSequenceNumber: int64(42),
			messaging.AnnotationOffset:         "4200",
			messaging.AnnotationEnqueuedTime:   enqueued,
			messaging.AnnotationPartitionKey:   "customer-7",
		},
		ApplicationProperties: map[string]any{"k": "v"},
		Data:                  [][]byte{[]byte("hello")},
	}

	rm := toReceivedMessage(msg, "receiver-1")

	assert.Equal(t, int64(42), rm.SequenceNumber)
	assert.Equal(t, "4200", rm.Offset)
	assert.Equal(t, enqueued, rm.EnqueuedTime)
	assert.Equal(t, "customer-7", rm.PartitionKey)
	assert.Equal(t, uint32(2), rm.DeliveryCount)
	assert.Equal(t, lockToken.String(), rm.LockToken)
	assert.Equal(t, lockToken.String(), rm.MessageID)
	assert.Equal(t, "corr", rm.CorrelationID)
	assert.Equal(t, "greeting", rm.Subject)
	assert.Equal(t, "receiver-1", rm.LinkName)
	assert.Equal(t, []byte("hello"), rm.Body)
	assert.Equal(t, "v", rm.ApplicationProperties["k"])
	assert.Same(t, msg, rm.Raw)

	t.Run("numeric offsets are formatted", func(t *testing.T) {
		rm := toReceivedMessage(&amqp.Message{
			Annotations: amqp.Annotations{messaging.AnnotationOffset: int64(100)},
			Value:       "v",
		}, "r")
		assert.Equal(t, "100", rm.Offset)
		assert.Equal(t, "v", rm.Value)
		assert.Empty(t, rm.LockToken)
	})
}

func TestManagementValues(t *testing.T) {
	token := uuid.New()

	t.Run("lock tokens are sent as AMQP UUIDs", func(t *testing.T) {
		out := toAMQPMessage(&messaging.Message{Value: map[string]any{
			"lock-tokens":        []uuid.UUID{token},
			"disposition-status": "completed",
		}})

		body := out.Value.(map[string]any)
		assert.Equal(t, []amqp.UUID{amqp.UUID(token)}, body["lock-tokens"])
		assert.Equal(t, "completed", body["disposition-status"])
	})

	t.Run("response UUIDs come back as uuid.UUID", func(t *testing.T) {
		got := fromAMQPMessage(&amqp.Message{Value: map[string]any{
			"messages": []any{
				map[string]any{"lock-token": amqp.UUID(token), "message": []byte{1}},
			},
		}})

		entries := got.Value.(map[string]any)["messages"].([]any)
		assert.Equal(t, token, entries[0].(map[string]any)["lock-token"])
	})
}

func TestDecodeMessage(t *testing.T) {
	seq := int64(12)
	data, err := (&amqp.Message{
		Properties:  &amqp.MessageProperties{MessageID: "m-9"},
		Data:        [][]byte{[]byte("deferred")},
		Annotations: amqp.Annotations{messaging.AnnotationSequenceNumber: seq},
	}).MarshalBinary()
	require.NoError(t, err)

	msg, err := NewDialer().DecodeMessage(data)
	require.NoError(t, err)
	assert.Equal(t, "m-9", msg.MessageID)
	assert.Equal(t, "deferred", string(msg.Body))
	assert.Equal(t, seq, msg.SequenceNumber)
	assert.Empty(t, msg.LinkName)

	_, err = NewDialer().DecodeMessage([]byte{0x00})
	assert.Error(t, err)
}
