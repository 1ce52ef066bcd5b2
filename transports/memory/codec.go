package memory

import (
	"fmt"
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/glimte/amqphub/messaging"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	mapStringAny = reflect.TypeOf(map[string]any(nil))
)

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort: cbor.SortCanonical,
		Time: cbor.TimeRFC3339Nano,
	}
	if encMode, err = encOpts.EncMode(); err != nil {
		panic(fmt.Sprintf("memory: failed to create CBOR encoder mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		DefaultMapType: mapStringAny,
	}
	if decMode, err = decOpts.DecMode(); err != nil {
		panic(fmt.Sprintf("memory: failed to create CBOR decoder mode: %v", err))
	}
}

// encodedMessage is the form in which management responses carry messages
type encodedMessage struct {
	MessageID             string         `cbor:"1,keyasint,omitempty"`
	CorrelationID         string         `cbor:"2,keyasint,omitempty"`
	ContentType           string         `cbor:"3,keyasint,omitempty"`
	Subject               string         `cbor:"4,keyasint,omitempty"`
	Body                  []byte         `cbor:"5,keyasint,omitempty"`
	ApplicationProperties map[string]any `cbor:"6,keyasint,omitempty"`
	SequenceNumber        int64          `cbor:"7,keyasint"`
	Offset                string         `cbor:"8,keyasint,omitempty"`
	EnqueuedTime          time.Time      `cbor:"9,keyasint"`
	PartitionKey          string         `cbor:"10,keyasint,omitempty"`
	DeliveryCount         uint32         `cbor:"11,keyasint,omitempty"`
	LockedUntil           time.Time      `cbor:"12,keyasint"`
}

// EncodeMessage encodes ev the way the broker's management nodes return it
func EncodeMessage(ev *messaging.ReceivedMessage) ([]byte, error) {
	return encMode.Marshal(encodedMessage{
		MessageID:             ev.MessageID,
		CorrelationID:         ev.CorrelationID,
		ContentType:           ev.ContentType,
		Subject:               ev.Subject,
		Body:                  ev.Body,
		ApplicationProperties: ev.ApplicationProperties,
		SequenceNumber:        ev.SequenceNumber,
		Offset:                ev.Offset,
		EnqueuedTime:          ev.EnqueuedTime,
		PartitionKey:          ev.PartitionKey,
		DeliveryCount:         ev.DeliveryCount,
		LockedUntil:           ev.LockedUntil,
	})
}

// DecodeMessage implements messaging.MessageDecoder
func (b *Broker) DecodeMessage(data []byte) (*messaging.ReceivedMessage, error) {
	var m encodedMessage
	if err := decMode.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("memory: decode message: %w", err)
	}

	return &messaging.ReceivedMessage{
		Message: messaging.Message{
			MessageID:             m.MessageID,
			CorrelationID:         m.CorrelationID,
			ContentType:           m.ContentType,
			Subject:               m.Subject,
			Body:                  m.Body,
			ApplicationProperties: m.ApplicationProperties,
		},
		SequenceNumber: m.SequenceNumber,
		Offset:         m.Offset,
		EnqueuedTime:   m.EnqueuedTime,
		PartitionKey:   m.PartitionKey,
		DeliveryCount:  m.DeliveryCount,
		LockedUntil:    m.LockedUntil,
	}, nil
}
