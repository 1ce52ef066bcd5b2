package amqphub

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/amqphub/messaging"
)

const (
	entityTypeEventHub  = "com.microsoft:eventhub"
	entityTypePartition = "com.microsoft:partition"
)

// EventHubProperties describes an event hub
type EventHubProperties struct {
	Name         string    `yaml:"name" json:"name"`
	CreatedOn    time.Time `yaml:"createdOn" json:"createdOn"`
	PartitionIDs []string  `yaml:"partitionIds" json:"partitionIds"`
}

// PartitionProperties describes one partition of an event hub
type PartitionProperties struct {
	EventHub                string    `yaml:"eventHub" json:"eventHub"`
	PartitionID             string    `yaml:"partitionId" json:"partitionId"`
	BeginningSequenceNumber int64     `yaml:"beginningSequenceNumber" json:"beginningSequenceNumber"`
	LastEnqueuedSequence    int64     `yaml:"lastEnqueuedSequenceNumber" json:"lastEnqueuedSequenceNumber"`
	LastEnqueuedOffset      string    `yaml:"lastEnqueuedOffset" json:"lastEnqueuedOffset"`
	LastEnqueuedOn          time.Time `yaml:"lastEnqueuedOn" json:"lastEnqueuedOn"`
	IsEmpty                 bool      `yaml:"isEmpty" json:"isEmpty"`
}

// GetEventHubProperties reads the properties of hub, or of the client's
// event hub when hub is empty, over the $management node
func (c *Client) GetEventHubProperties(ctx context.Context, hub string) (EventHubProperties, error) {
	hub, err := c.entity(hub)
	if err != nil {
		return EventHubProperties{}, err
	}

	values, err := c.readEntity(ctx, hub, map[string]any{
		"operation": "READ",
		"name":      hub,
		"type":      entityTypeEventHub,
	})
	if err != nil {
		return EventHubProperties{}, err
	}

	props := EventHubProperties{Name: hub}
	if name, ok := values["name"].(string); ok {
		props.Name = name
	}
	props.CreatedOn, _ = values["created_at"].(time.Time)
	props.PartitionIDs = stringSlice(values["partition_ids"])
	return props, nil
}

// GetPartitionProperties reads the properties of one partition
func (c *Client) GetPartitionProperties(ctx context.Context, hub, partitionID string) (PartitionProperties, error) {
	hub, err := c.entity(hub)
	if err != nil {
		return PartitionProperties{}, err
	}

	values, err := c.readEntity(ctx, hub, map[string]any{
		"operation": "READ",
		"name":      hub,
		"type":      entityTypePartition,
		"partition": partitionID,
	})
	if err != nil {
		return PartitionProperties{}, err
	}

	props := PartitionProperties{EventHub: hub, PartitionID: partitionID}
	props.BeginningSequenceNumber, _ = int64Of(values["beginning_sequence_number"])
	props.LastEnqueuedSequence, _ = int64Of(values["last_enqueued_sequence_number"])
	props.LastEnqueuedOffset, _ = values["last_enqueued_offset"].(string)
	props.LastEnqueuedOn, _ = values["last_enqueued_time_utc"].(time.Time)
	props.IsEmpty, _ = values["is_partition_empty"].(bool)
	return props, nil
}

func (c *Client) readEntity(ctx context.Context, hub string, req map[string]any) (map[string]any, error) {
	value, err := c.mgmt.Request(ctx, c.audience(hub), req)
	if err != nil {
		return nil, err
	}

	switch v := value.(type) {
	case map[string]any:
		return v, nil
	case map[any]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			if key, ok := k.(string); ok {
				out[key] = val
			}
		}
		return out, nil
	default:
		return nil, &messaging.RemoteError{
			Condition:   messaging.CondDecodeError,
			Description: fmt.Sprintf("unexpected management response body %T", value),
		}
	}
}

func stringSlice(v any) []string {
	switch s := v.(type) {
	case []string:
		return append([]string(nil), s...)
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}

func int64Of(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case int:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	default:
		return 0, false
	}
}
