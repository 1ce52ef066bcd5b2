// Package redisstore implements processor.CheckpointStore on Redis.
//
// Every consumer group keeps two hashes, one for ownership and one for
// checkpoints, keyed by partition id. Records are CBOR encoded. Ownership
// claims are compare-and-set on the record's ETag under WATCH, so two
// processors racing for the same partition cannot both win.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/glimte/amqphub/processor"
)

const defaultPrefix = "amqphub"

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}
	if encMode, err = encOpts.EncMode(); err != nil {
		panic(fmt.Sprintf("redisstore: failed to create CBOR encoder mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyQuiet,
		IndefLength: cbor.IndefLengthAllowed,
	}
	if decMode, err = decOpts.DecMode(); err != nil {
		panic(fmt.Sprintf("redisstore: failed to create CBOR decoder mode: %v", err))
	}
}

type ownershipRecord struct {
	OwnerID          string    `cbor:"1,keyasint"`
	ETag             string    `cbor:"2,keyasint"`
	LastModifiedTime time.Time `cbor:"3,keyasint"`
}

type checkpointRecord struct {
	Offset         *string `cbor:"1,keyasint,omitempty"`
	SequenceNumber *int64  `cbor:"2,keyasint,omitempty"`
}

// Config holds Redis connection configuration
type Config struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	Prefix   string `yaml:"prefix"`
}

// Store is a Redis-backed processor.CheckpointStore
type Store struct {
	rdb    redis.UniversalClient
	prefix string
	now    func() time.Time
	owned  bool
}

// Option configures a Store
type Option func(*Store)

// WithPrefix sets the key prefix
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// WithClock replaces the clock used to stamp LastModifiedTime
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates a Store on an existing client. Close does not close rdb.
func New(rdb redis.UniversalClient, options ...Option) *Store {
	s := &Store{
		rdb:    rdb,
		prefix: defaultPrefix,
		now:    time.Now,
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Open connects to the Redis server described by cfg and verifies the connection
func Open(ctx context.Context, cfg Config, options ...Option) (*Store, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redisstore: failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redisstore: failed to connect to redis: %w", err)
	}

	if cfg.Prefix != "" {
		options = append([]Option{WithPrefix(cfg.Prefix)}, options...)
	}
	s := New(rdb, options...)
	s.owned = true
	return s, nil
}

// Close closes the client if the Store opened it
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.rdb.Close()
}

func (s *Store) groupKey(kind, namespace, hub, group string) string {
	return fmt.Sprintf("%s:%s:%s/%s/%s", s.prefix, kind, strings.ToLower(namespace), strings.ToLower(hub), strings.ToLower(group))
}

func (s *Store) ownershipKey(namespace, hub, group string) string {
	return s.groupKey("ownership", namespace, hub, group)
}

func (s *Store) checkpointKey(namespace, hub, group string) string {
	return s.groupKey("checkpoint", namespace, hub, group)
}

// ClaimOwnership implements processor.CheckpointStore
func (s *Store) ClaimOwnership(ctx context.Context, ownerships []processor.Ownership) ([]processor.Ownership, error) {
	claimed := make([]processor.Ownership, 0, len(ownerships))
	for _, o := range ownerships {
		result, ok, err := s.claim(ctx, o)
		if err != nil {
			return claimed, err
		}
		if ok {
			claimed = append(claimed, result)
		}
	}
	return claimed, nil
}

func (s *Store) claim(ctx context.Context, o processor.Ownership) (processor.Ownership, bool, error) {
	key := s.ownershipKey(o.Namespace, o.EventHub, o.ConsumerGroup)
	won := false

	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.HGet(ctx, key, o.PartitionID).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			if o.ETag != "" {
				return nil
			}
		case err != nil:
			return err
		default:
			var current ownershipRecord
			if err := decMode.Unmarshal(data, &current); err != nil {
				return fmt.Errorf("redisstore: decode ownership %s: %w", o.PartitionID, err)
			}
			if current.ETag != o.ETag {
				return nil
			}
		}

		o.ETag = uuid.NewString()
		o.LastModifiedTime = s.now().UTC()
		encoded, err := encMode.Marshal(ownershipRecord{
			OwnerID:          o.OwnerID,
			ETag:             o.ETag,
			LastModifiedTime: o.LastModifiedTime,
		})
		if err != nil {
			return fmt.Errorf("redisstore: encode ownership %s: %w", o.PartitionID, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, o.PartitionID, encoded)
			return nil
		})
		if err == nil {
			won = true
		}
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return o, false, nil
	}
	if err != nil {
		return o, false, fmt.Errorf("redisstore: claim partition %s: %w", o.PartitionID, err)
	}
	return o, won, nil
}

// ListOwnership implements processor.CheckpointStore
func (s *Store) ListOwnership(ctx context.Context, namespace, hub, group string) ([]processor.Ownership, error) {
	fields, err := s.rdb.HGetAll(ctx, s.ownershipKey(namespace, hub, group)).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: list ownership: %w", err)
	}

	out := make([]processor.Ownership, 0, len(fields))
	for partition, data := range fields {
		var rec ownershipRecord
		if err := decMode.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("redisstore: decode ownership %s: %w", partition, err)
		}
		out = append(out, processor.Ownership{
			Namespace:        namespace,
			EventHub:         hub,
			ConsumerGroup:    group,
			PartitionID:      partition,
			OwnerID:          rec.OwnerID,
			ETag:             rec.ETag,
			LastModifiedTime: rec.LastModifiedTime,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PartitionID < out[j].PartitionID })
	return out, nil
}

// ListCheckpoints implements processor.CheckpointStore
func (s *Store) ListCheckpoints(ctx context.Context, namespace, hub, group string) ([]processor.Checkpoint, error) {
	fields, err := s.rdb.HGetAll(ctx, s.checkpointKey(namespace, hub, group)).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: list checkpoints: %w", err)
	}

	out := make([]processor.Checkpoint, 0, len(fields))
	for partition, data := range fields {
		var rec checkpointRecord
		if err := decMode.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("redisstore: decode checkpoint %s: %w", partition, err)
		}
		out = append(out, processor.Checkpoint{
			Namespace:      namespace,
			EventHub:       hub,
			ConsumerGroup:  group,
			PartitionID:    partition,
			Offset:         rec.Offset,
			SequenceNumber: rec.SequenceNumber,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PartitionID < out[j].PartitionID })
	return out, nil
}

// UpdateCheckpoint implements processor.CheckpointStore
func (s *Store) UpdateCheckpoint(ctx context.Context, c processor.Checkpoint) error {
	encoded, err := encMode.Marshal(checkpointRecord{Offset: c.Offset, SequenceNumber: c.SequenceNumber})
	if err != nil {
		return fmt.Errorf("redisstore: encode checkpoint %s: %w", c.PartitionID, err)
	}

	key := s.checkpointKey(c.Namespace, c.EventHub, c.ConsumerGroup)
	if err := s.rdb.HSet(ctx, key, c.PartitionID, encoded).Err(); err != nil {
		return fmt.Errorf("redisstore: update checkpoint %s: %w", c.PartitionID, err)
	}
	return nil
}

var _ processor.CheckpointStore = (*Store)(nil)
