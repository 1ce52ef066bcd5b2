package processor

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CheckpointStore persists partition ownership and checkpoints for a
// consumer group. Implementations must use the ETag for optimistic
// concurrency: a claim whose ETag no longer matches the stored record is
// silently dropped from the result.
type CheckpointStore interface {
	// ClaimOwnership claims the given partitions and returns the ones that succeeded
	ClaimOwnership(ctx context.Context, ownerships []Ownership) ([]Ownership, error)

	ListOwnership(ctx context.Context, namespace, hub, group string) ([]Ownership, error)
	ListCheckpoints(ctx context.Context, namespace, hub, group string) ([]Checkpoint, error)
	UpdateCheckpoint(ctx context.Context, checkpoint Checkpoint) error
}

// InMemoryCheckpointStore is a CheckpointStore for tests and single-process deployments
type InMemoryCheckpointStore struct {
	mu          sync.Mutex
	ownerships  map[string]Ownership
	checkpoints map[string]Checkpoint
	now         func() time.Time
}

// StoreOption configures an InMemoryCheckpointStore
type StoreOption func(*InMemoryCheckpointStore)

// WithStoreClock replaces the clock used to stamp LastModifiedTime
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *InMemoryCheckpointStore) {
		s.now = now
	}
}

// NewInMemoryCheckpointStore creates an empty store
func NewInMemoryCheckpointStore(options ...StoreOption) *InMemoryCheckpointStore {
	s := &InMemoryCheckpointStore{
		ownerships:  make(map[string]Ownership),
		checkpoints: make(map[string]Checkpoint),
		now:         time.Now,
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

func (s *InMemoryCheckpointStore) ClaimOwnership(ctx context.Context, ownerships []Ownership) ([]Ownership, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	claimed := make([]Ownership, 0, len(ownerships))
	for _, o := range ownerships {
		key := o.key()
		if current, ok := s.ownerships[key]; ok && current.ETag != o.ETag {
			continue
		} else if !ok && o.ETag != "" {
			continue
		}

		o.ETag = uuid.NewString()
		o.LastModifiedTime = s.now()
		s.ownerships[key] = o
		claimed = append(claimed, o)
	}
	return claimed, nil
}

func (s *InMemoryCheckpointStore) ListOwnership(ctx context.Context, namespace, hub, group string) ([]Ownership, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := groupPrefix(namespace, hub, group)
	var out []Ownership
	for key, o := range s.ownerships {
		if strings.HasPrefix(key, prefix) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PartitionID < out[j].PartitionID })
	return out, nil
}

func (s *InMemoryCheckpointStore) ListCheckpoints(ctx context.Context, namespace, hub, group string) ([]Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := groupPrefix(namespace, hub, group)
	var out []Checkpoint
	for key, c := range s.checkpoints {
		if strings.HasPrefix(key, prefix) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PartitionID < out[j].PartitionID })
	return out, nil
}

func (s *InMemoryCheckpointStore) UpdateCheckpoint(ctx context.Context, checkpoint Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.checkpoints[checkpoint.key()] = checkpoint
	return nil
}
