package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/glimte/amqphub/internal/amqpcore"
	"github.com/glimte/amqphub/messaging"
	"github.com/glimte/amqphub/processor"
)

// ConnectionChecker reports the state of a RecoverableConnection
type ConnectionChecker struct {
	name  string
	conn  *amqpcore.RecoverableConnection
	probe bool
}

// ConnectionCheckerOption configures a ConnectionChecker
type ConnectionCheckerOption func(*ConnectionChecker)

// WithProbe makes the check dial or rebuild the connection when it is not
// open instead of reporting it degraded
func WithProbe() ConnectionCheckerOption {
	return func(c *ConnectionChecker) {
		c.probe = true
	}
}

// WithCheckName overrides the default "amqp_connection" name
func WithCheckName(name string) ConnectionCheckerOption {
	return func(c *ConnectionChecker) {
		c.name = name
	}
}

// NewConnectionChecker creates a connection health checker
func NewConnectionChecker(conn *amqpcore.RecoverableConnection, options ...ConnectionCheckerOption) *ConnectionChecker {
	c := &ConnectionChecker{name: "amqp_connection", conn: conn}
	for _, opt := range options {
		opt(c)
	}
	return c
}

func (c *ConnectionChecker) Name() string {
	return c.name
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]any{
			"endpoint": messaging.SanitizeEndpoint(c.conn.Endpoint()),
		},
	}

	state := c.conn.State()
	if c.probe && (state == amqpcore.StateUninitialized || state == amqpcore.StateFaulted) {
		if _, err := c.conn.EnsureConnection(ctx); err != nil {
			result.Error = err.Error()
		}
		state = c.conn.State()
	}

	switch state {
	case amqpcore.StateOpen:
		result.Status = StatusHealthy
		result.Message = "Connection is open"
		if scope, ok := c.conn.CurrentScope(); ok {
			result.Details["scope_id"] = scope.ID()
			result.Details["links"] = scope.LinkCount()
		}
	case amqpcore.StateUninitialized:
		result.Status = StatusDegraded
		result.Message = "Connection not established yet"
	case amqpcore.StateFaulted:
		result.Status = StatusDegraded
		result.Message = "Connection faulted, rebuilds on next use"
	default:
		result.Status = StatusUnhealthy
		result.Message = "Connection is closed"
	}
	if result.Error != "" {
		result.Status = StatusUnhealthy
		result.Message = "Connection could not be established"
	}

	result.Duration = time.Since(start)
	result.Details["state"] = state.String()
	result.Details["rebuilds"] = c.conn.Rebuilds()
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// CheckpointStoreChecker lists the ownership records of a consumer group to
// verify the checkpoint store is reachable
type CheckpointStoreChecker struct {
	store   processor.CheckpointStore
	details processor.ConsumerDetails
}

// NewCheckpointStoreChecker creates a checkpoint store health checker
func NewCheckpointStoreChecker(store processor.CheckpointStore, details processor.ConsumerDetails) *CheckpointStoreChecker {
	return &CheckpointStoreChecker{store: store, details: details}
}

func (c *CheckpointStoreChecker) Name() string {
	return "checkpoint_store"
}

func (c *CheckpointStoreChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	ownerships, err := c.store.ListOwnership(ctx, c.details.Namespace, c.details.EventHub, c.details.ConsumerGroup)
	result.Duration = time.Since(start)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Checkpoint store not accessible"
		result.Error = err.Error()
		return result
	}

	owners := make(map[string]int)
	for _, o := range ownerships {
		if o.OwnerID != "" {
			owners[o.OwnerID]++
		}
	}

	result.Status = StatusHealthy
	result.Message = "Checkpoint store is accessible"
	result.Details["partitions"] = len(ownerships)
	result.Details["owners"] = len(owners)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// GoroutineChecker reports degraded or unhealthy above goroutine thresholds
type GoroutineChecker struct {
	warning  int
	critical int
}

// NewGoroutineChecker creates a goroutine count checker
func NewGoroutineChecker(warning, critical int) *GoroutineChecker {
	return &GoroutineChecker{warning: warning, critical: critical}
}

func (c *GoroutineChecker) Name() string {
	return "goroutines"
}

func (c *GoroutineChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]any{
			"goroutines":     goroutines,
			"memory_used_mb": float64(m.Sys) / 1024 / 1024,
			"gc_runs":        m.NumGC,
		},
	}

	switch {
	case goroutines > c.critical:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Too many goroutines: %d", goroutines)
	case goroutines > c.warning:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("High goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "Goroutine count is normal"
	}

	result.Duration = time.Since(start)
	return result
}

// ComponentChecker adapts a function to a Checker
type ComponentChecker struct {
	name    string
	checker func(ctx context.Context) (Status, string, map[string]any, error)
}

// NewComponentChecker creates a checker for custom components
func NewComponentChecker(name string, checker func(ctx context.Context) (Status, string, map[string]any, error)) *ComponentChecker {
	return &ComponentChecker{name: name, checker: checker}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	status, message, details, err := c.checker(ctx)

	result.Status = status
	result.Message = message
	if details != nil {
		result.Details = details
	}
	if err != nil {
		result.Error = err.Error()
	}
	result.Duration = time.Since(start)
	return result
}
