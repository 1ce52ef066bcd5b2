package amqpcore

import "sync/atomic"

// IDGenerator hands out identifiers for scopes and links. Every id is unique
// for the lifetime of the generator; ids are never reused across rebuilds.
type IDGenerator struct {
	last atomic.Uint64
}

// NewIDGenerator creates a generator whose first id is 1
func NewIDGenerator() *IDGenerator {
	return &IDGenerator{}
}

// Next returns the next identifier
func (g *IDGenerator) Next() uint64 {
	return g.last.Add(1)
}
