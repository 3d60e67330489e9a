package types

import (
	"context"
)

// FactStore is the durable home of facts. The rete core only reads facts by
// identifier; stores decide how ids are assigned and how lookups are indexed.
type FactStore interface {
	// Get returns ErrFactNotFound for unknown identifiers.
	Get(ctx context.Context, id FactID) (Fact, error)
	// Put stores f, assigning a fresh identifier when f.ID is empty.
	Put(ctx context.Context, f Fact) (Fact, error)
	// Delete is idempotent.
	Delete(ctx context.Context, id FactID) error
	FindByField(ctx context.Context, field Field, value string) ([]FactID, error)
	Close() error
}

// QueuedFact is one pending import queue entry.
type QueuedFact struct {
	Fact   Fact
	Delete bool
}

// ImportQueue is a FIFO of pending fact changes per network.
type ImportQueue interface {
	Push(ctx context.Context, network string, f Fact, del bool) error
	// Pop returns false when the network's queue is empty.
	Pop(ctx context.Context, network string) (QueuedFact, bool, error)
	Len(ctx context.Context, network string) (int, error)
}

// ReferenceTracker records which networks currently hold a fact in their
// root alpha memory. Implementations must be safe for concurrent use because
// independent networks report into a shared tracker.
type ReferenceTracker interface {
	Track(network string, id FactID)
	Untrack(network string, id FactID)
	Referencing(id FactID) []string
}
