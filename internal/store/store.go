// Package store provides the fact store and import queue backends shared by
// networks: an in-process map, SQLite (cgo or pure Go driver) and Badger.
package store

import (
	"context"
	"fmt"

	"reteul/internal/config"
	"reteul/internal/logging"
	"reteul/internal/types"
)

// Open creates the fact store and import queue selected by cfg. Persistent
// backends serve both from one database; closing the store closes it.
func Open(cfg config.StoreConfig) (types.FactStore, types.ImportQueue, error) {
	timer := logging.StartTimer(logging.CategoryStore, "open "+cfg.Backend)
	defer timer.Stop()

	switch cfg.Backend {
	case "", "memory":
		logging.Store("Using in-memory fact store")
		return NewMemoryStore(), NewMemoryQueue(), nil
	case "sqlite":
		s, err := NewSQLiteStore(cfg.Driver, cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case "badger":
		s, err := NewBadgerStore(BadgerOptions{Path: cfg.Path, InMemory: cfg.InMemory})
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	}
	return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
}

// Lister is implemented by stores that can enumerate their facts.
type Lister interface {
	All(ctx context.Context) ([]types.Fact, error)
}

// List returns every fact held by s, or an error when the backend cannot
// enumerate.
func List(ctx context.Context, s types.FactStore) ([]types.Fact, error) {
	l, ok := s.(Lister)
	if !ok {
		return nil, fmt.Errorf("store %T cannot list facts", s)
	}
	return l.All(ctx)
}
