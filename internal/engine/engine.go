// Package engine coordinates independent rete networks that share one fact
// store, one import queue and one reference index.
//
// Each network stays single-threaded; the engine serializes access to a
// network behind its own lock and runs different networks concurrently.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"reteul/internal/expr"
	"reteul/internal/logging"
	"reteul/internal/rete"
	"reteul/internal/types"
)

var (
	// ErrDuplicateNetwork is returned when a network name is reused.
	ErrDuplicateNetwork = errors.New("network already exists")
	// ErrUnknownNetwork is returned for operations on a missing network.
	ErrUnknownNetwork = errors.New("unknown network")
)

type managed struct {
	mu  sync.Mutex
	net *rete.Network
}

// Engine owns the shared store, queue and reference index.
type Engine struct {
	mu        sync.RWMutex
	networks  map[string]*managed
	store     types.FactStore
	queue     types.ImportQueue
	refs      *rete.ReferenceIndex
	cacheSize int
}

// Option configures an Engine.
type Option func(*Engine)

// WithCacheSize sets the compiled expression cache size of new networks.
func WithCacheSize(n int) Option {
	return func(e *Engine) { e.cacheSize = n }
}

// New creates an engine over store and queue.
func New(store types.FactStore, queue types.ImportQueue, opts ...Option) *Engine {
	e := &Engine{
		networks:  make(map[string]*managed),
		store:     store,
		queue:     queue,
		refs:      rete.NewReferenceIndex(),
		cacheSize: expr.DefaultCacheSize,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Store returns the shared fact store.
func (e *Engine) Store() types.FactStore { return e.store }

// References returns the shared reference index.
func (e *Engine) References() *rete.ReferenceIndex { return e.refs }

// AddNetwork creates a network wired to the shared store, queue and index.
func (e *Engine) AddNetwork(name string) (*rete.Network, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.networks[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateNetwork, name)
	}
	n := rete.New(name,
		rete.WithStore(e.store),
		rete.WithQueue(e.queue),
		rete.WithReferenceTracker(e.refs),
		rete.WithCompiler(expr.NewCompiler(e.cacheSize)),
	)
	e.networks[name] = &managed{net: n}
	logging.Engine("Added network %s", name)
	return n, nil
}

// RemoveNetwork retracts every fact from the network and drops it. Facts no
// other network holds are deleted from the store.
func (e *Engine) RemoveNetwork(ctx context.Context, name string) error {
	e.mu.Lock()
	m, ok := e.networks[name]
	if ok {
		delete(e.networks, name)
	}
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNetwork, name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	facts := m.net.WMEs()
	m.net.RemoveAllWMEs()
	for _, f := range facts {
		if len(e.refs.Referencing(f.ID)) == 0 {
			if err := e.store.Delete(ctx, f.ID); err != nil {
				return err
			}
		}
	}
	logging.Engine("Removed network %s", name)
	return nil
}

// Network returns the named network. Callers must not use it concurrently
// with RunAll; use With for serialized access.
func (e *Engine) Network(name string) (*rete.Network, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	m, ok := e.networks[name]
	if !ok {
		return nil, false
	}
	return m.net, true
}

// Networks returns the network names, sorted.
func (e *Engine) Networks() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.networks))
	for name := range e.networks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// With runs fn while holding the named network's lock.
func (e *Engine) With(name string, fn func(*rete.Network) error) error {
	e.mu.RLock()
	m, ok := e.networks[name]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNetwork, name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.net)
}

func (e *Engine) targets(names []string) ([]string, error) {
	if len(names) == 0 {
		return e.Networks(), nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, name := range names {
		if _, ok := e.networks[name]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownNetwork, name)
		}
	}
	return names, nil
}

// =============================================================================
// FACT OPERATIONS
// =============================================================================
// Fact changes are stored immediately and reach networks through the import
// queue, which each network drains at the start of every match-act round or
// on Drain.

// Assert stores f and queues it for the given networks, or for every
// network when none are named. It returns the stored fact.
func (e *Engine) Assert(ctx context.Context, f types.Fact, networks ...string) (types.Fact, error) {
	names, err := e.targets(networks)
	if err != nil {
		return types.Fact{}, err
	}
	stored, err := e.store.Put(ctx, f)
	if err != nil {
		return types.Fact{}, fmt.Errorf("assert: %w", err)
	}
	for _, name := range names {
		if err := e.queue.Push(ctx, name, stored, false); err != nil {
			return types.Fact{}, fmt.Errorf("assert %s into %s: %w", stored.ID, name, err)
		}
	}
	logging.EngineDebug("Asserted %s into %v", stored, names)
	return stored, nil
}

// Update replaces one field of a stored fact. The new version gets a new
// identifier; every network holding the old fact receives a retraction of
// it followed by the new version.
func (e *Engine) Update(ctx context.Context, id types.FactID, field types.Field, value string) (types.Fact, error) {
	if field == types.FieldID || !field.Valid() {
		return types.Fact{}, fmt.Errorf("update: field %s cannot be updated", field)
	}
	old, err := e.store.Get(ctx, id)
	if err != nil {
		return types.Fact{}, fmt.Errorf("update %s: %w", id, err)
	}
	updated, err := e.store.Put(ctx, old.With(field, value))
	if err != nil {
		return types.Fact{}, fmt.Errorf("update %s: %w", id, err)
	}

	holders := e.refs.Referencing(id)
	for _, name := range holders {
		if err := e.queue.Push(ctx, name, old, true); err != nil {
			return types.Fact{}, err
		}
		if err := e.queue.Push(ctx, name, updated, false); err != nil {
			return types.Fact{}, err
		}
	}
	if len(holders) == 0 {
		if err := e.store.Delete(ctx, id); err != nil {
			return types.Fact{}, err
		}
	}
	logging.EngineDebug("Updated %s -> %s (%d networks)", old, updated, len(holders))
	return updated, nil
}

// Retract queues the deletion of a fact for every network holding it. The
// fact leaves the store once the last holder has drained the deletion.
func (e *Engine) Retract(ctx context.Context, id types.FactID) error {
	f, err := e.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("retract %s: %w", id, err)
	}
	holders := e.refs.Referencing(id)
	if len(holders) == 0 {
		return e.store.Delete(ctx, id)
	}
	for _, name := range holders {
		if err := e.queue.Push(ctx, name, f, true); err != nil {
			return err
		}
	}
	logging.EngineDebug("Retracting %s from %v", id, holders)
	return nil
}

// Drain applies every pending queue entry to every network.
func (e *Engine) Drain(ctx context.Context) error {
	for _, name := range e.Networks() {
		err := e.With(name, func(n *rete.Network) error {
			return n.DrainQueue(ctx)
		})
		if err != nil {
			return fmt.Errorf("drain %s: %w", name, err)
		}
	}
	return nil
}

// =============================================================================
// CYCLES
// =============================================================================

// RoundFunc observes one round of a network's match-act cycle. Returning
// an error stops that network's cycle.
type RoundFunc func(network string, r *rete.Round) error

// RunAll runs the match-act cycle of every network to a fixpoint, one
// goroutine per network. Networks that stop while another network is still
// queuing changes for them are run again until every queue is empty. A
// WithMaxRounds limit applies to each network's total across passes. It
// returns the total number of rounds per network.
func (e *Engine) RunAll(ctx context.Context, onRound RoundFunc, opts ...rete.CycleOption) (map[string]int, error) {
	timer := logging.StartTimer(logging.CategoryEngine, "RunAll")
	defer timer.Stop()

	rounds := make(map[string]int)
	for pass := 1; ; pass++ {
		if err := e.runPass(ctx, e.Networks(), onRound, rounds, opts); err != nil {
			return rounds, err
		}
		pending, err := e.pending(ctx)
		if err != nil {
			return rounds, err
		}
		if len(pending) == 0 {
			logging.Engine("RunAll reached a fixpoint after %d passes: %v", pass, rounds)
			return rounds, nil
		}
		logging.EngineDebug("Pass %d left queued changes for %v", pass, pending)
	}
}

func (e *Engine) runPass(ctx context.Context, names []string, onRound RoundFunc, rounds map[string]int, opts []rete.CycleOption) error {
	var mu sync.Mutex
	eg, egCtx := errgroup.WithContext(ctx)
	for _, name := range names {
		eg.Go(func() error {
			return e.With(name, func(n *rete.Network) error {
				mu.Lock()
				start := rounds[name]
				mu.Unlock()
				count := 0
				defer func() {
					mu.Lock()
					rounds[name] += count
					mu.Unlock()
				}()
				cycleOpts := append(append([]rete.CycleOption(nil), opts...), rete.WithStartRound(start))
				for r, err := range n.Cycle(cycleOpts...).Rounds(egCtx) {
					if err != nil {
						return fmt.Errorf("network %s: %w", name, err)
					}
					count++
					if onRound != nil {
						if err := onRound(name, r); err != nil {
							return fmt.Errorf("network %s: %w", name, err)
						}
					}
				}
				return nil
			})
		})
	}
	return eg.Wait()
}

// pending returns the networks with queued changes.
func (e *Engine) pending(ctx context.Context) ([]string, error) {
	var out []string
	for _, name := range e.Networks() {
		n, err := e.queue.Len(ctx, name)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			out = append(out, name)
		}
	}
	return out, nil
}

// Close closes the fact store.
func (e *Engine) Close() error {
	return e.store.Close()
}
