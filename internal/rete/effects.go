package rete

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"reteul/internal/expr"
	"reteul/internal/logging"
	"reteul/internal/types"
)

// =============================================================================
// EFFECTS
// =============================================================================

// Effect is one right-hand-side action of a production.
type Effect interface {
	// Deferred effects run after the round has been handed to the caller.
	Deferred() bool
	// Apply runs the effect for one match and returns facts to assert.
	Apply(ctx context.Context, n *Network, vars Bindings) ([]types.Fact, error)
	String() string
}

// Create derives new facts from nested templates.
type Create struct {
	Templates []map[string]any
	// Compute maps a variable name to an expression evaluated when a
	// template references a variable the match does not bind.
	Compute map[string]string
}

// NewCreate checks the templates and compute expressions.
func NewCreate(templates []map[string]any, compute map[string]string) (*Create, error) {
	for _, t := range templates {
		if _, err := ExpandTemplate(t); err != nil {
			return nil, err
		}
	}
	for name, src := range compute {
		if err := expr.Validate(src); err != nil {
			return nil, fmt.Errorf("compute %s: %w", name, err)
		}
	}
	return &Create{Templates: templates, Compute: compute}, nil
}

// Deferred is false: creation runs while the round is collected.
func (c *Create) Deferred() bool { return false }

func (c *Create) String() string {
	return fmt.Sprintf("create(%d templates)", len(c.Templates))
}

// Apply expands every template against vars and stores the new facts.
func (c *Create) Apply(ctx context.Context, n *Network, vars Bindings) ([]types.Fact, error) {
	r := &resolver{net: n, vars: vars, compute: c.Compute, busy: make(map[string]bool)}
	var out []types.Fact
	for _, t := range c.Templates {
		flat, err := ExpandTemplate(t)
		if err != nil {
			return nil, err
		}
		for _, tf := range flat {
			var f types.Fact
			if f.Subject, err = r.resolve(tf.Subject); err != nil {
				return nil, err
			}
			if f.Predicate, err = r.resolve(tf.Predicate); err != nil {
				return nil, err
			}
			if f.Object, err = r.resolve(tf.Object); err != nil {
				return nil, err
			}
			if f, err = n.storeFact(ctx, f); err != nil {
				return nil, err
			}
			if strings.HasPrefix(tf.IDVar, "?") && len(tf.IDVar) > 1 {
				vars[tf.IDVar[1:]] = string(f.ID)
			}
			out = append(out, f)
		}
	}
	return out, nil
}

// Update replaces one field of a fact with copy-on-write semantics: the old
// fact is retracted everywhere and a new fact with a new id is asserted.
type Update struct {
	Target string // fact id or ?var bound to one
	Field  types.Field
	Value  string // literal or ?var
}

// NewUpdate builds an update effect.
func NewUpdate(target string, field types.Field, value string) (*Update, error) {
	if target == "" || target == types.DontCare {
		return nil, errors.New("update: target is required")
	}
	if field == types.FieldID || !field.Valid() {
		return nil, fmt.Errorf("update: field %s cannot be updated", field)
	}
	return &Update{Target: target, Field: field, Value: value}, nil
}

// Deferred is true: updates run after the round is handed to the caller.
func (u *Update) Deferred() bool { return true }

func (u *Update) String() string {
	return fmt.Sprintf("update(%s.%s=%s)", u.Target, u.Field, u.Value)
}

// Apply retracts the target from this network, stores its new version and
// queues the change for every other network that holds the old fact.
func (u *Update) Apply(ctx context.Context, n *Network, vars Bindings) ([]types.Fact, error) {
	r := &resolver{net: n, vars: vars}
	target, err := r.resolve(u.Target)
	if err != nil {
		return nil, err
	}
	value, err := r.resolve(u.Value)
	if err != nil {
		return nil, err
	}

	old, ok := n.facts[types.FactID(target)]
	if !ok {
		logging.Get(logging.CategoryCycle).Warn("[%s] %s: fact %s no longer asserted, skipping", n.name, u, target)
		return nil, nil
	}

	n.RemoveWME(old)
	updated, err := n.storeFact(ctx, old.With(u.Field, value))
	if err != nil {
		return nil, err
	}

	others := n.refs.Referencing(old.ID)
	if len(others) > 0 && n.queue == nil {
		logging.Get(logging.CategoryCycle).Warn("[%s] %s: %d networks hold %s but no import queue is configured",
			n.name, u, len(others), old.ID)
	}
	if n.queue != nil {
		for _, other := range others {
			if err := n.queue.Push(ctx, other, old, true); err != nil {
				return nil, err
			}
			if err := n.queue.Push(ctx, other, updated, false); err != nil {
				return nil, err
			}
		}
	}
	if len(others) == 0 && n.store != nil {
		if err := n.store.Delete(ctx, old.ID); err != nil {
			return nil, err
		}
	}
	logging.CycleDebug("[%s] updated %s -> %s", n.name, old, updated)
	return []types.Fact{updated}, nil
}

// storeFact assigns an id through the store, or locally without one.
func (n *Network) storeFact(ctx context.Context, f types.Fact) (types.Fact, error) {
	if n.store == nil {
		if f.ID == "" {
			f.ID = types.NewFactID()
		}
		return f, nil
	}
	stored, err := n.store.Put(ctx, f)
	if err != nil {
		return types.Fact{}, fmt.Errorf("store fact: %w", err)
	}
	return stored, nil
}

// resolver looks up ?var references, computing missing ones on demand and
// caching the results in vars.
type resolver struct {
	net     *Network
	vars    Bindings
	compute map[string]string
	busy    map[string]bool
}

func (r *resolver) resolve(value string) (string, error) {
	if !strings.HasPrefix(value, "?") || len(value) == 1 {
		return value, nil
	}
	name := value[1:]
	if v, ok := r.vars[name]; ok {
		return v, nil
	}
	src, ok := r.compute[name]
	if !ok {
		return "", fmt.Errorf("%w ?%s", ErrUnboundVariable, name)
	}
	if r.busy[name] {
		return "", fmt.Errorf("compute ?%s: circular reference", name)
	}
	r.busy[name] = true
	defer delete(r.busy, name)

	for _, dep := range expr.Variables(src) {
		if _, ok := r.vars[dep]; ok {
			continue
		}
		if _, ok := r.compute[dep]; ok {
			if _, err := r.resolve("?" + dep); err != nil {
				return "", err
			}
		}
	}
	comp, err := r.net.compiler.Computation(src)
	if err != nil {
		return "", err
	}
	out, err := comp(r.vars)
	if err != nil {
		return "", err
	}
	r.vars[name] = out
	return out, nil
}
