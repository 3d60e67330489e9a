package rete

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"reteul/internal/logging"
	"reteul/internal/types"
)

// =============================================================================
// MATCH-ACT CYCLE
// =============================================================================

// ErrCycleLimit is returned when a cycle exceeds its round limit.
var ErrCycleLimit = errors.New("match-act round limit reached")

// PendingUpdate is a deferred effect with the bindings of its match.
type PendingUpdate struct {
	Production string
	Effect     Effect
	Vars       Bindings
}

// Round is what one match-act step hands to the caller.
type Round struct {
	Index     int
	Triggered []string
	Updates   []PendingUpdate
	Created   []types.Fact
}

// CycleOption configures a Cycle.
type CycleOption func(*Cycle)

// WithMaxRounds bounds the number of rounds; zero means unbounded.
func WithMaxRounds(max int) CycleOption {
	return func(c *Cycle) { c.maxRounds = max }
}

// WithStartRound numbers the first round start. Rounds already counted
// this way are charged against WithMaxRounds, so a caller resuming a
// network across several cycles keeps one shared limit.
func WithStartRound(start int) CycleOption {
	return func(c *Cycle) { c.rounds = start }
}

// Cycle drives the match-act loop one round per Next call. It must not be
// used concurrently with other operations on the same network.
type Cycle struct {
	net       *Network
	maxRounds int
	rounds    int
	pending   *Round
	done      bool
}

// Cycle returns a new match-act driver for the network.
func (n *Network) Cycle(opts ...CycleOption) *Cycle {
	c := &Cycle{net: n}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Next finishes the previous round, if any, then runs the next one. It
// returns nil when no production is triggered.
func (c *Cycle) Next(ctx context.Context) (*Round, error) {
	if c.done {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := c.net

	if c.pending != nil {
		round := c.pending
		c.pending = nil
		n.pushScope(true)

		adds := round.Created
		for _, u := range round.Updates {
			facts, err := u.Effect.Apply(ctx, n, u.Vars)
			if err != nil {
				c.done = true
				return nil, fmt.Errorf("production %s: %s: %w", u.Production, u.Effect, err)
			}
			adds = append(adds, facts...)
		}
		for _, f := range adds {
			n.AddWME(f)
		}
	}

	if err := n.DrainQueue(ctx); err != nil {
		c.done = true
		return nil, err
	}

	triggered := n.TriggeredPNodes()
	if len(triggered) == 0 {
		c.done = true
		n.foldCycleScopes()
		logging.Cycle("[%s] fixpoint after %d rounds", n.name, c.rounds)
		return nil, nil
	}
	if c.maxRounds > 0 && c.rounds >= c.maxRounds {
		c.done = true
		return nil, fmt.Errorf("%w (%d)", ErrCycleLimit, c.maxRounds)
	}

	n.liveScope().fired = true
	round := &Round{Index: c.rounds}
	for _, p := range triggered {
		round.Triggered = append(round.Triggered, p.Name())
		for _, vars := range p.MatchVariables() {
			for _, e := range p.production.Effects {
				if e.Deferred() {
					round.Updates = append(round.Updates, PendingUpdate{Production: p.Name(), Effect: e, Vars: vars.Clone()})
					continue
				}
				facts, err := e.Apply(ctx, n, vars.Clone())
				if err != nil {
					c.done = true
					return nil, fmt.Errorf("production %s: %s: %w", p.Name(), e, err)
				}
				round.Created = append(round.Created, facts...)
			}
		}
	}
	c.rounds++
	c.pending = round
	logging.CycleDebug("[%s] round %d: %d triggered, %d updates, %d created",
		n.name, round.Index, len(triggered), len(round.Updates), len(round.Created))
	return round, nil
}

// Rounds adapts the cycle to a range-over-func iterator. Stopping the range
// early leaves the network consistent; the last round's effects are not
// applied.
func (c *Cycle) Rounds(ctx context.Context) iter.Seq2[*Round, error] {
	return func(yield func(*Round, error) bool) {
		for {
			r, err := c.Next(ctx)
			if err != nil {
				yield(nil, err)
				return
			}
			if r == nil {
				return
			}
			if !yield(r, nil) {
				return
			}
		}
	}
}

// Run drives the cycle to a fixpoint and returns the number of rounds.
func (n *Network) Run(ctx context.Context, opts ...CycleOption) (int, error) {
	timer := logging.StartTimer(logging.CategoryCycle, "run "+n.name)
	defer timer.Stop()

	c := n.Cycle(opts...)
	for _, err := range c.Rounds(ctx) {
		if err != nil {
			return c.rounds, err
		}
	}
	return c.rounds, nil
}

// DrainQueue applies every pending import queue entry for this network.
// A queued fact is first retracted if present; it is then re-asserted, or,
// when flagged for deletion, permanently deleted once no network holds it.
func (n *Network) DrainQueue(ctx context.Context) error {
	if n.queue == nil {
		return nil
	}
	for {
		q, ok, err := n.queue.Pop(ctx, n.name)
		if err != nil {
			return fmt.Errorf("pop import queue: %w", err)
		}
		if !ok {
			return nil
		}
		if n.ContainsWME(q.Fact.ID) {
			n.RemoveWME(q.Fact)
		}
		if !q.Delete {
			n.AddWME(q.Fact)
			continue
		}
		if len(n.refs.Referencing(q.Fact.ID)) == 0 && n.store != nil {
			logging.CycleDebug("[%s] permanently deleting %s", n.name, q.Fact.ID)
			if err := n.store.Delete(ctx, q.Fact.ID); err != nil {
				return err
			}
		}
	}
}
