package rete

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"reteul/internal/expr"
	"reteul/internal/logging"
	"reteul/internal/types"
)

// Bindings maps variable names (without the leading ?) to bound values.
type Bindings map[string]string

// Clone returns an independent copy.
func (b Bindings) Clone() Bindings {
	out := make(Bindings, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}

// String renders the bindings sorted by name.
func (b Bindings) String() string {
	keys := make([]string, 0, len(b))
	for k := range b {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + b[k]
	}
	return "{" + strings.Join(parts, " ") + "}"
}

// Production is a named conjunction of conditions with effects.
type Production struct {
	Name       string
	Conditions []Condition
	Effects    []Effect

	patterns []Condition
}

// NewProduction validates and builds a production. The first condition must
// be a pattern and every test may only use variables bound by an earlier
// pattern.
func NewProduction(name string, conditions []Condition, effects ...Effect) (*Production, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("production name is required")
	}
	if len(conditions) == 0 {
		return nil, fmt.Errorf("production %s: no conditions", name)
	}
	if conditions[0].IsTest() {
		return nil, fmt.Errorf("production %s: %w: first condition must be a pattern", name, ErrMalformedCondition)
	}

	bound := make(map[string]struct{})
	var patterns []Condition
	for i, c := range conditions {
		if c.IsTest() {
			for _, v := range c.TestVariables() {
				if _, ok := bound[v]; !ok {
					return nil, fmt.Errorf("production %s: condition %d: %w ?%s", name, i+1, ErrUnboundVariable, v)
				}
			}
			continue
		}
		patterns = append(patterns, c)
		for _, b := range c.VariableBindings() {
			if !expr.ValidName(b.Name) {
				return nil, fmt.Errorf("production %s: condition %d: %w: bad variable name ?%s", name, i+1, ErrMalformedCondition, b.Name)
			}
			bound[b.Name] = struct{}{}
		}
	}

	return &Production{
		Name:       name,
		Conditions: append([]Condition(nil), conditions...),
		Effects:    append([]Effect(nil), effects...),
		patterns:   patterns,
	}, nil
}

func (p *Production) withEffects(effects []Effect) *Production {
	cp := *p
	cp.Effects = append([]Effect(nil), effects...)
	return &cp
}

// Patterns returns the pattern conditions; pattern i binds token depth i+1.
func (p *Production) Patterns() []Condition {
	return append([]Condition(nil), p.patterns...)
}

// bindings maps variables to the values of one match. The first binding of
// a variable wins and don't-care values are skipped.
func (p *Production) bindings(facts []types.Fact) Bindings {
	vars := make(Bindings)
	for i, c := range p.patterns {
		if i >= len(facts) {
			break
		}
		for _, b := range c.VariableBindings() {
			if _, ok := vars[b.Name]; ok {
				continue
			}
			v := facts[i].Field(b.Field)
			if v == types.DontCare {
				continue
			}
			vars[b.Name] = v
		}
	}
	return vars
}

// =============================================================================
// REGISTRATION
// =============================================================================

// joinPlan is the join built for one pattern, with the tests of the
// patterns and test expressions that follow it folded in.
type joinPlan struct {
	condition Condition
	depth     int
	tests     []joinTest
}

// plan resolves every variable and compiles every expression without
// touching the network.
func (n *Network) plan(p *Production) ([]joinPlan, error) {
	lastDepth := make(map[string]int)
	lastField := make(map[string]types.Field)
	var plans []joinPlan

	for i, c := range p.Conditions {
		if c.IsTest() {
			if len(plans) == 0 {
				return nil, fmt.Errorf("production %s: %w: leading test", p.Name, ErrMalformedCondition)
			}
			src, err := expr.Rewrite(c.Expression(), func(name string) (string, error) {
				d, ok := lastDepth[name]
				if !ok {
					return "", fmt.Errorf("%w ?%s", ErrUnboundVariable, name)
				}
				return expr.Placeholder(d, int(lastField[name])), nil
			})
			if err != nil {
				return nil, fmt.Errorf("production %s: condition %d: %w", p.Name, i+1, err)
			}
			pred, err := n.compiler.Predicate(src)
			if err != nil {
				return nil, fmt.Errorf("production %s: condition %d: %w", p.Name, i+1, err)
			}
			last := &plans[len(plans)-1]
			last.tests = append(last.tests, joinTest{kind: testExpression, source: src, pred: pred})
			continue
		}

		depth := len(plans) + 1
		var tests []joinTest
		seenHere := make(map[string]types.Field)
		for _, b := range c.VariableBindings() {
			if f, ok := seenHere[b.Name]; ok {
				tests = append(tests, joinTest{kind: testFieldEq, field: b.Field, depth: depth, otherField: f})
				continue
			}
			seenHere[b.Name] = b.Field
			if d, ok := lastDepth[b.Name]; ok {
				tests = append(tests, joinTest{kind: testFieldEq, field: b.Field, depth: d, otherField: lastField[b.Name]})
			}
		}
		for _, b := range c.VariableBindings() {
			if _, ok := lastDepth[b.Name]; ok && lastDepth[b.Name] == depth {
				continue
			}
			lastDepth[b.Name] = depth
			lastField[b.Name] = b.Field
		}
		plans = append(plans, joinPlan{condition: c, depth: depth, tests: tests})
	}
	return plans, nil
}

// AddProduction registers p and seeds its node with every match implied by
// the facts already asserted. Registration is all-or-nothing.
func (n *Network) AddProduction(p *Production) (*PNode, error) {
	if p == nil {
		return nil, errors.New("nil production")
	}
	if _, ok := n.productions[p.Name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateProduction, p.Name)
	}
	if p.patterns == nil {
		validated, err := NewProduction(p.Name, p.Conditions, p.Effects...)
		if err != nil {
			return nil, err
		}
		p = validated
	}
	plans, err := n.plan(p)
	if err != nil {
		return nil, err
	}

	timer := logging.StartTimer(logging.CategoryNetwork, "add production "+p.Name)
	defer timer.Stop()

	current := noJoin
	for _, pl := range plans {
		mem := noMemory
		if current != noJoin {
			mem = n.buildOrShareBetaMemory(current)
		}
		alpha := n.buildOrShareAlphaMemory(pl.condition)
		current = n.buildOrShareJoin(mem, alpha, pl.tests, pl.depth)
	}

	n.pnodeSeq++
	pn := &PNode{net: n, seq: n.pnodeSeq, production: p, parent: current}
	j := n.joins.get(current)
	j.pnodes = append(j.pnodes, pn)
	n.productions[p.Name] = pn
	n.pnodeOrder = append(n.pnodeOrder, pn)
	n.seedFromJoin(current, noMemory, pn)

	n.logf("added production %s (%d conditions, %d matches)", p.Name, len(p.Conditions), pn.Len())
	return pn, nil
}

const noJoin joinID = -1

func (n *Network) buildOrShareBetaMemory(parent joinID) memoryID {
	j := n.joins.get(parent)
	if j.child != noMemory {
		return j.child
	}
	id := n.newMemory(parent)
	n.seedFromJoin(parent, id, nil)
	return id
}

func (n *Network) buildOrShareJoin(mem memoryID, alpha alphaID, tests []joinTest, depth int) joinID {
	key := joinKey{parent: mem, alpha: alpha, tests: testsKey(tests)}
	if id, ok := n.joinKeys[key]; ok {
		return id
	}
	return n.newJoin(mem, alpha, tests, depth)
}

// seedFromJoin feeds a newly attached child (a memory or a pnode) every
// match the join currently produces, ignoring linking state.
func (n *Network) seedFromJoin(id joinID, mem memoryID, p *PNode) {
	j := n.joins.get(id)
	lefts := []tokenID{rootToken}
	if j.parent != noMemory {
		lefts = n.memories.get(j.parent).tokens.snapshot()
	}
	facts := n.alphas.get(j.alpha).items.snapshot()
	for _, t := range lefts {
		for _, fid := range facts {
			f := n.facts[fid]
			if !n.passes(j, t, f) {
				continue
			}
			if p != nil {
				n.pnodeActivate(p, n.newToken(t, f, ownerPNode, noMemory, p))
			} else {
				n.memories.get(mem).tokens.add(n.newToken(t, f, ownerMemory, mem, nil))
			}
		}
	}
}

// RemoveProduction unregisters a production and deletes every node that no
// other production uses.
func (n *Network) RemoveProduction(name string) error {
	pn, ok := n.productions[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProduction, name)
	}

	for _, s := range n.scopes {
		if set, ok := s.tokens[pn]; ok {
			for set.len() > 0 {
				n.deleteToken(set.items[set.len()-1])
			}
		}
	}

	j := n.joins.get(pn.parent)
	for i, other := range j.pnodes {
		if other == pn {
			j.pnodes = append(j.pnodes[:i], j.pnodes[i+1:]...)
			break
		}
	}
	delete(n.productions, name)
	for i, other := range n.pnodeOrder {
		if other == pn {
			n.pnodeOrder = append(n.pnodeOrder[:i], n.pnodeOrder[i+1:]...)
			break
		}
	}
	pn.removed = true

	n.deleteJoinIfUnused(pn.parent)
	n.logf("removed production %s", name)
	return nil
}
