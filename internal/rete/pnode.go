package rete

import (
	"sort"

	"reteul/internal/logging"
	"reteul/internal/types"
)

// =============================================================================
// PRODUCTION NODES AND TRIGGER SCOPES
// =============================================================================
// Completed matches are tokens owned by a PNode. Each token is recorded in
// exactly one scope: the master scope (index 0) or one pushed on the trigger
// stack. Activations always land in the live scope, the top of the stack. A
// scope's trigger count is the number of live tokens it holds.

type scope struct {
	tokens map[*PNode]*idSet[tokenID]
	// cycle marks scopes pushed by a Cycle round rather than a caller; fired
	// marks scopes whose matches a round has already acted on.
	cycle bool
	fired bool
}

func newScope() *scope {
	return &scope{tokens: make(map[*PNode]*idSet[tokenID])}
}

// moveInto transfers every token of s into the scope at depth dst.
func (n *Network) moveInto(s *scope, dst int) {
	below := n.scopes[dst]
	for p, set := range s.tokens {
		for _, t := range set.items {
			n.tokens.get(t).scope = dst
			below.add(p, t)
		}
	}
}

func (s *scope) add(p *PNode, t tokenID) {
	set, ok := s.tokens[p]
	if !ok {
		set = &idSet[tokenID]{}
		s.tokens[p] = set
	}
	set.add(t)
}

func (s *scope) remove(p *PNode, t tokenID) {
	if set, ok := s.tokens[p]; ok {
		set.remove(t)
		if set.len() == 0 {
			delete(s.tokens, p)
		}
	}
}

func (s *scope) count(p *PNode) int {
	if set, ok := s.tokens[p]; ok {
		return set.len()
	}
	return 0
}

// PNode is the terminal node of one production.
type PNode struct {
	net        *Network
	seq        uint64
	production *Production
	parent     joinID
	removed    bool
}

// Name returns the production name.
func (p *PNode) Name() string {
	return p.production.Name
}

// Production returns the registered production.
func (p *PNode) Production() *Production {
	return p.production
}

// Removed reports whether the production has been unregistered.
func (p *PNode) Removed() bool {
	return p.removed
}

// Triggered returns the number of matches recorded in the live scope.
func (p *PNode) Triggered() int {
	if p.removed {
		return 0
	}
	return p.net.liveScope().count(p)
}

// Len returns the number of current matches across every scope.
func (p *PNode) Len() int {
	if p.removed {
		return 0
	}
	total := 0
	for _, s := range p.net.scopes {
		total += s.count(p)
	}
	return total
}

func (p *PNode) liveTokens() []tokenID {
	if p.removed {
		return nil
	}
	if set, ok := p.net.liveScope().tokens[p]; ok {
		return set.items
	}
	return nil
}

func (p *PNode) allTokens() []tokenID {
	if p.removed {
		return nil
	}
	var out []tokenID
	for _, s := range p.net.scopes {
		if set, ok := s.tokens[p]; ok {
			out = append(out, set.items...)
		}
	}
	return out
}

// Matches returns the facts of each match recorded in the live scope, in
// condition order.
func (p *PNode) Matches() [][]types.Fact {
	return p.net.matchFacts(p.liveTokens())
}

// AllMatches returns every current match regardless of scope.
func (p *PNode) AllMatches() [][]types.Fact {
	return p.net.matchFacts(p.allTokens())
}

// MatchVariables returns the variable bindings of each match recorded in
// the live scope.
func (p *PNode) MatchVariables() []Bindings {
	tokens := p.liveTokens()
	out := make([]Bindings, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, p.production.bindings(p.net.tokenFacts(t)))
	}
	return out
}

// AllMatchVariables returns the bindings of every current match.
func (p *PNode) AllMatchVariables() []Bindings {
	tokens := p.allTokens()
	out := make([]Bindings, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, p.production.bindings(p.net.tokenFacts(t)))
	}
	return out
}

func (n *Network) matchFacts(tokens []tokenID) [][]types.Fact {
	out := make([][]types.Fact, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, n.tokenFacts(t))
	}
	return out
}

func (n *Network) liveScope() *scope {
	return n.scopes[len(n.scopes)-1]
}

func (n *Network) pnodeActivate(p *PNode, t tokenID) {
	live := len(n.scopes) - 1
	n.tokens.get(t).scope = live
	n.scopes[live].add(p, t)
	logging.BetaDebug("[%s] %s activated (scope %d, triggered %d)", n.name, p.Name(), live, n.scopes[live].count(p))
}

func (n *Network) pnodeDeactivate(p *PNode, t tokenID) {
	s := n.tokens.get(t).scope
	n.scopes[s].remove(p, t)
}

// =============================================================================
// TRIGGER STACK
// =============================================================================

// PNodeGroup is a detached snapshot of one trigger scope.
type PNodeGroup struct {
	Depth     int
	Triggered map[string]int
	Matches   map[string][][]types.Fact
}

// Names returns the productions with matches in the group, sorted.
func (g *PNodeGroup) Names() []string {
	names := make([]string, 0, len(g.Triggered))
	for name := range g.Triggered {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (n *Network) snapshotScope(depth int) *PNodeGroup {
	s := n.scopes[depth]
	g := &PNodeGroup{
		Depth:     depth,
		Triggered: make(map[string]int),
		Matches:   make(map[string][][]types.Fact),
	}
	for p, set := range s.tokens {
		g.Triggered[p.Name()] = set.len()
		g.Matches[p.Name()] = n.matchFacts(set.items)
	}
	return g
}

// PushTriggerScope starts a new live scope; every trigger count reads zero
// until new activations arrive. It returns the new stack depth.
func (n *Network) PushTriggerScope() int {
	// The empty live scope a finished cycle leaves behind is taken over.
	if top := n.liveScope(); top.cycle && len(top.tokens) == 0 {
		top.cycle = false
		return len(n.scopes) - 1
	}
	return n.pushScope(false)
}

func (n *Network) pushScope(cycle bool) int {
	s := newScope()
	s.cycle = cycle
	n.scopes = append(n.scopes, s)
	n.logf("pushed trigger scope %d", len(n.scopes)-1)
	return len(n.scopes) - 1
}

// foldCycleScopes merges the fired scopes pushed by cycle rounds into the
// nearest scope below them that a caller pushed, or the master scope. The
// live scope stays on top.
func (n *Network) foldCycleScopes() {
	top := len(n.scopes) - 1
	dst := top - 1
	for dst > 0 && n.scopes[dst].cycle && n.scopes[dst].fired {
		dst--
	}
	if dst < 0 || dst+1 >= top {
		return
	}
	for d := dst + 1; d < top; d++ {
		n.moveInto(n.scopes[d], dst)
	}
	live := n.scopes[top]
	for _, set := range live.tokens {
		for _, t := range set.items {
			n.tokens.get(t).scope = dst + 1
		}
	}
	n.scopes = append(n.scopes[:dst+1], live)
	n.logf("folded trigger scopes %d..%d into %d", dst+1, top-1, dst)
}

// PopTriggerScope removes the top scope and returns a snapshot of it. Its
// still-live matches move into the scope below, which becomes live again.
// It returns false when the stack is empty.
func (n *Network) PopTriggerScope() (*PNodeGroup, bool) {
	depth := len(n.scopes) - 1
	if depth == 0 {
		return nil, false
	}
	g := n.snapshotScope(depth)
	n.moveInto(n.scopes[depth], depth-1)
	n.scopes = n.scopes[:depth]
	n.logf("popped trigger scope %d", depth)
	return g, true
}

// TopTriggerScope returns a snapshot of the live scope.
func (n *Network) TopTriggerScope() *PNodeGroup {
	return n.snapshotScope(len(n.scopes) - 1)
}

// TriggerStackDepth returns the number of pushed scopes.
func (n *Network) TriggerStackDepth() int {
	return len(n.scopes) - 1
}

// ResetTriggerStack pops every scope, folding all matches into the master
// scope.
func (n *Network) ResetTriggerStack() {
	for n.TriggerStackDepth() > 0 {
		n.PopTriggerScope()
	}
}
