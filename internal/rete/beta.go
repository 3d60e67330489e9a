package rete

import (
	"fmt"

	"reteul/internal/logging"
	"reteul/internal/types"
)

// =============================================================================
// BETA NETWORK
// =============================================================================
// Join nodes pair a beta memory (left) with an alpha memory (right). A join
// whose left memory is empty is right-unlinked: it is dropped from the alpha
// node's linked list. A join whose alpha memory is empty is left-unlinked:
// it is dropped from the beta memory's linked list. A join is never unlinked
// on both sides, and an unlinked side always has an empty memory behind it,
// so skipping it never loses a match.

func (n *Network) newJoin(parent memoryID, alpha alphaID, tests []joinTest, depth int) joinID {
	n.joinSeq++
	key := joinKey{parent: parent, alpha: alpha, tests: testsKey(tests)}
	j := &joinNode{
		key:    key,
		seq:    n.joinSeq,
		depth:  depth,
		parent: parent,
		alpha:  alpha,
		tests:  tests,
		child:  noMemory,
	}
	id := n.joins.alloc(j)
	n.joinKeys[key] = id

	a := n.alphas.get(alpha)
	a.successors = append(a.successors, id)

	if parent == noMemory {
		n.linkRight(id)
		j.leftLinked = true
		return id
	}

	m := n.memories.get(parent)
	m.children = append(m.children, id)
	switch {
	case m.tokens.len() == 0:
		n.linkLeft(id)
	case a.items.len() == 0:
		n.linkRight(id)
	default:
		n.linkLeft(id)
		n.linkRight(id)
	}
	logging.BetaDebug("[%s] join %d: memory=%d alpha=%d tests=[%s] right=%v left=%v",
		n.name, id, parent, alpha, key.tests, j.rightLinked, j.leftLinked)
	return id
}

func (n *Network) newMemory(parent joinID) memoryID {
	id := n.memories.alloc(&betaMemory{parent: parent})
	n.joins.get(parent).child = id
	logging.BetaDebug("[%s] beta memory %d under join %d", n.name, id, parent)
	return id
}

// =============================================================================
// LINKING
// =============================================================================

// linkRight inserts the join into its alpha node's linked list, keeping
// newer joins first so descendants are right-activated before ancestors.
func (n *Network) linkRight(id joinID) {
	j := n.joins.get(id)
	if j.rightLinked {
		return
	}
	a := n.alphas.get(j.alpha)
	pos := len(a.linked)
	for i, other := range a.linked {
		if n.joins.get(other).seq < j.seq {
			pos = i
			break
		}
	}
	a.linked = append(a.linked, 0)
	copy(a.linked[pos+1:], a.linked[pos:])
	a.linked[pos] = id
	j.rightLinked = true
}

func (n *Network) unlinkRight(id joinID) {
	j := n.joins.get(id)
	if !j.rightLinked || j.parent == noMemory {
		return
	}
	a := n.alphas.get(j.alpha)
	a.linked = removeID(a.linked, id)
	j.rightLinked = false
}

func (n *Network) linkLeft(id joinID) {
	j := n.joins.get(id)
	if j.leftLinked {
		return
	}
	m := n.memories.get(j.parent)
	m.linked = append(m.linked, id)
	j.leftLinked = true
}

func (n *Network) unlinkLeft(id joinID) {
	j := n.joins.get(id)
	if !j.leftLinked || j.parent == noMemory {
		return
	}
	m := n.memories.get(j.parent)
	m.linked = removeID(m.linked, id)
	j.leftLinked = false
}

// =============================================================================
// ACTIVATION
// =============================================================================

// rightActivate joins a fact newly added to the join's alpha memory with
// every token in the left memory.
func (n *Network) rightActivate(id joinID, f types.Fact) {
	j := n.joins.get(id)
	if j.parent == noMemory {
		if n.passes(j, rootToken, f) {
			n.propagate(id, rootToken, f)
		}
		return
	}

	m := n.memories.get(j.parent)
	if !j.leftLinked {
		n.linkLeft(id)
		if m.tokens.len() == 0 {
			n.unlinkRight(id)
			return
		}
	}
	for _, t := range m.tokens.snapshot() {
		if n.passes(j, t, f) {
			n.propagate(id, t, f)
		}
	}
}

// leftActivate joins a token newly added to the join's left memory with
// every fact in the alpha memory.
func (n *Network) leftActivate(id joinID, t tokenID) {
	j := n.joins.get(id)
	a := n.alphas.get(j.alpha)
	if !j.rightLinked {
		n.linkRight(id)
		if a.items.len() == 0 {
			n.unlinkLeft(id)
			return
		}
	}
	for _, fid := range a.items.snapshot() {
		f := n.facts[fid]
		if n.passes(j, t, f) {
			n.propagate(id, t, f)
		}
	}
}

// propagate extends parent with f into every child of the join.
func (n *Network) propagate(id joinID, parent tokenID, f types.Fact) {
	j := n.joins.get(id)
	if j.child != noMemory {
		n.memoryActivate(j.child, parent, f)
	}
	for _, p := range append([]*PNode(nil), j.pnodes...) {
		t := n.newToken(parent, f, ownerPNode, noMemory, p)
		n.pnodeActivate(p, t)
	}
}

func (n *Network) memoryActivate(id memoryID, parent tokenID, f types.Fact) {
	t := n.newToken(parent, f, ownerMemory, id, nil)
	m := n.memories.get(id)
	m.tokens.add(t)
	for _, child := range append([]joinID(nil), m.linked...) {
		n.leftActivate(child, t)
	}
}

// passes evaluates every join test between token t and the incoming fact f.
func (n *Network) passes(j *joinNode, t tokenID, f types.Fact) bool {
	for i := range j.tests {
		test := &j.tests[i]
		switch test.kind {
		case testFieldEq:
			var other string
			if test.depth == j.depth {
				other = f.Field(test.otherField)
			} else {
				other = n.factAt(t, test.depth).Field(test.otherField)
			}
			value := f.Field(test.field)
			if test.field == types.FieldID || test.otherField == types.FieldID {
				if !types.LooseEqual(value, other) {
					return false
				}
			} else if value != other {
				return false
			}
		case testExpression:
			ok, err := test.pred(func(depth, field int) string {
				if depth == j.depth {
					return f.Field(types.Field(field))
				}
				return n.factAt(t, depth).Field(types.Field(field))
			})
			if err != nil {
				logging.Get(logging.CategoryBeta).Error("[%s] %v", n.name, err)
				return false
			}
			if !ok {
				return false
			}
		}
	}
	return true
}

// =============================================================================
// TOKENS
// =============================================================================

func (n *Network) newToken(parent tokenID, f types.Fact, kind ownerKind, mem memoryID, p *PNode) tokenID {
	pt := n.tokens.get(parent)
	id := n.tokens.alloc(&token{
		parent: parent,
		depth:  pt.depth + 1,
		fact:   f.ID,
		kind:   kind,
		memory: mem,
		pnode:  p,
	})
	pt.children = append(pt.children, id)

	set, ok := n.factTokens[f.ID]
	if !ok {
		set = &idSet[tokenID]{}
		n.factTokens[f.ID] = set
	}
	set.add(id)
	return id
}

// factAt returns the fact bound at depth in the chain ending at t.
func (n *Network) factAt(t tokenID, depth int) types.Fact {
	tok := n.tokens.get(t)
	if depth < 1 || depth > tok.depth {
		panic(fmt.Sprintf("rete: depth %d outside token of depth %d", depth, tok.depth))
	}
	for tok.depth > depth {
		tok = n.tokens.get(tok.parent)
	}
	return n.facts[tok.fact]
}

// tokenFacts returns the facts of the chain ending at t, oldest first.
func (n *Network) tokenFacts(t tokenID) []types.Fact {
	tok := n.tokens.get(t)
	out := make([]types.Fact, tok.depth)
	for tok.depth > 0 {
		out[tok.depth-1] = n.facts[tok.fact]
		tok = n.tokens.get(tok.parent)
	}
	return out
}

// deleteToken removes t and, first, all of its descendants.
func (n *Network) deleteToken(t tokenID) {
	if t == rootToken {
		panic("rete: attempt to delete the root token")
	}
	tok := n.tokens.get(t)
	for len(tok.children) > 0 {
		n.deleteToken(tok.children[len(tok.children)-1])
	}

	switch tok.kind {
	case ownerMemory:
		m := n.memories.get(tok.memory)
		m.tokens.remove(t)
		if m.tokens.len() == 0 {
			for _, child := range append([]joinID(nil), m.linked...) {
				n.unlinkRight(child)
			}
		}
	case ownerPNode:
		n.pnodeDeactivate(tok.pnode, t)
	}

	parent := n.tokens.get(tok.parent)
	parent.children = removeID(parent.children, t)
	if set, ok := n.factTokens[tok.fact]; ok {
		set.remove(t)
		if set.len() == 0 {
			delete(n.factTokens, tok.fact)
		}
	}
	n.tokens.release(t)
}

// =============================================================================
// NODE REMOVAL
// =============================================================================

func (n *Network) deleteJoinIfUnused(id joinID) {
	j := n.joins.get(id)
	if j.hasChildren() {
		return
	}

	a := n.alphas.get(j.alpha)
	a.successors = removeID(a.successors, id)
	a.linked = removeID(a.linked, id)
	delete(n.joinKeys, j.key)

	parent := j.parent
	if parent != noMemory {
		m := n.memories.get(parent)
		m.children = removeID(m.children, id)
		m.linked = removeID(m.linked, id)
	}
	n.joins.release(id)
	logging.BetaDebug("[%s] removed join %d", n.name, id)

	n.deleteAlphaIfUnused(j.alpha)
	if parent != noMemory {
		n.deleteMemoryIfUnused(parent)
	}
}

func (n *Network) deleteMemoryIfUnused(id memoryID) {
	m := n.memories.get(id)
	if len(m.children) > 0 {
		return
	}
	for m.tokens.len() > 0 {
		n.deleteToken(m.tokens.items[m.tokens.len()-1])
	}
	parent := m.parent
	n.joins.get(parent).child = noMemory
	n.memories.release(id)
	logging.BetaDebug("[%s] removed beta memory %d", n.name, id)
	n.deleteJoinIfUnused(parent)
}
