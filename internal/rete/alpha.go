package rete

import (
	"reteul/internal/logging"
	"reteul/internal/types"
)

// =============================================================================
// ALPHA NETWORK
// =============================================================================
// The alpha network is a trie of single-field constant tests rooted at a node
// that matches every fact. Equality children are found through a hash index;
// ordering and inequality children are checked one by one.

// buildOrShareAlphaMemory walks the constant tests of c from the root and
// returns the terminal node. Newly created nodes are filled from their
// parent's memory before returning.
func (n *Network) buildOrShareAlphaMemory(c Condition) alphaID {
	current := rootAlpha
	for _, t := range c.ConstantTests() {
		current = n.buildOrShareConstantTestNode(current, t.Field, t.Op, t.Value)
	}
	return current
}

func (n *Network) buildOrShareConstantTestNode(parent alphaID, field types.Field, op types.Operation, value string) alphaID {
	if !field.Valid() {
		panic("rete: constant test on unknown field")
	}
	key := alphaKey{parent: parent, field: field, op: op, value: value}
	if id, ok := n.alphaKeys[key]; ok {
		return id
	}

	id := n.alphas.alloc(&alphaNode{key: key})
	n.alphaKeys[key] = id

	p := n.alphas.get(parent)
	if op == types.OpEQ {
		if p.eqChildren == nil {
			p.eqChildren = make(map[types.Field]map[string]alphaID)
		}
		byValue := p.eqChildren[field]
		if byValue == nil {
			byValue = make(map[string]alphaID)
			p.eqChildren[field] = byValue
		}
		byValue[value] = id
	} else {
		p.otherChildren = append(p.otherChildren, id)
	}

	// A fresh node has no children and no successors yet, so filling it
	// cannot reach the rest of the network.
	node := n.alphas.get(id)
	for _, fid := range p.items.items {
		if key.op.Apply(n.facts[fid].Field(field), value) {
			node.items.add(fid)
		}
	}
	logging.AlphaDebug("[%s] alpha node %d: parent=%d %s %s %q (%d facts)", n.name, id, parent, field, op, value, node.items.len())
	return id
}

// alphaTest reports whether a fact passes the test of a non-root node.
func (n *Network) alphaTest(a *alphaNode, f types.Fact) bool {
	return a.key.op.Apply(f.Field(a.key.field), a.key.value)
}

// alphaActivate adds f to node id and every matching descendant. Each
// memory right-activates its successors before descending.
func (n *Network) alphaActivate(id alphaID, f types.Fact) {
	a := n.alphas.get(id)
	if !a.items.add(f.ID) {
		return
	}

	if len(a.linked) > 0 {
		for _, j := range append([]joinID(nil), a.linked...) {
			n.rightActivate(j, f)
		}
	}

	for _, child := range n.matchingChildren(a, f) {
		n.alphaActivate(child, f)
	}
}

// alphaDeactivate removes f from node id and every descendant holding it.
// Successor joins of memories that become empty are left-unlinked.
func (n *Network) alphaDeactivate(id alphaID, f types.Fact) {
	a := n.alphas.get(id)
	if !a.items.remove(f.ID) {
		return
	}
	if a.items.len() == 0 {
		for _, j := range append([]joinID(nil), a.linked...) {
			if n.joins.get(j).parent != noMemory {
				n.unlinkLeft(j)
			}
		}
	}
	for _, child := range n.matchingChildren(a, f) {
		n.alphaDeactivate(child, f)
	}
}

func (n *Network) matchingChildren(a *alphaNode, f types.Fact) []alphaID {
	var out []alphaID
	for _, field := range types.Fields {
		if byValue, ok := a.eqChildren[field]; ok {
			if child, ok := byValue[f.Field(field)]; ok {
				out = append(out, child)
			}
		}
	}
	for _, child := range a.otherChildren {
		if n.alphaTest(n.alphas.get(child), f) {
			out = append(out, child)
		}
	}
	return out
}

// deleteAlphaIfUnused removes an alpha node with no successors and no
// children, then repeats on its parent. The root is never removed.
func (n *Network) deleteAlphaIfUnused(id alphaID) {
	for id != rootAlpha {
		a := n.alphas.get(id)
		if len(a.successors) > 0 || a.childCount() > 0 {
			return
		}
		parent := a.key.parent
		p := n.alphas.get(parent)
		if a.key.op == types.OpEQ {
			byValue := p.eqChildren[a.key.field]
			delete(byValue, a.key.value)
			if len(byValue) == 0 {
				delete(p.eqChildren, a.key.field)
			}
		} else {
			p.otherChildren = removeID(p.otherChildren, id)
		}
		delete(n.alphaKeys, a.key)
		n.alphas.release(id)
		logging.AlphaDebug("[%s] removed alpha node %d", n.name, id)
		id = parent
	}
}
