package rete

import (
	"fmt"

	"reteul/internal/types"
)

// AddWME asserts a fact. Asserting a fact that is already present is a
// no-op. Facts must carry an identifier.
func (n *Network) AddWME(f types.Fact) {
	if f.ID == "" {
		panic(fmt.Sprintf("rete: fact without id: %v", f))
	}
	if _, ok := n.facts[f.ID]; ok {
		return
	}
	n.facts[f.ID] = f
	n.refs.Track(n.name, f.ID)
	n.logf("add wme %s", f)
	n.alphaActivate(rootAlpha, f)
}

// RemoveWME retracts a fact by id. Retracting an absent fact is a no-op.
func (n *Network) RemoveWME(f types.Fact) {
	n.RemoveWMEByID(f.ID)
}

// RemoveWMEByID retracts the fact with the given id, if present.
func (n *Network) RemoveWMEByID(id types.FactID) {
	f, ok := n.facts[id]
	if !ok {
		return
	}
	n.logf("remove wme %s", f)
	n.alphaDeactivate(rootAlpha, f)

	for {
		set, ok := n.factTokens[id]
		if !ok || set.len() == 0 {
			break
		}
		n.deleteToken(set.items[set.len()-1])
	}

	delete(n.facts, id)
	n.refs.Untrack(n.name, id)
}

// RemoveAllWMEs retracts every fact. Productions stay registered.
func (n *Network) RemoveAllWMEs() {
	root := n.alphas.get(rootAlpha)
	for root.items.len() > 0 {
		n.RemoveWMEByID(root.items.items[root.items.len()-1])
	}
}
