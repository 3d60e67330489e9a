package rete

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"reteul/internal/types"
)

// Dump writes the alpha trie with the joins reading each memory, followed
// by every production and its chain of joins.
func (n *Network) Dump(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "network %s: %+v\n", n.name, n.Stats()); err != nil {
		return err
	}
	if err := n.dumpAlpha(w, rootAlpha, 0); err != nil {
		return err
	}
	for _, p := range n.pnodeOrder {
		if _, err := fmt.Fprintf(w, "production %s (triggered %d, matches %d)\n", p.Name(), p.Triggered(), p.Len()); err != nil {
			return err
		}
		var chain []string
		for j := p.parent; j != noJoin; {
			node := n.joins.get(j)
			chain = append(chain, fmt.Sprintf("join%d[alpha%d %s]", j, node.alpha, node.key.tests))
			if node.parent == noMemory {
				break
			}
			j = n.memories.get(node.parent).parent
		}
		for i := len(chain) - 1; i >= 0; i-- {
			if _, err := fmt.Fprintf(w, "  %s\n", chain[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

func (n *Network) dumpAlpha(w io.Writer, id alphaID, level int) error {
	a := n.alphas.get(id)
	label := "root"
	if id != rootAlpha {
		label = fmt.Sprintf("%s %s %q", a.key.field, a.key.op, a.key.value)
	}
	joins := make([]string, len(a.successors))
	for i, j := range a.successors {
		joins[i] = fmt.Sprintf("join%d", j)
	}
	if _, err := fmt.Fprintf(w, "%salpha%d %s items=%d successors=[%s]\n",
		strings.Repeat("  ", level), id, label, a.items.len(), strings.Join(joins, " ")); err != nil {
		return err
	}

	var children []alphaID
	for _, field := range types.Fields {
		for _, child := range a.eqChildren[field] {
			children = append(children, child)
		}
	}
	children = append(children, a.otherChildren...)
	sort.Slice(children, func(i, j int) bool { return children[i] < children[j] })
	for _, child := range children {
		if err := n.dumpAlpha(w, child, level+1); err != nil {
			return err
		}
	}
	return nil
}
