package rete

import (
	"fmt"
	"strings"

	"reteul/internal/expr"
	"reteul/internal/types"
)

// =============================================================================
// ARENA
// =============================================================================
// Every node lives in a per-network slice and is addressed by a typed index.
// Graph edges are indices; a nil slot is free and sits on the free list.

type (
	alphaID  int32
	memoryID int32
	joinID   int32
	tokenID  int32
)

const (
	rootAlpha alphaID  = 0
	rootToken tokenID  = 0
	noMemory  memoryID = -1
	noAlpha   alphaID  = -1
	noToken   tokenID  = -1
)

type arena[ID ~int32, T any] struct {
	slots []*T
	free  []ID
	live  int
}

func (a *arena[ID, T]) alloc(v *T) ID {
	a.live++
	if n := len(a.free); n > 0 {
		id := a.free[n-1]
		a.free = a.free[:n-1]
		a.slots[id] = v
		return id
	}
	a.slots = append(a.slots, v)
	return ID(len(a.slots) - 1)
}

func (a *arena[ID, T]) get(id ID) *T {
	if id < 0 || int(id) >= len(a.slots) || a.slots[id] == nil {
		panic(fmt.Sprintf("rete: dangling %T index %d", *new(T), id))
	}
	return a.slots[id]
}

func (a *arena[ID, T]) release(id ID) {
	a.get(id)
	a.slots[id] = nil
	a.free = append(a.free, id)
	a.live--
}

// idSet is an insertion-ordered set with O(1) add, remove and membership.
// Removal moves the last element into the hole.
type idSet[K comparable] struct {
	items []K
	index map[K]int
}

func (s *idSet[K]) add(k K) bool {
	if s.index == nil {
		s.index = make(map[K]int)
	}
	if _, ok := s.index[k]; ok {
		return false
	}
	s.index[k] = len(s.items)
	s.items = append(s.items, k)
	return true
}

func (s *idSet[K]) remove(k K) bool {
	i, ok := s.index[k]
	if !ok {
		return false
	}
	last := len(s.items) - 1
	if i != last {
		moved := s.items[last]
		s.items[i] = moved
		s.index[moved] = i
	}
	s.items = s.items[:last]
	delete(s.index, k)
	return true
}

func (s *idSet[K]) has(k K) bool {
	_, ok := s.index[k]
	return ok
}

func (s *idSet[K]) len() int {
	return len(s.items)
}

func (s *idSet[K]) snapshot() []K {
	return append([]K(nil), s.items...)
}

func removeID[K comparable](list []K, k K) []K {
	for i, v := range list {
		if v == k {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// =============================================================================
// NODES
// =============================================================================

// alphaKey is the natural key of an alpha node within one network.
type alphaKey struct {
	parent alphaID
	field  types.Field
	op     types.Operation
	value  string
}

type alphaNode struct {
	key   alphaKey
	items idSet[types.FactID]

	// Equality children are indexed by field and value; other operators are
	// evaluated against each candidate.
	eqChildren    map[types.Field]map[string]alphaID
	otherChildren []alphaID

	successors []joinID // every join reading this memory
	linked     []joinID // right-linked joins, newest first
}

func (a *alphaNode) childCount() int {
	n := len(a.otherChildren)
	for _, byValue := range a.eqChildren {
		n += len(byValue)
	}
	return n
}

type betaMemory struct {
	parent   joinID
	tokens   idSet[tokenID]
	children []joinID // every join below this memory
	linked   []joinID // left-linked joins
}

type joinKey struct {
	parent memoryID
	alpha  alphaID
	tests  string
}

type joinNode struct {
	key         joinKey
	seq         uint64
	depth       int // token depth produced by this join
	parent      memoryID
	alpha       alphaID
	tests       []joinTest
	child       memoryID
	pnodes      []*PNode
	rightLinked bool
	leftLinked  bool
}

func (j *joinNode) hasChildren() bool {
	return j.child != noMemory || len(j.pnodes) > 0
}

type joinTestKind uint8

const (
	testFieldEq joinTestKind = iota
	testExpression
)

// joinTest is one constraint checked when a token and a fact meet.
type joinTest struct {
	kind joinTestKind

	// field equality
	field      types.Field // field of the incoming fact
	depth      int         // depth of the earlier fact in the token
	otherField types.Field

	// expression
	source string
	pred   expr.Predicate
}

func (t joinTest) String() string {
	if t.kind == testExpression {
		return "expr(" + t.source + ")"
	}
	return fmt.Sprintf("%s=%d.%s", t.field, t.depth, t.otherField)
}

func testsKey(tests []joinTest) string {
	parts := make([]string, len(tests))
	for i, t := range tests {
		parts[i] = t.String()
	}
	return strings.Join(parts, ";")
}

type ownerKind uint8

const (
	ownerNone ownerKind = iota
	ownerMemory
	ownerPNode
)

// token is one link of a partial match chain. depth grows by one per level;
// the root token has depth 0 and no fact.
type token struct {
	parent   tokenID
	depth    int
	fact     types.FactID
	kind     ownerKind
	memory   memoryID
	pnode    *PNode
	scope    int
	children []tokenID
}
