// Package rete implements an incremental RETE-UL matcher over
// subject/predicate/object facts.
//
// A Network owns its alpha trie, beta join network, tokens and production
// nodes. It is single-writer: callers serialize access to one Network, and
// independent networks share nothing.
package rete

import (
	"errors"
	"sort"
	"sync"

	"reteul/internal/expr"
	"reteul/internal/logging"
	"reteul/internal/types"
)

var (
	// ErrDuplicateProduction is returned when a production name is reused.
	ErrDuplicateProduction = errors.New("production already registered")
	// ErrUnknownProduction is returned when removing an unregistered production.
	ErrUnknownProduction = errors.New("production not registered")
)

// Network is one RETE-UL network instance.
type Network struct {
	name string

	alphas    arena[alphaID, alphaNode]
	alphaKeys map[alphaKey]alphaID
	memories  arena[memoryID, betaMemory]
	joins     arena[joinID, joinNode]
	joinKeys  map[joinKey]joinID
	joinSeq   uint64
	tokens    arena[tokenID, token]

	facts      map[types.FactID]types.Fact
	factTokens map[types.FactID]*idSet[tokenID]

	productions map[string]*PNode
	pnodeOrder  []*PNode
	pnodeSeq    uint64
	scopes      []*scope

	compiler *expr.Compiler
	store    types.FactStore
	queue    types.ImportQueue
	refs     types.ReferenceTracker
}

// Option configures a Network.
type Option func(*Network)

// WithStore sets the fact store used by effects and the import cycle.
func WithStore(s types.FactStore) Option {
	return func(n *Network) { n.store = s }
}

// WithQueue sets the import queue drained at the start of every round.
func WithQueue(q types.ImportQueue) Option {
	return func(n *Network) { n.queue = q }
}

// WithReferenceTracker shares a reference index with other networks.
func WithReferenceTracker(t types.ReferenceTracker) Option {
	return func(n *Network) { n.refs = t }
}

// WithCompiler sets the expression compiler.
func WithCompiler(c *expr.Compiler) Option {
	return func(n *Network) { n.compiler = c }
}

// New creates an empty network containing only the root alpha node and the
// root token.
func New(name string, opts ...Option) *Network {
	n := &Network{
		name:        name,
		alphaKeys:   make(map[alphaKey]alphaID),
		joinKeys:    make(map[joinKey]joinID),
		facts:       make(map[types.FactID]types.Fact),
		factTokens:  make(map[types.FactID]*idSet[tokenID]),
		productions: make(map[string]*PNode),
		scopes:      []*scope{newScope()},
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.compiler == nil {
		n.compiler = expr.NewCompiler(expr.DefaultCacheSize)
	}
	if n.refs == nil {
		n.refs = NewReferenceIndex()
	}

	n.alphas.alloc(&alphaNode{key: alphaKey{parent: noAlpha}})
	n.tokens.alloc(&token{parent: noToken})
	n.tokens.live--
	return n
}

// Name returns the network name.
func (n *Network) Name() string {
	return n.name
}

// Store returns the configured fact store, if any.
func (n *Network) Store() types.FactStore {
	return n.store
}

// =============================================================================
// FACT ACCESS
// =============================================================================

// ContainsWME reports whether the fact is in the root alpha memory.
func (n *Network) ContainsWME(id types.FactID) bool {
	_, ok := n.facts[id]
	return ok
}

// WME returns an asserted fact by id.
func (n *Network) WME(id types.FactID) (types.Fact, bool) {
	f, ok := n.facts[id]
	return f, ok
}

// WMEs returns every asserted fact in root memory order.
func (n *Network) WMEs() []types.Fact {
	root := n.alphas.get(rootAlpha)
	out := make([]types.Fact, 0, root.items.len())
	for _, id := range root.items.items {
		out = append(out, n.facts[id])
	}
	return out
}

// =============================================================================
// PRODUCTIONS
// =============================================================================

// PNode returns the production node registered under name.
func (n *Network) PNode(name string) (*PNode, bool) {
	p, ok := n.productions[name]
	return p, ok
}

// PNodes returns every production node in registration order.
func (n *Network) PNodes() []*PNode {
	return append([]*PNode(nil), n.pnodeOrder...)
}

// TriggeredPNodes returns the production nodes with a positive trigger count
// in the live scope, in registration order.
func (n *Network) TriggeredPNodes() []*PNode {
	var out []*PNode
	for _, p := range n.pnodeOrder {
		if p.Triggered() > 0 {
			out = append(out, p)
		}
	}
	return out
}

// SetEffects replaces the effects of a registered production.
func (n *Network) SetEffects(name string, effects ...Effect) error {
	p, ok := n.productions[name]
	if !ok {
		return ErrUnknownProduction
	}
	p.production = p.production.withEffects(effects)
	return nil
}

// =============================================================================
// STATS
// =============================================================================

// Stats counts live nodes. The root alpha node is included in AlphaNodes;
// the root token is not included in Tokens.
type Stats struct {
	AlphaNodes   int
	BetaMemories int
	JoinNodes    int
	PNodes       int
	Tokens       int
	Facts        int
}

// Stats returns current node and token counts.
func (n *Network) Stats() Stats {
	return Stats{
		AlphaNodes:   n.alphas.live,
		BetaMemories: n.memories.live,
		JoinNodes:    n.joins.live,
		PNodes:       len(n.productions),
		Tokens:       n.tokens.live,
		Facts:        len(n.facts),
	}
}

// AlphaMemoryFor returns the ids of the facts in the alpha memory that
// serves a pattern condition, or false when no such memory exists yet.
func (n *Network) AlphaMemoryFor(c Condition) ([]types.FactID, bool) {
	if c.IsTest() {
		return nil, false
	}
	id := rootAlpha
	for _, t := range c.ConstantTests() {
		child, ok := n.alphaKeys[alphaKey{parent: id, field: t.Field, op: t.Op, value: t.Value}]
		if !ok {
			return nil, false
		}
		id = child
	}
	ids := n.alphas.get(id).items.snapshot()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, true
}

// =============================================================================
// REFERENCE INDEX
// =============================================================================

// ReferenceIndex maps fact ids to the networks holding them. It is safe for
// concurrent use and is the default tracker of a standalone network.
type ReferenceIndex struct {
	mu   sync.Mutex
	refs map[types.FactID]map[string]struct{}
}

// NewReferenceIndex creates an empty index.
func NewReferenceIndex() *ReferenceIndex {
	return &ReferenceIndex{refs: make(map[types.FactID]map[string]struct{})}
}

func (r *ReferenceIndex) Track(network string, id types.FactID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.refs[id]
	if !ok {
		set = make(map[string]struct{})
		r.refs[id] = set
	}
	set[network] = struct{}{}
}

func (r *ReferenceIndex) Untrack(network string, id types.FactID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok := r.refs[id]; ok {
		delete(set, network)
		if len(set) == 0 {
			delete(r.refs, id)
		}
	}
}

// Referencing returns the sorted names of the networks holding id.
func (r *ReferenceIndex) Referencing(id types.FactID) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for name := range r.refs[id] {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of tracked facts.
func (r *ReferenceIndex) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.refs)
}

func (n *Network) logf(format string, args ...interface{}) {
	logging.NetworkDebug("[%s] "+format, append([]interface{}{n.name}, args...)...)
}
