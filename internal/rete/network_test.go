package rete

import (
	"bytes"
	"fmt"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reteul/internal/types"
)

func TestBlocksWorld(t *testing.T) {
	n := New("blocks")
	p1 := mustAdd(t, n, "p1", blocksConditions()...)

	assert.Equal(t, Stats{AlphaNodes: 5, BetaMemories: 2, JoinNodes: 3, PNodes: 1}, n.Stats())

	for _, f := range blocksFacts() {
		n.AddWME(f)
	}
	require.Equal(t, 1, p1.Triggered())
	assert.Equal(t, []string{"w1,w5,w9"}, matchKeys(p1.Matches()))
	assert.Equal(t, []Bindings{{"x": "B1", "y": "B2", "z": "B3"}}, p1.MatchVariables())

	n.RemoveWMEByID("w5")
	assert.Equal(t, 0, p1.Triggered())
	assert.Empty(t, n.TriggeredPNodes())
	requireLinkInvariants(t, n)
}

func TestAddWMEIsIdempotent(t *testing.T) {
	n := New("idem")
	p1 := mustAdd(t, n, "p1", blocksConditions()...)
	for _, f := range blocksFacts() {
		n.AddWME(f)
		n.AddWME(f)
	}
	assert.Equal(t, 1, p1.Triggered())
	assert.Equal(t, 9, n.Stats().Facts)

	n.RemoveWMEByID("missing")
	n.RemoveWMEByID("w1")
	n.RemoveWMEByID("w1")
	assert.Equal(t, 8, n.Stats().Facts)
}

func TestAddWMEWithoutIDPanics(t *testing.T) {
	n := New("noid")
	assert.Panics(t, func() { n.AddWME(types.NewFact("a", "b", "c")) })
}

func TestNodeSharing(t *testing.T) {
	n := New("share")
	mustAdd(t, n, "p1", blocksConditions()...)
	base := n.Stats()

	// Same shape, different variable names: nothing new but the pnode.
	mustAdd(t, n, "renamed",
		pat("?", "?a", "on", "?b"),
		pat("?", "?b", "left-of", "?c"),
		pat("?", "?c", "color", "red"),
	)
	s := n.Stats()
	assert.Equal(t, base.AlphaNodes, s.AlphaNodes)
	assert.Equal(t, base.BetaMemories, s.BetaMemories)
	assert.Equal(t, base.JoinNodes, s.JoinNodes)
	assert.Equal(t, 2, s.PNodes)

	// Shared prefix: one new alpha node and one new join.
	mustAdd(t, n, "blue",
		pat("?", "?x", "on", "?y"),
		pat("?", "?y", "left-of", "?z"),
		pat("?", "?z", "color", "blue"),
	)
	s = n.Stats()
	assert.Equal(t, base.AlphaNodes+1, s.AlphaNodes)
	assert.Equal(t, base.BetaMemories, s.BetaMemories)
	assert.Equal(t, base.JoinNodes+1, s.JoinNodes)
}

func TestLateRegistrationSeedsMatches(t *testing.T) {
	early := New("early")
	pe := mustAdd(t, early, "p1", blocksConditions()...)
	late := New("late")
	for _, f := range blocksFacts() {
		early.AddWME(f)
		late.AddWME(f)
	}
	pl := mustAdd(t, late, "p1", blocksConditions()...)

	assert.Equal(t, matchKeys(pe.AllMatches()), matchKeys(pl.AllMatches()))
	assert.Equal(t, 1, pl.Triggered())
	assert.Equal(t, early.Stats(), late.Stats())
}

func TestRetractReassertRestoresState(t *testing.T) {
	n := New("restore")
	p1 := mustAdd(t, n, "p1", blocksConditions()...)
	for _, f := range blocksFacts() {
		n.AddWME(f)
	}
	before := n.Stats()
	matches := matchKeys(p1.AllMatches())

	for _, f := range blocksFacts() {
		n.RemoveWME(f)
		n.AddWME(f)
	}
	assert.Equal(t, before, n.Stats())
	assert.Equal(t, matches, matchKeys(p1.AllMatches()))
	requireLinkInvariants(t, n)
}

func TestOrderIndependence(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	want := ""
	for i := 0; i < 10; i++ {
		facts := blocksFacts()
		rng.Shuffle(len(facts), func(a, b int) { facts[a], facts[b] = facts[b], facts[a] })

		n := New("order")
		p1 := mustAdd(t, n, "p1", blocksConditions()...)
		for _, f := range facts {
			n.AddWME(f)
		}
		got := fmt.Sprint(matchKeys(p1.AllMatches()))
		if i == 0 {
			want = got
			continue
		}
		assert.Equal(t, want, got, "shuffle %d", i)
	}
}

func TestRemoveProductionCascade(t *testing.T) {
	n := New("cascade")
	for _, f := range blocksFacts() {
		n.AddWME(f)
	}
	mustAdd(t, n, "p1", blocksConditions()...)
	mustAdd(t, n, "p1-copy", blocksConditions()...)
	p3 := mustAdd(t, n, "pairs",
		pat("?", "?x", "on", "?y"),
		pat("?", "?y", "left-of", "?z"),
	)
	assert.Equal(t, 2, p3.Triggered())
	require.Len(t, n.TriggeredPNodes(), 3)

	require.NoError(t, n.RemoveProduction("pairs"))
	assert.True(t, p3.Removed())
	assert.Zero(t, p3.Len())
	assert.Len(t, n.TriggeredPNodes(), 2)

	require.NoError(t, n.RemoveProduction("p1"))
	assert.Len(t, n.TriggeredPNodes(), 1)
	assert.Equal(t, Stats{AlphaNodes: 5, BetaMemories: 2, JoinNodes: 3, PNodes: 1, Tokens: n.Stats().Tokens, Facts: 9}, n.Stats())

	require.NoError(t, n.RemoveProduction("p1-copy"))
	assert.Empty(t, n.TriggeredPNodes())
	assert.Equal(t, Stats{AlphaNodes: 1, Facts: 9}, n.Stats())

	err := n.RemoveProduction("p1")
	assert.ErrorIs(t, err, ErrUnknownProduction)
}

func TestDuplicateProduction(t *testing.T) {
	n := New("dup")
	mustAdd(t, n, "p1", blocksConditions()...)
	_, err := n.AddProduction(mustProduction(t, "p1", blocksConditions()))
	assert.ErrorIs(t, err, ErrDuplicateProduction)
	assert.Equal(t, 1, n.Stats().PNodes)
}

func TestFailedRegistrationLeavesNetworkUnchanged(t *testing.T) {
	n := New("atomic")
	for _, f := range blocksFacts() {
		n.AddWME(f)
	}
	before := n.Stats()

	t.Run("unbound variable", func(t *testing.T) {
		_, err := n.AddProduction(&Production{
			Name: "unbound",
			Conditions: []Condition{
				pat("?", "?x", "on", "?y"),
				MustTest(`?q == "B1"`),
			},
		})
		assert.ErrorIs(t, err, ErrUnboundVariable)
	})

	t.Run("test bound only later", func(t *testing.T) {
		_, err := NewProduction("later", []Condition{
			pat("?", "?x", "on", "?y"),
			MustTest(`?z == "B3"`),
			pat("?", "?y", "left-of", "?z"),
		})
		assert.ErrorIs(t, err, ErrUnboundVariable)
	})

	t.Run("leading test", func(t *testing.T) {
		_, err := NewProduction("leading", []Condition{MustTest(`1 < 2`), pat("?", "?x", "on", "?y")})
		assert.ErrorIs(t, err, ErrMalformedCondition)
	})

	t.Run("expression does not compile", func(t *testing.T) {
		_, err := n.AddProduction(mustProduction(t, "badexpr", []Condition{
			pat("?", "?x", "on", "?y"),
			pat("?", "?y", "left-of", "?z"),
			MustTest(`?z + 1`),
		}))
		assert.Error(t, err)
	})

	assert.Equal(t, before, n.Stats())
	_, ok := n.PNode("unbound")
	assert.False(t, ok)
}

func TestProductionValidation(t *testing.T) {
	_, err := NewProduction("", blocksConditions())
	assert.Error(t, err)
	_, err = NewProduction("empty", nil)
	assert.Error(t, err)
}

func TestTestExpressionFoldsIntoJoin(t *testing.T) {
	n := New("expr")
	p := mustAdd(t, n, "ascending",
		pat("?a", "?x", "score", "?s"),
		pat("?b", "?y", "score", "?t"),
		MustTest(`num(?s) < num(?t)`),
	)
	assert.Equal(t, 2, n.Stats().JoinNodes)

	n.AddWME(fact("1", "a", "score", "1"))
	n.AddWME(fact("2", "b", "score", "2"))
	n.AddWME(fact("3", "c", "score", "10"))
	assert.Equal(t, []string{"1,2", "1,3", "2,3"}, matchKeys(p.AllMatches()))

	n.RemoveWMEByID("1")
	assert.Equal(t, []string{"2,3"}, matchKeys(p.AllMatches()))
}

func TestTestExpressionOnIncomingFact(t *testing.T) {
	n := New("adults")
	p := mustAdd(t, n, "adult",
		pat("?", "?who", "age", "?n"),
		MustTest(`num(?n) >= 18`),
	)
	n.AddWME(fact("1", "ann", "age", "20"))
	n.AddWME(fact("2", "bob", "age", "10"))
	n.AddWME(fact("3", "cid", "age", "unknown"))
	assert.Equal(t, []Bindings{{"who": "ann", "n": "20"}}, p.MatchVariables())
}

func TestHyphenatedVariablesReachTests(t *testing.T) {
	n := New("names")
	p := mustAdd(t, n, "named",
		pat("?", "?who", "first-name", "?first-name"),
		MustTest(`?first-name != "?first-name"`),
	)
	n.AddWME(fact("1", "ann", "first-name", "Ann"))
	n.AddWME(fact("2", "odd", "first-name", "?first-name"))
	assert.Equal(t, []Bindings{{"who": "ann", "first-name": "Ann"}}, p.MatchVariables())

	_, err := NewProduction("bad", []Condition{pat("?", "?x-", "p", "o")})
	assert.ErrorIs(t, err, ErrMalformedCondition)
}

func TestTestsDistinguishSharedJoins(t *testing.T) {
	n := New("distinct")
	low := mustAdd(t, n, "low", pat("?", "?x", "size", "?n"), MustTest(`num(?n) < 5`))
	high := mustAdd(t, n, "high", pat("?", "?x", "size", "?n"), MustTest(`num(?n) >= 5`))
	assert.Equal(t, 2, n.Stats().JoinNodes)

	n.AddWME(fact("1", "a", "size", "3"))
	n.AddWME(fact("2", "b", "size", "8"))
	assert.Equal(t, []string{"1"}, matchKeys(low.AllMatches()))
	assert.Equal(t, []string{"2"}, matchKeys(high.AllMatches()))
}

func TestRepeatedVariableWithinCondition(t *testing.T) {
	n := New("loops")
	p := mustAdd(t, n, "self", pat("?", "?x", "edge", "?x"))
	n.AddWME(fact("1", "a", "edge", "a"))
	n.AddWME(fact("2", "a", "edge", "b"))
	assert.Equal(t, []string{"1"}, matchKeys(p.AllMatches()))
}

func TestSelfJoinOnSameAlphaMemory(t *testing.T) {
	n := New("paths")
	p := mustAdd(t, n, "two-step",
		pat("?", "?x", "edge", "?y"),
		pat("?", "?y", "edge", "?z"),
	)
	n.AddWME(fact("1", "a", "edge", "a"))
	assert.Equal(t, []string{"1,1"}, matchKeys(p.AllMatches()))

	n.AddWME(fact("2", "a", "edge", "b"))
	n.AddWME(fact("3", "b", "edge", "a"))
	assert.Equal(t, []string{"1,1", "1,2", "2,3", "3,1", "3,2"}, matchKeys(p.AllMatches()))
}

func TestIdentifierJoinComparesLoosely(t *testing.T) {
	n := New("meta")
	p := mustAdd(t, n, "belief",
		pat("?t", "?s", "likes", "?o"),
		pat("?", "?who", "believes", "?t"),
	)
	n.AddWME(fact("7", "ann", "likes", "tea"))
	n.AddWME(fact("b1", "bob", "believes", "7.0"))
	n.AddWME(fact("b2", "cid", "believes", "8"))
	assert.Equal(t, []string{"7,b1"}, matchKeys(p.AllMatches()))
}

func TestInequalityConstantTests(t *testing.T) {
	n := New("ranges")
	teen := mustAdd(t, n, "teen",
		pat("?", "?x", "age", ">=13"),
		pat("?", "?x", "age", "<20"),
	)
	notRed := mustAdd(t, n, "not-red", pat("?", "?x", "color", "!=red"))

	n.AddWME(fact("1", "a", "age", "12"))
	n.AddWME(fact("2", "b", "age", "13"))
	n.AddWME(fact("3", "c", "age", "19.5"))
	n.AddWME(fact("4", "d", "age", "20"))
	n.AddWME(fact("5", "d", "color", "red"))
	n.AddWME(fact("6", "e", "color", "green"))

	assert.Equal(t, []string{"2,2", "3,3"}, matchKeys(teen.AllMatches()))
	assert.Equal(t, []string{"6"}, matchKeys(notRed.AllMatches()))

	ids, ok := n.AlphaMemoryFor(pat("?", "?y", "age", ">=13"))
	require.True(t, ok)
	assert.Equal(t, []types.FactID{"2", "3", "4"}, ids)

	n.RemoveWMEByID("3")
	assert.Equal(t, []string{"2,2"}, matchKeys(teen.AllMatches()))
}

func TestAlphaMemoryForUnknownPattern(t *testing.T) {
	n := New("alpha")
	_, ok := n.AlphaMemoryFor(pat("?", "?x", "nothing", "?y"))
	assert.False(t, ok)
	_, ok = n.AlphaMemoryFor(MustTest(`true`))
	assert.False(t, ok)
}

func TestUnlinkingTracksMemories(t *testing.T) {
	n := New("links")
	mustAdd(t, n, "chain",
		pat("?", "?x", "a", "?y"),
		pat("?", "?y", "b", "?z"),
	)
	var second *joinNode
	for _, j := range n.joins.slots {
		if j != nil && j.parent != noMemory {
			second = j
		}
	}
	require.NotNil(t, second)

	assert.False(t, second.rightLinked, "empty left memory")
	assert.True(t, second.leftLinked)

	n.AddWME(fact("b1", "y", "b", "z"))
	assert.False(t, second.rightLinked)

	n.AddWME(fact("a1", "x", "a", "y"))
	assert.True(t, second.rightLinked)
	assert.True(t, second.leftLinked)
	pn, _ := n.PNode("chain")
	assert.Equal(t, 1, pn.Triggered())

	n.RemoveWMEByID("b1")
	assert.True(t, second.rightLinked)
	assert.False(t, second.leftLinked, "empty alpha memory")
	assert.Zero(t, pn.Triggered())
	requireLinkInvariants(t, n)

	n.AddWME(fact("b1", "y", "b", "z"))
	assert.True(t, second.leftLinked)
	assert.Equal(t, 1, pn.Triggered())
	requireLinkInvariants(t, n)
}

func TestIncrementalMatchesAgreeWithRecomputation(t *testing.T) {
	productions := map[string][]Condition{
		"path": {
			pat("?", "?x", "e", "?y"),
			pat("?", "?y", "e", "?z"),
		},
		"red-target": {
			pat("?", "?x", "e", "?y"),
			pat("?", "?y", "c", "red"),
		},
		"loop": {
			pat("?", "?x", "e", "?x"),
		},
		"same-predicate": {
			pat("?", "?x", "?p", "?y"),
			pat("?", "?y", "?p", "?z"),
			pat("?", "?z", "c", "?w"),
		},
		"large": {
			pat("?", "?x", "n", ">=5"),
		},
		"large-edge": {
			pat("?", "?x", "n", ">=5"),
			pat("?", "?x", "e", "!=a"),
		},
	}
	names := []string{"path", "red-target", "loop", "same-predicate", "large", "large-edge"}

	nodes := []string{"a", "b", "c", "d"}
	var pool []types.Fact
	for _, s := range nodes {
		for _, o := range nodes {
			pool = append(pool, fact(fmt.Sprintf("e-%s-%s", s, o), s, "e", o))
		}
		pool = append(pool,
			fact("c-"+s+"-red", s, "c", "red"),
			fact("c-"+s+"-blue", s, "c", "blue"),
		)
	}
	for i := 1; i <= 9; i++ {
		pool = append(pool, fact(fmt.Sprintf("n-%d", i), nodes[i%len(nodes)], "n", fmt.Sprint(i)))
	}

	rng := rand.New(rand.NewSource(42))
	n := New("random")
	present := make(map[types.FactID]bool)
	registered := make(map[string]bool)

	check := func(step int) {
		var current []types.Fact
		for _, f := range pool {
			if present[f.ID] {
				current = append(current, f)
			}
		}
		for _, name := range names {
			if !registered[name] {
				continue
			}
			pn, ok := n.PNode(name)
			require.True(t, ok)
			want := groundTruth(productions[name], current)
			got := matchKeys(pn.AllMatches())
			if diff := cmp.Diff(want, got); diff != "" && !(len(want) == 0 && len(got) == 0) {
				t.Fatalf("step %d production %s mismatch (-want +got):\n%s", step, name, diff)
			}
		}
		requireLinkInvariants(t, n)
	}

	for step := 0; step < 400; step++ {
		switch r := rng.Intn(20); {
		case r == 0:
			name := names[rng.Intn(len(names))]
			if registered[name] {
				require.NoError(t, n.RemoveProduction(name))
				delete(registered, name)
			} else {
				mustAdd(t, n, name, productions[name]...)
				registered[name] = true
			}
		default:
			f := pool[rng.Intn(len(pool))]
			if present[f.ID] {
				n.RemoveWME(f)
				delete(present, f.ID)
			} else {
				n.AddWME(f)
				present[f.ID] = true
			}
		}
		check(step)
	}

	for _, name := range names {
		if registered[name] {
			require.NoError(t, n.RemoveProduction(name))
		}
	}
	n.RemoveAllWMEs()
	assert.Equal(t, Stats{AlphaNodes: 1}, n.Stats())
}

func TestDump(t *testing.T) {
	n := New("dump")
	mustAdd(t, n, "p1", blocksConditions()...)
	for _, f := range blocksFacts() {
		n.AddWME(f)
	}
	var buf bytes.Buffer
	require.NoError(t, n.Dump(&buf))
	out := buf.String()
	assert.Contains(t, out, "network dump")
	assert.Contains(t, out, "production p1 (triggered 1, matches 1)")
	assert.Contains(t, out, `predicate = "left-of"`)
}
