package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"reteul/internal/logging"
	"reteul/internal/rete"
	"reteul/internal/store"
	"reteul/internal/types"
)

func TestMain(m *testing.M) {
	logging.SetLogger(zap.NewNop())
	goleak.VerifyTestMain(m)
}

func newEngine(t *testing.T) *Engine {
	t.Helper()
	return New(store.NewMemoryStore(), store.NewMemoryQueue(), WithCacheSize(16))
}

func addProduction(t *testing.T, e *Engine, network, name string, conds []rete.Condition, effects ...rete.Effect) *rete.PNode {
	t.Helper()
	p, err := rete.NewProduction(name, conds, effects...)
	require.NoError(t, err)
	var pn *rete.PNode
	require.NoError(t, e.With(network, func(n *rete.Network) error {
		var err error
		pn, err = n.AddProduction(p)
		return err
	}))
	return pn
}

func TestAddNetwork(t *testing.T) {
	e := newEngine(t)
	_, err := e.AddNetwork("b")
	require.NoError(t, err)
	_, err = e.AddNetwork("a")
	require.NoError(t, err)
	_, err = e.AddNetwork("a")
	assert.ErrorIs(t, err, ErrDuplicateNetwork)

	assert.Equal(t, []string{"a", "b"}, e.Networks())
	n, ok := e.Network("a")
	require.True(t, ok)
	assert.Equal(t, "a", n.Name())
	assert.Same(t, e.Store(), n.Store())

	err = e.With("missing", func(*rete.Network) error { return nil })
	assert.ErrorIs(t, err, ErrUnknownNetwork)
}

func TestAssertReachesNetworksThroughQueue(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	for _, name := range []string{"left", "right"} {
		_, err := e.AddNetwork(name)
		require.NoError(t, err)
	}
	left := addProduction(t, e, "left", "red", []rete.Condition{rete.NewPattern("?", "?x", "color", "red")})

	f, err := e.Assert(ctx, types.NewFact("box", "color", "red"))
	require.NoError(t, err)
	only, err := e.Assert(ctx, types.NewFact("ball", "color", "red"), "right")
	require.NoError(t, err)

	_, err = e.Assert(ctx, types.NewFact("x", "y", "z"), "nowhere")
	assert.ErrorIs(t, err, ErrUnknownNetwork)

	require.NoError(t, e.Drain(ctx))
	assert.Equal(t, 1, left.Triggered())
	assert.Equal(t, []string{"left", "right"}, e.References().Referencing(f.ID))
	assert.Equal(t, []string{"right"}, e.References().Referencing(only.ID))
}

func TestUpdateIsCopyOnWrite(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	for _, name := range []string{"a", "b"} {
		_, err := e.AddNetwork(name)
		require.NoError(t, err)
	}
	green := addProduction(t, e, "b", "green", []rete.Condition{rete.NewPattern("?", "?x", "color", "green")})

	f, err := e.Assert(ctx, types.NewFact("box", "color", "red"))
	require.NoError(t, err)
	require.NoError(t, e.Drain(ctx))

	updated, err := e.Update(ctx, f.ID, types.FieldObject, "green")
	require.NoError(t, err)
	assert.NotEqual(t, f.ID, updated.ID)
	assert.Equal(t, "green", updated.Object)

	require.NoError(t, e.Drain(ctx))
	for _, name := range []string{"a", "b"} {
		n, _ := e.Network(name)
		assert.False(t, n.ContainsWME(f.ID), name)
		assert.True(t, n.ContainsWME(updated.ID), name)
	}
	assert.Equal(t, 1, green.Triggered())

	// The old version is gone once every holder has drained it.
	_, err = e.Store().Get(ctx, f.ID)
	assert.ErrorIs(t, err, types.ErrFactNotFound)

	_, err = e.Update(ctx, updated.ID, types.FieldID, "x")
	assert.Error(t, err)
}

func TestUpdateOfUnheldFactDeletesOldVersion(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	f, err := e.Store().Put(ctx, types.NewFact("a", "b", "c"))
	require.NoError(t, err)

	updated, err := e.Update(ctx, f.ID, types.FieldSubject, "z")
	require.NoError(t, err)
	_, err = e.Store().Get(ctx, f.ID)
	assert.ErrorIs(t, err, types.ErrFactNotFound)
	got, err := e.Store().Get(ctx, updated.ID)
	require.NoError(t, err)
	assert.Equal(t, "z", got.Subject)
}

func TestRetract(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	_, err := e.AddNetwork("a")
	require.NoError(t, err)

	f, err := e.Assert(ctx, types.NewFact("a", "b", "c"))
	require.NoError(t, err)
	require.NoError(t, e.Drain(ctx))

	require.NoError(t, e.Retract(ctx, f.ID))
	_, err = e.Store().Get(ctx, f.ID)
	require.NoError(t, err, "still held until drained")

	require.NoError(t, e.Drain(ctx))
	_, err = e.Store().Get(ctx, f.ID)
	assert.ErrorIs(t, err, types.ErrFactNotFound)

	assert.ErrorIs(t, e.Retract(ctx, f.ID), types.ErrFactNotFound)
}

func TestRemoveNetwork(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	for _, name := range []string{"a", "b"} {
		_, err := e.AddNetwork(name)
		require.NoError(t, err)
	}
	shared, err := e.Assert(ctx, types.NewFact("s", "p", "o"))
	require.NoError(t, err)
	own, err := e.Assert(ctx, types.NewFact("only", "p", "o"), "a")
	require.NoError(t, err)
	require.NoError(t, e.Drain(ctx))

	require.NoError(t, e.RemoveNetwork(ctx, "a"))
	assert.Equal(t, []string{"b"}, e.Networks())

	_, err = e.Store().Get(ctx, own.ID)
	assert.ErrorIs(t, err, types.ErrFactNotFound)
	_, err = e.Store().Get(ctx, shared.ID)
	assert.NoError(t, err)

	assert.ErrorIs(t, e.RemoveNetwork(ctx, "a"), ErrUnknownNetwork)
}

func TestRunAllCrossNetworkFixpoint(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	for _, name := range []string{"painter", "observer"} {
		_, err := e.AddNetwork(name)
		require.NoError(t, err)
	}

	upd, err := rete.NewUpdate("?id", types.FieldObject, "green")
	require.NoError(t, err)
	addProduction(t, e, "painter", "repaint", []rete.Condition{rete.NewPattern("?id", "?x", "color", "red")}, upd)

	create, err := rete.NewCreate([]map[string]any{{"?x": map[string]any{"seen": "green"}}}, nil)
	require.NoError(t, err)
	addProduction(t, e, "observer", "notice", []rete.Condition{rete.NewPattern("?", "?x", "color", "green")}, create)

	_, err = e.Assert(ctx, types.NewFact("box", "color", "red"))
	require.NoError(t, err)
	// Both networks must hold the fact before the painter updates it.
	require.NoError(t, e.Drain(ctx))

	var mu sync.Mutex
	seen := make(map[string][]string)
	rounds, err := e.RunAll(ctx, func(network string, r *rete.Round) error {
		mu.Lock()
		defer mu.Unlock()
		seen[network] = append(seen[network], r.Triggered...)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"repaint"}, seen["painter"])
	assert.Equal(t, []string{"notice"}, seen["observer"])
	assert.Equal(t, 1, rounds["painter"])
	assert.Equal(t, 1, rounds["observer"])

	ids, err := e.Store().FindByField(ctx, types.FieldPredicate, "seen")
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestRunAllReportsCycleLimit(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	_, err := e.AddNetwork("counter")
	require.NoError(t, err)

	create, err := rete.NewCreate(
		[]map[string]any{{"?x": map[string]any{"counter": "?next"}}},
		map[string]string{"next": `str(num(?n) + 1)`},
	)
	require.NoError(t, err)
	addProduction(t, e, "counter", "increment", []rete.Condition{rete.NewPattern("?", "?x", "counter", "?n")}, create)
	_, err = e.Assert(ctx, types.NewFact("c", "counter", "0"))
	require.NoError(t, err)

	_, err = e.RunAll(ctx, nil, rete.WithMaxRounds(3))
	assert.ErrorIs(t, err, rete.ErrCycleLimit)
}

func TestRunAllRoundLimitSpansPasses(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	e := newEngine(t)
	for _, name := range []string{"painter", "unpainter"} {
		_, err := e.AddNetwork(name)
		require.NoError(t, err)
	}

	toGreen, err := rete.NewUpdate("?id", types.FieldObject, "green")
	require.NoError(t, err)
	addProduction(t, e, "painter", "repaint", []rete.Condition{rete.NewPattern("?id", "?x", "color", "red")}, toGreen)
	toRed, err := rete.NewUpdate("?id", types.FieldObject, "red")
	require.NoError(t, err)
	addProduction(t, e, "unpainter", "unpaint", []rete.Condition{rete.NewPattern("?id", "?x", "color", "green")}, toRed)

	_, err = e.Assert(ctx, types.NewFact("box", "color", "red"))
	require.NoError(t, err)
	require.NoError(t, e.Drain(ctx))

	rounds, err := e.RunAll(ctx, nil, rete.WithMaxRounds(3))
	require.ErrorIs(t, err, rete.ErrCycleLimit)
	assert.NoError(t, ctx.Err())
	for name, n := range rounds {
		assert.LessOrEqual(t, n, 3, name)
	}
}
