package rete

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTriggerScopeIsolation(t *testing.T) {
	n := New("scopes")
	p1 := mustAdd(t, n, "p1", blocksConditions()...)
	for _, f := range blocksFacts() {
		n.AddWME(f)
	}
	require.Equal(t, 1, p1.Triggered())

	depth := n.PushTriggerScope()
	assert.Equal(t, 1, depth)
	assert.Equal(t, 1, n.TriggerStackDepth())
	assert.Zero(t, p1.Triggered())
	assert.Empty(t, n.TriggeredPNodes())
	assert.Equal(t, 1, p1.Len())

	n.AddWME(fact("w10", "B0", "on", "B2"))
	assert.Equal(t, 1, p1.Triggered())
	assert.Equal(t, []string{"w10,w5,w9"}, matchKeys(p1.Matches()))
	assert.Equal(t, []string{"w1,w5,w9", "w10,w5,w9"}, matchKeys(p1.AllMatches()))

	top := n.TopTriggerScope()
	assert.Equal(t, map[string]int{"p1": 1}, top.Triggered)

	g, ok := n.PopTriggerScope()
	require.True(t, ok)
	assert.Equal(t, 1, g.Depth)
	assert.Equal(t, []string{"p1"}, g.Names())
	assert.Equal(t, map[string]int{"p1": 1}, g.Triggered)
	assert.Equal(t, []string{"w10,w5,w9"}, matchKeys(g.Matches["p1"]))

	// The popped matches are still current and now count in the master scope.
	assert.Equal(t, 2, p1.Triggered())

	_, ok = n.PopTriggerScope()
	assert.False(t, ok)
}

func TestRetractionReachesFrozenScope(t *testing.T) {
	n := New("frozen")
	p1 := mustAdd(t, n, "p1", blocksConditions()...)
	for _, f := range blocksFacts() {
		n.AddWME(f)
	}
	n.PushTriggerScope()
	n.RemoveWMEByID("w1")
	assert.Zero(t, p1.Len())
	assert.Zero(t, p1.Triggered())

	g, ok := n.PopTriggerScope()
	require.True(t, ok)
	assert.Empty(t, g.Triggered)
	assert.Zero(t, p1.Triggered())

	n.AddWME(fact("w1", "B1", "on", "B2"))
	assert.Equal(t, 1, p1.Triggered())
}

func TestSnapshotIsDetached(t *testing.T) {
	n := New("detached")
	p1 := mustAdd(t, n, "p1", blocksConditions()...)
	n.PushTriggerScope()
	for _, f := range blocksFacts() {
		n.AddWME(f)
	}
	g, ok := n.PopTriggerScope()
	require.True(t, ok)

	n.RemoveWMEByID("w5")
	assert.Zero(t, p1.Triggered())
	assert.Equal(t, 1, g.Triggered["p1"])
	require.Len(t, g.Matches["p1"], 1)
	assert.Equal(t, "B2", g.Matches["p1"][0][1].Subject)
}

func TestResetTriggerStack(t *testing.T) {
	n := New("reset")
	p1 := mustAdd(t, n, "p1", blocksConditions()...)
	n.PushTriggerScope()
	n.PushTriggerScope()
	for _, f := range blocksFacts() {
		n.AddWME(f)
	}
	n.PushTriggerScope()
	assert.Equal(t, 3, n.TriggerStackDepth())

	n.ResetTriggerStack()
	assert.Zero(t, n.TriggerStackDepth())
	assert.Equal(t, 1, p1.Triggered())
}

func TestRemoveProductionClearsEveryScope(t *testing.T) {
	n := New("clear")
	mustAdd(t, n, "p1", blocksConditions()...)
	for _, f := range blocksFacts() {
		n.AddWME(f)
	}
	n.PushTriggerScope()
	n.AddWME(fact("w10", "B0", "on", "B2"))

	require.NoError(t, n.RemoveProduction("p1"))
	for _, s := range n.scopes {
		assert.Empty(t, s.tokens)
	}
	g, ok := n.PopTriggerScope()
	require.True(t, ok)
	assert.Empty(t, g.Triggered)
}
