package rete

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reteul/internal/types"
)

func TestPatternSlots(t *testing.T) {
	c := NewPattern("?", "?x", "age", ">=18")

	assert.False(t, c.IsTest())
	assert.Equal(t, [4]string{"?", "?x", "age", ">=18"}, c.Parts())
	assert.Equal(t, "(? ?x age >=18)", c.String())
	assert.Equal(t, []ConstantTest{
		{Field: types.FieldPredicate, Op: types.OpEQ, Value: "age"},
		{Field: types.FieldObject, Op: types.OpGE, Value: "18"},
	}, c.ConstantTests())
	assert.Equal(t, []Binding{{Field: types.FieldSubject, Name: "x"}}, c.VariableBindings())
	assert.Nil(t, c.TestVariables())
}

func TestEmptySlotIsDontCare(t *testing.T) {
	c := NewPattern("", "?x", "", "blue")
	assert.Equal(t, [4]string{"?", "?x", "?", "blue"}, c.Parts())
	assert.Len(t, c.ConstantTests(), 1)
}

func TestTestCondition(t *testing.T) {
	c, err := NewTest(` num(?a) < num(?b) && ?a != "0" `)
	require.NoError(t, err)
	assert.True(t, c.IsTest())
	assert.Equal(t, `num(?a) < num(?b) && ?a != "0"`, c.Expression())
	assert.Equal(t, []string{"a", "b"}, c.TestVariables())
	assert.Nil(t, c.ConstantTests())
	assert.Nil(t, c.VariableBindings())

	_, err = NewTest(`num(?a) <`)
	assert.ErrorIs(t, err, ErrMalformedCondition)
	assert.Panics(t, func() { MustTest(`(`) })
}

func TestParseCondition(t *testing.T) {
	c, err := ParseCondition("?", "?x", "on", "?y")
	require.NoError(t, err)
	assert.False(t, c.IsTest())

	c, err = ParseCondition(`?x == "B1"`)
	require.NoError(t, err)
	assert.True(t, c.IsTest())

	_, err = ParseCondition("?x", "on")
	assert.ErrorIs(t, err, ErrMalformedCondition)
}

func TestBindingsFirstWins(t *testing.T) {
	p := mustProduction(t, "p", []Condition{
		pat("?", "?x", "on", "?y"),
		pat("?", "?y", "on", "?"),
	})
	vars := p.bindings([]types.Fact{
		fact("1", "a", "on", "b"),
		fact("2", "b", "on", "c"),
	})
	assert.Equal(t, Bindings{"x": "a", "y": "b"}, vars)
	assert.Equal(t, "{x=a y=b}", vars.String())

	clone := vars.Clone()
	clone["x"] = "z"
	assert.Equal(t, "a", vars["x"])
}
