package rete

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandTemplateFlat(t *testing.T) {
	facts, err := ExpandTemplate(map[string]any{
		"?x": map[string]any{"color": "red", "size": 3},
	})
	require.NoError(t, err)
	assert.Equal(t, []TemplateFact{
		{Subject: "?x", Predicate: "color", Object: "red"},
		{Subject: "?x", Predicate: "size", Object: "3"},
	}, facts)
}

func TestExpandTemplateNested(t *testing.T) {
	facts, err := ExpandTemplate(map[string]any{
		"sys2": map[string]any{"does": map[string]any{"func": "?z"}},
	})
	require.NoError(t, err)
	require.Len(t, facts, 2)

	assert.Equal(t, "sys2", facts[0].Subject)
	assert.Equal(t, "does", facts[0].Predicate)
	assert.True(t, strings.HasPrefix(facts[0].Object, "#"))
	assert.Equal(t, facts[0].Object, facts[1].Subject)
	assert.Equal(t, "func", facts[1].Predicate)
	assert.Equal(t, "?z", facts[1].Object)
}

func TestExpandTemplateLists(t *testing.T) {
	facts, err := ExpandTemplate(map[string]any{
		"ann": map[string]any{"likes": []any{"tea", "cake"}},
		"bob": []any{
			map[string]any{"age": 30},
			map[string]any{"age": 31},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []TemplateFact{
		{Subject: "ann", Predicate: "likes", Object: "tea"},
		{Subject: "ann", Predicate: "likes", Object: "cake"},
		{Subject: "bob", Predicate: "age", Object: "30"},
		{Subject: "bob", Predicate: "age", Object: "31"},
	}, facts)
}

func TestExpandTemplateInlineID(t *testing.T) {
	facts, err := ExpandTemplate(map[string]any{
		"?x": map[string]any{
			"near:id=?nid": "?z",
			"at":           "12:30",
			"seen":         "today:id=?sid",
			"note":         nil,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []TemplateFact{
		{Subject: "?x", Predicate: "at", Object: "12:30"},
		{IDVar: "?nid", Subject: "?x", Predicate: "near", Object: "?z"},
		{Subject: "?x", Predicate: "note", Object: "?"},
		{IDVar: "?sid", Subject: "?x", Predicate: "seen", Object: "today"},
	}, facts)
}

func TestExpandTemplateErrors(t *testing.T) {
	_, err := ExpandTemplate(map[string]any{"a": "b"})
	assert.Error(t, err)

	_, err = ExpandTemplate(map[string]any{"a": map[string]any{"b:id=": "c"}})
	assert.Error(t, err)

	_, err = NewCreate([]map[string]any{{"a": 1}}, nil)
	assert.Error(t, err)

	_, err = NewCreate([]map[string]any{{"a": map[string]any{"b": "?c"}}}, map[string]string{"c": "1 +"})
	assert.Error(t, err)
}
