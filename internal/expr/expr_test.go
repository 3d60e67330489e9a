package expr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVariables(t *testing.T) {
	got := Variables(`num(?b) > num(?a) && ?a != "?" || ?b == ?c_1`)
	assert.Equal(t, []string{"a", "b", "c_1"}, got)
	assert.Empty(t, Variables(`1 < 2`))
	assert.Equal(t, []string{"first-name"}, Variables(`?first-name == "?other" || ?first-name == `+"`?raw`"))
	assert.Equal(t, []string{"a", "b"}, Variables(`num(?a)-num(?b)`))
}

func TestValidName(t *testing.T) {
	for _, name := range []string{"x", "first-name", "c_1", "2"} {
		assert.True(t, ValidName(name), name)
	}
	for _, name := range []string{"", "x-", "-x", "a b", "a?"} {
		assert.False(t, ValidName(name), name)
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(`num(?x) < 10`))
	assert.NoError(t, Validate(`?a == ?b`))

	for _, bad := range []string{"", "   ", "?x <", "?x == 1; ?y == 2", "func {"} {
		err := Validate(bad)
		require.Error(t, err, bad)
		assert.True(t, errors.Is(err, ErrSyntax), bad)
	}
}

func TestRewrite(t *testing.T) {
	out, err := Rewrite(`?x + ?y`, func(name string) (string, error) {
		return "<" + name + ">", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "<x> + <y>", out)

	out, err = Rewrite(`?first-name == "?x" && ?y-?z > 0 && '?' != ?x`, func(name string) (string, error) {
		return "<" + name + ">", nil
	})
	require.NoError(t, err)
	assert.Equal(t, `<first-name> == "?x" && <y>-<z> > 0 && '?' != <x>`, out)
	assert.NoError(t, Validate(`?first-name != "?first-name"`))

	_, err = Rewrite(`?x`, func(name string) (string, error) {
		return "", errors.New("unbound")
	})
	assert.Error(t, err)
}

func TestCompilerPredicate(t *testing.T) {
	c := NewCompiler(8)
	p, err := c.Predicate(`num(v(1, 3)) < num(v(2, 3))`)
	require.NoError(t, err)

	values := map[[2]int]string{{1, 3}: "4", {2, 3}: "10"}
	lookup := func(depth, field int) string { return values[[2]int{depth, field}] }

	ok, err := p(lookup)
	require.NoError(t, err)
	assert.True(t, ok)

	values[[2]int{1, 3}] = "11"
	ok, err = p(lookup)
	require.NoError(t, err)
	assert.False(t, ok)

	again, err := c.Predicate(`num(v(1, 3)) < num(v(2, 3))`)
	require.NoError(t, err)
	assert.NotNil(t, again)
	assert.Equal(t, 1, c.Len(), "second compile is served from cache")
}

func TestCompilerPredicateRejectsNonBoolean(t *testing.T) {
	c := NewCompiler(8)
	_, err := c.Predicate(`v(1, 3)`)
	assert.Error(t, err)
}

func TestCompilerComputation(t *testing.T) {
	c := NewCompiler(8)
	comp, err := c.Computation(`num(?price) * 2`)
	require.NoError(t, err)

	out, err := comp(map[string]string{"price": "2.5"})
	require.NoError(t, err)
	assert.Equal(t, "5", out)

	label, err := c.Computation(`upper(?name) + "!"`)
	require.NoError(t, err)
	out, err = label(map[string]string{"name": "red"})
	require.NoError(t, err)
	assert.Equal(t, "RED!", out)
}

func TestCompilerComputationRejectsSyntax(t *testing.T) {
	c := NewCompiler(8)
	_, err := c.Computation(`?x +`)
	assert.True(t, errors.Is(err, ErrSyntax))
}
