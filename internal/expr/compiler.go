package expr

import (
	"fmt"
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"reteul/internal/logging"
)

// =============================================================================
// YAEGI EXPRESSION COMPILER
// =============================================================================
// Expressions are wrapped into a small main package with a fixed prelude and
// interpreted by yaegi. Only the prelude's imports are visible to user code,
// so expressions cannot reach os, net or exec.

// DefaultCacheSize bounds compiled programs per compiler.
const DefaultCacheSize = 256

// Lookup returns the value of field (types.Field order) of the fact bound at
// depth of the token under test.
type Lookup func(depth, field int) string

// Predicate is a compiled join test.
type Predicate func(Lookup) (bool, error)

// Computation is a compiled value expression over match bindings.
type Computation func(vars map[string]string) (string, error)

const prelude = `
package main

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var _ = math.Abs

func num(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return math.NaN()
	}
	return f
}

func str(x interface{}) string { return fmt.Sprint(x) }

func lower(s string) string { return strings.ToLower(s) }

func upper(s string) string { return strings.ToUpper(s) }

func contains(s, sub string) bool { return strings.Contains(s, sub) }

func now() float64 { return float64(time.Now().UnixNano()) / 1e9 }
`

// Compiler compiles and caches expression programs. A Compiler belongs to
// one network; the LRU itself is safe for concurrent use.
type Compiler struct {
	predicates   *lru.Cache[string, Predicate]
	computations *lru.Cache[string, Computation]
}

// NewCompiler creates a compiler keeping up to cacheSize programs of each kind.
func NewCompiler(cacheSize int) *Compiler {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	onEvict := func(src string, _ Predicate) {
		logging.ExprDebug("evicted predicate %q", src)
	}
	preds, _ := lru.NewWithEvict[string, Predicate](cacheSize, onEvict)
	comps, _ := lru.New[string, Computation](cacheSize)
	return &Compiler{predicates: preds, computations: comps}
}

// Predicate compiles a boolean expression whose bound fields are already
// written as v(depth, field) placeholders.
func (c *Compiler) Predicate(src string) (Predicate, error) {
	if p, ok := c.predicates.Get(src); ok {
		return p, nil
	}

	code := prelude + "\nfunc Eval(v func(int, int) string) bool {\n\treturn " + src + "\n}\n"
	sym, err := evalProgram(code)
	if err != nil {
		return nil, fmt.Errorf("compile test %q: %w", src, err)
	}
	fn, ok := sym.(func(func(int, int) string) bool)
	if !ok {
		return nil, fmt.Errorf("compile test %q: expression is not boolean", src)
	}

	p := func(lookup Lookup) (ok bool, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("evaluate test %q: %v", src, r)
			}
		}()
		return fn(lookup), nil
	}
	c.predicates.Add(src, p)
	logging.ExprDebug("compiled predicate %q", src)
	return p, nil
}

// Computation compiles a value expression. Variables are written ?name and
// read from the binding map at evaluation time.
func (c *Compiler) Computation(src string) (Computation, error) {
	if p, ok := c.computations.Get(src); ok {
		return p, nil
	}
	if err := Validate(src); err != nil {
		return nil, err
	}

	body, _ := Rewrite(src, func(name string) (string, error) {
		return "vars[" + strconv.Quote(name) + "]", nil
	})
	code := prelude + "\nfunc Eval(vars map[string]string) interface{} {\n\treturn " + body + "\n}\n"
	sym, err := evalProgram(code)
	if err != nil {
		return nil, fmt.Errorf("compile computation %q: %w", src, err)
	}
	fn, ok := sym.(func(map[string]string) interface{})
	if !ok {
		return nil, fmt.Errorf("compile computation %q: unexpected signature", src)
	}

	comp := func(vars map[string]string) (out string, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("evaluate %q: %v", src, r)
			}
		}()
		return format(fn(vars)), nil
	}
	c.computations.Add(src, comp)
	logging.ExprDebug("compiled computation %q", src)
	return comp, nil
}

// Len reports how many programs are cached.
func (c *Compiler) Len() int {
	return c.predicates.Len() + c.computations.Len()
}

func evalProgram(code string) (interface{}, error) {
	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("failed to load stdlib: %w", err)
	}
	if _, err := i.Eval(code); err != nil {
		return nil, err
	}
	v, err := i.Eval("main.Eval")
	if err != nil {
		return nil, fmt.Errorf("Eval function not found: %w", err)
	}
	return v.Interface(), nil
}

func format(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}
