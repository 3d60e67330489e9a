package rete

import (
	"errors"
	"fmt"
	"strings"

	"reteul/internal/expr"
	"reteul/internal/types"
)

// =============================================================================
// CONDITIONS
// =============================================================================

var (
	// ErrMalformedCondition is returned when a condition cannot be built.
	ErrMalformedCondition = errors.New("malformed condition")
	// ErrUnboundVariable is returned when a test references a variable that
	// no earlier pattern binds.
	ErrUnboundVariable = errors.New("unbound variable")
)

type slotKind uint8

const (
	slotDontCare slotKind = iota
	slotConstant
	slotVariable
)

type slot struct {
	kind  slotKind
	op    types.Operation
	value string // constant value or variable name
}

func parseSlot(raw string) slot {
	if raw == "" || raw == types.DontCare {
		return slot{kind: slotDontCare}
	}
	if strings.HasPrefix(raw, "?") {
		return slot{kind: slotVariable, value: raw[1:]}
	}
	op, v := types.SplitOperation(raw)
	return slot{kind: slotConstant, op: op, value: v}
}

func (s slot) String() string {
	switch s.kind {
	case slotVariable:
		return "?" + s.value
	case slotConstant:
		if s.op == types.OpEQ {
			return s.value
		}
		return s.op.String() + s.value
	}
	return types.DontCare
}

// Condition is one line of a production's left-hand side: either a pattern
// over the four fact fields or a boolean test over earlier bindings.
type Condition struct {
	slots [4]slot
	test  string
}

// ConstantTest is a single-field alpha test.
type ConstantTest struct {
	Field types.Field
	Op    types.Operation
	Value string
}

// Binding ties a variable to the field it is read from.
type Binding struct {
	Field types.Field
	Name  string
}

// NewPattern builds a field pattern. Each slot is "?" or "" (don't care),
// "?name" (variable) or a constant with an optional leading operator.
func NewPattern(id, subject, predicate, object string) Condition {
	return Condition{slots: [4]slot{parseSlot(id), parseSlot(subject), parseSlot(predicate), parseSlot(object)}}
}

// NewTest builds a test condition. The expression must be a single Go
// expression; variables are written ?name.
func NewTest(expression string) (Condition, error) {
	if err := expr.Validate(expression); err != nil {
		return Condition{}, fmt.Errorf("%w: %v", ErrMalformedCondition, err)
	}
	return Condition{test: strings.TrimSpace(expression)}, nil
}

// MustTest is NewTest for static expressions; it panics on error.
func MustTest(expression string) Condition {
	c, err := NewTest(expression)
	if err != nil {
		panic(err)
	}
	return c
}

// ParseCondition builds a pattern from four parts or a test from one.
func ParseCondition(parts ...string) (Condition, error) {
	switch len(parts) {
	case 4:
		return NewPattern(parts[0], parts[1], parts[2], parts[3]), nil
	case 1:
		return NewTest(parts[0])
	}
	return Condition{}, fmt.Errorf("%w: expected 4 pattern slots or 1 test, got %d parts", ErrMalformedCondition, len(parts))
}

// IsTest reports whether c is a test expression.
func (c Condition) IsTest() bool {
	return c.test != ""
}

// Expression returns the test source, empty for patterns.
func (c Condition) Expression() string {
	return c.test
}

// Parts returns the slot strings in [id, subject, predicate, object] order.
func (c Condition) Parts() [4]string {
	var out [4]string
	for i, s := range c.slots {
		out[i] = s.String()
	}
	return out
}

// ConstantTests lists the alpha tests in field order.
func (c Condition) ConstantTests() []ConstantTest {
	if c.IsTest() {
		return nil
	}
	var tests []ConstantTest
	for i, s := range c.slots {
		if s.kind == slotConstant {
			tests = append(tests, ConstantTest{Field: types.Fields[i], Op: s.op, Value: s.value})
		}
	}
	return tests
}

// VariableBindings lists the variable slots in field order.
func (c Condition) VariableBindings() []Binding {
	if c.IsTest() {
		return nil
	}
	var out []Binding
	for i, s := range c.slots {
		if s.kind == slotVariable {
			out = append(out, Binding{Field: types.Fields[i], Name: s.value})
		}
	}
	return out
}

// TestVariables lists the variables a test expression references.
func (c Condition) TestVariables() []string {
	if !c.IsTest() {
		return nil
	}
	return expr.Variables(c.test)
}

func (c Condition) String() string {
	if c.IsTest() {
		return "test(" + c.test + ")"
	}
	p := c.Parts()
	return "(" + strings.Join(p[:], " ") + ")"
}
