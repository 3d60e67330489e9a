package types

import (
	"fmt"
	"strings"
)

// Operation is the closed set of constant-test comparisons.
type Operation uint8

const (
	OpEQ Operation = iota
	OpNE
	OpLT
	OpGT
	OpLE
	OpGE
)

var operationSymbols = [...]string{"=", "!=", "<", ">", "<=", ">="}

// String returns the ASCII symbol of the operation.
func (op Operation) String() string {
	if int(op) < len(operationSymbols) {
		return operationSymbols[op]
	}
	return fmt.Sprintf("op(%d)", uint8(op))
}

// operatorPrefixes is ordered longest match first.
var operatorPrefixes = []struct {
	prefix string
	op     Operation
}{
	{"<=", OpLE},
	{">=", OpGE},
	{"!=", OpNE},
	{"≤", OpLE},
	{"≥", OpGE},
	{"≠", OpNE},
	{"=", OpEQ},
	{"<", OpLT},
	{">", OpGT},
}

// SplitOperation decodes an optional leading operator from a constant slot.
// Values without an operator are equality tests.
func SplitOperation(raw string) (Operation, string) {
	for _, p := range operatorPrefixes {
		if strings.HasPrefix(raw, p.prefix) {
			return p.op, raw[len(p.prefix):]
		}
	}
	return OpEQ, raw
}

// ParseOperation resolves an operator symbol.
func ParseOperation(symbol string) (Operation, error) {
	for _, p := range operatorPrefixes {
		if symbol == p.prefix {
			return p.op, nil
		}
	}
	return 0, fmt.Errorf("unknown operation %q", symbol)
}

// Apply tests actual against expected. Equality is exact; ordering compares
// numerically when both sides are numbers and lexically otherwise.
func (op Operation) Apply(actual, expected string) bool {
	switch op {
	case OpEQ:
		return actual == expected
	case OpNE:
		return actual != expected
	}

	var c int
	if x, ok := parseNumber(actual); ok {
		if y, ok := parseNumber(expected); ok {
			switch {
			case x < y:
				c = -1
			case x > y:
				c = 1
			}
			return op.holds(c)
		}
	}
	c = strings.Compare(actual, expected)
	return op.holds(c)
}

func (op Operation) holds(c int) bool {
	switch op {
	case OpLT:
		return c < 0
	case OpGT:
		return c > 0
	case OpLE:
		return c <= 0
	case OpGE:
		return c >= 0
	}
	panic(fmt.Sprintf("types: unknown operation %d", op))
}
