// Package types provides the shared fact model used across reteul packages.
// This package exists to break import cycles between rete, store, and engine.
// Types in this package should be foundational data structures with no complex dependencies.
package types

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// =============================================================================
// FACT TYPES
// =============================================================================

// DontCare is the slot value that matches anything and binds nothing.
const DontCare = "?"

// FactID is the stable identifier of a fact. Facts compare equal by ID.
type FactID string

// NewFactID returns a fresh random identifier.
func NewFactID() FactID {
	return FactID(uuid.NewString())
}

// ErrFactNotFound is returned by fact stores for unknown identifiers.
var ErrFactNotFound = errors.New("fact not found")

// Fact is one subject/predicate/object record (a WME).
// Facts are never mutated once asserted; an update produces a new Fact.
type Fact struct {
	ID        FactID `json:"id" yaml:"id"`
	Subject   string `json:"subject" yaml:"subject"`
	Predicate string `json:"predicate" yaml:"predicate"`
	Object    string `json:"object" yaml:"object"`
}

// NewFact builds a fact with a generated identifier.
func NewFact(subject, predicate, object string) Fact {
	return Fact{ID: NewFactID(), Subject: subject, Predicate: predicate, Object: object}
}

// Field returns the value of one field.
func (f Fact) Field(field Field) string {
	switch field {
	case FieldID:
		return string(f.ID)
	case FieldSubject:
		return f.Subject
	case FieldPredicate:
		return f.Predicate
	case FieldObject:
		return f.Object
	}
	panic(fmt.Sprintf("types: unknown field %d", field))
}

// With returns a copy of the fact with one field replaced. Replacing any
// field other than the ID clears the ID: the result is a new fact that the
// caller must store before asserting.
func (f Fact) With(field Field, value string) Fact {
	switch field {
	case FieldID:
		f.ID = FactID(value)
		return f
	case FieldSubject:
		f.Subject = value
	case FieldPredicate:
		f.Predicate = value
	case FieldObject:
		f.Object = value
	default:
		panic(fmt.Sprintf("types: unknown field %d", field))
	}
	f.ID = ""
	return f
}

// SameAs reports identity equality.
func (f Fact) SameAs(other Fact) bool {
	return f.ID == other.ID
}

// Triple returns the three relationship fields.
func (f Fact) Triple() [3]string {
	return [3]string{f.Subject, f.Predicate, f.Object}
}

// String renders the fact as id:(subject predicate object).
func (f Fact) String() string {
	return fmt.Sprintf("%s:(%s %s %s)", f.ID, quoteIfNeeded(f.Subject), quoteIfNeeded(f.Predicate), quoteIfNeeded(f.Object))
}

func quoteIfNeeded(s string) string {
	if s == "" || strings.ContainsAny(s, " \t\n()") {
		return strconv.Quote(s)
	}
	return s
}

// =============================================================================
// FIELDS
// =============================================================================

// Field is the closed set of fact fields, in condition slot order.
type Field uint8

const (
	FieldID Field = iota
	FieldSubject
	FieldPredicate
	FieldObject
)

// Fields lists every field in slot order.
var Fields = [...]Field{FieldID, FieldSubject, FieldPredicate, FieldObject}

var fieldNames = [...]string{"id", "subject", "predicate", "object"}

// String returns the lower-case field name.
func (f Field) String() string {
	if int(f) < len(fieldNames) {
		return fieldNames[f]
	}
	return fmt.Sprintf("field(%d)", uint8(f))
}

// Valid reports whether f is one of the four fields.
func (f Field) Valid() bool {
	return int(f) < len(fieldNames)
}

// ParseField resolves a field name. Short forms s/p/o are accepted.
func ParseField(name string) (Field, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "id", "i":
		return FieldID, nil
	case "subject", "s":
		return FieldSubject, nil
	case "predicate", "p":
		return FieldPredicate, nil
	case "object", "o":
		return FieldObject, nil
	}
	return 0, fmt.Errorf("unknown field %q", name)
}

// =============================================================================
// VALUE COMPARISON
// =============================================================================

func parseNumber(s string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// LooseEqual compares two values numerically when both parse as numbers and
// falls back to exact string equality otherwise.
func LooseEqual(a, b string) bool {
	if a == b {
		return true
	}
	x, okA := parseNumber(a)
	y, okB := parseNumber(b)
	return okA && okB && x == y
}
