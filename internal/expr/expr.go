// Package expr handles the boolean test expressions and value computations
// embedded in productions. Expressions are Go expressions in which a bound
// variable is written ?name. Syntax is checked with go/parser at condition
// construction time; compilation and evaluation go through a yaegi
// interpreter, see Compiler.
package expr

import (
	"errors"
	"fmt"
	"go/parser"
	"regexp"
	"sort"
	"strings"
)

// ErrSyntax is returned for expressions that are not a single Go expression.
var ErrSyntax = errors.New("malformed expression")

// namePattern is the shape of a variable name. A name may contain hyphens
// but not end with one, so ?a-?b still reads as a subtraction.
const namePattern = `[A-Za-z0-9_](?:[A-Za-z0-9_-]*[A-Za-z0-9_])?`

var (
	variablePattern = regexp.MustCompile(`\?` + namePattern)
	validName       = regexp.MustCompile(`^` + namePattern + `$`)
)

// ValidName reports whether name (without the leading ?) is usable as a
// variable both in patterns and in expressions.
func ValidName(name string) bool {
	return validName.MatchString(name)
}

// references returns the index pairs of every ?name in src that is not
// inside a string, raw string or rune literal.
func references(src string) [][]int {
	matches := variablePattern.FindAllStringIndex(src, -1)
	if len(matches) == 0 {
		return nil
	}
	literals := literalSpans(src)
	out := matches[:0]
	for _, m := range matches {
		inside := false
		for _, l := range literals {
			if m[0] >= l[0] && m[0] < l[1] {
				inside = true
				break
			}
		}
		if !inside {
			out = append(out, m)
		}
	}
	return out
}

func literalSpans(src string) [][2]int {
	var spans [][2]int
	for i := 0; i < len(src); i++ {
		quote := src[i]
		if quote != '"' && quote != '\'' && quote != '`' {
			continue
		}
		start := i
		for i++; i < len(src) && src[i] != quote; i++ {
			if src[i] == '\\' && quote != '`' {
				i++
			}
		}
		spans = append(spans, [2]int{start, i + 1})
	}
	return spans
}

// Variables returns the sorted, de-duplicated variable names (without the
// leading ?) referenced by src.
func Variables(src string) []string {
	seen := make(map[string]struct{})
	var names []string
	for _, m := range references(src) {
		name := src[m[0]+1 : m[1]]
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Rewrite replaces every ?name in src with repl(name). References inside
// literals are left alone.
func Rewrite(src string, repl func(name string) (string, error)) (string, error) {
	var b strings.Builder
	last := 0
	for _, m := range references(src) {
		r, err := repl(src[m[0]+1 : m[1]])
		if err != nil {
			return "", err
		}
		b.WriteString(src[last:m[0]])
		b.WriteString(r)
		last = m[1]
	}
	b.WriteString(src[last:])
	return b.String(), nil
}

// Validate checks that src parses as exactly one Go expression once its
// variables are replaced by identifiers.
func Validate(src string) error {
	if strings.TrimSpace(src) == "" {
		return fmt.Errorf("%w: empty expression", ErrSyntax)
	}
	plain, _ := Rewrite(src, func(name string) (string, error) {
		return "var_" + strings.ReplaceAll(name, "-", "_"), nil
	})
	if _, err := parser.ParseExpr(plain); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrSyntax, src, err)
	}
	return nil
}

// Placeholder formats the call that reads field of the fact bound at depth.
func Placeholder(depth, field int) string {
	return fmt.Sprintf("v(%d, %d)", depth, field)
}
