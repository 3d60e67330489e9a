package rete

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"reteul/internal/types"
)

// TemplateFact is one flattened fact of a Create template. Values may still
// hold ?var references; IDVar names the variable that receives the id of
// the created fact.
type TemplateFact struct {
	IDVar     string
	Subject   string
	Predicate string
	Object    string
}

// ExpandTemplate flattens nested fact notation into facts.
//
//	{"sys2": {"does": {"func": "?z"}}}
//
// expands to (sys2 does #a) and (#a func ?z), where #a is a fresh
// identifier. A list object yields one fact per item. Any key or scalar
// value may carry an inline ":id=?var" suffix binding the created fact's
// id. Map keys are expanded in sorted order.
func ExpandTemplate(nested map[string]any) ([]TemplateFact, error) {
	var out []TemplateFact
	for _, subject := range sortedKeys(nested) {
		var err error
		out, err = expandUnder(out, subject, nested[subject])
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func expandUnder(out []TemplateFact, subject string, rest any) ([]TemplateFact, error) {
	switch v := rest.(type) {
	case map[string]any:
		for _, predicate := range sortedKeys(v) {
			var err error
			out, err = expandPair(out, subject, predicate, v[predicate])
			if err != nil {
				return nil, err
			}
		}
		return out, nil
	case []any:
		for _, item := range v {
			var err error
			out, err = expandUnder(out, subject, item)
			if err != nil {
				return nil, err
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("template under %q: expected a mapping of predicates, got %T", subject, rest)
}

func expandPair(out []TemplateFact, subject, predicate string, object any) ([]TemplateFact, error) {
	subject, subjectID, err := splitInline(subject)
	if err != nil {
		return nil, err
	}
	predicate, predicateID, err := splitInline(predicate)
	if err != nil {
		return nil, err
	}
	idVar := firstNonEmpty(predicateID, subjectID)

	switch v := object.(type) {
	case []any:
		for _, item := range v {
			var err error
			if out, err = expandPair(out, subject, predicate, item); err != nil {
				return nil, err
			}
		}
		return out, nil
	case map[string]any:
		composite := "#" + uuid.NewString()
		out = append(out, TemplateFact{IDVar: idVar, Subject: subject, Predicate: predicate, Object: composite})
		return expandUnder(out, composite, v)
	case nil:
		return append(out, TemplateFact{IDVar: idVar, Subject: subject, Predicate: predicate, Object: types.DontCare}), nil
	default:
		value, valueID, err := splitInline(fmt.Sprint(v))
		if err != nil {
			return nil, err
		}
		return append(out, TemplateFact{IDVar: firstNonEmpty(valueID, idVar), Subject: subject, Predicate: predicate, Object: value}), nil
	}
}

// splitInline separates "value:id=?x" into value and id reference.
func splitInline(s string) (string, string, error) {
	i := strings.LastIndex(s, ":id=")
	if i < 0 {
		return s, "", nil
	}
	id := s[i+len(":id="):]
	if id == "" {
		return "", "", fmt.Errorf("template %q: empty inline id", s)
	}
	return s[:i], id, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
