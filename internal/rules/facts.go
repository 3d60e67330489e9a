package rules

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"reteul/internal/types"
)

// FactSpec is one fact in a YAML file. It is written as [subject, predicate,
// object], [id, subject, predicate, object] or as a mapping with the fact's
// field names.
type FactSpec struct {
	types.Fact
}

// UnmarshalYAML accepts the list and mapping forms.
func (f *FactSpec) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.SequenceNode:
		var parts []string
		if err := value.Decode(&parts); err != nil {
			return err
		}
		switch len(parts) {
		case 3:
			f.Fact = types.Fact{Subject: parts[0], Predicate: parts[1], Object: parts[2]}
		case 4:
			f.Fact = types.Fact{ID: types.FactID(parts[0]), Subject: parts[1], Predicate: parts[2], Object: parts[3]}
		default:
			return fmt.Errorf("line %d: fact needs 3 or 4 values, got %d", value.Line, len(parts))
		}
		return nil
	case yaml.MappingNode:
		return value.Decode(&f.Fact)
	}
	return fmt.Errorf("line %d: fact must be a list or a mapping", value.Line)
}

func convertFacts(specs []FactSpec) ([]types.Fact, error) {
	out := make([]types.Fact, 0, len(specs))
	for i, s := range specs {
		if s.Subject == "" || s.Predicate == "" {
			return nil, fmt.Errorf("fact %d: subject and predicate are required", i+1)
		}
		out = append(out, s.Fact)
	}
	return out, nil
}

// LoadFacts reads a YAML list of facts. Facts without an id get one when
// they are stored.
func LoadFacts(path string) ([]types.Fact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fact file: %w", err)
	}
	facts, err := ParseFacts(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return facts, nil
}

// ParseFacts decodes a YAML list of facts.
func ParseFacts(data []byte) ([]types.Fact, error) {
	var specs []FactSpec
	if err := yaml.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("failed to parse facts: %w", err)
	}
	return convertFacts(specs)
}
