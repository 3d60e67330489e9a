// Package rules loads productions and facts from YAML files and keeps
// networks in sync with them.
package rules

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"reteul/internal/rete"
	"reteul/internal/types"
)

// RuleSet is one rule file: the productions of a single network and,
// optionally, facts to assert into it.
type RuleSet struct {
	Network string           `yaml:"network"`
	Specs   []ProductionSpec `yaml:"productions"`
	Facts   []FactSpec       `yaml:"facts,omitempty"`

	path string
}

// ProductionSpec is the file form of a production.
type ProductionSpec struct {
	Name string          `yaml:"name"`
	When []ConditionSpec `yaml:"when"`
	Then []EffectSpec    `yaml:"then,omitempty"`
}

// ConditionSpec is either a pattern, written as a list of three (subject,
// predicate, object) or four (id first) slots, or a mapping with a test
// expression. Inside flow lists variables must be quoted ("?x"), since YAML
// reads a bare leading ? there as a mapping key.
type ConditionSpec struct {
	Slots []string `yaml:"slots,omitempty"`
	Test  string   `yaml:"test,omitempty"`
}

// UnmarshalYAML accepts the list and mapping forms.
func (c *ConditionSpec) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.SequenceNode:
		var slots []string
		if err := value.Decode(&slots); err != nil {
			return err
		}
		if len(slots) != 3 && len(slots) != 4 {
			return fmt.Errorf("line %d: pattern needs 3 or 4 slots, got %d", value.Line, len(slots))
		}
		c.Slots = slots
		return nil
	case yaml.MappingNode:
		type plain ConditionSpec
		var p plain
		if err := value.Decode(&p); err != nil {
			return err
		}
		*c = ConditionSpec(p)
		return nil
	}
	return fmt.Errorf("line %d: condition must be a list or a mapping", value.Line)
}

// MarshalYAML writes patterns back in list form.
func (c ConditionSpec) MarshalYAML() (interface{}, error) {
	if c.Test != "" {
		return map[string]string{"test": c.Test}, nil
	}
	return c.Slots, nil
}

// Condition converts the spec.
func (c ConditionSpec) Condition() (rete.Condition, error) {
	if c.Test != "" {
		return rete.NewTest(c.Test)
	}
	switch len(c.Slots) {
	case 3:
		return rete.NewPattern(types.DontCare, c.Slots[0], c.Slots[1], c.Slots[2]), nil
	case 4:
		return rete.NewPattern(c.Slots[0], c.Slots[1], c.Slots[2], c.Slots[3]), nil
	}
	return rete.Condition{}, fmt.Errorf("%w: empty condition", rete.ErrMalformedCondition)
}

// EffectSpec holds exactly one effect.
type EffectSpec struct {
	Create *CreateSpec `yaml:"create,omitempty"`
	Update *UpdateSpec `yaml:"update,omitempty"`
}

// CreateSpec is the file form of a Create effect.
type CreateSpec struct {
	Templates []map[string]any  `yaml:"templates"`
	Compute   map[string]string `yaml:"compute,omitempty"`
}

// UpdateSpec is the file form of an Update effect.
type UpdateSpec struct {
	Target string `yaml:"target"`
	Field  string `yaml:"field"`
	Value  string `yaml:"value"`
}

// Effect converts the spec.
func (e EffectSpec) Effect() (rete.Effect, error) {
	switch {
	case e.Create != nil && e.Update != nil:
		return nil, errors.New("effect has both create and update")
	case e.Create != nil:
		return rete.NewCreate(e.Create.Templates, e.Create.Compute)
	case e.Update != nil:
		field, err := types.ParseField(e.Update.Field)
		if err != nil {
			return nil, err
		}
		return rete.NewUpdate(e.Update.Target, field, e.Update.Value)
	}
	return nil, errors.New("empty effect")
}

// Production builds and validates the production.
func (p ProductionSpec) Production() (*rete.Production, error) {
	conds := make([]rete.Condition, 0, len(p.When))
	for i, c := range p.When {
		cond, err := c.Condition()
		if err != nil {
			return nil, fmt.Errorf("production %s: condition %d: %w", p.Name, i+1, err)
		}
		conds = append(conds, cond)
	}
	effects := make([]rete.Effect, 0, len(p.Then))
	for i, e := range p.Then {
		eff, err := e.Effect()
		if err != nil {
			return nil, fmt.Errorf("production %s: effect %d: %w", p.Name, i+1, err)
		}
		effects = append(effects, eff)
	}
	return rete.NewProduction(p.Name, conds, effects...)
}

// LoadRuleSet reads a rule file. A file without a network name uses its
// base name.
func LoadRuleSet(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule file: %w", err)
	}
	rs, err := ParseRuleSet(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if rs.Network == "" {
		rs.Network = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	rs.path = path
	return rs, nil
}

// ParseRuleSet decodes rule file content.
func ParseRuleSet(data []byte) (*RuleSet, error) {
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("failed to parse rule file: %w", err)
	}
	seen := make(map[string]bool, len(rs.Specs))
	for _, p := range rs.Specs {
		if p.Name == "" {
			return nil, errors.New("production without a name")
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("production %s defined twice", p.Name)
		}
		seen[p.Name] = true
	}
	return &rs, nil
}

// Path returns the file the rule set was loaded from.
func (rs *RuleSet) Path() string {
	return rs.path
}

// Productions builds every production, failing on the first invalid one.
func (rs *RuleSet) Productions() ([]*rete.Production, error) {
	out := make([]*rete.Production, 0, len(rs.Specs))
	for _, spec := range rs.Specs {
		p, err := spec.Production()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// FactList converts the inline facts.
func (rs *RuleSet) FactList() ([]types.Fact, error) {
	return convertFacts(rs.Facts)
}
