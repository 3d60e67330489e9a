package rules

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"reteul/internal/logging"
	"reteul/internal/rete"
)

// Changes reports what Apply did to a network.
type Changes struct {
	Added    []string
	Replaced []string
	Updated  []string // effects swapped, matches kept
	Removed  []string
}

// Empty reports whether nothing changed.
func (c Changes) Empty() bool {
	return len(c.Added)+len(c.Replaced)+len(c.Updated)+len(c.Removed) == 0
}

func (c Changes) String() string {
	return fmt.Sprintf("+%d ~%d *%d -%d", len(c.Added), len(c.Replaced), len(c.Updated), len(c.Removed))
}

// ErrForeignProduction is returned when a rule file names a production that
// was registered on the network by someone other than the Applier.
var ErrForeignProduction = errors.New("production registered outside this rule file")

type applied struct {
	when string
	then string
}

// Applier keeps networks in sync with rule sets. It only touches
// productions it registered itself.
type Applier struct {
	mu    sync.Mutex
	owned map[string]map[string]applied // network -> production -> fingerprint
}

// NewApplier creates an applier with no history.
func NewApplier() *Applier {
	return &Applier{owned: make(map[string]map[string]applied)}
}

func fingerprintOf(spec ProductionSpec) applied {
	when, _ := yaml.Marshal(spec.When)
	then, _ := yaml.Marshal(spec.Then)
	return applied{when: string(when), then: string(then)}
}

// Apply makes n's productions match rs: new productions are added, changed
// ones replaced and vanished ones removed. A production whose conditions are
// unchanged only has its effects swapped. Invalid productions are reported
// and leave the previous version in place.
func (a *Applier) Apply(n *rete.Network, rs *RuleSet) (Changes, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var changes Changes
	var errs []error

	owned := a.owned[n.Name()]
	if owned == nil {
		owned = make(map[string]applied)
		a.owned[n.Name()] = owned
	}

	wanted := make(map[string]bool, len(rs.Specs))
	for _, spec := range rs.Specs {
		wanted[spec.Name] = true
	}
	for _, name := range sortedNames(owned) {
		if wanted[name] {
			continue
		}
		if err := n.RemoveProduction(name); err != nil && !errors.Is(err, rete.ErrUnknownProduction) {
			errs = append(errs, err)
			continue
		}
		delete(owned, name)
		changes.Removed = append(changes.Removed, name)
	}

	for _, spec := range rs.Specs {
		fp := fingerprintOf(spec)
		prev, known := owned[spec.Name]
		existing, registered := n.PNode(spec.Name)
		if known && registered && prev == fp {
			continue
		}
		if registered && !known {
			errs = append(errs, fmt.Errorf("production %s: %w", spec.Name, ErrForeignProduction))
			continue
		}

		p, err := spec.Production()
		if err != nil {
			errs = append(errs, err)
			continue
		}

		switch {
		case !registered:
			if _, err := n.AddProduction(p); err != nil {
				errs = append(errs, err)
				continue
			}
			changes.Added = append(changes.Added, spec.Name)
		case known && prev.when == fp.when:
			if err := n.SetEffects(spec.Name, p.Effects...); err != nil {
				errs = append(errs, err)
				continue
			}
			changes.Updated = append(changes.Updated, spec.Name)
		default:
			if err := replace(n, existing.Production(), p); err != nil {
				errs = append(errs, err)
				continue
			}
			changes.Replaced = append(changes.Replaced, spec.Name)
		}
		owned[spec.Name] = fp
	}

	if !changes.Empty() {
		logging.Rules("Applied %s to network %s (%s)", rs.Path(), n.Name(), changes)
	}
	return changes, errors.Join(errs...)
}

// replace swaps old for p, restoring old when p cannot be registered.
func replace(n *rete.Network, old, p *rete.Production) error {
	if err := n.RemoveProduction(old.Name); err != nil {
		return err
	}
	if _, err := n.AddProduction(p); err != nil {
		if _, restoreErr := n.AddProduction(old); restoreErr != nil {
			return errors.Join(err, fmt.Errorf("restore %s: %w", old.Name, restoreErr))
		}
		return err
	}
	return nil
}

// Forget drops the history of a network.
func (a *Applier) Forget(network string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.owned, network)
}

func sortedNames(m map[string]applied) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
