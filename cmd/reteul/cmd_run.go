package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"reteul/internal/engine"
	"reteul/internal/rete"
	"reteul/internal/rules"
)

var (
	rulePaths []string
	factPaths []string
)

// runCmd loads rule files and runs every network to a fixpoint
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the match-act cycle of every rule file to a fixpoint",
	Long: `Loads each rule file into its own network, asserts the given facts into
every network and runs all networks concurrently until no production fires
and no queued change is left.

Example:
  reteul run --rules blocks.yaml --rules painter.yaml --facts world.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext(cfg.GetCycleTimeout())
		defer cancel()
		return runRules(ctx, cmd.OutOrStdout(), rulePaths, factPaths, true)
	},
}

// matchCmd populates networks and prints matches without firing effects
var matchCmd = &cobra.Command{
	Use:   "match",
	Short: "Print the matches of every production without firing effects",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext(cfg.GetCycleTimeout())
		defer cancel()
		return runRules(ctx, cmd.OutOrStdout(), rulePaths, factPaths, false)
	},
}

func init() {
	for _, c := range []*cobra.Command{runCmd, matchCmd} {
		c.Flags().StringArrayVarP(&rulePaths, "rules", "r", nil, "Rule file (repeatable, one network each)")
		c.Flags().StringArrayVarP(&factPaths, "facts", "f", nil, "Fact file asserted into every network (repeatable)")
		_ = c.MarkFlagRequired("rules")
	}
}

func runRules(ctx context.Context, out io.Writer, rulePaths, factPaths []string, fire bool) error {
	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	applier := rules.NewApplier()
	for _, path := range rulePaths {
		if err := loadRuleFile(ctx, e, applier, path); err != nil {
			return err
		}
	}
	for _, path := range factPaths {
		facts, err := rules.LoadFacts(path)
		if err != nil {
			return err
		}
		for _, f := range facts {
			if _, err := e.Assert(ctx, f); err != nil {
				return err
			}
		}
		logger.Info("Asserted facts", zap.String("file", path), zap.Int("count", len(facts)))
	}

	if err := e.Drain(ctx); err != nil {
		return err
	}
	if fire {
		rounds, err := e.RunAll(ctx, func(network string, r *rete.Round) error {
			logger.Info("Round",
				zap.String("network", network),
				zap.Int("index", r.Index),
				zap.Strings("triggered", r.Triggered),
				zap.Int("created", len(r.Created)),
				zap.Int("updates", len(r.Updates)))
			return nil
		}, cycleOptions()...)
		if err != nil {
			return err
		}
		for network, n := range rounds {
			logger.Info("Fixpoint reached", zap.String("network", network), zap.Int("rounds", n))
		}
	}
	return renderNetworks(out, e)
}

// loadRuleFile creates the file's network, registers its productions and
// asserts its inline facts into it.
func loadRuleFile(ctx context.Context, e *engine.Engine, applier *rules.Applier, path string) error {
	rs, err := rules.LoadRuleSet(path)
	if err != nil {
		return err
	}
	if _, err := e.AddNetwork(rs.Network); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	err = e.With(rs.Network, func(n *rete.Network) error {
		_, err := applier.Apply(n, rs)
		return err
	})
	if err != nil {
		return err
	}
	facts, err := rs.FactList()
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	for _, f := range facts {
		if _, err := e.Assert(ctx, f, rs.Network); err != nil {
			return err
		}
	}
	logger.Debug("Loaded rule file",
		zap.String("file", path),
		zap.String("network", rs.Network),
		zap.Int("productions", len(rs.Specs)),
		zap.Int("facts", len(facts)))
	return nil
}
