package main

import (
	"context"
	"errors"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"reteul/internal/engine"
	"reteul/internal/rete"
	"reteul/internal/rules"
)

var watchDir string

// watchCmd hot reloads a rules directory
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Load a rules directory and rerun networks whenever a file changes",
	Long: `Every *.yaml or *.yml file in the directory defines one network. Edited
files are re-applied (new productions added, changed ones replaced,
vanished ones removed) and every network is run to a fixpoint again.
Stop with Ctrl-C.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext(0)
		defer cancel()
		dir := watchDir
		if dir == "" {
			dir = cfg.Rules.Dir
		}
		return watchRules(ctx, cmd.OutOrStdout(), dir)
	},
}

func init() {
	watchCmd.Flags().StringVarP(&watchDir, "dir", "d", "", "Rules directory (default: rules.dir from config)")
}

func watchRules(ctx context.Context, out io.Writer, dir string) error {
	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	changed := make(chan struct{}, 1)
	w, err := rules.NewWatcher(e, dir,
		rules.WithDebounce(cfg.GetRulesDebounce()),
		rules.WithOnReload(func(r rules.Reload) {
			if r.Err != nil {
				logger.Warn("Rule file rejected", zap.String("file", r.Path), zap.Error(r.Err))
			} else {
				logger.Info("Rule file applied",
					zap.String("file", r.Path),
					zap.String("network", r.Network),
					zap.String("changes", r.Changes.String()))
			}
			select {
			case changed <- struct{}{}:
			default:
			}
		}),
	)
	if err != nil {
		return err
	}
	defer w.Stop()

	if err := w.LoadAll(ctx); err != nil {
		logger.Warn("Some rule files failed to load", zap.Error(err))
	}
	if err := w.Start(ctx); err != nil {
		return err
	}

	for {
		if err := runOnce(ctx, out, e); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error("Run failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-changed:
		}
	}
}

// runOnce drains and runs every network, then prints the matches.
func runOnce(ctx context.Context, out io.Writer, e *engine.Engine) error {
	if err := e.Drain(ctx); err != nil {
		return err
	}
	_, err := e.RunAll(ctx, func(network string, r *rete.Round) error {
		logger.Debug("Round", zap.String("network", network), zap.Int("index", r.Index), zap.Strings("triggered", r.Triggered))
		return nil
	}, cycleOptions()...)
	if err != nil && !errors.Is(err, rete.ErrCycleLimit) {
		return err
	}
	if err != nil {
		logger.Warn("Round limit reached", zap.Error(err))
	}
	return renderNetworks(out, e)
}
