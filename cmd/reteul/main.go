package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"reteul/internal/config"
	"reteul/internal/engine"
	"reteul/internal/logging"
	"reteul/internal/rete"
	"reteul/internal/store"
)

var (
	// Global flags
	configPath string
	verbose    bool

	// Loaded in PersistentPreRunE
	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "reteul",
	Short: "reteul - incremental RETE-UL rule matcher",
	Long: `reteul matches productions against subject/predicate/object facts
incrementally. Rule files define one network each; facts live in a shared
store and reach every network through its import queue.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if verbose {
			loaded.Logging.Level = "debug"
			loaded.Logging.DebugMode = true
		}
		if err := loaded.Validate(); err != nil {
			return err
		}
		cfg = loaded

		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		if err := logging.Initialize(cfg.Logging.ToLogging()); err != nil {
			return err
		}
		logging.BootDebug("Config %s loaded: store=%s max_rounds=%d", configPath, cfg.Store.Backend, cfg.Cycle.MaxRounds)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.Sync()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", cfg.Name, cfg.Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(matchCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(factsCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// signalContext is cancelled on SIGINT/SIGTERM or after timeout.
func signalContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	var ctx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), timeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			logger.Info("Received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

// openEngine builds an engine over the configured store.
func openEngine() (*engine.Engine, error) {
	factStore, queue, err := store.Open(cfg.Store)
	if err != nil {
		return nil, err
	}
	logger.Debug("Opened fact store", zap.String("backend", cfg.Store.Backend), zap.String("path", cfg.Store.Path))
	return engine.New(factStore, queue, engine.WithCacheSize(cfg.Expr.CacheSize)), nil
}

func cycleOptions() []rete.CycleOption {
	return []rete.CycleOption{rete.WithMaxRounds(cfg.Cycle.MaxRounds)}
}
