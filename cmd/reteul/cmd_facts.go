package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"reteul/internal/rules"
	"reteul/internal/store"
	"reteul/internal/types"
)

var (
	factID    string
	factsFile string
	listField string
	listValue string
)

// factsCmd manages the configured fact store
var factsCmd = &cobra.Command{
	Use:   "facts",
	Short: "Manage the configured fact store",
}

var factsAddCmd = &cobra.Command{
	Use:   "add [subject] [predicate] [object]",
	Short: "Store one fact, or every fact in --file",
	Args:  cobra.RangeArgs(0, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		var facts []types.Fact
		switch {
		case factsFile != "":
			loaded, err := rules.LoadFacts(factsFile)
			if err != nil {
				return err
			}
			facts = loaded
		case len(args) == 3:
			facts = []types.Fact{{ID: types.FactID(factID), Subject: args[0], Predicate: args[1], Object: args[2]}}
		default:
			return fmt.Errorf("need subject, predicate and object, or --file")
		}
		return addFacts(cmd.Context(), cmd.OutOrStdout(), facts)
	},
}

var factsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored facts",
	Long: `Lists every stored fact, or only those whose --field equals --value.

Example:
  reteul facts list --field predicate --value on`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return listFacts(cmd.Context(), cmd.OutOrStdout(), listField, listValue)
	},
}

func init() {
	factsAddCmd.Flags().StringVar(&factID, "id", "", "Fact id (generated when empty)")
	factsAddCmd.Flags().StringVar(&factsFile, "file", "", "YAML fact file")
	factsListCmd.Flags().StringVar(&listField, "field", "", "Filter field: id, subject, predicate or object")
	factsListCmd.Flags().StringVar(&listValue, "value", "", "Filter value")

	factsCmd.AddCommand(factsAddCmd)
	factsCmd.AddCommand(factsListCmd)
}

func addFacts(ctx context.Context, out io.Writer, facts []types.Fact) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.Store.Backend == "memory" {
		logger.Warn("The memory backend does not persist facts past this command")
	}
	s, _, err := store.Open(cfg.Store)
	if err != nil {
		return err
	}
	defer s.Close()

	stored := make([]types.Fact, 0, len(facts))
	for _, f := range facts {
		got, err := s.Put(ctx, f)
		if err != nil {
			return err
		}
		stored = append(stored, got)
	}
	logger.Debug("Stored facts", zap.Int("count", len(stored)))
	renderFacts(out, stored)
	return nil
}

func listFacts(ctx context.Context, out io.Writer, field, value string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s, _, err := store.Open(cfg.Store)
	if err != nil {
		return err
	}
	defer s.Close()

	if field == "" {
		facts, err := store.List(ctx, s)
		if err != nil {
			return err
		}
		renderFacts(out, facts)
		return nil
	}

	f, err := types.ParseField(field)
	if err != nil {
		return err
	}
	ids, err := s.FindByField(ctx, f, value)
	if err != nil {
		return err
	}
	facts := make([]types.Fact, 0, len(ids))
	for _, id := range ids {
		fact, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		facts = append(facts, fact)
	}
	renderFacts(out, facts)
	return nil
}
