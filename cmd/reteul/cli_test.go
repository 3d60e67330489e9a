package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"reteul/internal/config"
	"reteul/internal/logging"
	"reteul/internal/rules"
)

const painterRules = `
network: painter
productions:
  - name: repaint
    when:
      - ["?id", "?x", color, red]
    then:
      - update:
          target: ?id
          field: object
          value: green
  - name: green
    when:
      - ["?x", color, green]
`

func setupCLI(t *testing.T) string {
	t.Helper()
	logger = zap.NewNop()
	logging.SetLogger(zap.NewNop())
	cfg = config.DefaultConfig()
	return t.TempDir()
}

func writeTestFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestRunRulesReachesFixpoint(t *testing.T) {
	dir := setupCLI(t)
	rulesPath := writeTestFile(t, dir, "painter.yaml", painterRules)
	factsPath := writeTestFile(t, dir, "world.yaml", "- [box, color, red]\n- [ball, size, big]\n")

	var out bytes.Buffer
	require.NoError(t, runRules(context.Background(), &out, []string{rulesPath}, []string{factsPath}, true))

	text := out.String()
	assert.Contains(t, text, "painter")
	assert.Contains(t, text, "(box color green)")
	assert.Contains(t, text, "?x=box")
	assert.NotContains(t, text, "(box color red)")
}

func TestMatchDoesNotFireEffects(t *testing.T) {
	dir := setupCLI(t)
	rulesPath := writeTestFile(t, dir, "painter.yaml", painterRules)
	factsPath := writeTestFile(t, dir, "world.yaml", "- [box, color, red]\n")

	var out bytes.Buffer
	require.NoError(t, runRules(context.Background(), &out, []string{rulesPath}, []string{factsPath}, false))

	text := out.String()
	assert.Contains(t, text, "(box color red)")
	assert.NotContains(t, text, "(box color green)")
}

func TestRunRulesRejectsDuplicateNetworks(t *testing.T) {
	dir := setupCLI(t)
	a := writeTestFile(t, dir, "a.yaml", painterRules)
	b := writeTestFile(t, dir, "b.yaml", painterRules)

	var out bytes.Buffer
	err := runRules(context.Background(), &out, []string{a, b}, nil, true)
	assert.Error(t, err)
}

func TestFactsAddAndList(t *testing.T) {
	dir := setupCLI(t)
	cfg.Store = config.StoreConfig{Backend: "sqlite", Driver: "sqlite", Path: filepath.Join(dir, "facts.db")}
	ctx := context.Background()

	factsPath := writeTestFile(t, dir, "facts.yaml", "- [f1, B1, on, B2]\n- [f2, B2, on, table]\n- [f3, B1, color, red]\n")
	facts, err := rules.LoadFacts(factsPath)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, addFacts(ctx, &out, facts))
	assert.Contains(t, out.String(), "3 facts")

	out.Reset()
	require.NoError(t, listFacts(ctx, &out, "predicate", "on"))
	assert.Contains(t, out.String(), "table")
	assert.NotContains(t, out.String(), "red")
	assert.Contains(t, out.String(), "2 facts")

	out.Reset()
	require.NoError(t, listFacts(ctx, &out, "", ""))
	assert.Contains(t, out.String(), "3 facts")

	assert.Error(t, listFacts(ctx, &out, "colour", "red"))
}

func TestVersionCommand(t *testing.T) {
	dir := setupCLI(t)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version", "--config", filepath.Join(dir, "missing.yaml")})
	defer rootCmd.SetArgs(nil)

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "reteul 0.3.0")
}
