package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"reteul/internal/engine"
	"reteul/internal/rete"
	"reteul/internal/types"
)

var (
	accent = lipgloss.Color("#8BC34A")
	muted  = lipgloss.Color("#6A737D")
	info   = lipgloss.Color("#2196F3")

	networkStyle = lipgloss.NewStyle().Bold(true).Foreground(info)
	nameStyle    = lipgloss.NewStyle().Bold(true).Foreground(accent)
	countStyle   = lipgloss.NewStyle().Foreground(muted)
	headerStyle  = lipgloss.NewStyle().Bold(true).Underline(true)
	cellStyle    = lipgloss.NewStyle().PaddingRight(2)
)

// renderNetworks prints every production's matches, network by network.
func renderNetworks(w io.Writer, e *engine.Engine) error {
	for _, name := range e.Networks() {
		err := e.With(name, func(n *rete.Network) error {
			return renderNetwork(w, n)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func renderNetwork(w io.Writer, n *rete.Network) error {
	stats := n.Stats()
	fmt.Fprintf(w, "%s %s\n", networkStyle.Render(n.Name()),
		countStyle.Render(fmt.Sprintf("(%d facts, %d productions)", stats.Facts, stats.PNodes)))
	for _, p := range n.PNodes() {
		matches := p.AllMatches()
		bindings := p.AllMatchVariables()
		fmt.Fprintf(w, "  %s %s\n", nameStyle.Render(p.Name()),
			countStyle.Render(fmt.Sprintf("%d matches", len(matches))))
		for i, facts := range matches {
			parts := make([]string, len(facts))
			for j, f := range facts {
				parts[j] = f.String()
			}
			fmt.Fprintf(w, "    %s  %s\n", strings.Join(parts, "  "), countStyle.Render(formatBindings(bindings[i])))
		}
	}
	return nil
}

func formatBindings(b rete.Bindings) string {
	names := make([]string, 0, len(b))
	for name := range b {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = "?" + name + "=" + b[name]
	}
	return strings.Join(parts, " ")
}

// renderFacts prints facts as an aligned table.
func renderFacts(w io.Writer, facts []types.Fact) {
	rows := [][]string{{"ID", "SUBJECT", "PREDICATE", "OBJECT"}}
	for _, f := range facts {
		rows = append(rows, []string{string(f.ID), f.Subject, f.Predicate, f.Object})
	}
	widths := make([]int, len(rows[0]))
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], lipgloss.Width(cell))
		}
	}
	for r, row := range rows {
		cells := make([]string, len(row))
		for i, cell := range row {
			style := cellStyle.Width(widths[i] + 2)
			if r == 0 {
				cell = headerStyle.Render(cell)
			}
			cells[i] = style.Render(cell)
		}
		fmt.Fprintln(w, strings.TrimRight(lipgloss.JoinHorizontal(lipgloss.Top, cells...), " "))
	}
	fmt.Fprintln(w, countStyle.Render(fmt.Sprintf("%d facts", len(facts))))
}
