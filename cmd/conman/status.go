// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"

	"github.com/bureau-foundation/conman/console"
)

// Console state colors, ANSI 256-color codes.
var stateColors = map[string]lipgloss.Color{
	"up":      lipgloss.Color("76"),
	"pending": lipgloss.Color("214"),
	"down":    lipgloss.Color("196"),
}

// printStatuses writes a console table to w. STATE is the last column
// so its escape sequences never disturb the tabwriter alignment. The
// renderer detects the color profile from w, so piped output stays
// plain text.
func printStatuses(w io.Writer, statuses []console.ConsoleStatus) {
	if len(statuses) == 0 {
		return
	}
	renderer := lipgloss.NewRenderer(w)
	table := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(table, "CONSOLE\tKIND\tOUTPUT\tSTATE")
	for _, status := range statuses {
		fmt.Fprintf(table, "%s\t%s\t%d\t%s\n", status.Name, status.Kind, status.Output, renderState(renderer, status.State))
	}
	table.Flush()
}

func renderState(renderer *lipgloss.Renderer, state string) string {
	color, ok := stateColors[state]
	if !ok {
		return state
	}
	return renderer.NewStyle().Foreground(color).Bold(state == "down").Render(state)
}
