package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Statusf prints a progress message to stderr unless --quiet is set.
func (cc *CLIContext) Statusf(format string, args ...any) {
	if !cc.Flags.Quiet {
		fmt.Fprintf(cc.Err, format, args...)
	}
}

// formatSize returns a human-readable binary size (e.g. "1.2 MiB").
func formatSize(bytes int64) string {
	if bytes < 0 {
		return "-"
	}

	return humanize.IBytes(uint64(bytes))
}

// formatTime returns a compact timestamp for display, with the distance from
// now appended when it is within a day ("Mar 15 10:30 (3 minutes ago)").
func formatTime(t time.Time, now time.Time) string {
	if t.IsZero() {
		return "-"
	}

	t = t.Local()

	var stamp string
	if t.Year() == now.Year() {
		stamp = t.Format("Jan _2 15:04")
	} else {
		stamp = t.Format("Jan _2  2006")
	}

	if age := now.Sub(t); age > -24*time.Hour && age < 24*time.Hour {
		return stamp + " (" + humanize.RelTime(t, now, "ago", "from now") + ")"
	}

	return stamp
}

// printTable writes aligned columns to w. headers and each row must have the
// same length.
func printTable(w io.Writer, headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}

	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], len(cell))
		}
	}

	printRow(w, headers, widths)

	for _, row := range rows {
		printRow(w, row, widths)
	}
}

func printRow(w io.Writer, cells []string, widths []int) {
	parts := make([]string, len(cells))
	for i, cell := range cells {
		parts[i] = fmt.Sprintf("%-*s", widths[i], cell)
	}

	fmt.Fprintln(w, strings.TrimRight(strings.Join(parts, "  "), " "))
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding JSON output: %w", err)
	}

	return nil
}
