package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/makshsn/mpk-b24-api-sub000/internal/storage"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, val)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printRuns writes one line per run: time, item, action, error.
func printRuns(w io.Writer, runs []storage.Run) {
	for _, r := range runs {
		status := colorize(colorGreen, "ok  ")
		if !r.OK {
			status = colorize(colorRed, "FAIL")
		}
		line := fmt.Sprintf("%s  %s  %s  %-8s %s",
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			status,
			colorize(colorCyan, fmt.Sprintf("%d:%d", r.EntityTypeID, r.ItemID)),
			shortID(r.RunID),
			r.Action,
		)
		if r.Error != "" {
			line += "  " + r.Error
		}
		fmt.Fprintln(w, line)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
