package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/hkdinner/dinner/internal/family"
	"github.com/hkdinner/dinner/internal/models"
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

func printStep(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorCyan, "→ "+msg))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func statusColor(s models.Status) string {
	switch s {
	case models.StatusYes:
		return colorGreen
	case models.StatusNo:
		return colorRed
	}
	return colorYellow
}

// writeToday renders the roster the way the today screen shows it.
func writeToday(w io.Writer, t family.Today) {
	fmt.Fprintf(w, "%s  %s %d  %s %d  %s %d\n",
		colorize(colorBold, t.Label),
		models.StatusYes.Token(), t.Yes,
		models.StatusNo.Token(), t.No,
		models.StatusUnknown.Token(), t.Unknown)
	for _, m := range t.Members {
		owner := ""
		if m.IsOwner {
			owner = " ★"
		}
		fmt.Fprintf(w, "  %s %s（%s）%s %s\n",
			m.Status.Token(), m.DisplayName, m.Role, owner,
			colorize(statusColor(m.Status), m.Status.Label()))
	}
}

func writeHistory(w io.Writer, rows []models.HistoryRow) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "未有紀錄")
		return
	}
	for _, r := range rows {
		fmt.Fprintf(w, "%-10s  %s %d  %s %d  %s %d\n", r.Label,
			models.StatusYes.Token(), r.Yes,
			models.StatusNo.Token(), r.No,
			models.StatusUnknown.Token(), r.Unknown)
	}
}
