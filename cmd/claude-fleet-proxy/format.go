package main

import (
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
)

// stdoutIsTTY decides between a human-friendly and a plain, script-friendly
// rendering for the same table: piping `stats`/`accounts list` output into
// another tool should see exact numbers and timestamps, not relative ones.
var stdoutIsTTY = isatty.IsTerminal(os.Stdout.Fd())

// formatTimestamp renders a relative "3 hours ago" form on a terminal and an
// exact, parseable timestamp otherwise. Returns "-" for the zero value.
func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	if stdoutIsTTY {
		return humanize.Time(t)
	}
	return t.Format("2006-01-02T15:04:05")
}

// formatCount renders a comma-grouped number on a terminal and a bare digit
// string otherwise.
func formatCount(n int) string {
	if stdoutIsTTY {
		return humanize.Comma(int64(n))
	}
	return strconv.Itoa(n)
}
