package mcp

import (
	"fmt"
	"strings"

	"github.com/claude-fleet/proxy/pkg/models"
)

// formatAccounts formats fleet accounts as a text table.
func formatAccounts(accs []models.Account) string {
	if len(accs) == 0 {
		return "No accounts registered."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-6s %-14s %6s %6s %8s %-20s\n",
		"ID", "Tier", "Status", "OAuth", "Web", "Sessions", "Last Used")
	b.WriteString(strings.Repeat("-", 90) + "\n")
	for _, a := range accs {
		lastUsed := "-"
		if !a.LastUsed.IsZero() {
			lastUsed = a.LastUsed.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(&b, "%-20s %-6s %-14s %6t %6t %8d %-20s\n",
			a.ID, a.Tier, a.Status, a.CanOAuth, a.CanWeb, a.SessionCount, lastUsed)
	}
	return b.String()
}

// formatPoolStatus formats the proxy pool status as text.
func formatPoolStatus(status models.PoolStatus) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Proxy Pool\n")
	fmt.Fprintf(&b, "  Mode:      %s\n", status.Mode)
	fmt.Fprintf(&b, "  Strategy:  %s\n", status.Strategy)
	fmt.Fprintf(&b, "  Total:     %d\n", status.Total)
	fmt.Fprintf(&b, "  Available: %d\n", status.Available)
	if status.CurrentRef != "" {
		fmt.Fprintf(&b, "  Current:   %s\n", status.CurrentRef)
	}
	return b.String()
}

// formatAuditStats formats per-model/day request counts as a text table.
func formatAuditStats(stats []models.AuditStat) string {
	if len(stats) == 0 {
		return "No usage data found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-25s %-12s %10s\n", "Model", "Day", "Requests")
	b.WriteString(strings.Repeat("-", 49) + "\n")
	for _, s := range stats {
		fmt.Fprintf(&b, "%-25s %-12s %10d\n", s.Model, s.Day, s.Count)
	}
	return b.String()
}

// formatAuditEntries formats audit entries as a text table.
func formatAuditEntries(entries []models.AuditEntry) string {
	if len(entries) == 0 {
		return "No matching requests found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-36s %-20s %-6s %6s %8s %8s %10s %-20s\n",
		"Request ID", "Account", "Driver", "Status", "Input", "Output", "Latency", "Created")
	b.WriteString(strings.Repeat("-", 124) + "\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "%-36s %-20s %-6s %6d %8d %8d %9dms %-20s\n",
			e.RequestID, e.AccountID, e.Driver, e.StatusCode, e.InputTokens, e.OutputTokens, e.LatencyMs,
			e.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}

// formatHealthStats formats health event counts as a text table.
func formatHealthStats(stats []models.HealthEventStats) string {
	if len(stats) == 0 {
		return "No health events recorded."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-22s %-30s %8s\n", "Kind", "Entity", "Count")
	b.WriteString(strings.Repeat("-", 62) + "\n")
	for _, s := range stats {
		fmt.Fprintf(&b, "%-22s %-30s %8d\n", s.Kind, s.EntityID, s.Count)
	}
	return b.String()
}
