package mcp

import (
	"context"
	"encoding/json"
	"time"

	"github.com/claude-fleet/proxy/pkg/models"
)

// Tool argument structs.

type accountIDArgs struct {
	AccountID string `json:"account_id"`
}

// toolHandler is a function that handles a tool call.
type toolHandler func(ctx context.Context, s *Server, args json.RawMessage) ToolCallResult

// toolHandlers maps tool names to their handlers.
var toolHandlers = map[string]toolHandler{
	"fleet_accounts":        handleAccounts,
	"fleet_account_refresh": handleAccountRefresh,
	"fleet_proxies":         handleProxies,
	"fleet_stats":           handleStats,
	"fleet_audit_search":    handleAuditSearch,
	"fleet_health":          handleHealth,
}

// allTools is the list of tool definitions exposed via tools/list.
var allTools = []ToolDefinition{
	{
		Name:        "fleet_accounts",
		Description: "List fleet accounts and their OAuth/web availability, tier, and session counts.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
	},
	{
		Name:        "fleet_account_refresh",
		Description: "Re-probe a fleet account's health and return its updated status.",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"account_id"},
			"properties": map[string]any{
				"account_id": map[string]any{
					"type":        "string",
					"description": "The account ID to re-probe",
				},
			},
		},
	},
	{
		Name:        "fleet_proxies",
		Description: "Show proxy pool status: mode, rotation strategy, and availability.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
	},
	{
		Name:        "fleet_stats",
		Description: "Show aggregated request counts by model and day; with a model filter, list that model's most recent requests instead.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"model": map[string]any{
					"type":        "string",
					"description": "Filter by model (optional, omit for all models)",
				},
			},
		},
	},
	{
		Name:        "fleet_audit_search",
		Description: "Search the prompt/response audit log with optional filters.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"model": map[string]any{
					"type":        "string",
					"description": "Filter by model (optional)",
				},
				"since": map[string]any{
					"type":        "string",
					"description": "Start date in YYYY-MM-DD format (optional)",
				},
				"account_id": map[string]any{
					"type":        "string",
					"description": "Filter by account ID (optional)",
				},
			},
		},
	},
	{
		Name:        "fleet_health",
		Description: "Show fleet health event counts, grouped by kind and entity (account/proxy).",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
	},
}

func textResult(text string) ToolCallResult {
	return ToolCallResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
	}
}

func errorResult(text string) ToolCallResult {
	return ToolCallResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
		IsError: true,
	}
}

func handleAccounts(_ context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	if s.registry == nil {
		return textResult("Account registry is not configured.")
	}
	return textResult(formatAccounts(s.registry.List()))
}

func handleAccountRefresh(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	if s.registry == nil {
		return textResult("Account registry is not configured.")
	}
	var args accountIDArgs
	if len(rawArgs) > 0 {
		_ = json.Unmarshal(rawArgs, &args)
	}
	if args.AccountID == "" {
		return errorResult("account_id is required")
	}
	status, err := s.registry.Refresh(ctx, args.AccountID)
	if err != nil {
		return errorResult("Error refreshing account: " + err.Error())
	}
	return textResult(args.AccountID + ": " + string(status))
}

func handleProxies(_ context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	if s.pool == nil {
		return textResult("Proxy pool is not configured.")
	}
	return textResult(formatPoolStatus(s.pool.Status()))
}

type statsArgs struct {
	Model string `json:"model"`
}

func handleStats(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	if s.audit == nil {
		return textResult("Audit logging is not configured.")
	}
	var args statsArgs
	if len(rawArgs) > 0 {
		_ = json.Unmarshal(rawArgs, &args)
	}

	if args.Model != "" {
		entries, err := s.audit.Query(ctx, models.AuditQueryOpts{Model: args.Model, Limit: 50})
		if err != nil {
			return errorResult("Error fetching stats: " + err.Error())
		}
		return textResult(formatAuditEntries(entries))
	}

	stats, err := s.audit.Stats(ctx)
	if err != nil {
		return errorResult("Error fetching stats: " + err.Error())
	}
	return textResult(formatAuditStats(stats))
}

type auditSearchArgs struct {
	Model     string `json:"model"`
	Since     string `json:"since"`
	AccountID string `json:"account_id"`
}

func handleAuditSearch(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	if s.audit == nil {
		return textResult("Audit logging is not configured.")
	}
	var args auditSearchArgs
	if len(rawArgs) > 0 {
		_ = json.Unmarshal(rawArgs, &args)
	}

	opts := models.AuditQueryOpts{
		Model:     args.Model,
		AccountID: args.AccountID,
		Limit:     50,
	}
	if args.Since != "" {
		t, err := time.Parse("2006-01-02", args.Since)
		if err != nil {
			return errorResult("Invalid since date (use YYYY-MM-DD): " + err.Error())
		}
		opts.Since = t
	}

	entries, err := s.audit.Query(ctx, opts)
	if err != nil {
		return errorResult("Error searching audit log: " + err.Error())
	}
	return textResult(formatAuditEntries(entries))
}

func handleHealth(_ context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	if s.health == nil {
		return textResult("Health log is not configured.")
	}
	stats, err := s.health.Stats()
	if err != nil {
		return errorResult("Error fetching health stats: " + err.Error())
	}
	return textResult(formatHealthStats(stats))
}
