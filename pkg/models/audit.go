package models

import "time"

// AuditEntry represents a single audited proxied request/response pair.
type AuditEntry struct {
	RequestID      string            `json:"request_id"`
	AccountID      string            `json:"account_id"`
	Model          string            `json:"model"`
	SessionKey     string            `json:"session_key,omitempty"`
	Driver         string            `json:"driver"` // "oauth" or "web"
	RequestBody    string            `json:"request_body,omitempty"`
	ResponseBody   string            `json:"response_body,omitempty"`
	RequestHeaders map[string]string `json:"request_headers,omitempty"`
	StatusCode     int               `json:"status_code"`
	InputTokens    int               `json:"input_tokens"`
	OutputTokens   int               `json:"output_tokens"`
	TotalTokens    int               `json:"total_tokens"`
	LatencyMs      int64             `json:"latency_ms"`
	CreatedAt      time.Time         `json:"created_at"`
}

// AuditConfig controls the audit logging subsystem.
type AuditConfig struct {
	Enabled       bool     `yaml:"enabled"`
	DBPath        string   `yaml:"db_path"`
	RetentionDays int      `yaml:"retention_days"`
	Include       []string `yaml:"include"` // "prompts", "responses", "metadata"
	ExcludeModels []string `yaml:"exclude_models"`
	MaxBodySize   int      `yaml:"max_body_size"` // bytes
}

// AuditQueryOpts specifies filters for querying audit entries.
type AuditQueryOpts struct {
	Model      string
	Since      time.Time
	AccountID  string
	SessionKey string
	RequestID  string
	Limit      int
}

// AuditStat holds aggregate audit counts for a model/day combination.
type AuditStat struct {
	Model string
	Day   string
	Count int
}
