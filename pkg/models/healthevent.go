package models

import "time"

// HealthEventKind discriminates what kind of entity/cause a health event
// records, backing the admin statistics surface.
type HealthEventKind string

const (
	HealthEventProxyQuarantine    HealthEventKind = "proxy_quarantine"
	HealthEventAccountRateLimit   HealthEventKind = "account_rate_limit"
	HealthEventAccountOverloaded  HealthEventKind = "account_overloaded"
	HealthEventAccountInvalid     HealthEventKind = "account_invalid"
)

// HealthEvent is a single recorded occurrence of a quarantine/cooldown/
// invalidation, persisted so the admin statistics surface can answer
// "how often has X happened" without replaying in-memory state.
type HealthEvent struct {
	Kind      HealthEventKind `json:"kind"`
	EntityID  string          `json:"entity_id"` // proxy key or account ID
	Reason    string          `json:"reason"`
	UntilTime *time.Time      `json:"until_time,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// HealthEventStats reports aggregate counts of health events, grouped by
// kind and entity.
type HealthEventStats struct {
	Kind     HealthEventKind `json:"kind"`
	EntityID string          `json:"entity_id"`
	Count    int64           `json:"count"`
}
