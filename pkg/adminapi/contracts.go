// Package adminapi defines the contracts for the admin surface: single and
// batch account add/delete/refresh, proxy list get/put, proxy pool status,
// and usage statistics. The HTTP/gRPC framing that serves these contracts
// is an external collaborator; this package fixes only the interfaces, the
// way pkg/accounts.Prober fixes the probe contract without implementing it.
package adminapi

import (
	"context"
	"time"

	"github.com/claude-fleet/proxy/pkg/models"
)

// AccountsAdmin is the CRUD surface over the Account Registry.
type AccountsAdmin interface {
	List() []models.Account
	Add(acc *models.Account) error
	Remove(accountID string) error
	BatchRemove(ids []string) error
	Refresh(ctx context.Context, accountID string) (models.AccountStatus, error)
	BatchRefresh(ctx context.Context, ids []string, maxConcurrency int) map[string]error
}

// ProxiesAdmin is the CRUD surface over the Proxy Pool's configured list.
// *pkg/proxypool.Pool satisfies this directly.
type ProxiesAdmin interface {
	// List returns the current proxy list, credentials redacted per
	// scheme://[auth]@host:port.
	List() []string
	// Reload replaces the proxy list from newline-delimited text and
	// reloads the pool; the same format pkg/proxypool.ParseProxyList
	// accepts.
	Reload(textContent string) error
	Status() models.PoolStatus
}

// SettingsAdmin exposes the subset of pkg/config that is safe for runtime
// admin inspection and update: the proxy settings (mode, rotation, cooldown).
// Credential paths (AccountsPath, ProxyListPath) are deliberately excluded.
type SettingsAdmin interface {
	Get() models.ProxySettings
	Update(models.ProxySettings) error
}

// StatisticsAdmin reports aggregated usage and fleet health, backing the
// admin dashboard's summary views.
type StatisticsAdmin interface {
	// Usage aggregates request counts by model and day.
	Usage(ctx context.Context) ([]models.AuditStat, error)
	// Health reports health event counts grouped by kind and entity
	// (account or proxy).
	Health(ctx context.Context) ([]models.HealthEventStats, error)
}

// AccountSnapshot is the admin-facing view of an account: the full
// models.Account minus its Credentials, which the admin surface must never
// return verbatim.
type AccountSnapshot struct {
	ID                string               `json:"id"`
	CanOAuth          bool                 `json:"can_oauth"`
	CanWeb            bool                 `json:"can_web"`
	Tier              models.AccountTier   `json:"tier"`
	Status            models.AccountStatus `json:"status"`
	RateLimitResetsAt *time.Time           `json:"rate_limit_resets_at,omitempty"`
	OverloadedUntil   *time.Time           `json:"overloaded_until,omitempty"`
	SessionCount      int                  `json:"session_count"`
	LastUsed          time.Time            `json:"last_used"`
}

// Redact strips credentials from an account for admin responses.
func Redact(a models.Account) AccountSnapshot {
	return AccountSnapshot{
		ID:                a.ID,
		CanOAuth:          a.CanOAuth,
		CanWeb:            a.CanWeb,
		Tier:              a.Tier,
		Status:            a.Status,
		RateLimitResetsAt: a.RateLimitResetsAt,
		OverloadedUntil:   a.OverloadedUntil,
		SessionCount:      a.SessionCount,
		LastUsed:          a.LastUsed,
	}
}
