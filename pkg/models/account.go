package models

import "time"

// AccountStatus is the lifecycle state of a fleet account.
type AccountStatus string

const (
	AccountValid       AccountStatus = "valid"
	AccountInvalid     AccountStatus = "invalid"
	AccountRateLimited AccountStatus = "rate_limited"
)

// AccountTier is the subscription tier of a Claude.ai account.
type AccountTier string

const (
	TierFree AccountTier = "free"
	TierPro  AccountTier = "pro"
	TierMax  AccountTier = "max"
)

// Credentials holds the secrets needed to act as an account upstream.
//
// Either or both of Cookie and OAuthRefresh may be set; CanOAuth/CanWeb on
// the owning Account record which paths are actually usable.
type Credentials struct {
	Cookie          string `json:"cookie,omitempty"`
	OAuthRefresh    string `json:"oauth_refresh,omitempty"`
	OAuthAccess     string `json:"oauth_access,omitempty"`
	OAuthExpiresAt  time.Time `json:"oauth_expires_at,omitempty"`
}

// Account is a credentialed Claude.ai identity managed by the fleet.
type Account struct {
	ID    string      `json:"id"`
	Creds Credentials `json:"creds"`

	CanOAuth bool        `json:"can_oauth"`
	CanWeb   bool        `json:"can_web"`
	Tier     AccountTier `json:"tier"`

	Status           AccountStatus `json:"status"`
	RateLimitResetsAt *time.Time   `json:"rate_limit_resets_at,omitempty"`
	OverloadedUntil   *time.Time   `json:"overloaded_until,omitempty"`

	SessionCount int       `json:"session_count"`
	LastUsed     time.Time `json:"last_used"`
}

// IsOverloaded reports whether the account is currently within its overload
// cooldown window.
func (a *Account) IsOverloaded(now time.Time) bool {
	return a.OverloadedUntil != nil && now.Before(*a.OverloadedUntil)
}

// IsRateLimited reports whether the account's rate-limit window has not yet
// elapsed. Account selection in pkg/accounts takes only VALID accounts, so
// a RATE_LIMITED account stays out of selection after resetsAt has passed
// until an explicit ClearRateLimit or a successful probe flips its Status
// back to VALID.
func (a *Account) IsRateLimited(now time.Time) bool {
	return a.Status == AccountRateLimited && a.RateLimitResetsAt != nil && now.Before(*a.RateLimitResetsAt)
}
