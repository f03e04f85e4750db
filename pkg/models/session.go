package models

import "time"

// Session is an account-bound, possibly long-lived client view.
//
// The proxy URL is captured by the session manager at
// creation time for the web path; the OAuth path re-resolves a proxy on
// every call and does not populate ProxyURL here.
type Session struct {
	ClientKey string `json:"client_key"`
	AccountID string `json:"account_id"`

	ProxyURL       string `json:"proxy_url,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`

	WebSearchEnabled bool `json:"web_search_enabled"`
	PaprikaMode      bool `json:"paprika_mode"`

	CreatedAt time.Time     `json:"created_at"`
	TTL       time.Duration `json:"ttl"`
}

// Expired reports whether the session's TTL has elapsed as of now.
func (s *Session) Expired(now time.Time) bool {
	return s.TTL > 0 && now.After(s.CreatedAt.Add(s.TTL))
}

// DestroyReason records why a session was torn down, for logging.
type DestroyReason string

const (
	DestroyReasonTTL            DestroyReason = "ttl_expired"
	DestroyReasonTerminalError  DestroyReason = "terminal_error"
	DestroyReasonAccountInvalid DestroyReason = "account_invalid"
	DestroyReasonClientRequest  DestroyReason = "client_request"
)
