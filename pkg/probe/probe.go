// Package probe implements the fleet's two-phase account health probe:
// phase one validates credentials cheaply, phase two re-tests a rate
// limited account with a minimal real request once phase one finds it
// still has usable credentials.
package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/claude-fleet/proxy/pkg/fleeterr"
	"github.com/claude-fleet/proxy/pkg/models"
)

// ConversationClient is the web path's create/send/delete dance, satisfied
// by *drivers.WebDriver without probe importing drivers.
type ConversationClient interface {
	CreateConversation(ctx context.Context, acc *models.Account, proxyURL string) (string, error)
	SendMinimal(ctx context.Context, acc *models.Account, proxyURL, conversationID string) error
	DeleteConversation(ctx context.Context, acc *models.Account, proxyURL, conversationID string) error
}

// Prober implements accounts.Prober.
type Prober struct {
	WebBaseURL string
	APIBaseURL string
	Timeout    time.Duration

	Conversations ConversationClient

	// ProxyURLFor returns the proxy URL to route an account's probe
	// traffic through, or "" to probe direct.
	ProxyURLFor func(accountID string) string
}

func (p *Prober) client() *http.Client {
	return &http.Client{Timeout: p.Timeout}
}

func (p *Prober) proxyURL(accountID string) string {
	if p.ProxyURLFor == nil {
		return ""
	}
	return p.ProxyURLFor(accountID)
}

// Probe runs phase one credential validation and, when the account is
// currently rate limited and phase one found it valid, phase two's
// minimal-chat rate-limit probe.
func (p *Prober) Probe(ctx context.Context, acc *models.Account) (models.AccountStatus, *time.Time, error) {
	valid, err := p.checkCredentials(ctx, acc)
	if err != nil {
		return "", nil, err
	}

	switch valid {
	case credInvalid:
		return models.AccountInvalid, nil, nil
	case credUnknown:
		// Network/proxy trouble, not an authentication verdict: leave the
		// account's current status untouched.
		return acc.Status, acc.RateLimitResetsAt, nil
	}

	// valid == credValid from here.
	if acc.Status != models.AccountRateLimited {
		if acc.Status == models.AccountInvalid {
			return models.AccountValid, nil, nil
		}
		return acc.Status, acc.RateLimitResetsAt, nil
	}

	result, resetsAt := p.probeRateLimit(ctx, acc)
	switch result {
	case rateLimitCleared:
		return models.AccountValid, nil, nil
	case rateLimitStillLimited:
		if resetsAt == nil {
			resetsAt = acc.RateLimitResetsAt
		}
		return models.AccountRateLimited, resetsAt, nil
	default: // rateLimitInconclusive
		return acc.Status, acc.RateLimitResetsAt, nil
	}
}

type credentialResult int

const (
	credUnknown credentialResult = iota
	credValid
	credInvalid
)

// checkCredentials performs the cheap phase-one check: a GET against the
// web organizations endpoint when the account has a cookie, otherwise a GET
// against the OAuth profile endpoint with its access token.
func (p *Prober) checkCredentials(ctx context.Context, acc *models.Account) (credentialResult, error) {
	if acc.Creds.Cookie != "" {
		return p.checkCookie(ctx, acc)
	}
	if acc.Creds.OAuthAccess != "" {
		return p.checkOAuth(ctx, acc)
	}
	return credUnknown, fmt.Errorf("account %s has no usable credentials to probe", acc.ID)
}

func (p *Prober) checkCookie(ctx context.Context, acc *models.Account) (credentialResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.WebBaseURL+"/api/organizations", nil)
	if err != nil {
		return credUnknown, err
	}
	req.Header.Set("cookie", acc.Creds.Cookie)

	resp, err := p.client().Do(req)
	if err != nil {
		return credUnknown, nil
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return credValid, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return credInvalid, nil
	default:
		return credUnknown, nil
	}
}

func (p *Prober) checkOAuth(ctx context.Context, acc *models.Account) (credentialResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.APIBaseURL+"/api/oauth/profile", nil)
	if err != nil {
		return credUnknown, err
	}
	req.Header.Set("authorization", "Bearer "+acc.Creds.OAuthAccess)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := p.client().Do(req)
	if err != nil {
		return credUnknown, nil
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return credValid, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return credInvalid, nil
	default:
		return credUnknown, nil
	}
}

type rateLimitProbeResult int

const (
	rateLimitInconclusive rateLimitProbeResult = iota
	rateLimitCleared
	rateLimitStillLimited
)

// probeRateLimit sends a minimal real request through the account's normal
// upstream path to see whether its rate limit window has actually elapsed.
func (p *Prober) probeRateLimit(ctx context.Context, acc *models.Account) (rateLimitProbeResult, *time.Time) {
	if acc.Creds.OAuthAccess != "" {
		return p.probeOAuthRateLimit(ctx, acc)
	}
	return p.probeWebRateLimit(ctx, acc)
}

func (p *Prober) probeOAuthRateLimit(ctx context.Context, acc *models.Account) (rateLimitProbeResult, *time.Time) {
	payload, _ := json.Marshal(map[string]any{
		"model":      "claude-sonnet-4-20250514",
		"max_tokens": 1,
		"messages":   []map[string]string{{"role": "user", "content": "hi"}},
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.APIBaseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return rateLimitInconclusive, nil
	}
	req.Header.Set("authorization", "Bearer "+acc.Creds.OAuthAccess)
	req.Header.Set("anthropic-beta", "oauth-2025-04-20")
	req.Header.Set("anthropic-version", "2023-06-01")
	req.Header.Set("content-type", "application/json")

	resp, err := p.client().Do(req)
	if err != nil {
		return rateLimitInconclusive, nil
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return rateLimitCleared, nil
	case http.StatusTooManyRequests:
		resetsAt := parseResetHeader(resp.Header.Get("anthropic-ratelimit-unified-reset"))
		return rateLimitStillLimited, resetsAt
	default:
		return rateLimitInconclusive, nil
	}
}

func (p *Prober) probeWebRateLimit(ctx context.Context, acc *models.Account) (rateLimitProbeResult, *time.Time) {
	if p.Conversations == nil {
		return rateLimitInconclusive, nil
	}
	proxyURL := p.proxyURL(acc.ID)

	conversationID, err := p.Conversations.CreateConversation(ctx, acc, proxyURL)
	if err != nil {
		return classifyWebProbeErr(err)
	}
	defer p.Conversations.DeleteConversation(context.Background(), acc, proxyURL, conversationID)

	if err := p.Conversations.SendMinimal(ctx, acc, proxyURL, conversationID); err != nil {
		return classifyWebProbeErr(err)
	}
	return rateLimitCleared, nil
}

func classifyWebProbeErr(err error) (rateLimitProbeResult, *time.Time) {
	fe, ok := fleeterr.As(err)
	if !ok || fe.Kind != fleeterr.KindRateLimited {
		return rateLimitInconclusive, nil
	}
	if resetsAt, ok := fe.Context["resets_at"].(time.Time); ok {
		return rateLimitStillLimited, &resetsAt
	}
	return rateLimitStillLimited, nil
}

func parseResetHeader(v string) *time.Time {
	if v == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil
	}
	return &t
}
