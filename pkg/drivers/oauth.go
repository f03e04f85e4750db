package drivers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/claude-fleet/proxy/pkg/fleeterr"
	"github.com/claude-fleet/proxy/pkg/models"
)

// TokenRefresher exchanges an account's OAuth refresh token for a fresh
// access token. Implemented outside this package so the driver does not
// need to know the token endpoint's credential format.
type TokenRefresher interface {
	RefreshOAuthToken(ctx context.Context, acc *models.Account) (accessToken string, expiresAt time.Time, err error)
}

// OAuthDriver forwards the client request almost unchanged to the upstream
// public API endpoint, using the account's OAuth access token.
type OAuthDriver struct {
	BaseURL   string
	Refresher TokenRefresher
	Timeout   time.Duration

	// OnTokenRefreshed, if set, is called after a lazy refresh so the
	// caller can persist the new token back to the account registry.
	OnTokenRefreshed func(accountID, accessToken string, expiresAt time.Time)
}

func (d *OAuthDriver) Stream(ctx context.Context, req *models.MessagesRequest, acc *models.Account, proxy *models.Proxy, sess *models.Session) (RawEventIterator, error) {
	token := acc.Creds.OAuthAccess
	if token == "" || (!acc.Creds.OAuthExpiresAt.IsZero() && time.Now().After(acc.Creds.OAuthExpiresAt)) {
		newToken, expiresAt, err := d.Refresher.RefreshOAuthToken(ctx, acc)
		if err != nil {
			return nil, fleeterr.New(fleeterr.KindInvalidCredentials, err, map[string]any{"account_id": acc.ID})
		}
		token = newToken
		if d.OnTokenRefreshed != nil {
			d.OnTokenRefreshed(acc.ID, newToken, expiresAt)
		}
	}

	body := *req
	body.Stream = true
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal oauth request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.BaseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build oauth request: %w", err)
	}
	httpReq.Header.Set("content-type", "application/json")
	httpReq.Header.Set("authorization", "Bearer "+token)
	httpReq.Header.Set("accept", "text/event-stream")

	client, err := httpClientFor(proxy, d.Timeout)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fleeterr.New(fleeterr.KindProxyTransport, err, map[string]any{"account_id": acc.ID})
	}

	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		return nil, fleeterr.New(fleeterr.KindInvalidCredentials, fmt.Errorf("oauth upstream returned 401"), map[string]any{"account_id": acc.ID})
	}
	if resp.StatusCode == http.StatusForbidden && proxy != nil {
		resp.Body.Close()
		return nil, fleeterr.New(fleeterr.KindProxyTransport, fmt.Errorf("oauth upstream returned 403 while proxied"), map[string]any{"account_id": acc.ID})
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		defer resp.Body.Close()
		resetsAt := parseRateLimitReset(resp.Header, time.Now())
		return nil, fleeterr.New(fleeterr.KindRateLimited, fmt.Errorf("oauth upstream returned 429"), map[string]any{"account_id": acc.ID, "resets_at": resetsAt})
	}
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fleeterr.New(fleeterr.KindUpstreamProtocol, fmt.Errorf("oauth upstream returned %d: %s", resp.StatusCode, b), map[string]any{"account_id": acc.ID})
	}

	return newSSEReader(resp.Body), nil
}

// parseRateLimitReset extracts a retry-after/reset instant from a 429
// response's headers, falling back to now+60s when absent.
func parseRateLimitReset(h http.Header, now time.Time) time.Time {
	if v := h.Get("retry-after"); v != "" {
		var seconds int
		if _, err := fmt.Sscanf(v, "%d", &seconds); err == nil {
			return now.Add(time.Duration(seconds) * time.Second)
		}
	}
	return now.Add(60 * time.Second)
}
