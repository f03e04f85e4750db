package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/claude-fleet/proxy/pkg/models"
)

// anthropicOAuthTokenURL is the token endpoint used by the public Claude
// Code OAuth client to exchange a refresh token for a fresh access token.
const anthropicOAuthTokenURL = "https://console.anthropic.com/v1/oauth/token"

// claudeCodeClientID is the public OAuth client id Anthropic issues to the
// Claude Code CLI; the refresh grant below impersonates it the same way
// Claude Code itself does.
const claudeCodeClientID = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"

// oauthRefresher implements drivers.TokenRefresher against Anthropic's
// public OAuth token endpoint.
type oauthRefresher struct {
	client *http.Client
}

func newOAuthRefresher(timeout time.Duration) *oauthRefresher {
	return &oauthRefresher{client: &http.Client{Timeout: timeout}}
}

type oauthTokenRequest struct {
	GrantType    string `json:"grant_type"`
	RefreshToken string `json:"refresh_token"`
	ClientID     string `json:"client_id"`
}

type oauthTokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

func (r *oauthRefresher) RefreshOAuthToken(ctx context.Context, acc *models.Account) (string, time.Time, error) {
	if acc.Creds.OAuthRefresh == "" {
		return "", time.Time{}, fmt.Errorf("account %s has no refresh token", acc.ID)
	}

	body, err := json.Marshal(oauthTokenRequest{
		GrantType:    "refresh_token",
		RefreshToken: acc.Creds.OAuthRefresh,
		ClientID:     claudeCodeClientID,
	})
	if err != nil {
		return "", time.Time{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, anthropicOAuthTokenURL, bytes.NewReader(body))
	if err != nil {
		return "", time.Time{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("oauth refresh request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", time.Time{}, fmt.Errorf("oauth refresh: unexpected status %d", resp.StatusCode)
	}

	var tr oauthTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", time.Time{}, fmt.Errorf("decode oauth refresh response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", time.Time{}, fmt.Errorf("oauth refresh: empty access token")
	}

	expiresAt := time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	return tr.AccessToken, expiresAt, nil
}
