package drivers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/claude-fleet/proxy/pkg/fleeterr"
	"github.com/claude-fleet/proxy/pkg/models"
)

// WebDriver emulates the Claude.ai web client: conversations are created,
// sent to, and deleted as separate HTTP calls against the web endpoint,
// and upstream events arrive in the private streaming schema.
type WebDriver struct {
	BaseURL string
	Timeout time.Duration

	// OnConversationCreated, if set, is called with the session's client
	// key and the newly created conversation id, so the session manager
	// can bind it for reuse on the next call.
	OnConversationCreated func(clientKey, conversationID string)
}

// Stream runs the three-step dance: create (if needed), send, and —
// regardless of outcome — arranges for deletion via the returned iterator's
// Close. Tool injection for web search happens here, before the send.
func (d *WebDriver) Stream(ctx context.Context, req *models.MessagesRequest, acc *models.Account, proxy *models.Proxy, sess *models.Session) (RawEventIterator, error) {
	client, err := httpClientFor(proxy, d.Timeout)
	if err != nil {
		return nil, err
	}

	conversationID := ""
	clientKey := ""
	if sess != nil {
		conversationID = sess.ConversationID
		clientKey = sess.ClientKey
	}

	wantsWebSearch, filteredTools := extractWebSearchTool(req.Tools)

	if conversationID == "" {
		conversationID, err = d.createConversation(ctx, client, acc)
		if err != nil {
			return nil, err
		}
		if sess != nil && d.OnConversationCreated != nil {
			d.OnConversationCreated(clientKey, conversationID)
		}
	}

	if wantsWebSearch {
		if err := d.SetWebSearch(ctx, acc, proxyURLOf(proxy), conversationID, true); err != nil {
			d.DeleteConversation(ctx, acc, proxyURLOf(proxy), conversationID)
			return nil, err
		}
	}

	outbound := *req
	outbound.Tools = filteredTools
	if wantsWebSearch {
		outbound.Tools = append(outbound.Tools, models.ToolDef{Type: "web_search_v0", Name: "web_search"})
	}

	iter, err := d.sendMessage(ctx, client, acc, conversationID, &outbound)
	if err != nil {
		d.DeleteConversation(ctx, acc, proxyURLOf(proxy), conversationID)
		return nil, err
	}
	return &deletingIterator{inner: iter, onClose: func() {
		d.DeleteConversation(context.Background(), acc, proxyURLOf(proxy), conversationID)
	}}, nil
}

// extractWebSearchTool removes any public web_search_* tool entry from
// tools, reporting whether one was present.
func extractWebSearchTool(tools []models.ToolDef) (bool, []models.ToolDef) {
	found := false
	out := make([]models.ToolDef, 0, len(tools))
	for _, t := range tools {
		if strings.HasPrefix(t.Type, "web_search_") {
			found = true
			continue
		}
		out = append(out, t)
	}
	return found, out
}

func proxyURLOf(p *models.Proxy) string {
	if p == nil {
		return ""
	}
	return p.URL()
}

func (d *WebDriver) createConversation(ctx context.Context, client *http.Client, acc *models.Account) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.BaseURL+"/api/organizations/conversations", nil)
	if err != nil {
		return "", err
	}
	d.authenticate(httpReq, acc)

	resp, err := client.Do(httpReq)
	if err != nil {
		return "", fleeterr.New(fleeterr.KindProxyTransport, err, map[string]any{"account_id": acc.ID})
	}
	defer resp.Body.Close()
	if err := checkWebStatus(resp, acc.ID); err != nil {
		return "", err
	}

	var created struct {
		UUID string `json:"uuid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("decode created conversation: %w", err)
	}
	return created.UUID, nil
}

func (d *WebDriver) sendMessage(ctx context.Context, client *http.Client, acc *models.Account, conversationID string, req *models.MessagesRequest) (RawEventIterator, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal web request: %w", err)
	}

	url := fmt.Sprintf("%s/api/organizations/conversations/%s/completion", d.BaseURL, conversationID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	d.authenticate(httpReq, acc)
	httpReq.Header.Set("content-type", "application/json")
	httpReq.Header.Set("accept", "text/event-stream")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fleeterr.New(fleeterr.KindProxyTransport, err, map[string]any{"account_id": acc.ID})
	}
	if err := checkWebStatus(resp, acc.ID); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return newSSEReader(resp.Body), nil
}

// SetWebSearch PATCHes the conversation's search setting. Implements
// session.ConversationClient.
func (d *WebDriver) SetWebSearch(ctx context.Context, acc *models.Account, proxyURL, conversationID string, enabled bool) error {
	if conversationID == "" {
		return nil
	}
	client, err := httpClientForURL(proxyURL, d.Timeout)
	if err != nil {
		return err
	}
	body, _ := json.Marshal(map[string]bool{"web_search_enabled": enabled})
	url := fmt.Sprintf("%s/api/organizations/conversations/%s/settings", d.BaseURL, conversationID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPatch, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	d.authenticate(httpReq, acc)
	httpReq.Header.Set("content-type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return fleeterr.New(fleeterr.KindProxyTransport, err, map[string]any{"account_id": acc.ID})
	}
	defer resp.Body.Close()
	return checkWebStatus(resp, acc.ID)
}

// DeleteConversation deletes conversationID best-effort. Implements
// session.ConversationClient.
func (d *WebDriver) DeleteConversation(ctx context.Context, acc *models.Account, proxyURL, conversationID string) error {
	if conversationID == "" {
		return nil
	}
	client, err := httpClientForURL(proxyURL, d.Timeout)
	if err != nil {
		return nil
	}
	url := fmt.Sprintf("%s/api/organizations/conversations/%s", d.BaseURL, conversationID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return nil
	}
	d.authenticate(httpReq, acc)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	return nil
}

// CreateConversation opens a new conversation, for callers outside Stream
// that need the create step on its own — the health probe's cookie-only
// rate-limit check. Implements probe.ConversationClient.
func (d *WebDriver) CreateConversation(ctx context.Context, acc *models.Account, proxyURL string) (string, error) {
	client, err := httpClientForURL(proxyURL, d.Timeout)
	if err != nil {
		return "", err
	}
	return d.createConversation(ctx, client, acc)
}

// SendMinimal sends the smallest possible message to conversationID and
// drains the response, discarding events. Implements
// probe.ConversationClient.
func (d *WebDriver) SendMinimal(ctx context.Context, acc *models.Account, proxyURL, conversationID string) error {
	client, err := httpClientForURL(proxyURL, d.Timeout)
	if err != nil {
		return err
	}
	req := &models.MessagesRequest{
		Model:     "claude-sonnet-4-20250514",
		MaxTokens: 1,
		Messages:  []models.MessageParam{{Role: "user", Content: json.RawMessage(`"hi"`)}},
	}
	iter, err := d.sendMessage(ctx, client, acc, conversationID, req)
	if err != nil {
		return err
	}
	defer iter.Close()
	for {
		_, ok, err := iter.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}
}

func (d *WebDriver) authenticate(req *http.Request, acc *models.Account) {
	if acc.Creds.Cookie != "" {
		req.Header.Set("cookie", acc.Creds.Cookie)
	}
}

func checkWebStatus(resp *http.Response, accountID string) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return fleeterr.New(fleeterr.KindInvalidCredentials, fmt.Errorf("web upstream returned 401"), map[string]any{"account_id": accountID})
	case resp.StatusCode == http.StatusForbidden:
		return fleeterr.New(fleeterr.KindProxyTransport, fmt.Errorf("web upstream returned 403"), map[string]any{"account_id": accountID})
	case resp.StatusCode == http.StatusTooManyRequests:
		resetsAt := parseRateLimitReset(resp.Header, time.Now())
		return fleeterr.New(fleeterr.KindRateLimited, fmt.Errorf("web upstream returned 429"), map[string]any{"account_id": accountID, "resets_at": resetsAt})
	case resp.StatusCode >= 400:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fleeterr.New(fleeterr.KindUpstreamProtocol, fmt.Errorf("web upstream returned %d: %s", resp.StatusCode, b), map[string]any{"account_id": accountID})
	}
	return nil
}

func httpClientForURL(proxyURL string, timeout time.Duration) (*http.Client, error) {
	if proxyURL == "" {
		return &http.Client{Timeout: timeout}, nil
	}
	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, err
	}
	return &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(u)}, Timeout: timeout}, nil
}

// deletingIterator wraps a RawEventIterator so Close also runs the
// conversation-deletion side effect exactly once.
type deletingIterator struct {
	inner   RawEventIterator
	onClose func()
	closed  bool
}

func (it *deletingIterator) Next() (RawFrame, bool, error) { return it.inner.Next() }

func (it *deletingIterator) Close() error {
	err := it.inner.Close()
	if !it.closed {
		it.closed = true
		it.onClose()
	}
	return err
}
