package drivers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/claude-fleet/proxy/pkg/models"
)

func TestOAuthDriverStreamsPublicEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("authorization") != "Bearer tok123" {
			t.Errorf("expected bearer token, got %q", r.Header.Get("authorization"))
		}
		w.Header().Set("content-type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("event: message_start\ndata: {\"type\":\"message_start\"}\n\n"))
		w.Write([]byte("event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n"))
	}))
	defer srv.Close()

	d := &OAuthDriver{BaseURL: srv.URL, Timeout: 5 * time.Second}
	acc := &models.Account{ID: "a1", Creds: models.Credentials{OAuthAccess: "tok123"}}
	req := &models.MessagesRequest{Model: "claude-sonnet-4-20250514", MaxTokens: 16}

	iter, err := d.Stream(context.Background(), req, acc, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer iter.Close()

	var events []string
	for {
		frame, ok, err := iter.Next()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		events = append(events, frame.Event)
	}
	if len(events) != 2 || events[0] != "message_start" || events[1] != "message_stop" {
		t.Fatalf("unexpected events: %v", events)
	}
}

func TestOAuthDriverRefreshesExpiredToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("authorization") != "Bearer refreshed" {
			t.Errorf("expected refreshed token, got %q", r.Header.Get("authorization"))
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	refreshed := false
	d := &OAuthDriver{
		BaseURL: srv.URL,
		Timeout: 5 * time.Second,
		Refresher: refresherFunc(func(ctx context.Context, acc *models.Account) (string, time.Time, error) {
			refreshed = true
			return "refreshed", time.Now().Add(time.Hour), nil
		}),
	}
	acc := &models.Account{ID: "a1", Creds: models.Credentials{OAuthAccess: "", OAuthExpiresAt: time.Now().Add(-time.Minute)}}
	req := &models.MessagesRequest{Model: "claude-sonnet-4-20250514", MaxTokens: 16}

	iter, err := d.Stream(context.Background(), req, acc, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	iter.Close()
	if !refreshed {
		t.Fatal("expected refresher to be called")
	}
}

type refresherFunc func(ctx context.Context, acc *models.Account) (string, time.Time, error)

func (f refresherFunc) RefreshOAuthToken(ctx context.Context, acc *models.Account) (string, time.Time, error) {
	return f(ctx, acc)
}
