package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/claude-fleet/proxy/pkg/models"
)

func TestProbeMarksCookieAccountInvalidOn401(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := &Prober{WebBaseURL: srv.URL, Timeout: 2 * time.Second}
	acc := &models.Account{ID: "a1", Status: models.AccountValid, Creds: models.Credentials{Cookie: "sess=x"}}

	status, resetsAt, err := p.Probe(context.Background(), acc)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if status != models.AccountInvalid {
		t.Fatalf("expected invalid, got %s", status)
	}
	if resetsAt != nil {
		t.Fatalf("expected no resets_at, got %v", resetsAt)
	}
}

func TestProbeClearsRateLimitOnSuccessfulOAuthRequest(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		switch r.URL.Path {
		case "/api/oauth/profile":
			w.WriteHeader(http.StatusOK)
		case "/v1/messages":
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	p := &Prober{APIBaseURL: srv.URL, Timeout: 2 * time.Second}
	acc := &models.Account{
		ID:     "a1",
		Status: models.AccountRateLimited,
		Creds:  models.Credentials{OAuthAccess: "tok"},
	}

	status, resetsAt, err := p.Probe(context.Background(), acc)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if status != models.AccountValid {
		t.Fatalf("expected valid after successful minimal request, got %s", status)
	}
	if resetsAt != nil {
		t.Fatalf("expected resets_at cleared, got %v", resetsAt)
	}
	if calls != 2 {
		t.Fatalf("expected phase 1 + phase 2 calls, got %d", calls)
	}
}

func TestProbeLeavesStatusUnchangedOnNetworkError(t *testing.T) {
	p := &Prober{WebBaseURL: "http://127.0.0.1:1", Timeout: 50 * time.Millisecond}
	acc := &models.Account{ID: "a1", Status: models.AccountValid, Creds: models.Credentials{Cookie: "sess=x"}}

	status, _, err := p.Probe(context.Background(), acc)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if status != models.AccountValid {
		t.Fatalf("expected status left unchanged on network error, got %s", status)
	}
}

func TestProbeSkipsPhaseTwoWhenNotRateLimited(t *testing.T) {
	var sawMessages bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/messages" {
			sawMessages = true
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := &Prober{APIBaseURL: srv.URL, Timeout: 2 * time.Second}
	acc := &models.Account{ID: "a1", Status: models.AccountValid, Creds: models.Credentials{OAuthAccess: "tok"}}

	status, _, err := p.Probe(context.Background(), acc)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if status != models.AccountValid {
		t.Fatalf("expected valid, got %s", status)
	}
	if sawMessages {
		t.Fatal("expected phase two to be skipped for a non-rate-limited account")
	}
}
