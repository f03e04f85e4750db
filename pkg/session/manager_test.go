package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/claude-fleet/proxy/pkg/accounts"
	"github.com/claude-fleet/proxy/pkg/models"
	"github.com/claude-fleet/proxy/pkg/proxypool"
)

type stubProber struct{}

func (stubProber) Probe(ctx context.Context, acc *models.Account) (models.AccountStatus, *time.Time, error) {
	return models.AccountValid, nil, nil
}

type stubConvClient struct {
	deleted []string
	webSearchCalls int
}

func (s *stubConvClient) SetWebSearch(ctx context.Context, acc *models.Account, proxyURL, conversationID string, enabled bool) error {
	s.webSearchCalls++
	return nil
}

func (s *stubConvClient) DeleteConversation(ctx context.Context, acc *models.Account, proxyURL, conversationID string) error {
	s.deleted = append(s.deleted, conversationID)
	return nil
}

func newTestManager(t *testing.T, ttl time.Duration) (*Manager, *stubConvClient) {
	t.Helper()
	reg, err := accounts.New(filepath.Join(t.TempDir(), "accounts.json"), stubProber{})
	if err != nil {
		t.Fatal(err)
	}
	if err := reg.Add(&models.Account{ID: "a1", CanWeb: true, Status: models.AccountValid}); err != nil {
		t.Fatal(err)
	}
	pool, err := proxypool.New(models.ProxySettings{Mode: models.ProxyModeDisabled}, nil)
	if err != nil {
		t.Fatal(err)
	}
	conv := &stubConvClient{}
	return New(reg, pool, conv, ttl, 10), conv
}

func TestGetOrCreateReturnsSameSessionUntilExpiry(t *testing.T) {
	m, _ := newTestManager(t, time.Hour)
	ctx := context.Background()
	now := time.Now().UTC()

	s1, err := m.GetOrCreate(ctx, "client-1", now)
	if err != nil {
		t.Fatal(err)
	}
	s2, err := m.GetOrCreate(ctx, "client-1", now.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if s1.AccountID != s2.AccountID {
		t.Fatalf("expected stable account binding, got %s then %s", s1.AccountID, s2.AccountID)
	}
}

func TestGetOrCreateRecreatesAfterTTLExpiry(t *testing.T) {
	m, conv := newTestManager(t, time.Minute)
	ctx := context.Background()
	now := time.Now().UTC()

	s1, err := m.GetOrCreate(ctx, "client-1", now)
	if err != nil {
		t.Fatal(err)
	}
	m.BindConversation("client-1", "conv-1")

	_, err = m.GetOrCreate(ctx, "client-1", now.Add(2*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(conv.deleted) != 1 || conv.deleted[0] != "conv-1" {
		t.Fatalf("expected expired session's conversation deleted, got %v", conv.deleted)
	}
	_ = s1
}

func TestDestroyReleasesRegistrySessionCount(t *testing.T) {
	m, _ := newTestManager(t, time.Hour)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := m.GetOrCreate(ctx, "client-1", now); err != nil {
		t.Fatal(err)
	}
	list := m.registry.List()
	if list[0].SessionCount != 1 {
		t.Fatalf("expected session count 1, got %d", list[0].SessionCount)
	}

	m.Destroy(ctx, "client-1", models.DestroyReasonClientRequest)
	list = m.registry.List()
	if list[0].SessionCount != 0 {
		t.Fatalf("expected session count 0 after destroy, got %d", list[0].SessionCount)
	}
}

func TestSweepDestroysExpiredSessions(t *testing.T) {
	m, conv := newTestManager(t, time.Minute)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := m.GetOrCreate(ctx, "client-1", now); err != nil {
		t.Fatal(err)
	}
	m.BindConversation("client-1", "conv-1")

	m.Sweep(ctx, now.Add(2*time.Hour))
	if len(conv.deleted) != 1 {
		t.Fatalf("expected sweep to delete expired session's conversation, got %v", conv.deleted)
	}
}
