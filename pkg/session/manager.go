// Package session implements the Session Manager: per-account web sessions
// layered on top of the Account Registry, each pinning a proxy and an
// optional upstream conversation identifier for the web path.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/claude-fleet/proxy/pkg/accounts"
	"github.com/claude-fleet/proxy/pkg/models"
	"github.com/claude-fleet/proxy/pkg/proxypool"
)

// ConversationClient performs the upstream side-effects a session's
// lifecycle needs: enabling web search on a bound conversation, and
// deleting it. Implemented by the web driver; the manager only needs the
// narrow slice declared here.
type ConversationClient interface {
	SetWebSearch(ctx context.Context, acc *models.Account, proxyURL, conversationID string, enabled bool) error
	DeleteConversation(ctx context.Context, acc *models.Account, proxyURL, conversationID string) error
}

// Manager owns the map of clientKey -> Session. A session's account
// reference is stable for its lifetime; if the account becomes invalid the
// session is destroyed, not migrated.
type Manager struct {
	registry *accounts.Registry
	pool     *proxypool.Pool
	conv     ConversationClient
	ttl      time.Duration
	sessionCap int

	mu       sync.Mutex
	sessions map[string]*models.Session
}

// New constructs a Manager. conv may be nil until the web driver is wired
// up; SetWebSearch/Destroy calls are then no-ops for the conversation side.
func New(registry *accounts.Registry, pool *proxypool.Pool, conv ConversationClient, ttl time.Duration, sessionCap int) *Manager {
	return &Manager{
		registry:   registry,
		pool:       pool,
		conv:       conv,
		ttl:        ttl,
		sessionCap: sessionCap,
		sessions:   make(map[string]*models.Session),
	}
}

// GetOrCreate returns the session bound to clientKey, creating one (and
// picking an account + proxy) on first use or after expiry.
func (m *Manager) GetOrCreate(ctx context.Context, clientKey string, now time.Time) (*models.Session, error) {
	m.mu.Lock()
	if s, ok := m.sessions[clientKey]; ok {
		if !s.Expired(now) {
			cp := *s
			m.mu.Unlock()
			return &cp, nil
		}
		m.mu.Unlock()
		m.Destroy(ctx, clientKey, models.DestroyReasonTTL)
		m.mu.Lock()
	}
	m.mu.Unlock()

	acc, err := m.registry.PickForSession(clientKey, m.sessionCap, now)
	if err != nil {
		return nil, err
	}

	proxy, err := m.pool.GetProxy(acc.ID)
	if err != nil {
		return nil, err
	}
	proxyURL := ""
	if proxy != nil {
		proxyURL = proxy.URL()
	}

	s := &models.Session{
		ClientKey: clientKey,
		AccountID: acc.ID,
		ProxyURL:  proxyURL,
		CreatedAt: now,
		TTL:       m.ttl,
	}

	m.mu.Lock()
	m.sessions[clientKey] = s
	m.mu.Unlock()

	cp := *s
	return &cp, nil
}

// BindConversation records the upstream conversation identifier created for
// a session's first send.
func (m *Manager) BindConversation(clientKey, conversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[clientKey]; ok {
		s.ConversationID = conversationID
	}
}

// SetWebSearch enables or disables web search on the session's bound
// upstream conversation and caches the flag locally.
func (m *Manager) SetWebSearch(ctx context.Context, clientKey string, enabled bool) error {
	m.mu.Lock()
	s, ok := m.sessions[clientKey]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("no session for client key %q", clientKey)
	}
	s.WebSearchEnabled = enabled
	acc := s.AccountID
	proxyURL := s.ProxyURL
	conversationID := s.ConversationID
	m.mu.Unlock()

	if m.conv == nil || conversationID == "" {
		return nil
	}
	return m.conv.SetWebSearch(ctx, &models.Account{ID: acc}, proxyURL, conversationID, enabled)
}

// SetThinking toggles extended-thinking ("paprika mode") on the session.
func (m *Manager) SetThinking(clientKey string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[clientKey]
	if !ok {
		return fmt.Errorf("no session for client key %q", clientKey)
	}
	s.PaprikaMode = enabled
	return nil
}

// Destroy tears down a session: best-effort conversation deletion, session
// count release on the registry, and removal from the local map.
func (m *Manager) Destroy(ctx context.Context, clientKey string, reason models.DestroyReason) {
	m.mu.Lock()
	s, ok := m.sessions[clientKey]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, clientKey)
	m.mu.Unlock()

	if m.conv != nil && s.ConversationID != "" {
		_ = m.conv.DeleteConversation(ctx, &models.Account{ID: s.AccountID}, s.ProxyURL, s.ConversationID)
	}
	m.registry.ReleaseSession(clientKey, s.AccountID)
}

// Sweep destroys all sessions whose TTL has elapsed as of now. Intended to
// be called periodically so idle sessions release their upstream
// conversations even without further client traffic.
func (m *Manager) Sweep(ctx context.Context, now time.Time) {
	m.mu.Lock()
	var expired []string
	for key, s := range m.sessions {
		if s.Expired(now) {
			expired = append(expired, key)
		}
	}
	m.mu.Unlock()

	for _, key := range expired {
		m.Destroy(ctx, key, models.DestroyReasonTTL)
	}
}

// NewClientKey generates an opaque session key for callers with no stable
// client-supplied identifier to key a session by.
func NewClientKey() string {
	return "sess_" + uuid.NewString()
}
