// Package accounts implements the Account Registry: durable fleet state and
// account selection for both upstream paths.
package accounts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/claude-fleet/proxy/pkg/fleeterr"
	"github.com/claude-fleet/proxy/pkg/models"
)

// ErrNoAccountsAvailable is returned by PickForOAuth/PickForSession when no
// account satisfies the selection predicate.
var ErrNoAccountsAvailable = errors.New("no accounts available")

// Prober runs the two-phase refresh probe against a single account. Defined
// here, at the consumer, so pkg/probe can implement it without this package
// importing pkg/probe.
type Prober interface {
	Probe(ctx context.Context, acc *models.Account) (status models.AccountStatus, resetsAt *time.Time, err error)
}

// Registry owns the fleet of credentialed accounts. All mutation goes
// through a single writer critical section that also performs the
// persistence call; selection reads may proceed without the lock but
// re-check status atomically when binding a session.
type Registry struct {
	path   string
	prober Prober

	mu       sync.Mutex
	accounts map[string]*models.Account

	sticky   sync.Mutex
	byClient map[string]string // clientKey -> accountID, for pickForSession
}

// New loads a Registry from path, creating an empty one if the file does
// not yet exist.
func New(path string, prober Prober) (*Registry, error) {
	r := &Registry{
		path:     path,
		prober:   prober,
		accounts: make(map[string]*models.Account),
		byClient: make(map[string]string),
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read accounts: %w", err)
	}
	var list []*models.Account
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parse accounts: %w", err)
	}
	for _, a := range list {
		r.accounts[a.ID] = a
	}
	return r, nil
}

// PickForOAuth returns the account with the fewest bound sessions among
// accounts eligible for the OAuth path, breaking ties by oldest LastUsed.
func (r *Registry) PickForOAuth(now time.Time) (*models.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var candidates []*models.Account
	for _, a := range r.accounts {
		if a.CanOAuth && a.Status == models.AccountValid && !a.IsOverloaded(now) {
			candidates = append(candidates, a)
		}
	}
	if len(candidates) == 0 {
		return nil, fleeterr.New(fleeterr.KindNoAccountsAvailable, ErrNoAccountsAvailable, nil)
	}
	slices.SortFunc(candidates, func(a, b *models.Account) int {
		if a.SessionCount != b.SessionCount {
			return a.SessionCount - b.SessionCount
		}
		return a.LastUsed.Compare(b.LastUsed)
	})
	chosen := candidates[0]
	chosen.LastUsed = now
	cp := *chosen
	return &cp, nil
}

// PickForSession is sticky: a clientKey already bound to a still-VALID
// account returns that account; otherwise it binds clientKey to the
// least-loaded eligible account and increments its session count.
func (r *Registry) PickForSession(clientKey string, perAccountSessionCap int, now time.Time) (*models.Account, error) {
	r.sticky.Lock()
	defer r.sticky.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if boundID, ok := r.byClient[clientKey]; ok {
		if a, ok := r.accounts[boundID]; ok && a.Status == models.AccountValid {
			cp := *a
			return &cp, nil
		}
		delete(r.byClient, clientKey)
	}

	var candidates []*models.Account
	for _, a := range r.accounts {
		if a.CanWeb && a.Status == models.AccountValid && !a.IsOverloaded(now) &&
			(perAccountSessionCap <= 0 || a.SessionCount < perAccountSessionCap) {
			candidates = append(candidates, a)
		}
	}
	if len(candidates) == 0 {
		return nil, fleeterr.New(fleeterr.KindNoAccountsAvailable, ErrNoAccountsAvailable, nil)
	}
	slices.SortFunc(candidates, func(a, b *models.Account) int { return a.SessionCount - b.SessionCount })
	chosen := candidates[0]
	chosen.SessionCount++
	chosen.LastUsed = now
	r.byClient[clientKey] = chosen.ID
	cp := *chosen
	return &cp, nil
}

// ReleaseSession decrements the bound account's session count, e.g. when a
// session is destroyed. clientKey's sticky binding is cleared too.
func (r *Registry) ReleaseSession(clientKey, accountID string) {
	r.sticky.Lock()
	defer r.sticky.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.byClient, clientKey)
	if a, ok := r.accounts[accountID]; ok && a.SessionCount > 0 {
		a.SessionCount--
	}
}

func (r *Registry) mutateAndPersist(fn func() error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := fn(); err != nil {
		return err
	}
	return r.persistLocked()
}

// MarkRateLimited transitions an account to RATE_LIMITED with resetsAt.
func (r *Registry) MarkRateLimited(accountID string, resetsAt time.Time) error {
	return r.mutateAndPersist(func() error {
		a, ok := r.accounts[accountID]
		if !ok {
			return fmt.Errorf("unknown account %q", accountID)
		}
		a.Status = models.AccountRateLimited
		a.RateLimitResetsAt = &resetsAt
		return nil
	})
}

// MarkInvalid transitions an account to INVALID.
func (r *Registry) MarkInvalid(accountID string) error {
	return r.mutateAndPersist(func() error {
		a, ok := r.accounts[accountID]
		if !ok {
			return fmt.Errorf("unknown account %q", accountID)
		}
		a.Status = models.AccountInvalid
		return nil
	})
}

// MarkOverloaded sets OverloadedUntil = now+duration on an account, leaving
// its Status untouched.
func (r *Registry) MarkOverloaded(accountID string, now time.Time, duration time.Duration) error {
	return r.mutateAndPersist(func() error {
		a, ok := r.accounts[accountID]
		if !ok {
			return fmt.Errorf("unknown account %q", accountID)
		}
		until := now.Add(duration)
		a.OverloadedUntil = &until
		return nil
	})
}

// UpdateOAuthToken stores a freshly refreshed access token and its
// expiry, called back by the OAuth driver after a lazy mid-request refresh.
func (r *Registry) UpdateOAuthToken(accountID, accessToken string, expiresAt time.Time) error {
	return r.mutateAndPersist(func() error {
		a, ok := r.accounts[accountID]
		if !ok {
			return fmt.Errorf("unknown account %q", accountID)
		}
		a.Creds.OAuthAccess = accessToken
		a.Creds.OAuthExpiresAt = expiresAt
		return nil
	})
}

// ClearRateLimit moves a RATE_LIMITED account back to VALID.
func (r *Registry) ClearRateLimit(accountID string) error {
	return r.mutateAndPersist(func() error {
		a, ok := r.accounts[accountID]
		if !ok {
			return fmt.Errorf("unknown account %q", accountID)
		}
		a.Status = models.AccountValid
		a.RateLimitResetsAt = nil
		return nil
	})
}

// Refresh runs the two-phase probe against a single account and applies the
// resulting status transition.
func (r *Registry) Refresh(ctx context.Context, accountID string) (models.AccountStatus, error) {
	r.mu.Lock()
	a, ok := r.accounts[accountID]
	if !ok {
		r.mu.Unlock()
		return "", fmt.Errorf("unknown account %q", accountID)
	}
	snapshot := *a
	r.mu.Unlock()

	status, resetsAt, err := r.prober.Probe(ctx, &snapshot)
	if err != nil {
		return "", err
	}

	err = r.mutateAndPersist(func() error {
		cur, ok := r.accounts[accountID]
		if !ok {
			return fmt.Errorf("unknown account %q", accountID)
		}
		cur.Status = status
		if status == models.AccountRateLimited {
			cur.RateLimitResetsAt = resetsAt
		} else if status == models.AccountValid {
			cur.RateLimitResetsAt = nil
		}
		return nil
	})
	return status, err
}

// BatchRefresh refreshes ids with at most maxConcurrency probes in flight
// at once. In-memory mutations apply as each probe completes and are
// persisted once per call, not once per account.
func (r *Registry) BatchRefresh(ctx context.Context, ids []string, maxConcurrency int) map[string]error {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	results := make(map[string]error, len(ids))
	var resultsMu sync.Mutex

	sem := make(chan struct{}, maxConcurrency)
	var wg sync.WaitGroup
	for _, id := range ids {
		id := id
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			r.mu.Lock()
			a, ok := r.accounts[id]
			if !ok {
				r.mu.Unlock()
				resultsMu.Lock()
				results[id] = fmt.Errorf("unknown account %q", id)
				resultsMu.Unlock()
				return
			}
			snapshot := *a
			r.mu.Unlock()

			status, resetsAt, err := r.prober.Probe(ctx, &snapshot)
			resultsMu.Lock()
			results[id] = err
			resultsMu.Unlock()
			if err != nil {
				return
			}

			r.mu.Lock()
			if cur, ok := r.accounts[id]; ok {
				cur.Status = status
				if status == models.AccountRateLimited {
					cur.RateLimitResetsAt = resetsAt
				} else if status == models.AccountValid {
					cur.RateLimitResetsAt = nil
				}
			}
			r.mu.Unlock()
		}()
	}
	wg.Wait()

	if err := r.mutateAndPersist(func() error { return nil }); err != nil {
		resultsMu.Lock()
		results["__persist__"] = err
		resultsMu.Unlock()
	}
	return results
}

// Add inserts or replaces an account record.
func (r *Registry) Add(a *models.Account) error {
	return r.mutateAndPersist(func() error {
		r.accounts[a.ID] = a
		return nil
	})
}

// Remove deletes a single account by ID.
func (r *Registry) Remove(accountID string) error {
	return r.mutateAndPersist(func() error {
		delete(r.accounts, accountID)
		return nil
	})
}

// BatchRemove deletes many accounts, persisting once.
func (r *Registry) BatchRemove(ids []string) error {
	return r.mutateAndPersist(func() error {
		for _, id := range ids {
			delete(r.accounts, id)
		}
		return nil
	})
}

// List returns a snapshot of all accounts, sorted by ID.
func (r *Registry) List() []models.Account {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]models.Account, 0, len(r.accounts))
	for _, a := range r.accounts {
		out = append(out, *a)
	}
	slices.SortFunc(out, func(a, b models.Account) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// persistLocked writes the registry to disk with a write-temp-then-rename,
// under the sibling .lock file, so a crash mid-write cannot corrupt
// accounts.json. Must be called with mu held.
func (r *Registry) persistLocked() error {
	list := make([]*models.Account, 0, len(r.accounts))
	for _, a := range r.accounts {
		list = append(list, a)
	}
	slices.SortFunc(list, func(a, b *models.Account) int { return strings.Compare(a.ID, b.ID) })

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal accounts: %w", err)
	}

	return withFileLock(r.path, func() error {
		dir := filepath.Dir(r.path)
		if dir == "" {
			dir = "."
		}
		tmp, err := os.CreateTemp(dir, "accounts-*.json.tmp")
		if err != nil {
			return fmt.Errorf("create temp accounts file: %w", err)
		}
		tmpName := tmp.Name()
		if _, err := tmp.Write(data); err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return fmt.Errorf("write temp accounts file: %w", err)
		}
		if err := tmp.Chmod(0o600); err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return fmt.Errorf("chmod temp accounts file: %w", err)
		}
		if err := tmp.Close(); err != nil {
			os.Remove(tmpName)
			return fmt.Errorf("close temp accounts file: %w", err)
		}
		if err := os.Rename(tmpName, r.path); err != nil {
			os.Remove(tmpName)
			return fmt.Errorf("replace accounts file: %w", err)
		}
		return nil
	})
}
