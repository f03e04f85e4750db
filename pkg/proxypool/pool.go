// Package proxypool selects one proxy per call according to a configured
// rotation strategy, tracks per-proxy cooldowns, and exposes a read-only
// status snapshot.
package proxypool

import (
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/claude-fleet/proxy/pkg/fleeterr"
	"github.com/claude-fleet/proxy/pkg/models"
)

// ErrAllProxiesUnavailable is returned when every proxy is in cooldown.
var ErrAllProxiesUnavailable = errors.New("all proxies unavailable")

// Pool selects proxies per the configured ProxySettings rotation strategy.
// The strategy cursor and per-proxy cooldowns are protected by mu.
type Pool struct {
	mu       sync.Mutex
	settings models.ProxySettings
	proxies  []models.Proxy

	cursor int // sequential: index of "current" proxy, advanced by the ticker

	permutation []int // random_no_repeat: shuffled indices
	permPos     int

	stopTicker chan struct{}
	now        func() time.Time
}

// New builds a Pool from the given settings and initial proxy list. A
// non-empty fixedURL in settings.Mode==fixed collapses the list to a
// single entry.
func New(settings models.ProxySettings, proxies []models.Proxy) (*Pool, error) {
	p := &Pool{settings: settings, now: time.Now}
	if err := p.reloadLocked(settings, proxies); err != nil {
		return nil, err
	}
	if settings.Mode == models.ProxyModeDynamic && settings.RotationStrategy == models.StrategySequential {
		p.startTicker()
	}
	return p, nil
}

func (p *Pool) reloadLocked(settings models.ProxySettings, proxies []models.Proxy) error {
	p.settings = settings
	switch settings.Mode {
	case models.ProxyModeDisabled:
		p.proxies = nil
	case models.ProxyModeFixed:
		fixed, err := ParseProxyLine(settings.FixedURL)
		if err != nil {
			return fmt.Errorf("parse fixed_url: %w", err)
		}
		p.proxies = []models.Proxy{fixed}
	default:
		p.proxies = proxies
	}
	p.cursor = 0
	p.permutation = nil
	p.permPos = 0
	return nil
}

// Reload replaces the pool's proxy list from a proxies.txt-formatted text
// blob; strategy state (cursor, permutation) is reset.
func (p *Pool) Reload(textContent string) error {
	proxies, err := ParseProxyList(textContent)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reloadLocked(p.settings, proxies)
}

// Close stops the background rotation ticker, if running.
func (p *Pool) Close() {
	p.mu.Lock()
	ticker := p.stopTicker
	p.stopTicker = nil
	p.mu.Unlock()
	if ticker != nil {
		close(ticker)
	}
}

func (p *Pool) startTicker() {
	stop := make(chan struct{})
	p.stopTicker = stop
	interval := time.Duration(p.settings.RotationIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 60 * time.Second
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				p.mu.Lock()
				if len(p.proxies) > 0 {
					p.cursor = (p.cursor + 1) % len(p.proxies)
				}
				p.mu.Unlock()
			}
		}
	}()
}

// GetProxy returns a proxy for the given account key (may be empty when no
// account identity is available — e.g. an OAuth-path call before account
// selection). Returns (nil, nil) when mode is disabled.
func (p *Pool) GetProxy(accountKey string) (*models.Proxy, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.settings.Mode == models.ProxyModeDisabled {
		return nil, nil
	}
	if len(p.proxies) == 0 {
		return nil, fleeterr.New(fleeterr.KindAllProxiesUnavailable, ErrAllProxiesUnavailable, nil)
	}

	strategy := p.settings.RotationStrategy
	if p.settings.Mode == models.ProxyModeFixed {
		strategy = models.StrategySequential
	}

	switch strategy {
	case models.StrategySequential:
		return p.pickSequentialLocked()
	case models.StrategyRandom:
		return p.pickRandomLocked()
	case models.StrategyRandomNoRepeat:
		return p.pickRandomNoRepeatLocked()
	case models.StrategyPerAccount:
		return p.pickPerAccountLocked(accountKey)
	default:
		return p.pickSequentialLocked()
	}
}

func (p *Pool) isHealthyLocked(i int) bool {
	return p.proxies[i].IsAvailable(p.now())
}

// clearExpiredLocked clears a proxy's cooldown if it has elapsed. Expiry is
// observed lazily on read; there is no background sweeper.
func (p *Pool) clearExpiredLocked(i int) {
	if p.proxies[i].CooldownUntil != nil && !p.now().Before(*p.proxies[i].CooldownUntil) {
		p.proxies[i].CooldownUntil = nil
	}
}

func (p *Pool) pickSequentialLocked() (*models.Proxy, error) {
	n := len(p.proxies)
	for offset := 0; offset < n; offset++ {
		i := (p.cursor + offset) % n
		p.clearExpiredLocked(i)
		if p.isHealthyLocked(i) {
			if offset > 0 {
				p.cursor = i
			}
			px := p.proxies[i]
			return &px, nil
		}
	}
	return nil, fleeterr.New(fleeterr.KindAllProxiesUnavailable, ErrAllProxiesUnavailable, nil)
}

func (p *Pool) pickRandomLocked() (*models.Proxy, error) {
	var healthy []int
	for i := range p.proxies {
		p.clearExpiredLocked(i)
		if p.isHealthyLocked(i) {
			healthy = append(healthy, i)
		}
	}
	if len(healthy) == 0 {
		return nil, fleeterr.New(fleeterr.KindAllProxiesUnavailable, ErrAllProxiesUnavailable, nil)
	}
	px := p.proxies[healthy[rand.Intn(len(healthy))]]
	return &px, nil
}

func (p *Pool) pickRandomNoRepeatLocked() (*models.Proxy, error) {
	n := len(p.proxies)
	if p.permutation == nil || p.permPos >= len(p.permutation) {
		p.permutation = rand.Perm(n)
		p.permPos = 0
	}
	for attempts := 0; attempts < 2*n+1; attempts++ {
		if p.permPos >= len(p.permutation) {
			p.permutation = rand.Perm(n)
			p.permPos = 0
		}
		i := p.permutation[p.permPos]
		p.permPos++
		p.clearExpiredLocked(i)
		if p.isHealthyLocked(i) {
			px := p.proxies[i]
			return &px, nil
		}
	}
	return nil, fleeterr.New(fleeterr.KindAllProxiesUnavailable, ErrAllProxiesUnavailable, nil)
}

func (p *Pool) pickPerAccountLocked(accountKey string) (*models.Proxy, error) {
	if accountKey == "" {
		switch p.settings.FallbackStrategy {
		case models.StrategyRandom, "":
			return p.pickRandomLocked()
		case models.StrategyRandomNoRepeat:
			return p.pickRandomNoRepeatLocked()
		default:
			return p.pickSequentialLocked()
		}
	}

	n := len(p.proxies)
	base := int(hashKey(accountKey) % uint64(n))
	for offset := 0; offset < n; offset++ {
		i := (base + offset) % n
		p.clearExpiredLocked(i)
		if p.isHealthyLocked(i) {
			px := p.proxies[i]
			return &px, nil
		}
	}
	return nil, fleeterr.New(fleeterr.KindAllProxiesUnavailable, ErrAllProxiesUnavailable, nil)
}

func hashKey(key string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return h.Sum64()
}

// ReportFailure records a failure against proxy, quarantining it: a
// transport failure (after the caller's in-client retries are exhausted) or
// a 403 observed while the proxy was in use both quarantine the same way.
func (p *Pool) ReportFailure(proxy models.Proxy, cause models.FailureCause) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cooldown := time.Duration(p.settings.CooldownDurationSeconds) * time.Second
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	until := p.now().Add(cooldown)

	if i := slices.IndexFunc(p.proxies, func(px models.Proxy) bool { return px.Key() == proxy.Key() }); i >= 0 {
		p.proxies[i].CooldownUntil = &until
	}
	_ = cause // both causes use the same cooldown window; kept for the caller's health log
}

// List returns every configured proxy, credentials redacted, for admin
// inspection.
func (p *Pool) List() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]string, len(p.proxies))
	for i, proxy := range p.proxies {
		out[i] = proxy.Redacted()
	}
	return out
}

// Status returns a read-only snapshot of pool state.
func (p *Pool) Status() models.PoolStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	available := 0
	for i := range p.proxies {
		p.clearExpiredLocked(i)
		if p.isHealthyLocked(i) {
			available++
		}
	}
	var current string
	if p.settings.RotationStrategy == models.StrategySequential && len(p.proxies) > 0 {
		current = p.proxies[p.cursor].Redacted()
	}
	return models.PoolStatus{
		Mode:       p.settings.Mode,
		Total:      len(p.proxies),
		Available:  available,
		CurrentRef: current,
		Strategy:   p.settings.RotationStrategy,
	}
}
