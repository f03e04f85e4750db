// Package orchestrator is the top entrypoint for a single /v1/messages
// call: it picks a driver, borrows an account/proxy/session, runs the
// request through the event pipeline, and retries according to the kind of
// failure encountered.
package orchestrator

import (
	"context"
	"log"
	"time"

	"github.com/claude-fleet/proxy/pkg/accounts"
	"github.com/claude-fleet/proxy/pkg/drivers"
	"github.com/claude-fleet/proxy/pkg/fleeterr"
	"github.com/claude-fleet/proxy/pkg/healthlog"
	"github.com/claude-fleet/proxy/pkg/models"
	"github.com/claude-fleet/proxy/pkg/pipeline"
	"github.com/claude-fleet/proxy/pkg/proxypool"
	"github.com/claude-fleet/proxy/pkg/session"
)

// RetryPolicy bounds how hard the orchestrator retries before giving up.
type RetryPolicy struct {
	// TransportAttempts caps same-proxy retries for plain transport
	// failures before the proxy is quarantined and a new one tried.
	TransportAttempts int

	// OverloadAttempts caps business retries on an overloaded_error.
	OverloadAttempts int
	// OverloadBaseDelay and OverloadMaxDelay bound the exponential
	// backoff applied between overload retries. OverloadMaxDelay is also
	// the cooldown passed to MarkOverloaded, during which the overloaded
	// account is left out of selection.
	OverloadBaseDelay time.Duration
	OverloadMaxDelay  time.Duration
}

// DefaultRetryPolicy matches pkg/config's Default().
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		TransportAttempts: 3,
		OverloadAttempts:  5,
		OverloadBaseDelay: time.Second,
		OverloadMaxDelay:  30 * time.Second,
	}
}

// Orchestrator wires the Account Registry, Proxy Pool, Session Manager,
// and the two upstream drivers together behind a single Run call.
type Orchestrator struct {
	Registry *accounts.Registry
	Pool     *proxypool.Pool
	Sessions *session.Manager
	OAuth    drivers.Driver
	Web      drivers.Driver

	Retry RetryPolicy

	// Health, if non-nil, records quarantine/rate-limit/overload/invalid
	// events for the admin statistics surface.
	Health *healthlog.Log

	// Sem, if non-nil, bounds the number of concurrent upstream requests
	// in flight across every call to Run.
	Sem chan struct{}
}

// Run selects a driver and account, runs the request through the event
// pipeline, and retries on recoverable failures. clientKey identifies the
// caller's session for the web path; it is ignored for OAuth-path accounts.
func (o *Orchestrator) Run(ctx context.Context, req *models.MessagesRequest, clientKey string) (*pipeline.EventStream, *models.PipelineContext, error) {
	if o.Sem != nil {
		select {
		case o.Sem <- struct{}{}:
			defer func() { <-o.Sem }()
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}

	if resp, ok := pipeline.TestMessageFilter(req); ok {
		return staticStream(resp), nil, nil
	}

	now := time.Now()
	attempts := 0
	overloadAttempts := 0
	var lastErr error

	for attempts < o.businessAttemptLimit() {
		attempts++

		acc, proxy, sess, driver, err := o.selectRoute(ctx, req, clientKey, now)
		if err != nil {
			return nil, nil, err
		}

		pctx := &models.PipelineContext{
			Request:      req,
			AccountID:    acc.ID,
			Driver:       pipeline.SelectDriver(acc),
			RequestStart: now,
		}

		adapted := pipeline.ToolResultAdapter(req, pctx.Driver)

		stream, err := o.runOnce(ctx, adapted, acc, proxy, sess, driver, pctx)
		if err == nil {
			return stream, pctx, nil
		}

		lastErr = err
		fe, ok := fleeterr.As(err)
		if !ok {
			return nil, nil, err
		}

		if fe.Kind == fleeterr.KindUpstreamOverloaded {
			overloadAttempts++
			if overloadAttempts > o.overloadAttemptLimit() {
				return nil, nil, err
			}
			if err := o.sleepBackoff(ctx, overloadAttempts); err != nil {
				return nil, nil, err
			}
		}

		if retry := o.handleFailure(ctx, fe, acc, proxy, now); !retry {
			return nil, nil, err
		}
	}
	return nil, nil, lastErr
}

// overloadAttemptLimit is the configured cap on overloaded_error retries.
func (o *Orchestrator) overloadAttemptLimit() int {
	if o.Retry.OverloadAttempts <= 0 {
		return 5
	}
	return o.Retry.OverloadAttempts
}

// sleepBackoff waits base*2^(attempt-1), capped at max, before the next
// overload retry, returning early if ctx is cancelled.
func (o *Orchestrator) sleepBackoff(ctx context.Context, attempt int) error {
	base := o.Retry.OverloadBaseDelay
	if base <= 0 {
		base = time.Second
	}
	max := o.Retry.OverloadMaxDelay
	if max <= 0 {
		max = 30 * time.Second
	}

	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			delay = max
			break
		}
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// businessAttemptLimit is large enough to cover the retryable error kinds'
// own attempt ceilings without hard-capping a different kind of failure
// prematurely.
func (o *Orchestrator) businessAttemptLimit() int {
	limit := o.Retry.OverloadAttempts
	if limit < 3 {
		limit = 3
	}
	return limit + 2
}

// selectRoute picks a driver and the account/proxy/session it runs with.
func (o *Orchestrator) selectRoute(ctx context.Context, req *models.MessagesRequest, clientKey string, now time.Time) (*models.Account, *models.Proxy, *models.Session, drivers.Driver, error) {
	acc, err := o.Registry.PickForOAuth(now)
	if err == nil {
		proxy, err := o.Pool.GetProxy(acc.ID)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		return acc, proxy, nil, o.OAuth, nil
	}

	sess, err := o.Sessions.GetOrCreate(ctx, clientKey, now)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	webAcc, err := o.Registry.PickForSession(clientKey, 0, now)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	var proxy *models.Proxy
	if sess.ProxyURL != "" {
		parsed, err := proxypool.ParseProxyLine(sess.ProxyURL)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		proxy = &parsed
	}
	return webAcc, proxy, sess, o.Web, nil
}

// runOnce performs a single attempt: stream the upstream call through its
// driver and build the normalized event stream, with a bounded number of
// same-proxy transport retries.
func (o *Orchestrator) runOnce(ctx context.Context, req *models.MessagesRequest, acc *models.Account, proxy *models.Proxy, sess *models.Session, driver drivers.Driver, pctx *models.PipelineContext) (*pipeline.EventStream, error) {
	var lastErr error
	for attempt := 1; attempt <= o.transportAttempts(); attempt++ {
		raw, err := driver.Stream(ctx, req, acc, proxy, sess)
		if err != nil {
			lastErr = err
			fe, ok := fleeterr.As(err)
			if !ok || fe.Kind != fleeterr.KindProxyTransport {
				return nil, err
			}
			continue
		}
		stream, err := pipeline.NewEventStream(raw, req, pctx)
		if err != nil {
			raw.Close()
			return nil, err
		}
		return stream, nil
	}
	return nil, lastErr
}

func (o *Orchestrator) transportAttempts() int {
	if o.Retry.TransportAttempts <= 0 {
		return 3
	}
	return o.Retry.TransportAttempts
}

// handleFailure applies the per-kind business retry policy, mutating
// account/proxy health state as a side effect, and reports whether the
// caller should retry.
func (o *Orchestrator) handleFailure(ctx context.Context, fe *fleeterr.Error, acc *models.Account, proxy *models.Proxy, now time.Time) bool {
	switch fe.Kind {
	case fleeterr.KindUpstreamOverloaded:
		if !fe.Retryable {
			return false
		}
		until := now.Add(o.Retry.OverloadMaxDelay)
		if err := o.Registry.MarkOverloaded(acc.ID, now, o.Retry.OverloadMaxDelay); err != nil {
			log.Printf("orchestrator: mark overloaded: %v", err)
		}
		o.recordHealthEvent(models.HealthEventAccountOverloaded, acc.ID, "upstream overloaded_error", &until)
		return true

	case fleeterr.KindRateLimited:
		resetsAt, _ := fe.Context["resets_at"].(time.Time)
		if resetsAt.IsZero() {
			resetsAt = now.Add(time.Minute)
		}
		if err := o.Registry.MarkRateLimited(acc.ID, resetsAt); err != nil {
			log.Printf("orchestrator: mark rate limited: %v", err)
		}
		o.recordHealthEvent(models.HealthEventAccountRateLimit, acc.ID, "upstream rate limit", &resetsAt)
		return true

	case fleeterr.KindProxyTransport:
		if proxy != nil {
			o.Pool.ReportFailure(*proxy, models.FailureHTTP403)
			o.recordHealthEvent(models.HealthEventProxyQuarantine, proxy.Key(), "proxy transport failure", nil)
		}
		return true

	case fleeterr.KindInvalidCredentials:
		if err := o.Registry.MarkInvalid(acc.ID); err != nil {
			log.Printf("orchestrator: mark invalid: %v", err)
		}
		o.recordHealthEvent(models.HealthEventAccountInvalid, acc.ID, "invalid credentials", nil)
		return true

	default:
		return false
	}
}

// recordHealthEvent is a best-effort, non-blocking append to the health
// log; a logging failure here must never affect request handling.
func (o *Orchestrator) recordHealthEvent(kind models.HealthEventKind, entityID, reason string, until *time.Time) {
	if o.Health == nil {
		return
	}
	if err := o.Health.Record(models.HealthEvent{
		Kind:      kind,
		EntityID:  entityID,
		Reason:    reason,
		UntilTime: until,
		CreatedAt: time.Now(),
	}); err != nil {
		log.Printf("orchestrator: record health event: %v", err)
	}
}

// staticStream wraps a canned response (the liveness-ping short-circuit) in
// the same EventStream-shaped interface callers expect, so ingress does not
// need a separate code path for it.
func staticStream(resp *models.MessagesResponse) *pipeline.EventStream {
	return pipeline.FromCannedResponse(resp)
}
