package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/claude-fleet/proxy/pkg/accounts"
	"github.com/claude-fleet/proxy/pkg/drivers"
	"github.com/claude-fleet/proxy/pkg/fleeterr"
	"github.com/claude-fleet/proxy/pkg/models"
	"github.com/claude-fleet/proxy/pkg/proxypool"
	"github.com/claude-fleet/proxy/pkg/session"
)

type stubProber struct{}

func (stubProber) Probe(ctx context.Context, acc *models.Account) (models.AccountStatus, *time.Time, error) {
	return acc.Status, nil, nil
}

// fakeDriver yields a scripted sequence of outcomes, one per call to
// Stream, cycling to the last entry once exhausted.
type fakeDriver struct {
	calls   int
	outcome []func() (drivers.RawEventIterator, error)
}

func (d *fakeDriver) Stream(ctx context.Context, req *models.MessagesRequest, acc *models.Account, proxy *models.Proxy, sess *models.Session) (drivers.RawEventIterator, error) {
	i := d.calls
	if i >= len(d.outcome) {
		i = len(d.outcome) - 1
	}
	d.calls++
	return d.outcome[i]()
}

type fakeIter struct {
	frames []drivers.RawFrame
	pos    int
	closed bool
}

func (f *fakeIter) Next() (drivers.RawFrame, bool, error) {
	if f.pos >= len(f.frames) {
		return drivers.RawFrame{}, false, nil
	}
	fr := f.frames[f.pos]
	f.pos++
	return fr, true, nil
}

func (f *fakeIter) Close() error {
	f.closed = true
	return nil
}

func basicStreamIter() drivers.RawEventIterator {
	return &fakeIter{frames: []drivers.RawFrame{
		{Event: "message_start", Data: []byte(`{"type":"message_start","message":{"id":"msg_1","model":"claude-x","usage":{"input_tokens":1}}}`)},
		{Event: "content_block_start", Data: []byte(`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`)},
		{Event: "content_block_delta", Data: []byte(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hi"}}`)},
		{Event: "content_block_stop", Data: []byte(`{"type":"content_block_stop","index":0}`)},
		{Event: "message_delta", Data: []byte(`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":1}}`)},
		{Event: "message_stop", Data: []byte(`{"type":"message_stop"}`)},
	}}
}

func overloadedFrameIter() drivers.RawEventIterator {
	return &fakeIter{frames: []drivers.RawFrame{
		{Event: "error", Data: []byte(`{"type":"error","error":{"type":"overloaded_error","message":"overloaded"}}`)},
	}}
}

func newRegistry(t *testing.T, accs ...*models.Account) *accounts.Registry {
	t.Helper()
	dir := t.TempDir()
	r, err := accounts.New(filepath.Join(dir, "accounts.json"), stubProber{})
	if err != nil {
		t.Fatalf("accounts.New: %v", err)
	}
	for _, a := range accs {
		if err := r.Add(a); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	return r
}

func disabledPool(t *testing.T) *proxypool.Pool {
	t.Helper()
	p, err := proxypool.New(models.ProxySettings{Mode: models.ProxyModeDisabled}, nil)
	if err != nil {
		t.Fatalf("proxypool.New: %v", err)
	}
	return p
}

func req() *models.MessagesRequest {
	return &models.MessagesRequest{
		Model:     "claude-x",
		MaxTokens: 100,
		Messages:  []models.MessageParam{{Role: "user", Content: []byte(`"hello there"`)}},
	}
}

func TestRunRoutesOAuthAccountThroughOAuthDriver(t *testing.T) {
	registry := newRegistry(t, &models.Account{ID: "a1", CanOAuth: true, Status: models.AccountValid, Creds: models.Credentials{OAuthAccess: "tok"}})
	oauth := &fakeDriver{outcome: []func() (drivers.RawEventIterator, error){
		func() (drivers.RawEventIterator, error) { return basicStreamIter(), nil },
	}}
	web := &fakeDriver{outcome: []func() (drivers.RawEventIterator, error){
		func() (drivers.RawEventIterator, error) { return nil, errors.New("web path should not be used") },
	}}

	o := &Orchestrator{
		Registry: registry,
		Pool:     disabledPool(t),
		Sessions: session.New(registry, disabledPool(t), nil, time.Hour, 0),
		OAuth:    oauth,
		Web:      web,
		Retry:    DefaultRetryPolicy(),
	}

	stream, pctx, err := o.Run(context.Background(), req(), "client-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if pctx.Driver != models.DriverOAuth {
		t.Fatalf("expected oauth driver, got %s", pctx.Driver)
	}
	if oauth.calls != 1 {
		t.Fatalf("expected oauth driver called once, got %d", oauth.calls)
	}
	for {
		_, ok, err := stream.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
	}
}

func TestRunFallsBackToWebSessionWhenNoOAuthAccount(t *testing.T) {
	registry := newRegistry(t, &models.Account{ID: "a1", CanWeb: true, Status: models.AccountValid, Creds: models.Credentials{Cookie: "sess=x"}})
	oauth := &fakeDriver{outcome: []func() (drivers.RawEventIterator, error){
		func() (drivers.RawEventIterator, error) { return nil, errors.New("oauth path should not be used") },
	}}
	web := &fakeDriver{outcome: []func() (drivers.RawEventIterator, error){
		func() (drivers.RawEventIterator, error) { return basicStreamIter(), nil },
	}}

	o := &Orchestrator{
		Registry: registry,
		Pool:     disabledPool(t),
		Sessions: session.New(registry, disabledPool(t), nil, time.Hour, 0),
		OAuth:    oauth,
		Web:      web,
		Retry:    DefaultRetryPolicy(),
	}

	_, pctx, err := o.Run(context.Background(), req(), "client-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if pctx.Driver != models.DriverWeb {
		t.Fatalf("expected web driver, got %s", pctx.Driver)
	}
	if web.calls != 1 {
		t.Fatalf("expected web driver called once, got %d", web.calls)
	}
}

func TestRunRetriesTransportFailuresOnSameProxy(t *testing.T) {
	registry := newRegistry(t, &models.Account{ID: "a1", CanOAuth: true, Status: models.AccountValid, Creds: models.Credentials{OAuthAccess: "tok"}})
	pool, err := proxypool.New(models.ProxySettings{Mode: models.ProxyModeFixed, FixedURL: "http://p:8080"}, nil)
	if err != nil {
		t.Fatalf("proxypool.New: %v", err)
	}

	transportErr := fleeterr.New(fleeterr.KindProxyTransport, errors.New("dial tcp: refused"), nil)
	oauth := &fakeDriver{outcome: []func() (drivers.RawEventIterator, error){
		func() (drivers.RawEventIterator, error) { return nil, transportErr },
		func() (drivers.RawEventIterator, error) { return nil, transportErr },
		func() (drivers.RawEventIterator, error) { return basicStreamIter(), nil },
	}}

	o := &Orchestrator{
		Registry: registry,
		Pool:     pool,
		Sessions: session.New(registry, pool, nil, time.Hour, 0),
		OAuth:    oauth,
		Web:      oauth,
		Retry:    DefaultRetryPolicy(),
	}

	_, _, err = o.Run(context.Background(), req(), "client-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if oauth.calls != 3 {
		t.Fatalf("expected 3 transport attempts, got %d", oauth.calls)
	}
}

func TestRunMarksAccountRateLimitedAndRetriesOnDifferentAccount(t *testing.T) {
	registry := newRegistry(t,
		&models.Account{ID: "a1", CanOAuth: true, Status: models.AccountValid, Creds: models.Credentials{OAuthAccess: "tok"}, LastUsed: time.Unix(1, 0)},
		&models.Account{ID: "a2", CanOAuth: true, Status: models.AccountValid, Creds: models.Credentials{OAuthAccess: "tok"}, LastUsed: time.Unix(2, 0)},
	)

	rateLimitErr := fleeterr.New(fleeterr.KindRateLimited, errors.New("rate limited"), map[string]any{"resets_at": time.Now().Add(time.Hour)})
	var seenAccounts []string
	oauth := &recordingDriver{
		onStream: func(acc *models.Account) (drivers.RawEventIterator, error) {
			seenAccounts = append(seenAccounts, acc.ID)
			if len(seenAccounts) == 1 {
				return nil, rateLimitErr
			}
			return basicStreamIter(), nil
		},
	}

	o := &Orchestrator{
		Registry: registry,
		Pool:     disabledPool(t),
		Sessions: session.New(registry, disabledPool(t), nil, time.Hour, 0),
		OAuth:    oauth,
		Web:      oauth,
		Retry:    DefaultRetryPolicy(),
	}

	_, _, err := o.Run(context.Background(), req(), "client-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(seenAccounts) != 2 || seenAccounts[0] == seenAccounts[1] {
		t.Fatalf("expected retry to pick a different account, got %v", seenAccounts)
	}

	list := registry.List()
	for _, a := range list {
		if a.ID == seenAccounts[0] && a.Status != models.AccountRateLimited {
			t.Fatalf("expected %s marked rate limited, got %s", a.ID, a.Status)
		}
	}
}

func TestRunGivesUpAfterOverloadAttemptLimit(t *testing.T) {
	registry := newRegistry(t, &models.Account{ID: "a1", CanOAuth: true, Status: models.AccountValid, Creds: models.Credentials{OAuthAccess: "tok"}})
	oauth := &fakeDriver{outcome: []func() (drivers.RawEventIterator, error){
		func() (drivers.RawEventIterator, error) { return overloadedFrameIter(), nil },
	}}

	o := &Orchestrator{
		Registry: registry,
		Pool:     disabledPool(t),
		Sessions: session.New(registry, disabledPool(t), nil, time.Hour, 0),
		OAuth:    oauth,
		Web:      oauth,
		Retry: RetryPolicy{
			TransportAttempts: 1,
			OverloadAttempts:  2,
			OverloadBaseDelay: time.Millisecond,
			OverloadMaxDelay:  2 * time.Millisecond,
		},
	}

	_, _, err := o.Run(context.Background(), req(), "client-1")
	if err == nil {
		t.Fatal("expected error after overload attempts exhausted")
	}
	fe, ok := fleeterr.As(err)
	if !ok || fe.Kind != fleeterr.KindUpstreamOverloaded {
		t.Fatalf("expected upstream_overloaded error, got %v", err)
	}
	if oauth.calls != 3 {
		t.Fatalf("expected 1 initial + 2 retries = 3 calls, got %d", oauth.calls)
	}
}

func TestRunShortCircuitsLivenessPingWithoutCallingDriver(t *testing.T) {
	registry := newRegistry(t, &models.Account{ID: "a1", CanOAuth: true, Status: models.AccountValid, Creds: models.Credentials{OAuthAccess: "tok"}})
	oauth := &fakeDriver{outcome: []func() (drivers.RawEventIterator, error){
		func() (drivers.RawEventIterator, error) { return nil, errors.New("driver should not be called") },
	}}

	o := &Orchestrator{
		Registry: registry,
		Pool:     disabledPool(t),
		Sessions: session.New(registry, disabledPool(t), nil, time.Hour, 0),
		OAuth:    oauth,
		Web:      oauth,
		Retry:    DefaultRetryPolicy(),
	}

	ping := &models.MessagesRequest{
		Model:    "claude-x",
		Messages: []models.MessageParam{{Role: "user", Content: []byte(`"ping"`)}},
	}

	stream, pctx, err := o.Run(context.Background(), ping, "client-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if pctx != nil {
		t.Fatalf("expected nil pipeline context for canned response, got %+v", pctx)
	}
	if oauth.calls != 0 {
		t.Fatalf("expected driver untouched, got %d calls", oauth.calls)
	}
	msg := stream.Result()
	if msg.Text() != "OK" {
		t.Fatalf("expected canned OK reply, got %q", msg.Text())
	}
}

// recordingDriver calls onStream with the account passed to Stream, letting
// tests assert on routing decisions across retries.
type recordingDriver struct {
	onStream func(acc *models.Account) (drivers.RawEventIterator, error)
}

func (d *recordingDriver) Stream(ctx context.Context, req *models.MessagesRequest, acc *models.Account, proxy *models.Proxy, sess *models.Session) (drivers.RawEventIterator, error) {
	return d.onStream(acc)
}
