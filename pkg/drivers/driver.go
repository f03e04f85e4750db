// Package drivers implements the two Upstream Drivers: OAuthDriver speaks
// the public API endpoint directly; WebDriver emulates the Claude.ai web
// client's conversation create/send/delete dance.
package drivers

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/claude-fleet/proxy/pkg/models"
)

// RawEventIterator yields the raw SSE frames of an upstream response, ahead
// of any private-to-public event normalization. The event pipeline's parser
// stage consumes this.
type RawEventIterator interface {
	Next() (RawFrame, bool, error)
	Close() error
}

// Driver is implemented by both OAuthDriver and WebDriver.
type Driver interface {
	Stream(ctx context.Context, req *models.MessagesRequest, acc *models.Account, proxy *models.Proxy, sess *models.Session) (RawEventIterator, error)
}

// httpClientFor builds an http.Client routed through proxy, or the default
// transport when proxy is nil (proxying disabled).
func httpClientFor(proxy *models.Proxy, timeout time.Duration) (*http.Client, error) {
	transport := &http.Transport{}
	if proxy != nil {
		u, err := url.Parse(proxy.URL())
		if err != nil {
			return nil, err
		}
		transport.Proxy = http.ProxyURL(u)
	}
	return &http.Client{Transport: transport, Timeout: timeout}, nil
}
