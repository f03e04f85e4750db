// Package fleeterr implements a tagged error result: callers dispatch on
// Kind rather than on a type hierarchy, and Retryable/Code/Context travel
// with the error instead of being reconstructed by the caller.
package fleeterr

import "fmt"

// Kind discriminates the reason an upstream call failed.
type Kind string

const (
	KindUpstreamOverloaded   Kind = "upstream_overloaded"
	KindRateLimited          Kind = "rate_limited"
	KindInvalidCredentials   Kind = "invalid_credentials"
	KindProxyTransport       Kind = "proxy_transport"
	KindAllProxiesUnavailable Kind = "all_proxies_unavailable"
	KindNoAccountsAvailable  Kind = "no_accounts_available"
	KindUpstreamProtocol     Kind = "upstream_protocol"
	KindClientDisconnected   Kind = "client_disconnected"
	KindValidation           Kind = "validation_error"
)

// codes maps each kind to the HTTP-adjacent numeric code reported to
// clients. Not every kind in this package originates a 5xx; validation
// errors are mapped by the ingress layer to 4xx independent of this table.
var codes = map[Kind]int{
	KindAllProxiesUnavailable: 503200,
	KindProxyTransport:        503201,
	KindUpstreamOverloaded:    503510,
	KindUpstreamProtocol:      503500,
}

// retryableDefault says whether a kind is retryable absent a more specific
// decision by the orchestrator's retry policy.
var retryableDefault = map[Kind]bool{
	KindUpstreamOverloaded:    true,
	KindRateLimited:           true,
	KindInvalidCredentials:    true,
	KindProxyTransport:        true,
	KindAllProxiesUnavailable: false,
	KindNoAccountsAvailable:   false,
	KindUpstreamProtocol:      false,
	KindClientDisconnected:    false,
	KindValidation:            false,
}

// Error is the structured error value passed up from the core to the
// orchestrator and, ultimately, to the ingress layer.
type Error struct {
	Kind      Kind
	Retryable bool
	Code      int
	Context   map[string]any
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an Error of the given kind, wrapping cause and attaching
// context. Retryable and Code are filled from the package defaults unless
// overridden by WithRetryable below.
func New(kind Kind, cause error, context map[string]any) *Error {
	return &Error{
		Kind:      kind,
		Retryable: retryableDefault[kind],
		Code:      codes[kind],
		Context:   context,
		Cause:     cause,
	}
}

// WithRetryable returns a copy of e with Retryable overridden. Used for the
// "streaming headers already sent" case, where an otherwise retryable
// overloaded error becomes terminal mid-stream.
func (e *Error) WithRetryable(retryable bool) *Error {
	cp := *e
	cp.Retryable = retryable
	return &cp
}

// As reports whether err is (or wraps) a *Error and, if so, returns it.
func As(err error) (*Error, bool) {
	fe, ok := err.(*Error)
	if ok {
		return fe, true
	}
	type unwrapper interface{ Unwrap() error }
	if u, ok := err.(unwrapper); ok {
		return As(u.Unwrap())
	}
	return nil, false
}
