package models

import (
	"strconv"
	"time"
)

// ProxyProtocol is the transport scheme of an upstream HTTP proxy.
type ProxyProtocol string

const (
	ProtoHTTP    ProxyProtocol = "http"
	ProtoHTTPS   ProxyProtocol = "https"
	ProtoSocks5  ProxyProtocol = "socks5"
	ProtoSocks5H ProxyProtocol = "socks5h"
)

// Proxy is a single upstream HTTP/SOCKS proxy in the pool.
type Proxy struct {
	Host     string        `json:"host"`
	Port     int           `json:"port"`
	Protocol ProxyProtocol `json:"protocol"`
	Username string        `json:"username,omitempty"`
	Password string        `json:"password,omitempty"`

	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
}

// Key is the proxy's identity: protocol://host:port.
func (p Proxy) Key() string {
	return string(p.Protocol) + "://" + p.Host + ":" + strconv.Itoa(p.Port)
}

// IsAvailable reports whether the proxy may be returned by the pool at now.
// A proxy whose cooldown has elapsed is considered available, but it is the
// caller's job to clear CooldownUntil once it notices the elapsed deadline.
func (p Proxy) IsAvailable(now time.Time) bool {
	return p.CooldownUntil == nil || !now.Before(*p.CooldownUntil)
}

// Redacted renders the proxy URL with credentials hidden.
func (p Proxy) Redacted() string {
	auth := ""
	if p.Username != "" || p.Password != "" {
		auth = "[auth]@"
	}
	return string(p.Protocol) + "://" + auth + p.Host + ":" + strconv.Itoa(p.Port)
}

// URL renders the full, credential-bearing proxy URL suitable for use as an
// http.Transport proxy target.
func (p Proxy) URL() string {
	auth := ""
	if p.Username != "" || p.Password != "" {
		auth = p.Username + ":" + p.Password + "@"
	}
	return string(p.Protocol) + "://" + auth + p.Host + ":" + strconv.Itoa(p.Port)
}

// RotationStrategy selects how the pool picks a proxy on each call.
type RotationStrategy string

const (
	StrategySequential     RotationStrategy = "sequential"
	StrategyRandom         RotationStrategy = "random"
	StrategyRandomNoRepeat RotationStrategy = "random_no_repeat"
	StrategyPerAccount     RotationStrategy = "per_account"
)

// ProxyMode is the overall pool operating mode.
type ProxyMode string

const (
	ProxyModeDisabled ProxyMode = "disabled"
	ProxyModeFixed    ProxyMode = "fixed"
	ProxyModeDynamic  ProxyMode = "dynamic"
)

// ProxySettings configures the Proxy Pool.
type ProxySettings struct {
	Mode                    ProxyMode        `json:"mode" yaml:"mode"`
	FixedURL                string           `json:"fixed_url,omitempty" yaml:"fixed_url,omitempty"`
	RotationStrategy        RotationStrategy `json:"rotation_strategy,omitempty" yaml:"rotation_strategy,omitempty"`
	RotationIntervalSeconds int              `json:"rotation_interval,omitempty" yaml:"rotation_interval,omitempty"`
	CooldownDurationSeconds int              `json:"cooldown_duration,omitempty" yaml:"cooldown_duration,omitempty"`
	FallbackStrategy        RotationStrategy `json:"fallback_strategy,omitempty" yaml:"fallback_strategy,omitempty"`
}

// PoolStatus is the read-only snapshot returned by Proxy Pool's status().
type PoolStatus struct {
	Mode          ProxyMode        `json:"mode"`
	Total         int              `json:"total"`
	Available     int              `json:"available"`
	CurrentRef    string           `json:"current_reference,omitempty"`
	Strategy      RotationStrategy `json:"strategy"`
}

// FailureCause is why a proxy failed, used by reportFailure.
type FailureCause string

const (
	FailureTransport FailureCause = "transport"
	FailureHTTP403   FailureCause = "http403"
)
