package proxypool

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/claude-fleet/proxy/pkg/models"
)

// ParseProxyLine parses a single proxy-list line into a Proxy, accepting
// any of four forms:
//
//	scheme://[user:pass@]host:port
//	host:port                         (defaults to http)
//	host:port:user:pass
//	user:pass:host:port
//
// The host:port:user:pass / user:pass:host:port ambiguity is resolved by
// locating which colon-delimited segment looks like a port number.
func ParseProxyLine(line string) (models.Proxy, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return models.Proxy{}, fmt.Errorf("blank or comment line")
	}

	if idx := strings.Index(line, "://"); idx >= 0 {
		return parseSchemeForm(line, idx)
	}

	parts := strings.Split(line, ":")
	switch len(parts) {
	case 2:
		port, err := strconv.Atoi(parts[1])
		if err != nil {
			return models.Proxy{}, fmt.Errorf("invalid port in %q: %w", line, err)
		}
		return models.Proxy{Protocol: models.ProtoHTTP, Host: parts[0], Port: port}, nil
	case 4:
		return parseFourPartForm(parts)
	default:
		return models.Proxy{}, fmt.Errorf("unrecognized proxy line %q", line)
	}
}

func parseSchemeForm(line string, schemeIdx int) (models.Proxy, error) {
	scheme := strings.ToLower(line[:schemeIdx])
	rest := line[schemeIdx+3:]

	proto, err := parseProtocol(scheme)
	if err != nil {
		return models.Proxy{}, err
	}

	user, pass, hostport := "", "", rest
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		auth := rest[:at]
		hostport = rest[at+1:]
		if colon := strings.Index(auth, ":"); colon >= 0 {
			user, pass = auth[:colon], auth[colon+1:]
		} else {
			user = auth
		}
	}

	host, portStr, err := splitHostPort(hostport)
	if err != nil {
		return models.Proxy{}, fmt.Errorf("parse %q: %w", line, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return models.Proxy{}, fmt.Errorf("invalid port in %q: %w", line, err)
	}

	return models.Proxy{
		Protocol: proto,
		Host:     host,
		Port:     port,
		Username: user,
		Password: pass,
	}, nil
}

// parseFourPartForm disambiguates host:port:user:pass from
// user:pass:host:port by locating the segment shaped like a port number.
func parseFourPartForm(parts []string) (models.Proxy, error) {
	if port, err := strconv.Atoi(parts[1]); err == nil {
		return models.Proxy{Protocol: models.ProtoHTTP, Host: parts[0], Port: port, Username: parts[2], Password: parts[3]}, nil
	}
	if port, err := strconv.Atoi(parts[3]); err == nil {
		return models.Proxy{Protocol: models.ProtoHTTP, Host: parts[2], Port: port, Username: parts[0], Password: parts[1]}, nil
	}
	return models.Proxy{}, fmt.Errorf("cannot locate port in %q", strings.Join(parts, ":"))
}

func splitHostPort(hostport string) (host, port string, err error) {
	idx := strings.LastIndex(hostport, ":")
	if idx < 0 {
		return "", "", fmt.Errorf("missing port in %q", hostport)
	}
	return hostport[:idx], hostport[idx+1:], nil
}

func parseProtocol(scheme string) (models.ProxyProtocol, error) {
	switch models.ProxyProtocol(scheme) {
	case models.ProtoHTTP, models.ProtoHTTPS, models.ProtoSocks5, models.ProtoSocks5H:
		return models.ProxyProtocol(scheme), nil
	default:
		return "", fmt.Errorf("unsupported proxy scheme %q", scheme)
	}
}

// ParseProxyList parses a proxy-list file's contents: one proxy per line,
// blank lines and #-comments ignored.
func ParseProxyList(text string) ([]models.Proxy, error) {
	var proxies []models.Proxy
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		p, err := ParseProxyLine(line)
		if err != nil {
			return nil, err
		}
		proxies = append(proxies, p)
	}
	return proxies, nil
}
