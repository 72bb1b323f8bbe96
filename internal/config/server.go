package config

import (
	"fmt"
	"net/netip"
	"net/url"
	"regexp"
	"strings"
)

const (
	// DefaultServerPort is the job server's conventional port
	DefaultServerPort = "8188"
	// DefaultServerURL is used when no address is configured
	DefaultServerURL = "http://localhost:" + DefaultServerPort
)

var domainPattern = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)+[a-zA-Z]{2,}$`)

func isDomain(s string) bool {
	return strings.EqualFold(s, "localhost") || domainPattern.MatchString(s)
}

func isIPv6(s string) bool {
	addr, err := netip.ParseAddr(strings.Trim(s, "[]"))
	return err == nil && addr.Is6()
}

// NormalizeServerURL turns a user-entered server address into a base URL
// with a scheme, a port and no trailing slash. Bracketed IPv6 is checked
// before any colon splitting.
func NormalizeServerURL(input string) string {
	s := strings.TrimSpace(input)
	switch {
	case s == "":
		return DefaultServerURL
	case strings.HasPrefix(s, "http://"), strings.HasPrefix(s, "https://"):
		return strings.TrimSuffix(s, "/")
	case strings.HasPrefix(s, "[") && strings.Contains(s, "]:"):
		return "http://" + s
	case isIPv6(s):
		return "http://[" + strings.Trim(s, "[]") + "]:" + DefaultServerPort
	case isDomain(s):
		return "http://" + s + ":" + DefaultServerPort
	case strings.Contains(s, ":"):
		return "http://" + s
	default:
		return "http://" + s + ":" + DefaultServerPort
	}
}

// ExtractServerAddress returns the address form stored in settings: the
// host and port for plain http, the whole base URL for https.
func ExtractServerAddress(base string) string {
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return strings.TrimSuffix(strings.TrimPrefix(base, "http://"), "/")
	}
	if u.Scheme == "https" {
		return "https://" + u.Host
	}
	return u.Host
}

// WebSocketURL derives the push channel endpoint for base.
func WebSocketURL(base, clientID string) (string, error) {
	u, err := url.Parse(NormalizeServerURL(base))
	if err != nil {
		return "", fmt.Errorf("invalid server address %q: %w", base, err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	u.RawQuery = url.Values{"clientId": {clientID}}.Encode()
	return u.String(), nil
}
