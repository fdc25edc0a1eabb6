package security

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrOriginBlocked is returned when an origin is refused by an OriginFilter.
var ErrOriginBlocked = errors.New("origin blocked")

// OriginFilterConfig lists the request origins a host accepts.
//
// A rule without a colon matches web origins on that host or any
// subdomain: "example.com" matches "https://app.example.com". When it has
// no dot either it is also a name and matches that non-web origin
// exactly: "metamask" matches "metamask" but not "metamask-fork". Any
// other rule matches a non-web origin exactly, or by prefix when it ends
// in "*": "webhook:*" matches every webhook source.
type OriginFilterConfig struct {
	// Allow, when not empty, refuses every origin it does not match.
	Allow []string `yaml:"allow"`
	// Deny wins over Allow.
	Deny []string `yaml:"deny"`
	// RequireHTTPS refuses plain http web origins other than localhost.
	RequireHTTPS bool `yaml:"require_https"`
}

// OriginFilter checks request origins against allow and deny rules. The
// zero config accepts everything.
type OriginFilter struct {
	allow        []string
	deny         []string
	requireHTTPS bool
}

// NewOriginFilter creates a filter from cfg. Rules are matched
// case-insensitively.
func NewOriginFilter(cfg OriginFilterConfig) *OriginFilter {
	return &OriginFilter{
		allow:        normalizeRules(cfg.Allow),
		deny:         normalizeRules(cfg.Deny),
		requireHTTPS: cfg.RequireHTTPS,
	}
}

func normalizeRules(rules []string) []string {
	out := make([]string, 0, len(rules))
	for _, r := range rules {
		if r = strings.ToLower(strings.TrimSpace(r)); r != "" {
			out = append(out, r)
		}
	}
	return out
}

// Check returns nil when origin is accepted and an error wrapping
// ErrOriginBlocked otherwise.
func (f *OriginFilter) Check(origin string) error {
	origin = strings.ToLower(strings.TrimSpace(origin))
	if origin == "" {
		return fmt.Errorf("%w: empty origin", ErrOriginBlocked)
	}

	host, web, err := webHost(origin)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrOriginBlocked, origin, err)
	}
	if web && f.requireHTTPS && strings.HasPrefix(origin, "http:") && !isLoopback(host) {
		return fmt.Errorf("%w: %s (https required)", ErrOriginBlocked, origin)
	}

	if f.matchAny(f.deny, origin, host, web) {
		return fmt.Errorf("%w: %s (denied)", ErrOriginBlocked, origin)
	}
	if len(f.allow) > 0 && !f.matchAny(f.allow, origin, host, web) {
		return fmt.Errorf("%w: %s (not in allow list)", ErrOriginBlocked, origin)
	}
	return nil
}

func (f *OriginFilter) matchAny(rules []string, origin, host string, web bool) bool {
	for _, r := range rules {
		if !strings.Contains(r, ":") {
			if web && matchDomain(host, r) {
				return true
			}
			if !web && origin == r && !strings.Contains(r, ".") {
				return true
			}
			continue
		}
		if prefix, ok := strings.CutSuffix(r, "*"); ok {
			if strings.HasPrefix(origin, prefix) {
				return true
			}
		} else if origin == r {
			return true
		}
	}
	return false
}

// webHost reports whether origin is an http(s) origin and returns its host.
func webHost(origin string) (string, bool, error) {
	if !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
		return "", false, nil
	}
	u, err := url.Parse(origin)
	if err != nil {
		return "", false, err
	}
	if u.Hostname() == "" {
		return "", false, errors.New("empty hostname")
	}
	return u.Hostname(), true, nil
}

func isLoopback(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// matchDomain reports whether host is domain or one of its subdomains.
func matchDomain(host, domain string) bool {
	return host == domain || strings.HasSuffix(host, "."+domain)
}
