// Package netpolicy decides which requests a browser context may issue.
//
// Entries are host[:port] patterns such as "example.com", "localhost:3000" or "*.cdn.example.com".
// When an allow-list is configured every origin not on it is denied; blocked origins are denied
// regardless of the allow-list.
package netpolicy

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/gobwas/glob"
)

// Decision is the outcome for one request.
type Decision int

const (
	Continue Decision = iota
	Block
)

// BlockReason is the network error reported for denied requests.
const BlockReason = "BlockedByClient"

// Policy holds the compiled allow and block lists.
type Policy struct {
	allowed []matcher
	blocked []matcher
}

type matcher struct {
	raw string
	g   glob.Glob
}

// New compiles the origin lists. Patterns are case-insensitive.
func New(allowed, blocked []string) (*Policy, error) {
	p := &Policy{}
	var err error
	if p.allowed, err = compile(allowed); err != nil {
		return nil, fmt.Errorf("allowed origins: %w", err)
	}
	if p.blocked, err = compile(blocked); err != nil {
		return nil, fmt.Errorf("blocked origins: %w", err)
	}
	return p, nil
}

func compile(patterns []string) ([]matcher, error) {
	out := make([]matcher, 0, len(patterns))
	for _, raw := range patterns {
		pattern := strings.ToLower(strings.TrimSpace(raw))
		if pattern == "" {
			continue
		}
		// A scheme prefix is tolerated so "https://example.com" behaves like "example.com".
		if u, err := url.Parse(pattern); err == nil && u.Host != "" {
			pattern = u.Host
		}
		g, err := glob.Compile(pattern, '.', ':')
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", raw, err)
		}
		out = append(out, matcher{raw: raw, g: g})
	}
	return out, nil
}

// Active reports whether any interception is needed at all.
func (p *Policy) Active() bool {
	return p != nil && (len(p.allowed) > 0 || len(p.blocked) > 0)
}

// Decide returns Block or Continue for rawURL. Non-network URLs (data:, blob:, about:) always continue.
func (p *Policy) Decide(rawURL string) Decision {
	if !p.Active() {
		return Continue
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return Continue
	}
	host := strings.ToLower(u.Host)

	if matchAny(p.blocked, host) {
		return Block
	}
	if len(p.allowed) > 0 && !matchAny(p.allowed, host) {
		return Block
	}
	return Continue
}

func matchAny(ms []matcher, host string) bool {
	hostname := host
	if i := strings.LastIndex(host, ":"); i >= 0 && !strings.HasSuffix(host, "]") {
		hostname = host[:i]
	}
	for _, m := range ms {
		// Patterns without a port match any port of that host.
		if m.g.Match(host) || m.g.Match(hostname) {
			return true
		}
	}
	return false
}
