package imageurl

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrHostNotAllowed is returned for image URLs outside the allowlist.
var ErrHostNotAllowed = errors.New("image host not allowed")

// Allowlist restricts image fetches to known storage and CDN hosts.
// An entry with a port matches host:port exactly, an entry without one
// matches the hostname on any port, and "*.example.org" matches subdomains.
type Allowlist struct {
	hosts []string
}

// NewAllowlist builds an allowlist from host entries. Blank entries are
// ignored.
func NewAllowlist(hosts ...string) *Allowlist {
	a := &Allowlist{}
	for _, h := range hosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			a.hosts = append(a.hosts, h)
		}
	}
	return a
}

// HostOf returns the host:port of rawURL, or "" when it has none.
func HostOf(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	return u.Host
}

// Empty reports whether no host is allowed.
func (a *Allowlist) Empty() bool {
	return a == nil || len(a.hosts) == 0
}

// Hosts returns the configured entries.
func (a *Allowlist) Hosts() []string {
	if a == nil {
		return nil
	}
	return append([]string(nil), a.hosts...)
}

// Check returns nil when rawURL is an http(s) URL on an allowed host.
func (a *Allowlist) Check(rawURL string) error {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHostNotAllowed, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q", ErrHostNotAllowed, u.Scheme)
	}
	if a.allows(strings.ToLower(u.Host), strings.ToLower(u.Hostname())) {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrHostNotAllowed, u.Host)
}

func (a *Allowlist) allows(hostPort, hostname string) bool {
	if a == nil || hostname == "" {
		return false
	}
	for _, h := range a.hosts {
		switch {
		case strings.HasPrefix(h, "*."):
			if strings.HasSuffix(hostname, h[1:]) {
				return true
			}
		case strings.Contains(h, ":"):
			if hostPort == h {
				return true
			}
		case hostname == h:
			return true
		}
	}
	return false
}
