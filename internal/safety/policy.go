// Package safety gates every outbound ingestion request: URL policy,
// private-address protection, robots.txt, per-domain rate limiting and
// redaction of fetched text.
package safety

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"sia/internal/config"
	"sia/internal/logging"
)

// Resolver looks up the addresses of a host. *net.Resolver satisfies it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Policy is the static part of the URL policy.
type Policy struct {
	AllowedSchemes       []string
	AllowDomains         []string
	BlockDomains         []string
	DisallowPrivateIPs   bool
	AllowUnresolvedHosts bool
}

// PolicyFromConfig builds a Policy from rag.security.
func PolicyFromConfig(sec config.SecurityConfig) Policy {
	return Policy{
		AllowedSchemes:       sec.AllowedSchemes,
		AllowDomains:         sec.AllowDomains,
		BlockDomains:         sec.BlockDomains,
		DisallowPrivateIPs:   sec.DisallowPrivateIPs,
		AllowUnresolvedHosts: sec.AllowUnresolvedHosts,
	}
}

// Filter decides whether a URL may be fetched.
type Filter struct {
	policy   Policy
	resolver Resolver
}

// NewFilter creates a filter. A nil resolver uses net.DefaultResolver.
func NewFilter(p Policy, r Resolver) *Filter {
	if len(p.AllowedSchemes) == 0 {
		p.AllowedSchemes = []string{"http", "https"}
	}
	if r == nil {
		r = net.DefaultResolver
	}
	return &Filter{policy: p, resolver: r}
}

// IsAllowed checks rawURL against the policy. Checks run in a fixed order:
// scheme, host presence, block list, allow list, private address. The
// reason names the first failing check, or is "ok".
func (f *Filter) IsAllowed(ctx context.Context, rawURL string) (bool, string) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false, "invalid_url"
	}
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())

	if !containsFold(f.policy.AllowedSchemes, scheme) {
		return false, "scheme_not_allowed:" + scheme
	}
	if host == "" {
		return false, "no_host"
	}
	for _, d := range f.policy.BlockDomains {
		if matchesDomain(host, d) {
			return false, "blocked_domain:" + host
		}
	}
	if len(f.policy.AllowDomains) > 0 {
		allowed := false
		for _, d := range f.policy.AllowDomains {
			if matchesDomain(host, d) {
				allowed = true
				break
			}
		}
		if !allowed {
			return false, "not_in_allowlist:" + host
		}
	}
	if f.policy.DisallowPrivateIPs {
		if ok, reason := f.checkAddress(ctx, host); !ok {
			return false, reason
		}
	}
	return true, "ok"
}

func (f *Filter) checkAddress(ctx context.Context, host string) (bool, string) {
	if addr, err := netip.ParseAddr(host); err == nil {
		if IsPrivate(addr) {
			return false, "private_ip:" + host
		}
		return true, "ok"
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	addrs, err := f.resolver.LookupIPAddr(ctx, host)
	if err != nil || len(addrs) == 0 {
		if f.policy.AllowUnresolvedHosts {
			return true, "ok"
		}
		return false, "unresolved_host:" + host
	}
	for _, a := range addrs {
		if ip, ok := netip.AddrFromSlice(a.IP); ok && IsPrivate(ip) {
			return false, "private_ip:" + host
		}
	}
	return true, "ok"
}

// DialContext dials like net.Dialer but refuses private peers when the
// policy disallows them. The check runs on the address actually dialed.
func (f *Filter) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d := &net.Dialer{Timeout: 30 * time.Second}
	if !f.policy.DisallowPrivateIPs {
		return d.DialContext(ctx, network, address)
	}
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	var ips []netip.Addr
	if addr, err := netip.ParseAddr(host); err == nil {
		ips = []netip.Addr{addr}
	} else {
		addrs, err := f.resolver.LookupIPAddr(ctx, host)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", host, err)
		}
		for _, a := range addrs {
			if ip, ok := netip.AddrFromSlice(a.IP); ok {
				ips = append(ips, ip.Unmap())
			}
		}
	}
	var lastErr error
	for _, ip := range ips {
		if IsPrivate(ip) {
			lastErr = fmt.Errorf("%w: %s", ErrPrivateAddress, ip)
			logging.AuditPolicy(logging.AuditPolicyReject, address, "private_ip:"+ip.String())
			continue
		}
		conn, err := d.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no addresses for %s", host)
	}
	return nil, lastErr
}

// IsPrivate reports whether addr is private, loopback, link-local or unspecified.
func IsPrivate(addr netip.Addr) bool {
	addr = addr.Unmap()
	return addr.IsPrivate() ||
		addr.IsLoopback() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsInterfaceLocalMulticast() ||
		addr.IsUnspecified()
}

func matchesDomain(host, rule string) bool {
	rule = strings.ToLower(strings.TrimSpace(rule))
	if rule == "" {
		return false
	}
	return host == rule || strings.HasSuffix(host, "."+rule)
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// Domain returns the lower-cased host of rawURL, or "".
func Domain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
