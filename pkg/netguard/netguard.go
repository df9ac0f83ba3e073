// Package netguard validates connection targets before any socket is opened,
// preventing SSRF-style abuse of the gateway's network position. Hostname
// patterns are checked first (deny wins), then every resolved address is
// checked against private-network and CIDR policy.
package netguard

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
)

// ErrForbiddenTarget is returned when a host fails validation.
var ErrForbiddenTarget = errors.New("connection target not permitted")

// Resolver resolves a hostname to IP addresses. Swappable in tests.
type Resolver func(host string) ([]net.IP, error)

// Config configures the guard.
type Config struct {
	// AllowPrivateNetworks permits loopback, link-local, site-local,
	// unspecified and multicast addresses.
	AllowPrivateNetworks bool `yaml:"allow_private_networks"`

	// DeniedHostPatterns are case-insensitive glob patterns; a match rejects
	// the host regardless of allow rules.
	DeniedHostPatterns []string `yaml:"denied_host_patterns"`

	// AllowedHostPatterns, when non-empty, require the host to match at
	// least one pattern.
	AllowedHostPatterns []string `yaml:"allowed_host_patterns"`

	// DeniedCIDRs reject any resolved address they contain.
	DeniedCIDRs []string `yaml:"denied_cidrs"`

	// AllowedCIDRs, when non-empty, require every resolved address to be
	// contained in at least one.
	AllowedCIDRs []string `yaml:"allowed_cidrs"`
}

// Guard validates hostnames against allow/deny policy.
type Guard struct {
	allowPrivate bool
	denyPatterns []*regexp.Regexp
	allowPattern []*regexp.Regexp
	denyCIDRs    []*net.IPNet
	allowCIDRs   []*net.IPNet
	resolve      Resolver
}

// New compiles the configured patterns and CIDRs into a Guard.
func New(cfg Config) (*Guard, error) {
	g := &Guard{
		allowPrivate: cfg.AllowPrivateNetworks,
		resolve:      defaultResolver,
	}

	var err error
	if g.denyPatterns, err = compilePatterns(cfg.DeniedHostPatterns); err != nil {
		return nil, fmt.Errorf("netguard: denied host patterns: %w", err)
	}
	if g.allowPattern, err = compilePatterns(cfg.AllowedHostPatterns); err != nil {
		return nil, fmt.Errorf("netguard: allowed host patterns: %w", err)
	}
	if g.denyCIDRs, err = parseCIDRs(cfg.DeniedCIDRs); err != nil {
		return nil, fmt.Errorf("netguard: denied cidrs: %w", err)
	}
	if g.allowCIDRs, err = parseCIDRs(cfg.AllowedCIDRs); err != nil {
		return nil, fmt.Errorf("netguard: allowed cidrs: %w", err)
	}
	return g, nil
}

// WithResolver replaces the DNS resolver. Intended for tests.
func (g *Guard) WithResolver(r Resolver) *Guard {
	g.resolve = r
	return g
}

// ValidateHost checks host against the configured policy. It must be called
// before any connection attempt, including pool creation and ad-hoc
// test-connection flows.
func (g *Guard) ValidateHost(host string) error {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return fmt.Errorf("%w: empty host", ErrForbiddenTarget)
	}

	for _, re := range g.denyPatterns {
		if re.MatchString(host) {
			return fmt.Errorf("%w: host %q matches denied pattern", ErrForbiddenTarget, host)
		}
	}
	if len(g.allowPattern) > 0 && !matchesAny(g.allowPattern, host) {
		return fmt.Errorf("%w: host %q matches no allowed pattern", ErrForbiddenTarget, host)
	}

	ips, err := g.resolve(host)
	if err != nil || len(ips) == 0 {
		// Without addresses no IP policy can be assessed. Allow only when
		// no IP-based rule is active.
		if g.ipPolicyActive() {
			return fmt.Errorf("%w: host %q did not resolve and IP policy is active", ErrForbiddenTarget, host)
		}
		return nil
	}

	for _, ip := range ips {
		if err := g.validateIP(host, ip); err != nil {
			return err
		}
	}
	return nil
}

func (g *Guard) ipPolicyActive() bool {
	return !g.allowPrivate || len(g.denyCIDRs) > 0 || len(g.allowCIDRs) > 0
}

func (g *Guard) validateIP(host string, ip net.IP) error {
	if !g.allowPrivate && isPrivateAddress(ip) {
		return fmt.Errorf("%w: host %q resolves to private address %s", ErrForbiddenTarget, host, ip)
	}
	for _, cidr := range g.denyCIDRs {
		if cidr.Contains(ip) {
			return fmt.Errorf("%w: host %q resolves to denied range %s", ErrForbiddenTarget, host, cidr)
		}
	}
	if len(g.allowCIDRs) > 0 {
		for _, cidr := range g.allowCIDRs {
			if cidr.Contains(ip) {
				return nil
			}
		}
		return fmt.Errorf("%w: host %q resolves outside allowed ranges", ErrForbiddenTarget, host)
	}
	return nil
}

func isPrivateAddress(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsPrivate() ||
		ip.IsUnspecified() ||
		ip.IsMulticast()
}

func defaultResolver(host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}
	return net.LookupIP(host)
}

// compilePatterns converts glob patterns (* and ?) to case-insensitive
// anchored regular expressions.
func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		re, err := regexp.Compile("(?i)^" + globToRegexp(p) + "$")
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func globToRegexp(glob string) string {
	var b strings.Builder
	for _, r := range glob {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	return b.String()
}

func parseCIDRs(cidrs []string) ([]*net.IPNet, error) {
	parsed := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		_, ipnet, err := net.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("cidr %q: %w", c, err)
		}
		parsed = append(parsed, ipnet)
	}
	return parsed, nil
}

func matchesAny(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}
