// Package ipaccess implements §4.5's IpAccessController: global allow/deny
// CIDR lists, per-key IP bindings, and auto-block on repeated violations.
package ipaccess

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Config carries the tunables from internal/config.
type Config struct {
	Enabled            bool
	GlobalAllowList    []string
	GlobalDenyList     []string
	AutoBlockThreshold int
	AutoBlockDuration  time.Duration
	ViolationWindow    time.Duration
	TrustedProxyDepth  int
}

type violationRecord struct {
	firstSeen time.Time
	count     int
	window    time.Time // start of current counting window
}

type blockEntry struct {
	expiresAt time.Time
}

// Controller owns the violation table and auto-block map.
type Controller struct {
	cfg Config

	mu         sync.Mutex
	violations map[string]*violationRecord
	blocks     map[string]*blockEntry

	maxViolationEntries int
}

// New constructs a Controller.
func New(cfg Config) *Controller {
	return &Controller{
		cfg:                 cfg,
		violations:          make(map[string]*violationRecord),
		blocks:              make(map[string]*blockEntry),
		maxViolationEntries: 50_000,
	}
}

// Decision is the result of Check.
type Decision struct {
	Allowed bool
	Reason  string // "auto-blocked" when a live auto-block entry matched
}

// Check implements §4.5's fixed decision order.
func (c *Controller) Check(ip string, perKeyAllowlist []string, now time.Time) Decision {
	if !c.cfg.Enabled {
		return Decision{Allowed: true}
	}

	c.mu.Lock()
	if b, ok := c.blocks[ip]; ok {
		if now.Before(b.expiresAt) {
			c.mu.Unlock()
			return Decision{Allowed: false, Reason: "auto-blocked"}
		}
		delete(c.blocks, ip)
	}
	c.mu.Unlock()

	if matchesAny(ip, c.cfg.GlobalDenyList) {
		c.recordViolation(ip, now)
		return Decision{Allowed: false, Reason: "deny-list"}
	}

	if len(c.cfg.GlobalAllowList) > 0 && !matchesAny(ip, c.cfg.GlobalAllowList) {
		c.recordViolation(ip, now)
		return Decision{Allowed: false, Reason: "not-in-global-allowlist"}
	}

	if len(perKeyAllowlist) > 0 && !matchesAny(ip, perKeyAllowlist) {
		c.recordViolation(ip, now)
		return Decision{Allowed: false, Reason: "not-in-key-allowlist"}
	}

	return Decision{Allowed: true}
}

// recordViolation increments the violation counter within the rolling
// window and creates an auto-block entry once the threshold is reached.
func (c *Controller) recordViolation(ip string, now time.Time) {
	if c.cfg.AutoBlockThreshold <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.violations[ip]
	if !ok || now.Sub(v.window) > c.cfg.ViolationWindow {
		v = &violationRecord{firstSeen: now, window: now}
		c.violations[ip] = v
	}
	v.count++

	if v.count >= c.cfg.AutoBlockThreshold {
		c.blocks[ip] = &blockEntry{expiresAt: now.Add(c.cfg.AutoBlockDuration)}
		delete(c.violations, ip)
	}

	c.pruneViolationsLocked(now)
}

// Block manually creates (or extends) an auto-block entry for an IP.
func (c *Controller) Block(ip string, duration time.Duration, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocks[ip] = &blockEntry{expiresAt: now.Add(duration)}
}

// Unblock removes a manual or automatic block.
func (c *Controller) Unblock(ip string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.blocks, ip)
}

// pruneViolationsLocked soft-caps the violations table by dropping the
// oldest entries once it exceeds maxViolationEntries. Must be called with
// c.mu held.
func (c *Controller) pruneViolationsLocked(now time.Time) {
	if len(c.violations) <= c.maxViolationEntries {
		return
	}
	oldestIP, oldestTime := "", now
	for ip, v := range c.violations {
		if v.firstSeen.Before(oldestTime) {
			oldestIP, oldestTime = ip, v.firstSeen
		}
	}
	if oldestIP != "" {
		delete(c.violations, oldestIP)
	}
}

// matchesAny reports whether ip matches any CIDR/exact pattern in patterns.
func matchesAny(ip string, patterns []string) bool {
	for _, p := range patterns {
		if MatchesPattern(ip, p) {
			return true
		}
	}
	return false
}

// MatchesPattern implements §8's CIDR-match property: ip ∈ cidr
// mathematically. Accepts a bare IP (exact match) or a CIDR block. IPv4 is
// compared as a 32-bit integer; IPv4-mapped-IPv6 is normalized to its IPv4
// form first. IPv6 CIDR beyond exact match is out of scope per §4.5.
func MatchesPattern(ipStr, pattern string) bool {
	ip := normalizeIP(ipStr)
	if ip == nil {
		return false
	}

	if !strings.Contains(pattern, "/") {
		patIP := normalizeIP(pattern)
		return patIP != nil && ip.Equal(patIP)
	}

	_, network, err := net.ParseCIDR(pattern)
	if err != nil {
		return false
	}

	if v4 := ip.To4(); v4 != nil {
		return network.Contains(v4)
	}
	return network.Contains(ip)
}

// normalizeIP parses an IP string and folds IPv4-mapped-IPv6 addresses
// (::ffff:a.b.c.d) down to their IPv4 form.
func normalizeIP(s string) net.IP {
	ip := net.ParseIP(strings.TrimSpace(s))
	if ip == nil {
		return nil
	}
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return ip
}

// ResolveClientIP implements §4.5's client-IP resolution order: prefer
// X-Forwarded-For taking the element at 1-based position
// len-trustedProxyDepth (depth 0 is the last entry, depth 1 the one before
// it; a depth past the start of the list yields the first entry), fall
// back to X-Real-Ip, finally the transport peer. trustedProxyDepth is
// clamped to [0, 10].
func ResolveClientIP(r *http.Request, trustedProxyDepth int) string {
	if trustedProxyDepth < 0 {
		trustedProxyDepth = 0
	}
	if trustedProxyDepth > 10 {
		trustedProxyDepth = 10
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := splitAndTrim(xff)
		if len(parts) > 0 {
			idx := len(parts) - 1 - trustedProxyDepth
			if idx < 0 {
				idx = 0
			}
			if idx > len(parts)-1 {
				idx = len(parts) - 1
			}
			if parts[idx] != "" {
				return parts[idx]
			}
		}
	}

	if realIP := r.Header.Get("X-Real-Ip"); realIP != "" {
		return strings.TrimSpace(realIP)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func splitAndTrim(s string) []string {
	raw := strings.Split(s, ",")
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
