package config

import (
	"fmt"
	"time"
)

// finalize applies defaults and validates the configuration.
func (c *Config) finalize() error {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Environment == "" {
		c.Logging.Environment = "production"
	}
	if c.Logging.Service == "" {
		c.Logging.Service = "paygate"
	}
	if c.Server.Address == "" {
		c.Server.Address = ":8402"
	}
	if c.Server.MaxRequestBytes <= 0 {
		c.Server.MaxRequestBytes = 1 << 20
	}
	if c.Server.TrustedProxyDepth < 0 {
		c.Server.TrustedProxyDepth = 0
	}
	if c.Server.TrustedProxyDepth > 10 {
		c.Server.TrustedProxyDepth = 10
	}
	if c.IPAccess.TrustedProxyDepth < 0 {
		c.IPAccess.TrustedProxyDepth = 0
	}
	if c.IPAccess.TrustedProxyDepth > 10 {
		c.IPAccess.TrustedProxyDepth = 10
	}

	if c.KeyStore.StatePath == "" {
		c.KeyStore.StatePath = "./data/state.json"
	}
	if c.KeyStore.FlushInterval.Duration <= 0 {
		c.KeyStore.FlushInterval = Duration{Duration: 5 * time.Second}
	}
	if c.KeyStore.DefaultCredits < 0 {
		return fmt.Errorf("key_store.default_credits must be non-negative")
	}

	if c.Pricing.DefaultCreditsPerCall < 0 {
		return fmt.Errorf("pricing.default_credits_per_call must be non-negative")
	}
	if c.Pricing.DefaultCreditsPerCall == 0 {
		c.Pricing.DefaultCreditsPerCall = 1
	}

	switch c.SpendCap.BreachAction {
	case "":
		c.SpendCap.BreachAction = "suspend"
	case "suspend", "deny-only":
	default:
		return fmt.Errorf("spend_cap.breach_action must be %q or %q, got %q", "suspend", "deny-only", c.SpendCap.BreachAction)
	}
	if c.SpendCap.AutoResumeAfterSeconds < 0 {
		c.SpendCap.AutoResumeAfterSeconds = 0
	}

	if c.Signing.ToleranceMs <= 0 {
		c.Signing.ToleranceMs = 5 * 60 * 1000
	}
	if c.Signing.NonceCap <= 0 {
		c.Signing.NonceCap = 100_000
	}
	if c.Signing.NonceWindowMs < c.Signing.ToleranceMs {
		// auto-doubled if misconfigured, per §4.6
		c.Signing.NonceWindowMs = c.Signing.ToleranceMs * 2
	}
	if c.Signing.PruneInterval.Duration <= 0 {
		c.Signing.PruneInterval = Duration{Duration: 1 * time.Minute}
	}

	if c.ResponseCache.MaxEntries <= 0 {
		c.ResponseCache.MaxEntries = 10_000
	}
	if c.ResponseCache.DefaultTTLSeconds < 0 {
		return fmt.Errorf("response_cache.default_ttl_seconds must be non-negative")
	}

	if c.CircuitBreaker.DefaultCooldown.Duration <= 0 {
		c.CircuitBreaker.DefaultCooldown = Duration{Duration: 30 * time.Second}
	}

	if c.Webhook.MaxAttempts <= 0 {
		c.Webhook.MaxAttempts = 5
	}
	if c.Webhook.Multiplier <= 1.0 {
		c.Webhook.Multiplier = 2.0
	}
	if c.Webhook.BaseDelay.Duration <= 0 {
		c.Webhook.BaseDelay = Duration{Duration: 1 * time.Second}
	}
	if c.Webhook.MaxDelay.Duration <= 0 {
		c.Webhook.MaxDelay = Duration{Duration: 5 * time.Minute}
	}
	if c.Webhook.MaxQueueDepth <= 0 {
		c.Webhook.MaxQueueDepth = 10_000
	}

	switch c.Proxy.Transport {
	case "", "child_process":
		c.Proxy.Transport = "child_process"
		if c.Proxy.Command == "" {
			return fmt.Errorf("proxy.command is required for transport %q", "child_process")
		}
	case "http":
		if c.Proxy.HTTPURL == "" {
			return fmt.Errorf("proxy.http_url is required for transport %q", "http")
		}
	default:
		return fmt.Errorf("proxy.transport must be %q or %q, got %q", "child_process", "http", c.Proxy.Transport)
	}
	if c.Proxy.DefaultTimeout.Duration <= 0 {
		c.Proxy.DefaultTimeout = Duration{Duration: 30 * time.Second}
	}
	if len(c.Proxy.FreeMethods) == 0 {
		c.Proxy.FreeMethods = []string{"initialize", "ping", "tools/list", "resources/list", "prompts/list"}
	}

	if c.ExpiryScanner.Interval.Duration < 60*time.Second {
		c.ExpiryScanner.Interval = Duration{Duration: 1 * time.Hour}
	}
	if len(c.ExpiryScanner.Thresholds) == 0 {
		c.ExpiryScanner.Thresholds = []Duration{
			{Duration: 7 * 24 * time.Hour},
			{Duration: 24 * time.Hour},
			{Duration: 1 * time.Hour},
		}
	}

	if c.Audit.RingBufferSize <= 0 {
		c.Audit.RingBufferSize = 10_000
	}
	if c.Audit.MaxMetadataBytes <= 0 {
		c.Audit.MaxMetadataBytes = 10 * 1024
	}
	if c.Audit.MaxMessageChars <= 0 {
		c.Audit.MaxMessageChars = 2000
	}

	if c.Admin.BulkOpMaxSize <= 0 {
		c.Admin.BulkOpMaxSize = 100
	}

	return nil
}
