package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support string based YAML decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration values expressed as Go-style strings or numbers interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		raw := strings.TrimSpace(value.Value)
		if raw == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err == nil {
			d.Duration = parsed
			return nil
		}
		secs, convErr := time.ParseDuration(fmt.Sprintf("%ss", raw))
		if convErr == nil {
			d.Duration = secs
			return nil
		}
		return fmt.Errorf("invalid duration value %q: %w", raw, err)
	default:
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
}

// MarshalYAML renders the duration as a string to keep config edits human-friendly.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds application level configuration aggregated from file and environment variables.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Logging        LoggingConfig        `yaml:"logging"`
	KeyStore       KeyStoreConfig       `yaml:"key_store"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	Quota          QuotaConfig          `yaml:"quota"`
	SpendCap       SpendCapConfig       `yaml:"spend_cap"`
	IPAccess       IPAccessConfig       `yaml:"ip_access"`
	Signing        SigningConfig        `yaml:"signing"`
	ResponseCache  ResponseCacheConfig  `yaml:"response_cache"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Pricing        PricingConfig        `yaml:"pricing"`
	Webhook        WebhookConfig        `yaml:"webhook"`
	Proxy          ProxyConfig          `yaml:"proxy"`
	ExpiryScanner  ExpiryScannerConfig  `yaml:"expiry_scanner"`
	Audit          AuditConfig          `yaml:"audit"`
	Admin          AdminConfig          `yaml:"admin"`
	ShadowMode     bool                 `yaml:"shadow_mode"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address            string   `yaml:"address"`
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	HeadersTimeout     Duration `yaml:"headers_timeout"`
	RequestTimeout     Duration `yaml:"request_timeout"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	MaxConnections     int      `yaml:"max_connections"`
	MaxRequestBytes    int64    `yaml:"max_request_bytes"`
	GeoHeaderName      string   `yaml:"geo_header_name"`
	TrustedProxyDepth  int      `yaml:"trusted_proxy_depth"`
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"`       // debug, info, warn, error
	Format      string `yaml:"format"`      // json, console
	Environment string `yaml:"environment"` // production, staging, development
	Service     string `yaml:"service"`
	Version     string `yaml:"version"`
}

// KeyStoreConfig configures ApiKey persistence.
type KeyStoreConfig struct {
	StatePath      string   `yaml:"state_path"`
	FlushInterval  Duration `yaml:"flush_interval"`
	DefaultCredits int64    `yaml:"default_credits"`
}

// RateLimitConfig configures the sliding-window rate limiter.
type RateLimitConfig struct {
	DefaultMaxCallsPerMin int      `yaml:"default_max_calls_per_min"`
	SweepInterval         Duration `yaml:"sweep_interval"`
}

// QuotaConfig configures the default daily/monthly quota used when no
// per-key or group quota is set.
type QuotaConfig struct {
	DefaultDailyCalls     int64 `yaml:"default_daily_calls"`
	DefaultDailyCredits   int64 `yaml:"default_daily_credits"`
	DefaultMonthlyCalls   int64 `yaml:"default_monthly_calls"`
	DefaultMonthlyCredits int64 `yaml:"default_monthly_credits"`
}

// SpendCapConfig configures server-wide and per-key hourly spend caps.
type SpendCapConfig struct {
	ServerDailyCallCap     int64  `yaml:"server_daily_call_cap"`
	ServerDailyCreditCap   int64  `yaml:"server_daily_credit_cap"`
	PerKeyHourlyCallCap    int64  `yaml:"per_key_hourly_call_cap"`
	PerKeyHourlyCreditCap  int64  `yaml:"per_key_hourly_credit_cap"`
	BreachAction           string `yaml:"breach_action"` // "suspend" or "deny-only"
	AutoResumeAfterSeconds int64  `yaml:"auto_resume_after_seconds"`
}

// IPAccessConfig configures the IP access controller.
type IPAccessConfig struct {
	Enabled            bool     `yaml:"enabled"`
	GlobalAllowList    []string `yaml:"global_allow_list"`
	GlobalDenyList     []string `yaml:"global_deny_list"`
	AutoBlockThreshold int      `yaml:"auto_block_threshold"`
	AutoBlockDuration  Duration `yaml:"auto_block_duration"`
	ViolationWindow    Duration `yaml:"violation_window"`
	TrustedProxyDepth  int      `yaml:"trusted_proxy_depth"`
}

// SigningConfig configures HMAC request signing.
type SigningConfig struct {
	Enabled       bool     `yaml:"enabled"`
	ToleranceMs   int64    `yaml:"tolerance_ms"`
	NonceCap      int      `yaml:"nonce_cap"`
	NonceWindowMs int64    `yaml:"nonce_window_ms"`
	PruneInterval Duration `yaml:"prune_interval"`
}

// ResponseCacheConfig configures the content-addressed response cache.
type ResponseCacheConfig struct {
	Enabled           bool  `yaml:"enabled"`
	MaxEntries        int   `yaml:"max_entries"`
	DefaultTTLSeconds int64 `yaml:"default_ttl_seconds"`
}

// CircuitBreakerConfig configures per-tool circuit breakers.
type CircuitBreakerConfig struct {
	DefaultThreshold uint32   `yaml:"default_threshold"`
	DefaultCooldown  Duration `yaml:"default_cooldown"`
}

// PricingConfig configures default tool pricing.
type PricingConfig struct {
	DefaultCreditsPerCall int64 `yaml:"default_credits_per_call"`
	CreditsPerKbInput     int64 `yaml:"credits_per_kb_input"`
	CreditsPerKbOutput    int64 `yaml:"credits_per_kb_output"`
	RefundOnFailure       bool  `yaml:"refund_on_failure"`
}

// WebhookConfig configures the bounded retry webhook queue.
type WebhookConfig struct {
	MaxAttempts   int      `yaml:"max_attempts"`
	BaseDelay     Duration `yaml:"base_delay"`
	MaxDelay      Duration `yaml:"max_delay"`
	Multiplier    float64  `yaml:"multiplier"`
	MaxQueueDepth int      `yaml:"max_queue_depth"`
}

// ProxyConfig configures the backend transport.
type ProxyConfig struct {
	Transport       string              `yaml:"transport"` // "child_process" or "http"
	Command         string              `yaml:"command"`
	Args            []string            `yaml:"args"`
	HTTPURL         string              `yaml:"http_url"`
	HTTPHeaders     map[string]string   `yaml:"http_headers"`
	DefaultTimeout  Duration            `yaml:"default_timeout"`
	PerToolTimeouts map[string]Duration `yaml:"per_tool_timeouts"`
	FreeMethods     []string            `yaml:"free_methods"`
}

// ExpiryScannerConfig configures the key-expiry notification scanner.
type ExpiryScannerConfig struct {
	Interval   Duration   `yaml:"interval"`
	Thresholds []Duration `yaml:"thresholds"`
}

// AuditConfig configures the administrative audit log.
type AuditConfig struct {
	RingBufferSize   int `yaml:"ring_buffer_size"`
	MaxMetadataBytes int `yaml:"max_metadata_bytes"`
	MaxMessageChars  int `yaml:"max_message_chars"`
}

// AdminConfig configures the admin HTTP surface.
type AdminConfig struct {
	AdminKey      string `yaml:"admin_key"`
	BulkOpMaxSize int    `yaml:"bulk_op_max_size"`
}
