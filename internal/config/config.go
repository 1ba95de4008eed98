package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if err := cfg.parseFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.finalize(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:           ":8402",
			ReadTimeout:       Duration{Duration: 15 * time.Second},
			WriteTimeout:      Duration{Duration: 15 * time.Second},
			IdleTimeout:       Duration{Duration: 60 * time.Second},
			HeadersTimeout:    Duration{Duration: 5 * time.Second},
			RequestTimeout:    Duration{Duration: 30 * time.Second},
			MaxConnections:    1000,
			MaxRequestBytes:   1 << 20, // 1 MB
			GeoHeaderName:     "X-Geo-Country",
			TrustedProxyDepth: 1,
		},
		Logging: LoggingConfig{
			Level:       "info",
			Format:      "json",
			Environment: "production",
			Service:     "paygate",
		},
		KeyStore: KeyStoreConfig{
			StatePath:      "./data/state.json",
			FlushInterval:  Duration{Duration: 5 * time.Second},
			DefaultCredits: 0,
		},
		RateLimit: RateLimitConfig{
			DefaultMaxCallsPerMin: 60,
			SweepInterval:         Duration{Duration: 60 * time.Second},
		},
		Quota: QuotaConfig{
			DefaultDailyCalls:     0,
			DefaultDailyCredits:   0,
			DefaultMonthlyCalls:   0,
			DefaultMonthlyCredits: 0,
		},
		SpendCap: SpendCapConfig{
			ServerDailyCallCap:     0,
			ServerDailyCreditCap:   0,
			PerKeyHourlyCallCap:    0,
			PerKeyHourlyCreditCap:  0,
			BreachAction:           "suspend",
			AutoResumeAfterSeconds: 3600,
		},
		IPAccess: IPAccessConfig{
			Enabled:            false,
			AutoBlockThreshold: 10,
			AutoBlockDuration:  Duration{Duration: 1 * time.Hour},
			ViolationWindow:    Duration{Duration: 10 * time.Minute},
			TrustedProxyDepth:  1,
		},
		Signing: SigningConfig{
			Enabled:       false,
			ToleranceMs:   5 * 60 * 1000,
			NonceCap:      100_000,
			NonceWindowMs: 5 * 60 * 1000,
			PruneInterval: Duration{Duration: 1 * time.Minute},
		},
		ResponseCache: ResponseCacheConfig{
			Enabled:           true,
			MaxEntries:        10_000,
			DefaultTTLSeconds: 0,
		},
		CircuitBreaker: CircuitBreakerConfig{
			DefaultThreshold: 5,
			DefaultCooldown:  Duration{Duration: 30 * time.Second},
		},
		Pricing: PricingConfig{
			DefaultCreditsPerCall: 1,
			CreditsPerKbInput:     0,
			CreditsPerKbOutput:    0,
			RefundOnFailure:       true,
		},
		Webhook: WebhookConfig{
			MaxAttempts:   5,
			BaseDelay:     Duration{Duration: 1 * time.Second},
			MaxDelay:      Duration{Duration: 5 * time.Minute},
			Multiplier:    2.0,
			MaxQueueDepth: 10_000,
		},
		Proxy: ProxyConfig{
			Transport:      "child_process",
			DefaultTimeout: Duration{Duration: 30 * time.Second},
			FreeMethods:    []string{"initialize", "ping", "tools/list", "resources/list", "prompts/list"},
		},
		ExpiryScanner: ExpiryScannerConfig{
			Interval: Duration{Duration: 1 * time.Hour},
			Thresholds: []Duration{
				{Duration: 7 * 24 * time.Hour},
				{Duration: 24 * time.Hour},
				{Duration: 1 * time.Hour},
			},
		},
		Audit: AuditConfig{
			RingBufferSize:   10_000,
			MaxMetadataBytes: 10 * 1024,
			MaxMessageChars:  2000,
		},
		Admin: AdminConfig{
			BulkOpMaxSize: 100,
		},
		ShadowMode: false,
	}
}

// parseFile reads and unmarshals a YAML configuration file.
func (c *Config) parseFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}
