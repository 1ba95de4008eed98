package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML configuration.
// All env vars use PAYGATE_ prefix for namespace isolation.
func (c *Config) applyEnvOverrides() {
	setIfEnv(&c.Server.Address, "PAYGATE_SERVER_ADDRESS")
	setIfEnv(&c.Server.GeoHeaderName, "PAYGATE_GEO_HEADER_NAME")
	setIntIfEnv(&c.Server.TrustedProxyDepth, "PAYGATE_TRUSTED_PROXY_DEPTH")

	setIfEnv(&c.Logging.Level, "PAYGATE_LOG_LEVEL")
	setIfEnv(&c.Logging.Format, "PAYGATE_LOG_FORMAT")
	setIfEnv(&c.Logging.Environment, "PAYGATE_ENVIRONMENT")

	setIfEnv(&c.KeyStore.StatePath, "PAYGATE_STATE_PATH")
	setInt64IfEnv(&c.KeyStore.DefaultCredits, "PAYGATE_DEFAULT_CREDITS")

	setIntIfEnv(&c.RateLimit.DefaultMaxCallsPerMin, "PAYGATE_RATE_LIMIT_MAX_CALLS_PER_MIN")

	setInt64IfEnv(&c.SpendCap.ServerDailyCallCap, "PAYGATE_SERVER_DAILY_CALL_CAP")
	setInt64IfEnv(&c.SpendCap.ServerDailyCreditCap, "PAYGATE_SERVER_DAILY_CREDIT_CAP")
	setIfEnv(&c.SpendCap.BreachAction, "PAYGATE_SPEND_CAP_BREACH_ACTION")

	setBoolIfEnv(&c.IPAccess.Enabled, "PAYGATE_IP_ACCESS_ENABLED")
	setBoolIfEnv(&c.Signing.Enabled, "PAYGATE_SIGNING_ENABLED")

	setBoolIfEnv(&c.ResponseCache.Enabled, "PAYGATE_RESPONSE_CACHE_ENABLED")
	setIntIfEnv(&c.ResponseCache.MaxEntries, "PAYGATE_RESPONSE_CACHE_MAX_ENTRIES")

	setInt64IfEnv(&c.Pricing.DefaultCreditsPerCall, "PAYGATE_DEFAULT_CREDITS_PER_CALL")
	setBoolIfEnv(&c.Pricing.RefundOnFailure, "PAYGATE_REFUND_ON_FAILURE")

	setIfEnv(&c.Proxy.Transport, "PAYGATE_PROXY_TRANSPORT")
	setIfEnv(&c.Proxy.Command, "PAYGATE_PROXY_COMMAND")
	setIfEnv(&c.Proxy.HTTPURL, "PAYGATE_PROXY_HTTP_URL")

	setIfEnv(&c.Admin.AdminKey, "PAYGATE_ADMIN_KEY")

	setBoolIfEnv(&c.ShadowMode, "PAYGATE_SHADOW_MODE")
}

func setIfEnv(target *string, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

// setBoolIfEnv sets a boolean pointer from an environment variable.
// Accepts "1", "true", "TRUE", "True" as true values.
func setBoolIfEnv(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v == "1" || strings.EqualFold(v, "true")
	}
}

func setIntIfEnv(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		var n int
		if _, err := fmt.Sscan(v, &n); err == nil {
			*target = n
		}
	}
}

func setInt64IfEnv(target *int64, key string) {
	if v := os.Getenv(key); v != "" {
		var n int64
		if _, err := fmt.Sscan(v, &n); err == nil {
			*target = n
		}
	}
}

// setDurationIfEnv sets a Duration pointer from an environment variable.
func setDurationIfEnv(target *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			*target = Duration{Duration: dur}
		}
	}
}
