// Command paygated runs the PayGate MCP gateway: it loads configuration,
// wires every component into a Gate and Dispatcher, and serves the client
// and admin HTTP surfaces until terminated.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/walker77/paygate-mcp/internal/audit"
	"github.com/walker77/paygate-mcp/internal/breaker"
	"github.com/walker77/paygate-mcp/internal/config"
	"github.com/walker77/paygate-mcp/internal/dispatcher"
	"github.com/walker77/paygate-mcp/internal/expiry"
	"github.com/walker77/paygate-mcp/internal/gate"
	"github.com/walker77/paygate-mcp/internal/httpserver"
	"github.com/walker77/paygate-mcp/internal/httputil"
	"github.com/walker77/paygate-mcp/internal/ipaccess"
	"github.com/walker77/paygate-mcp/internal/keygroup"
	"github.com/walker77/paygate-mcp/internal/keystore"
	"github.com/walker77/paygate-mcp/internal/lifecycle"
	"github.com/walker77/paygate-mcp/internal/logger"
	"github.com/walker77/paygate-mcp/internal/metrics"
	"github.com/walker77/paygate-mcp/internal/proxy"
	"github.com/walker77/paygate-mcp/internal/quota"
	"github.com/walker77/paygate-mcp/internal/ratelimiter"
	"github.com/walker77/paygate-mcp/internal/respcache"
	"github.com/walker77/paygate-mcp/internal/signing"
	"github.com/walker77/paygate-mcp/internal/spendcap"
	"github.com/walker77/paygate-mcp/internal/usage"
	"github.com/walker77/paygate-mcp/internal/webhookqueue"
)

func main() {
	configPath := flag.String("config", "configs/local.yaml", "path to config yaml")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "paygated: load config: %v\n", err)
		os.Exit(1)
	}

	appLogger := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     cfg.Logging.Service,
		Environment: cfg.Logging.Environment,
		Version:     cfg.Logging.Version,
	})
	log.Logger = appLogger

	resources := lifecycle.NewManager()

	keys, err := keystore.New(cfg.KeyStore.StatePath, cfg.KeyStore.FlushInterval.Duration, appLogger)
	if err != nil {
		appLogger.Fatal().Err(err).Msg("paygated: init keystore")
	}
	resources.Register("keystore", keys)

	groups := keygroup.New()

	ipAccess := ipaccess.New(ipaccess.Config{
		Enabled:            cfg.IPAccess.Enabled,
		GlobalAllowList:    cfg.IPAccess.GlobalAllowList,
		GlobalDenyList:     cfg.IPAccess.GlobalDenyList,
		AutoBlockThreshold: cfg.IPAccess.AutoBlockThreshold,
		AutoBlockDuration:  cfg.IPAccess.AutoBlockDuration.Duration,
		ViolationWindow:    cfg.IPAccess.ViolationWindow.Duration,
		TrustedProxyDepth:  cfg.IPAccess.TrustedProxyDepth,
	})

	signer := signing.New(signing.Config{
		Enabled:       cfg.Signing.Enabled,
		ToleranceMs:   cfg.Signing.ToleranceMs,
		NonceCap:      cfg.Signing.NonceCap,
		NonceWindowMs: cfg.Signing.NonceWindowMs,
		PruneInterval: cfg.Signing.PruneInterval.Duration,
	})

	autoSuspendEvents := make(chan spendcap.AutoSuspendEvent, 64)
	spendCap := spendcap.New(spendcap.Config{
		ServerDailyCallCap:     cfg.SpendCap.ServerDailyCallCap,
		ServerDailyCreditCap:   cfg.SpendCap.ServerDailyCreditCap,
		PerKeyHourlyCallCap:    cfg.SpendCap.PerKeyHourlyCallCap,
		PerKeyHourlyCreditCap:  cfg.SpendCap.PerKeyHourlyCreditCap,
		BreachAction:           spendcap.BreachAction(cfg.SpendCap.BreachAction),
		AutoResumeAfterSeconds: cfg.SpendCap.AutoResumeAfterSeconds,
	}, autoSuspendEvents)

	quotas := quota.New(keys)
	rateLimit := ratelimiter.New(cfg.RateLimit.SweepInterval.Duration)

	perToolBreaker := make(map[string]breaker.Config)
	breakers := breaker.New(breaker.Config{
		Threshold: cfg.CircuitBreaker.DefaultThreshold,
		Cooldown:  cfg.CircuitBreaker.DefaultCooldown.Duration,
	}, perToolBreaker)

	g := gate.New(gate.Config{
		ShadowMode: cfg.ShadowMode,
		Pricing: gate.PricingConfig{
			DefaultCreditsPerCall: cfg.Pricing.DefaultCreditsPerCall,
			CreditsPerKbInput:     cfg.Pricing.CreditsPerKbInput,
			CreditsPerKbOutput:    cfg.Pricing.CreditsPerKbOutput,
			RefundOnFailure:       cfg.Pricing.RefundOnFailure,
		},
		DefaultQuota: quota.Limits{
			DailyCalls:     cfg.Quota.DefaultDailyCalls,
			DailyCredits:   cfg.Quota.DefaultDailyCredits,
			MonthlyCalls:   cfg.Quota.DefaultMonthlyCalls,
			MonthlyCredits: cfg.Quota.DefaultMonthlyCredits,
		},
		DefaultRateLimitPerMin: cfg.RateLimit.DefaultMaxCallsPerMin,
	}, keys, groups, ipAccess, signer, spendCap, quotas, rateLimit, breakers)

	transport, err := newProxyTransport(cfg, appLogger)
	if err != nil {
		appLogger.Fatal().Err(err).Msg("paygated: init proxy transport")
	}
	resources.RegisterFunc("proxy-transport", transport.Close)

	perToolTimeouts := make(map[string]time.Duration, len(cfg.Proxy.PerToolTimeouts))
	for tool, d := range cfg.Proxy.PerToolTimeouts {
		perToolTimeouts[tool] = d.Duration
	}
	backendProxy := proxy.New(transport, cfg.Proxy.DefaultTimeout.Duration, perToolTimeouts, cfg.Proxy.FreeMethods)

	cache := respcache.New(cfg.ResponseCache.MaxEntries)
	usageMeter := usage.New(100_000)
	webhooks := webhookqueue.New(webhookqueue.BackoffConfig{
		Base:       cfg.Webhook.BaseDelay.Duration,
		Multiplier: cfg.Webhook.Multiplier,
		MaxDelay:   cfg.Webhook.MaxDelay.Duration,
	}, cfg.Webhook.MaxQueueDepth)
	subscriptions := webhookqueue.NewSubscriptions()
	auditLog := audit.New(cfg.Audit.RingBufferSize)

	metricsCollector := metrics.New(prometheus.DefaultRegisterer)

	d := dispatcher.New(dispatcher.Config{
		TrustedProxyDepth: cfg.Server.TrustedProxyDepth,
		CacheTTL:          time.Duration(cfg.ResponseCache.DefaultTTLSeconds) * time.Second,
	}, g, backendProxy, cache, usageMeter, webhooks, subscriptions, auditLog, ipAccess, appLogger)

	webhookWorker := webhookqueue.NewWorker(webhookqueue.WorkerOptions{
		Queue:   webhooks,
		Logger:  appLogger,
		Metrics: metricsCollector,
	})
	webhookCtx, cancelWebhookWorker := context.WithCancel(context.Background())
	webhookWorker.Start(webhookCtx)
	resources.RegisterFunc("webhook-worker", func() error {
		cancelWebhookWorker()
		webhookWorker.Stop()
		return nil
	})

	expiryScanner := expiry.New(keys, durationsOf(cfg.ExpiryScanner.Thresholds), cfg.ExpiryScanner.Interval.Duration, func(ev expiry.Event) error {
		auditLog.Record("key.expiry_warning", "system", fmt.Sprintf("key %s expires in %s", ev.KeyID, ev.Remaining), map[string]any{
			"keyId":     ev.KeyID,
			"threshold": ev.Threshold.String(),
			"expiresAt": ev.ExpiresAt,
		}, time.Now())
		return nil
	}, appLogger)
	expiryScanner.Start()
	resources.RegisterFunc("expiry-scanner", func() error {
		expiryScanner.Stop()
		return nil
	})

	stopAutoSuspendWatcher := watchAutoSuspendEvents(autoSuspendEvents, keys, auditLog, appLogger)
	resources.RegisterFunc("auto-suspend-watcher", func() error {
		stopAutoSuspendWatcher()
		return nil
	})

	server := httpserver.New(cfg, d, keys, groups, webhooks, subscriptions, auditLog, metricsCollector, appLogger)

	serverErrs := make(chan error, 1)
	go func() {
		appLogger.Info().Str("address", cfg.Server.Address).Msg("paygate listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrs <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		appLogger.Info().Str("signal", sig.String()).Msg("paygate shutting down")
	case err := <-serverErrs:
		appLogger.Error().Err(err).Msg("paygate server error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		appLogger.Error().Err(err).Msg("paygate http shutdown")
	}
	if err := resources.Close(); err != nil {
		appLogger.Error().Err(err).Msg("paygate resource cleanup")
	}
}

// newProxyTransport builds the configured backend transport: a long-lived
// child process speaking line-delimited JSON-RPC, or an HTTP JSON-RPC
// backend reusing the tuned connection-pool client.
func newProxyTransport(cfg *config.Config, appLogger zerolog.Logger) (proxy.Transport, error) {
	switch cfg.Proxy.Transport {
	case "http":
		client := httputil.NewClient(cfg.Proxy.DefaultTimeout.Duration)
		return proxy.NewHTTPTransport(cfg.Proxy.HTTPURL, cfg.Proxy.HTTPHeaders, client), nil
	default:
		return proxy.NewChildProcessTransport(context.Background(), cfg.Proxy.Command, cfg.Proxy.Args, appLogger)
	}
}

func durationsOf(ds []config.Duration) []time.Duration {
	out := make([]time.Duration, len(ds))
	for i, d := range ds {
		out[i] = d.Duration
	}
	return out
}

// watchAutoSuspendEvents drains SpendCapManager's notification channel in
// the background, applying the auto-suspend/auto-resume it decided and
// recording it to the audit log. Returns a stop function.
func watchAutoSuspendEvents(events chan spendcap.AutoSuspendEvent, keys *keystore.Store, auditLog *audit.Log, appLogger zerolog.Logger) func() {
	done := make(chan struct{})
	go func() {
		for ev := range events {
			if ev.Resumed {
				if err := keys.Resume(ev.KeyID); err != nil {
					appLogger.Warn().Err(err).Str("keyId", ev.KeyID).Msg("auto-resume failed")
					continue
				}
				auditLog.Record("key.auto_resumed", "system", "auto-resumed "+ev.KeyID, nil, ev.At)
				continue
			}
			if err := keys.Suspend(ev.KeyID); err != nil {
				appLogger.Warn().Err(err).Str("keyId", ev.KeyID).Msg("auto-suspend failed")
				continue
			}
			auditLog.Record("key.auto_suspended", "system", "auto-suspended "+ev.KeyID, map[string]any{"reason": string(ev.Reason)}, ev.At)
		}
		close(done)
	}()
	return func() {
		close(events)
		<-done
	}
}
