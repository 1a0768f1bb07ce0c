package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"

	gateway "github.com/durinhq/durin/internal"
	"github.com/durinhq/durin/internal/app"
	"github.com/durinhq/durin/internal/auth"
	"github.com/durinhq/durin/internal/cache"
	"github.com/durinhq/durin/internal/catalog"
	"github.com/durinhq/durin/internal/circuitbreaker"
	"github.com/durinhq/durin/internal/cloudauth"
	"github.com/durinhq/durin/internal/config"
	"github.com/durinhq/durin/internal/kv"
	"github.com/durinhq/durin/internal/provider"
	"github.com/durinhq/durin/internal/provider/anthropic"
	"github.com/durinhq/durin/internal/provider/compat"
	"github.com/durinhq/durin/internal/provider/google"
	"github.com/durinhq/durin/internal/provider/openai"
	"github.com/durinhq/durin/internal/ratelimit"
	"github.com/durinhq/durin/internal/server"
	"github.com/durinhq/durin/internal/storage/sqlite"
	"github.com/durinhq/durin/internal/telemetry"
	"github.com/durinhq/durin/internal/tokencount"
	"github.com/durinhq/durin/internal/worker"
)

func run(configPath string) error {
	// Load config
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting durin", "version", version, "addr", cfg.Server.Addr(), "env", cfg.Env)
	if cfg.IsProduction() && cfg.Auth.Secret == "" {
		slog.Warn("AUTH_SECRET is empty in production")
	}

	// Open database
	store, err := sqlite.Open(cfg.Database.DSN, cfg.Database.RunMigrations)
	if err != nil {
		return err
	}
	defer store.Close()

	dsnLog := cfg.Database.DSN
	if i := strings.IndexByte(dsnLog, '?'); i >= 0 {
		dsnLog = dsnLog[:i]
	}
	slog.Info("database opened", "dsn", dsnLog, "migrations", cfg.Database.RunMigrations)

	// Bootstrap from config
	ctx := context.Background()
	if err := config.Bootstrap(ctx, cfg, store); err != nil {
		return err
	}

	// Redis: the log queue and the free-model limiter live here. A dead
	// Redis does not block boot; the limiter fails open and pushes drop.
	rdb := kv.NewClient(cfg.Redis.Addr(), cfg.Redis.Password)
	defer rdb.Close()
	if err := kv.Ping(ctx, rdb, 5*time.Second); err != nil {
		slog.Warn("redis unreachable at boot", "addr", cfg.Redis.Addr(), "error", err)
	} else {
		slog.Info("redis connected", "addr", cfg.Redis.Addr())
	}
	logQueue := kv.NewLogQueue(rdb, kv.DefaultQueueKey)
	freeQuota := ratelimit.NewFreeModelQuota(rdb)
	keyGate := ratelimit.NewSignupBackoff(rdb)

	// Model catalog.
	var catOpts []catalog.Option
	if cfg.Catalog.DefaultModel != "" {
		catOpts = append(catOpts, catalog.WithDefaultModel(cfg.Catalog.DefaultModel))
	}
	if cfg.Catalog.CustomBaseURL != "" {
		catOpts = append(catOpts, catalog.WithCustomBaseURL(cfg.Catalog.CustomBaseURL))
	}
	registry := catalog.New(catOpts...)

	// Shared DNS cache for all provider HTTP clients.
	dnsResolver := &dnscache.Resolver{}
	go func() {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for range t.C {
			dnsResolver.Refresh(true)
		}
	}()

	adapters := registerAdapters(ctx, cfg, registry, dnsResolver)
	slog.Info("providers registered", "count", len(adapters.List()))

	// Wire services
	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())

	apiKeyAuth, err := auth.NewAPIKeyAuth(store)
	if err != nil {
		return err
	}

	router := app.NewRouter(registry, adapters, store, breakers)
	dispatcher := app.NewDispatcher(breakers, cfg.Server.UpstreamTimeout)
	keys := app.NewKeyManager(store)
	tokenCounter := tokencount.NewCounter()

	// Response cache.
	var responseCache server.Cache
	if cfg.Cache.Enabled {
		mc, cacheErr := cache.NewMemory(cfg.Cache.MaxSize, cfg.Cache.DefaultTTL)
		if cacheErr != nil {
			return cacheErr
		}
		responseCache = mc
		slog.Info("response cache enabled",
			"max_size", cfg.Cache.MaxSize,
			"default_ttl", cfg.Cache.DefaultTTL,
		)
	}

	// Prometheus metrics.
	var metrics *telemetry.Metrics
	var metricsHandler http.Handler
	if cfg.Telemetry.Metrics.Enabled {
		promRegistry := prometheus.NewRegistry()
		promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		promRegistry.MustRegister(collectors.NewGoCollector())
		metrics = telemetry.NewMetrics(promRegistry)
		metricsHandler = promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})
		slog.Info("prometheus metrics enabled")
	}

	// OpenTelemetry tracing.
	var tracingShutdown func(context.Context) error
	if cfg.Telemetry.Tracing.Enabled {
		endpoint := cfg.Telemetry.Tracing.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		sampleRate := cfg.Telemetry.Tracing.SampleRate
		if sampleRate == 0 {
			sampleRate = 0.1
		}
		shutdown, err := telemetry.SetupTracing(ctx, endpoint, sampleRate)
		if err != nil {
			slog.Warn("tracing setup failed, continuing without tracing", "error", err)
		} else {
			tracingShutdown = shutdown
			slog.Info("opentelemetry tracing enabled",
				"endpoint", endpoint,
				"sample_rate", sampleRate,
			)
		}
	}

	// Workers: queue drain + credit settlement, and per-minute stats.
	usageWorker := worker.NewUsageWorker(worker.UsageConfig{
		Queue:          logQueue,
		Store:          store,
		Metrics:        metrics,
		BatchSize:      cfg.Billing.BatchSize,
		CreditInterval: cfg.Billing.BatchInterval,
	})
	statsWorker := worker.NewStatsWorker(store, registry, cfg.Stats.Backfill)
	runner := worker.NewRunner(usageWorker, statsWorker)

	// Create HTTP server
	handler := server.New(server.Deps{
		Auth:           apiKeyAuth,
		Router:         router,
		Dispatcher:     dispatcher,
		Keys:           keys,
		Store:          store,
		Registry:       registry,
		Logs:           logQueue,
		FreeQuota:      freeQuota,
		KeyGate:        keyGate,
		Cache:          responseCache,
		TokenCounter:   tokenCounter,
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		Invalidator:    apiKeyAuth,
		RedisPing: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		},
		Version:       version,
		CORSOrigins:   cfg.Server.Origins(),
		HealthTimeout: cfg.Server.HealthTimeout,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	// Start background workers.
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	workerDone := make(chan error, 1)
	go func() {
		workerDone <- runner.Run(workerCtx)
	}()

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("durin ready", "addr", cfg.Server.Addr())

	// Wait for signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		workerCancel()
		return err
	}

	// Shutdown HTTP first so in-flight requests still reach the log queue,
	// then the workers, then the trace exporter.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		workerCancel()
		return err
	}

	workerCancel()
	if err := <-workerDone; err != nil {
		slog.Error("worker shutdown error", "error", err)
	}

	if tracingShutdown != nil {
		if err := tracingShutdown(shutdownCtx); err != nil {
			slog.Error("tracing shutdown error", "error", err)
		}
	}

	slog.Info("durin stopped")
	return nil
}

// registerAdapters builds one adapter per catalog provider. Token-based
// providers share a pooled HTTP client; hosted providers get their own
// client with the signing transport chained in. Hosted entries without
// cloud settings are skipped and stay invisible to routing.
func registerAdapters(ctx context.Context, cfg *config.Config, registry *catalog.Registry, resolver *dnscache.Resolver) *provider.Registry {
	base := provider.NewTransport(resolver, true, 30*time.Second)
	client := &http.Client{Transport: base}
	images := &provider.ImageFetcher{Client: client, AllowHTTP: !cfg.IsProduction()}

	adapters := provider.NewRegistry()
	for _, p := range registry.Providers() {
		if p.Status != gateway.StatusActive {
			slog.Info("provider skipped (inactive)", "id", p.ID)
			continue
		}

		var adapter gateway.Provider
		switch p.Hosting {
		case catalog.HostingVertex:
			if cfg.Cloud.Vertex.Project == "" || cfg.Cloud.Vertex.Region == "" {
				slog.Info("provider skipped (vertex not configured)", "id", p.ID)
				continue
			}
			gcp, err := cloudauth.NewGCPOAuthTransport(ctx, base,
				"https://www.googleapis.com/auth/cloud-platform",
			)
			if err != nil {
				slog.Warn("provider skipped (gcp credentials)", "id", p.ID, "error", err)
				continue
			}
			p.BaseURL = "https://" + cfg.Cloud.Vertex.Region + "-aiplatform.googleapis.com"
			adapter = anthropic.New(p, &http.Client{Transport: gcp},
				anthropic.WithVertex(cfg.Cloud.Vertex.Project, cfg.Cloud.Vertex.Region),
				anthropic.WithImageFetcher(images),
			)

		case catalog.HostingBedrock:
			region := cfg.Cloud.Bedrock.Region
			if region == "" {
				slog.Info("provider skipped (bedrock not configured)", "id", p.ID)
				continue
			}
			awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
			if err != nil {
				slog.Warn("provider skipped (aws credentials)", "id", p.ID, "error", err)
				continue
			}
			sigv4 := cloudauth.NewAWSSigV4Transport(base, awsCfg.Credentials, region, "bedrock-runtime")
			p.BaseURL = "https://bedrock-runtime." + region + ".amazonaws.com"
			adapter = anthropic.New(p, &http.Client{Transport: sigv4},
				anthropic.WithImageFetcher(images),
			)

		default:
			switch p.Family {
			case catalog.FamilyOpenAI:
				adapter = openai.New(p, client)
			case catalog.FamilyAnthropic:
				adapter = anthropic.New(p, client, anthropic.WithImageFetcher(images))
			case catalog.FamilyGoogle:
				adapter = google.New(p, client, google.WithImageFetcher(images))
			default:
				adapter = compat.New(p, client)
			}
		}

		adapters.Register(p.ID, adapter)
		slog.Debug("provider registered", "id", p.ID, "family", p.Family, "hosting", p.Hosting)
	}
	return adapters
}
