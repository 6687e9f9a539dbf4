package main

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/contrib/websocket"
	"go.uber.org/zap"

	"github.com/civic-agent/backend/internal/api/handlers"
	"github.com/civic-agent/backend/internal/cache"
	redisCache "github.com/civic-agent/backend/internal/cache/redis"
	"github.com/civic-agent/backend/internal/executor"
	"github.com/civic-agent/backend/internal/health"
	"github.com/civic-agent/backend/internal/ingestion"
	"github.com/civic-agent/backend/internal/kg/neo4j"
	"github.com/civic-agent/backend/internal/llm"
	"github.com/civic-agent/backend/internal/metrics"
	rateLimitMiddleware "github.com/civic-agent/backend/internal/middleware/ratelimit"
	"github.com/civic-agent/backend/internal/middleware/security"
	"github.com/civic-agent/backend/internal/middleware/validation"
	"github.com/civic-agent/backend/internal/orchestrator"
	"github.com/civic-agent/backend/internal/provider"
	"github.com/civic-agent/backend/internal/ratelimit"
	"github.com/civic-agent/backend/internal/search/web"
	"github.com/civic-agent/backend/internal/storage/sqlite"
	"github.com/civic-agent/backend/internal/vector/zilliz"
	"github.com/civic-agent/backend/pkg/circuitbreaker"
	"github.com/civic-agent/backend/pkg/config"
	appLogger "github.com/civic-agent/backend/pkg/logger"
)

const embeddingTTL = 24 * time.Hour

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting Civic Agent API Server")
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	err = sqliteClient.InitSchema()
	if err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	monitor := health.NewMonitor(health.Config{
		UnhealthyAfter: cfg.Health.UnhealthyAfter,
		HealthyAfter:   cfg.Health.HealthyAfter,
		Critical:       cfg.Health.Critical,
		ProbeInterval:  time.Duration(cfg.Health.ProbeIntervalSec) * time.Second,
		ProbeTimeout:   time.Duration(cfg.Health.ProbeTimeoutSec) * time.Second,
		Store:          sqliteClient,
		Logger:         appLogger.Named("health"),
	})
	if err := monitor.Restore(); err != nil {
		appLogger.Warn("Failed to restore health snapshots", zap.Error(err))
	}
	monitor.Track(health.ServiceGeneration, health.ServiceRetrieval, health.ServiceCache, health.ServiceNetwork)

	// Response cache, optionally shared through redis.
	var (
		backend     cache.Backend
		redisClient *redisCache.Client
	)
	if cfg.Redis.Enabled {
		redisClient, err = redisCache.NewClient(ctx, cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			appLogger.Warn("Redis unavailable, using local cache only", zap.Error(err))
		} else {
			defer redisClient.Close()
			backend = redisClient
		}
	}

	responseCache, err := cache.New(cache.Config{
		MaxSize:             cfg.Cache.MaxSize,
		TTL:                 time.Duration(cfg.Cache.TTLSec) * time.Second,
		SimilarityThreshold: cfg.Cache.SimilarityThreshold,
		Backend:             backend,
		Logger:              appLogger.Named("cache"),
	})
	if err != nil {
		appLogger.Fatal("Failed to create response cache", zap.Error(err))
	}

	// Providers.
	llmClient := llm.NewClient(llm.Config{
		APIKey:         cfg.LLM.APIKey,
		BaseURL:        cfg.LLM.BaseURL,
		Model:          cfg.LLM.Model,
		EmbeddingModel: cfg.LLM.EmbeddingModel,
		Temperature:    cfg.LLM.Temperature,
		MaxTokens:      cfg.LLM.MaxTokens,
	})
	var embedder provider.Embedder = llmClient
	if redisClient != nil {
		embedder = &llm.CachedEmbedder{Embedder: llmClient, Store: redisClient, TTL: embeddingTTL}
	}

	zillizClient, err := zilliz.NewClient(ctx,
		cfg.Zilliz.Endpoint,
		cfg.Zilliz.APIKey,
		cfg.Zilliz.CollectionName,
		cfg.Zilliz.VectorDim,
	)
	if err != nil {
		appLogger.Fatal("Failed to create Zilliz client", zap.Error(err))
	}
	defer zillizClient.Close()

	err = zillizClient.EnsureCollection(ctx)
	if err != nil {
		appLogger.Fatal("Failed to ensure collection", zap.Error(err))
	}

	retrievers := map[provider.Namespace]provider.Retriever{
		provider.NamespaceLegal: zillizClient,
		provider.NamespaceNews:  zillizClient,
	}

	if cfg.Neo4j.Enabled {
		neo4jClient, err := neo4j.NewClient(ctx,
			cfg.Neo4j.URI,
			cfg.Neo4j.Username,
			cfg.Neo4j.Password,
			cfg.Neo4j.Database,
		)
		if err != nil {
			appLogger.Warn("Neo4j unavailable, graph namespace disabled", zap.Error(err))
		} else {
			defer neo4jClient.Close(context.Background())
			retrievers[provider.NamespaceGraph] = neo4jClient
			monitor.Track(health.ServiceGraph)
			monitor.RegisterProbe(health.ServiceGraph, neo4jClient.Ping)
		}
	}

	if cfg.Search.Enabled && cfg.Search.SerpAPIKey != "" {
		webClient := web.NewClient(web.Config{
			SerpAPIKey: cfg.Search.SerpAPIKey,
			Sites:      cfg.Search.Sites,
			MaxResults: cfg.Search.MaxResults,
			Scrape:     cfg.Search.Scrape,
			Timeout:    time.Duration(cfg.Search.TimeoutSec) * time.Second,
		})
		retrievers[provider.NamespaceWeb] = webClient
		monitor.Track(health.ServiceWebSearch)
		monitor.RegisterProbe(health.ServiceWebSearch, webClient.Ping)
	}

	// Probes for dependencies the pipeline stops calling while they are down.
	monitor.RegisterProbe(health.ServiceGeneration, llmClient.Ping)
	monitor.RegisterProbe(health.ServiceRetrieval, zillizClient.Ping)
	monitor.RegisterProbe(health.ServiceNetwork, dialProbe(cfg.LLM.BaseURL))
	monitor.RegisterProbe(health.ServiceCache, func(ctx context.Context) error {
		if redisClient == nil {
			return nil
		}
		return redisClient.Ping(ctx)
	})
	if err := monitor.Start(ctx); err != nil {
		appLogger.Fatal("Failed to start health monitor", zap.Error(err))
	}
	defer monitor.Stop()

	// Resilience.
	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{
		FailureThreshold: uint32(cfg.Breaker.FailureThreshold),
		OpenDuration:     time.Duration(cfg.Breaker.OpenDurationSec) * time.Second,
		Logger:           appLogger.Named("breaker"),
	})

	limits, err := ratelimit.NewRegistry(ratelimit.RegistryConfig{
		Sessions:       windows(cfg.RateLimit.Session),
		Targets:        targetWindows(cfg.RateLimit.Targets),
		MaxIdentifiers: cfg.RateLimit.MaxIdentifiers,
		Logger:         appLogger.Named("ratelimit"),
	})
	if err != nil {
		appLogger.Fatal("Failed to create rate limiters", zap.Error(err))
	}

	exec := executor.New(executor.Config{
		MaxConcurrency:    cfg.Executor.MaxConcurrency,
		DefaultTimeout:    time.Duration(cfg.Executor.CallTimeoutMS) * time.Millisecond,
		DefaultMaxRetries: cfg.Executor.MaxRetries,
		DefaultBackoff: executor.Backoff{
			Initial:    time.Duration(cfg.Executor.InitialBackoffMS) * time.Millisecond,
			Max:        time.Duration(cfg.Executor.MaxBackoffMS) * time.Millisecond,
			Multiplier: cfg.Executor.BackoffFactor,
			Jitter:     cfg.Executor.Jitter,
		},
		Breakers: breakers,
		Health:   monitor,
		Limits:   limits,
		Logger:   appLogger.Named("executor"),
	})

	engine, err := orchestrator.New(orchestrator.Config{
		RequestTimeout:    time.Duration(cfg.Pipeline.RequestTimeoutMS) * time.Millisecond,
		EmbedTimeout:      time.Duration(cfg.Pipeline.EmbedTimeoutMS) * time.Millisecond,
		DefaultTopK:       cfg.Pipeline.DefaultTopK,
		ConfidenceFloor:   cfg.Pipeline.ConfidenceFloor,
		ValidationPenalty: cfg.Pipeline.ValidationPenalty,
		DefaultPersona:    orchestrator.Persona(cfg.Pipeline.DefaultPersona),
		MinEvidence:       cfg.Pipeline.MinEvidence,
		MaxTokens:         cfg.LLM.MaxTokens,
	}, orchestrator.Deps{
		Executor:   exec,
		Cache:      responseCache,
		Health:     monitor,
		Generator:  llmClient,
		Embedder:   embedder,
		Retrievers: retrievers,
		Store:      sqliteClient,
		Logger:     appLogger.Named("orchestrator"),
	})
	if err != nil {
		appLogger.Fatal("Failed to create orchestrator", zap.Error(err))
	}

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: joinOrigins(cfg.Server.AllowedOrigins),
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Session-ID, X-User-ID",
		AllowMethods: "GET, POST, DELETE, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		IsDevelopment:  cfg.Server.Development,
	}))

	app.Get("/metrics", metrics.MetricsHandler())

	queryHandler := handlers.NewQueryHandler(engine, sqliteClient)
	statusHandler := handlers.NewStatusHandler(monitor, breakers, responseCache, limits)
	wsHandler := handlers.NewWebSocketHandler(engine, limits.Sessions())
	documentHandler := handlers.NewDocumentHandler(ingestion.NewProcessor(zillizClient, embedder))

	api := app.Group("/api/v1")
	api.Get("/health", statusHandler.Health)
	api.Get("/ready", statusHandler.Ready)

	admin := api.Group("/admin")
	admin.Delete("/cache", statusHandler.ClearCache)
	admin.Post("/ratelimit/reset", statusHandler.ResetRateLimit)
	admin.Post("/documents", documentHandler.UploadDocument)

	sessionLimit := rateLimitMiddleware.Middleware(rateLimitMiddleware.Config{
		Limiter: limits.Sessions(),
		Logger:  appLogger.Named("ratelimit"),
	})
	screenQuery := validation.Middleware(validation.Config{
		MaxQueryLength: 2000,
		QueryPaths:     []string{"/api/v1/query"},
		Logger:         appLogger.Named("validation"),
	})

	api.Post("/query", sessionLimit, screenQuery, queryHandler.HandleQuery)
	api.Get("/query/history", sessionLimit, queryHandler.GetQueryHistory)
	api.Get("/query/:id/sources", sessionLimit, queryHandler.GetQuerySources)
	api.Post("/query/:id/feedback", sessionLimit, screenQuery, queryHandler.SubmitFeedback)

	api.Get("/ws", sessionLimit, func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals(handlers.IdentityKey, rateLimitMiddleware.Identity(c))
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}, websocket.New(wsHandler.HandleConnection))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	<-ctx.Done()

	appLogger.Info("Server shutting down gracefully...")
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		appLogger.Warn("Server shutdown incomplete", zap.Error(err))
	}
	appLogger.Info("Server stopped")
}

func windows(cfgs []config.WindowConfig) []ratelimit.Window {
	out := make([]ratelimit.Window, 0, len(cfgs))
	for _, w := range cfgs {
		out = append(out, ratelimit.Window{Capacity: w.Capacity, Period: time.Duration(w.WindowSec) * time.Second})
	}
	return out
}

func targetWindows(cfgs map[string][]config.WindowConfig) map[string][]ratelimit.Window {
	out := make(map[string][]ratelimit.Window, len(cfgs))
	for target, ws := range cfgs {
		out[target] = windows(ws)
	}
	return out
}

func joinOrigins(origins []string) string {
	if len(origins) == 0 {
		return "*"
	}
	out := origins[0]
	for _, o := range origins[1:] {
		out += ", " + o
	}
	return out
}

// dialProbe checks outbound connectivity by opening a TCP connection to the
// LLM endpoint.
func dialProbe(baseURL string) health.Probe {
	host := "api.openai.com:443"
	if u, err := url.Parse(baseURL); err == nil && u.Host != "" {
		host = u.Host
		if u.Port() == "" {
			port := "443"
			if u.Scheme == "http" {
				port = "80"
			}
			host = net.JoinHostPort(u.Hostname(), port)
		}
	}

	return func(ctx context.Context) error {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", host)
		if err != nil {
			return err
		}
		return conn.Close()
	}
}
