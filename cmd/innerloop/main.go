// innerloop server is the event-driven backbone of the conversational
// psychology product: session coordination, two-phase answer analysis,
// profile evolution, coach dossiers and pipeline monitoring.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/innerloop-ai/innerloop/pkg/airouter"
	"github.com/innerloop-ai/innerloop/pkg/analysis"
	"github.com/innerloop-ai/innerloop/pkg/api"
	"github.com/innerloop-ai/innerloop/pkg/bus"
	"github.com/innerloop-ai/innerloop/pkg/catalog"
	"github.com/innerloop-ai/innerloop/pkg/coach"
	"github.com/innerloop-ai/innerloop/pkg/config"
	"github.com/innerloop-ai/innerloop/pkg/llm"
	"github.com/innerloop-ai/innerloop/pkg/monitor"
	"github.com/innerloop-ai/innerloop/pkg/outbox"
	"github.com/innerloop-ai/innerloop/pkg/profile"
	"github.com/innerloop-ai/innerloop/pkg/service"
	"github.com/innerloop-ai/innerloop/pkg/sessions"
	"github.com/innerloop-ai/innerloop/pkg/storage"
	"github.com/innerloop-ai/innerloop/pkg/vector"
	"github.com/innerloop-ai/innerloop/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolveConsumerName identifies this replica inside consumer groups.
// Priority: POD_ID env > HOSTNAME env > "local".
func resolveConsumerName() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

// pruneTiers drops chain entries whose provider has no configured client,
// so a single-key deployment still routes. A complexity losing its whole
// premium chain is an error.
func pruneTiers(tiers airouter.Tiers, available map[string]bool) (airouter.Tiers, error) {
	keep := func(specs []airouter.ModelSpec) []airouter.ModelSpec {
		var out []airouter.ModelSpec
		for _, s := range specs {
			if available[s.Provider] {
				out = append(out, s)
			}
		}
		return out
	}

	out := make(airouter.Tiers, len(tiers))
	for complexity, set := range tiers {
		pruned := airouter.ChainSet{Premium: keep(set.Premium), Free: keep(set.Free)}
		if len(pruned.Premium) == 0 {
			return nil, fmt.Errorf("complexity %s has no model with a configured API key", complexity)
		}
		out[complexity] = pruned
	}
	return out, nil
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./config"),
		"Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	consumerName := resolveConsumerName()
	slog.Info("Starting innerloop",
		"version", version.Full(),
		"consumer_name", consumerName,
		"config_dir", *configDir)

	ctx := context.Background()
	logger := slog.Default()

	// 1. Configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Postgres (runs embedded migrations)
	dbClient, err := storage.NewClient(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	// 3. Redis and the event bus
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() {
		if err := rdb.Close(); err != nil {
			slog.Error("Error closing redis client", "error", err)
		}
	}()
	eventBus := bus.New(rdb, cfg.Bus)
	if err := eventBus.Ping(ctx); err != nil {
		slog.Error("Failed to reach Redis", "addr", cfg.Redis.Addr, "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to Redis", "addr", cfg.Redis.Addr)

	// 4. Outbox relay and cleaner
	relay := outbox.NewRelay(dbClient.DB(), eventBus, cfg.Relay, logger)
	cleaner := outbox.NewCleaner(dbClient.DB(), cfg.Cleaner, logger)

	// 5. Model clients and the router
	var clients []llm.Client
	available := make(map[string]bool)
	if cfg.Models.AnthropicAPIKey != "" {
		c, err := llm.NewAnthropicFromAPIKey(cfg.Models.AnthropicAPIKey)
		if err != nil {
			slog.Error("Failed to build Anthropic client", "error", err)
			os.Exit(1)
		}
		clients = append(clients, c)
		available[c.Provider()] = true
	}
	if cfg.Models.OpenAIAPIKey != "" {
		c, err := llm.NewOpenAIFromAPIKey(cfg.Models.OpenAIAPIKey)
		if err != nil {
			slog.Error("Failed to build OpenAI client", "error", err)
			os.Exit(1)
		}
		clients = append(clients, c)
		available[c.Provider()] = true
	}

	cfg.Router.Tiers, err = pruneTiers(cfg.Router.Tiers, available)
	if err != nil {
		slog.Error("Unusable model tier table", "error", err)
		os.Exit(1)
	}
	router, err := airouter.New(clients, cfg.Router, logger)
	if err != nil {
		slog.Error("Failed to build AI router", "error", err)
		os.Exit(1)
	}
	slog.Info("AI router initialized", "providers", len(clients))

	var embedder llm.Embedder
	if cfg.Models.OpenAIAPIKey != "" {
		embedder, err = llm.NewOpenAIEmbedderFromAPIKey(cfg.Models.OpenAIAPIKey, cfg.Models.EmbeddingModel)
		if err != nil {
			slog.Error("Failed to build embedder", "error", err)
			os.Exit(1)
		}
	} else {
		slog.Warn("No OpenAI key, vectorization lane disabled")
	}

	// 6. Repositories and collaborators
	sessionRepo := storage.NewSessionRepo(dbClient.DB())
	analysisRepo := storage.NewAnalysisRepo(dbClient.DB())
	profileRepo := storage.NewProfileRepo(dbClient.DB())
	traitRepo := storage.NewTraitRepo(dbClient.DB())
	questionRepo := storage.NewQuestionRepo(dbClient.DB())
	storyRepo := storage.NewStoryRepo(dbClient.DB())
	vectorStore := vector.NewRedisStore(rdb)

	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		slog.Error("Failed to load question catalog", "path", cfg.CatalogPath, "error", err)
		os.Exit(1)
	}
	for _, q := range cat.All() {
		if err := questionRepo.Sync(ctx, q); err != nil {
			slog.Error("Failed to sync question metadata", "question_id", q.ID, "error", err)
			os.Exit(1)
		}
	}
	slog.Info("Question catalog loaded", "questions", cat.Len(), "path", cfg.CatalogPath)

	// 7. Domain services
	dossierCache := coach.NewRedisCache(rdb)
	assembler := coach.New(profileRepo, sessionRepo, router, dossierCache, cfg.Coach, logger)
	writer := profile.New(profileRepo, traitRepo, eventBus, assembler, cfg.Profile, logger)

	pipeline, err := analysis.New(router, eventBus, analysisRepo, embedder, vectorStore, writer, cfg.Analysis, logger)
	if err != nil {
		slog.Error("Failed to build analysis pipeline", "error", err)
		os.Exit(1)
	}

	coordinator := sessions.New(sessionRepo, questionRepo, cat, cfg.Sessions, logger)
	sweeper := sessions.NewSweeper(sessionRepo, cfg.Sessions, logger)

	// 8. Consumers: sessions and analysis both read user.answer.submitted
	// through their own groups; profile reads trait.extracted.
	sessionsConsumer := bus.NewConsumer(eventBus, bus.DefaultConsumerConfig("sessions", consumerName))
	sessionsConsumer.Handle(bus.EventTypeAnswerSubmitted, coordinator.HandleAnswer)

	analysisConsumer := bus.NewConsumer(eventBus, bus.DefaultConsumerConfig("analysis", consumerName))
	analysisConsumer.Handle(bus.EventTypeAnswerSubmitted, pipeline.HandleAnswer)

	profileConsumer := bus.NewConsumer(eventBus, bus.DefaultConsumerConfig("profile", consumerName))
	profileConsumer.Handle(bus.EventTypeTraitExtracted, writer.HandleTraitExtracted)

	// 9. Monitoring
	promReg := prometheus.NewRegistry()
	metrics := monitor.NewMetrics(promReg)
	dispatcher := monitor.NewDispatcher(metrics, logger)

	var telegram *monitor.TelegramAlerter
	if cfg.Monitoring.AlertsEnabled {
		if len(cfg.Monitoring.Telegram.AdminIDs) > 0 && cfg.Monitoring.Telegram.BotToken != "" {
			telegram = monitor.NewTelegramAlerter(cfg.Monitoring.Telegram, logger)
			dispatcher.Register(telegram)
			slog.Info("Telegram alerter enabled", "admins", len(cfg.Monitoring.Telegram.AdminIDs))
		}
		if cfg.Monitoring.Slack.Enabled {
			dispatcher.Register(monitor.NewSlackNotifier(
				cfg.Monitoring.Slack.Token, cfg.Monitoring.Slack.Channel))
			slog.Info("Slack notifier enabled", "channel", cfg.Monitoring.Slack.Channel)
		}
	}

	collector := monitor.NewCollector(analysisRepo, relay, rdb, cfg.Monitoring.Monitor.Window)
	mon := monitor.New(collector, analysisRepo, dispatcher, metrics, cfg.Monitoring.Monitor, logger)
	mon.AddHealthCheck("database", func(ctx context.Context) error {
		return dbClient.DB().PingContext(ctx)
	})
	mon.AddHealthCheck("redis", func(ctx context.Context) error {
		return eventBus.Ping(ctx)
	})

	var autoRetry *monitor.AutoRetry
	if cfg.Monitoring.AutoRetryEnabled {
		resolver := &monitor.SourceTexts{Answers: sessionRepo, Stories: storyRepo}
		autoRetry = monitor.NewAutoRetry(analysisRepo, pipeline, resolver, metrics,
			cfg.Monitoring.AutoRetry, logger)
	}

	// 10. Service runtime: runners start in order, stop in reverse.
	svc := service.New("innerloop", cfg.Router.BreakerDefaults, logger)
	svc.AddRunner("outbox-relay", service.RunnerFunc{
		StartFn: func(ctx context.Context) error { relay.Start(ctx); return nil },
		StopFn:  relay.Stop,
	})
	svc.AddRunner("outbox-cleaner", service.RunnerFunc{
		StartFn: func(ctx context.Context) error { cleaner.Start(ctx); return nil },
		StopFn:  cleaner.Stop,
	})
	svc.AddRunner("sessions-consumer", sessionsConsumer)
	svc.AddRunner("analysis-consumer", analysisConsumer)
	svc.AddRunner("profile-consumer", profileConsumer)
	svc.AddRunner("session-sweeper", sweeper)
	svc.AddRunner("pipeline-monitor", mon)
	if autoRetry != nil {
		svc.AddRunner("auto-retry", autoRetry)
	}

	svc.AddCheck("database", func(ctx context.Context) service.HealthReport {
		if _, err := storage.Health(ctx, dbClient.DB()); err != nil {
			return service.HealthReport{Level: service.Unhealthy, Detail: err.Error()}
		}
		return service.HealthReport{Level: service.Healthy}
	})
	svc.AddCheck("redis", func(ctx context.Context) service.HealthReport {
		if err := eventBus.Ping(ctx); err != nil {
			return service.HealthReport{Level: service.Unhealthy, Detail: err.Error()}
		}
		return service.HealthReport{Level: service.Healthy}
	})
	svc.AddCheck("models", func(_ context.Context) service.HealthReport {
		switch router.HealthLevel() {
		case 0:
			return service.HealthReport{Level: service.Healthy}
		case 1:
			return service.HealthReport{Level: service.Degraded, Detail: "some model chains degraded"}
		default:
			return service.HealthReport{Level: service.Unhealthy, Detail: "no model available"}
		}
	})

	apiServer := api.New(cfg.ServerAddr, svc, mon, svc.Breakers(), promReg, logger)
	apiServer.AddConsumer("sessions", sessionsConsumer)
	apiServer.AddConsumer("analysis", analysisConsumer)
	apiServer.AddConsumer("profile", profileConsumer)
	svc.AddRunner("api", apiServer)

	// 11. Run until SIGTERM/SIGINT, then stop runners in reverse order.
	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	slog.Info("innerloop started successfully")
	if err := service.Run(runCtx, svc); err != nil && runCtx.Err() == nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}

	// Deliver alerts buffered inside the group window before exiting.
	if telegram != nil {
		telegram.Flush()
	}

	// Give the HTTP listener's final responses a moment to drain.
	time.Sleep(100 * time.Millisecond)
	slog.Info("Shutdown complete")
}
