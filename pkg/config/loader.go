package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/innerloop-ai/innerloop/pkg/airouter"
	"github.com/innerloop-ai/innerloop/pkg/analysis"
	"github.com/innerloop-ai/innerloop/pkg/bus"
	"github.com/innerloop-ai/innerloop/pkg/coach"
	"github.com/innerloop-ai/innerloop/pkg/monitor"
	"github.com/innerloop-ai/innerloop/pkg/outbox"
	"github.com/innerloop-ai/innerloop/pkg/profile"
	"github.com/innerloop-ai/innerloop/pkg/retry"
	"github.com/innerloop-ai/innerloop/pkg/sessions"
	"github.com/innerloop-ai/innerloop/pkg/storage"
)

// Load failures callers branch on.
var (
	ErrInvalidYAML = errors.New("invalid YAML")
)

// ConfigFileName is the expected file name inside the config directory.
const ConfigFileName = "innerloop.yaml"

// Initialize loads, resolves and validates configuration.
//
// Steps performed:
//  1. Read innerloop.yaml from configDir (a missing file is tolerated; the
//     environment then carries everything)
//  2. Expand environment variables using {{.VAR}} template syntax
//  3. Parse YAML
//  4. Resolve each section: built-in defaults, then §6 environment
//     fallbacks, then YAML overrides
//  5. Validate the result
func Initialize(_ context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	raw, err := loadYAML(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	cfg, err := resolve(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized successfully",
		"tiers", len(cfg.Router.Tiers),
		"alerts_enabled", cfg.Monitoring.AlertsEnabled,
		"auto_retry_enabled", cfg.Monitoring.AutoRetryEnabled)
	return cfg, nil
}

func loadYAML(configDir string) (*InnerloopYAMLConfig, error) {
	var raw InnerloopYAMLConfig

	path := filepath.Join(configDir, ConfigFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Warn("Config file not found, using environment and defaults", "path", path)
			return &raw, nil
		}
		return nil, err
	}

	data = ExpandEnv(data)
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	return &raw, nil
}

func resolve(raw *InnerloopYAMLConfig) (*Config, error) {
	cfg := &Config{
		Database:    resolveDatabase(raw.Database),
		Redis:       resolveRedis(raw.Redis),
		Bus:         resolveBus(raw.Bus),
		Relay:       resolveRelay(raw.Outbox),
		Cleaner:     resolveCleaner(raw.Outbox),
		Models:      resolveModels(raw.Models),
		Router:      resolveRouter(raw.Models),
		Analysis:    resolveAnalysis(raw.Analysis),
		Sessions:    resolveSessions(raw.Sessions),
		Profile:     resolveProfile(raw.Profile),
		Coach:       resolveCoach(raw.Coach),
		Checkins:    resolveCheckins(raw.Coach),
		CatalogPath: resolveCatalogPath(raw.Catalog),
		ServerAddr:  resolveServerAddr(raw.Server),
	}
	cfg.Monitoring = resolveMonitoring(raw.Monitoring)

	tokenEnv := "TELEGRAM_BOT_TOKEN"
	if raw.Monitoring != nil && raw.Monitoring.Telegram != nil && raw.Monitoring.Telegram.BotTokenEnv != "" {
		tokenEnv = raw.Monitoring.Telegram.BotTokenEnv
	}
	cfg.TelegramBotToken = os.Getenv(tokenEnv)
	cfg.Monitoring.Telegram.BotToken = cfg.TelegramBotToken

	return cfg, nil
}

// resolveDatabase starts from the DB_* environment (storage defaults) and
// lets YAML override non-zero fields.
func resolveDatabase(db *DatabaseYAML) storage.Config {
	cfg, err := storage.LoadConfigFromEnv()
	if err != nil {
		slog.Warn("Invalid database environment, using defaults", "error", err)
	}
	if db == nil {
		return cfg
	}
	if db.Host != "" {
		cfg.Host = db.Host
	}
	if db.Port > 0 {
		cfg.Port = db.Port
	}
	if db.User != "" {
		cfg.User = db.User
	}
	if db.Password != "" {
		cfg.Password = db.Password
	}
	if db.Name != "" {
		cfg.Database = db.Name
	}
	if db.SSLMode != "" {
		cfg.SSLMode = db.SSLMode
	}
	if db.MaxOpenConns > 0 {
		cfg.MaxOpenConns = db.MaxOpenConns
	}
	if db.MaxIdleConns > 0 {
		cfg.MaxIdleConns = db.MaxIdleConns
	}
	cfg.ConnMaxLifetime = duration(db.ConnMaxLifetime, cfg.ConnMaxLifetime, "database.conn_max_lifetime")
	cfg.ConnMaxIdleTime = duration(db.ConnMaxIdleTime, cfg.ConnMaxIdleTime, "database.conn_max_idle_time")
	return cfg
}

func resolveRedis(r *RedisYAML) RedisConfig {
	cfg := RedisConfig{Addr: getEnv("REDIS_ADDR", "localhost:6379")}
	if r == nil {
		return cfg
	}
	if r.Addr != "" {
		cfg.Addr = r.Addr
	}
	cfg.Password = r.Password
	cfg.DB = r.DB
	return cfg
}

func resolveBus(b *bus.Config) bus.Config {
	cfg := bus.DefaultConfig()
	if b == nil {
		return cfg
	}
	if err := mergo.Merge(&cfg, *b, mergo.WithOverride); err != nil {
		slog.Warn("Failed to merge bus config, using defaults", "error", err)
		return bus.DefaultConfig()
	}
	return cfg
}

func resolveRelay(o *OutboxYAML) outbox.RelayConfig {
	var cfg outbox.RelayConfig
	if o == nil || o.Relay == nil {
		return cfg
	}
	r := o.Relay
	cfg.BatchSize = r.BatchSize
	cfg.PollInterval = duration(r.PollInterval, 0, "outbox.relay.poll_interval")
	cfg.MaxRetries = r.MaxRetries
	cfg.BackoffBase = r.BackoffBase
	return cfg
}

func resolveCleaner(o *OutboxYAML) outbox.CleanerConfig {
	var cfg outbox.CleanerConfig
	if o == nil || o.Cleaner == nil {
		return cfg
	}
	c := o.Cleaner
	cfg.Interval = duration(c.Interval, 0, "outbox.cleaner.interval")
	cfg.PublishedRetention = duration(c.PublishedRetention, 0, "outbox.cleaner.published_retention")
	cfg.FailedRetention = duration(c.FailedRetention, 0, "outbox.cleaner.failed_retention")
	return cfg
}

func resolveModels(m *ModelsYAML) ModelsConfig {
	anthropicEnv, openaiEnv := "ANTHROPIC_API_KEY", "OPENAI_API_KEY"
	embedding := DefaultEmbeddingModel
	if m != nil {
		if m.AnthropicKeyEnv != "" {
			anthropicEnv = m.AnthropicKeyEnv
		}
		if m.OpenAIKeyEnv != "" {
			openaiEnv = m.OpenAIKeyEnv
		}
		if m.EmbeddingModel != "" {
			embedding = m.EmbeddingModel
		}
	}
	return ModelsConfig{
		AnthropicAPIKey: os.Getenv(anthropicEnv),
		OpenAIAPIKey:    os.Getenv(openaiEnv),
		EmbeddingModel:  embedding,
	}
}

func resolveRouter(m *ModelsYAML) airouter.Config {
	cfg := airouter.Config{
		Tiers: BuiltinTiers(),
		Retry: retry.DefaultPolicy(),
	}
	if m == nil {
		return cfg
	}
	for name, set := range m.Tiers {
		cfg.Tiers[airouter.Complexity(name)] = set
	}
	if r := m.Retry; r != nil {
		if r.MaxAttempts > 0 {
			cfg.Retry.MaxAttempts = r.MaxAttempts
		}
		cfg.Retry.BaseDelay = duration(r.BaseDelay, cfg.Retry.BaseDelay, "models.retry.base_delay")
		if r.Multiplier > 0 {
			cfg.Retry.Multiplier = r.Multiplier
		}
		cfg.Retry.MaxDelay = duration(r.MaxDelay, cfg.Retry.MaxDelay, "models.retry.max_delay")
		if r.Jitter != nil {
			cfg.Retry.Jitter = *r.Jitter
		}
	}
	if b := m.Breaker; b != nil {
		cfg.BreakerDefaults.FailureThreshold = b.FailureThreshold
		cfg.BreakerDefaults.SuccessThreshold = b.SuccessThreshold
		cfg.BreakerDefaults.BaseTimeout = duration(b.BaseTimeout, 0, "models.breaker.base_timeout")
		cfg.BreakerDefaults.TimeoutMultiplier = b.TimeoutMultiplier
		cfg.BreakerDefaults.MaxTimeout = duration(b.MaxTimeout, 0, "models.breaker.max_timeout")
	}
	return cfg
}

func resolveAnalysis(a *AnalysisYAML) analysis.Config {
	var cfg analysis.Config
	if a == nil {
		return cfg
	}
	cfg.InstantTimeout = duration(a.InstantTimeout, 0, "analysis.instant_timeout")
	cfg.DeepTimeout = duration(a.DeepTimeout, 0, "analysis.deep_timeout")
	cfg.UserTier = airouter.UserTier(a.UserTier)
	return cfg
}

func resolveSessions(s *SessionsYAML) sessions.Config {
	cfg := sessions.DefaultConfig()
	if s == nil {
		return cfg
	}
	if s.MaxQuestions > 0 {
		cfg.MaxQuestions = s.MaxQuestions
	}
	if s.FatigueHeavyCount > 0 {
		cfg.FatigueHeavyCount = s.FatigueHeavyCount
	}
	cfg.IdleTimeout = duration(s.IdleTimeout, cfg.IdleTimeout, "sessions.idle_timeout")
	cfg.SweepInterval = duration(s.SweepInterval, cfg.SweepInterval, "sessions.sweep_interval")
	if s.SweepBatch > 0 {
		cfg.SweepBatch = s.SweepBatch
	}
	return cfg
}

func resolveProfile(p *ProfileYAML) profile.Config {
	cfg := profile.DefaultConfig()
	if p == nil {
		return cfg
	}
	if p.SignificanceThreshold > 0 {
		cfg.SignificanceThreshold = p.SignificanceThreshold
	}
	if len(p.TraitThresholds) > 0 {
		cfg.TraitThresholds = p.TraitThresholds
	}
	if p.PatternWindow > 0 {
		cfg.PatternWindow = p.PatternWindow
	}
	return cfg
}

func resolveCoach(c *CoachYAML) coach.Config {
	cfg := coach.DefaultConfig()
	if c == nil {
		return cfg
	}
	cfg.CacheTTL = duration(c.CacheTTL, cfg.CacheTTL, "coach.cache_ttl")
	if c.RecentAnswers > 0 {
		cfg.RecentAnswers = c.RecentAnswers
	}
	if c.TopN > 0 {
		cfg.TopN = c.TopN
	}
	return cfg
}

func resolveCheckins(c *CoachYAML) coach.CheckinConfig {
	cfg := coach.DefaultCheckinConfig()
	if c == nil || c.Checkins == nil {
		return cfg
	}
	ch := c.Checkins
	cfg.GoalsAfter = duration(ch.GoalsAfter, cfg.GoalsAfter, "coach.checkins.goals_after")
	cfg.BarriersAfter = duration(ch.BarriersAfter, cfg.BarriersAfter, "coach.checkins.barriers_after")
	cfg.ValuesAfter = duration(ch.ValuesAfter, cfg.ValuesAfter, "coach.checkins.values_after")
	if ch.SessionsWithout > 0 {
		cfg.SessionsWithout = ch.SessionsWithout
	}
	if ch.MaxPerBatch > 0 {
		cfg.MaxPerBatch = ch.MaxPerBatch
	}
	return cfg
}

func resolveCatalogPath(c *CatalogYAML) string {
	if c != nil && c.Path != "" {
		return c.Path
	}
	return getEnv("CATALOG_PATH", "config/questions.yaml")
}

func resolveServerAddr(s *ServerYAML) string {
	if s != nil && s.Addr != "" {
		return s.Addr
	}
	return getEnv("SERVER_ADDR", ":8080")
}

// resolveMonitoring layers built-in defaults, then the monitoring
// environment switches, then YAML.
func resolveMonitoring(m *MonitoringYAML) MonitoringConfig {
	cfg := MonitoringConfig{
		AlertsEnabled:    envBool("ALERTS_ENABLED", true),
		Monitor:          monitor.DefaultConfig(),
		Telegram:         monitor.DefaultTelegramConfig(),
		AutoRetryEnabled: envBool("AUTO_RETRY_ENABLED", true),
		AutoRetry:        monitor.DefaultRetryConfig(),
	}
	cfg.Slack = SlackConfig{Token: os.Getenv("SLACK_BOT_TOKEN")}

	// §6 environment fallbacks.
	if v := envInt64("SLOW_THRESHOLD_MS", 0); v > 0 {
		cfg.Monitor.SlowThresholdMs = v
	}
	if v := envInt("STUCK_THRESHOLD_SEC", 0); v > 0 {
		cfg.Monitor.StuckThreshold = time.Duration(v) * time.Second
	}
	if v := envFloat("FAILURE_THRESHOLD", 0); v > 0 {
		cfg.Monitor.FailureThreshold = v
	}
	if v := envInt("ALERT_MAX_PER_TYPE", 0); v > 0 {
		cfg.Telegram.MaxPerType = v
	}
	if v := envInt("ALERT_WINDOW_MINUTES", 0); v > 0 {
		cfg.Telegram.RateWindow = time.Duration(v) * time.Minute
	}
	if v := os.Getenv("ALERT_GROUP_WINDOW"); v != "" {
		cfg.Telegram.GroupWindow = duration(v, cfg.Telegram.GroupWindow, "ALERT_GROUP_WINDOW")
	}
	if ids := parseAdminIDs(os.Getenv("MONITORING_ADMIN_IDS")); len(ids) > 0 {
		cfg.Telegram.AdminIDs = ids
	}

	if m == nil {
		return cfg
	}
	if m.AlertsEnabled != nil {
		cfg.AlertsEnabled = *m.AlertsEnabled
	}
	cfg.Monitor.Interval = duration(m.Interval, cfg.Monitor.Interval, "monitoring.interval")
	cfg.Monitor.Window = duration(m.Window, cfg.Monitor.Window, "monitoring.window")
	cfg.Monitor.StuckThreshold = duration(m.StuckThreshold, cfg.Monitor.StuckThreshold, "monitoring.stuck_threshold")
	if m.SlowThresholdMs > 0 {
		cfg.Monitor.SlowThresholdMs = m.SlowThresholdMs
	}
	if m.FailureThreshold > 0 {
		cfg.Monitor.FailureThreshold = m.FailureThreshold
	}
	if m.MinSamples > 0 {
		cfg.Monitor.MinSamples = m.MinSamples
	}

	if tg := m.Telegram; tg != nil {
		if len(tg.AdminIDs) > 0 {
			cfg.Telegram.AdminIDs = tg.AdminIDs
		}
		if tg.MaxPerType > 0 {
			cfg.Telegram.MaxPerType = tg.MaxPerType
		}
		cfg.Telegram.RateWindow = duration(tg.RateWindow, cfg.Telegram.RateWindow, "monitoring.telegram.rate_window")
		cfg.Telegram.GroupWindow = duration(tg.GroupWindow, cfg.Telegram.GroupWindow, "monitoring.telegram.group_window")
		if tg.GroupHead > 0 {
			cfg.Telegram.GroupHead = tg.GroupHead
		}
	}

	if sl := m.Slack; sl != nil {
		if sl.Enabled != nil {
			cfg.Slack.Enabled = *sl.Enabled
		}
		if sl.TokenEnv != "" {
			cfg.Slack.Token = os.Getenv(sl.TokenEnv)
		}
		cfg.Slack.Channel = sl.Channel
	}

	if ar := m.AutoRetry; ar != nil {
		if ar.Enabled != nil {
			cfg.AutoRetryEnabled = *ar.Enabled
		}
		cfg.AutoRetry.Interval = duration(ar.Interval, cfg.AutoRetry.Interval, "monitoring.auto_retry.interval")
		if ar.MaxRetries > 0 {
			cfg.AutoRetry.MaxRetries = ar.MaxRetries
		}
		if ar.BatchSize > 0 {
			cfg.AutoRetry.BatchSize = ar.BatchSize
		}
		cfg.AutoRetry.BaseDelay = duration(ar.BaseDelay, cfg.AutoRetry.BaseDelay, "monitoring.auto_retry.base_delay")
		cfg.AutoRetry.MaxDelay = duration(ar.MaxDelay, cfg.AutoRetry.MaxDelay, "monitoring.auto_retry.max_delay")
		cfg.AutoRetry.StuckAfter = duration(ar.StuckAfter, cfg.AutoRetry.StuckAfter, "monitoring.auto_retry.stuck_after")
	}
	return cfg
}

func validate(cfg *Config) error {
	var problems []string

	if cfg.Redis.Addr == "" {
		problems = append(problems, "redis.addr is required")
	}
	if cfg.Database.Database == "" {
		problems = append(problems, "database.name is required")
	}
	if cfg.Models.AnthropicAPIKey == "" && cfg.Models.OpenAIAPIKey == "" {
		problems = append(problems, "at least one model API key is required")
	}
	if cfg.Monitoring.Monitor.FailureThreshold >= 1 {
		problems = append(problems, "monitoring.failure_threshold must be below 1")
	}
	if cfg.Monitoring.AlertsEnabled &&
		len(cfg.Monitoring.Telegram.AdminIDs) > 0 && cfg.TelegramBotToken == "" {
		problems = append(problems, "telegram admin_ids set but bot token is empty")
	}
	if cfg.Monitoring.Slack.Enabled {
		if cfg.Monitoring.Slack.Token == "" {
			problems = append(problems, "slack enabled but token is empty")
		}
		if cfg.Monitoring.Slack.Channel == "" {
			problems = append(problems, "slack enabled but channel is empty")
		}
	}

	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

func duration(value string, def time.Duration, field string) time.Duration {
	d, ok := parseDuration(value, def)
	if !ok {
		slog.Warn("Invalid duration in config, using default",
			"field", field, "value", value, "default", def)
	}
	return d
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := strings.ToLower(os.Getenv(key))
	switch v {
	case "":
		return def
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		slog.Warn("Invalid integer in environment", "key", key, "value", v)
	}
	return def
}

func envInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
		slog.Warn("Invalid integer in environment", "key", key, "value", v)
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
		slog.Warn("Invalid float in environment", "key", key, "value", v)
	}
	return def
}

// parseAdminIDs splits a comma-separated chat ID list.
func parseAdminIDs(raw string) []int64 {
	if raw == "" {
		return nil
	}
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			slog.Warn("Invalid admin chat ID, skipping", "value", part)
			continue
		}
		ids = append(ids, id)
	}
	return ids
}
