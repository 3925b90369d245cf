package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/innerloop-ai/innerloop/pkg/airouter"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(content), 0o600))
	return dir
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("TEST_DB_PASSWORD", "s3cret$!")

	out := ExpandEnv([]byte("password: {{.TEST_DB_PASSWORD}}\nliteral: p@ss$word"))
	assert.Equal(t, "password: s3cret$!\nliteral: p@ss$word", string(out))
}

func TestExpandEnvMissingVariableIsEmpty(t *testing.T) {
	out := ExpandEnv([]byte("key: {{.DEFINITELY_NOT_SET_ANYWHERE}}"))
	assert.Equal(t, "key: ", string(out))
}

func TestInitializeFullConfig(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test")
	t.Setenv("OPENAI_API_KEY", "sk-oai-test")
	t.Setenv("TELEGRAM_BOT_TOKEN", "123:abc")

	dir := writeConfig(t, `
database:
  host: db.internal
  name: innerloop
  user: app
redis:
  addr: redis.internal:6379
bus:
  compression_threshold: 4096
sessions:
  max_questions: 15
  idle_timeout: 45m
profile:
  significance_threshold: 0.2
  trait_thresholds:
    dynamic.mood: 0.3
coach:
  cache_ttl: 12h
catalog:
  path: /etc/innerloop/questions.yaml
monitoring:
  stuck_threshold: 20m
  slow_threshold_ms: 90000
  telegram:
    admin_ids: [100, 200]
    group_window: 10s
  auto_retry:
    max_retries: 5
server:
  addr: ":9090"
`)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, "innerloop", cfg.Database.Database)
	assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
	assert.Equal(t, 4096, cfg.Bus.CompressionThreshold)
	// Unset bus fields keep their defaults through the merge.
	assert.Equal(t, 512*1024, cfg.Bus.MaxPayloadBytes)
	assert.Equal(t, 15, cfg.Sessions.MaxQuestions)
	assert.Equal(t, 45*time.Minute, cfg.Sessions.IdleTimeout)
	assert.InDelta(t, 0.2, cfg.Profile.SignificanceThreshold, 1e-9)
	assert.InDelta(t, 0.3, cfg.Profile.TraitThresholds["dynamic.mood"], 1e-9)
	assert.Equal(t, 12*time.Hour, cfg.Coach.CacheTTL)
	assert.Equal(t, "/etc/innerloop/questions.yaml", cfg.CatalogPath)
	assert.Equal(t, 20*time.Minute, cfg.Monitoring.Monitor.StuckThreshold)
	assert.Equal(t, int64(90_000), cfg.Monitoring.Monitor.SlowThresholdMs)
	assert.Equal(t, []int64{100, 200}, cfg.Monitoring.Telegram.AdminIDs)
	assert.Equal(t, 10*time.Second, cfg.Monitoring.Telegram.GroupWindow)
	assert.Equal(t, "123:abc", cfg.Monitoring.Telegram.BotToken)
	assert.Equal(t, 5, cfg.Monitoring.AutoRetry.MaxRetries)
	assert.Equal(t, ":9090", cfg.ServerAddr)
	assert.Equal(t, "sk-ant-test", cfg.Models.AnthropicAPIKey)
}

func TestInitializeMissingFileUsesEnvironment(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-oai-test")
	t.Setenv("DB_NAME", "innerloop")
	t.Setenv("REDIS_ADDR", "10.0.0.5:6379")
	t.Setenv("SLOW_THRESHOLD_MS", "120000")
	t.Setenv("STUCK_THRESHOLD_SEC", "900")
	t.Setenv("FAILURE_THRESHOLD", "0.3")
	t.Setenv("ALERT_MAX_PER_TYPE", "3")
	t.Setenv("ALERT_WINDOW_MINUTES", "15")
	t.Setenv("ALERT_GROUP_WINDOW", "45s")
	t.Setenv("MONITORING_ADMIN_IDS", "100, 200,bad,300")
	t.Setenv("AUTO_RETRY_ENABLED", "false")
	t.Setenv("TELEGRAM_BOT_TOKEN", "123:abc")

	cfg, err := Initialize(context.Background(), t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.5:6379", cfg.Redis.Addr)
	assert.Equal(t, int64(120_000), cfg.Monitoring.Monitor.SlowThresholdMs)
	assert.Equal(t, 15*time.Minute, cfg.Monitoring.Monitor.StuckThreshold)
	assert.InDelta(t, 0.3, cfg.Monitoring.Monitor.FailureThreshold, 1e-9)
	assert.Equal(t, 3, cfg.Monitoring.Telegram.MaxPerType)
	assert.Equal(t, 15*time.Minute, cfg.Monitoring.Telegram.RateWindow)
	assert.Equal(t, 45*time.Second, cfg.Monitoring.Telegram.GroupWindow)
	assert.Equal(t, []int64{100, 200, 300}, cfg.Monitoring.Telegram.AdminIDs)
	assert.False(t, cfg.Monitoring.AutoRetryEnabled)
	assert.True(t, cfg.Monitoring.AlertsEnabled)
}

func TestYAMLOverridesEnvironmentFallback(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-oai-test")
	t.Setenv("SLOW_THRESHOLD_MS", "120000")

	dir := writeConfig(t, `
monitoring:
  slow_threshold_ms: 30000
`)
	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, int64(30_000), cfg.Monitoring.Monitor.SlowThresholdMs)
}

func TestInitializeExpandsAPIKeyFromTemplate(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-oai-test")
	t.Setenv("PG_PASS", "hunter2")

	dir := writeConfig(t, `
database:
  password: "{{.PG_PASS}}"
`)
	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", cfg.Database.Password)
}

func TestBuiltinTiersCoverEveryComplexity(t *testing.T) {
	tiers := BuiltinTiers()
	for _, c := range []airouter.Complexity{airouter.ComplexitySimple, airouter.ComplexityDaily, airouter.ComplexityDeep} {
		set, ok := tiers[c]
		require.True(t, ok, "missing complexity %s", c)
		assert.NotEmpty(t, set.Premium)
		assert.NotEmpty(t, set.Free)
	}
}

func TestValidateRejectsMissingKeys(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")

	_, err := Initialize(context.Background(), t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model API key")
}

func TestValidateRejectsSlackWithoutToken(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-oai-test")
	t.Setenv("SLACK_BOT_TOKEN", "")

	dir := writeConfig(t, `
monitoring:
  slack:
    enabled: true
    channel: ops-alerts
`)
	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "slack enabled but token is empty")
}

func TestInvalidDurationFallsBack(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-oai-test")

	dir := writeConfig(t, `
sessions:
  idle_timeout: notaduration
`)
	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, cfg.Sessions.IdleTimeout)
}

func TestInvalidYAMLIsRejected(t *testing.T) {
	dir := writeConfig(t, "database: [not a map")
	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidYAML)
}
