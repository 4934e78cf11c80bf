package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValues(t *testing.T) {
	cfg := Default()

	assert.True(t, cfg.App.Heartbeat.AsyncEnabled)
	assert.Equal(t, 15*time.Second, cfg.App.Heartbeat.Interval)
	assert.Equal(t, "http", cfg.App.Heartbeat.Protocol)
	assert.Equal(t, "embedded", cfg.App.Heartbeat.Broker)
	assert.Equal(t, "heartbeat-queue", cfg.App.Heartbeat.Kafka.Topic)
	assert.Equal(t, "heartbeat-queue-dlq", cfg.App.Heartbeat.Kafka.DLQTopic)
	assert.Equal(t, 10, cfg.App.Heartbeat.Kafka.Consumer.Concurrency)
	assert.Equal(t, 3, cfg.App.Heartbeat.Kafka.Consumer.MaxRetries)

	assert.Equal(t, float64(20), cfg.Resilience.RetryBudget.MaxRetryPercentage)
	assert.True(t, cfg.Resilience.DeadlinePropagation.Enabled)

	assert.Equal(t, "LOCAL", cfg.Cache.Provider)
	assert.Equal(t, 1024, cfg.Cache.Compression.Threshold)
	assert.Equal(t, "ROUND_ROBIN", cfg.LoadBalancer.Policy)
	assert.Equal(t, 45*time.Second, cfg.Fleet.MissThreshold)
	assert.Equal(t, 7*24*time.Hour, cfg.Approval.ExpiryWindow)
	assert.Equal(t, ":8080", cfg.Server.HTTPAddr)
}

func TestLoadOverlaysFileOnDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quorum.yaml")
	content := `
app:
  heartbeat:
    service-name: billing
    instance-id: billing-1
    interval: 5s
cache:
  provider: TIERED
server:
  http-addr: ":9999"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "billing", cfg.App.Heartbeat.ServiceName)
	assert.Equal(t, "billing-1", cfg.App.Heartbeat.InstanceID)
	assert.Equal(t, 5*time.Second, cfg.App.Heartbeat.Interval)
	assert.Equal(t, "TIERED", cfg.Cache.Provider)
	assert.Equal(t, ":9999", cfg.Server.HTTPAddr)

	// Keys the file omits keep their defaults.
	assert.Equal(t, "embedded", cfg.App.Heartbeat.Broker)
	assert.Equal(t, "heartbeat-queue", cfg.App.Heartbeat.Kafka.Topic)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "LOCAL", cfg.Cache.Provider)
}

func TestEnvKeyMapping(t *testing.T) {
	assert.Equal(t, "QUORUM_APP_HEARTBEAT_ASYNC_ENABLED", envKey("app.heartbeat.async-enabled"))
	assert.Equal(t, "QUORUM_CACHE_PROVIDER", envKey("cache.provider"))
	assert.Equal(t, "QUORUM_RESILIENCE_RETRY_BUDGET_MAX_RETRY_PERCENTAGE",
		envKey("resilience.retry-budget.max-retry-percentage"))
}

func TestServersListFromFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quorum.yaml")
	content := `
app:
  heartbeat:
    servers:
      - cp-1:8080
      - cp-2:8080
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"cp-1:8080", "cp-2:8080"}, cfg.App.Heartbeat.Servers)

	t.Setenv("QUORUM_APP_HEARTBEAT_SERVERS", "cp-3:9090, cp-4:9090,")
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"cp-3:9090", "cp-4:9090"}, cfg.App.Heartbeat.Servers)
}

func TestEnvOverridesFileAndDefaults(t *testing.T) {
	t.Setenv("QUORUM_CACHE_PROVIDER", "NOOP")
	t.Setenv("QUORUM_APP_HEARTBEAT_ASYNC_ENABLED", "false")
	t.Setenv("QUORUM_RESILIENCE_RETRY_BUDGET_MAX_RETRY_PERCENTAGE", "35.5")
	t.Setenv("QUORUM_APP_HEARTBEAT_KAFKA_CONSUMER_MAX_RETRIES", "7")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "NOOP", cfg.Cache.Provider)
	assert.False(t, cfg.App.Heartbeat.AsyncEnabled)
	assert.Equal(t, 35.5, cfg.Resilience.RetryBudget.MaxRetryPercentage)
	assert.Equal(t, 7, cfg.App.Heartbeat.Kafka.Consumer.MaxRetries)
}

func TestEnvIgnoresUnparseableValues(t *testing.T) {
	t.Setenv("QUORUM_APP_HEARTBEAT_ASYNC_ENABLED", "definitely")
	t.Setenv("QUORUM_APP_HEARTBEAT_KAFKA_CONSUMER_MAX_RETRIES", "many")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.App.Heartbeat.AsyncEnabled)
	assert.Equal(t, 3, cfg.App.Heartbeat.Kafka.Consumer.MaxRetries)
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown broker", func(c *Config) { c.App.Heartbeat.Broker = "sqs" }},
		{"unknown cache provider", func(c *Config) { c.Cache.Provider = "MEMCACHED" }},
		{"unknown lb policy", func(c *Config) { c.LoadBalancer.Policy = "LEAST_CONN" }},
		{"percentage above range", func(c *Config) { c.Resilience.RetryBudget.MaxRetryPercentage = 120 }},
		{"negative percentage", func(c *Config) { c.Resilience.RetryBudget.MaxRetryPercentage = -1 }},
		{"zero concurrency", func(c *Config) { c.App.Heartbeat.Kafka.Consumer.Concurrency = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.validate())
		})
	}
}

func TestCacheProviderIsCaseInsensitive(t *testing.T) {
	cfg := Default()
	cfg.Cache.Provider = "tiered"
	assert.NoError(t, cfg.validate())
}
