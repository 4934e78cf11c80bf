// Package config loads control-plane and agent configuration from a YAML
// file with environment overrides. Key names are stable and mirror the
// dotted configuration surface (app.heartbeat.*, resilience.*, cache.*,
// loadbalancer.*); QUORUM_-prefixed environment variables override file
// values, with dots and dashes mapped to underscores
// (app.heartbeat.async-enabled -> QUORUM_APP_HEARTBEAT_ASYNC_ENABLED).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full configuration tree.
type Config struct {
	App          AppConfig        `yaml:"app"`
	Resilience   ResilienceConfig `yaml:"resilience"`
	Cache        CacheConfig      `yaml:"cache"`
	LoadBalancer LBConfig         `yaml:"loadbalancer"`
	Fleet        FleetConfig      `yaml:"fleet"`
	Approval     ApprovalConfig   `yaml:"approval"`
	Server       ServerConfig     `yaml:"server"`
	Log          LogConfig        `yaml:"log"`
}

// AppConfig holds SDK/producer and broker settings.
type AppConfig struct {
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
}

// HeartbeatConfig configures the producer and the broker pipeline.
type HeartbeatConfig struct {
	AsyncEnabled  bool          `yaml:"async-enabled"`
	Interval      time.Duration `yaml:"interval"`
	Protocol      string        `yaml:"protocol"`   // http, thrift, grpc
	Servers       []string      `yaml:"servers"`    // control-plane host:port list for discovery
	DirectURL     string        `yaml:"direct-url"` // fallback when discovery is empty
	ServiceName   string        `yaml:"service-name"`
	InstanceID    string        `yaml:"instance-id"`
	Environment   string        `yaml:"environment"`
	Version       string        `yaml:"version"`
	AdvertiseHost string        `yaml:"advertise-host"` // defaults to os.Hostname
	AdvertisePort int           `yaml:"advertise-port"`
	Broker        string        `yaml:"broker"` // embedded or kafka
	Kafka         KafkaConfig   `yaml:"kafka"`
}

// KafkaConfig configures topics and the batch consumer.
type KafkaConfig struct {
	Brokers  []string       `yaml:"brokers"`
	Topic    string         `yaml:"topic"`
	DLQTopic string         `yaml:"dlq-topic"`
	Consumer ConsumerConfig `yaml:"consumer"`
}

// ConsumerConfig holds batch consumer tunables.
type ConsumerConfig struct {
	Concurrency    int `yaml:"concurrency"`
	MaxPollRecords int `yaml:"max-poll-records"`
	FetchMinBytes  int `yaml:"fetch-min-bytes"`
	FetchMaxWaitMs int `yaml:"fetch-max-wait-ms"`
	MaxRetries     int `yaml:"max-retries"`
}

// ResilienceConfig holds fabric-wide defaults.
type ResilienceConfig struct {
	RetryBudget         RetryBudgetConfig         `yaml:"retry-budget"`
	DeadlinePropagation DeadlinePropagationConfig `yaml:"deadline-propagation"`
}

// RetryBudgetConfig bounds retry amplification.
type RetryBudgetConfig struct {
	Enabled            bool          `yaml:"enabled"`
	MaxRetryPercentage float64       `yaml:"max-retry-percentage"`
	Window             time.Duration `yaml:"window"`
}

// DeadlinePropagationConfig controls the X-Request-Deadline plumbing.
type DeadlinePropagationConfig struct {
	Enabled bool `yaml:"enabled"`
}

// CacheConfig selects the cache provider.
type CacheConfig struct {
	Provider    string            `yaml:"provider"` // LOCAL, DISTRIBUTED, TIERED, NOOP
	Compression CompressionConfig `yaml:"compression"`
	Local       LocalCacheConfig  `yaml:"local"`
	Redis       RedisConfig       `yaml:"redis"`
}

// CompressionConfig controls transparent value compression.
type CompressionConfig struct {
	Threshold int `yaml:"threshold"`
}

// LocalCacheConfig bounds the in-process tier.
type LocalCacheConfig struct {
	MaxEntries int           `yaml:"max-entries"`
	DefaultTTL time.Duration `yaml:"default-ttl"`
}

// RedisConfig points at the distributed tier.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LBConfig selects the default load balancer policy.
type LBConfig struct {
	Policy string `yaml:"policy"` // ROUND_ROBIN, RANDOM, WEIGHTED_RANDOM, RENDEZVOUS
}

// FleetConfig tunes the projection sweeps.
type FleetConfig struct {
	MissThreshold       time.Duration `yaml:"miss-threshold"`
	RetirementThreshold time.Duration `yaml:"retirement-threshold"`
	SweepInterval       time.Duration `yaml:"sweep-interval"`
}

// ApprovalConfig tunes request expiry.
type ApprovalConfig struct {
	ExpiryWindow  time.Duration `yaml:"expiry-window"`
	SweepInterval time.Duration `yaml:"sweep-interval"`
}

// ServerConfig holds listen addresses and data location.
type ServerConfig struct {
	HTTPAddr      string `yaml:"http-addr"`
	GRPCAddr      string `yaml:"grpc-addr"`
	DataDir       string `yaml:"data-dir"`
	DirectoryFile string `yaml:"directory-file"` // org directory for gate evaluation
}

// LogConfig configures the global logger.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns a configuration with all documented defaults applied.
func Default() *Config {
	return &Config{
		App: AppConfig{
			Heartbeat: HeartbeatConfig{
				AsyncEnabled: true,
				Interval:     15 * time.Second,
				Protocol:     "http",
				Broker:       "embedded",
				Kafka: KafkaConfig{
					Topic:    "heartbeat-queue",
					DLQTopic: "heartbeat-queue-dlq",
					Consumer: ConsumerConfig{
						Concurrency:    10,
						MaxPollRecords: 100,
						FetchMinBytes:  1024,
						FetchMaxWaitMs: 500,
						MaxRetries:     3,
					},
				},
			},
		},
		Resilience: ResilienceConfig{
			RetryBudget: RetryBudgetConfig{
				Enabled:            true,
				MaxRetryPercentage: 20,
				Window:             10 * time.Second,
			},
			DeadlinePropagation: DeadlinePropagationConfig{Enabled: true},
		},
		Cache: CacheConfig{
			Provider:    "LOCAL",
			Compression: CompressionConfig{Threshold: 1024},
			Local: LocalCacheConfig{
				MaxEntries: 10000,
				DefaultTTL: 5 * time.Minute,
			},
			Redis: RedisConfig{Addr: "127.0.0.1:6379"},
		},
		LoadBalancer: LBConfig{Policy: "ROUND_ROBIN"},
		Fleet: FleetConfig{
			MissThreshold:       45 * time.Second,
			RetirementThreshold: 24 * time.Hour,
			SweepInterval:       15 * time.Second,
		},
		Approval: ApprovalConfig{
			ExpiryWindow:  7 * 24 * time.Hour,
			SweepInterval: time.Minute,
		},
		Server: ServerConfig{
			HTTPAddr: ":8080",
			GRPCAddr: ":9091",
			DataDir:  "/var/lib/quorum",
		},
		Log: LogConfig{Level: "info", JSON: true},
	}
}

// Load reads path (if non-empty) over the defaults, then applies
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envKey maps a dotted configuration key to its environment variable name.
func envKey(key string) string {
	k := strings.NewReplacer(".", "_", "-", "_").Replace(key)
	return "QUORUM_" + strings.ToUpper(k)
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(envKey(key)); ok {
		*dst = v
	}
}

func envBool(key string, dst *bool) {
	if v, ok := os.LookupEnv(envKey(key)); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envInt(key string, dst *int) {
	if v, ok := os.LookupEnv(envKey(key)); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v, ok := os.LookupEnv(envKey(key)); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envList(key string, dst *[]string) {
	if v, ok := os.LookupEnv(envKey(key)); ok {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		*dst = out
	}
}

func (c *Config) applyEnv() {
	envBool("app.heartbeat.async-enabled", &c.App.Heartbeat.AsyncEnabled)
	envList("app.heartbeat.servers", &c.App.Heartbeat.Servers)
	envString("app.heartbeat.kafka.topic", &c.App.Heartbeat.Kafka.Topic)
	envString("app.heartbeat.kafka.dlq-topic", &c.App.Heartbeat.Kafka.DLQTopic)
	envInt("app.heartbeat.kafka.consumer.concurrency", &c.App.Heartbeat.Kafka.Consumer.Concurrency)
	envInt("app.heartbeat.kafka.consumer.max-retries", &c.App.Heartbeat.Kafka.Consumer.MaxRetries)
	envBool("resilience.retry-budget.enabled", &c.Resilience.RetryBudget.Enabled)
	envFloat("resilience.retry-budget.max-retry-percentage", &c.Resilience.RetryBudget.MaxRetryPercentage)
	envBool("resilience.deadline-propagation.enabled", &c.Resilience.DeadlinePropagation.Enabled)
	envString("cache.provider", &c.Cache.Provider)
	envInt("cache.compression.threshold", &c.Cache.Compression.Threshold)
	envString("cache.redis.addr", &c.Cache.Redis.Addr)
	envString("loadbalancer.policy", &c.LoadBalancer.Policy)
}

func (c *Config) validate() error {
	switch c.App.Heartbeat.Broker {
	case "embedded", "kafka":
	default:
		return fmt.Errorf("unknown broker %q (expected embedded or kafka)", c.App.Heartbeat.Broker)
	}
	switch strings.ToUpper(c.Cache.Provider) {
	case "LOCAL", "DISTRIBUTED", "TIERED", "NOOP":
	default:
		return fmt.Errorf("unknown cache provider %q", c.Cache.Provider)
	}
	switch strings.ToUpper(c.LoadBalancer.Policy) {
	case "ROUND_ROBIN", "RANDOM", "WEIGHTED_RANDOM", "RENDEZVOUS":
	default:
		return fmt.Errorf("unknown load balancer policy %q", c.LoadBalancer.Policy)
	}
	if p := c.Resilience.RetryBudget.MaxRetryPercentage; p < 0 || p > 100 {
		return fmt.Errorf("retry budget percentage %v out of range [0,100]", p)
	}
	if c.App.Heartbeat.Kafka.Consumer.Concurrency < 1 {
		return fmt.Errorf("consumer concurrency must be >= 1")
	}
	return nil
}
