package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration struct, loaded once at startup and
// passed down explicitly to every collaborator — no package-level mutable
// state.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Farm      FarmConfig      `yaml:"farm"`
	Aggregator AggregatorConfig `yaml:"aggregator"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Store     StoreConfig     `yaml:"store"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Health    HealthConfig    `yaml:"health"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServiceConfig names the service for logs, CloudWatch namespace, etc.
type ServiceConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// MetricsConfig toggles optional metric-reporting subsystems.
type MetricsConfig struct {
	Addr              string        `yaml:"addr"`
	ChannelSize       bool          `yaml:"channel_size"`
	ChannelSizeEvery  time.Duration `yaml:"channel_size_every"`
	RuntimeReport     bool          `yaml:"runtime_report"`
	RuntimeReportEvery time.Duration `yaml:"runtime_report_every"`
	CloudWatchRegion    string `yaml:"cloudwatch_region"`
	CloudWatchNamespace string `yaml:"cloudwatch_namespace"`
}

// ChannelsConfig sizes the bounded channels between pipeline stages.
type ChannelsConfig struct {
	AggregatorInputBuffer int `yaml:"aggregator_input_buffer"`
	SinkQueueBuffer       int `yaml:"sink_queue_buffer"`
	BroadcastOutboxBuffer int `yaml:"broadcast_outbox_buffer"`
}

// UpstreamConfig carries the vendor WebSocket connection parameters.
type UpstreamConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
}

// FarmConfig governs the ingestion farm's session count, subscription
// budget, and rebalance cadence.
type FarmConfig struct {
	SessionsTotal        int           `yaml:"sessions_total"`
	SessionsStatic       int           `yaml:"sessions_static"`
	QuotesPerSession     int           `yaml:"quotes_per_session"`
	StaticTierTickers    []string      `yaml:"static_tier_tickers"`
	RebalanceInterval    time.Duration `yaml:"rebalance_interval"`
	AuthGracePeriod       time.Duration `yaml:"auth_grace_period"`
	ReconnectInterval     time.Duration `yaml:"reconnect_interval"`
	MaxReconnectAttempts  int           `yaml:"max_reconnect_attempts"`
	DedupMaxEntries       int           `yaml:"dedup_max_entries"`
	ControlFrameRateLimit float64       `yaml:"control_frame_rate_limit"`
	ControlFrameBurst     int           `yaml:"control_frame_burst"`
}

// AggregatorConfig tunes the sliding-window sweep/block detector.
type AggregatorConfig struct {
	BufferMaxSize      int           `yaml:"buffer_max_size"`
	BufferMaxAge       time.Duration `yaml:"buffer_max_age"`
	SweepWindow        time.Duration `yaml:"sweep_window"`
	SweepPriceDelta    float64       `yaml:"sweep_price_delta"`
	SweepMinTotal      int           `yaml:"sweep_min_total"`
	SweepMinExchanges  int           `yaml:"sweep_min_exchanges"`
	BlockMinSize       int           `yaml:"block_min_size"`
	BlockIsolationWindow time.Duration `yaml:"block_isolation_window"`
	BlockConditions    []int         `yaml:"block_conditions"`
	DarkVenues         []int         `yaml:"dark_venues"`
	SweepConditionCodes []int        `yaml:"sweep_condition_codes"`
	AggressiveConditionCodes []int   `yaml:"aggressive_condition_codes"`
}

// ClassifierConfig tunes priority/urgency thresholds not fixed by the
// classification tables themselves.
type ClassifierConfig struct {
	ExecutionTolerance float64 `yaml:"execution_tolerance"`
}

// StoreConfig carries the relational persistence connection and batching
// parameters.
type StoreConfig struct {
	URL              string        `yaml:"url"`
	StoreThreshold   float64       `yaml:"store_threshold"`
	BatchSize        int           `yaml:"batch_size"`
	FlushInterval    time.Duration `yaml:"flush_interval"`
	RolloverTimezone string        `yaml:"rollover_timezone"`
	RolloverHour     int           `yaml:"rollover_hour"`
}

// BroadcastConfig controls the optional WS and Kafka broadcast adapters.
type BroadcastConfig struct {
	FrontendOrigin string        `yaml:"frontend_origin"`
	Kafka          KafkaConfig   `yaml:"kafka"`
}

// KafkaConfig is the optional durable replay-log adapter for the broadcast
// hub's flow:all event stream.
type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// HealthConfig configures the minimal liveness HTTP surface.
type HealthConfig struct {
	Addr string `yaml:"addr"`
}

// LoggingConfig mirrors logger.Log.Configure's parameters.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// Defaults returns a Config populated with every default named in the
// specification (sessions_total=10, sessions_static=3, quotes_per_session=1000,
// sweep_window=750ms, etc.), to be overridden by LoadConfig's YAML unmarshal.
func Defaults() Config {
	return Config{
		Service: ServiceConfig{Name: "optionsflow", Version: "dev"},
		Metrics: MetricsConfig{
			Addr:               "0.0.0.0:2112",
			ChannelSize:        true,
			ChannelSizeEvery:   time.Second,
			RuntimeReport:      true,
			RuntimeReportEvery: 30 * time.Second,
			CloudWatchNamespace: "OptionsFlow",
		},
		Channels: ChannelsConfig{
			AggregatorInputBuffer: 10000,
			SinkQueueBuffer:       10000,
			BroadcastOutboxBuffer: 256,
		},
		Farm: FarmConfig{
			SessionsTotal:         10,
			SessionsStatic:        3,
			QuotesPerSession:      1000,
			RebalanceInterval:     5 * time.Minute,
			AuthGracePeriod:       time.Second,
			ReconnectInterval:     5 * time.Second,
			MaxReconnectAttempts:  10,
			DedupMaxEntries:       100000,
			ControlFrameRateLimit: 20,
			ControlFrameBurst:     40,
		},
		Aggregator: AggregatorConfig{
			BufferMaxSize:        10000,
			BufferMaxAge:         5 * time.Second,
			SweepWindow:          750 * time.Millisecond,
			SweepPriceDelta:      0.10,
			SweepMinTotal:        100,
			SweepMinExchanges:    2,
			BlockMinSize:         500,
			BlockIsolationWindow: 100 * time.Millisecond,
			BlockConditions:      []int{229, 230, 233, 234, 235, 236},
			DarkVenues:           []int{4, 21, 66},
			SweepConditionCodes:  []int{233},
			AggressiveConditionCodes: []int{220, 229, 230},
		},
		Classifier: ClassifierConfig{ExecutionTolerance: 0.01},
		Store: StoreConfig{
			StoreThreshold:   20000,
			BatchSize:        500,
			FlushInterval:    2 * time.Second,
			RolloverTimezone: "America/New_York",
			RolloverHour:     3,
		},
		Health:  HealthConfig{Addr: "0.0.0.0:8090"},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
	}
}

// LoadConfig reads and parses a YAML config file, applies environment
// variable overrides for secrets, and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if v := os.Getenv("OPTIONSFLOW_API_KEY"); v != "" {
		cfg.Upstream.APIKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("OPTIONSFLOW_STORE_URL"); v != "" {
		cfg.Store.URL = strings.TrimSpace(v)
	}
	if v := os.Getenv("AWS_REGION"); v != "" && cfg.Metrics.CloudWatchRegion == "" {
		cfg.Metrics.CloudWatchRegion = strings.TrimSpace(v)
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Upstream.APIKey == "" {
		return fmt.Errorf("upstream.api_key is required")
	}
	if cfg.Store.URL == "" {
		return fmt.Errorf("store.url is required")
	}
	if cfg.Farm.SessionsTotal <= 0 {
		return fmt.Errorf("farm.sessions_total must be greater than 0")
	}
	if cfg.Farm.SessionsStatic < 0 || cfg.Farm.SessionsStatic > cfg.Farm.SessionsTotal {
		return fmt.Errorf("farm.sessions_static must be between 0 and farm.sessions_total")
	}
	if cfg.Farm.QuotesPerSession <= 0 {
		return fmt.Errorf("farm.quotes_per_session must be greater than 0")
	}
	if cfg.Aggregator.BufferMaxSize <= 0 {
		return fmt.Errorf("aggregator.buffer_max_size must be greater than 0")
	}
	if cfg.Aggregator.SweepMinExchanges <= 0 {
		return fmt.Errorf("aggregator.sweep_min_exchanges must be greater than 0")
	}
	if cfg.Store.BatchSize <= 0 {
		return fmt.Errorf("store.batch_size must be greater than 0")
	}
	if _, err := time.LoadLocation(cfg.Store.RolloverTimezone); err != nil {
		return fmt.Errorf("store.rollover_timezone %q is invalid: %w", cfg.Store.RolloverTimezone, err)
	}
	if cfg.Broadcast.Kafka.Enabled {
		if len(cfg.Broadcast.Kafka.Brokers) == 0 {
			return fmt.Errorf("broadcast.kafka.brokers is required when kafka broadcast is enabled")
		}
		if cfg.Broadcast.Kafka.Topic == "" {
			return fmt.Errorf("broadcast.kafka.topic is required when kafka broadcast is enabled")
		}
	}
	return nil
}
