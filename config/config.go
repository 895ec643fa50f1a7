package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Relay    RelayConfig    `yaml:"relay"`
	Logging  LoggingConfig  `yaml:"logging"`
	Channels ChannelsConfig `yaml:"channels"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Kafka    KafkaConfig    `yaml:"kafka"`
}

type RelayConfig struct {
	Name           string        `yaml:"name"`
	Version        string        `yaml:"version"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type ChannelsConfig struct {
	EventBuffer int `yaml:"event_buffer"`
}

// UpstreamConfig describes the exchange stream connection.
type UpstreamConfig struct {
	URL            string          `yaml:"url"`
	Streams        StreamsConfig   `yaml:"streams"`
	DialTimeout    time.Duration   `yaml:"dial_timeout"`
	WriteTimeout   time.Duration   `yaml:"write_timeout"`
	ReadTimeout    time.Duration   `yaml:"read_timeout"`
	ReadLimitBytes int64           `yaml:"read_limit_bytes"`
	Reconnect      ReconnectConfig `yaml:"reconnect"`
	ControlRate    RateLimitConfig `yaml:"control_rate"`
}

// StreamsConfig holds the stream name suffixes requested per symbol.
type StreamsConfig struct {
	Trade  string `yaml:"trade"`
	Depth  string `yaml:"depth"`
	Ticker string `yaml:"ticker"`
}

type ReconnectConfig struct {
	BaseDelay time.Duration `yaml:"base_delay"`
	MaxDelay  time.Duration `yaml:"max_delay"`
	Jitter    float64       `yaml:"jitter"`
}

type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// GatewayConfig describes the downstream websocket/HTTP listener.
type GatewayConfig struct {
	Address             string        `yaml:"address"`
	SendBuffer          int           `yaml:"send_buffer"`
	WriteTimeout        time.Duration `yaml:"write_timeout"`
	PongWait            time.Duration `yaml:"pong_wait"`
	PingInterval        time.Duration `yaml:"ping_interval"`
	MaxMessageBytes     int64         `yaml:"max_message_bytes"`
	MaxSymbolsPerClient int           `yaml:"max_symbols_per_client"`
	AllowedOrigins      []string      `yaml:"allowed_origins"`
	ShutdownTimeout     time.Duration `yaml:"shutdown_timeout"`
}

type MetricsConfig struct {
	Prometheus bool             `yaml:"prometheus"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Region          string        `yaml:"region"`
	Namespace       string        `yaml:"namespace"`
	PublishInterval time.Duration `yaml:"publish_interval"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	Buffer  int      `yaml:"buffer"`
}

const defaultConfigPath = "config/config.yml"

// Default returns a configuration with every tunable set to a working value.
func Default() Config {
	return Config{
		Relay: RelayConfig{
			Name:           "marketrelay",
			Version:        "dev",
			ReportInterval: time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Channels: ChannelsConfig{EventBuffer: 4096},
		Upstream: UpstreamConfig{
			URL: "wss://stream.binance.com:9443/stream",
			Streams: StreamsConfig{
				Trade:  "trade",
				Depth:  "depth20@100ms",
				Ticker: "ticker",
			},
			DialTimeout:    10 * time.Second,
			WriteTimeout:   5 * time.Second,
			ReadTimeout:    90 * time.Second,
			ReadLimitBytes: 1 << 20,
			Reconnect: ReconnectConfig{
				BaseDelay: time.Second,
				MaxDelay:  30 * time.Second,
				Jitter:    0.2,
			},
			ControlRate: RateLimitConfig{PerSecond: 5, Burst: 5},
		},
		Gateway: GatewayConfig{
			Address:         "0.0.0.0:8080",
			SendBuffer:      256,
			WriteTimeout:    5 * time.Second,
			PongWait:        60 * time.Second,
			PingInterval:    30 * time.Second,
			MaxMessageBytes: 4096,
			ShutdownTimeout: 5 * time.Second,
		},
		Metrics: MetricsConfig{
			Prometheus: true,
			CloudWatch: CloudWatchConfig{
				Namespace:       "MarketRelay",
				PublishInterval: time.Minute,
			},
		},
		Kafka: KafkaConfig{
			Topic:  "market-events",
			Buffer: 1024,
		},
	}
}

// LoadConfig reads the YAML file at path over the defaults, applies environment
// overrides and validates the result.
func LoadConfig(path string) (*Config, error) {
	path = resolveEnvSpecificPath(path, defaultConfigPath, envConfigPaths())

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(config *Config) {
	if v := strings.TrimSpace(os.Getenv("UPSTREAM_URL")); v != "" {
		config.Upstream.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("PORT")); v != "" {
		config.Gateway.Address = ":" + v
	}
	if v := strings.TrimSpace(os.Getenv("KAFKA_BROKERS")); v != "" {
		brokers := make([]string, 0)
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		config.Kafka.Brokers = brokers
	}
	if v := strings.TrimSpace(os.Getenv("AWS_REGION")); v != "" && config.Metrics.CloudWatch.Region == "" {
		config.Metrics.CloudWatch.Region = v
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Relay.Name == "" {
		return fmt.Errorf("relay.name is required")
	}

	if cfg.Channels.EventBuffer <= 0 {
		return fmt.Errorf("channels.event_buffer must be greater than 0")
	}

	u, err := url.Parse(cfg.Upstream.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return fmt.Errorf("upstream.url '%s' must be a ws:// or wss:// url", cfg.Upstream.URL)
	}
	if cfg.Upstream.Streams.Trade == "" || cfg.Upstream.Streams.Depth == "" || cfg.Upstream.Streams.Ticker == "" {
		return fmt.Errorf("upstream.streams.trade, depth and ticker are required")
	}
	if cfg.Upstream.WriteTimeout <= 0 {
		return fmt.Errorf("upstream.write_timeout must be greater than 0")
	}
	if cfg.Upstream.Reconnect.BaseDelay <= 0 {
		return fmt.Errorf("upstream.reconnect.base_delay must be greater than 0")
	}
	if cfg.Upstream.Reconnect.MaxDelay < cfg.Upstream.Reconnect.BaseDelay {
		return fmt.Errorf("upstream.reconnect.max_delay must not be lower than base_delay")
	}
	if cfg.Upstream.Reconnect.Jitter < 0 || cfg.Upstream.Reconnect.Jitter > 1 {
		return fmt.Errorf("upstream.reconnect.jitter must be within [0, 1]")
	}
	if cfg.Upstream.ControlRate.PerSecond <= 0 || cfg.Upstream.ControlRate.Burst <= 0 {
		return fmt.Errorf("upstream.control_rate.per_second and burst must be greater than 0")
	}

	if cfg.Gateway.SendBuffer <= 0 {
		return fmt.Errorf("gateway.send_buffer must be greater than 0")
	}
	if cfg.Gateway.WriteTimeout <= 0 {
		return fmt.Errorf("gateway.write_timeout must be greater than 0")
	}
	if cfg.Gateway.PingInterval <= 0 || cfg.Gateway.PingInterval >= cfg.Gateway.PongWait {
		return fmt.Errorf("gateway.ping_interval must be greater than 0 and lower than gateway.pong_wait")
	}
	if cfg.Gateway.MaxSymbolsPerClient < 0 {
		return fmt.Errorf("gateway.max_symbols_per_client must not be negative")
	}

	if cfg.Kafka.Enabled {
		if len(cfg.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka.brokers is required when kafka is enabled")
		}
		if cfg.Kafka.Topic == "" {
			return fmt.Errorf("kafka.topic is required when kafka is enabled")
		}
	}

	return nil
}
