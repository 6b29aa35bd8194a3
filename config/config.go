package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Cryptostream CryptostreamConfig     `yaml:"cryptostream"`
	Stream       StreamConfig           `yaml:"stream"`
	Cache        CacheConfig            `yaml:"cache"`
	Reconcile    ReconcileConfig        `yaml:"reconcile"`
	Venues       map[string]VenueConfig `yaml:"venues"`
	Archive      ArchiveConfig          `yaml:"archive"`
	Storage      StorageConfig          `yaml:"storage"`
	Metrics      MetricsConfig          `yaml:"metrics"`
	Dashboard    DashboardConfig        `yaml:"dashboard"`
	Logging      LoggingConfig          `yaml:"logging"`
}

type CryptostreamConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type StreamConfig struct {
	ConnectTimeout   time.Duration   `yaml:"connect_timeout"`
	SubscribeTimeout time.Duration   `yaml:"subscribe_timeout"`
	WriteTimeout     time.Duration   `yaml:"write_timeout"`
	PingInterval     time.Duration   `yaml:"ping_interval"`
	PongTimeout      time.Duration   `yaml:"pong_timeout"`
	ReadLimit        int64           `yaml:"read_limit"`
	StreamBuffer     int             `yaml:"stream_buffer"`
	Reconnect        ReconnectConfig `yaml:"reconnect"`
	RateLimit        RateLimitConfig `yaml:"rate_limit"`
}

type ReconnectConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxAttempts int           `yaml:"max_attempts"`
	MinDelay    time.Duration `yaml:"min_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Factor      float64       `yaml:"factor"`
	Jitter      bool          `yaml:"jitter"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type CacheConfig struct {
	TradesLimit    int `yaml:"trades_limit"`
	OrdersLimit    int `yaml:"orders_limit"`
	OHLCVLimit     int `yaml:"ohlcv_limit"`
	PositionsLimit int `yaml:"positions_limit"`
	BookDepth      int `yaml:"book_depth"`
}

type ReconcileConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
	MaxBuffer    int           `yaml:"max_buffer"`
}

type VenueConfig struct {
	Enabled        bool                 `yaml:"enabled"`
	WSURL          string               `yaml:"ws_url"`
	RESTURL        string               `yaml:"rest_url"`
	Symbols        []string             `yaml:"symbols"`
	APIKey         string               `yaml:"api_key"`
	APISecret      string               `yaml:"api_secret"`
	AuthTTL        time.Duration        `yaml:"auth_ttl"`
	Snapshot       SnapshotConfig       `yaml:"snapshot"`
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`
}

// SnapshotConfig selects the REST source used to seed order books.
type SnapshotConfig struct {
	Source    string          `yaml:"source"`
	URL       string          `yaml:"url"`
	Limit     int             `yaml:"limit"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

type ArchiveConfig struct {
	Enabled       bool               `yaml:"enabled"`
	ChannelBuffer int                `yaml:"channel_buffer"`
	FlushInterval time.Duration      `yaml:"flush_interval"`
	MaxRecords    int                `yaml:"max_records"`
	Compression   string             `yaml:"compression"`
	Partitioning  PartitioningConfig `yaml:"partitioning"`
}

type PartitioningConfig struct {
	Scheme         string   `yaml:"scheme"`
	AdditionalKeys []string `yaml:"additional_keys"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type MetricsConfig struct {
	Enabled    bool             `yaml:"enabled"`
	Address    string           `yaml:"address"`
	Path       string           `yaml:"path"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

// DashboardConfig controls the JSON status server.
type DashboardConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Address         string        `yaml:"address"`
	SampleInterval  time.Duration `yaml:"sample_interval"`
	LogHistory      int           `yaml:"log_history"`
	ResourceHistory int           `yaml:"resource_history"`
}

type LoggingConfig struct {
	Level          string        `yaml:"level"`
	Format         string        `yaml:"format"`
	Output         string        `yaml:"output"`
	MaxAge         int           `yaml:"max_age"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

// Default returns a configuration with every tunable set to its baseline.
func Default() Config {
	return Config{
		Stream: StreamConfig{
			ConnectTimeout:   10 * time.Second,
			SubscribeTimeout: 10 * time.Second,
			WriteTimeout:     5 * time.Second,
			PingInterval:     27 * time.Second,
			PongTimeout:      60 * time.Second,
			ReadLimit:        1 << 20,
			StreamBuffer:     64,
			Reconnect: ReconnectConfig{
				Enabled:     true,
				MaxAttempts: 10,
				MinDelay:    500 * time.Millisecond,
				MaxDelay:    30 * time.Second,
				Factor:      2,
				Jitter:      true,
			},
			RateLimit: RateLimitConfig{RequestsPerSecond: 5, BurstSize: 1},
		},
		Cache: CacheConfig{
			TradesLimit:    1000,
			OrdersLimit:    1000,
			OHLCVLimit:     1000,
			PositionsLimit: 1000,
			BookDepth:      20,
		},
		Reconcile: ReconcileConfig{
			MaxAttempts:  3,
			FetchTimeout: 10 * time.Second,
			RetryDelay:   500 * time.Millisecond,
			MaxBuffer:    1000,
		},
		Archive: ArchiveConfig{
			ChannelBuffer: 10000,
			FlushInterval: time.Minute,
			MaxRecords:    50000,
			Compression:   "snappy",
			Partitioning: PartitioningConfig{
				Scheme: "exchange={venue}/symbol={symbol}/year={year}/month={month}/day={day}/hour={hour}",
			},
		},
		Metrics: MetricsConfig{
			Address: ":9102",
			Path:    "/metrics",
		},
		Dashboard: DashboardConfig{
			Address:         "0.0.0.0:8080",
			SampleInterval:  5 * time.Second,
			LogHistory:      200,
			ResourceHistory: 200,
		},
		Logging: LoggingConfig{
			Level:          "info",
			Format:         "json",
			Output:         "stdout",
			ReportInterval: 30 * time.Second,
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	// Read configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(cfg *Config) {
	for name, v := range cfg.Venues {
		prefix := strings.ToUpper(name)
		if key := os.Getenv(prefix + "_API_KEY"); key != "" {
			v.APIKey = strings.TrimSpace(key)
		}
		if secret := os.Getenv(prefix + "_API_SECRET"); secret != "" {
			v.APISecret = strings.TrimSpace(secret)
		}
		cfg.Venues[name] = v
	}

	// Override S3 settings from environment variables if available
	if cfg.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			cfg.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			cfg.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			cfg.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			cfg.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Cryptostream.Name == "" {
		return fmt.Errorf("cryptostream.name is required")
	}
	if cfg.Cryptostream.Version == "" {
		return fmt.Errorf("cryptostream.version is required")
	}

	if cfg.Stream.SubscribeTimeout <= 0 {
		return fmt.Errorf("stream.subscribe_timeout must be greater than 0")
	}
	if cfg.Stream.PingInterval <= 0 {
		return fmt.Errorf("stream.ping_interval must be greater than 0")
	}
	if cfg.Stream.PongTimeout < cfg.Stream.PingInterval {
		return fmt.Errorf("stream.pong_timeout must not be shorter than stream.ping_interval")
	}
	if cfg.Stream.StreamBuffer <= 0 {
		return fmt.Errorf("stream.stream_buffer must be greater than 0")
	}
	if cfg.Stream.Reconnect.Enabled && cfg.Stream.Reconnect.MaxAttempts <= 0 {
		return fmt.Errorf("stream.reconnect.max_attempts must be greater than 0")
	}

	if cfg.Reconcile.MaxAttempts <= 0 {
		return fmt.Errorf("reconcile.max_attempts must be greater than 0")
	}
	if cfg.Reconcile.FetchTimeout <= 0 {
		return fmt.Errorf("reconcile.fetch_timeout must be greater than 0")
	}

	if len(cfg.EnabledVenues()) == 0 {
		return fmt.Errorf("at least one venue must be enabled")
	}
	for _, name := range cfg.EnabledVenues() {
		v := cfg.Venues[name]
		if v.WSURL == "" {
			return fmt.Errorf("venues.%s.ws_url is required", name)
		}
		if len(v.Symbols) == 0 {
			return fmt.Errorf("venues.%s.symbols must not be empty", name)
		}
	}

	if cfg.Archive.Enabled {
		if !cfg.Storage.S3.Enabled {
			return fmt.Errorf("archive requires storage.s3.enabled")
		}
		if cfg.Archive.FlushInterval <= 0 {
			return fmt.Errorf("archive.flush_interval must be greater than 0")
		}
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if cfg.Storage.S3.AccessKeyID == "" || cfg.Storage.S3.SecretAccessKey == "" {
			return fmt.Errorf("storage.s3.access_key_id and storage.s3.secret_access_key are required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	return nil
}

// EnabledVenues lists enabled venue names in sorted order.
func (c *Config) EnabledVenues() []string {
	names := make([]string, 0, len(c.Venues))
	for name, v := range c.Venues {
		if v.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
