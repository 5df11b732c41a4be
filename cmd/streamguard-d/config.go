package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/rmax-ai/streamguard/pkg/provider"
)

const (
	defaultAddr         = "127.0.0.1:8090"
	defaultPollInterval = 10 * time.Second
)

type Config struct {
	Addr      string `yaml:"addr"`
	LogLevel  string `yaml:"log_level"`
	AuthToken string `yaml:"auth_token"`
	TLSCert   string `yaml:"tls_cert"`
	TLSKey    string `yaml:"tls_key"`

	PollInterval  time.Duration `yaml:"poll_interval"`
	Retention     time.Duration `yaml:"retention"`
	PruneInterval time.Duration `yaml:"prune_interval"`

	Store     StoreConfig      `yaml:"store"`
	Queue     QueueConfig      `yaml:"queue"`
	Recovery  RecoveryConfig   `yaml:"recovery"`
	Telemetry TelemetryConfig  `yaml:"telemetry"`
	Providers []ProviderConfig `yaml:"providers"`
}

type StoreConfig struct {
	Driver      string        `yaml:"driver"` // sqlite, redis, postgres or memory
	Path        string        `yaml:"path"`
	RedisAddr   string        `yaml:"redis_addr"`
	PostgresDSN string        `yaml:"postgres_dsn"`
	QueueName   string        `yaml:"queue_name"`
	LeaseTTL    time.Duration `yaml:"lease_ttl"`
	HolderID    string        `yaml:"holder_id"`
}

type QueueConfig struct {
	MaxConcurrent       int            `yaml:"max_concurrent"`
	ProviderConcurrency map[string]int `yaml:"provider_concurrency"`
	MaxQueueSize        int            `yaml:"max_queue_size"`
	QuickAttempts       int            `yaml:"quick_attempts"`
	LongBackoffBase     time.Duration  `yaml:"long_backoff_base"`
	LongBackoffMax      time.Duration  `yaml:"long_backoff_max"`
	MaxLongCycles       int            `yaml:"max_long_cycles"`
	RequestTimeout      time.Duration  `yaml:"request_timeout"`
	Breaker             bool           `yaml:"breaker"`
}

type RecoveryConfig struct {
	Enabled             bool          `yaml:"enabled"`
	RecoveryAttempts    int           `yaml:"recovery_attempts"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	StaleTimeout        time.Duration `yaml:"stale_timeout"`
}

type TelemetryConfig struct {
	Exporter string `yaml:"exporter"` // none, stdout or otlp
	Endpoint string `yaml:"endpoint"`
}

// ProviderConfig declares one upstream. Mock fields apply to type=mock.
type ProviderConfig struct {
	ID      provider.ProviderID `yaml:"id"`
	Type    string              `yaml:"type"` // mock or openai
	BaseURL string              `yaml:"base_url"`
	APIKey  string              `yaml:"api_key"`
	OrgID   string              `yaml:"org_id"`

	Chunks     int           `yaml:"chunks"`
	ChunkDelay time.Duration `yaml:"chunk_delay"`
	Limit      int64         `yaml:"limit"`
	Window     time.Duration `yaml:"window"`
	StallRate  float64       `yaml:"stall_rate"`
	RejectRate float64       `yaml:"reject_rate"`
	ErrorRate  float64       `yaml:"error_rate"`
}

func defaultConfig() Config {
	return Config{
		Addr:          defaultAddr,
		LogLevel:      "info",
		PollInterval:  defaultPollInterval,
		Retention:     24 * time.Hour,
		PruneInterval: time.Hour,
		Store: StoreConfig{
			Driver:    "sqlite",
			Path:      "streamguard.db",
			QueueName: "default",
			LeaseTTL:  30 * time.Second,
		},
		Queue: QueueConfig{
			MaxConcurrent:   2,
			MaxQueueSize:    1000,
			QuickAttempts:   3,
			LongBackoffBase: time.Second,
			LongBackoffMax:  time.Minute,
			MaxLongCycles:   5,
			RequestTimeout:  5 * time.Minute,
		},
		Recovery: RecoveryConfig{
			Enabled:             true,
			RecoveryAttempts:    5,
			HealthCheckInterval: 5 * time.Second,
			StaleTimeout:        30 * time.Second,
		},
		Telemetry: TelemetryConfig{Exporter: "none", Endpoint: "localhost:4317"},
	}
}

// LoadConfig resolves configuration from defaults, then the YAML file, then
// .env and STREAMGUARD_* variables, then flags.
func LoadConfig(args []string) (Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return Config{}, fmt.Errorf("failed to get cwd: %w", err)
	}

	flagSet := flag.NewFlagSet("streamguard-d", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	flagConfig := flagSet.String("config", "", "path to YAML config")
	flagEnvFile := flagSet.String("env-file", ".env", "dotenv file to load if present")
	flagAddr := flagSet.String("addr", "", "HTTP listen address")
	flagLogLevel := flagSet.String("log-level", "", "debug, info, warn or error")
	flagStore := flagSet.String("store", "", "store driver: sqlite|redis|postgres|memory")
	flagDB := flagSet.String("db", "", "path to SQLite database")
	flagRedis := flagSet.String("redis-addr", "", "Redis address for store=redis")
	flagPostgres := flagSet.String("postgres-dsn", "", "Postgres DSN for store=postgres")
	flagPollInterval := flagSet.String("poll-interval", "", "provider poll interval")
	flagMaxConcurrent := flagSet.Int("max-concurrent", 0, "active requests per provider")
	flagMaxQueue := flagSet.Int("max-queue-size", 0, "pending plus active request cap")
	flagRetention := flagSet.String("retention", "", "how long finished requests are kept")
	flagOtel := flagSet.String("otel-exporter", "", "trace exporter: none|stdout|otlp")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			flagSet.SetOutput(os.Stdout)
			flagSet.PrintDefaults()
		}
		return Config{}, err
	}

	// .env never overrides variables that are already set
	if err := godotenv.Load(*flagEnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load %s: %w", *flagEnvFile, err)
	}

	cfg := defaultConfig()

	configPath := *flagConfig
	if configPath == "" {
		configPath = os.Getenv("STREAMGUARD_CONFIG")
	}
	if configPath != "" {
		if err := loadYAML(resolvePath(configPath, cwd), &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	var flagErr error
	flagSet.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.Addr = *flagAddr
		case "log-level":
			cfg.LogLevel = *flagLogLevel
		case "store":
			cfg.Store.Driver = *flagStore
		case "db":
			cfg.Store.Path = *flagDB
		case "redis-addr":
			cfg.Store.RedisAddr = *flagRedis
		case "postgres-dsn":
			cfg.Store.PostgresDSN = *flagPostgres
		case "poll-interval":
			d, err := time.ParseDuration(*flagPollInterval)
			if err != nil {
				flagErr = fmt.Errorf("invalid poll interval: %w", err)
				return
			}
			cfg.PollInterval = d
		case "max-concurrent":
			cfg.Queue.MaxConcurrent = *flagMaxConcurrent
		case "max-queue-size":
			cfg.Queue.MaxQueueSize = *flagMaxQueue
		case "retention":
			d, err := time.ParseDuration(*flagRetention)
			if err != nil {
				flagErr = fmt.Errorf("invalid retention: %w", err)
				return
			}
			cfg.Retention = d
		case "otel-exporter":
			cfg.Telemetry.Exporter = *flagOtel
		}
	})
	if flagErr != nil {
		return Config{}, flagErr
	}

	if len(cfg.Providers) == 0 {
		cfg.Providers = []ProviderConfig{{ID: "mock", Type: "mock"}}
	}
	if cfg.Store.Driver == "sqlite" {
		cfg.Store.Path = resolvePath(cfg.Store.Path, cwd)
	}
	if cfg.Store.HolderID == "" {
		host, _ := os.Hostname()
		cfg.Store.HolderID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loadYAML merges the file over cfg after expanding ${VAR} references.
func loadYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	cfg.Addr = addrFromEnv(cfg.Addr)
	cfg.LogLevel = envOrDefault("STREAMGUARD_LOG_LEVEL", cfg.LogLevel)
	cfg.AuthToken = envOrDefault("STREAMGUARD_AUTH_TOKEN", cfg.AuthToken)
	cfg.TLSCert = envOrDefault("STREAMGUARD_TLS_CERT", cfg.TLSCert)
	cfg.TLSKey = envOrDefault("STREAMGUARD_TLS_KEY", cfg.TLSKey)
	cfg.Store.Driver = envOrDefault("STREAMGUARD_STORE", cfg.Store.Driver)
	cfg.Store.Path = envOrDefault("STREAMGUARD_DB_PATH", cfg.Store.Path)
	cfg.Store.RedisAddr = envOrDefault("STREAMGUARD_REDIS_ADDR", cfg.Store.RedisAddr)
	cfg.Store.PostgresDSN = envOrDefault("STREAMGUARD_POSTGRES_DSN", cfg.Store.PostgresDSN)
	cfg.Telemetry.Exporter = envOrDefault("STREAMGUARD_OTEL_EXPORTER", cfg.Telemetry.Exporter)
	cfg.Telemetry.Endpoint = envOrDefault("STREAMGUARD_OTEL_ENDPOINT", cfg.Telemetry.Endpoint)

	var err error
	if cfg.PollInterval, err = envDuration("STREAMGUARD_POLL_INTERVAL", cfg.PollInterval); err != nil {
		return err
	}
	if cfg.Retention, err = envDuration("STREAMGUARD_RETENTION", cfg.Retention); err != nil {
		return err
	}
	if cfg.Queue.MaxConcurrent, err = envInt("STREAMGUARD_MAX_CONCURRENT", cfg.Queue.MaxConcurrent); err != nil {
		return err
	}
	if cfg.Queue.MaxQueueSize, err = envInt("STREAMGUARD_MAX_QUEUE_SIZE", cfg.Queue.MaxQueueSize); err != nil {
		return err
	}

	// OpenAI providers fall back to the conventional key variable.
	for i := range cfg.Providers {
		if cfg.Providers[i].Type == "openai" && cfg.Providers[i].APIKey == "" {
			cfg.Providers[i].APIKey = os.Getenv("OPENAI_API_KEY")
		}
	}
	return nil
}

func (c Config) validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return errors.New("addr cannot be empty")
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.PollInterval <= 0 {
		return errors.New("poll interval must be positive")
	}
	if c.Retention < 0 {
		return errors.New("retention cannot be negative")
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return errors.New("tls_cert and tls_key must be set together")
	}

	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			return errors.New("store=sqlite requires a db path")
		}
	case "redis":
		if c.Store.RedisAddr == "" {
			return errors.New("store=redis requires redis_addr")
		}
	case "postgres":
		if c.Store.PostgresDSN == "" {
			return errors.New("store=postgres requires postgres_dsn")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported store driver: %s", c.Store.Driver)
	}
	if c.Store.LeaseTTL <= 0 {
		return errors.New("lease ttl must be positive")
	}

	if c.Queue.MaxConcurrent <= 0 {
		return errors.New("max_concurrent must be positive")
	}
	if c.Queue.MaxQueueSize < 0 {
		return errors.New("max_queue_size cannot be negative")
	}
	if c.Queue.QuickAttempts <= 0 {
		return errors.New("quick_attempts must be positive")
	}
	if c.Queue.LongBackoffBase <= 0 || c.Queue.LongBackoffMax < c.Queue.LongBackoffBase {
		return errors.New("long backoff needs 0 < base <= max")
	}
	if c.Recovery.Enabled && (c.Recovery.StaleTimeout <= 0 || c.Recovery.HealthCheckInterval <= 0) {
		return errors.New("recovery needs positive stale_timeout and health_check_interval")
	}

	seen := make(map[provider.ProviderID]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.ID == "" {
			return errors.New("provider id cannot be empty")
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate provider %q", p.ID)
		}
		seen[p.ID] = true
		switch p.Type {
		case "", "mock":
		case "openai":
			if p.APIKey == "" {
				return fmt.Errorf("provider %q: openai requires api_key or OPENAI_API_KEY", p.ID)
			}
		default:
			return fmt.Errorf("provider %q: unsupported type %q", p.ID, p.Type)
		}
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func addrFromEnv(fallback string) string {
	if value := os.Getenv("STREAMGUARD_ADDR"); value != "" {
		return value
	}
	if port := os.Getenv("STREAMGUARD_PORT"); port != "" {
		return fmt.Sprintf("127.0.0.1:%s", port)
	}
	return fallback
}

func resolvePath(path string, cwd string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return trimmed
	}
	if filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Join(cwd, trimmed)
}
