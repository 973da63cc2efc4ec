/*
Package config loads server configuration.

PRECEDENCE (later wins):
  1. Defaults
  2. YAML file (-config flag or LEDGER_CONFIG)
  3. Environment variables
  4. Command-line flags that were set explicitly

ENVIRONMENT:
  PORT, DATABASE_URL, REDIS_ADDR, REDIS_PASSWORD, JWT_SECRET,
  LEDGER_STORE, LEDGER_DB_PATH, LEDGER_LOG_MODE, LEDGER_LOG_LEVEL,
  LEDGER_TRANSACTIONAL, LEDGER_RECONCILE_INTERVAL,
  OTEL_EXPORTER_OTLP_ENDPOINT

COMMAND-LINE FLAGS:
  -config  YAML file
  -port    HTTP server port
  -db      SQLite database path (":memory:" for in-memory)
  -store   memory | sqlite | postgres
*/
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Store      StoreConfig      `yaml:"store"`
	Redis      RedisConfig      `yaml:"redis"`
	Auth       AuthConfig       `yaml:"auth"`
	Settlement SettlementConfig `yaml:"settlement"`
	Reconcile  ReconcileConfig  `yaml:"reconcile"`
	Notify     NotifyConfig     `yaml:"notify"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORSOrigins     []string      `yaml:"cors_origins"`
	RateLimit       float64       `yaml:"rate_limit"` // write requests per second, 0 disables
	RateBurst       int           `yaml:"rate_burst"`
}

type LogConfig struct {
	Mode  string `yaml:"mode"` // dev | prod
	Level string `yaml:"level"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"` // memory | sqlite | postgres
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr       string `yaml:"addr"` // empty disables Redis
	Password   string `yaml:"password"`
	DB         int    `yaml:"db"`
	FeedPrefix string `yaml:"feed_prefix"`
	OutboxKey  string `yaml:"outbox_key"`
}

type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

type SettlementConfig struct {
	Transactional       bool          `yaml:"transactional"`
	StepTimeout         time.Duration `yaml:"step_timeout"`
	CompensationTimeout time.Duration `yaml:"compensation_timeout"`
	MaxConflictRetries  int           `yaml:"max_conflict_retries"`
}

type ReconcileConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

type NotifyConfig struct {
	Workers     int `yaml:"workers"`
	Buffer      int `yaml:"buffer"`
	MaxAttempts int `yaml:"max_attempts"`
}

type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    0, // SSE streams stay open
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORSOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:       50,
			RateBurst:       100,
		},
		Log:   LogConfig{Mode: "prod", Level: "info"},
		Store: StoreConfig{Driver: "sqlite", Path: "ledger.db"},
		Redis: RedisConfig{FeedPrefix: "ledger:balance:", OutboxKey: "ledger:notifications"},
		Auth:  AuthConfig{TokenTTL: 12 * time.Hour},
		Settlement: SettlementConfig{
			StepTimeout:         5 * time.Second,
			CompensationTimeout: 10 * time.Second,
			MaxConflictRetries:  3,
		},
		Reconcile: ReconcileConfig{Enabled: true, Interval: time.Hour},
		Notify:    NotifyConfig{Workers: 2, Buffer: 256, MaxAttempts: 3},
		Telemetry: TelemetryConfig{ServiceName: "membership-ledger", SampleRatio: 1},
	}
}

// Load builds the configuration from args (without the program name).
func Load(args []string) (Config, error) {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	path := fs.String("config", os.Getenv("LEDGER_CONFIG"), "YAML configuration file")
	port := fs.Int("port", 0, "HTTP server port")
	dbPath := fs.String("db", "", "SQLite database path")
	driver := fs.String("store", "", "store driver: memory, sqlite or postgres")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := Default()
	if *path != "" {
		if err := cfg.loadFile(*path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Server.Port = *port
		case "db":
			cfg.Store.Path = *dbPath
		case "store":
			cfg.Store.Driver = *driver
		}
	})

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	integer("PORT", &c.Server.Port)
	str("LEDGER_STORE", &c.Store.Driver)
	str("LEDGER_DB_PATH", &c.Store.Path)
	if v, ok := lookup("DATABASE_URL"); ok && v != "" {
		c.Store.DSN = v
		if _, explicit := lookup("LEDGER_STORE"); !explicit {
			c.Store.Driver = "postgres"
		}
	}
	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	str("JWT_SECRET", &c.Auth.JWTSecret)
	str("LEDGER_LOG_MODE", &c.Log.Mode)
	str("LEDGER_LOG_LEVEL", &c.Log.Level)
	boolean("LEDGER_TRANSACTIONAL", &c.Settlement.Transactional)
	duration("LEDGER_RECONCILE_INTERVAL", &c.Reconcile.Interval)
	if v, ok := lookup("OTEL_EXPORTER_OTLP_ENDPOINT"); ok && v != "" {
		c.Telemetry.Endpoint = v
		c.Telemetry.Enabled = true
	}
	return errors.Join(errs...)
}

// Validate rejects settings the server cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path required for sqlite"))
		}
	case "postgres":
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn (or DATABASE_URL) required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}
	if len(c.Auth.JWTSecret) < 16 {
		errs = append(errs, errors.New("auth.jwt_secret (or JWT_SECRET) must be at least 16 bytes"))
	}
	if c.Settlement.StepTimeout <= 0 || c.Settlement.CompensationTimeout <= 0 {
		errs = append(errs, errors.New("settlement timeouts must be positive"))
	}
	if c.Settlement.MaxConflictRetries < 0 {
		errs = append(errs, errors.New("settlement.max_conflict_retries must not be negative"))
	}
	if c.Reconcile.Enabled && c.Reconcile.Interval <= 0 {
		errs = append(errs, errors.New("reconcile.interval must be positive"))
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		errs = append(errs, errors.New("telemetry.sample_ratio must be within [0,1]"))
	}
	switch c.Log.Mode {
	case "dev", "prod":
	default:
		errs = append(errs, fmt.Errorf("log.mode %q must be dev or prod", c.Log.Mode))
	}
	return errors.Join(errs...)
}
