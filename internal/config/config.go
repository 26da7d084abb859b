package config

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"

	"github.com/kkkkikiki/voucher/internal/model"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig `env:",prefix=SERVER_"`

	// Remote ledger (shared PostgreSQL) configuration
	Database DatabaseConfig `env:",prefix=DB_"`

	// Station-local SQLite configuration
	Local LocalConfig `env:",prefix=LOCAL_"`

	// Station identity and voucher policy
	Station StationConfig `env:",prefix=STATION_"`

	// Synchronization configuration
	Sync SyncConfig `env:",prefix=SYNC_"`

	// Application configuration
	App AppConfig `env:",prefix=APP_"`
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port         string `env:"PORT,default=8080"`
	Host         string `env:"HOST,default=0.0.0.0"`
	ReadTimeout  int    `env:"READ_TIMEOUT,default=30"`  // seconds
	WriteTimeout int    `env:"WRITE_TIMEOUT,default=30"` // seconds
}

// DatabaseConfig holds PostgreSQL configuration for the remote ledger
type DatabaseConfig struct {
	Host     string `env:"HOST,default=localhost"`
	Port     string `env:"PORT,default=5432"`
	User     string `env:"USER,default=postgres"`
	Password string `env:"PASSWORD,default=postgres"`
	Name     string `env:"NAME,default=voucher_ledger"`
	SSLMode  string `env:"SSL_MODE,default=disable"`
	MaxConns int    `env:"MAX_CONNS,default=10"`
	MinConns int    `env:"MIN_CONNS,default=2"`
	Migrate  bool   `env:"MIGRATE,default=false"`
}

// LocalConfig holds the station's SQLite store configuration
type LocalConfig struct {
	Path string `env:"PATH,default=data/station.db"`
}

// StationConfig identifies this station and its voucher policy
type StationConfig struct {
	ID            string        `env:"ID,default=P01"`
	SigningKey    string        `env:"SIGNING_KEY"`
	VoucherTTL    time.Duration `env:"VOUCHER_TTL,default=8760h"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL,default=10m"`
}

// SyncConfig controls the background reconciler
type SyncConfig struct {
	Enabled          bool          `env:"ENABLED,default=true"`
	Interval         time.Duration `env:"INTERVAL,default=2m"`
	BatchSize        int           `env:"BATCH_SIZE,default=100"`
	RemoteTimeout    time.Duration `env:"REMOTE_TIMEOUT,default=10s"`
	ImmediateTimeout time.Duration `env:"IMMEDIATE_TIMEOUT,default=2s"`
	BackoffBase      time.Duration `env:"BACKOFF_BASE,default=5s"`
	BackoffMax       time.Duration `env:"BACKOFF_MAX,default=10m"`
	RateLimit        float64       `env:"RATE_LIMIT,default=20"` // remote calls per second
	PullOverlap      int64         `env:"PULL_OVERLAP,default=50"`
}

// AppConfig holds application-specific configuration
type AppConfig struct {
	Environment string `env:"ENVIRONMENT,default=development"`
	LogLevel    string `env:"LOG_LEVEL,default=info"`
	LogFormat   string `env:"LOG_FORMAT,default=console"`
	Debug       bool   `env:"DEBUG,default=false"`
}

// Load loads configuration from environment variables
func Load(ctx context.Context) (*Config, error) {
	return load(ctx, envconfig.OsLookuper())
}

func load(ctx context.Context, lookuper envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookuper,
	}); err != nil {
		return nil, fmt.Errorf("failed to process environment config: %w", err)
	}

	station, err := model.NormalizeStation(cfg.Station.ID)
	if err != nil {
		return nil, fmt.Errorf("invalid STATION_ID: %w", err)
	}
	cfg.Station.ID = station

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks values envconfig cannot express
func (c *Config) Validate() error {
	if c.Station.SigningKey == "" {
		return errors.New("STATION_SIGNING_KEY is required")
	}
	if c.Station.VoucherTTL < 0 {
		return errors.New("STATION_VOUCHER_TTL must not be negative")
	}
	if c.Station.SweepInterval <= 0 {
		return errors.New("STATION_SWEEP_INTERVAL must be positive")
	}
	if c.Sync.Interval <= 0 || c.Sync.RemoteTimeout <= 0 || c.Sync.ImmediateTimeout <= 0 {
		return errors.New("sync interval and timeouts must be positive")
	}
	if c.Sync.BatchSize <= 0 {
		return errors.New("SYNC_BATCH_SIZE must be positive")
	}
	if c.Sync.BackoffBase <= 0 || c.Sync.BackoffMax < c.Sync.BackoffBase {
		return errors.New("SYNC_BACKOFF_MAX must be at least SYNC_BACKOFF_BASE")
	}
	if c.Sync.RateLimit <= 0 {
		return errors.New("SYNC_RATE_LIMIT must be positive")
	}
	return nil
}

// GetDatabaseURL returns the PostgreSQL connection URL
func (c *DatabaseConfig) GetDatabaseURL() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
}

// GetServerAddr returns the server address
func (c *ServerConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

// IsDevelopment returns true if running in development environment
func (c *AppConfig) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production environment
func (c *AppConfig) IsProduction() bool {
	return c.Environment == "production"
}
