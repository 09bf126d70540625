package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"realtysync/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Google     GoogleConfig     `yaml:"google"`
	Sync       SyncConfig       `yaml:"sync"`
	Cache      CacheConfig      `yaml:"cache"`
	API        APIConfig        `yaml:"api"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Logging    LoggingConfig    `yaml:"logging"`
	Exports    ExportConfig     `yaml:"exports"`
	Backup     BackupConfig     `yaml:"backup"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type DatabaseConfig struct {
	// Driver is "sqlite3" or "postgres".
	Driver         string `yaml:"driver"`
	Path           string `yaml:"path"`
	DSN            string `yaml:"dsn"`
	MaxConnections int    `yaml:"max_connections"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type GoogleConfig struct {
	CredentialsFile string  `yaml:"credentials_file"`
	SpreadsheetID   string  `yaml:"spreadsheet_id"`
	SellersSheet    string  `yaml:"sellers_sheet"`
	BuyersSheet     string  `yaml:"buyers_sheet"`
	StaffSheet      string  `yaml:"staff_sheet"`
	RateLimitRPS    float64 `yaml:"rate_limit_rps"`
	RateLimitBurst  int     `yaml:"rate_limit_burst"`
}

type SyncConfig struct {
	Workers       int           `yaml:"workers"`
	MaxRetries    int           `yaml:"max_retries"`
	InitialDelay  time.Duration `yaml:"initial_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	BackoffFactor float64       `yaml:"backoff_factor"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	BatchSize     int           `yaml:"batch_size"`
	// Lease is how long a claimed task may stay in processing before it is
	// handed out again.
	Lease time.Duration `yaml:"lease"`
}

type CacheConfig struct {
	InitialsTTL time.Duration `yaml:"initials_ttl"`
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	HTTP      APIHTTPConfig      `yaml:"http"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIHTTPConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

// APIRateLimitConfig sets per-client buckets. WriteRPS, when set, adds a
// second bucket that only requests ending in a sheet write draw from.
type APIRateLimitConfig struct {
	RPS        float64 `yaml:"rps"`
	Burst      int     `yaml:"burst"`
	WriteRPS   float64 `yaml:"write_rps"`
	WriteBurst int     `yaml:"write_burst"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
	// Rotation settings for output=file.
	MaxSizeMB  int `yaml:"max_size_mb"`
	MaxBackups int `yaml:"max_backups"`
	MaxAgeDays int `yaml:"max_age_days"`
}

type ExportConfig struct {
	Path string `yaml:"path"`
}

// BackupConfig applies to the sqlite3 driver only.
type BackupConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Interval      time.Duration `yaml:"interval"`
	StoragePath   string        `yaml:"storage_path"`
	RetentionDays int           `yaml:"retention_days"`
}

func Load(configPath string) (*Config, error) {
	// .env is optional; a missing file is not an error.
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite3":
		if c.Database.Path == "" {
			return errors.New("database path is required")
		}
	case "postgres":
		if strings.TrimSpace(c.Database.DSN) == "" {
			return errors.New("database dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	if c.Google.SpreadsheetID != "" && c.Google.CredentialsFile == "" {
		return errors.New("google credentials file is required when spreadsheet id is set")
	}

	if c.Sync.BackoffFactor < 1 {
		return fmt.Errorf("sync.backoff_factor must be >= 1, got %v", c.Sync.BackoffFactor)
	}

	return nil
}

func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite3"
	}
	if c.API.HTTP.Port == 0 {
		c.API.HTTP.Port = 8080
	}
	if !c.API.HTTP.Enabled && c.API.Enabled {
		c.API.HTTP.Enabled = true
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}

	if c.Google.SellersSheet == "" {
		c.Google.SellersSheet = "Sellers"
	}
	if c.Google.BuyersSheet == "" {
		c.Google.BuyersSheet = "Buyers"
	}
	if c.Google.StaffSheet == "" {
		c.Google.StaffSheet = "Staff"
	}
	if c.Google.RateLimitRPS == 0 {
		c.Google.RateLimitRPS = 1
	}
	if c.Google.RateLimitBurst == 0 {
		c.Google.RateLimitBurst = 5
	}

	// Sync defaults
	if c.Sync.Workers == 0 {
		c.Sync.Workers = 4
	}
	if c.Sync.MaxRetries == 0 {
		c.Sync.MaxRetries = 5
	}
	if c.Sync.InitialDelay == 0 {
		c.Sync.InitialDelay = time.Second
	}
	if c.Sync.MaxDelay == 0 {
		c.Sync.MaxDelay = 30 * time.Second
	}
	if c.Sync.BackoffFactor == 0 {
		c.Sync.BackoffFactor = 2
	}
	if c.Sync.PollInterval == 0 {
		c.Sync.PollInterval = 2 * time.Second
	}
	if c.Sync.BatchSize == 0 {
		c.Sync.BatchSize = models.DefaultBatchSize
	}
	if c.Sync.Lease == 0 {
		c.Sync.Lease = 5 * time.Minute
	}

	if c.Cache.InitialsTTL == 0 {
		c.Cache.InitialsTTL = models.DefaultInitialsTTL * time.Second
	}
	if c.Exports.Path == "" {
		c.Exports.Path = "exports"
	}
	if c.Backup.Interval == 0 {
		c.Backup.Interval = 24 * time.Hour
	}
	if c.Backup.StoragePath == "" {
		c.Backup.StoragePath = "backups"
	}
}
