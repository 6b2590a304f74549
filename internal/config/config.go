package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"calsync/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App         AppConfig         `yaml:"app"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Backup      BackupConfig      `yaml:"backup"`
	Monitoring  MonitoringConfig  `yaml:"monitoring"`
	Logging     LoggingConfig     `yaml:"logging"`
	API         APIConfig         `yaml:"api"`
	Exports     ExportConfig      `yaml:"exports"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Sync        SyncConfig        `yaml:"sync"`
	Harvester   HarvesterConfig   `yaml:"harvester"`
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
	HeaderExtra  string         `yaml:"header_extra"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Extra       string   `yaml:"extra"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
	// SyncPerOwner caps manual sync triggers of one owner per SyncWindow.
	SyncPerOwner int           `yaml:"sync_per_owner"`
	SyncWindow   time.Duration `yaml:"sync_window"`
}

type ExportConfig struct {
	Path string `yaml:"path"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type BackupConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Interval      time.Duration `yaml:"interval"`
	RetentionDays int           `yaml:"retention_days"`
	StoragePath   string        `yaml:"storage_path"`
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
}

// CredentialsConfig holds the secretbox key used to open stored site logins.
type CredentialsConfig struct {
	Key string `yaml:"key"`
}

type SyncConfig struct {
	StaleTimeoutMinutes  int           `yaml:"stale_timeout_minutes"`
	SweepIntervalSeconds int           `yaml:"sweep_interval_seconds"`
	RetentionDays        int           `yaml:"retention_days"`
	ScheduleInterval     time.Duration `yaml:"schedule_interval"`
	Workers              int           `yaml:"workers"`
	BatchSize            int           `yaml:"batch_size"`
	TrustEmptyHarvest    *bool         `yaml:"trust_empty_harvest"`
	MaxRecords           int           `yaml:"max_records"`
}

func (s SyncConfig) StaleTimeout() time.Duration {
	return time.Duration(s.StaleTimeoutMinutes) * time.Minute
}

func (s SyncConfig) SweepInterval() time.Duration {
	return time.Duration(s.SweepIntervalSeconds) * time.Second
}

func (s SyncConfig) TrustEmpty() bool {
	return s.TrustEmptyHarvest == nil || *s.TrustEmptyHarvest
}

type HarvesterConfig struct {
	BaseURL           string        `yaml:"base_url"`
	LoginURL          string        `yaml:"login_url"`
	ListingURL        string        `yaml:"listing_url"`
	Mode              string        `yaml:"mode"`
	Headless          bool          `yaml:"headless"`
	NoSandbox         bool          `yaml:"no_sandbox"`
	UserAgent         string        `yaml:"user_agent"`
	Timezone          string        `yaml:"timezone"`
	MaxPasses         int           `yaml:"max_passes"`
	MaxIdlePasses     int           `yaml:"max_idle_passes"`
	NavigationTimeout time.Duration `yaml:"navigation_timeout"`
	ElementTimeout    time.Duration `yaml:"element_timeout"`
	LoginTimeout      time.Duration `yaml:"login_timeout"`
	PollTimeout       time.Duration `yaml:"poll_timeout"`
	SettleDelay       time.Duration `yaml:"settle_delay"`
}

// Location resolves Timezone, falling back to UTC.
func (h HarvesterConfig) Location() *time.Location {
	if h.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(h.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func Load(configPath string) (*Config, error) {
	// .env is optional; values from it feed ${VAR} references below.
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
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}

	if c.Credentials.Key != "" {
		key, err := base64.StdEncoding.DecodeString(c.Credentials.Key)
		if err != nil {
			return fmt.Errorf("credentials key is not valid base64: %w", err)
		}
		if len(key) != 32 {
			return fmt.Errorf("credentials key must be 32 bytes, got %d", len(key))
		}
	}

	switch c.Harvester.Mode {
	case HarvestModeScroll, HarvestModePaginate:
	default:
		return fmt.Errorf("unknown harvester mode %q", c.Harvester.Mode)
	}

	if c.Harvester.Timezone != "" {
		if _, err := time.LoadLocation(c.Harvester.Timezone); err != nil {
			return fmt.Errorf("invalid harvester timezone: %w", err)
		}
	}

	if c.Sync.MaxRecords < 0 {
		return errors.New("sync.max_records must not be negative")
	}

	return nil
}

const (
	HarvestModeScroll   = "scroll"
	HarvestModePaginate = "paginate"
)

func (c *Config) applyDefaults() {
	if c.API.HTTP.Port == 0 {
		c.API.HTTP.Port = 8080
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
	// auth enabled by default when API is enabled
	if !c.API.Auth.Enabled {
		c.API.Auth.Enabled = true
	}
	if !c.API.HTTP.Enabled && c.API.Enabled {
		c.API.HTTP.Enabled = true
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.API.Auth.HeaderExtra == "" {
		c.API.Auth.HeaderExtra = "x-api-extra"
	}
	if c.API.RateLimit.SyncPerOwner == 0 {
		c.API.RateLimit.SyncPerOwner = 6
	}
	if c.API.RateLimit.SyncWindow == 0 {
		c.API.RateLimit.SyncWindow = time.Hour
	}
	if c.Backup.Interval == 0 {
		c.Backup.Interval = 24 * time.Hour
	}
	if c.Exports.Path == "" {
		c.Exports.Path = "exports"
	}

	if c.Sync.StaleTimeoutMinutes == 0 {
		c.Sync.StaleTimeoutMinutes = int(models.DefaultStaleTimeout / time.Minute)
	}
	if c.Sync.SweepIntervalSeconds == 0 {
		c.Sync.SweepIntervalSeconds = int(models.DefaultSweepInterval / time.Second)
	}
	if c.Sync.RetentionDays == 0 {
		c.Sync.RetentionDays = models.DefaultRetentionDays
	}
	if c.Sync.ScheduleInterval == 0 {
		c.Sync.ScheduleInterval = models.DefaultScheduleInterval
	}
	if c.Sync.Workers == 0 {
		c.Sync.Workers = 2
	}
	if c.Sync.BatchSize == 0 {
		c.Sync.BatchSize = models.DefaultBatchSize
	}

	h := &c.Harvester
	if h.BaseURL == "" {
		h.BaseURL = "https://gibney.my.site.com"
	}
	if h.LoginURL == "" {
		h.LoginURL = strings.TrimRight(h.BaseURL, "/") + "/s/login"
	}
	if h.ListingURL == "" {
		h.ListingURL = strings.TrimRight(h.BaseURL, "/") + "/s/booking-item"
	}
	if h.Mode == "" {
		h.Mode = HarvestModeScroll
	}
	if h.MaxPasses == 0 {
		h.MaxPasses = models.DefaultMaxPasses
	}
	if h.MaxIdlePasses == 0 {
		h.MaxIdlePasses = models.DefaultMaxIdlePasses
	}
	if h.NavigationTimeout == 0 {
		h.NavigationTimeout = 30 * time.Second
	}
	if h.ElementTimeout == 0 {
		h.ElementTimeout = 10 * time.Second
	}
	if h.LoginTimeout == 0 {
		h.LoginTimeout = 30 * time.Second
	}
	if h.PollTimeout == 0 {
		h.PollTimeout = 15 * time.Second
	}
	if h.SettleDelay == 0 {
		h.SettleDelay = 3 * time.Second
	}
}
