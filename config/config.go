package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	ServerConfig     ServerConfig     `json:"server"`
	DatabaseConfig   DatabaseConfig   `json:"database"`
	RedisConfig      RedisConfig      `json:"redis"`
	UpstreamConfig   UpstreamConfig   `json:"upstream"`
	CacheConfig      CacheConfig      `json:"cache"`
	ValidationConfig ValidationConfig `json:"validation"`
	PredictConfig    PredictConfig    `json:"predict"`
	TrainingConfig   TrainingConfig   `json:"training"`
	DriftConfig      DriftConfig      `json:"drift"`
	MarketConfig     MarketConfig     `json:"market"`
	ArchiveConfig    ArchiveConfig    `json:"archive"`
	VaultConfig      VaultConfig      `json:"vault"`
	LoggingConfig    LoggingConfig    `json:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int    `json:"port"`
	Host            string `json:"host"`
	AllowedOrigins  string `json:"allowed_origins"`
	ReadTimeout     int    `json:"read_timeout"`     // Seconds
	WriteTimeout    int    `json:"write_timeout"`    // Seconds
	ShutdownTimeout int    `json:"shutdown_timeout"` // Seconds
	ProductionMode  bool   `json:"production_mode"`
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// RedisConfig holds Redis configuration for the hot candle cache
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// ProviderConfig describes one upstream market-data vendor endpoint.
type ProviderConfig struct {
	Name      string `json:"name"`
	BaseURL   string `json:"base_url"`
	KlinePath string `json:"kline_path"`
	APIKey    string `json:"api_key"`
}

// UpstreamConfig holds upstream provider order and budgets.
// Primary is tried first; Fallback takes over on error or empty response.
type UpstreamConfig struct {
	Primary          ProviderConfig `json:"primary"`
	Fallback         ProviderConfig `json:"fallback"`
	FetchTimeoutSecs int            `json:"fetch_timeout_secs"` // Default 30
	RateLimitPerMin  int            `json:"rate_limit_per_min"`
	BreakerThreshold int            `json:"breaker_threshold"` // Failures before a provider is skipped
	BreakerCooldown  int            `json:"breaker_cooldown"`  // Seconds before retrying a tripped provider
}

// CacheConfig holds hot/warm cache tuning
type CacheConfig struct {
	HotTTLSecs        int `json:"hot_ttl_secs"`        // Windows touching now (default 30)
	HistoricalTTLSecs int `json:"historical_ttl_secs"` // Fully historical windows (default 900)
	WarmSize          int `json:"warm_size"`           // LRU entries (default 100)
}

// ValidationConfig holds drift/sanity thresholds, percentages.
// Envelope values are the tighter merge-time bounds.
type ValidationConfig struct {
	StepMax         float64 `json:"step_max"`          // Max % change between consecutive predicted points
	TotalMax        float64 `json:"total_max"`         // Max % drift from reference price
	EnvelopeStepMax float64 `json:"envelope_step_max"` // Merge-time step bound
	EnvelopeTotal   float64 `json:"envelope_total"`    // Merge-time total bound
	MinCandles      int     `json:"min_candles"`       // Minimum window size for any bot
}

// PredictConfig holds orchestrator budgets
type PredictConfig struct {
	BotTimeoutSecs int `json:"bot_timeout_secs"` // Wall clock per bot (default 10)
	WorkerPoolSize int `json:"worker_pool_size"` // Parallel bot invocations
	LookbackDays   int `json:"lookback_days"`    // Default window lookback (60-90)
}

// TrainingConfig holds training queue settings. Worker concurrency is fixed
// at 1 to keep the one-running-job invariant; only budgets are tunable.
type TrainingConfig struct {
	DefaultEpochs      int    `json:"default_epochs"`
	DefaultBatchSize   int    `json:"default_batch_size"`
	EpochBudgetSecs    int    `json:"epoch_budget_secs"`    // Per-epoch wall clock bound
	CancelTimeoutSecs  int    `json:"cancel_timeout_secs"`  // ForceStop grace before abandoning
	ModelRoot          string `json:"model_root"`           // Artifact directory
	ProgressEveryBatch int    `json:"progress_every_batch"` // Emit progress every N batches
}

// DriftConfig holds model health thresholds
type DriftConfig struct {
	YellowScore  float64 `json:"yellow_score"`  // Drift score for yellow (default 0.2)
	RedScore     float64 `json:"red_score"`     // Drift score for red (default 0.5)
	YellowAgeHrs int     `json:"yellow_age_hrs"` // Model age for yellow (default 24)
	RedAgeHrs    int     `json:"red_age_hrs"`    // Model age for red (default 48)
}

// MarketConfig holds calendar and retention settings
type MarketConfig struct {
	Timezone      string `json:"timezone"`       // IANA name, default Asia/Kolkata
	RetentionDays int    `json:"retention_days"` // Candles older than this are archived
}

// ArchiveConfig holds cold archive settings
type ArchiveConfig struct {
	Enabled bool   `json:"enabled"`
	Root    string `json:"root"` // Directory for archived candle files
}

// VaultConfig holds optional HashiCorp Vault configuration used to resolve
// upstream provider API keys at startup.
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
}

type LoggingConfig struct {
	Level       string `json:"level"`        // DEBUG, INFO, WARN, ERROR
	Output      string `json:"output"`       // stdout, stderr, or file path
	JSONFormat  bool   `json:"json_format"`  // Output as JSON
	IncludeFile bool   `json:"include_file"` // Include file and line number
}

func Load() (*Config, error) {
	cfg, err := loadFromFile("config.json")
	if err != nil {
		cfg = &Config{}
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the config
func applyEnvOverrides(cfg *Config) {
	// Server
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", valOrInt(cfg.ServerConfig.Port, 8080))
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", valOr(cfg.ServerConfig.Host, "0.0.0.0"))
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", valOr(cfg.ServerConfig.AllowedOrigins, "*"))
	cfg.ServerConfig.ProductionMode = getEnvOrDefault("SERVER_PRODUCTION", "false") == "true"

	// Database
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", valOr(cfg.DatabaseConfig.Host, "localhost"))
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", valOrInt(cfg.DatabaseConfig.Port, 5432))
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", valOr(cfg.DatabaseConfig.User, "forecast"))
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", valOr(cfg.DatabaseConfig.Database, "forecast"))
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", valOr(cfg.DatabaseConfig.SSLMode, "disable"))

	// Redis
	cfg.RedisConfig.Enabled = getEnvOrDefault("REDIS_ENABLED", "true") == "true"
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", valOr(cfg.RedisConfig.Address, "localhost:6379"))
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", valOrInt(cfg.RedisConfig.PoolSize, 10))

	// Upstream providers. Credentials may also come from Vault at startup.
	cfg.UpstreamConfig.Primary.Name = getEnvOrDefault("UPSTREAM_PRIMARY_NAME", valOr(cfg.UpstreamConfig.Primary.Name, "primary"))
	cfg.UpstreamConfig.Primary.BaseURL = getEnvOrDefault("UPSTREAM_PRIMARY_URL", cfg.UpstreamConfig.Primary.BaseURL)
	cfg.UpstreamConfig.Primary.APIKey = getEnvOrDefault("UPSTREAM_PRIMARY_API_KEY", cfg.UpstreamConfig.Primary.APIKey)
	cfg.UpstreamConfig.Fallback.Name = getEnvOrDefault("UPSTREAM_FALLBACK_NAME", valOr(cfg.UpstreamConfig.Fallback.Name, "fallback"))
	cfg.UpstreamConfig.Fallback.BaseURL = getEnvOrDefault("UPSTREAM_FALLBACK_URL", cfg.UpstreamConfig.Fallback.BaseURL)
	cfg.UpstreamConfig.Fallback.APIKey = getEnvOrDefault("UPSTREAM_FALLBACK_API_KEY", cfg.UpstreamConfig.Fallback.APIKey)

	// Vault
	cfg.VaultConfig.Enabled = getEnvOrDefault("VAULT_ENABLED", "false") == "true"
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", valOr(cfg.VaultConfig.Address, "http://localhost:8200"))
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", valOr(cfg.VaultConfig.MountPath, "secret"))
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", valOr(cfg.VaultConfig.SecretPath, "forecast/upstream-keys"))

	// Market
	cfg.MarketConfig.Timezone = getEnvOrDefault("MARKET_TIMEZONE", valOr(cfg.MarketConfig.Timezone, "Asia/Kolkata"))

	// Archive
	cfg.ArchiveConfig.Enabled = getEnvOrDefault("ARCHIVE_ENABLED", "true") == "true"
	cfg.ArchiveConfig.Root = getEnvOrDefault("ARCHIVE_ROOT", valOr(cfg.ArchiveConfig.Root, "data/archive"))

	// Training
	cfg.TrainingConfig.ModelRoot = getEnvOrDefault("MODEL_ROOT", valOr(cfg.TrainingConfig.ModelRoot, "data/models"))

	// Logging
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", valOr(cfg.LoggingConfig.Level, "INFO"))
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", valOr(cfg.LoggingConfig.Output, "stdout"))
	cfg.LoggingConfig.JSONFormat = getEnvOrDefault("LOG_JSON", "true") == "true"
	cfg.LoggingConfig.IncludeFile = getEnvOrDefault("LOG_INCLUDE_FILE", "false") == "true"
}

// applyDefaults fills remaining zero values with sane defaults.
func applyDefaults(cfg *Config) {
	cfg.UpstreamConfig.FetchTimeoutSecs = valOrInt(cfg.UpstreamConfig.FetchTimeoutSecs, 30)
	cfg.UpstreamConfig.RateLimitPerMin = valOrInt(cfg.UpstreamConfig.RateLimitPerMin, 120)
	cfg.UpstreamConfig.BreakerThreshold = valOrInt(cfg.UpstreamConfig.BreakerThreshold, 3)
	cfg.UpstreamConfig.BreakerCooldown = valOrInt(cfg.UpstreamConfig.BreakerCooldown, 60)

	cfg.CacheConfig.HotTTLSecs = valOrInt(cfg.CacheConfig.HotTTLSecs, 30)
	cfg.CacheConfig.HistoricalTTLSecs = valOrInt(cfg.CacheConfig.HistoricalTTLSecs, 900)
	cfg.CacheConfig.WarmSize = valOrInt(cfg.CacheConfig.WarmSize, 100)

	if cfg.ValidationConfig.StepMax == 0 {
		cfg.ValidationConfig.StepMax = 8.0
	}
	if cfg.ValidationConfig.TotalMax == 0 {
		cfg.ValidationConfig.TotalMax = 20.0
	}
	if cfg.ValidationConfig.EnvelopeStepMax == 0 {
		cfg.ValidationConfig.EnvelopeStepMax = 6.0
	}
	if cfg.ValidationConfig.EnvelopeTotal == 0 {
		cfg.ValidationConfig.EnvelopeTotal = 12.0
	}
	cfg.ValidationConfig.MinCandles = valOrInt(cfg.ValidationConfig.MinCandles, 30)

	cfg.PredictConfig.BotTimeoutSecs = valOrInt(cfg.PredictConfig.BotTimeoutSecs, 10)
	cfg.PredictConfig.WorkerPoolSize = valOrInt(cfg.PredictConfig.WorkerPoolSize, 4)
	cfg.PredictConfig.LookbackDays = valOrInt(cfg.PredictConfig.LookbackDays, 60)

	cfg.TrainingConfig.DefaultEpochs = valOrInt(cfg.TrainingConfig.DefaultEpochs, 20)
	cfg.TrainingConfig.DefaultBatchSize = valOrInt(cfg.TrainingConfig.DefaultBatchSize, 32)
	cfg.TrainingConfig.EpochBudgetSecs = valOrInt(cfg.TrainingConfig.EpochBudgetSecs, 30)
	cfg.TrainingConfig.CancelTimeoutSecs = valOrInt(cfg.TrainingConfig.CancelTimeoutSecs, 10)
	cfg.TrainingConfig.ProgressEveryBatch = valOrInt(cfg.TrainingConfig.ProgressEveryBatch, 5)

	if cfg.DriftConfig.YellowScore == 0 {
		cfg.DriftConfig.YellowScore = 0.2
	}
	if cfg.DriftConfig.RedScore == 0 {
		cfg.DriftConfig.RedScore = 0.5
	}
	cfg.DriftConfig.YellowAgeHrs = valOrInt(cfg.DriftConfig.YellowAgeHrs, 24)
	cfg.DriftConfig.RedAgeHrs = valOrInt(cfg.DriftConfig.RedAgeHrs, 48)

	cfg.MarketConfig.RetentionDays = valOrInt(cfg.MarketConfig.RetentionDays, 365)

	cfg.ServerConfig.ReadTimeout = valOrInt(cfg.ServerConfig.ReadTimeout, 30)
	cfg.ServerConfig.WriteTimeout = valOrInt(cfg.ServerConfig.WriteTimeout, 30)
	cfg.ServerConfig.ShutdownTimeout = valOrInt(cfg.ServerConfig.ShutdownTimeout, 10)
}

// FetchTimeout returns the upstream fetch budget as a duration.
func (u UpstreamConfig) FetchTimeout() time.Duration {
	return time.Duration(u.FetchTimeoutSecs) * time.Second
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

func valOr(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func valOrInt(v, def int) int {
	if v != 0 {
		return v
	}
	return def
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// GenerateSampleConfig creates a sample configuration file
func GenerateSampleConfig(filename string) error {
	config := Config{
		ServerConfig: ServerConfig{
			Port:           8080,
			Host:           "0.0.0.0",
			AllowedOrigins: "*",
		},
		DatabaseConfig: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "forecast",
			Password: "change_me",
			Database: "forecast",
			SSLMode:  "disable",
		},
		RedisConfig: RedisConfig{
			Enabled:  true,
			Address:  "localhost:6379",
			PoolSize: 10,
		},
		UpstreamConfig: UpstreamConfig{
			Primary:  ProviderConfig{Name: "primary", BaseURL: "https://md.example.com", KlinePath: "/api/v1/candles"},
			Fallback: ProviderConfig{Name: "fallback", BaseURL: "https://md-backup.example.com", KlinePath: "/api/v1/candles"},
		},
		ValidationConfig: ValidationConfig{
			StepMax:         8.0,
			TotalMax:        20.0,
			EnvelopeStepMax: 6.0,
			EnvelopeTotal:   12.0,
			MinCandles:      30,
		},
		MarketConfig: MarketConfig{
			Timezone:      "Asia/Kolkata",
			RetentionDays: 365,
		},
		LoggingConfig: LoggingConfig{
			Level:      "INFO",
			Output:     "stdout",
			JSONFormat: true,
		},
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}
