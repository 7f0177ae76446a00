// Package config loads and validates the hub backend configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the NH_ prefix (e.g., NH_DATABASE_HOST
// overrides database.host in the YAML). This layering allows the same binary to
// run with a config.yaml in local development and with pure environment variables
// in containerized deployments — no recompilation or different binaries needed.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Analytics     AnalyticsConfig     `mapstructure:"analytics"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Index         IndexConfig         `mapstructure:"index"`
	GitHub        GitHubConfig        `mapstructure:"github"`
	Categories    CategoriesConfig    `mapstructure:"categories"`
	Jobs          JobsConfig          `mapstructure:"jobs"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Security      SecurityConfig      `mapstructure:"security"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Telemetry     TelemetryConfig     `mapstructure:"telemetry"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	BaseURL      string        `mapstructure:"base_url"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Name               string `mapstructure:"name"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	SSLMode            string `mapstructure:"ssl_mode"`
	MaxConnections     int    `mapstructure:"max_connections"`
	MinIdleConnections int    `mapstructure:"min_idle_connections"`
}

// AnalyticsConfig holds the connection settings for the read-only analytics
// warehouse that the activity aggregation job queries for raw install and
// repository events. It is a separate database from the primary store and may
// be unreachable without affecting the serving path.
type AnalyticsConfig struct {
	DSN string `mapstructure:"dsn"`
	// QueryTimeout bounds each warehouse query; aggregation passes are
	// retried on the next tick, so a stuck query should fail fast.
	QueryTimeout time.Duration `mapstructure:"query_timeout"`
}

// RedisConfig holds the Redis connection used for the plugin read cache, the
// discovery trigger queue, and API rate limiting.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// CacheTTL is how long cached plugin responses stay valid. The update job
	// invalidates entries eagerly on merge, so this is a backstop.
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
	// TriggerQueue is the list key that external systems push plugin names to
	// for out-of-band discovery (e.g. a webhook relay).
	TriggerQueue string `mapstructure:"trigger_queue"`
}

// StorageConfig holds storage backend configuration for plugin manifest blobs
type StorageConfig struct {
	DefaultBackend string             `mapstructure:"default_backend"`
	Azure          AzureStorageConfig `mapstructure:"azure"`
	S3             S3StorageConfig    `mapstructure:"s3"`
	GCS            GCSStorageConfig   `mapstructure:"gcs"`
	Local          LocalStorageConfig `mapstructure:"local"`
}

// AzureStorageConfig holds Azure Blob Storage configuration
type AzureStorageConfig struct {
	AccountName   string `mapstructure:"account_name"`
	AccountKey    string `mapstructure:"account_key"`
	ContainerName string `mapstructure:"container_name"`
}

// S3StorageConfig holds S3-compatible storage configuration
type S3StorageConfig struct {
	// Endpoint is the S3-compatible endpoint URL (optional, for MinIO, DigitalOcean Spaces, etc.)
	Endpoint string `mapstructure:"endpoint"`
	// Region is the AWS region
	Region string `mapstructure:"region"`
	// Bucket is the S3 bucket name
	Bucket string `mapstructure:"bucket"`

	// Authentication method: "default", "static", "oidc", "assume_role"
	// - "default": Use AWS default credential chain (env vars, shared config, IAM role, etc.)
	// - "static": Use explicit access key and secret key
	// - "oidc": Use Web Identity/OIDC token for authentication (EKS, GitHub Actions, etc.)
	// - "assume_role": Assume an IAM role (optionally with external ID for cross-account)
	AuthMethod string `mapstructure:"auth_method"`

	// Static credentials (when auth_method is "static" or empty for backwards compatibility)
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`

	// AssumeRole configuration (when auth_method is "assume_role" or "oidc")
	RoleARN         string `mapstructure:"role_arn"`
	RoleSessionName string `mapstructure:"role_session_name"`
	ExternalID      string `mapstructure:"external_id"`

	// OIDC/Web Identity configuration (when auth_method is "oidc")
	// WebIdentityTokenFile is the path to the OIDC token file (e.g., from EKS or GitHub Actions)
	WebIdentityTokenFile string `mapstructure:"web_identity_token_file"`
}

// GCSStorageConfig holds Google Cloud Storage configuration
type GCSStorageConfig struct {
	// Bucket is the GCS bucket name
	Bucket string `mapstructure:"bucket"`

	// ProjectID is the Google Cloud project ID (optional if using default credentials)
	ProjectID string `mapstructure:"project_id"`

	// Authentication method: "default", "service_account"
	// - "default": Use Application Default Credentials (ADC) - recommended for GCP-native deployments
	// - "service_account": Use a service account key file
	AuthMethod string `mapstructure:"auth_method"`

	// CredentialsFile is the path to a service account JSON key file
	// (when auth_method is "service_account")
	CredentialsFile string `mapstructure:"credentials_file"`

	// CredentialsJSON is the service account JSON key as a string
	// (alternative to credentials_file, useful for environment variables)
	CredentialsJSON string `mapstructure:"credentials_json"`

	// Endpoint is an optional custom endpoint (for GCS emulators or compatible services)
	Endpoint string `mapstructure:"endpoint"`
}

// LocalStorageConfig holds local filesystem storage configuration
type LocalStorageConfig struct {
	BasePath string `mapstructure:"base_path"`
}

// IndexConfig holds the package index (PyPI) client configuration
type IndexConfig struct {
	// BaseURL is the index API root, e.g. https://pypi.org
	BaseURL string `mapstructure:"base_url"`
	// SearchQuery is the classifier or framework filter used to discover
	// plugins on the index.
	SearchQuery string        `mapstructure:"search_query"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// GitHubConfig holds the source repository client configuration
type GitHubConfig struct {
	// APIBaseURL is overridable for GitHub Enterprise or test servers.
	APIBaseURL string `mapstructure:"api_base_url"`
	// Token is a personal access token; unauthenticated requests are heavily
	// rate limited, so production deployments should always set one.
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// CategoriesConfig holds the category vocabulary seeding configuration
type CategoriesConfig struct {
	// SourceFile is a path to the ontology mapping file (JSON) to seed from.
	SourceFile string `mapstructure:"source_file"`
	// Version is the vocabulary version label recorded with each seeded row,
	// e.g. "EDAM-BIOIMAGING:alpha06".
	Version string `mapstructure:"version"`
}

// JobsConfig holds background job scheduling configuration
type JobsConfig struct {
	// UpdateInterval is how often the plugin update job runs a full cycle.
	UpdateInterval time.Duration `mapstructure:"update_interval"`
	// UpdateWorkers bounds the number of plugins processed concurrently
	// within one cycle.
	UpdateWorkers int `mapstructure:"update_workers"`
	// ActivityInterval is how often the activity aggregation job runs.
	ActivityInterval time.Duration `mapstructure:"activity_interval"`
	// ActivityMonths is the width of the rolling month window recomputed on
	// each activity pass.
	ActivityMonths int `mapstructure:"activity_months"`
	// SeedCategoriesOnStart seeds the category vocabulary from
	// categories.source_file during startup when true.
	SeedCategoriesOnStart bool `mapstructure:"seed_categories_on_start"`
}

// NotificationsConfig holds settings for outbound plugin change notifications
type NotificationsConfig struct {
	// Enabled globally toggles webhook delivery. When false a no-op sink is
	// wired in and change events are only logged.
	Enabled bool `mapstructure:"enabled"`
	// WebhookURL receives a JSON POST per plugin change event.
	WebhookURL string `mapstructure:"webhook_url"`
	// Headers are added verbatim to every webhook request (e.g. auth tokens).
	Headers map[string]string `mapstructure:"headers"`
	Timeout time.Duration     `mapstructure:"timeout"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	CORS         CORSConfig         `mapstructure:"cors"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
}

// RateLimitingConfig holds rate limiting configuration
type RateLimitingConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	ServiceName string        `mapstructure:"service_name"`
	Metrics     MetricsConfig `mapstructure:"metrics"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// bindEnvVars explicitly binds environment variables to config keys.
// This is necessary because AutomaticEnv() doesn't work well with nested structs during Unmarshal.
// viper.BindEnv only errors when called with zero keys; since every key here is a non-empty
// hardcoded string, any error indicates a programming bug and is surfaced to the caller.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		// Database
		"database.host",
		"database.port",
		"database.name",
		"database.user",
		"database.password",
		"database.ssl_mode",
		"database.max_connections",
		"database.min_idle_connections",

		// Analytics
		"analytics.dsn",
		"analytics.query_timeout",

		// Server
		"server.host",
		"server.port",
		"server.base_url",
		"server.read_timeout",
		"server.write_timeout",

		// Redis
		"redis.address",
		"redis.password",
		"redis.db",
		"redis.cache_ttl",
		"redis.trigger_queue",

		// Storage
		"storage.default_backend",
		"storage.azure.account_name",
		"storage.azure.account_key",
		"storage.azure.container_name",
		"storage.s3.endpoint",
		"storage.s3.region",
		"storage.s3.bucket",
		"storage.s3.auth_method",
		"storage.s3.access_key_id",
		"storage.s3.secret_access_key",
		"storage.s3.role_arn",
		"storage.s3.role_session_name",
		"storage.s3.external_id",
		"storage.s3.web_identity_token_file",
		"storage.gcs.bucket",
		"storage.gcs.project_id",
		"storage.gcs.auth_method",
		"storage.gcs.credentials_file",
		"storage.gcs.credentials_json",
		"storage.gcs.endpoint",
		"storage.local.base_path",

		// Package index
		"index.base_url",
		"index.search_query",
		"index.timeout",

		// GitHub
		"github.api_base_url",
		"github.token",
		"github.timeout",

		// Categories
		"categories.source_file",
		"categories.version",

		// Jobs
		"jobs.update_interval",
		"jobs.update_workers",
		"jobs.activity_interval",
		"jobs.activity_months",
		"jobs.seed_categories_on_start",

		// Notifications
		"notifications.enabled",
		"notifications.webhook_url",
		"notifications.timeout",

		// Security
		"security.cors.allowed_origins",
		"security.cors.allowed_methods",
		"security.rate_limiting.enabled",
		"security.rate_limiting.requests_per_minute",
		"security.rate_limiting.burst",

		// Logging
		"logging.level",
		"logging.format",

		// Telemetry
		"telemetry.enabled",
		"telemetry.service_name",
		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set default values
	setDefaults(v)

	// Set config file path if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Look for config.yaml in common locations
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/napari-hub")
	}

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment variables
	}

	// Enable environment variable support
	v.SetEnvPrefix("NH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicitly bind environment variables for nested structures
	// This is necessary because AutomaticEnv() doesn't work well with Unmarshal()
	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	// Unmarshal configuration
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Expand environment variables in sensitive fields
	cfg.Database.Password = expandEnv(cfg.Database.Password)
	cfg.Analytics.DSN = expandEnv(cfg.Analytics.DSN)
	cfg.Redis.Password = expandEnv(cfg.Redis.Password)
	cfg.Storage.Azure.AccountKey = expandEnv(cfg.Storage.Azure.AccountKey)
	cfg.Storage.S3.AccessKeyID = expandEnv(cfg.Storage.S3.AccessKeyID)
	cfg.Storage.S3.SecretAccessKey = expandEnv(cfg.Storage.S3.SecretAccessKey)
	cfg.GitHub.Token = expandEnv(cfg.GitHub.Token)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.base_url", "http://localhost:8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "napari_hub")
	v.SetDefault("database.user", "hub")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_idle_connections", 5)

	// Analytics defaults
	v.SetDefault("analytics.dsn", "")
	v.SetDefault("analytics.query_timeout", "120s")

	// Redis defaults
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.cache_ttl", "5m")
	v.SetDefault("redis.trigger_queue", "hub:discovery:triggers")

	// Storage defaults
	v.SetDefault("storage.default_backend", "local")
	v.SetDefault("storage.local.base_path", "./storage")

	// Package index defaults
	v.SetDefault("index.base_url", "https://pypi.org")
	v.SetDefault("index.search_query", "Framework :: napari")
	v.SetDefault("index.timeout", "30s")

	// GitHub defaults
	v.SetDefault("github.api_base_url", "https://api.github.com")
	v.SetDefault("github.timeout", "30s")

	// Categories defaults
	v.SetDefault("categories.source_file", "")
	v.SetDefault("categories.version", "EDAM-BIOIMAGING:alpha06")

	// Jobs defaults
	v.SetDefault("jobs.update_interval", "30m")
	v.SetDefault("jobs.update_workers", 8)
	v.SetDefault("jobs.activity_interval", "6h")
	v.SetDefault("jobs.activity_months", 14)
	v.SetDefault("jobs.seed_categories_on_start", false)

	// Notifications defaults
	v.SetDefault("notifications.enabled", false)
	v.SetDefault("notifications.webhook_url", "")
	v.SetDefault("notifications.timeout", "10s")

	// Security defaults
	v.SetDefault("security.cors.allowed_origins", []string{"*"})
	v.SetDefault("security.cors.allowed_methods", []string{"GET", "OPTIONS"})
	v.SetDefault("security.rate_limiting.enabled", true)
	v.SetDefault("security.rate_limiting.requests_per_minute", 120)
	v.SetDefault("security.rate_limiting.burst", 20)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Telemetry defaults
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.service_name", "hub-backend")
	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)
}

// expandEnv expands environment variables in the format ${VAR_NAME}
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Validate server
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}

	// Validate database
	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}

	// Validate storage backend
	validBackends := map[string]bool{"azure": true, "s3": true, "gcs": true, "local": true}
	if !validBackends[c.Storage.DefaultBackend] {
		return fmt.Errorf("invalid storage backend: %s (must be azure, s3, gcs, or local)", c.Storage.DefaultBackend)
	}

	// Validate Azure storage if enabled
	if c.Storage.DefaultBackend == "azure" {
		if c.Storage.Azure.AccountName == "" {
			return fmt.Errorf("storage.azure.account_name is required when using Azure backend")
		}
		if c.Storage.Azure.AccountKey == "" {
			return fmt.Errorf("storage.azure.account_key is required when using Azure backend")
		}
		if c.Storage.Azure.ContainerName == "" {
			return fmt.Errorf("storage.azure.container_name is required when using Azure backend")
		}
	}

	// Validate S3 storage if enabled
	if c.Storage.DefaultBackend == "s3" {
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when using S3 backend")
		}
		if c.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when using S3 backend")
		}
	}

	// Validate GCS storage if enabled
	if c.Storage.DefaultBackend == "gcs" {
		if c.Storage.GCS.Bucket == "" {
			return fmt.Errorf("storage.gcs.bucket is required when using GCS backend")
		}
	}

	// Validate local storage if enabled
	if c.Storage.DefaultBackend == "local" {
		if c.Storage.Local.BasePath == "" {
			return fmt.Errorf("storage.local.base_path is required when using local backend")
		}
	}

	// Validate package index
	if c.Index.BaseURL == "" {
		return fmt.Errorf("index.base_url is required")
	}
	if c.Index.SearchQuery == "" {
		return fmt.Errorf("index.search_query is required")
	}

	// Validate notifications if enabled
	if c.Notifications.Enabled && c.Notifications.WebhookURL == "" {
		return fmt.Errorf("notifications.webhook_url is required when notifications are enabled")
	}

	// Validate jobs
	if c.Jobs.UpdateWorkers < 1 {
		return fmt.Errorf("jobs.update_workers must be at least 1")
	}
	if c.Jobs.ActivityMonths < 1 {
		return fmt.Errorf("jobs.activity_months must be at least 1")
	}

	// Validate logging level
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// GetAddress returns the server address in host:port format
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
