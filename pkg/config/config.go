package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for patient-sync.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords, keys, OAuth client secrets) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"3443"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	BaseURL  string `yaml:"base_url" env:"BASE_URL" env-default:""` // Auto-derived from Port if empty
	Version  string `yaml:"-"`                                      // Set at load time, not from config

	Auth     AuthConfig     `yaml:"auth"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Google   GoogleConfig   `yaml:"google"`
	Sync     SyncConfig     `yaml:"sync"`
	Contacts ContactsConfig `yaml:"contacts"`
	Logging  LoggingConfig  `yaml:"logging"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	OTel     OTelConfig     `yaml:"otel"`

	// CredentialsKey encrypts stored provider refresh tokens.
	// Base64 32-byte key (openssl rand -base64 32) or any passphrase.
	CredentialsKey string `yaml:"-" env:"CREDENTIALS_KEY"`
	// PreviousCredentialsKeys is a comma-separated list of retired keys still accepted for decryption.
	PreviousCredentialsKeys string `yaml:"-" env:"CREDENTIALS_KEY_PREVIOUS"`
}

// PreviousKeys returns the parsed list of retired credential keys.
func (c *Config) PreviousKeys() []string {
	var keys []string
	for _, k := range strings.Split(c.PreviousCredentialsKeys, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// AuthConfig holds authentication-related configuration.
type AuthConfig struct {
	// EnableVerification controls whether JWT signatures are validated.
	// Set to false for local development without an identity provider.
	EnableVerification bool `yaml:"enable_verification" env:"AUTH_ENABLE_VERIFICATION" env-default:"true"`

	// JWKSEndpointsStr is a comma-separated list of issuer=jwks_url pairs.
	JWKSEndpointsStr string `yaml:"jwks_endpoints" env:"JWKS_ENDPOINTS" env-default:""`

	// JWKSEndpoints is the parsed map from JWKSEndpointsStr (not from config file).
	JWKSEndpoints map[string]string `yaml:"-"`
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"patient_sync"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"patient_sync"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
}

// RedisConfig holds the KV store connection. An empty host selects the in-process store.
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port     int    `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string `yaml:"-" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

// GoogleConfig holds the OAuth client used for contacts import.
type GoogleConfig struct {
	ClientID       string        `yaml:"client_id" env:"GOOGLE_CLIENT_ID" env-default:""`
	ClientSecret   string        `yaml:"-" env:"GOOGLE_CLIENT_SECRET"`
	RedirectURL    string        `yaml:"redirect_url" env:"GOOGLE_REDIRECT_URL" env-default:""` // Derived from BaseURL if empty
	RequestTimeout time.Duration `yaml:"request_timeout" env:"GOOGLE_REQUEST_TIMEOUT" env-default:"30s"`
	PageSize       int64         `yaml:"page_size" env:"GOOGLE_PAGE_SIZE" env-default:"200"`
	// DefaultRetryAfter applies when a 429 carries no Retry-After header.
	DefaultRetryAfter time.Duration `yaml:"default_retry_after" env:"GOOGLE_DEFAULT_RETRY_AFTER" env-default:"30s"`
}

// IsConfigured returns true if an OAuth client is available.
func (c *GoogleConfig) IsConfigured() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

// SyncConfig tunes the pull/push protocol and the import worker pool.
type SyncConfig struct {
	FullPullMaxRecords int           `yaml:"full_pull_max_records" env:"SYNC_FULL_PULL_MAX_RECORDS" env-default:"10000"`
	DefaultBatchSize   int           `yaml:"default_batch_size" env:"SYNC_DEFAULT_BATCH_SIZE" env-default:"500"`
	MaxBatchSize       int           `yaml:"max_batch_size" env:"SYNC_MAX_BATCH_SIZE" env-default:"2000"`
	WorkerConcurrency  int           `yaml:"worker_concurrency" env:"SYNC_WORKER_CONCURRENCY" env-default:"4"`
	PollInterval       time.Duration `yaml:"poll_interval" env:"SYNC_POLL_INTERVAL" env-default:"2s"`
	JobStaleAfter      time.Duration `yaml:"job_stale_after" env:"SYNC_JOB_STALE_AFTER" env-default:"10m"`
	ProgressFlushEvery int           `yaml:"progress_flush_every" env:"SYNC_PROGRESS_FLUSH_EVERY" env-default:"25"`
	StatsCacheTTL      time.Duration `yaml:"stats_cache_ttl" env:"SYNC_STATS_CACHE_TTL" env-default:"60s"`
	// BatchedPullThreshold is the pending-change count above which stats recommend batched pulls.
	BatchedPullThreshold int `yaml:"batched_pull_threshold" env:"SYNC_BATCHED_PULL_THRESHOLD" env-default:"1000"`
}

// ContactsConfig holds contact normalization rules.
type ContactsConfig struct {
	Phone PhoneConfig `yaml:"phone"`
}

// PhoneConfig is the country-code heuristic applied to bare national numbers.
type PhoneConfig struct {
	DefaultCountryCode  string `yaml:"default_country_code" env:"PHONE_DEFAULT_COUNTRY_CODE" env-default:"1"`
	MobileCountryCode   string `yaml:"mobile_country_code" env:"PHONE_MOBILE_COUNTRY_CODE" env-default:"91"`
	MobileLeadingDigits string `yaml:"mobile_leading_digits" env:"PHONE_MOBILE_LEADING_DIGITS" env-default:"6789"`
	NationalLength      int    `yaml:"national_length" env:"PHONE_NATIONAL_LENGTH" env-default:"10"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
	Format string `yaml:"format" env:"LOG_FORMAT" env-default:"json"` // json or console
	// File enables rotated file output in addition to stderr.
	File       string `yaml:"file" env:"LOG_FILE" env-default:""`
	MaxSizeMB  int    `yaml:"max_size_mb" env:"LOG_MAX_SIZE_MB" env-default:"100"`
	MaxBackups int    `yaml:"max_backups" env:"LOG_MAX_BACKUPS" env-default:"5"`
	MaxAgeDays int    `yaml:"max_age_days" env:"LOG_MAX_AGE_DAYS" env-default:"28"`
}

// KafkaConfig configures the optional audit event stream.
type KafkaConfig struct {
	BrokersStr string   `yaml:"brokers" env:"KAFKA_BROKERS" env-default:""`
	AuditTopic string   `yaml:"audit_topic" env:"KAFKA_AUDIT_TOPIC" env-default:"patient-sync.audit"`
	Brokers    []string `yaml:"-"`
}

// IsEnabled returns true if at least one broker is configured.
func (c *KafkaConfig) IsEnabled() bool {
	return len(c.Brokers) > 0
}

// OTelConfig configures tracing export.
type OTelConfig struct {
	Enabled     bool    `yaml:"enabled" env:"OTEL_ENABLED" env-default:"false"`
	Endpoint    string  `yaml:"endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT" env-default:""` // stdout exporter when empty
	SampleRatio float64 `yaml:"sample_ratio" env:"OTEL_SAMPLER_RATIO" env-default:"0.1"`
}

// Load reads configuration from config.yaml with environment variable overrides.
// A missing config.yaml is not an error; defaults and environment apply.
func Load(version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if _, err := os.Stat("config.yaml"); err == nil {
		if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
			return nil, fmt.Errorf("failed to read config.yaml: %w", err)
		}
	} else if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	cfg.parseComplexFields()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = (&url.URL{
			Scheme: "http",
			Host:   "localhost:" + cfg.Port,
		}).String()
	}
	if cfg.Google.RedirectURL == "" {
		cfg.Google.RedirectURL = strings.TrimRight(cfg.BaseURL, "/") + "/contacts/google/callback"
	}

	cfg.Database.Host = resolveHostForDocker(cfg.Database.Host)
	cfg.Redis.Host = resolveHostForDocker(cfg.Redis.Host)

	return cfg, nil
}

func (c *Config) parseComplexFields() {
	c.Auth.JWKSEndpoints = parseJWKSEndpoints(c.Auth.JWKSEndpointsStr)
	c.Kafka.Brokers = splitList(c.Kafka.BrokersStr)
}

func (c *Config) validate() error {
	if c.Sync.DefaultBatchSize <= 0 || c.Sync.MaxBatchSize <= 0 {
		return fmt.Errorf("sync batch sizes must be positive")
	}
	if c.Sync.DefaultBatchSize > c.Sync.MaxBatchSize {
		return fmt.Errorf("sync.default_batch_size (%d) exceeds sync.max_batch_size (%d)",
			c.Sync.DefaultBatchSize, c.Sync.MaxBatchSize)
	}
	if c.Sync.WorkerConcurrency < 1 {
		return fmt.Errorf("sync.worker_concurrency must be at least 1")
	}
	if c.Sync.ProgressFlushEvery < 1 {
		return fmt.Errorf("sync.progress_flush_every must be at least 1")
	}
	if c.OTel.SampleRatio < 0 || c.OTel.SampleRatio > 1 {
		return fmt.Errorf("otel.sample_ratio must be between 0 and 1")
	}
	if c.Contacts.Phone.NationalLength < 1 {
		return fmt.Errorf("contacts.phone.national_length must be positive")
	}
	return nil
}

// parseJWKSEndpoints parses "issuer1=url1,issuer2=url2" into a map.
func parseJWKSEndpoints(value string) map[string]string {
	endpoints := make(map[string]string)
	for _, pair := range splitList(value) {
		issuer, jwksURL, ok := strings.Cut(pair, "=")
		if ok {
			endpoints[strings.TrimSpace(issuer)] = strings.TrimSpace(jwksURL)
		}
	}
	return endpoints
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ConnectionString returns a PostgreSQL URL usable by both pgxpool and golang-migrate.
func (c *DatabaseConfig) ConnectionString() string {
	u := &url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     "/" + c.Database,
		RawQuery: "sslmode=" + url.QueryEscape(c.SSLMode),
	}
	return u.String()
}

var (
	isDockerOnce   sync.Once
	isDockerResult bool
)

// resolveHostForDocker maps loopback hosts to host.docker.internal when the
// process runs in a container, so a local Postgres/Redis stays reachable.
func resolveHostForDocker(host string) string {
	isDockerOnce.Do(func() {
		_, err := os.Stat("/.dockerenv")
		isDockerResult = err == nil
	})
	if isDockerResult && (host == "localhost" || host == "127.0.0.1") {
		return "host.docker.internal"
	}
	return host
}
