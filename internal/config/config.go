package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete daemon configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	License   LicenseConfig   `yaml:"license" envconfig:"LICENSE"`
	Store     StoreConfig     `yaml:"store" envconfig:"STORE"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	Scheduler SchedulerConfig `yaml:"scheduler" envconfig:"SCHEDULER"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
}

// LicenseConfig contains the license validation and offline grace settings
type LicenseConfig struct {
	// AuthorityURL is the endpoint of the remote license authority
	AuthorityURL string `yaml:"authority_url" envconfig:"AUTHORITY_URL" validate:"omitempty,url"`
	// AuthorityPublicKey is the PEM-encoded Ed25519 key license tokens are verified against
	AuthorityPublicKey string `yaml:"authority_public_key" envconfig:"AUTHORITY_PUBLIC_KEY"`
	// TokenDir holds the locally stored license tokens written at activation
	TokenDir string `yaml:"token_dir" envconfig:"TOKEN_DIR"`

	GraceDurationHours       int    `yaml:"grace_duration_hours" envconfig:"GRACE_DURATION_HOURS" validate:"min=0,max=48"`
	FingerprintTolerance     string `yaml:"fingerprint_tolerance" envconfig:"FINGERPRINT_TOLERANCE" validate:"omitempty,oneof=strict medium loose"`
	FingerprintMaxDrift      int    `yaml:"fingerprint_max_drift" envconfig:"FINGERPRINT_MAX_DRIFT" validate:"min=0,max=4"`
	RevocationRetentionDays  int    `yaml:"revocation_retention_days" envconfig:"REVOCATION_RETENTION_DAYS" validate:"min=0"`
	SessionRetentionCount    int    `yaml:"session_retention_count" envconfig:"SESSION_RETENTION_COUNT" validate:"min=0"`
	ValidationTimeoutSeconds int    `yaml:"validation_timeout_seconds" envconfig:"VALIDATION_TIMEOUT_SECONDS" validate:"min=0,max=60"`
	// AuthorityMinInterval throttles repeated authority round-trips; a throttled
	// attempt falls back to the offline path, it is never a terminal outcome.
	AuthorityMinInterval time.Duration `yaml:"authority_min_interval" envconfig:"AUTHORITY_MIN_INTERVAL"`
}

// GraceDuration returns the configured offline grace window, capped at 48h.
func (c LicenseConfig) GraceDuration() time.Duration {
	hours := c.GraceDurationHours
	if hours <= 0 {
		hours = 24
	}
	if hours > 48 {
		hours = 48
	}
	return time.Duration(hours) * time.Hour
}

// ValidationTimeout returns the per-call validation deadline.
func (c LicenseConfig) ValidationTimeout() time.Duration {
	if c.ValidationTimeoutSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.ValidationTimeoutSeconds) * time.Second
}

// StoreConfig selects and configures the persistence backend
type StoreConfig struct {
	// Backend is "file" or "db"
	Backend string `yaml:"backend" envconfig:"BACKEND" validate:"omitempty,oneof=file db"`
	// Dir is the data directory for the file backend
	Dir string `yaml:"dir" envconfig:"DIR"`
	// Driver is "sqlite" or "postgres" for the db backend
	Driver string `yaml:"driver" envconfig:"DRIVER" validate:"omitempty,oneof=sqlite postgres"`
	DSN    string `yaml:"dsn" envconfig:"DSN"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL"`
	Output   string `yaml:"output" envconfig:"OUTPUT"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH"`
}

// SchedulerConfig contains maintenance job intervals
type SchedulerConfig struct {
	RevocationCleanupInterval time.Duration `yaml:"revocation_cleanup_interval" envconfig:"REVOCATION_CLEANUP_INTERVAL"`
	SessionPruneInterval      time.Duration `yaml:"session_prune_interval" envconfig:"SESSION_PRUNE_INTERVAL"`
	ExpirySweepInterval       time.Duration `yaml:"expiry_sweep_interval" envconfig:"EXPIRY_SWEEP_INTERVAL"`
}

// Load loads configuration from an optional YAML file and environment
// variables. Environment variables take precedence over file values; defaults
// fill whatever remains unset.
func Load(configFile string) (*Config, error) {
	var cfg Config

	if configFile != "" {
		if _, err := os.Stat(configFile); err == nil {
			data, err := os.ReadFile(configFile)
			if err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	if err := envconfig.Process("UW", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 15 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}

	if c.License.GraceDurationHours == 0 {
		c.License.GraceDurationHours = 24
	}
	if c.License.FingerprintTolerance == "" {
		c.License.FingerprintTolerance = "medium"
	}
	if c.License.FingerprintMaxDrift == 0 {
		c.License.FingerprintMaxDrift = 1
	}
	if c.License.RevocationRetentionDays == 0 {
		c.License.RevocationRetentionDays = 7
	}
	if c.License.SessionRetentionCount == 0 {
		c.License.SessionRetentionCount = 50
	}
	if c.License.ValidationTimeoutSeconds == 0 {
		c.License.ValidationTimeoutSeconds = 5
	}
	if c.License.AuthorityMinInterval == 0 {
		c.License.AuthorityMinInterval = 10 * time.Second
	}
	if c.License.TokenDir == "" {
		c.License.TokenDir = "data/tokens"
	}

	if c.Store.Backend == "" {
		c.Store.Backend = "file"
	}
	if c.Store.Dir == "" {
		c.Store.Dir = "data/license"
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}
	if c.Store.DSN == "" {
		c.Store.DSN = "data/license.db"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
	if c.Logging.FilePath == "" {
		c.Logging.FilePath = "logs/licensed.log"
	}

	if c.Scheduler.RevocationCleanupInterval == 0 {
		c.Scheduler.RevocationCleanupInterval = 24 * time.Hour
	}
	if c.Scheduler.SessionPruneInterval == 0 {
		c.Scheduler.SessionPruneInterval = time.Hour
	}
	if c.Scheduler.ExpirySweepInterval == 0 {
		c.Scheduler.ExpirySweepInterval = 15 * time.Minute
	}
}

// Validate checks structural constraints on the configuration.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	return nil
}
