package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/openherd/openherd/pkg/telemetry"
)

// Config is the daemon configuration.
type Config struct {
	Engine     EngineConfig             `yaml:"engine"`
	Database   DatabaseConfig           `yaml:"database"`
	Policies   PoliciesConfig           `yaml:"policies"`
	Drivers    DriversConfig            `yaml:"drivers"`
	Logging    telemetry.LoggingConfig  `yaml:"logging"`
	Metrics    telemetry.MetricsConfig  `yaml:"metrics"`
	Tracing    telemetry.TracingConfig  `yaml:"tracing"`
}

// EngineConfig tunes the scheduler, membership and executor.
type EngineConfig struct {
	// InstanceID identifies this engine instance in the membership
	// table and on locks. Generated when empty.
	InstanceID string `yaml:"instance_id"`

	// MaxWorkers bounds concurrent action executions.
	MaxWorkers int `yaml:"max_workers" validate:"omitempty,min=1"`

	// PollInterval is the scheduler fallback tick.
	PollInterval time.Duration `yaml:"poll_interval"`

	// BatchSize bounds READY actions read per tick.
	BatchSize int `yaml:"batch_size" validate:"omitempty,min=1"`

	// LockLease is the lock lease granted on acquisition.
	LockLease time.Duration `yaml:"lock_lease"`

	// HeartbeatInterval is the membership refresh period.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// GracePeriod is how long a silent instance stays presumed alive.
	GracePeriod time.Duration `yaml:"grace_period"`

	// Retention is how long DOWN membership records are kept.
	Retention time.Duration `yaml:"retention"`

	// VirtualNodes is the hash ring weight per live instance.
	VirtualNodes int `yaml:"virtual_nodes" validate:"omitempty,min=1"`
}

// DatabaseConfig locates the SQLite database.
type DatabaseConfig struct {
	// Path is the database file, ":memory:" for ephemeral state.
	Path string `yaml:"path" validate:"required"`

	MaxOpenConns    int           `yaml:"max_open_conns" validate:"omitempty,min=1"`
	MaxIdleConns    int           `yaml:"max_idle_conns" validate:"omitempty,min=1"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// PoliciesConfig locates file-loaded policies.
type PoliciesConfig struct {
	// Paths are files or directories holding .rego and .star policies.
	Paths []string `yaml:"paths"`

	// Watch enables hot reload on file changes.
	Watch bool `yaml:"watch"`
}

// DriversConfig toggles the bundled drivers.
type DriversConfig struct {
	// EnableFake registers the in-memory fake driver.
	EnableFake bool `yaml:"enable_fake"`

	// EnableSSH registers the SSH host driver.
	EnableSSH bool `yaml:"enable_ssh"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads, defaults and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration against its struct constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Engine.InstanceID == "" {
		hostname, _ := os.Hostname()
		if hostname == "" {
			hostname = "herd"
		}
		c.Engine.InstanceID = hostname + "-" + uuid.New().String()[:8]
	}
	if c.Engine.MaxWorkers == 0 {
		c.Engine.MaxWorkers = 10
	}
	if c.Engine.PollInterval == 0 {
		c.Engine.PollInterval = 2 * time.Second
	}
	if c.Engine.BatchSize == 0 {
		c.Engine.BatchSize = 50
	}
	if c.Engine.LockLease == 0 {
		c.Engine.LockLease = 30 * time.Second
	}
	if c.Engine.HeartbeatInterval == 0 {
		c.Engine.HeartbeatInterval = 5 * time.Second
	}
	if c.Engine.GracePeriod == 0 {
		c.Engine.GracePeriod = 2 * c.Engine.HeartbeatInterval
	}
	if c.Engine.Retention == 0 {
		c.Engine.Retention = 24 * time.Hour
	}
	if c.Engine.VirtualNodes == 0 {
		c.Engine.VirtualNodes = 128
	}

	if c.Database.Path == "" {
		c.Database.Path = "herd.db"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = 5 * time.Minute
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stderr"
	}

	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "herd"
	}

	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = "none"
	}
	if c.Tracing.SamplingRate == 0 {
		c.Tracing.SamplingRate = 1
	}
	if c.Tracing.ExportTimeout == 0 {
		c.Tracing.ExportTimeout = 30 * time.Second
	}

	if !c.Drivers.EnableFake && !c.Drivers.EnableSSH {
		c.Drivers.EnableSSH = true
	}
}
