// Package config loads service configuration from defaults, an optional YAML
// file and GOVERNANCE_* environment variables, in increasing precedence.
package config

import (
	stderrors "errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// GOVERNANCE_DATABASE_HOST overrides database.host.
const EnvPrefix = "GOVERNANCE"

// ConfigFileEnv names the variable pointing at an optional YAML config file.
const ConfigFileEnv = "GOVERNANCE_CONFIG"

// Store backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendNATS     = "nats"
)

type Config struct {
	Service   ServiceConfig   `mapstructure:"service"`
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Store     StoreConfig     `mapstructure:"store"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Sweeper   SweeperConfig   `mapstructure:"sweeper"`
	Catalogue CatalogueConfig `mapstructure:"catalogue"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	GRPCPort        int           `mapstructure:"grpc_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

type DatabaseConfig struct {
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	User        string        `mapstructure:"user"`
	Password    string        `mapstructure:"password"`
	Database    string        `mapstructure:"database"`
	SSLMode     string        `mapstructure:"sslmode"`
	MaxConns    int32         `mapstructure:"max_conns"`
	MinConns    int32         `mapstructure:"min_conns"`
	MaxConnTime time.Duration `mapstructure:"max_conn_time"`
	MaxIdleTime time.Duration `mapstructure:"max_idle_time"`
	HealthCheck time.Duration `mapstructure:"health_check"`
	AutoMigrate bool          `mapstructure:"auto_migrate"`
}

type StoreConfig struct {
	// Backend is one of memory, postgres or nats.
	Backend string `mapstructure:"backend"`
}

type NATSConfig struct {
	URL           string `mapstructure:"url"`
	Name          string `mapstructure:"name"`
	NotifyEnabled bool   `mapstructure:"notify_enabled"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
	// KV buckets, used when store.backend is nats.
	RequestsBucket  string `mapstructure:"requests_bucket"`
	InstancesBucket string `mapstructure:"instances_bucket"`
	AuditBucket     string `mapstructure:"audit_bucket"`
}

type SweeperConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Interval          time.Duration `mapstructure:"interval"`
	Tenants           []string      `mapstructure:"tenants"`
	Parallelism       int           `mapstructure:"parallelism"`
	ExpireOverdue     bool          `mapstructure:"expire_overdue"`
	PlaybookDeadlines bool          `mapstructure:"playbook_deadlines"`
}

type CatalogueConfig struct {
	// PoliciesFile replaces the embedded policy catalogue when set.
	PoliciesFile string `mapstructure:"policies_file"`
	// TemplatesDir replaces the embedded playbook templates when set.
	TemplatesDir string `mapstructure:"templates_dir"`
}

type TracingConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	OutputFile string `mapstructure:"output_file"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// DSN returns a pgx connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// Load reads configuration using the file named by GOVERNANCE_CONFIG, if any.
func Load() (*Config, error) {
	return LoadFile(os.Getenv(ConfigFileEnv))
}

// LoadFile reads configuration from path (may be empty) plus environment.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "be-governance-workflows")
	v.SetDefault("service.version", "dev")
	v.SetDefault("service.environment", "development")

	v.SetDefault("server.port", 8086)
	v.SetDefault("server.grpc_port", 9086)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.database", "governance")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_time", time.Hour)
	v.SetDefault("database.max_idle_time", 30*time.Minute)
	v.SetDefault("database.health_check", time.Minute)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("store.backend", BackendMemory)

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.name", "be-governance-workflows")
	v.SetDefault("nats.notify_enabled", false)
	v.SetDefault("nats.subject_prefix", "notifications.governance")
	v.SetDefault("nats.requests_bucket", "GOVERNANCE_REQUESTS")
	v.SetDefault("nats.instances_bucket", "GOVERNANCE_PLAYBOOKS")
	v.SetDefault("nats.audit_bucket", "GOVERNANCE_AUDIT")

	v.SetDefault("sweeper.enabled", true)
	v.SetDefault("sweeper.interval", 5*time.Minute)
	v.SetDefault("sweeper.tenants", []string{})
	v.SetDefault("sweeper.parallelism", 8)
	v.SetDefault("sweeper.expire_overdue", false)
	v.SetDefault("sweeper.playbook_deadlines", true)

	v.SetDefault("catalogue.policies_file", "")
	v.SetDefault("catalogue.templates_dir", "")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.output_file", "")

	v.SetDefault("log.level", "info")
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 {
		errs = append(errs, fmt.Errorf("server.port must be positive"))
	}
	if c.Server.GRPCPort <= 0 {
		errs = append(errs, fmt.Errorf("server.grpc_port must be positive"))
	}
	if c.Server.Port == c.Server.GRPCPort {
		errs = append(errs, fmt.Errorf("server.port and server.grpc_port must differ"))
	}

	switch c.Store.Backend {
	case BackendMemory, BackendPostgres, BackendNATS:
	default:
		errs = append(errs, fmt.Errorf("store.backend %q is not one of memory, postgres, nats", c.Store.Backend))
	}

	if c.Sweeper.Enabled && c.Sweeper.Interval <= 0 {
		errs = append(errs, fmt.Errorf("sweeper.interval must be positive when the sweeper is enabled"))
	}
	if c.Sweeper.Parallelism <= 0 {
		errs = append(errs, fmt.Errorf("sweeper.parallelism must be positive"))
	}
	if c.Database.MinConns > c.Database.MaxConns {
		errs = append(errs, fmt.Errorf("database.min_conns exceeds database.max_conns"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", stderrors.Join(errs...))
	}
	return nil
}
