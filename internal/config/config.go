package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPrefix                = "COLLAB"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabaseDriver    = "sqlite"
	defaultDatabaseDSN       = "collab.db"
	defaultLogLevel          = "info"
	defaultLogFormat         = "json"
	defaultIssuer            = "collab"
	defaultQuietPeriod       = 2 * time.Second
	defaultSaveTimeout       = 10 * time.Second
	defaultIdleTTL           = 10 * time.Minute
	defaultSweepInterval     = time.Minute
	defaultMessagesPerSecond = 50.0
	defaultBurst             = 100
	defaultMaxMessageBytes   = 1 << 20
	defaultServiceName       = "collabd"
	defaultShutdownTimeout   = 15 * time.Second
)

// AppConfig captures runtime configuration for the sync server.
type AppConfig struct {
	HTTPAddress       string
	AllowedOrigins    []string
	DatabaseDriver    string
	DatabaseDSN       string
	SigningSecret     string
	Issuer            string
	LogLevel          string
	LogFormat         string
	QuietPeriod       time.Duration
	SaveTimeout       time.Duration
	IdleTTL           time.Duration
	SweepInterval     time.Duration
	MessagesPerSecond float64
	Burst             int
	MaxMessageBytes   int64
	JaegerEndpoint    string
	ServiceName       string
	ReplicaID         string
	ShutdownTimeout   time.Duration
}

// LoadDotEnv loads environment files that exist. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	existing := make([]string, 0, len(paths))
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			existing = append(existing, path)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("load env files: %w", err)
	}
	return nil
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", "")
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("sync.quiet_period", defaultQuietPeriod)
	configViper.SetDefault("sync.save_timeout", defaultSaveTimeout)
	configViper.SetDefault("registry.idle_ttl", defaultIdleTTL)
	configViper.SetDefault("registry.sweep_interval", defaultSweepInterval)
	configViper.SetDefault("realtime.messages_per_second", defaultMessagesPerSecond)
	configViper.SetDefault("realtime.burst", defaultBurst)
	configViper.SetDefault("realtime.max_message_bytes", defaultMaxMessageBytes)
	configViper.SetDefault("tracing.jaeger_endpoint", "")
	configViper.SetDefault("tracing.service_name", defaultServiceName)
	configViper.SetDefault("node.replica_id", "")
	configViper.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		AllowedOrigins:    splitList(configViper.GetString("http.allowed_origins")),
		DatabaseDriver:    strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:       configViper.GetString("database.dsn"),
		SigningSecret:     configViper.GetString("auth.signing_secret"),
		Issuer:            configViper.GetString("auth.issuer"),
		LogLevel:          configViper.GetString("log.level"),
		LogFormat:         configViper.GetString("log.format"),
		QuietPeriod:       configViper.GetDuration("sync.quiet_period"),
		SaveTimeout:       configViper.GetDuration("sync.save_timeout"),
		IdleTTL:           configViper.GetDuration("registry.idle_ttl"),
		SweepInterval:     configViper.GetDuration("registry.sweep_interval"),
		MessagesPerSecond: configViper.GetFloat64("realtime.messages_per_second"),
		Burst:             configViper.GetInt("realtime.burst"),
		MaxMessageBytes:   configViper.GetInt64("realtime.max_message_bytes"),
		JaegerEndpoint:    configViper.GetString("tracing.jaeger_endpoint"),
		ServiceName:       configViper.GetString("tracing.service_name"),
		ReplicaID:         strings.TrimSpace(configViper.GetString("node.replica_id")),
		ShutdownTimeout:   configViper.GetDuration("server.shutdown_timeout"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	var problems []error
	if strings.TrimSpace(c.SigningSecret) == "" {
		problems = append(problems, fmt.Errorf("auth.signing_secret is required"))
	}
	if strings.TrimSpace(c.Issuer) == "" {
		problems = append(problems, fmt.Errorf("auth.issuer is required"))
	}
	if c.DatabaseDriver != "sqlite" && c.DatabaseDriver != "postgres" {
		problems = append(problems, fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.DatabaseDriver))
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		problems = append(problems, fmt.Errorf("database.dsn is required"))
	}
	if c.QuietPeriod <= 0 {
		problems = append(problems, fmt.Errorf("sync.quiet_period must be positive"))
	}
	if c.IdleTTL <= 0 || c.SweepInterval <= 0 {
		problems = append(problems, fmt.Errorf("registry.idle_ttl and registry.sweep_interval must be positive"))
	}
	if c.MessagesPerSecond <= 0 || c.Burst <= 0 {
		problems = append(problems, fmt.Errorf("realtime.messages_per_second and realtime.burst must be positive"))
	}
	return errors.Join(problems...)
}

func splitList(value string) []string {
	var items []string
	for _, item := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}
