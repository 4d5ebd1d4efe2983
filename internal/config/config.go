// Package config loads senpuki's runtime configuration via viper, the way
// the teacher's internal/config does: defaults set in code, overridden by
// an optional config.yaml and by SENPUKI_-prefixed environment variables.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config is the full set of tunables for a senpuki worker or admin process.
type Config struct {
	Backend  BackendConfig
	Notify   NotifyConfig
	Worker   WorkerConfig
	Retry    RetryConfig
	Cleanup  CleanupConfig
	Server   ServerConfig
	Metrics  MetricsConfig
	Auth     AuthConfig
	LogLevel string
}

// BackendConfig selects and tunes the storage backend (spec.md §6 connection
// strings: "sqlite://path" for the embedded store, "postgresql://…" for the
// networked one).
type BackendConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NotifyConfig selects the optional notification bus and tunes the
// adaptive-poll fallback of spec.md §4.C.
type NotifyConfig struct {
	BusURI        string
	PollMin       time.Duration
	PollMax       time.Duration
	PollBackoff   float64
}

// WorkerConfig tunes the claim/lease/heartbeat loop of spec.md §4.G.
type WorkerConfig struct {
	ID                string
	Queues            []string
	Tags              []string
	MaxConcurrency    int
	LeaseDuration     time.Duration
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	StopTimeout       time.Duration
}

// RetryConfig is the executor-wide default retry policy (spec.md §4.F);
// per-function policies registered via FunctionSpec override it.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      float64
}

// CleanupConfig tunes the background retention sweep of spec.md §3
// ("Completed and failed executions are retained for a configurable
// retention window and then garbage-collected").
type CleanupConfig struct {
	RetentionPeriod time.Duration
	Interval        time.Duration
}

// ServerConfig is for the optional HTTP facade (internal/api), which is not
// part of the durable-execution core but is carried as an external
// collaborator per spec.md §1.
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type MetricsConfig struct {
	Enabled bool
	Path    string
}

type AuthConfig struct {
	Enabled   bool
	JWTSecret string
	APIKeys   []string
}

// Load reads config.yaml (if present) layered under environment variables
// prefixed SENPUKI_, layered under the defaults below.
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/senpuki")

	setDefaults()

	viper.SetEnvPrefix("SENPUKI")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("backend.dsn", "sqlite://senpuki.db")
	viper.SetDefault("backend.maxopenconns", 10)
	viper.SetDefault("backend.maxidleconns", 5)
	viper.SetDefault("backend.connmaxlifetime", time.Hour)

	viper.SetDefault("notify.busuri", "")
	viper.SetDefault("notify.pollmin", 100*time.Millisecond)
	viper.SetDefault("notify.pollmax", 5*time.Second)
	viper.SetDefault("notify.pollbackoff", 2.0)

	viper.SetDefault("worker.id", "")
	viper.SetDefault("worker.queues", []string{"default"})
	viper.SetDefault("worker.tags", []string{})
	viper.SetDefault("worker.maxconcurrency", 10)
	viper.SetDefault("worker.leaseduration", 5*time.Minute)
	viper.SetDefault("worker.heartbeatinterval", 90*time.Second)
	viper.SetDefault("worker.pollinterval", 500*time.Millisecond)
	viper.SetDefault("worker.stoptimeout", 30*time.Second)

	viper.SetDefault("retry.maxattempts", 3)
	viper.SetDefault("retry.basedelay", 1*time.Second)
	viper.SetDefault("retry.maxdelay", 5*time.Minute)
	viper.SetDefault("retry.multiplier", 2.0)
	viper.SetDefault("retry.jitter", 0.1)

	viper.SetDefault("cleanup.retentionperiod", 7*24*time.Hour)
	viper.SetDefault("cleanup.interval", 1*time.Hour)

	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.readtimeout", 30*time.Second)
	viper.SetDefault("server.writetimeout", 30*time.Second)
	viper.SetDefault("server.idletimeout", 120*time.Second)

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")

	viper.SetDefault("auth.enabled", false)
	viper.SetDefault("auth.jwtsecret", "")
	viper.SetDefault("auth.apikeys", []string{})

	viper.SetDefault("loglevel", "info")
}
