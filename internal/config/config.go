package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/t77yq/jobflow/internal/model"
)

// Config is the full runtime configuration of a jobflow process
type Config struct {
	App          AppConfig          `mapstructure:"app"`
	Log          LogConfig          `mapstructure:"log"`
	Store        StoreConfig        `mapstructure:"store"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Dispatcher   DispatcherConfig   `mapstructure:"dispatcher"`
	Notification NotificationConfig `mapstructure:"notification"`
	Breaker      BreakerConfig      `mapstructure:"breaker"`
	Monitor      MonitorConfig      `mapstructure:"monitor"`
}

type AppConfig struct {
	Name     string `mapstructure:"name"`
	WorkerID string `mapstructure:"worker_id"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
	Compress    bool   `mapstructure:"compress"`
}

type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// NATSConfig configures the JetStream bus. An empty URL selects the in-memory bus.
type NATSConfig struct {
	URL            string        `mapstructure:"url"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	AckWait        time.Duration `mapstructure:"ack_wait"`
	MaxDeliver     int           `mapstructure:"max_deliver"`
}

type SchedulerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	TickInterval time.Duration `mapstructure:"tick_interval"`
}

type DispatcherConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	Workers          int           `mapstructure:"workers"`
	BacklogSize      int           `mapstructure:"backlog_size"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	LeaseTTL         time.Duration `mapstructure:"lease_ttl"`
	ReapInterval     time.Duration `mapstructure:"reap_interval"`
	ExecutionTimeout time.Duration `mapstructure:"execution_timeout"`
	RetryBaseDelay   time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay    time.Duration `mapstructure:"retry_max_delay"`
	MaxCPUPercent    float64       `mapstructure:"max_cpu_percent"`
	MaxMemoryPercent float64       `mapstructure:"max_memory_percent"`
	ResourceInterval time.Duration `mapstructure:"resource_interval"`
	ShellWorkingDir  string        `mapstructure:"shell_working_dir"`
	FileBaseDir      string        `mapstructure:"file_base_dir"`
	DatabasePath     string        `mapstructure:"database_path"`
	DockerEnabled    bool          `mapstructure:"docker_enabled"`
}

type NotificationConfig struct {
	Enabled           bool                     `mapstructure:"enabled"`
	Workers           int                      `mapstructure:"workers"`
	BatchSize         int                      `mapstructure:"batch_size"`
	SweepInterval     time.Duration            `mapstructure:"sweep_interval"`
	RetryInterval     time.Duration            `mapstructure:"retry_interval"`
	DefaultMaxRetries int                      `mapstructure:"default_max_retries"`
	AttemptTimeout    time.Duration            `mapstructure:"attempt_timeout"`
	Email             EmailConfig              `mapstructure:"email"`
	SMS               WebhookConfig            `mapstructure:"sms"`
	Push              WebhookConfig            `mapstructure:"push"`
	Rules             []model.NotificationRule `mapstructure:"rules"`
}

type EmailConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

// WebhookConfig describes an HTTP provider used for SMS or push delivery.
type WebhookConfig struct {
	URL    string `mapstructure:"url"`
	APIKey string `mapstructure:"api_key"`
	From   string `mapstructure:"from"`
}

type BreakerConfig struct {
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout"`
	HalfOpenRequests uint32        `mapstructure:"half_open_requests"`
	Fallback         string        `mapstructure:"fallback"`
}

type MonitorConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// SetDefaults registers a default for every key so env overrides resolve.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "jobflow")
	v.SetDefault("app.worker_id", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.compress", true)

	v.SetDefault("store.path", "jobflow.db")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.connect_timeout", 5*time.Second)
	v.SetDefault("nats.ack_wait", 30*time.Second)
	v.SetDefault("nats.max_deliver", 5)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.tick_interval", time.Second)

	v.SetDefault("dispatcher.enabled", true)
	v.SetDefault("dispatcher.workers", 4)
	v.SetDefault("dispatcher.backlog_size", 256)
	v.SetDefault("dispatcher.poll_interval", time.Second)
	v.SetDefault("dispatcher.lease_ttl", 0)
	v.SetDefault("dispatcher.reap_interval", 5*time.Second)
	v.SetDefault("dispatcher.execution_timeout", 0)
	v.SetDefault("dispatcher.retry_base_delay", time.Second)
	v.SetDefault("dispatcher.retry_max_delay", 5*time.Minute)
	v.SetDefault("dispatcher.max_cpu_percent", 0)
	v.SetDefault("dispatcher.max_memory_percent", 0)
	v.SetDefault("dispatcher.resource_interval", 5*time.Second)
	v.SetDefault("dispatcher.shell_working_dir", "")
	v.SetDefault("dispatcher.file_base_dir", "")
	v.SetDefault("dispatcher.database_path", "")
	v.SetDefault("dispatcher.docker_enabled", false)

	v.SetDefault("notification.enabled", true)
	v.SetDefault("notification.workers", 4)
	v.SetDefault("notification.batch_size", 50)
	v.SetDefault("notification.sweep_interval", 5*time.Second)
	v.SetDefault("notification.retry_interval", 30*time.Second)
	v.SetDefault("notification.default_max_retries", 3)
	v.SetDefault("notification.attempt_timeout", 10*time.Second)
	v.SetDefault("notification.email.port", 587)

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.open_timeout", 30*time.Second)
	v.SetDefault("breaker.half_open_requests", 1)
	v.SetDefault("breaker.fallback", "queue")

	v.SetDefault("monitor.interval", time.Minute)
}

// Load reads .env, the config file and JOBFLOW_* environment variables into v.
// A missing config file is not an error; every key has a default.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	SetDefaults(v)

	v.SetEnvPrefix("JOBFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that have no sensible fallback.
func (c *Config) Validate() error {
	if c.Dispatcher.Workers <= 0 {
		return fmt.Errorf("dispatcher.workers must be positive, got %d", c.Dispatcher.Workers)
	}
	if c.Notification.Workers <= 0 {
		return fmt.Errorf("notification.workers must be positive, got %d", c.Notification.Workers)
	}
	if c.Scheduler.TickInterval < time.Second {
		return fmt.Errorf("scheduler.tick_interval must be at least 1s, got %s", c.Scheduler.TickInterval)
	}
	if c.Dispatcher.RetryBaseDelay < 0 || c.Notification.RetryInterval < 0 {
		return errors.New("retry delays must not be negative")
	}
	switch c.Breaker.Fallback {
	case "noop", "log", "queue":
	default:
		return fmt.Errorf("breaker.fallback must be one of noop, log, queue; got %q", c.Breaker.Fallback)
	}
	return nil
}
