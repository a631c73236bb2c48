package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

const (
	SourceZpool = "zpool"
	SourceRedis = "redis"

	ScopeGlobal = "global"
	ScopeClass  = "class"
)

// Config holds all application configuration.
type Config struct {
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	Source       string        `env:"SOURCE" envDefault:"zpool"`
	ZpoolPath    string        `env:"ZPOOL_PATH" envDefault:"zpool"`
	ZpoolTimeout time.Duration `env:"ZPOOL_TIMEOUT" envDefault:"30s"`
	RedisAddr    string        `env:"REDIS_ADDR" envDefault:"redis://localhost:6379/0"`
	RedisStream  string        `env:"REDIS_STREAM" envDefault:"zpool_events"`
	RedisGroup   string        `env:"REDIS_GROUP" envDefault:"zpool-watch"`

	NotifierPath    string        `env:"NOTIFIER_PATH" envDefault:"/root/ntfy/send_zpool_status.sh"`
	NotifierArgs    []string      `env:"NOTIFIER_ARGS" envSeparator:","`
	NotifierTimeout time.Duration `env:"NOTIFIER_TIMEOUT" envDefault:"60s"`

	IgnoredClasses      []string      `env:"IGNORED_CLASSES" envSeparator:"," envDefault:"sysevent.fs.zfs.history_event,sysevent.fs.zfs.trim_start,sysevent.fs.zfs.trim_finish,sysevent.fs.zfs.scrub_start"`
	MinInterval         time.Duration `env:"MIN_INTERVAL" envDefault:"30m"`
	RateLimitScope      string        `env:"RATE_LIMIT_SCOPE" envDefault:"global"`
	ScrubGuard          bool          `env:"SCRUB_GUARD" envDefault:"true"`
	StartupNotification bool          `env:"STARTUP_NOTIFICATION" envDefault:"true"`

	SourceRetryMax        int           `env:"SOURCE_RETRY_MAX" envDefault:"5"`
	SourceRetryBackoff    time.Duration `env:"SOURCE_RETRY_BACKOFF" envDefault:"1s"`
	SourceRetryMaxBackoff time.Duration `env:"SOURCE_RETRY_MAX_BACKOFF" envDefault:"1m"`

	AdminAddr string `env:"ADMIN_ADDR" envDefault:":9091"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	// Attempt to load .env file for local development.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects settings the monitor cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Source != SourceZpool && c.Source != SourceRedis {
		errs = append(errs, fmt.Errorf("SOURCE must be %q or %q, got %q", SourceZpool, SourceRedis, c.Source))
	}
	if c.RateLimitScope != ScopeGlobal && c.RateLimitScope != ScopeClass {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_SCOPE must be %q or %q, got %q", ScopeGlobal, ScopeClass, c.RateLimitScope))
	}
	if c.NotifierPath == "" {
		errs = append(errs, errors.New("NOTIFIER_PATH is required"))
	}
	if c.NotifierTimeout <= 0 {
		errs = append(errs, errors.New("NOTIFIER_TIMEOUT must be positive"))
	}
	if c.ZpoolTimeout <= 0 {
		errs = append(errs, errors.New("ZPOOL_TIMEOUT must be positive"))
	}
	if c.MinInterval <= 0 {
		errs = append(errs, errors.New("MIN_INTERVAL must be positive"))
	}
	if c.SourceRetryMax < 0 {
		errs = append(errs, errors.New("SOURCE_RETRY_MAX must not be negative"))
	}
	if c.SourceRetryBackoff <= 0 || c.SourceRetryMaxBackoff < c.SourceRetryBackoff {
		errs = append(errs, errors.New("SOURCE_RETRY_BACKOFF must be positive and not exceed SOURCE_RETRY_MAX_BACKOFF"))
	}
	return errors.Join(errs...)
}
