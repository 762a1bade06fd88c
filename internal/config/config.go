// Package config loads service settings from the environment (and an
// optional config file) through viper.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	AppName  string
	Env      string
	Stage    string // DEV | STG | PRD
	Port     int
	LogLevel string

	ShutdownTimeout time.Duration

	Cache     CacheConfig
	Statistic StatisticConfig
	Tracing   TracingConfig
}

type CacheConfig struct {
	// Enabled is the CACHE_MIDDLEWARE feature flag.
	Enabled   bool
	KeyExpire time.Duration
	Anonymous string // bypass | reject

	Driver   string // memory | redis
	Host     string
	Port     int
	Password string

	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

func (c CacheConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// StatisticConfig configures the optional statistics web service. An empty
// URL disables it.
type StatisticConfig struct {
	URL     string
	Timeout time.Duration

	// DNSRefresh is how often cached lookups of the service host are renewed.
	DNSRefresh time.Duration
}

// TracingConfig enables OTLP export when Endpoint is set.
type TracingConfig struct {
	Endpoint   string
	SampleRate float64
}

var stages = map[string]string{
	"local":       "DEV",
	"development": "DEV",
	"dev":         "DEV",
	"staging":     "STG",
	"production":  "PRD",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app_name", "glim-node")
	v.SetDefault("app_env", "local")
	v.SetDefault("port", 3000)
	v.SetDefault("log_level", "info")
	v.SetDefault("shutdown_timeout", "10s")

	v.SetDefault("cache_middleware", false)
	v.SetDefault("cache_middleware_key_expire", 86400)
	v.SetDefault("cache_middleware_anonymous", "bypass")
	v.SetDefault("cache_driver", "memory")
	v.SetDefault("cache_host", "localhost")
	v.SetDefault("cache_port", 6379)
	v.SetDefault("cache_password", "")
	v.SetDefault("cache_breaker_failures", 5)
	v.SetDefault("cache_breaker_timeout", "30s")

	v.SetDefault("http_statistic_url", "")
	v.SetDefault("http_statistic_timeout", 5000)
	v.SetDefault("http_statistic_dns_refresh", "5m")

	v.SetDefault("otel_exporter_otlp_endpoint", "")
	v.SetDefault("otel_sample_rate", 1.0)
}

// Load reads the environment. When CONFIG_FILE is set, that file supplies
// values the environment does not override.
func Load() (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if file := os.Getenv("CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", file, err)
		}
	}

	cfg := Config{
		AppName:         v.GetString("app_name"),
		Env:             strings.ToLower(v.GetString("app_env")),
		Port:            v.GetInt("port"),
		LogLevel:        v.GetString("log_level"),
		ShutdownTimeout: v.GetDuration("shutdown_timeout"),
		Cache: CacheConfig{
			Enabled:         v.GetBool("cache_middleware"),
			KeyExpire:       time.Duration(v.GetInt64("cache_middleware_key_expire")) * time.Second,
			Anonymous:       strings.ToLower(v.GetString("cache_middleware_anonymous")),
			Driver:          strings.ToLower(v.GetString("cache_driver")),
			Host:            v.GetString("cache_host"),
			Port:            v.GetInt("cache_port"),
			Password:        v.GetString("cache_password"),
			BreakerFailures: v.GetUint32("cache_breaker_failures"),
			BreakerTimeout:  v.GetDuration("cache_breaker_timeout"),
		},
		Statistic: StatisticConfig{
			URL:        v.GetString("http_statistic_url"),
			Timeout:    time.Duration(v.GetInt64("http_statistic_timeout")) * time.Millisecond,
			DNSRefresh: v.GetDuration("http_statistic_dns_refresh"),
		},
		Tracing: TracingConfig{
			Endpoint:   v.GetString("otel_exporter_otlp_endpoint"),
			SampleRate: v.GetFloat64("otel_sample_rate"),
		},
	}
	cfg.Stage = stages[cfg.Env]

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs []error

	if c.Stage == "" {
		errs = append(errs, fmt.Errorf("APP_ENV %q must be one of local, development, staging, production", c.Env))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT %d out of range", c.Port))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("SHUTDOWN_TIMEOUT must be positive"))
	}
	if c.Cache.KeyExpire <= 0 {
		errs = append(errs, errors.New("CACHE_MIDDLEWARE_KEY_EXPIRE must be positive"))
	}
	switch c.Cache.Anonymous {
	case "bypass", "reject":
	default:
		errs = append(errs, fmt.Errorf("CACHE_MIDDLEWARE_ANONYMOUS %q must be bypass or reject", c.Cache.Anonymous))
	}
	switch c.Cache.Driver {
	case "memory":
	case "redis":
		if c.Cache.Host == "" {
			errs = append(errs, errors.New("CACHE_HOST is required for the redis driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("CACHE_DRIVER %q must be memory or redis", c.Cache.Driver))
	}
	if c.Cache.BreakerTimeout <= 0 {
		errs = append(errs, errors.New("CACHE_BREAKER_TIMEOUT must be positive"))
	}
	if c.Statistic.URL != "" && c.Statistic.Timeout <= 0 {
		errs = append(errs, errors.New("HTTP_STATISTIC_TIMEOUT must be positive"))
	}
	if c.Statistic.URL != "" && c.Statistic.DNSRefresh <= 0 {
		errs = append(errs, errors.New("HTTP_STATISTIC_DNS_REFRESH must be positive"))
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("OTEL_SAMPLE_RATE %v must be within [0, 1]", c.Tracing.SampleRate))
	}

	return errors.Join(errs...)
}
