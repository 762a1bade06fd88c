package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 3000 || cfg.Stage != "DEV" || cfg.AppName != "glim-node" {
		t.Fatalf("unexpected app defaults %+v", cfg)
	}
	if cfg.Cache.Enabled {
		t.Fatalf("cache middleware must be off by default")
	}
	if cfg.Cache.KeyExpire != 24*time.Hour || cfg.Cache.Driver != "memory" || cfg.Cache.Anonymous != "bypass" {
		t.Fatalf("unexpected cache defaults %+v", cfg.Cache)
	}
	if cfg.Cache.BreakerFailures != 5 || cfg.Cache.BreakerTimeout != 30*time.Second {
		t.Fatalf("unexpected breaker defaults %+v", cfg.Cache)
	}
	if cfg.Statistic.URL != "" || cfg.Statistic.Timeout != 5*time.Second || cfg.Statistic.DNSRefresh != 5*time.Minute {
		t.Fatalf("unexpected statistic defaults %+v", cfg.Statistic)
	}
	if cfg.Tracing.Endpoint != "" || cfg.Tracing.SampleRate != 1 {
		t.Fatalf("unexpected tracing defaults %+v", cfg.Tracing)
	}
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("APP_ENV", "production")
	t.Setenv("PORT", "8080")
	t.Setenv("CACHE_MIDDLEWARE", "true")
	t.Setenv("CACHE_MIDDLEWARE_KEY_EXPIRE", "60")
	t.Setenv("CACHE_MIDDLEWARE_ANONYMOUS", "REJECT")
	t.Setenv("CACHE_DRIVER", "redis")
	t.Setenv("CACHE_HOST", "cache.internal")
	t.Setenv("CACHE_PORT", "6380")
	t.Setenv("HTTP_STATISTIC_URL", "http://stats.internal")
	t.Setenv("HTTP_STATISTIC_TIMEOUT", "250")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Stage != "PRD" || cfg.Port != 8080 {
		t.Fatalf("unexpected app config %+v", cfg)
	}
	if !cfg.Cache.Enabled || cfg.Cache.KeyExpire != time.Minute || cfg.Cache.Anonymous != "reject" {
		t.Fatalf("unexpected cache config %+v", cfg.Cache)
	}
	if cfg.Cache.Addr() != "cache.internal:6380" {
		t.Fatalf("unexpected addr %q", cfg.Cache.Addr())
	}
	if cfg.Statistic.Timeout != 250*time.Millisecond {
		t.Fatalf("unexpected statistic timeout %v", cfg.Statistic.Timeout)
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "glim.yaml")
	data := "app_name: from-file\ncache_driver: redis\ncache_host: file-host\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("CACHE_HOST", "env-host")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AppName != "from-file" || cfg.Cache.Driver != "redis" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Cache.Host != "env-host" {
		t.Fatalf("environment must override the file, got %q", cfg.Cache.Host)
	}
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("APP_ENV", "moon")
	t.Setenv("CACHE_DRIVER", "memcached")
	t.Setenv("CACHE_MIDDLEWARE_ANONYMOUS", "maybe")
	t.Setenv("OTEL_SAMPLE_RATE", "1.5")

	_, err := Load()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"APP_ENV", "CACHE_DRIVER", "CACHE_MIDDLEWARE_ANONYMOUS", "OTEL_SAMPLE_RATE"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %s", err, want)
		}
	}
}
