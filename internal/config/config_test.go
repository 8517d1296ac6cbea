package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
)

func minimalViper() *viper.Viper {
	configViper := NewViper()
	configViper.Set("remote.base_url", "http://backend.local")
	configViper.Set("token.signing_secret", "secret")
	return configViper
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(minimalViper())
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}

	if cfg.HTTPAddress != "127.0.0.1:8090" {
		t.Fatalf("unexpected http address: %q", cfg.HTTPAddress)
	}
	if cfg.DatabasePath != "fieldsync.db" {
		t.Fatalf("unexpected database path: %q", cfg.DatabasePath)
	}
	if cfg.CacheVersion != "v1" {
		t.Fatalf("unexpected cache version: %q", cfg.CacheVersion)
	}
	if cfg.APIPrefix != "/api/" {
		t.Fatalf("unexpected api prefix: %q", cfg.APIPrefix)
	}
	if cfg.TokenTTL != 5*time.Minute {
		t.Fatalf("unexpected token ttl: %v", cfg.TokenTTL)
	}
	if cfg.RequestTimeout != 10*time.Second {
		t.Fatalf("unexpected request timeout: %v", cfg.RequestTimeout)
	}
	if cfg.ProbeInterval != 15*time.Second {
		t.Fatalf("unexpected probe interval: %v", cfg.ProbeInterval)
	}
	if !cfg.AutoSync {
		t.Fatalf("expected auto-sync on by default")
	}
	if cfg.SyncDisplayDelay != 3*time.Second {
		t.Fatalf("unexpected display delay: %v", cfg.SyncDisplayDelay)
	}
	if cfg.RejectedRetentionDays != 0 {
		t.Fatalf("expected rejected retention disabled by default, got %d", cfg.RejectedRetentionDays)
	}
}

func TestLoadHonorsOverrides(t *testing.T) {
	configViper := minimalViper()
	configViper.Set("http.address", "0.0.0.0:9000")
	configViper.Set("cache.version", "2024-08-release")
	configViper.Set("sync.auto", false)
	configViper.Set("sync.rejected_retention_days", 14)

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.HTTPAddress != "0.0.0.0:9000" {
		t.Fatalf("unexpected http address: %q", cfg.HTTPAddress)
	}
	if cfg.CacheVersion != "2024-08-release" {
		t.Fatalf("unexpected cache version: %q", cfg.CacheVersion)
	}
	if cfg.AutoSync {
		t.Fatalf("expected auto-sync disabled")
	}
	if cfg.RejectedRetentionDays != 14 {
		t.Fatalf("unexpected retention days: %d", cfg.RejectedRetentionDays)
	}
}

func TestLoadRejectsMissingRequiredKeys(t *testing.T) {
	cases := []struct {
		name  string
		unset string
	}{
		{name: "missing remote base url", unset: "remote.base_url"},
		{name: "missing signing secret", unset: "token.signing_secret"},
		{name: "missing database path", unset: "database.path"},
		{name: "missing cache version", unset: "cache.version"},
	}
	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			configViper := minimalViper()
			configViper.Set(testCase.unset, "")
			if _, err := Load(configViper); err == nil {
				t.Fatalf("expected validation error when %s is empty", testCase.unset)
			}
		})
	}
}
