package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "FIELDSYNC"
	defaultHTTPAddress     = "127.0.0.1:8090"
	defaultDatabasePath    = "fieldsync.db"
	defaultLogLevel        = "info"
	defaultCacheVersion    = "v1"
	defaultAPIPrefix       = "/api/"
	defaultRequestTimeoutS = 10
	defaultProbeIntervalS  = 15
	defaultTokenTTLMinutes = 5
	defaultDisplayDelayS   = 3
)

// AppConfig captures runtime configuration for the sync agent.
type AppConfig struct {
	HTTPAddress           string
	DatabasePath          string
	LogLevel              string
	RemoteBaseURL         string
	APIPrefix             string
	CacheVersion          string
	SigningSecret         string
	TokenTTL              time.Duration
	RequestTimeout        time.Duration
	ProbeInterval         time.Duration
	AutoSync              bool
	SyncDisplayDelay      time.Duration
	RejectedRetentionDays int
	OfflinePlaceholder    string
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
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("remote.api_prefix", defaultAPIPrefix)
	configViper.SetDefault("remote.timeout_s", defaultRequestTimeoutS)
	configViper.SetDefault("cache.version", defaultCacheVersion)
	configViper.SetDefault("connectivity.probe_interval_s", defaultProbeIntervalS)
	configViper.SetDefault("sync.auto", true)
	configViper.SetDefault("sync.display_delay_s", defaultDisplayDelayS)
	configViper.SetDefault("sync.rejected_retention_days", 0)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMinutes)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:           configViper.GetString("http.address"),
		DatabasePath:          configViper.GetString("database.path"),
		LogLevel:              configViper.GetString("log.level"),
		RemoteBaseURL:         configViper.GetString("remote.base_url"),
		APIPrefix:             configViper.GetString("remote.api_prefix"),
		CacheVersion:          configViper.GetString("cache.version"),
		SigningSecret:         configViper.GetString("token.signing_secret"),
		TokenTTL:              time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		RequestTimeout:        time.Duration(configViper.GetInt("remote.timeout_s")) * time.Second,
		ProbeInterval:         time.Duration(configViper.GetInt("connectivity.probe_interval_s")) * time.Second,
		AutoSync:              configViper.GetBool("sync.auto"),
		SyncDisplayDelay:      time.Duration(configViper.GetInt("sync.display_delay_s")) * time.Second,
		RejectedRetentionDays: configViper.GetInt("sync.rejected_retention_days"),
		OfflinePlaceholder:    configViper.GetString("cache.offline_placeholder"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.RemoteBaseURL) == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.CacheVersion) == "" {
		return fmt.Errorf("cache.version is required")
	}
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("token.signing_secret is required")
	}
	return nil
}
