package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "ATELIER"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabasePath       = "atelier.db"
	defaultLogLevel           = "info"
	defaultTokenTTLMinutes    = 30
	defaultFlushDelayMillis   = 1000
	defaultIdleTimeoutMinutes = 15
)

// AppConfig captures runtime configuration for the collaboration server.
type AppConfig struct {
	HTTPAddress       string
	DatabasePath      string
	LogLevel          string
	AuthSigningSecret string
	TokenTTL          time.Duration
	SceneFlushDelay   time.Duration
	SceneIdleTimeout  time.Duration
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
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("scene.flush_delay_ms", defaultFlushDelayMillis)
	configViper.SetDefault("scene.idle_timeout_minutes", defaultIdleTimeoutMinutes)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		AuthSigningSecret: configViper.GetString("auth.signing_secret"),
		TokenTTL:          time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		SceneFlushDelay:   time.Duration(configViper.GetInt("scene.flush_delay_ms")) * time.Millisecond,
		SceneIdleTimeout:  time.Duration(configViper.GetInt("scene.idle_timeout_minutes")) * time.Minute,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("token.ttl_minutes must be positive")
	}
	if c.SceneFlushDelay <= 0 {
		return fmt.Errorf("scene.flush_delay_ms must be positive")
	}
	if c.SceneIdleTimeout <= 0 {
		return fmt.Errorf("scene.idle_timeout_minutes must be positive")
	}
	return nil
}
