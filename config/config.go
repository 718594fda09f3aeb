package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds all configuration for the lifecycle manager.
// Tags use mapstructure for Viper unmarshalling.
type ServerConfig struct {
	HTTPPort  string `mapstructure:"HTTP_PORT"`
	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogPretty bool   `mapstructure:"LOG_PRETTY"`

	// Storage selects the repository backend: "memory" or "mongo".
	Storage     string `mapstructure:"STORAGE"`
	MongoURI    string `mapstructure:"MONGO_URI"`
	MongoDBName string `mapstructure:"MONGO_DB_NAME"`

	// RedisAddr enables the Redis access-token cache when non-empty;
	// otherwise the in-memory ttlcache backend is used.
	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`

	// Pairing / session lifecycle.
	PairingTTLSec        int `mapstructure:"PAIRING_TTL_SEC"`
	LivenessThresholdSec int `mapstructure:"LIVENESS_THRESHOLD_SEC"`
	FailureBudget        int `mapstructure:"FAILURE_BUDGET"`

	// Credential refresh.
	RefreshMarginMin  int    `mapstructure:"REFRESH_MARGIN_MIN"`
	RefreshTimeoutSec int    `mapstructure:"REFRESH_TIMEOUT_SEC"`
	RefreshRetries    int    `mapstructure:"REFRESH_RETRIES"`
	IdPTokenURL       string `mapstructure:"IDP_TOKEN_URL"`
	IdPClientID       string `mapstructure:"IDP_CLIENT_ID"`
	IdPClientSecret   string `mapstructure:"IDP_CLIENT_SECRET"`

	// Health observer.
	HealthIntervalSec int `mapstructure:"HEALTH_INTERVAL_SEC"`

	// TransportURL points at the messaging-transport gateway; empty
	// selects the loopback transport for development.
	TransportURL        string `mapstructure:"TRANSPORT_URL"`
	TransportTimeoutSec int    `mapstructure:"TRANSPORT_TIMEOUT_SEC"`

	// Dispatcher.
	WebhookURLs       []string `mapstructure:"WEBHOOK_URLS"`
	WebhookTimeoutSec int      `mapstructure:"WEBHOOK_TIMEOUT_SEC"`
}

func (c *ServerConfig) PairingTTL() time.Duration {
	return time.Duration(c.PairingTTLSec) * time.Second
}

func (c *ServerConfig) LivenessThreshold() time.Duration {
	return time.Duration(c.LivenessThresholdSec) * time.Second
}

func (c *ServerConfig) RefreshMargin() time.Duration {
	return time.Duration(c.RefreshMarginMin) * time.Minute
}

func (c *ServerConfig) RefreshTimeout() time.Duration {
	return time.Duration(c.RefreshTimeoutSec) * time.Second
}

func (c *ServerConfig) HealthInterval() time.Duration {
	return time.Duration(c.HealthIntervalSec) * time.Second
}

func (c *ServerConfig) WebhookTimeout() time.Duration {
	return time.Duration(c.WebhookTimeoutSec) * time.Second
}

func (c *ServerConfig) TransportTimeout() time.Duration {
	return time.Duration(c.TransportTimeoutSec) * time.Second
}

// LoadConfig reads configuration from file, environment variables, and defaults.
func LoadConfig() (*ServerConfig, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/linkd/")
	v.AddConfigPath("$HOME/.linkd")
	v.AddConfigPath(".")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("HTTP_PORT", "8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_PRETTY", true)
	v.SetDefault("STORAGE", "memory")
	v.SetDefault("MONGO_URI", "mongodb://localhost:27017/linkd_dev")
	v.SetDefault("MONGO_DB_NAME", "linkd_dev")
	// Keys without a meaningful default still need to be registered,
	// otherwise AutomaticEnv never surfaces them to Unmarshal.
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("IDP_CLIENT_ID", "")
	v.SetDefault("IDP_CLIENT_SECRET", "")
	v.SetDefault("TRANSPORT_URL", "")
	v.SetDefault("WEBHOOK_URLS", []string{})
	v.SetDefault("PAIRING_TTL_SEC", 90)
	v.SetDefault("LIVENESS_THRESHOLD_SEC", 90)
	v.SetDefault("FAILURE_BUDGET", 3)
	v.SetDefault("REFRESH_MARGIN_MIN", 5)
	v.SetDefault("REFRESH_TIMEOUT_SEC", 10)
	v.SetDefault("REFRESH_RETRIES", 3)
	v.SetDefault("IDP_TOKEN_URL", "https://oauth2.googleapis.com/token")
	v.SetDefault("HEALTH_INTERVAL_SEC", 15)
	v.SetDefault("TRANSPORT_TIMEOUT_SEC", 10)
	v.SetDefault("WEBHOOK_TIMEOUT_SEC", 5)

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine, defaults and env vars apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	return &cfg, nil
}
