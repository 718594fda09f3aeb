package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.Equal(t, "memory", cfg.Storage)
	assert.Equal(t, 90*time.Second, cfg.PairingTTL())
	assert.Equal(t, 5*time.Minute, cfg.RefreshMargin())
	assert.Equal(t, 15*time.Second, cfg.HealthInterval())
	assert.Equal(t, 3, cfg.FailureBudget)
	assert.Empty(t, cfg.RedisAddr)
	assert.Empty(t, cfg.TransportURL)
	assert.Empty(t, cfg.WebhookURLs)
}

func TestLoadConfigEnvOnlyKeys(t *testing.T) {
	t.Setenv("IDP_CLIENT_ID", "client-from-env")
	t.Setenv("IDP_CLIENT_SECRET", "secret-from-env")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("REDIS_PASSWORD", "hunter2")
	t.Setenv("REDIS_DB", "2")
	t.Setenv("TRANSPORT_URL", "https://gateway.internal")
	t.Setenv("WEBHOOK_URLS", "https://hooks.a.test/in,https://hooks.b.test/in")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "client-from-env", cfg.IdPClientID)
	assert.Equal(t, "secret-from-env", cfg.IdPClientSecret)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, "hunter2", cfg.RedisPassword)
	assert.Equal(t, 2, cfg.RedisDB)
	assert.Equal(t, "https://gateway.internal", cfg.TransportURL)
	assert.Equal(t, []string{"https://hooks.a.test/in", "https://hooks.b.test/in"}, cfg.WebhookURLs)
}

func TestLoadConfigEnvOverridesDefault(t *testing.T) {
	t.Setenv("PAIRING_TTL_SEC", "60")
	t.Setenv("STORAGE", "mongo")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 60*time.Second, cfg.PairingTTL())
	assert.Equal(t, "mongo", cfg.Storage)
}
