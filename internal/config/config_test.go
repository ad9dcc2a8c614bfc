package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("TALLYO_POSTGRES_USER", "tallyo")
	t.Setenv("TALLYO_POSTGRES_PASSWORD", "tallyo")
	t.Setenv("TALLYO_POSTGRES_HOST", "localhost")
	t.Setenv("TALLYO_POSTGRES_PORT", "5432")
	t.Setenv("TALLYO_POSTGRES_DB", "tallyo")
	t.Setenv("TALLYO_POSTGRES_SSLMODE", "disable")
	t.Setenv("TALLYO_REDIS_HOST", "localhost")
	t.Setenv("TALLYO_REDIS_PORT", "6379")
	t.Setenv("TALLYO_NATS_HOST", "localhost")
	t.Setenv("TALLYO_NATS_PORT", "4222")
	t.Setenv("TALLYO_WEBHOOK_SECRET", "whsec_test")
	t.Setenv("TALLYO_API_ENABLED", "")
	t.Setenv("TALLYO_API_PORT", "")
}

func TestConfigApiEnabledRequiresPort(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("TALLYO_API_ENABLED", "true")

	_, err := New()
	require.Error(t, err, "an enabled API without a port must fail at load, not be skipped")
	assert.Contains(t, err.Error(), "TALLYO_API_PORT")
}

func TestConfigApiEnabledWithPort(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("TALLYO_API_ENABLED", "true")
	t.Setenv("TALLYO_API_PORT", "8080")

	cfg, err := New()
	require.NoError(t, err)

	addr, err := cfg.ApiAddr()
	require.NoError(t, err)
	assert.Equal(t, ":8080", addr)
}

func TestConfigApiDisabled(t *testing.T) {
	setBaseEnv(t)

	cfg, err := New()
	require.NoError(t, err)

	_, err = cfg.ApiAddr()
	assert.Error(t, err, "disabled API reports no address; callers skip the server")
}

func TestConfigMissingWebhookSecret(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("TALLYO_WEBHOOK_SECRET", "")

	_, err := New()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TALLYO_WEBHOOK_SECRET")
}
