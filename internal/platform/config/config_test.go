package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnv_Defaults(t *testing.T) {
	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "dev", cfg.Environment)
	assert.Equal(t, devSigningKey, cfg.Server.JWTSigningKey)
	assert.Equal(t, 72*time.Hour, cfg.Policy.Blackout)
	assert.Equal(t, 5, cfg.Policy.MaxModifications)
	assert.False(t, cfg.Policy.CancelRespectsBlackout)
	assert.Equal(t, time.Second, cfg.Retry.BaseDelay)
	assert.Equal(t, 2.0, cfg.Retry.Multiplier)
	assert.Equal(t, 30*time.Second, cfg.Retry.MaxDelay)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 8*time.Second, cfg.Gateway.Timeout)
	assert.Empty(t, cfg.Postgres.DSN)
	assert.Empty(t, cfg.Kafka.Brokers)
	assert.Equal(t, time.Date(2027, 1, 15, 6, 0, 0, 0, time.UTC), cfg.Event.StartDate.UTC())
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("SANGHA_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("SANGHA_MAX_MODIFICATIONS", "3")
	t.Setenv("SANGHA_CANCEL_RESPECTS_BLACKOUT", "true")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 3, cfg.Policy.MaxModifications)
	assert.True(t, cfg.Policy.CancelRespectsBlackout)
}

func TestFromEnv_RejectsZeroAttempts(t *testing.T) {
	t.Setenv("SANGHA_RETRY_MAX_ATTEMPTS", "0")
	_, err := FromEnv()
	require.Error(t, err)
}

func TestFromEnv_WriteTimeoutMustCoverGatewayCall(t *testing.T) {
	t.Setenv("SANGHA_GATEWAY_TIMEOUT", "30s")
	t.Setenv("SANGHA_WRITE_TIMEOUT", "30s")
	_, err := FromEnv()
	require.Error(t, err)
}

func TestFromEnv_SigningKeyRequiredOutsideDev(t *testing.T) {
	t.Setenv("SANGHA_ENV", "production")

	_, err := FromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SANGHA_JWT_SIGNING_KEY")

	t.Setenv("SANGHA_JWT_SIGNING_KEY", "a-real-key")
	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "a-real-key", cfg.Server.JWTSigningKey)
}

func TestFromEnv_LockMustOutliveGatewayCall(t *testing.T) {
	t.Setenv("SANGHA_REDIS_LOCK_TTL", "5s")
	_, err := FromEnv()
	require.Error(t, err)
}
