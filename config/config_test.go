package config_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftloom/agentcore/config"
)

func TestFromEnvAppliesDefaults(t *testing.T) {
	for _, key := range []string{"REDIS_HOST", "REDIS_PORT", "REDIS_PASSWORD", "REDIS_SSL", "MAX_PARALLEL_AGENT_RUNS", "INSTANCE_ID"} {
		require.NoError(t, os.Unsetenv(key))
	}

	cfg := config.FromEnv()
	assert.Equal(t, "localhost", cfg.Redis.Host)
	assert.Equal(t, 6379, cfg.Redis.Port)
	assert.False(t, cfg.Redis.SSL)
	assert.Equal(t, 0, cfg.MaxParallelAgentRuns)
	assert.NotEmpty(t, cfg.InstanceID)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr())
}

func TestFromEnvHonorsOverrides(t *testing.T) {
	t.Setenv("REDIS_HOST", "redis.internal")
	t.Setenv("REDIS_PORT", "6400")
	t.Setenv("REDIS_SSL", "true")
	t.Setenv("MAX_PARALLEL_AGENT_RUNS", "5")
	t.Setenv("INSTANCE_ID", "worker-7")

	cfg := config.FromEnv()
	assert.Equal(t, "redis.internal", cfg.Redis.Host)
	assert.Equal(t, 6400, cfg.Redis.Port)
	assert.True(t, cfg.Redis.SSL)
	assert.Equal(t, 5, cfg.MaxParallelAgentRuns)
	assert.Equal(t, "worker-7", cfg.InstanceID)
	assert.Equal(t, "redis.internal:6400", cfg.Redis.Addr())
}
