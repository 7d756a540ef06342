package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	require.Equal(t, 8, cfg.WorkerPoolSize)
	require.Equal(t, 100, cfg.QueueCapacity)
	require.Equal(t, 10*time.Minute, cfg.CacheTTLWeather)
	require.Equal(t, 5, cfg.BreakerThreshold)
	require.Equal(t, 30*time.Second, cfg.BreakerCooldown)
	require.Equal(t, 5000, cfg.OptMaxIterations)
	require.True(t, cfg.UseMockStore)
	require.Equal(t, "burnshed", cfg.MongoDB)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("BURNSHED_WORKER_POOL_SIZE", "4")
	t.Setenv("BURNSHED_BREAKER_COOLDOWN", "5s")
	t.Setenv("BURNSHED_OPT_SEED", "42")
	t.Setenv("BURNSHED_USE_MOCK_WEATHER", "false")
	t.Setenv("SLACK_CHANNEL", "#burn-alerts")

	cfg := Load()
	require.Equal(t, 4, cfg.WorkerPoolSize)
	require.Equal(t, 5*time.Second, cfg.BreakerCooldown)
	require.EqualValues(t, 42, cfg.OptSeed)
	require.False(t, cfg.UseMockWeather)
	require.Equal(t, "#burn-alerts", cfg.SlackChannel)
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	t.Setenv("BURNSHED_QUEUE_CAPACITY", "not-a-number")
	t.Setenv("BURNSHED_CACHE_TTL_WEATHER", "-3m")
	t.Setenv("BURNSHED_USE_MOCK_STORE", "maybe")

	cfg := Load()
	require.Equal(t, 100, cfg.QueueCapacity)
	require.Equal(t, 10*time.Minute, cfg.CacheTTLWeather)
	require.True(t, cfg.UseMockStore)
}
