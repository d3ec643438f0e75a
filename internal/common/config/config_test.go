package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "local", cfg.Bus.Backend)
	assert.Equal(t, 5000, cfg.Bus.MaxQueueSize)
	assert.Equal(t, 30000, cfg.Challenge.TTLMs)
	assert.Equal(t, 1000, cfg.Scheduler.TickMs)
	assert.Equal(t, 300, cfg.DMQueue.TTLSeconds)
	assert.Equal(t, 86400, cfg.DMQueue.HighPriorityTTLSeconds)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("RINGFORGE_SERVER_PORT", "9191")
	t.Setenv("RINGFORGE_CHALLENGE_TTL_MS", "5000")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, 5000, cfg.Challenge.TTLMs)
}

func TestValidateRejectsKafkaWithoutBrokers(t *testing.T) {
	t.Setenv("RINGFORGE_BUS_BACKEND", "kafka")

	_, err := LoadWithPath(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bus.brokers")
}

func TestValidateRejectsUnknownBackend(t *testing.T) {
	t.Setenv("RINGFORGE_BUS_BACKEND", "rabbitmq")

	_, err := LoadWithPath(t.TempDir())
	require.Error(t, err)
}
