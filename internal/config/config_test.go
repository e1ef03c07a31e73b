package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "anthropic", cfg.Provider.Name)
	assert.Equal(t, 4096, cfg.Provider.MaxTokens)
	assert.InDelta(t, 0.1, cfg.Provider.Temperature, 1e-9)
	assert.Equal(t, 120, cfg.Pipeline.RunTimeoutSecs)
	assert.Equal(t, 60, cfg.Pipeline.CallTimeoutSecs)
	assert.Equal(t, "handover", cfg.Output.Mode)
	assert.Equal(t, "markdown", cfg.Output.Format)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("CLINITY_LOG_LEVEL", "debug")
	t.Setenv("CLINITY_OUTPUT_MODE", "ward-list")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "ward-list", cfg.Output.Mode)
}

func TestInitLoggerRejectsBadLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "shout", Format: "json"})
	require.Error(t, err)
}

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "info", Format: "console"}))
}
