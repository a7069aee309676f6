package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, 5, cfg.Matching.DefaultLimit)
	assert.Equal(t, 4, cfg.Matching.BatchWorkers)
	assert.Equal(t, DefaultWeights(), cfg.Matching.Weights)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("LIFELINE_SERVER_PORT", "9999")
	t.Setenv("LIFELINE_LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := []byte("log_level: warn\nserver:\n  port: 7070\nmatching:\n  default_limit: 3\n")
	require.NoError(t, os.WriteFile(path, body, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Matching.DefaultLimit)
	// untouched keys keep their defaults
	assert.Equal(t, "sqlite", cfg.Database.Driver)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestDefaultWeightsBloodComponentsSumAboveCap(t *testing.T) {
	w := DefaultWeights()
	total := w.BloodExactTypeBonus + w.BloodProximityMax + w.BloodAvailabilityBonus +
		w.BloodNonSmokerBonus + w.BloodLowAlcoholBonus + w.BloodHealthyBMIBonus + w.BloodRecencyMax
	assert.Greater(t, total, 100.0, "a perfect donor saturates the 0-100 scale")
}
