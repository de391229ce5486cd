package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, ":8000", cfg.HTTPAddress)
	assert.Equal(t, 3*time.Second, cfg.Cooldown)
	assert.Equal(t, 5*time.Second, cfg.CaptureTimeout)
	assert.Equal(t, 2, cfg.CaptureRetries)
	assert.Equal(t, 200*1024, cfg.MaxImageBytes)
	assert.Equal(t, 100, cfg.HistoryCapacity)
	assert.Equal(t, 4096, cfg.ChunkSize)
	assert.InDelta(t, 0.85, cfg.FuzzyThreshold, 1e-9)
	assert.NotEmpty(t, cfg.TriggerPhrases)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("COOLDOWN_SECONDS", "1.5")
	t.Setenv("CAPTURE_RETRIES", "0")
	t.Setenv("TRIGGER_PHRASES", "look at this, what is that ,")

	cfg := Load()

	assert.Equal(t, 1500*time.Millisecond, cfg.Cooldown)
	assert.Equal(t, 0, cfg.CaptureRetries)
	require.Len(t, cfg.TriggerPhrases, 2)
	assert.Equal(t, "look at this", cfg.TriggerPhrases[0])
	assert.Equal(t, "what is that", cfg.TriggerPhrases[1])
}

func TestEnvDuration_Invalid(t *testing.T) {
	t.Setenv("VISION_TIMEOUT_SECONDS", "banana")
	cfg := Load()
	assert.Equal(t, 15*time.Second, cfg.VisionTimeout)
}
