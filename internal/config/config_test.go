package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
database_path: /var/lib/wotfetch/hints.db
min_hint_capacity: 6
fast_poll_interval: 90s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/wotfetch/hints.db", cfg.DatabasePath)
	assert.Equal(t, 6, cfg.MinHintCapacity)
	assert.Equal(t, 90*time.Second, cfg.FastPollInterval.Std())
	// Untouched fields keep their defaults.
	assert.Equal(t, Default().QueueDir, cfg.QueueDir)
	assert.Equal(t, Default().MaxQueuedFileSize, cfg.MaxQueuedFileSize)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("min_hint_capacity: 0\n"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
