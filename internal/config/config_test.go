package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("HTTP_PORT", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, "sqlite", cfg.StoreDriver)
	assert.Equal(t, 5*time.Second, cfg.StoreTimeout)
	assert.Equal(t, 5*time.Minute, cfg.AssistantTimeout)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "assistant.toml")
	content := `
http_port = 9090
store_driver = "bolt"
bolt_path = "/tmp/conv.bolt"
assistant_timeout_ms = 1500
log_level = "debug"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("HTTP_PORT", "9191")
	t.Setenv("ASSISTANT_RPS", "2.5")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9191, cfg.HTTPPort)
	assert.Equal(t, "bolt", cfg.StoreDriver)
	assert.Equal(t, "/tmp/conv.bolt", cfg.BoltPath)
	assert.Equal(t, 1500*time.Millisecond, cfg.AssistantTimeout)
	assert.Equal(t, 2.5, cfg.AssistantRPS)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadInvalidFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.toml"))

	_, err := Load()
	assert.Error(t, err)
}

func TestGetEnvIntIgnoresGarbage(t *testing.T) {
	t.Setenv("WS_MAX_MESSAGE_SIZE", "lots")
	assert.Equal(t, 42, getEnvInt("WS_MAX_MESSAGE_SIZE", 42))
}
