package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoader(t *testing.T) {
	loader := NewLoader("/path/to/config.json")
	assert.NotNil(t, loader)
	assert.Equal(t, "/path/to/config.json", loader.GetConfigPath())
}

func TestLoaderLoad(t *testing.T) {
	t.Run("load default config when file doesn't exist", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "nonexistent.json")

		cfg, err := NewLoader(configPath).Load()

		require.NoError(t, err)
		assert.Equal(t, "anthropic", cfg.Upstream.Provider)
		assert.NotEmpty(t, cfg.DataDir)
		assert.NotEmpty(t, cfg.Storage.DBPath)
	})

	t.Run("load config from file", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.json")

		testConfig := `{
			"upstream": {"provider": "openai", "model": "gpt-4o"},
			"generation": {"max_turns": 12, "retry_delay": "250ms"},
			"data_dir": "` + filepath.ToSlash(tmpDir) + `"
		}`
		require.NoError(t, os.WriteFile(configPath, []byte(testConfig), 0644))

		cfg, err := NewLoader(configPath).Load()

		require.NoError(t, err)
		assert.Equal(t, "openai", cfg.Upstream.Provider)
		assert.Equal(t, "gpt-4o", cfg.Upstream.Model)
		assert.Equal(t, 4096, cfg.Upstream.MaxTokens)
		assert.Equal(t, 12, cfg.Generation.MaxTurns)
		assert.Equal(t, 250*time.Millisecond, cfg.Generation.RetryDelay)
		assert.Equal(t, filepath.Join(tmpDir, "generated_apps"), cfg.Generation.OutputDir)
	})

	t.Run("environment overrides", func(t *testing.T) {
		tmpDir := t.TempDir()
		t.Setenv("APPGEN_UPSTREAM_MODEL", "claude-3-haiku-20240307")
		t.Setenv("APPGEN_GATEWAY_PORT", "9001")
		t.Setenv("APPGEN_DATA_DIR", tmpDir)

		cfg, err := NewLoader(filepath.Join(tmpDir, "missing.json")).Load()

		require.NoError(t, err)
		assert.Equal(t, "claude-3-haiku-20240307", cfg.Upstream.Model)
		assert.Equal(t, 9001, cfg.Gateway.Port)
		assert.Equal(t, tmpDir, cfg.DataDir)
	})

	t.Run("invalid JSON", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "config.json")
		require.NoError(t, os.WriteFile(configPath, []byte("{invalid"), 0644))

		_, err := NewLoader(configPath).Load()
		assert.Error(t, err)
	})
}

func TestLoaderSave(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "sub", "config.json")

	cfg := DefaultConfig()
	cfg.Upstream.Model = "saved-model"
	cfg.DataDir = tmpDir

	loader := NewLoader(configPath)
	require.NoError(t, loader.Save(cfg))
	assert.FileExists(t, configPath)

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, "saved-model", loaded.Upstream.Model)
	assert.Equal(t, cfg.Generation.RetryDelay, loaded.Generation.RetryDelay)
}
