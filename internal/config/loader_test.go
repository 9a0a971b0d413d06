package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoader(t *testing.T) {
	loader := NewLoader("/path/to/config.json")
	assert.NotNil(t, loader)
	assert.Equal(t, "/path/to/config.json", loader.configPath)
}

func TestLoaderLoad(t *testing.T) {
	t.Run("load default config when file doesn't exist", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "nonexistent.json")

		cfg, err := NewLoader(configPath).Load()

		require.NoError(t, err)
		assert.Equal(t, "sdk", cfg.Provider)
		assert.Equal(t, tmpDir, cfg.DataDir)
		assert.Equal(t, filepath.Join(tmpDir, "conduit.log"), cfg.Logging.File)
	})

	t.Run("load config from file", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "conduit.json")

		testConfig := `{
			"provider": "process",
			"claude": {"model": "opus"},
			"tools": {
				"allowed": ["Read", "Bash(git log:*)"],
				"disallowed": ["Bash(rm:*)"],
				"permission_mode": "acceptEdits"
			},
			"approval": {"timeout_ms": 1000},
			"gateway": {"port": 9191}
		}`
		require.NoError(t, os.WriteFile(configPath, []byte(testConfig), 0644))

		cfg, err := NewLoader(configPath).Load()

		require.NoError(t, err)
		assert.Equal(t, "process", cfg.Provider)
		assert.Equal(t, "opus", cfg.Claude.Model)
		assert.Equal(t, "claude", cfg.Claude.CLIPath)
		assert.Equal(t, []string{"Read", "Bash(git log:*)"}, cfg.Tools.Allowed)
		assert.Equal(t, []string{"Bash(rm:*)"}, cfg.Tools.Disallowed)
		assert.Equal(t, "acceptEdits", cfg.Tools.PermissionMode)
		assert.Equal(t, 1000, cfg.Approval.TimeoutMs)
		assert.Equal(t, 9191, cfg.Gateway.Port)
		assert.Equal(t, "127.0.0.1", cfg.Gateway.Host)
		assert.NoError(t, cfg.Validate())
	})

	t.Run("environment overrides file", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "conduit.json")
		require.NoError(t, os.WriteFile(configPath, []byte(`{"gateway": {"port": 9191}}`), 0644))

		t.Setenv("CONDUIT_GATEWAY_PORT", "7070")
		t.Setenv("CONDUIT_PROVIDER", "process")

		cfg, err := NewLoader(configPath).Load()

		require.NoError(t, err)
		assert.Equal(t, 7070, cfg.Gateway.Port)
		assert.Equal(t, "process", cfg.Provider)
	})

	t.Run("context window from environment", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "conduit.json")
		require.NoError(t, os.WriteFile(configPath, []byte(`{"budget": {"context_window": 100000}}`), 0644))
		t.Setenv("CONTEXT_WINDOW", "")

		cfg, err := NewLoader(configPath).Load()
		require.NoError(t, err)
		assert.Equal(t, 100000, cfg.Budget.ContextWindow)

		t.Setenv("CONTEXT_WINDOW", "200000")
		cfg, err = NewLoader(configPath).Load()
		require.NoError(t, err)
		assert.Equal(t, 200000, cfg.Budget.ContextWindow)
	})

	t.Run("invalid JSON", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "invalid.json")
		require.NoError(t, os.WriteFile(configPath, []byte("invalid json"), 0644))

		_, err := NewLoader(configPath).Load()

		assert.Error(t, err)
	})
}

func TestLoaderSave(t *testing.T) {
	t.Run("save config to file", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "conduit.json")

		cfg := DefaultConfig()
		cfg.Provider = "process"
		cfg.Tools.Allowed = []string{"Read"}
		cfg.Gateway.Port = 9000

		loader := NewLoader(configPath)
		require.NoError(t, loader.Save(cfg))

		_, err := os.Stat(configPath)
		assert.NoError(t, err)

		loaded, err := NewLoader(configPath).Load()
		require.NoError(t, err)
		assert.Equal(t, "process", loaded.Provider)
		assert.Equal(t, []string{"Read"}, loaded.Tools.Allowed)
		assert.Equal(t, 9000, loaded.Gateway.Port)
	})

	t.Run("create directory if not exists", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "subdir", "conduit.json")

		require.NoError(t, NewLoader(configPath).Save(DefaultConfig()))

		_, err := os.Stat(filepath.Dir(configPath))
		assert.NoError(t, err)
	})
}

func TestLoaderGetConfigPath(t *testing.T) {
	t.Run("custom path", func(t *testing.T) {
		loader := NewLoader("/custom/path/config.json")
		assert.Equal(t, "/custom/path/config.json", loader.GetConfigPath())
	})

	t.Run("default path", func(t *testing.T) {
		t.Setenv("HOME", "/home/tester")
		path := NewLoader("").GetConfigPath()
		assert.Equal(t, filepath.Join("/home/tester", ".conduit", "conduit.json"), path)
	})
}
