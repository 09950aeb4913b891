package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoader(t *testing.T) {
	t.Run("should return defaults when file is missing", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "sightline.json")
		cfg, err := NewLoader(path).Load()
		require.NoError(t, err)

		assert.Equal(t, 8090, cfg.Server.Port)
		assert.Equal(t, 12, cfg.RateLimit.RequestsPerMinute)
		assert.NotEmpty(t, cfg.History.Path)
	})

	t.Run("should load values from file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "sightline.json")
		require.NoError(t, os.WriteFile(path, []byte(`{
			"server": {"port": 9999},
			"backend": {"base_url": "http://backend:4000/rpc"}
		}`), 0600))

		cfg, err := NewLoader(path).Load()
		require.NoError(t, err)

		assert.Equal(t, 9999, cfg.Server.Port)
		assert.Equal(t, "http://backend:4000/rpc", cfg.Backend.BaseURL)
		// untouched fields keep defaults
		assert.Equal(t, "gpt-4o", cfg.Models.Specialist)
	})

	t.Run("should reject invalid cleanup schedule", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "sightline.json")
		require.NoError(t, os.WriteFile(path, []byte(`{
			"history": {"cleanup_schedule": "not a cron line"}
		}`), 0600))

		_, err := NewLoader(path).Load()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "cleanup schedule")
	})

	t.Run("should round trip through save", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "sightline.json")
		loader := NewLoader(path)

		cfg := DefaultConfig()
		cfg.Server.Port = 8123
		cfg.DataDir = t.TempDir()
		require.NoError(t, loader.Save(cfg))

		loaded, err := loader.Load()
		require.NoError(t, err)
		assert.Equal(t, 8123, loaded.Server.Port)
	})
}

func TestValidator(t *testing.T) {
	v := NewValidator()

	t.Run("should accept default config", func(t *testing.T) {
		assert.NoError(t, v.Validate(DefaultConfig()))
	})

	t.Run("should reject empty backend URL", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Backend.BaseURL = ""
		err := v.Validate(cfg)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "backend base URL")
	})

	t.Run("should reject admin port colliding with server port", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Server.AdminPort = cfg.Server.Port
		assert.Error(t, v.Validate(cfg))
	})

	t.Run("should reject empty tier model", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Models.Router = ""
		assert.Error(t, v.Validate(cfg))
	})

	t.Run("should validate api key prefixes", func(t *testing.T) {
		assert.NoError(t, v.ValidateAPIKey("sk-ant-xyz", "anthropic"))
		assert.Error(t, v.ValidateAPIKey("xyz", "anthropic"))
		assert.Error(t, v.ValidateAPIKey("", "openai"))
	})
}
