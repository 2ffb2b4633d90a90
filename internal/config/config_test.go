package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var keys = []string{
	"FARUM_CONFIG_FILE", "FARUM_MODE", "FARUM_PORT", "FARUM_USE_MOCK_LLM", "FARUM_LLM_BACKEND",
	"FARUM_GEMINI_API_KEY", "FARUM_GCP_PROJECT", "FARUM_STORAGE_BACKEND", "FARUM_PERSIST_MODE",
	"FARUM_POSTGRES_URL", "FARUM_RATE_LIMIT", "FARUM_RATE_BURST", "FARUM_AUDIO_OUTPUT",
	"FARUM_STORAGE_QUOTA_BYTES",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ModeLocal, cfg.Mode)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "mock", cfg.LLMBackend)
	assert.Equal(t, "memory", cfg.StorageBackend)
	assert.Equal(t, "snapshot", cfg.PersistMode)
	assert.Equal(t, 100*1024, cfg.AttachmentLimitBytes)
	assert.Equal(t, "none", cfg.AudioOutput)
}

func TestLoadFileWithEnvOverride(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "farum.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "9090"
  rate_limit:
    rps: "2.5"
    burst: "5"
storage:
  backend: postgres
  postgres_url: postgres://file
  quota_bytes: "2048"
`), 0o600))
	t.Setenv("FARUM_CONFIG_FILE", path)
	t.Setenv("FARUM_PORT", "7070")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "7070", cfg.Port)
	assert.Equal(t, 2.5, cfg.RateLimit)
	assert.Equal(t, 5, cfg.RateBurst)
	assert.Equal(t, "postgres", cfg.StorageBackend)
	assert.Equal(t, "postgres://file", cfg.PostgresURL)
	assert.Equal(t, "incremental", cfg.PersistMode)
	assert.Equal(t, 2048, cfg.StorageQuotaBytes)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]map[string]string{
		"unknown llm backend":       {"FARUM_LLM_BACKEND": "other"},
		"vertex without project":    {"FARUM_LLM_BACKEND": "vertex"},
		"gemini without key":        {"FARUM_LLM_BACKEND": "gemini"},
		"firestore without project": {"FARUM_STORAGE_BACKEND": "firestore"},
		"postgres without url":      {"FARUM_STORAGE_BACKEND": "postgres"},
		"unknown persist mode":      {"FARUM_PERSIST_MODE": "sometimes"},
		"unknown audio output":      {"FARUM_AUDIO_OUTPUT": "speaker"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("FARUM_CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))
	_, err := Load()
	assert.Error(t, err)
}
