package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWhenNothingSet(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, ":9090", cfg.MetricsAddr)
	assert.Equal(t, 30, cfg.RetentionDays)
	assert.Equal(t, "key-v1", cfg.SigningKeyID)
	assert.Equal(t, int64(500*1024*1024), cfg.Limits.ModelUploadBytes)
}

func TestLoad_FileThenEnvOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edgegate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"http_addr: \":7000\"\nretention_days: 7\nsigning_key_id: key-v2\n"), 0o600))

	t.Setenv("HTTP_ADDR", ":7001")
	t.Setenv("RETENTION_DAYS", "14")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7001", cfg.HTTPAddr, "env wins over file")
	assert.Equal(t, 14, cfg.RetentionDays)
	assert.Equal(t, "key-v2", cfg.SigningKeyID, "file wins over default")
}

func TestLoad_MissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := defaults()
	assert.Error(t, cfg.Validate(), "master key required")

	cfg.MasterKey = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="
	assert.Error(t, cfg.Validate(), "database url required")

	cfg.DatabaseURL = "postgres://localhost/edgegate"
	assert.Error(t, cfg.Validate(), "api token secret required")

	cfg.APITokenSecret = "s3cret"
	assert.NoError(t, cfg.Validate())
}
