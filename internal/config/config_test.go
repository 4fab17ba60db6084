package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWithNoFileOrEnvReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultDatabaseURL, cfg.DatabaseURL)
	assert.Equal(t, DefaultWorkerConcurrency, cfg.WorkerConcurrency)
	assert.Equal(t, SourceDefault, cfg.Source("worker_concurrency"))
}

func TestLoadFilePrecedesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ciflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
worker_concurrency: 16
lease_ttl: 2m
log_level: debug
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.WorkerConcurrency)
	assert.Equal(t, 2*time.Minute, cfg.LeaseTTL)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, SourceFile, cfg.Source("worker_concurrency"))
	// untouched fields remain default
	assert.Equal(t, DefaultHTTPAddr, cfg.HTTPAddr)
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ciflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`worker_concurrency: 16`), 0o644))

	t.Setenv("CIFLOW_WORKER_CONCURRENCY", "32")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.WorkerConcurrency)
	assert.Equal(t, SourceEnv, cfg.Source("worker_concurrency"))
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultDatabaseURL, cfg.DatabaseURL)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ciflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`lease_ttl: "not-a-duration"`), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}
