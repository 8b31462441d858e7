package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "fs", cfg.Blob.Driver)
	assert.Equal(t, 500, cfg.Ingestion.BatchSize)
	assert.Equal(t, 30*time.Minute, cfg.Ingestion.Timeout)
	assert.Equal(t, 15*time.Second, cfg.Ingestion.HeartbeatInterval)
	assert.Equal(t, "goroutine", cfg.Ingestion.Isolation)
}

func TestLoadReadsFileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	yaml := `
database:
  host: db.internal
  port: 6543
ingestion:
  batch_size: 50
  timeout: 2m
  isolation: process
blob:
  driver: s3
  bucket: uploads
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))
	t.Setenv("RETAIL_DATABASE_HOST", "override.internal")
	t.Setenv("RETAIL_KAFKA_BROKERS", "k1:9092, k2:9092")

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "override.internal", cfg.Database.Host)
	assert.Equal(t, 6543, cfg.Database.Port)
	assert.Equal(t, 50, cfg.Ingestion.BatchSize)
	assert.Equal(t, 2*time.Minute, cfg.Ingestion.Timeout)
	assert.Equal(t, "process", cfg.Ingestion.Isolation)
	assert.Equal(t, "uploads", cfg.Blob.Bucket)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
}

func TestValidateRejectsUnknownDrivers(t *testing.T) {
	cfg := Default()
	cfg.Blob.Driver = "ftp"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Ingestion.Isolation = "thread"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Blob.Driver = "s3"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Ingestion.HeartbeatInterval = 0
	assert.Error(t, cfg.Validate())
}

func TestLoadAppliesDotEnvFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("RETAIL_REDIS_CHANNEL=from-env\nRETAIL_AUTH_JWT_SECRET=base\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env.local"), []byte("RETAIL_AUTH_JWT_SECRET=local\n"), 0o644))
	t.Cleanup(func() {
		os.Unsetenv("RETAIL_REDIS_CHANNEL")
		os.Unsetenv("RETAIL_AUTH_JWT_SECRET")
	})

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Redis.Channel)
	assert.Equal(t, "local", cfg.Auth.JWTSecret)
}
