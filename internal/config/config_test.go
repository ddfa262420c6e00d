package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFromEnv_Defaults(t *testing.T) {
	for _, key := range []string{"PORT", "APP_ENV", "NODE_ENV", "DB_TYPE", "SESSION_STORE", "SYNC_BATCH_SIZE", "SYNC_MESSAGES", "CORS_ORIGINS"} {
		t.Setenv(key, "")
	}

	cfg := FromEnv()
	assert.Equal(t, "3000", cfg.Port)
	assert.Equal(t, "development", cfg.Env)
	assert.False(t, cfg.IsProduction())
	assert.Equal(t, "sqlite", cfg.Database.Type)
	assert.Equal(t, "file", cfg.Session.Backend)
	assert.Equal(t, 50, cfg.Sync.BatchSize)
	assert.Equal(t, 100, cfg.Sync.MessageLimit)
	assert.True(t, cfg.Sync.SyncMessages)
	assert.Equal(t, 15*time.Second, cfg.Sync.ShutdownTimeout)
	assert.Equal(t, []string{"http://localhost:3000", "http://localhost:3001"}, cfg.CORSOrigins)
	assert.Equal(t, "default", cfg.WhatsApp.DefaultTenant)
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("NODE_ENV", "production")
	t.Setenv("PORT", "8080")
	t.Setenv("DB_TYPE", "postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/wa")
	t.Setenv("SESSION_STORE", "s3")
	t.Setenv("S3_BUCKET", "sessions")
	t.Setenv("SYNC_BATCH_SIZE", "25")
	t.Setenv("SYNC_MESSAGES", "false")
	t.Setenv("AVATAR_RPS", "2.5")
	t.Setenv("SHUTDOWN_TIMEOUT", "30s")
	t.Setenv("CORS_ORIGINS", " https://app.example , ,https://admin.example")

	cfg := FromEnv()
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "postgres", cfg.Database.Type)
	assert.Equal(t, "postgres://localhost/wa", cfg.Database.URL)
	assert.Equal(t, "s3", cfg.Session.Backend)
	assert.Equal(t, "sessions", cfg.Session.S3Bucket)
	assert.Equal(t, 25, cfg.Sync.BatchSize)
	assert.False(t, cfg.Sync.SyncMessages)
	assert.InDelta(t, 2.5, cfg.Sync.AvatarRPS, 0.001)
	assert.Equal(t, 30*time.Second, cfg.Sync.ShutdownTimeout)
	assert.Equal(t, []string{"https://app.example", "https://admin.example"}, cfg.CORSOrigins)
}

func TestFromEnv_InvalidNumbersFallBack(t *testing.T) {
	t.Setenv("SYNC_BATCH_SIZE", "lots")
	t.Setenv("SYNC_MESSAGES", "maybe")
	t.Setenv("SHUTDOWN_TIMEOUT", "soon")

	cfg := FromEnv()
	assert.Equal(t, 50, cfg.Sync.BatchSize)
	assert.True(t, cfg.Sync.SyncMessages)
	assert.Equal(t, 15*time.Second, cfg.Sync.ShutdownTimeout)
}
