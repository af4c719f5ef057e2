package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFromDefaults(t *testing.T) {
	c, err := LoadFrom(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)

	assert.Equal(t, "8080", c.App.Port)
	assert.Equal(t, []string{"*"}, c.App.AllowedOrigins)
	assert.Equal(t, 10*time.Minute, c.Sync.Interval())
	assert.Equal(t, 30, c.Sync.BatchSize)
	assert.Equal(t, 200*time.Millisecond, c.Sync.BatchPause())
	assert.Equal(t, 10*time.Minute, c.Sync.LogTTL())
	assert.Zero(t, c.Sync.CounterTTL())
	assert.Equal(t, "127.0.0.1:6379", c.RedisAddr())
}

func TestLoadFromFileAndEnv(t *testing.T) {
	path := writeConfig(t, `{
		"app": {"port": "9000", "jwt_secret": "from-file"},
		"database": {"host": "db", "user": "u", "password": "p", "name": "visits"},
		"sync": {"batch_size": 50, "batch_pause_ms": 0}
	}`)
	t.Setenv("JWT_SECRET", "from-env")
	t.Setenv("SYNC_INTERVAL_SEC", "60")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	c, err := LoadFrom(path)
	require.NoError(t, err)

	assert.Equal(t, "9000", c.App.Port)
	assert.Equal(t, "from-env", c.App.JWTSecret)
	assert.Equal(t, time.Minute, c.Sync.Interval())
	assert.Equal(t, 50, c.Sync.BatchSize)
	assert.Zero(t, c.Sync.BatchPause())
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, c.App.AllowedOrigins)
	assert.Equal(t, "u:p@tcp(db:3306)/visits?charset=utf8mb4&parseTime=True&loc=Local", c.DSN())
}

func TestLoadFromRejectsMalformedFile(t *testing.T) {
	path := writeConfig(t, `{"app": `)
	_, err := LoadFrom(path)
	assert.Error(t, err)
}

func TestDSNPrefersURI(t *testing.T) {
	c := AppConfig{Database: DatabaseSection{URI: "user@tcp(x)/y", Host: "ignored"}}
	assert.Equal(t, "user@tcp(x)/y", c.DSN())
}
