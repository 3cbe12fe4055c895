package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("FM_CONFIG", "")
	t.Setenv("DATABASE_URL", "sqlite:///tmp/fm")
	t.Setenv("FM_QUERY_TIMEOUT", "3s")
	t.Setenv("FM_RATE_LIMIT", "42")
	t.Setenv("FM_DEBUG", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sqlite:///tmp/fm", cfg.DatabaseURL)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "fm", cfg.DBPrefix)
	assert.Equal(t, 3*time.Second, cfg.QueryTimeout)
	assert.Equal(t, 42, cfg.RateLimit)
	assert.True(t, cfg.Debug)
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("FM_CONFIG", "")
	t.Setenv("DATABASE_URL", "")
	_, err := Load()
	assert.ErrorContains(t, err, "DATABASE_URL")
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "fm.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
database_url = "postgres://localhost/fm"
port = "9000"
db_prefix = "tenant"
query_timeout = "2s"
rate_limit = 10
`), 0o600))

	t.Setenv("FM_CONFIG", path)
	t.Setenv("DATABASE_URL", "")
	t.Setenv("PORT", "9100")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/fm", cfg.DatabaseURL)
	assert.Equal(t, "9100", cfg.Port, "environment overrides the file")
	assert.Equal(t, "tenant", cfg.DBPrefix)
	assert.Equal(t, 2*time.Second, cfg.QueryTimeout)
	assert.Equal(t, 10, cfg.RateLimit)
	assert.Equal(t, "./documents", cfg.DocumentsDir)
}

func TestLoadFileRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fm.toml")
	require.NoError(t, os.WriteFile(path, []byte(`databse_url = "typo"`), 0o600))
	cfg := Default()
	assert.ErrorContains(t, LoadFile(path, &cfg), "unknown key")
}

func TestInvalidDuration(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("FM_CONFIG", "")
	t.Setenv("DATABASE_URL", "sqlite:///tmp/fm")
	t.Setenv("FM_WRITE_TIMEOUT", "soon")
	_, err := Load()
	assert.ErrorContains(t, err, "FM_WRITE_TIMEOUT")
}
