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
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
environment:
  mode: paper
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "redis://127.0.0.1:6379/0", cfg.Redis.URL)
	assert.Equal(t, "NSE", cfg.Venue.Exchange)
	assert.Equal(t, "Asia/Kolkata", cfg.Venue.Timezone)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 2000*time.Millisecond, cfg.Engine.EntryLockTTL)
	assert.Equal(t, 2500*time.Millisecond, cfg.Engine.ExitLockTTL)
	assert.Equal(t, 800*time.Millisecond, cfg.Engine.SnapshotInterval)
	assert.True(t, cfg.IsPaperTrading())
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("TEST_REDIS_URL", "redis://example:6379/1")
	path := writeConfig(t, `
environment:
  mode: live
redis:
  url: ${TEST_REDIS_URL}
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "redis://example:6379/1", cfg.Redis.URL)
	assert.False(t, cfg.IsPaperTrading())
}

func TestLoadRejectsBadMode(t *testing.T) {
	path := writeConfig(t, `
environment:
  mode: yolo
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
environment:
  mode: paper
  typo_field: true
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsBadTimezone(t *testing.T) {
	path := writeConfig(t, `
venue:
  timezone: Mars/Olympus
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsBadSquareOffTime(t *testing.T) {
	path := writeConfig(t, `
venue:
  square_off_time: 3pm
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadUsers(t *testing.T) {
	path := writeConfig(t, `
users:
  - id: 7
    api_key: k
    api_secret: s
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Users, 1)
	assert.Equal(t, int64(7), cfg.Users[0].ID)
	assert.Equal(t, "15:12", cfg.Venue.SquareOffTime)
}

func TestLoadRejectsBadUserID(t *testing.T) {
	path := writeConfig(t, `
users:
  - id: 0
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLocation(t *testing.T) {
	cfg := &Config{}
	require.NoError(t, cfg.Validate())
	loc := cfg.Location()
	require.NotNil(t, loc)
	assert.Equal(t, "Asia/Kolkata", loc.String())
}
