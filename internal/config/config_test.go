package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestDefaultsMatchProtocolConstants(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 60*time.Second, cfg.RegistrationWindow)
	assert.Equal(t, 30*time.Second, cfg.CommandFreshness)
	assert.Equal(t, 60*time.Second, cfg.LocationStaleAfter)
	assert.Equal(t, 20, cfg.LogCapacity)
	assert.Equal(t, 1200*time.Millisecond, cfg.AlarmInterval)
	assert.Equal(t, 10, cfg.AIDailyQuota)
}

func TestLoadLayersFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "guardian.yaml")
	content := "server_port: \"9000\"\ncommand_freshness: 45s\ndatabase_type: postgres\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("GUARDIAN_CONFIG", path)
	t.Setenv("PORT", "9100")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9100", cfg.ServerPort, "env wins over file")
	assert.Equal(t, 45*time.Second, cfg.CommandFreshness)
	assert.Equal(t, "postgres", cfg.DatabaseType)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CorsOrigins)
}

func TestLoadRejectsBrokenFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server_port: [unclosed"), 0o600))
	t.Setenv("GUARDIAN_CONFIG", path)

	_, err := Load()
	assert.Error(t, err)
}

func TestGetEnvHelpersFallBack(t *testing.T) {
	t.Setenv("GUARDIAN_TEST_INT", "not-a-number")
	t.Setenv("GUARDIAN_TEST_DUR", "3s")
	assert.Equal(t, 7, getEnvInt("GUARDIAN_TEST_INT", 7))
	assert.Equal(t, 3*time.Second, getEnvDuration("GUARDIAN_TEST_DUR", time.Second))
	assert.Equal(t, "fallback", getEnv("GUARDIAN_TEST_UNSET", "fallback"))
}

func TestNewLoggerLevels(t *testing.T) {
	logger, err := NewLogger(false)
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.DebugLevel))

	logger, err = NewLogger(true)
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))
}
