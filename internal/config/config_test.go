package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 3100, cfg.Ports.RangeStart)
	assert.Equal(t, 9876, cfg.Service.Port)
	assert.True(t, cfg.Agents.SingleActiveSession)
}

func TestLoadOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"service": {"port": 7000, "no_tcp": true},
		"ports": {"range_start": 4000, "range_end": 4100},
		"security": {"rate_limit_per_minute": 10}
	}`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Service.Port)
	assert.True(t, cfg.Service.NoTCP)
	assert.Equal(t, 4000, cfg.Ports.RangeStart)
	assert.Equal(t, 10, cfg.Security.RateLimitPerMinute)
	// Untouched sections keep their defaults.
	assert.Equal(t, "/tmp/port-daddy.sock", cfg.Service.SocketPath)
	assert.Equal(t, int64(5*60*1000), cfg.Cleanup.IntervalMS)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestLoadRejectsBadRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"ports": {"range_start": 5000, "range_end": 4000}}`), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PORT_DADDY_DB", "/var/lib/pd.db")
	t.Setenv("PORT_DADDY_PORT", "7777")
	t.Setenv("PORT_DADDY_NO_TCP", "1")
	t.Setenv("PORT_DADDY_SILENT", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/pd.db", cfg.DBPath)
	assert.Equal(t, 7777, cfg.Service.Port)
	assert.True(t, cfg.Service.NoTCP)
	assert.True(t, cfg.Logging.Silent)
}

func TestReservedPorts(t *testing.T) {
	cfg := Default()
	reserved := cfg.ReservedPorts()
	assert.True(t, reserved[5432])
	assert.False(t, reserved[3100])
}
