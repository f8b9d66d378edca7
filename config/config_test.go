package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "3001", cfg.Port)
	assert.Equal(t, ModeDevelopment, cfg.Mode)
	assert.False(t, cfg.Restricted())
	assert.Equal(t, 3, cfg.RetryAttempts)
	assert.Equal(t, time.Second, cfg.RetryDelay)
	assert.True(t, cfg.FallbackEnabled)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("GATEWAY_MODE", "production")
	t.Setenv("ALLOWED_ORIGINS", "https://app.example.org, http://localhost:3000,,")
	t.Setenv("RETRY_DELAY", "250ms")
	t.Setenv("SYNC_ENDPOINTS", "bed-reservation=https://api.example.org/beds, transfer=https://api.example.org/transfers")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.Restricted())
	assert.Equal(t, []string{"https://app.example.org", "http://localhost:3000"}, cfg.GetAllowedOrigins())
	assert.Equal(t, 250*time.Millisecond, cfg.RetryDelay)

	endpoints, err := cfg.GetSyncEndpoints()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"bed-reservation": "https://api.example.org/beds",
		"transfer":        "https://api.example.org/transfers",
	}, endpoints)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("GATEWAY_MODE", "staging")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("GATEWAY_MODE", "development")
	t.Setenv("RETRY_ATTEMPTS", "0")
	_, err = Load()
	assert.Error(t, err)
}

func TestGetSyncEndpointsRejectsMalformedPairs(t *testing.T) {
	cfg := &Config{SyncEndpoints: "bed-reservation"}
	_, err := cfg.GetSyncEndpoints()
	assert.Error(t, err)
}

func TestLoadRoutes(t *testing.T) {
	cfg := &Config{}
	table, err := cfg.LoadRoutes()
	require.NoError(t, err)
	_, ok := table.Lookup("mediawiki")
	assert.True(t, ok)

	path := filepath.Join(t.TempDir(), "routes.yaml")
	require.NoError(t, os.WriteFile(path, []byte("routes:\n  - name: any\n    prefix: /any\n    generic: true\n"), 0o644))
	cfg.RoutesFile = path
	table, err = cfg.LoadRoutes()
	require.NoError(t, err)
	assert.Equal(t, []string{"/any"}, table.Prefixes())
}
