package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "sse", cfg.Transport)
	assert.Equal(t, "memory", cfg.DedupBackend)
	assert.Equal(t, 5*time.Minute, cfg.RefreshPeriod)
	assert.Equal(t, 90*time.Second, cfg.IdleTimeout)
	assert.Equal(t, time.Hour, cfg.DedupTTL)
	assert.Equal(t, 1000, cfg.SeenSetSize)
	assert.Equal(t, 1.0, cfg.DispatchRate)
	assert.Equal(t, 3, cfg.DispatchBurst)
	assert.Equal(t, "nobot", cfg.OptOutMarker)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "8080")
	t.Setenv("TAGRELAY_TRANSPORT", "websocket")
	t.Setenv("TAGRELAY_DEDUP_BACKEND", "redis")
	t.Setenv("TAGRELAY_REFRESH_PERIOD", "10m")
	t.Setenv("TAGRELAY_DISPATCH_RATE", "0.5")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "websocket", cfg.Transport)
	assert.Equal(t, "redis", cfg.DedupBackend)
	assert.Equal(t, 10*time.Minute, cfg.RefreshPeriod)
	assert.Equal(t, 0.5, cfg.DispatchRate)
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"bad port", "PORT", "not-a-number"},
		{"bad duration", "TAGRELAY_REFRESH_PERIOD", "five minutes"},
		{"bad transport", "TAGRELAY_TRANSPORT", "carrier-pigeon"},
		{"bad backend", "TAGRELAY_DEDUP_BACKEND", "postgres"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoadServerList(t *testing.T) {
	path := writeFile(t, "servers.txt", `
# fediverse servers to stream from
mastodon.example

  chaos.example
# trailing comment
`)
	servers, err := LoadServerList(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"mastodon.example", "chaos.example"}, servers)
}

func TestLoadServerListEmptyIsError(t *testing.T) {
	path := writeFile(t, "servers.txt", "# only comments\n\n")
	_, err := LoadServerList(path)
	assert.Error(t, err)
}

func TestLoadServerListMissingFile(t *testing.T) {
	_, err := LoadServerList(filepath.Join(t.TempDir(), "nope.txt"))
	assert.Error(t, err)
}

func TestLoadUserList(t *testing.T) {
	path := writeFile(t, "users.txt", `
# host,token
home.example, secret-token-1
other.example,secret-token-2
`)
	accounts, err := LoadUserList(path)
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Equal(t, "home.example", accounts[0].Host)
	assert.Equal(t, "secret-token-1", accounts[0].Token)
	assert.Equal(t, "other.example", accounts[1].Host)
}

func TestLoadUserListRejectsMalformedLines(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"no comma", "home.example secret"},
		{"empty token", "home.example,"},
		{"empty host", ",secret-token"},
		{"no users", "# nothing here"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := writeFile(t, "users.txt", tc.content)
			_, err := LoadUserList(path)
			assert.Error(t, err)
		})
	}
}
