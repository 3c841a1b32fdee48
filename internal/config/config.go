// Package config loads the relay's environment configuration and the two
// start-up files: the server list and the user list.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fedikit/tagrelay/internal/domain"
)

// Config holds all configuration for the relay process.
type Config struct {
	// Port is the operational HTTP server port (/health, /metrics).
	Port int

	// LogLevel is one of debug, info, warn, error.
	LogLevel string

	// Transport selects the streaming transport: "sse" or "websocket".
	Transport string

	// RefreshPeriod is how often each account's followed tags are
	// re-fetched.
	RefreshPeriod time.Duration

	// StatsPeriod is how often the stats report is logged.
	StatsPeriod time.Duration

	// IdleTimeout drops a stream connection that produced no traffic.
	IdleTimeout time.Duration

	// ReconnectBase and ReconnectCap bound the per-server reconnect
	// backoff.
	ReconnectBase time.Duration
	ReconnectCap  time.Duration

	// DedupBackend selects the dispatch dedup store: "memory", "sqlite"
	// or "redis".
	DedupBackend string

	// DedupTTL is the duplicate-suppression retention horizon.
	DedupTTL time.Duration

	// DedupMaxEntries caps the memory and sqlite stores.
	DedupMaxEntries int

	// DedupPath is the SQLite database path for the sqlite backend.
	DedupPath string

	// RedisURL is the connection URL for the redis backend.
	RedisURL string

	// SeenSetSize bounds the engine's recently-seen post set.
	SeenSetSize int

	// QueueDepth bounds each account's pending dispatch queue.
	QueueDepth int

	// DispatchRate and DispatchBurst parameterize the per-account token
	// bucket, in requests per second.
	DispatchRate  float64
	DispatchBurst int

	// OptOutMarker is the free-text opt-out word matched in author bios
	// and status bodies.
	OptOutMarker string

	// ShutdownGrace bounds how long shutdown waits for in-flight work.
	ShutdownGrace time.Duration
}

// Load reads configuration from environment variables with defaults
// matching a small single-instance deployment.
func Load() (*Config, error) {
	cfg := &Config{
		LogLevel:     getenvDefault("LOG_LEVEL", "info"),
		Transport:    getenvDefault("TAGRELAY_TRANSPORT", "sse"),
		DedupBackend: getenvDefault("TAGRELAY_DEDUP_BACKEND", "memory"),
		DedupPath:    getenvDefault("TAGRELAY_DEDUP_PATH", "tagrelay-dedup.db"),
		RedisURL:     getenvDefault("TAGRELAY_REDIS_URL", "redis://localhost:6379/0"),
		OptOutMarker: getenvDefault("TAGRELAY_OPTOUT_MARKER", domain.DefaultOptOutMarker),
	}

	var err error
	if cfg.Port, err = getenvInt("PORT", 3000); err != nil {
		return nil, err
	}
	if cfg.RefreshPeriod, err = getenvDuration("TAGRELAY_REFRESH_PERIOD", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.StatsPeriod, err = getenvDuration("TAGRELAY_STATS_PERIOD", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.IdleTimeout, err = getenvDuration("TAGRELAY_IDLE_TIMEOUT", 90*time.Second); err != nil {
		return nil, err
	}
	if cfg.ReconnectBase, err = getenvDuration("TAGRELAY_RECONNECT_BASE", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.ReconnectCap, err = getenvDuration("TAGRELAY_RECONNECT_CAP", 2*time.Minute); err != nil {
		return nil, err
	}
	if cfg.DedupTTL, err = getenvDuration("TAGRELAY_DEDUP_TTL", time.Hour); err != nil {
		return nil, err
	}
	if cfg.DedupMaxEntries, err = getenvInt("TAGRELAY_DEDUP_MAX_ENTRIES", 100000); err != nil {
		return nil, err
	}
	if cfg.SeenSetSize, err = getenvInt("TAGRELAY_SEEN_SET_SIZE", 1000); err != nil {
		return nil, err
	}
	if cfg.QueueDepth, err = getenvInt("TAGRELAY_QUEUE_DEPTH", 100); err != nil {
		return nil, err
	}
	if cfg.DispatchRate, err = getenvFloat("TAGRELAY_DISPATCH_RATE", 1.0); err != nil {
		return nil, err
	}
	if cfg.DispatchBurst, err = getenvInt("TAGRELAY_DISPATCH_BURST", 3); err != nil {
		return nil, err
	}
	if cfg.ShutdownGrace, err = getenvDuration("TAGRELAY_SHUTDOWN_GRACE", 10*time.Second); err != nil {
		return nil, err
	}

	switch cfg.Transport {
	case "sse", "websocket":
	default:
		return nil, fmt.Errorf("TAGRELAY_TRANSPORT must be sse or websocket, got %q", cfg.Transport)
	}
	switch cfg.DedupBackend {
	case "memory", "sqlite", "redis":
	default:
		return nil, fmt.Errorf("TAGRELAY_DEDUP_BACKEND must be memory, sqlite or redis, got %q", cfg.DedupBackend)
	}

	return cfg, nil
}

// LoadServerList reads the server list file: one host per line, blank lines
// and '#' comments skipped. An empty effective list is a fatal
// configuration error.
func LoadServerList(path string) ([]string, error) {
	lines, err := readLines(path)
	if err != nil {
		return nil, fmt.Errorf("read server list: %w", err)
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("server list %s contains no servers", path)
	}
	return lines, nil
}

// LoadUserList reads the user list file: one "host,token" pair per line,
// blank lines and '#' comments skipped. Tokens must carry read:follows and
// read:search scopes; their validity is not checked here.
func LoadUserList(path string) ([]domain.UserAccount, error) {
	lines, err := readLines(path)
	if err != nil {
		return nil, fmt.Errorf("read user list: %w", err)
	}

	accounts := make([]domain.UserAccount, 0, len(lines))
	for i, line := range lines {
		host, token, ok := strings.Cut(line, ",")
		host = strings.TrimSpace(host)
		token = strings.TrimSpace(token)
		if !ok || host == "" || token == "" {
			return nil, fmt.Errorf("user list %s line %d: want \"host,token\"", path, i+1)
		}
		accounts = append(accounts, domain.UserAccount{Host: host, Token: token})
	}
	if len(accounts) == 0 {
		return nil, fmt.Errorf("user list %s contains no users", path)
	}
	return accounts, nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getenvFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
