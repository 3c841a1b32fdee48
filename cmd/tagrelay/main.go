package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/fedikit/tagrelay/internal/backoff"
	"github.com/fedikit/tagrelay/internal/config"
	"github.com/fedikit/tagrelay/internal/dedup"
	"github.com/fedikit/tagrelay/internal/dispatch"
	"github.com/fedikit/tagrelay/internal/domain"
	"github.com/fedikit/tagrelay/internal/engine"
	"github.com/fedikit/tagrelay/internal/httpserver"
	"github.com/fedikit/tagrelay/internal/mastodon"
	"github.com/fedikit/tagrelay/internal/metrics"
	"github.com/fedikit/tagrelay/internal/orchestrator"
	"github.com/fedikit/tagrelay/internal/registry"
	"github.com/fedikit/tagrelay/internal/streaming"
)

// healthyAfter is how long a stream must stay up before its reconnect
// backoff resets.
const healthyAfter = time.Minute

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(),
			"usage: %s <server-list-file> <user-list-file>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 2 {
		flag.Usage()
		return fmt.Errorf("expected server list and user list file arguments")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg.LogLevel)

	servers, err := config.LoadServerList(flag.Arg(0))
	if err != nil {
		return err
	}
	accounts, err := config.LoadUserList(flag.Arg(1))
	if err != nil {
		return err
	}
	logger.Info("configuration loaded", "servers", len(servers), "accounts", len(accounts))

	filter, err := domain.NewOptOutFilter(cfg.OptOutMarker)
	if err != nil {
		return fmt.Errorf("create opt-out filter: %w", err)
	}

	store, err := newDedupStore(cfg)
	if err != nil {
		return fmt.Errorf("create dedup store: %w", err)
	}
	defer store.Close()

	met := metrics.New()
	client := mastodon.NewClient(30 * time.Second)

	reg := registry.New(client, accounts,
		backoff.Policy{Base: cfg.RefreshPeriod, Cap: 12 * time.Hour}, logger)

	posts := make(chan *domain.Post, 256)
	matches := make(chan domain.Match, 256)

	eng := engine.New(posts, matches, filter, engine.NewRegistryMatcher(reg),
		cfg.SeenSetSize, met, logger)

	disp := dispatch.New(client, store, dispatch.Config{
		QueueDepth:  cfg.QueueDepth,
		Rate:        rate.Limit(cfg.DispatchRate),
		Burst:       cfg.DispatchBurst,
		RateBackoff: backoff.Policy{Base: 5 * time.Second, Cap: 5 * time.Minute},
		AuthBackoff: backoff.Policy{Base: time.Minute, Cap: time.Hour},
	}, met, logger)

	orch := orchestrator.New(servers,
		func(host string) orchestrator.Runner {
			return streaming.NewConnector(host, streaming.Transport(cfg.Transport),
				cfg.IdleTimeout, posts, logger)
		},
		reg,
		orchestrator.Config{
			Reconnect:     backoff.Policy{Base: cfg.ReconnectBase, Cap: cfg.ReconnectCap},
			HealthyAfter:  healthyAfter,
			RefreshPeriod: cfg.RefreshPeriod,
			StatsPeriod:   cfg.StatsPeriod,
		}, met, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		if err := orch.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("orchestrator exited with error", "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := eng.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("engine exited with error", "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := disp.Run(ctx, matches); err != nil && ctx.Err() == nil {
			logger.Error("dispatcher exited with error", "error", err)
		}
	}()

	go dedup.RunEviction(ctx, store, time.Minute, logger)

	server := httpserver.NewServer(cfg.Port, met, len(servers), len(accounts), logger)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server exited with error", "error", err)
		}
	}()

	logger.Info("relay started", "port", cfg.Port, "transport", cfg.Transport)

	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down http server", "error", err)
	}

	// Allow in-flight work a bounded grace period; the dedup cache needs
	// no flushing and is rebuilt on restart.
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(cfg.ShutdownGrace):
		logger.Warn("shutdown grace period elapsed, abandoning in-flight work")
	}

	return nil
}

func newLogger(level string) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: lvl,
	}))
}

func newDedupStore(cfg *config.Config) (domain.DedupStore, error) {
	switch cfg.DedupBackend {
	case "sqlite":
		return dedup.NewSQLiteStore(cfg.DedupPath, cfg.DedupTTL, cfg.DedupMaxEntries)
	case "redis":
		return dedup.NewRedisStore(cfg.RedisURL, cfg.DedupTTL)
	default:
		return dedup.NewMemoryStore(cfg.DedupTTL, cfg.DedupMaxEntries), nil
	}
}
