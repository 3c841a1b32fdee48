// Package orchestrator owns the lifecycles of the stream connectors and the
// per-account subscription refresh timers. It supervises and restarts; it
// never inspects message content.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/fedikit/tagrelay/internal/backoff"
	"github.com/fedikit/tagrelay/internal/domain"
	"github.com/fedikit/tagrelay/internal/metrics"
	"github.com/fedikit/tagrelay/internal/registry"
)

// refreshStagger spaces the initial refreshes of successive accounts so a
// restart does not hit every home server at once.
const refreshStagger = 600 * time.Millisecond

// Runner is one supervised stream connection lifetime.
type Runner interface {
	Run(ctx context.Context) error
}

// ConnectorFactory builds the connector for a server host.
type ConnectorFactory func(host string) Runner

// Refresher is the write side of the subscription registry.
type Refresher interface {
	Accounts() []domain.UserAccount
	Refresh(ctx context.Context, account domain.UserAccount) error
}

// Config carries the orchestrator's supervision tunables.
type Config struct {
	// Reconnect backs off consecutive reconnect attempts per server,
	// capped so one unreachable server cannot monopolize retry effort.
	Reconnect backoff.Policy

	// HealthyAfter is how long a connection must stream before its
	// server's attempt counter resets.
	HealthyAfter time.Duration

	// RefreshPeriod is the per-account subscription refresh interval.
	RefreshPeriod time.Duration

	// StatsPeriod is the interval of the periodic stats report.
	StatsPeriod time.Duration
}

// Orchestrator supervises one connector task per server and one refresh
// timer per account.
type Orchestrator struct {
	servers      []string
	newConnector ConnectorFactory
	refresher    Refresher
	cfg          Config
	met          *metrics.Metrics
	logger       *slog.Logger
	wg           sync.WaitGroup
}

// New creates an orchestrator for the given servers and registry.
func New(servers []string, factory ConnectorFactory, refresher Refresher, cfg Config, met *metrics.Metrics, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		servers:      servers,
		newConnector: factory,
		refresher:    refresher,
		cfg:          cfg,
		met:          met,
		logger:       logger,
	}
}

// Run starts all supervised tasks and blocks until the context is cancelled
// and every task has stopped.
func (o *Orchestrator) Run(ctx context.Context) error {
	for _, host := range o.servers {
		o.wg.Add(1)
		go func(host string) {
			defer o.wg.Done()
			o.superviseConnector(ctx, host)
		}(host)
	}

	for i, account := range o.refresher.Accounts() {
		o.wg.Add(1)
		go func(account domain.UserAccount, stagger time.Duration) {
			defer o.wg.Done()
			o.refreshLoop(ctx, account, stagger)
		}(account, time.Duration(i%10)*refreshStagger)
	}

	if o.cfg.StatsPeriod > 0 {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.met.RunReporter(ctx, o.cfg.StatsPeriod, o.logger)
		}()
	}

	o.wg.Wait()
	return ctx.Err()
}

// superviseConnector runs one server's connector in a restart loop with
// capped exponential backoff. A failure here is scoped to this server only.
func (o *Orchestrator) superviseConnector(ctx context.Context, host string) {
	conn := o.newConnector(host)
	attempt := 0

	for {
		start := time.Now()
		o.met.ConnectorUp.WithLabelValues(host).Set(1)
		err := conn.Run(ctx)
		o.met.ConnectorUp.WithLabelValues(host).Set(0)

		if ctx.Err() != nil {
			return
		}

		if time.Since(start) >= o.cfg.HealthyAfter {
			attempt = 0
		}
		delay := o.cfg.Reconnect.Delay(attempt)
		attempt++

		o.met.Reconnects.WithLabelValues(host).Inc()
		o.logger.Warn("stream disconnected, scheduling reconnect",
			"server", host,
			"error", err,
			"delay", delay,
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// refreshLoop refreshes one account's subscriptions at a fixed period. The
// first refresh runs at startup (after a small stagger) so matching never
// starts against an empty registry longer than necessary.
func (o *Orchestrator) refreshLoop(ctx context.Context, account domain.UserAccount, stagger time.Duration) {
	if stagger > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(stagger):
		}
	}

	o.refresh(ctx, account)

	ticker := time.NewTicker(o.cfg.RefreshPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.refresh(ctx, account)
		}
	}
}

func (o *Orchestrator) refresh(ctx context.Context, account domain.UserAccount) {
	err := o.refresher.Refresh(ctx, account)
	switch {
	case err == nil:
	case errors.Is(err, registry.ErrRefreshSuppressed):
		o.logger.Debug("refresh skipped", "account", account.Key(), "reason", err)
	default:
		o.logger.Error("refresh failed", "account", account.Key(), "error", err)
	}
}
