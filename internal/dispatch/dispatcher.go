// Package dispatch delivers match events to each user's home server as
// rate-limited search calls. Every account gets its own worker and token
// bucket so one slow or rate-limited server never stalls the others.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/fedikit/tagrelay/internal/backoff"
	"github.com/fedikit/tagrelay/internal/domain"
	"github.com/fedikit/tagrelay/internal/mastodon"
	"github.com/fedikit/tagrelay/internal/metrics"
)

// maxRateRetries bounds how often a single dispatch is retried after
// rate-limit responses before it is dropped.
const maxRateRetries = 3

// Config carries the dispatcher's tunables.
type Config struct {
	// QueueDepth bounds each account's pending dispatch queue. On
	// overflow the oldest queued item is dropped and reported.
	QueueDepth int

	// Rate and Burst parameterize the per-account token bucket.
	Rate  rate.Limit
	Burst int

	// RateBackoff is applied when a home server answers 429 and no
	// Retry-After hint is present.
	RateBackoff backoff.Policy

	// AuthBackoff spaces out attempts for an account whose token is
	// being rejected.
	AuthBackoff backoff.Policy
}

// Dispatcher consumes match events and issues de-duplicated search calls.
type Dispatcher struct {
	searcher domain.Searcher
	dedup    domain.DedupStore
	cfg      Config
	met      *metrics.Metrics
	logger   *slog.Logger

	// injectable for tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	workers map[string]*worker
	wg      sync.WaitGroup
}

type worker struct {
	account domain.UserAccount
	queue   chan domain.Match
	limiter *rate.Limiter

	// touched only by the worker goroutine
	rateFailures int
	authFailures int
}

// New creates a dispatcher; workers are started lazily per account as
// matches arrive.
func New(searcher domain.Searcher, dedup domain.DedupStore, cfg Config, met *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		searcher: searcher,
		dedup:    dedup,
		cfg:      cfg,
		met:      met,
		logger:   logger,
		now:      time.Now,
		sleep:    sleepContext,
		workers:  make(map[string]*worker),
	}
}

// Run consumes matches until the context is cancelled, then waits for the
// workers to wind down. In-flight HTTP calls are abandoned with the
// context.
func (d *Dispatcher) Run(ctx context.Context, matches <-chan domain.Match) error {
	defer d.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m := <-matches:
			d.enqueue(ctx, m)
		}
	}
}

// enqueue hands a match to its account's worker without ever blocking the
// engine: when the queue is full the oldest queued item is dropped.
// Only the Run goroutine enqueues, so the drop-then-send below cannot race
// with another producer.
func (d *Dispatcher) enqueue(ctx context.Context, m domain.Match) {
	w := d.workerFor(ctx, m.Account)

	select {
	case w.queue <- m:
		return
	default:
	}

	select {
	case dropped := <-w.queue:
		d.met.QueueDropped.WithLabelValues(w.account.Key()).Inc()
		d.logger.Warn("dispatch queue overflow, dropping oldest",
			"account", w.account.Key(),
			"uri", dropped.Post.URI,
		)
	default:
	}

	select {
	case w.queue <- m:
	default:
	}
}

func (d *Dispatcher) workerFor(ctx context.Context, account domain.UserAccount) *worker {
	key := account.Key()
	if w, ok := d.workers[key]; ok {
		return w
	}

	w := &worker{
		account: account,
		queue:   make(chan domain.Match, d.cfg.QueueDepth),
		limiter: rate.NewLimiter(d.cfg.Rate, d.cfg.Burst),
	}
	d.workers[key] = w

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.runWorker(ctx, w)
	}()
	return w
}

func (d *Dispatcher) runWorker(ctx context.Context, w *worker) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-w.queue:
			d.dispatch(ctx, w, m)
		}
	}
}

// dispatch performs one de-duplicated, rate-aware search call. The dedup
// record is inserted on the attempt, not on success, so ambiguous failures
// cannot trigger unbounded retries.
func (d *Dispatcher) dispatch(ctx context.Context, w *worker, m domain.Match) {
	key := w.account.Key()

	ok, err := d.dedup.ShouldDispatch(ctx, key, m.Post.URI)
	if err != nil {
		// A broken dedup store must not halt delivery; a duplicate
		// search call is harmless on the remote side.
		d.logger.Error("dedup check failed", "account", key, "error", err)
	} else if !ok {
		d.met.ObserveDispatch(key, "duplicate")
		return
	}

	for attempt := 0; ; attempt++ {
		reservation := w.limiter.ReserveN(d.now(), 1)
		if delay := reservation.DelayFrom(d.now()); delay > 0 {
			if err := d.sleep(ctx, delay); err != nil {
				return
			}
		}

		err := d.searcher.SearchStatus(ctx, w.account, m.Post.URI)
		if err == nil {
			w.rateFailures = 0
			w.authFailures = 0
			d.met.ObserveDispatch(key, "ok")
			d.logger.Debug("dispatched", "account", key, "uri", m.Post.URI)
			return
		}
		if ctx.Err() != nil {
			return
		}

		var apiErr *mastodon.APIError
		switch {
		case errors.As(err, &apiErr) && apiErr.IsRateLimit():
			delay := d.cfg.RateBackoff.Delay(w.rateFailures)
			if apiErr.RetryAfter > delay {
				delay = apiErr.RetryAfter
			}
			w.rateFailures++
			d.met.ObserveDispatch(key, "rate_limited")
			d.logger.Warn("rate limited by home server",
				"account", key,
				"delay", delay,
			)
			if sleepErr := d.sleep(ctx, delay); sleepErr != nil {
				return
			}
			if attempt+1 < maxRateRetries {
				continue
			}
			d.logger.Warn("dropping dispatch after repeated rate limits",
				"account", key,
				"uri", m.Post.URI,
			)
			return

		case errors.As(err, &apiErr) && apiErr.IsAuth():
			delay := d.cfg.AuthBackoff.Delay(w.authFailures)
			w.authFailures++
			d.met.ObserveDispatch(key, "auth_error")
			d.logger.Error("dispatch auth failure, backing off",
				"account", key,
				"failures", w.authFailures,
				"delay", delay,
			)
			d.sleep(ctx, delay)
			return

		default:
			d.met.ObserveDispatch(key, "error")
			d.logger.Error("dispatch failed", "account", key, "uri", m.Post.URI, "error", err)
			return
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
