package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedikit/tagrelay/internal/backoff"
	"github.com/fedikit/tagrelay/internal/domain"
	"github.com/fedikit/tagrelay/internal/metrics"
)

type countingRunner struct {
	runs atomic.Int64
	err  error
}

func (r *countingRunner) Run(ctx context.Context) error {
	r.runs.Add(1)
	if r.err != nil {
		return r.err
	}
	<-ctx.Done()
	return ctx.Err()
}

type fakeRefresher struct {
	accounts []domain.UserAccount

	mu       sync.Mutex
	refreshs map[string]int
}

func (f *fakeRefresher) Accounts() []domain.UserAccount { return f.accounts }

func (f *fakeRefresher) Refresh(_ context.Context, account domain.UserAccount) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refreshs == nil {
		f.refreshs = make(map[string]int)
	}
	f.refreshs[account.Key()]++
	return nil
}

func (f *fakeRefresher) count(account domain.UserAccount) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshs[account.Key()]
}

func testConfig() Config {
	return Config{
		Reconnect:     backoff.Policy{Base: time.Millisecond, Cap: 5 * time.Millisecond},
		HealthyAfter:  time.Hour,
		RefreshPeriod: 10 * time.Millisecond,
	}
}

func TestConnectorIsRestartedAfterDisconnect(t *testing.T) {
	runner := &countingRunner{err: errors.New("connection reset")}
	factory := func(host string) Runner {
		assert.Equal(t, "a.example", host)
		return runner
	}
	refresher := &fakeRefresher{}

	o := New([]string{"a.example"}, factory, refresher, testConfig(),
		metrics.New(), slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	require.Eventually(t, func() bool {
		return runner.runs.Load() >= 3
	}, 2*time.Second, 5*time.Millisecond, "failing connector should be restarted repeatedly")

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("orchestrator did not stop after cancellation")
	}
}

func TestFailuresAreScopedToOneServer(t *testing.T) {
	flappy := &countingRunner{err: errors.New("boom")}
	stable := &countingRunner{}
	factory := func(host string) Runner {
		if host == "flappy.example" {
			return flappy
		}
		return stable
	}

	o := New([]string{"flappy.example", "stable.example"}, factory, &fakeRefresher{},
		testConfig(), metrics.New(), slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	require.Eventually(t, func() bool {
		return flappy.runs.Load() >= 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, stable.runs.Load(), "the healthy connection must not be restarted")

	cancel()
	<-done
}

func TestRefreshRunsAtStartupAndPeriodically(t *testing.T) {
	alice := domain.UserAccount{Host: "home.example", Token: "alice-token"}
	refresher := &fakeRefresher{accounts: []domain.UserAccount{alice}}

	o := New(nil, nil, refresher, testConfig(),
		metrics.New(), slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	require.Eventually(t, func() bool {
		return refresher.count(alice) >= 3
	}, 2*time.Second, 5*time.Millisecond, "initial refresh plus ticker refreshes")

	cancel()
	<-done
}

func TestRunReturnsOnceAllTasksStopped(t *testing.T) {
	o := New(nil, nil, &fakeRefresher{}, testConfig(),
		metrics.New(), slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, o.Run(ctx), context.Canceled)
}
