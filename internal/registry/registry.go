// Package registry tracks which tags each configured account currently
// follows. Snapshots are copy-on-write: the refresh writer swaps in a fresh
// immutable subscription while readers keep matching against the previous
// one, so a reader never observes a partially updated tag set and never
// blocks an in-flight refresh.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fedikit/tagrelay/internal/backoff"
	"github.com/fedikit/tagrelay/internal/domain"
	"github.com/fedikit/tagrelay/internal/mastodon"
)

// ErrRefreshSuppressed reports that refreshes for an account are currently
// suspended after repeated authentication failures. The previous snapshot
// stays in effect.
var ErrRefreshSuppressed = errors.New("refresh suppressed after auth failures")

// Registry holds one subscription entry per configured account. The account
// set is fixed at construction; only each account's snapshot changes.
type Registry struct {
	client  domain.TagLister
	logger  *slog.Logger
	authOff backoff.Policy
	now     func() time.Time

	entries map[string]*entry
	order   []domain.UserAccount
}

type entry struct {
	account domain.UserAccount
	snap    atomic.Pointer[domain.TagSubscription]

	// Auth-failure suppression state. Guarded by mu: refreshes for one
	// account normally run on a single timer goroutine, but nothing in
	// the contract forbids concurrent calls.
	mu              sync.Mutex
	authFailures    int
	suppressedUntil time.Time
}

// New creates a registry for the given accounts with empty initial
// snapshots. authOff controls how long refreshes are suppressed after
// consecutive authentication failures.
func New(client domain.TagLister, accounts []domain.UserAccount, authOff backoff.Policy, logger *slog.Logger) *Registry {
	r := &Registry{
		client:  client,
		logger:  logger,
		authOff: authOff,
		now:     time.Now,
		entries: make(map[string]*entry, len(accounts)),
		order:   accounts,
	}
	for _, account := range accounts {
		e := &entry{account: account}
		empty := domain.NewTagSubscription(account, nil, time.Time{})
		e.snap.Store(&empty)
		r.entries[account.Key()] = e
	}
	return r
}

// Accounts returns the configured accounts in their configuration order.
func (r *Registry) Accounts() []domain.UserAccount {
	return r.order
}

// Snapshot returns the most recently fetched subscription for the account,
// possibly stale, never blocking on a refresh. Unknown accounts get an
// empty subscription.
func (r *Registry) Snapshot(account domain.UserAccount) domain.TagSubscription {
	e, ok := r.entries[account.Key()]
	if !ok {
		return domain.NewTagSubscription(account, nil, time.Time{})
	}
	return *e.snap.Load()
}

// Refresh fetches the account's followed tags from its home server and
// atomically publishes the new snapshot. On failure the previous snapshot
// is retained. Repeated auth failures suppress further refreshes for this
// account with growing backoff, leaving other accounts unaffected.
func (r *Registry) Refresh(ctx context.Context, account domain.UserAccount) error {
	e, ok := r.entries[account.Key()]
	if !ok {
		return fmt.Errorf("unknown account %s", account.Key())
	}

	e.mu.Lock()
	if until := e.suppressedUntil; r.now().Before(until) {
		e.mu.Unlock()
		return fmt.Errorf("%w (until %s)", ErrRefreshSuppressed, until.Format(time.RFC3339))
	}
	e.mu.Unlock()

	tags, err := r.client.FollowedTags(ctx, account)
	if err != nil {
		var apiErr *mastodon.APIError
		if errors.As(err, &apiErr) && apiErr.IsAuth() {
			r.suppress(e)
		}
		return fmt.Errorf("refresh %s: %w", account.Key(), err)
	}

	e.mu.Lock()
	e.authFailures = 0
	e.suppressedUntil = time.Time{}
	e.mu.Unlock()

	snap := domain.NewTagSubscription(account, tags, r.now())
	e.snap.Store(&snap)

	r.logger.Info("subscriptions refreshed",
		"account", account.Key(),
		"tags", len(snap.Tags),
	)
	return nil
}

func (r *Registry) suppress(e *entry) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delay := r.authOff.Delay(e.authFailures)
	e.authFailures++
	e.suppressedUntil = r.now().Add(delay)

	r.logger.Warn("refresh auth failure, suppressing",
		"account", e.account.Key(),
		"failures", e.authFailures,
		"until", e.suppressedUntil.Format(time.RFC3339),
	)
}
