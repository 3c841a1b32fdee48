// Package engine consumes the merged post stream, applies the opt-out
// filter, and matches each post's tags against every account's current
// subscription snapshot.
package engine

import (
	"context"
	"log/slog"

	"github.com/fedikit/tagrelay/internal/domain"
	"github.com/fedikit/tagrelay/internal/metrics"
)

// Matcher reports which accounts follow at least one of the given tags.
// Each account appears at most once in the result no matter how many tags
// overlap.
type Matcher interface {
	Match(tags []string) []domain.UserAccount
}

// SnapshotSource is the read side of the subscription registry.
type SnapshotSource interface {
	Accounts() []domain.UserAccount
	Snapshot(account domain.UserAccount) domain.TagSubscription
}

// RegistryMatcher scans every account's snapshot linearly. At tens of
// accounts this is cheap per post; a tag-to-accounts inverted index can
// replace it behind the Matcher interface if the account count grows.
type RegistryMatcher struct {
	source SnapshotSource
}

// NewRegistryMatcher creates a matcher over the given snapshot source.
func NewRegistryMatcher(source SnapshotSource) *RegistryMatcher {
	return &RegistryMatcher{source: source}
}

// Match implements Matcher.
func (m *RegistryMatcher) Match(tags []string) []domain.UserAccount {
	if len(tags) == 0 {
		return nil
	}

	normalized := make([]string, 0, len(tags))
	for _, t := range tags {
		if n := domain.NormalizeTag(t); n != "" {
			normalized = append(normalized, n)
		}
	}

	var matched []domain.UserAccount
	for _, account := range m.source.Accounts() {
		snap := m.source.Snapshot(account)
		for _, tag := range normalized {
			if snap.Contains(tag) {
				matched = append(matched, account)
				break
			}
		}
	}
	return matched
}

// Engine is the reactive consumer between the connectors and the
// dispatcher. It owns no connection or timer of its own.
type Engine struct {
	posts   <-chan *domain.Post
	matches chan<- domain.Match
	filter  *domain.OptOutFilter
	matcher Matcher
	seen    *seenSet
	met     *metrics.Metrics
	logger  *slog.Logger
}

// New creates an engine reading posts and emitting matches. seenSize bounds
// the recently-seen URI set that collapses the same post arriving via
// several configured servers.
func New(posts <-chan *domain.Post, matches chan<- domain.Match, filter *domain.OptOutFilter, matcher Matcher, seenSize int, met *metrics.Metrics, logger *slog.Logger) *Engine {
	return &Engine{
		posts:   posts,
		matches: matches,
		filter:  filter,
		matcher: matcher,
		seen:    newSeenSet(seenSize),
		met:     met,
		logger:  logger,
	}
}

// Run processes posts until the context is cancelled. Posts from a single
// connector arrive and are handled in receipt order; the interleaving
// across connectors is unspecified.
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case post := <-e.posts:
			if err := e.handle(ctx, post); err != nil {
				return err
			}
		}
	}
}

func (e *Engine) handle(ctx context.Context, post *domain.Post) error {
	e.met.ObservePost(post.Server)

	if !e.seen.add(post.URI) {
		e.met.PostsSkipped.WithLabelValues("duplicate").Inc()
		return nil
	}

	if e.filter.ShouldSkip(post) {
		e.met.PostsSkipped.WithLabelValues("optout").Inc()
		return nil
	}

	for _, account := range e.matcher.Match(post.Tags) {
		e.met.Matches.Inc()
		e.logger.Debug("matched post",
			"account", account.Key(),
			"uri", post.URI,
		)
		select {
		case e.matches <- domain.Match{Account: account, Post: post}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// seenSet is a fixed-capacity set of recently seen post URIs with FIFO
// eviction. It is only touched by the engine goroutine.
type seenSet struct {
	max     int
	entries map[string]struct{}
	order   []string
}

func newSeenSet(max int) *seenSet {
	return &seenSet{
		max:     max,
		entries: make(map[string]struct{}, max),
	}
}

// add returns true when the URI was not already present.
func (s *seenSet) add(uri string) bool {
	if _, ok := s.entries[uri]; ok {
		return false
	}
	s.entries[uri] = struct{}{}
	s.order = append(s.order, uri)
	for len(s.order) > s.max {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.entries, oldest)
	}
	return true
}
