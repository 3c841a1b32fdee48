package domain

import (
	"fmt"
	"hash/fnv"
	"time"
)

// UserAccount is an operator-registered account on some home server. The
// token is assumed valid for the process lifetime; accounts are only added
// or removed by restarting with an updated user list.
type UserAccount struct {
	// Host is the account's home server.
	Host string

	// Token is a bearer token with read:follows and read:search scopes.
	Token string
}

// Key returns a stable identifier for the account, safe to use in logs and
// as a map or dedup key. The token itself never appears in it.
func (a UserAccount) Key() string {
	h := fnv.New32a()
	h.Write([]byte(a.Token))
	return fmt.Sprintf("%s:%08x", a.Host, h.Sum32())
}

// TagSubscription is the set of tags an account followed as of RefreshedAt.
// Instances are immutable once published: the registry swaps in a fresh
// value on every refresh and readers must never mutate Tags.
type TagSubscription struct {
	Account     UserAccount
	Tags        map[string]struct{}
	RefreshedAt time.Time
}

// NewTagSubscription builds a subscription snapshot from a list of tag
// names, normalizing each one.
func NewTagSubscription(account UserAccount, tags []string, refreshedAt time.Time) TagSubscription {
	set := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		if n := NormalizeTag(t); n != "" {
			set[n] = struct{}{}
		}
	}
	return TagSubscription{
		Account:     account,
		Tags:        set,
		RefreshedAt: refreshedAt,
	}
}

// Contains reports whether the subscription includes the given normalized
// tag name.
func (s TagSubscription) Contains(tag string) bool {
	_, ok := s.Tags[tag]
	return ok
}
