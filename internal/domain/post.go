package domain

import "strings"

// Post represents one status received from a federated server's public
// timeline. It exists only for the duration of processing a single stream
// event; nothing beyond its dedup key is retained.
type Post struct {
	// URI is the canonical URI of the status. It identifies the post
	// globally, so the same post relayed by several servers carries the
	// same URI.
	URI string

	// Server is the host of the configured server this post arrived from,
	// which is not necessarily the post's origin.
	Server string

	// Tags is the status's hashtag names as sent by the server, in order.
	Tags []string

	// Content is the rendered status body.
	Content string

	// Author is the posting account, used only for opt-out evaluation.
	Author Author
}

// Author holds the profile fields of a post's author that matter for
// opt-out checks.
type Author struct {
	// Acct is the webfinger-style account identifier (user@host).
	Acct string

	// Noindex is true when the profile opts out of search indexing.
	Noindex bool

	// Bio is the profile's free-text description.
	Bio string
}

// NormalizeTag lowercases a tag name and strips a leading '#', so that
// followed tags and incoming status tags compare equal regardless of how
// the server rendered them.
func NormalizeTag(tag string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(tag), "#"))
}
