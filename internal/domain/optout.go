package domain

import (
	"fmt"
	"regexp"
)

// DefaultOptOutMarker is the conventional free-text opt-out marker used
// across the fediverse.
const DefaultOptOutMarker = "nobot"

// OptOutFilter decides whether a post's author has opted out of automated
// discovery. It matches the marker word at token boundaries so that an
// unrelated word containing the marker (e.g. "nobotany") does not count.
type OptOutFilter struct {
	marker *regexp.Regexp
}

// NewOptOutFilter compiles a filter for the given marker word. An empty
// marker falls back to DefaultOptOutMarker.
func NewOptOutFilter(marker string) (*OptOutFilter, error) {
	if marker == "" {
		marker = DefaultOptOutMarker
	}
	pattern, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(marker) + `\b`)
	if err != nil {
		return nil, fmt.Errorf("compile opt-out pattern: %w", err)
	}
	return &OptOutFilter{marker: pattern}, nil
}

// ShouldSkip returns true if the post must not be processed further: the
// author's profile carries the noindex flag, or the marker appears in the
// author's bio or in the status body. This runs before any tag matching so
// opted-out content sees no processing beyond this one inspection.
func (f *OptOutFilter) ShouldSkip(p *Post) bool {
	if p.Author.Noindex {
		return true
	}
	return f.marker.MatchString(p.Author.Bio) || f.marker.MatchString(p.Content)
}
