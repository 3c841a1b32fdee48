// Package mastodon is a minimal Mastodon API client covering the two
// authenticated calls tagrelay makes on a user's behalf: listing followed
// tags (read:follows) and resolving a remote status via search
// (read:search).
package mastodon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fedikit/tagrelay/internal/domain"
)

// maxTagPages bounds followed-tags pagination so a misbehaving server
// cannot keep us looping on Link headers forever.
const maxTagPages = 10

// Client issues REST calls against users' home servers. A single Client is
// shared across all accounts; the bearer token is supplied per call.
type Client struct {
	httpClient *http.Client

	// scheme is https outside of tests.
	scheme string
}

// NewClient creates a client with the given per-request timeout.
func NewClient(timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		scheme: "https",
	}
}

// APIError is a non-2xx response from a home server.
type APIError struct {
	StatusCode int
	Body       string

	// RetryAfter is the server-supplied retry hint on rate-limit
	// responses, zero when absent.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Body)
}

// IsAuth reports whether the error indicates a rejected or revoked token.
func (e *APIError) IsAuth() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// IsRateLimit reports whether the server asked us to slow down.
func (e *APIError) IsRateLimit() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

type followedTag struct {
	Name string `json:"name"`
}

// FollowedTags returns the tag names the account currently follows,
// following pagination Link headers up to a bounded number of pages.
func (c *Client) FollowedTags(ctx context.Context, account domain.UserAccount) ([]string, error) {
	next := fmt.Sprintf("%s://%s/api/v1/followed_tags?limit=200", c.scheme, account.Host)

	var names []string
	for page := 0; next != "" && page < maxTagPages; page++ {
		var tags []followedTag
		nextLink, err := c.get(ctx, next, account.Token, &tags)
		if err != nil {
			return nil, fmt.Errorf("followed tags for %s: %w", account.Key(), err)
		}
		for _, t := range tags {
			names = append(names, t.Name)
		}
		next = nextLink
	}
	return names, nil
}

// SearchStatus calls the account's home-server search endpoint with the
// post's canonical URI, which causes the server to fetch and index the
// remote status. The response body is drained and discarded; this system
// does not verify that the post actually surfaced.
func (c *Client) SearchStatus(ctx context.Context, account domain.UserAccount, uri string) error {
	q := url.Values{}
	q.Set("q", uri)
	q.Set("resolve", "true")
	q.Set("type", "statuses")
	endpoint := fmt.Sprintf("%s://%s/api/v2/search?%s", c.scheme, account.Host, q.Encode())

	if _, err := c.get(ctx, endpoint, account.Token, nil); err != nil {
		return fmt.Errorf("search dispatch for %s: %w", account.Key(), err)
	}
	return nil
}

// get performs an authenticated GET, decodes the body into result when
// non-nil, and returns the rel="next" pagination link if the server sent
// one.
func (c *Client) get(ctx context.Context, endpoint, token string, result any) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &APIError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	if result != nil && len(body) > 0 {
		if err := json.Unmarshal(body, result); err != nil {
			return "", fmt.Errorf("unmarshal response: %w", err)
		}
	}

	return nextLink(resp.Header.Get("Link")), nil
}

// parseRetryAfter handles the delay-seconds form of the Retry-After header.
// The HTTP-date form is rare on fediverse servers and is ignored.
func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	secs, err := strconv.Atoi(value)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// nextLink extracts the rel="next" URL from a Link header, empty when the
// header carries none.
func nextLink(header string) string {
	for _, part := range strings.Split(header, ",") {
		section := strings.Split(part, ";")
		if len(section) < 2 {
			continue
		}
		target := strings.Trim(strings.TrimSpace(section[0]), "<>")
		for _, param := range section[1:] {
			if strings.EqualFold(strings.TrimSpace(param), `rel="next"`) {
				return target
			}
		}
	}
	return ""
}

// MaskToken shortens a token for log output. Raw token values must never
// be logged.
func MaskToken(token string) string {
	token = strings.TrimSpace(token)
	if token == "" {
		return ""
	}
	if len(token) <= 8 {
		return "***"
	}
	return token[:3] + "***" + token[len(token)-3:]
}
