package streaming

import (
	"encoding/json"
	"fmt"

	"github.com/fedikit/tagrelay/internal/domain"
)

// status is the raw JSON body of a streaming "update" event, reduced to the
// fields tag matching and opt-out evaluation need.
type status struct {
	URI     string        `json:"uri"`
	Content string        `json:"content"`
	Tags    []statusTag   `json:"tags"`
	Account statusAccount `json:"account"`
}

// statusTag is one entry of a status's tag list.
type statusTag struct {
	Name string `json:"name"`
}

// statusAccount is the author subset of a status payload.
type statusAccount struct {
	Acct    string `json:"acct"`
	Noindex bool   `json:"noindex"`
	Note    string `json:"note"`
}

// parseStatus decodes an update payload into a domain post. server is the
// host the event arrived from, not necessarily the post's origin.
func parseStatus(data []byte, server string) (*domain.Post, error) {
	var raw status
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal status: %w", err)
	}
	if raw.URI == "" {
		return nil, fmt.Errorf("status without uri")
	}

	tags := make([]string, 0, len(raw.Tags))
	for _, t := range raw.Tags {
		if t.Name != "" {
			tags = append(tags, t.Name)
		}
	}

	return &domain.Post{
		URI:     raw.URI,
		Server:  server,
		Tags:    tags,
		Content: raw.Content,
		Author: domain.Author{
			Acct:    raw.Account.Acct,
			Noindex: raw.Account.Noindex,
			Bio:     raw.Account.Note,
		},
	}, nil
}
