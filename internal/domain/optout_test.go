package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptOutFilterShouldSkip(t *testing.T) {
	filter, err := NewOptOutFilter("")
	require.NoError(t, err)

	tests := []struct {
		name string
		post Post
		skip bool
	}{
		{
			name: "plain author passes",
			post: Post{Author: Author{Bio: "I paint landscapes"}},
			skip: false,
		},
		{
			name: "noindex flag skips",
			post: Post{Author: Author{Noindex: true}},
			skip: true,
		},
		{
			name: "nobot in bio skips",
			post: Post{Author: Author{Bio: "please nobot here"}},
			skip: true,
		},
		{
			name: "hashtag nobot in bio skips",
			post: Post{Author: Author{Bio: "art lover #nobot"}},
			skip: true,
		},
		{
			name: "nobot in status body skips",
			post: Post{Content: "<p>test #nobot</p>"},
			skip: true,
		},
		{
			name: "case insensitive",
			post: Post{Author: Author{Bio: "NoBot please"}},
			skip: true,
		},
		{
			name: "marker inside another word does not skip",
			post: Post{Author: Author{Bio: "I study nobotany"}},
			skip: false,
		},
		{
			name: "marker as word suffix does not skip",
			post: Post{Author: Author{Bio: "technobot fan"}},
			skip: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.skip, filter.ShouldSkip(&tt.post))
		})
	}
}

func TestNormalizeTag(t *testing.T) {
	assert.Equal(t, "art", NormalizeTag("Art"))
	assert.Equal(t, "art", NormalizeTag("#art"))
	assert.Equal(t, "art", NormalizeTag("  #ART "))
	assert.Equal(t, "", NormalizeTag(""))
}

func TestTagSubscription(t *testing.T) {
	account := UserAccount{Host: "home.example", Token: "secret-token-value"}
	sub := NewTagSubscription(account, []string{"Art", "#music", ""}, time.Now())

	assert.True(t, sub.Contains("art"))
	assert.True(t, sub.Contains("music"))
	assert.False(t, sub.Contains("painting"))
	assert.Len(t, sub.Tags, 2)
}

func TestUserAccountKey(t *testing.T) {
	a := UserAccount{Host: "home.example", Token: "secret-token-value"}
	b := UserAccount{Host: "home.example", Token: "other-token-value"}

	assert.NotEqual(t, a.Key(), b.Key())
	assert.Equal(t, a.Key(), a.Key())
	assert.NotContains(t, a.Key(), a.Token)
}
