//go:build test_unit

package cdn

import (
	"context"
	"fmt"
	"testing"
	"time"

	audiocdn "github.com/devgianlu/go-audiocdn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUrlResolver struct {
	url   string
	err   error
	calls int
}

func (r *fakeUrlResolver) ResolveAudioUrl(context.Context, []byte) (string, error) {
	r.calls++
	return r.url, r.err
}

func TestCdnUrlExpirationParsing(t *testing.T) {
	tests := []struct {
		name           string
		url            string
		fileId         []byte
		wantExpiration time.Time
	}{
		{
			name:           "token with exp segment",
			url:            "https://audio-ak.example.com/audio/abcdef?__token__=data~exp=1700000000~sig=abc",
			fileId:         []byte{1, 2, 3},
			wantExpiration: time.Unix(1700000000, 0),
		},
		{
			name:           "token with exp not first segment",
			url:            "https://audio-ak.example.com/audio/abcdef?__token__=ip=1.2.3.4~id=xyz~exp=1712345678~sig=abc",
			fileId:         []byte{1, 2, 3},
			wantExpiration: time.Unix(1712345678, 0),
		},
		{
			name:   "token without exp segment",
			url:    "https://audio-ak.example.com/audio/abcdef?__token__=data~sig=abc",
			fileId: []byte{1, 2, 3},
		},
		{
			name:   "token with unparsable exp",
			url:    "https://audio-ak.example.com/audio/abcdef?__token__=exp=notanumber~sig=abc",
			fileId: []byte{1, 2, 3},
		},
		{
			name:           "bare seconds prefix",
			url:            "https://audio-fa.example.com/audio/abcdef?1700000000_abcdef",
			fileId:         []byte{1, 2, 3},
			wantExpiration: time.Unix(1700000000, 0),
		},
		{
			name:   "no token and no underscore",
			url:    "https://audio-fa.example.com/audio/abcdef?whatever",
			fileId: []byte{1, 2, 3},
		},
		{
			name:   "no token and unparsable prefix",
			url:    "https://audio-fa.example.com/audio/abcdef?abc_def",
			fileId: []byte{1, 2, 3},
		},
		{
			name: "no file id never expires",
			url:  "https://cdn.external.example.com/episode.mp3?__token__=exp=1700000000",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCdnUrl(&audiocdn.NullLogger{}, nil, tt.fileId, tt.url)
			assert.Equal(t, tt.wantExpiration, c.expiration)
		})
	}
}

func TestCdnUrlNoRefreshWhenValid(t *testing.T) {
	resolver := &fakeUrlResolver{url: "https://new.example.com/audio"}

	exp := time.Now().Add(time.Hour).Unix()
	rawUrl := fmt.Sprintf("https://audio-ak.example.com/audio/abcdef?__token__=exp=%d~sig=abc", exp)

	c := NewCdnUrl(&audiocdn.NullLogger{}, resolver, []byte{1}, rawUrl)

	got, err := c.Url(context.Background())
	require.NoError(t, err)
	assert.Equal(t, rawUrl, got)
	assert.Equal(t, 0, resolver.calls)
}

func TestCdnUrlRefreshWhenStale(t *testing.T) {
	freshExp := time.Now().Add(time.Hour).Unix()
	fresh := fmt.Sprintf("https://audio-ak.example.com/audio/abcdef?__token__=exp=%d~sig=new", freshExp)
	resolver := &fakeUrlResolver{url: fresh}

	// expires within the refresh margin
	staleExp := time.Now().Add(time.Minute).Unix()
	stale := fmt.Sprintf("https://audio-ak.example.com/audio/abcdef?__token__=exp=%d~sig=old", staleExp)

	c := NewCdnUrl(&audiocdn.NullLogger{}, resolver, []byte{1}, stale)

	got, err := c.Url(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fresh, got)
	assert.Equal(t, 1, resolver.calls)

	// the refreshed url is valid for an hour, no further refresh
	got, err = c.Url(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fresh, got)
	assert.Equal(t, 1, resolver.calls)
}

func TestCdnUrlRefreshError(t *testing.T) {
	resolver := &fakeUrlResolver{err: fmt.Errorf("resolve failed")}

	stale := fmt.Sprintf("https://audio-ak.example.com/audio/abcdef?__token__=exp=%d", time.Now().Unix())
	c := NewCdnUrl(&audiocdn.NullLogger{}, resolver, []byte{1}, stale)

	_, err := c.Url(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resolve failed")
}

func TestCdnUrlNeverExpiringSkipsResolver(t *testing.T) {
	resolver := &fakeUrlResolver{url: "https://new.example.com/audio"}

	c := NewCdnUrl(&audiocdn.NullLogger{}, resolver, nil, "https://cdn.external.example.com/episode.mp3")

	got, err := c.Url(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.external.example.com/episode.mp3", got)
	assert.Equal(t, 0, resolver.calls)
}
