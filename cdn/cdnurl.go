package cdn

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	audiocdn "github.com/devgianlu/go-audiocdn"
)

// urlRefreshMargin is how long before the expiration a URL is considered
// stale and re-resolved.
const urlRefreshMargin = 5 * time.Minute

// An UrlResolver obtains a fresh signed CDN URL for a file, performing a
// network round trip.
type UrlResolver interface {
	ResolveAudioUrl(ctx context.Context, fileId []byte) (string, error)
}

// CdnUrl holds a signed, time-limited download URL and the expiration
// parsed out of its signature token. URLs without a file id (externally
// hosted episodes) never expire and are never refreshed.
type CdnUrl struct {
	log      audiocdn.Logger
	resolver UrlResolver
	fileId   []byte

	lock       sync.Mutex
	url        string
	expiration time.Time // zero when the url never expires
}

func NewCdnUrl(log audiocdn.Logger, resolver UrlResolver, fileId []byte, rawUrl string) *CdnUrl {
	c := &CdnUrl{log: log, resolver: resolver, fileId: fileId}
	c.setUrl(rawUrl)
	return c
}

// Url returns the stored URL, refreshing it first if it expires within the
// refresh margin. Concurrent refreshers serialize on the lock, the last
// writer's value is retained.
func (c *CdnUrl) Url(ctx context.Context) (string, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.expiration.IsZero() || time.Now().Add(urlRefreshMargin).Before(c.expiration) {
		return c.url, nil
	}

	newUrl, err := c.resolver.ResolveAudioUrl(ctx, c.fileId)
	if err != nil {
		return "", fmt.Errorf("failed refreshing cdn url for %x: %w", c.fileId, err)
	}

	c.setUrl(newUrl)
	return c.url, nil
}

// setUrl stores the URL and derives its expiration. An unparsable token is
// not an error, the URL degrades to never expiring. Called with the lock
// held (or before the CdnUrl is shared).
func (c *CdnUrl) setUrl(rawUrl string) {
	c.url = rawUrl
	c.expiration = time.Time{}

	if c.fileId == nil {
		return
	}

	parsed, err := url.Parse(rawUrl)
	if err != nil {
		c.log.WithError(err).Warnf("failed parsing cdn url: %s", rawUrl)
		return
	}

	if token := parsed.Query().Get("__token__"); len(token) > 0 {
		for _, seg := range strings.Split(token, "~") {
			val, ok := strings.CutPrefix(seg, "exp=")
			if !ok {
				continue
			}

			exp, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				break
			}

			c.expiration = time.Unix(exp, 0)
			return
		}

		c.log.Warnf("invalid __token__ in cdn url: %s", rawUrl)
		return
	}

	// no token: the expiration is the number of seconds leading the query string
	idx := strings.IndexByte(parsed.RawQuery, '_')
	if idx < 0 {
		c.log.Warnf("couldn't extract expiration, invalid parameter in cdn url: %s", rawUrl)
		return
	}

	exp, err := strconv.ParseInt(parsed.RawQuery[:idx], 10, 64)
	if err != nil {
		c.log.Warnf("couldn't extract expiration, invalid parameter in cdn url: %s", rawUrl)
		return
	}

	c.expiration = time.Unix(exp, 0)
}
