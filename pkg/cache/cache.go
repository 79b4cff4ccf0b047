// Package cache implements the cache-aside response store used for idempotent
// GET routes. Stores are allowed to race: concurrent writers for one key hold
// interchangeable payloads, so the last write wins.
package cache

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultTTL is applied to every stored response regardless of origin headers.
const DefaultTTL = time.Hour

// ErrStoreUnavailable wraps failures reaching the cache substrate.
var ErrStoreUnavailable = errors.New("cache store unavailable")

// Entry is a stored response.
type Entry struct {
	Status   int           `json:"status"`
	Header   http.Header   `json:"header"`
	Body     []byte        `json:"body"`
	StoredAt time.Time     `json:"stored_at"`
	TTL      time.Duration `json:"ttl"`
}

// Fresh reports whether the entry may still be served at now.
func (e *Entry) Fresh(now time.Time) bool {
	return e != nil && now.Before(e.StoredAt.Add(e.TTL))
}

// Store is the cache substrate.
type Store interface {
	// Get returns the entry for key; ok is false on a miss or an expired entry.
	Get(ctx context.Context, key string) (entry *Entry, ok bool, err error)
	Put(ctx context.Context, key string, entry *Entry) error
	Ping(ctx context.Context) error
	Close() error
}

// Key builds the cache key for a GET: the method followed by the normalized
// absolute URL. The scheme comes from TLS or a trusted X-Forwarded-Proto.
func Key(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := strings.TrimSpace(r.Header.Get("X-Forwarded-Proto")); proto != "" {
		scheme = strings.ToLower(proto)
	}
	u := url.URL{
		Scheme:   scheme,
		Host:     strings.ToLower(r.Host),
		Path:     r.URL.Path,
		RawQuery: r.URL.Query().Encode(),
	}
	return http.MethodGet + " " + u.String()
}

var unstoredHeaders = []string{
	"Set-Cookie",
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// NewEntry copies a response into a cache entry with a fixed ttl. Session
// cookies and hop-by-hop headers are dropped and Cache-Control is rewritten
// to match the ttl.
func NewEntry(status int, header http.Header, body []byte, now time.Time, ttl time.Duration) *Entry {
	h := header.Clone()
	if h == nil {
		h = http.Header{}
	}
	for _, name := range unstoredHeaders {
		h.Del(name)
	}
	h.Set("Cache-Control", "public, max-age="+strconv.Itoa(int(ttl/time.Second)))
	return &Entry{
		Status:   status,
		Header:   h,
		Body:     append([]byte(nil), body...),
		StoredAt: now,
		TTL:      ttl,
	}
}

// Cacheable reports whether an origin response may be stored.
func Cacheable(status int) bool {
	return status == http.StatusOK
}
