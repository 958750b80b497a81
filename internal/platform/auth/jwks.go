package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
	"golang.org/x/sync/singleflight"
)

var (
	ErrJWKSKeyNotFound = errors.New("auth: jwks key not found")
	// ErrJWKSFetchFailed wraps transport and decoding failures; callers map it to 503.
	ErrJWKSFetchFailed = errors.New("auth: jwks fetch failed")
)

// Logger is the printf-style sink the verifiers report through.
type Logger interface {
	Printf(format string, args ...any)
}

const (
	defaultJWKSRefreshInterval = 15 * time.Minute
	defaultJWKSRefreshTimeout  = 5 * time.Second
)

// keySet is one fetched generation of signing keys.
type keySet struct {
	keys    map[string]any
	fetched time.Time
	expires time.Time
}

func (s *keySet) stale(now time.Time) bool {
	return s == nil || !now.Before(s.expires)
}

// halfway reports whether now is past the midpoint of the set's lifetime.
func (s *keySet) halfway(now time.Time) bool {
	if s == nil {
		return false
	}
	return !now.Before(s.fetched.Add(s.expires.Sub(s.fetched) / 2))
}

// JWKSCache serves the Google signing keys used to verify Cloud Scheduler and Pub/Sub push
// tokens. Concurrent refreshes collapse into one fetch, and a set past its midpoint is
// renewed in the background while the cached keys keep serving.
type JWKSCache struct {
	url      string
	client   *http.Client
	logger   Logger
	now      func() time.Time
	ttl      time.Duration
	timeout  time.Duration
	prefetch bool

	mu      sync.RWMutex
	current *keySet
	flight  singleflight.Group
}

type JWKSOption func(*JWKSCache)

func NewJWKSCache(url string, opts ...JWKSOption) *JWKSCache {
	c := &JWKSCache{
		url:      strings.TrimSpace(url),
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   log.Default(),
		now:      time.Now,
		ttl:      defaultJWKSRefreshInterval,
		timeout:  defaultJWKSRefreshTimeout,
		prefetch: true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

func WithJWKSHTTPClient(client *http.Client) JWKSOption {
	return func(c *JWKSCache) {
		if client != nil {
			c.client = client
		}
	}
}

func WithJWKSLogger(logger Logger) JWKSOption {
	return func(c *JWKSCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithJWKSRefreshInterval sets the key lifetime used when the response carries no
// Cache-Control max-age.
func WithJWKSRefreshInterval(d time.Duration) JWKSOption {
	return func(c *JWKSCache) {
		if d > 0 {
			c.ttl = d
		}
	}
}

func WithJWKSRefreshTimeout(d time.Duration) JWKSOption {
	return func(c *JWKSCache) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithJWKSClock(now func() time.Time) JWKSOption {
	return func(c *JWKSCache) {
		if now != nil {
			c.now = now
		}
	}
}

func WithoutJWKSBackgroundRefresh() JWKSOption {
	return func(c *JWKSCache) {
		c.prefetch = false
	}
}

// Keyfunc adapts the cache to jwt parsing. Only RS256 tokens with a kid are accepted.
func (c *JWKSCache) Keyfunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		if token.Method == nil || token.Method.Alg() != jwt.SigningMethodRS256.Alg() {
			return nil, fmt.Errorf("auth: unexpected signing method %v", token.Header["alg"])
		}
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("auth: token missing kid header")
		}
		return c.Key(ctx, kid)
	}
}

// Key returns the public key for kid. An unknown kid forces one refetch, which covers
// Google rotating keys before our cached copy expires.
func (c *JWKSCache) Key(ctx context.Context, kid string) (any, error) {
	now := c.now()
	set := c.snapshot()
	if set.stale(now) {
		var err error
		if set, err = c.refresh(ctx); err != nil {
			return nil, err
		}
	} else if c.prefetch && set.halfway(now) {
		c.refreshAsync()
	}

	if key, ok := set.keys[kid]; ok {
		return key, nil
	}
	set, err := c.refresh(ctx)
	if err != nil {
		return nil, err
	}
	if key, ok := set.keys[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrJWKSKeyNotFound, kid)
}

func (c *JWKSCache) snapshot() *keySet {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

func (c *JWKSCache) refresh(ctx context.Context) (*keySet, error) {
	v, err, _ := c.flight.Do("jwks", func() (any, error) {
		return c.fetch(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*keySet), nil
}

func (c *JWKSCache) refreshAsync() {
	ch := c.flight.DoChan("jwks", func() (any, error) {
		return c.fetch(context.Background())
	})
	go func() {
		if res := <-ch; res.Err != nil {
			c.logger.Printf("auth: background jwks refresh failed: %v", res.Err)
		}
	}()
}

func (c *JWKSCache) fetch(ctx context.Context) (*keySet, error) {
	ctx, cancel := bounded(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s returned %d", ErrJWKSFetchFailed, c.url, resp.StatusCode)
	}

	var doc jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrJWKSFetchFailed, err)
	}
	keys := make(map[string]any, len(doc.Keys))
	for _, jwk := range doc.Keys {
		if jwk.KeyID != "" && jwk.Valid() {
			keys[jwk.KeyID] = jwk.Key
		}
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: no usable keys", ErrJWKSFetchFailed)
	}

	now := c.now()
	ttl := c.ttl
	if maxAge, ok := cacheMaxAge(resp.Header.Get("Cache-Control")); ok {
		ttl = maxAge
	}
	set := &keySet{keys: keys, fetched: now, expires: now.Add(ttl)}

	c.mu.Lock()
	c.current = set
	c.mu.Unlock()
	c.logger.Printf("auth: loaded %d jwks keys, next refresh in %s", len(keys), ttl)
	return set, nil
}

// cacheMaxAge extracts a positive max-age directive from a Cache-Control header.
func cacheMaxAge(header string) (time.Duration, bool) {
	for _, directive := range strings.Split(header, ",") {
		name, value, found := strings.Cut(strings.TrimSpace(directive), "=")
		if !found || !strings.EqualFold(name, "max-age") {
			continue
		}
		seconds, err := strconv.Atoi(strings.Trim(value, `" `))
		if err != nil || seconds <= 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	return 0, false
}
