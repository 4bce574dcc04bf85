package lti

import (
	"context"
	"crypto"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mind-engage/mindengage-lti/pkg/platform/metrics"
)

const (
	defaultJWKSTTL     = 10 * time.Minute
	defaultJWKSTimeout = 5 * time.Second
	defaultJWKSRefetch = 30 * time.Second
	maxJWKSBytes       = 1 << 20
	jwksFetchAttempts  = 2 // one retry on transient failure
)

// KeySet is a parsed tool JWKS.
type KeySet struct {
	Keys      map[string]crypto.PublicKey // kid -> key
	FetchedAt time.Time
}

func (s KeySet) lookup(kid string) (crypto.PublicKey, bool) {
	if kid == "" {
		// A single-key set may omit kid on both sides.
		if len(s.Keys) == 1 {
			for _, k := range s.Keys {
				return k, true
			}
		}
		return nil, false
	}
	k, ok := s.Keys[kid]
	return k, ok
}

// JWKSStore caches key sets by URL.
type JWKSStore interface {
	Get(jwksURL string) (KeySet, bool)
	Put(jwksURL string, set KeySet, ttl time.Duration)
}

type jwksEntry struct {
	set       KeySet
	expiresAt time.Time
}

// MemoryJWKSStore is the default in-process JWKSStore.
type MemoryJWKSStore struct {
	mu      sync.RWMutex
	entries map[string]jwksEntry
	Now     func() time.Time
}

func NewMemoryJWKSStore() *MemoryJWKSStore {
	return &MemoryJWKSStore{entries: make(map[string]jwksEntry)}
}

func (s *MemoryJWKSStore) Get(jwksURL string) (KeySet, bool) {
	s.mu.RLock()
	e, ok := s.entries[jwksURL]
	s.mu.RUnlock()
	if !ok || !s.now().Before(e.expiresAt) {
		return KeySet{}, false
	}
	return e.set, true
}

func (s *MemoryJWKSStore) Put(jwksURL string, set KeySet, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[jwksURL] = jwksEntry{set: set, expiresAt: s.now().Add(ttl)}
}

// Invalidate drops a cached set.
func (s *MemoryJWKSStore) Invalidate(jwksURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, jwksURL)
}

func (s *MemoryJWKSStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// JWKSCache resolves verification keys from tool JWKS URLs.
type JWKSCache struct {
	Client  *http.Client // default: SSRF-guarded client with Timeout
	Store   JWKSStore    // default: MemoryJWKSStore
	TTL     time.Duration
	Timeout time.Duration
	// MinRefreshInterval limits refetches for unknown kids per URL; default 30s.
	MinRefreshInterval time.Duration

	// AllowPrivateNetworks disables the loopback/private address guard.
	AllowPrivateNetworks bool
	Logger               *slog.Logger
	Now                  func() time.Time

	once  sync.Once
	group singleflight.Group

	mu        sync.Mutex
	lastFetch map[string]time.Time // jwks url -> last successful fetch
}

// PublicKeyFor returns the key identified by kid from the set at jwksURL.
// A kid missing from a cached set forces a re-fetch, at most once per
// MinRefreshInterval for the URL. Any failure is a KindKeyFetch error;
// callers must deny.
func (c *JWKSCache) PublicKeyFor(ctx context.Context, jwksURL, kid string) (crypto.PublicKey, error) {
	c.init()
	if set, ok := c.Store.Get(jwksURL); ok {
		if k, found := set.lookup(kid); found {
			return k, nil
		}
		if !c.refetchAllowed(jwksURL) {
			logger(c.Logger).DebugContext(ctx, "jwks: unknown kid within refetch interval", "url", jwksURL, "kid", kid)
			return nil, Errorf(KindKeyFetch, "kid %q not found in %s", kid, jwksURL)
		}
		logger(c.Logger).InfoContext(ctx, "jwks: kid not in cached set, refetching", "url", jwksURL, "kid", kid)
	}
	set, err := c.refresh(ctx, jwksURL)
	if err != nil {
		return nil, err
	}
	k, found := set.lookup(kid)
	if !found {
		return nil, Errorf(KindKeyFetch, "kid %q not found in %s", kid, jwksURL)
	}
	return k, nil
}

func (c *JWKSCache) init() {
	c.once.Do(func() {
		if c.Store == nil {
			c.Store = NewMemoryJWKSStore()
		}
		if c.TTL <= 0 {
			c.TTL = defaultJWKSTTL
		}
		if c.Timeout <= 0 {
			c.Timeout = defaultJWKSTimeout
		}
		if c.MinRefreshInterval <= 0 {
			c.MinRefreshInterval = defaultJWKSRefetch
		}
		if c.Client == nil {
			c.Client = c.guardedClient()
		}
	})
}

// refresh fetches and stores the set; concurrent callers for one URL share
// a single request. The fetch ignores the starting caller's cancellation and
// is bounded by Timeout per attempt. Each caller returns when its own ctx is
// done.
func (c *JWKSCache) refresh(ctx context.Context, jwksURL string) (KeySet, error) {
	ch := c.group.DoChan(jwksURL, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.Timeout*jwksFetchAttempts)
		defer cancel()
		start := time.Now()
		set, err := c.fetch(fctx, jwksURL)
		metrics.JWKSFetchSeconds.Observe(time.Since(start).Seconds())
		metrics.JWKSFetchTotal.WithLabelValues(Outcome(err)).Inc()
		if err != nil {
			return KeySet{}, err
		}
		c.Store.Put(jwksURL, set, c.TTL)
		c.mu.Lock()
		if c.lastFetch == nil {
			c.lastFetch = make(map[string]time.Time)
		}
		c.lastFetch[jwksURL] = c.now()
		c.mu.Unlock()
		return set, nil
	})
	select {
	case <-ctx.Done():
		return KeySet{}, Wrap(KindKeyFetch, "fetch "+jwksURL, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return KeySet{}, res.Err
		}
		return res.Val.(KeySet), nil
	}
}

func (c *JWKSCache) refetchAllowed(jwksURL string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	last, ok := c.lastFetch[jwksURL]
	return !ok || c.now().Sub(last) >= c.MinRefreshInterval
}

func (c *JWKSCache) fetch(ctx context.Context, jwksURL string) (KeySet, error) {
	u, err := url.Parse(jwksURL)
	if err != nil || u.Host == "" || (u.Scheme != "https" && !c.AllowPrivateNetworks) {
		return KeySet{}, Errorf(KindKeyFetch, "jwks url %q is not an https URL", jwksURL)
	}
	if !c.AllowPrivateNetworks && blockedHostname(u.Hostname()) {
		return KeySet{}, Errorf(KindKeyFetch, "jwks host %q is not allowed", u.Hostname())
	}

	var lastErr error
	for attempt := 1; attempt <= jwksFetchAttempts; attempt++ {
		set, retry, err := c.fetchOnce(ctx, jwksURL)
		if err == nil {
			return set, nil
		}
		lastErr = err
		if !retry || ctx.Err() != nil {
			break
		}
		logger(c.Logger).WarnContext(ctx, "jwks: fetch failed, retrying", "url", jwksURL, "attempt", attempt, "err", err)
	}
	return KeySet{}, Wrap(KindKeyFetch, "fetch "+jwksURL, lastErr)
}

// fetchOnce performs one GET. retry reports whether the failure is transient.
func (c *JWKSCache) fetchOnce(ctx context.Context, jwksURL string) (set KeySet, retry bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURL, nil)
	if err != nil {
		return KeySet{}, false, err
	}
	req.Header.Set("Accept", "application/jwk-set+json, application/json")

	resp, err := c.Client.Do(req)
	if err != nil {
		return KeySet{}, !errors.Is(err, errBlockedAddress), err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return KeySet{}, true, fmt.Errorf("status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return KeySet{}, false, fmt.Errorf("status %d", resp.StatusCode)
	}

	var doc JWKS
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxJWKSBytes)).Decode(&doc); err != nil {
		return KeySet{}, false, fmt.Errorf("decode: %w", err)
	}
	set = KeySet{Keys: make(map[string]crypto.PublicKey, len(doc.Keys)), FetchedAt: c.now()}
	for i, jwk := range doc.Keys {
		pub, err := ParseJWK(jwk)
		if err != nil {
			logger(c.Logger).DebugContext(ctx, "jwks: skipping key", "url", jwksURL, "index", i, "err", err)
			continue
		}
		kid, _ := jwk["kid"].(string)
		set.Keys[kid] = pub
	}
	if len(set.Keys) == 0 {
		return KeySet{}, false, errors.New("no usable signing keys")
	}
	return set, false, nil
}

func (c *JWKSCache) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

/* ---------------------------- outbound guard ------------------------------- */

var errBlockedAddress = errors.New("jwks: destination address not allowed")

var blockedHosts = map[string]bool{
	"localhost":                true,
	"metadata.google.internal": true,
	"metadata":                 true,
}

func blockedHostname(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if blockedHosts[host] || strings.HasSuffix(host, ".localhost") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return blockedIP(ip)
	}
	return false
}

func blockedIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified() || ip.IsMulticast()
}

// guardedClient checks the resolved address at dial time, which also covers
// DNS answers that point at internal ranges.
func (c *JWKSCache) guardedClient() *http.Client {
	dialer := &net.Dialer{Timeout: c.Timeout}
	if !c.AllowPrivateNetworks {
		dialer.Control = func(_, address string, _ syscall.RawConn) error {
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return err
			}
			if ip := net.ParseIP(host); ip == nil || blockedIP(ip) {
				return errBlockedAddress
			}
			return nil
		}
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.DialContext = dialer.DialContext
	tr.Proxy = nil
	return &http.Client{
		Timeout:   c.Timeout,
		Transport: tr,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 3 {
				return errors.New("too many redirects")
			}
			if req.URL.Scheme != "https" && !c.AllowPrivateNetworks {
				return errors.New("redirect to non-https url")
			}
			return nil
		},
	}
}
