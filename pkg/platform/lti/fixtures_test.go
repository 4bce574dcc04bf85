package lti

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/mind-engage/mindengage-lti/pkg/platform/registry"
	"github.com/mind-engage/mindengage-lti/pkg/platform/tenants"
)

const (
	testTenant   = "school-a"
	testClientID = "tool-1"
	testIssuer   = "https://tool.example"
	testJWKSURL  = "https://tool.example/jwks"
	testKID      = "tool-key-1"
)

var (
	keyOnce  sync.Once
	toolKeys [2]*rsa.PrivateKey
)

// testToolKey returns one of two process-wide tool keys (RSA generation is slow).
func testToolKey(t *testing.T, i int) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		for j := range toolKeys {
			k, err := rsa.GenerateKey(rand.Reader, 2048)
			if err != nil {
				panic(err)
			}
			toolKeys[j] = k
		}
	})
	return toolKeys[i]
}

// fakeClock is a settable clock shared by every component in a fixture.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1_760_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// jwksServer serves a mutable key set and counts requests.
type jwksServer struct {
	mu     sync.Mutex
	set    JWKS
	status int
	hits   atomic.Int32
}

func (s *jwksServer) setKeys(keys ...map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set = JWKS{Keys: keys}
}

func (s *jwksServer) setStatus(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = code
}

func (s *jwksServer) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	s.hits.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != 0 {
		w.WriteHeader(s.status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.set)
}

// handlerTransport routes every request to an in-process handler so tool
// URLs like https://tool.example/jwks work without a network.
type handlerTransport struct{ h http.Handler }

func (t handlerTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if err := r.Context().Err(); err != nil {
		return nil, err
	}
	rec := httptest.NewRecorder()
	t.h.ServeHTTP(rec, r)
	return rec.Result(), nil
}

type fixture struct {
	clock     *fakeClock
	jwks      *jwksServer
	regs      *registry.MemoryStore
	reg       tenants.ToolRegistration
	replay    *MemoryReplayGuard
	cache     *JWKSCache
	login     *LoginInitiator
	validator *LaunchValidator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{clock: newFakeClock(), jwks: &jwksServer{}}
	f.jwks.setKeys(RSAPublicJWK(&testToolKey(t, 0).PublicKey, testKID, "RS256"))

	f.regs = registry.NewMemoryStore()
	reg, err := f.regs.Create(ctx, tenants.ToolRegistration{
		TenantID:     testTenant,
		Issuer:       testIssuer,
		ClientID:     testClientID,
		DeploymentID: "dep-1",
		AuthLoginURL: "https://tool.example/oidc/login",
		JWKSURL:      testJWKSURL,
		Status:       tenants.StatusActive,
		Settings:     map[string]string{tenants.SettingTargetLinkURI: "https://tool.example/launch"},
	})
	require.NoError(t, err)
	f.reg = reg

	f.replay = NewMemoryReplayGuard()
	f.replay.Now = f.clock.Now
	f.cache = &JWKSCache{Client: &http.Client{Transport: handlerTransport{f.jwks}}, Now: f.clock.Now}
	f.login = &LoginInitiator{Registrations: f.regs, Replay: f.replay, Now: f.clock.Now}
	f.validator = &LaunchValidator{
		Registrations: f.regs,
		Keys:          f.cache,
		Replay:        f.replay,
		Now:           f.clock.Now,
	}
	return f
}

// loginNonce runs a login for hint and returns the issued nonce.
func (f *fixture) loginNonce(t *testing.T, hint string) LoginRedirect {
	t.Helper()
	out, err := f.login.BuildRedirect(context.Background(), testTenant, LoginRequest{ClientID: testClientID, LoginHint: hint})
	require.NoError(t, err)
	return out
}

// claims returns a valid resource-link launch payload for nonce.
func (f *fixture) claims(nonce string) jwt.MapClaims {
	now := f.clock.Now()
	return jwt.MapClaims{
		"iss":            testIssuer,
		"aud":            testClientID,
		"sub":            "u1",
		"iat":            now.Unix(),
		"exp":            now.Add(time.Hour).Unix(),
		"nonce":          nonce,
		ClaimMessageType: MsgTypeResourceLink,
		ClaimVersion:     LTIVersion,
		ClaimDeployment:  "dep-1",
		ClaimTarget:      "https://tool.example/launch",
		ClaimResource:    map[string]any{"id": "rl-1"},
		ClaimCustom:      map[string]any{"chapter": "3"},
	}
}

// sign signs claims RS256 with tool key i under kid.
func sign(t *testing.T, claims jwt.MapClaims, keyIdx int, kid string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if kid != "" {
		tok.Header["kid"] = kid
	}
	s, err := tok.SignedString(testToolKey(t, keyIdx))
	require.NoError(t, err)
	return s
}
