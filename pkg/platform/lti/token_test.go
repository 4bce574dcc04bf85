package lti

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/mind-engage/mindengage-lti/pkg/platform/tenants"
)

const testTokenURL = "https://lms.example/t/school-a/lti/token"

// stubIssuer hands out opaque tokens and remembers what it was asked for.
type stubIssuer struct {
	now    func() time.Time
	got    tenants.ToolRegistration
	scopes []string
}

func (s *stubIssuer) GenerateAccessToken(_ context.Context, reg tenants.ToolRegistration, scopes []string) (AccessToken, error) {
	for _, sc := range scopes {
		if sc == "bogus" {
			return AccessToken{}, Errorf(KindInvalidRequest, "unsupported scope %q", sc)
		}
	}
	s.got, s.scopes = reg, scopes
	if len(scopes) == 0 {
		scopes = []string{"https://purl.imsglobal.org/spec/lti-ags/scope/score"}
	}
	return AccessToken{Token: "tok-" + reg.ClientID, Scopes: scopes, ExpiresAt: s.now().Add(time.Hour)}, nil
}

func newTokenServer(f *fixture, rec *memoryRecorder) (*TokenServer, *stubIssuer) {
	iss := &stubIssuer{now: f.clock.Now}
	return &TokenServer{
		ResolveTenantID: func(*http.Request) (string, error) { return testTenant, nil },
		Issuers:         tenants.NewResolver(tenants.Options{BaseDomain: "lms.example", PathPrefix: "/t"}),
		Registrations:   f.regs,
		Keys:            f.cache,
		Replay:          f.replay,
		Tokens:          iss,
		Audit:           rec,
		Now:             f.clock.Now,
	}, iss
}

func (f *fixture) assertion(t *testing.T, aud, jti string) string {
	t.Helper()
	now := f.clock.Now()
	return sign(t, jwt.MapClaims{
		"iss": testClientID,
		"sub": testClientID,
		"aud": aud,
		"iat": now.Unix(),
		"exp": now.Add(5 * time.Minute).Unix(),
		"jti": jti,
	}, 0, testKID)
}

func assertionForm(assertion, scope string) url.Values {
	return url.Values{
		"grant_type":            {"client_credentials"},
		"client_assertion_type": {assertionTypePrivateKeyJWT},
		"client_assertion":      {assertion},
		"scope":                 {scope},
	}
}

func TestTokenPrivateKeyJWT(t *testing.T) {
	f := newFixture(t)
	rec := &memoryRecorder{}
	srv, iss := newTokenServer(f, rec)

	res := postForm(srv.Handler(), "/lti/token", assertionForm(f.assertion(t, testTokenURL, "j-1"),
		"https://purl.imsglobal.org/spec/lti-ags/scope/score"))
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	assert.Equal(t, "no-store", res.Header().Get("Cache-Control"))

	var body tokenResponse
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &body))
	assert.Equal(t, "tok-tool-1", body.AccessToken)
	assert.Equal(t, "Bearer", body.TokenType)
	assert.EqualValues(t, 3600, body.ExpiresIn)
	assert.Equal(t, "https://purl.imsglobal.org/spec/lti-ags/scope/score", body.Scope)
	assert.Equal(t, f.reg.ID, iss.got.ID)

	require.Len(t, rec.events, 1)
	assert.Equal(t, "lti.token", rec.events[0].Action)
	assert.Equal(t, "ok", rec.events[0].Outcome)
}

func TestTokenAssertionAcceptsIssuerAudience(t *testing.T) {
	f := newFixture(t)
	srv, _ := newTokenServer(f, &memoryRecorder{})

	res := postForm(srv.Handler(), "/lti/token", assertionForm(f.assertion(t, "https://lms.example/t/school-a", "j-1"), ""))
	assert.Equal(t, http.StatusOK, res.Code, res.Body.String())
}

func TestTokenAssertionReplayRejected(t *testing.T) {
	f := newFixture(t)
	srv, _ := newTokenServer(f, &memoryRecorder{})
	assertion := f.assertion(t, testTokenURL, "j-1")

	first := postForm(srv.Handler(), "/lti/token", assertionForm(assertion, ""))
	require.Equal(t, http.StatusOK, first.Code)

	second := postForm(srv.Handler(), "/lti/token", assertionForm(assertion, ""))
	assert.Equal(t, http.StatusUnauthorized, second.Code)
	assert.Contains(t, second.Body.String(), `"invalid_client"`)
}

func TestTokenAssertionFailures(t *testing.T) {
	cases := []struct {
		name      string
		assertion func(t *testing.T, f *fixture) string
	}{
		{"wrong audience", func(t *testing.T, f *fixture) string {
			return f.assertion(t, "https://other.example/lti/token", "j-1")
		}},
		{"wrong key", func(t *testing.T, f *fixture) string {
			now := f.clock.Now()
			return sign(t, jwt.MapClaims{
				"iss": testClientID, "sub": testClientID, "aud": testTokenURL,
				"iat": now.Unix(), "exp": now.Add(time.Minute).Unix(), "jti": "j-1",
			}, 1, testKID)
		}},
		{"iss differs from sub", func(t *testing.T, f *fixture) string {
			now := f.clock.Now()
			return sign(t, jwt.MapClaims{
				"iss": "someone-else", "sub": testClientID, "aud": testTokenURL,
				"iat": now.Unix(), "exp": now.Add(time.Minute).Unix(), "jti": "j-1",
			}, 0, testKID)
		}},
		{"missing jti", func(t *testing.T, f *fixture) string {
			return f.assertion(t, testTokenURL, "")
		}},
		{"expired", func(t *testing.T, f *fixture) string {
			a := f.assertion(t, testTokenURL, "j-1")
			f.clock.Advance(10 * time.Minute)
			return a
		}},
		{"garbage", func(*testing.T, *fixture) string { return "not-a-jwt" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			srv, _ := newTokenServer(f, &memoryRecorder{})
			res := postForm(srv.Handler(), "/lti/token", assertionForm(tc.assertion(t, f), ""))
			assert.Equal(t, http.StatusUnauthorized, res.Code, res.Body.String())
			assert.Contains(t, res.Body.String(), `"invalid_client"`)
		})
	}
}

func TestTokenInactiveRegistration(t *testing.T) {
	f := newFixture(t)
	srv, _ := newTokenServer(f, &memoryRecorder{})
	require.NoError(t, f.regs.SetStatus(context.Background(), testTenant, f.reg.ID, tenants.StatusInactive))

	res := postForm(srv.Handler(), "/lti/token", assertionForm(f.assertion(t, testTokenURL, "j-1"), ""))
	assert.Equal(t, http.StatusUnauthorized, res.Code)
}

func TestTokenClientSecretPost(t *testing.T) {
	f := newFixture(t)
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	_, err = f.regs.Create(context.Background(), tenants.ToolRegistration{
		TenantID:         testTenant,
		Issuer:           "https://tool2.example",
		ClientID:         "tool-2",
		DeploymentID:     "dep-2",
		AuthLoginURL:     "https://tool2.example/login",
		JWKSURL:          "https://tool2.example/jwks",
		Status:           tenants.StatusActive,
		ClientSecretHash: string(hash),
	})
	require.NoError(t, err)
	srv, _ := newTokenServer(f, &memoryRecorder{})

	ok := postForm(srv.Handler(), "/lti/token", url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {"tool-2"},
		"client_secret": {"s3cret"},
	})
	require.Equal(t, http.StatusOK, ok.Code, ok.Body.String())
	assert.Contains(t, ok.Body.String(), `"tok-tool-2"`)

	bad := postForm(srv.Handler(), "/lti/token", url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {"tool-2"},
		"client_secret": {"wrong"},
	})
	assert.Equal(t, http.StatusUnauthorized, bad.Code)

	// tool-1 has no secret configured
	none := postForm(srv.Handler(), "/lti/token", url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {testClientID},
		"client_secret": {"anything"},
	})
	assert.Equal(t, http.StatusUnauthorized, none.Code)
}

func TestTokenRequestErrors(t *testing.T) {
	f := newFixture(t)
	srv, _ := newTokenServer(f, &memoryRecorder{})

	res := postForm(srv.Handler(), "/lti/token", url.Values{"grant_type": {"authorization_code"}})
	assert.Equal(t, http.StatusBadRequest, res.Code)
	assert.Contains(t, res.Body.String(), `"unsupported_grant_type"`)

	res = postForm(srv.Handler(), "/lti/token", url.Values{"grant_type": {"client_credentials"}})
	assert.Equal(t, http.StatusUnauthorized, res.Code)

	res = postForm(srv.Handler(), "/lti/token", assertionForm(f.assertion(t, testTokenURL, "j-1"), "bogus"))
	assert.Equal(t, http.StatusBadRequest, res.Code)
	assert.Contains(t, res.Body.String(), `"invalid_scope"`)
}
