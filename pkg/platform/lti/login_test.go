package lti

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildRedirectRecordsHandshake(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.login.BuildRedirect(ctx, testTenant, LoginRequest{
		ClientID:    testClientID,
		LoginHint:   "u1",
		MessageHint: "ctx-42",
	})
	require.NoError(t, err)
	assert.Len(t, out.State, 64)
	assert.Len(t, out.Nonce, 32)

	u, err := url.Parse(out.RedirectURL)
	require.NoError(t, err)
	assert.Equal(t, "tool.example", u.Host)
	assert.Equal(t, "/oidc/login", u.Path)
	q := u.Query()
	assert.Equal(t, testClientID, q.Get("client_id"))
	assert.Equal(t, "u1", q.Get("login_hint"))
	assert.Equal(t, out.State, q.Get("state"))
	assert.Equal(t, out.Nonce, q.Get("nonce"))
	assert.Equal(t, "id_token", q.Get("response_type"))
	assert.Equal(t, "form_post", q.Get("response_mode"))
	assert.Equal(t, "openid", q.Get("scope"))
	assert.Equal(t, "none", q.Get("prompt"))
	assert.Equal(t, "https://tool.example/launch", q.Get("target_link_uri"), "falls back to the registration setting")
	assert.Equal(t, "ctx-42", q.Get("lti_message_hint"))

	e, ok, err := f.replay.Get(ctx, out.Nonce)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, out.State, e.State)
	assert.Equal(t, testTenant, e.TenantID)
	assert.Equal(t, "u1", e.LoginHint)
	assert.Equal(t, f.clock.Now().Add(DefaultReplayTTL), e.ExpiresAt)
}

func TestBuildRedirectFreshValuesEachCall(t *testing.T) {
	f := newFixture(t)
	a := f.loginNonce(t, "u1")
	b := f.loginNonce(t, "u1")
	assert.NotEqual(t, a.State, b.State)
	assert.NotEqual(t, a.Nonce, b.Nonce)
}

func TestBuildRedirectFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.login.BuildRedirect(ctx, testTenant, LoginRequest{ClientID: "tool-9", LoginHint: "u1"})
	assert.ErrorIs(t, err, ErrRegistrationNotFound)

	_, err = f.login.BuildRedirect(ctx, "school-b", LoginRequest{ClientID: testClientID, LoginHint: "u1"})
	assert.ErrorIs(t, err, ErrRegistrationNotFound)

	_, err = f.login.BuildRedirect(ctx, testTenant, LoginRequest{LoginHint: "u1"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.login.BuildRedirect(ctx, testTenant, LoginRequest{ClientID: testClientID, LoginHint: "u1", TargetLinkURI: "javascript:alert(1)"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestBuildRedirectDefaultsLoginHint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.login.BuildRedirect(ctx, testTenant, LoginRequest{ClientID: testClientID, LoginHint: "  "})
	require.NoError(t, err)
	u, err := url.Parse(out.RedirectURL)
	require.NoError(t, err)
	hint := u.Query().Get("login_hint")
	assert.True(t, strings.HasPrefix(hint, "anon-"), hint)

	e, ok, err := f.replay.Get(ctx, out.Nonce)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, hint, e.LoginHint)

	// A launch without sub gets the generated hint as its subject.
	claims := f.claims(out.Nonce)
	delete(claims, "sub")
	lc, err := f.validator.ValidateLaunch(ctx, testTenant, testClientID, sign(t, claims, 0, testKID))
	require.NoError(t, err)
	assert.Equal(t, hint, lc.Subject)
}

func TestBuildRedirectCustomTTL(t *testing.T) {
	f := newFixture(t)
	f.login.TTL = time.Minute
	out := f.loginNonce(t, "u1")

	f.clock.Advance(2 * time.Minute)
	_, ok, err := f.replay.Get(context.Background(), out.Nonce)
	require.NoError(t, err)
	assert.False(t, ok)
}
