package lti

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mind-engage/mindengage-lti/pkg/platform/audit"
	"github.com/mind-engage/mindengage-lti/pkg/platform/tenants"
)

type memoryRecorder struct{ events []audit.Event }

func (m *memoryRecorder) Record(_ context.Context, ev audit.Event) error {
	m.events = append(m.events, ev)
	return nil
}

func newHandlers(f *fixture, km *KeyManager, rec audit.Recorder) *Handlers {
	return &Handlers{
		ResolveTenantID: func(*http.Request) (string, error) { return testTenant, nil },
		Issuers:         tenants.NewResolver(tenants.Options{BaseDomain: "lms.example", PathPrefix: "/t"}),
		Login:           f.login,
		Launch:          f.validator,
		Signer:          km,
		Audit:           rec,
		Now:             f.clock.Now,
	}
}

func postForm(h http.Handler, path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestLoginThenLaunchOverHTTP(t *testing.T) {
	f := newFixture(t)
	km := NewKeyManager()
	km.Now = f.clock.Now
	rec := &memoryRecorder{}
	h := newHandlers(f, km, rec)

	loginRes := postForm(h.LoginHandler(), "/lti/login", url.Values{
		"client_id":  {testClientID},
		"login_hint": {"u1"},
	})
	require.Equal(t, http.StatusOK, loginRes.Code, loginRes.Body.String())
	var login LoginRedirect
	require.NoError(t, json.Unmarshal(loginRes.Body.Bytes(), &login))
	assert.Contains(t, login.RedirectURL, "https://tool.example/oidc/login?")

	launchRes := postForm(h.LaunchHandler(), "/lti/launch", url.Values{
		"client_id": {testClientID},
		"id_token":  {sign(t, f.claims(login.Nonce), 0, testKID)},
		"state":     {login.State},
	})
	require.Equal(t, http.StatusOK, launchRes.Code, launchRes.Body.String())

	var body struct {
		Claims    map[string]any `json:"claims"`
		LaunchJWT string         `json:"launch_jwt"`
	}
	require.NoError(t, json.Unmarshal(launchRes.Body.Bytes(), &body))
	assert.Equal(t, "u1", body.Claims["sub"])

	claims, err := km.Verify(context.Background(), testTenant, body.LaunchJWT, jwt.WithTimeFunc(f.clock.Now))
	require.NoError(t, err)
	assert.Equal(t, "https://lms.example/t/school-a", claims["iss"])
	assert.Equal(t, "u1", claims["sub"])
	assert.Equal(t, "launch", claims["typ"])
	assert.Equal(t, f.reg.ID, claims["registration_id"])
	exp, err := claims.GetExpirationTime()
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().Add(5*time.Minute).Unix(), exp.Unix())

	require.Len(t, rec.events, 1)
	assert.Equal(t, "lti.launch", rec.events[0].Action)
	assert.Equal(t, "ok", rec.events[0].Outcome)
}

func TestLaunchHandlerErrorEnvelope(t *testing.T) {
	f := newFixture(t)
	rec := &memoryRecorder{}
	h := newHandlers(f, NewKeyManager(), rec)
	login := f.loginNonce(t, "u1")
	token := sign(t, f.claims(login.Nonce), 0, testKID)

	res := postForm(h.LaunchHandler(), "/lti/launch", url.Values{"client_id": {testClientID}, "id_token": {token}, "state": {"forged"}})
	assert.Equal(t, http.StatusUnauthorized, res.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &body))
	assert.Equal(t, "unauthorized", body["error"])
	assert.Equal(t, string(KindClaimMismatch), body["code"])

	res = postForm(h.LaunchHandler(), "/lti/launch", url.Values{"client_id": {testClientID}, "id_token": {token}})
	assert.Equal(t, http.StatusUnauthorized, res.Code)
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &body))
	assert.Equal(t, string(KindReplayedNonce), body["code"])

	res = postForm(h.LaunchHandler(), "/lti/launch", url.Values{"client_id": {testClientID}})
	assert.Equal(t, http.StatusBadRequest, res.Code)

	require.Len(t, rec.events, 2)
	assert.Equal(t, string(KindClaimMismatch), rec.events[0].Outcome)
	assert.Equal(t, string(KindReplayedNonce), rec.events[1].Outcome)
}

func TestLoginHandlerAcceptsJSON(t *testing.T) {
	f := newFixture(t)
	h := newHandlers(f, NewKeyManager(), nil)

	req := httptest.NewRequest(http.MethodPost, "/lti/login",
		strings.NewReader(`{"client_id":"tool-1","login_hint":"u1","target_link_uri":"https://tool.example/deep"}`))
	req.Header.Set("Content-Type", "application/json")
	res := httptest.NewRecorder()
	h.LoginHandler().ServeHTTP(res, req)
	require.Equal(t, http.StatusOK, res.Code)
	assert.Contains(t, res.Body.String(), url.QueryEscape("https://tool.example/deep"))

	res = postForm(h.LoginHandler(), "/lti/login", url.Values{"client_id": {"nope"}, "login_hint": {"u1"}})
	assert.Equal(t, http.StatusUnauthorized, res.Code)
	assert.Contains(t, res.Body.String(), string(KindRegistrationNotFound))
}
