package deeplinking

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mind-engage/mindengage-lti/pkg/platform/lti"
	"github.com/mind-engage/mindengage-lti/pkg/platform/registry"
	"github.com/mind-engage/mindengage-lti/pkg/platform/tenants"
)

type fixture struct {
	store *registry.MemoryStore
	keys  *lti.KeyManager
	reg   tenants.ToolRegistration
	d     *Responder
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	store := registry.NewMemoryStore()
	reg, err := store.Create(ctx, tenants.ToolRegistration{
		TenantID:     "school-a",
		Issuer:       "https://tool.example",
		ClientID:     "tool-1",
		DeploymentID: "dep-1",
		AuthLoginURL: "https://tool.example/login",
		JWKSURL:      "https://tool.example/jwks",
		Status:       tenants.StatusActive,
	})
	require.NoError(t, err)
	keys := lti.NewKeyManager()
	return fixture{
		store: store,
		keys:  keys,
		reg:   reg,
		d: &Responder{
			Store:   store,
			Issuers: tenants.NewResolver(tenants.Options{BaseDomain: "lms.example", HostIsTenant: true}),
			Signer:  keys,
		},
	}
}

func TestRespondCreatesOneLinkPerItem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	items := []ContentItem{
		{Title: "Quiz 1", URL: "https://tool.example/q/1", Custom: map[string]string{"quiz": "1"}},
		{Title: "Quiz 2", URL: "https://tool.example/q/2"},
		{Type: TypeResourceLink, Title: " Reading ", URL: "https://tool.example/r/9"},
	}

	out, err := f.d.RespondWithData(ctx, "school-a", f.reg.ID, items, "opaque-123")
	require.NoError(t, err)
	require.Len(t, out.ResourceLinks, 3)
	assert.Equal(t, "Reading", out.ResourceLinks[2].Title)
	assert.Equal(t, "1", out.ResourceLinks[0].CustomParams["quiz"])

	stored, err := f.store.ListResourceLinks(ctx, "school-a", f.reg.ID)
	require.NoError(t, err)
	assert.Len(t, stored, 3)

	claims, err := f.keys.Verify(ctx, "school-a", out.JWT)
	require.NoError(t, err)
	assert.Equal(t, "https://school-a.lms.example", claims["iss"])
	assert.Equal(t, "tool-1", claims["aud"])
	assert.Equal(t, lti.MsgTypeDeepLinkResponse, claims[lti.ClaimMessageType])
	assert.Equal(t, lti.LTIVersion, claims[lti.ClaimVersion])
	assert.Equal(t, "dep-1", claims[lti.ClaimDeployment])
	assert.Equal(t, "opaque-123", claims[lti.ClaimDLData])
	assert.NotEmpty(t, claims["nonce"])

	ci, ok := claims[lti.ClaimContentItems].([]any)
	require.True(t, ok)
	require.Len(t, ci, 3)
	first := ci[0].(map[string]any)
	assert.Equal(t, TypeResourceLink, first["type"])
	assert.Equal(t, "https://tool.example/q/1", first["url"])
	assert.Equal(t, map[string]any{"quiz": "1"}, first["custom"])
}

func TestRespondIsNotIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	items := []ContentItem{{Title: "Quiz", URL: "https://tool.example/q/1"}}

	a, err := f.d.Respond(ctx, "school-a", f.reg.ID, items)
	require.NoError(t, err)
	b, err := f.d.Respond(ctx, "school-a", f.reg.ID, items)
	require.NoError(t, err)
	assert.NotEqual(t, a.ResourceLinks[0].ID, b.ResourceLinks[0].ID)
}

func TestRespondRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ok := []ContentItem{{Title: "Quiz", URL: "https://tool.example/q/1"}}

	_, err := f.d.Respond(ctx, "school-b", f.reg.ID, ok)
	assert.ErrorIs(t, err, lti.ErrRegistrationNotFound)
	_, err = f.d.Respond(ctx, "school-a", "missing", ok)
	assert.ErrorIs(t, err, lti.ErrRegistrationNotFound)

	_, err = f.d.Respond(ctx, "school-a", f.reg.ID, []ContentItem{{Title: "x", URL: "/relative"}})
	assert.ErrorIs(t, err, ErrInvalidContentItem)
	assert.ErrorIs(t, err, lti.ErrInvalidRequest)
	_, err = f.d.Respond(ctx, "school-a", f.reg.ID, []ContentItem{{Type: "file", URL: "https://tool.example/f"}})
	assert.ErrorIs(t, err, ErrInvalidContentItem)

	links, err := f.store.ListResourceLinks(ctx, "school-a", f.reg.ID)
	require.NoError(t, err)
	assert.Empty(t, links, "rejected requests create nothing")

	require.NoError(t, f.store.SetStatus(ctx, "school-a", f.reg.ID, tenants.StatusInactive))
	_, err = f.d.Respond(ctx, "school-a", f.reg.ID, ok)
	assert.ErrorIs(t, err, lti.ErrRegistrationNotFound)
}

// failingStore stores nothing once the batch reaches it.
type failingStore struct {
	*registry.MemoryStore
	calls int
}

func (s *failingStore) CreateResourceLinks(ctx context.Context, links []tenants.ResourceLink) ([]tenants.ResourceLink, error) {
	s.calls++
	bad := append([]tenants.ResourceLink(nil), links...)
	bad[len(bad)-1].RegistrationID = "gone"
	return s.MemoryStore.CreateResourceLinks(ctx, bad)
}

func TestRespondLeavesNoLinksOnPartialFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	store := &failingStore{MemoryStore: f.store}
	f.d.Store = store
	items := []ContentItem{
		{Title: "Quiz 1", URL: "https://tool.example/q/1"},
		{Title: "Quiz 2", URL: "https://tool.example/q/2"},
	}

	out, err := f.d.Respond(ctx, "school-a", f.reg.ID, items)
	require.Error(t, err)
	assert.Empty(t, out.JWT)
	assert.Equal(t, 1, store.calls)

	links, err := f.store.ListResourceLinks(ctx, "school-a", "")
	require.NoError(t, err)
	assert.Empty(t, links)
}

type failingSigner struct{}

func (failingSigner) Sign(context.Context, string, map[string]any) (string, error) {
	return "", errors.New("hsm offline")
}

func TestRespondStoresNothingWhenSigningFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.d.Signer = failingSigner{}

	_, err := f.d.Respond(ctx, "school-a", f.reg.ID, []ContentItem{{Title: "Quiz", URL: "https://tool.example/q/1"}})
	require.Error(t, err)
	links, err := f.store.ListResourceLinks(ctx, "school-a", f.reg.ID)
	require.NoError(t, err)
	assert.Empty(t, links)
}

// assertion mints a launch_jwt the way the launch endpoint does.
func (f fixture) assertion(t *testing.T, overrides map[string]any) string {
	t.Helper()
	now := time.Now()
	claims := map[string]any{
		"iss":             "https://school-a.lms.example",
		"aud":             "https://school-a.lms.example",
		"sub":             "u-1",
		"iat":             now.Unix(),
		"exp":             now.Add(time.Hour).Unix(),
		"typ":             "launch",
		"tenant_id":       "school-a",
		"client_id":       f.reg.ClientID,
		"registration_id": f.reg.ID,
		"message_type":    lti.MsgTypeDeepLink,
	}
	for k, v := range overrides {
		claims[k] = v
	}
	tok, err := f.keys.Sign(context.Background(), "school-a", claims)
	require.NoError(t, err)
	return tok
}

func post(h http.Handler, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/lti/deep_link", strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandler(t *testing.T) {
	f := newFixture(t)
	h := Handler(func(*http.Request) (string, error) { return "school-a", nil }, f.keys, f.d)
	token := f.assertion(t, nil)

	body := `{"registration_id":"` + f.reg.ID + `","content_items":[` +
		`{"title":"Quiz","url":"https://tool.example/q/1","custom_params":{"attempts":3}},` +
		`{"title":"Lab","url":"https://tool.example/lab"}]}`
	rec := post(h, token, body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var out Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out.ResourceLinks, 2)
	assert.Equal(t, "3", out.ResourceLinks[0].CustomParams["attempts"])
	assert.NotEmpty(t, out.JWT)

	rec = post(h, f.assertion(t, map[string]any{"registration_id": "nope"}),
		`{"registration_id":"nope","content_items":[]}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = post(h, token, `{"registration_id":"`+f.reg.ID+`","content_items":[{"title":"x","url":"ftp://x"}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerRequiresDeepLinkingLaunch(t *testing.T) {
	f := newFixture(t)
	h := Handler(func(*http.Request) (string, error) { return "school-a", nil }, f.keys, f.d)
	body := `{"registration_id":"` + f.reg.ID + `","content_items":[{"title":"Quiz","url":"https://tool.example/q/1"}]}`

	other := lti.NewKeyManager()
	foreign, err := other.Sign(context.Background(), "school-a", map[string]any{
		"iss": "https://school-a.lms.example", "aud": "https://school-a.lms.example",
		"exp": time.Now().Add(time.Hour).Unix(), "typ": "launch",
		"tenant_id": "school-a", "registration_id": f.reg.ID, "message_type": lti.MsgTypeDeepLink,
	})
	require.NoError(t, err)

	cases := map[string]string{
		"missing":            "",
		"garbage":            "not-a-jwt",
		"other signer":       foreign,
		"resource launch":    f.assertion(t, map[string]any{"message_type": lti.MsgTypeResourceLink}),
		"access token":       f.assertion(t, map[string]any{"typ": "access"}),
		"other tenant":       f.assertion(t, map[string]any{"tenant_id": "school-b"}),
		"other issuer":       f.assertion(t, map[string]any{"iss": "https://school-b.lms.example"}),
		"other registration": f.assertion(t, map[string]any{"registration_id": "reg-other"}),
		"expired":            f.assertion(t, map[string]any{"exp": time.Now().Add(-time.Minute).Unix()}),
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			rec := post(h, token, body)
			assert.Equal(t, http.StatusUnauthorized, rec.Code, rec.Body.String())
			assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "lti-deep-link")
		})
	}

	links, err := f.store.ListResourceLinks(context.Background(), "school-a", f.reg.ID)
	require.NoError(t, err)
	assert.Empty(t, links)

	assert.Equal(t, http.StatusCreated, post(h, f.assertion(t, nil), body).Code)
}
