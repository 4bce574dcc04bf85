package lti

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mind-engage/mindengage-lti/pkg/platform/tenants"
)

func TestMapRoles(t *testing.T) {
	got := MapRoles([]string{"Teacher", "student", "teacher", "janitor", " admin "})
	assert.Equal(t, []string{RoleInstructor, RoleLearner, RoleAdministrator}, got)
	assert.Empty(t, MapRoles(nil))
}

func TestMessageHintRoundTrip(t *testing.T) {
	in := MessageHint{Type: "deep_link", CourseID: "c1", ReturnURL: "https://lms.example/dl"}
	out, ok, err := DecodeMessageHint(EncodeMessageHint(in))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, in, out)

	_, ok, err = DecodeMessageHint("")
	assert.NoError(t, err)
	assert.False(t, ok)

	_, _, err = DecodeMessageHint("!!!")
	assert.Error(t, err)
}

func newBuilder(f *fixture) (*MessageBuilder, *KeyManager) {
	km := NewKeyManager()
	km.Now = f.clock.Now
	return &MessageBuilder{
		Issuers:      tenants.NewResolver(tenants.Options{BaseDomain: "lms.example", PathPrefix: "/t"}),
		Signer:       km,
		ProductName:  "MindEngage",
		PlatformGUID: "plat-1",
		Now:          f.clock.Now,
	}, km
}

func TestBuildResourceLinkMessage(t *testing.T) {
	f := newFixture(t)
	b, km := newBuilder(f)
	ctx := context.Background()

	tok, err := b.Build(ctx, f.reg, LaunchMessage{
		User:   LaunchUser{ID: "u1", Name: "Ada", Roles: []string{"student"}},
		Course: &LaunchCourse{ID: "c1", Code: "BIO-101", Title: "Biology"},
		ResourceLink: &tenants.ResourceLink{
			ID: "rl-1", Title: "Quiz", URL: "https://tool.example/content/1",
			CustomParams: map[string]string{"chapter": "3"},
		},
		Nonce:        "n-1",
		LineItemsURL: "https://lms.example/t/school-a/ags/lineitems",
	})
	require.NoError(t, err)

	claims, err := km.Verify(ctx, testTenant, tok)
	require.NoError(t, err)
	c := Claims(claims)
	assert.Equal(t, "https://lms.example/t/school-a", c.Issuer())
	assert.True(t, c.HasAudience(testClientID))
	assert.Equal(t, testClientID, c.AuthParty())
	assert.Equal(t, "u1", c.Subject())
	assert.Equal(t, "n-1", c.Nonce())
	assert.Equal(t, MsgTypeResourceLink, c.MessageType())
	assert.Equal(t, LTIVersion, c.Version())
	assert.Equal(t, "dep-1", c.Deployment())
	assert.Equal(t, "https://tool.example/content/1", c.TargetLink())
	assert.Equal(t, map[string]string{"chapter": "3"}, c.Custom())
	assert.Equal(t, []any{RoleLearner}, claims[ClaimRoles])

	rl, _ := claims[ClaimResource].(map[string]any)
	assert.Equal(t, "rl-1", rl["id"])
	cx, _ := claims[ClaimContext].(map[string]any)
	assert.Equal(t, "BIO-101", cx["label"])
	ep, _ := claims[ClaimAGSEndpoint].(map[string]any)
	assert.Equal(t, "https://lms.example/t/school-a/ags/lineitems", ep["lineitems"])

	exp, _ := c.ExpiresAt()
	assert.Equal(t, f.clock.Now().Add(5*time.Minute).Unix(), exp.Unix())
}

func TestBuildDeepLinkingMessage(t *testing.T) {
	f := newFixture(t)
	b, km := newBuilder(f)
	ctx := context.Background()

	_, err := b.Build(ctx, f.reg, LaunchMessage{User: LaunchUser{ID: "u1"}, DeepLinking: true})
	assert.Equal(t, KindInvalidRequest, KindOf(err), "no return URL anywhere")

	tok, err := b.Build(ctx, f.reg, LaunchMessage{
		User:              LaunchUser{ID: "u1", Roles: []string{"teacher"}},
		DeepLinking:       true,
		DeepLinkReturnURL: "https://lms.example/t/school-a/lti/deep_link",
		DeepLinkData:      "opaque",
	})
	require.NoError(t, err)
	claims, err := km.Verify(ctx, testTenant, tok)
	require.NoError(t, err)
	assert.Equal(t, MsgTypeDeepLink, Claims(claims).MessageType())
	assert.Equal(t, "https://tool.example/launch", Claims(claims).TargetLink())
	settings, _ := claims[ClaimDLSettings].(map[string]any)
	assert.Equal(t, "https://lms.example/t/school-a/lti/deep_link", settings["deep_link_return_url"])
	assert.Equal(t, "opaque", settings["data"])
	assert.NotContains(t, claims, ClaimResource)
}

func TestBuildRejects(t *testing.T) {
	f := newFixture(t)
	b, _ := newBuilder(f)
	ctx := context.Background()

	_, err := b.Build(ctx, f.reg, LaunchMessage{})
	assert.Equal(t, KindInvalidRequest, KindOf(err))

	inactive := f.reg
	inactive.Status = tenants.StatusInactive
	_, err = b.Build(ctx, inactive, LaunchMessage{User: LaunchUser{ID: "u1"}})
	assert.Equal(t, KindRegistrationNotFound, KindOf(err))

	noTarget := f.reg
	noTarget.Settings = nil
	_, err = b.Build(ctx, noTarget, LaunchMessage{User: LaunchUser{ID: "u1"}})
	assert.Equal(t, KindInvalidRequest, KindOf(err))
}

var idTokenField = regexp.MustCompile(`name="id_token" value="([^"]+)"`)

func newAuthorizeServer(t *testing.T, f *fixture, rec *memoryRecorder) (*AuthorizeServer, *KeyManager, tenants.ResourceLink) {
	t.Helper()
	link, err := f.regs.CreateResourceLink(context.Background(), tenants.ResourceLink{
		TenantID:       testTenant,
		RegistrationID: f.reg.ID,
		Title:          "Quiz",
		URL:            "https://tool.example/content/1",
	})
	require.NoError(t, err)
	b, km := newBuilder(f)
	return &AuthorizeServer{
		ResolveTenantID: func(*http.Request) (string, error) { return testTenant, nil },
		Registrations:   f.regs,
		Links:           f.regs,
		Builder:         b,
		Audit:           rec,
		CurrentUser: func(r *http.Request) (LaunchUser, error) {
			if r.Header.Get("X-User") == "" {
				return LaunchUser{}, errors.New("anonymous")
			}
			return LaunchUser{ID: r.Header.Get("X-User"), Roles: []string{"teacher"}}, nil
		},
	}, km, link
}

func authorizeForm(redirect, hint string) url.Values {
	return url.Values{
		"response_type":    {"id_token"},
		"response_mode":    {"form_post"},
		"scope":            {"openid"},
		"client_id":        {testClientID},
		"redirect_uri":     {redirect},
		"login_hint":       {"u1"},
		"nonce":            {"n-42"},
		"state":            {"st-42"},
		"lti_message_hint": {hint},
	}
}

func postAuthorize(s *AuthorizeServer, form url.Values, user string) (int, string) {
	req := httptest.NewRequest(http.MethodPost, "/lti/authorize", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if user != "" {
		req.Header.Set("X-User", user)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec.Code, rec.Body.String()
}

func TestAuthorizeResourceLinkFormPost(t *testing.T) {
	f := newFixture(t)
	rec := &memoryRecorder{}
	s, km, link := newAuthorizeServer(t, f, rec)

	hint := EncodeMessageHint(MessageHint{ResourceLinkID: link.ID, CourseID: "c1"})
	code, body := postAuthorize(s, authorizeForm(link.URL, hint), "u1")
	require.Equal(t, http.StatusOK, code, body)
	assert.Contains(t, body, `action="https://tool.example/content/1"`)
	assert.Contains(t, body, `name="state" value="st-42"`)

	m := idTokenField.FindStringSubmatch(body)
	require.Len(t, m, 2)
	claims, err := km.Verify(context.Background(), testTenant, m[1])
	require.NoError(t, err)
	assert.Equal(t, "n-42", claims["nonce"])
	assert.Equal(t, []any{RoleInstructor}, claims[ClaimRoles])

	require.Len(t, rec.events, 1)
	assert.Equal(t, "lti.authorize", rec.events[0].Action)
	assert.Equal(t, "ok", rec.events[0].Outcome)
}

func TestAuthorizeDeepLinkHint(t *testing.T) {
	f := newFixture(t)
	s, km, _ := newAuthorizeServer(t, f, &memoryRecorder{})

	hint := EncodeMessageHint(MessageHint{Type: "deep_link", ReturnURL: "https://lms.example/t/school-a/lti/deep_link"})
	code, body := postAuthorize(s, authorizeForm("https://tool.example/launch", hint), "u1")
	require.Equal(t, http.StatusOK, code, body)

	m := idTokenField.FindStringSubmatch(body)
	require.Len(t, m, 2)
	claims, err := km.Verify(context.Background(), testTenant, m[1])
	require.NoError(t, err)
	assert.Equal(t, MsgTypeDeepLink, claims[ClaimMessageType])
}

func TestAuthorizeRejects(t *testing.T) {
	f := newFixture(t)
	s, _, link := newAuthorizeServer(t, f, &memoryRecorder{})
	linkHint := EncodeMessageHint(MessageHint{ResourceLinkID: link.ID})

	cases := []struct {
		name   string
		form   func() url.Values
		user   string
		status int
	}{
		{"no session", func() url.Values { return authorizeForm(link.URL, linkHint) }, "", http.StatusUnauthorized},
		{"login_hint for another user", func() url.Values { return authorizeForm(link.URL, linkHint) }, "u2", http.StatusUnauthorized},
		{"redirect mismatch", func() url.Values {
			return authorizeForm("https://evil.example/steal", linkHint)
		}, "u1", http.StatusUnauthorized},
		{"unknown link", func() url.Values {
			return authorizeForm(link.URL, EncodeMessageHint(MessageHint{ResourceLinkID: "missing"}))
		}, "u1", http.StatusNotFound},
		{"wrong response_type", func() url.Values {
			v := authorizeForm(link.URL, linkHint)
			v.Set("response_type", "code")
			return v
		}, "u1", http.StatusBadRequest},
		{"missing nonce", func() url.Values {
			v := authorizeForm(link.URL, linkHint)
			v.Del("nonce")
			return v
		}, "u1", http.StatusBadRequest},
		{"unknown client", func() url.Values {
			v := authorizeForm(link.URL, linkHint)
			v.Set("client_id", "nobody")
			return v
		}, "u1", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, body := postAuthorize(s, tc.form(), tc.user)
			assert.Equal(t, tc.status, code, body)
			assert.NotContains(t, body, `name="id_token"`)
		})
	}
}
