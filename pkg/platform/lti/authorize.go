package lti

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mind-engage/mindengage-lti/pkg/platform/audit"
	"github.com/mind-engage/mindengage-lti/pkg/platform/metrics"
	"github.com/mind-engage/mindengage-lti/pkg/platform/tenants"
)

/*
Platform-initiated launches.

MessageBuilder signs the id_token a tool receives when a platform user opens
tool content. AuthorizeServer is the OIDC authorization endpoint
(POST /lti/authorize) the tool redirects the browser to after login
initiation; it answers with a form_post page that submits id_token and state
to the tool.
*/

// Role URIs sent in the roles claim.
const (
	RoleAdministrator    = "http://purl.imsglobal.org/vocab/lis/v2/institution/person#Administrator"
	RoleInstructor       = "http://purl.imsglobal.org/vocab/lis/v2/membership#Instructor"
	RoleLearner          = "http://purl.imsglobal.org/vocab/lis/v2/membership#Learner"
	RoleContentDeveloper = "http://purl.imsglobal.org/vocab/lis/v2/membership#ContentDeveloper"

	courseOfferingType = "http://purl.imsglobal.org/vocab/lis/v2/course#CourseOffering"
)

var platformRoles = map[string]string{
	"admin":           RoleAdministrator,
	"teacher":         RoleInstructor,
	"student":         RoleLearner,
	"curriculum_lead": RoleContentDeveloper,
}

// MapRoles converts platform role names to IMS role URIs. Unknown names are
// dropped; duplicates collapse.
func MapRoles(names []string) []string {
	out := make([]string, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		uri, ok := platformRoles[strings.ToLower(strings.TrimSpace(n))]
		if !ok || seen[uri] {
			continue
		}
		seen[uri] = true
		out = append(out, uri)
	}
	return out
}

// LaunchUser is the platform user a launch is for.
type LaunchUser struct {
	ID    string
	Name  string
	Email string
	Roles []string // platform role names: admin, teacher, student, curriculum_lead
}

// LaunchCourse is the course context of a launch.
type LaunchCourse struct {
	ID    string
	Code  string
	Title string
}

// LaunchMessage describes one outbound launch.
type LaunchMessage struct {
	User         LaunchUser
	Course       *LaunchCourse
	ResourceLink *tenants.ResourceLink
	Nonce        string // empty generates one

	DeepLinking       bool
	DeepLinkReturnURL string // default: registration deep_link_return_url setting
	DeepLinkData      string

	LineItemsURL string // AGS endpoint claim; omitted when empty
	AGSScopes    []string
}

// MessageBuilder signs outbound launch messages.
type MessageBuilder struct {
	Issuers IssuerResolver
	Signer  Signer

	TTL            time.Duration // default 5m
	ProductName    string
	ProductVersion string
	PlatformGUID   string
	Now            func() time.Time
}

// TargetLink is where the message is delivered: the resource link URL, else
// the registration's target_link_uri setting.
func (m LaunchMessage) TargetLink(reg tenants.ToolRegistration) string {
	if m.ResourceLink != nil && m.ResourceLink.URL != "" && !m.DeepLinking {
		return m.ResourceLink.URL
	}
	return reg.Setting(tenants.SettingTargetLinkURI)
}

// Build signs the id_token for msg.
func (b *MessageBuilder) Build(ctx context.Context, reg tenants.ToolRegistration, msg LaunchMessage) (string, error) {
	if !reg.Active() {
		return "", Errorf(KindRegistrationNotFound, "no active registration for client %q", reg.ClientID)
	}
	if strings.TrimSpace(msg.User.ID) == "" {
		return "", Errorf(KindInvalidRequest, "launch user is required")
	}
	target := msg.TargetLink(reg)
	if !isHTTPURL(target) {
		return "", Errorf(KindInvalidRequest, "no target link for client %q", reg.ClientID)
	}
	iss, err := b.Issuers.IssuerForTenant(ctx, reg.TenantID)
	if err != nil {
		return "", err
	}
	nonce := msg.Nonce
	if nonce == "" {
		nonce = uuid.NewString()
	}

	now := b.now()
	claims := map[string]any{
		"iss":            iss,
		"aud":            reg.ClientID,
		"azp":            reg.ClientID,
		"sub":            msg.User.ID,
		"iat":            now.Unix(),
		"exp":            now.Add(b.ttl()).Unix(),
		"nonce":          nonce,
		ClaimVersion:     LTIVersion,
		ClaimDeployment:  reg.DeploymentID,
		ClaimTarget:      target,
		ClaimRoles:       MapRoles(msg.User.Roles),
		ClaimMessageType: MsgTypeResourceLink,
	}
	if msg.User.Name != "" {
		claims["name"] = msg.User.Name
	}
	if msg.User.Email != "" {
		claims["email"] = msg.User.Email
	}
	if b.ProductName != "" || b.PlatformGUID != "" {
		claims[ClaimToolPlat] = map[string]any{
			"name":                b.ProductName,
			"version":             b.ProductVersion,
			"product_family_code": "mindengage",
			"guid":                b.PlatformGUID,
		}
	}
	if c := msg.Course; c != nil && c.ID != "" {
		claims[ClaimContext] = map[string]any{
			"id":    c.ID,
			"label": firstNonEmpty(c.Code, c.Title),
			"title": c.Title,
			"type":  []string{courseOfferingType},
		}
	}
	if loc := reg.Setting(tenants.SettingLocale); loc != "" {
		claims[ClaimLaunchPres] = map[string]any{"locale": loc}
	}

	if msg.DeepLinking {
		claims[ClaimMessageType] = MsgTypeDeepLink
		ret := firstNonEmpty(msg.DeepLinkReturnURL, reg.Setting(tenants.SettingDeepLinkURL))
		if !isHTTPURL(ret) {
			return "", Errorf(KindInvalidRequest, "no deep_link_return_url for client %q", reg.ClientID)
		}
		settings := map[string]any{
			"deep_link_return_url":                 ret,
			"accept_types":                         []string{"ltiResourceLink"},
			"accept_presentation_document_targets": []string{"iframe", "window"},
			"accept_multiple":                      true,
		}
		if msg.DeepLinkData != "" {
			settings["data"] = msg.DeepLinkData
		}
		claims[ClaimDLSettings] = settings
	} else if rl := msg.ResourceLink; rl != nil {
		claims[ClaimResource] = map[string]any{"id": rl.ID, "title": rl.Title}
		if len(rl.CustomParams) > 0 {
			claims[ClaimCustom] = rl.CustomParams
		}
	}

	if msg.LineItemsURL != "" {
		scopes := msg.AGSScopes
		if len(scopes) == 0 {
			scopes = []string{
				"https://purl.imsglobal.org/spec/lti-ags/scope/lineitem",
				"https://purl.imsglobal.org/spec/lti-ags/scope/result.readonly",
				"https://purl.imsglobal.org/spec/lti-ags/scope/score",
			}
		}
		claims[ClaimAGSEndpoint] = map[string]any{
			"lineitems": msg.LineItemsURL,
			"scope":     scopes,
		}
	}

	signed, err := b.Signer.Sign(ctx, reg.TenantID, claims)
	if err != nil {
		return "", err
	}
	metrics.TokensIssuedTotal.WithLabelValues("id_token").Inc()
	return signed, nil
}

func (b *MessageBuilder) ttl() time.Duration {
	if b.TTL > 0 {
		return b.TTL
	}
	return 5 * time.Minute
}

func (b *MessageBuilder) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

// MessageHint is the base64url(JSON) value the platform puts in
// lti_message_hint when it starts a login. It only selects content; the
// user always comes from the platform session.
type MessageHint struct {
	Type           string `json:"type,omitempty"` // "deep_link" or "launch"
	ResourceLinkID string `json:"resource_link_id,omitempty"`
	CourseID       string `json:"course_id,omitempty"`
	CourseCode     string `json:"course_code,omitempty"`
	CourseTitle    string `json:"course_title,omitempty"`
	ReturnURL      string `json:"return_url,omitempty"`
	Data           string `json:"data,omitempty"`
	LineItemsURL   string `json:"lineitems,omitempty"`
}

// EncodeMessageHint is the inverse of DecodeMessageHint.
func EncodeMessageHint(mh MessageHint) string {
	buf, _ := json.Marshal(mh)
	return b64url(buf)
}

// DecodeMessageHint decodes a message hint. ok is false for empty input.
func DecodeMessageHint(s string) (mh MessageHint, ok bool, err error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return MessageHint{}, false, nil
	}
	buf, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return MessageHint{}, false, err
	}
	err = json.Unmarshal(buf, &mh)
	return mh, true, err
}

// ResourceLinks lists the links placed for a registration.
type ResourceLinks interface {
	ListResourceLinks(ctx context.Context, tenantID, registrationID string) ([]tenants.ResourceLink, error)
}

// AuthorizeServer serves POST /lti/authorize.
type AuthorizeServer struct {
	ResolveTenantID func(*http.Request) (string, error)
	Registrations   Registrations
	Links           ResourceLinks
	Builder         *MessageBuilder
	Audit           audit.Recorder

	// CurrentUser returns the signed-in platform user for r.
	CurrentUser func(*http.Request) (LaunchUser, error)
	Logger      *slog.Logger
}

// Handler validates the OIDC authorization request and answers with an
// auto-submitting form that posts id_token and state to redirect_uri.
func (s *AuthorizeServer) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		tenantID, err := s.ResolveTenantID(r)
		if err != nil || strings.TrimSpace(tenantID) == "" {
			WriteError(w, Errorf(KindInvalidRequest, "unable to resolve tenant"))
			return
		}
		in, err := formOrJSON(r)
		if err != nil {
			WriteError(w, Wrap(KindInvalidRequest, "bad request body", err))
			return
		}
		if r.URL.RawQuery != "" {
			for k, v := range r.URL.Query() {
				if _, set := in[k]; !set && len(v) > 0 {
					in[k] = strings.TrimSpace(v[0])
				}
			}
		}

		token, redirectURI, err := s.authorize(ctx, tenantID, r, in)
		audit.Emit(ctx, s.Audit, s.Logger, audit.Event{
			TenantID: tenantID,
			Actor:    "platform",
			Action:   "lti.authorize",
			Outcome:  Outcome(err),
			Target:   in["client_id"],
		})
		if err != nil {
			logger(s.Logger).WarnContext(ctx, "authorize rejected",
				"tenant", tenantID, "client_id", in["client_id"], "kind", KindOf(err), "err", err)
			WriteError(w, err)
			return
		}
		writeFormPost(w, redirectURI, token, in["state"])
	}
}

func (s *AuthorizeServer) authorize(ctx context.Context, tenantID string, r *http.Request, in map[string]string) (token, redirectURI string, err error) {
	switch {
	case !strings.EqualFold(in["response_type"], "id_token"):
		return "", "", Errorf(KindInvalidRequest, "response_type must be id_token")
	case !strings.EqualFold(in["response_mode"], "form_post"):
		return "", "", Errorf(KindInvalidRequest, "response_mode must be form_post")
	case in["client_id"] == "":
		return "", "", Errorf(KindInvalidRequest, "client_id is required")
	case in["nonce"] == "":
		return "", "", Errorf(KindInvalidRequest, "nonce is required")
	case !isHTTPURL(in["redirect_uri"]):
		return "", "", Errorf(KindInvalidRequest, "redirect_uri must be an http(s) URL")
	}

	reg, err := findActive(ctx, s.Registrations, tenantID, in["client_id"])
	if err != nil {
		return "", "", err
	}
	if s.CurrentUser == nil {
		return "", "", Errorf(KindUnauthorized, "no platform session")
	}
	user, err := s.CurrentUser(r)
	if err != nil {
		return "", "", Wrap(KindUnauthorized, "no platform session", err)
	}
	if hint := in["login_hint"]; hint != "" && hint != user.ID {
		return "", "", Errorf(KindClaimMismatch, "login_hint does not match the signed-in user")
	}

	msg := LaunchMessage{User: user, Nonce: in["nonce"]}
	hint, ok, err := DecodeMessageHint(in["lti_message_hint"])
	if err != nil {
		return "", "", Wrap(KindInvalidRequest, "lti_message_hint", err)
	}
	if ok {
		msg.DeepLinking = hint.Type == "deep_link"
		msg.DeepLinkReturnURL = hint.ReturnURL
		msg.DeepLinkData = hint.Data
		msg.LineItemsURL = hint.LineItemsURL
		if hint.CourseID != "" {
			msg.Course = &LaunchCourse{ID: hint.CourseID, Code: hint.CourseCode, Title: hint.CourseTitle}
		}
		if hint.ResourceLinkID != "" {
			link, err := s.findLink(ctx, reg, hint.ResourceLinkID)
			if err != nil {
				return "", "", err
			}
			msg.ResourceLink = &link
		}
	}

	if in["redirect_uri"] != msg.TargetLink(reg) {
		return "", "", Errorf(KindClaimMismatch, "redirect_uri is not registered for client %q", reg.ClientID)
	}
	token, err = s.Builder.Build(ctx, reg, msg)
	if err != nil {
		return "", "", err
	}
	return token, in["redirect_uri"], nil
}

func (s *AuthorizeServer) findLink(ctx context.Context, reg tenants.ToolRegistration, id string) (tenants.ResourceLink, error) {
	if s.Links == nil {
		return tenants.ResourceLink{}, errors.New("authorize: resource links not configured")
	}
	links, err := s.Links.ListResourceLinks(ctx, reg.TenantID, reg.ID)
	if err != nil {
		return tenants.ResourceLink{}, err
	}
	for _, l := range links {
		if l.ID == id {
			return l, nil
		}
	}
	return tenants.ResourceLink{}, Errorf(KindEntityNotFound, "resource link %q", id)
}

var formPostTemplate = template.Must(template.New("form_post").Parse(`<!doctype html>
<html><head><meta charset="utf-8"><title>LTI Launch</title></head>
<body onload="document.forms[0].submit()">
<form method="post" action="{{.Action}}">
  <input type="hidden" name="id_token" value="{{.JWT}}">
  {{if .State}}<input type="hidden" name="state" value="{{.State}}">{{end}}
  <noscript><button type="submit">Continue</button></noscript>
</form>
</body></html>`))

func writeFormPost(w http.ResponseWriter, actionURL, idToken, state string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	_ = formPostTemplate.Execute(w, map[string]string{
		"Action": actionURL,
		"JWT":    idToken,
		"State":  state,
	})
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
