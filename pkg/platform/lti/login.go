package lti

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/mind-engage/mindengage-lti/pkg/platform/metrics"
	"github.com/mind-engage/mindengage-lti/pkg/platform/registry"
	"github.com/mind-engage/mindengage-lti/pkg/platform/tenants"
)

// Registrations is the read side of the registration store used by the core.
type Registrations interface {
	FindActive(ctx context.Context, tenantID, clientID string) (tenants.ToolRegistration, error)
}

// LoginRequest starts a third-party-initiated login.
type LoginRequest struct {
	ClientID      string
	LoginHint     string
	TargetLinkURI string
	MessageHint   string // lti_message_hint, forwarded opaquely
}

// LoginRedirect is where the user agent goes next.
type LoginRedirect struct {
	RedirectURL string `json:"redirect_url"`
	State       string `json:"state"`
	Nonce       string `json:"nonce"`
}

// LoginInitiator builds OIDC login redirects and records the handshake.
type LoginInitiator struct {
	Registrations Registrations
	Replay        ReplayGuard
	TTL           time.Duration // default DefaultReplayTTL
	Now           func() time.Time
	Logger        *slog.Logger
}

// BuildRedirect looks up the active registration for req.ClientID, records a
// fresh (state, nonce) pair and returns the redirect to the tool's login URL.
// An empty LoginHint is replaced by a random "anon-" hint.
func (l *LoginInitiator) BuildRedirect(ctx context.Context, tenantID string, req LoginRequest) (LoginRedirect, error) {
	out, err := l.buildRedirect(ctx, tenantID, req)
	metrics.LoginTotal.WithLabelValues(Outcome(err)).Inc()
	if err != nil {
		logger(l.Logger).WarnContext(ctx, "lti login rejected",
			"tenant", tenantID, "client_id", req.ClientID, "kind", KindOf(err), "err", err)
	}
	return out, err
}

func (l *LoginInitiator) buildRedirect(ctx context.Context, tenantID string, req LoginRequest) (LoginRedirect, error) {
	if strings.TrimSpace(req.ClientID) == "" {
		return LoginRedirect{}, Errorf(KindInvalidRequest, "client_id is required")
	}
	reg, err := findActive(ctx, l.Registrations, tenantID, req.ClientID)
	if err != nil {
		return LoginRedirect{}, err
	}

	target := strings.TrimSpace(req.TargetLinkURI)
	if target == "" {
		target = reg.Setting(tenants.SettingTargetLinkURI)
	}
	if target != "" && !isHTTPURL(target) {
		return LoginRedirect{}, Errorf(KindInvalidRequest, "target_link_uri must be an http(s) URL")
	}

	// Tools expect a login_hint; anonymous logins get an opaque one.
	hint := strings.TrimSpace(req.LoginHint)
	if hint == "" {
		r, err := randHex(16)
		if err != nil {
			return LoginRedirect{}, err
		}
		hint = "anon-" + r
	}

	state, err := randHex(32)
	if err != nil {
		return LoginRedirect{}, err
	}
	nonce, err := randHex(16)
	if err != nil {
		return LoginRedirect{}, err
	}

	entry := ReplayEntry{
		State:     state,
		Nonce:     nonce,
		TenantID:  tenantID,
		ClientID:  reg.ClientID,
		LoginHint: hint,
		ExpiresAt: l.now().Add(l.ttl()),
	}
	if err := l.Replay.Put(ctx, entry); err != nil {
		return LoginRedirect{}, err
	}

	u, err := url.Parse(reg.AuthLoginURL)
	if err != nil {
		return LoginRedirect{}, err
	}
	q := u.Query()
	q.Set("client_id", reg.ClientID)
	q.Set("login_hint", hint)
	q.Set("state", state)
	q.Set("nonce", nonce)
	q.Set("response_type", "id_token")
	q.Set("response_mode", "form_post")
	q.Set("scope", "openid")
	q.Set("prompt", "none")
	if target != "" {
		q.Set("target_link_uri", target)
		q.Set("redirect_uri", target)
	}
	if req.MessageHint != "" {
		q.Set("lti_message_hint", req.MessageHint)
	}
	u.RawQuery = q.Encode()

	return LoginRedirect{RedirectURL: u.String(), State: state, Nonce: nonce}, nil
}

func (l *LoginInitiator) ttl() time.Duration {
	if l.TTL > 0 {
		return l.TTL
	}
	return DefaultReplayTTL
}

func (l *LoginInitiator) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// findActive maps store misses to RegistrationNotFound.
func findActive(ctx context.Context, regs Registrations, tenantID, clientID string) (tenants.ToolRegistration, error) {
	reg, err := regs.FindActive(ctx, tenantID, clientID)
	if errors.Is(err, registry.ErrNotFound) {
		return tenants.ToolRegistration{}, Errorf(KindRegistrationNotFound, "no active registration for client %q", clientID)
	}
	if err != nil {
		return tenants.ToolRegistration{}, err
	}
	return reg, nil
}
