package lti

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mind-engage/mindengage-lti/pkg/platform/audit"
	"github.com/mind-engage/mindengage-lti/pkg/platform/metrics"
)

// IssuerResolver returns the platform issuer URL for a tenant.
type IssuerResolver interface {
	IssuerForTenant(ctx context.Context, tenantID string) (issuer string, err error)
}

// Signer signs platform JWTs with the tenant key.
type Signer interface {
	Sign(ctx context.Context, tenantID string, claims map[string]any) (string, error)
}

const defaultLaunchTokenTTL = 5 * time.Minute

// Handlers serves POST /lti/login and POST /lti/launch.
type Handlers struct {
	ResolveTenantID func(*http.Request) (string, error)
	Issuers         IssuerResolver
	Login           *LoginInitiator
	Launch          *LaunchValidator
	Signer          Signer
	Audit           audit.Recorder

	LaunchTokenTTL time.Duration // lifetime of launch_jwt; default 5m
	Now            func() time.Time
	Logger         *slog.Logger
}

// LoginHandler accepts client_id, login_hint, target_link_uri and optional
// lti_message_hint (form or JSON) and returns {redirect_url, state, nonce}.
func (h *Handlers) LoginHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := h.tenant(w, r)
		if !ok {
			return
		}
		in, err := formOrJSON(r)
		if err != nil {
			WriteError(w, Wrap(KindInvalidRequest, "parse body", err))
			return
		}
		out, err := h.Login.BuildRedirect(r.Context(), tenantID, LoginRequest{
			ClientID:      in["client_id"],
			LoginHint:     in["login_hint"],
			TargetLinkURI: in["target_link_uri"],
			MessageHint:   in["lti_message_hint"],
		})
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, out)
	}
}

type launchResponse struct {
	Claims    Claims `json:"claims"`
	LaunchJWT string `json:"launch_jwt"`
}

// LaunchHandler accepts client_id, id_token and optional state and returns
// {claims, launch_jwt}. Every validation failure is a 401 whose "code" names
// the failed check.
func (h *Handlers) LaunchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := h.tenant(w, r)
		if !ok {
			return
		}
		in, err := formOrJSON(r)
		if err != nil {
			WriteError(w, Wrap(KindInvalidRequest, "parse body", err))
			return
		}
		clientID, idToken := in["client_id"], in["id_token"]
		if clientID == "" || idToken == "" {
			WriteError(w, Errorf(KindInvalidRequest, "client_id and id_token are required"))
			return
		}

		lc, err := h.Launch.ValidateLaunch(r.Context(), tenantID, clientID, idToken)
		if err == nil {
			if st := in["state"]; st != "" && subtle.ConstantTimeCompare([]byte(st), []byte(lc.State)) != 1 {
				err = Errorf(KindClaimMismatch, "state does not match login")
			}
		}
		h.audit(r.Context(), tenantID, clientID, lc, err)
		if err != nil {
			WriteError(w, err)
			return
		}

		token, err := h.launchAssertion(r.Context(), tenantID, lc)
		if err != nil {
			logger(h.Logger).ErrorContext(r.Context(), "lti launch: sign assertion", "tenant", tenantID, "err", err)
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, launchResponse{Claims: lc.RawClaims, LaunchJWT: token})
	}
}

// launchAssertion mints the short-lived session assertion for lc.
func (h *Handlers) launchAssertion(ctx context.Context, tenantID string, lc LaunchContext) (string, error) {
	iss, err := h.Issuers.IssuerForTenant(ctx, tenantID)
	if err != nil {
		return "", err
	}
	now := h.now()
	claims := map[string]any{
		"iss":             iss,
		"aud":             iss,
		"sub":             lc.Subject,
		"iat":             now.Unix(),
		"exp":             now.Add(h.ttl()).Unix(),
		"jti":             uuid.NewString(),
		"typ":             "launch",
		"tenant_id":       tenantID,
		"client_id":       lc.Registration.ClientID,
		"registration_id": lc.Registration.ID,
		"deployment_id":   lc.DeploymentID,
		"message_type":    lc.MessageType,
	}
	if lc.TargetLink != "" {
		claims["target_link_uri"] = lc.TargetLink
	}
	if lc.ResourceLinkID != "" {
		claims["resource_link_id"] = lc.ResourceLinkID
	}
	if len(lc.CustomParams) > 0 {
		claims["custom"] = lc.CustomParams
	}
	tok, err := h.Signer.Sign(ctx, tenantID, claims)
	if err != nil {
		return "", err
	}
	metrics.TokensIssuedTotal.WithLabelValues("launch").Inc()
	return tok, nil
}

func (h *Handlers) audit(ctx context.Context, tenantID, clientID string, lc LaunchContext, err error) {
	detail := map[string]any{}
	if err != nil {
		detail["error"] = err.Error()
	} else {
		detail["subject"] = lc.Subject
		detail["message_type"] = lc.MessageType
	}
	audit.Emit(ctx, h.Audit, h.Logger, audit.Event{
		TenantID: tenantID,
		Actor:    clientID,
		Action:   "lti.launch",
		Outcome:  Outcome(err),
		Target:   lc.DeploymentID,
		Detail:   detail,
	})
}

func (h *Handlers) tenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	if h.ResolveTenantID == nil {
		http.Error(w, "lti: tenant resolver not configured", http.StatusInternalServerError)
		return "", false
	}
	tenantID, err := h.ResolveTenantID(r)
	if err != nil || strings.TrimSpace(tenantID) == "" {
		WriteError(w, Errorf(KindInvalidRequest, "could not resolve tenant"))
		return "", false
	}
	return tenantID, true
}

func (h *Handlers) ttl() time.Duration {
	if h.LaunchTokenTTL > 0 {
		return h.LaunchTokenTTL
	}
	return defaultLaunchTokenTTL
}

func (h *Handlers) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}
