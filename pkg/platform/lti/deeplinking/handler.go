package deeplinking

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mind-engage/mindengage-lti/pkg/platform/lti"
)

const maxBodyBytes = 1 << 20

// Verifier checks tokens this platform signed for a tenant.
type Verifier interface {
	Verify(ctx context.Context, tenantID, token string, opts ...jwt.ParserOption) (jwt.MapClaims, error)
}

type deepLinkRequest struct {
	RegistrationID string          `json:"registration_id"`
	ContentItems   json.RawMessage `json:"content_items"`
	Data           string          `json:"data,omitempty"`
}

// Handler serves POST /lti/deep_link.
//
// The caller presents the launch_jwt from an LtiDeepLinkingRequest launch as
// "Authorization: Bearer <token>"; it must name the same tenant and
// registration as the request.
//
// Body: {"registration_id": "...", "content_items": [{title, url, custom}], "data": "..."}
// Reply: 201 {jwt, resource_links}. A missing or foreign assertion is a 401,
// an unknown or inactive registration a 404 and a malformed item a 400.
func Handler(resolveTenantID func(*http.Request) (string, error), verifier Verifier, d *Responder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, err := resolveTenantID(r)
		if err != nil || strings.TrimSpace(tenantID) == "" {
			lti.WriteError(w, lti.Errorf(lti.KindInvalidRequest, "could not resolve tenant"))
			return
		}
		token, ok := bearer(r.Header.Get("Authorization"))
		if !ok {
			w.Header().Set("WWW-Authenticate", `Bearer realm="lti-deep-link"`)
			lti.WriteError(w, lti.Errorf(lti.KindUnauthorized, "deep-linking launch assertion required"))
			return
		}

		var in deepLinkRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&in); err != nil {
			lti.WriteError(w, lti.Wrap(lti.KindInvalidRequest, "decode body", err))
			return
		}
		if strings.TrimSpace(in.RegistrationID) == "" {
			lti.WriteError(w, lti.Errorf(lti.KindInvalidRequest, "registration_id is required"))
			return
		}
		if err := d.authorize(r.Context(), verifier, tenantID, in.RegistrationID, token); err != nil {
			d.logger().WarnContext(r.Context(), "deep link rejected", "tenant", tenantID, "err", err)
			w.Header().Set("WWW-Authenticate", `Bearer realm="lti-deep-link", error="invalid_token"`)
			lti.WriteError(w, err)
			return
		}
		items, err := parseItems(in.ContentItems)
		if err != nil {
			lti.WriteError(w, lti.Wrap(lti.KindInvalidRequest, "content_items", err))
			return
		}

		out, err := d.RespondWithData(r.Context(), tenantID, in.RegistrationID, items, in.Data)
		switch {
		case errors.Is(err, lti.ErrRegistrationNotFound):
			lti.WriteError(w, lti.Wrap(lti.KindEntityNotFound, "registration", err))
			return
		case err != nil:
			d.logger().ErrorContext(r.Context(), "deep link failed", "tenant", tenantID, "err", err)
			lti.WriteError(w, err)
			return
		}
		lti.WriteJSON(w, http.StatusCreated, out)
	}
}

// authorize accepts only a launch assertion minted for a deep-linking
// request of this tenant and registration.
func (d *Responder) authorize(ctx context.Context, verifier Verifier, tenantID, registrationID, token string) error {
	if verifier == nil {
		return lti.Errorf(lti.KindUnauthorized, "no launch verifier configured")
	}
	iss, err := d.Issuers.IssuerForTenant(ctx, tenantID)
	if err != nil {
		return err
	}
	claims, err := verifier.Verify(ctx, tenantID, token,
		jwt.WithIssuer(iss), jwt.WithAudience(iss), jwt.WithExpirationRequired())
	if err != nil {
		return lti.Wrap(lti.KindUnauthorized, "launch assertion", err)
	}
	switch {
	case claimString(claims, "typ") != "launch":
		return lti.Errorf(lti.KindUnauthorized, "not a launch assertion")
	case claimString(claims, "message_type") != lti.MsgTypeDeepLink:
		return lti.Errorf(lti.KindUnauthorized, "launch was not a deep-linking request")
	case claimString(claims, "tenant_id") != tenantID:
		return lti.Errorf(lti.KindUnauthorized, "launch belongs to another tenant")
	case claimString(claims, "registration_id") != registrationID:
		return lti.Errorf(lti.KindUnauthorized, "launch belongs to another registration")
	}
	return nil
}

func claimString(c jwt.MapClaims, key string) string {
	s, _ := c[key].(string)
	return s
}

func bearer(hdr string) (string, bool) {
	const prefix = "bearer "
	if len(hdr) < len(prefix) || !strings.EqualFold(hdr[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(hdr[len(prefix):])
	return token, token != ""
}
