// Package middleware authenticates and authorizes requests to the platform's
// LTI service endpoints (AGS).
//
// Tools present an OAuth 2.0 Bearer access token minted by POST /lti/token.
// A TokenVerifier validates the raw token and returns normalized
// AccessClaims; handlers read them back with FromContext.
//
// Typical wiring:
//
//	r.Route("/ags", func(r chi.Router) {
//	    r.Use(middleware.BearerAuthWithOptions(gateway, middleware.AuthOptions{Realm: "lti-ags"}))
//	    r.With(middleware.RequireScopes(middleware.ScopeLineItemRead)).Get("/lineitems", h.listLineItems)
//	    r.With(middleware.RequireScopes(middleware.ScopeScore)).Post("/lineitems/{id}/scores", h.postScore)
//	})
package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mind-engage/mindengage-lti/pkg/platform/lti"
)

// AGS scopes, full IMS URIs.
const (
	ScopeLineItem     = "https://purl.imsglobal.org/spec/lti-ags/scope/lineitem"
	ScopeLineItemRead = "https://purl.imsglobal.org/spec/lti-ags/scope/lineitem.readonly"
	ScopeScore        = "https://purl.imsglobal.org/spec/lti-ags/scope/score"
	ScopeResultRead   = "https://purl.imsglobal.org/spec/lti-ags/scope/result.readonly"
)

// AccessClaims is what a verified access token grants.
type AccessClaims struct {
	Subject  string
	TenantID string
	ClientID string
	Scopes   []string

	IssuedAt  time.Time
	ExpiresAt time.Time
	JTI       string
}

// TokenVerifier validates a raw bearer token: signature, expiry and type.
type TokenVerifier interface {
	VerifyAccessToken(ctx context.Context, rawToken string) (AccessClaims, error)
}

type AuthOptions struct {
	// Realm is reported in WWW-Authenticate on 401s.
	Realm string

	// EnforceTenantMatch requires the tenant resolved from the request URL
	// to equal the token tenant.
	EnforceTenantMatch bool
	ResolveTenantID    func(*http.Request) (string, error)
}

// BearerAuth verifies the bearer token and attaches its claims to the context.
func BearerAuth(verifier TokenVerifier) func(http.Handler) http.Handler {
	return BearerAuthWithOptions(verifier, AuthOptions{})
}

func BearerAuthWithOptions(verifier TokenVerifier, opts AuthOptions) func(http.Handler) http.Handler {
	if verifier == nil {
		panic("middleware.BearerAuth: nil TokenVerifier")
	}
	realm := opts.Realm
	if realm == "" {
		realm = "protected"
	}
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			raw, ok := extractBearer(r.Header.Get("Authorization"))
			if !ok {
				unauthorized(w, realm, "invalid_request", lti.Errorf(lti.KindUnauthorized, "missing bearer token"))
				return
			}
			claims, err := verifier.VerifyAccessToken(r.Context(), raw)
			if err != nil {
				if lti.KindOf(err) != lti.KindUnauthorized {
					err = lti.Wrap(lti.KindUnauthorized, "invalid bearer token", err)
				}
				unauthorized(w, realm, "invalid_token", err)
				return
			}
			if opts.EnforceTenantMatch && opts.ResolveTenantID != nil {
				reqTenant, err := opts.ResolveTenantID(r)
				if err != nil || !tenantEqual(reqTenant, claims.TenantID) {
					unauthorized(w, realm, "invalid_token", lti.Errorf(lti.KindUnauthorized, "token not valid for this tenant"))
					return
				}
			}
			next.ServeHTTP(w, r.WithContext(withClaims(r.Context(), claims)))
		}
		return http.HandlerFunc(fn)
	}
}

type ctxKey int

const claimsKey ctxKey = 1

func withClaims(ctx context.Context, c AccessClaims) context.Context {
	return context.WithValue(ctx, claimsKey, c)
}

// WithClaims returns a context carrying c, as BearerAuth would.
func WithClaims(ctx context.Context, c AccessClaims) context.Context { return withClaims(ctx, c) }

// FromContext extracts AccessClaims that BearerAuth placed in the context.
func FromContext(ctx context.Context) (AccessClaims, bool) {
	if ctx == nil {
		return AccessClaims{}, false
	}
	c, ok := ctx.Value(claimsKey).(AccessClaims)
	return c, ok
}

// TenantID returns the verified token tenant, or "".
func TenantID(ctx context.Context) string {
	if c, ok := FromContext(ctx); ok {
		return c.TenantID
	}
	return ""
}

// ClientID returns the verified token client, or "".
func ClientID(ctx context.Context) string {
	if c, ok := FromContext(ctx); ok {
		return c.ClientID
	}
	return ""
}

// ErrNoClaims is returned by RequireClaims when no verified token is present.
var ErrNoClaims = errors.New("middleware: no verified access token in context")

// RequireClaims is FromContext for handlers that cannot run unauthenticated.
func RequireClaims(ctx context.Context) (AccessClaims, error) {
	c, ok := FromContext(ctx)
	if !ok || c.TenantID == "" {
		return AccessClaims{}, lti.Wrap(lti.KindUnauthorized, "", ErrNoClaims)
	}
	return c, nil
}

func extractBearer(hdr string) (string, bool) {
	const prefix = "bearer "
	if len(hdr) < len(prefix) || !strings.EqualFold(hdr[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(hdr[len(prefix):])
	return token, token != ""
}

// unauthorized sets the RFC 6750 challenge and writes the error envelope.
func unauthorized(w http.ResponseWriter, realm, code string, err error) {
	w.Header().Set("WWW-Authenticate",
		fmt.Sprintf(`Bearer realm="%s", error="%s"`, escape(realm), escape(code)))
	lti.WriteError(w, err)
}

func escape(s string) string {
	s = strings.ReplaceAll(s, `"`, `'`)
	return strings.ReplaceAll(s, "\n", " ")
}

func tenantEqual(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
