package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/mind-engage/mindengage-lti/pkg/platform/lti"
	"github.com/mind-engage/mindengage-lti/pkg/platform/tenants"
)

// TenantInfo is the tenant resolved from the request URL and its issuer.
type TenantInfo struct {
	ID     string // e.g. "school-a"
	Issuer string // e.g. "https://school-a.lti.mindengage.com"
}

type tenancyCtxKey struct{}

// Tenancy resolves the tenant for each request and stores it in the context.
// Unresolvable requests get 400.
//
// The tenant here comes from the URL. AGS handlers must not use it for
// authorization; they scope by the verified token tenant instead.
func Tenancy(res tenants.Resolver) func(http.Handler) http.Handler {
	return tenancy(res, false)
}

// TenancyOptional is Tenancy without the 400.
func TenancyOptional(res tenants.Resolver) func(http.Handler) http.Handler {
	return tenancy(res, true)
}

func tenancy(res tenants.Resolver, optional bool) func(http.Handler) http.Handler {
	if res == nil {
		panic("middleware.Tenancy: nil tenants.Resolver")
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenantID, issuer, err := res.Resolve(r)
			if err != nil || strings.TrimSpace(tenantID) == "" {
				if optional {
					next.ServeHTTP(w, r)
					return
				}
				lti.WriteError(w, lti.Errorf(lti.KindInvalidRequest, "could not resolve tenant"))
				return
			}
			ctx := context.WithValue(r.Context(), tenancyCtxKey{}, TenantInfo{ID: tenantID, Issuer: issuer})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// TenancyInfo returns what Tenancy stored, if anything.
func TenancyInfo(ctx context.Context) (TenantInfo, bool) {
	if ctx == nil {
		return TenantInfo{}, false
	}
	ti, ok := ctx.Value(tenancyCtxKey{}).(TenantInfo)
	return ti, ok
}

// ResolveTenantIDFromContext adapts Tenancy to the func(*http.Request)
// (string, error) shape the LTI handlers take.
func ResolveTenantIDFromContext(r *http.Request) (string, error) {
	if ti, ok := TenancyInfo(r.Context()); ok && strings.TrimSpace(ti.ID) != "" {
		return ti.ID, nil
	}
	return "", errors.New("tenant not resolved in context")
}
