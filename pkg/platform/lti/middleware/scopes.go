package middleware

import (
	"net/http"
	"sort"
	"strings"

	"github.com/mind-engage/mindengage-lti/pkg/platform/lti"
)

var shortScopes = map[string]string{
	"lineitem":          ScopeLineItem,
	"lineitem.readonly": ScopeLineItemRead,
	"score":             ScopeScore,
	"result.readonly":   ScopeResultRead,
}

// NormalizeScope maps a short AGS scope name ("score") to its IMS URI.
// Anything else is returned trimmed and unchanged.
func NormalizeScope(s string) string {
	s = strings.TrimSpace(s)
	if full, ok := shortScopes[s]; ok {
		return full
	}
	return s
}

// NormalizeScopes normalizes, drops empties and de-duplicates. The result is
// sorted.
func NormalizeScopes(in []string) []string {
	set := make(map[string]struct{}, len(in))
	for _, s := range in {
		if s = NormalizeScope(s); s != "" {
			set[s] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// IsAGSScope reports whether s (short or full) is one of the four AGS scopes.
func IsAGSScope(s string) bool {
	switch NormalizeScope(s) {
	case ScopeLineItem, ScopeLineItemRead, ScopeScore, ScopeResultRead:
		return true
	}
	return false
}

// HasScope reports whether have grants need. The lineitem write scope also
// satisfies lineitem.readonly.
func HasScope(have []string, need string) bool {
	need = NormalizeScope(need)
	for _, h := range have {
		h = NormalizeScope(h)
		if h == need {
			return true
		}
		if need == ScopeLineItemRead && h == ScopeLineItem {
			return true
		}
	}
	return false
}

// RequireScopes rejects requests whose verified token lacks any of required.
// It must run after BearerAuth.
func RequireScopes(required ...string) func(http.Handler) http.Handler {
	req := NormalizeScopes(required)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cl, err := RequireClaims(r.Context())
			if err != nil {
				unauthorized(w, "protected", "invalid_token", err)
				return
			}
			for _, need := range req {
				if !HasScope(cl.Scopes, need) {
					w.Header().Set("WWW-Authenticate",
						`Bearer error="insufficient_scope", scope="`+escape(need)+`"`)
					lti.WriteError(w, lti.Errorf(lti.KindInsufficientScope, "missing scope %s", need))
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
