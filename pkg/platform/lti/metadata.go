package lti

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"
)

/*
OpenID Provider discovery (GET /.well-known/openid-configuration).

Every endpoint is published relative to the tenant issuer, so the platform
routes must be reachable under the issuer URL (host-per-tenant or
{PathPrefix}/{tenant}).
*/

type MetadataServer struct {
	ResolveTenantID func(*http.Request) (string, error)
	Issuers         IssuerResolver

	IDTokenAlgs      []string // default RS256
	TokenAuthMethods []string // default private_key_jwt, client_secret_post

	ProductName      string
	ProductVersion   string
	PlatformGUID     string
	LogoURI          string
	DocumentationURL string

	CacheMaxAge time.Duration // default 1h
}

// OpenIDConfiguration returns the handler for /.well-known/openid-configuration.
func (s *MetadataServer) OpenIDConfiguration() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, err := s.ResolveTenantID(r)
		if err != nil || strings.TrimSpace(tenantID) == "" {
			WriteError(w, Errorf(KindInvalidRequest, "unable to resolve tenant"))
			return
		}
		iss, err := s.Issuers.IssuerForTenant(r.Context(), tenantID)
		if err != nil || !isHTTPURL(iss) {
			logger(nil).ErrorContext(r.Context(), "metadata: issuer resolution failed", "tenant", tenantID, "err", err)
			WriteError(w, err)
			return
		}
		base := strings.TrimSuffix(iss, "/")

		cfg := map[string]any{
			"issuer":                                iss,
			"authorization_endpoint":                base + "/lti/authorize",
			"token_endpoint":                        base + "/lti/token",
			"jwks_uri":                              base + "/jwks",
			"response_modes_supported":              []string{"form_post"},
			"response_types_supported":              []string{"id_token"},
			"subject_types_supported":               []string{"public"},
			"id_token_signing_alg_values_supported": nonEmptyOr(s.IDTokenAlgs, "RS256"),
			"token_endpoint_auth_methods_supported": nonEmptyOr(s.TokenAuthMethods, "private_key_jwt", "client_secret_post"),
			"scopes_supported": []string{
				"openid",
				"https://purl.imsglobal.org/spec/lti-ags/scope/lineitem",
				"https://purl.imsglobal.org/spec/lti-ags/scope/lineitem.readonly",
				"https://purl.imsglobal.org/spec/lti-ags/scope/result.readonly",
				"https://purl.imsglobal.org/spec/lti-ags/scope/score",
			},
			"claims_supported": []string{
				"iss", "sub", "aud", "exp", "iat", "nonce", "azp", "name", "email",
				ClaimMessageType, ClaimVersion, ClaimDeployment, ClaimTarget,
				ClaimResource, ClaimContext, ClaimRoles, ClaimToolPlat, ClaimCustom,
				ClaimAGSEndpoint, ClaimDLSettings,
			},
		}
		cfg["token_endpoint_auth_signing_alg_values_supported"] = []string{"RS256"}
		if isHTTPURL(s.DocumentationURL) {
			cfg["service_documentation"] = s.DocumentationURL
		}
		ext := map[string]any{
			"product_family_code": "mindengage",
			"version":             firstNonEmpty(s.ProductVersion, "1.0"),
			"messages_supported": []map[string]any{
				{"type": MsgTypeResourceLink},
				{"type": MsgTypeDeepLink},
			},
			"variables": []string{
				"Context.id", "Context.label", "Context.title",
				"ResourceLink.id", "User.id", "User.email",
			},
		}
		if s.PlatformGUID != "" {
			ext["guid"] = s.PlatformGUID
		}
		if isHTTPURL(s.LogoURI) {
			ext["logo_uri"] = s.LogoURI
		}
		cfg["https://purl.imsglobal.org/spec/lti-platform-configuration"] = ext

		payload, _ := json.Marshal(cfg)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(int(s.cacheAge().Seconds())))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(payload)
	}
}

func (s *MetadataServer) cacheAge() time.Duration {
	if s.CacheMaxAge > 0 {
		return s.CacheMaxAge
	}
	return time.Hour
}

func nonEmptyOr(vals []string, defaults ...string) []string {
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return defaults
	}
	return out
}
