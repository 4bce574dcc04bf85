package tenants

import (
	"context"
	"errors"
	"net"
	"net/http"
	"regexp"
	"strings"
)

// Resolver resolves the current tenant and its issuer URL from an HTTP request.
type Resolver interface {
	// Resolve extracts the tenant identifier and the platform issuer for that tenant.
	Resolve(r *http.Request) (tenantID string, issuer string, err error)
}

// Options controls multi-tenant resolution.
//
// Host-based setup:
//
//	BaseDomain:    "lti.mindengage.com"
//	HostIsTenant:  true               // {tenant}.lti.mindengage.com
//	ForceHTTPS:    true
//
// Path-based alternative (single host):
//
//	BaseDomain:    "lti.mindengage.com"
//	PathPrefix:    "/t"                  // issuer => https://{BaseDomain}/t/{tenant}
//
// HeaderKey is honoured only when set; leave it empty in production so the
// tenant is never taken from a client-controlled header.
type Options struct {
	BaseDomain    string
	HostIsTenant  bool
	PathPrefix    string
	HeaderKey     string
	DefaultTenant string
	ForceHTTPS    bool
}

// NewResolver returns a Resolver that can resolve tenant from header (if set),
// host (subdomain), or path prefix, depending on Options.
func NewResolver(opts Options) *UniversalResolver {
	if opts.PathPrefix != "" && !strings.HasPrefix(opts.PathPrefix, "/") {
		opts.PathPrefix = "/" + opts.PathPrefix
	}
	return &UniversalResolver{opts: opts}
}

// UniversalResolver implements Resolver and lti.IssuerResolver.
type UniversalResolver struct {
	opts Options
}

// Resolve implements the Resolver interface.
func (u *UniversalResolver) Resolve(r *http.Request) (string, string, error) {
	if u.opts.HeaderKey != "" {
		if v := strings.TrimSpace(r.Header.Get(u.opts.HeaderKey)); v != "" {
			tenant := sanitizeTenant(v)
			if tenant == "" {
				return "", "", errBadTenantToken
			}
			return tenant, u.issuerFor(tenant, r), nil
		}
	}

	if u.opts.HostIsTenant {
		if tenant := u.tenantFromHost(r); tenant != "" {
			return tenant, u.issuerFor(tenant, r), nil
		}
	}

	if u.opts.PathPrefix != "" {
		if tenant := u.tenantFromPath(r); tenant != "" {
			return tenant, u.issuerFor(tenant, r), nil
		}
	}

	if u.opts.DefaultTenant != "" {
		tenant := sanitizeTenant(u.opts.DefaultTenant)
		if tenant == "" {
			return "", "", errBadTenantToken
		}
		return tenant, u.issuerFor(tenant, r), nil
	}

	return "", "", errNoTenant
}

// IssuerForTenant derives the issuer without a request. Used by components
// that sign on behalf of a tenant known only from a verified token.
func (u *UniversalResolver) IssuerForTenant(_ context.Context, tenantID string) (string, error) {
	tenant := sanitizeTenant(tenantID)
	if tenant == "" {
		return "", errBadTenantToken
	}
	base := strings.TrimSpace(u.opts.BaseDomain)
	if base == "" {
		return "", errors.New("tenants: BaseDomain required to derive issuer")
	}
	if u.opts.HostIsTenant {
		return "https://" + tenant + "." + base, nil
	}
	return "https://" + base + u.opts.PathPrefix + "/" + tenant, nil
}

// tenantFromHost extracts {tenant} from {tenant}.{BaseDomain}.
func (u *UniversalResolver) tenantFromHost(r *http.Request) string {
	host := hostWithoutPort(r.Host)
	base := strings.ToLower(strings.TrimSpace(u.opts.BaseDomain))
	if host == "" || base == "" {
		return ""
	}
	if strings.EqualFold(host, base) {
		return ""
	}
	suffix := "." + base
	if !strings.HasSuffix(strings.ToLower(host), suffix) {
		return ""
	}
	rest := host[:len(host)-len(suffix)]
	if rest == "" {
		return ""
	}
	labels := strings.Split(rest, ".")
	return sanitizeTenant(labels[0])
}

// tenantFromPath extracts {tenant} from /{PathPrefix}/{tenant}/...
func (u *UniversalResolver) tenantFromPath(r *http.Request) string {
	path := r.URL.Path
	if !strings.HasPrefix(path, u.opts.PathPrefix) {
		return ""
	}
	rest := strings.TrimPrefix(strings.TrimPrefix(path, u.opts.PathPrefix), "/")
	if rest == "" {
		return ""
	}
	segEnd := strings.IndexByte(rest, '/')
	if segEnd == -1 {
		segEnd = len(rest)
	}
	return sanitizeTenant(rest[:segEnd])
}

// issuerFor builds the issuer URL for a given tenant.
// - HostIsTenant: https://{tenant}.{BaseDomain}
// - PathPrefix:   https://{BaseDomain}{PathPrefix}/{tenant}
func (u *UniversalResolver) issuerFor(tenant string, r *http.Request) string {
	scheme := schemeFromRequest(r, u.opts.ForceHTTPS)

	base := strings.TrimSpace(u.opts.BaseDomain)
	if base == "" {
		base = hostWithoutPort(r.Host)
	}
	if u.opts.HostIsTenant {
		return scheme + "://" + tenant + "." + base
	}
	return scheme + "://" + base + u.opts.PathPrefix + "/" + tenant
}

/* ------------------------------ helpers ----------------------------------- */

var (
	errNoTenant       = errors.New("tenants: could not resolve tenant from request")
	errBadTenantToken = errors.New("tenants: invalid tenant token")

	tenantPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,61}$`)
)

// sanitizeTenant lowercases and validates the tenant token (DNS-label friendly).
func sanitizeTenant(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || !tenantPattern.MatchString(s) {
		return ""
	}
	return s
}

// schemeFromRequest attempts to infer the external scheme.
func schemeFromRequest(r *http.Request, forceHTTPS bool) string {
	if forceHTTPS {
		return "https"
	}
	if xfproto := r.Header.Get("X-Forwarded-Proto"); xfproto != "" {
		if i := strings.IndexByte(xfproto, ','); i >= 0 {
			return strings.TrimSpace(xfproto[:i])
		}
		return strings.TrimSpace(xfproto)
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

func hostWithoutPort(h string) string {
	if h == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(h); err == nil {
		return host
	}
	return h
}
