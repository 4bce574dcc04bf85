// Package registry persists tool registrations and the resource links placed
// for them. The LTI core only reads registrations; the admin routes write them.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/mind-engage/mindengage-lti/pkg/platform/tenants"
)

var (
	// ErrNotFound is returned for unknown rows and, from FindActive, for
	// registrations that exist but are not active.
	ErrNotFound = errors.New("registry: not found")
	// ErrConflict is returned when (tenant_id, client_id) is already registered.
	ErrConflict = errors.New("registry: already exists")
	// ErrInvalid wraps validation failures at creation time.
	ErrInvalid = errors.New("registry: invalid registration")
)

// Store is the registration and resource-link repository.
type Store interface {
	FindActive(ctx context.Context, tenantID, clientID string) (tenants.ToolRegistration, error)
	Get(ctx context.Context, tenantID, id string) (tenants.ToolRegistration, error)
	List(ctx context.Context, tenantID string, offset, limit int) ([]tenants.ToolRegistration, error)
	Create(ctx context.Context, reg tenants.ToolRegistration) (tenants.ToolRegistration, error)
	SetStatus(ctx context.Context, tenantID, id, status string) error

	CreateResourceLink(ctx context.Context, link tenants.ResourceLink) (tenants.ResourceLink, error)
	// CreateResourceLinks stores the batch all-or-nothing.
	CreateResourceLinks(ctx context.Context, links []tenants.ResourceLink) ([]tenants.ResourceLink, error)
	ListResourceLinks(ctx context.Context, tenantID, registrationID string) ([]tenants.ResourceLink, error)
}

// ValidateRegistration checks a registration before it is stored. jwks_url
// must be a well-formed https URL here; reachability is a launch-time concern.
func ValidateRegistration(reg tenants.ToolRegistration) error {
	switch {
	case strings.TrimSpace(reg.TenantID) == "":
		return fmt.Errorf("%w: tenant_id is required", ErrInvalid)
	case strings.TrimSpace(reg.ClientID) == "":
		return fmt.Errorf("%w: client_id is required", ErrInvalid)
	case strings.TrimSpace(reg.Issuer) == "":
		return fmt.Errorf("%w: issuer is required", ErrInvalid)
	case strings.TrimSpace(reg.DeploymentID) == "":
		return fmt.Errorf("%w: deployment_id is required", ErrInvalid)
	}
	if !isHTTPSURL(reg.JWKSURL) {
		return fmt.Errorf("%w: jwks_url must be an https URL", ErrInvalid)
	}
	if !isHTTPURL(reg.AuthLoginURL) {
		return fmt.Errorf("%w: auth_login_url must be an http(s) URL", ErrInvalid)
	}
	if reg.AuthTokenURL != "" && !isHTTPURL(reg.AuthTokenURL) {
		return fmt.Errorf("%w: auth_token_url must be an http(s) URL", ErrInvalid)
	}
	switch reg.Status {
	case "", tenants.StatusActive, tenants.StatusInactive:
	default:
		return fmt.Errorf("%w: status must be active or inactive", ErrInvalid)
	}
	return nil
}

// ValidateStatus reports whether s is a known registration status.
func ValidateStatus(s string) error {
	if s != tenants.StatusActive && s != tenants.StatusInactive {
		return fmt.Errorf("%w: status must be active or inactive", ErrInvalid)
	}
	return nil
}

func isHTTPSURL(s string) bool {
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return false
	}
	return u.Hostname() != "" && u.User == nil
}

func isHTTPURL(s string) bool {
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return u.Host != ""
}
