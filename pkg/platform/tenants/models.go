package tenants

import "time"

// Registration status values.
const (
	StatusInactive = "inactive"
	StatusActive   = "active"
)

// Setting keys understood by the platform core. Anything else in
// ToolRegistration.Settings is carried through untouched.
const (
	SettingTargetLinkURI = "target_link_uri"
	SettingLocale        = "launch_presentation_locale"
	SettingDeepLinkURL   = "deep_link_return_url"
)

// ToolRegistration is the identity of a trusted external tool inside one tenant.
type ToolRegistration struct {
	ID               string            `json:"id"`
	TenantID         string            `json:"tenant_id"`
	Issuer           string            `json:"issuer"`
	ClientID         string            `json:"client_id"`
	DeploymentID     string            `json:"deployment_id"`
	AuthLoginURL     string            `json:"auth_login_url"`
	AuthTokenURL     string            `json:"auth_token_url,omitempty"`
	JWKSURL          string            `json:"jwks_url"`
	Status           string            `json:"status"`
	Settings         map[string]string `json:"settings,omitempty"`
	ClientSecretHash string            `json:"-"` // bcrypt; empty disables client_secret_post
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// Active reports whether the registration may launch or receive AGS tokens.
func (r ToolRegistration) Active() bool { return r.Status == StatusActive }

// Setting returns a settings value or "".
func (r ToolRegistration) Setting(key string) string {
	if r.Settings == nil {
		return ""
	}
	return r.Settings[key]
}

// ResourceLink is a placed instance of a tool's content.
type ResourceLink struct {
	ID             string            `json:"id"`
	TenantID       string            `json:"tenant_id"`
	RegistrationID string            `json:"registration_id"`
	CourseID       string            `json:"course_id,omitempty"`
	Title          string            `json:"title"`
	URL            string            `json:"url"`
	CustomParams   map[string]string `json:"custom_params,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}
