package admin

type CreateRegistrationReq struct {
	ClientID     string            `json:"client_id"`
	Issuer       string            `json:"issuer"`
	DeploymentID string            `json:"deployment_id"`
	AuthLoginURL string            `json:"auth_login_url"`
	AuthTokenURL string            `json:"auth_token_url,omitempty"`
	JWKSURL      string            `json:"jwks_url"`
	Status       string            `json:"status,omitempty"`
	Settings     map[string]string `json:"settings,omitempty"`
	// ClientSecret enables client_secret_post; only its bcrypt hash is kept.
	ClientSecret string `json:"client_secret,omitempty"`
}

type CreateResourceLinkReq struct {
	RegistrationID string            `json:"registration_id"`
	CourseID       string            `json:"course_id,omitempty"`
	Title          string            `json:"title"`
	URL            string            `json:"url"`
	CustomParams   map[string]string `json:"custom_params,omitempty"`
}

type CreateAssignmentReq struct {
	ID             string  `json:"id,omitempty"`
	CourseID       string  `json:"course_id,omitempty"`
	Title          string  `json:"title"`
	PointsPossible float64 `json:"points_possible"`
	ResourceLinkID string  `json:"resource_link_id,omitempty"`
}
