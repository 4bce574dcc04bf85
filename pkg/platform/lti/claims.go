package lti

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	ClaimMessageType = "https://purl.imsglobal.org/spec/lti/claim/message_type"
	ClaimVersion     = "https://purl.imsglobal.org/spec/lti/claim/version"
	ClaimDeployment  = "https://purl.imsglobal.org/spec/lti/claim/deployment_id"
	ClaimTarget      = "https://purl.imsglobal.org/spec/lti/claim/target_link_uri"
	ClaimContext     = "https://purl.imsglobal.org/spec/lti/claim/context"
	ClaimResource    = "https://purl.imsglobal.org/spec/lti/claim/resource_link"
	ClaimRoles       = "https://purl.imsglobal.org/spec/lti/claim/roles"
	ClaimCustom      = "https://purl.imsglobal.org/spec/lti/claim/custom"
	ClaimToolPlat    = "https://purl.imsglobal.org/spec/lti/claim/tool_platform"
	ClaimLaunchPres  = "https://purl.imsglobal.org/spec/lti/claim/launch_presentation"

	ClaimAGSEndpoint  = "https://purl.imsglobal.org/spec/lti-ags/claim/endpoint"
	ClaimDLSettings   = "https://purl.imsglobal.org/spec/lti-dl/claim/deep_linking_settings"
	ClaimContentItems = "https://purl.imsglobal.org/spec/lti-dl/claim/content_items"
	ClaimDLData       = "https://purl.imsglobal.org/spec/lti-dl/claim/data"

	MsgTypeResourceLink     = "LtiResourceLinkRequest"
	MsgTypeDeepLink         = "LtiDeepLinkingRequest"
	MsgTypeDeepLinkResponse = "LtiDeepLinkingResponse"

	LTIVersion = "1.3.0"
)

// Claims is a decoded JWT payload. Only the claims the core relies on get
// typed accessors; everything else passes through untouched.
type Claims map[string]any

func (c Claims) String(name string) string {
	s, _ := c[name].(string)
	return s
}

func (c Claims) Issuer() string      { return c.String("iss") }
func (c Claims) Subject() string     { return c.String("sub") }
func (c Claims) Nonce() string       { return c.String("nonce") }
func (c Claims) AuthParty() string   { return c.String("azp") }
func (c Claims) MessageType() string { return c.String(ClaimMessageType) }
func (c Claims) Version() string     { return c.String(ClaimVersion) }
func (c Claims) Deployment() string  { return c.String(ClaimDeployment) }
func (c Claims) TargetLink() string  { return c.String(ClaimTarget) }

// Audience returns aud as a list whether it was encoded as string or array.
func (c Claims) Audience() []string {
	switch v := c["aud"].(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, x := range v {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return v
	}
	return nil
}

// HasAudience reports whether aud contains want.
func (c Claims) HasAudience(want string) bool {
	for _, a := range c.Audience() {
		if a == want {
			return true
		}
	}
	return false
}

// Time reads a NumericDate claim.
func (c Claims) Time(name string) (time.Time, bool) {
	var secs float64
	switch v := c[name].(type) {
	case float64:
		secs = v
	case int64:
		secs = float64(v)
	case int:
		secs = float64(v)
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return time.Time{}, false
		}
		secs = f
	default:
		return time.Time{}, false
	}
	return time.Unix(int64(secs), 0), true
}

func (c Claims) ExpiresAt() (time.Time, bool) { return c.Time("exp") }
func (c Claims) IssuedAt() (time.Time, bool)  { return c.Time("iat") }

// Custom returns the custom claim as a string map. Non-string values are
// rendered with %v.
func (c Claims) Custom() map[string]string {
	raw, ok := c[ClaimCustom].(map[string]any)
	if !ok || len(raw) == 0 {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		} else {
			out[k] = fmt.Sprint(v)
		}
	}
	return out
}
