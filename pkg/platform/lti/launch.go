package lti

import (
	"context"
	"crypto"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mind-engage/mindengage-lti/pkg/platform/metrics"
	"github.com/mind-engage/mindengage-lti/pkg/platform/tenants"
)

const (
	defaultMaxTokenAge = 10 * time.Minute
	defaultClockSkew   = 30 * time.Second
)

// KeyResolver returns the verification key for kid from a JWKS URL.
type KeyResolver interface {
	PublicKeyFor(ctx context.Context, jwksURL, kid string) (crypto.PublicKey, error)
}

// LaunchContext is the verified result of a launch, handed to session code.
type LaunchContext struct {
	Registration   tenants.ToolRegistration `json:"-"`
	Subject        string                   `json:"subject"`
	DeploymentID   string                   `json:"deployment_id"`
	MessageType    string                   `json:"message_type"`
	TargetLink     string                   `json:"target_link,omitempty"`
	ResourceLinkID string                   `json:"resource_link_id,omitempty"`
	CustomParams   map[string]string        `json:"custom_params,omitempty"`
	RawClaims      Claims                   `json:"raw_claims"`
	State          string                   `json:"-"`
}

// IsDeepLinking reports whether the launch asks for content selection.
func (lc LaunchContext) IsDeepLinking() bool { return lc.MessageType == MsgTypeDeepLink }

// LaunchValidator verifies inbound id_tokens from registered tools.
type LaunchValidator struct {
	Registrations Registrations
	Keys          KeyResolver
	Replay        ReplayGuard

	AllowedAlgs []string      // default: RS256
	MaxTokenAge time.Duration // reject iat older than this; default 10m
	ClockSkew   time.Duration // default 30s
	Now         func() time.Time
	Logger      *slog.Logger
}

// ValidateLaunch runs the full check sequence and consumes the nonce. It
// fails closed with an *Error whose Kind names the first violated check.
func (v *LaunchValidator) ValidateLaunch(ctx context.Context, tenantID, clientID, idToken string) (LaunchContext, error) {
	lc, err := v.validate(ctx, tenantID, clientID, idToken)
	metrics.LaunchTotal.WithLabelValues(Outcome(err)).Inc()
	if err != nil {
		logger(v.Logger).WarnContext(ctx, "lti launch rejected",
			"tenant", tenantID, "client_id", clientID, "kind", KindOf(err), "err", err)
		return LaunchContext{}, err
	}
	logger(v.Logger).InfoContext(ctx, "lti launch accepted",
		"tenant", tenantID, "client_id", clientID, "message_type", lc.MessageType, "deployment_id", lc.DeploymentID)
	return lc, nil
}

func (v *LaunchValidator) validate(ctx context.Context, tenantID, clientID, idToken string) (LaunchContext, error) {
	// 1. registration
	reg, err := findActive(ctx, v.Registrations, tenantID, clientID)
	if err != nil {
		return LaunchContext{}, err
	}

	// 2. header and early expiry
	alg, kid, err := v.checkHeader(idToken)
	if err != nil {
		return LaunchContext{}, err
	}

	// 3. key and signature
	claims, err := v.verifySignature(ctx, reg, idToken, alg, kid)
	if err != nil {
		return LaunchContext{}, err
	}

	// 4. claims
	if err := v.checkClaims(reg, claims); err != nil {
		return LaunchContext{}, err
	}

	// 5. consume the handshake
	entry, err := v.consume(ctx, tenantID, reg.ClientID, claims.Nonce())
	if err != nil {
		return LaunchContext{}, err
	}

	// 6. context
	return v.buildContext(reg, claims, entry), nil
}

func (v *LaunchValidator) checkHeader(idToken string) (alg, kid string, err error) {
	unverified, _, perr := jwt.NewParser().ParseUnverified(idToken, jwt.MapClaims{})
	if perr != nil {
		return "", "", Wrap(KindBadSignature, "malformed token", perr)
	}
	alg, _ = unverified.Header["alg"].(string)
	if !v.algAllowed(alg) {
		return "", "", Errorf(KindBadSignature, "algorithm %q not accepted", alg)
	}
	kid, _ = unverified.Header["kid"].(string)

	// An expired token is refused before any key fetch.
	if mc, ok := unverified.Claims.(jwt.MapClaims); ok {
		if exp, ok := Claims(mc).ExpiresAt(); ok && !v.now().Before(exp.Add(v.skew())) {
			return "", "", Errorf(KindExpiredToken, "token expired at %s", exp.UTC().Format(time.RFC3339))
		}
	}
	return alg, kid, nil
}

func (v *LaunchValidator) verifySignature(ctx context.Context, reg tenants.ToolRegistration, idToken, alg, kid string) (Claims, error) {
	key, err := v.Keys.PublicKeyFor(ctx, reg.JWKSURL, kid)
	if err != nil {
		if KindOf(err) == KindKeyFetch {
			return nil, err
		}
		return nil, Wrap(KindKeyFetch, "resolve key", err)
	}

	mc := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(idToken, mc,
		func(*jwt.Token) (any, error) { return key, nil },
		jwt.WithValidMethods([]string{alg}),
		jwt.WithTimeFunc(v.now),
		jwt.WithLeeway(v.skew()),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)
	switch {
	case err == nil:
		return Claims(mc), nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, Wrap(KindExpiredToken, "verify", err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, jwt.ErrTokenMalformed),
		errors.Is(err, jwt.ErrTokenUnverifiable):
		return nil, Wrap(KindBadSignature, "verify", err)
	default:
		return nil, Wrap(KindClaimMismatch, "verify", err)
	}
}

func (v *LaunchValidator) checkClaims(reg tenants.ToolRegistration, c Claims) error {
	if c.Issuer() != reg.Issuer {
		return Errorf(KindClaimMismatch, "iss %q does not match registration", c.Issuer())
	}
	if !c.HasAudience(reg.ClientID) {
		return Errorf(KindClaimMismatch, "aud does not contain %q", reg.ClientID)
	}
	if azp := c.AuthParty(); azp != "" && azp != reg.ClientID {
		return Errorf(KindClaimMismatch, "azp %q does not match client", azp)
	}
	iat, ok := c.IssuedAt()
	if !ok {
		return Errorf(KindClaimMismatch, "iat is required")
	}
	if v.now().Sub(iat) > v.maxAge() {
		return Errorf(KindExpiredToken, "token issued too long ago")
	}
	if strings.TrimSpace(c.Nonce()) == "" {
		return Errorf(KindClaimMismatch, "nonce is required")
	}
	if dep := c.Deployment(); dep != "" && dep != reg.DeploymentID {
		return Errorf(KindClaimMismatch, "deployment_id %q does not match registration", dep)
	}
	if ver := c.Version(); ver != "" && ver != LTIVersion {
		return Errorf(KindClaimMismatch, "unsupported LTI version %q", ver)
	}
	switch mt := c.MessageType(); mt {
	case MsgTypeResourceLink, MsgTypeDeepLink:
	default:
		return Errorf(KindClaimMismatch, "unsupported message_type %q", mt)
	}
	return nil
}

// consume takes the login's nonce. Ownership is checked before the take so a
// launch for another registration cannot burn it.
func (v *LaunchValidator) consume(ctx context.Context, tenantID, clientID, nonce string) (ReplayEntry, error) {
	entry, ok, err := v.Replay.Get(ctx, nonce)
	if err != nil {
		return ReplayEntry{}, err
	}
	if !ok {
		return ReplayEntry{}, Errorf(KindReplayedNonce, "nonce unknown, expired or already used")
	}
	if entry.TenantID != tenantID || entry.ClientID != clientID {
		return ReplayEntry{}, Errorf(KindClaimMismatch, "nonce was issued for a different registration")
	}
	entry, ok, err = v.Replay.Take(ctx, nonce)
	if err != nil {
		return ReplayEntry{}, err
	}
	if !ok {
		return ReplayEntry{}, Errorf(KindReplayedNonce, "nonce unknown, expired or already used")
	}
	return entry, nil
}

func (v *LaunchValidator) buildContext(reg tenants.ToolRegistration, c Claims, entry ReplayEntry) LaunchContext {
	subject := c.Subject()
	if subject == "" {
		subject = entry.LoginHint
	}
	deployment := c.Deployment()
	if deployment == "" {
		deployment = reg.DeploymentID
	}
	var rlID string
	if rl, ok := c[ClaimResource].(map[string]any); ok {
		rlID, _ = rl["id"].(string)
	}
	return LaunchContext{
		Registration:   reg,
		Subject:        subject,
		DeploymentID:   deployment,
		MessageType:    c.MessageType(),
		TargetLink:     c.TargetLink(),
		ResourceLinkID: rlID,
		CustomParams:   c.Custom(),
		RawClaims:      c,
		State:          entry.State,
	}
}

func (v *LaunchValidator) algAllowed(alg string) bool {
	allowed := v.AllowedAlgs
	if len(allowed) == 0 {
		allowed = []string{jwt.SigningMethodRS256.Alg()}
	}
	for _, a := range allowed {
		if a == alg && asymmetric(a) {
			return true
		}
	}
	return false
}

// asymmetric guards against an AllowedAlgs list that names HS* or none.
func asymmetric(alg string) bool {
	switch jwt.GetSigningMethod(alg).(type) {
	case *jwt.SigningMethodRSA, *jwt.SigningMethodRSAPSS, *jwt.SigningMethodECDSA:
		return true
	}
	return false
}

func (v *LaunchValidator) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

func (v *LaunchValidator) skew() time.Duration {
	if v.ClockSkew > 0 {
		return v.ClockSkew
	}
	return defaultClockSkew
}

func (v *LaunchValidator) maxAge() time.Duration {
	if v.MaxTokenAge > 0 {
		return v.MaxTokenAge
	}
	return defaultMaxTokenAge
}
