package lti

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/mind-engage/mindengage-lti/pkg/platform/audit"
	"github.com/mind-engage/mindengage-lti/pkg/platform/tenants"
)

/*
OAuth 2.0 token endpoint (POST /lti/token) for tools calling platform
services.

Supported:
  - grant_type=client_credentials
  - client authentication:
      • private_key_jwt: RS256 client assertion, key from the tool JWKS,
        iss == sub == client_id, aud names the token endpoint, jti single use
      • client_secret_post: bcrypt hash on the registration

Error responses use RFC 6749 fields: {"error":"...", "error_description":"..."}.
Throttling is applied by the router.
*/

const (
	oauthInvalidRequest       = "invalid_request"
	oauthInvalidClient        = "invalid_client"
	oauthUnsupportedGrantType = "unsupported_grant_type"
	oauthInvalidScope         = "invalid_scope"
	oauthServerError          = "server_error"

	assertionTypePrivateKeyJWT = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

	maxAssertionAge = 10 * time.Minute
	assertionLeeway = 30 * time.Second
)

// AccessToken is a platform-signed service token.
type AccessToken struct {
	Token     string
	Scopes    []string
	ExpiresAt time.Time
}

// TokenIssuer mints service tokens for an authenticated tool.
type TokenIssuer interface {
	GenerateAccessToken(ctx context.Context, reg tenants.ToolRegistration, scopes []string) (AccessToken, error)
}

// TokenServer serves the client_credentials grant.
type TokenServer struct {
	ResolveTenantID func(*http.Request) (string, error)
	Issuers         IssuerResolver
	Registrations   Registrations
	Keys            KeyResolver // tool JWKS, for private_key_jwt
	Replay          ReplayGuard // client assertion jti
	Tokens          TokenIssuer
	Audit           audit.Recorder

	// TokenURL is the audience client assertions must carry. Empty means
	// {issuer}/lti/token; the bare issuer is accepted too.
	TokenURL string
	Now      func() time.Time
	Logger   *slog.Logger
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope,omitempty"`
}

// Handler returns the http.HandlerFunc for POST /lti/token.
func (s *TokenServer) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if r.Method != http.MethodPost {
			writeOAuthError(w, http.StatusMethodNotAllowed, oauthInvalidRequest, "use POST")
			return
		}
		if ct := strings.ToLower(r.Header.Get("Content-Type")); !strings.HasPrefix(ct, "application/x-www-form-urlencoded") {
			writeOAuthError(w, http.StatusBadRequest, oauthInvalidRequest, "content-type must be application/x-www-form-urlencoded")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
		if err := r.ParseForm(); err != nil {
			writeOAuthError(w, http.StatusBadRequest, oauthInvalidRequest, "bad form")
			return
		}
		tenantID, err := s.ResolveTenantID(r)
		if err != nil || strings.TrimSpace(tenantID) == "" {
			writeOAuthError(w, http.StatusBadRequest, oauthInvalidRequest, "unable to resolve tenant")
			return
		}
		if r.PostFormValue("grant_type") != "client_credentials" {
			writeOAuthError(w, http.StatusBadRequest, oauthUnsupportedGrantType, "only client_credentials is supported")
			return
		}

		reg, err := s.authenticate(ctx, tenantID, r)
		if err != nil {
			s.logger().WarnContext(ctx, "token: client authentication failed",
				"tenant", tenantID, "client_id", r.PostFormValue("client_id"), "kind", KindOf(err), "err", err)
			s.audit(ctx, tenantID, r.PostFormValue("client_id"), nil, err)
			writeOAuthError(w, http.StatusUnauthorized, oauthInvalidClient, "client authentication failed")
			return
		}

		tok, err := s.Tokens.GenerateAccessToken(ctx, reg, strings.Fields(r.PostFormValue("scope")))
		if err != nil {
			s.audit(ctx, tenantID, reg.ClientID, nil, err)
			switch KindOf(err) {
			case KindInvalidRequest:
				writeOAuthError(w, http.StatusBadRequest, oauthInvalidScope, err.Error())
			case KindRegistrationNotFound:
				writeOAuthError(w, http.StatusUnauthorized, oauthInvalidClient, "client authentication failed")
			default:
				s.logger().ErrorContext(ctx, "token: issue failed", "tenant", tenantID, "err", err)
				writeOAuthError(w, http.StatusInternalServerError, oauthServerError, "could not issue token")
			}
			return
		}
		s.audit(ctx, tenantID, reg.ClientID, tok.Scopes, nil)

		expiresIn := int64(tok.ExpiresAt.Sub(s.now()).Round(time.Second).Seconds())
		w.Header().Set("Pragma", "no-cache")
		WriteJSON(w, http.StatusOK, tokenResponse{
			AccessToken: tok.Token,
			TokenType:   "Bearer",
			ExpiresIn:   expiresIn,
			Scope:       strings.Join(tok.Scopes, " "),
		})
	}
}

// authenticate resolves the registration and checks the client credential.
func (s *TokenServer) authenticate(ctx context.Context, tenantID string, r *http.Request) (tenants.ToolRegistration, error) {
	clientID := strings.TrimSpace(r.PostFormValue("client_id"))
	assertionType := strings.TrimSpace(r.PostFormValue("client_assertion_type"))
	assertion := strings.TrimSpace(r.PostFormValue("client_assertion"))
	secret := r.PostFormValue("client_secret")

	switch {
	case assertion != "":
		if assertionType != assertionTypePrivateKeyJWT {
			return tenants.ToolRegistration{}, Errorf(KindUnauthorized, "unsupported client_assertion_type")
		}
		sub, err := assertionSubject(assertion)
		if err != nil {
			return tenants.ToolRegistration{}, err
		}
		if clientID != "" && clientID != sub {
			return tenants.ToolRegistration{}, Errorf(KindClaimMismatch, "client_id does not match assertion")
		}
		reg, err := findActive(ctx, s.Registrations, tenantID, sub)
		if err != nil {
			return tenants.ToolRegistration{}, err
		}
		if err := s.verifyAssertion(ctx, tenantID, reg, assertion); err != nil {
			return tenants.ToolRegistration{}, err
		}
		return reg, nil

	case clientID != "" && secret != "":
		reg, err := findActive(ctx, s.Registrations, tenantID, clientID)
		if err != nil {
			return tenants.ToolRegistration{}, err
		}
		if reg.ClientSecretHash == "" {
			return tenants.ToolRegistration{}, Errorf(KindUnauthorized, "client_secret_post not enabled for client")
		}
		if err := bcrypt.CompareHashAndPassword([]byte(reg.ClientSecretHash), []byte(secret)); err != nil {
			return tenants.ToolRegistration{}, Wrap(KindUnauthorized, "client secret", err)
		}
		return reg, nil
	}
	return tenants.ToolRegistration{}, Errorf(KindUnauthorized, "missing client authentication")
}

// assertionSubject reads iss/sub before the signature is checked; they must
// agree and name the client.
func assertionSubject(assertion string) (string, error) {
	mc := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(assertion, mc); err != nil {
		return "", Wrap(KindBadSignature, "malformed client_assertion", err)
	}
	c := Claims(mc)
	if c.Issuer() == "" || c.Issuer() != c.Subject() {
		return "", Errorf(KindClaimMismatch, "client_assertion iss and sub must both equal client_id")
	}
	return c.Subject(), nil
}

func (s *TokenServer) verifyAssertion(ctx context.Context, tenantID string, reg tenants.ToolRegistration, assertion string) error {
	unverified, _, err := jwt.NewParser().ParseUnverified(assertion, jwt.MapClaims{})
	if err != nil {
		return Wrap(KindBadSignature, "malformed client_assertion", err)
	}
	alg, _ := unverified.Header["alg"].(string)
	if alg != jwt.SigningMethodRS256.Alg() {
		return Errorf(KindBadSignature, "client_assertion alg %q not accepted", alg)
	}
	kid, _ := unverified.Header["kid"].(string)
	key, err := s.Keys.PublicKeyFor(ctx, reg.JWKSURL, kid)
	if err != nil {
		return err
	}

	mc := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(assertion, mc,
		func(*jwt.Token) (any, error) { return key, nil },
		jwt.WithValidMethods([]string{alg}),
		jwt.WithTimeFunc(s.now),
		jwt.WithLeeway(assertionLeeway),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithIssuer(reg.ClientID),
		jwt.WithSubject(reg.ClientID),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return Wrap(KindExpiredToken, "client_assertion", err)
	case err != nil:
		return Wrap(KindBadSignature, "client_assertion", err)
	}

	c := Claims(mc)
	aud, issuer, err := s.audiences(ctx, tenantID)
	if err != nil {
		return err
	}
	if !c.HasAudience(aud) && !c.HasAudience(issuer) {
		return Errorf(KindClaimMismatch, "client_assertion aud must name %s", aud)
	}
	if iat, ok := c.IssuedAt(); ok && s.now().Sub(iat) > maxAssertionAge {
		return Errorf(KindExpiredToken, "client_assertion issued too long ago")
	}
	jti := c.String("jti")
	if jti == "" {
		return Errorf(KindClaimMismatch, "client_assertion jti is required")
	}
	exp, _ := c.ExpiresAt()
	ttl := exp.Sub(s.now()) + assertionLeeway
	first, err := s.Replay.Use(ctx, "client_assertion", tenantID+"|"+reg.ClientID+"|"+jti, ttl)
	if err != nil {
		return err
	}
	if !first {
		return Errorf(KindReplayedNonce, "client_assertion jti already used")
	}
	return nil
}

func (s *TokenServer) audiences(ctx context.Context, tenantID string) (tokenURL, issuer string, err error) {
	issuer, err = s.Issuers.IssuerForTenant(ctx, tenantID)
	if err != nil {
		return "", "", err
	}
	if s.TokenURL != "" {
		return s.TokenURL, issuer, nil
	}
	return strings.TrimSuffix(issuer, "/") + "/lti/token", issuer, nil
}

func (s *TokenServer) audit(ctx context.Context, tenantID, clientID string, scopes []string, err error) {
	detail := map[string]any{}
	if len(scopes) > 0 {
		detail["scope"] = strings.Join(scopes, " ")
	}
	audit.Emit(ctx, s.Audit, s.Logger, audit.Event{
		TenantID: tenantID,
		Actor:    clientID,
		Action:   "lti.token",
		Outcome:  Outcome(err),
		Target:   clientID,
		Detail:   detail,
	})
}

func writeOAuthError(w http.ResponseWriter, status int, code, desc string) {
	WriteJSON(w, status, errorBody{Error: code, ErrorDescription: desc})
}

func (s *TokenServer) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *TokenServer) logger() *slog.Logger { return logger(s.Logger) }
