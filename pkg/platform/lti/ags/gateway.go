// Package ags serves the Assignment and Grade Services endpoints. Line items
// and results are projections of gradebook assignments and submissions;
// authorization is re-derived from the platform-signed bearer token on every
// request.
package ags

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/mind-engage/mindengage-lti/pkg/gradebook"
	"github.com/mind-engage/mindengage-lti/pkg/platform/audit"
	"github.com/mind-engage/mindengage-lti/pkg/platform/lti"
	mw "github.com/mind-engage/mindengage-lti/pkg/platform/lti/middleware"
	"github.com/mind-engage/mindengage-lti/pkg/platform/metrics"
	"github.com/mind-engage/mindengage-lti/pkg/platform/tenants"
)

const (
	defaultTokenTTL = time.Hour
	tokenType       = "ags"
)

// Keys signs and verifies platform tokens per tenant. *lti.KeyManager
// satisfies it.
type Keys interface {
	Sign(ctx context.Context, tenantID string, claims map[string]any) (string, error)
	Verify(ctx context.Context, tenantID, token string, opts ...jwt.ParserOption) (jwt.MapClaims, error)
}

// Gateway implements the AGS operations and middleware.TokenVerifier.
type Gateway struct {
	Keys      Keys
	Gradebook gradebook.Store
	Issuers   lti.IssuerResolver
	Audit     audit.Recorder

	// BaseURL prefixes line item and result URLs. Empty means the tenant
	// issuer.
	BaseURL  string
	TokenTTL time.Duration // default 1h
	Now      func() time.Time
	Logger   *slog.Logger
}

// GenerateAccessToken issues a bearer token for reg carrying scopes. An
// empty scope list grants every AGS scope.
func (g *Gateway) GenerateAccessToken(ctx context.Context, reg tenants.ToolRegistration, scopes []string) (lti.AccessToken, error) {
	if !reg.Active() {
		return lti.AccessToken{}, lti.Errorf(lti.KindRegistrationNotFound, "no active registration for client %q", reg.ClientID)
	}
	granted := mw.NormalizeScopes(scopes)
	if len(granted) == 0 {
		granted = mw.NormalizeScopes([]string{mw.ScopeLineItem, mw.ScopeResultRead, mw.ScopeScore})
	}
	for _, s := range granted {
		if !mw.IsAGSScope(s) {
			return lti.AccessToken{}, lti.Errorf(lti.KindInvalidRequest, "unsupported scope %q", s)
		}
	}
	iss, err := g.Issuers.IssuerForTenant(ctx, reg.TenantID)
	if err != nil {
		return lti.AccessToken{}, err
	}

	now := g.now()
	exp := now.Add(g.ttl())
	signed, err := g.Keys.Sign(ctx, reg.TenantID, map[string]any{
		"iss":       iss,
		"aud":       iss,
		"sub":       reg.ClientID,
		"client_id": reg.ClientID,
		"tenant_id": reg.TenantID,
		"scope":     strings.Join(granted, " "),
		"typ":       tokenType,
		"jti":       uuid.NewString(),
		"iat":       now.Unix(),
		"exp":       exp.Unix(),
	})
	if err != nil {
		return lti.AccessToken{}, err
	}
	metrics.TokensIssuedTotal.WithLabelValues("ags").Inc()
	return lti.AccessToken{Token: signed, Scopes: granted, ExpiresAt: exp}, nil
}

// VerifyAccessToken checks signature (key chosen by the tenant named in the
// token, then by kid), issuer, expiry and token type.
func (g *Gateway) VerifyAccessToken(ctx context.Context, raw string) (mw.AccessClaims, error) {
	unverified := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, unverified); err != nil {
		return mw.AccessClaims{}, lti.Wrap(lti.KindUnauthorized, "malformed token", err)
	}
	tenantID, _ := unverified["tenant_id"].(string)
	if tenantID == "" {
		return mw.AccessClaims{}, lti.Errorf(lti.KindUnauthorized, "token has no tenant")
	}
	iss, err := g.Issuers.IssuerForTenant(ctx, tenantID)
	if err != nil {
		return mw.AccessClaims{}, lti.Wrap(lti.KindUnauthorized, "unknown tenant", err)
	}

	claims, err := g.Keys.Verify(ctx, tenantID, raw,
		jwt.WithIssuer(iss), jwt.WithAudience(iss), jwt.WithExpirationRequired())
	if err != nil {
		return mw.AccessClaims{}, lti.Wrap(lti.KindUnauthorized, "token rejected", err)
	}
	c := lti.Claims(claims)
	if c.String("typ") != tokenType {
		return mw.AccessClaims{}, lti.Errorf(lti.KindUnauthorized, "not an AGS access token")
	}
	if c.String("tenant_id") != tenantID {
		return mw.AccessClaims{}, lti.Errorf(lti.KindUnauthorized, "tenant claim changed")
	}
	out := mw.AccessClaims{
		Subject:  c.Subject(),
		TenantID: tenantID,
		ClientID: c.String("client_id"),
		Scopes:   mw.NormalizeScopes(strings.Fields(c.String("scope"))),
		JTI:      c.String("jti"),
	}
	out.IssuedAt, _ = c.IssuedAt()
	out.ExpiresAt, _ = c.ExpiresAt()
	return out, nil
}

// Authorize verifies bearer and checks it carries requiredScope.
func (g *Gateway) Authorize(ctx context.Context, bearer, requiredScope string) (Grant, error) {
	ac, err := g.VerifyAccessToken(ctx, strings.TrimSpace(bearer))
	if err != nil {
		return Grant{}, err
	}
	if requiredScope != "" && !mw.HasScope(ac.Scopes, requiredScope) {
		return Grant{}, lti.Errorf(lti.KindInsufficientScope, "missing scope %s", mw.NormalizeScope(requiredScope))
	}
	return Grant{TenantID: ac.TenantID, ClientID: ac.ClientID, Scopes: ac.Scopes, ExpiresAt: ac.ExpiresAt}, nil
}

// ListLineItems projects every assignment in the tenant.
func (g *Gateway) ListLineItems(ctx context.Context, tenantID string) (items []LineItem, err error) {
	defer func() { observe("list_line_items", err) }()
	as, err := g.Gradebook.ListAssignments(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	items = make([]LineItem, 0, len(as))
	for _, a := range as {
		items = append(items, lineItemOf(a))
	}
	return items, nil
}

// GetLineItem returns one line item or EntityNotFound.
func (g *Gateway) GetLineItem(ctx context.Context, tenantID, id string) (li LineItem, err error) {
	defer func() { observe("get_line_item", err) }()
	a, err := g.assignment(ctx, tenantID, id)
	if err != nil {
		return LineItem{}, err
	}
	return lineItemOf(a), nil
}

// ListResults returns graded results for the line item, optionally for one
// user.
func (g *Gateway) ListResults(ctx context.Context, tenantID, id, userID string) (out []Result, err error) {
	defer func() { observe("list_results", err) }()
	a, err := g.assignment(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	subs, err := g.Gradebook.ListGradedSubmissions(ctx, tenantID, a.ID, userID)
	if err != nil {
		return nil, err
	}
	base, err := g.base(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	out = make([]Result, 0, len(subs))
	for _, s := range subs {
		r := Result{
			ID:            resultURL(base, a.ID, s.UserID),
			ScoreOf:       lineItemURL(base, a.ID),
			UserID:        s.UserID,
			ResultScore:   s.Grade,
			ResultMaximum: a.PointsPossible,
			Comment:       s.Comment,
		}
		if s.GradedAt != nil {
			r.Timestamp = s.GradedAt.UTC()
		}
		out = append(out, r)
	}
	return out, nil
}

// PostScore writes score onto the (assignment, user) submission, creating it
// on first use. A given score outside [0, scoreMaximum] is rejected, never
// clamped; when scoreMaximum differs from the assignment's points it is
// rescaled.
func (g *Gateway) PostScore(ctx context.Context, tenantID, id string, score Score) (receipt ScoreReceipt, err error) {
	defer func() { observe("post_score", err) }()
	score.UserID = strings.TrimSpace(score.UserID)
	if score.UserID == "" {
		return ScoreReceipt{}, lti.Errorf(lti.KindInvalidRequest, "userId is required")
	}
	if err := checkScore(score); err != nil {
		return ScoreReceipt{}, err
	}
	a, err := g.assignment(ctx, tenantID, id)
	if err != nil {
		return ScoreReceipt{}, err
	}

	grade := score.ScoreGiven
	if score.ScoreMaximum != a.PointsPossible {
		grade = score.ScoreGiven * a.PointsPossible / score.ScoreMaximum
	}
	at := score.Timestamp
	if at.IsZero() {
		at = g.now()
	}
	sub, err := g.Gradebook.UpsertSubmission(ctx, tenantID, a.ID, score.UserID, gradebook.GradeFields{
		Grade:    grade,
		Status:   gradebook.StatusGraded,
		GradedBy: GradedByTool,
		GradedAt: at.UTC(),
		Comment:  score.Comment,
	})
	if errors.Is(err, gradebook.ErrNotFound) {
		return ScoreReceipt{}, lti.Errorf(lti.KindEntityNotFound, "line item %q", id)
	}
	if err != nil {
		return ScoreReceipt{}, err
	}

	base, err := g.base(ctx, tenantID)
	if err != nil {
		return ScoreReceipt{}, err
	}
	clientID := mw.ClientID(ctx)
	audit.Emit(ctx, g.Audit, g.Logger, audit.Event{
		TenantID: tenantID,
		Actor:    clientID,
		Action:   "ags.score",
		Outcome:  "ok",
		Target:   a.ID,
		Detail: map[string]any{
			"user_id":       sub.UserID,
			"submission_id": sub.ID,
			"score_given":   score.ScoreGiven,
			"score_maximum": score.ScoreMaximum,
			"grade":         grade,
		},
	})
	g.logger().InfoContext(ctx, "ags score recorded",
		"tenant", tenantID, "client_id", clientID, "line_item", a.ID, "user", sub.UserID, "grade", grade)
	return ScoreReceipt{ResultURL: resultURL(base, a.ID, sub.UserID), Grade: grade}, nil
}

func checkScore(s Score) error {
	if math.IsNaN(s.ScoreGiven) || math.IsInf(s.ScoreGiven, 0) ||
		math.IsNaN(s.ScoreMaximum) || math.IsInf(s.ScoreMaximum, 0) {
		return lti.Errorf(lti.KindInvalidScore, "score must be a finite number")
	}
	if s.ScoreMaximum <= 0 {
		return lti.Errorf(lti.KindInvalidScore, "scoreMaximum must be > 0")
	}
	if s.ScoreGiven < 0 || s.ScoreGiven > s.ScoreMaximum {
		return lti.Errorf(lti.KindInvalidScore, "scoreGiven %v outside [0, %v]", s.ScoreGiven, s.ScoreMaximum)
	}
	return nil
}

func (g *Gateway) assignment(ctx context.Context, tenantID, id string) (gradebook.Assignment, error) {
	a, err := g.Gradebook.FindAssignment(ctx, tenantID, id)
	if errors.Is(err, gradebook.ErrNotFound) {
		return gradebook.Assignment{}, lti.Errorf(lti.KindEntityNotFound, "line item %q", id)
	}
	return a, err
}

func (g *Gateway) base(ctx context.Context, tenantID string) (string, error) {
	if g.BaseURL != "" {
		return strings.TrimSuffix(g.BaseURL, "/"), nil
	}
	return g.Issuers.IssuerForTenant(ctx, tenantID)
}

func lineItemOf(a gradebook.Assignment) LineItem {
	return LineItem{
		ID:             a.ID,
		Label:          a.Title,
		ScoreMaximum:   a.PointsPossible,
		ResourceLinkID: a.ResourceLinkID,
	}
}

func lineItemURL(base, id string) string {
	return base + "/ags/lineitems/" + url.PathEscape(id)
}

func resultURL(base, id, userID string) string {
	return lineItemURL(base, id) + "/results?user_id=" + url.QueryEscape(userID)
}

func observe(op string, err error) {
	metrics.AGSRequestsTotal.WithLabelValues(op, lti.Outcome(err)).Inc()
}

func (g *Gateway) ttl() time.Duration {
	if g.TokenTTL > 0 {
		return g.TokenTTL
	}
	return defaultTokenTTL
}

func (g *Gateway) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

func (g *Gateway) logger() *slog.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return slog.Default()
}
