// Package deeplinking turns selected tool content into placed resource links
// and the platform-signed LtiDeepLinkingResponse that describes them.
package deeplinking

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/mind-engage/mindengage-lti/pkg/platform/audit"
	"github.com/mind-engage/mindengage-lti/pkg/platform/lti"
	"github.com/mind-engage/mindengage-lti/pkg/platform/metrics"
	"github.com/mind-engage/mindengage-lti/pkg/platform/registry"
	"github.com/mind-engage/mindengage-lti/pkg/platform/tenants"
)

const defaultResponseTTL = 5 * time.Minute

// Store is the slice of the registration store the responder needs.
type Store interface {
	Get(ctx context.Context, tenantID, id string) (tenants.ToolRegistration, error)
	CreateResourceLinks(ctx context.Context, links []tenants.ResourceLink) ([]tenants.ResourceLink, error)
}

// Response is the signed message plus the links it created.
type Response struct {
	JWT           string                 `json:"jwt"`
	ResourceLinks []tenants.ResourceLink `json:"resource_links"`
}

// Responder builds deep-linking responses.
type Responder struct {
	Store   Store
	Issuers lti.IssuerResolver
	Signer  lti.Signer
	Audit   audit.Recorder

	TTL    time.Duration // lifetime of the response JWT; default 5m
	Now    func() time.Time
	Logger *slog.Logger
}

// Respond creates one resource link per item and signs the response. The
// links are stored all-or-nothing. Every call creates new links; identical
// input is not de-duplicated.
func (d *Responder) Respond(ctx context.Context, tenantID, registrationID string, items []ContentItem) (Response, error) {
	return d.RespondWithData(ctx, tenantID, registrationID, items, "")
}

// RespondWithData is Respond with the opaque deep_link_settings.data value
// echoed back in the response claims.
func (d *Responder) RespondWithData(ctx context.Context, tenantID, registrationID string, items []ContentItem, data string) (Response, error) {
	reg, err := d.Store.Get(ctx, tenantID, registrationID)
	if errors.Is(err, registry.ErrNotFound) || (err == nil && !reg.Active()) {
		return Response{}, lti.Errorf(lti.KindRegistrationNotFound, "no active registration %q", registrationID)
	}
	if err != nil {
		return Response{}, err
	}

	normalized := make([]ContentItem, 0, len(items))
	for i, it := range items {
		n, err := normalize(it)
		if err != nil {
			return Response{}, lti.Wrap(lti.KindInvalidRequest, "content item "+strconv.Itoa(i), err)
		}
		normalized = append(normalized, n)
	}

	links := make([]tenants.ResourceLink, 0, len(normalized))
	claims := make([]any, 0, len(normalized))
	for _, it := range normalized {
		links = append(links, tenants.ResourceLink{
			ID:             uuid.NewString(),
			TenantID:       tenantID,
			RegistrationID: reg.ID,
			Title:          it.Title,
			URL:            it.URL,
			CustomParams:   it.Custom,
		})
		claims = append(claims, it.claim())
	}

	// Sign before storing so a failed response leaves no links behind.
	token, err := d.sign(ctx, tenantID, reg, claims, data)
	if err != nil {
		return Response{}, err
	}
	if len(links) > 0 {
		if links, err = d.Store.CreateResourceLinks(ctx, links); err != nil {
			return Response{}, err
		}
	}
	metrics.DeepLinksTotal.Add(float64(len(links)))
	metrics.TokensIssuedTotal.WithLabelValues("deep_link").Inc()
	audit.Emit(ctx, d.Audit, d.Logger, audit.Event{
		TenantID: tenantID,
		Actor:    "platform",
		Action:   "lti.deep_link",
		Outcome:  "ok",
		Target:   reg.ClientID,
		Detail:   map[string]any{"items": len(links)},
	})
	d.logger().InfoContext(ctx, "deep link response issued",
		"tenant", tenantID, "client_id", reg.ClientID, "items", len(links))
	return Response{JWT: token, ResourceLinks: links}, nil
}

func (d *Responder) sign(ctx context.Context, tenantID string, reg tenants.ToolRegistration, items []any, data string) (string, error) {
	iss, err := d.Issuers.IssuerForTenant(ctx, tenantID)
	if err != nil {
		return "", err
	}
	nonce, err := randHex(16)
	if err != nil {
		return "", err
	}
	now := d.now()
	claims := map[string]any{
		"iss":                 iss,
		"aud":                 reg.ClientID,
		"iat":                 now.Unix(),
		"exp":                 now.Add(d.ttl()).Unix(),
		"nonce":               nonce,
		"jti":                 uuid.NewString(),
		lti.ClaimMessageType:  lti.MsgTypeDeepLinkResponse,
		lti.ClaimVersion:      lti.LTIVersion,
		lti.ClaimDeployment:   reg.DeploymentID,
		lti.ClaimContentItems: items,
	}
	if data != "" {
		claims[lti.ClaimDLData] = data
	}
	return d.Signer.Sign(ctx, tenantID, claims)
}

func (d *Responder) ttl() time.Duration {
	if d.TTL > 0 {
		return d.TTL
	}
	return defaultResponseTTL
}

func (d *Responder) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

func (d *Responder) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func randHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
