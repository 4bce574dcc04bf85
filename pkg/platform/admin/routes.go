package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/mind-engage/mindengage-lti/pkg/gradebook"
	"github.com/mind-engage/mindengage-lti/pkg/platform/audit"
	"github.com/mind-engage/mindengage-lti/pkg/platform/registry"
	"github.com/mind-engage/mindengage-lti/pkg/platform/tenants"
)

/*
Package admin exposes a minimal, multi-tenant-aware HTTP API to manage:
  - Tool registrations (create, list, get, activate/deactivate)
  - Resource links placed for a registration
  - Gradebook assignments (the line items AGS exposes)
  - The audit trail, when the recorder can list it

Route prefix: /admin. All endpoints are scoped by the {tenantID} path param
and guarded by a static bearer token (RequireToken).
*/

// AuditLog is implemented by recorders that can read events back.
type AuditLog interface {
	List(ctx context.Context, tenantID string, limit int) ([]audit.Event, error)
}

type Server struct {
	Registry  registry.Store
	Gradebook gradebook.Store
	AuditLog  AuditLog // optional
	Audit     audit.Recorder
	Logger    *slog.Logger
}

// Routes returns an http.Handler with the admin endpoints.
// Mount it under: r.Mount("/admin", admin.Routes(srv, token))
func Routes(s *Server, token string) http.Handler {
	r := chi.NewRouter()
	r.Use(RequireToken(token))

	r.Post("/tenants/{tenantID}/registrations", s.createRegistration)
	r.Get("/tenants/{tenantID}/registrations", s.listRegistrations)
	r.Get("/tenants/{tenantID}/registrations/{id}", s.getRegistration)
	r.Post("/tenants/{tenantID}/registrations/{id}/activate", s.setStatus(tenants.StatusActive))
	r.Post("/tenants/{tenantID}/registrations/{id}/deactivate", s.setStatus(tenants.StatusInactive))

	r.Post("/tenants/{tenantID}/resource_links", s.createResourceLink)
	r.Get("/tenants/{tenantID}/resource_links", s.listResourceLinks)

	if s.Gradebook != nil {
		r.Post("/tenants/{tenantID}/assignments", s.createAssignment)
		r.Get("/tenants/{tenantID}/assignments", s.listAssignments)
	}
	if s.AuditLog != nil {
		r.Get("/tenants/{tenantID}/audit", s.listAudit)
	}
	return r
}

// RequireToken rejects requests without "Authorization: Bearer <token>". An
// empty token rejects everything.
func RequireToken(token string) func(http.Handler) http.Handler {
	want := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := strings.TrimSpace(r.Header.Get("Authorization"))
			if len(got) > 7 && strings.EqualFold(got[:7], "bearer ") {
				got = strings.TrimSpace(got[7:])
			} else {
				got = ""
			}
			if len(want) == 0 || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				w.Header().Set("WWW-Authenticate", `Bearer realm="admin"`)
				writeErr(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

/* ---------------------------- Registrations ------------------------------- */

func (s *Server) createRegistration(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")

	var req CreateRegistrationReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	reg := tenants.ToolRegistration{
		TenantID:     tenantID,
		ClientID:     strings.TrimSpace(req.ClientID),
		Issuer:       strings.TrimSpace(req.Issuer),
		DeploymentID: strings.TrimSpace(req.DeploymentID),
		AuthLoginURL: strings.TrimSpace(req.AuthLoginURL),
		AuthTokenURL: strings.TrimSpace(req.AuthTokenURL),
		JWKSURL:      strings.TrimSpace(req.JWKSURL),
		Status:       strings.TrimSpace(req.Status),
		Settings:     req.Settings,
	}
	if req.ClientSecret != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(req.ClientSecret), bcrypt.DefaultCost)
		if err != nil {
			writeErr(w, http.StatusBadRequest, "client_secret: "+err.Error())
			return
		}
		reg.ClientSecretHash = string(hash)
	}

	out, err := s.Registry.Create(r.Context(), reg)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.audit(r.Context(), tenantID, "admin.registration.create", out.ID)
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) getRegistration(w http.ResponseWriter, r *http.Request) {
	reg, err := s.Registry.Get(r.Context(), chi.URLParam(r, "tenantID"), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reg)
}

func (s *Server) listRegistrations(w http.ResponseWriter, r *http.Request) {
	offset, limit := parsePage(r, 0, 100)
	items, err := s.Registry.List(r.Context(), chi.URLParam(r, "tenantID"), offset, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) setStatus(status string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, id := chi.URLParam(r, "tenantID"), chi.URLParam(r, "id")
		if err := s.Registry.SetStatus(r.Context(), tenantID, id, status); err != nil {
			s.fail(w, r, err)
			return
		}
		reg, err := s.Registry.Get(r.Context(), tenantID, id)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		s.audit(r.Context(), tenantID, "admin.registration."+status, id)
		writeJSON(w, http.StatusOK, reg)
	}
}

/* ---------------------------- Resource links ------------------------------ */

func (s *Server) createResourceLink(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")

	var req CreateResourceLinkReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if msg := validateResourceLinkReq(req); msg != "" {
		writeErr(w, http.StatusBadRequest, msg)
		return
	}
	link, err := s.Registry.CreateResourceLink(r.Context(), tenants.ResourceLink{
		TenantID:       tenantID,
		RegistrationID: strings.TrimSpace(req.RegistrationID),
		CourseID:       strings.TrimSpace(req.CourseID),
		Title:          strings.TrimSpace(req.Title),
		URL:            strings.TrimSpace(req.URL),
		CustomParams:   req.CustomParams,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.audit(r.Context(), tenantID, "admin.resource_link.create", link.ID)
	writeJSON(w, http.StatusCreated, link)
}

func (s *Server) listResourceLinks(w http.ResponseWriter, r *http.Request) {
	regID := strings.TrimSpace(r.URL.Query().Get("registration_id"))
	items, err := s.Registry.ListResourceLinks(r.Context(), chi.URLParam(r, "tenantID"), regID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

/* ----------------------------- Assignments -------------------------------- */

func (s *Server) createAssignment(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")

	var req CreateAssignmentReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		writeErr(w, http.StatusBadRequest, "title is required")
		return
	}
	if req.PointsPossible <= 0 {
		writeErr(w, http.StatusBadRequest, "points_possible must be > 0")
		return
	}
	a, err := s.Gradebook.CreateAssignment(r.Context(), gradebook.Assignment{
		ID:             strings.TrimSpace(req.ID),
		TenantID:       tenantID,
		CourseID:       strings.TrimSpace(req.CourseID),
		Title:          strings.TrimSpace(req.Title),
		PointsPossible: req.PointsPossible,
		ResourceLinkID: strings.TrimSpace(req.ResourceLinkID),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.audit(r.Context(), tenantID, "admin.assignment.create", a.ID)
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) listAssignments(w http.ResponseWriter, r *http.Request) {
	items, err := s.Gradebook.ListAssignments(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) listAudit(w http.ResponseWriter, r *http.Request) {
	_, limit := parsePage(r, 0, 100)
	items, err := s.AuditLog.List(r.Context(), chi.URLParam(r, "tenantID"), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if items == nil {
		items = []audit.Event{}
	}
	writeJSON(w, http.StatusOK, items)
}

/* ------------------------------ Validation -------------------------------- */

func validateResourceLinkReq(req CreateResourceLinkReq) string {
	if strings.TrimSpace(req.RegistrationID) == "" {
		return "registration_id is required"
	}
	if strings.TrimSpace(req.Title) == "" {
		return "title is required"
	}
	if !isHTTPURL(req.URL) {
		return "url must be an http(s) URL"
	}
	return ""
}

func isHTTPURL(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "https://") || strings.HasPrefix(s, "http://")
}

/* ------------------------------ Utilities --------------------------------- */

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, gradebook.ErrNotFound):
		writeErr(w, http.StatusNotFound, "not found")
	case errors.Is(err, registry.ErrConflict):
		writeErr(w, http.StatusConflict, "client_id already registered for tenant")
	case errors.Is(err, registry.ErrInvalid):
		writeErr(w, http.StatusBadRequest, err.Error())
	default:
		s.logger().ErrorContext(r.Context(), "admin request failed", "path", r.URL.Path, "err", err)
		writeErr(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) audit(ctx context.Context, tenantID, action, target string) {
	audit.Emit(ctx, s.Audit, s.Logger, audit.Event{
		TenantID: tenantID,
		Actor:    "admin",
		Action:   action,
		Outcome:  "ok",
		Target:   target,
	})
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func parsePage(r *http.Request, defOffset, defLimit int) (offset, limit int) {
	q := r.URL.Query()
	offset = defOffset
	limit = defLimit

	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	return
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errResp struct {
	Error string `json:"error"`
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errResp{Error: msg})
}
