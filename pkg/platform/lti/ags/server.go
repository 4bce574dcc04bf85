package ags

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mind-engage/mindengage-lti/pkg/platform/lti"
	mw "github.com/mind-engage/mindengage-lti/pkg/platform/lti/middleware"
)

/*
HTTP handlers for:

  GET  /ags/lineitems
  GET  /ags/lineitems/{id}
  GET  /ags/lineitems/{id}/results
  POST /ags/lineitems/{id}/scores

The tenant always comes from the verified bearer token, never from the URL.
*/

type lineItemOut struct {
	ID             string  `json:"id"`
	Label          string  `json:"label"`
	ScoreMaximum   float64 `json:"scoreMaximum"`
	ResourceLinkID string  `json:"resourceLinkId,omitempty"`
}

func (g *Gateway) getLineItems(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFromToken(w, r)
	if !ok {
		return
	}
	items, err := g.ListLineItems(r.Context(), tenantID)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	if rl := strings.TrimSpace(r.URL.Query().Get("resource_link_id")); rl != "" {
		filtered := items[:0]
		for _, it := range items {
			if it.ResourceLinkID == rl {
				filtered = append(filtered, it)
			}
		}
		items = filtered
	}
	base, err := g.base(r.Context(), tenantID)
	if err != nil {
		g.fail(w, r, err)
		return
	}

	limit, page := parseLimitPage(r.URL.Query(), 50, 1, 100)
	start, end := pageBounds(len(items), limit, page)
	if end < len(items) {
		setNextLink(w, r, limit, page)
	}
	out := make([]lineItemOut, 0, end-start)
	for _, it := range items[start:end] {
		out = append(out, toLineItemOut(base, it))
	}
	writeMedia(w, http.StatusOK, MediaTypeLineItemContainer, out)
}

func (g *Gateway) getLineItem(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFromToken(w, r)
	if !ok {
		return
	}
	item, err := g.GetLineItem(r.Context(), tenantID, chi.URLParam(r, "id"))
	if err != nil {
		g.fail(w, r, err)
		return
	}
	base, err := g.base(r.Context(), tenantID)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	writeMedia(w, http.StatusOK, MediaTypeLineItem, toLineItemOut(base, item))
}

func (g *Gateway) getResults(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFromToken(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	results, err := g.ListResults(r.Context(), tenantID, chi.URLParam(r, "id"), strings.TrimSpace(q.Get("user_id")))
	if err != nil {
		g.fail(w, r, err)
		return
	}
	limit, page := parseLimitPage(q, 50, 1, 100)
	start, end := pageBounds(len(results), limit, page)
	if end < len(results) {
		setNextLink(w, r, limit, page)
	}
	writeMedia(w, http.StatusOK, MediaTypeResultContainer, results[start:end])
}

func (g *Gateway) postScore(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFromToken(w, r)
	if !ok {
		return
	}
	var in struct {
		UserID           string   `json:"userId"`
		ScoreGiven       *float64 `json:"scoreGiven"`
		ScoreMaximum     *float64 `json:"scoreMaximum"`
		ActivityProgress string   `json:"activityProgress,omitempty"`
		GradingProgress  string   `json:"gradingProgress,omitempty"`
		Comment          string   `json:"comment,omitempty"`
		Timestamp        string   `json:"timestamp,omitempty"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&in); err != nil {
		lti.WriteError(w, lti.Wrap(lti.KindInvalidRequest, "invalid JSON", err))
		return
	}
	if in.ScoreGiven == nil || in.ScoreMaximum == nil {
		lti.WriteError(w, lti.Errorf(lti.KindInvalidRequest, "scoreGiven and scoreMaximum are required"))
		return
	}
	var ts time.Time
	if in.Timestamp != "" {
		tp, err := time.Parse(time.RFC3339Nano, in.Timestamp)
		if err != nil {
			lti.WriteError(w, lti.Wrap(lti.KindInvalidRequest, "invalid timestamp", err))
			return
		}
		ts = tp
	}

	receipt, err := g.PostScore(r.Context(), tenantID, chi.URLParam(r, "id"), Score{
		UserID:           in.UserID,
		ScoreGiven:       *in.ScoreGiven,
		ScoreMaximum:     *in.ScoreMaximum,
		Comment:          in.Comment,
		ActivityProgress: defaultIfEmpty(in.ActivityProgress, "Completed"),
		GradingProgress:  defaultIfEmpty(in.GradingProgress, "FullyGraded"),
		Timestamp:        ts,
	})
	if err != nil {
		g.fail(w, r, err)
		return
	}
	w.Header().Set("Location", receipt.ResultURL)
	lti.WriteJSON(w, http.StatusCreated, receipt)
}

/* ----------------------------- Helpers ------------------------------------ */

func tenantFromToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	cl, err := mw.RequireClaims(r.Context())
	if err != nil {
		lti.WriteError(w, err)
		return "", false
	}
	return cl.TenantID, true
}

func (g *Gateway) fail(w http.ResponseWriter, r *http.Request, err error) {
	if lti.HTTPStatus(err) >= http.StatusInternalServerError {
		g.logger().ErrorContext(r.Context(), "ags request failed", "path", r.URL.Path, "err", err)
	}
	lti.WriteError(w, err)
}

func toLineItemOut(base string, it LineItem) lineItemOut {
	return lineItemOut{
		ID:             lineItemURL(base, it.ID),
		Label:          it.Label,
		ScoreMaximum:   it.ScoreMaximum,
		ResourceLinkID: it.ResourceLinkID,
	}
}

func writeMedia(w http.ResponseWriter, status int, mediaType string, v any) {
	w.Header().Set("Content-Type", mediaType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseLimitPage(q url.Values, defLimit, defPage, maxLimit int) (limit, page int) {
	limit = defLimit
	page = defPage
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= maxLimit {
			limit = n
		}
	}
	if v := q.Get("page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			page = n
		}
	}
	return
}

func pageBounds(n, limit, page int) (start, end int) {
	start = (page - 1) * limit
	if start > n {
		start = n
	}
	end = start + limit
	if end > n {
		end = n
	}
	return start, end
}

func setNextLink(w http.ResponseWriter, r *http.Request, limit, page int) {
	next := *r.URL
	nq := next.Query()
	nq.Set("limit", strconv.Itoa(limit))
	nq.Set("page", strconv.Itoa(page+1))
	next.RawQuery = nq.Encode()
	w.Header().Add("Link", fmt.Sprintf("<%s>; rel=\"next\"", next.String()))
}

func defaultIfEmpty(s, d string) string {
	if s = strings.TrimSpace(s); s == "" {
		return d
	}
	return s
}
