package ags

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	mw "github.com/mind-engage/mindengage-lti/pkg/platform/lti/middleware"
)

// Routes mounts the AGS endpoints, relative to /ags.
func Routes(g *Gateway) http.Handler {
	return RoutesWithOptions(g, mw.AuthOptions{})
}

// RoutesWithOptions is Routes with bearer options, e.g. to require the URL
// tenant to match the token tenant when mounted under a tenant prefix.
func RoutesWithOptions(g *Gateway, opts mw.AuthOptions) http.Handler {
	if opts.Realm == "" {
		opts.Realm = "lti-ags"
	}
	r := chi.NewRouter()
	r.Use(mw.BearerAuthWithOptions(g, opts))

	r.With(mw.RequireScopes(mw.ScopeLineItemRead)).Get("/lineitems", g.getLineItems)
	r.With(mw.RequireScopes(mw.ScopeLineItemRead)).Get("/lineitems/{id}", g.getLineItem)
	r.With(mw.RequireScopes(mw.ScopeResultRead)).Get("/lineitems/{id}/results", g.getResults)
	r.With(mw.RequireScopes(mw.ScopeScore)).Post("/lineitems/{id}/scores", g.postScore)
	return r
}
