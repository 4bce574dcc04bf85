package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"

	"github.com/mind-engage/mindengage-lti/pkg/gradebook"
	"github.com/mind-engage/mindengage-lti/pkg/platform/admin"
	"github.com/mind-engage/mindengage-lti/pkg/platform/audit"
	"github.com/mind-engage/mindengage-lti/pkg/platform/config"
	"github.com/mind-engage/mindengage-lti/pkg/platform/lti"
	"github.com/mind-engage/mindengage-lti/pkg/platform/lti/ags"
	"github.com/mind-engage/mindengage-lti/pkg/platform/lti/deeplinking"
	mw "github.com/mind-engage/mindengage-lti/pkg/platform/lti/middleware"
	"github.com/mind-engage/mindengage-lti/pkg/platform/metrics"
	"github.com/mind-engage/mindengage-lti/pkg/platform/registry"
	"github.com/mind-engage/mindengage-lti/pkg/platform/storage"
	"github.com/mind-engage/mindengage-lti/pkg/platform/tenants"
)

const replayPurgeEvery = time.Minute

// app holds the wired platform components.
type app struct {
	cfg config.Config
	log *slog.Logger

	db       *storage.DB
	redis    *redis.Client // nil unless REDIS_URL is set
	resolver *tenants.UniversalResolver
	keys     *lti.KeyManager
	replay   lti.ReplayGuard
	sqlGuard *lti.SQLReplayGuard // set when replay state lives in the database
	regs     *registry.SQLStore
	grades   *gradebook.SQLStore
	audit    *audit.SQLRecorder
	jwks     *lti.JWKSCache
	gateway  *ags.Gateway
}

func newApp(ctx context.Context, cfg config.Config, log *slog.Logger) (*app, error) {
	db, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN)
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg: cfg,
		log: log,
		db:  db,
		resolver: tenants.NewResolver(tenants.Options{
			BaseDomain:    cfg.Issuer.BaseDomain,
			HostIsTenant:  cfg.Issuer.HostIsTenant,
			PathPrefix:    cfg.Issuer.PathPrefix,
			HeaderKey:     cfg.Issuer.TenantHeader,
			DefaultTenant: cfg.Issuer.DefaultTenant,
			ForceHTTPS:    true,
		}),
		regs:   registry.NewSQLStore(db),
		grades: gradebook.NewSQLStore(db),
		audit:  audit.NewSQLRecorder(db),
	}

	a.keys = &lti.KeyManager{RSAKeyBits: cfg.Keys.RSABits}
	if cfg.Keys.Persist {
		a.keys.Storage = lti.NewSQLKeyStorage(db)
	} else {
		a.keys.Storage = lti.NewInMemoryKeyStorage()
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("redis url: %w", err)
		}
		a.redis = redis.NewClient(opts)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		a.replay = lti.NewRedisReplayGuard(a.redis)
	} else {
		a.sqlGuard = lti.NewSQLReplayGuard(db)
		a.replay = a.sqlGuard
	}

	a.jwks = &lti.JWKSCache{
		TTL:                  cfg.Platform.JWKSCacheTTL,
		AllowPrivateNetworks: cfg.Platform.AllowPrivateJWKS,
		Logger:               log,
	}
	a.gateway = &ags.Gateway{
		Keys:      a.keys,
		Gradebook: a.grades,
		Issuers:   a.resolver,
		Audit:     a.audit,
		TokenTTL:  cfg.Platform.AGSTokenTTL,
		Logger:    log,
	}
	return a, nil
}

func (a *app) close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	_ = a.db.Close()
}

// purgeReplay drops expired nonce and jti rows until ctx is done. Redis
// entries expire on their own.
func (a *app) purgeReplay(ctx context.Context) error {
	if a.sqlGuard == nil {
		return nil
	}
	t := time.NewTicker(replayPurgeEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n, err := a.sqlGuard.Purge(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("replay purge failed", "err", err)
				continue
			}
			if n > 0 {
				a.log.Debug("replay purge", "removed", n)
			}
		}
	}
}

func (a *app) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(mw.RequestLogger(a.log))
	r.Use(chimw.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := a.db.Ping(r.Context()); err != nil {
			http.Error(w, "db unavailable", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", metrics.Handler())

	if a.cfg.Platform.AdminToken != "" {
		r.Mount("/admin", admin.Routes(&admin.Server{
			Registry:  a.regs,
			Gradebook: a.grades,
			AuditLog:  a.audit,
			Audit:     a.audit,
			Logger:    a.log,
		}, a.cfg.Platform.AdminToken))
	}

	// Endpoints live under the issuer: {tenant}.base/... or base/{prefix}/{tenant}/...
	if a.cfg.Issuer.HostIsTenant || a.cfg.Issuer.PathPrefix == "" {
		r.Group(a.tenantRoutes)
	} else {
		prefix := "/" + strings.Trim(a.cfg.Issuer.PathPrefix, "/")
		r.Route(prefix+"/{tenant}", a.tenantRoutes)
	}
	return r
}

func (a *app) tenantRoutes(r chi.Router) {
	cfg := a.cfg.Platform
	resolve := mw.ResolveTenantIDFromContext
	r.Use(mw.Tenancy(a.resolver))

	publicCORS := cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		MaxAge:         300,
	})
	meta := &lti.MetadataServer{
		ResolveTenantID: resolve,
		Issuers:         a.resolver,
		ProductName:     cfg.ProductName,
		ProductVersion:  cfg.ProductVersion,
		PlatformGUID:    cfg.PlatformGUID,
	}
	r.With(publicCORS).Method(http.MethodGet, "/jwks", &lti.JWKSHandler{
		ResolveTenantID: resolve,
		Provider:        a.keys,
		Logger:          a.log,
	})
	r.With(publicCORS).Get("/.well-known/openid-configuration", meta.OpenIDConfiguration())

	h := &lti.Handlers{
		ResolveTenantID: resolve,
		Issuers:         a.resolver,
		Login: &lti.LoginInitiator{
			Registrations: a.regs,
			Replay:        a.replay,
			TTL:           cfg.ReplayTTL,
			Logger:        a.log,
		},
		Launch: &lti.LaunchValidator{
			Registrations: a.regs,
			Keys:          a.jwks,
			Replay:        a.replay,
			Logger:        a.log,
		},
		Signer: a.keys,
		Audit:  a.audit,
		Logger: a.log,
	}
	r.Post("/lti/login", h.LoginHandler())
	r.Post("/lti/launch", h.LaunchHandler())

	authz := &lti.AuthorizeServer{
		ResolveTenantID: resolve,
		Registrations:   a.regs,
		Links:           a.regs,
		Builder: &lti.MessageBuilder{
			Issuers:        a.resolver,
			Signer:         a.keys,
			ProductName:    cfg.ProductName,
			ProductVersion: cfg.ProductVersion,
			PlatformGUID:   cfg.PlatformGUID,
		},
		Audit:       a.audit,
		CurrentUser: headerUser(cfg.UserHeader, cfg.UserRolesHeader),
		Logger:      a.log,
	}
	r.Get("/lti/authorize", authz.Handler())
	r.Post("/lti/authorize", authz.Handler())

	r.Post("/lti/deep_link", deeplinking.Handler(resolve, a.keys, &deeplinking.Responder{
		Store:   a.regs,
		Issuers: a.resolver,
		Signer:  a.keys,
		Audit:   a.audit,
		Logger:  a.log,
	}))

	limiter := mw.NewRateLimiter(cfg.TokenRatePerMinute, cfg.TokenRateBurst)
	r.With(limiter.Middleware).Post("/lti/token", (&lti.TokenServer{
		ResolveTenantID: resolve,
		Issuers:         a.resolver,
		Registrations:   a.regs,
		Keys:            a.jwks,
		Replay:          a.replay,
		Tokens:          a.gateway,
		Audit:           a.audit,
		Logger:          a.log,
	}).Handler())

	r.Mount("/ags", ags.RoutesWithOptions(a.gateway, mw.AuthOptions{
		EnforceTenantMatch: true,
		ResolveTenantID:    resolve,
	}))
}

// headerUser reads the signed-in user from headers set by the session proxy
// in front of the platform.
func headerUser(idHeader, rolesHeader string) func(*http.Request) (lti.LaunchUser, error) {
	return func(r *http.Request) (lti.LaunchUser, error) {
		id := strings.TrimSpace(r.Header.Get(idHeader))
		if id == "" {
			return lti.LaunchUser{}, errors.New("missing " + idHeader)
		}
		var roles []string
		for _, role := range strings.Split(r.Header.Get(rolesHeader), ",") {
			if role = strings.TrimSpace(role); role != "" {
				roles = append(roles, role)
			}
		}
		return lti.LaunchUser{ID: id, Roles: roles}, nil
	}
}
