// Package config loads platform settings from the environment. cmd/platformd
// loads a .env file first (godotenv), so local runs and containers read the
// same keys.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type TLS struct {
	CertFile string
	KeyFile  string
}

func (t TLS) Enabled() bool { return t.CertFile != "" && t.KeyFile != "" }

type DB struct {
	Driver string // postgres|sqlite
	DSN    string
}

type Issuer struct {
	// BaseDomain like "lti.mindengage.com"; issuers are always https.
	BaseDomain    string
	HostIsTenant  bool   // true if {tenant}.BaseDomain
	PathPrefix    string // e.g. "/t" => https://BaseDomain/t/{tenant}
	TenantHeader  string // optional override for tenancy; dev only
	DefaultTenant string
}

type Keys struct {
	Persist bool // store signing keys in the database
	RSABits int
}

type Platform struct {
	Bind           string // ":8080"
	ProductName    string
	ProductVersion string
	PlatformGUID   string
	CORSOrigins    []string

	// AdminToken guards /admin; empty disables the admin API.
	AdminToken string
	// UserHeader names the trusted header carrying the signed-in user for
	// /lti/authorize (set by the fronting session proxy).
	UserHeader      string
	UserRolesHeader string

	JWKSCacheTTL       time.Duration
	AllowPrivateJWKS   bool
	ReplayTTL          time.Duration
	AGSTokenTTL        time.Duration
	TokenRatePerMinute int
	TokenRateBurst     int
}

type Config struct {
	TLS      TLS
	DB       DB
	Issuer   Issuer
	Keys     Keys
	Platform Platform

	RedisURL string
	LogLevel slog.Level
}

func FromEnv() Config {
	return Config{
		TLS: TLS{
			CertFile: os.Getenv("TLS_CERT_FILE"),
			KeyFile:  os.Getenv("TLS_KEY_FILE"),
		},
		DB: DB{
			Driver: envOr("DB_DRIVER", "sqlite"),
			DSN:    envOr("DB_DSN", "file:lti.db"),
		},
		Issuer: Issuer{
			BaseDomain:    envOr("LTI_BASE_DOMAIN", "localhost:8080"),
			HostIsTenant:  envBool("LTI_HOST_IS_TENANT", false),
			PathPrefix:    envOr("LTI_PATH_PREFIX", "/t"),
			TenantHeader:  os.Getenv("LTI_TENANT_HEADER"),
			DefaultTenant: os.Getenv("LTI_DEFAULT_TENANT"),
		},
		Keys: Keys{
			Persist: envBool("LTI_PERSIST_KEYS", true),
			RSABits: envInt("LTI_RSA_BITS", 2048),
		},
		Platform: Platform{
			Bind:               envOr("HTTP_ADDR", ":8080"),
			ProductName:        envOr("LTI_PRODUCT_NAME", "MindEngage"),
			ProductVersion:     envOr("LTI_PRODUCT_VERSION", "1.0"),
			PlatformGUID:       os.Getenv("LTI_PLATFORM_GUID"),
			CORSOrigins:        csvOr("CORS_ORIGINS", "*"),
			AdminToken:         os.Getenv("ADMIN_TOKEN"),
			UserHeader:         envOr("LTI_USER_HEADER", "X-Platform-User"),
			UserRolesHeader:    envOr("LTI_USER_ROLES_HEADER", "X-Platform-Roles"),
			JWKSCacheTTL:       envDuration("JWKS_CACHE_TTL", 10*time.Minute),
			AllowPrivateJWKS:   envBool("JWKS_ALLOW_PRIVATE", false),
			ReplayTTL:          envDuration("LTI_REPLAY_TTL", 10*time.Minute),
			AGSTokenTTL:        envDuration("AGS_TOKEN_TTL", time.Hour),
			TokenRatePerMinute: envInt("TOKEN_RATE_PER_MINUTE", 60),
			TokenRateBurst:     envInt("TOKEN_RATE_BURST", 10),
		},
		RedisURL: os.Getenv("REDIS_URL"),
		LogLevel: envLevel("LOG_LEVEL", slog.LevelInfo),
	}
}

func envOr(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func envBool(k string, def bool) bool {
	switch os.Getenv(k) {
	case "1", "true", "TRUE", "yes", "YES":
		return true
	case "0", "false", "FALSE", "no", "NO":
		return false
	default:
		return def
	}
}

func envInt(k string, def int) int {
	if n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(k))); err == nil {
		return n
	}
	return def
}

func envDuration(k string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(strings.TrimSpace(os.Getenv(k))); err == nil && d > 0 {
		return d
	}
	return def
}

func envLevel(k string, def slog.Level) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(os.Getenv(k)))); err != nil {
		return def
	}
	return lvl
}

func csvOr(k, def string) []string {
	v := envOr(k, def)
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
