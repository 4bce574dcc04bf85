package lti

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"
)

/*
JWKS endpoint (platform side) and JWK helpers.

GET /jwks serves the tenant's public keys in RFC 7517 form. Tools fetch it to
verify launch assertions, deep-link responses and AGS tokens. The parsing
half (ParseJWK) is used by JWKSCache for tool key sets.
*/

// JWKS is a JSON Web Key Set, i.e. { "keys": [ JWK, ... ] }.
type JWKS struct {
	Keys []map[string]any `json:"keys"`
}

// JWKSProvider loads the public key set for a tenant.
type JWKSProvider interface {
	PublicJWKS(ctx context.Context, tenantID string) (JWKS, error)
}

// JWKSHandler serves the platform JWKS.
type JWKSHandler struct {
	ResolveTenantID func(*http.Request) (string, error)
	Provider        JWKSProvider
	CacheMaxAge     time.Duration // default 10 minutes
	Logger          *slog.Logger
}

func (h *JWKSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.ResolveTenantID == nil || h.Provider == nil {
		http.Error(w, "jwks: not configured", http.StatusInternalServerError)
		return
	}
	tenantID, err := h.ResolveTenantID(r)
	if err != nil || strings.TrimSpace(tenantID) == "" {
		http.Error(w, "jwks: unable to resolve tenant", http.StatusBadRequest)
		return
	}
	set, err := h.Provider.PublicJWKS(r.Context(), tenantID)
	if err != nil {
		logger(h.Logger).ErrorContext(r.Context(), "jwks: load keys", "tenant", tenantID, "err", err)
		http.Error(w, "jwks: unavailable", http.StatusInternalServerError)
		return
	}
	if set.Keys == nil {
		set.Keys = []map[string]any{}
	}

	payload, err := json.Marshal(set)
	if err != nil {
		http.Error(w, "jwks: marshal error", http.StatusInternalServerError)
		return
	}

	etag := computeETag(payload)
	w.Header().Set("Content-Type", "application/jwk-set+json")
	w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(int(h.cacheAge().Seconds())))
	w.Header().Set("ETag", etag)

	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

func (h *JWKSHandler) cacheAge() time.Duration {
	if h.CacheMaxAge > 0 {
		return h.CacheMaxAge
	}
	return 10 * time.Minute
}

func computeETag(b []byte) string {
	sum := sha256.Sum256(b)
	return `W/"` + b64url(sum[:]) + `"`
}

// ------------------------------------------------------------------------------------
// Building public JWKs
// ------------------------------------------------------------------------------------

// RSAPublicJWK builds a minimal RSA JWK map (n,e) for the given key.
func RSAPublicJWK(pub *rsa.PublicKey, kid, alg string) map[string]any {
	if pub == nil || pub.N == nil || pub.E == 0 {
		return nil
	}
	return map[string]any{
		"kty": "RSA",
		"kid": kid,
		"alg": alg,
		"use": "sig",
		"n":   bigIntToB64(pub.N),
		"e":   intToB64(pub.E),
	}
}

// ECPublicJWK builds a minimal EC JWK map (crv,x,y) for the given key.
func ECPublicJWK(pub *ecdsa.PublicKey, kid, alg string) map[string]any {
	if pub == nil || pub.X == nil || pub.Y == nil || pub.Curve == nil {
		return nil
	}
	crv := pub.Curve.Params().Name
	size := (pub.Curve.Params().BitSize + 7) / 8
	return map[string]any{
		"kty": "EC",
		"kid": kid,
		"alg": alg,
		"use": "sig",
		"crv": crv,
		"x":   b64url(pub.X.FillBytes(make([]byte, size))),
		"y":   b64url(pub.Y.FillBytes(make([]byte, size))),
	}
}

func bigIntToB64(n *big.Int) string {
	if n == nil {
		return ""
	}
	return b64url(n.FillBytes(make([]byte, (n.BitLen()+7)/8)))
}

func intToB64(e int) string {
	return b64url(big.NewInt(int64(e)).Bytes())
}

// ------------------------------------------------------------------------------------
// Parsing JWKs
// ------------------------------------------------------------------------------------

var errUnsupportedJWK = errors.New("jwk: unsupported key")

// ParseJWK converts one JWK into a verification key. Keys marked for
// encryption ("use":"enc") are rejected.
func ParseJWK(k map[string]any) (crypto.PublicKey, error) {
	if use, _ := k["use"].(string); use != "" && use != "sig" {
		return nil, errUnsupportedJWK
	}
	switch kty, _ := k["kty"].(string); kty {
	case "RSA":
		n, err := b64Big(k, "n")
		if err != nil {
			return nil, err
		}
		e, err := b64Big(k, "e")
		if err != nil {
			return nil, err
		}
		if !e.IsInt64() || e.Int64() < 3 || e.Int64() > 1<<31-1 {
			return nil, fmt.Errorf("jwk: bad RSA exponent")
		}
		if n.BitLen() < 2048 {
			return nil, fmt.Errorf("jwk: RSA key too small (%d bits)", n.BitLen())
		}
		return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
	case "EC":
		var curve elliptic.Curve
		switch crv, _ := k["crv"].(string); crv {
		case "P-256":
			curve = elliptic.P256()
		case "P-384":
			curve = elliptic.P384()
		default:
			return nil, fmt.Errorf("jwk: unsupported curve %q", crv)
		}
		x, err := b64Big(k, "x")
		if err != nil {
			return nil, err
		}
		y, err := b64Big(k, "y")
		if err != nil {
			return nil, err
		}
		return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
	default:
		return nil, errUnsupportedJWK
	}
}

func b64Big(k map[string]any, field string) (*big.Int, error) {
	s, _ := k[field].(string)
	if s == "" {
		return nil, fmt.Errorf("jwk: missing %q", field)
	}
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return nil, fmt.Errorf("jwk: decode %q: %w", field, err)
	}
	return new(big.Int).SetBytes(b), nil
}
