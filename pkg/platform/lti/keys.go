package lti

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

/*
Key manager & signer for the platform.

  - One RSA signing keypair per tenant, generated lazily on first use and kept
    for the process lifetime. Creation is serialized so concurrent first
    requests for a tenant never produce two keys in one process. Replicas
    racing on first use each re-read storage after saving; every saved key
    stays published, so tokens verify whichever key signed them.
  - The signing key and public keys by kid are cached in process; storage is
    read once per tenant and per unseen kid.
  - Sign issues RS256 JWTs with the kid header set.
  - PublicJWKS exposes the public half for GET /jwks.
  - Verify checks tokens this platform signed (AGS bearer tokens, tests).

Rotation is operational: seed a new key with SeedRSAKey and the newest key
signs while older ones stay published.
*/

var ErrNoKey = errors.New("keys: no signing key for tenant")

// KeyRecord holds a tenant signing key.
type KeyRecord struct {
	KID        string
	Alg        string
	CreatedAt  time.Time
	RSAPrivate *rsa.PrivateKey
}

// Public returns a public-only JWK for the key.
func (k KeyRecord) Public() map[string]any {
	if k.RSAPrivate == nil {
		return nil
	}
	return RSAPublicJWK(&k.RSAPrivate.PublicKey, k.KID, k.Alg)
}

// KeyStorage is the tenant -> keys store.
type KeyStorage interface {
	List(ctx context.Context, tenantID string) ([]KeyRecord, error)
	Save(ctx context.Context, tenantID string, rec KeyRecord) error
	Get(ctx context.Context, tenantID, kid string) (KeyRecord, error)
}

// InMemoryKeyStorage keeps keys for the life of the process.
type InMemoryKeyStorage struct {
	mu   sync.RWMutex
	data map[string]map[string]KeyRecord // tenant -> kid -> key
}

func NewInMemoryKeyStorage() *InMemoryKeyStorage {
	return &InMemoryKeyStorage{data: make(map[string]map[string]KeyRecord)}
}

func (s *InMemoryKeyStorage) List(_ context.Context, tenantID string) ([]KeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := s.data[tenantID]
	out := make([]KeyRecord, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out, nil
}

func (s *InMemoryKeyStorage) Save(_ context.Context, tenantID string, rec KeyRecord) error {
	if strings.TrimSpace(tenantID) == "" || strings.TrimSpace(rec.KID) == "" {
		return errors.New("keystore: tenant and kid required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.data[tenantID]
	if m == nil {
		m = make(map[string]KeyRecord)
		s.data[tenantID] = m
	}
	m[rec.KID] = rec
	return nil
}

func (s *InMemoryKeyStorage) Get(_ context.Context, tenantID, kid string) (KeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.data[tenantID][kid]
	if !ok {
		return KeyRecord{}, ErrNoKey
	}
	return rec, nil
}

// KeyManager implements Signer and JWKSProvider.
type KeyManager struct {
	Storage    KeyStorage
	RSAKeyBits int // default 2048
	Now        func() time.Time

	mu sync.Mutex // serializes lazy creation

	cacheMu sync.RWMutex
	signing map[string]KeyRecord      // tenant -> current signing key
	public  map[string]*rsa.PublicKey // tenant + "\x00" + kid
}

// NewKeyManager returns a manager backed by in-memory storage.
func NewKeyManager() *KeyManager {
	return &KeyManager{Storage: NewInMemoryKeyStorage()}
}

// Keypair returns the tenant's signing key, creating it on first use.
func (km *KeyManager) Keypair(ctx context.Context, tenantID string) (KeyRecord, error) {
	if km.Storage == nil {
		return KeyRecord{}, errors.New("keys: storage not configured")
	}
	if strings.TrimSpace(tenantID) == "" {
		return KeyRecord{}, errors.New("keys: tenant required")
	}
	if rec, ok := km.cachedSigning(tenantID); ok {
		return rec, nil
	}

	km.mu.Lock()
	defer km.mu.Unlock()
	if rec, ok := km.cachedSigning(tenantID); ok {
		return rec, nil
	}
	rec, ok, err := km.newest(ctx, tenantID)
	if err != nil {
		return KeyRecord{}, err
	}
	if !ok {
		gen, err := km.generate()
		if err != nil {
			return KeyRecord{}, err
		}
		if err := km.Storage.Save(ctx, tenantID, gen); err != nil {
			return KeyRecord{}, err
		}
		// Another replica may have stored its key meanwhile; use what storage holds.
		if rec, ok, err = km.newest(ctx, tenantID); err != nil {
			return KeyRecord{}, err
		}
		if !ok {
			rec = gen
		}
	}
	km.remember(tenantID, rec)
	return rec, nil
}

// Sign signs claims with the tenant key (RS256, kid header).
func (km *KeyManager) Sign(ctx context.Context, tenantID string, claims map[string]any) (string, error) {
	rec, err := km.Keypair(ctx, tenantID)
	if err != nil {
		return "", err
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims(claims))
	tok.Header["kid"] = rec.KID
	signed, err := tok.SignedString(rec.RSAPrivate)
	if err != nil {
		return "", fmt.Errorf("keys: sign: %w", err)
	}
	return signed, nil
}

// PublicJWKS returns every published key for the tenant, newest first.
func (km *KeyManager) PublicJWKS(ctx context.Context, tenantID string) (JWKS, error) {
	if _, err := km.Keypair(ctx, tenantID); err != nil {
		return JWKS{}, err
	}
	keys, err := km.Storage.List(ctx, tenantID)
	if err != nil {
		return JWKS{}, err
	}
	sortNewestFirst(keys)
	set := JWKS{Keys: make([]map[string]any, 0, len(keys))}
	for _, k := range keys {
		if pub := k.Public(); pub != nil {
			set.Keys = append(set.Keys, pub)
		}
	}
	return set, nil
}

// PublicKey returns the tenant's public key for kid, or ErrNoKey.
func (km *KeyManager) PublicKey(ctx context.Context, tenantID, kid string) (*rsa.PublicKey, error) {
	if km.Storage == nil {
		return nil, errors.New("keys: storage not configured")
	}
	km.cacheMu.RLock()
	pub, ok := km.public[publicKeyID(tenantID, kid)]
	km.cacheMu.RUnlock()
	if ok {
		return pub, nil
	}
	rec, err := km.Storage.Get(ctx, tenantID, kid)
	if err != nil {
		return nil, err
	}
	km.cacheMu.Lock()
	km.cachePublic(tenantID, rec)
	km.cacheMu.Unlock()
	return &rec.RSAPrivate.PublicKey, nil
}

// Verify parses a token signed by this platform for tenantID. The key is
// chosen by the kid header among the tenant's keys only.
func (km *KeyManager) Verify(ctx context.Context, tenantID, token string, opts ...jwt.ParserOption) (jwt.MapClaims, error) {
	keyfunc := func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("missing kid")
		}
		return km.PublicKey(ctx, tenantID, kid)
	}
	opts = append([]jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithTimeFunc(km.now),
	}, opts...)

	claims := jwt.MapClaims{}
	if _, err := jwt.ParseWithClaims(token, claims, keyfunc, opts...); err != nil {
		return nil, err
	}
	return claims, nil
}

// SeedRSAKey installs a pre-generated key (e.g. loaded from disk). The newest
// seeded or generated key signs.
func (km *KeyManager) SeedRSAKey(ctx context.Context, tenantID, kid string, priv *rsa.PrivateKey) error {
	if km.Storage == nil {
		return errors.New("keys: storage not configured")
	}
	if priv == nil {
		return errors.New("keys: nil rsa key")
	}
	if strings.TrimSpace(kid) == "" {
		kid = makeKID("rsa", &priv.PublicKey)
	}
	err := km.Storage.Save(ctx, tenantID, KeyRecord{
		KID:        kid,
		Alg:        jwt.SigningMethodRS256.Alg(),
		CreatedAt:  km.now(),
		RSAPrivate: priv,
	})
	if err != nil {
		return err
	}
	// The next Keypair re-reads storage and picks the newest key.
	km.cacheMu.Lock()
	delete(km.signing, tenantID)
	km.cacheMu.Unlock()
	return nil
}

func (km *KeyManager) cachedSigning(tenantID string) (KeyRecord, bool) {
	km.cacheMu.RLock()
	defer km.cacheMu.RUnlock()
	rec, ok := km.signing[tenantID]
	return rec, ok
}

func (km *KeyManager) remember(tenantID string, rec KeyRecord) {
	km.cacheMu.Lock()
	defer km.cacheMu.Unlock()
	if km.signing == nil {
		km.signing = make(map[string]KeyRecord)
	}
	km.signing[tenantID] = rec
	km.cachePublic(tenantID, rec)
}

// cachePublic needs cacheMu held for writing.
func (km *KeyManager) cachePublic(tenantID string, rec KeyRecord) {
	if rec.RSAPrivate == nil {
		return
	}
	if km.public == nil {
		km.public = make(map[string]*rsa.PublicKey)
	}
	km.public[publicKeyID(tenantID, rec.KID)] = &rec.RSAPrivate.PublicKey
}

func publicKeyID(tenantID, kid string) string { return tenantID + "\x00" + kid }

func (km *KeyManager) newest(ctx context.Context, tenantID string) (KeyRecord, bool, error) {
	keys, err := km.Storage.List(ctx, tenantID)
	if err != nil {
		return KeyRecord{}, false, err
	}
	if len(keys) == 0 {
		return KeyRecord{}, false, nil
	}
	sortNewestFirst(keys)
	return keys[0], true, nil
}

func (km *KeyManager) generate() (KeyRecord, error) {
	priv, err := rsa.GenerateKey(rand.Reader, km.rsaBits())
	if err != nil {
		return KeyRecord{}, fmt.Errorf("keys: rsa generate: %w", err)
	}
	return KeyRecord{
		KID:        makeKID("rsa", &priv.PublicKey),
		Alg:        jwt.SigningMethodRS256.Alg(),
		CreatedAt:  km.now(),
		RSAPrivate: priv,
	}, nil
}

func (km *KeyManager) now() time.Time {
	if km.Now != nil {
		return km.Now()
	}
	return time.Now().UTC()
}

func (km *KeyManager) rsaBits() int {
	if km.RSAKeyBits < 2048 {
		return 2048
	}
	return km.RSAKeyBits
}

func sortNewestFirst(keys []KeyRecord) {
	sort.SliceStable(keys, func(i, j int) bool {
		if keys[i].CreatedAt.Equal(keys[j].CreatedAt) {
			return keys[i].KID > keys[j].KID
		}
		return keys[i].CreatedAt.After(keys[j].CreatedAt)
	})
}

// makeKID derives a kid from the public key plus a short random suffix.
func makeKID(prefix string, pub *rsa.PublicKey) string {
	h := sha256.New()
	if pub != nil {
		h.Write(pub.N.Bytes())
		h.Write([]byte{byte(pub.E >> 24), byte(pub.E >> 16), byte(pub.E >> 8), byte(pub.E)})
	}
	r := make([]byte, 4)
	_, _ = rand.Read(r)
	sum := h.Sum(nil)
	return fmt.Sprintf("%s-%s-%s", prefix, hex.EncodeToString(sum[:6]), hex.EncodeToString(r))
}
