package lti

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// DefaultReplayTTL bounds the login -> launch handshake.
const DefaultReplayTTL = 10 * time.Minute

// ReplayEntry is the (state, nonce) pair recorded at login and consumed at launch.
type ReplayEntry struct {
	State     string    `json:"state"`
	Nonce     string    `json:"nonce"`
	TenantID  string    `json:"tenant_id"`
	ClientID  string    `json:"client_id"`
	LoginHint string    `json:"login_hint,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ReplayGuard stores login handshakes and single-use values.
//
// Take must be atomic: of any number of concurrent callers with the same
// nonce, at most one receives ok == true. Expired entries are never returned.
type ReplayGuard interface {
	Put(ctx context.Context, e ReplayEntry) error
	Get(ctx context.Context, nonce string) (ReplayEntry, bool, error)
	Take(ctx context.Context, nonce string) (ReplayEntry, bool, error)
	// Use marks (kind, value) as seen for ttl and reports whether this is the
	// first use (client assertion jti and similar).
	Use(ctx context.Context, kind, value string, ttl time.Duration) (bool, error)
}

var errReplayArgs = errors.New("replay: nonce, state and expiry are required")

func validEntry(e ReplayEntry) error {
	if strings.TrimSpace(e.Nonce) == "" || strings.TrimSpace(e.State) == "" || e.ExpiresAt.IsZero() {
		return errReplayArgs
	}
	return nil
}

// MemoryReplayGuard is a process-local ReplayGuard with a single mutex.
// Expired rows are purged opportunistically every purgeEvery writes.
type MemoryReplayGuard struct {
	mu      sync.Mutex
	entries map[string]ReplayEntry // nonce -> entry
	marks   map[string]time.Time   // kind|value -> until

	writes     uint64
	purgeEvery uint64

	Now func() time.Time
}

func NewMemoryReplayGuard() *MemoryReplayGuard {
	return &MemoryReplayGuard{
		entries:    make(map[string]ReplayEntry),
		marks:      make(map[string]time.Time),
		purgeEvery: 1024,
	}
}

func (m *MemoryReplayGuard) Put(_ context.Context, e ReplayEntry) error {
	if err := validEntry(e); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maybePurgeLocked()
	m.entries[e.Nonce] = e
	return nil
}

func (m *MemoryReplayGuard) Get(_ context.Context, nonce string) (ReplayEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[nonce]
	if !ok || !m.now().Before(e.ExpiresAt) {
		return ReplayEntry{}, false, nil
	}
	return e, true, nil
}

func (m *MemoryReplayGuard) Take(_ context.Context, nonce string) (ReplayEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[nonce]
	if !ok {
		return ReplayEntry{}, false, nil
	}
	delete(m.entries, nonce)
	if !m.now().Before(e.ExpiresAt) {
		return ReplayEntry{}, false, nil
	}
	return e, true, nil
}

func (m *MemoryReplayGuard) Use(_ context.Context, kind, value string, ttl time.Duration) (bool, error) {
	kind = strings.ToLower(strings.TrimSpace(kind))
	value = strings.TrimSpace(value)
	if kind == "" || value == "" {
		return false, errors.New("replay: kind and value are required")
	}
	k := kind + "|" + value
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.maybePurgeLocked()
	if until, ok := m.marks[k]; ok && until.After(now) {
		return false, nil
	}
	m.marks[k] = now.Add(ttl)
	return true, nil
}

func (m *MemoryReplayGuard) maybePurgeLocked() {
	m.writes++
	if m.purgeEvery == 0 || m.writes%m.purgeEvery != 0 {
		return
	}
	now := m.now()
	for k, e := range m.entries {
		if !now.Before(e.ExpiresAt) {
			delete(m.entries, k)
		}
	}
	for k, until := range m.marks {
		if !until.After(now) {
			delete(m.marks, k)
		}
	}
}

func (m *MemoryReplayGuard) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}
