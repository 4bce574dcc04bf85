package registry

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mind-engage/mindengage-lti/pkg/platform/tenants"
)

// MemoryStore is a process-local Store (dev/tests).
type MemoryStore struct {
	mu    sync.RWMutex
	regs  map[string]tenants.ToolRegistration // id -> registration
	links map[string]tenants.ResourceLink     // id -> link

	Now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		regs:  make(map[string]tenants.ToolRegistration),
		links: make(map[string]tenants.ResourceLink),
	}
}

func (s *MemoryStore) FindActive(_ context.Context, tenantID, clientID string) (tenants.ToolRegistration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.regs {
		if r.TenantID == tenantID && r.ClientID == clientID && r.Active() {
			return cloneReg(r), nil
		}
	}
	return tenants.ToolRegistration{}, ErrNotFound
}

func (s *MemoryStore) Get(_ context.Context, tenantID, id string) (tenants.ToolRegistration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.regs[id]
	if !ok || r.TenantID != tenantID {
		return tenants.ToolRegistration{}, ErrNotFound
	}
	return cloneReg(r), nil
}

func (s *MemoryStore) List(_ context.Context, tenantID string, offset, limit int) ([]tenants.ToolRegistration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]tenants.ToolRegistration, 0)
	for _, r := range s.regs {
		if r.TenantID == tenantID {
			out = append(out, cloneReg(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return page(out, offset, limit), nil
}

func (s *MemoryStore) Create(_ context.Context, reg tenants.ToolRegistration) (tenants.ToolRegistration, error) {
	if err := ValidateRegistration(reg); err != nil {
		return tenants.ToolRegistration{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.regs {
		if r.TenantID == reg.TenantID && r.ClientID == reg.ClientID {
			return tenants.ToolRegistration{}, ErrConflict
		}
	}
	if strings.TrimSpace(reg.ID) == "" {
		reg.ID = uuid.NewString()
	}
	if reg.Status == "" {
		reg.Status = tenants.StatusInactive
	}
	now := s.now()
	reg.CreatedAt, reg.UpdatedAt = now, now
	reg = cloneReg(reg)
	s.regs[reg.ID] = reg
	return cloneReg(reg), nil
}

func (s *MemoryStore) SetStatus(_ context.Context, tenantID, id, status string) error {
	if err := ValidateStatus(status); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.regs[id]
	if !ok || r.TenantID != tenantID {
		return ErrNotFound
	}
	r.Status = status
	r.UpdatedAt = s.now()
	s.regs[id] = r
	return nil
}

func (s *MemoryStore) CreateResourceLink(_ context.Context, link tenants.ResourceLink) (tenants.ResourceLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.regs[link.RegistrationID]
	if !ok || reg.TenantID != link.TenantID {
		return tenants.ResourceLink{}, ErrNotFound
	}
	if strings.TrimSpace(link.ID) == "" {
		link.ID = uuid.NewString()
	}
	link.CreatedAt = s.now()
	link.CustomParams = cloneMap(link.CustomParams)
	s.links[link.ID] = link
	return link, nil
}

func (s *MemoryStore) CreateResourceLinks(_ context.Context, links []tenants.ResourceLink) ([]tenants.ResourceLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]tenants.ResourceLink, 0, len(links))
	for _, link := range links {
		reg, ok := s.regs[link.RegistrationID]
		if !ok || reg.TenantID != link.TenantID {
			return nil, ErrNotFound
		}
		if strings.TrimSpace(link.ID) == "" {
			link.ID = uuid.NewString()
		}
		link.CreatedAt = s.now()
		link.CustomParams = cloneMap(link.CustomParams)
		out = append(out, link)
	}
	for _, link := range out {
		s.links[link.ID] = link
	}
	return out, nil
}

func (s *MemoryStore) ListResourceLinks(_ context.Context, tenantID, registrationID string) ([]tenants.ResourceLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]tenants.ResourceLink, 0)
	for _, l := range s.links {
		if l.TenantID == tenantID && (registrationID == "" || l.RegistrationID == registrationID) {
			l.CustomParams = cloneMap(l.CustomParams)
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func cloneReg(r tenants.ToolRegistration) tenants.ToolRegistration {
	r.Settings = cloneMap(r.Settings)
	return r
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func page[T any](xs []T, offset, limit int) []T {
	if offset >= len(xs) {
		return xs[:0]
	}
	xs = xs[offset:]
	if limit > 0 && limit < len(xs) {
		xs = xs[:limit]
	}
	return xs
}
