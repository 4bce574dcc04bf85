package gradebook

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store for tests and single-node demos.
type MemoryStore struct {
	mu          sync.RWMutex
	assignments map[string]Assignment
	submissions map[subKey]Submission

	Now func() time.Time
}

type subKey struct{ tenant, assignment, user string }

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assignments: make(map[string]Assignment),
		submissions: make(map[subKey]Submission),
	}
}

func (s *MemoryStore) CreateAssignment(_ context.Context, a Assignment) (Assignment, error) {
	if err := validAssignment(a); err != nil {
		return Assignment{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if _, dup := s.assignments[a.ID]; dup {
		return Assignment{}, errors.New("gradebook: assignment id already exists")
	}
	a.CreatedAt = s.now()
	s.assignments[a.ID] = a
	return a, nil
}

func (s *MemoryStore) ListAssignments(_ context.Context, tenantID string) ([]Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Assignment, 0)
	for _, a := range s.assignments {
		if a.TenantID == tenantID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) FindAssignment(_ context.Context, tenantID, id string) (Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assignments[id]
	if !ok || a.TenantID != tenantID {
		return Assignment{}, ErrNotFound
	}
	return a, nil
}

func (s *MemoryStore) UpsertSubmission(_ context.Context, tenantID, assignmentID, userID string, g GradeFields) (Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.assignments[assignmentID]; !ok || a.TenantID != tenantID {
		return Submission{}, ErrNotFound
	}
	k := subKey{tenantID, assignmentID, userID}
	sub, ok := s.submissions[k]
	if !ok {
		sub = Submission{ID: uuid.NewString(), TenantID: tenantID, AssignmentID: assignmentID, UserID: userID}
	}
	applyGrade(&sub, g)
	sub.UpdatedAt = s.now()
	s.submissions[k] = sub
	return cloneSub(sub), nil
}

func (s *MemoryStore) ListGradedSubmissions(_ context.Context, tenantID, assignmentID, userID string) ([]Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Submission, 0)
	for k, sub := range s.submissions {
		if k.tenant != tenantID || k.assignment != assignmentID || sub.Status != StatusGraded {
			continue
		}
		if userID != "" && k.user != userID {
			continue
		}
		out = append(out, cloneSub(sub))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *MemoryStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func applyGrade(sub *Submission, g GradeFields) {
	grade := g.Grade
	sub.Grade = &grade
	sub.Status = g.Status
	if sub.Status == "" {
		sub.Status = StatusGraded
	}
	sub.GradedBy = g.GradedBy
	at := g.GradedAt
	sub.GradedAt = &at
	sub.Comment = g.Comment
}

func cloneSub(s Submission) Submission {
	if s.Grade != nil {
		g := *s.Grade
		s.Grade = &g
	}
	if s.GradedAt != nil {
		t := *s.GradedAt
		s.GradedAt = &t
	}
	return s
}

func validAssignment(a Assignment) error {
	switch {
	case strings.TrimSpace(a.TenantID) == "":
		return errors.New("gradebook: tenant_id is required")
	case strings.TrimSpace(a.Title) == "":
		return errors.New("gradebook: title is required")
	case a.PointsPossible < 0:
		return errors.New("gradebook: points_possible must be >= 0")
	}
	return nil
}
