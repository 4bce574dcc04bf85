// Package gradebook is the assignment/submission store AGS reads and writes.
// Line items and results are projections of these rows; nothing AGS-specific
// is persisted.
package gradebook

import (
	"context"
	"errors"
	"time"
)

// Submission status values.
const (
	StatusSubmitted = "submitted"
	StatusGraded    = "graded"
)

var ErrNotFound = errors.New("gradebook: not found")

type Assignment struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenant_id"`
	CourseID       string    `json:"course_id,omitempty"`
	Title          string    `json:"title"`
	PointsPossible float64   `json:"points_possible"`
	ResourceLinkID string    `json:"resource_link_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Submission is one user's work on one assignment. Grade is nil until graded.
type Submission struct {
	ID           string     `json:"id"`
	TenantID     string     `json:"tenant_id"`
	AssignmentID string     `json:"assignment_id"`
	UserID       string     `json:"user_id"`
	Grade        *float64   `json:"grade,omitempty"`
	Status       string     `json:"status"`
	GradedBy     string     `json:"graded_by,omitempty"`
	GradedAt     *time.Time `json:"graded_at,omitempty"`
	Comment      string     `json:"comment,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// GradeFields is what a grade write sets on a submission.
type GradeFields struct {
	Grade    float64
	Status   string
	GradedBy string
	GradedAt time.Time
	Comment  string
}

// Store is the collaborator interface AGS depends on. UpsertSubmission must
// resolve (tenant, assignment, user) to a single row across calls.
type Store interface {
	CreateAssignment(ctx context.Context, a Assignment) (Assignment, error)
	ListAssignments(ctx context.Context, tenantID string) ([]Assignment, error)
	FindAssignment(ctx context.Context, tenantID, id string) (Assignment, error)
	UpsertSubmission(ctx context.Context, tenantID, assignmentID, userID string, g GradeFields) (Submission, error)
	// ListGradedSubmissions returns graded rows only; userID == "" means all users.
	ListGradedSubmissions(ctx context.Context, tenantID, assignmentID, userID string) ([]Submission, error)
}
