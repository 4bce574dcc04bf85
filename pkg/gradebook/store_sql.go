package gradebook

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mind-engage/mindengage-lti/pkg/platform/storage"
)

// SQLStore implements Store on the assignments / submissions tables.
type SQLStore struct {
	DB  *storage.DB
	Now func() time.Time
}

func NewSQLStore(db *storage.DB) *SQLStore { return &SQLStore{DB: db} }

const assignmentColumns = `id, tenant_id, course_id, title, points_possible, resource_link_id, created_at`

const submissionColumns = `id, tenant_id, assignment_id, user_id, grade, status, graded_by, graded_at, comment, updated_at`

func (s *SQLStore) CreateAssignment(ctx context.Context, a Assignment) (Assignment, error) {
	if err := validAssignment(a); err != nil {
		return Assignment{}, err
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.CreatedAt = s.now()
	_, err := s.DB.SQL.ExecContext(ctx, `INSERT INTO assignments (`+assignmentColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		a.ID, a.TenantID, a.CourseID, a.Title, a.PointsPossible, a.ResourceLinkID, a.CreatedAt)
	if err != nil {
		return Assignment{}, fmt.Errorf("gradebook: create assignment: %w", err)
	}
	return a, nil
}

func (s *SQLStore) ListAssignments(ctx context.Context, tenantID string) ([]Assignment, error) {
	rows, err := s.DB.SQL.QueryContext(ctx, `SELECT `+assignmentColumns+` FROM assignments
		WHERE tenant_id=$1 ORDER BY id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("gradebook: list assignments: %w", err)
	}
	defer rows.Close()
	out := make([]Assignment, 0)
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLStore) FindAssignment(ctx context.Context, tenantID, id string) (Assignment, error) {
	row := s.DB.SQL.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignments
		WHERE tenant_id=$1 AND id=$2`, tenantID, id)
	return scanAssignment(row)
}

// UpsertSubmission relies on UNIQUE (tenant_id, assignment_id, user_id): a
// concurrent first write for the same user collapses into one row.
func (s *SQLStore) UpsertSubmission(ctx context.Context, tenantID, assignmentID, userID string, g GradeFields) (Submission, error) {
	status := g.Status
	if status == "" {
		status = StatusGraded
	}
	var out Submission
	err := storage.WithTx(ctx, s.DB, nil, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM assignments WHERE tenant_id=$1 AND id=$2`,
			tenantID, assignmentID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("gradebook: check assignment: %w", err)
		}

		row := tx.QueryRowContext(ctx, `INSERT INTO submissions (`+submissionColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
			ON CONFLICT (tenant_id, assignment_id, user_id) DO UPDATE SET
				grade=excluded.grade,
				status=excluded.status,
				graded_by=excluded.graded_by,
				graded_at=excluded.graded_at,
				comment=excluded.comment,
				updated_at=excluded.updated_at
			RETURNING `+submissionColumns,
			uuid.NewString(), tenantID, assignmentID, userID, g.Grade, status, g.GradedBy, g.GradedAt, g.Comment, s.now())
		out, err = scanSubmission(row)
		return err
	})
	if err != nil {
		return Submission{}, err
	}
	return out, nil
}

func (s *SQLStore) ListGradedSubmissions(ctx context.Context, tenantID, assignmentID, userID string) ([]Submission, error) {
	q := `SELECT ` + submissionColumns + ` FROM submissions
		WHERE tenant_id=$1 AND assignment_id=$2 AND status=$3`
	args := []any{tenantID, assignmentID, StatusGraded}
	if userID != "" {
		q += ` AND user_id=$4`
		args = append(args, userID)
	}
	q += ` ORDER BY user_id`

	rows, err := s.DB.SQL.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("gradebook: list submissions: %w", err)
	}
	defer rows.Close()
	out := make([]Submission, 0)
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAssignment(row rowScanner) (Assignment, error) {
	var a Assignment
	err := row.Scan(&a.ID, &a.TenantID, &a.CourseID, &a.Title, &a.PointsPossible, &a.ResourceLinkID, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Assignment{}, ErrNotFound
	}
	if err != nil {
		return Assignment{}, fmt.Errorf("gradebook: scan assignment: %w", err)
	}
	return a, nil
}

func scanSubmission(row rowScanner) (Submission, error) {
	var (
		sub      Submission
		grade    sql.NullFloat64
		gradedAt sql.NullTime
	)
	err := row.Scan(&sub.ID, &sub.TenantID, &sub.AssignmentID, &sub.UserID, &grade, &sub.Status,
		&sub.GradedBy, &gradedAt, &sub.Comment, &sub.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Submission{}, ErrNotFound
	}
	if err != nil {
		return Submission{}, fmt.Errorf("gradebook: scan submission: %w", err)
	}
	if grade.Valid {
		g := grade.Float64
		sub.Grade = &g
	}
	if gradedAt.Valid {
		t := gradedAt.Time
		sub.GradedAt = &t
	}
	return sub, nil
}

func (s *SQLStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}
