package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mind-engage/mindengage-lti/pkg/platform/storage"
	"github.com/mind-engage/mindengage-lti/pkg/platform/tenants"
)

// SQLStore implements Store on lti_registrations / lti_resource_links.
type SQLStore struct {
	DB  *storage.DB
	Now func() time.Time
}

func NewSQLStore(db *storage.DB) *SQLStore { return &SQLStore{DB: db} }

const regColumns = `id, tenant_id, issuer, client_id, deployment_id, auth_login_url, auth_token_url,
	jwks_url, status, settings, client_secret_hash, created_at, updated_at`

func (s *SQLStore) FindActive(ctx context.Context, tenantID, clientID string) (tenants.ToolRegistration, error) {
	row := s.DB.SQL.QueryRowContext(ctx, `SELECT `+regColumns+` FROM lti_registrations
		WHERE tenant_id=$1 AND client_id=$2 AND status='active'`, tenantID, clientID)
	return scanReg(row)
}

func (s *SQLStore) Get(ctx context.Context, tenantID, id string) (tenants.ToolRegistration, error) {
	row := s.DB.SQL.QueryRowContext(ctx, `SELECT `+regColumns+` FROM lti_registrations
		WHERE tenant_id=$1 AND id=$2`, tenantID, id)
	return scanReg(row)
}

func (s *SQLStore) List(ctx context.Context, tenantID string, offset, limit int) ([]tenants.ToolRegistration, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.SQL.QueryContext(ctx, `SELECT `+regColumns+` FROM lti_registrations
		WHERE tenant_id=$1 ORDER BY client_id LIMIT $2 OFFSET $3`, tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("registry: list: %w", err)
	}
	defer rows.Close()
	out := make([]tenants.ToolRegistration, 0)
	for rows.Next() {
		r, err := scanReg(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLStore) Create(ctx context.Context, reg tenants.ToolRegistration) (tenants.ToolRegistration, error) {
	if err := ValidateRegistration(reg); err != nil {
		return tenants.ToolRegistration{}, err
	}
	if strings.TrimSpace(reg.ID) == "" {
		reg.ID = uuid.NewString()
	}
	if reg.Status == "" {
		reg.Status = tenants.StatusInactive
	}
	settings, err := marshalMap(reg.Settings)
	if err != nil {
		return tenants.ToolRegistration{}, err
	}
	now := s.now()
	reg.CreatedAt, reg.UpdatedAt = now, now

	_, err = s.DB.SQL.ExecContext(ctx, `INSERT INTO lti_registrations
		(id, tenant_id, issuer, client_id, deployment_id, auth_login_url, auth_token_url,
		 jwks_url, status, settings, client_secret_hash, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		reg.ID, reg.TenantID, reg.Issuer, reg.ClientID, reg.DeploymentID, reg.AuthLoginURL, reg.AuthTokenURL,
		reg.JWKSURL, reg.Status, settings, reg.ClientSecretHash, now, now)
	if err != nil {
		if storage.IsUniqueViolation(err) {
			return tenants.ToolRegistration{}, ErrConflict
		}
		return tenants.ToolRegistration{}, fmt.Errorf("registry: create: %w", err)
	}
	return reg, nil
}

func (s *SQLStore) SetStatus(ctx context.Context, tenantID, id, status string) error {
	if err := ValidateStatus(status); err != nil {
		return err
	}
	res, err := s.DB.SQL.ExecContext(ctx, `UPDATE lti_registrations SET status=$1, updated_at=$2
		WHERE tenant_id=$3 AND id=$4`, status, s.now(), tenantID, id)
	if err != nil {
		return fmt.Errorf("registry: set status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) CreateResourceLink(ctx context.Context, link tenants.ResourceLink) (tenants.ResourceLink, error) {
	out, err := s.CreateResourceLinks(ctx, []tenants.ResourceLink{link})
	if err != nil {
		return tenants.ResourceLink{}, err
	}
	return out[0], nil
}

// CreateResourceLinks inserts the batch in one transaction.
func (s *SQLStore) CreateResourceLinks(ctx context.Context, links []tenants.ResourceLink) ([]tenants.ResourceLink, error) {
	out := make([]tenants.ResourceLink, 0, len(links))
	err := storage.WithTx(ctx, s.DB, nil, func(tx *sql.Tx) error {
		checked := map[string]bool{}
		for _, link := range links {
			if !checked[link.TenantID+"/"+link.RegistrationID] {
				var exists int
				err := tx.QueryRowContext(ctx, `SELECT 1 FROM lti_registrations WHERE tenant_id=$1 AND id=$2`,
					link.TenantID, link.RegistrationID).Scan(&exists)
				if errors.Is(err, sql.ErrNoRows) {
					return ErrNotFound
				}
				if err != nil {
					return fmt.Errorf("registry: check registration: %w", err)
				}
				checked[link.TenantID+"/"+link.RegistrationID] = true
			}
			if strings.TrimSpace(link.ID) == "" {
				link.ID = uuid.NewString()
			}
			custom, err := marshalMap(link.CustomParams)
			if err != nil {
				return err
			}
			link.CreatedAt = s.now()
			var course sql.NullString
			if link.CourseID != "" {
				course = sql.NullString{String: link.CourseID, Valid: true}
			}
			_, err = tx.ExecContext(ctx, `INSERT INTO lti_resource_links
				(id, tenant_id, registration_id, course_id, title, url, custom_params, created_at)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
				link.ID, link.TenantID, link.RegistrationID, course, link.Title, link.URL, custom, link.CreatedAt)
			if err != nil {
				return fmt.Errorf("registry: create resource link: %w", err)
			}
			out = append(out, link)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLStore) ListResourceLinks(ctx context.Context, tenantID, registrationID string) ([]tenants.ResourceLink, error) {
	q := `SELECT id, tenant_id, registration_id, course_id, title, url, custom_params, created_at
		FROM lti_resource_links WHERE tenant_id=$1`
	args := []any{tenantID}
	if registrationID != "" {
		q += ` AND registration_id=$2`
		args = append(args, registrationID)
	}
	q += ` ORDER BY created_at, id`

	rows, err := s.DB.SQL.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("registry: list resource links: %w", err)
	}
	defer rows.Close()
	out := make([]tenants.ResourceLink, 0)
	for rows.Next() {
		var (
			l      tenants.ResourceLink
			course sql.NullString
			custom []byte
		)
		if err := rows.Scan(&l.ID, &l.TenantID, &l.RegistrationID, &course, &l.Title, &l.URL, &custom, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("registry: scan resource link: %w", err)
		}
		l.CourseID = course.String
		if l.CustomParams, err = unmarshalMap(custom); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReg(row rowScanner) (tenants.ToolRegistration, error) {
	var (
		r        tenants.ToolRegistration
		settings []byte
	)
	err := row.Scan(&r.ID, &r.TenantID, &r.Issuer, &r.ClientID, &r.DeploymentID, &r.AuthLoginURL, &r.AuthTokenURL,
		&r.JWKSURL, &r.Status, &settings, &r.ClientSecretHash, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return tenants.ToolRegistration{}, ErrNotFound
	}
	if err != nil {
		return tenants.ToolRegistration{}, fmt.Errorf("registry: scan: %w", err)
	}
	if r.Settings, err = unmarshalMap(settings); err != nil {
		return tenants.ToolRegistration{}, err
	}
	return r, nil
}

func (s *SQLStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func marshalMap(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("registry: encode map: %w", err)
	}
	return string(b), nil
}

func unmarshalMap(b []byte) (map[string]string, error) {
	if len(b) == 0 || string(b) == "{}" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("registry: decode map: %w", err)
	}
	return m, nil
}
