// Package audit records security-relevant LTI events (launch outcomes, grade
// writes, token grants) for tenant administrators.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mind-engage/mindengage-lti/pkg/platform/storage"
)

// Event is one audit row.
type Event struct {
	TenantID string
	Actor    string // client_id or "platform"
	Action   string // e.g. "lti.launch", "ags.score"
	Outcome  string // "ok" or an error kind
	Target   string
	Detail   map[string]any
	At       time.Time
}

// Recorder persists audit events. Recording failures must not fail the
// request that produced the event; callers log and continue.
type Recorder interface {
	Record(ctx context.Context, ev Event) error
}

// SQLRecorder writes to lti_audit.
type SQLRecorder struct {
	DB  *storage.DB
	Now func() time.Time
}

func NewSQLRecorder(db *storage.DB) *SQLRecorder { return &SQLRecorder{DB: db} }

func (r *SQLRecorder) Record(ctx context.Context, ev Event) error {
	detail := []byte("{}")
	if len(ev.Detail) > 0 {
		b, err := json.Marshal(ev.Detail)
		if err != nil {
			return fmt.Errorf("audit: encode detail: %w", err)
		}
		detail = b
	}
	at := ev.At
	if at.IsZero() {
		at = r.now()
	}
	_, err := r.DB.SQL.ExecContext(ctx, `INSERT INTO lti_audit (tenant_id, actor, action, outcome, target, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		ev.TenantID, ev.Actor, ev.Action, ev.Outcome, ev.Target, string(detail), at)
	if err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

// List returns the newest events for a tenant.
func (r *SQLRecorder) List(ctx context.Context, tenantID string, limit int) ([]Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := r.DB.SQL.QueryContext(ctx, `SELECT tenant_id, actor, action, outcome, target, detail, created_at
		FROM lti_audit WHERE tenant_id=$1 ORDER BY id DESC LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var (
			ev     Event
			detail []byte
		)
		if err := rows.Scan(&ev.TenantID, &ev.Actor, &ev.Action, &ev.Outcome, &ev.Target, &detail, &ev.At); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		if len(detail) > 2 {
			_ = json.Unmarshal(detail, &ev.Detail)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (r *SQLRecorder) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now().UTC()
}

// LogRecorder writes events to a slog.Logger.
type LogRecorder struct {
	Logger *slog.Logger
}

func (r LogRecorder) Record(ctx context.Context, ev Event) error {
	l := r.Logger
	if l == nil {
		l = slog.Default()
	}
	l.InfoContext(ctx, "audit",
		"tenant", ev.TenantID, "actor", ev.Actor, "action", ev.Action,
		"outcome", ev.Outcome, "target", ev.Target, "detail", ev.Detail)
	return nil
}

// Emit records ev and logs a failure instead of returning it.
func Emit(ctx context.Context, rec Recorder, log *slog.Logger, ev Event) {
	if rec == nil {
		return
	}
	if err := rec.Record(ctx, ev); err != nil {
		if log == nil {
			log = slog.Default()
		}
		log.ErrorContext(ctx, "audit: record failed", "action", ev.Action, "err", err)
	}
}
