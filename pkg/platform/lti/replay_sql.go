package lti

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mind-engage/mindengage-lti/pkg/platform/storage"
)

// SQLReplayGuard stores handshakes in lti_replay. Take is a single
// DELETE ... RETURNING, which both Postgres and SQLite (>= 3.35) execute
// atomically per row.
type SQLReplayGuard struct {
	DB  *storage.DB
	Now func() time.Time
}

func NewSQLReplayGuard(db *storage.DB) *SQLReplayGuard { return &SQLReplayGuard{DB: db} }

func (g *SQLReplayGuard) Put(ctx context.Context, e ReplayEntry) error {
	if err := validEntry(e); err != nil {
		return err
	}
	_, err := g.DB.SQL.ExecContext(ctx, `INSERT INTO lti_replay (nonce, state, tenant_id, client_id, login_hint, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		e.Nonce, e.State, e.TenantID, e.ClientID, e.LoginHint, e.ExpiresAt.Unix())
	if err != nil {
		return fmt.Errorf("replay: put: %w", err)
	}
	return nil
}

func (g *SQLReplayGuard) Get(ctx context.Context, nonce string) (ReplayEntry, bool, error) {
	row := g.DB.SQL.QueryRowContext(ctx, `SELECT nonce, state, tenant_id, client_id, login_hint, expires_at
		FROM lti_replay WHERE nonce=$1 AND expires_at > $2`, nonce, g.now().Unix())
	return scanReplay(row)
}

func (g *SQLReplayGuard) Take(ctx context.Context, nonce string) (ReplayEntry, bool, error) {
	row := g.DB.SQL.QueryRowContext(ctx, `DELETE FROM lti_replay WHERE nonce=$1
		RETURNING nonce, state, tenant_id, client_id, login_hint, expires_at`, nonce)
	e, ok, err := scanReplay(row)
	if err != nil || !ok {
		return ReplayEntry{}, false, err
	}
	if !g.now().Before(e.ExpiresAt) {
		return ReplayEntry{}, false, nil
	}
	return e, true, nil
}

func (g *SQLReplayGuard) Use(ctx context.Context, kind, value string, ttl time.Duration) (bool, error) {
	kind = strings.ToLower(strings.TrimSpace(kind))
	value = strings.TrimSpace(value)
	if kind == "" || value == "" {
		return false, errors.New("replay: kind and value are required")
	}
	now := g.now()
	// Clear an expired mark for this key so it can be reused.
	if _, err := g.DB.SQL.ExecContext(ctx, `DELETE FROM lti_replay_marks WHERE kind=$1 AND value=$2 AND expires_at <= $3`,
		kind, value, now.Unix()); err != nil {
		return false, fmt.Errorf("replay: use: %w", err)
	}
	res, err := g.DB.SQL.ExecContext(ctx, `INSERT INTO lti_replay_marks (kind, value, expires_at) VALUES ($1,$2,$3)
		ON CONFLICT (kind, value) DO NOTHING`, kind, value, now.Add(ttl).Unix())
	if err != nil {
		return false, fmt.Errorf("replay: use: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Purge deletes expired rows. Safe to call from a periodic job.
func (g *SQLReplayGuard) Purge(ctx context.Context) (int64, error) {
	now := g.now().Unix()
	var total int64
	for _, q := range []string{
		`DELETE FROM lti_replay WHERE expires_at <= $1`,
		`DELETE FROM lti_replay_marks WHERE expires_at <= $1`,
	} {
		res, err := g.DB.SQL.ExecContext(ctx, q, now)
		if err != nil {
			return total, fmt.Errorf("replay: purge: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func scanReplay(row *sql.Row) (ReplayEntry, bool, error) {
	var (
		e   ReplayEntry
		exp int64
	)
	err := row.Scan(&e.Nonce, &e.State, &e.TenantID, &e.ClientID, &e.LoginHint, &exp)
	if errors.Is(err, sql.ErrNoRows) {
		return ReplayEntry{}, false, nil
	}
	if err != nil {
		return ReplayEntry{}, false, fmt.Errorf("replay: scan: %w", err)
	}
	e.ExpiresAt = time.Unix(exp, 0)
	return e, true, nil
}

func (g *SQLReplayGuard) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}
