package storage

import (
	"context"
	"fmt"
	"strings"
)

// Up applies (idempotent) DDL for the LTI platform core:
//   - tool registrations and resource links (lti_registrations, lti_resource_links)
//   - platform signing keys (lti_keys)
//   - login/launch replay state (lti_replay, lti_replay_marks)
//   - audit trail (lti_audit)
//   - the reference gradebook tables read by AGS (assignments, submissions)
//
// Call this once on startup (after Connect). Drivers supported: postgres|sqlite.
func Up(ctx context.Context, db *DB, driver string) error {
	if db == nil || db.SQL == nil {
		return fmt.Errorf("migrations: db is nil")
	}

	var schema string
	switch normalizeDriver(driver) {
	case "postgres":
		schema = schemaPostgres
	case "sqlite":
		schema = schemaSQLite
	default:
		return fmt.Errorf("migrations: unsupported driver %q (expected postgres|sqlite)", driver)
	}

	// Try to run as a single script; if the driver rejects multiple statements,
	// fall back to splitting on semicolons (sufficient for simple DDL).
	if _, err := db.SQL.ExecContext(ctx, schema); err != nil {
		for _, stmt := range splitSQL(schema) {
			if _, e := db.SQL.ExecContext(ctx, stmt); e != nil {
				return fmt.Errorf("migrations: failed at:\n%s\nerr: %w", firstLine(stmt), e)
			}
		}
	}
	return nil
}

/* ----------------------------- POSTGRES SCHEMA ----------------------------- */

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS lti_registrations (
  id                 TEXT PRIMARY KEY,
  tenant_id          TEXT NOT NULL,
  issuer             TEXT NOT NULL,
  client_id          TEXT NOT NULL,
  deployment_id      TEXT NOT NULL,
  auth_login_url     TEXT NOT NULL,
  auth_token_url     TEXT NOT NULL DEFAULT '',
  jwks_url           TEXT NOT NULL,
  status             TEXT NOT NULL DEFAULT 'inactive' CHECK (status IN ('inactive','active')),
  settings           JSONB NOT NULL DEFAULT '{}'::jsonb,
  client_secret_hash TEXT NOT NULL DEFAULT '',
  created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
  UNIQUE (tenant_id, client_id)
);

CREATE TABLE IF NOT EXISTS lti_resource_links (
  id                 TEXT PRIMARY KEY,
  tenant_id          TEXT NOT NULL,
  registration_id    TEXT NOT NULL REFERENCES lti_registrations(id) ON DELETE CASCADE,
  course_id          TEXT,
  title              TEXT NOT NULL DEFAULT '',
  url                TEXT NOT NULL,
  custom_params      JSONB NOT NULL DEFAULT '{}'::jsonb,
  created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_lti_resource_links_reg ON lti_resource_links(tenant_id, registration_id);

CREATE TABLE IF NOT EXISTS lti_keys (
  tenant_id          TEXT NOT NULL,
  kid                TEXT NOT NULL,
  alg                TEXT NOT NULL,
  private_pem        TEXT NOT NULL,
  created_at         BIGINT NOT NULL,
  PRIMARY KEY (tenant_id, kid)
);

CREATE TABLE IF NOT EXISTS lti_replay (
  nonce              TEXT PRIMARY KEY,
  state              TEXT NOT NULL,
  tenant_id          TEXT NOT NULL,
  client_id          TEXT NOT NULL,
  login_hint         TEXT NOT NULL DEFAULT '',
  expires_at         BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_lti_replay_exp ON lti_replay(expires_at);

CREATE TABLE IF NOT EXISTS lti_replay_marks (
  kind               TEXT NOT NULL,
  value              TEXT NOT NULL,
  expires_at         BIGINT NOT NULL,
  PRIMARY KEY (kind, value)
);

CREATE TABLE IF NOT EXISTS lti_audit (
  id                 BIGSERIAL PRIMARY KEY,
  tenant_id          TEXT NOT NULL,
  actor              TEXT NOT NULL,
  action             TEXT NOT NULL,
  outcome            TEXT NOT NULL,
  target             TEXT NOT NULL DEFAULT '',
  detail             JSONB NOT NULL DEFAULT '{}'::jsonb,
  created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_lti_audit_tenant ON lti_audit(tenant_id, created_at);

CREATE TABLE IF NOT EXISTS assignments (
  id                 TEXT PRIMARY KEY,
  tenant_id          TEXT NOT NULL,
  course_id          TEXT NOT NULL DEFAULT '',
  title              TEXT NOT NULL,
  points_possible    DOUBLE PRECISION NOT NULL DEFAULT 0,
  resource_link_id   TEXT NOT NULL DEFAULT '',
  created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_assignments_tenant ON assignments(tenant_id);

CREATE TABLE IF NOT EXISTS submissions (
  id                 TEXT PRIMARY KEY,
  tenant_id          TEXT NOT NULL,
  assignment_id      TEXT NOT NULL REFERENCES assignments(id) ON DELETE CASCADE,
  user_id            TEXT NOT NULL,
  grade              DOUBLE PRECISION,
  status             TEXT NOT NULL DEFAULT 'submitted',
  graded_by          TEXT NOT NULL DEFAULT '',
  graded_at          TIMESTAMPTZ,
  comment            TEXT NOT NULL DEFAULT '',
  updated_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
  UNIQUE (tenant_id, assignment_id, user_id)
);
`

/* ------------------------------ SQLITE SCHEMA ------------------------------ */

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS lti_registrations (
  id                 TEXT PRIMARY KEY,
  tenant_id          TEXT NOT NULL,
  issuer             TEXT NOT NULL,
  client_id          TEXT NOT NULL,
  deployment_id      TEXT NOT NULL,
  auth_login_url     TEXT NOT NULL,
  auth_token_url     TEXT NOT NULL DEFAULT '',
  jwks_url           TEXT NOT NULL,
  status             TEXT NOT NULL DEFAULT 'inactive' CHECK (status IN ('inactive','active')),
  settings           TEXT NOT NULL DEFAULT '{}',
  client_secret_hash TEXT NOT NULL DEFAULT '',
  created_at         DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at         DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  UNIQUE (tenant_id, client_id)
);

CREATE TABLE IF NOT EXISTS lti_resource_links (
  id                 TEXT PRIMARY KEY,
  tenant_id          TEXT NOT NULL,
  registration_id    TEXT NOT NULL REFERENCES lti_registrations(id) ON DELETE CASCADE,
  course_id          TEXT,
  title              TEXT NOT NULL DEFAULT '',
  url                TEXT NOT NULL,
  custom_params      TEXT NOT NULL DEFAULT '{}',
  created_at         DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_lti_resource_links_reg ON lti_resource_links(tenant_id, registration_id);

CREATE TABLE IF NOT EXISTS lti_keys (
  tenant_id          TEXT NOT NULL,
  kid                TEXT NOT NULL,
  alg                TEXT NOT NULL,
  private_pem        TEXT NOT NULL,
  created_at         INTEGER NOT NULL,
  PRIMARY KEY (tenant_id, kid)
);

CREATE TABLE IF NOT EXISTS lti_replay (
  nonce              TEXT PRIMARY KEY,
  state              TEXT NOT NULL,
  tenant_id          TEXT NOT NULL,
  client_id          TEXT NOT NULL,
  login_hint         TEXT NOT NULL DEFAULT '',
  expires_at         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_lti_replay_exp ON lti_replay(expires_at);

CREATE TABLE IF NOT EXISTS lti_replay_marks (
  kind               TEXT NOT NULL,
  value              TEXT NOT NULL,
  expires_at         INTEGER NOT NULL,
  PRIMARY KEY (kind, value)
);

CREATE TABLE IF NOT EXISTS lti_audit (
  id                 INTEGER PRIMARY KEY AUTOINCREMENT,
  tenant_id          TEXT NOT NULL,
  actor              TEXT NOT NULL,
  action             TEXT NOT NULL,
  outcome            TEXT NOT NULL,
  target             TEXT NOT NULL DEFAULT '',
  detail             TEXT NOT NULL DEFAULT '{}',
  created_at         DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_lti_audit_tenant ON lti_audit(tenant_id, created_at);

CREATE TABLE IF NOT EXISTS assignments (
  id                 TEXT PRIMARY KEY,
  tenant_id          TEXT NOT NULL,
  course_id          TEXT NOT NULL DEFAULT '',
  title              TEXT NOT NULL,
  points_possible    REAL NOT NULL DEFAULT 0,
  resource_link_id   TEXT NOT NULL DEFAULT '',
  created_at         DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_assignments_tenant ON assignments(tenant_id);

CREATE TABLE IF NOT EXISTS submissions (
  id                 TEXT PRIMARY KEY,
  tenant_id          TEXT NOT NULL,
  assignment_id      TEXT NOT NULL REFERENCES assignments(id) ON DELETE CASCADE,
  user_id            TEXT NOT NULL,
  grade              REAL,
  status             TEXT NOT NULL DEFAULT 'submitted',
  graded_by          TEXT NOT NULL DEFAULT '',
  graded_at          DATETIME,
  comment            TEXT NOT NULL DEFAULT '',
  updated_at         DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  UNIQUE (tenant_id, assignment_id, user_id)
);
`

/* ------------------------------ LOCAL HELPERS ------------------------------ */

// splitSQL naively splits on ';' boundaries so we can run one statement at a time.
func splitSQL(s string) []string {
	raw := strings.Split(s, ";")
	out := make([]string, 0, len(raw))
	for _, part := range raw {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part+";")
	}
	return out
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
