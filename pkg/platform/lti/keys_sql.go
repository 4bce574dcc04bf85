package lti

import (
	"context"
	"crypto/x509"
	"database/sql"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mind-engage/mindengage-lti/pkg/platform/storage"
)

// SQLKeyStorage persists tenant signing keys in lti_keys as PKCS#1 PEM so
// kids stay stable across restarts and replicas.
type SQLKeyStorage struct {
	DB *storage.DB
}

func NewSQLKeyStorage(db *storage.DB) *SQLKeyStorage { return &SQLKeyStorage{DB: db} }

func (s *SQLKeyStorage) List(ctx context.Context, tenantID string) ([]KeyRecord, error) {
	rows, err := s.DB.SQL.QueryContext(ctx,
		`SELECT kid, alg, private_pem, created_at FROM lti_keys WHERE tenant_id=$1`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("keystore: list: %w", err)
	}
	defer rows.Close()
	var out []KeyRecord
	for rows.Next() {
		rec, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Save inserts rec. A kid already stored for the tenant is left untouched.
func (s *SQLKeyStorage) Save(ctx context.Context, tenantID string, rec KeyRecord) error {
	if strings.TrimSpace(tenantID) == "" || strings.TrimSpace(rec.KID) == "" {
		return errors.New("keystore: tenant and kid required")
	}
	if rec.RSAPrivate == nil {
		return errors.New("keystore: nil rsa key")
	}
	block := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(rec.RSAPrivate)})
	_, err := s.DB.SQL.ExecContext(ctx, `INSERT INTO lti_keys (tenant_id, kid, alg, private_pem, created_at)
		VALUES ($1,$2,$3,$4,$5) ON CONFLICT (tenant_id, kid) DO NOTHING`,
		tenantID, rec.KID, rec.Alg, string(block), rec.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("keystore: save: %w", err)
	}
	return nil
}

func (s *SQLKeyStorage) Get(ctx context.Context, tenantID, kid string) (KeyRecord, error) {
	row := s.DB.SQL.QueryRowContext(ctx,
		`SELECT kid, alg, private_pem, created_at FROM lti_keys WHERE tenant_id=$1 AND kid=$2`, tenantID, kid)
	rec, err := scanKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return KeyRecord{}, ErrNoKey
	}
	return rec, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKey(row rowScanner) (KeyRecord, error) {
	var (
		rec     KeyRecord
		pemText string
		created int64
	)
	if err := row.Scan(&rec.KID, &rec.Alg, &pemText, &created); err != nil {
		return KeyRecord{}, err
	}
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return KeyRecord{}, fmt.Errorf("keystore: kid %s: bad pem", rec.KID)
	}
	priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return KeyRecord{}, fmt.Errorf("keystore: kid %s: %w", rec.KID, err)
	}
	rec.RSAPrivate = priv
	rec.CreatedAt = time.UnixMilli(created).UTC()
	return rec, nil
}
