package ledger

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"attest/pkg/models"
)

type ledgerDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore persists claims in the claims table. The unique
// (tenant_id, seq) index backs the append-only guarantee at the DB level.
type PostgresStore struct {
	DB ledgerDB
}

const claimColumns = `id, tenant_id, payload_hash, payload_ref, payload, prev_hash, seq, created_at, source_refs, license_tag`

func (s *PostgresStore) Append(ctx context.Context, c models.Claim) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO claims (id, tenant_id, payload_hash, payload_ref, payload, prev_hash, seq, created_at, source_refs, license_tag)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, c.ID, c.TenantID, c.PayloadHash, c.PayloadRef, c.Payload, c.PrevHash, c.Seq, c.CreatedAt, c.SourceRefs, c.LicenseTag)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, tenantID string, seq int64) (models.Claim, error) {
	row := s.DB.QueryRow(ctx, `SELECT `+claimColumns+` FROM claims WHERE tenant_id=$1 AND seq=$2`, tenantID, seq)
	return scanClaim(row)
}

func (s *PostgresStore) GetByID(ctx context.Context, claimID string) (models.Claim, error) {
	row := s.DB.QueryRow(ctx, `SELECT `+claimColumns+` FROM claims WHERE id=$1`, claimID)
	return scanClaim(row)
}

func (s *PostgresStore) Tail(ctx context.Context, tenantID string) (models.Claim, bool, error) {
	row := s.DB.QueryRow(ctx, `SELECT `+claimColumns+` FROM claims WHERE tenant_id=$1 ORDER BY seq DESC LIMIT 1`, tenantID)
	c, err := scanClaim(row)
	if errors.Is(err, ErrNotFound) {
		return models.Claim{}, false, nil
	}
	if err != nil {
		return models.Claim{}, false, err
	}
	return c, true, nil
}

func (s *PostgresStore) Range(ctx context.Context, tenantID string, from, to int64) ([]models.Claim, error) {
	rows, err := s.DB.Query(ctx, `SELECT `+claimColumns+` FROM claims WHERE tenant_id=$1 AND seq BETWEEN $2 AND $3 ORDER BY seq ASC`, tenantID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Tenants(ctx context.Context) ([]string, error) {
	rows, err := s.DB.Query(ctx, `SELECT DISTINCT tenant_id FROM claims ORDER BY tenant_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanClaim(row pgx.Row) (models.Claim, error) {
	var c models.Claim
	err := row.Scan(&c.ID, &c.TenantID, &c.PayloadHash, &c.PayloadRef, &c.Payload, &c.PrevHash, &c.Seq, &c.CreatedAt, &c.SourceRefs, &c.LicenseTag)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Claim{}, ErrNotFound
	}
	if err != nil {
		return models.Claim{}, err
	}
	return c, nil
}
