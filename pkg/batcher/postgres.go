package batcher

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"attest/pkg/models"
)

type batchDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresBatchStore persists sealed batches in merkle_batches.
type PostgresBatchStore struct {
	DB batchDB
}

const batchColumns = `batch_id, tenant_id, leaf_hashes, root_hash, first_seq, last_seq, created_at, COALESCE(anchor_ref, '')`

func (s *PostgresBatchStore) Put(ctx context.Context, b models.MerkleBatch) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO merkle_batches (batch_id, tenant_id, leaf_hashes, root_hash, first_seq, last_seq, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, b.BatchID, b.TenantID, b.LeafHashes, b.RootHash, b.FirstSeq, b.LastSeq, b.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrRangeSealed
	}
	return err
}

func (s *PostgresBatchStore) Get(ctx context.Context, batchID string) (models.MerkleBatch, error) {
	row := s.DB.QueryRow(ctx, `SELECT `+batchColumns+` FROM merkle_batches WHERE batch_id=$1`, batchID)
	return scanBatch(row)
}

func (s *PostgresBatchStore) ForSeq(ctx context.Context, tenantID string, seq int64) (models.MerkleBatch, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT `+batchColumns+` FROM merkle_batches
		WHERE tenant_id=$1 AND first_seq<=$2 AND last_seq>=$2
	`, tenantID, seq)
	return scanBatch(row)
}

func (s *PostgresBatchStore) LastSealed(ctx context.Context, tenantID string) (models.MerkleBatch, bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT `+batchColumns+` FROM merkle_batches
		WHERE tenant_id=$1 ORDER BY last_seq DESC LIMIT 1
	`, tenantID)
	b, err := scanBatch(row)
	if errors.Is(err, ErrBatchNotFound) {
		return models.MerkleBatch{}, false, nil
	}
	if err != nil {
		return models.MerkleBatch{}, false, err
	}
	return b, true, nil
}

func (s *PostgresBatchStore) SetAnchorRef(ctx context.Context, batchID, anchorRef string) error {
	tag, err := s.DB.Exec(ctx, `UPDATE merkle_batches SET anchor_ref=$2 WHERE batch_id=$1`, batchID, anchorRef)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrBatchNotFound
	}
	return nil
}

func scanBatch(row pgx.Row) (models.MerkleBatch, error) {
	var b models.MerkleBatch
	err := row.Scan(&b.BatchID, &b.TenantID, &b.LeafHashes, &b.RootHash, &b.FirstSeq, &b.LastSeq, &b.CreatedAt, &b.AnchorRef)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.MerkleBatch{}, ErrBatchNotFound
	}
	if err != nil {
		return models.MerkleBatch{}, err
	}
	return b, nil
}
