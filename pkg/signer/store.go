package signer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"attest/pkg/models"
)

var ErrReceiptNotFound = errors.New("signer: receipt not found")

// ReceiptStore persists issued receipts for later lookup and verification.
type ReceiptStore interface {
	Put(ctx context.Context, r models.DecisionReceipt) error
	Get(ctx context.Context, receiptID string) (models.DecisionReceipt, error)
}

type MemoryReceiptStore struct {
	mu   sync.RWMutex
	byID map[string]models.DecisionReceipt
}

func NewMemoryReceiptStore() *MemoryReceiptStore {
	return &MemoryReceiptStore{byID: map[string]models.DecisionReceipt{}}
}

func (m *MemoryReceiptStore) Put(ctx context.Context, r models.DecisionReceipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byID[r.ReceiptID]; exists {
		return errors.New("signer: receipt already issued")
	}
	m.byID[r.ReceiptID] = r
	return nil
}

func (m *MemoryReceiptStore) Get(ctx context.Context, receiptID string) (models.DecisionReceipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.byID[receiptID]
	if !ok {
		return models.DecisionReceipt{}, ErrReceiptNotFound
	}
	return r, nil
}

type receiptDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PostgresReceiptStore struct {
	DB receiptDB
}

func (s *PostgresReceiptStore) Put(ctx context.Context, r models.DecisionReceipt) error {
	path, err := models.Canonicalize(r.MerklePath)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `
		INSERT INTO decision_receipts
		(receipt_id, claim_id, query_id, tenant_id, seq, input_hash, policy_id, policy_version, decision, reason_codes, merkle_path, provisional, batch_id, signature, signer_kid, issued_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`, r.ReceiptID, r.ClaimID, r.QueryID, r.TenantID, r.Seq, r.InputHash, r.PolicyID, r.PolicyVersion, r.Decision, r.ReasonCodes, path, r.Provisional, r.BatchID, r.Signature, r.SignerKid, r.IssuedAt)
	return err
}

func (s *PostgresReceiptStore) Get(ctx context.Context, receiptID string) (models.DecisionReceipt, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT receipt_id, COALESCE(claim_id,''), COALESCE(query_id,''), tenant_id, seq, input_hash, policy_id, policy_version, decision, reason_codes, merkle_path, provisional, batch_id, signature, signer_kid, issued_at
		FROM decision_receipts WHERE receipt_id=$1
	`, receiptID)
	var r models.DecisionReceipt
	var path []byte
	err := row.Scan(&r.ReceiptID, &r.ClaimID, &r.QueryID, &r.TenantID, &r.Seq, &r.InputHash, &r.PolicyID, &r.PolicyVersion, &r.Decision, &r.ReasonCodes, &path, &r.Provisional, &r.BatchID, &r.Signature, &r.SignerKid, &r.IssuedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.DecisionReceipt{}, ErrReceiptNotFound
	}
	if err != nil {
		return models.DecisionReceipt{}, err
	}
	if err := unmarshalPath(path, &r.MerklePath); err != nil {
		return models.DecisionReceipt{}, err
	}
	return r, nil
}

func unmarshalPath(raw []byte, into *[]models.MerkleStep) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, into)
}
