// Package signer issues signed decision receipts binding a policy decision
// to its input hash and Merkle inclusion proof.
package signer

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"attest/pkg/batcher"
	"attest/pkg/ledger"
	"attest/pkg/merkle"
	"attest/pkg/models"
)

type Signer struct {
	Keys    *Keyring
	Ledger  *ledger.Ledger
	Batches batcher.BatchStore
	Batcher *batcher.Batcher
	Store   ReceiptStore
	now     func() time.Time
}

func New(keys *Keyring, l *ledger.Ledger, batches batcher.BatchStore, b *batcher.Batcher, receipts ReceiptStore) *Signer {
	return &Signer{
		Keys:    keys,
		Ledger:  l,
		Batches: batches,
		Batcher: b,
		Store:   receipts,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SigningPayload is the canonical byte string a receipt signature covers:
// everything except the signature itself.
func SigningPayload(r models.DecisionReceipt) ([]byte, error) {
	binding := struct {
		ReceiptID     string              `json:"receipt_id"`
		ClaimID       string              `json:"claim_id,omitempty"`
		QueryID       string              `json:"query_id,omitempty"`
		TenantID      string              `json:"tenant_id"`
		Seq           int64               `json:"seq"`
		InputHash     string              `json:"input_hash"`
		PolicyID      string              `json:"policy_id"`
		PolicyVersion string              `json:"policy_version"`
		Decision      string              `json:"decision"`
		ReasonCodes   []string            `json:"reason_codes,omitempty"`
		MerklePath    []models.MerkleStep `json:"merkle_path"`
		Provisional   bool                `json:"provisional,omitempty"`
		BatchID       string              `json:"batch_id"`
		SignerKid     string              `json:"signer_kid"`
		IssuedAt      string              `json:"issued_at"`
	}{
		ReceiptID:     r.ReceiptID,
		ClaimID:       r.ClaimID,
		QueryID:       r.QueryID,
		TenantID:      r.TenantID,
		Seq:           r.Seq,
		InputHash:     r.InputHash,
		PolicyID:      r.PolicyID,
		PolicyVersion: r.PolicyVersion,
		Decision:      r.Decision,
		ReasonCodes:   r.ReasonCodes,
		MerklePath:    r.MerklePath,
		Provisional:   r.Provisional,
		BatchID:       r.BatchID,
		SignerKid:     r.SignerKid,
		IssuedAt:      r.IssuedAt.UTC().Format(time.RFC3339Nano),
	}
	canon, err := models.Canonicalize(binding)
	if err != nil {
		return nil, fmt.Errorf("signer: canonicalize binding: %w", err)
	}
	return canon, nil
}

// IssueClaimReceipt signs a decision over the claim at (tenant, seq). When
// the claim's batch is not yet sealed the receipt carries a provisional
// path over the open range and the stable pending batch id; verification
// recomputes the path once the batch seals.
func (s *Signer) IssueClaimReceipt(ctx context.Context, tenantID string, seq int64, policyID, policyVersion, decision string, reasonCodes []string) (models.DecisionReceipt, error) {
	r, err := s.buildClaimReceipt(ctx, tenantID, seq, policyID, policyVersion, decision, reasonCodes)
	if err != nil {
		return models.DecisionReceipt{}, err
	}
	return s.sign(ctx, r)
}

func (s *Signer) buildClaimReceipt(ctx context.Context, tenantID string, seq int64, policyID, policyVersion, decision string, reasonCodes []string) (models.DecisionReceipt, error) {
	claim, err := s.Ledger.Get(ctx, tenantID, seq)
	if err != nil {
		return models.DecisionReceipt{}, fmt.Errorf("signer: claim: %w", err)
	}
	leafHash := models.ClaimHash(claim)

	path, batchID, provisional, err := s.proofForClaim(ctx, tenantID, seq, leafHash)
	if err != nil {
		return models.DecisionReceipt{}, err
	}

	r := models.DecisionReceipt{
		ReceiptID:     uuid.New().String(),
		ClaimID:       claim.ID,
		TenantID:      tenantID,
		Seq:           seq,
		InputHash:     claim.PayloadHash,
		PolicyID:      policyID,
		PolicyVersion: policyVersion,
		Decision:      decision,
		ReasonCodes:   reasonCodes,
		MerklePath:    path,
		Provisional:   provisional,
		BatchID:       batchID,
		IssuedAt:      s.now(),
	}
	return r, nil
}

// IssuePSIReceipt wraps a completed PSI proof in a receipt. The input hash
// covers the proof blob; the receipt is not chained to a batch until the
// query's audit claim is sealed, so it references that claim's position.
func (s *Signer) IssuePSIReceipt(ctx context.Context, proof models.PSIProof, auditTenant string, auditSeq int64, policyID, policyVersion string, reasonCodes []string) (models.DecisionReceipt, error) {
	r, err := s.buildClaimReceipt(ctx, auditTenant, auditSeq, policyID, policyVersion, models.DecisionAllow, reasonCodes)
	if err != nil {
		return models.DecisionReceipt{}, err
	}
	r.QueryID = proof.RequestID
	r.InputHash = models.HashBytes([]byte(proof.ProofBlob))
	return s.sign(ctx, r)
}

// proofForClaim attaches the Merkle evidence for (tenant, seq): a sealed
// path when the covering batch exists, otherwise a provisional path over
// the open range. The provisional branch runs under the batcher's seal
// lane; read outside it, a seal landing between the range snapshot and
// PendingBatchID would bind the receipt to a batch that never covers seq.
func (s *Signer) proofForClaim(ctx context.Context, tenantID string, seq int64, leafHash string) (path []models.MerkleStep, batchID string, provisional bool, err error) {
	batch, err := s.Batches.ForSeq(ctx, tenantID, seq)
	if err == nil {
		path, err = sealedPath(batch, seq)
		return path, batch.BatchID, false, err
	}
	if !errors.Is(err, batcher.ErrBatchNotFound) {
		return nil, "", false, fmt.Errorf("signer: batch lookup: %w", err)
	}
	err = s.Batcher.WithSealLane(tenantID, func() error {
		sealed, lerr := s.Batches.ForSeq(ctx, tenantID, seq)
		if lerr == nil {
			// The range sealed while we waited for the lane.
			path, lerr = sealedPath(sealed, seq)
			batchID = sealed.BatchID
			return lerr
		}
		if !errors.Is(lerr, batcher.ErrBatchNotFound) {
			return fmt.Errorf("signer: batch lookup: %w", lerr)
		}
		path, batchID, lerr = s.provisionalPath(ctx, tenantID, seq, leafHash)
		provisional = lerr == nil
		return lerr
	})
	if err != nil {
		return nil, "", false, err
	}
	return path, batchID, provisional, nil
}

func sealedPath(batch models.MerkleBatch, seq int64) ([]models.MerkleStep, error) {
	path, err := merkle.Path(batch.LeafHashes, int(seq-batch.FirstSeq))
	if err != nil {
		return nil, fmt.Errorf("signer: path: %w", err)
	}
	return path, nil
}

func (s *Signer) provisionalPath(ctx context.Context, tenantID string, seq int64, leafHash string) ([]models.MerkleStep, string, error) {
	firstSeq := int64(0)
	if last, ok, err := s.Batches.LastSealed(ctx, tenantID); err != nil {
		return nil, "", fmt.Errorf("signer: last sealed: %w", err)
	} else if ok {
		firstSeq = last.LastSeq + 1
	}
	tail, ok, err := s.Ledger.Tail(ctx, tenantID)
	if err != nil || !ok {
		return nil, "", fmt.Errorf("signer: tail of unsealed range: %w", err)
	}
	claims, err := s.Ledger.Range(ctx, tenantID, firstSeq, tail.Seq)
	if err != nil {
		return nil, "", fmt.Errorf("signer: unsealed range: %w", err)
	}
	leaves := make([]string, len(claims))
	idx := -1
	for i, c := range claims {
		leaves[i] = models.ClaimHash(c)
		if c.Seq == seq {
			idx = i
		}
	}
	if idx < 0 || leaves[idx] != leafHash {
		return nil, "", fmt.Errorf("signer: claim seq %d not in open range", seq)
	}
	path, err := merkle.Path(leaves, idx)
	if err != nil {
		return nil, "", fmt.Errorf("signer: provisional path: %w", err)
	}
	return path, s.Batcher.PendingBatchID(tenantID), nil
}

func (s *Signer) sign(ctx context.Context, r models.DecisionReceipt) (models.DecisionReceipt, error) {
	kid, priv := s.Keys.Active()
	if priv == nil {
		return models.DecisionReceipt{}, errors.New("signer: no active key")
	}
	r.SignerKid = kid
	payload, err := SigningPayload(r)
	if err != nil {
		return models.DecisionReceipt{}, err
	}
	r.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(priv, payload))
	if s.Store != nil {
		if err := s.Store.Put(ctx, r); err != nil {
			return models.DecisionReceipt{}, fmt.Errorf("signer: store receipt: %w", err)
		}
	}
	return r, nil
}
