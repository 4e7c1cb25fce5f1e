// Package verifier recomputes hashes, Merkle paths and signatures for
// decision receipts. Verification is a pure read: idempotent, side-effect
// free, and able to run offline given the receipt, the claim and the
// batch's leaf set.
package verifier

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"attest/pkg/batcher"
	"attest/pkg/ledger"
	"attest/pkg/merkle"
	"attest/pkg/models"
	"attest/pkg/signer"
)

type ClaimSource interface {
	Get(ctx context.Context, tenantID string, seq int64) (models.Claim, error)
}

type BatchSource interface {
	Get(ctx context.Context, batchID string) (models.MerkleBatch, error)
}

type KeySource interface {
	Lookup(kid string) (signer.KeyRecord, bool)
}

type RevocationSource interface {
	IsRevoked(id string) bool
}

type PolicySource interface {
	IsCurrent(policyID, version string) bool
}

type Verifier struct {
	Claims   ClaimSource
	Batches  BatchSource
	Keys     KeySource
	Revoked  RevocationSource // nil skips revocation checks (offline bundles)
	Policies PolicySource     // nil disables strict policy checks
}

type Options struct {
	// StrictPolicy additionally requires the receipt's policy version to be
	// the registry's current version.
	StrictPolicy bool
}

// Verify runs the check sequence: input hash, Merkle proof, signature,
// revocation, policy currency. The first failure wins and maps to exactly
// one stable reason code.
func (v *Verifier) Verify(ctx context.Context, r models.DecisionReceipt, opts Options) models.VerifyResult {
	claim, err := v.Claims.Get(ctx, r.TenantID, r.Seq)
	if err != nil {
		return models.Fail(models.ReasonHashMismatch, fmt.Sprintf("referenced claim not found: %v", err))
	}
	if r.ClaimID != "" && claim.ID != r.ClaimID {
		return models.Fail(models.ReasonHashMismatch, "receipt claim_id does not match ledger entry")
	}

	if reason, detail := v.checkInputHash(r, claim); reason != "" {
		return models.Fail(reason, detail)
	}
	if reason, detail := v.checkProof(ctx, r, claim); reason != "" {
		return models.Fail(reason, detail)
	}
	if reason, detail := checkSignature(v.Keys, r); reason != "" {
		return models.Fail(reason, detail)
	}
	if v.Revoked != nil {
		for _, id := range []string{r.ReceiptID, r.ClaimID, r.QueryID, claim.ID} {
			if id != "" && v.Revoked.IsRevoked(id) {
				return models.VerifyResult{
					Status:        models.VerifyFail,
					ReasonCodes:   []string{models.ReasonRevoked},
					Explanation:   "target or a source it derives from has been revoked",
					PolicyVersion: r.PolicyVersion,
				}
			}
		}
	}
	if opts.StrictPolicy && v.Policies != nil && !v.Policies.IsCurrent(r.PolicyID, r.PolicyVersion) {
		return models.VerifyResult{
			Status:        models.VerifyFail,
			ReasonCodes:   []string{models.ReasonPolicyStale},
			Explanation:   fmt.Sprintf("policy %s version %s is no longer current", r.PolicyID, r.PolicyVersion),
			PolicyVersion: r.PolicyVersion,
		}
	}
	return models.VerifyResult{Status: models.VerifyOK, ReasonCodes: []string{models.ReasonOK}, PolicyVersion: r.PolicyVersion}
}

func (v *Verifier) checkInputHash(r models.DecisionReceipt, claim models.Claim) (string, string) {
	if r.QueryID != "" {
		// Query receipts bind the PSI proof blob recorded in the audit claim.
		var payload struct {
			ProofBlob string `json:"proof_blob"`
		}
		if err := json.Unmarshal(claim.Payload, &payload); err != nil || payload.ProofBlob == "" {
			return models.ReasonHashMismatch, "audit claim does not carry a proof blob"
		}
		if models.HashBytes([]byte(payload.ProofBlob)) != r.InputHash {
			return models.ReasonHashMismatch, "recomputed proof hash differs from receipt input_hash"
		}
		return "", ""
	}
	if len(claim.Payload) > 0 {
		recomputed, err := models.PayloadHash(claim.Payload)
		if err != nil {
			return models.ReasonHashMismatch, fmt.Sprintf("payload does not canonicalize: %v", err)
		}
		if recomputed != r.InputHash {
			return models.ReasonHashMismatch, "recomputed payload hash differs from receipt input_hash"
		}
		return "", ""
	}
	if claim.PayloadHash != r.InputHash {
		return models.ReasonHashMismatch, "stored payload hash differs from receipt input_hash"
	}
	return "", ""
}

func (v *Verifier) checkProof(ctx context.Context, r models.DecisionReceipt, claim models.Claim) (string, string) {
	leaf := models.ClaimHash(claim)
	batch, err := v.Batches.Get(ctx, r.BatchID)
	if err != nil {
		if r.Provisional && errors.Is(err, batcher.ErrBatchNotFound) {
			// Batch not sealed yet: the path stays provisional and is
			// re-validated on the next verify after sealing.
			return "", ""
		}
		return models.ReasonProofInvalid, fmt.Sprintf("referenced batch unavailable: %v", err)
	}
	if r.Seq < batch.FirstSeq || r.Seq > batch.LastSeq {
		return models.ReasonProofInvalid, "claim seq outside batch range"
	}
	idx := int(r.Seq - batch.FirstSeq)
	if idx >= len(batch.LeafHashes) || batch.LeafHashes[idx] != leaf {
		return models.ReasonProofInvalid, "claim hash is not the batch leaf at its position"
	}
	root, err := merkle.Root(batch.LeafHashes)
	if err != nil {
		return models.ReasonProofInvalid, fmt.Sprintf("batch leaves malformed: %v", err)
	}
	if root != batch.RootHash {
		return models.ReasonProofInvalid, "stored leaves do not recompute to stored root"
	}
	// The path is always recomputed from stored leaves, never trusted from
	// the receipt, so provisional receipts validate once the batch seals.
	path, err := merkle.Path(batch.LeafHashes, idx)
	if err != nil {
		return models.ReasonProofInvalid, fmt.Sprintf("path recompute failed: %v", err)
	}
	if !merkle.VerifyPath(leaf, path, batch.RootHash) {
		return models.ReasonProofInvalid, "recomputed path does not reach the batch root"
	}
	return "", ""
}

func checkSignature(keys KeySource, r models.DecisionReceipt) (string, string) {
	rec, ok := keys.Lookup(r.SignerKid)
	if !ok {
		return models.ReasonSignatureInvalid, fmt.Sprintf("unknown signer kid %s", r.SignerKid)
	}
	if !rec.Valid(r.IssuedAt) {
		return models.ReasonSignatureInvalid, "signer key was not valid at issue time"
	}
	payload, err := signer.SigningPayload(r)
	if err != nil {
		return models.ReasonSignatureInvalid, fmt.Sprintf("binding payload: %v", err)
	}
	sig, err := base64.StdEncoding.DecodeString(r.Signature)
	if err != nil {
		return models.ReasonSignatureInvalid, "signature is not base64"
	}
	if !ed25519.Verify(rec.PublicKey, payload, sig) {
		return models.ReasonSignatureInvalid, "ed25519 verification failed"
	}
	return "", ""
}

// ledgerClaims adapts *ledger.Ledger to ClaimSource.
type ledgerClaims struct{ l *ledger.Ledger }

func (a ledgerClaims) Get(ctx context.Context, tenantID string, seq int64) (models.Claim, error) {
	return a.l.Get(ctx, tenantID, seq)
}

// batchStoreSource adapts a batcher.BatchStore to BatchSource.
type batchStoreSource struct{ s batcher.BatchStore }

func (a batchStoreSource) Get(ctx context.Context, batchID string) (models.MerkleBatch, error) {
	return a.s.Get(ctx, batchID)
}

// New wires a verifier over the live ledger, batch store and keyring.
func New(l *ledger.Ledger, batches batcher.BatchStore, keys KeySource, revoked RevocationSource, policies PolicySource) *Verifier {
	return &Verifier{
		Claims:   ledgerClaims{l},
		Batches:  batchStoreSource{batches},
		Keys:     keys,
		Revoked:  revoked,
		Policies: policies,
	}
}
