package models

import (
	"encoding/json"
	"time"
)

// Decision outcomes bound into receipts.
const (
	DecisionAllow = "ALLOW"
	DecisionDeny  = "DENY"
)

// Stable reason codes. Callers branch on these, never on free text.
const (
	ReasonOK                 = "OK"
	ReasonHashMismatch       = "HASH_MISMATCH"
	ReasonProofInvalid       = "PROOF_INVALID"
	ReasonSignatureInvalid   = "SIGNATURE_INVALID"
	ReasonRevoked            = "REVOKED"
	ReasonPolicyStale        = "POLICY_STALE"
	ReasonBudgetExceeded     = "BUDGET_EXCEEDED"
	ReasonPSITimeout         = "PSI_TIMEOUT"
	ReasonCommitmentMismatch = "COMMITMENT_MISMATCH"
	ReasonTenantHalted       = "HALTED"
)

// ZeroHash is the prev_hash of the first entry in a tenant chain.
const ZeroHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Claim is one immutable entry in a tenant's hash-linked chain.
type Claim struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenant_id"`
	PayloadHash string          `json:"payload_hash"`
	PayloadRef  string          `json:"payload_ref,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	PrevHash    string          `json:"prev_hash"`
	Seq         int64           `json:"seq"`
	CreatedAt   time.Time       `json:"created_at"`
	SourceRefs  []string        `json:"source_refs,omitempty"`
	LicenseTag  string          `json:"license_tag,omitempty"`
}

// MerkleBatch is a sealed range of a tenant chain. Immutable after sealing.
type MerkleBatch struct {
	BatchID    string    `json:"batch_id"`
	TenantID   string    `json:"tenant_id"`
	LeafHashes []string  `json:"leaf_hashes"`
	RootHash   string    `json:"root_hash"`
	FirstSeq   int64     `json:"first_seq"`
	LastSeq    int64     `json:"last_seq"`
	CreatedAt  time.Time `json:"created_at"`
	AnchorRef  string    `json:"anchor_ref,omitempty"`
}

// MerkleStep is one level of an inclusion path. Left reports whether the
// sibling hash sits on the left of the running hash.
type MerkleStep struct {
	Hash string `json:"hash"`
	Left bool   `json:"left"`
}

// DecisionReceipt binds a policy decision to its input hash and ledger proof.
// Never mutated; superseded by revocation, not edited.
type DecisionReceipt struct {
	ReceiptID     string       `json:"receipt_id"`
	ClaimID       string       `json:"claim_id,omitempty"`
	QueryID       string       `json:"query_id,omitempty"`
	TenantID      string       `json:"tenant_id"`
	Seq           int64        `json:"seq"`
	InputHash     string       `json:"input_hash"`
	PolicyID      string       `json:"policy_id"`
	PolicyVersion string       `json:"policy_version"`
	Decision      string       `json:"decision"`
	ReasonCodes   []string     `json:"reason_codes,omitempty"`
	MerklePath    []MerkleStep `json:"merkle_path"`
	Provisional   bool         `json:"provisional,omitempty"`
	BatchID       string       `json:"batch_id"`
	Signature     string       `json:"signature"`
	SignerKid     string       `json:"signer_kid"`
	IssuedAt      time.Time    `json:"issued_at"`
}

// RevocationRecord tombstones a claim, receipt or proof. Permanent: a
// correction is a new claim referencing the revoked one.
type RevocationRecord struct {
	RevocationID string    `json:"revocation_id"`
	TargetID     string    `json:"target_id"`
	TenantScope  []string  `json:"tenant_scope"`
	Reason       string    `json:"reason"`
	IssuedAt     time.Time `json:"issued_at"`
	Issuer       string    `json:"issuer"`
}

// PrivacyBudget is a per (tenant, purpose, window) consumption quota.
type PrivacyBudget struct {
	TenantID    string    `json:"tenant_id"`
	Purpose     string    `json:"purpose"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Limit       int64     `json:"limit"`
	Consumed    int64     `json:"consumed"`
}

// PSI query modes.
const (
	PSIModeCardinality = "cardinality"
	PSIModeSet         = "set"
)

// PSI query states.
const (
	PSIStatusPending  = "PENDING"
	PSIStatusComplete = "COMPLETE"
	PSIStatusFailed   = "FAILED"
)

// PSIRequest describes one cross-tenant intersection query.
type PSIRequest struct {
	RequestID      string `json:"request_id"`
	TenantA        string `json:"tenant_a"`
	TenantB        string `json:"tenant_b"`
	Purpose        string `json:"purpose"`
	Mode           string `json:"mode"`
	SetCommitmentA string `json:"set_commitment_a,omitempty"`
	SetCommitmentB string `json:"set_commitment_b,omitempty"`
}

// PSIProof is the immutable result artifact of a completed PSI query.
// Readable by both tenants, mutable by neither.
type PSIProof struct {
	RequestID      string    `json:"request_id"`
	TenantA        string    `json:"tenant_a"`
	TenantB        string    `json:"tenant_b"`
	SetCommitmentA string    `json:"set_commitment_a"`
	SetCommitmentB string    `json:"set_commitment_b"`
	OverlapCount   int       `json:"overlap_count"`
	Overlap        []string  `json:"overlap,omitempty"`
	ProofBlob      string    `json:"proof_blob"`
	BudgetCharged  int64     `json:"budget_charged"`
	CompletedAt    time.Time `json:"completed_at"`
}

// AnchorExport is the payload handed to an external notarization collaborator.
type AnchorExport struct {
	BatchID    string   `json:"batch_id"`
	RootHash   string   `json:"root_hash"`
	FirstSeq   int64    `json:"first_seq"`
	LastSeq    int64    `json:"last_seq"`
	Signatures []string `json:"signatures"`
}

// VerifyResult is the structured outcome of receipt verification.
type VerifyResult struct {
	Status        string   `json:"status"`
	ReasonCodes   []string `json:"reason_codes"`
	Explanation   string   `json:"explanation,omitempty"`
	PolicyVersion string   `json:"policy_version,omitempty"`
}

// Verify statuses.
const (
	VerifyOK   = "OK"
	VerifyFail = "FAIL"
)

func (r VerifyResult) OK() bool { return r.Status == VerifyOK }

// Fail builds a failed VerifyResult with one reason code.
func Fail(reason, explanation string) VerifyResult {
	return VerifyResult{Status: VerifyFail, ReasonCodes: []string{reason}, Explanation: explanation}
}
