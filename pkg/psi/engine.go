// Package psi computes private set intersections between two tenants
// using keyed-hash commitments. Raw elements enter the engine only for
// the duration of a query; elements outside the intersection are erased
// on completion and never appear in proofs, receipts, or logs.
package psi

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"attest/pkg/budget"
	"attest/pkg/ledger"
	"attest/pkg/models"
)

const (
	DefaultTimeout = 30 * time.Second
	DefaultCost    = 1
)

var (
	ErrUnknownRequest   = errors.New("psi: unknown request")
	ErrNotParticipant   = errors.New("psi: tenant is not a participant")
	ErrAlreadySubmitted = errors.New("psi: tenant already submitted")
	ErrCompleted        = errors.New("psi: query already completed")
)

// AdmissionError reports a budget denial before any protocol round ran.
type AdmissionError struct {
	Decision budget.Decision
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("psi: %s: consumed %d of %d", e.Decision.Reason, e.Decision.Consumed, e.Decision.Limit)
}

// ProtocolError reports a failed query with its taxonomy reason code.
type ProtocolError struct {
	RequestID string
	Reason    string
	Detail    string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("psi: request %s: %s: %s", e.RequestID, e.Reason, e.Detail)
}

// ReceiptIssuer wraps a completed proof in a signed decision receipt.
// Satisfied by *signer.Signer.
type ReceiptIssuer interface {
	IssuePSIReceipt(ctx context.Context, proof models.PSIProof, auditTenant string, auditSeq int64, policyID, policyVersion string, reasonCodes []string) (models.DecisionReceipt, error)
}

// ProofLinker registers a shared proof's derivation edges. Satisfied by
// *revocation.Graph.
type ProofLinker interface {
	LinkPSIProof(ctx context.Context, proof models.PSIProof, sourceIDs ...string) error
}

// Result is the queryable state of one PSI request.
type Result struct {
	RequestID string                  `json:"request_id"`
	Status    string                  `json:"status"`
	Reason    string                  `json:"reason,omitempty"`
	Proof     *models.PSIProof        `json:"proof,omitempty"`
	Receipt   *models.DecisionReceipt `json:"receipt,omitempty"`
}

type submission struct {
	commitments   []string
	elements      map[string]string // commitment -> element, erased on settle
	setCommitment string
}

type session struct {
	req      models.PSIRequest
	key      []byte
	nonce    map[string][]byte
	deadline time.Time
	sides    map[string]*submission
	status   string
	reason   string
	charged  bool
	window   time.Time // budget window the admission charge landed in
	proof    *models.PSIProof
	receipt  *models.DecisionReceipt
}

// Engine runs commitment-based intersection queries gated by the privacy
// budget accountant.
type Engine struct {
	Budget        budget.Accountant
	Signer        ReceiptIssuer
	Ledger        *ledger.Ledger
	Linker        ProofLinker
	Timeout       time.Duration
	Cost          int64
	PolicyID      string
	PolicyVersion string
	MaxGini       float64

	now      func() time.Time
	sched    *scheduler
	mu       sync.Mutex
	sessions map[string]*session
}

func New(acct budget.Accountant, issuer ReceiptIssuer, l *ledger.Ledger) *Engine {
	return &Engine{
		Budget:        acct,
		Signer:        issuer,
		Ledger:        l,
		Timeout:       DefaultTimeout,
		Cost:          DefaultCost,
		PolicyID:      "psi-exchange",
		PolicyVersion: "v1",
		MaxGini:       0.5,
		now:           func() time.Time { return time.Now().UTC() },
		sched:         newScheduler(4),
		sessions:      map[string]*session{},
	}
}

// budgetPurpose keys admission on (requesting tenant, target tenant,
// purpose) so a tenant's quota toward one counterparty is independent of
// its quota toward another.
func budgetPurpose(req models.PSIRequest) string {
	return req.TenantB + "|" + req.Purpose
}

// Open admits the query against tenant A's budget and opens a pending
// session. The per-query commitment key is derived from fresh nonces for
// both parties; Key returns each party's view of it.
func (e *Engine) Open(ctx context.Context, req models.PSIRequest) (models.PSIRequest, error) {
	if req.TenantA == "" || req.TenantB == "" || req.TenantA == req.TenantB {
		return models.PSIRequest{}, fmt.Errorf("psi: invalid tenant pair %q/%q", req.TenantA, req.TenantB)
	}
	switch req.Mode {
	case models.PSIModeCardinality, models.PSIModeSet:
	case "":
		req.Mode = models.PSIModeCardinality
	default:
		return models.PSIRequest{}, fmt.Errorf("psi: unknown mode %q", req.Mode)
	}

	d, err := e.Budget.Admit(ctx, req.TenantA, budgetPurpose(req), e.Cost)
	if err != nil {
		return models.PSIRequest{}, fmt.Errorf("psi: budget admit: %w", err)
	}
	if !d.Admitted {
		return models.PSIRequest{}, &AdmissionError{Decision: d}
	}

	req.RequestID = uuid.New().String()
	nonceA, nonceB := newNonce(), newNonce()
	s := &session{
		req:      req,
		key:      DeriveKey(req.RequestID, nonceA, nonceB),
		nonce:    map[string][]byte{req.TenantA: nonceA, req.TenantB: nonceB},
		deadline: e.now().Add(e.Timeout),
		sides:    map[string]*submission{},
		status:   models.PSIStatusPending,
		charged:  true,
		window:   d.WindowStart,
	}

	e.mu.Lock()
	e.sessions[req.RequestID] = s
	e.mu.Unlock()
	return req, nil
}

// Key returns the commitment key for a participant of an open session,
// used by clients that commit their sets locally.
func (e *Engine) Key(requestID, tenantID string) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[requestID]
	if !ok {
		return nil, ErrUnknownRequest
	}
	if tenantID != s.req.TenantA && tenantID != s.req.TenantB {
		return nil, ErrNotParticipant
	}
	key := make([]byte, len(s.key))
	copy(key, s.key)
	return key, nil
}

// Submit delivers one tenant's private set. When a declared set
// commitment is given it must match the recomputed one exactly. The
// second submission triggers intersection and receipt issuance.
func (e *Engine) Submit(ctx context.Context, requestID, tenantID string, elements []string, declared string) error {
	e.mu.Lock()
	s, ok := e.sessions[requestID]
	if !ok {
		e.mu.Unlock()
		return ErrUnknownRequest
	}
	if tenantID != s.req.TenantA && tenantID != s.req.TenantB {
		e.mu.Unlock()
		return ErrNotParticipant
	}
	if s.status != models.PSIStatusPending {
		e.mu.Unlock()
		if s.status == models.PSIStatusComplete {
			return ErrCompleted
		}
		return &ProtocolError{RequestID: requestID, Reason: s.reason, Detail: "query already settled"}
	}
	if e.now().After(s.deadline) {
		e.failLocked(ctx, s, models.ReasonPSITimeout, "protocol round deadline passed")
		e.mu.Unlock()
		return &ProtocolError{RequestID: requestID, Reason: models.ReasonPSITimeout, Detail: "protocol round deadline passed"}
	}
	if _, dup := s.sides[tenantID]; dup {
		e.mu.Unlock()
		return ErrAlreadySubmitted
	}
	key := s.key
	e.mu.Unlock()

	e.sched.acquire(tenantID)
	defer e.sched.release(tenantID)

	commitments := CommitSet(key, elements)
	byCommit := make(map[string]string, len(elements))
	for _, el := range elements {
		byCommit[CommitElement(key, el)] = el
	}
	setC := SetCommitment(commitments)

	e.mu.Lock()
	defer e.mu.Unlock()
	if s.status != models.PSIStatusPending {
		return &ProtocolError{RequestID: requestID, Reason: s.reason, Detail: "query settled during submission"}
	}
	if declared != "" && declared != setC {
		e.failLocked(ctx, s, models.ReasonCommitmentMismatch, "declared set commitment does not match committed set")
		return &ProtocolError{RequestID: requestID, Reason: models.ReasonCommitmentMismatch, Detail: "declared set commitment does not match committed set"}
	}
	s.sides[tenantID] = &submission{commitments: commitments, elements: byCommit, setCommitment: setC}
	if tenantID == s.req.TenantA {
		s.req.SetCommitmentA = setC
	} else {
		s.req.SetCommitmentB = setC
	}
	if len(s.sides) == 2 {
		return e.completeLocked(ctx, s)
	}
	return nil
}

// Result reports the state of a query to one of its participants. An
// expired pending query settles as PSI_TIMEOUT here, with its charge
// rolled back.
func (e *Engine) Result(ctx context.Context, requestID, tenantID string) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[requestID]
	if !ok {
		return Result{}, ErrUnknownRequest
	}
	if tenantID != s.req.TenantA && tenantID != s.req.TenantB {
		return Result{}, ErrNotParticipant
	}
	if s.status == models.PSIStatusPending && e.now().After(s.deadline) {
		e.failLocked(ctx, s, models.ReasonPSITimeout, "protocol round deadline passed")
	}
	return Result{
		RequestID: requestID,
		Status:    s.status,
		Reason:    s.reason,
		Proof:     s.proof,
		Receipt:   s.receipt,
	}, nil
}

// Cancel aborts a pending query with no budget effect. A completed query
// cannot be cancelled; its receipt is already issued.
func (e *Engine) Cancel(ctx context.Context, requestID, tenantID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[requestID]
	if !ok {
		return ErrUnknownRequest
	}
	if tenantID != s.req.TenantA && tenantID != s.req.TenantB {
		return ErrNotParticipant
	}
	if s.status == models.PSIStatusComplete {
		return ErrCompleted
	}
	if s.status == models.PSIStatusPending {
		e.failLocked(ctx, s, "CANCELLED", "cancelled by "+tenantID)
	}
	return nil
}

// Run sweeps expired pending sessions until the context ends.
func (e *Engine) Run(ctx context.Context) error {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			e.expire(ctx)
		}
	}
}

func (e *Engine) expire(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	for _, s := range e.sessions {
		if s.status == models.PSIStatusPending && now.After(s.deadline) {
			e.failLocked(ctx, s, models.ReasonPSITimeout, "protocol round deadline passed")
		}
	}
}

// ServedGini reports the inequality of per-tenant served shares.
func (e *Engine) ServedGini() float64 { return e.sched.servedGini() }

// ServedCounts reports how many completed queries each tenant took part in.
func (e *Engine) ServedCounts() map[string]int64 { return e.sched.servedCounts() }

// completeLocked intersects the two committed sets, issues the proof and
// receipt, and journals the query to both tenants. Caller holds e.mu.
func (e *Engine) completeLocked(ctx context.Context, s *session) error {
	a, b := s.sides[s.req.TenantA], s.sides[s.req.TenantB]

	inB := make(map[string]struct{}, len(b.commitments))
	for _, c := range b.commitments {
		inB[c] = struct{}{}
	}
	var overlapCommits []string
	var overlap []string
	for _, c := range a.commitments {
		if _, ok := inB[c]; !ok {
			continue
		}
		overlapCommits = append(overlapCommits, c)
		if s.req.Mode == models.PSIModeSet {
			overlap = append(overlap, a.elements[c])
		}
	}

	blob, err := proofBlob(s.req, overlapCommits)
	if err != nil {
		e.failLocked(ctx, s, models.ReasonCommitmentMismatch, "proof encoding failed")
		return &ProtocolError{RequestID: s.req.RequestID, Reason: models.ReasonCommitmentMismatch, Detail: err.Error()}
	}
	proof := models.PSIProof{
		RequestID:      s.req.RequestID,
		TenantA:        s.req.TenantA,
		TenantB:        s.req.TenantB,
		SetCommitmentA: s.req.SetCommitmentA,
		SetCommitmentB: s.req.SetCommitmentB,
		OverlapCount:   len(overlapCommits),
		Overlap:        overlap,
		ProofBlob:      blob,
		BudgetCharged:  e.Cost,
		CompletedAt:    e.now(),
	}

	auditA, err := e.journalQuery(ctx, proof, s.req.TenantA, s.req.TenantB)
	if err != nil {
		e.failLocked(ctx, s, models.ReasonPSITimeout, "audit append failed")
		return fmt.Errorf("psi: audit append for %s: %w", s.req.TenantA, err)
	}
	auditB, err := e.journalQuery(ctx, proof, s.req.TenantB, s.req.TenantA)
	if err != nil {
		e.failLocked(ctx, s, models.ReasonPSITimeout, "audit append failed")
		return fmt.Errorf("psi: audit append for %s: %w", s.req.TenantB, err)
	}

	reasons := []string{models.ReasonOK, fmt.Sprintf("BUDGET_CHARGED:%d", e.Cost)}
	receipt, err := e.Signer.IssuePSIReceipt(ctx, proof, s.req.TenantA, auditA.Seq, e.PolicyID, e.PolicyVersion, reasons)
	if err != nil {
		e.failLocked(ctx, s, models.ReasonPSITimeout, "receipt issuance failed")
		return fmt.Errorf("psi: receipt: %w", err)
	}

	if e.Linker != nil {
		if err := e.Linker.LinkPSIProof(ctx, proof, auditA.ID, auditB.ID); err != nil {
			log.Printf("psi: link proof %s: %v", proof.RequestID, err)
		}
	}

	// Settle: raw elements vanish with the session's working state.
	a.elements, b.elements = nil, nil
	s.key = nil
	s.proof = &proof
	s.receipt = &receipt
	s.status = models.PSIStatusComplete
	e.sched.recordServed(s.req.TenantA, s.req.TenantB)
	if g := e.sched.servedGini(); e.MaxGini > 0 && g > e.MaxGini {
		log.Printf("psi: served-share gini %.3f exceeds bound %.3f", g, e.MaxGini)
	}
	return nil
}

// journalQuery appends the completed query to one tenant's chain. The
// payload carries counts and digests only, never set elements.
func (e *Engine) journalQuery(ctx context.Context, proof models.PSIProof, tenantID, counterparty string) (models.Claim, error) {
	payload, err := json.Marshal(struct {
		Event         string `json:"event"`
		RequestID     string `json:"request_id"`
		Counterparty  string `json:"counterparty"`
		OverlapCount  int    `json:"overlap_count"`
		ProofBlob     string `json:"proof_blob"`
		BudgetCharged int64  `json:"budget_charged"`
	}{
		Event:         "psi.completed",
		RequestID:     proof.RequestID,
		Counterparty:  counterparty,
		OverlapCount:  proof.OverlapCount,
		ProofBlob:     proof.ProofBlob,
		BudgetCharged: proof.BudgetCharged,
	})
	if err != nil {
		return models.Claim{}, err
	}
	return e.Ledger.Append(ctx, tenantID, payload, ledger.AppendOptions{
		SourceRefs: []string{proof.RequestID},
	})
}

// failLocked settles a session as FAILED and rolls back its charge.
// Caller holds e.mu.
func (e *Engine) failLocked(ctx context.Context, s *session, reason, detail string) {
	s.status = models.PSIStatusFailed
	s.reason = reason
	s.key = nil
	for _, side := range s.sides {
		side.elements = nil
	}
	if s.charged {
		s.charged = false
		if err := e.Budget.Refund(ctx, s.req.TenantA, budgetPurpose(s.req), e.Cost, s.window); err != nil {
			log.Printf("psi: refund for %s after %s: %v", s.req.RequestID, reason, err)
		}
	}
	log.Printf("psi: request %s failed: %s: %s", s.req.RequestID, reason, detail)
}

// proofBlob encodes the canonical binding of a completed query. Only
// intersection commitments are included; by definition both parties
// already hold their preimages.
func proofBlob(req models.PSIRequest, overlapCommits []string) (string, error) {
	canon, err := models.Canonicalize(struct {
		RequestID      string   `json:"request_id"`
		TenantA        string   `json:"tenant_a"`
		TenantB        string   `json:"tenant_b"`
		Mode           string   `json:"mode"`
		SetCommitmentA string   `json:"set_commitment_a"`
		SetCommitmentB string   `json:"set_commitment_b"`
		Overlap        []string `json:"overlap_commitments"`
	}{
		RequestID:      req.RequestID,
		TenantA:        req.TenantA,
		TenantB:        req.TenantB,
		Mode:           req.Mode,
		SetCommitmentA: req.SetCommitmentA,
		SetCommitmentB: req.SetCommitmentB,
		Overlap:        overlapCommits,
	})
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(canon), nil
}

func newNonce() []byte {
	n := make([]byte, 32)
	if _, err := rand.Read(n); err != nil {
		panic(fmt.Sprintf("psi: nonce: %v", err))
	}
	return n
}

// SetClock overrides the engine's clock. Test hook.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }
