package main

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"attest/pkg/auth"
	"attest/pkg/batcher"
	"attest/pkg/httpx"
	"attest/pkg/ledger"
	"attest/pkg/models"
	"attest/pkg/psi"
	"attest/pkg/signer"
	"attest/pkg/stream"
	"attest/pkg/verifier"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
)

func readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err == nil {
		return body, true
	}
	if strings.Contains(strings.ToLower(err.Error()), "request body too large") {
		httpx.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, false
	}
	httpx.Error(w, http.StatusBadRequest, "invalid request body")
	return nil, false
}

type appendClaimRequest struct {
	TenantID   string          `json:"tenant_id"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRef string          `json:"payload_ref,omitempty"`
	SourceRefs []string        `json:"source_refs,omitempty"`
	LicenseTag string          `json:"license_tag,omitempty"`
}

func (s *Server) appendClaim(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req appendClaimRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	req.TenantID = strings.TrimSpace(req.TenantID)
	if req.TenantID == "" || len(req.Payload) == 0 {
		httpx.Error(w, 400, "tenant_id and payload required")
		return
	}
	if !s.boundTenant(r, req.TenantID) {
		httpx.Error(w, 403, "tenant mismatch")
		return
	}
	if s.RateLimitEnabled && s.RateLimiter != nil {
		if d := s.RateLimiter.Allow("append:"+req.TenantID, s.RateLimitPerMinute); !d.Allowed {
			retryAfter := int(time.Until(d.ResetAt) / time.Second)
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			httpx.Error(w, 429, "rate limit exceeded")
			return
		}
	}
	idemKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if idemKey != "" && s.Cache != nil {
		cacheKey := "idem:" + req.TenantID + ":" + idemKey
		if claimID, err := s.Cache.Get(r.Context(), cacheKey); err == nil && claimID != "" {
			if existing, err := s.Ledger.GetByID(r.Context(), claimID); err == nil {
				httpx.WriteJSON(w, 200, existing)
				return
			}
		}
	}
	claim, err := s.Ledger.Append(r.Context(), req.TenantID, req.Payload, ledger.AppendOptions{
		PayloadRef: req.PayloadRef,
		SourceRefs: req.SourceRefs,
		LicenseTag: req.LicenseTag,
	})
	if err != nil {
		var halted *ledger.HaltedError
		if errors.As(err, &halted) {
			httpx.WriteJSON(w, 409, map[string]string{
				"error":  "tenant halted",
				"reason": models.ReasonTenantHalted,
				"detail": halted.Detail,
			})
			return
		}
		httpx.Error(w, 400, err.Error())
		return
	}
	if idemKey != "" && s.Cache != nil {
		_ = s.Cache.Set(r.Context(), "idem:"+req.TenantID+":"+idemKey, claim.ID, time.Hour)
	}
	s.Metrics.IncAppend()
	s.Events.Publish(stream.NewEvent(stream.EventClaimAppended, claim))
	httpx.WriteJSON(w, 201, claim)
}

func (s *Server) getClaim(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	seq, err := strconv.ParseInt(chi.URLParam(r, "seq"), 10, 64)
	if err != nil || seq < 0 {
		httpx.Error(w, 400, "invalid seq")
		return
	}
	claim, err := s.Ledger.Get(r.Context(), tenant, seq)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			httpx.Error(w, 404, "claim not found")
			return
		}
		httpx.Error(w, 500, err.Error())
		return
	}
	httpx.WriteJSON(w, 200, claim)
}

func (s *Server) rangeClaims(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	tail, haveTail, err := s.Ledger.Tail(r.Context(), tenant)
	if err != nil {
		httpx.Error(w, 500, err.Error())
		return
	}
	if !haveTail {
		httpx.WriteJSON(w, 200, []models.Claim{})
		return
	}
	from := queryInt64(r, "from", 0)
	to := queryInt64(r, "to", tail.Seq)
	if from < 0 || to < from {
		httpx.Error(w, 400, "invalid range")
		return
	}
	if to > tail.Seq {
		to = tail.Seq
	}
	claims, err := s.Ledger.Range(r.Context(), tenant, from, to)
	if err != nil {
		httpx.Error(w, 500, err.Error())
		return
	}
	httpx.WriteJSON(w, 200, claims)
}

func (s *Server) tenantStatus(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	halted, detail := s.Ledger.Halted(tenant)
	resp := map[string]interface{}{
		"tenant_id": tenant,
		"halted":    halted,
	}
	if detail != "" {
		resp["detail"] = detail
	}
	if tail, ok, err := s.Ledger.Tail(r.Context(), tenant); err == nil && ok {
		resp["tail_seq"] = tail.Seq
	}
	httpx.WriteJSON(w, 200, resp)
}

func (s *Server) reconcileTenant(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	if err := s.Ledger.Reconcile(r.Context(), tenant); err != nil {
		httpx.WriteJSON(w, 409, map[string]string{
			"error":  "reconcile failed",
			"detail": err.Error(),
		})
		return
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{"tenant_id": tenant, "halted": false})
}

func (s *Server) sealTenant(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	batch, err := s.Batcher.SealTenant(r.Context(), tenant)
	if err != nil {
		httpx.Error(w, 409, err.Error())
		return
	}
	httpx.WriteJSON(w, 200, batch)
}

func (s *Server) getBatch(w http.ResponseWriter, r *http.Request) {
	batch, err := s.Batches.Get(r.Context(), chi.URLParam(r, "batch_id"))
	if err != nil {
		if errors.Is(err, batcher.ErrBatchNotFound) {
			httpx.Error(w, 404, "batch not found")
			return
		}
		httpx.Error(w, 500, err.Error())
		return
	}
	httpx.WriteJSON(w, 200, batch)
}

// exportAnchor serializes a sealed batch for external notarization. The
// root is co-signed with the active key so the notary can attribute it.
func (s *Server) exportAnchor(w http.ResponseWriter, r *http.Request) {
	batch, err := s.Batches.Get(r.Context(), chi.URLParam(r, "batch_id"))
	if err != nil {
		if errors.Is(err, batcher.ErrBatchNotFound) {
			httpx.Error(w, 404, "batch not found")
			return
		}
		httpx.Error(w, 500, err.Error())
		return
	}
	kid, priv := s.Keys.Active()
	sig := ed25519.Sign(priv, []byte(batch.RootHash))
	httpx.WriteJSON(w, 200, models.AnchorExport{
		BatchID:    batch.BatchID,
		RootHash:   batch.RootHash,
		FirstSeq:   batch.FirstSeq,
		LastSeq:    batch.LastSeq,
		Signatures: []string{kid + ":" + hex.EncodeToString(sig)},
	})
}

type issueReceiptRequest struct {
	TenantID      string   `json:"tenant_id"`
	Seq           int64    `json:"seq"`
	PolicyID      string   `json:"policy_id"`
	PolicyVersion string   `json:"policy_version"`
	Decision      string   `json:"decision"`
	ReasonCodes   []string `json:"reason_codes,omitempty"`
}

func (s *Server) issueReceipt(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req issueReceiptRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if req.TenantID == "" || req.Seq < 0 || req.PolicyID == "" || req.PolicyVersion == "" {
		httpx.Error(w, 400, "tenant_id, seq, policy_id and policy_version required")
		return
	}
	if req.Decision != models.DecisionAllow && req.Decision != models.DecisionDeny {
		httpx.Error(w, 400, "decision must be ALLOW or DENY")
		return
	}
	if !s.boundTenant(r, req.TenantID) {
		httpx.Error(w, 403, "tenant mismatch")
		return
	}
	if !s.Policies.Known(req.PolicyID, req.PolicyVersion) {
		httpx.Error(w, 400, "unknown policy version")
		return
	}
	receipt, err := s.Signer.IssueClaimReceipt(r.Context(), req.TenantID, req.Seq, req.PolicyID, req.PolicyVersion, req.Decision, req.ReasonCodes)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			httpx.Error(w, 404, "claim not found")
			return
		}
		httpx.Error(w, 500, err.Error())
		return
	}
	// The receipt derives from its claim: revoking the claim must
	// tombstone the receipt too, so the edge is recorded at issuance.
	if err := s.Graph.AddEdge(r.Context(), receipt.ReceiptID, receipt.ClaimID); err != nil {
		log.Printf("ledgerd: receipt edge %s -> %s: %v", receipt.ReceiptID, receipt.ClaimID, err)
	}
	s.Events.Publish(stream.NewEvent(stream.EventReceiptIssued, receipt))
	httpx.WriteJSON(w, 201, receipt)
}

func (s *Server) getReceipt(w http.ResponseWriter, r *http.Request) {
	receipt, err := s.Receipts.Get(r.Context(), chi.URLParam(r, "receipt_id"))
	if err != nil {
		if errors.Is(err, signer.ErrReceiptNotFound) {
			httpx.Error(w, 404, "receipt not found")
			return
		}
		httpx.Error(w, 500, err.Error())
		return
	}
	httpx.WriteJSON(w, 200, receipt)
}

type bundleExport struct {
	Receipt models.DecisionReceipt `json:"receipt"`
	Bundle  verifier.Bundle        `json:"bundle"`
}

// exportBundle packages a receipt with everything an offline verifier
// needs: the claim, the sealed batch and the key registry plus the
// revocation list as of export time.
func (s *Server) exportBundle(w http.ResponseWriter, r *http.Request) {
	receipt, err := s.Receipts.Get(r.Context(), chi.URLParam(r, "receipt_id"))
	if err != nil {
		if errors.Is(err, signer.ErrReceiptNotFound) {
			httpx.Error(w, 404, "receipt not found")
			return
		}
		httpx.Error(w, 500, err.Error())
		return
	}
	claim, err := s.Ledger.Get(r.Context(), receipt.TenantID, receipt.Seq)
	if err != nil {
		httpx.Error(w, 500, err.Error())
		return
	}
	bundle := verifier.Bundle{
		Claim:   claim,
		Keys:    s.Keys.Records(),
		Revoked: s.Graph.Records(""),
	}
	if !receipt.Provisional {
		if batch, err := s.Batches.Get(r.Context(), receipt.BatchID); err == nil {
			bundle.Batch = &batch
		}
	}
	httpx.WriteJSON(w, 200, bundleExport{Receipt: receipt, Bundle: bundle})
}

type verifyRequest struct {
	Receipt models.DecisionReceipt `json:"receipt"`
	Strict  bool                   `json:"strict,omitempty"`
}

func (s *Server) verifyReceipt(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req verifyRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if req.Receipt.ReceiptID == "" || req.Receipt.TenantID == "" {
		httpx.Error(w, 400, "receipt required")
		return
	}
	start := time.Now()
	result := s.Verifier.Verify(r.Context(), req.Receipt, verifier.Options{StrictPolicy: req.Strict})
	s.Metrics.ObserveVerifyLatency(time.Since(start))
	s.Metrics.IncVerifyOutcome(result.Status)
	for _, reason := range result.ReasonCodes {
		s.Metrics.IncVerifyOutcomeReason(result.Status, reason)
	}
	httpx.WriteJSON(w, 200, result)
}

type revokeRequest struct {
	TargetID    string   `json:"target_id"`
	Reason      string   `json:"reason"`
	TenantScope []string `json:"tenant_scope,omitempty"`
	Issuer      string   `json:"issuer,omitempty"`
}

func (s *Server) issueRevocation(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req revokeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if strings.TrimSpace(req.TargetID) == "" {
		httpx.Error(w, 400, "target_id required")
		return
	}
	issuer := strings.TrimSpace(req.Issuer)
	if issuer == "" {
		if principal, ok := auth.PrincipalFromContext(r.Context()); ok {
			issuer = principal.Subject
		}
	}
	rec, err := s.Graph.Revoke(r.Context(), req.TargetID, req.Reason, req.TenantScope, issuer)
	if err != nil && rec.RevocationID == "" {
		httpx.Error(w, 400, err.Error())
		return
	}
	// A publish failure leaves the local tombstone authoritative; the bus
	// consumer group catches up on redelivery.
	s.Metrics.IncRevocation("revoke")
	s.Events.Publish(stream.NewEvent(stream.EventRevocationIssued, rec))
	httpx.WriteJSON(w, 201, rec)
}

func (s *Server) listRevocations(w http.ResponseWriter, r *http.Request) {
	tenant := strings.TrimSpace(r.URL.Query().Get("tenant"))
	httpx.WriteJSON(w, 200, s.Graph.Records(tenant))
}

func (s *Server) getRevocation(w http.ResponseWriter, r *http.Request) {
	targetID := chi.URLParam(r, "target_id")
	rec, ok := s.Graph.Record(targetID)
	if !ok {
		httpx.WriteJSON(w, 200, map[string]interface{}{"target_id": targetID, "revoked": false})
		return
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{"target_id": targetID, "revoked": true, "record": rec})
}

type addEdgeRequest struct {
	ChildID  string `json:"child_id"`
	ParentID string `json:"parent_id"`
}

func (s *Server) addEdge(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req addEdgeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if req.ChildID == "" || req.ParentID == "" {
		httpx.Error(w, 400, "child_id and parent_id required")
		return
	}
	if err := s.Graph.AddEdge(r.Context(), req.ChildID, req.ParentID); err != nil {
		httpx.Error(w, 400, err.Error())
		return
	}
	s.Metrics.IncRevocation("edge")
	w.WriteHeader(204)
}

func (s *Server) budgetSnapshot(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	purpose := strings.TrimSpace(r.URL.Query().Get("purpose"))
	if purpose == "" {
		httpx.Error(w, 400, "purpose query parameter required")
		return
	}
	if !s.boundTenant(r, tenant) {
		httpx.Error(w, 403, "tenant mismatch")
		return
	}
	snap, err := s.Budget.Snapshot(r.Context(), tenant, purpose)
	if err != nil {
		httpx.Error(w, 500, err.Error())
		return
	}
	httpx.WriteJSON(w, 200, snap)
}

type openPSIRequest struct {
	TenantA string `json:"tenant_a"`
	TenantB string `json:"tenant_b"`
	Purpose string `json:"purpose"`
	Mode    string `json:"mode,omitempty"`
}

func (s *Server) openPSIQuery(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req openPSIRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if !s.boundTenant(r, req.TenantA) {
		httpx.Error(w, 403, "tenant mismatch")
		return
	}
	opened, err := s.PSI.Open(r.Context(), models.PSIRequest{
		TenantA: req.TenantA,
		TenantB: req.TenantB,
		Purpose: req.Purpose,
		Mode:    req.Mode,
	})
	if err != nil {
		var admission *psi.AdmissionError
		if errors.As(err, &admission) {
			s.Metrics.IncBudget("denied")
			httpx.WriteJSON(w, 429, map[string]interface{}{
				"error":    "budget exceeded",
				"reason":   models.ReasonBudgetExceeded,
				"decision": admission.Decision,
			})
			return
		}
		httpx.Error(w, 400, err.Error())
		return
	}
	s.Metrics.IncPSI(models.PSIStatusPending)
	httpx.WriteJSON(w, 201, opened)
}

func (s *Server) psiKey(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "request_id")
	tenant := strings.TrimSpace(r.URL.Query().Get("tenant"))
	if tenant == "" {
		httpx.Error(w, 400, "tenant query parameter required")
		return
	}
	if !s.boundTenant(r, tenant) {
		httpx.Error(w, 403, "tenant mismatch")
		return
	}
	key, err := s.PSI.Key(requestID, tenant)
	if err != nil {
		s.writePSIError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]string{
		"request_id": requestID,
		"key":        base64.StdEncoding.EncodeToString(key),
	})
}

type psiSubmitRequest struct {
	TenantID      string   `json:"tenant_id"`
	Elements      []string `json:"elements"`
	SetCommitment string   `json:"set_commitment,omitempty"`
}

func (s *Server) submitPSISet(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "request_id")
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req psiSubmitRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if req.TenantID == "" {
		httpx.Error(w, 400, "tenant_id required")
		return
	}
	if !s.boundTenant(r, req.TenantID) {
		httpx.Error(w, 403, "tenant mismatch")
		return
	}
	if err := s.PSI.Submit(r.Context(), requestID, req.TenantID, req.Elements, req.SetCommitment); err != nil {
		s.writePSIError(w, err)
		return
	}
	result, err := s.PSI.Result(r.Context(), requestID, req.TenantID)
	if err != nil {
		s.writePSIError(w, err)
		return
	}
	if result.Status == models.PSIStatusComplete {
		s.Metrics.IncPSI(models.PSIStatusComplete)
		s.Events.Publish(stream.NewEvent(stream.EventPSICompleted, result))
	}
	httpx.WriteJSON(w, 202, result)
}

func (s *Server) psiResult(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "request_id")
	tenant := strings.TrimSpace(r.URL.Query().Get("tenant"))
	if tenant == "" {
		httpx.Error(w, 400, "tenant query parameter required")
		return
	}
	if !s.boundTenant(r, tenant) {
		httpx.Error(w, 403, "tenant mismatch")
		return
	}
	result, err := s.PSI.Result(r.Context(), requestID, tenant)
	if err != nil {
		s.writePSIError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, result)
}

func (s *Server) cancelPSIQuery(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "request_id")
	tenant := strings.TrimSpace(r.URL.Query().Get("tenant"))
	if tenant == "" {
		httpx.Error(w, 400, "tenant query parameter required")
		return
	}
	if !s.boundTenant(r, tenant) {
		httpx.Error(w, 403, "tenant mismatch")
		return
	}
	if err := s.PSI.Cancel(r.Context(), requestID, tenant); err != nil {
		s.writePSIError(w, err)
		return
	}
	s.Metrics.IncPSI(models.PSIStatusFailed)
	httpx.WriteJSON(w, 200, map[string]string{"request_id": requestID, "status": "CANCELLED"})
}

func (s *Server) writePSIError(w http.ResponseWriter, err error) {
	var protocol *psi.ProtocolError
	switch {
	case errors.Is(err, psi.ErrUnknownRequest):
		httpx.Error(w, 404, "unknown request")
	case errors.Is(err, psi.ErrNotParticipant):
		httpx.Error(w, 403, "not a participant")
	case errors.Is(err, psi.ErrAlreadySubmitted):
		httpx.Error(w, 409, "set already submitted")
	case errors.Is(err, psi.ErrCompleted):
		httpx.Error(w, 409, "query already completed")
	case errors.As(err, &protocol):
		s.Metrics.IncReason(protocol.Reason)
		httpx.WriteJSON(w, 422, map[string]string{
			"error":      "protocol failure",
			"request_id": protocol.RequestID,
			"reason":     protocol.Reason,
			"detail":     protocol.Detail,
		})
	default:
		httpx.Error(w, 500, err.Error())
	}
}

func (s *Server) rotateKey(w http.ResponseWriter, r *http.Request) {
	kid, err := s.Keys.Rotate()
	if err != nil {
		httpx.Error(w, 500, err.Error())
		return
	}
	httpx.WriteJSON(w, 200, map[string]string{"kid": kid})
}

func (s *Server) listKeys(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, 200, s.Keys.Records())
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, 503, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func wsOriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func queryInt64(r *http.Request, key string, def int64) int64 {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}
