package verifier

import (
	"context"
	"encoding/json"
	"testing"

	"attest/pkg/batcher"
	"attest/pkg/ledger"
	"attest/pkg/models"
	"attest/pkg/policyreg"
	"attest/pkg/revocation"
	"attest/pkg/signer"
)

type fixture struct {
	store    *ledger.MemoryStore
	ledger   *ledger.Ledger
	batches  *batcher.MemoryBatchStore
	batcher  *batcher.Batcher
	keys     *signer.Keyring
	signer   *signer.Signer
	graph    *revocation.Graph
	policies *policyreg.Registry
	verifier *Verifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := ledger.NewMemoryStore()
	l := ledger.New(store)
	batches := batcher.NewMemoryBatchStore()
	b := batcher.New(l, batches)
	keys, err := signer.NewKeyring()
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	sg := signer.New(keys, l, batches, b, signer.NewMemoryReceiptStore())
	graph := revocation.NewGraph(revocation.NewMemoryEventStore())
	policies := policyreg.NewRegistry()
	policies.Register("ingest", "v3")
	return &fixture{
		store:    store,
		ledger:   l,
		batches:  batches,
		batcher:  b,
		keys:     keys,
		signer:   sg,
		graph:    graph,
		policies: policies,
		verifier: New(l, batches, keys, graph, policies),
	}
}

func (f *fixture) appendAndSeal(t *testing.T, tenant string, n int) []models.Claim {
	t.Helper()
	claims := f.append(t, tenant, n)
	if _, err := f.batcher.SealTenant(context.Background(), tenant); err != nil {
		t.Fatalf("seal: %v", err)
	}
	return claims
}

func (f *fixture) append(t *testing.T, tenant string, n int) []models.Claim {
	t.Helper()
	out := make([]models.Claim, 0, n)
	for i := 0; i < n; i++ {
		payload, _ := json.Marshal(map[string]any{"doc": i, "tenant": tenant})
		c, err := f.ledger.Append(context.Background(), tenant, payload, ledger.AppendOptions{})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		out = append(out, c)
	}
	return out
}

func (f *fixture) issue(t *testing.T, tenant string, seq int64) models.DecisionReceipt {
	t.Helper()
	r, err := f.signer.IssueClaimReceipt(context.Background(), tenant, seq, "ingest", "v3", models.DecisionAllow, []string{models.ReasonOK})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return r
}

// Append, receipt, verify OK. Then corrupt one byte of the stored payload
// and verify again: HASH_MISMATCH.
func TestVerifyThenStoredCorruption(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	claims := f.appendAndSeal(t, "t1", 3)
	r := f.issue(t, "t1", claims[1].Seq)

	res := f.verifier.Verify(ctx, r, Options{})
	if res.Status != models.VerifyOK {
		t.Fatalf("clean verify = %+v", res)
	}

	f.store.Corrupt("t1", claims[1].Seq, func(c *models.Claim) {
		raw := []byte(c.Payload)
		raw[len(raw)-2] ^= 0x01
		c.Payload = raw
	})

	res = f.verifier.Verify(ctx, r, Options{})
	if res.Status != models.VerifyFail {
		t.Fatalf("verify after corruption = %+v", res)
	}
	if res.ReasonCodes[0] != models.ReasonHashMismatch {
		t.Fatalf("reason = %v, want HASH_MISMATCH", res.ReasonCodes)
	}
}

// A receipt issued while the batch was open verifies provisionally, then
// verifies against the real path once the batch seals.
func TestProvisionalReceiptValidatesAfterSeal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	claims := f.append(t, "t1", 3)
	r := f.issue(t, "t1", claims[2].Seq)
	if !r.Provisional {
		t.Fatalf("receipt over open range not provisional")
	}

	res := f.verifier.Verify(ctx, r, Options{})
	if res.Status != models.VerifyOK {
		t.Fatalf("provisional verify = %+v", res)
	}

	if _, err := f.batcher.SealTenant(ctx, "t1"); err != nil {
		t.Fatalf("seal: %v", err)
	}
	res = f.verifier.Verify(ctx, r, Options{})
	if res.Status != models.VerifyOK {
		t.Fatalf("verify after seal = %+v", res)
	}
}

func TestTamperedBatchRootFailsProof(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	claims := f.appendAndSeal(t, "t1", 4)
	r := f.issue(t, "t1", claims[0].Seq)

	f.batches.Tamper(r.BatchID, func(b *models.MerkleBatch) {
		b.LeafHashes[2] = models.ZeroHash
	})

	res := f.verifier.Verify(ctx, r, Options{})
	if res.Status != models.VerifyFail || res.ReasonCodes[0] != models.ReasonProofInvalid {
		t.Fatalf("verify with tampered leaves = %+v, want PROOF_INVALID", res)
	}
}

func TestForgedSignatureFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	claims := f.appendAndSeal(t, "t1", 1)
	r := f.issue(t, "t1", claims[0].Seq)

	forged := r
	forged.Decision = models.DecisionDeny
	res := f.verifier.Verify(ctx, forged, Options{})
	if res.Status != models.VerifyFail || res.ReasonCodes[0] != models.ReasonSignatureInvalid {
		t.Fatalf("verify of altered receipt = %+v, want SIGNATURE_INVALID", res)
	}

	unknown := r
	unknown.SignerKid = "no-such-kid"
	res = f.verifier.Verify(ctx, unknown, Options{})
	if res.Status != models.VerifyFail || res.ReasonCodes[0] != models.ReasonSignatureInvalid {
		t.Fatalf("verify with unknown kid = %+v, want SIGNATURE_INVALID", res)
	}
}

// Revocation of an upstream claim flips dependent receipts to REVOKED and
// stays that way. Verification itself never mutates state: repeating it
// yields the identical result.
func TestRevokedUpstreamAndIdempotence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	claims := f.appendAndSeal(t, "t1", 2)
	r := f.issue(t, "t1", claims[0].Seq)

	if err := f.graph.AddEdge(ctx, r.ReceiptID, claims[0].ID); err != nil {
		t.Fatalf("edge: %v", err)
	}
	if _, err := f.graph.Revoke(ctx, claims[0].ID, "source retracted", []string{"t1"}, "operator"); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	first := f.verifier.Verify(ctx, r, Options{})
	if first.Status != models.VerifyFail || first.ReasonCodes[0] != models.ReasonRevoked {
		t.Fatalf("verify after revocation = %+v, want REVOKED", first)
	}
	for i := 0; i < 3; i++ {
		again := f.verifier.Verify(ctx, r, Options{})
		if again.Status != first.Status || again.ReasonCodes[0] != first.ReasonCodes[0] {
			t.Fatalf("verify run %d differs: %+v vs %+v", i, again, first)
		}
	}
}

func TestStalePolicyUnderStrictMode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	claims := f.appendAndSeal(t, "t1", 1)
	r := f.issue(t, "t1", claims[0].Seq)

	f.policies.Register("ingest", "v4")

	res := f.verifier.Verify(ctx, r, Options{})
	if res.Status != models.VerifyOK {
		t.Fatalf("lenient verify = %+v", res)
	}

	res = f.verifier.Verify(ctx, r, Options{StrictPolicy: true})
	if res.Status != models.VerifyFail || res.ReasonCodes[0] != models.ReasonPolicyStale {
		t.Fatalf("strict verify = %+v, want POLICY_STALE", res)
	}
	// Denials reference the policy version that caused them.
	if res.PolicyVersion != "v3" {
		t.Fatalf("stale result carries version %q, want v3", res.PolicyVersion)
	}
}

func TestOfflineBundleVerification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	claims := f.appendAndSeal(t, "t1", 3)
	r := f.issue(t, "t1", claims[1].Seq)

	batch, err := f.batches.Get(ctx, r.BatchID)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	bundle := Bundle{
		Claim: claims[1],
		Batch: &batch,
		Keys:  f.keys.Records(),
	}

	res := VerifyOffline(r, bundle)
	if res.Status != models.VerifyOK {
		t.Fatalf("offline verify = %+v", res)
	}

	// The bundle travels as JSON between air-gapped hosts.
	raw, err := json.Marshal(bundle)
	if err != nil {
		t.Fatalf("marshal bundle: %v", err)
	}
	var decoded Bundle
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal bundle: %v", err)
	}
	if res := VerifyOffline(r, decoded); res.Status != models.VerifyOK {
		t.Fatalf("offline verify of decoded bundle = %+v", res)
	}

	// A bundled revocation list is honored.
	bundle.Revoked = []models.RevocationRecord{{TargetID: r.ReceiptID}}
	res = VerifyOffline(r, bundle)
	if res.Status != models.VerifyFail || res.ReasonCodes[0] != models.ReasonRevoked {
		t.Fatalf("offline verify with revocation = %+v, want REVOKED", res)
	}

	// Tampered bundle claim fails the hash check.
	tampered := bundle
	tampered.Revoked = nil
	raw2 := []byte(tampered.Claim.Payload)
	raw2[len(raw2)-2] ^= 0x01
	tampered.Claim.Payload = raw2
	res = VerifyOffline(r, tampered)
	if res.Status != models.VerifyFail || res.ReasonCodes[0] != models.ReasonHashMismatch {
		t.Fatalf("offline verify of tampered claim = %+v, want HASH_MISMATCH", res)
	}
}

func TestSeqOutsideBatchRange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	claims := f.appendAndSeal(t, "t1", 2)
	f.append(t, "t1", 1)
	r := f.issue(t, "t1", claims[0].Seq)

	forged := r
	forged.Seq = 99
	res := f.verifier.Verify(ctx, forged, Options{})
	if res.Status != models.VerifyFail {
		t.Fatalf("verify with forged seq = %+v", res)
	}
}
