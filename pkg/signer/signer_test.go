package signer

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"attest/pkg/batcher"
	"attest/pkg/ledger"
	"attest/pkg/merkle"
	"attest/pkg/models"
)

type signerFixture struct {
	ledger  *ledger.Ledger
	batches *batcher.MemoryBatchStore
	batcher *batcher.Batcher
	keys    *Keyring
	store   *MemoryReceiptStore
	signer  *Signer
}

func newSignerFixture(t *testing.T) *signerFixture {
	t.Helper()
	l := ledger.New(ledger.NewMemoryStore())
	batches := batcher.NewMemoryBatchStore()
	b := batcher.New(l, batches)
	keys, err := NewKeyring()
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	store := NewMemoryReceiptStore()
	return &signerFixture{
		ledger:  l,
		batches: batches,
		batcher: b,
		keys:    keys,
		store:   store,
		signer:  New(keys, l, batches, b, store),
	}
}

func (f *signerFixture) append(t *testing.T, tenant string, n int) []models.Claim {
	t.Helper()
	out := make([]models.Claim, 0, n)
	for i := 0; i < n; i++ {
		payload, _ := json.Marshal(map[string]any{"doc": i})
		c, err := f.ledger.Append(context.Background(), tenant, payload, ledger.AppendOptions{})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		out = append(out, c)
	}
	return out
}

func verifyReceiptSignature(t *testing.T, keys *Keyring, r models.DecisionReceipt) {
	t.Helper()
	rec, ok := keys.Lookup(r.SignerKid)
	if !ok {
		t.Fatalf("receipt kid %s not in registry", r.SignerKid)
	}
	payload, err := SigningPayload(r)
	if err != nil {
		t.Fatalf("signing payload: %v", err)
	}
	sig, err := base64.StdEncoding.DecodeString(r.Signature)
	if err != nil {
		t.Fatalf("signature decode: %v", err)
	}
	if !ed25519.Verify(rec.PublicKey, payload, sig) {
		t.Fatalf("receipt signature does not verify")
	}
}

func TestIssueReceiptSealedBatch(t *testing.T) {
	f := newSignerFixture(t)
	ctx := context.Background()
	claims := f.append(t, "t1", 4)
	batch, err := f.batcher.SealTenant(ctx, "t1")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	r, err := f.signer.IssueClaimReceipt(ctx, "t1", claims[2].Seq, "ingest", "v3", models.DecisionAllow, []string{models.ReasonOK})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if r.Provisional {
		t.Fatalf("receipt over sealed batch marked provisional")
	}
	if r.BatchID != batch.BatchID {
		t.Fatalf("batch id = %s, want %s", r.BatchID, batch.BatchID)
	}
	if r.InputHash != claims[2].PayloadHash {
		t.Fatalf("input hash = %s, want payload hash", r.InputHash)
	}
	if !merkle.VerifyPath(models.ClaimHash(claims[2]), r.MerklePath, batch.RootHash) {
		t.Fatalf("receipt path does not reach the batch root")
	}
	verifyReceiptSignature(t, f.keys, r)

	stored, err := f.store.Get(ctx, r.ReceiptID)
	if err != nil {
		t.Fatalf("stored receipt: %v", err)
	}
	if stored.Signature != r.Signature {
		t.Fatalf("stored receipt differs from issued one")
	}
}

func TestIssueReceiptUnsealedIsProvisional(t *testing.T) {
	f := newSignerFixture(t)
	ctx := context.Background()
	claims := f.append(t, "t1", 3)

	r, err := f.signer.IssueClaimReceipt(ctx, "t1", claims[1].Seq, "ingest", "v3", models.DecisionAllow, []string{models.ReasonOK})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if !r.Provisional {
		t.Fatalf("receipt over open range not marked provisional")
	}
	if r.BatchID != f.batcher.PendingBatchID("t1") {
		t.Fatalf("provisional batch id is not the pending id")
	}
	verifyReceiptSignature(t, f.keys, r)

	// The pending id survives the seal, so the receipt's reference
	// resolves to the sealed batch.
	batch, err := f.batcher.SealTenant(ctx, "t1")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if batch.BatchID != r.BatchID {
		t.Fatalf("sealed batch id %s, receipt references %s", batch.BatchID, r.BatchID)
	}
}

// staleMissBatchStore answers the first ForSeq with a miss and seals the
// range before returning, standing in for a seal that lands between the
// signer's batch lookup and its open-range snapshot.
type staleMissBatchStore struct {
	batcher.BatchStore
	once sync.Once
	seal func()
}

func (s *staleMissBatchStore) ForSeq(ctx context.Context, tenantID string, seq int64) (models.MerkleBatch, error) {
	missed := false
	s.once.Do(func() {
		missed = true
		s.seal()
	})
	if missed {
		return models.MerkleBatch{}, batcher.ErrBatchNotFound
	}
	return s.BatchStore.ForSeq(ctx, tenantID, seq)
}

func TestIssueReceiptWhenSealLandsMidIssuance(t *testing.T) {
	ctx := context.Background()
	l := ledger.New(ledger.NewMemoryStore())
	batches := batcher.NewMemoryBatchStore()
	b := batcher.New(l, batches)
	keys, err := NewKeyring()
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	stale := &staleMissBatchStore{BatchStore: batches}
	stale.seal = func() {
		if _, err := b.SealTenant(ctx, "t1"); err != nil {
			t.Errorf("mid-issuance seal: %v", err)
		}
	}
	s := New(keys, l, stale, b, NewMemoryReceiptStore())

	claims := make([]models.Claim, 0, 3)
	for i := 0; i < 3; i++ {
		payload, _ := json.Marshal(map[string]any{"doc": i})
		c, err := l.Append(ctx, "t1", payload, ledger.AppendOptions{})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		claims = append(claims, c)
	}

	// The re-check under the seal lane must find the freshly sealed batch
	// instead of binding the receipt to the next range's pending id.
	r, err := s.IssueClaimReceipt(ctx, "t1", claims[1].Seq, "ingest", "v1", models.DecisionAllow, []string{models.ReasonOK})
	if err != nil {
		t.Fatalf("issue during seal: %v", err)
	}
	sealed, ok, err := batches.LastSealed(ctx, "t1")
	if err != nil || !ok {
		t.Fatalf("sealed batch missing: ok=%v err=%v", ok, err)
	}
	if r.Provisional {
		t.Fatal("receipt over a sealed range marked provisional")
	}
	if r.BatchID != sealed.BatchID {
		t.Fatalf("batch id = %s, want sealed batch %s", r.BatchID, sealed.BatchID)
	}
	if r.Seq < sealed.FirstSeq || r.Seq > sealed.LastSeq {
		t.Fatalf("receipt seq %d outside its batch range [%d,%d]", r.Seq, sealed.FirstSeq, sealed.LastSeq)
	}
	if !merkle.VerifyPath(models.ClaimHash(claims[1]), r.MerklePath, sealed.RootHash) {
		t.Fatal("receipt path does not reach the sealed root")
	}
	verifyReceiptSignature(t, keys, r)
}

func TestRotationKeepsOldReceiptsVerifiable(t *testing.T) {
	f := newSignerFixture(t)
	ctx := context.Background()
	claims := f.append(t, "t1", 1)

	before, err := f.signer.IssueClaimReceipt(ctx, "t1", claims[0].Seq, "ingest", "v3", models.DecisionAllow, nil)
	if err != nil {
		t.Fatalf("issue before rotation: %v", err)
	}
	oldKid := before.SignerKid

	newKid, err := f.keys.Rotate()
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if newKid == oldKid {
		t.Fatalf("rotation did not change the active kid")
	}

	after, err := f.signer.IssueClaimReceipt(ctx, "t1", claims[0].Seq, "ingest", "v3", models.DecisionAllow, nil)
	if err != nil {
		t.Fatalf("issue after rotation: %v", err)
	}
	if after.SignerKid != newKid {
		t.Fatalf("new receipt signed with %s, want %s", after.SignerKid, newKid)
	}

	// Both verify: the old key's record stays in the registry with a
	// closed validity window covering its receipts.
	verifyReceiptSignature(t, f.keys, before)
	verifyReceiptSignature(t, f.keys, after)

	rec, ok := f.keys.Lookup(oldKid)
	if !ok {
		t.Fatalf("rotated-out kid dropped from registry")
	}
	if rec.ValidTo.IsZero() {
		t.Fatalf("rotated-out key still has an open validity window")
	}
	if !rec.Valid(before.IssuedAt) {
		t.Fatalf("old key not valid at its receipt's issue time")
	}
}

func TestKeyValidityWindow(t *testing.T) {
	rec := KeyRecord{
		Kid:       "k1",
		ValidFrom: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		ValidTo:   time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC),
	}
	if rec.Valid(rec.ValidFrom.Add(-time.Second)) {
		t.Fatalf("valid before window opens")
	}
	if !rec.Valid(rec.ValidFrom) || !rec.Valid(rec.ValidTo) {
		t.Fatalf("window boundaries excluded")
	}
	if rec.Valid(rec.ValidTo.Add(time.Second)) {
		t.Fatalf("valid after window closes")
	}
	open := KeyRecord{Kid: "k2", ValidFrom: rec.ValidFrom}
	if !open.Valid(rec.ValidTo.Add(24 * time.Hour)) {
		t.Fatalf("open window rejected a later instant")
	}
}

func TestSigningPayloadCoversEveryField(t *testing.T) {
	f := newSignerFixture(t)
	claims := f.append(t, "t1", 1)
	r, err := f.signer.IssueClaimReceipt(context.Background(), "t1", claims[0].Seq, "ingest", "v3", models.DecisionAllow, []string{models.ReasonOK})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	base, _ := SigningPayload(r)

	mutations := []func(*models.DecisionReceipt){
		func(m *models.DecisionReceipt) { m.Decision = models.DecisionDeny },
		func(m *models.DecisionReceipt) { m.InputHash = models.ZeroHash },
		func(m *models.DecisionReceipt) { m.PolicyVersion = "v999" },
		func(m *models.DecisionReceipt) { m.BatchID = "other" },
		func(m *models.DecisionReceipt) { m.Seq++ },
		func(m *models.DecisionReceipt) { m.IssuedAt = m.IssuedAt.Add(time.Nanosecond) },
	}
	for i, mutate := range mutations {
		m := r
		mutate(&m)
		got, err := SigningPayload(m)
		if err != nil {
			t.Fatalf("mutation %d: %v", i, err)
		}
		if string(got) == string(base) {
			t.Fatalf("mutation %d not covered by the signing payload", i)
		}
	}
}

func TestReceiptStoreRejectsDuplicates(t *testing.T) {
	store := NewMemoryReceiptStore()
	ctx := context.Background()
	r := models.DecisionReceipt{ReceiptID: "r1", TenantID: "t1"}
	if err := store.Put(ctx, r); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Put(ctx, r); err == nil {
		t.Fatalf("duplicate receipt id accepted")
	}
}
