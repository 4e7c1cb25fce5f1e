package verifier

import (
	"context"

	"attest/pkg/batcher"
	"attest/pkg/models"
	"attest/pkg/signer"
)

// Bundle is the self-contained material for offline verification: the
// receipt's claim, its batch with the full leaf set, the key registry and
// optionally a revocation list.
type Bundle struct {
	Claim   models.Claim              `json:"claim"`
	Batch   *models.MerkleBatch       `json:"batch,omitempty"`
	Keys    []signer.KeyRecord        `json:"keys"`
	Revoked []models.RevocationRecord `json:"revoked,omitempty"`
}

type bundleClaims struct{ c models.Claim }

func (b bundleClaims) Get(_ context.Context, tenantID string, seq int64) (models.Claim, error) {
	if b.c.TenantID != tenantID || b.c.Seq != seq {
		return models.Claim{}, ledgerNotFound{}
	}
	return b.c, nil
}

type ledgerNotFound struct{}

func (ledgerNotFound) Error() string { return "bundle: claim not in bundle" }

type bundleBatches struct{ b *models.MerkleBatch }

func (b bundleBatches) Get(_ context.Context, batchID string) (models.MerkleBatch, error) {
	if b.b == nil || b.b.BatchID != batchID {
		return models.MerkleBatch{}, batcher.ErrBatchNotFound
	}
	return *b.b, nil
}

type bundleKeys struct{ keys []signer.KeyRecord }

func (b bundleKeys) Lookup(kid string) (signer.KeyRecord, bool) {
	for _, k := range b.keys {
		if k.Kid == kid {
			return k, true
		}
	}
	return signer.KeyRecord{}, false
}

type bundleRevoked struct{ ids map[string]struct{} }

func (b bundleRevoked) IsRevoked(id string) bool {
	_, ok := b.ids[id]
	return ok
}

// VerifyOffline checks a receipt against a bundle with no network or
// service dependency.
func VerifyOffline(r models.DecisionReceipt, bundle Bundle) models.VerifyResult {
	var revoked RevocationSource
	if len(bundle.Revoked) > 0 {
		ids := make(map[string]struct{}, len(bundle.Revoked))
		for _, rec := range bundle.Revoked {
			ids[rec.TargetID] = struct{}{}
		}
		revoked = bundleRevoked{ids}
	}
	v := &Verifier{
		Claims:  bundleClaims{bundle.Claim},
		Batches: bundleBatches{bundle.Batch},
		Keys:    bundleKeys{bundle.Keys},
		Revoked: revoked,
	}
	return v.Verify(context.Background(), r, Options{})
}
