package batcher

import (
	"context"
	"errors"
	"sync"

	"attest/pkg/models"
)

var ErrBatchNotFound = errors.New("batcher: batch not found")

// ErrRangeSealed reports that a batch covering the same starting sequence
// already exists for the tenant. Callers treat the existing batch as the
// seal result.
var ErrRangeSealed = errors.New("batcher: range already sealed")

// BatchStore persists sealed batches. Batches are immutable after Put
// except for the anchor reference, which arrives asynchronously.
type BatchStore interface {
	Put(ctx context.Context, b models.MerkleBatch) error
	Get(ctx context.Context, batchID string) (models.MerkleBatch, error)
	// ForSeq returns the sealed batch covering (tenant, seq), if any.
	ForSeq(ctx context.Context, tenantID string, seq int64) (models.MerkleBatch, error)
	// LastSealed returns the batch with the highest last_seq for the tenant.
	LastSealed(ctx context.Context, tenantID string) (models.MerkleBatch, bool, error)
	SetAnchorRef(ctx context.Context, batchID, anchorRef string) error
}

type MemoryBatchStore struct {
	mu       sync.RWMutex
	byID     map[string]models.MerkleBatch
	byTenant map[string][]string
}

func NewMemoryBatchStore() *MemoryBatchStore {
	return &MemoryBatchStore{
		byID:     map[string]models.MerkleBatch{},
		byTenant: map[string][]string{},
	}
}

func (m *MemoryBatchStore) Put(ctx context.Context, b models.MerkleBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byID[b.BatchID]; exists {
		return ErrRangeSealed
	}
	for _, id := range m.byTenant[b.TenantID] {
		if m.byID[id].FirstSeq == b.FirstSeq {
			return ErrRangeSealed
		}
	}
	m.byID[b.BatchID] = b
	m.byTenant[b.TenantID] = append(m.byTenant[b.TenantID], b.BatchID)
	return nil
}

func (m *MemoryBatchStore) Get(ctx context.Context, batchID string) (models.MerkleBatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.byID[batchID]
	if !ok {
		return models.MerkleBatch{}, ErrBatchNotFound
	}
	return b, nil
}

func (m *MemoryBatchStore) ForSeq(ctx context.Context, tenantID string, seq int64) (models.MerkleBatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range m.byTenant[tenantID] {
		b := m.byID[id]
		if seq >= b.FirstSeq && seq <= b.LastSeq {
			return b, nil
		}
	}
	return models.MerkleBatch{}, ErrBatchNotFound
}

func (m *MemoryBatchStore) LastSealed(ctx context.Context, tenantID string) (models.MerkleBatch, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best models.MerkleBatch
	found := false
	for _, id := range m.byTenant[tenantID] {
		b := m.byID[id]
		if !found || b.LastSeq > best.LastSeq {
			best = b
			found = true
		}
	}
	return best, found, nil
}

func (m *MemoryBatchStore) SetAnchorRef(ctx context.Context, batchID, anchorRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.byID[batchID]
	if !ok {
		return ErrBatchNotFound
	}
	b.AnchorRef = anchorRef
	m.byID[batchID] = b
	return nil
}

// Tamper mutates a stored batch in place. Test hook for proof-invalidation
// scenarios; only the memory store exposes it.
func (m *MemoryBatchStore) Tamper(batchID string, mutate func(*models.MerkleBatch)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.byID[batchID]
	if !ok {
		return
	}
	mutate(&b)
	m.byID[batchID] = b
}
