package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"

	"attest/pkg/models"
)

var ErrNotFound = errors.New("ledger: claim not found")

// Store persists claims. Append is the only mutator; callers hold the
// tenant write lease (see Ledger) so implementations never see two
// concurrent appends for one tenant.
type Store interface {
	Append(ctx context.Context, c models.Claim) error
	Get(ctx context.Context, tenantID string, seq int64) (models.Claim, error)
	GetByID(ctx context.Context, claimID string) (models.Claim, error)
	Tail(ctx context.Context, tenantID string) (models.Claim, bool, error)
	// Range returns claims with seq in [from, to], ascending.
	Range(ctx context.Context, tenantID string, from, to int64) ([]models.Claim, error)
	Tenants(ctx context.Context) ([]string, error)
}

// MemoryStore keeps chains in memory. Used by tests and single-node dev runs.
type MemoryStore struct {
	mu     sync.RWMutex
	chains map[string][]models.Claim
	byID   map[string]models.Claim
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chains: map[string][]models.Claim{},
		byID:   map[string]models.Claim{},
	}
}

func (m *MemoryStore) Append(ctx context.Context, c models.Claim) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	chain := m.chains[c.TenantID]
	if int64(len(chain)) != c.Seq {
		return errors.New("ledger: append seq gap")
	}
	m.chains[c.TenantID] = append(chain, c)
	m.byID[c.ID] = c
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, tenantID string, seq int64) (models.Claim, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chain := m.chains[tenantID]
	if seq < 0 || seq >= int64(len(chain)) {
		return models.Claim{}, ErrNotFound
	}
	return chain[seq], nil
}

func (m *MemoryStore) GetByID(ctx context.Context, claimID string) (models.Claim, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.byID[claimID]
	if !ok {
		return models.Claim{}, ErrNotFound
	}
	return c, nil
}

func (m *MemoryStore) Tail(ctx context.Context, tenantID string) (models.Claim, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chain := m.chains[tenantID]
	if len(chain) == 0 {
		return models.Claim{}, false, nil
	}
	return chain[len(chain)-1], true, nil
}

func (m *MemoryStore) Range(ctx context.Context, tenantID string, from, to int64) ([]models.Claim, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chain := m.chains[tenantID]
	if from < 0 {
		from = 0
	}
	if to >= int64(len(chain)) {
		to = int64(len(chain)) - 1
	}
	if from > to {
		return nil, nil
	}
	out := make([]models.Claim, 0, to-from+1)
	out = append(out, chain[from:to+1]...)
	return out, nil
}

func (m *MemoryStore) Tenants(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.chains))
	for t := range m.chains {
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}

// Corrupt overwrites a stored claim in place. Test hook for integrity
// scanning; panics outside the memory store on purpose.
func (m *MemoryStore) Corrupt(tenantID string, seq int64, mutate func(*models.Claim)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	chain := m.chains[tenantID]
	if seq < 0 || seq >= int64(len(chain)) {
		return
	}
	mutate(&chain[seq])
}
