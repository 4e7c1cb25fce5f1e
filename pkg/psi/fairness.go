package psi

import (
	"sort"
	"sync"
)

// Gini computes the Gini coefficient of per-tenant served-request counts.
// 0 means perfectly even service, values approaching 1 mean one tenant
// monopolizes the engine.
func Gini(counts []int64) float64 {
	if len(counts) < 2 {
		return 0
	}
	sorted := make([]int64, len(counts))
	copy(sorted, counts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var total, weighted int64
	for i, c := range sorted {
		total += c
		weighted += int64(i+1) * c
	}
	if total == 0 {
		return 0
	}
	n := int64(len(sorted))
	return float64(2*weighted)/(float64(n)*float64(total)) - float64(n+1)/float64(n)
}

// scheduler bounds per-tenant concurrency and tracks served shares so a
// single tenant cannot starve the others of compute slots.
type scheduler struct {
	perTenant int
	mu        sync.Mutex
	inflight  map[string]int
	waiters   map[string][]chan struct{}
	served    map[string]int64
}

func newScheduler(perTenant int) *scheduler {
	if perTenant <= 0 {
		perTenant = 4
	}
	return &scheduler{
		perTenant: perTenant,
		inflight:  map[string]int{},
		waiters:   map[string][]chan struct{}{},
		served:    map[string]int64{},
	}
}

func (s *scheduler) acquire(tenantID string) {
	s.mu.Lock()
	if s.inflight[tenantID] < s.perTenant {
		s.inflight[tenantID]++
		s.mu.Unlock()
		return
	}
	ch := make(chan struct{})
	s.waiters[tenantID] = append(s.waiters[tenantID], ch)
	s.mu.Unlock()
	<-ch
}

func (s *scheduler) release(tenantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q := s.waiters[tenantID]; len(q) > 0 {
		close(q[0])
		s.waiters[tenantID] = q[1:]
		return
	}
	if s.inflight[tenantID] > 0 {
		s.inflight[tenantID]--
	}
}

func (s *scheduler) recordServed(tenantIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tenantIDs {
		s.served[t]++
	}
}

func (s *scheduler) servedCounts() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.served))
	for t, c := range s.served {
		out[t] = c
	}
	return out
}

func (s *scheduler) servedGini() float64 {
	s.mu.Lock()
	counts := make([]int64, 0, len(s.served))
	for _, c := range s.served {
		counts = append(counts, c)
	}
	s.mu.Unlock()
	return Gini(counts)
}
