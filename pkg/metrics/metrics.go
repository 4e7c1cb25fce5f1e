package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	mu                  sync.RWMutex
	endpoint            map[string]*EndpointStat
	verifyOutcome       map[string]int64
	reason              map[string]int64
	gauges              map[string]float64
	verifyOutcomeReason map[string]int64
	revocation          map[string]int64
	budget              map[string]int64
	psi                 map[string]int64
	appendsTotal        int64
	sealedBatches       int64
	anchorAttempts      int64
	anchorFailures      int64
	verifyLatency       VerifyLatencyStat
	Histograms          *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type VerifyLatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt         string                  `json:"generated_at"`
	Endpoints           map[string]EndpointStat `json:"endpoints"`
	VerifyOutcomes      map[string]int64        `json:"verify_outcomes"`
	Reasons             map[string]int64        `json:"reasons"`
	Gauges              map[string]float64      `json:"gauges"`
	VerifyOutcomeReason map[string]int64        `json:"verify_outcome_reason"`
	RevocationTotals    map[string]int64        `json:"revocation_totals"`
	BudgetTotals        map[string]int64        `json:"budget_totals"`
	PSITotals           map[string]int64        `json:"psi_totals"`
	AppendsTotal        int64                   `json:"appends_total"`
	SealedBatches       int64                   `json:"sealed_batches_total"`
	AnchorAttempts      int64                   `json:"anchor_attempts_total"`
	AnchorFailures      int64                   `json:"anchor_failures_total"`
	VerifyLatencyMS     VerifyLatencyStat       `json:"verify_latency_ms"`
	Histograms          []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:            map[string]*EndpointStat{},
		verifyOutcome:       map[string]int64{},
		reason:              map[string]int64{},
		gauges:              map[string]float64{},
		verifyOutcomeReason: map[string]int64{},
		revocation:          map[string]int64{},
		budget:              map[string]int64{},
		psi:                 map[string]int64{},
		Histograms:          NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
	stat.LastStatusCode = status
}

func (r *Registry) IncVerifyOutcome(status string) {
	if status == "" {
		return
	}
	r.mu.Lock()
	r.verifyOutcome[status]++
	r.mu.Unlock()
}

func (r *Registry) IncReason(reason string) {
	if reason == "" {
		return
	}
	r.mu.Lock()
	r.reason[reason]++
	r.mu.Unlock()
}

func (r *Registry) IncVerifyOutcomeReason(status, reason string) {
	status = strings.TrimSpace(status)
	reason = strings.TrimSpace(reason)
	if status == "" {
		return
	}
	if reason == "" {
		reason = "UNKNOWN"
	}
	key := status + "|" + reason
	r.mu.Lock()
	r.verifyOutcomeReason[key]++
	r.mu.Unlock()
}

func (r *Registry) ObserveVerifyLatency(d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verifyLatency.Count++
	r.verifyLatency.TotalMS += ms
	r.verifyLatency.LastMS = ms
	if ms > r.verifyLatency.MaxMS {
		r.verifyLatency.MaxMS = ms
	}
	r.verifyLatency.AvgMS = float64(r.verifyLatency.TotalMS) / float64(r.verifyLatency.Count)
}

// IncRevocation counts revocation activity by kind: issued, applied from
// the bus, or derived through propagation.
func (r *Registry) IncRevocation(kind string) {
	kind = strings.TrimSpace(strings.ToLower(kind))
	if kind == "" {
		return
	}
	r.mu.Lock()
	r.revocation[kind]++
	r.mu.Unlock()
}

// IncBudget counts accountant outcomes: admitted, denied or refunded.
func (r *Registry) IncBudget(outcome string) {
	outcome = strings.TrimSpace(strings.ToLower(outcome))
	if outcome == "" {
		return
	}
	r.mu.Lock()
	r.budget[outcome]++
	r.mu.Unlock()
}

// IncPSI counts settled queries by terminal status or failure reason.
func (r *Registry) IncPSI(status string) {
	status = strings.TrimSpace(strings.ToUpper(status))
	if status == "" {
		return
	}
	r.mu.Lock()
	r.psi[status]++
	r.mu.Unlock()
}

func (r *Registry) IncAppend() {
	r.mu.Lock()
	r.appendsTotal++
	r.mu.Unlock()
}

func (r *Registry) IncSealedBatch() {
	r.mu.Lock()
	r.sealedBatches++
	r.mu.Unlock()
}

func (r *Registry) IncAnchorAttempt(ok bool) {
	r.mu.Lock()
	r.anchorAttempts++
	if !ok {
		r.anchorFailures++
	}
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:         time.Now().UTC().Format(time.RFC3339),
		Endpoints:           make(map[string]EndpointStat, len(r.endpoint)),
		VerifyOutcomes:      make(map[string]int64, len(r.verifyOutcome)),
		Reasons:             make(map[string]int64, len(r.reason)),
		Gauges:              make(map[string]float64, len(r.gauges)),
		VerifyOutcomeReason: make(map[string]int64, len(r.verifyOutcomeReason)),
		RevocationTotals:    make(map[string]int64, len(r.revocation)),
		BudgetTotals:        make(map[string]int64, len(r.budget)),
		PSITotals:           make(map[string]int64, len(r.psi)),
		AppendsTotal:        r.appendsTotal,
		SealedBatches:       r.sealedBatches,
		AnchorAttempts:      r.anchorAttempts,
		AnchorFailures:      r.anchorFailures,
		VerifyLatencyMS: VerifyLatencyStat{
			Count:   r.verifyLatency.Count,
			TotalMS: r.verifyLatency.TotalMS,
			MaxMS:   r.verifyLatency.MaxMS,
			LastMS:  r.verifyLatency.LastMS,
			AvgMS:   r.verifyLatency.AvgMS,
		},
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.verifyOutcome {
		out.VerifyOutcomes[k] = v
	}
	for k, v := range r.reason {
		out.Reasons[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	for k, v := range r.verifyOutcomeReason {
		out.VerifyOutcomeReason[k] = v
	}
	for k, v := range r.revocation {
		out.RevocationTotals[k] = v
	}
	for k, v := range r.budget {
		out.BudgetTotals[k] = v
	}
	for k, v := range r.psi {
		out.PSITotals[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP attest_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE attest_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "attest_endpoint_count{endpoint=%q} %d\n", ep, stat.Count)
		}
		b.WriteString("# HELP attest_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE attest_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "attest_endpoint_error_count{endpoint=%q} %d\n", ep, stat.ErrorCount)
		}
		b.WriteString("# HELP attest_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE attest_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "attest_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, stat.AverageMillis)
		}
		b.WriteString("# HELP attest_endpoint_max_millis endpoint max latency in milliseconds\n")
		b.WriteString("# TYPE attest_endpoint_max_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "attest_endpoint_max_millis{endpoint=%q} %d\n", ep, stat.MaxMillis)
		}
		b.WriteString("# HELP attest_verify_total receipt verifications by outcome\n")
		b.WriteString("# TYPE attest_verify_total counter\n")
		for _, status := range SortedKeys(snap.VerifyOutcomes) {
			fmt.Fprintf(b, "attest_verify_total{status=%q} %d\n", status, snap.VerifyOutcomes[status])
		}
		b.WriteString("# HELP attest_reason_total verification results by reason code\n")
		b.WriteString("# TYPE attest_reason_total counter\n")
		for _, reason := range SortedKeys(snap.Reasons) {
			fmt.Fprintf(b, "attest_reason_total{reason=%q} %d\n", reason, snap.Reasons[reason])
		}
		b.WriteString("# HELP attest_gauge operational gauge metrics\n")
		b.WriteString("# TYPE attest_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "attest_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		for _, h := range snap.Histograms {
			b.WriteString("# HELP attest_latency_seconds latency histogram\n")
			b.WriteString("# TYPE attest_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "attest_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "attest_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "attest_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "attest_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "attest_latency_p50_seconds{endpoint=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "attest_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "attest_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
		}

		b.WriteString("# HELP attest_verify_outcome_total receipt verifications by outcome and reason\n")
		b.WriteString("# TYPE attest_verify_outcome_total counter\n")
		for _, key := range SortedKeys(snap.VerifyOutcomeReason) {
			parts := strings.SplitN(key, "|", 2)
			status := parts[0]
			reason := "UNKNOWN"
			if len(parts) == 2 {
				reason = parts[1]
			}
			fmt.Fprintf(b, "attest_verify_outcome_total{status=%q,reason=%q} %d\n", status, reason, snap.VerifyOutcomeReason[key])
		}

		b.WriteString("# HELP attest_verify_latency_ms receipt verification latency in ms\n")
		b.WriteString("# TYPE attest_verify_latency_ms gauge\n")
		fmt.Fprintf(b, "attest_verify_latency_ms{stat=%q} %d\n", "last", snap.VerifyLatencyMS.LastMS)
		fmt.Fprintf(b, "attest_verify_latency_ms{stat=%q} %.3f\n", "avg", snap.VerifyLatencyMS.AvgMS)
		fmt.Fprintf(b, "attest_verify_latency_ms{stat=%q} %d\n", "max", snap.VerifyLatencyMS.MaxMS)

		b.WriteString("# HELP attest_revocation_total revocations by kind\n")
		b.WriteString("# TYPE attest_revocation_total counter\n")
		for _, kind := range SortedKeys(snap.RevocationTotals) {
			fmt.Fprintf(b, "attest_revocation_total{kind=%q} %d\n", kind, snap.RevocationTotals[kind])
		}

		b.WriteString("# HELP attest_budget_total privacy budget admissions by outcome\n")
		b.WriteString("# TYPE attest_budget_total counter\n")
		for _, outcome := range SortedKeys(snap.BudgetTotals) {
			fmt.Fprintf(b, "attest_budget_total{outcome=%q} %d\n", outcome, snap.BudgetTotals[outcome])
		}

		b.WriteString("# HELP attest_psi_total settled PSI queries by status\n")
		b.WriteString("# TYPE attest_psi_total counter\n")
		for _, status := range SortedKeys(snap.PSITotals) {
			fmt.Fprintf(b, "attest_psi_total{status=%q} %d\n", status, snap.PSITotals[status])
		}

		b.WriteString("# HELP attest_appends_total ledger appends accepted\n")
		b.WriteString("# TYPE attest_appends_total counter\n")
		fmt.Fprintf(b, "attest_appends_total %d\n", snap.AppendsTotal)

		b.WriteString("# HELP attest_sealed_batches_total Merkle batches sealed\n")
		b.WriteString("# TYPE attest_sealed_batches_total counter\n")
		fmt.Fprintf(b, "attest_sealed_batches_total %d\n", snap.SealedBatches)

		b.WriteString("# HELP attest_anchor_attempts_total external anchor attempts\n")
		b.WriteString("# TYPE attest_anchor_attempts_total counter\n")
		fmt.Fprintf(b, "attest_anchor_attempts_total %d\n", snap.AnchorAttempts)

		b.WriteString("# HELP attest_anchor_failures_total failed external anchor attempts\n")
		b.WriteString("# TYPE attest_anchor_failures_total counter\n")
		fmt.Fprintf(b, "attest_anchor_failures_total %d\n", snap.AnchorFailures)

		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
