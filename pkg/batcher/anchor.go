package batcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"attest/pkg/httpx"
	"attest/pkg/models"
)

// AnchorSink submits a batch root to an external notarization collaborator
// and returns an opaque anchor reference.
type AnchorSink interface {
	Submit(ctx context.Context, export models.AnchorExport) (string, error)
}

// HTTPAnchorSink posts anchor exports to a notary endpoint.
type HTTPAnchorSink struct {
	Client     *http.Client
	URL        string
	AuthHeader string
	AuthToken  string
}

func (s *HTTPAnchorSink) Submit(ctx context.Context, export models.AnchorExport) (string, error) {
	body, err := json.Marshal(export)
	if err != nil {
		return "", err
	}
	headers := map[string]string{}
	if s.AuthHeader != "" && s.AuthToken != "" {
		headers[s.AuthHeader] = s.AuthToken
	}
	status, respBody, err := httpx.RequestJSON(ctx, s.Client, http.MethodPost, s.URL, body, headers, 0, 0)
	if err != nil {
		return "", err
	}
	if status < 200 || status >= 300 {
		return "", fmt.Errorf("anchor sink status %d", status)
	}
	var resp struct {
		AnchorRef string `json:"anchor_ref"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("anchor sink response: %w", err)
	}
	if resp.AnchorRef == "" {
		return "", fmt.Errorf("anchor sink returned empty anchor_ref")
	}
	return resp.AnchorRef, nil
}

// AnchorWorker retries anchor submissions asynchronously with exponential
// backoff. A failed anchor degrades auditability, never local verification,
// so batches are always sealed before anchoring is attempted.
type AnchorWorker struct {
	Sink         AnchorSink
	Store        BatchStore
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
	OnAnchored   func(batchID, anchorRef string)

	queue chan models.MerkleBatch
}

func NewAnchorWorker(sink AnchorSink, store BatchStore) *AnchorWorker {
	return &AnchorWorker{
		Sink:         sink,
		Store:        store,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		MaxAttempts:  8,
		queue:        make(chan models.MerkleBatch, 128),
	}
}

// Enqueue hands a sealed batch to the worker. Non-blocking; if the queue
// is full the batch is dropped and picked up by the next seal cycle's
// re-enqueue, since anchoring is best effort.
func (w *AnchorWorker) Enqueue(b models.MerkleBatch) {
	select {
	case w.queue <- b:
	default:
		log.Printf("anchor: queue full, dropping batch %s", b.BatchID)
	}
}

func (w *AnchorWorker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case b := <-w.queue:
			w.anchorWithRetry(ctx, b)
		}
	}
}

func (w *AnchorWorker) anchorWithRetry(ctx context.Context, b models.MerkleBatch) {
	export := models.AnchorExport{
		BatchID:  b.BatchID,
		RootHash: b.RootHash,
		FirstSeq: b.FirstSeq,
		LastSeq:  b.LastSeq,
	}
	delay := w.InitialDelay
	for attempt := 1; ; attempt++ {
		ref, err := w.Sink.Submit(ctx, export)
		if err == nil {
			if err := w.Store.SetAnchorRef(ctx, b.BatchID, ref); err != nil {
				log.Printf("anchor: record ref for batch %s: %v", b.BatchID, err)
			}
			if w.OnAnchored != nil {
				w.OnAnchored(b.BatchID, ref)
			}
			return
		}
		if w.MaxAttempts > 0 && attempt >= w.MaxAttempts {
			log.Printf("anchor: giving up on batch %s after %d attempts: %v", b.BatchID, attempt, err)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > w.MaxDelay {
			delay = w.MaxDelay
		}
	}
}
