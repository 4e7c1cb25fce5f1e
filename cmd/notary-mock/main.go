package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"attest/pkg/httpx"
	"attest/pkg/models"
	"attest/pkg/telemetry"

	"github.com/go-chi/chi/v5"
)

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	listenFn        = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runNotaryMock(initTelemetryFn, listenFn); err != nil {
		logFatalf("server error: %v", err)
	}
}

// notary keeps every accepted anchor in memory, keyed by the reference it
// handed out, so tests can read back what was notarized.
type notary struct {
	mu      sync.Mutex
	anchors map[string]models.AnchorExport
}

func newNotary() *notary {
	return &notary{anchors: map[string]models.AnchorExport{}}
}

// anchorRef derives a deterministic reference from the batch root, so
// re-submitting the same batch yields the same ref.
func anchorRef(export models.AnchorExport) string {
	sum := sha256.Sum256([]byte(export.BatchID + ":" + export.RootHash))
	return "notary:" + hex.EncodeToString(sum[:16])
}

func (n *notary) handleAnchor(w http.ResponseWriter, r *http.Request) {
	var export models.AnchorExport
	if err := json.NewDecoder(r.Body).Decode(&export); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if export.BatchID == "" || export.RootHash == "" {
		httpx.Error(w, 400, "batch_id and root_hash required")
		return
	}
	ref := anchorRef(export)
	n.mu.Lock()
	n.anchors[ref] = export
	n.mu.Unlock()
	httpx.WriteJSON(w, 200, map[string]string{"anchor_ref": ref})
}

func (n *notary) handleLookup(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	n.mu.Lock()
	export, ok := n.anchors[ref]
	n.mu.Unlock()
	if !ok {
		httpx.Error(w, 404, "unknown anchor ref")
		return
	}
	httpx.WriteJSON(w, 200, export)
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func runNotaryMock(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	shutdown, err := initTelemetry(context.Background(), "notary-mock")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	n := newNotary()
	r := chi.NewRouter()
	r.Use(telemetry.HTTPMiddleware("notary-mock"))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "notary-mock"})
	})
	r.Post("/anchors", n.handleAnchor)
	r.Get("/anchors/{ref}", n.handleLookup)

	addr := env("ADDR", ":8086")
	log.Printf("notary-mock listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	return listen(server)
}
