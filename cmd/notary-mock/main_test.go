package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"attest/pkg/models"
)

func TestHandleAnchorIssuesStableRef(t *testing.T) {
	t.Parallel()

	n := newNotary()
	body := `{"batch_id":"b-1","root_hash":"` + strings.Repeat("ab", 32) + `","first_seq":0,"last_seq":4}`

	req := httptest.NewRequest(http.MethodPost, "/anchors", strings.NewReader(body))
	rr := httptest.NewRecorder()
	n.handleAnchor(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var first map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &first); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !strings.HasPrefix(first["anchor_ref"], "notary:") {
		t.Fatalf("unexpected ref %q", first["anchor_ref"])
	}

	// Re-submitting the same batch returns the same ref.
	req = httptest.NewRequest(http.MethodPost, "/anchors", strings.NewReader(body))
	rr = httptest.NewRecorder()
	n.handleAnchor(rr, req)
	var second map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &second); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if second["anchor_ref"] != first["anchor_ref"] {
		t.Fatalf("refs differ: %q vs %q", first["anchor_ref"], second["anchor_ref"])
	}
}

func TestHandleAnchorRejectsIncompleteExport(t *testing.T) {
	t.Parallel()

	n := newNotary()
	req := httptest.NewRequest(http.MethodPost, "/anchors", strings.NewReader(`{"batch_id":"b-1"}`))
	rr := httptest.NewRecorder()
	n.handleAnchor(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/anchors", strings.NewReader(`not json`))
	rr = httptest.NewRecorder()
	n.handleAnchor(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad json, got %d", rr.Code)
	}
}

func TestNotaryEnvHelpers(t *testing.T) {
	t.Setenv("NOTARY_ENV_STRING", "value")
	if got := env("NOTARY_ENV_STRING", "default"); got != "value" {
		t.Fatalf("expected env value, got %q", got)
	}
	if got := env("NOTARY_ENV_MISSING", "default"); got != "default" {
		t.Fatalf("expected default value, got %q", got)
	}
	t.Setenv("NOTARY_ENV_INT", "bad")
	if got := envInt("NOTARY_ENV_INT", 5); got != 5 {
		t.Fatalf("expected fallback 5, got %d", got)
	}
	t.Setenv("NOTARY_ENV_INT", "11")
	if got := envDurationSec("NOTARY_ENV_INT", 3); got.Seconds() != 11 {
		t.Fatalf("expected duration 11s from env, got %v", got)
	}
}

// TestRunNotaryMockLifecycle exercises main()'s full startup path and the
// anchor round trip through the router.
func TestRunNotaryMockLifecycle(t *testing.T) {
	t.Setenv("ADDR", "127.0.0.1:0")

	var capturedServer *http.Server
	err := runNotaryMock(
		func(ctx context.Context, service string) (func(context.Context) error, error) {
			if service != "notary-mock" {
				return nil, errors.New("unexpected service name")
			}
			return func(context.Context) error { return nil }, nil
		},
		func(server *http.Server) error {
			capturedServer = server

			rr := httptest.NewRecorder()
			server.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
			if rr.Code != 200 {
				return errors.New("healthz failed")
			}

			export, _ := json.Marshal(models.AnchorExport{
				BatchID:  "b-9",
				RootHash: strings.Repeat("cd", 32),
				LastSeq:  2,
			})
			rr = httptest.NewRecorder()
			server.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/anchors", strings.NewReader(string(export))))
			if rr.Code != 200 {
				return errors.New("anchor failed")
			}
			var resp map[string]string
			if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
				return err
			}

			rr = httptest.NewRecorder()
			server.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/anchors/"+resp["anchor_ref"], nil))
			if rr.Code != 200 {
				return errors.New("lookup failed")
			}
			rr = httptest.NewRecorder()
			server.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/anchors/unknown", nil))
			if rr.Code != 404 {
				return errors.New("expected 404 for unknown ref")
			}
			return errors.New("test-stop")
		},
	)
	if err == nil || err.Error() != "test-stop" {
		t.Fatalf("expected test-stop, got %v", err)
	}
	if capturedServer == nil {
		t.Fatal("server not captured")
	}
}

func TestMainLogsFatalOnTelemetryError(t *testing.T) {
	var fatalMsg string
	origFatal := logFatalf
	logFatalf = func(format string, v ...interface{}) { fatalMsg = format }
	defer func() { logFatalf = origFatal }()

	origInit := initTelemetryFn
	initTelemetryFn = func(ctx context.Context, service string) (func(context.Context) error, error) {
		return nil, errors.New("otel down")
	}
	defer func() { initTelemetryFn = origInit }()

	main()
	if fatalMsg == "" {
		t.Fatal("expected fatal log")
	}
}
