package main

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/redis/go-redis/v9"
)

func noopTelemetry(ctx context.Context, service string) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}

func noRedis(ctx context.Context) (*redis.Client, error) {
	return nil, errors.New("redis disabled in tests")
}

func TestRunLedgerdMemoryBackend(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("AUTH_MODE", "off")
	t.Setenv("ALLOW_INSECURE_AUTH_OFF", "true")
	t.Setenv("ENVIRONMENT", "test")

	var captured *http.Server
	listen := func(server *http.Server) error {
		captured = server
		return errors.New("listen stub")
	}
	err := runLedgerd(noopTelemetry, nil, noRedis, listen, nil)
	if err == nil || !strings.Contains(err.Error(), "listen stub") {
		t.Fatalf("runLedgerd error = %v", err)
	}
	if captured == nil || captured.Handler == nil {
		t.Fatal("server not configured")
	}
	if captured.ReadHeaderTimeout <= 0 {
		t.Fatal("missing read header timeout")
	}
}

func TestRunLedgerdUnknownBackend(t *testing.T) {
	t.Setenv("STORE_BACKEND", "sqlite")
	err := runLedgerd(noopTelemetry, nil, noRedis, nil, nil)
	if err == nil || !strings.Contains(err.Error(), "STORE_BACKEND") {
		t.Fatalf("error = %v", err)
	}
}

func TestRunLedgerdAuthOffGuard(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("AUTH_MODE", "off")
	t.Setenv("ALLOW_INSECURE_AUTH_OFF", "false")
	err := runLedgerd(noopTelemetry, nil, noRedis, nil, nil)
	if err == nil || !strings.Contains(err.Error(), "AUTH_MODE=off") {
		t.Fatalf("error = %v", err)
	}

	t.Setenv("ALLOW_INSECURE_AUTH_OFF", "true")
	t.Setenv("ENVIRONMENT", "production")
	err = runLedgerd(noopTelemetry, nil, noRedis, nil, nil)
	if err == nil || !strings.Contains(err.Error(), "production") {
		t.Fatalf("error = %v", err)
	}
}

func TestRunLedgerdDBFailure(t *testing.T) {
	t.Setenv("STORE_BACKEND", "postgres")
	openDB := func(ctx context.Context) (serviceDBCloser, error) {
		return nil, errors.New("connection refused")
	}
	err := runLedgerd(noopTelemetry, openDB, noRedis, nil, nil)
	if err == nil || !strings.Contains(err.Error(), "db:") {
		t.Fatalf("error = %v", err)
	}
}

func TestParsePolicyVersions(t *testing.T) {
	got := parsePolicyVersions("ingest=v3, psi-exchange=v1,,broken,=v2,blank= ")
	if len(got) != 2 {
		t.Fatalf("parsed %v", got)
	}
	if got["ingest"] != "v3" || got["psi-exchange"] != "v1" {
		t.Fatalf("parsed %v", got)
	}
}

func TestParseBudgetLimits(t *testing.T) {
	got := parseBudgetLimits("acme=10, acme|psi=3,bad=x,neg=-1")
	if len(got) != 2 {
		t.Fatalf("parsed %v", got)
	}
	if got["acme"] != 10 || got["acme|psi"] != 3 {
		t.Fatalf("parsed %v", got)
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" a, ,b ,")
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("parsed %v", got)
	}
}

func TestMainUsesTestableVars(t *testing.T) {
	t.Setenv("STORE_BACKEND", "sqlite")
	var fatalMsg string
	origFatal := logFatalf
	logFatalf = func(format string, v ...interface{}) { fatalMsg = format }
	defer func() { logFatalf = origFatal }()

	origTelemetry := initTelemetryL
	initTelemetryL = noopTelemetry
	defer func() { initTelemetryL = origTelemetry }()

	main()
	if fatalMsg == "" {
		t.Fatal("expected fatal on unknown backend")
	}
}
