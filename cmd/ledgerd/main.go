package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"attest/pkg/auth"
	"attest/pkg/batcher"
	"attest/pkg/budget"
	"attest/pkg/hardening"
	"attest/pkg/httpx"
	"attest/pkg/ledger"
	"attest/pkg/metrics"
	"attest/pkg/models"
	"attest/pkg/policyreg"
	"attest/pkg/psi"
	"attest/pkg/ratelimit"
	"attest/pkg/revbus"
	"attest/pkg/revocation"
	"attest/pkg/signer"
	"attest/pkg/store"
	"attest/pkg/stream"
	"attest/pkg/telemetry"
	"attest/pkg/verifier"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

type Server struct {
	Ledger              *ledger.Ledger
	Batcher             *batcher.Batcher
	Batches             batcher.BatchStore
	Keys                *signer.Keyring
	Signer              *signer.Signer
	Receipts            signer.ReceiptStore
	Verifier            *verifier.Verifier
	Graph               *revocation.Graph
	Budget              budget.Accountant
	PSI                 *psi.Engine
	Policies            *policyreg.Registry
	Anchor              *batcher.AnchorWorker
	Metrics             *metrics.Registry
	Events              *stream.Hub
	Cache               store.Cache
	RateLimiter         ratelimit.Limiter
	RateLimitEnabled    bool
	RateLimitPerMinute  int
	AuthMode            string
	AuthSecret          string
	AuthTokens          map[string]auth.Principal
	MaxRequestBodyBytes int64
	ScanInterval        time.Duration
}

type serviceDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type serviceDBCloser interface {
	serviceDB
	Close()
}

type initTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type openDBFunc func(ctx context.Context) (serviceDBCloser, error)
type openRedisFunc func(ctx context.Context) (*redis.Client, error)
type listenFunc func(server *http.Server) error
type startLoopsFunc func(s *Server)

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryL = telemetry.Init
	openDBFnL      = func(ctx context.Context) (serviceDBCloser, error) { return store.NewPostgresPool(ctx) }
	openRedisFnL   = store.NewRedis
	listenFnL      = func(server *http.Server) error { return server.ListenAndServe() }
	startLoopsFnL  = func(s *Server) {
		ctx := context.Background()
		go s.Batcher.Run(ctx)
		go (&ledger.Scanner{
			Ledger:   s.Ledger,
			Interval: s.ScanInterval,
			OnHalt: func(tenantID string, err error) {
				s.Metrics.IncReason("TENANT_HALTED")
				s.Events.Publish(stream.NewEvent(stream.EventTenantHalted, map[string]string{
					"tenant_id": tenantID,
					"detail":    err.Error(),
				}))
			},
		}).Run(ctx)
		if s.Anchor != nil {
			go s.Anchor.Run(ctx)
		}
		go func() { _ = s.PSI.Run(ctx) }()
		go s.metricsLoop(ctx)
	}
)

func main() {
	if err := runLedgerd(initTelemetryL, openDBFnL, openRedisFnL, listenFnL, startLoopsFnL); err != nil {
		logFatalf("ledgerd: %v", err)
	}
}

func runLedgerd(
	initTelemetry initTelemetryFunc,
	openDB openDBFunc,
	openRedis openRedisFunc,
	listen listenFunc,
	startLoops startLoopsFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "ledgerd")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	var claimStore ledger.Store
	var batchStore batcher.BatchStore
	var receiptStore signer.ReceiptStore
	var revocationStore revocation.EventStore
	backend := strings.ToLower(strings.TrimSpace(env("STORE_BACKEND", "postgres")))
	switch backend {
	case "memory":
		log.Printf("using in-memory stores; ledger state does not survive restarts")
		claimStore = ledger.NewMemoryStore()
		batchStore = batcher.NewMemoryBatchStore()
		receiptStore = signer.NewMemoryReceiptStore()
		revocationStore = revocation.NewMemoryEventStore()
	case "postgres":
		pool, err := openDB(ctx)
		if err != nil {
			return fmt.Errorf("db: %w", err)
		}
		defer pool.Close()
		claimStore = &ledger.PostgresStore{DB: pool}
		batchStore = &batcher.PostgresBatchStore{DB: pool}
		receiptStore = &signer.PostgresReceiptStore{DB: pool}
		revocationStore = &revocation.PostgresEventStore{DB: pool}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", backend)
	}

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	authMode := env("AUTH_MODE", "hs256")
	if strings.EqualFold(authMode, "off") {
		if env("ALLOW_INSECURE_AUTH_OFF", "false") != "true" {
			return errors.New("AUTH_MODE=off is disabled unless ALLOW_INSECURE_AUTH_OFF=true")
		}
		if hardening.IsProductionLikeEnv(runtimeEnv) {
			return errors.New("AUTH_MODE=off is forbidden in production-like environments")
		}
	}
	if err := hardening.ValidateProduction(hardening.Options{
		Service:               "ledgerd",
		Environment:           runtimeEnv,
		StrictProdSecurity:    env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS:    env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:             env("REDIS_ADDR", ""),
		RedisRequireTLS:       env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:      env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS: env("REDIS_ALLOW_INSECURE_TLS", ""),
		CORSAllowedOrigins:    env("CORS_ALLOWED_ORIGINS", ""),
	}); err != nil {
		return err
	}

	s, err := buildServer(ctx, claimStore, batchStore, receiptStore, revocationStore, redisClient)
	if err != nil {
		return err
	}
	s.AuthMode = authMode
	s.AuthSecret = env("AUTH_HS256_SECRET", "")
	s.AuthTokens = auth.StaticTokens(env("ATTEST_AUTH_TOKENS", ""))

	if s.RateLimitEnabled {
		if redisClient != nil {
			s.RateLimiter = ratelimit.NewRedis(redisClient, time.Minute)
		} else {
			s.RateLimiter = ratelimit.NewInMemory(time.Minute)
		}
	}

	brokers := splitList(env("REVBUS_BROKERS", ""))
	if len(brokers) > 0 {
		cfg := revbus.Config{
			Brokers: brokers,
			Topic:   env("REVBUS_TOPIC", "attest.revocations"),
			GroupID: env("REVBUS_GROUP_ID", "ledgerd"),
		}
		pub, err := revbus.NewKafkaPublisher(cfg)
		if err != nil {
			return fmt.Errorf("revbus publisher: %w", err)
		}
		defer pub.Close()
		s.Graph.SetPublisher(pub)
		consumer, err := revbus.NewKafkaConsumer(cfg)
		if err != nil {
			return fmt.Errorf("revbus consumer: %w", err)
		}
		defer consumer.Close()
		go revbus.Run(ctx, consumer, s.Graph)
	}

	if startLoops != nil {
		startLoops(s)
	}

	addr := env("ADDR", ":8080")
	log.Printf("ledgerd listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

// buildServer wires the domain components onto the chosen stores. The
// ledger is the spine: batching, receipts, verification, revocation,
// budget journaling and PSI audit entries all hang off it.
func buildServer(
	ctx context.Context,
	claimStore ledger.Store,
	batchStore batcher.BatchStore,
	receiptStore signer.ReceiptStore,
	revocationStore revocation.EventStore,
	redisClient *redis.Client,
) (*Server, error) {
	reg := metrics.NewRegistry()
	events := stream.NewHub()

	led := ledger.New(claimStore)

	keys, err := signer.NewKeyring()
	if err != nil {
		return nil, fmt.Errorf("keyring: %w", err)
	}

	bat := batcher.New(led, batchStore)
	bat.MaxLeaves = envInt("BATCH_MAX_LEAVES", 256)
	bat.MaxInterval = envDurationSec("BATCH_MAX_INTERVAL_SEC", 10)
	bat.OnSeal = func(b models.MerkleBatch) {
		reg.IncSealedBatch()
		events.Publish(stream.NewEvent(stream.EventBatchSealed, b))
	}

	var anchorWorker *batcher.AnchorWorker
	if notaryURL := strings.TrimSpace(env("NOTARY_URL", "")); notaryURL != "" {
		sink := &meteredSink{
			inner: &batcher.HTTPAnchorSink{
				Client:     telemetry.InstrumentClient(&http.Client{Timeout: time.Millisecond * time.Duration(envInt("NOTARY_TIMEOUT_MS", 3000))}),
				URL:        notaryURL,
				AuthHeader: env("NOTARY_AUTH_HEADER", ""),
				AuthToken:  env("NOTARY_AUTH_TOKEN", ""),
			},
			metrics: reg,
		}
		anchorWorker = batcher.NewAnchorWorker(sink, batchStore)
		anchorWorker.OnAnchored = func(batchID, anchorRef string) {
			events.Publish(stream.NewEvent(stream.EventBatchAnchored, map[string]string{
				"batch_id":   batchID,
				"anchor_ref": anchorRef,
			}))
		}
		bat.Anchor = anchorWorker
	}

	sig := signer.New(keys, led, batchStore, bat, receiptStore)

	graph := revocation.NewGraph(revocationStore)
	if err := graph.Load(ctx); err != nil {
		return nil, fmt.Errorf("revocation graph: %w", err)
	}

	policies := policyreg.NewRegistry()
	for policyID, version := range parsePolicyVersions(env("POLICY_VERSIONS", "ingest=v1,psi-exchange=v1")) {
		policies.Register(policyID, version)
	}

	ver := verifier.New(led, batchStore, keys, graph, policies)

	limits := budget.StaticLimits(
		int64(envInt("BUDGET_DEFAULT_LIMIT", 100)),
		parseBudgetLimits(env("BUDGET_LIMITS", "")),
	)
	journal := func(ctx context.Context, tenantID string, payload json.RawMessage) error {
		_, err := led.Append(ctx, tenantID, payload, ledger.AppendOptions{})
		return err
	}
	var acct budget.Accountant
	if redisClient != nil {
		ra := budget.NewRedisAccountant(redisClient, limits)
		ra.Journal = journal
		acct = ra
	} else {
		ma := budget.NewMemoryAccountant(limits)
		ma.Journal = journal
		acct = ma
	}

	engine := psi.New(acct, sig, led)
	engine.Linker = graph
	engine.Timeout = envDurationSec("PSI_TIMEOUT_SEC", 30)
	engine.Cost = int64(envInt("PSI_QUERY_COST", 1))
	if version, ok := policies.Current(engine.PolicyID); ok {
		engine.PolicyVersion = version
	}

	maxBody := int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20))
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &Server{
		Ledger:              led,
		Batcher:             bat,
		Batches:             batchStore,
		Keys:                keys,
		Signer:              sig,
		Receipts:            receiptStore,
		Verifier:            ver,
		Graph:               graph,
		Budget:              acct,
		PSI:                 engine,
		Policies:            policies,
		Anchor:              anchorWorker,
		Metrics:             reg,
		Events:              events,
		Cache:               store.NewCache(ctx, redisClient),
		RateLimitEnabled:    env("RATE_LIMIT_ENABLED", "true") == "true",
		RateLimitPerMinute:  envInt("RATE_LIMIT_PER_MINUTE", 240),
		MaxRequestBodyBytes: maxBody,
		ScanInterval:        envDurationSec("SCAN_INTERVAL_SEC", 60),
	}, nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("ledgerd"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "ledgerd"})
	})

	authRouter := chi.NewRouter()
	authRouter.Use(auth.Middleware(s.AuthMode, s.AuthSecret, s.AuthTokens))
	authRouter.Get("/metrics", s.Metrics.Handler())
	authRouter.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())

	authRouter.Post("/v1/claims", s.withRoles(s.appendClaim, "writer", "operator"))
	authRouter.Get("/v1/claims/{tenant}/{seq}", s.withRoles(s.getClaim, "reader", "writer", "operator", "auditor"))
	authRouter.Get("/v1/claims/{tenant}", s.withRoles(s.rangeClaims, "reader", "writer", "operator", "auditor"))
	authRouter.Get("/v1/tenants/{tenant}/status", s.withRoles(s.tenantStatus, "reader", "operator", "auditor"))
	authRouter.Post("/v1/tenants/{tenant}/reconcile", s.withRoles(s.reconcileTenant, "operator"))
	authRouter.Post("/v1/tenants/{tenant}/seal", s.withRoles(s.sealTenant, "operator"))

	authRouter.Get("/v1/batches/{batch_id}", s.withRoles(s.getBatch, "reader", "operator", "auditor"))
	authRouter.Get("/v1/batches/{batch_id}/anchor", s.withRoles(s.exportAnchor, "operator", "auditor"))

	authRouter.Post("/v1/receipts", s.withRoles(s.issueReceipt, "writer", "operator"))
	authRouter.Get("/v1/receipts/{receipt_id}", s.withRoles(s.getReceipt, "reader", "writer", "operator", "auditor"))
	authRouter.Get("/v1/receipts/{receipt_id}/bundle", s.withRoles(s.exportBundle, "reader", "operator", "auditor"))
	authRouter.Post("/v1/verify", s.withRoles(s.verifyReceipt, "reader", "writer", "operator", "auditor"))

	authRouter.Post("/v1/revocations", s.withRoles(s.issueRevocation, "operator"))
	authRouter.Get("/v1/revocations", s.withRoles(s.listRevocations, "reader", "operator", "auditor"))
	authRouter.Get("/v1/revocations/{target_id}", s.withRoles(s.getRevocation, "reader", "operator", "auditor"))
	authRouter.Post("/v1/edges", s.withRoles(s.addEdge, "writer", "operator"))

	authRouter.Get("/v1/budget/{tenant}", s.withRoles(s.budgetSnapshot, "reader", "operator", "auditor"))

	authRouter.Post("/v1/psi/queries", s.withRoles(s.openPSIQuery, "writer", "operator"))
	authRouter.Get("/v1/psi/queries/{request_id}", s.withRoles(s.psiResult, "reader", "writer", "operator"))
	authRouter.Get("/v1/psi/queries/{request_id}/key", s.withRoles(s.psiKey, "writer", "operator"))
	authRouter.Post("/v1/psi/queries/{request_id}/submissions", s.withRoles(s.submitPSISet, "writer", "operator"))
	authRouter.Post("/v1/psi/queries/{request_id}/cancel", s.withRoles(s.cancelPSIQuery, "writer", "operator"))

	authRouter.Post("/v1/keys/rotate", s.withRoles(s.rotateKey, "operator"))
	authRouter.Get("/v1/keys", s.withRoles(s.listKeys, "reader", "operator", "auditor"))

	authRouter.Get("/v1/events", s.withRoles(s.streamEvents, "operator", "auditor"))
	r.Mount("/", authRouter)
	return r
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (srv *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		path := r.Method + " " + r.URL.Path
		srv.Metrics.Observe(path, rec.code, elapsed)
		srv.Metrics.ObserveLatency(path, elapsed)
	})
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withRoles(h http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if strings.EqualFold(s.AuthMode, "off") {
			h(w, r)
			return
		}
		principal, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			httpx.Error(w, 401, "unauthenticated")
			return
		}
		if !auth.HasAnyRole(principal, roles...) {
			httpx.Error(w, 403, "forbidden")
			return
		}
		h(w, r)
	}
}

// boundTenant reports whether the principal may act for tenantID. A
// principal with no tenant binding is service-wide.
func (s *Server) boundTenant(r *http.Request, tenantID string) bool {
	if strings.EqualFold(s.AuthMode, "off") {
		return true
	}
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		return false
	}
	if auth.HasAnyRole(principal, "operator", "auditor") {
		return true
	}
	return principal.Tenant == "" || principal.Tenant == tenantID
}

func (s *Server) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	s.updateOperationalMetrics(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.updateOperationalMetrics(ctx)
		}
	}
}

func (s *Server) updateOperationalMetrics(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	tenants, err := s.Ledger.Tenants(ctx)
	if err != nil {
		return
	}
	halted := 0
	for _, t := range tenants {
		if isHalted, _ := s.Ledger.Halted(t); isHalted {
			halted++
		}
	}
	s.Metrics.SetGauge("tenants", float64(len(tenants)))
	s.Metrics.SetGauge("halted_tenants", float64(halted))
	s.Metrics.SetGauge("psi_served_gini", s.PSI.ServedGini())
}

// meteredSink counts anchor submissions around the real sink.
type meteredSink struct {
	inner   batcher.AnchorSink
	metrics *metrics.Registry
}

func (m *meteredSink) Submit(ctx context.Context, export models.AnchorExport) (string, error) {
	ref, err := m.inner.Submit(ctx, export)
	m.metrics.IncAnchorAttempt(err == nil)
	return ref, err
}

func parsePolicyVersions(raw string) map[string]string {
	out := map[string]string{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key != "" && value != "" {
			out[key] = value
		}
	}
	return out
}

// parseBudgetLimits reads "tenant=limit" or "tenant|purpose=limit" pairs.
func parseBudgetLimits(raw string) map[string]int64 {
	out := map[string]int64{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil || n < 0 {
			continue
		}
		out[strings.TrimSpace(key)] = n
	}
	return out
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
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
