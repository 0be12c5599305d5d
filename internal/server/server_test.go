package server_test

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/veritrail/veritrail/internal/certstore"
	"github.com/veritrail/veritrail/internal/fiscal"
	"github.com/veritrail/veritrail/internal/health"
	"github.com/veritrail/veritrail/internal/ledger"
	"github.com/veritrail/veritrail/internal/regime"
	"github.com/veritrail/veritrail/internal/retention"
	"github.com/veritrail/veritrail/internal/server"
	"github.com/veritrail/veritrail/internal/signature"
)

type testEnv struct {
	router *gin.Engine
	ledger *ledger.MemoryLedger
	store  *certstore.FileStore
	reg    *certstore.MemoryRegistry
}

func setupRouter(t *testing.T, tokens *server.TokenIssuer) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	engine, err := signature.NewEngine([]byte("server-test-secret"), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	memLedger := ledger.NewMemoryLedger(engine)
	store := certstore.NewFileStore(t.TempDir(), zap.NewNop())
	reg := certstore.NewMemoryRegistry()

	policies, err := retention.LoadPolicies([]retention.Policy{
		{Category: retention.CategoryFiscal, MinDays: 0, Action: retention.ActionArchive},
	})
	if err != nil {
		t.Fatal(err)
	}

	logger := zap.NewNop()
	router := server.NewRouter(
		server.Options{Tokens: tokens, Logger: logger},
		server.NewEventsHandler(memLedger, nil, logger),
		server.NewCertHandler(store, reg, logger),
		server.NewRetentionHandler(retention.NewSweeper(memLedger, logger), policies, logger),
	)
	return &testEnv{router: router, ledger: memLedger, store: store, reg: reg}
}

func doJSON(t *testing.T, router *gin.Engine, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	env := setupRouter(t, nil)
	w := doJSON(t, env.router, http.MethodGet, "/healthz", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestHealthz_AuthorityStatus(t *testing.T) {
	gin.SetMode(gin.TestMode)
	authority := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer authority.Close()

	logger := zap.NewNop()
	monitor := health.NewMonitor(map[regime.ID]string{regime.RegimeA: authority.URL}, health.Config{}, logger)
	monitor.CheckAll(t.Context())

	engine, err := signature.NewEngine([]byte("server-test-secret"), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	memLedger := ledger.NewMemoryLedger(engine)
	policies, err := retention.LoadPolicies([]retention.Policy{
		{Category: retention.CategoryFiscal, MinDays: 0, Action: retention.ActionArchive},
	})
	if err != nil {
		t.Fatal(err)
	}
	router := server.NewRouter(
		server.Options{Authorities: monitor, Logger: logger},
		server.NewEventsHandler(memLedger, nil, logger),
		server.NewCertHandler(certstore.NewFileStore(t.TempDir(), zap.NewNop()), certstore.NewMemoryRegistry(), logger),
		server.NewRetentionHandler(retention.NewSweeper(memLedger, logger), policies, logger),
	)

	w := doJSON(t, router, http.MethodGet, "/healthz", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Status      string          `json:"status"`
		Authorities []health.Status `json:"authorities"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Authorities) != 1 {
		t.Fatalf("expected 1 authority status, got %d", len(resp.Authorities))
	}
	if resp.Authorities[0].Regime != regime.RegimeA || !resp.Authorities[0].Healthy {
		t.Errorf("authority status = %+v, want healthy regime_a", resp.Authorities[0])
	}
}

func TestAppend_201(t *testing.T) {
	env := setupRouter(t, nil)

	w := doJSON(t, env.router, http.MethodPost, "/api/v1/events",
		`{"tenant_id":"t1","doc_type":"invoice","number":"F-001","series":"A",
		  "taxable_amount":"100.00","tax_amount":"21.00","total":"121.00"}`, "")
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Entry fiscal.LogEntry `json:"entry"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Entry.PrevHash != fiscal.GenesisHash {
		t.Errorf("first entry prev hash = %q, want genesis sentinel", resp.Entry.PrevHash)
	}
	if resp.Entry.Hash == "" || resp.Entry.Signature == "" {
		t.Error("entry missing hash or signature")
	}
}

func TestAppend_400_BadDocType(t *testing.T) {
	env := setupRouter(t, nil)

	w := doJSON(t, env.router, http.MethodPost, "/api/v1/events",
		`{"tenant_id":"t1","doc_type":"receipt","number":"F-001"}`, "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestAppend_400_BadAmount(t *testing.T) {
	env := setupRouter(t, nil)

	w := doJSON(t, env.router, http.MethodPost, "/api/v1/events",
		`{"tenant_id":"t1","doc_type":"invoice","number":"F-001","total":"12,00"}`, "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestVerify_ReportsTamperIndex(t *testing.T) {
	env := setupRouter(t, nil)

	for _, total := range []string{"100.00", "200.00", "50.00"} {
		w := doJSON(t, env.router, http.MethodPost, "/api/v1/events",
			`{"tenant_id":"t1","doc_type":"invoice","number":"F-`+total+`","total":"`+total+`"}`, "")
		if w.Code != http.StatusCreated {
			t.Fatalf("append failed: %s", w.Body.String())
		}
	}

	w := doJSON(t, env.router, http.MethodGet, "/api/v1/ledger/t1/verify", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var report fiscal.ChainReport
	if err := json.Unmarshal(w.Body.Bytes(), &report); err != nil {
		t.Fatal(err)
	}
	if !report.Valid {
		t.Fatalf("fresh chain reported invalid: %+v", report)
	}

	// Mutate the middle entry behind the ledger's back.
	chain, _ := env.ledger.Chain(t.Context(), "t1")
	env.ledger.Tamper(chain[1].ID, func(e *fiscal.LogEntry) {
		e.Total = decimal.RequireFromString("999.00")
	})

	w = doJSON(t, env.router, http.MethodGet, "/api/v1/ledger/t1/verify", "", "")
	if err := json.Unmarshal(w.Body.Bytes(), &report); err != nil {
		t.Fatal(err)
	}
	if report.Valid || report.BrokenAt != 1 {
		t.Errorf("report = %+v, want invalid broken at 1", report)
	}
}

func TestGetEntry_404(t *testing.T) {
	env := setupRouter(t, nil)

	w := doJSON(t, env.router, http.MethodGet,
		"/api/v1/ledger/t1/entries/06e7b9a4-47a5-4f25-9e0f-6fbbd5f6b1c0", "", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestGetEntry_400_BadID(t *testing.T) {
	env := setupRouter(t, nil)

	w := doJSON(t, env.router, http.MethodGet, "/api/v1/ledger/t1/entries/not-a-uuid", "", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestCertificates_EmptyList(t *testing.T) {
	env := setupRouter(t, nil)

	w := doJSON(t, env.router, http.MethodGet, "/api/v1/certificates", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestCertificates_AssignAndRevokeUsage(t *testing.T) {
	env := setupRouter(t, nil)

	w := doJSON(t, env.router, http.MethodPost, "/api/v1/certificates/ABC123/usages",
		`{"usage":"regime_a"}`, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	usages, err := env.reg.Usages(t.Context(), "ABC123")
	if err != nil || len(usages) != 1 {
		t.Fatalf("usages = %v, %v", usages, err)
	}

	w = doJSON(t, env.router, http.MethodDelete, "/api/v1/certificates/ABC123/usages/regime_a", "", "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
}

func TestCertificates_UnknownUsage(t *testing.T) {
	env := setupRouter(t, nil)

	w := doJSON(t, env.router, http.MethodPost, "/api/v1/certificates/ABC123/usages",
		`{"usage":"signing"}`, "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestRetention_SweepThenApply(t *testing.T) {
	env := setupRouter(t, nil)

	w := doJSON(t, env.router, http.MethodPost, "/api/v1/events",
		`{"tenant_id":"t1","doc_type":"invoice","number":"F-001","total":"10.00",
		  "timestamp":"2020-01-01T00:00:00Z"}`, "")
	if w.Code != http.StatusCreated {
		t.Fatalf("append failed: %s", w.Body.String())
	}

	w = doJSON(t, env.router, http.MethodPost, "/api/v1/retention/sweep",
		`{"tenants":["t1"]}`, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var report retention.Report
	if err := json.Unmarshal(w.Body.Bytes(), &report); err != nil {
		t.Fatal(err)
	}
	if len(report.Archivable) != 1 {
		t.Fatalf("archivable = %d, want 1", len(report.Archivable))
	}

	w = doJSON(t, env.router, http.MethodPost, "/api/v1/retention/apply",
		`{"tenants":["t1"]}`, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	// Archival must not break the chain.
	w = doJSON(t, env.router, http.MethodGet, "/api/v1/ledger/t1/verify", "", "")
	var vr fiscal.ChainReport
	if err := json.Unmarshal(w.Body.Bytes(), &vr); err != nil {
		t.Fatal(err)
	}
	if !vr.Valid {
		t.Errorf("chain invalid after archival: %+v", vr)
	}
}

func TestAuth_RequiredAndTenantScoped(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	tokens := server.NewTokenIssuer(key, nil, "https://veritrail.test", time.Hour)
	env := setupRouter(t, tokens)

	// No token at all.
	w := doJSON(t, env.router, http.MethodGet, "/api/v1/ledger/t1", "", "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}

	// Token scoped to another tenant.
	scoped, err := tokens.Issue("ops", []string{"t2"})
	if err != nil {
		t.Fatal(err)
	}
	w = doJSON(t, env.router, http.MethodGet, "/api/v1/ledger/t1", "", scoped)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", w.Code, w.Body.String())
	}

	// Unrestricted token.
	all, err := tokens.Issue("ops", nil)
	if err != nil {
		t.Fatal(err)
	}
	w = doJSON(t, env.router, http.MethodGet, "/api/v1/ledger/t1", "", all)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	// Garbage token.
	w = doJSON(t, env.router, http.MethodGet, "/api/v1/ledger/t1", "", "not.a.jwt")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}
