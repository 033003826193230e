package http

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/sentinelSCA/sentinel/internal/adapter/outbound/auditlog"
	"github.com/sentinelSCA/sentinel/internal/adapter/outbound/identity"
	"github.com/sentinelSCA/sentinel/internal/adapter/outbound/kv"
	"github.com/sentinelSCA/sentinel/internal/adapter/outbound/replay"
	"github.com/sentinelSCA/sentinel/internal/domain/policy"
	"github.com/sentinelSCA/sentinel/internal/domain/ratelimit"
	"github.com/sentinelSCA/sentinel/internal/domain/reputation"
	"github.com/sentinelSCA/sentinel/internal/domain/signing"
	"github.com/sentinelSCA/sentinel/internal/service"
)

func newTestHandler(t *testing.T, cfg service.AnalyzeConfig) http.Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	store := kv.NewStoreWithClient(client)

	engine, err := policy.NewEngine(policy.Config{DenyAt: -10, ReviewAt: -5}, logger)
	if err != nil {
		t.Fatalf("NewEngine() error: %v", err)
	}
	ledger, err := reputation.NewLedger(filepath.Join(t.TempDir(), "ledger.json"), 0, 0, logger)
	if err != nil {
		t.Fatalf("NewLedger() error: %v", err)
	}
	audit, err := auditlog.NewChainStore(t.TempDir(), "", logger)
	if err != nil {
		t.Fatalf("NewChainStore() error: %v", err)
	}
	ids, err := identity.NewSQLiteStore(filepath.Join(t.TempDir(), "agents.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error: %v", err)
	}
	t.Cleanup(func() { ids.Close() })

	if cfg.TimeWindow == 0 {
		cfg.TimeWindow = 5 * time.Minute
	}
	if cfg.VTSalt == "" {
		cfg.VTSalt = "test-salt"
	}
	if cfg.RepAutoDeny == 0 {
		cfg.RepAutoDeny = 0.20
	}
	if cfg.RepAutoReview == 0 {
		cfg.RepAutoReview = 0.40
	}

	stats := service.NewStats()
	analyzer := service.NewAnalyzer(
		cfg,
		ratelimit.NewSlidingWindow(100, time.Minute),
		engine,
		ledger,
		kv.NewRedisOracle(store),
		replay.NewRedisStore(client),
		audit,
		store,
		stats,
		logger,
	)

	h := NewHandler(analyzer, service.NewIdentity(ids, logger), stats, audit, NewMetrics(), logger)
	return h.Routes()
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, into any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), into); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestHandler_AnalyzeAllow(t *testing.T) {
	t.Parallel()

	handler := newTestHandler(t, service.AnalyzeConfig{})
	rec := doJSON(t, handler, http.MethodPost, "/analyze", map[string]string{
		"agent_id": "a1",
		"command":  "ls -la",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("X-Request-ID"); got == "" {
		t.Error("X-Request-ID header missing")
	}

	var resp service.AnalyzeResponse
	decodeBody(t, rec, &resp)
	if resp.Decision != "allow" {
		t.Errorf("decision = %q, want allow", resp.Decision)
	}
	if len(resp.VT) != 16 {
		t.Errorf("vt = %q, want 16 hex chars", resp.VT)
	}
}

func TestHandler_AnalyzeErrorMapping(t *testing.T) {
	t.Parallel()

	handler := newTestHandler(t, service.AnalyzeConfig{APIKey: "sekrit"})

	rec := doJSON(t, handler, http.MethodPost, "/analyze", map[string]string{"agent_id": "a1"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing command: status = %d, want 400", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, "/analyze", map[string]string{
		"agent_id": "a1",
		"command":  "ls",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("missing api key: status = %d, want 401", rec.Code)
	}
	var body map[string]string
	decodeBody(t, rec, &body)
	if body["error"] != "invalid_api_key" {
		t.Errorf("error = %q, want invalid_api_key", body["error"])
	}

	req := httptest.NewRequest(http.MethodPost, "/analyze",
		strings.NewReader(`{"agent_id":"a1","command":"ls"}`))
	req.Header.Set("X-API-Key", "sekrit")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("with api key: status = %d, body %s", rr.Code, rr.Body.String())
	}
}

func TestHandler_SignedRequestHeaders(t *testing.T) {
	t.Parallel()

	const secret = "gw-signing-secret"
	handler := newTestHandler(t, service.AnalyzeConfig{SigningSecret: secret})
	now := time.Now()
	timestamp := now.UTC().Format(time.RFC3339)
	tsUnix := strconv.FormatInt(now.Unix(), 10)

	// The signature material rides in headers; the body carries only the
	// request fields it covers.
	sig, err := signing.SignPayload(secret, map[string]any{
		"agent_id":  "a1",
		"command":   "ls",
		"timestamp": timestamp,
		"ts_unix":   tsUnix,
	})
	if err != nil {
		t.Fatalf("SignPayload() error: %v", err)
	}

	body := fmt.Sprintf(`{"agent_id":"a1","command":"ls","timestamp":%q}`, timestamp)
	req := httptest.NewRequest(http.MethodPost, "/analyze", strings.NewReader(body))
	req.Header.Set("X-Timestamp-Unix", tsUnix)
	req.Header.Set("X-Signature", sig)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("signed analyze status = %d, body %s", rec.Code, rec.Body.String())
	}

	// Without the signature header the request must be refused.
	req = httptest.NewRequest(http.MethodPost, "/analyze", strings.NewReader(body))
	req.Header.Set("X-Timestamp-Unix", tsUnix)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("unsigned analyze status = %d, want 401", rec.Code)
	}

	// /status accepts the same headers.
	statusTS := strconv.FormatInt(time.Now().Unix(), 10)
	statusSig, err := signing.SignPayload(secret, map[string]any{
		"agent_id": "a1",
		"ts_unix":  statusTS,
	})
	if err != nil {
		t.Fatalf("SignPayload() error: %v", err)
	}
	req = httptest.NewRequest(http.MethodGet, "/api/v1/status/a1", nil)
	req.Header.Set("X-Timestamp-Unix", statusTS)
	req.Header.Set("X-Signature", statusSig)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("signed status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestHandler_AnalyzeAcceptsReputationHint(t *testing.T) {
	t.Parallel()

	handler := newTestHandler(t, service.AnalyzeConfig{})
	rec := doJSON(t, handler, http.MethodPost, "/analyze", map[string]any{
		"agent_id":        "a1",
		"command":         "ls",
		"reputation_hint": 100,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp service.AnalyzeResponse
	decodeBody(t, rec, &resp)
	if resp.Reputation != 1 {
		t.Errorf("reputation = %d, want ledger value 1, not the client hint", resp.Reputation)
	}
}

func TestHandler_StatusAndRep(t *testing.T) {
	t.Parallel()

	handler := newTestHandler(t, service.AnalyzeConfig{})
	for range 3 {
		rec := doJSON(t, handler, http.MethodPost, "/analyze", map[string]string{
			"agent_id": "a1",
			"command":  "ls",
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("analyze status = %d", rec.Code)
		}
	}

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/status/a1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status endpoint = %d, body %s", rec.Code, rec.Body.String())
	}
	var status service.StatusResponse
	decodeBody(t, rec, &status)
	if status.Reputation.Reputation != 3 {
		t.Errorf("reputation = %d, want 3", status.Reputation.Reputation)
	}
	if status.RateLimit.Recent != 3 {
		t.Errorf("ratelimit recent = %d, want 3", status.RateLimit.Recent)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/rep/a1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("rep endpoint = %d", rec.Code)
	}
	var rep map[string]any
	decodeBody(t, rec, &rep)
	if rep["agent_id"] != "a1" {
		t.Errorf("agent_id = %v", rep["agent_id"])
	}
	if _, ok := rep["reputation_score"].(float64); !ok {
		t.Errorf("reputation_score missing in %v", rep)
	}
}

func TestHandler_AuditEndpoints(t *testing.T) {
	t.Parallel()

	handler := newTestHandler(t, service.AnalyzeConfig{})
	rec := doJSON(t, handler, http.MethodPost, "/analyze", map[string]string{
		"agent_id": "a1",
		"command":  "ls",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("analyze status = %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodGet, "/audit/verify", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("verify status = %d", rec.Code)
	}
	var verify map[string]any
	decodeBody(t, rec, &verify)
	if verify["ok"] != true {
		t.Errorf("verify = %v, want ok", verify)
	}
	if verify["entries"].(float64) != 1 {
		t.Errorf("entries = %v, want 1", verify["entries"])
	}

	rec = doJSON(t, handler, http.MethodGet, "/audit/head", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("head status = %d", rec.Code)
	}
	var head auditlog.Head
	decodeBody(t, rec, &head)
	if head.AuditHead == "" || head.AuditHead == auditlog.Genesis {
		t.Errorf("audit head = %q, want advanced chain head", head.AuditHead)
	}
}

func TestHandler_IdentityLifecycle(t *testing.T) {
	t.Parallel()

	handler := newTestHandler(t, service.AnalyzeConfig{})
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error: %v", err)
	}
	pubB64 := base64.StdEncoding.EncodeToString(pub)

	rec := doJSON(t, handler, http.MethodPost, "/api/v2/register", map[string]any{
		"pub_b64":      pubB64,
		"display_name": "deploy-bot",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("register status = %d, body %s", rec.Code, rec.Body.String())
	}
	var agent identity.Agent
	decodeBody(t, rec, &agent)
	if !strings.HasPrefix(agent.AgentID, "agent_") {
		t.Fatalf("agent_id = %q", agent.AgentID)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v2/agent/"+agent.AgentID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v2/revoke", map[string]string{"agent_id": agent.AgentID})
	if rec.Code != http.StatusOK {
		t.Fatalf("revoke status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v2/agent/"+agent.AgentID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get after revoke status = %d", rec.Code)
	}
	decodeBody(t, rec, &agent)
	if !agent.Revoked {
		t.Error("agent not marked revoked")
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v2/agent/agent_missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing agent status = %d, want 404", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v2/register", map[string]string{"pub_b64": "not base64!!"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad key status = %d, want 400", rec.Code)
	}
}

func TestHandler_HealthStatsMetrics(t *testing.T) {
	t.Parallel()

	handler := newTestHandler(t, service.AnalyzeConfig{})
	rec := doJSON(t, handler, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, "/analyze", map[string]string{
		"agent_id": "a1",
		"command":  "ls",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("analyze status = %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodGet, "/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats status = %d", rec.Code)
	}
	var snap service.StatsSnapshot
	decodeBody(t, rec, &snap)
	if snap.Total != 1 || snap.Allowed != 1 {
		t.Errorf("stats = %+v", snap)
	}

	rec = doJSON(t, handler, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "sentinel_http_requests_total") {
		t.Error("request counter missing from /metrics output")
	}
	if !strings.Contains(rec.Body.String(), "sentinel_decisions_total") {
		t.Error("decision counter missing from /metrics output")
	}
}
