package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/davidahmann/ssi-gateway/internal/auth"
	"github.com/davidahmann/ssi-gateway/internal/events"
	"github.com/davidahmann/ssi-gateway/internal/ledger"
	"github.com/davidahmann/ssi-gateway/internal/metrics"
	"github.com/davidahmann/ssi-gateway/internal/policy"
	"github.com/davidahmann/ssi-gateway/internal/signer"
	"github.com/davidahmann/ssi-gateway/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap/zaptest"
)

const testSecret = "api-test-secret"

type gateway struct {
	router   http.Handler
	store    *ledger.InMemoryStore
	metrics  *metrics.Registry
	events   *recordingPublisher
	registry *policy.Registry
	handler  *Handler
}

type recordingPublisher struct {
	events []events.AuditEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.AuditEvent) error {
	p.events = append(p.events, ev)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

type countingReloader struct {
	calls int
}

func (r *countingReloader) Reload() int {
	r.calls++
	return 1
}

func tradingEnvelope() policy.LoadedEnvelope {
	return policy.LoadedEnvelope{
		Envelope: types.Envelope{
			EnvelopeID: "trading-safety",
			Name:       "TradingSafetyEnvelope",
			Version:    "1.0.0",
			Scope:      types.EnvelopeScope{SystemID: "trading-prod", ActionType: "trade.order.place"},
			Rules: types.RuleList{
				types.MaxNotionalRule{ID: "max-notional-10k", MaxNotional: decimal.NewFromInt(10000)},
			},
		},
		Hash:   strings.Repeat("a", 64),
		Source: "envelopes/prod/trading_safety.json",
		Lane:   policy.LaneProd,
	}
}

type gatewayOption func(*gatewayParts)

type gatewayParts struct {
	signer  signer.Service
	devMode bool
}

func withSigner(s signer.Service) gatewayOption {
	return func(p *gatewayParts) { p.signer = s }
}

func withDevMode() gatewayOption {
	return func(p *gatewayParts) { p.devMode = true }
}

func newGateway(t *testing.T, opts ...gatewayOption) *gateway {
	t.Helper()
	parts := gatewayParts{signer: signer.NewSeedSigner("api-test", "api-test-seed", nil)}
	for _, opt := range opts {
		opt(&parts)
	}

	logger := zaptest.NewLogger(t)
	store := ledger.NewInMemoryStore()
	reg := metrics.NewRegistry()
	pub := &recordingPublisher{}

	registry := policy.NewRegistry(false)
	registry.Replace(policy.Snapshot{Lane: policy.LaneProd, Envelopes: []policy.LoadedEnvelope{tradingEnvelope()}})

	writer := ledger.NewWriter(store, parts.signer,
		ledger.WithLogger(logger),
		ledger.WithObserver(reg),
		ledger.WithWriteTimeout(time.Second),
	)
	h := &Handler{
		Decisions: &DecisionService{
			Registry:  registry,
			Evaluator: policy.NewEvaluator(policy.LaneProd),
			Ledger:    writer,
			Events:    pub,
			Verdicts:  reg,
			Logger:    logger,
		},
		Verifier:  ledger.NewVerifier(store, parts.signer, 0),
		Registry:  registry,
		Reloader:  &countingReloader{},
		Signer:    parts.signer,
		Metrics:   reg,
		StoreName: "memory",
		Logger:    logger,
	}
	router := NewRouter(h, RouterConfig{
		Resolver: &auth.Resolver{JWT: auth.NewJWTVerifier(testSecret), Logger: logger, OnFailure: reg.IncAuthFailure},
		Guard:    &auth.Guard{DevMode: parts.devMode, Logger: logger},
	})
	return &gateway{router: router, store: store, metrics: reg, events: pub, registry: registry, handler: h}
}

func token(t *testing.T, tenant string, role auth.Role) string {
	t.Helper()
	tok, err := auth.IssueToken(testSecret, "user-"+string(role), tenant, role, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return tok
}

func (g *gateway) do(t *testing.T, method, path, bearer, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	res := httptest.NewRecorder()
	g.router.ServeHTTP(res, req)

	var out map[string]any
	if res.Body.Len() > 0 {
		if err := json.Unmarshal(res.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode %q: %v", res.Body.String(), err)
		}
	}
	return res, out
}

func order(notional string) string {
	return `{"system_id":"trading-prod","action":{"type":"trade.order.place","payload":{"notional":` + notional + `}}}`
}

func decisionOf(t *testing.T, body map[string]any) map[string]any {
	t.Helper()
	d, ok := body["decision"].(map[string]any)
	if !ok {
		t.Fatalf("missing decision in %v", body)
	}
	return d
}

func TestDecisionAllowAndDeny(t *testing.T) {
	g := newGateway(t)
	admin := token(t, "tenant-a", auth.RoleAdmin)

	res, body := g.do(t, http.MethodPost, "/v1/decisions", admin, order("5000"))
	if res.Code != http.StatusOK || body["success"] != true {
		t.Fatalf("expected 200 success, got %d %v", res.Code, body)
	}
	d := decisionOf(t, body)
	if d["decision"] != "ALLOW" || d["reason"] != "Within policy limits." {
		t.Fatalf("expected ALLOW, got %v", d)
	}
	if _, ok := body["rpx_id"].(string); !ok {
		t.Fatalf("expected rpx_id, got %v", body["rpx_id"])
	}
	if _, degraded := body["audit_degraded"]; degraded {
		t.Fatalf("healthy append must not report degradation")
	}

	res, body = g.do(t, http.MethodPost, "/v1/decisions", admin, order("15000"))
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	d = decisionOf(t, body)
	if d["decision"] != "DENY" || d["reason"] != "Order notional 15000 exceeds max allowed 10000" {
		t.Fatalf("expected DENY, got %v", d)
	}
	details := d["details"].(map[string]any)
	if triggered := details["rules_triggered"].([]any); len(triggered) != 1 || triggered[0] != "max-notional-10k" {
		t.Fatalf("unexpected trace: %v", details)
	}
	prov := d["provenance"].(map[string]any)
	if prov["lane"] != "prod" || prov["envelope_id"] != "trading-safety" || prov["source_file"] != "envelopes/prod/trading_safety.json" {
		t.Fatalf("unexpected provenance: %v", prov)
	}

	if got := g.metrics.Snapshot().Verdicts; got["ALLOW"] != 1 || got["DENY"] != 1 {
		t.Fatalf("unexpected verdict counts: %v", got)
	}
	if got := g.metrics.Snapshot().AuditAppends["ok"]; got != 2 {
		t.Fatalf("expected two audit appends, got %d", got)
	}
	if len(g.events.events) != 2 || g.events.events[1].Decision != "DENY" || g.events.events[1].TenantID != "tenant-a" {
		t.Fatalf("unexpected events: %+v", g.events.events)
	}
}

func TestDecisionBoundary(t *testing.T) {
	g := newGateway(t)
	admin := token(t, "tenant-a", auth.RoleAdmin)

	_, body := g.do(t, http.MethodPost, "/v1/decisions", admin, order("10000"))
	if d := decisionOf(t, body); d["decision"] != "ALLOW" {
		t.Fatalf("limit itself must be allowed: %v", d)
	}
	_, body = g.do(t, http.MethodPost, "/v1/decisions", admin, order("10000.01"))
	if d := decisionOf(t, body); d["decision"] != "DENY" {
		t.Fatalf("above limit must be denied: %v", d)
	}
}

func TestDecisionDefaults(t *testing.T) {
	g := newGateway(t)
	admin := token(t, "tenant-a", auth.RoleAdmin)

	res, body := g.do(t, http.MethodPost, "/v1/decisions", admin, `{}`)
	if res.Code != http.StatusNotFound {
		t.Fatalf("default system has no envelope, expected 404, got %d", res.Code)
	}
	if body["success"] != false || body["rpx_id"] != nil {
		t.Fatalf("unexpected body: %v", body)
	}
	d := decisionOf(t, body)
	if d["decision"] != "DENY" || d["reason"] != "No applicable rule set" {
		t.Fatalf("unexpected decision: %v", d)
	}
	if details := d["details"].(map[string]any); details["error"] != "NO_APPLICABLE_RULE_SET" {
		t.Fatalf("unexpected details: %v", details)
	}
	if d["request_id"] == "" {
		t.Fatalf("request id should be generated")
	}

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	req.Header.Set("User-Agent", "ssi-test")
	normalized := g.handler.normalize(decisionBody{}, req)
	if normalized.ClientID != "unknown-client" || normalized.SystemID != "test-system" || normalized.Action.Type != "trade.order.place" {
		t.Fatalf("unexpected defaults: %+v", normalized)
	}
	if normalized.Action.Payload == nil || normalized.Context.IP != "10.1.2.3" || normalized.Context.UserAgent != "ssi-test" {
		t.Fatalf("unexpected context defaults: %+v", normalized)
	}
}

func TestDecisionInvalidJSON(t *testing.T) {
	g := newGateway(t)
	res, body := g.do(t, http.MethodPost, "/v1/decisions", token(t, "tenant-a", auth.RoleAdmin), `{"system_id":`)
	if res.Code != http.StatusBadRequest || body["error"] != "INVALID_REQUEST" {
		t.Fatalf("expected 400 INVALID_REQUEST, got %d %v", res.Code, body)
	}
}

func TestDecisionRejectsUnrecordablePayload(t *testing.T) {
	collision := `{"system_id":"trading-prod","action":{"type":"trade.order.place",` +
		`"payload":{"notional":100,"caf\u00e9":1,"cafe\u0301":2}}}`
	cases := map[string]string{
		"number out of range": order("1e400"),
		"nfc key collision":   collision,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			g := newGateway(t)
			res, body := g.do(t, http.MethodPost, "/v1/decisions", token(t, "tenant-a", auth.RoleAdmin), payload)
			if res.Code != http.StatusBadRequest || body["error"] != "INVALID_REQUEST" {
				t.Fatalf("expected 400 INVALID_REQUEST, got %d %v", res.Code, body)
			}
			snap := g.metrics.Snapshot()
			if len(snap.Verdicts) != 0 || len(snap.AuditAppends) != 0 {
				t.Fatalf("no decision may be issued, verdicts=%v appends=%v", snap.Verdicts, snap.AuditAppends)
			}
			if len(g.events.events) != 0 {
				t.Fatalf("no audit event may be published")
			}
		})
	}
}

func TestDecisionRequiresAuthAndAdmin(t *testing.T) {
	g := newGateway(t)

	res, body := g.do(t, http.MethodPost, "/v1/decisions", "", order("5000"))
	if res.Code != http.StatusUnauthorized || body["error"] != "AUTHENTICATION_REQUIRED" {
		t.Fatalf("expected 401, got %d %v", res.Code, body)
	}

	res, body = g.do(t, http.MethodPost, "/v1/decisions", token(t, "tenant-a", auth.RoleViewer), order("5000"))
	if res.Code != http.StatusForbidden || body["error"] != "INSUFFICIENT_PERMISSIONS" || body["user_role"] != "viewer" {
		t.Fatalf("expected 403, got %d %v", res.Code, body)
	}
	if roles := body["required_roles"].([]any); len(roles) != 1 || roles[0] != "admin" {
		t.Fatalf("unexpected required roles: %v", body["required_roles"])
	}

	res, body = g.do(t, http.MethodPost, "/v1/decisions", "not-a-jwt", order("5000"))
	if res.Code != http.StatusUnauthorized || body["error"] != "MALFORMED_TOKEN" {
		t.Fatalf("expected MALFORMED_TOKEN, got %d %v", res.Code, body)
	}
	if g.metrics.Snapshot().AuthFailures["MALFORMED_TOKEN"] != 1 {
		t.Fatalf("auth failure not counted")
	}
	if g.metrics.Snapshot().AuditAppends["ok"] != 0 {
		t.Fatalf("rejected requests must not be audited")
	}
}

func TestDecisionDevModeAuditsUnderHeaderTenant(t *testing.T) {
	g := newGateway(t, withDevMode())
	req := httptest.NewRequest(http.MethodPost, "/v1/decisions", strings.NewReader(order("5000")))
	req.Header.Set("x-tenant-id", "tenant-dev")
	res := httptest.NewRecorder()
	g.router.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("dev bypass should allow, got %d %s", res.Code, res.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(res.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	id, _ := body["rpx_id"].(string)
	rec, err := g.store.GetRecord(context.Background(), "tenant-dev", id)
	if err != nil || rec.TenantID != "tenant-dev" {
		t.Fatalf("expected record under tenant-dev, got %+v %v", rec, err)
	}
}

type brokenSigner struct {
	signer.Service
}

func (brokenSigner) Sign(context.Context, string) (string, error) {
	return "", errors.New("kms throttled")
}

func TestDecisionAuditDegraded(t *testing.T) {
	g := newGateway(t, withSigner(brokenSigner{Service: signer.NewSeedSigner("api-test", "seed", nil)}))

	res, body := g.do(t, http.MethodPost, "/v1/decisions", token(t, "tenant-a", auth.RoleAdmin), order("15000"))
	if res.Code != http.StatusOK || body["success"] != true {
		t.Fatalf("decision must survive audit failure, got %d %v", res.Code, body)
	}
	if body["audit_degraded"] != true {
		t.Fatalf("expected audit_degraded, got %v", body)
	}
	if d := decisionOf(t, body); d["decision"] != "DENY" {
		t.Fatalf("verdict must be unchanged: %v", d)
	}
	if g.metrics.Snapshot().AuditAppends["degraded"] != 1 {
		t.Fatalf("degraded append not counted")
	}
	if len(g.events.events) != 1 || !g.events.events[0].AuditDegraded || g.events.events[0].ChainHash != "" {
		t.Fatalf("unexpected event: %+v", g.events.events)
	}
}

func TestDecisionEvaluationFailure(t *testing.T) {
	g := newGateway(t)
	broken := tradingEnvelope()
	broken.Envelope.Rules = types.RuleList{nil}
	g.registry.Replace(policy.Snapshot{Lane: policy.LaneProd, Envelopes: []policy.LoadedEnvelope{broken}})

	res, body := g.do(t, http.MethodPost, "/v1/decisions", token(t, "tenant-a", auth.RoleAdmin), order("5000"))
	if res.Code != http.StatusOK || body["success"] != false || body["rpx_id"] != nil {
		t.Fatalf("unexpected response %d %v", res.Code, body)
	}
	d := decisionOf(t, body)
	if d["decision"] != "DENY" || d["details"].(map[string]any)["error"] != "EVALUATION_FAILED" {
		t.Fatalf("unexpected decision: %v", d)
	}
}

func TestDecisionRecordedAfterClientCancels(t *testing.T) {
	g := newGateway(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := types.DecisionRequest{
		RequestID: "req-cancelled",
		SystemID:  "trading-prod",
		Action: types.Action{
			Type:    "trade.order.place",
			Payload: map[string]any{"notional": json.Number("100")},
		},
	}
	res, err := g.handler.Decisions.Decide(ctx, "tenant-a", req)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if res.Degraded {
		t.Fatalf("cancelled request context must not degrade the append")
	}
	if _, err := g.store.GetRecord(context.Background(), "tenant-a", res.Record.RecordID); err != nil {
		t.Fatalf("expected persisted record: %v", err)
	}
}

func TestEventPublishFailureIsIgnored(t *testing.T) {
	g := newGateway(t)
	g.events.err = errors.New("broker down")
	res, body := g.do(t, http.MethodPost, "/v1/decisions", token(t, "tenant-a", auth.RoleAdmin), order("5000"))
	if res.Code != http.StatusOK || body["success"] != true {
		t.Fatalf("publish failure must not fail the decision: %d %v", res.Code, body)
	}
}

func decide(t *testing.T, g *gateway, tenant, notional string) string {
	t.Helper()
	_, body := g.do(t, http.MethodPost, "/v1/decisions", token(t, tenant, auth.RoleAdmin), order(notional))
	id, ok := body["rpx_id"].(string)
	if !ok {
		t.Fatalf("no rpx_id in %v", body)
	}
	return id
}

func TestVerifyRecord(t *testing.T) {
	g := newGateway(t)
	id := decide(t, g, "tenant-a", "5000")
	viewer := token(t, "tenant-a", auth.RoleViewer)

	res, body := g.do(t, http.MethodGet, "/v1/audit/verify/"+id, viewer, "")
	if res.Code != http.StatusOK || body["valid"] != true || body["rpx_id"] != id {
		t.Fatalf("expected valid record, got %d %v", res.Code, body)
	}
	checks := body["checks"].(map[string]any)
	for _, k := range []string{"entry_hash_match", "signature_valid", "chain_valid"} {
		if checks[k] != true {
			t.Fatalf("check %s failed: %v", k, checks)
		}
	}
	meta := body["metadata"].(map[string]any)
	if meta["tenant_id"] != "tenant-a" || meta["system_id"] != "trading-prod" || meta["previous_chain_hash"] != ledger.GenesisHash {
		t.Fatalf("unexpected metadata: %v", meta)
	}
	if _, ok := body["debug"]; ok {
		t.Fatalf("debug must be omitted for valid records")
	}

	g.store.Tamper(id, func(r *ledger.Record) {
		r.CanonicalEntry = append(r.CanonicalEntry, ' ')
	})
	_, body = g.do(t, http.MethodGet, "/v1/audit/verify/"+id, viewer, "")
	if body["valid"] != false {
		t.Fatalf("tampered record must be invalid: %v", body)
	}
	checks = body["checks"].(map[string]any)
	if checks["entry_hash_match"] != false || checks["signature_valid"] != true || checks["chain_valid"] != true {
		t.Fatalf("only the entry hash should fail: %v", checks)
	}
	debug := body["debug"].(map[string]any)
	if debug["stored_entry_hash"] == debug["computed_entry_hash"] {
		t.Fatalf("debug hashes should differ: %v", debug)
	}
}

func TestVerifyRecordTenantIsolation(t *testing.T) {
	g := newGateway(t)
	id := decide(t, g, "tenant-a", "5000")

	res, body := g.do(t, http.MethodGet, "/v1/audit/verify/"+id, token(t, "tenant-b", auth.RoleAdmin), "")
	if res.Code != http.StatusNotFound || body["error"] != "RPX_NOT_FOUND" {
		t.Fatalf("expected 404 across tenants, got %d %v", res.Code, body)
	}
	res, _ = g.do(t, http.MethodGet, "/v1/audit/verify/does-not-exist", token(t, "tenant-a", auth.RoleAdmin), "")
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.Code)
	}
}

func TestVerifyChain(t *testing.T) {
	g := newGateway(t)
	first := decide(t, g, "tenant-a", "5000")
	second := decide(t, g, "tenant-a", "15000")
	third := decide(t, g, "tenant-a", "7000")
	auditor := token(t, "tenant-a", auth.RoleAuditor)

	res, body := g.do(t, http.MethodGet, "/v1/audit/verify-chain/"+third, auditor, "")
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %v", res.Code, body)
	}
	if body["valid_entry"] != true || body["anchored"] != true || body["break_reason"] != nil {
		t.Fatalf("expected anchored chain: %v", body)
	}
	if body["checked_count"] != float64(3) {
		t.Fatalf("expected 3 checked, got %v", body["checked_count"])
	}
	path := body["path"].([]any)
	if len(path) != 3 || path[0] != third || path[1] != second || path[2] != first {
		t.Fatalf("unexpected path: %v", path)
	}

	g.store.Delete(second)
	_, body = g.do(t, http.MethodGet, "/v1/audit/verify-chain/"+third, auditor, "")
	if body["anchored"] != false || body["break_reason"] != "MISSING_PREVIOUS" || body["valid_entry"] != true {
		t.Fatalf("expected MISSING_PREVIOUS: %v", body)
	}
	_, body = g.do(t, http.MethodGet, "/v1/audit/verify-chain/"+first, auditor, "")
	if body["anchored"] != true {
		t.Fatalf("earlier record should stay anchored: %v", body)
	}
}

func TestVerifyChainRequiresAuditor(t *testing.T) {
	g := newGateway(t)
	id := decide(t, g, "tenant-a", "5000")
	res, body := g.do(t, http.MethodGet, "/v1/audit/verify-chain/"+id, token(t, "tenant-a", auth.RoleViewer), "")
	if res.Code != http.StatusForbidden || body["error"] != "INSUFFICIENT_PERMISSIONS" {
		t.Fatalf("expected 403, got %d %v", res.Code, body)
	}
}

func TestHealth(t *testing.T) {
	g := newGateway(t)
	res, body := g.do(t, http.MethodGet, "/health", "", "")
	if res.Code != http.StatusOK || body["status"] != "ok" || body["store"] != "memory" || body["envelopes"] != float64(1) {
		t.Fatalf("unexpected health: %d %v", res.Code, body)
	}
	if body["signer_key_id"] != "api-test" || len(body["public_key"].(string)) != 64 {
		t.Fatalf("unexpected signer info: %v", body)
	}
	if res.Header().Get("x-request-id") == "" {
		t.Fatalf("expected generated request id")
	}
}

func TestRequestIDEcho(t *testing.T) {
	g := newGateway(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("x-request-id", "req-123")
	res := httptest.NewRecorder()
	g.router.ServeHTTP(res, req)
	if res.Header().Get("x-request-id") != "req-123" {
		t.Fatalf("request id not echoed")
	}
}

func TestEnvelopesAndReload(t *testing.T) {
	g := newGateway(t)

	res, body := g.do(t, http.MethodGet, "/v1/envelopes", token(t, "tenant-a", auth.RoleViewer), "")
	if res.Code != http.StatusOK || body["lane"] != "prod" {
		t.Fatalf("unexpected envelopes: %d %v", res.Code, body)
	}
	list := body["envelopes"].([]any)
	first := list[0].(map[string]any)
	if len(list) != 1 || first["envelope_id"] != "trading-safety" || first["rules"] != float64(1) || first["signed"] != false {
		t.Fatalf("unexpected envelope list: %v", list)
	}

	res, _ = g.do(t, http.MethodPost, "/v1/admin/reload", token(t, "tenant-a", auth.RoleAuditor), "")
	if res.Code != http.StatusForbidden {
		t.Fatalf("reload must require admin, got %d", res.Code)
	}
	res, body = g.do(t, http.MethodPost, "/v1/admin/reload", token(t, "tenant-a", auth.RoleAdmin), "")
	if res.Code != http.StatusOK || body["reloaded"] != true || body["envelopes"] != float64(1) {
		t.Fatalf("unexpected reload: %d %v", res.Code, body)
	}
	if g.handler.Reloader.(*countingReloader).calls != 1 {
		t.Fatalf("reloader not invoked")
	}
	if g.metrics.Snapshot().Gauges["envelopes_loaded"] != 1 {
		t.Fatalf("gauge not updated")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	g := newGateway(t)
	decide(t, g, "tenant-a", "5000")

	res, _ := g.do(t, http.MethodGet, "/metrics", token(t, "tenant-a", auth.RoleViewer), "")
	if res.Code != http.StatusForbidden {
		t.Fatalf("viewer must not read metrics, got %d", res.Code)
	}
	res, body := g.do(t, http.MethodGet, "/metrics", token(t, "tenant-a", auth.RoleAuditor), "")
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	endpoints := body["endpoints"].(map[string]any)
	if _, ok := endpoints["POST /v1/decisions"]; !ok {
		t.Fatalf("expected route pattern key, got %v", endpoints)
	}
}

func TestUnknownRoute(t *testing.T) {
	g := newGateway(t)
	res, body := g.do(t, http.MethodGet, "/v2/nothing", "", "")
	if res.Code != http.StatusNotFound || body["error"] != "NOT_FOUND" {
		t.Fatalf("unexpected: %d %v", res.Code, body)
	}
}
