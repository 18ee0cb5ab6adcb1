package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tanvu/inferbridge/internal/classify"
	"github.com/tanvu/inferbridge/internal/domain"
	"github.com/tanvu/inferbridge/internal/engine"
	"github.com/tanvu/inferbridge/internal/envelope"
	"github.com/tanvu/inferbridge/internal/orchestrator"
	"github.com/tanvu/inferbridge/internal/router"
)

// stubEngine answers instantly or always fails.
type stubEngine struct {
	id   string
	fail bool
}

func (e *stubEngine) ID() string { return e.id }
func (e *stubEngine) Config() engine.Config {
	return engine.Config{ID: e.id, ReadTimeout: time.Second, BackoffBase: time.Millisecond}
}
func (e *stubEngine) Healthy(ctx context.Context) error { return nil }
func (e *stubEngine) Generate(ctx context.Context, req *engine.Request) (*engine.Result, error) {
	if e.fail {
		return nil, errors.New("down")
	}
	return &engine.Result{EngineID: e.id, Model: e.id + "-model", Text: "answer to: " + req.Prompt}, nil
}

type memRecorder struct {
	records []*AuditRecord
}

func (m *memRecorder) Record(ctx context.Context, rec *AuditRecord) error {
	m.records = append(m.records, rec)
	return nil
}

func (m *memRecorder) Recent(ctx context.Context, limit int) ([]AuditRecord, error) {
	out := make([]AuditRecord, 0, limit)
	for i := len(m.records) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, *m.records[i])
	}
	return out, nil
}

func newTestGateway(t *testing.T, secret string, rec Recorder, engines ...engine.Engine) http.Handler {
	t.Helper()
	m := make(map[string]engine.Engine)
	list := make([]engine.Engine, 0, len(engines))
	for _, e := range engines {
		m[e.ID()] = e
		list = append(list, e)
	}
	logger := slog.New(slog.DiscardHandler)
	h := New(
		envelope.New(secret, 0),
		router.New(classify.New(classify.DefaultWeights()), router.DefaultPolicy()),
		orchestrator.New(m, logger),
		list,
		rec,
		logger,
	)
	r := chi.NewRouter()
	h.Routes(r)
	return r
}

func signedRequest(t *testing.T, secret, body, override string) *http.Request {
	t.Helper()
	req := httptest.NewRequest("POST", "/chat", strings.NewReader(body))
	if override != "" {
		req.Header.Set(domain.HeaderEngineOverride, override)
	}
	if secret != "" {
		ts, sig := envelope.New(secret, 0).Sign([]byte(body), override)
		req.Header.Set(domain.HeaderTimestamp, ts)
		req.Header.Set(domain.HeaderSignature, sig)
	}
	return req
}

func TestChatSimplePromptUsesLocalEngine(t *testing.T) {
	gw := newTestGateway(t, "s3cret", nil,
		&stubEngine{id: "local-small"},
		&stubEngine{id: "local-coder"},
		&stubEngine{id: "cloud-large"},
	)

	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, signedRequest(t, "s3cret", `{"message":"xin chào"}`, ""))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp domain.ChatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Engine != "local-small" {
		t.Fatalf("a trivial greeting should route to the cheap engine, got %q", resp.Engine)
	}
	if resp.Status != "success" || resp.Response == "" || resp.Timestamp == "" {
		t.Fatalf("malformed success payload: %+v", resp)
	}
}

func TestChatFallsBackWhenLocalFails(t *testing.T) {
	gw := newTestGateway(t, "", nil,
		&stubEngine{id: "local-small", fail: true},
		&stubEngine{id: "cloud-large"},
	)

	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, signedRequest(t, "", `{"message":"hello"}`, ""))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp domain.ChatResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Engine != "cloud-large" {
		t.Fatalf("cascade should land on the cloud engine, got %q", resp.Engine)
	}
}

func TestChatAllEnginesFailed(t *testing.T) {
	audit := &memRecorder{}
	gw := newTestGateway(t, "", audit,
		&stubEngine{id: "local-small", fail: true},
		&stubEngine{id: "local-coder", fail: true},
		&stubEngine{id: "cloud-large", fail: true},
	)

	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, signedRequest(t, "", `{"message":"hello there"}`, ""))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("exhausted cascade should be 503, got %d", rec.Code)
	}
	var resp domain.ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || resp.Status != "error" {
		t.Fatalf("expected JSON error shape, got %s", rec.Body.String())
	}
	// The attempt trail must not leak into the client response.
	if strings.Contains(rec.Body.String(), "local-small") {
		t.Fatalf("internal topology leaked to client: %s", rec.Body.String())
	}
	if len(audit.records) != 1 || audit.records[0].Status != "failed" {
		t.Fatalf("failed cascade should leave one audit record, got %+v", audit.records)
	}
	if len(audit.records[0].Attempts) == 0 {
		t.Fatal("audit record should carry the attempt trail")
	}
}

func TestChatRejectsBadSignature(t *testing.T) {
	gw := newTestGateway(t, "right-secret", nil, &stubEngine{id: "local-small"})

	body := `{"message":"hello"}`
	req := httptest.NewRequest("POST", "/chat", strings.NewReader(body))
	ts, sig := envelope.New("wrong-secret", 0).Sign([]byte(body), "")
	req.Header.Set(domain.HeaderTimestamp, ts)
	req.Header.Set(domain.HeaderSignature, sig)

	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("forged signature should be 401, got %d", rec.Code)
	}
}

func TestChatRejectsMissingSignatureWhenEnabled(t *testing.T) {
	gw := newTestGateway(t, "right-secret", nil, &stubEngine{id: "local-small"})

	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, signedRequest(t, "", `{"message":"hello"}`, ""))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unsigned request should be 401 when signing is enabled, got %d", rec.Code)
	}
}

func TestChatEngineOverride(t *testing.T) {
	gw := newTestGateway(t, "", nil,
		&stubEngine{id: "local-small"},
		&stubEngine{id: "local-coder"},
	)

	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, signedRequest(t, "", `{"message":"hi"}`, "local-coder"))

	var resp domain.ChatResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Engine != "local-coder" {
		t.Fatalf("override should force the coder engine, got %q", resp.Engine)
	}
}

func TestChatRejectsUnsignedOverride(t *testing.T) {
	gw := newTestGateway(t, "s3cret", nil,
		&stubEngine{id: "local-small"},
		&stubEngine{id: "cloud-large"},
	)

	// A valid envelope sealed without an override, then the header added
	// in flight to reach the expensive engine. The signature no longer
	// matches and the request must be rejected, not rerouted.
	req := signedRequest(t, "s3cret", `{"message":"hi"}`, "")
	req.Header.Set(domain.HeaderEngineOverride, "cloud-large")
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("override outside the envelope should be 401, got %d", rec.Code)
	}
}

func TestChatHonorsSignedOverride(t *testing.T) {
	gw := newTestGateway(t, "s3cret", nil,
		&stubEngine{id: "local-small"},
		&stubEngine{id: "cloud-large"},
	)

	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, signedRequest(t, "s3cret", `{"message":"hi"}`, "cloud-large"))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp domain.ChatResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Engine != "cloud-large" {
		t.Fatalf("signed override should be honored, got %q", resp.Engine)
	}
}

func TestChatInvalidBody(t *testing.T) {
	gw := newTestGateway(t, "", nil, &stubEngine{id: "local-small"})

	for _, body := range []string{`not json`, `{}`, `{"message":"   "}`} {
		rec := httptest.NewRecorder()
		gw.ServeHTTP(rec, signedRequest(t, "", body, ""))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %q should be 400, got %d", body, rec.Code)
		}
	}
}

func TestHealthListsEngines(t *testing.T) {
	gw := newTestGateway(t, "", nil,
		&stubEngine{id: "local-small"},
		&stubEngine{id: "cloud-large"},
	)

	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("health = %d", rec.Code)
	}
	var resp struct {
		Status  string `json:"status"`
		Mode    string `json:"mode"`
		Engines []struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"engines"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "healthy" || resp.Mode != "gateway" || len(resp.Engines) != 2 {
		t.Fatalf("unexpected health payload: %s", rec.Body.String())
	}
}

func TestChatSuccessAudited(t *testing.T) {
	audit := &memRecorder{}
	gw := newTestGateway(t, "", audit, &stubEngine{id: "local-small"})

	req := signedRequest(t, "", `{"message":"hi"}`, "")
	req.Header.Set(domain.HeaderUserID, "user-9")
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)

	if len(audit.records) != 1 {
		t.Fatalf("expected one audit record, got %d", len(audit.records))
	}
	got := audit.records[0]
	if got.Engine != "local-small" || got.Status != "success" || got.ClientID != "user-9" {
		t.Fatalf("unexpected audit record: %+v", got)
	}
}

func TestAdminAuditListsRecentRecords(t *testing.T) {
	audit := &memRecorder{}
	gw := newTestGateway(t, "", audit, &stubEngine{id: "local-small"})

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		gw.ServeHTTP(rec, signedRequest(t, "", `{"message":"hi"}`, ""))
	}

	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, httptest.NewRequest("GET", "/admin/audit?limit=2", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("audit = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Records []AuditRecord `json:"records"`
		Count   int           `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Count != 2 || len(resp.Records) != 2 {
		t.Fatalf("limit=2 should return two records, got %s", rec.Body.String())
	}
	if resp.Records[0].Engine != "local-small" || resp.Records[0].Status != "success" {
		t.Fatalf("unexpected audit payload: %+v", resp.Records[0])
	}
}

func TestAdminAuditRejectsBadLimit(t *testing.T) {
	gw := newTestGateway(t, "", &memRecorder{}, &stubEngine{id: "local-small"})

	for _, q := range []string{"limit=0", "limit=-3", "limit=abc"} {
		rec := httptest.NewRecorder()
		gw.ServeHTTP(rec, httptest.NewRequest("GET", "/admin/audit?"+q, nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s should be 400, got %d", q, rec.Code)
		}
	}
}

func TestAdminAuditAbsentWithoutRecorder(t *testing.T) {
	gw := newTestGateway(t, "", nil, &stubEngine{id: "local-small"})

	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, httptest.NewRequest("GET", "/admin/audit", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("audit endpoint without a store should be 404, got %d", rec.Code)
	}
}
