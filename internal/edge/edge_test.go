package edge

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tanvu/inferbridge/internal/domain"
	"github.com/tanvu/inferbridge/internal/envelope"
	"github.com/tanvu/inferbridge/internal/ratelimit"
)

func newTestProxy(t *testing.T, backendURL string, rps float64, burst int, secret string) http.Handler {
	t.Helper()
	limiter := ratelimit.New(rps, burst, 100)
	signer := envelope.New(secret, 0)
	p := New(backendURL, limiter, signer, time.Second, 2*time.Second,
		slog.New(slog.DiscardHandler))
	r := chi.NewRouter()
	p.Routes(r)
	return r
}

func TestChatForwardsSignedBody(t *testing.T) {
	var gotBody []byte
	var gotTimestamp, gotSignature, gotUser string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotTimestamp = r.Header.Get(domain.HeaderTimestamp)
		gotSignature = r.Header.Get(domain.HeaderSignature)
		gotUser = r.Header.Get(domain.HeaderUserID)
		w.Write([]byte(`{"status":"success","response":"hi"}`))
	}))
	defer backend.Close()

	proxy := newTestProxy(t, backend.URL, 10, 10, "shared-secret")

	body := `{"message":"xin chào"}`
	req := httptest.NewRequest("POST", "/chat", strings.NewReader(body))
	req.Header.Set(domain.HeaderUserID, "user-1")
	rec := httptest.NewRecorder()
	proxy.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if string(gotBody) != body {
		t.Fatalf("body must be forwarded byte-for-byte, got %q", gotBody)
	}
	if gotUser != "user-1" {
		t.Fatalf("user header not forwarded, got %q", gotUser)
	}

	// The signature must verify against the exact forwarded bytes.
	verifier := envelope.New("shared-secret", 0)
	if err := verifier.Verify(gotTimestamp, gotSignature, "", gotBody); err != nil {
		t.Fatalf("forwarded envelope should verify: %v", err)
	}
}

func TestChatStripsClientEngineOverride(t *testing.T) {
	var gotOverride string
	var gotTimestamp, gotSignature string
	var gotBody []byte
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotOverride = r.Header.Get(domain.HeaderEngineOverride)
		gotTimestamp = r.Header.Get(domain.HeaderTimestamp)
		gotSignature = r.Header.Get(domain.HeaderSignature)
		gotBody, _ = io.ReadAll(r.Body)
		w.Write([]byte(`{"status":"success"}`))
	}))
	defer backend.Close()

	proxy := newTestProxy(t, backend.URL, 10, 10, "shared-secret")

	// An anonymous caller asking for the expensive engine must not get
	// its header relayed, and the envelope must not cover it.
	req := httptest.NewRequest("POST", "/chat", strings.NewReader(`{"message":"hi"}`))
	req.Header.Set(domain.HeaderEngineOverride, "cloud-large")
	rec := httptest.NewRecorder()
	proxy.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if gotOverride != "" {
		t.Fatalf("client-set override must not be forwarded, got %q", gotOverride)
	}

	verifier := envelope.New("shared-secret", 0)
	if err := verifier.Verify(gotTimestamp, gotSignature, "", gotBody); err != nil {
		t.Fatalf("envelope signed without an override should verify: %v", err)
	}
	if err := verifier.Verify(gotTimestamp, gotSignature, "cloud-large", gotBody); err == nil {
		t.Fatal("the caller's requested override must not validate against the envelope")
	}
}

func TestChatForwardsConfiguredOverride(t *testing.T) {
	var gotOverride string
	var gotTimestamp, gotSignature string
	var gotBody []byte
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotOverride = r.Header.Get(domain.HeaderEngineOverride)
		gotTimestamp = r.Header.Get(domain.HeaderTimestamp)
		gotSignature = r.Header.Get(domain.HeaderSignature)
		gotBody, _ = io.ReadAll(r.Body)
		w.Write([]byte(`{"status":"success"}`))
	}))
	defer backend.Close()

	limiter := ratelimit.New(10, 10, 100)
	p := New(backend.URL, limiter, envelope.New("shared-secret", 0),
		time.Second, 2*time.Second, slog.New(slog.DiscardHandler),
		WithEngineOverride("local-small"))
	r := chi.NewRouter()
	p.Routes(r)

	req := httptest.NewRequest("POST", "/chat", strings.NewReader(`{"message":"hi"}`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if gotOverride != "local-small" {
		t.Fatalf("configured override should be forwarded, got %q", gotOverride)
	}
	verifier := envelope.New("shared-secret", 0)
	if err := verifier.Verify(gotTimestamp, gotSignature, "local-small", gotBody); err != nil {
		t.Fatalf("envelope should bind the configured override: %v", err)
	}
	if err := verifier.Verify(gotTimestamp, gotSignature, "cloud-large", gotBody); err == nil {
		t.Fatal("rewriting the override in flight should break the signature")
	}
}

func TestChatRateLimited(t *testing.T) {
	var backendCalls atomic.Int64
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backendCalls.Add(1)
		w.Write([]byte(`{"status":"success"}`))
	}))
	defer backend.Close()

	proxy := newTestProxy(t, backend.URL, 0.001, 3, "")

	var last *httptest.ResponseRecorder
	denied := 0
	for i := 0; i < 8; i++ {
		req := httptest.NewRequest("POST", "/chat", strings.NewReader(`{"message":"hi"}`))
		req.Header.Set(domain.HeaderUserID, "bursty")
		last = httptest.NewRecorder()
		proxy.ServeHTTP(last, req)
		if last.Code == http.StatusTooManyRequests {
			denied++
		}
	}

	if denied != 5 {
		t.Fatalf("expected 5 denials past the burst of 3, got %d", denied)
	}
	if backendCalls.Load() != 3 {
		t.Fatalf("denied requests must never reach the backend, saw %d calls", backendCalls.Load())
	}

	var errResp domain.ErrorResponse
	if err := json.Unmarshal(last.Body.Bytes(), &errResp); err != nil || errResp.Status != "error" {
		t.Fatalf("denial must be well-formed JSON with status=error, got %s", last.Body.String())
	}
}

func TestChatTunnelDown(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	backendURL := backend.URL
	backend.Close()

	proxy := newTestProxy(t, backendURL, 10, 10, "")

	req := httptest.NewRequest("POST", "/chat", strings.NewReader(`{"message":"hi"}`))
	rec := httptest.NewRecorder()
	proxy.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("dead tunnel should yield 503, got %d", rec.Code)
	}
	var errResp domain.ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &errResp); err != nil || errResp.Status != "error" {
		t.Fatalf("transport failure must produce the JSON error shape, got %s", rec.Body.String())
	}
}

func TestChatBackendTimeout(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer backend.Close()

	limiter := ratelimit.New(10, 10, 100)
	p := New(backend.URL, limiter, envelope.New("", 0), time.Second, time.Second,
		slog.New(slog.DiscardHandler),
		WithHTTPClient(&http.Client{Timeout: 50 * time.Millisecond}))
	r := chi.NewRouter()
	p.Routes(r)

	req := httptest.NewRequest("POST", "/chat", strings.NewReader(`{"message":"hi"}`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("backend timeout should yield 504, got %d", rec.Code)
	}
}

func TestChatRelaysGatewayErrors(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"signature mismatch","status":"error"}`))
	}))
	defer backend.Close()

	proxy := newTestProxy(t, backend.URL, 10, 10, "")

	req := httptest.NewRequest("POST", "/chat", strings.NewReader(`{"message":"hi"}`))
	rec := httptest.NewRecorder()
	proxy.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("gateway status should be relayed unchanged, got %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	proxy := newTestProxy(t, "http://127.0.0.1:1", 10, 10, "secret")

	rec := httptest.NewRecorder()
	proxy.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("health = %d", rec.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["status"] != "healthy" || resp["mode"] != "signed" {
		t.Fatalf("unexpected health payload: %v", resp)
	}
}

func TestBackendStatus(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.Write([]byte(`{"status":"healthy","mode":"gateway"}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer backend.Close()

	proxy := newTestProxy(t, backend.URL, 10, 10, "")
	rec := httptest.NewRecorder()
	proxy.ServeHTTP(rec, httptest.NewRequest("GET", "/admin/backend-status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("connected probe = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"connected"`) {
		t.Fatalf("expected connected status, got %s", rec.Body.String())
	}
}

func TestBackendStatusDisconnected(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	backendURL := backend.URL
	backend.Close()

	proxy := newTestProxy(t, backendURL, 10, 10, "")
	rec := httptest.NewRecorder()
	proxy.ServeHTTP(rec, httptest.NewRequest("GET", "/admin/backend-status", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("disconnected probe should be 503, got %d", rec.Code)
	}
}
