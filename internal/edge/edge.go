// Package edge implements the public-facing proxy. It admits requests
// through the rate limiter, signs their raw bodies, and forwards them
// byte-for-byte over the private transport to the gateway on the
// private host. It holds no inference logic of its own.
package edge

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tanvu/inferbridge/internal/domain"
	"github.com/tanvu/inferbridge/internal/envelope"
	"github.com/tanvu/inferbridge/internal/ratelimit"
	"github.com/tanvu/inferbridge/internal/server"
)

// maxBodyBytes bounds inbound request bodies.
const maxBodyBytes = 1 << 20

// Proxy is the edge-facing HTTP surface.
type Proxy struct {
	backendURL string
	limiter    *ratelimit.Limiter
	signer     *envelope.Signer
	override   string
	client     *http.Client
	logger     *slog.Logger
}

// Option configures a Proxy.
type Option func(*Proxy)

// WithHTTPClient replaces the transport client, mainly for tests.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Proxy) {
		p.client = client
	}
}

// WithEngineOverride pins every forwarded request to one engine. This
// is an operator control; the inbound header of the same name is
// ignored so anonymous callers cannot choose their engine.
func WithEngineOverride(engineID string) Option {
	return func(p *Proxy) {
		p.override = engineID
	}
}

// New creates the edge proxy. backendURL is the edge-side mouth of the
// private transport; connect and read timeouts bound each forward.
func New(backendURL string, limiter *ratelimit.Limiter, signer *envelope.Signer,
	connectTimeout, readTimeout time.Duration, logger *slog.Logger, opts ...Option) *Proxy {
	p := &Proxy{
		backendURL: strings.TrimRight(backendURL, "/"),
		limiter:    limiter,
		signer:     signer,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.client == nil {
		p.client = &http.Client{
			Timeout: readTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
			},
		}
	}
	return p
}

// Routes mounts the public endpoints.
func (p *Proxy) Routes(r chi.Router) {
	r.Post("/chat", p.handleChat)
	r.Post("/send-message", p.handleChat)
	r.Get("/health", p.handleHealth)
	r.Get("/admin/backend-status", p.handleBackendStatus)
}

// handleChat walks a request through its states: rate-limit check, sign,
// forward, relay. Terminal outcomes are a denial, a rejection, or the
// gateway's response relayed unchanged.
func (p *Proxy) handleChat(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		server.WriteError(w, domain.ErrInvalidRequest("request body unreadable or too large"))
		return
	}

	clientID := clientIdentity(r)
	if !p.limiter.Allow(clientID) {
		// A denial is a normal outcome; it shows up in the request log
		// but not as an error.
		server.AddLogField(r.Context(), "rate_limited", clientID)
		writeRateLimitHeaders(w, p.limiter.Peek(clientID))
		server.WriteError(w, domain.ErrAdmissionDenied("rate limit exceeded, slow down"))
		return
	}

	resp, err := p.forward(r, body)
	if err != nil {
		server.AddLogField(r.Context(), "transport_error", err.Error())
		server.WriteError(w, err)
		return
	}
	defer resp.Body.Close()

	// Relay the gateway's response unchanged, success or not.
	w.Header().Set("Content-Type", "application/json")
	writeRateLimitHeaders(w, p.limiter.Peek(clientID))
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// forward sends the signed body over the tunnel. The routing override
// header is folded into the signature so it cannot be altered between
// here and the gateway. A refused connection gets exactly one retry;
// timeouts get none, because the request may already have reached an
// engine.
func (p *Proxy) forward(r *http.Request, body []byte) (*http.Response, error) {
	timestamp, signature := p.signer.Sign(body, p.override)

	send := func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(r.Context(), http.MethodPost,
			p.backendURL+r.URL.Path, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if timestamp != "" {
			req.Header.Set(domain.HeaderTimestamp, timestamp)
			req.Header.Set(domain.HeaderSignature, signature)
		}
		if p.override != "" {
			req.Header.Set(domain.HeaderEngineOverride, p.override)
		}
		for _, h := range []string{domain.HeaderUserID, domain.HeaderUserLang} {
			if v := r.Header.Get(h); v != "" {
				req.Header.Set(h, v)
			}
		}
		return p.client.Do(req)
	}

	resp, err := send()
	if err != nil && isConnectionRefused(err) {
		p.logger.Warn("tunnel connection refused, retrying once", slog.String("error", err.Error()))
		resp, err = send()
	}
	if err != nil {
		if isTimeout(err) {
			return nil, domain.NewAPIError(domain.ErrorTypeEngineTimeout,
				"backend did not respond in time")
		}
		return nil, domain.ErrTransportUnavailable("backend is unreachable")
	}
	return resp, nil
}

func (p *Proxy) handleHealth(w http.ResponseWriter, r *http.Request) {
	mode := "signed"
	if !p.signer.Enabled() {
		mode = "unsigned"
	}
	server.WriteJSON(w, http.StatusOK, map[string]any{
		"status":        "healthy",
		"mode":          mode,
		"local_backend": p.backendURL,
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
	})
}

// handleBackendStatus probes the private host's health endpoint through
// the tunnel.
func (p *Proxy) handleBackendStatus(w http.ResponseWriter, r *http.Request) {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, p.backendURL+"/health", nil)
	if err != nil {
		server.WriteError(w, domain.ErrServer("probe construction failed"))
		return
	}
	resp, err := p.client.Do(req)
	if err != nil {
		server.WriteJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "disconnected",
		})
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		server.WriteJSON(w, http.StatusInternalServerError, map[string]any{
			"status": "error",
			"code":   resp.StatusCode,
		})
		return
	}

	var backend map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&backend); err != nil {
		backend = nil
	}
	server.WriteJSON(w, http.StatusOK, map[string]any{
		"status":  "connected",
		"backend": backend,
	})
}

// clientIdentity keys the rate limiter: the declared user ID when
// present, else the remote IP.
func clientIdentity(r *http.Request) string {
	if id := r.Header.Get(domain.HeaderUserID); id != "" {
		return id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeRateLimitHeaders(w http.ResponseWriter, snap ratelimit.Snapshot) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(snap.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(snap.Remaining))
}

func isConnectionRefused(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial" && !opErr.Timeout()
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
