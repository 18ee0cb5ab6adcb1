// Package engine provides uniform adapters over the inference engines
// the gateway can route to. Each adapter owns its timeouts and presents
// the same call surface regardless of the upstream wire protocol.
package engine

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"
)

// Engine types recognized in configuration.
const (
	TypeOllama = "ollama"
	TypeOpenAI = "openai"
)

// Config is the static per-engine configuration, loaded once at startup
// and read-only thereafter. Shared by concurrent requests without
// locking.
type Config struct {
	ID             string        `koanf:"id"`
	Type           string        `koanf:"type"`
	BaseURL        string        `koanf:"base_url"`
	Model          string        `koanf:"model"`
	APIKey         string        `koanf:"api_key"`
	ConnectTimeout time.Duration `koanf:"connect_timeout"`
	ReadTimeout    time.Duration `koanf:"read_timeout"`
	// MaxRetries is the retry count after the first attempt. In config
	// files -1 means none; 0 means unset and takes the per-type default.
	MaxRetries  int           `koanf:"max_retries"`
	BackoffBase time.Duration `koanf:"backoff_base"`
}

// Request is a single generation request.
type Request struct {
	Prompt    string
	SessionID string
	Lang      string
}

// Result is a well-formed engine success. An HTTP success with an empty
// completion is not a Result; adapters surface it as an error so the
// orchestrator cascades past it.
type Result struct {
	EngineID string
	Model    string
	Text     string
}

// Engine is the uniform call interface for one inference engine.
type Engine interface {
	ID() string
	Config() Config

	// Generate performs one request/response exchange. The context
	// bounds the attempt, not the overall client connection.
	Generate(ctx context.Context, req *Request) (*Result, error)

	// Healthy probes the engine without generating.
	Healthy(ctx context.Context) error
}

// Option configures an adapter.
type Option func(*httpAdapter)

// WithHTTPClient replaces the adapter's HTTP client, mainly for tests.
func WithHTTPClient(client *http.Client) Option {
	return func(a *httpAdapter) {
		a.client = client
	}
}

// httpAdapter carries the pieces common to the HTTP-backed adapters.
type httpAdapter struct {
	cfg    Config
	client *http.Client
}

func newHTTPAdapter(cfg Config, opts ...Option) httpAdapter {
	a := httpAdapter{cfg: cfg}
	for _, opt := range opts {
		opt(&a)
	}
	if a.client == nil {
		a.client = &http.Client{
			Timeout: cfg.ReadTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: cfg.ConnectTimeout,
				}).DialContext,
			},
		}
	}
	return a
}

// New builds an adapter from its configuration.
func New(cfg Config, opts ...Option) (Engine, error) {
	switch cfg.Type {
	case TypeOllama:
		return NewOllama(cfg, opts...), nil
	case TypeOpenAI:
		return NewOpenAI(cfg, opts...), nil
	default:
		return nil, errors.New("unknown engine type: " + cfg.Type)
	}
}

// IsTimeout reports whether err is a connect or read timeout, as opposed
// to an upstream failure.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
