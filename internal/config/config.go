// Package config centralizes all environment and file configuration
// into one immutable struct, loaded once at startup and passed
// explicitly to components. Nothing re-reads environment variables in
// hot paths.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/tanvu/inferbridge/internal/classify"
	"github.com/tanvu/inferbridge/internal/engine"
	"github.com/tanvu/inferbridge/internal/router"
)

// Config is the full gateway configuration.
type Config struct {
	EdgePort    int
	GatewayPort int

	// GatewaySecret is the shared HMAC key. An empty value disables
	// signing entirely, which mains log as a hard security warning
	// rather than failing startup.
	GatewaySecret   string
	SignatureMaxAge time.Duration

	RateLimitRPS   float64
	RateLimitBurst int

	// Tunnel-facing timeouts used by the edge forwarder.
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration

	// LocalBackendURL is the edge-side address of the private transport
	// (typically the local end of an SSH reverse tunnel).
	LocalBackendURL string

	// EngineOverride pins all edge traffic to one engine, for
	// maintenance windows or debugging. It is operator-only; the edge
	// never accepts an override from the public request.
	EngineOverride string

	// AuditDBPath enables the SQLite attempt-trail audit store when set.
	AuditDBPath string

	Engines    []engine.Config
	Routing    router.Policy
	Classifier classify.Weights
}

// Load reads configuration from the environment, plus an optional YAML
// engines file named by ENGINES_FILE for the engine list, routing
// policy, and classifier weights.
func Load() (*Config, error) {
	k := koanf.New(".")

	if path := os.Getenv("ENGINES_FILE"); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load engines file %s: %w", path, err)
		}
	}

	// Environment variables override the file. Names are the documented
	// ones (GATEWAY_SECRET, RATE_LIMIT_RPS, ...) lowercased.
	if err := k.Load(env.Provider("", ".", strings.ToLower), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{
		EdgePort:        k.Int("edge_port"),
		GatewayPort:     k.Int("gateway_port"),
		GatewaySecret:   k.String("gateway_secret"),
		LocalBackendURL: k.String("local_backend_url"),
		EngineOverride:  k.String("engine_override"),
		AuditDBPath:     k.String("audit_db_path"),
		RateLimitRPS:    k.Float64("rate_limit_rps"),
		RateLimitBurst:  k.Int("rate_limit_burst"),
		Routing:         router.DefaultPolicy(),
		Classifier:      classify.DefaultWeights(),
	}

	var err error
	if cfg.SignatureMaxAge, err = duration(k, "signature_max_age", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.ConnectTimeout, err = duration(k, "request_connect_timeout", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.ReadTimeout, err = duration(k, "request_read_timeout", 120*time.Second); err != nil {
		return nil, err
	}

	if cfg.EdgePort == 0 {
		cfg.EdgePort = 8080
	}
	if cfg.GatewayPort == 0 {
		cfg.GatewayPort = 9000
	}
	if cfg.LocalBackendURL == "" {
		cfg.LocalBackendURL = fmt.Sprintf("http://127.0.0.1:%d", cfg.GatewayPort)
	}
	if cfg.RateLimitRPS == 0 {
		cfg.RateLimitRPS = 2
	}
	if cfg.RateLimitBurst == 0 {
		cfg.RateLimitBurst = 10
	}

	if k.Exists("routing") {
		if err := k.Unmarshal("routing", &cfg.Routing); err != nil {
			return nil, fmt.Errorf("unmarshal routing policy: %w", err)
		}
	}
	if k.Exists("classifier") {
		if err := k.Unmarshal("classifier", &cfg.Classifier); err != nil {
			return nil, fmt.Errorf("unmarshal classifier weights: %w", err)
		}
	}
	if k.Exists("engines") {
		if err := k.Unmarshal("engines", &cfg.Engines); err != nil {
			return nil, fmt.Errorf("unmarshal engines: %w", err)
		}
	}
	if len(cfg.Engines) == 0 {
		cfg.Engines = defaultEngines(k.String("openai_api_key"))
	}
	applyEngineDefaults(cfg)

	return cfg, nil
}

// defaultEngines is the stock three-engine setup: two Ollama models on
// the private host and one OpenAI-compatible cloud engine.
func defaultEngines(cloudKey string) []engine.Config {
	return []engine.Config{
		{
			ID:      "local-small",
			Type:    engine.TypeOllama,
			BaseURL: "http://127.0.0.1:11434",
			Model:   "llama3.2:3b",
		},
		{
			ID:      "local-coder",
			Type:    engine.TypeOllama,
			BaseURL: "http://127.0.0.1:11434",
			Model:   "qwen2.5-coder:7b",
		},
		{
			ID:         "cloud-large",
			Type:       engine.TypeOpenAI,
			BaseURL:    "https://api.openai.com",
			Model:      "gpt-4o-mini",
			APIKey:     cloudKey,
			MaxRetries: 2,
		},
	}
}

// applyEngineDefaults fills unset per-engine values from the globals.
// max_retries: -1 means no retries; 0 means unset and takes the
// per-type default.
func applyEngineDefaults(cfg *Config) {
	for i := range cfg.Engines {
		e := &cfg.Engines[i]
		if e.ConnectTimeout == 0 {
			e.ConnectTimeout = cfg.ConnectTimeout
		}
		if e.ReadTimeout == 0 {
			e.ReadTimeout = cfg.ReadTimeout
		}
		if e.MaxRetries == 0 && e.Type == engine.TypeOllama {
			e.MaxRetries = 1
		}
		if e.MaxRetries < 0 {
			e.MaxRetries = 0
		}
		if e.BackoffBase == 0 {
			e.BackoffBase = 500 * time.Millisecond
		}
	}
}

// duration reads a duration key accepting Go duration strings ("30s")
// or bare numbers interpreted as seconds.
func duration(k *koanf.Koanf, key string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(k.String(key))
	if raw == "" {
		return def, nil
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d, nil
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return 0, fmt.Errorf("config %s: cannot parse duration %q", strings.ToUpper(key), raw)
}
