package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Ollama adapts a local Ollama server (the small and coder models run
// on the private host).
type Ollama struct {
	httpAdapter
}

// NewOllama creates an Ollama adapter.
func NewOllama(cfg Config, opts ...Option) *Ollama {
	return &Ollama{httpAdapter: newHTTPAdapter(cfg, opts...)}
}

func (o *Ollama) ID() string     { return o.cfg.ID }
func (o *Ollama) Config() Config { return o.cfg }

type ollamaGenerateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type ollamaGenerateResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

func (o *Ollama) Generate(ctx context.Context, req *Request) (*Result, error) {
	body, err := json.Marshal(ollamaGenerateRequest{
		Model:  o.cfg.Model,
		Prompt: req.Prompt,
		Stream: false,
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		o.url("/api/generate"), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama %s: unexpected status %d", o.cfg.ID, resp.StatusCode)
	}

	var out ollamaGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("ollama %s: malformed response: %w", o.cfg.ID, err)
	}
	if strings.TrimSpace(out.Response) == "" {
		// Empty completion on HTTP 200 counts as a failure for fallback.
		return nil, fmt.Errorf("ollama %s: empty completion", o.cfg.ID)
	}

	model := out.Model
	if model == "" {
		model = o.cfg.Model
	}
	return &Result{EngineID: o.cfg.ID, Model: model, Text: out.Response}, nil
}

func (o *Ollama) Healthy(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, o.url("/api/tags"), nil)
	if err != nil {
		return err
	}
	resp, err := o.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama %s: health status %d", o.cfg.ID, resp.StatusCode)
	}
	return nil
}

func (o *Ollama) url(path string) string {
	return strings.TrimRight(o.cfg.BaseURL, "/") + path
}
