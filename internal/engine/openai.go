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

// OpenAI adapts an OpenAI-compatible chat completions API (the large
// cloud engine).
type OpenAI struct {
	httpAdapter
}

// NewOpenAI creates an OpenAI-compatible adapter.
func NewOpenAI(cfg Config, opts ...Option) *OpenAI {
	return &OpenAI{httpAdapter: newHTTPAdapter(cfg, opts...)}
}

func (o *OpenAI) ID() string     { return o.cfg.ID }
func (o *OpenAI) Config() Config { return o.cfg }

type chatCompletionRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (o *OpenAI) Generate(ctx context.Context, req *Request) (*Result, error) {
	messages := []chatMessage{{Role: "user", Content: req.Prompt}}
	if req.Lang != "" {
		messages = append([]chatMessage{{
			Role:    "system",
			Content: "Answer in the language with code: " + req.Lang,
		}}, messages...)
	}

	body, err := json.Marshal(chatCompletionRequest{
		Model:    o.cfg.Model,
		Messages: messages,
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		o.url("/v1/chat/completions"), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if o.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+o.cfg.APIKey)
	}

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Drain so the connection can be reused; the status is enough
		// detail for the attempt trail.
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("openai %s: unexpected status %d", o.cfg.ID, resp.StatusCode)
	}

	var out chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("openai %s: malformed response: %w", o.cfg.ID, err)
	}
	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		return nil, fmt.Errorf("openai %s: empty completion", o.cfg.ID)
	}

	model := out.Model
	if model == "" {
		model = o.cfg.Model
	}
	return &Result{EngineID: o.cfg.ID, Model: model, Text: out.Choices[0].Message.Content}, nil
}

func (o *OpenAI) Healthy(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, o.url("/v1/models"), nil)
	if err != nil {
		return err
	}
	if o.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+o.cfg.APIKey)
	}
	resp, err := o.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("openai %s: health status %d", o.cfg.ID, resp.StatusCode)
	}
	return nil
}

func (o *OpenAI) url(path string) string {
	return strings.TrimRight(o.cfg.BaseURL, "/") + path
}
