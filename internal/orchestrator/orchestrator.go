// Package orchestrator executes a routing decision: it walks the engine
// preference order with per-engine retries and exponential backoff, and
// falls back to the next engine when one is exhausted. Attempts within a
// request are strictly sequential so a paid engine is never billed twice
// for the same prompt.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tanvu/inferbridge/internal/engine"
)

// backoffCap bounds exponential backoff between retries.
const backoffCap = 30 * time.Second

// Outcome classifies a single engine attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeTimeout Outcome = "timeout"
	OutcomeError   Outcome = "error"
)

// Attempt is one record in a request's fallback cascade. The ordered
// trail is owned by the orchestrator for the lifetime of one request
// and surfaces in logs and the audit store, never in client responses.
type Attempt struct {
	EngineID    string        `json:"engine_id"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`
	Outcome     Outcome       `json:"outcome"`
	ErrorDetail string        `json:"error_detail,omitempty"`
}

// AllEnginesFailedError is the terminal outcome when the entire engine
// order is exhausted. It carries the full attempt trail for diagnostics;
// the caller turns it into the user-facing fallback message.
type AllEnginesFailedError struct {
	Attempts []Attempt
}

func (e *AllEnginesFailedError) Error() string {
	return fmt.Sprintf("all engines failed after %d attempts", len(e.Attempts))
}

// Orchestrator runs the cascade over a fixed engine set.
type Orchestrator struct {
	engines map[string]engine.Engine
	logger  *slog.Logger
	tracer  trace.Tracer

	// sleep is swappable for tests.
	sleep func(time.Duration)
}

// New creates an Orchestrator over the given engines.
func New(engines map[string]engine.Engine, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		engines: engines,
		logger:  logger,
		tracer:  otel.Tracer("inferbridge/orchestrator"),
		sleep:   time.Sleep,
	}
}

// Execute tries each engine in order until one returns a well-formed
// success, which short-circuits the rest. Unknown engine IDs are
// recorded as failed attempts and skipped. When every engine is
// exhausted it returns an AllEnginesFailedError; it never fabricates a
// success. The attempt trail is returned in both cases.
func (o *Orchestrator) Execute(ctx context.Context, order []string, req *engine.Request) (*engine.Result, []Attempt, error) {
	var attempts []Attempt

	for _, engineID := range order {
		eng, ok := o.engines[engineID]
		if !ok {
			attempts = append(attempts, Attempt{
				EngineID:    engineID,
				StartedAt:   time.Now(),
				Outcome:     OutcomeError,
				ErrorDetail: "engine not configured",
			})
			continue
		}

		res, trail, err := o.tryEngine(ctx, eng, req)
		attempts = append(attempts, trail...)
		if err == nil {
			return res, attempts, nil
		}
		if ctx.Err() != nil {
			// The client went away or the overall deadline passed;
			// cascading further would burn engines for nobody.
			break
		}
		o.logger.Warn("engine exhausted, falling back",
			slog.String("engine", engineID),
			slog.Int("attempts", len(trail)),
			slog.String("error", err.Error()),
		)
	}

	return nil, attempts, &AllEnginesFailedError{Attempts: attempts}
}

// tryEngine runs up to maxRetries+1 attempts against one engine with
// exponential backoff between them.
func (o *Orchestrator) tryEngine(ctx context.Context, eng engine.Engine, req *engine.Request) (*engine.Result, []Attempt, error) {
	cfg := eng.Config()
	var trail []Attempt
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			o.sleep(backoff(cfg.BackoffBase, attempt-1))
			if ctx.Err() != nil {
				return nil, trail, ctx.Err()
			}
		}

		res, rec := o.attempt(ctx, eng, cfg, req, attempt)
		trail = append(trail, rec)
		if rec.Outcome == OutcomeSuccess {
			return res, trail, nil
		}
		lastErr = fmt.Errorf("%s: %s", rec.Outcome, rec.ErrorDetail)

		if ctx.Err() != nil {
			return nil, trail, ctx.Err()
		}
	}

	return nil, trail, lastErr
}

// attempt performs a single engine call bounded by the engine's read
// timeout. The timeout cancels this attempt only, not the client
// connection.
func (o *Orchestrator) attempt(ctx context.Context, eng engine.Engine, cfg engine.Config, req *engine.Request, n int) (*engine.Result, Attempt) {
	attemptCtx := ctx
	if cfg.ReadTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, cfg.ReadTimeout)
		defer cancel()
	}

	attemptCtx, span := o.tracer.Start(attemptCtx, "engine.generate",
		trace.WithAttributes(
			attribute.String("engine.id", cfg.ID),
			attribute.Int("engine.attempt", n),
		))
	defer span.End()

	started := time.Now()
	res, err := eng.Generate(attemptCtx, req)
	rec := Attempt{
		EngineID:  cfg.ID,
		StartedAt: started,
		Duration:  time.Since(started),
	}

	switch {
	case err == nil:
		rec.Outcome = OutcomeSuccess
	case engine.IsTimeout(err):
		rec.Outcome = OutcomeTimeout
		rec.ErrorDetail = err.Error()
		span.RecordError(err)
	default:
		rec.Outcome = OutcomeError
		rec.ErrorDetail = err.Error()
		span.RecordError(err)
	}
	return res, rec
}

// backoff is base * 2^attempt, capped.
func backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	d := base << attempt
	if d > backoffCap || d <= 0 {
		return backoffCap
	}
	return d
}
