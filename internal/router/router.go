// Package router selects an ordered engine preference list for each
// request. It consults the complexity classifier and policy overrides;
// it never calls an engine itself.
package router

import "fmt"

// Scorer yields a complexity score in [0,1] for a prompt.
type Scorer interface {
	Score(promptText string) float64
}

// Policy holds the routing thresholds and the engine IDs for each role.
// Loaded once at startup, read-only thereafter.
type Policy struct {
	// SimpleThreshold and ComplexThreshold partition the score range.
	// Bounds are inclusive-low, exclusive-high, so threshold-edge values
	// resolve to the lower-complexity bucket deterministically.
	SimpleThreshold  float64 `koanf:"simple_threshold"`
	ComplexThreshold float64 `koanf:"complex_threshold"`

	LocalSmall string `koanf:"local_small"`
	LocalCoder string `koanf:"local_coder"`
	CloudLarge string `koanf:"cloud_large"`
}

// DefaultPolicy returns the stock thresholds and engine roles.
func DefaultPolicy() Policy {
	return Policy{
		SimpleThreshold:  0.4,
		ComplexThreshold: 0.7,
		LocalSmall:       "local-small",
		LocalCoder:       "local-coder",
		CloudLarge:       "cloud-large",
	}
}

// Decision is the routing outcome for one request. Computed fresh per
// request, never mutated after creation, logged for observability but
// not persisted.
type Decision struct {
	EngineOrder     []string
	Reason          string
	ComplexityScore float64
}

// Router converts prompts into engine preference orders.
type Router struct {
	scorer Scorer
	policy Policy
}

// New creates a Router.
func New(scorer Scorer, policy Policy) *Router {
	return &Router{scorer: scorer, policy: policy}
}

// SelectOrder returns the engine order for promptText. A non-empty
// override forces that single engine and skips classification.
func (r *Router) SelectOrder(promptText, override string) Decision {
	if override != "" {
		return Decision{
			EngineOrder: []string{override},
			Reason:      "override",
		}
	}

	score := r.scorer.Score(promptText)
	switch {
	case score < r.policy.SimpleThreshold:
		// Cheap first, capable fallback.
		return Decision{
			EngineOrder:     []string{r.policy.LocalSmall, r.policy.CloudLarge},
			Reason:          "simple",
			ComplexityScore: score,
		}
	case score < r.policy.ComplexThreshold:
		return Decision{
			EngineOrder:     []string{r.policy.LocalCoder, r.policy.CloudLarge},
			Reason:          "moderate",
			ComplexityScore: score,
		}
	default:
		// Capability first; the cheap engine is a last-resort fallback only.
		return Decision{
			EngineOrder:     []string{r.policy.CloudLarge, r.policy.LocalSmall},
			Reason:          "complex",
			ComplexityScore: score,
		}
	}
}

// String renders a Decision for the structured logs.
func (d Decision) String() string {
	return fmt.Sprintf("order=%v reason=%s score=%.3f", d.EngineOrder, d.Reason, d.ComplexityScore)
}
