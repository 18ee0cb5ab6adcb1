// Package classify scores inbound prompts for routing. The score is a
// deterministic, rule-based heuristic in [0,1]; it only hints at which
// engine order the router should prefer and never selects an engine
// itself.
package classify

import (
	"strings"

	"github.com/tiktoken-go/tokenizer"
)

// Weights controls how much each signal contributes to the score. All
// values come from configuration; nothing here is baked into control
// flow.
type Weights struct {
	Length      float64 `koanf:"length"`
	Tokens      float64 `koanf:"tokens"`
	Academic    float64 `koanf:"academic"`
	MultiPart   float64 `koanf:"multi_part"`
	Conditional float64 `koanf:"conditional"`
	Coding      float64 `koanf:"coding"`
}

// DefaultWeights returns the stock weight table.
func DefaultWeights() Weights {
	return Weights{
		Length:      0.25,
		Tokens:      0.15,
		Academic:    0.20,
		MultiPart:   0.15,
		Conditional: 0.10,
		Coding:      0.25,
	}
}

// Normalization references: a prompt at or beyond these values saturates
// the corresponding signal.
const (
	fullLengthChars = 300
	fullTokenCount  = 200
)

var defaultAcademicKeywords = []string{
	"algorithm", "theorem", "hypothesis", "derivative", "integral",
	"quantum", "analysis", "proof", "complexity", "optimization",
	"architecture", "distributed", "statistical",
}

var defaultCodingKeywords = []string{
	"algorithm", "implement", "function", "code", "debug", "compile",
	"refactor", "regex", "sql", "api", "script", "recursion",
}

var defaultConditionalMarkers = []string{
	"if ", "when ", "unless ", "in case ", "assuming ",
}

// Classifier scores prompt text. Safe for concurrent use; the tokenizer
// codec and keyword sets are read-only after construction.
type Classifier struct {
	weights          Weights
	academicKeywords []string
	codingKeywords   []string
	codec            tokenizer.Codec
}

// Option customizes a Classifier.
type Option func(*Classifier)

// WithAcademicKeywords replaces the academic keyword set.
func WithAcademicKeywords(words []string) Option {
	return func(c *Classifier) {
		if len(words) > 0 {
			c.academicKeywords = words
		}
	}
}

// WithCodingKeywords replaces the coding keyword set.
func WithCodingKeywords(words []string) Option {
	return func(c *Classifier) {
		if len(words) > 0 {
			c.codingKeywords = words
		}
	}
}

// New creates a Classifier with the given weight table.
func New(weights Weights, opts ...Option) *Classifier {
	c := &Classifier{
		weights:          weights,
		academicKeywords: defaultAcademicKeywords,
		codingKeywords:   defaultCodingKeywords,
	}
	for _, opt := range opts {
		opt(c)
	}
	// cl100k_base ships with the binary; Get only fails for unknown
	// encodings. A nil codec falls back to the character-length signal.
	if codec, err := tokenizer.Get(tokenizer.Cl100kBase); err == nil {
		c.codec = codec
	}
	return c
}

// Score returns the complexity of promptText in [0,1]. Deterministic
// given the same input and weight table.
func (c *Classifier) Score(promptText string) float64 {
	lower := strings.ToLower(promptText)

	score := c.weights.Length * ratio(len(promptText), fullLengthChars)
	score += c.weights.Tokens * ratio(c.countTokens(promptText), fullTokenCount)
	score += keywordSignal(lower, c.academicKeywords, c.weights.Academic)
	score += keywordSignal(lower, c.codingKeywords, c.weights.Coding)

	if strings.Count(promptText, "?") >= 2 {
		score += c.weights.MultiPart
	}
	if containsAny(lower, defaultConditionalMarkers) {
		score += c.weights.Conditional
	}

	if score > 1 {
		score = 1
	}
	return score
}

func (c *Classifier) countTokens(text string) int {
	if c.codec == nil {
		return len(strings.Fields(text))
	}
	ids, _, err := c.codec.Encode(text)
	if err != nil {
		return len(strings.Fields(text))
	}
	return len(ids)
}

// keywordSignal contributes half the weight per distinct hit, saturating
// at the full weight with two or more hits.
func keywordSignal(lower string, keywords []string, weight float64) float64 {
	hits := 0
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			hits++
			if hits >= 2 {
				return weight
			}
		}
	}
	return weight / 2 * float64(hits)
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

func ratio(n, full int) float64 {
	if n >= full {
		return 1
	}
	return float64(n) / float64(full)
}
