// Package envelope signs and verifies forwarded requests with a shared
// symmetric secret. The signature covers the raw body bytes, not a
// re-serialized form, so edge and gateway never disagree on
// canonicalization, plus the routing override so a caller cannot
// rewrite it in flight.
package envelope

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/tanvu/inferbridge/internal/domain"
)

// DefaultMaxAge is the freshness window for signed timestamps.
const DefaultMaxAge = 5 * time.Minute

// clockSkewTolerance allows the edge clock to run slightly ahead of the
// gateway clock without rejecting legitimate traffic.
const clockSkewTolerance = 30 * time.Second

// Signer produces and verifies HMAC-SHA256 envelopes. The secret is
// loaded once at startup and never mutated, so a Signer is safe for
// concurrent use.
type Signer struct {
	secret []byte
	maxAge time.Duration

	now func() time.Time
}

// New creates a Signer. An empty secret yields a disabled Signer:
// Sign returns empty values and Verify accepts everything. Callers must
// treat that mode as a hard security warning, not a normal deployment.
func New(secret string, maxAge time.Duration) *Signer {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Signer{
		secret: []byte(secret),
		maxAge: maxAge,
		now:    time.Now,
	}
}

// Enabled reports whether a shared secret is configured.
func (s *Signer) Enabled() bool {
	return len(s.secret) > 0
}

// Sign returns the millisecond timestamp and hex signature binding
// body and the routing override together.
// signature = HMAC-SHA256(secret, timestampMillis NL override NL body).
func (s *Signer) Sign(body []byte, override string) (timestamp, signature string) {
	if !s.Enabled() {
		return "", ""
	}
	timestamp = strconv.FormatInt(s.now().UnixMilli(), 10)
	return timestamp, s.compute(timestamp, override, body)
}

// Verify checks a received envelope and fails closed: a missing or
// unparseable timestamp, a stale or future timestamp, or a signature
// mismatch all reject the request. Verification is a pure check; it is
// never retried.
func (s *Signer) Verify(timestamp, signature, override string, body []byte) error {
	if !s.Enabled() {
		return nil
	}
	if timestamp == "" || signature == "" {
		return domain.ErrAuthentication("missing request signature")
	}

	millis, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return domain.ErrAuthentication("malformed timestamp")
	}

	age := s.now().Sub(time.UnixMilli(millis))
	if age > s.maxAge {
		return domain.ErrAuthentication("signature expired")
	}
	if age < -clockSkewTolerance {
		return domain.ErrAuthentication("timestamp is in the future")
	}

	expected := s.compute(timestamp, override, body)
	// hmac.Equal is constant-time.
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return domain.ErrAuthentication("signature mismatch")
	}
	return nil
}

// compute delimits fields with newlines, which cannot appear in the
// timestamp or a header value, so field boundaries are unambiguous.
func (s *Signer) compute(timestamp, override string, body []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("\n"))
	mac.Write([]byte(override))
	mac.Write([]byte("\n"))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
