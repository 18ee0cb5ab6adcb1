package domain

// Header names used on the public surface and across the private transport.
const (
	// HeaderTimestamp carries milliseconds since epoch as a decimal string.
	HeaderTimestamp = "X-Timestamp"

	// HeaderSignature carries the hex HMAC-SHA256 over the timestamp,
	// the engine override, and the raw body, newline-delimited.
	HeaderSignature = "X-Signature"

	HeaderUserID   = "X-User-ID"
	HeaderUserLang = "X-User-Lang"

	// HeaderEngineOverride forces a specific engine, bypassing the
	// complexity classifier. The edge sets it from operator config and
	// never from the inbound request, and the envelope signature covers
	// it, so clients cannot choose their engine.
	HeaderEngineOverride = "X-Engine-Override"
)

// ChatRequest is the client-facing request body for /chat and /send-message.
type ChatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

// ChatResponse is the success shape returned to clients.
type ChatResponse struct {
	Model     string `json:"model"`
	Response  string `json:"response"`
	Timestamp string `json:"timestamp"`
	Engine    string `json:"engine"`
	Status    string `json:"status"`
}

// ErrorResponse is the error shape returned to clients. Every failure
// path produces this; backend stack traces never reach the client.
type ErrorResponse struct {
	Error  string `json:"error"`
	Status string `json:"status"`
}
