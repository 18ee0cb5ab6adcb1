package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tanvu/inferbridge/internal/domain"
)

// WriteJSON writes v with the given status. Encoding failures are
// swallowed; the status line is already on the wire by then.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// WriteError translates err into the client-facing error shape. Clients
// always receive well-formed JSON with a status field; anything that is
// not an APIError collapses to a generic 500.
func WriteError(w http.ResponseWriter, err error) {
	var apiErr *domain.APIError
	if !errors.As(err, &apiErr) {
		apiErr = domain.ErrServer("internal error")
	}
	WriteJSON(w, apiErr.HTTPStatusCode(), domain.ErrorResponse{
		Error:  apiErr.Message,
		Status: "error",
	})
}
