// Package httputil centralizes JSON response writing so every handler emits
// the same envelopes.
package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jbstanley2004/openphone-notion-live-sub000/pkg/domainerr"
)

// WriteJSON writes v as a JSON body with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError translates a domain error into the shared JSON error envelope.
// Unclassified errors are reported as internal without leaking details.
func WriteError(w http.ResponseWriter, err error) {
	code := domainerr.CodeOf(err)
	body := map[string]string{"error": string(code)}
	var de *domainerr.Error
	if errors.As(err, &de) && de.Code != domainerr.CodeInternal {
		body["error_description"] = de.Message
	}
	WriteJSON(w, domainerr.ToHTTPStatus(code), body)
}
