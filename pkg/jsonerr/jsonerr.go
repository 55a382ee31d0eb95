// Package jsonerr renders an errs.Error as a JSON HTTP response body.
//
// The core defines no HTTP handlers itself (the HTTP transport shape is a
// Non-goal), but external callers wiring a handler over these contracts
// use this helper to keep the wire shape consistent across endpoints.
package jsonerr

import (
	"encoding/json"
	"net/http"

	"github.com/127Wzc/imgtag/errs"
)

type Additional interface{}

// Response is the JSON body written for an error.
type Response struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// Additional must be json serializable or expect errors.
	Additional `json:"additional,omitempty"`
}

// Error works like http.Error but writes Response as the body. Like
// http.Error, the caller still needs a naked return in the handler.
func Error(w http.ResponseWriter, r *Response, httpcode int) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(httpcode)
	b, _ := json.Marshal(r)
	w.Write(b)
}

// StatusFor maps an errs.Kind to the conventional HTTP status code an
// external transport should surface it as.
func StatusFor(k errs.Kind) int {
	switch k {
	case errs.NotFound:
		return http.StatusNotFound
	case errs.PermissionDenied:
		return http.StatusForbidden
	case errs.Validation:
		return http.StatusBadRequest
	case errs.Conflict:
		return http.StatusConflict
	case errs.Timeout:
		return http.StatusGatewayTimeout
	case errs.UpstreamUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// FromError builds a Response from an error, using errs.KindOf to pick the
// code and the error's message as the human-readable text.
func FromError(err error) *Response {
	k := errs.KindOf(err)
	return &Response{Code: string(k), Message: err.Error()}
}
