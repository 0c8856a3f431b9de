// Package httpapi is the thin HTTP shell over internal/registry,
// internal/mirror, and internal/auth: it decodes requests, calls the
// services, and renders domain.Error kinds onto the status codes and
// envelope spec'd in spec.md §7. It never re-interprets an error kind.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/git-pkgs/registry-server/internal/domain"
)

// errorResponse is the {"errors":[{"detail":"…"}]} envelope.
type errorResponse struct {
	Errors []errorDetail `json:"errors"`
}

type errorDetail struct {
	Detail string `json:"detail"`
}

// statusFor maps a domain.Kind onto an HTTP status code per the
// propagation table.
func statusFor(kind domain.Kind) int {
	switch kind {
	case domain.KindUnauthorized:
		return http.StatusUnauthorized
	case domain.KindForbidden:
		return http.StatusForbidden
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindAlreadyExists, domain.KindDuplicateVersion, domain.KindLowerVersion, domain.KindLastOwner:
		return http.StatusConflict
	case domain.KindInvalidMetadata, domain.KindBadRequest:
		return http.StatusBadRequest
	case domain.KindChecksumMismatch:
		return http.StatusUnprocessableEntity
	case domain.KindIndexBusy:
		return http.StatusServiceUnavailable
	case domain.KindUpstreamError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err as the error envelope, choosing its status code
// from the error's domain.Kind (KindInternal for anything that isn't a
// *domain.Error). IndexBusy responses carry a Retry-After header.
func writeError(w http.ResponseWriter, err error) {
	kind := domain.KindOf(err)
	status := statusFor(kind)

	if kind == domain.KindIndexBusy {
		w.Header().Set("Retry-After", "5")
	}

	writeJSON(w, status, errorResponse{Errors: []errorDetail{{Detail: err.Error()}}})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
