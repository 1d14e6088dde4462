package handler

import (
	"errors"
	"net/http"

	"github.com/vigilsec/packwatch/internal/api/response"
	"github.com/vigilsec/packwatch/internal/lifecycle"
	"github.com/vigilsec/packwatch/internal/pypi"
	"github.com/vigilsec/packwatch/internal/report"
	"github.com/vigilsec/packwatch/internal/store"
)

// writeScanError maps the store, lifecycle, and report error taxonomy onto
// HTTP responses. Every handler funnels service errors through here so each
// condition has exactly one status and code.
func writeScanError(w http.ResponseWriter, err error) {
	var missing *report.MissingFieldError
	var invalid *lifecycle.InvalidTransitionError

	switch {
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "SCAN_NOT_FOUND",
			"No scan exists for the given package release", nil)
	case errors.Is(err, pypi.ErrReleaseNotFound):
		response.Error(w, http.StatusNotFound, "RELEASE_NOT_FOUND",
			"The package release does not exist on the index", nil)
	case errors.Is(err, store.ErrAlreadyExists):
		response.Error(w, http.StatusConflict, "SCAN_ALREADY_EXISTS",
			"A scan already exists for the given package release", nil)
	case errors.Is(err, store.ErrAlreadyReported):
		response.Error(w, http.StatusConflict, "SCAN_ALREADY_REPORTED",
			"The scan has already been reported", nil)
	case errors.As(err, &invalid):
		response.Error(w, http.StatusConflict, "INVALID_SCAN_STATE",
			"The scan is not in a state that allows this operation",
			map[string]string{"from": invalid.From, "to": invalid.To})
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		response.Error(w, http.StatusConflict, "INVALID_SCAN_STATE",
			"The scan is not in a state that allows this operation", nil)
	case errors.As(err, &missing):
		response.Error(w, http.StatusBadRequest, "MISSING_FIELD",
			"A required report field is missing and cannot be derived",
			map[string]string{"field": missing.Field})
	case errors.Is(err, store.ErrUnavailable), errors.Is(err, pypi.ErrIndexUnavailable):
		response.Error(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE",
			"A backing service is temporarily unavailable", nil)
	default:
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}
