package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/vigilsec/packwatch/internal/api/response"
	"github.com/vigilsec/packwatch/internal/store"
	"github.com/vigilsec/packwatch/pkg/models"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// PackageEnqueuer defines the interface the enqueue handler depends on.
type PackageEnqueuer interface {
	Enqueue(ctx context.Context, name, version string) (*models.ScanRecord, error)
}

// ResultRecorder defines the interface the result handler depends on.
type ResultRecorder interface {
	SubmitResult(ctx context.Context, params store.CompleteScanParams) (*models.ScanRecord, error)
}

// ScanLookup defines the interface the lookup handler depends on.
type ScanLookup interface {
	Lookup(ctx context.Context, filter store.ScanFilter) ([]*models.ScanRecord, int, error)
}

// NewEnqueueHandler returns an http.HandlerFunc for POST /api/v1/packages.
func NewEnqueueHandler(svc PackageEnqueuer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.Name == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "name is required", nil)
			return
		}
		if req.Version == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "version is required", nil)
			return
		}

		rec, err := svc.Enqueue(r.Context(), req.Name, req.Version)
		if err != nil {
			writeScanError(w, err)
			return
		}

		response.Created(w, rec)
	}
}

// NewResultHandler returns an http.HandlerFunc for PUT /api/v1/packages/result.
// Workers submit their verdict here once a scan completes.
func NewResultHandler(svc ResultRecorder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name         string   `json:"name"`
			Version      string   `json:"version"`
			CommitHash   string   `json:"commit_hash"`
			InspectorURL *string  `json:"inspector_url"`
			RulesMatched []string `json:"rules_matched"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.Name == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "name is required", nil)
			return
		}
		if req.Version == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "version is required", nil)
			return
		}
		if req.CommitHash == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "commit_hash is required", nil)
			return
		}

		rec, err := svc.SubmitResult(r.Context(), store.CompleteScanParams{
			Name:         req.Name,
			Version:      req.Version,
			CommitHash:   req.CommitHash,
			InspectorURL: req.InspectorURL,
			Rules:        req.RulesMatched,
		})
		if err != nil {
			writeScanError(w, err)
			return
		}

		response.JSON(w, rec)
	}
}

// NewLookupHandler returns an http.HandlerFunc for GET /api/v1/packages.
// Queries filter by name, name+version, or modification time.
func NewLookupHandler(svc ScanLookup) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		filter := store.ScanFilter{
			Name:    q.Get("name"),
			Version: q.Get("version"),
			Page:    1,
			Limit:   defaultPageLimit,
		}

		if filter.Version != "" && filter.Name == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"version requires name", nil)
			return
		}

		if raw := q.Get("since"); raw != "" {
			secs, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || secs < 0 {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
					"since must be a unix timestamp", nil)
				return
			}
			filter.Since = time.Unix(secs, 0).UTC()
		}

		if filter.Name == "" && filter.Since.IsZero() {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"at least one of name or since is required", nil)
			return
		}

		if raw := q.Get("page"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
					"page must be a positive integer", nil)
				return
			}
			filter.Page = n
		}
		if raw := q.Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
					"limit must be a positive integer", nil)
				return
			}
			if n > maxPageLimit {
				n = maxPageLimit
			}
			filter.Limit = n
		}

		recs, total, err := svc.Lookup(r.Context(), filter)
		if err != nil {
			writeScanError(w, err)
			return
		}
		if recs == nil {
			recs = []*models.ScanRecord{}
		}

		response.Collection(w, recs, response.PaginationMeta{
			Page:    filter.Page,
			Limit:   filter.Limit,
			Total:   total,
			HasNext: filter.Page*filter.Limit < total,
		})
	}
}
