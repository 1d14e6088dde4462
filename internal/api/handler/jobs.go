package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	mw "github.com/vigilsec/packwatch/internal/api/middleware"
	"github.com/vigilsec/packwatch/internal/api/response"
	"github.com/vigilsec/packwatch/internal/rules"
	"github.com/vigilsec/packwatch/internal/scheduler"
)

const maxJobBatch = 100

// JobAssigner defines the interface the handler depends on.
type JobAssigner interface {
	AssignJobs(ctx context.Context, workerID string, batch int) ([]scheduler.JobDescriptor, error)
}

// NewJobsHandler returns an http.HandlerFunc for POST /api/v1/jobs. The
// authenticated key name identifies the worker; the optional batch query
// parameter sets how many jobs to claim at once.
func NewJobsHandler(svc JobAssigner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		workerID, ok := mw.GetSubject(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing authenticated subject", nil)
			return
		}

		batch := 1
		if raw := r.URL.Query().Get("batch"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
					"batch must be a positive integer", nil)
				return
			}
			batch = n
		}
		if batch > maxJobBatch {
			batch = maxJobBatch
		}

		jobs, err := svc.AssignJobs(r.Context(), workerID, batch)
		if err != nil {
			if errors.Is(err, rules.ErrNoSnapshot) {
				response.Error(w, http.StatusServiceUnavailable, "RULES_UNAVAILABLE",
					"No rule set has been fetched yet; jobs cannot be assigned", nil)
				return
			}
			writeScanError(w, err)
			return
		}

		// An empty queue is a normal answer, not an error. Workers poll again.
		response.JSON(w, jobs)
	}
}
