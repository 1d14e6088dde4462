package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	mw "github.com/vigilsec/packwatch/internal/api/middleware"
	"github.com/vigilsec/packwatch/internal/api/response"
	"github.com/vigilsec/packwatch/internal/mailer"
	"github.com/vigilsec/packwatch/internal/report"
)

// ReportSubmitter defines the interface the handler depends on.
type ReportSubmitter interface {
	Submit(ctx context.Context, req report.Request, reportedBy string) (*report.Payload, error)
}

// NewReportHandler returns an http.HandlerFunc for POST /api/v1/reports.
// A validated report flags the scan record and dispatches the report email.
func NewReportHandler(svc ReportSubmitter, m mailer.Mailer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		subject, ok := mw.GetSubject(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing authenticated subject", nil)
			return
		}

		var req report.Request
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

		payload, err := svc.Submit(r.Context(), req, subject)
		if err != nil {
			writeScanError(w, err)
			return
		}

		// The record is flagged at this point. A failed email dispatch is
		// logged, not surfaced: the report stands and must not be retried
		// through this endpoint.
		if err := m.SendReport(r.Context(), mailer.ReportEmail{
			Name:                  payload.Name,
			Version:               payload.Version,
			InspectorURL:          payload.InspectorURL,
			AdditionalInformation: payload.AdditionalInformation,
			Rules:                 payload.Rules,
		}); err != nil {
			slog.Error("report email dispatch failed",
				"scan_id", payload.ScanID,
				"package_name", payload.Name,
				"package_version", payload.Version,
				"error", err,
			)
		}

		response.JSON(w, payload)
	}
}
