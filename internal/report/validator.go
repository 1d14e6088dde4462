// Package report decides whether a scan record may be reported upstream and,
// when it may, produces the report payload and permanently flags the record.
//
// Eligibility checks run in a fixed order so callers get stable error
// responses: a missing record wins over everything, a previous report wins
// over field problems, and the inspector URL is resolved before the
// additional-information requirement is considered.
package report

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/vigilsec/packwatch/internal/store"
	"github.com/vigilsec/packwatch/pkg/models"
)

// AdditionalInfoPlaceholder substitutes the free-text field when matched rules
// make the report self-explanatory.
const AdditionalInfoPlaceholder = "No additional information provided"

// MissingFieldError reports a field that could be resolved neither from the
// request nor from the scan record.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("report field %q missing and not derivable from the scan record", e.Field)
}

// Request is a report submission as received from a client. Pointer fields
// distinguish omitted from empty.
type Request struct {
	Name                  string  `json:"name"`
	Version               string  `json:"version"`
	InspectorURL          *string `json:"inspector_url"`
	AdditionalInformation *string `json:"additional_information"`
}

// Payload is the validated report, ready for dispatch.
type Payload struct {
	ScanID                uuid.UUID `json:"scan_id"`
	Name                  string    `json:"name"`
	Version               string    `json:"version"`
	InspectorURL          string    `json:"inspector_url"`
	AdditionalInformation string    `json:"additional_information"`
	Rules                 []string  `json:"rules_matched"`
}

// Store is the slice of the record store the validator needs.
type Store interface {
	GetScan(ctx context.Context, name, version string) (*models.ScanRecord, error)
	MarkReported(ctx context.Context, scanID uuid.UUID, reportedBy string) error
}

type Validator struct {
	store  Store
	logger *slog.Logger
}

func NewValidator(st Store, logger *slog.Logger) *Validator {
	return &Validator{store: st, logger: logger}
}

// Submit validates the report request against the scan record, marks the
// record reported, and returns the payload. Errors map onto the store and
// lifecycle sentinels: store.ErrNotFound for an unknown release,
// store.ErrAlreadyReported for a repeat report, lifecycle.ErrInvalidTransition
// for a scan that has not finished, and *MissingFieldError for an
// unresolvable field.
func (v *Validator) Submit(ctx context.Context, req Request, reportedBy string) (*Payload, error) {
	rec, err := v.store.GetScan(ctx, req.Name, req.Version)
	if err != nil {
		return nil, err
	}

	if rec.Reported() {
		return nil, store.ErrAlreadyReported
	}

	inspectorURL, err := resolveInspectorURL(req, rec)
	if err != nil {
		return nil, err
	}

	additionalInfo, err := resolveAdditionalInformation(req, rec)
	if err != nil {
		return nil, err
	}

	if err := v.store.MarkReported(ctx, rec.ScanID, reportedBy); err != nil {
		return nil, err
	}

	v.logger.Info("scan reported",
		"scan_id", rec.ScanID,
		"package_name", rec.Name,
		"package_version", rec.Version,
		"reported_by", reportedBy,
	)

	return &Payload{
		ScanID:                rec.ScanID,
		Name:                  rec.Name,
		Version:               rec.Version,
		InspectorURL:          inspectorURL,
		AdditionalInformation: additionalInfo,
		Rules:                 rec.Rules,
	}, nil
}

// resolveInspectorURL prefers the caller's override, falls back to the URL the
// scan recorded, and fails when neither exists.
func resolveInspectorURL(req Request, rec *models.ScanRecord) (string, error) {
	if req.InspectorURL != nil && *req.InspectorURL != "" {
		return *req.InspectorURL, nil
	}
	if rec.InspectorURL != nil && *rec.InspectorURL != "" {
		return *rec.InspectorURL, nil
	}
	return "", &MissingFieldError{Field: "inspector_url"}
}

// resolveAdditionalInformation requires free text when the scan matched no
// rules; with matched rules the placeholder suffices.
func resolveAdditionalInformation(req Request, rec *models.ScanRecord) (string, error) {
	if req.AdditionalInformation != nil && *req.AdditionalInformation != "" {
		return *req.AdditionalInformation, nil
	}
	if len(rec.Rules) == 0 {
		return "", &MissingFieldError{Field: "additional_information"}
	}
	return AdditionalInfoPlaceholder, nil
}
