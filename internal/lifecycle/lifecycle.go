// Package lifecycle defines the scan record state machine. The store enforces
// these rules inside its transactions; keeping the transition table here makes
// the rules testable without a database.
package lifecycle

import (
	"errors"
	"fmt"
	"time"

	"github.com/vigilsec/packwatch/pkg/models"
)

// ErrInvalidTransition is wrapped by every InvalidTransitionError so callers
// can errors.Is against a single sentinel.
var ErrInvalidTransition = errors.New("invalid scan transition")

// InvalidTransitionError carries the rejected transition for error responses.
type InvalidTransitionError struct {
	From string
	To   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid scan transition: %s -> %s", e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// validTransitions mirrors the lifecycle: queued records get assigned,
// pending records get reassigned after a timeout or finished by a worker.
// Nothing ever moves backwards; reclamation is pending -> pending.
var validTransitions = map[string][]string{
	models.ScanStatusQueued:  {models.ScanStatusPending},
	models.ScanStatusPending: {models.ScanStatusPending, models.ScanStatusFinished},
}

// Validate reports whether a record may move from one status to another.
func Validate(from, to string) error {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return &InvalidTransitionError{From: from, To: to}
}

// CanAssign reports whether a record is eligible for (re)assignment at the
// given instant: either queued, or pending with a stale assignment older than
// the job timeout.
func CanAssign(rec *models.ScanRecord, now time.Time, jobTimeout time.Duration) bool {
	switch rec.Status {
	case models.ScanStatusQueued:
		return true
	case models.ScanStatusPending:
		return rec.PendingAt != nil && rec.PendingAt.Before(now.Add(-jobTimeout))
	default:
		return false
	}
}

// ValidateComplete checks the precondition for recording scan results.
// Only a pending record may be finished.
func ValidateComplete(rec *models.ScanRecord) error {
	return Validate(rec.Status, models.ScanStatusFinished)
}

// ValidateReport checks the precondition for marking a record reported:
// the scan must be finished and not reported before. Double reports are a
// distinct condition so the API can answer 409 with a dedicated code.
func ValidateReport(rec *models.ScanRecord) error {
	if rec.Status != models.ScanStatusFinished {
		return &InvalidTransitionError{From: rec.Status, To: "reported"}
	}
	if rec.Reported() {
		return ErrAlreadyReported
	}
	return nil
}

// ErrAlreadyReported signals a second report attempt on an already reported
// record.
var ErrAlreadyReported = errors.New("scan already reported")
