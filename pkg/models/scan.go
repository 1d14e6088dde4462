package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	ScanStatusQueued   = "queued"
	ScanStatusPending  = "pending"
	ScanStatusFinished = "finished"
)

// ScanRecord tracks one (name, version) release through its scan lifecycle.
// Records are created queued, assigned to workers as pending, and end up
// finished once a worker submits results. They are never deleted; a timed-out
// pending record is reassigned, not reset, so queued_at keeps its original
// queue priority.
type ScanRecord struct {
	ScanID     uuid.UUID  `db:"scan_id"     json:"scan_id"`
	Name       string     `db:"name"        json:"name"`
	Version    string     `db:"version"     json:"version"`
	Status     string     `db:"status"      json:"status"`
	QueuedAt   time.Time  `db:"queued_at"   json:"queued_at"`
	PendingAt  *time.Time `db:"pending_at"  json:"pending_at,omitempty"`
	PendingBy  *string    `db:"pending_by"  json:"pending_by,omitempty"`
	FinishedAt *time.Time `db:"finished_at" json:"finished_at,omitempty"`

	// Set by the worker on completion.
	InspectorURL *string `db:"inspector_url" json:"inspector_url,omitempty"`
	CommitHash   *string `db:"commit_hash"   json:"commit_hash,omitempty"`

	// Set once when the release is formally reported as malicious.
	ReportedAt *time.Time `db:"reported_at" json:"reported_at,omitempty"`
	ReportedBy *string    `db:"reported_by" json:"reported_by,omitempty"`

	DownloadURLs []string `json:"download_urls"`
	Rules        []string `json:"rules"`
}

// Reported returns whether the record has already been reported. Reporting is
// one-way: reported_at only ever goes from null to non-null.
func (s *ScanRecord) Reported() bool {
	return s.ReportedAt != nil
}
