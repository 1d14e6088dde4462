// Package scheduler hands scan jobs out to workers. Claiming is delegated to
// the store, which atomically flips eligible records to pending; the scheduler
// shapes the claimed records into job descriptors stamped with the rule-set
// commit the worker should scan with.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/vigilsec/packwatch/internal/rules"
	"github.com/vigilsec/packwatch/pkg/models"
)

// JobDescriptor is everything a worker needs to scan one release.
type JobDescriptor struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	DownloadURLs []string `json:"distributions"`
	RulesCommit  string   `json:"hash"`
}

// Store claims scan records for a worker.
type Store interface {
	AssignScans(ctx context.Context, workerID string, batch int, jobTimeout time.Duration) ([]*models.ScanRecord, error)
}

// SnapshotSource yields the rule set currently in effect.
type SnapshotSource interface {
	Snapshot() (rules.Snapshot, error)
}

type Scheduler struct {
	store      Store
	rules      SnapshotSource
	jobTimeout time.Duration
	logger     *slog.Logger
}

func New(st Store, src SnapshotSource, jobTimeout time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{store: st, rules: src, jobTimeout: jobTimeout, logger: logger}
}

// AssignJobs claims up to batch records for the worker and returns their job
// descriptors. Requires a fetched rule set; without one no job is handed out,
// since the worker could not produce an attributable result.
func (s *Scheduler) AssignJobs(ctx context.Context, workerID string, batch int) ([]JobDescriptor, error) {
	if batch < 1 {
		batch = 1
	}

	snap, err := s.rules.Snapshot()
	if err != nil {
		return nil, err
	}

	recs, err := s.store.AssignScans(ctx, workerID, batch, s.jobTimeout)
	if err != nil {
		return nil, err
	}

	jobs := make([]JobDescriptor, 0, len(recs))
	for _, rec := range recs {
		jobs = append(jobs, JobDescriptor{
			Name:         rec.Name,
			Version:      rec.Version,
			DownloadURLs: rec.DownloadURLs,
			RulesCommit:  snap.Commit,
		})
		s.logger.Info("job assigned",
			"scan_id", rec.ScanID,
			"package_name", rec.Name,
			"package_version", rec.Version,
			"worker", workerID,
			"rules_commit", snap.Commit,
		)
	}
	return jobs, nil
}
