package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/vigilsec/packwatch/pkg/models"
)

var (
	// ErrNotFound means no record exists for the requested key.
	ErrNotFound = errors.New("resource not found")
	// ErrAlreadyExists means a scan record already exists for the name+version
	// natural key. The losing side of a concurrent enqueue race gets this.
	ErrAlreadyExists = errors.New("scan already exists")
	// ErrAlreadyReported means reported_at is already set; reporting is one-way.
	ErrAlreadyReported = errors.New("scan already reported")
	// ErrUnavailable classifies transient connectivity failures. Callers may
	// retry; the store itself never does.
	ErrUnavailable = errors.New("store unavailable")
)

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	// Scan lifecycle. EnqueueScan creates a queued record; AssignScans is the
	// single atomic claim operation used by the job scheduler; CompleteScan
	// records worker results; MarkReported flags a finished scan as reported.
	EnqueueScan(ctx context.Context, name, version string, downloadURLs []string) (*models.ScanRecord, error)
	AssignScans(ctx context.Context, workerID string, batch int, jobTimeout time.Duration) ([]*models.ScanRecord, error)
	CompleteScan(ctx context.Context, params CompleteScanParams) (*models.ScanRecord, error)
	MarkReported(ctx context.Context, scanID uuid.UUID, reportedBy string) error

	GetScan(ctx context.Context, name, version string) (*models.ScanRecord, error)
	ListScans(ctx context.Context, filter ScanFilter) ([]*models.ScanRecord, int, error)

	// Rule registry. Names are upserted as workers report matches.
	UpsertRules(ctx context.Context, names []string) error
	ListRules(ctx context.Context) ([]string, error)

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error
}

// CompleteScanParams carries a worker's scan result submission.
type CompleteScanParams struct {
	Name         string
	Version      string
	CommitHash   string
	InspectorURL *string
	Rules        []string
}

// ScanFilter narrows ListScans. Zero values mean "no filter".
type ScanFilter struct {
	Name    string
	Version string
	Since   time.Time
	Page    int
	Limit   int
}
