package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vigilsec/packwatch/internal/lifecycle"
	"github.com/vigilsec/packwatch/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

var scanColumnList = []string{
	"scan_id", "name", "version", "status", "queued_at", "pending_at", "pending_by",
	"finished_at", "inspector_url", "commit_hash", "reported_at", "reported_by",
}

var scanColumns = strings.Join(scanColumnList, ", ")

func scanRow(row pgx.Row) (*models.ScanRecord, error) {
	var r models.ScanRecord
	err := row.Scan(&r.ScanID, &r.Name, &r.Version, &r.Status, &r.QueuedAt,
		&r.PendingAt, &r.PendingBy, &r.FinishedAt, &r.InspectorURL,
		&r.CommitHash, &r.ReportedAt, &r.ReportedBy)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// --- Scan lifecycle ---

// EnqueueScan creates a queued record for a release. The UNIQUE constraint on
// (name, version) is the authority for duplicate detection, so concurrent
// enqueues of the same release resolve to exactly one winner.
func (s *PostgresStore) EnqueueScan(ctx context.Context, name, version string, downloadURLs []string) (*models.ScanRecord, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, wrapErr("begin enqueue scan", err)
	}
	defer tx.Rollback(ctx)

	rec, err := scanRow(tx.QueryRow(ctx,
		`INSERT INTO scans (name, version) VALUES ($1, $2) RETURNING `+scanColumns,
		name, version))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAlreadyExists
		}
		return nil, wrapErr("enqueue scan", err)
	}

	for i, u := range downloadURLs {
		if _, err := tx.Exec(ctx,
			`INSERT INTO download_urls (scan_id, position, url) VALUES ($1, $2, $3)`,
			rec.ScanID, i, u); err != nil {
			return nil, wrapErr("insert download url", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, wrapErr("commit enqueue scan", err)
	}

	rec.DownloadURLs = downloadURLs
	return rec, nil
}

// AssignScans atomically claims up to batch eligible records for a worker.
// Eligible means queued, or pending with an assignment older than jobTimeout.
// Timed-out records are claimed first (oldest pending_at leading), then queued
// records by queued_at; scan_id breaks ties deterministically. The ordering is
// an explicit composite key rather than a NULLS FIRST default so it survives a
// change of storage backend. FOR UPDATE SKIP LOCKED keeps concurrent callers
// off each other's rows, so no record is ever handed to two workers.
func (s *PostgresStore) AssignScans(ctx context.Context, workerID string, batch int, jobTimeout time.Duration) ([]*models.ScanRecord, error) {
	if batch < 1 {
		batch = 1
	}
	now := time.Now().UTC()
	cutoff := now.Add(-jobTimeout)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, wrapErr("begin assign scans", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT `+scanColumns+`
		FROM scans
		WHERE status = 'queued'
		   OR (status = 'pending' AND pending_at < $1)
		ORDER BY (status = 'pending') DESC,
		         CASE WHEN status = 'pending' THEN pending_at ELSE queued_at END ASC,
		         scan_id ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED`,
		cutoff, batch)
	if err != nil {
		return nil, wrapErr("select eligible scans", err)
	}

	var selected []*models.ScanRecord
	for rows.Next() {
		rec, err := scanRow(rows)
		if err != nil {
			rows.Close()
			return nil, wrapErr("scan eligible row", err)
		}
		selected = append(selected, rec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, wrapErr("iterate eligible scans", err)
	}

	if len(selected) == 0 {
		// A drained queue is a valid empty batch, not an error.
		return nil, tx.Commit(ctx)
	}

	ids := make([]uuid.UUID, len(selected))
	for i, rec := range selected {
		ids[i] = rec.ScanID
	}

	if _, err := tx.Exec(ctx,
		`UPDATE scans SET status = 'pending', pending_at = $1, pending_by = $2
		 WHERE scan_id = ANY($3)`,
		now, workerID, ids); err != nil {
		return nil, wrapErr("mark scans pending", err)
	}

	urls, err := downloadURLsFor(ctx, tx, ids)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, wrapErr("commit assign scans", err)
	}

	for _, rec := range selected {
		at := now
		by := workerID
		rec.Status = models.ScanStatusPending
		rec.PendingAt = &at
		rec.PendingBy = &by
		rec.DownloadURLs = urls[rec.ScanID]
	}
	return selected, nil
}

// CompleteScan records a worker's result for a pending scan: finished status,
// finish time, inspector URL, rule-set commit, and the matched rule names.
// Matched rule names are upserted into the rules registry so the foreign key
// on scan_rules always resolves.
func (s *PostgresStore) CompleteScan(ctx context.Context, params CompleteScanParams) (*models.ScanRecord, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, wrapErr("begin complete scan", err)
	}
	defer tx.Rollback(ctx)

	rec, err := scanRow(tx.QueryRow(ctx,
		`SELECT `+scanColumns+` FROM scans WHERE name = $1 AND version = $2 FOR UPDATE`,
		params.Name, params.Version))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapErr("get scan for completion", err)
	}

	if err := lifecycle.ValidateComplete(rec); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx,
		`UPDATE scans SET status = 'finished', finished_at = $1, inspector_url = $2, commit_hash = $3
		 WHERE scan_id = $4`,
		now, params.InspectorURL, params.CommitHash, rec.ScanID); err != nil {
		return nil, wrapErr("finish scan", err)
	}

	for _, name := range params.Rules {
		if _, err := tx.Exec(ctx,
			`INSERT INTO rules (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, name); err != nil {
			return nil, wrapErr("upsert rule", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO scan_rules (scan_id, rule_name) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			rec.ScanID, name); err != nil {
			return nil, wrapErr("record matched rule", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, wrapErr("commit complete scan", err)
	}

	rec.Status = models.ScanStatusFinished
	rec.FinishedAt = &now
	rec.InspectorURL = params.InspectorURL
	commit := params.CommitHash
	rec.CommitHash = &commit
	rec.Rules = params.Rules
	return rec, nil
}

// MarkReported sets reported_at exactly once on a finished scan. The row lock
// makes concurrent double reports lose deterministically.
func (s *PostgresStore) MarkReported(ctx context.Context, scanID uuid.UUID, reportedBy string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrapErr("begin mark reported", err)
	}
	defer tx.Rollback(ctx)

	rec, err := scanRow(tx.QueryRow(ctx,
		`SELECT `+scanColumns+` FROM scans WHERE scan_id = $1 FOR UPDATE`, scanID))
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return wrapErr("get scan for report", err)
	}

	if err := lifecycle.ValidateReport(rec); err != nil {
		if errors.Is(err, lifecycle.ErrAlreadyReported) {
			return ErrAlreadyReported
		}
		return err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE scans SET reported_at = NOW(), reported_by = $1 WHERE scan_id = $2`,
		reportedBy, scanID); err != nil {
		return wrapErr("mark reported", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return wrapErr("commit mark reported", err)
	}
	return nil
}

// GetScan loads a record by its natural key, including download URLs and
// matched rule names.
func (s *PostgresStore) GetScan(ctx context.Context, name, version string) (*models.ScanRecord, error) {
	rec, err := scanRow(s.pool.QueryRow(ctx,
		`SELECT `+scanColumns+` FROM scans WHERE name = $1 AND version = $2`, name, version))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapErr("get scan", err)
	}

	urls, err := downloadURLsFor(ctx, s.pool, []uuid.UUID{rec.ScanID})
	if err != nil {
		return nil, err
	}
	rec.DownloadURLs = urls[rec.ScanID]

	rec.Rules, err = s.matchedRules(ctx, rec.ScanID)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListScans is the read-only lookup surface for observability. Filters are
// combined dynamically with squirrel; results are newest-queued first.
func (s *PostgresStore) ListScans(ctx context.Context, filter ScanFilter) ([]*models.ScanRecord, int, error) {
	where := sq.And{}
	if filter.Name != "" {
		where = append(where, sq.Eq{"name": filter.Name})
	}
	if filter.Version != "" {
		where = append(where, sq.Eq{"version": filter.Version})
	}
	if !filter.Since.IsZero() {
		where = append(where, sq.GtOrEq{"queued_at": filter.Since})
	}

	builder := sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

	countQuery := builder.Select("COUNT(*)").From("scans")
	if len(where) > 0 {
		countQuery = countQuery.Where(where)
	}
	countSQL, countArgs, err := countQuery.ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build count query: %w", err)
	}

	var total int
	if err := s.pool.QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, wrapErr("count scans", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * limit

	dataQuery := builder.Select(scanColumnList...).
		From("scans").
		OrderBy("queued_at DESC", "scan_id ASC").
		Limit(uint64(limit)).
		Offset(uint64(offset))
	if len(where) > 0 {
		dataQuery = dataQuery.Where(where)
	}
	dataSQL, dataArgs, err := dataQuery.ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build list query: %w", err)
	}

	rows, err := s.pool.Query(ctx, dataSQL, dataArgs...)
	if err != nil {
		return nil, 0, wrapErr("list scans", err)
	}
	defer rows.Close()

	var records []*models.ScanRecord
	for rows.Next() {
		rec, err := scanRow(rows)
		if err != nil {
			return nil, 0, wrapErr("scan list row", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, wrapErr("iterate scans", err)
	}

	for _, rec := range records {
		rec.Rules, err = s.matchedRules(ctx, rec.ScanID)
		if err != nil {
			return nil, 0, err
		}
	}
	return records, total, nil
}

func (s *PostgresStore) matchedRules(ctx context.Context, scanID uuid.UUID) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT rule_name FROM scan_rules WHERE scan_id = $1 ORDER BY rule_name`, scanID)
	if err != nil {
		return nil, wrapErr("get matched rules", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, wrapErr("scan rule name", err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func downloadURLsFor(ctx context.Context, q querier, ids []uuid.UUID) (map[uuid.UUID][]string, error) {
	rows, err := q.Query(ctx,
		`SELECT scan_id, url FROM download_urls WHERE scan_id = ANY($1) ORDER BY scan_id, position`, ids)
	if err != nil {
		return nil, wrapErr("get download urls", err)
	}
	defer rows.Close()

	urls := make(map[uuid.UUID][]string)
	for rows.Next() {
		var id uuid.UUID
		var u string
		if err := rows.Scan(&id, &u); err != nil {
			return nil, wrapErr("scan download url", err)
		}
		urls[id] = append(urls[id], u)
	}
	return urls, rows.Err()
}

// --- Rules ---

func (s *PostgresStore) UpsertRules(ctx context.Context, names []string) error {
	for _, name := range names {
		if _, err := s.pool.Exec(ctx,
			`INSERT INTO rules (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, name); err != nil {
			return wrapErr("upsert rule", err)
		}
	}
	return nil
}

func (s *PostgresStore) ListRules(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT name FROM rules ORDER BY name`)
	if err != nil {
		return nil, wrapErr("list rules", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, wrapErr("scan rule name", err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, wrapErr("get api key by prefix", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, wrapErr("scan api key", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return wrapErr("update api key last used", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return wrapErr("create api key", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE deleted_at IS NULL ORDER BY created_at DESC`)
	if err != nil {
		return nil, wrapErr("list api keys", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, wrapErr("scan api key", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return wrapErr("revoke api key", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- error classification ---

// isUniqueViolation checks if a pgx error is a unique constraint violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

// wrapErr wraps a driver error, classifying connectivity failures as
// ErrUnavailable so callers can tell a retryable outage from a bug.
func wrapErr(op string, err error) error {
	if pgconn.Timeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, ErrUnavailable)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "08") { // connection exceptions
		return fmt.Errorf("%s: %w", op, ErrUnavailable)
	}
	return fmt.Errorf("%s: %w", op, err)
}
