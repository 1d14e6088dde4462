// Package scans orchestrates the scan record lifecycle around the store:
// enqueueing new releases, recording worker results, and serving lookups.
package scans

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vigilsec/packwatch/internal/pypi"
	"github.com/vigilsec/packwatch/internal/store"
	"github.com/vigilsec/packwatch/pkg/models"
)

// Store is the slice of the record store the service needs.
type Store interface {
	EnqueueScan(ctx context.Context, name, version string, downloadURLs []string) (*models.ScanRecord, error)
	CompleteScan(ctx context.Context, params store.CompleteScanParams) (*models.ScanRecord, error)
	ListScans(ctx context.Context, filter store.ScanFilter) ([]*models.ScanRecord, int, error)
}

type Service struct {
	store  Store
	index  pypi.Client
	logger *slog.Logger
}

func NewService(st Store, index pypi.Client, logger *slog.Logger) *Service {
	return &Service{store: st, index: index, logger: logger}
}

// Enqueue resolves the release against the package index and creates a queued
// scan record for it. A release unknown to the index is rejected before
// anything is written.
func (s *Service) Enqueue(ctx context.Context, name, version string) (*models.ScanRecord, error) {
	urls, err := s.index.ReleaseURLs(ctx, name, version)
	if err != nil {
		return nil, fmt.Errorf("resolving release %s %s: %w", name, version, err)
	}

	rec, err := s.store.EnqueueScan(ctx, name, version, urls)
	if err != nil {
		return nil, err
	}

	s.logger.Info("scan enqueued",
		"scan_id", rec.ScanID,
		"package_name", rec.Name,
		"package_version", rec.Version,
		"download_urls", len(rec.DownloadURLs),
	)
	return rec, nil
}

// SubmitResult records a worker's verdict for an in-flight scan.
func (s *Service) SubmitResult(ctx context.Context, params store.CompleteScanParams) (*models.ScanRecord, error) {
	rec, err := s.store.CompleteScan(ctx, params)
	if err != nil {
		return nil, err
	}

	s.logger.Info("scan finished",
		"scan_id", rec.ScanID,
		"package_name", rec.Name,
		"package_version", rec.Version,
		"rules_matched", len(rec.Rules),
	)
	return rec, nil
}

// Lookup returns scan records matching the filter plus the total match count.
func (s *Service) Lookup(ctx context.Context, filter store.ScanFilter) ([]*models.ScanRecord, int, error) {
	return s.store.ListScans(ctx, filter)
}
