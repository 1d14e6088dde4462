package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"

	"github.com/vigilsec/packwatch/internal/api/response"
	"github.com/vigilsec/packwatch/internal/rules"
)

// SnapshotSource yields the rule set currently in effect.
type SnapshotSource interface {
	Snapshot() (rules.Snapshot, error)
}

// RuleRefresher re-fetches the rule set from its upstream repository.
type RuleRefresher interface {
	Refresh(ctx context.Context) (rules.Snapshot, error)
}

// RuleRegistry records rule names in the store.
type RuleRegistry interface {
	UpsertRules(ctx context.Context, names []string) error
}

type rulesResponse struct {
	Commit string            `json:"hash"`
	Rules  map[string]string `json:"rules"`
}

// NewGetRulesHandler returns an http.HandlerFunc for GET /api/v1/rules.
// Workers call this to pull the rule set matching a job's commit fingerprint.
func NewGetRulesHandler(src SnapshotSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := src.Snapshot()
		if err != nil {
			if errors.Is(err, rules.ErrNoSnapshot) {
				response.Error(w, http.StatusServiceUnavailable, "RULES_UNAVAILABLE",
					"No rule set has been fetched yet", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}

		response.JSON(w, rulesResponse{Commit: snap.Commit, Rules: snap.Rules})
	}
}

// NewRefreshRulesHandler returns an http.HandlerFunc for POST /api/v1/rules/refresh.
// Admin-only: re-fetches the rule repository and registers the rule names.
func NewRefreshRulesHandler(refresher RuleRefresher, registry RuleRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := refresher.Refresh(r.Context())
		if err != nil {
			slog.Error("rules refresh failed", "error", err)
			response.Error(w, http.StatusBadGateway, "RULES_FETCH_FAILED",
				"Fetching the rule repository failed", nil)
			return
		}

		names := snap.Names()
		sort.Strings(names)
		if err := registry.UpsertRules(r.Context(), names); err != nil {
			writeScanError(w, err)
			return
		}

		response.JSON(w, map[string]any{
			"hash":       snap.Commit,
			"rule_count": len(names),
		})
	}
}
