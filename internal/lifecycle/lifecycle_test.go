package lifecycle_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vigilsec/packwatch/internal/lifecycle"
	"github.com/vigilsec/packwatch/pkg/models"
)

func TestValidate_AllowedTransitions(t *testing.T) {
	cases := []struct {
		from string
		to   string
	}{
		{models.ScanStatusQueued, models.ScanStatusPending},
		{models.ScanStatusPending, models.ScanStatusPending},
		{models.ScanStatusPending, models.ScanStatusFinished},
	}
	for _, tc := range cases {
		assert.NoError(t, lifecycle.Validate(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestValidate_RejectedTransitions(t *testing.T) {
	cases := []struct {
		from string
		to   string
	}{
		{models.ScanStatusQueued, models.ScanStatusFinished},
		{models.ScanStatusQueued, models.ScanStatusQueued},
		{models.ScanStatusPending, models.ScanStatusQueued},
		{models.ScanStatusFinished, models.ScanStatusPending},
		{models.ScanStatusFinished, models.ScanStatusFinished},
		{models.ScanStatusFinished, models.ScanStatusQueued},
	}
	for _, tc := range cases {
		err := lifecycle.Validate(tc.from, tc.to)
		require.Error(t, err, "%s -> %s", tc.from, tc.to)
		assert.ErrorIs(t, err, lifecycle.ErrInvalidTransition)

		var te *lifecycle.InvalidTransitionError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, tc.from, te.From)
		assert.Equal(t, tc.to, te.To)
	}
}

func TestCanAssign(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	timeout := 10 * time.Minute

	stale := now.Add(-11 * time.Minute)
	fresh := now.Add(-2 * time.Minute)

	cases := []struct {
		name string
		rec  models.ScanRecord
		want bool
	}{
		{"queued", models.ScanRecord{Status: models.ScanStatusQueued}, true},
		{"pending stale", models.ScanRecord{Status: models.ScanStatusPending, PendingAt: &stale}, true},
		{"pending fresh", models.ScanRecord{Status: models.ScanStatusPending, PendingAt: &fresh}, false},
		{"pending no timestamp", models.ScanRecord{Status: models.ScanStatusPending}, false},
		{"finished", models.ScanRecord{Status: models.ScanStatusFinished}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, lifecycle.CanAssign(&tc.rec, now, timeout))
		})
	}
}

func TestCanAssign_ExactBoundaryIsNotStale(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	timeout := 10 * time.Minute
	boundary := now.Add(-timeout)

	rec := models.ScanRecord{Status: models.ScanStatusPending, PendingAt: &boundary}
	assert.False(t, lifecycle.CanAssign(&rec, now, timeout))
}

func TestValidateComplete(t *testing.T) {
	assert.NoError(t, lifecycle.ValidateComplete(&models.ScanRecord{Status: models.ScanStatusPending}))

	err := lifecycle.ValidateComplete(&models.ScanRecord{Status: models.ScanStatusQueued})
	assert.ErrorIs(t, err, lifecycle.ErrInvalidTransition)

	err = lifecycle.ValidateComplete(&models.ScanRecord{Status: models.ScanStatusFinished})
	assert.ErrorIs(t, err, lifecycle.ErrInvalidTransition)
}

func TestValidateReport(t *testing.T) {
	reported := time.Now().UTC()

	assert.NoError(t, lifecycle.ValidateReport(&models.ScanRecord{Status: models.ScanStatusFinished}))

	err := lifecycle.ValidateReport(&models.ScanRecord{Status: models.ScanStatusPending})
	assert.ErrorIs(t, err, lifecycle.ErrInvalidTransition)

	err = lifecycle.ValidateReport(&models.ScanRecord{
		Status:     models.ScanStatusFinished,
		ReportedAt: &reported,
	})
	assert.True(t, errors.Is(err, lifecycle.ErrAlreadyReported))
}
