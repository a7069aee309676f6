package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lifeline-health/lifeline/pkg/errors"
	"github.com/lifeline-health/lifeline/pkg/models"
)

func newGormStore(t *testing.T) *GormStore {
	t.Helper()
	s, err := Open("sqlite", filepath.Join(t.TempDir(), "lifeline.db"))
	require.NoError(t, err)
	return s
}

func TestGormUpdateMatchStatusGuard(t *testing.T) {
	ctx := context.Background()
	s := newGormStore(t)

	req := &models.Request{
		ID: uuid.New(), HospitalID: uuid.New(),
		RequestType: models.RequestBlood, BloodType: models.BloodAPos,
		Status: models.RequestSearching, CreatedBy: uuid.New(),
		RequiredBy: time.Now().Add(24 * time.Hour),
	}
	require.NoError(t, s.Requests().CreateRequest(ctx, req))

	winner := &models.Match{ID: uuid.New(), RequestID: req.ID, DonorID: uuid.New(), Status: models.MatchProposed}
	sibling := &models.Match{ID: uuid.New(), RequestID: req.ID, DonorID: uuid.New(), Status: models.MatchProposed}
	require.NoError(t, s.Matches().CreateMatch(ctx, winner))
	require.NoError(t, s.Matches().CreateMatch(ctx, sibling))

	// stale read of the sibling, taken before the winner's confirm
	stale, err := s.Matches().GetMatch(ctx, sibling.ID)
	require.NoError(t, err)

	winner.Status = models.MatchConfirmed
	require.NoError(t, s.Matches().UpdateMatch(ctx, winner, models.MatchProposed))
	sibling.Status = models.MatchRejected
	sibling.RejectionReason = "Another match was confirmed"
	require.NoError(t, s.Matches().UpdateMatch(ctx, sibling, models.MatchProposed))

	// applying the stale read as a confirm conflicts instead of
	// overwriting the committed rejection
	stale.Status = models.MatchConfirmed
	err = s.Matches().UpdateMatch(ctx, stale, models.MatchProposed)
	assert.ErrorIs(t, err, errors.InvalidTransition)

	all, err := s.Matches().ListMatchesByRequest(ctx, req.ID)
	require.NoError(t, err)
	confirmed := 0
	for _, m := range all {
		if m.Status == models.MatchConfirmed {
			confirmed++
		}
	}
	assert.Equal(t, 1, confirmed, "one request carries at most one confirmed match")

	cur, err := s.Matches().GetMatch(ctx, sibling.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MatchRejected, cur.Status)
}

func TestGormUpdateRequestStatusConditional(t *testing.T) {
	ctx := context.Background()
	s := newGormStore(t)

	req := &models.Request{
		ID: uuid.New(), HospitalID: uuid.New(),
		RequestType: models.RequestBlood, BloodType: models.BloodONeg,
		Status: models.RequestPending, CreatedBy: uuid.New(),
		RequiredBy: time.Now().Add(time.Hour),
	}
	require.NoError(t, s.Requests().CreateRequest(ctx, req))

	err := s.Requests().UpdateRequestStatus(ctx, uuid.New(),
		[]models.RequestStatus{models.RequestPending}, models.RequestSearching)
	assert.ErrorIs(t, err, errors.NotFound)

	err = s.Requests().UpdateRequestStatus(ctx, req.ID,
		[]models.RequestStatus{models.RequestMatched}, models.RequestCompleted)
	assert.ErrorIs(t, err, errors.ImmutableState)

	require.NoError(t, s.Requests().UpdateRequestStatus(ctx, req.ID,
		[]models.RequestStatus{models.RequestPending}, models.RequestSearching))
	cur, err := s.Requests().GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestSearching, cur.Status)
}
