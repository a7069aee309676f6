package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lifeline-health/lifeline/pkg/errors"
	"github.com/lifeline-health/lifeline/pkg/models"
)

func TestUpdateRequestStatusConditional(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	req := &models.Request{ID: uuid.New(), Status: models.RequestPending, RequiredBy: time.Now().Add(time.Hour)}
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

func TestCreateMatchDuplicateGuard(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	requestID, donorID := uuid.New(), uuid.New()
	first := &models.Match{ID: uuid.New(), RequestID: requestID, DonorID: donorID, Status: models.MatchProposed}
	require.NoError(t, s.Matches().CreateMatch(ctx, first))

	dup := &models.Match{ID: uuid.New(), RequestID: requestID, DonorID: donorID, Status: models.MatchProposed}
	err := s.Matches().CreateMatch(ctx, dup)
	assert.ErrorIs(t, err, errors.DuplicateMatch)

	// a terminal match does not block a new pairing
	first.Status = models.MatchRejected
	require.NoError(t, s.Matches().UpdateMatch(ctx, first, models.MatchProposed))
	require.NoError(t, s.Matches().CreateMatch(ctx, dup))
}

func TestUpdateMatchStatusGuard(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	m := &models.Match{ID: uuid.New(), RequestID: uuid.New(), DonorID: uuid.New(), Status: models.MatchProposed}
	require.NoError(t, s.Matches().CreateMatch(ctx, m))

	// read taken before another writer moves the match
	stale := *m

	m.Status = models.MatchRejected
	m.RejectionReason = "Another match was confirmed"
	require.NoError(t, s.Matches().UpdateMatch(ctx, m, models.MatchProposed))

	stale.Status = models.MatchConfirmed
	err := s.Matches().UpdateMatch(ctx, &stale, models.MatchProposed)
	assert.ErrorIs(t, err, errors.InvalidTransition)

	cur, err := s.Matches().GetMatch(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MatchRejected, cur.Status, "a stale write must not resurrect a terminal match")

	err = s.Matches().UpdateMatch(ctx, &models.Match{ID: uuid.New(), Status: models.MatchProposed}, models.MatchProposed)
	assert.ErrorIs(t, err, errors.NotFound)
}

func TestListActiveMatchesByRequest(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	requestID := uuid.New()
	for _, status := range []models.MatchStatus{
		models.MatchProposed, models.MatchConfirmed,
		models.MatchRejected, models.MatchTransplanted,
	} {
		m := &models.Match{ID: uuid.New(), RequestID: requestID, DonorID: uuid.New(), Status: status}
		require.NoError(t, s.Matches().CreateMatch(ctx, m))
	}

	active, err := s.Matches().ListActiveMatchesByRequest(ctx, requestID)
	require.NoError(t, err)
	assert.Len(t, active, 2)

	all, err := s.Matches().ListMatchesByRequest(ctx, requestID)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestListPendingRequestsSkipsExpired(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()

	live := &models.Request{ID: uuid.New(), Status: models.RequestPending, RequiredBy: now.Add(time.Hour)}
	expired := &models.Request{ID: uuid.New(), Status: models.RequestPending, RequiredBy: now.Add(-time.Hour)}
	searching := &models.Request{ID: uuid.New(), Status: models.RequestSearching, RequiredBy: now.Add(time.Hour)}
	require.NoError(t, s.Requests().CreateRequest(ctx, live))
	require.NoError(t, s.Requests().CreateRequest(ctx, expired))
	require.NoError(t, s.Requests().CreateRequest(ctx, searching))

	pending, err := s.Requests().ListPendingRequests(ctx, now)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, live.ID, pending[0].ID)
}

func TestDonorCopySemantics(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	donor := &models.Donor{
		ID: uuid.New(), UserID: uuid.New(), Name: "Donor",
		BloodType: models.BloodAPos, IsAvailable: true,
		Location: &models.GeoPoint{Lon: 1, Lat: 2},
	}
	require.NoError(t, s.Donors().CreateDonor(ctx, donor))

	got, err := s.Donors().GetDonor(ctx, donor.ID)
	require.NoError(t, err)
	got.Name = "Mutated"
	got.Location.Lon = 99

	again, err := s.Donors().GetDonor(ctx, donor.ID)
	require.NoError(t, err)
	assert.Equal(t, "Donor", again.Name)
	assert.Equal(t, 1.0, again.Location.Lon)
}

func TestTransactSerializesScope(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	req := &models.Request{ID: uuid.New(), Status: models.RequestPending, RequiredBy: time.Now().Add(time.Hour)}
	require.NoError(t, s.Requests().CreateRequest(ctx, req))

	err := s.Transact(ctx, func(tx Store) error {
		if err := tx.Requests().UpdateRequestStatus(ctx, req.ID,
			[]models.RequestStatus{models.RequestPending}, models.RequestSearching); err != nil {
			return err
		}
		// nested scopes reuse the outer transaction
		return tx.Transact(ctx, func(inner Store) error {
			cur, err := inner.Requests().GetRequest(ctx, req.ID)
			if err != nil {
				return err
			}
			assert.Equal(t, models.RequestSearching, cur.Status)
			return nil
		})
	})
	require.NoError(t, err)
}
