package matching

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lifeline-health/lifeline/internal/config"
	"github.com/lifeline-health/lifeline/internal/storage"
	"github.com/lifeline-health/lifeline/pkg/errors"
	"github.com/lifeline-health/lifeline/pkg/models"
)

type proposalRecorder struct {
	mu       sync.Mutex
	proposed []*models.Match
}

func (r *proposalRecorder) MatchProposed(match *models.Match, req *models.Request, donor *models.Donor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.proposed = append(r.proposed, match)
}

func (r *proposalRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.proposed)
}

func newTestMatcher(t *testing.T, store storage.Store, events Events) *Matcher {
	t.Helper()
	cfg := config.MatchingConfig{
		DefaultLimit: 5,
		BatchWorkers: 2,
		Weights:      config.DefaultWeights(),
	}
	engine := NewEngine(cfg.Weights, zaptest.NewLogger(t))
	return NewMatcher(store, engine, events, cfg, zaptest.NewLogger(t))
}

func seedHospital(t *testing.T, store storage.Store) *models.Hospital {
	t.Helper()
	h := testHospital()
	require.NoError(t, store.Hospitals().CreateHospital(context.Background(), h))
	return h
}

func seedRequest(t *testing.T, store storage.Store, hospitalID uuid.UUID) *models.Request {
	t.Helper()
	req := bloodRequest(models.BloodAPos, models.ComponentWhole)
	req.HospitalID = hospitalID
	require.NoError(t, store.Requests().CreateRequest(context.Background(), req))
	return req
}

func seedDonor(t *testing.T, store storage.Store, d *models.Donor) *models.Donor {
	t.Helper()
	require.NoError(t, store.Donors().CreateDonor(context.Background(), d))
	return d
}

func TestFindBestMatchesProposesRanked(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	events := &proposalRecorder{}
	m := newTestMatcher(t, store, events)

	hospital := seedHospital(t, store)
	req := seedRequest(t, store, hospital.ID)
	near := seedDonor(t, store, healthyDonor(models.BloodAPos, 0.1))
	far := seedDonor(t, store, healthyDonor(models.BloodOPos, 1.0))
	seedDonor(t, store, healthyDonor(models.BloodBPos, 0.1)) // incompatible

	matches, err := m.FindBestMatches(ctx, req.ID, 0)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, near.ID, matches[0].DonorID)
	assert.Equal(t, far.ID, matches[1].DonorID)
	assert.GreaterOrEqual(t, matches[0].MatchScore, matches[1].MatchScore)
	for _, match := range matches {
		assert.Equal(t, models.MatchProposed, match.Status)
		assert.Equal(t, req.ID, match.RequestID)
	}
	assert.Equal(t, 2, events.count())

	// the request moved to searching, not matched
	cur, err := store.Requests().GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestSearching, cur.Status)
}

func TestFindBestMatchesHonorsLimit(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	m := newTestMatcher(t, store, nil)

	hospital := seedHospital(t, store)
	req := seedRequest(t, store, hospital.ID)
	for i := 0; i < 4; i++ {
		seedDonor(t, store, healthyDonor(models.BloodAPos, float64(i)*0.2))
	}

	matches, err := m.FindBestMatches(ctx, req.ID, 2)
	require.NoError(t, err)
	assert.Len(t, matches, 2)
}

func TestFindBestMatchesSkipsExistingActiveMatch(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	m := newTestMatcher(t, store, nil)

	hospital := seedHospital(t, store)
	req := seedRequest(t, store, hospital.ID)
	existing := seedDonor(t, store, healthyDonor(models.BloodAPos, 0.1))
	fresh := seedDonor(t, store, healthyDonor(models.BloodAPos, 0.5))

	require.NoError(t, store.Matches().CreateMatch(ctx, &models.Match{
		ID:        uuid.New(),
		RequestID: req.ID,
		DonorID:   existing.ID,
		Status:    models.MatchProposed,
	}))

	matches, err := m.FindBestMatches(ctx, req.ID, 0)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, fresh.ID, matches[0].DonorID)
}

func TestFindBestMatchesClosedRequest(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	m := newTestMatcher(t, store, nil)

	hospital := seedHospital(t, store)
	req := seedRequest(t, store, hospital.ID)
	require.NoError(t, store.Requests().UpdateRequestStatus(ctx, req.ID,
		[]models.RequestStatus{models.RequestPending}, models.RequestCancelled))

	_, err := m.FindBestMatches(ctx, req.ID, 0)
	assert.ErrorIs(t, err, errors.ImmutableState)
}

func TestFindBestMatchesAlreadyMatchedRequest(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	m := newTestMatcher(t, store, nil)

	hospital := seedHospital(t, store)
	req := seedRequest(t, store, hospital.ID)
	seedDonor(t, store, healthyDonor(models.BloodAPos, 0.1))
	require.NoError(t, store.Requests().UpdateRequestStatus(ctx, req.ID,
		[]models.RequestStatus{models.RequestPending}, models.RequestMatched))

	matches, err := m.FindBestMatches(ctx, req.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestFindBestMatchesUnknownRequest(t *testing.T) {
	store := storage.NewMemoryStore()
	m := newTestMatcher(t, store, nil)

	_, err := m.FindBestMatches(context.Background(), uuid.New(), 0)
	assert.ErrorIs(t, err, errors.NotFound)
}

func TestProcessAllPending(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	events := &proposalRecorder{}
	m := newTestMatcher(t, store, events)

	hospital := seedHospital(t, store)
	seedDonor(t, store, healthyDonor(models.BloodAPos, 0.1))
	seedDonor(t, store, healthyDonor(models.BloodONeg, 0.3))

	for i := 0; i < 3; i++ {
		seedRequest(t, store, hospital.ID)
	}
	// an expired request is not picked up
	expired := bloodRequest(models.BloodAPos, models.ComponentWhole)
	expired.HospitalID = hospital.ID
	expired.RequiredBy = time.Now().Add(-time.Hour)
	require.NoError(t, store.Requests().CreateRequest(ctx, expired))

	stats, err := m.ProcessAllPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 3, stats.Processed)
	assert.Equal(t, 6, stats.MatchesFound)
	assert.Zero(t, stats.Errors)
	assert.Equal(t, 6, events.count())
}
