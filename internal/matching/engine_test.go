package matching

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lifeline-health/lifeline/internal/config"
	"github.com/lifeline-health/lifeline/pkg/errors"
	"github.com/lifeline-health/lifeline/pkg/models"
)

// about 100 km east of the origin on the equator
const lonPer100km = 0.899322

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	return NewEngine(config.DefaultWeights(), zaptest.NewLogger(t))
}

func testHospital() *models.Hospital {
	return &models.Hospital{
		ID:       uuid.New(),
		UserID:   uuid.New(),
		Name:     "City General",
		Location: &models.GeoPoint{Lon: 0, Lat: 0},
	}
}

func bloodRequest(bt models.BloodType, component models.BloodComponent) *models.Request {
	return &models.Request{
		ID:             uuid.New(),
		HospitalID:     uuid.New(),
		RequestType:    models.RequestBlood,
		BloodType:      bt,
		BloodQuantity:  2,
		BloodComponent: component,
		RecipientDetails: models.RecipientDetails{
			Age:          40,
			UrgencyLevel: models.UrgencyUrgent,
		},
		RequiredBy:    time.Now().Add(48 * time.Hour),
		Status:        models.RequestPending,
		MatchCriteria: models.MatchCriteria{MaxDistanceKm: 200},
	}
}

func healthyDonor(bt models.BloodType, lonOffset float64) *models.Donor {
	return &models.Donor{
		ID:        uuid.New(),
		UserID:    uuid.New(),
		Name:      "Donor",
		BloodType: bt,
		MedicalHistory: models.MedicalHistory{
			SmokingStatus:      "never",
			AlcoholConsumption: "light",
		},
		PhysicalDetails: models.PhysicalDetails{
			HeightCm: 175, WeightKg: 70, BMI: 22.9, Age: 35,
		},
		IsAvailable: true,
		Location:    &models.GeoPoint{Lon: lonOffset, Lat: 0},
	}
}

func TestBloodScorePerfectDonorCapsAtHundred(t *testing.T) {
	e := newTestEngine(t)
	req := bloodRequest(models.BloodAPos, models.ComponentWhole)
	donor := healthyDonor(models.BloodAPos, 0) // never donated, at the hospital

	candidates, err := e.FindCandidates(req, testHospital(), []*models.Donor{donor}, time.Now())
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, 100.0, candidates[0].Score)
	assert.True(t, candidates[0].Factors.BloodTypeCompatibility)
}

func TestBloodScoreComponents(t *testing.T) {
	e := newTestEngine(t)
	req := bloodRequest(models.BloodAPos, models.ComponentPlasma)

	// compatible but not exact, 100 km out, poor health factors,
	// donated 60 days ago: 15 + 10 + 20 + 0 + 0 + 0 + 2 = 47
	donor := healthyDonor(models.BloodOPos, lonPer100km)
	donor.MedicalHistory.SmokingStatus = "current"
	donor.MedicalHistory.AlcoholConsumption = "heavy"
	donor.PhysicalDetails.BMI = 34
	last := time.Now().Add(-60 * 24 * time.Hour)
	donor.LastDonationDate = &last

	candidates, err := e.FindCandidates(req, testHospital(), []*models.Donor{donor}, time.Now())
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, 47.0, candidates[0].Score)
	assert.InDelta(t, 100, candidates[0].Factors.DistanceKm, 0.5)
}

func TestWholeBloodCooldown(t *testing.T) {
	e := newTestEngine(t)
	hospital := testHospital()
	donor := healthyDonor(models.BloodAPos, 0)
	last := time.Now().Add(-30 * 24 * time.Hour)
	donor.LastDonationDate = &last

	whole, err := e.FindCandidates(bloodRequest(models.BloodAPos, models.ComponentWhole), hospital, []*models.Donor{donor}, time.Now())
	require.NoError(t, err)
	assert.Empty(t, whole, "donor inside the 56 day cooldown must not serve whole blood")

	plasma, err := e.FindCandidates(bloodRequest(models.BloodAPos, models.ComponentPlasma), hospital, []*models.Donor{donor}, time.Now())
	require.NoError(t, err)
	assert.Len(t, plasma, 1, "cooldown applies to whole blood only")
}

func TestWholeBloodCooldownExpired(t *testing.T) {
	e := newTestEngine(t)
	donor := healthyDonor(models.BloodAPos, 0)
	last := time.Now().Add(-60 * 24 * time.Hour)
	donor.LastDonationDate = &last

	out, err := e.FindCandidates(bloodRequest(models.BloodAPos, models.ComponentWhole), testHospital(), []*models.Donor{donor}, time.Now())
	require.NoError(t, err)
	assert.Len(t, out, 1)
}

func TestFindCandidatesFiltersAndRanks(t *testing.T) {
	e := newTestEngine(t)
	req := bloodRequest(models.BloodONeg, models.ComponentWhole)

	best := healthyDonor(models.BloodONeg, 0.1) // ~11 km
	farther := healthyDonor(models.BloodONeg, 1.35)
	farther.MedicalHistory.SmokingStatus = "current"
	incompatible := healthyDonor(models.BloodAPos, 0.1)
	unavailable := healthyDonor(models.BloodONeg, 0.1)
	unavailable.IsAvailable = false
	tooFar := healthyDonor(models.BloodONeg, 3) // ~334 km, beyond the 200 km cap
	noLocation := healthyDonor(models.BloodONeg, 0)
	noLocation.Location = nil

	pool := []*models.Donor{farther, incompatible, unavailable, tooFar, noLocation, best}
	candidates, err := e.FindCandidates(req, testHospital(), pool, time.Now())
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, best.ID, candidates[0].DonorID)
	assert.Equal(t, farther.ID, candidates[1].DonorID)
	assert.Greater(t, candidates[0].Score, candidates[1].Score)
}

func TestFindCandidatesDeterministicTieBreak(t *testing.T) {
	e := newTestEngine(t)
	req := bloodRequest(models.BloodAPos, models.ComponentWhole)

	// identical profiles at the same spot score identically; order
	// falls back to the donor id
	a := healthyDonor(models.BloodAPos, 0)
	b := healthyDonor(models.BloodAPos, 0)
	for i := 0; i < 3; i++ {
		got1, err := e.FindCandidates(req, testHospital(), []*models.Donor{a, b}, time.Now())
		require.NoError(t, err)
		got2, err := e.FindCandidates(req, testHospital(), []*models.Donor{b, a}, time.Now())
		require.NoError(t, err)
		require.Len(t, got1, 2)
		assert.Equal(t, got1[0].DonorID, got2[0].DonorID)
		assert.Equal(t, got1[1].DonorID, got2[1].DonorID)
	}
}

func organRequest(organ models.OrganType, recipientBT models.BloodType, urgency models.UrgencyLevel) *models.Request {
	return &models.Request{
		ID:          uuid.New(),
		HospitalID:  uuid.New(),
		RequestType: models.RequestOrgan,
		OrganType:   organ,
		RecipientDetails: models.RecipientDetails{
			Age:          35,
			BloodType:    recipientBT,
			HeightCm:     175,
			WeightKg:     70,
			UrgencyLevel: urgency,
		},
		RequiredBy:    time.Now().Add(24 * time.Hour),
		Status:        models.RequestPending,
		MatchCriteria: models.MatchCriteria{MaxDistanceKm: 500},
	}
}

func kidneyDonor(lonOffset float64) *models.Donor {
	d := healthyDonor(models.BloodONeg, lonOffset)
	d.OrganDonatable = []models.OrganAvailability{{OrganType: models.OrganKidney, IsAvailable: true}}
	return d
}

func TestOrganScoreCriticalUrgency(t *testing.T) {
	e := newTestEngine(t)
	req := organRequest(models.OrganKidney, models.BloodAPos, models.UrgencyCritical)
	donor := kidneyDonor(0) // same size, same age, zero distance

	candidates, err := e.FindCandidates(req, testHospital(), []*models.Donor{donor}, time.Now())
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	// (25 + 25 + 20 + 15) * 1.15 = 97.75, rounded
	assert.Equal(t, 98.0, candidates[0].Score)
	assert.Equal(t, 100, candidates[0].Factors.SizeMatch)
	assert.Equal(t, 100, candidates[0].Factors.UrgencyFactor)
}

func TestOrganUrgencyOrdersScores(t *testing.T) {
	e := newTestEngine(t)
	hospital := testHospital()
	donor := kidneyDonor(0)

	var prev float64
	for i, urgency := range []models.UrgencyLevel{
		models.UrgencyRoutine, models.UrgencyUrgent,
		models.UrgencyEmergency, models.UrgencyCritical,
	} {
		out, err := e.FindCandidates(organRequest(models.OrganKidney, models.BloodAPos, urgency), hospital, []*models.Donor{donor}, time.Now())
		require.NoError(t, err)
		require.Len(t, out, 1)
		if i > 0 {
			assert.Greaterf(t, out[0].Score, prev, "urgency %s should outrank the previous level", urgency)
		}
		prev = out[0].Score
	}
}

func TestOrganFilters(t *testing.T) {
	e := newTestEngine(t)
	hospital := testHospital()
	req := organRequest(models.OrganKidney, models.BloodAPos, models.UrgencyUrgent)
	req.MatchCriteria.PreferredAgeRange = &models.AgeRange{Min: 20, Max: 40}

	noOrgan := healthyDonor(models.BloodONeg, 0)
	wrongBlood := kidneyDonor(0)
	wrongBlood.BloodType = models.BloodABPos // cannot give to A+
	tooOld := kidneyDonor(0)
	tooOld.PhysicalDetails.Age = 55
	eligible := kidneyDonor(0)

	out, err := e.FindCandidates(req, hospital, []*models.Donor{noOrgan, wrongBlood, tooOld, eligible}, time.Now())
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, eligible.ID, out[0].DonorID)
}

func TestScoresStayInRange(t *testing.T) {
	e := newTestEngine(t)
	hospital := testHospital()
	pool := []*models.Donor{
		healthyDonor(models.BloodONeg, 0),
		healthyDonor(models.BloodONeg, 1.5),
		kidneyDonor(0.5),
	}
	for _, req := range []*models.Request{
		bloodRequest(models.BloodONeg, models.ComponentWhole),
		organRequest(models.OrganKidney, models.BloodAPos, models.UrgencyCritical),
	} {
		out, err := e.FindCandidates(req, hospital, pool, time.Now())
		require.NoError(t, err)
		for _, c := range out {
			assert.GreaterOrEqual(t, c.Score, 0.0)
			assert.LessOrEqual(t, c.Score, 100.0)
		}
	}
}

func TestFindCandidatesValidation(t *testing.T) {
	e := newTestEngine(t)
	hospital := testHospital()

	_, err := e.FindCandidates(nil, hospital, nil, time.Now())
	assert.ErrorIs(t, err, errors.Validation)

	bad := bloodRequest("X+", models.ComponentWhole)
	_, err = e.FindCandidates(bad, hospital, nil, time.Now())
	assert.ErrorIs(t, err, errors.Validation)

	noDistance := bloodRequest(models.BloodAPos, models.ComponentWhole)
	noDistance.MatchCriteria.MaxDistanceKm = 0
	_, err = e.FindCandidates(noDistance, hospital, nil, time.Now())
	assert.ErrorIs(t, err, errors.Validation)

	req := bloodRequest(models.BloodAPos, models.ComponentWhole)
	_, err = e.FindCandidates(req, &models.Hospital{ID: uuid.New()}, nil, time.Now())
	assert.ErrorIs(t, err, errors.Validation)
}
