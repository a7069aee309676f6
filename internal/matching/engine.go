package matching

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lifeline-health/lifeline/internal/config"
	"github.com/lifeline-health/lifeline/pkg/errors"
	"github.com/lifeline-health/lifeline/pkg/models"
)

// Candidate is one donor that survived the filter, with its score.
type Candidate struct {
	DonorID uuid.UUID
	Score   float64
	Factors models.MatchFactors
}

// Engine filters and scores candidate donors for a request. It is pure:
// no persistence, no side effects, safe for concurrent use.
type Engine struct {
	weights config.Weights
	logger  *zap.Logger
}

// NewEngine creates an engine with the given scoring weights.
func NewEngine(weights config.Weights, logger *zap.Logger) *Engine {
	return &Engine{weights: weights, logger: logger}
}

// FindCandidates returns the donors eligible for the request, scored
// and ordered by score descending, then distance ascending, then donor
// id for determinism. Donors that cannot be evaluated (e.g. missing
// geolocation) are skipped rather than failing the whole pool.
func (e *Engine) FindCandidates(req *models.Request, hospital *models.Hospital, donors []*models.Donor, now time.Time) ([]Candidate, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if hospital == nil || hospital.Location == nil {
		return nil, errors.Validation.Explain("hospital location not found")
	}

	var out []Candidate
	for _, donor := range donors {
		var (
			c  Candidate
			ok bool
		)
		switch req.RequestType {
		case models.RequestBlood:
			c, ok = e.evaluateBlood(req, *hospital.Location, donor, now)
		case models.RequestOrgan:
			c, ok = e.evaluateOrgan(req, *hospital.Location, donor, now)
		}
		if !ok {
			continue
		}
		out = append(out, c)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].Factors.DistanceKm != out[j].Factors.DistanceKm {
			return out[i].Factors.DistanceKm < out[j].Factors.DistanceKm
		}
		return strings.Compare(out[i].DonorID.String(), out[j].DonorID.String()) < 0
	})
	return out, nil
}

// evaluateBlood applies the blood eligibility rules and, when they all
// pass, scores the donor.
func (e *Engine) evaluateBlood(req *models.Request, hospitalLoc models.GeoPoint, donor *models.Donor, now time.Time) (Candidate, bool) {
	if !donor.IsAvailable {
		return Candidate{}, false
	}
	if !BloodCompatible(donor.BloodType, req.BloodType) {
		return Candidate{}, false
	}
	if donor.Location == nil {
		return Candidate{}, false
	}
	distance := Distance(hospitalLoc, *donor.Location)
	if distance > req.MatchCriteria.MaxDistanceKm {
		return Candidate{}, false
	}
	days := donor.DaysSinceLastDonation(now)
	if req.BloodComponent == models.ComponentWhole && donor.LastDonationDate != nil && days < e.weights.WholeBloodCooldownDays {
		return Candidate{}, false
	}
	return e.scoreBlood(req, donor, distance, days), true
}

// evaluateOrgan applies the organ eligibility rules and, when they all
// pass, scores the donor.
func (e *Engine) evaluateOrgan(req *models.Request, hospitalLoc models.GeoPoint, donor *models.Donor, now time.Time) (Candidate, bool) {
	if !donor.IsAvailable || !donor.OrganAvailable(req.OrganType) {
		return Candidate{}, false
	}
	if !BloodCompatible(donor.BloodType, req.RecipientDetails.BloodType) {
		return Candidate{}, false
	}
	if donor.Location == nil {
		return Candidate{}, false
	}
	distance := Distance(hospitalLoc, *donor.Location)
	if distance > req.MatchCriteria.MaxDistanceKm {
		return Candidate{}, false
	}
	if ar := req.MatchCriteria.PreferredAgeRange; ar != nil {
		age := donor.PhysicalDetails.Age
		if age < ar.Min || age > ar.Max {
			return Candidate{}, false
		}
	}
	return e.scoreOrgan(req, donor, distance), true
}

func validateRequest(req *models.Request) error {
	if req == nil {
		return errors.Validation.Explain("request is nil")
	}
	switch req.RequestType {
	case models.RequestBlood:
		if !req.BloodType.Valid() {
			return errors.Validation.Explain("blood request has invalid blood type %q", req.BloodType)
		}
	case models.RequestOrgan:
		if req.OrganType == "" {
			return errors.Validation.Explain("organ request is missing organ type")
		}
		if !req.RecipientDetails.BloodType.Valid() {
			return errors.Validation.Explain("organ request has invalid recipient blood type %q", req.RecipientDetails.BloodType)
		}
	default:
		return errors.Validation.Explain("unknown request type %q", req.RequestType)
	}
	if req.MatchCriteria.MaxDistanceKm <= 0 {
		return errors.Validation.Explain("match criteria must set a positive max distance")
	}
	return nil
}
