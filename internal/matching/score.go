package matching

import (
	"math"

	"github.com/lifeline-health/lifeline/pkg/models"
)

// Size-match ratio bands. Full credit inside the inner band, half
// credit inside the outer band, none beyond it.
const (
	heightFullLow, heightFullHigh = 0.85, 1.15
	heightHalfLow, heightHalfHigh = 0.75, 1.25
	weightFullLow, weightFullHigh = 0.8, 1.2
	weightHalfLow, weightHalfHigh = 0.7, 1.3
)

// Rough transport speed assumptions for the ETA factor, km/h.
const (
	bloodTransportSpeedKmh = 50
	organTransportSpeedKmh = 80
)

// scoreBlood computes the additive 0-100 blood match score.
func (e *Engine) scoreBlood(req *models.Request, donor *models.Donor, distanceKm float64, daysSinceLastDonation int) Candidate {
	w := e.weights

	score := w.BloodCompatibleBonus
	if donor.BloodType == req.BloodType {
		score = w.BloodExactTypeBonus
	}

	score += math.Max(0, w.BloodProximityMax-distanceKm/w.BloodProximityDivisorKm)
	score += w.BloodAvailabilityBonus

	if donor.MedicalHistory.SmokingStatus == "never" {
		score += w.BloodNonSmokerBonus
	}
	if a := donor.MedicalHistory.AlcoholConsumption; a == "none" || a == "light" {
		score += w.BloodLowAlcoholBonus
	}
	if bmi := donor.PhysicalDetails.BMI; bmi >= 18 && bmi <= 30 {
		score += w.BloodHealthyBMIBonus
	}

	score += math.Min(w.BloodRecencyMax, float64(daysSinceLastDonation)/w.BloodRecencyDivisorDays)

	return Candidate{
		DonorID: donor.ID,
		Score:   clampScore(score),
		Factors: models.MatchFactors{
			BloodTypeCompatibility: true,
			DistanceKm:             roundTenth(distanceKm),
			AgeDifference:          absInt(donor.PhysicalDetails.Age - req.RecipientDetails.Age),
			TimeToTransportMin:     transportMinutes(distanceKm, bloodTransportSpeedKmh),
		},
	}
}

// scoreOrgan computes the weighted 0-100 organ match score, boosted by
// the request urgency.
func (e *Engine) scoreOrgan(req *models.Request, donor *models.Donor, distanceKm float64) Candidate {
	w := e.weights

	sizeMatch := sizeMatchScore(donor.PhysicalDetails, req.RecipientDetails)
	urgency := UrgencyFactor(req.RecipientDetails.UrgencyLevel)
	ageDiff := absInt(donor.PhysicalDetails.Age - req.RecipientDetails.Age)

	score := w.OrganCompatibilityBase
	score += sizeMatch * w.OrganSizeMatchMax
	score += math.Max(0, w.OrganDistanceMax*(1-distanceKm/w.OrganMaxTransportKm))
	score += math.Max(0, w.OrganAgeMax-float64(ageDiff)/w.OrganAgeDivisor)
	score *= 1 + urgency*w.OrganUrgencyBoost

	return Candidate{
		DonorID: donor.ID,
		Score:   clampScore(score),
		Factors: models.MatchFactors{
			BloodTypeCompatibility: true,
			DistanceKm:             roundTenth(distanceKm),
			AgeDifference:          ageDiff,
			SizeMatch:              int(math.Round(sizeMatch * 100)),
			UrgencyFactor:          int(math.Round(urgency * 100)),
			TimeToTransportMin:     transportMinutes(distanceKm, organTransportSpeedKmh),
		},
	}
}

// sizeMatchScore combines height and weight ratios into a normalized
// 0-1 score; each dimension contributes up to 50 raw points.
func sizeMatchScore(donor models.PhysicalDetails, recipient models.RecipientDetails) float64 {
	raw := 0.0
	if donor.HeightCm > 0 && recipient.HeightCm > 0 {
		switch ratio := donor.HeightCm / recipient.HeightCm; {
		case ratio >= heightFullLow && ratio <= heightFullHigh:
			raw += 50
		case ratio >= heightHalfLow && ratio <= heightHalfHigh:
			raw += 25
		}
	}
	if donor.WeightKg > 0 && recipient.WeightKg > 0 {
		switch ratio := donor.WeightKg / recipient.WeightKg; {
		case ratio >= weightFullLow && ratio <= weightFullHigh:
			raw += 50
		case ratio >= weightHalfLow && ratio <= weightHalfHigh:
			raw += 25
		}
	}
	return raw / 100
}

func clampScore(score float64) float64 {
	return math.Min(100, math.Max(0, math.Round(score)))
}

func roundTenth(v float64) float64 {
	return math.Round(v*10) / 10
}

func transportMinutes(distanceKm, speedKmh float64) int {
	return int(math.Round(distanceKm / speedKmh * 60))
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
