package matching

import "github.com/lifeline-health/lifeline/pkg/models"

// bloodCompatibility maps a recipient blood type to the set of donor
// types safely transfusable into that recipient. O- is the universal
// donor, AB+ the universal recipient.
var bloodCompatibility = map[models.BloodType][]models.BloodType{
	models.BloodONeg:  {models.BloodONeg},
	models.BloodOPos:  {models.BloodOPos, models.BloodONeg},
	models.BloodANeg:  {models.BloodANeg, models.BloodONeg},
	models.BloodAPos:  {models.BloodAPos, models.BloodANeg, models.BloodOPos, models.BloodONeg},
	models.BloodBNeg:  {models.BloodBNeg, models.BloodONeg},
	models.BloodBPos:  {models.BloodBPos, models.BloodBNeg, models.BloodOPos, models.BloodONeg},
	models.BloodABNeg: {models.BloodABNeg, models.BloodANeg, models.BloodBNeg, models.BloodONeg},
	models.BloodABPos: {
		models.BloodABPos, models.BloodABNeg,
		models.BloodAPos, models.BloodANeg,
		models.BloodBPos, models.BloodBNeg,
		models.BloodOPos, models.BloodONeg,
	},
}

// CompatibleDonorTypes returns the donor blood types acceptable for a
// recipient of the given type. The returned slice must not be mutated.
func CompatibleDonorTypes(recipient models.BloodType) []models.BloodType {
	return bloodCompatibility[recipient]
}

// BloodCompatible reports whether a donor of type donor may give to a
// recipient of type recipient. Compatibility is directional.
func BloodCompatible(donor, recipient models.BloodType) bool {
	for _, t := range bloodCompatibility[recipient] {
		if t == donor {
			return true
		}
	}
	return false
}

// UrgencyFactor converts a clinical urgency level into the numeric
// weight used to boost organ-match scores.
func UrgencyFactor(level models.UrgencyLevel) float64 {
	switch level {
	case models.UrgencyCritical:
		return 1.0
	case models.UrgencyEmergency:
		return 0.8
	case models.UrgencyUrgent:
		return 0.6
	case models.UrgencyRoutine:
		return 0.3
	default:
		return 0
	}
}
