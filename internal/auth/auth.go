// Package auth verifies session tokens and resolves them to the actor
// identity the core operations authorize against.
package auth

import (
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/lifeline-health/lifeline/pkg/errors"
	"github.com/lifeline-health/lifeline/pkg/models"
)

// Claims is the token payload issued at login.
type Claims struct {
	Role       models.Role `json:"role"`
	HospitalID string      `json:"hospital_id,omitempty"`
	DonorID    string      `json:"donor_id,omitempty"`
	jwt.RegisteredClaims
}

// Verifier parses and validates HMAC-signed session tokens.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a verifier for the given signing secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses the token and returns the identity it asserts.
func (v *Verifier) Verify(token string) (models.Identity, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Authorization.Explain("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return models.Identity{}, errors.Authorization.Explain("invalid session token").WithCause(err)
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return models.Identity{}, errors.Authorization.Explain("token subject is not a valid user id")
	}

	identity := models.Identity{UserID: userID, Role: claims.Role}
	switch identity.Role {
	case models.RoleHospital, models.RoleDonor, models.RoleCoordinator, models.RoleAdmin:
	default:
		return models.Identity{}, errors.Authorization.Explain("token carries unknown role %q", claims.Role)
	}

	if claims.HospitalID != "" {
		id, err := uuid.Parse(claims.HospitalID)
		if err != nil {
			return models.Identity{}, errors.Authorization.Explain("token hospital id is malformed")
		}
		identity.HospitalID = &id
	}
	if claims.DonorID != "" {
		id, err := uuid.Parse(claims.DonorID)
		if err != nil {
			return models.Identity{}, errors.Authorization.Explain("token donor id is malformed")
		}
		identity.DonorID = &id
	}
	return identity, nil
}
