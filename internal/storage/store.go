// Package storage provides persistence for donors, hospitals, requests
// and matches behind narrow repository interfaces. Two implementations
// exist: a gorm-backed store and an in-memory store used by tests.
package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/lifeline-health/lifeline/pkg/models"
)

// DonorRepository reads and mutates donor profiles.
type DonorRepository interface {
	GetDonor(ctx context.Context, id uuid.UUID) (*models.Donor, error)
	GetDonorByUser(ctx context.Context, userID uuid.UUID) (*models.Donor, error)
	// ListAvailableDonors returns the candidate pool: donors flagged
	// available. Finer eligibility is the candidate filter's job.
	ListAvailableDonors(ctx context.Context) ([]*models.Donor, error)
	CreateDonor(ctx context.Context, donor *models.Donor) error
	UpdateDonor(ctx context.Context, donor *models.Donor) error
}

// HospitalRepository reads hospital profiles.
type HospitalRepository interface {
	GetHospital(ctx context.Context, id uuid.UUID) (*models.Hospital, error)
	GetHospitalByUser(ctx context.Context, userID uuid.UUID) (*models.Hospital, error)
	CreateHospital(ctx context.Context, hospital *models.Hospital) error
	UpdateHospital(ctx context.Context, hospital *models.Hospital) error
}

// RequestRepository reads and mutates donation requests.
type RequestRepository interface {
	GetRequest(ctx context.Context, id uuid.UUID) (*models.Request, error)
	// ListPendingRequests returns pending requests whose deadline is
	// still in the future.
	ListPendingRequests(ctx context.Context, now time.Time) ([]*models.Request, error)
	CreateRequest(ctx context.Context, req *models.Request) error
	// UpdateRequestStatus conditionally moves a request from one of the
	// given statuses to the target. It returns NotFound when the request
	// does not exist and ImmutableState when the current status is not
	// in from.
	UpdateRequestStatus(ctx context.Context, id uuid.UUID, from []models.RequestStatus, to models.RequestStatus) error
}

// MatchRepository reads and mutates matches.
type MatchRepository interface {
	GetMatch(ctx context.Context, id uuid.UUID) (*models.Match, error)
	// CreateMatch persists a new match. It returns DuplicateMatch when an
	// active match already exists for the same (request, donor) pair.
	CreateMatch(ctx context.Context, match *models.Match) error
	// UpdateMatch persists the match only while its stored status still
	// equals expected. It returns NotFound when the match does not exist
	// and InvalidTransition when a concurrent writer already moved it,
	// so a stale read can never overwrite a committed status.
	UpdateMatch(ctx context.Context, match *models.Match, expected models.MatchStatus) error
	ListMatchesByRequest(ctx context.Context, requestID uuid.UUID) ([]*models.Match, error)
	// ListActiveMatchesByRequest returns non-terminal matches only.
	ListActiveMatchesByRequest(ctx context.Context, requestID uuid.UUID) ([]*models.Match, error)
	ListMatchesByDonor(ctx context.Context, donorID uuid.UUID) ([]*models.Match, error)
}

// Store bundles the repositories and provides a transactional scope.
type Store interface {
	Donors() DonorRepository
	Hospitals() HospitalRepository
	Requests() RequestRepository
	Matches() MatchRepository

	// Transact runs fn against a store bound to a single transaction.
	// Mutations made through that store become visible atomically; any
	// returned error rolls the whole scope back.
	Transact(ctx context.Context, fn func(Store) error) error
}
