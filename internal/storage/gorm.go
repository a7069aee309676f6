package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/lifeline-health/lifeline/pkg/errors"
	"github.com/lifeline-health/lifeline/pkg/models"
)

// GormStore implements Store on a gorm database handle.
type GormStore struct {
	db *gorm.DB
}

var _ Store = (*GormStore)(nil)

// Open connects to the configured database and runs migrations.
func Open(driver, dsn string) (*GormStore, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.AutoMigrate(
		&models.Donor{},
		&models.Hospital{},
		&models.Request{},
		&models.Match{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return &GormStore{db: db}, nil
}

// NewGormStore wraps an existing gorm handle (used by tests).
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Donors() DonorRepository       { return (*gormDonors)(s) }
func (s *GormStore) Hospitals() HospitalRepository { return (*gormHospitals)(s) }
func (s *GormStore) Requests() RequestRepository   { return (*gormRequests)(s) }
func (s *GormStore) Matches() MatchRepository      { return (*gormMatches)(s) }

// Transact runs fn inside a database transaction.
func (s *GormStore) Transact(ctx context.Context, fn func(Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx})
	})
}

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errors.NotFound.Explain("%s not found", what)
	}
	return err
}

type gormDonors GormStore

func (r *gormDonors) GetDonor(ctx context.Context, id uuid.UUID) (*models.Donor, error) {
	var donor models.Donor
	if err := r.db.WithContext(ctx).First(&donor, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "donor")
	}
	return &donor, nil
}

func (r *gormDonors) GetDonorByUser(ctx context.Context, userID uuid.UUID) (*models.Donor, error) {
	var donor models.Donor
	if err := r.db.WithContext(ctx).First(&donor, "user_id = ?", userID).Error; err != nil {
		return nil, notFound(err, "donor")
	}
	return &donor, nil
}

func (r *gormDonors) ListAvailableDonors(ctx context.Context) ([]*models.Donor, error) {
	var donors []*models.Donor
	if err := r.db.WithContext(ctx).Where("is_available = ?", true).Find(&donors).Error; err != nil {
		return nil, err
	}
	return donors, nil
}

func (r *gormDonors) CreateDonor(ctx context.Context, donor *models.Donor) error {
	return r.db.WithContext(ctx).Create(donor).Error
}

func (r *gormDonors) UpdateDonor(ctx context.Context, donor *models.Donor) error {
	return r.db.WithContext(ctx).Save(donor).Error
}

type gormHospitals GormStore

func (r *gormHospitals) GetHospital(ctx context.Context, id uuid.UUID) (*models.Hospital, error) {
	var hospital models.Hospital
	if err := r.db.WithContext(ctx).First(&hospital, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "hospital")
	}
	return &hospital, nil
}

func (r *gormHospitals) GetHospitalByUser(ctx context.Context, userID uuid.UUID) (*models.Hospital, error) {
	var hospital models.Hospital
	if err := r.db.WithContext(ctx).First(&hospital, "user_id = ?", userID).Error; err != nil {
		return nil, notFound(err, "hospital")
	}
	return &hospital, nil
}

func (r *gormHospitals) CreateHospital(ctx context.Context, hospital *models.Hospital) error {
	return r.db.WithContext(ctx).Create(hospital).Error
}

func (r *gormHospitals) UpdateHospital(ctx context.Context, hospital *models.Hospital) error {
	return r.db.WithContext(ctx).Save(hospital).Error
}

type gormRequests GormStore

func (r *gormRequests) GetRequest(ctx context.Context, id uuid.UUID) (*models.Request, error) {
	var req models.Request
	if err := r.db.WithContext(ctx).First(&req, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "request")
	}
	return &req, nil
}

func (r *gormRequests) ListPendingRequests(ctx context.Context, now time.Time) ([]*models.Request, error) {
	var reqs []*models.Request
	err := r.db.WithContext(ctx).
		Where("status = ? AND required_by > ?", models.RequestPending, now).
		Find(&reqs).Error
	if err != nil {
		return nil, err
	}
	return reqs, nil
}

func (r *gormRequests) CreateRequest(ctx context.Context, req *models.Request) error {
	return r.db.WithContext(ctx).Create(req).Error
}

func (r *gormRequests) UpdateRequestStatus(ctx context.Context, id uuid.UUID, from []models.RequestStatus, to models.RequestStatus) error {
	res := r.db.WithContext(ctx).Model(&models.Request{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(map[string]any{"status": to, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := r.db.WithContext(ctx).Model(&models.Request{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return errors.NotFound.Explain("request not found")
		}
		return errors.ImmutableState.Explain("request %s is not in a state that allows moving to %s", id, to)
	}
	return nil
}

type gormMatches GormStore

func (r *gormMatches) GetMatch(ctx context.Context, id uuid.UUID) (*models.Match, error) {
	var match models.Match
	if err := r.db.WithContext(ctx).First(&match, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "match")
	}
	return &match, nil
}

func (r *gormMatches) CreateMatch(ctx context.Context, match *models.Match) error {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Match{}).
		Where("request_id = ? AND donor_id = ? AND status NOT IN ?",
			match.RequestID, match.DonorID, terminalStatuses()).
		Count(&count).Error
	if err != nil {
		return err
	}
	if count > 0 {
		return errors.DuplicateMatch.Explain("an active match already exists for request %s and donor %s", match.RequestID, match.DonorID)
	}
	return r.db.WithContext(ctx).Create(match).Error
}

func (r *gormMatches) UpdateMatch(ctx context.Context, match *models.Match, expected models.MatchStatus) error {
	res := r.db.WithContext(ctx).Model(&models.Match{}).
		Where("id = ? AND status = ?", match.ID, expected).
		Select("*").Updates(match)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := r.db.WithContext(ctx).Model(&models.Match{}).Where("id = ?", match.ID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return errors.NotFound.Explain("match not found")
		}
		return errors.InvalidTransition.Explain("match %s changed concurrently; expected status %s", match.ID, expected)
	}
	return nil
}

func (r *gormMatches) ListMatchesByRequest(ctx context.Context, requestID uuid.UUID) ([]*models.Match, error) {
	var matches []*models.Match
	if err := r.db.WithContext(ctx).Where("request_id = ?", requestID).Find(&matches).Error; err != nil {
		return nil, err
	}
	return matches, nil
}

func (r *gormMatches) ListActiveMatchesByRequest(ctx context.Context, requestID uuid.UUID) ([]*models.Match, error) {
	var matches []*models.Match
	err := r.db.WithContext(ctx).
		Where("request_id = ? AND status NOT IN ?", requestID, terminalStatuses()).
		Find(&matches).Error
	if err != nil {
		return nil, err
	}
	return matches, nil
}

func (r *gormMatches) ListMatchesByDonor(ctx context.Context, donorID uuid.UUID) ([]*models.Match, error) {
	var matches []*models.Match
	if err := r.db.WithContext(ctx).Where("donor_id = ?", donorID).Find(&matches).Error; err != nil {
		return nil, err
	}
	return matches, nil
}

func terminalStatuses() []models.MatchStatus {
	return []models.MatchStatus{models.MatchRejected, models.MatchFailed, models.MatchTransplanted}
}
