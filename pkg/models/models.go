// Package models holds the persisted entities shared by the matching
// engine, the match lifecycle state machine and the distribution layer.
package models

import (
	"time"

	"github.com/google/uuid"
)

// BloodType is an ABO/Rh blood group.
type BloodType string

const (
	BloodAPos  BloodType = "A+"
	BloodANeg  BloodType = "A-"
	BloodBPos  BloodType = "B+"
	BloodBNeg  BloodType = "B-"
	BloodABPos BloodType = "AB+"
	BloodABNeg BloodType = "AB-"
	BloodOPos  BloodType = "O+"
	BloodONeg  BloodType = "O-"
)

// AllBloodTypes lists every supported blood group.
var AllBloodTypes = []BloodType{
	BloodAPos, BloodANeg, BloodBPos, BloodBNeg,
	BloodABPos, BloodABNeg, BloodOPos, BloodONeg,
}

// Valid reports whether b is one of the eight supported groups.
func (b BloodType) Valid() bool {
	for _, t := range AllBloodTypes {
		if t == b {
			return true
		}
	}
	return false
}

// OrganType identifies a donatable organ or tissue.
type OrganType string

const (
	OrganKidney     OrganType = "kidney"
	OrganLiver      OrganType = "liver"
	OrganHeart      OrganType = "heart"
	OrganLung       OrganType = "lung"
	OrganPancreas   OrganType = "pancreas"
	OrganIntestine  OrganType = "intestine"
	OrganCornea     OrganType = "cornea"
	OrganBone       OrganType = "bone"
	OrganSkin       OrganType = "skin"
	OrganHeartValve OrganType = "heart_valve"
)

// BloodComponent is the requested blood fraction.
type BloodComponent string

const (
	ComponentWhole     BloodComponent = "whole"
	ComponentPlasma    BloodComponent = "plasma"
	ComponentPlatelets BloodComponent = "platelets"
	ComponentRedCells  BloodComponent = "red_cells"
)

// RequestType distinguishes blood from organ requests.
type RequestType string

const (
	RequestBlood RequestType = "blood"
	RequestOrgan RequestType = "organ"
)

// UrgencyLevel is the clinical urgency of a request.
type UrgencyLevel string

const (
	UrgencyRoutine   UrgencyLevel = "routine"
	UrgencyUrgent    UrgencyLevel = "urgent"
	UrgencyEmergency UrgencyLevel = "emergency"
	UrgencyCritical  UrgencyLevel = "critical"
)

// RequestStatus is the lifecycle state of a donation request.
type RequestStatus string

const (
	RequestPending    RequestStatus = "pending"
	RequestSearching  RequestStatus = "searching"
	RequestMatched    RequestStatus = "matched"
	RequestInProgress RequestStatus = "in_progress"
	RequestCompleted  RequestStatus = "completed"
	RequestCancelled  RequestStatus = "cancelled"
)

// Closed reports whether the request accepts no further matching.
func (s RequestStatus) Closed() bool {
	return s == RequestCompleted || s == RequestCancelled
}

// MatchStatus is the lifecycle state of a match.
type MatchStatus string

const (
	MatchProposed            MatchStatus = "proposed"
	MatchPendingConfirmation MatchStatus = "pending_confirmation"
	MatchConfirmed           MatchStatus = "confirmed"
	MatchInTransit           MatchStatus = "in_transit"
	MatchDelivered           MatchStatus = "delivered"
	MatchTransplanted        MatchStatus = "transplanted"
	MatchRejected            MatchStatus = "rejected"
	MatchFailed              MatchStatus = "failed"
)

// Terminal reports whether no further transition may leave the state.
func (s MatchStatus) Terminal() bool {
	return s == MatchRejected || s == MatchFailed || s == MatchTransplanted
}

// Active reports whether the match still counts against the
// one-active-match-per-(request,donor) invariant.
func (s MatchStatus) Active() bool {
	return !s.Terminal()
}

// Role is the caller's role in the system.
type Role string

const (
	RoleHospital    Role = "hospital"
	RoleDonor       Role = "donor"
	RoleCoordinator Role = "coordinator"
	RoleAdmin       Role = "admin"
)

// TransportMethod is how a confirmed donation travels.
type TransportMethod string

const (
	TransportGround     TransportMethod = "ground"
	TransportHelicopter TransportMethod = "helicopter"
	TransportAirplane   TransportMethod = "airplane"
	TransportDrone      TransportMethod = "drone"
)

// GeoPoint is a lon/lat pair (GeoJSON ordering).
type GeoPoint struct {
	Lon float64 `json:"lon"`
	Lat float64 `json:"lat"`
}

// OrganAvailability marks one donatable organ on a donor profile.
// A donor carries at most one entry per organ type.
type OrganAvailability struct {
	OrganType   OrganType `json:"organ_type" validate:"required"`
	IsAvailable bool      `json:"is_available"`
}

// MedicalHistory carries the donor health flags the scorer reads.
type MedicalHistory struct {
	ChronicConditions  []string `json:"chronic_conditions,omitempty"`
	Allergies          []string `json:"allergies,omitempty"`
	Medications        []string `json:"medications,omitempty"`
	SmokingStatus      string   `json:"smoking_status" validate:"omitempty,oneof=never former current"`
	AlcoholConsumption string   `json:"alcohol_consumption" validate:"omitempty,oneof=none light moderate heavy"`
}

// PhysicalDetails carries donor body metrics used for organ size matching.
type PhysicalDetails struct {
	HeightCm float64 `json:"height_cm" validate:"omitempty,gt=0"`
	WeightKg float64 `json:"weight_kg" validate:"omitempty,gt=0"`
	BMI      float64 `json:"bmi" validate:"omitempty,gt=0"`
	Age      int     `json:"age" validate:"omitempty,gte=0,lte=120"`
	Gender   string  `json:"gender" validate:"omitempty,oneof=male female other prefer_not_to_say"`
}

// DonationRecord is one entry of a donor's donation history.
type DonationRecord struct {
	DonationType string    `json:"donation_type" validate:"required,oneof=blood plasma platelets organ"`
	OrganType    OrganType `json:"organ_type,omitempty"`
	Date         time.Time `json:"date" validate:"required"`
	Hospital     string    `json:"hospital" validate:"required"`
	Notes        string    `json:"notes,omitempty"`
}

// Donor is a registered donor profile.
type Donor struct {
	ID               uuid.UUID           `json:"id" gorm:"primaryKey;type:uuid" validate:"required"`
	UserID           uuid.UUID           `json:"user_id" gorm:"type:uuid;uniqueIndex" validate:"required"`
	Name             string              `json:"name" validate:"required,min=1,max=100"`
	BloodType        BloodType           `json:"blood_type" gorm:"index" validate:"required"`
	OrganDonatable   []OrganAvailability `json:"organ_donatable" gorm:"serializer:json"`
	MedicalHistory   MedicalHistory      `json:"medical_history" gorm:"serializer:json"`
	PhysicalDetails  PhysicalDetails     `json:"physical_details" gorm:"serializer:json"`
	DonationHistory  []DonationRecord    `json:"donation_history" gorm:"serializer:json"`
	LastDonationDate *time.Time          `json:"last_donation_date"`
	IsAvailable      bool                `json:"is_available" gorm:"index"`
	Location         *GeoPoint           `json:"location" gorm:"serializer:json"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
}

// DaysSinceLastDonation returns full days since the donor last donated,
// or 365 when the donor has never donated.
func (d *Donor) DaysSinceLastDonation(now time.Time) int {
	if d.LastDonationDate == nil {
		return 365
	}
	return int(now.Sub(*d.LastDonationDate).Hours() / 24)
}

// OrganAvailable reports whether the donor offers the given organ.
func (d *Donor) OrganAvailable(organ OrganType) bool {
	for _, o := range d.OrganDonatable {
		if o.OrganType == organ && o.IsAvailable {
			return true
		}
	}
	return false
}

// HospitalCapacity is the self-reported capacity snapshot a hospital
// pushes over the socket; opaque to the matching core.
type HospitalCapacity struct {
	BloodBankUnits int `json:"blood_bank_units"`
	ICUBeds        int `json:"icu_beds"`
	OperatingRooms int `json:"operating_rooms"`
}

// Hospital is a requesting hospital profile.
type Hospital struct {
	ID        uuid.UUID        `json:"id" gorm:"primaryKey;type:uuid" validate:"required"`
	UserID    uuid.UUID        `json:"user_id" gorm:"type:uuid;uniqueIndex" validate:"required"`
	Name      string           `json:"name" validate:"required,min=1,max=200"`
	Location  *GeoPoint        `json:"location" gorm:"serializer:json"`
	Capacity  HospitalCapacity `json:"capacity" gorm:"serializer:json"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// AgeRange bounds the preferred donor age for organ requests.
type AgeRange struct {
	Min int `json:"min" validate:"gte=0"`
	Max int `json:"max" validate:"gtefield=Min"`
}

// MatchCriteria narrows the candidate pool for a request.
type MatchCriteria struct {
	MaxDistanceKm          float64   `json:"max_distance_km" validate:"gt=0"`
	PreferredAgeRange      *AgeRange `json:"preferred_age_range,omitempty"`
	AdditionalRequirements []string  `json:"additional_requirements,omitempty"`
}

// RecipientDetails describes the patient a request is for.
type RecipientDetails struct {
	Age          int          `json:"age" validate:"omitempty,gte=0,lte=120"`
	Gender       string       `json:"gender,omitempty"`
	BloodType    BloodType    `json:"blood_type,omitempty"`
	WeightKg     float64      `json:"weight_kg,omitempty"`
	HeightCm     float64      `json:"height_cm,omitempty"`
	Diagnosis    string       `json:"diagnosis,omitempty"`
	UrgencyLevel UrgencyLevel `json:"urgency_level" validate:"required,oneof=routine urgent emergency critical"`
}

// Request is a hospital's donation request.
type Request struct {
	ID               uuid.UUID        `json:"id" gorm:"primaryKey;type:uuid" validate:"required"`
	HospitalID       uuid.UUID        `json:"hospital_id" gorm:"type:uuid;index" validate:"required"`
	RequestType      RequestType      `json:"request_type" gorm:"index" validate:"required,oneof=blood organ"`
	BloodType        BloodType        `json:"blood_type,omitempty"`
	BloodQuantity    int              `json:"blood_quantity,omitempty" validate:"omitempty,gte=1"`
	BloodComponent   BloodComponent   `json:"blood_component,omitempty"`
	OrganType        OrganType        `json:"organ_type,omitempty"`
	RecipientDetails RecipientDetails `json:"recipient_details" gorm:"serializer:json"`
	RequiredBy       time.Time        `json:"required_by" validate:"required"`
	Status           RequestStatus    `json:"status" gorm:"index;default:pending"`
	Notes            string           `json:"notes,omitempty"`
	CreatedBy        uuid.UUID        `json:"created_by" gorm:"type:uuid" validate:"required"`
	MatchCriteria    MatchCriteria    `json:"match_criteria" gorm:"serializer:json"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// MatchFactors records the sub-scores behind a match score.
type MatchFactors struct {
	BloodTypeCompatibility bool    `json:"blood_type_compatibility"`
	DistanceKm             float64 `json:"distance_km"`
	AgeDifference          int     `json:"age_difference"`
	SizeMatch              int     `json:"size_match,omitempty"`     // percent, organ only
	UrgencyFactor          int     `json:"urgency_factor,omitempty"` // percent, organ only
	TimeToTransportMin     int     `json:"time_to_transport_min"`
}

// TrackingInfo is the live transport position for a match in transit.
type TrackingInfo struct {
	VehicleID       string     `json:"vehicle_id,omitempty"`
	DriverContact   string     `json:"driver_contact,omitempty"`
	CurrentLocation *GeoPoint  `json:"current_location,omitempty"`
	LastUpdated     *time.Time `json:"last_updated,omitempty"`
}

// Logistics captures transport arrangements for a confirmed match.
type Logistics struct {
	TransportArrangedBy *uuid.UUID      `json:"transport_arranged_by,omitempty"`
	EstimatedArrival    *time.Time      `json:"estimated_arrival,omitempty"`
	ActualDeparture     *time.Time      `json:"actual_departure,omitempty"`
	ActualArrival       *time.Time      `json:"actual_arrival,omitempty"`
	TransportMethod     TransportMethod `json:"transport_method,omitempty" validate:"omitempty,oneof=ground helicopter airplane drone"`
	Tracking            TrackingInfo    `json:"tracking"`
	SpecialInstructions string          `json:"special_instructions,omitempty"`
}

// Outcome records how a completed match ended.
type Outcome struct {
	Successful *bool      `json:"successful,omitempty"`
	Notes      string     `json:"notes,omitempty"`
	ReportedBy *uuid.UUID `json:"reported_by,omitempty"`
	ReportedAt *time.Time `json:"reported_at,omitempty"`
}

// Match pairs one request with one donor and carries the lifecycle state.
type Match struct {
	ID              uuid.UUID    `json:"id" gorm:"primaryKey;type:uuid" validate:"required"`
	RequestID       uuid.UUID    `json:"request_id" gorm:"type:uuid;index:idx_match_request_status" validate:"required"`
	DonorID         uuid.UUID    `json:"donor_id" gorm:"type:uuid;index:idx_match_donor_status" validate:"required"`
	MatchScore      float64      `json:"match_score" validate:"gte=0,lte=100"`
	MatchFactors    MatchFactors `json:"match_factors" gorm:"serializer:json"`
	Status          MatchStatus  `json:"status" gorm:"index:idx_match_request_status;index:idx_match_donor_status;default:proposed"`
	ConfirmedAt     *time.Time   `json:"confirmed_at,omitempty"`
	RejectionReason string       `json:"rejection_reason,omitempty"`
	Logistics       Logistics    `json:"logistics" gorm:"serializer:json"`
	Outcome         Outcome      `json:"outcome" gorm:"serializer:json"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// BatchStats summarises one ProcessAllPending run.
type BatchStats struct {
	Total        int `json:"total"`
	Processed    int `json:"processed"`
	MatchesFound int `json:"matches_found"`
	Errors       int `json:"errors"`
}

// Identity is the authenticated actor attached to every core call.
type Identity struct {
	UserID     uuid.UUID  `json:"user_id"`
	Role       Role       `json:"role"`
	HospitalID *uuid.UUID `json:"hospital_id,omitempty"`
	DonorID    *uuid.UUID `json:"donor_id,omitempty"`
}

// CanTrack reports whether the actor may issue transport transitions.
func (id Identity) CanTrack() bool {
	return id.Role == RoleCoordinator || id.Role == RoleAdmin
}
