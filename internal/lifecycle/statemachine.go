// Package lifecycle implements the match state machine: transition
// validation, atomic application and side effects such as rejecting
// sibling matches when one is confirmed.
package lifecycle

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lifeline-health/lifeline/internal/storage"
	"github.com/lifeline-health/lifeline/pkg/errors"
	"github.com/lifeline-health/lifeline/pkg/models"
)

// Events is the slice of the event dispatcher the state machine
// publishes to after a transition commits. Publication is best-effort:
// it runs off the critical path and never rolls a transition back.
type Events interface {
	MatchUpdated(match *models.Match, donorUserID uuid.UUID)
	TrackingUpdated(match *models.Match)
}

// Payload carries the optional inputs of a transition.
type Payload struct {
	Reason           string
	TransportMethod  models.TransportMethod
	Location         *models.GeoPoint
	EstimatedArrival *time.Time
	OutcomeNotes     string
	Successful       *bool
}

// siblingRejectionReason is part of the persisted record; keep stable.
const siblingRejectionReason = "Another match was confirmed"

const cancelledRejectionReason = "Request cancelled"

// transitions lists the permitted target states per current state.
// Terminal states allow nothing.
var transitions = map[models.MatchStatus][]models.MatchStatus{
	models.MatchProposed: {
		models.MatchPendingConfirmation, models.MatchConfirmed,
		models.MatchRejected, models.MatchFailed,
	},
	models.MatchPendingConfirmation: {
		models.MatchConfirmed, models.MatchRejected, models.MatchFailed,
	},
	models.MatchConfirmed: {
		models.MatchInTransit, models.MatchRejected, models.MatchFailed,
	},
	models.MatchInTransit: {
		models.MatchDelivered, models.MatchRejected, models.MatchFailed,
	},
	models.MatchDelivered: {
		models.MatchTransplanted, models.MatchRejected, models.MatchFailed,
	},
	models.MatchTransplanted: {},
	models.MatchRejected:     {},
	models.MatchFailed:       {},
}

func allowed(from, to models.MatchStatus) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// trackingStates are reachable only by transport-authorized actors.
var trackingStates = map[models.MatchStatus]bool{
	models.MatchInTransit: true,
	models.MatchDelivered: true,
}

// StateMachine applies match status transitions atomically.
type StateMachine struct {
	store  storage.Store
	events Events
	logger *zap.Logger
}

// NewStateMachine creates a state machine. events may be nil.
func NewStateMachine(store storage.Store, events Events, logger *zap.Logger) *StateMachine {
	return &StateMachine{store: store, events: events, logger: logger}
}

// Transition validates and applies a status change. The whole
// read-check-mutate cycle, including the sibling sweep on confirm, runs
// in one transactional scope, so concurrent confirms on siblings of the
// same request resolve to exactly one confirmed match. Re-applying the
// current status is a no-op success for an actor authorized to drive
// that status.
func (sm *StateMachine) Transition(ctx context.Context, matchID uuid.UUID, target models.MatchStatus, actor models.Identity, payload Payload) (*models.Match, error) {
	if _, ok := transitions[target]; !ok && !target.Terminal() {
		return nil, errors.Validation.Explain("unknown match status %q", target)
	}

	var (
		result   *models.Match
		rejected []*models.Match // siblings swept during a confirm
		donorUID uuid.UUID
		applied  bool
	)

	err := sm.store.Transact(ctx, func(s storage.Store) error {
		match, err := s.Matches().GetMatch(ctx, matchID)
		if err != nil {
			return err
		}

		donor, err := s.Donors().GetDonor(ctx, match.DonorID)
		if err != nil {
			return err
		}
		donorUID = donor.UserID

		req, err := s.Requests().GetRequest(ctx, match.RequestID)
		if err != nil {
			return err
		}
		if err := authorize(actor, match, req, target); err != nil {
			return err
		}

		if match.Status == target {
			// idempotent re-apply: succeed without side effects
			result = match
			return nil
		}
		if match.Status.Terminal() {
			return errors.InvalidTransition.Explain("match %s is %s; no further transitions accepted", match.ID, match.Status)
		}
		if !allowed(match.Status, target) {
			return errors.InvalidTransition.Explain("cannot move match %s from %s to %s", match.ID, match.Status, target)
		}

		prev := match.Status
		now := time.Now().UTC()
		switch target {
		case models.MatchConfirmed:
			match.ConfirmedAt = &now
		case models.MatchRejected:
			if payload.Reason == "" {
				return errors.Validation.Explain("a rejection reason is required")
			}
			match.RejectionReason = payload.Reason
		case models.MatchInTransit, models.MatchDelivered:
			applyTracking(match, payload, now)
		case models.MatchTransplanted, models.MatchFailed:
			match.Outcome.Notes = payload.OutcomeNotes
			match.Outcome.Successful = payload.Successful
			if match.Outcome.Successful == nil {
				ok := target == models.MatchTransplanted
				match.Outcome.Successful = &ok
			}
			match.Outcome.ReportedBy = &actor.UserID
			match.Outcome.ReportedAt = &now
		}
		match.Status = target
		match.UpdatedAt = now

		if err := s.Matches().UpdateMatch(ctx, match, prev); err != nil {
			return err
		}

		switch target {
		case models.MatchConfirmed:
			rejected, err = sm.rejectSiblings(ctx, s, match, now)
			if err != nil {
				return err
			}
			if err := sm.moveRequest(ctx, s, req.ID,
				[]models.RequestStatus{models.RequestPending, models.RequestSearching},
				models.RequestMatched); err != nil {
				return err
			}
		case models.MatchInTransit:
			if err := sm.moveRequest(ctx, s, req.ID,
				[]models.RequestStatus{models.RequestMatched},
				models.RequestInProgress); err != nil {
				return err
			}
		case models.MatchDelivered, models.MatchTransplanted:
			if donationComplete(req, target) {
				if err := sm.recordDonation(ctx, s, match, req, now); err != nil {
					return err
				}
				if err := sm.moveRequest(ctx, s, req.ID,
					[]models.RequestStatus{models.RequestMatched, models.RequestInProgress},
					models.RequestCompleted); err != nil {
					return err
				}
			}
		}

		result = match
		applied = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if sm.events != nil && applied {
		sm.publish(ctx, result, donorUID, rejected, target)
	}
	return result, nil
}

// UpdateTracking refreshes the transport position of a match already in
// transit without driving a status transition. Only transport-authorized
// actors may call it.
func (sm *StateMachine) UpdateTracking(ctx context.Context, matchID uuid.UUID, actor models.Identity, payload Payload) (*models.Match, error) {
	if !actor.CanTrack() {
		return nil, errors.Authorization.Explain("only transport-authorized roles may update tracking")
	}

	var result *models.Match
	err := sm.store.Transact(ctx, func(s storage.Store) error {
		match, err := s.Matches().GetMatch(ctx, matchID)
		if err != nil {
			return err
		}
		if match.Status != models.MatchInTransit {
			return errors.InvalidTransition.Explain("match %s is %s; tracking applies only in transit", match.ID, match.Status)
		}
		now := time.Now().UTC()
		applyTracking(match, payload, now)
		match.UpdatedAt = now
		if err := s.Matches().UpdateMatch(ctx, match, models.MatchInTransit); err != nil {
			return err
		}
		result = match
		return nil
	})
	if err != nil {
		return nil, err
	}

	if sm.events != nil {
		sm.events.TrackingUpdated(result)
	}
	return result, nil
}

// CancelRequest moves a request to cancelled and rejects all its still
// active matches under the same transactional scope.
func (sm *StateMachine) CancelRequest(ctx context.Context, requestID uuid.UUID, actor models.Identity) error {
	var rejected []*models.Match

	err := sm.store.Transact(ctx, func(s storage.Store) error {
		req, err := s.Requests().GetRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if actor.Role == models.RoleHospital && (actor.HospitalID == nil || *actor.HospitalID != req.HospitalID) {
			return errors.Authorization.Explain("hospital may only cancel its own requests")
		}
		if actor.Role == models.RoleDonor {
			return errors.Authorization.Explain("donors may not cancel requests")
		}
		if req.Status == models.RequestCancelled {
			return nil
		}
		if req.Status == models.RequestCompleted {
			return errors.ImmutableState.Explain("request %s is completed", req.ID)
		}

		err = s.Requests().UpdateRequestStatus(ctx, req.ID,
			[]models.RequestStatus{
				models.RequestPending, models.RequestSearching,
				models.RequestMatched, models.RequestInProgress,
			}, models.RequestCancelled)
		if err != nil {
			return err
		}

		active, err := s.Matches().ListActiveMatchesByRequest(ctx, req.ID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		for _, m := range active {
			prev := m.Status
			m.Status = models.MatchRejected
			m.RejectionReason = cancelledRejectionReason
			m.UpdatedAt = now
			if err := s.Matches().UpdateMatch(ctx, m, prev); err != nil {
				return err
			}
			rejected = append(rejected, m)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if sm.events != nil {
		for _, m := range rejected {
			sm.notifyUpdated(ctx, m)
		}
	}
	return nil
}

// rejectSiblings sweeps every other active match of the same request
// into rejected. It runs inside the confirm's transactional scope.
func (sm *StateMachine) rejectSiblings(ctx context.Context, s storage.Store, confirmed *models.Match, now time.Time) ([]*models.Match, error) {
	active, err := s.Matches().ListActiveMatchesByRequest(ctx, confirmed.RequestID)
	if err != nil {
		return nil, err
	}
	var rejected []*models.Match
	for _, m := range active {
		if m.ID == confirmed.ID {
			continue
		}
		prev := m.Status
		m.Status = models.MatchRejected
		m.RejectionReason = siblingRejectionReason
		m.UpdatedAt = now
		if err := s.Matches().UpdateMatch(ctx, m, prev); err != nil {
			return nil, err
		}
		rejected = append(rejected, m)
	}
	return rejected, nil
}

// moveRequest applies a conditional request status change, tolerating
// the case where another writer got there first.
func (sm *StateMachine) moveRequest(ctx context.Context, s storage.Store, id uuid.UUID, from []models.RequestStatus, to models.RequestStatus) error {
	err := s.Requests().UpdateRequestStatus(ctx, id, from, to)
	if errors.Is(err, errors.ImmutableState) {
		return nil
	}
	return err
}

// recordDonation appends the completed donation to the donor's history
// and stamps the last donation date.
func (sm *StateMachine) recordDonation(ctx context.Context, s storage.Store, match *models.Match, req *models.Request, now time.Time) error {
	donor, err := s.Donors().GetDonor(ctx, match.DonorID)
	if err != nil {
		return err
	}
	hospital, err := s.Hospitals().GetHospital(ctx, req.HospitalID)
	if err != nil {
		return err
	}

	record := models.DonationRecord{
		Date:     now,
		Hospital: hospital.Name,
	}
	if req.RequestType == models.RequestOrgan {
		record.DonationType = "organ"
		record.OrganType = req.OrganType
	} else {
		switch req.BloodComponent {
		case models.ComponentPlasma:
			record.DonationType = "plasma"
		case models.ComponentPlatelets:
			record.DonationType = "platelets"
		default:
			record.DonationType = "blood"
		}
	}

	donor.DonationHistory = append(donor.DonationHistory, record)
	donor.LastDonationDate = &now
	donor.UpdatedAt = now
	return s.Donors().UpdateDonor(ctx, donor)
}

// donationComplete reports whether the target state finishes the
// donation for the given request type: delivery completes a blood
// donation, transplantation completes an organ donation.
func donationComplete(req *models.Request, target models.MatchStatus) bool {
	if req.RequestType == models.RequestBlood {
		return target == models.MatchDelivered
	}
	return target == models.MatchTransplanted
}

func applyTracking(match *models.Match, payload Payload, now time.Time) {
	if payload.TransportMethod != "" {
		match.Logistics.TransportMethod = payload.TransportMethod
	}
	if payload.Location != nil {
		loc := *payload.Location
		match.Logistics.Tracking.CurrentLocation = &loc
	}
	if payload.EstimatedArrival != nil {
		eta := *payload.EstimatedArrival
		match.Logistics.EstimatedArrival = &eta
	}
	match.Logistics.Tracking.LastUpdated = &now
}

// authorize enforces who may drive which transition. Transport
// transitions are coordinator/admin only; hospitals act only on their
// own requests, donors only on their own matches.
func authorize(actor models.Identity, match *models.Match, req *models.Request, target models.MatchStatus) error {
	if trackingStates[target] && !actor.CanTrack() {
		return errors.Authorization.Explain("only transport-authorized roles may update tracking")
	}
	switch actor.Role {
	case models.RoleHospital:
		if actor.HospitalID == nil || *actor.HospitalID != req.HospitalID {
			return errors.Authorization.Explain("hospital may only act on its own requests")
		}
	case models.RoleDonor:
		if actor.DonorID == nil || *actor.DonorID != match.DonorID {
			return errors.Authorization.Explain("donor may only act on its own matches")
		}
		if target != models.MatchRejected && target != models.MatchPendingConfirmation {
			return errors.Authorization.Explain("donors may only accept or decline a proposed match")
		}
	}
	return nil
}

// publish fans the committed transition out to the interested topics.
func (sm *StateMachine) publish(ctx context.Context, match *models.Match, donorUserID uuid.UUID, rejected []*models.Match, target models.MatchStatus) {
	sm.events.MatchUpdated(match, donorUserID)
	if trackingStates[target] {
		sm.events.TrackingUpdated(match)
	}
	for _, m := range rejected {
		sm.notifyUpdated(ctx, m)
	}
}

// notifyUpdated resolves the donor user for a swept match and publishes
// its update; resolution failures are logged and swallowed.
func (sm *StateMachine) notifyUpdated(ctx context.Context, match *models.Match) {
	donor, err := sm.store.Donors().GetDonor(ctx, match.DonorID)
	if err != nil {
		sm.logger.Warn("failed to resolve donor for match update event",
			zap.String("match_id", match.ID.String()), zap.Error(err))
		sm.events.MatchUpdated(match, uuid.Nil)
		return
	}
	sm.events.MatchUpdated(match, donor.UserID)
}
