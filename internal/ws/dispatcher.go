package ws

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lifeline-health/lifeline/internal/matching"
	"github.com/lifeline-health/lifeline/internal/notify"
	"github.com/lifeline-health/lifeline/pkg/models"
)

// Dispatcher translates domain events into topic publishes. It is the
// single writer of match and request events; the matcher and the state
// machine call it through their narrow event interfaces.
type Dispatcher struct {
	hub      *Hub
	notifier notify.Notifier
	logger   *zap.Logger
}

// NewDispatcher creates a dispatcher. notifier may be nil.
func NewDispatcher(hub *Hub, notifier notify.Notifier, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{hub: hub, notifier: notifier, logger: logger}
}

// Publish forwards a raw publish to the hub.
func (d *Dispatcher) Publish(topic, event string, payload any) {
	d.hub.Publish(topic, event, payload)
}

// MatchProposed announces a newly proposed match to the requesting
// hospital, the matched donor when connected, and the coordinators.
func (d *Dispatcher) MatchProposed(match *models.Match, req *models.Request, donor *models.Donor) {
	payload := map[string]any{
		"match":   match,
		"request": req,
	}
	d.hub.Publish(TopicHospital(req.HospitalID), EventMatchNew, payload)
	d.hub.Publish(TopicCoordinator, EventMatchNew, payload)
	if donor != nil && d.hub.UserConnected(donor.UserID) {
		d.hub.Publish(TopicUser(donor.UserID), EventMatchNew, payload)
	}
}

// MatchUpdated announces a committed status change to the match topic,
// the parent request topic and the donor when connected.
func (d *Dispatcher) MatchUpdated(match *models.Match, donorUserID uuid.UUID) {
	d.hub.Publish(TopicMatch(match.ID), EventMatchUpdated, match)
	d.hub.Publish(TopicRequest(match.RequestID), EventRequestMatchUpdated, map[string]any{
		"request_id": match.RequestID,
		"match":      match,
	})
	if donorUserID != uuid.Nil && d.hub.UserConnected(donorUserID) {
		d.hub.Publish(TopicUser(donorUserID), EventMatchUpdated, match)
	}
}

// TrackingUpdated announces a transport position change to the match
// topic.
func (d *Dispatcher) TrackingUpdated(match *models.Match) {
	d.hub.Publish(TopicMatch(match.ID), EventTrackingUpdated, map[string]any{
		"match_id":  match.ID,
		"status":    match.Status,
		"logistics": match.Logistics,
	})
}

// BroadcastNewRequest fans a fresh request out to the donors who could
// serve it. Blood requests reach every compatible blood type topic;
// organ requests reach the organ topic. Coordinators always see it.
// Urgent and critical requests additionally go through the notifier.
func (d *Dispatcher) BroadcastNewRequest(req *models.Request) {
	if req.RequestType == models.RequestOrgan {
		d.hub.Publish(TopicOrgan(req.OrganType), EventRequestNew, req)
	} else {
		for _, t := range matching.CompatibleDonorTypes(req.BloodType) {
			d.hub.Publish(TopicBloodType(t), EventRequestNew, req)
		}
	}
	d.hub.Publish(TopicCoordinator, EventRequestNew, req)

	switch req.RecipientDetails.UrgencyLevel {
	case models.UrgencyEmergency, models.UrgencyCritical:
		d.notify(EventRequestNew, req)
	}
}

// BroadcastEmergencyAlert pushes an alert to coordinators and admins.
// When the alert names a blood type or organ, the donors able to serve
// it are alerted too.
func (d *Dispatcher) BroadcastEmergencyAlert(alert map[string]any) {
	if alert == nil {
		alert = map[string]any{}
	}
	alert["issued_at"] = time.Now().UTC()

	if bt, ok := alert["blood_type"].(string); ok && models.BloodType(bt).Valid() {
		for _, t := range matching.CompatibleDonorTypes(models.BloodType(bt)) {
			d.hub.Publish(TopicBloodType(t), EventAlertEmergency, alert)
		}
	}
	if organ, ok := alert["organ_type"].(string); ok && organ != "" {
		d.hub.Publish(TopicOrgan(models.OrganType(organ)), EventAlertEmergency, alert)
	}

	d.hub.Publish(TopicCoordinator, EventAlertEmergency, alert)
	d.hub.Publish(TopicRole(models.RoleAdmin), EventAlertEmergency, alert)
	d.notify(EventAlertEmergency, alert)
}

// DonorAvailabilityUpdated announces a donor availability change to the
// coordinators.
func (d *Dispatcher) DonorAvailabilityUpdated(donor *models.Donor) {
	d.hub.Publish(TopicCoordinator, EventDonorAvailability, map[string]any{
		"donor_id":     donor.ID,
		"is_available": donor.IsAvailable,
		"blood_type":   donor.BloodType,
	})
}

// HospitalCapacityUpdated announces a capacity snapshot to the
// coordinators.
func (d *Dispatcher) HospitalCapacityUpdated(hospital *models.Hospital) {
	d.hub.Publish(TopicCoordinator, EventHospitalCapacityUpdated, map[string]any{
		"hospital_id": hospital.ID,
		"capacity":    hospital.Capacity,
	})
}

// notify hands the event to the external notifier off the hot path.
// Failures are logged and swallowed.
func (d *Dispatcher) notify(event string, payload any) {
	if d.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.notifier.Notify(ctx, event, payload); err != nil {
			d.logger.Warn("notifier delivery failed", zap.String("event", event), zap.Error(err))
		}
	}()
}
