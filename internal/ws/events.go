package ws

import (
	"time"

	"github.com/google/uuid"

	"github.com/lifeline-health/lifeline/pkg/models"
)

// Wire-level event names. These are part of the protocol with connected
// clients and must not change.
const (
	EventRequestNew              = "request:new"
	EventRequestSubscribed       = "request:subscribed"
	EventRequestMatchUpdated     = "request:matchUpdated"
	EventMatchNew                = "match:new"
	EventMatchSubscribed         = "match:subscribed"
	EventMatchUpdated            = "match:updated"
	EventTrackingUpdated         = "tracking:updated"
	EventHospitalCapacityUpdated = "hospital:capacityUpdated"
	EventDonorAvailability       = "donor:availabilityUpdated"
	EventAlertEmergency          = "alert:emergency"
	EventError                   = "error"
	EventChatMessage             = "chat:message"
	EventChatTyping              = "chat:typing"
)

// Topic names. A topic is the unit of fan-out: sessions join topics and
// every publish goes to one topic.
const TopicCoordinator = "coordinator"

func TopicRole(role models.Role) string      { return "role:" + string(role) }
func TopicUser(id uuid.UUID) string          { return "user:" + id.String() }
func TopicHospital(id uuid.UUID) string      { return "hospital:" + id.String() }
func TopicDonor(id uuid.UUID) string         { return "donor:" + id.String() }
func TopicBloodType(t models.BloodType) string { return "bloodType:" + string(t) }
func TopicOrgan(t models.OrganType) string   { return "organ:" + string(t) }
func TopicRequest(id uuid.UUID) string       { return "request:" + id.String() }
func TopicMatch(id uuid.UUID) string         { return "match:" + id.String() }

// Frame is the envelope every published event travels in.
type Frame struct {
	Event     string    `json:"event"`
	Topic     string    `json:"topic,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"ts"`
}
