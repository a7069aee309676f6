package ws

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lifeline-health/lifeline/internal/storage"
	"github.com/lifeline-health/lifeline/pkg/errors"
	"github.com/lifeline-health/lifeline/pkg/models"
)

// RoomManager decides which topics a session belongs to. Role topics
// are joined automatically at connect; request and match topics are
// joined on demand and gated by authorization.
type RoomManager struct {
	hub     *Hub
	store   storage.Store
	metrics *Metrics
	logger  *zap.Logger
}

// NewRoomManager creates a room manager bound to the hub.
func NewRoomManager(hub *Hub, store storage.Store, metrics *Metrics, logger *zap.Logger) *RoomManager {
	return &RoomManager{hub: hub, store: store, metrics: metrics, logger: logger}
}

// OnConnect joins the topics implied by the session identity: the role
// and user topics for everyone, plus the profile-scoped topics of the
// role. Donors additionally join their blood type topic and one topic
// per available organ so that new requests reach them directly.
func (rm *RoomManager) OnConnect(ctx context.Context, c *Client) {
	id := c.Identity()
	rm.hub.Join(c, TopicRole(id.Role))
	rm.hub.Join(c, TopicUser(id.UserID))

	switch id.Role {
	case models.RoleHospital:
		if id.HospitalID != nil {
			rm.hub.Join(c, TopicHospital(*id.HospitalID))
		}
	case models.RoleDonor:
		if id.DonorID == nil {
			return
		}
		rm.hub.Join(c, TopicDonor(*id.DonorID))
		donor, err := rm.store.Donors().GetDonor(ctx, *id.DonorID)
		if err != nil {
			rm.logger.Warn("failed to load donor profile for topic setup",
				zap.String("donor_id", id.DonorID.String()), zap.Error(err))
			return
		}
		rm.joinDonorInterestTopics(c, donor)
	case models.RoleCoordinator, models.RoleAdmin:
		rm.hub.Join(c, TopicCoordinator)
	}
}

// joinDonorInterestTopics joins the blood type and per-organ topics
// derived from the donor profile.
func (rm *RoomManager) joinDonorInterestTopics(c *Client, donor *models.Donor) {
	rm.hub.Join(c, TopicBloodType(donor.BloodType))
	for _, organ := range donor.OrganDonatable {
		if organ.IsAvailable {
			rm.hub.Join(c, TopicOrgan(organ.OrganType))
		}
	}
}

// RefreshDonorTopics re-derives the donor's organ topics after a
// profile change, leaving topics for organs no longer offered.
func (rm *RoomManager) RefreshDonorTopics(c *Client, donor *models.Donor) {
	wanted := make(map[string]struct{})
	wanted[TopicBloodType(donor.BloodType)] = struct{}{}
	for _, organ := range donor.OrganDonatable {
		if organ.IsAvailable {
			wanted[TopicOrgan(organ.OrganType)] = struct{}{}
		}
	}

	c.mu.Lock()
	current := make([]string, 0, len(c.topics))
	for topic := range c.topics {
		current = append(current, topic)
	}
	c.mu.Unlock()

	for _, topic := range current {
		if !interestTopic(topic) {
			continue
		}
		if _, ok := wanted[topic]; !ok {
			rm.hub.Leave(c, topic)
		}
	}
	for topic := range wanted {
		rm.hub.Join(c, topic)
	}
}

func interestTopic(topic string) bool {
	return strings.HasPrefix(topic, "bloodType:") || strings.HasPrefix(topic, "organ:")
}

// SubscribeRequest joins the session to a request topic after checking
// the caller may observe that request. The joined session receives a
// request:subscribed acknowledgement.
func (rm *RoomManager) SubscribeRequest(ctx context.Context, c *Client, requestID uuid.UUID) error {
	req, err := rm.store.Requests().GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if err := rm.authorizeRequest(ctx, c.Identity(), req); err != nil {
		if rm.metrics != nil {
			rm.metrics.SubscriptionsDenied.Inc()
		}
		return err
	}
	rm.hub.Join(c, TopicRequest(requestID))
	rm.hub.SendTo(c, EventRequestSubscribed, map[string]any{
		"request_id": requestID,
		"status":     req.Status,
	})
	return nil
}

// UnsubscribeRequest leaves the request topic. Leaving a topic the
// session never joined is a no-op.
func (rm *RoomManager) UnsubscribeRequest(c *Client, requestID uuid.UUID) {
	rm.hub.Leave(c, TopicRequest(requestID))
}

// SubscribeMatch joins the session to a match topic after checking the
// caller is a party to that match.
func (rm *RoomManager) SubscribeMatch(ctx context.Context, c *Client, matchID uuid.UUID) error {
	match, err := rm.store.Matches().GetMatch(ctx, matchID)
	if err != nil {
		return err
	}
	if err := rm.authorizeMatch(ctx, c.Identity(), match); err != nil {
		if rm.metrics != nil {
			rm.metrics.SubscriptionsDenied.Inc()
		}
		return err
	}
	rm.hub.Join(c, TopicMatch(matchID))
	rm.hub.SendTo(c, EventMatchSubscribed, map[string]any{
		"match_id": matchID,
		"status":   match.Status,
	})
	return nil
}

// UnsubscribeMatch leaves the match topic.
func (rm *RoomManager) UnsubscribeMatch(c *Client, matchID uuid.UUID) {
	rm.hub.Leave(c, TopicMatch(matchID))
}

// authorizeRequest enforces who may observe a request: the owning
// hospital, a donor with an active match against it, or a coordinator.
func (rm *RoomManager) authorizeRequest(ctx context.Context, id models.Identity, req *models.Request) error {
	switch id.Role {
	case models.RoleCoordinator, models.RoleAdmin:
		return nil
	case models.RoleHospital:
		if id.HospitalID != nil && *id.HospitalID == req.HospitalID {
			return nil
		}
		return errors.Authorization.Explain("hospital may only observe its own requests")
	case models.RoleDonor:
		if id.DonorID == nil {
			return errors.Authorization.Explain("donor identity carries no donor profile")
		}
		active, err := rm.store.Matches().ListActiveMatchesByRequest(ctx, req.ID)
		if err != nil {
			return err
		}
		for _, m := range active {
			if m.DonorID == *id.DonorID {
				return nil
			}
		}
		return errors.Authorization.Explain("donor has no active match against this request")
	}
	return errors.Authorization.Explain("role %q may not observe requests", id.Role)
}

// authorizeMatch enforces who may observe a match. Donors lose access
// once the match is rejected or failed; a delivered or transplanted
// match stays visible to its parties.
func (rm *RoomManager) authorizeMatch(ctx context.Context, id models.Identity, match *models.Match) error {
	switch id.Role {
	case models.RoleCoordinator, models.RoleAdmin:
		return nil
	case models.RoleHospital:
		req, err := rm.store.Requests().GetRequest(ctx, match.RequestID)
		if err != nil {
			return err
		}
		if id.HospitalID != nil && *id.HospitalID == req.HospitalID {
			return nil
		}
		return errors.Authorization.Explain("hospital may only observe matches of its own requests")
	case models.RoleDonor:
		if id.DonorID == nil || *id.DonorID != match.DonorID {
			return errors.Authorization.Explain("donor may only observe their own matches")
		}
		if match.Status == models.MatchRejected || match.Status == models.MatchFailed {
			return errors.Authorization.Explain("match %s is closed", match.ID)
		}
		return nil
	}
	return errors.Authorization.Explain("role %q may not observe matches", id.Role)
}
