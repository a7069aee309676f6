package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lifeline-health/lifeline/internal/config"
	"github.com/lifeline-health/lifeline/internal/lifecycle"
	"github.com/lifeline-health/lifeline/internal/storage"
	"github.com/lifeline-health/lifeline/pkg/errors"
	"github.com/lifeline-health/lifeline/pkg/models"
)

// Inbound actions clients may send over the socket.
const (
	actionRequestSubscribe   = "request:subscribe"
	actionRequestUnsubscribe = "request:unsubscribe"
	actionMatchSubscribe     = "match:subscribe"
	actionMatchUnsubscribe   = "match:unsubscribe"
	actionMatchStatusUpdate  = "match:statusUpdate"
	actionTrackingUpdate     = "tracking:update"
	actionChatMessage        = "chat:message"
	actionChatTyping         = "chat:typing"
	actionDonorAvailability  = "donor:availability"
	actionHospitalCapacity   = "hospital:capacity"
	actionEmergencyAlert     = "alert:emergency"
)

// inbound is the envelope of every client-to-server message.
type inbound struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

// Handler upgrades authenticated HTTP requests to websocket sessions
// and drives the read/write pumps.
type Handler struct {
	hub        *Hub
	rooms      *RoomManager
	dispatcher *Dispatcher
	sm         *lifecycle.StateMachine
	store      storage.Store
	cfg        config.WSConfig
	upgrader   websocket.Upgrader
	logger     *zap.Logger
}

// NewHandler wires the socket handler. originAllowed decides which
// Origin headers may connect; nil allows all.
func NewHandler(hub *Hub, rooms *RoomManager, dispatcher *Dispatcher, sm *lifecycle.StateMachine, store storage.Store, cfg config.WSConfig, originAllowed func(r *http.Request) bool, logger *zap.Logger) *Handler {
	if originAllowed == nil {
		originAllowed = func(*http.Request) bool { return true }
	}
	return &Handler{
		hub:        hub,
		rooms:      rooms,
		dispatcher: dispatcher,
		sm:         sm,
		store:      store,
		cfg:        cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     originAllowed,
		},
		logger: logger,
	}
}

// Serve upgrades the request and runs the session until the peer
// disconnects. identity must already be authenticated.
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request, identity models.Identity) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := h.hub.NewClient(identity)
	h.rooms.OnConnect(r.Context(), client)
	h.logger.Info("websocket session opened",
		zap.String("session_id", client.ID()),
		zap.String("user_id", identity.UserID.String()),
		zap.String("role", string(identity.Role)))

	go h.writePump(conn, client)
	h.readPump(conn, client)
}

// writePump drains the client send queue onto the wire and keeps the
// connection alive with pings.
func (h *Handler) writePump(conn *websocket.Conn, client *Client) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case data, ok := <-client.send:
			conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes inbound messages until the connection drops, then
// unregisters the session.
func (h *Handler) readPump(conn *websocket.Conn, client *Client) {
	defer func() {
		h.hub.Remove(client)
		conn.Close()
		h.logger.Info("websocket session closed", zap.String("session_id", client.ID()))
	}()

	conn.SetReadLimit(h.cfg.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read error", zap.String("session_id", client.ID()), zap.Error(err))
			}
			return
		}
		h.handleMessage(client, data)
	}
}

// handleMessage routes one inbound message. Errors go back to the
// sender as error events; they never tear the session down.
func (h *Handler) handleMessage(client *Client, data []byte) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		h.sendError(client, errors.Validation.Explain("malformed message"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	switch msg.Action {
	case actionRequestSubscribe:
		err = h.onRequestSubscribe(ctx, client, msg.Data)
	case actionRequestUnsubscribe:
		err = h.onRequestUnsubscribe(client, msg.Data)
	case actionMatchSubscribe:
		err = h.onMatchSubscribe(ctx, client, msg.Data)
	case actionMatchUnsubscribe:
		err = h.onMatchUnsubscribe(client, msg.Data)
	case actionMatchStatusUpdate:
		err = h.onMatchStatusUpdate(ctx, client, msg.Data)
	case actionTrackingUpdate:
		err = h.onTrackingUpdate(ctx, client, msg.Data)
	case actionChatMessage, actionChatTyping:
		err = h.onChat(client, msg.Action, msg.Data)
	case actionDonorAvailability:
		err = h.onDonorAvailability(ctx, client, msg.Data)
	case actionHospitalCapacity:
		err = h.onHospitalCapacity(ctx, client, msg.Data)
	case actionEmergencyAlert:
		err = h.onEmergencyAlert(client, msg.Data)
	default:
		err = errors.Validation.Explain("unknown action %q", msg.Action)
	}
	if err != nil {
		h.sendError(client, err)
	}
}

type requestRef struct {
	RequestID uuid.UUID `json:"request_id"`
}

type matchRef struct {
	MatchID uuid.UUID `json:"match_id"`
}

func (h *Handler) onRequestSubscribe(ctx context.Context, client *Client, data json.RawMessage) error {
	var ref requestRef
	if err := json.Unmarshal(data, &ref); err != nil || ref.RequestID == uuid.Nil {
		return errors.Validation.Explain("request_id is required")
	}
	return h.rooms.SubscribeRequest(ctx, client, ref.RequestID)
}

func (h *Handler) onRequestUnsubscribe(client *Client, data json.RawMessage) error {
	var ref requestRef
	if err := json.Unmarshal(data, &ref); err != nil || ref.RequestID == uuid.Nil {
		return errors.Validation.Explain("request_id is required")
	}
	h.rooms.UnsubscribeRequest(client, ref.RequestID)
	return nil
}

func (h *Handler) onMatchSubscribe(ctx context.Context, client *Client, data json.RawMessage) error {
	var ref matchRef
	if err := json.Unmarshal(data, &ref); err != nil || ref.MatchID == uuid.Nil {
		return errors.Validation.Explain("match_id is required")
	}
	return h.rooms.SubscribeMatch(ctx, client, ref.MatchID)
}

func (h *Handler) onMatchUnsubscribe(client *Client, data json.RawMessage) error {
	var ref matchRef
	if err := json.Unmarshal(data, &ref); err != nil || ref.MatchID == uuid.Nil {
		return errors.Validation.Explain("match_id is required")
	}
	h.rooms.UnsubscribeMatch(client, ref.MatchID)
	return nil
}

type statusUpdatePayload struct {
	MatchID          uuid.UUID              `json:"match_id"`
	Status           models.MatchStatus     `json:"status"`
	Reason           string                 `json:"reason,omitempty"`
	TransportMethod  models.TransportMethod `json:"transport_method,omitempty"`
	Location         *models.GeoPoint       `json:"location,omitempty"`
	EstimatedArrival *time.Time             `json:"estimated_arrival,omitempty"`
	OutcomeNotes     string                 `json:"outcome_notes,omitempty"`
	Successful       *bool                  `json:"successful,omitempty"`
}

func (h *Handler) onMatchStatusUpdate(ctx context.Context, client *Client, data json.RawMessage) error {
	var p statusUpdatePayload
	if err := json.Unmarshal(data, &p); err != nil || p.MatchID == uuid.Nil || p.Status == "" {
		return errors.Validation.Explain("match_id and status are required")
	}
	_, err := h.sm.Transition(ctx, p.MatchID, p.Status, client.Identity(), lifecycle.Payload{
		Reason:           p.Reason,
		TransportMethod:  p.TransportMethod,
		Location:         p.Location,
		EstimatedArrival: p.EstimatedArrival,
		OutcomeNotes:     p.OutcomeNotes,
		Successful:       p.Successful,
	})
	return err
}

type trackingPayload struct {
	MatchID          uuid.UUID        `json:"match_id"`
	Location         *models.GeoPoint `json:"location,omitempty"`
	EstimatedArrival *time.Time       `json:"estimated_arrival,omitempty"`
}

func (h *Handler) onTrackingUpdate(ctx context.Context, client *Client, data json.RawMessage) error {
	var p trackingPayload
	if err := json.Unmarshal(data, &p); err != nil || p.MatchID == uuid.Nil {
		return errors.Validation.Explain("match_id is required")
	}
	_, err := h.sm.UpdateTracking(ctx, p.MatchID, client.Identity(), lifecycle.Payload{
		Location:         p.Location,
		EstimatedArrival: p.EstimatedArrival,
	})
	return err
}

type chatPayload struct {
	MatchID uuid.UUID `json:"match_id"`
	Message string    `json:"message,omitempty"`
}

// onChat relays a chat frame to the match topic. Only sessions already
// subscribed to the match may speak on it.
func (h *Handler) onChat(client *Client, action string, data json.RawMessage) error {
	var p chatPayload
	if err := json.Unmarshal(data, &p); err != nil || p.MatchID == uuid.Nil {
		return errors.Validation.Explain("match_id is required")
	}
	topic := TopicMatch(p.MatchID)
	if !client.Subscribed(topic) {
		return errors.Authorization.Explain("subscribe to the match before chatting on it")
	}
	event := EventChatMessage
	if action == actionChatTyping {
		event = EventChatTyping
	}
	h.hub.Publish(topic, event, map[string]any{
		"match_id": p.MatchID,
		"from":     client.Identity().UserID,
		"role":     client.Identity().Role,
		"message":  p.Message,
	})
	return nil
}

type availabilityPayload struct {
	IsAvailable  *bool                      `json:"is_available"`
	OrganUpdates []models.OrganAvailability `json:"organ_updates"`
}

// onDonorAvailability applies availability changes to the donor
// profile, re-derives the session's interest topics and announces the
// change. Omitted fields leave the profile untouched: is_available
// flips the overall flag, organ_updates toggles individual organs.
func (h *Handler) onDonorAvailability(ctx context.Context, client *Client, data json.RawMessage) error {
	id := client.Identity()
	if id.Role != models.RoleDonor || id.DonorID == nil {
		return errors.Authorization.Explain("only donors may update availability")
	}
	var p availabilityPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return errors.Validation.Explain("malformed availability payload")
	}

	donor, err := h.store.Donors().GetDonor(ctx, *id.DonorID)
	if err != nil {
		return err
	}
	if p.IsAvailable != nil {
		donor.IsAvailable = *p.IsAvailable
	}
	for _, update := range p.OrganUpdates {
		applyOrganUpdate(donor, update)
	}
	donor.UpdatedAt = time.Now().UTC()
	if err := h.store.Donors().UpdateDonor(ctx, donor); err != nil {
		return err
	}

	h.rooms.RefreshDonorTopics(client, donor)
	h.dispatcher.DonorAvailabilityUpdated(donor)
	return nil
}

// applyOrganUpdate upserts one per-organ availability flag.
func applyOrganUpdate(donor *models.Donor, update models.OrganAvailability) {
	for i := range donor.OrganDonatable {
		if donor.OrganDonatable[i].OrganType == update.OrganType {
			donor.OrganDonatable[i].IsAvailable = update.IsAvailable
			return
		}
	}
	donor.OrganDonatable = append(donor.OrganDonatable, update)
}

type capacityPayload struct {
	Capacity models.HospitalCapacity `json:"capacity"`
}

func (h *Handler) onHospitalCapacity(ctx context.Context, client *Client, data json.RawMessage) error {
	id := client.Identity()
	if id.Role != models.RoleHospital || id.HospitalID == nil {
		return errors.Authorization.Explain("only hospitals may update capacity")
	}
	var p capacityPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return errors.Validation.Explain("malformed capacity payload")
	}

	hospital, err := h.store.Hospitals().GetHospital(ctx, *id.HospitalID)
	if err != nil {
		return err
	}
	hospital.Capacity = p.Capacity
	hospital.UpdatedAt = time.Now().UTC()
	if err := h.store.Hospitals().UpdateHospital(ctx, hospital); err != nil {
		return err
	}

	h.dispatcher.HospitalCapacityUpdated(hospital)
	return nil
}

func (h *Handler) onEmergencyAlert(client *Client, data json.RawMessage) error {
	id := client.Identity()
	if id.Role != models.RoleCoordinator && id.Role != models.RoleAdmin {
		return errors.Authorization.Explain("only coordinators may issue emergency alerts")
	}
	var alert map[string]any
	if err := json.Unmarshal(data, &alert); err != nil {
		return errors.Validation.Explain("malformed alert payload")
	}
	if alert == nil {
		alert = map[string]any{}
	}
	alert["issued_by"] = id.UserID
	h.dispatcher.BroadcastEmergencyAlert(alert)
	return nil
}

// sendError reports a failure back to the sender only.
func (h *Handler) sendError(client *Client, err error) {
	payload := map[string]any{"message": err.Error()}
	var kinded *errors.Error
	if errors.As(err, &kinded) {
		payload["kind"] = kinded.Kind
	}
	h.hub.SendTo(client, EventError, payload)
}
