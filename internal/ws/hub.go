// Package ws implements the real-time distribution layer: a WebSocket
// hub with topic-scoped fan-out, a room manager enforcing subscription
// authorization, and the event dispatcher publishing lifecycle events.
package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lifeline-health/lifeline/pkg/models"
)

// message is one frame bound for one topic.
type message struct {
	topic string
	data  []byte
	// local marks frames that arrived from the cross-instance bridge
	// and must not be mirrored back.
	local bool
}

// Client is a single connected session.
type Client struct {
	id       string
	identity models.Identity
	send     chan []byte
	hub      *Hub

	mu     sync.Mutex
	topics map[string]struct{}
	closed bool
}

// ID returns the session identifier.
func (c *Client) ID() string { return c.id }

// Identity returns the authenticated actor behind the session.
func (c *Client) Identity() models.Identity { return c.identity }

// Subscribed reports whether the session has joined the topic.
func (c *Client) Subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.topics[topic]
	return ok
}

// deliver queues a frame for the client, dropping it when the client
// cannot keep up. Delivery is at-most-once.
func (c *Client) deliver(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Hub owns the topic registry and fans published frames out to topic
// members. It is created at service start and torn down at shutdown;
// nothing in it is global.
type Hub struct {
	logger  *zap.Logger
	metrics *Metrics

	mu      sync.RWMutex
	clients map[string]*Client
	topics  map[string]map[*Client]struct{}
	byUser  map[uuid.UUID]map[*Client]struct{}

	broadcast chan message
	done      chan struct{}
	stopOnce  sync.Once
	sendQueue int

	// mirror, when set, forwards every locally published frame to the
	// cross-instance bridge.
	mirror func(topic string, data []byte)
}

// NewHub creates a hub and starts its broadcast loop.
func NewHub(backlog int, sendQueue int, metrics *Metrics, logger *zap.Logger) *Hub {
	if backlog <= 0 {
		backlog = 1024
	}
	h := &Hub{
		logger:    logger,
		metrics:   metrics,
		clients:   make(map[string]*Client),
		topics:    make(map[string]map[*Client]struct{}),
		byUser:    make(map[uuid.UUID]map[*Client]struct{}),
		broadcast: make(chan message, backlog),
		done:      make(chan struct{}),
	}
	if sendQueue <= 0 {
		sendQueue = 256
	}
	h.sendQueue = sendQueue
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			return
		case msg := <-h.broadcast:
			h.fanOut(msg)
		}
	}
}

// Stop tears the hub down and disconnects every client.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.mu.Lock()
		defer h.mu.Unlock()
		for _, c := range h.clients {
			c.shutdown()
		}
		h.clients = make(map[string]*Client)
		h.topics = make(map[string]map[*Client]struct{})
		h.byUser = make(map[uuid.UUID]map[*Client]struct{})
	})
}

// NewClient registers a connected session with the hub.
func (h *Hub) NewClient(identity models.Identity) *Client {
	c := &Client{
		id:       uuid.NewString(),
		identity: identity,
		send:     make(chan []byte, h.sendQueue),
		hub:      h,
		topics:   make(map[string]struct{}),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.id] = c
	users, ok := h.byUser[identity.UserID]
	if !ok {
		users = make(map[*Client]struct{})
		h.byUser[identity.UserID] = users
	}
	users[c] = struct{}{}
	if h.metrics != nil {
		h.metrics.ActiveConnections.Inc()
		h.metrics.TotalConnections.Inc()
	}
	return c
}

// Remove unregisters a session and leaves all its topics.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	for topic := range c.topics {
		h.leaveLocked(c, topic)
	}
	delete(h.clients, c.id)
	if users, ok := h.byUser[c.identity.UserID]; ok {
		delete(users, c)
		if len(users) == 0 {
			delete(h.byUser, c.identity.UserID)
		}
	}
	h.mu.Unlock()
	c.shutdown()
	if h.metrics != nil {
		h.metrics.ActiveConnections.Dec()
	}
}

// Join adds the client to a topic.
func (h *Hub) Join(c *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.topics[topic]
	if !ok {
		members = make(map[*Client]struct{})
		h.topics[topic] = members
		if h.metrics != nil {
			h.metrics.Topics.Inc()
		}
	}
	members[c] = struct{}{}
	c.mu.Lock()
	c.topics[topic] = struct{}{}
	c.mu.Unlock()
}

// Leave removes the client from a topic.
func (h *Hub) Leave(c *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c, topic)
	c.mu.Lock()
	delete(c.topics, topic)
	c.mu.Unlock()
}

func (h *Hub) leaveLocked(c *Client, topic string) {
	if members, ok := h.topics[topic]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.topics, topic)
			if h.metrics != nil {
				h.metrics.Topics.Dec()
			}
		}
	}
}

// UserConnected reports whether any session for the user is connected.
func (h *Hub) UserConnected(userID uuid.UUID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byUser[userID]) > 0
}

// Publish encodes the frame and queues it for fan-out to the topic.
// It never blocks: when the backlog is full the frame is dropped and
// counted.
func (h *Hub) Publish(topic, event string, payload any) {
	frame := Frame{Event: event, Topic: topic, Data: payload, Timestamp: time.Now().UTC()}
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Warn("failed to encode event frame", zap.String("event", event), zap.Error(err))
		return
	}
	h.enqueue(message{topic: topic, data: data, local: true})
	if h.metrics != nil {
		h.metrics.EventsPublished.WithLabelValues(event).Inc()
	}
}

// injectRemote re-broadcasts a frame received from the bridge without
// mirroring it back.
func (h *Hub) injectRemote(topic string, data []byte) {
	h.enqueue(message{topic: topic, data: data, local: false})
}

func (h *Hub) enqueue(msg message) {
	select {
	case h.broadcast <- msg:
	default:
		if h.metrics != nil {
			h.metrics.DroppedFrames.Inc()
		}
		h.logger.Warn("broadcast backlog full, dropping frame", zap.String("topic", msg.topic))
	}
}

// fanOut delivers a frame to every member of its topic. Unknown topics
// are silently skipped; slow clients drop the frame.
func (h *Hub) fanOut(msg message) {
	h.mu.RLock()
	members := make([]*Client, 0, len(h.topics[msg.topic]))
	for c := range h.topics[msg.topic] {
		members = append(members, c)
	}
	mirror := h.mirror
	h.mu.RUnlock()

	for _, c := range members {
		if !c.deliver(msg.data) && h.metrics != nil {
			h.metrics.DroppedFrames.Inc()
		}
	}
	if msg.local && mirror != nil {
		mirror(msg.topic, msg.data)
	}
}

// SendTo delivers a frame to one client only, outside any topic.
func (h *Hub) SendTo(c *Client, event string, payload any) {
	frame := Frame{Event: event, Data: payload, Timestamp: time.Now().UTC()}
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Warn("failed to encode event frame", zap.String("event", event), zap.Error(err))
		return
	}
	c.deliver(data)
}

// SetMirror installs the cross-instance bridge hook. Safe to call while
// the broadcast loop is already running.
func (h *Hub) SetMirror(fn func(topic string, data []byte)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mirror = fn
}
