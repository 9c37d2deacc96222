package main

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Hub owns every live connection and every room. A single mutex guards
// both maps so membership changes and broadcast iteration never interleave:
// once Unregister returns, no emit can reach the removed client.
type Hub struct {
	cfg    *Config
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	clients map[string]*Client
	rooms   map[string]*Room
}

func NewHub(cfg *Config, logger *slog.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "hub")),
		now:     time.Now,
		clients: make(map[string]*Client),
		rooms:   make(map[string]*Room),
	}
}

// Run drives the liveness check until ctx is cancelled, then closes every
// connection.
func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return nil
		case <-ticker.C:
			h.checkLiveness(h.now())
		}
	}
}

// DeviceRoom and SubjectRoom map an identity to its room id.
func (h *Hub) DeviceRoom(deviceID string) string {
	if h.cfg.FlatRooms {
		return deviceID
	}
	return "device:" + deviceID
}

func (h *Hub) SubjectRoom(subjectID string) string {
	if h.cfg.FlatRooms {
		return subjectID
	}
	return "subject:" + subjectID
}

// Register adds c to the hub and broadcasts the new connection count to
// everyone, c included.
func (h *Hub) Register(c *Client) string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c.id]; ok {
		return c.id
	}
	h.clients[c.id] = c
	count := len(h.clients)
	connectionsGauge.Set(float64(count))

	h.broadcastLocked(EventUserCount, count)
	c.logger.Info("connection registered", slog.Int("connections", count))
	return c.id
}

// Unregister removes the connection from all of its rooms and from the
// hub. It reports false when id is unknown, which makes repeated calls
// harmless.
func (h *Hub) Unregister(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.clients[id]
	if !ok {
		return false
	}

	for roomID := range c.rooms {
		h.leaveLocked(c, roomID)
	}
	delete(h.clients, id)
	c.closed = true
	close(c.send)

	if c.heartbeat.Evict() {
		evictionsTotal.WithLabelValues("disconnect").Inc()
	}

	count := len(h.clients)
	connectionsGauge.Set(float64(count))
	h.broadcastLocked(EventUserCount, count)
	c.logger.Info("connection unregistered", slog.Int("connections", count))
	return true
}

// Touch records a liveness signal from id. Unknown ids are ignored.
func (h *Hub) Touch(id string) bool {
	h.mu.RLock()
	c, ok := h.clients[id]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	c.heartbeat.Touch(h.now())
	return true
}

// checkLiveness evicts every connection whose last liveness signal is older
// than the heartbeat timeout and returns their ids.
func (h *Hub) checkLiveness(now time.Time) []string {
	h.mu.RLock()
	var stale []*Client
	for _, c := range h.clients {
		if c.heartbeat.Expired(now, h.cfg.HeartbeatTimeout) {
			stale = append(stale, c)
		}
	}
	h.mu.RUnlock()

	evicted := make([]string, 0, len(stale))
	for _, c := range stale {
		if !c.heartbeat.Evict() {
			continue
		}
		c.logger.Warn("heartbeat timeout, evicting",
			slog.Time("last_seen", c.heartbeat.LastSeen()),
			slog.Duration("timeout", h.cfg.HeartbeatTimeout),
		)
		evictionsTotal.WithLabelValues("heartbeat").Inc()
		c.closeTransport()
		h.Unregister(c.id)
		evicted = append(evicted, c.id)
	}
	return evicted
}

// Join adds membership in both directions. Joining twice is a no-op.
func (h *Hub) Join(connID, roomID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.clients[connID]
	if !ok {
		return false
	}
	if _, ok := c.rooms[roomID]; ok {
		return false
	}

	room, ok := h.rooms[roomID]
	if !ok {
		room = newRoom(roomID)
		h.rooms[roomID] = room
		roomsGauge.Set(float64(len(h.rooms)))
	}
	room.add(c)
	c.rooms[roomID] = struct{}{}
	c.logger.Debug("joined room", slog.String("room", roomID))
	return true
}

// Leave removes membership in both directions. Leaving a room the
// connection is not in is a no-op.
func (h *Hub) Leave(connID, roomID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.clients[connID]
	if !ok {
		return false
	}
	return h.leaveLocked(c, roomID)
}

func (h *Hub) leaveLocked(c *Client, roomID string) bool {
	if _, ok := c.rooms[roomID]; !ok {
		return false
	}
	delete(c.rooms, roomID)

	if room, ok := h.rooms[roomID]; ok {
		room.remove(c)
		if room.size() == 0 {
			delete(h.rooms, roomID)
			roomsGauge.Set(float64(len(h.rooms)))
		}
	}
	c.logger.Debug("left room", slog.String("room", roomID))
	return true
}

// EmitTo delivers event to every member of roomID except exclude (pass ""
// to include everyone) and returns how many members accepted it.
func (h *Hub) EmitTo(roomID, event string, payload any, exclude string) (int, error) {
	data, err := encodeEnvelope(event, payload)
	if err != nil {
		return 0, err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	room, ok := h.rooms[roomID]
	if !ok {
		return 0, nil
	}
	n := room.broadcast(exclude, data)
	eventsTotal.WithLabelValues("out", event).Add(float64(n))
	return n, nil
}

// EmitToConnection delivers event to a single connection.
func (h *Hub) EmitToConnection(connID, event string, payload any) (bool, error) {
	data, err := encodeEnvelope(event, payload)
	if err != nil {
		return false, err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	c, ok := h.clients[connID]
	if !ok {
		return false, nil
	}
	if !c.trySend(data) {
		return false, nil
	}
	eventsTotal.WithLabelValues("out", event).Inc()
	return true, nil
}

// BroadcastAll delivers event to every live connection regardless of room.
func (h *Hub) BroadcastAll(event string, payload any) (int, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.broadcastLocked(event, payload), nil
}

func (h *Hub) broadcastLocked(event string, payload any) int {
	data, err := encodeEnvelope(event, payload)
	if err != nil {
		h.logger.Error("encode broadcast", slog.String("event", event), slog.String("error", err.Error()))
		return 0
	}
	n := 0
	for _, c := range h.clients {
		if c.trySend(data) {
			n++
		}
	}
	eventsTotal.WithLabelValues("out", event).Add(float64(n))
	return n
}

func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// Members returns the sorted connection ids in roomID.
func (h *Hub) Members(roomID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	room, ok := h.rooms[roomID]
	if !ok {
		return nil
	}
	ids := make([]string, 0, room.size())
	for id := range room.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Rooms returns the sorted room ids connID belongs to.
func (h *Hub) Rooms(connID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	c, ok := h.clients[connID]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, c := range h.clients {
		c.heartbeat.Evict()
		c.closed = true
		close(c.send)
	}
	h.clients = make(map[string]*Client)
	h.rooms = make(map[string]*Room)
	connectionsGauge.Set(0)
	roomsGauge.Set(0)
	h.logger.Info("all connections closed")
}
