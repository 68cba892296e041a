package hub

import (
	"log/slog"
	"sync"

	"waves/internal/models"
)

const sendBuffer = 100

type socket struct {
	userID string
	ch     chan models.ServerEvent
	rooms  map[string]bool
}

// Hub distributes message, reaction, presence, signaling and key events to
// all sockets subscribed to a room. Signaling payloads are relayed verbatim
// and only between sockets currently sharing a room.
type Hub struct {
	mu      sync.RWMutex
	sockets map[string]*socket         // socketID -> socket
	rooms   map[string]map[string]bool // roomName -> set of socketIDs
}

func NewHub() *Hub {
	return &Hub{
		sockets: make(map[string]*socket),
		rooms:   make(map[string]map[string]bool),
	}
}

// Register attaches a socket and returns its event channel.
func (h *Hub) Register(socketID, userID string) chan models.ServerEvent {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := &socket{
		userID: userID,
		ch:     make(chan models.ServerEvent, sendBuffer),
		rooms:  make(map[string]bool),
	}
	h.sockets[socketID] = s
	return s.ch
}

// Unregister detaches a socket, leaving all its rooms and notifying peers.
func (h *Hub) Unregister(socketID string) {
	h.mu.Lock()
	s, ok := h.sockets[socketID]
	if !ok {
		h.mu.Unlock()
		return
	}
	var left []string
	for room := range s.rooms {
		h.removeFromRoom(socketID, room)
		left = append(left, room)
	}
	delete(h.sockets, socketID)
	close(s.ch)
	h.mu.Unlock()

	for _, room := range left {
		h.Broadcast(room, models.ServerEvent{
			Event:    models.EventUserLeft,
			Room:     room,
			SocketID: socketID,
		})
	}
}

// Join subscribes a socket to a room. The joiner receives the list of
// sockets already present (so it can initiate direct-channel offers), and
// the rest of the room is told a user joined.
func (h *Hub) Join(socketID, room string) {
	h.mu.Lock()
	s, ok := h.sockets[socketID]
	if !ok {
		h.mu.Unlock()
		return
	}
	members := h.rooms[room]
	if members == nil {
		members = make(map[string]bool)
		h.rooms[room] = members
	}

	existing := make([]string, 0, len(members))
	for id := range members {
		existing = append(existing, id)
	}
	members[socketID] = true
	s.rooms[room] = true

	h.deliver(s, models.ServerEvent{
		Event: models.EventExistingRoomUsers,
		Room:  room,
		Users: existing,
	})
	h.mu.Unlock()

	h.broadcastExcept(room, socketID, models.ServerEvent{
		Event:    models.EventUserJoined,
		Room:     room,
		SocketID: socketID,
	})
}

// Leave unsubscribes a socket from a room.
func (h *Hub) Leave(socketID, room string) {
	h.mu.Lock()
	if s, ok := h.sockets[socketID]; ok {
		delete(s.rooms, room)
	}
	h.removeFromRoom(socketID, room)
	h.mu.Unlock()

	h.Broadcast(room, models.ServerEvent{
		Event:    models.EventUserLeft,
		Room:     room,
		SocketID: socketID,
	})
}

// caller holds h.mu
func (h *Hub) removeFromRoom(socketID, room string) {
	members := h.rooms[room]
	if members == nil {
		return
	}
	delete(members, socketID)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

// Broadcast delivers an event to every socket subscribed to a room.
func (h *Hub) Broadcast(room string, event models.ServerEvent) {
	h.broadcastExcept(room, "", event)
}

func (h *Hub) broadcastExcept(room, exceptSocketID string, event models.ServerEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for id := range h.rooms[room] {
		if id == exceptSocketID {
			continue
		}
		if s, ok := h.sockets[id]; ok {
			h.deliver(s, event)
		}
	}
}

// Relay forwards a signaling frame to a single target socket, but only when
// source and target currently share a room. Authorization is membership,
// not identity: any two participants of the same room may negotiate.
func (h *Hub) Relay(fromSocketID string, event models.ClientEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	from, ok := h.sockets[fromSocketID]
	if !ok {
		return
	}
	to, ok := h.sockets[event.To]
	if !ok {
		return
	}

	shared := false
	for room := range from.rooms {
		if to.rooms[room] {
			shared = true
			break
		}
	}
	if !shared {
		slog.Warn("dropping signaling relay between sockets without a shared room",
			"from", fromSocketID, "to", event.To, "event", event.Event)
		return
	}

	h.deliver(to, models.ServerEvent{
		Event:   event.Event,
		From:    fromSocketID,
		Payload: event.Payload,
	})
}

// ShareGroupKey fans a room key out to every other socket in the room.
func (h *Hub) ShareGroupKey(fromSocketID, room, key string) {
	if !h.inRoom(fromSocketID, room) {
		return
	}
	h.broadcastExcept(room, fromSocketID, models.ServerEvent{
		Event: models.EventGroupKeyShared,
		Room:  room,
		From:  fromSocketID,
		Key:   key,
	})
}

// RequestGroupKey asks the rest of the room to share the key via the hub.
func (h *Hub) RequestGroupKey(fromSocketID, room string) {
	if !h.inRoom(fromSocketID, room) {
		return
	}
	h.broadcastExcept(room, fromSocketID, models.ServerEvent{
		Event: models.EventGroupKeyRequest,
		Room:  room,
		From:  fromSocketID,
	})
}

func (h *Hub) inRoom(socketID, room string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sockets[socketID]
	return ok && s.rooms[room]
}

// OnlineUsers returns the user ids with at least one socket in the room.
// Used to decide who gets a push notification instead of a live event.
func (h *Hub) OnlineUsers(room string) map[string]bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	online := make(map[string]bool)
	for id := range h.rooms[room] {
		if s, ok := h.sockets[id]; ok {
			online[s.userID] = true
		}
	}
	return online
}

func (h *Hub) deliver(s *socket, event models.ServerEvent) {
	select {
	case s.ch <- event:
	default:
		// Slow consumer; the server path is at-least-once and clients
		// dedup, so dropping here loses nothing a refetch can't restore.
		slog.Warn("dropping event for slow socket", "event", event.Event)
	}
}
