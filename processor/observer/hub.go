package observer

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/crisislens/veriflow/workflow"
)

// Room names scope event delivery: workflow:<id> for one workflow's
// lifecycle, user:<id> for events attributed to one operator, and global for
// everything.
const RoomGlobal = "global"

// RoomWorkflow returns the room carrying one workflow's events.
func RoomWorkflow(workflowID string) string { return "workflow:" + workflowID }

// RoomUser returns the room carrying events attributed to one user.
func RoomUser(userID string) string { return "user:" + userID }

// Hub fans events out to websocket subscribers by room. Delivery is
// fire-and-forget: a subscriber whose buffer is full loses the oldest events
// and receives a lag marker telling it to reconcile against the state store.
type Hub struct {
	queueSize int
	logger    *slog.Logger

	mu      sync.RWMutex
	rooms   map[string]map[*subscriber]bool
	dropped int64
}

// NewHub creates a hub with the given per-subscriber buffer size. The
// buffer needs room for a lag marker plus the newest event, so the
// effective size never goes below two.
func NewHub(queueSize int, logger *slog.Logger) *Hub {
	if queueSize < 1 {
		queueSize = 100
	}
	if queueSize < 2 {
		queueSize = 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		queueSize: queueSize,
		logger:    logger,
		rooms:     make(map[string]map[*subscriber]bool),
	}
}

// subscriber is one websocket connection's view of the hub.
type subscriber struct {
	rooms []string
	queue chan []byte

	// mu serializes enqueue so drop-oldest and the lag marker stay
	// consistent under concurrent broadcasts.
	mu sync.Mutex
}

// Subscribe registers a new subscriber for the given rooms. Unknown or empty
// room lists default to global.
func (h *Hub) Subscribe(rooms []string) *subscriber {
	if len(rooms) == 0 {
		rooms = []string{RoomGlobal}
	}
	sub := &subscriber{
		rooms: rooms,
		queue: make(chan []byte, h.queueSize),
	}

	h.mu.Lock()
	for _, room := range rooms {
		if h.rooms[room] == nil {
			h.rooms[room] = make(map[*subscriber]bool)
		}
		h.rooms[room][sub] = true
	}
	h.mu.Unlock()
	return sub
}

// Unsubscribe removes the subscriber from every room and releases its queue.
func (h *Hub) Unsubscribe(sub *subscriber) {
	h.mu.Lock()
	for _, room := range sub.rooms {
		if members := h.rooms[room]; members != nil {
			delete(members, sub)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	h.mu.Unlock()
}

// Broadcast delivers an event to every subscriber of a room.
func (h *Hub) Broadcast(room string, data []byte) {
	h.mu.RLock()
	members := make([]*subscriber, 0, len(h.rooms[room]))
	for sub := range h.rooms[room] {
		members = append(members, sub)
	}
	h.mu.RUnlock()

	for _, sub := range members {
		h.deliver(sub, data)
	}
}

// deliver enqueues one event, evicting the oldest entries when the buffer is
// full. The lag marker takes one of the freed slots so the client learns
// events were lost.
func (h *Hub) deliver(sub *subscriber, data []byte) {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	select {
	case sub.queue <- data:
		return
	default:
	}

	dropped := 0
	for len(sub.queue) > cap(sub.queue)-2 {
		select {
		case <-sub.queue:
			dropped++
		default:
		}
	}

	sub.queue <- lagMarker(dropped)
	sub.queue <- data

	h.mu.Lock()
	h.dropped += int64(dropped)
	h.mu.Unlock()
	h.logger.Debug("Subscriber lagging, events dropped", "dropped", dropped)
}

func lagMarker(dropped int) []byte {
	payload, _ := json.Marshal(map[string]int{"dropped": dropped})
	data, _ := json.Marshal(workflow.NotificationEvent{
		Type:    workflow.EventLag,
		Payload: payload,
		At:      time.Now().UTC(),
	})
	return data
}

// Dropped reports the total events evicted across all subscribers.
func (h *Hub) Dropped() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}

// Subscribers reports the current subscriber count of a room.
func (h *Hub) Subscribers(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}
