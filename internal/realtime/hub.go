package realtime

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chaptercast/chaptercast-backend/internal/platform/logger"
)

// Server→client frame types and client→server message types.
const (
	EventTaskUpdate = "task_update"
	EventPong       = "pong"

	MsgSubscribeTask   = "subscribe_task"
	MsgUnsubscribeTask = "unsubscribe_task"
	MsgPing            = "ping"
)

// Envelope is one server→client frame. task_update frames carry the
// task id plus whichever of status/progress/details the checkpoint set.
type Envelope struct {
	Type      string         `json:"type"`
	TaskID    string         `json:"task_id,omitempty"`
	Status    string         `json:"status,omitempty"`
	Progress  *int           `json:"progress,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
}

// TaskUpdate builds a task_update envelope stamped with the current
// UTC time.
func TaskUpdate(taskID uuid.UUID, status string, progress *int, details map[string]any) Envelope {
	return Envelope{
		Type:      EventTaskUpdate,
		TaskID:    taskID.String(),
		Status:    status,
		Progress:  progress,
		Details:   details,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// Hub fans task_update envelopes out to the clients subscribed to each
// task. Delivery is at-most-once: subscribers only see updates arriving
// after they subscribed, and slow clients are dropped, not buffered.
type Hub struct {
	mu            sync.RWMutex
	log           *logger.Logger
	subscriptions map[string]map[*Client]bool
}

func NewHub(baseLog *logger.Logger) *Hub {
	return &Hub{
		log:           baseLog.With("component", "WSHub"),
		subscriptions: make(map[string]map[*Client]bool),
	}
}

func (h *Hub) NewClient(userID uuid.UUID) *Client {
	return &Client{
		ID:       uuid.New(),
		UserID:   userID,
		Tasks:    make(map[string]bool),
		Outbound: make(chan Envelope, 16),
		done:     make(chan struct{}),
	}
}

func (h *Hub) Subscribe(client *Client, taskID string) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	client.Tasks[taskID] = true
	clients, exists := h.subscriptions[taskID]
	if !exists {
		clients = make(map[*Client]bool)
		h.subscriptions[taskID] = clients
	}
	clients[client] = true
	h.log.Debug("ws client subscribed", "client_id", client.ID, "task_id", taskID)
}

func (h *Hub) Unsubscribe(client *Client, taskID string) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(client.Tasks, taskID)
	if clients, ok := h.subscriptions[taskID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.subscriptions, taskID)
		}
	}
}

func (h *Hub) RemoveClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for taskID := range client.Tasks {
		if clients, ok := h.subscriptions[taskID]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.subscriptions, taskID)
			}
		}
	}
	client.Tasks = make(map[string]bool)
}

// Broadcast delivers ev to every subscriber of its task. Full outbound
// buffers drop the envelope for that client.
func (h *Hub) Broadcast(ev Envelope) {
	if ev.TaskID == "" {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	clients, ok := h.subscriptions[ev.TaskID]
	if !ok {
		return
	}
	for c := range clients {
		if !c.enqueue(ev) {
			h.log.Warn("dropping ws envelope; outbound buffer full",
				"client_id", c.ID, "task_id", ev.TaskID)
		}
	}
}

// CloseClient tears the client down. RemoveClient runs before the
// channel close, so no Broadcast can still hold the client when
// Outbound closes.
func (h *Hub) CloseClient(client *Client) {
	client.closeOne.Do(func() {
		close(client.done)
		h.RemoveClient(client)
		close(client.Outbound)
	})
}
