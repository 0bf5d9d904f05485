package realtime

import (
	"sync"

	"github.com/google/uuid"
)

// Client is one WebSocket connection. Outbound is drained by the
// connection's write loop; Broadcast drops instead of blocking when it
// fills, so a slow reader only loses its own updates.
type Client struct {
	ID       uuid.UUID
	UserID   uuid.UUID
	Tasks    map[string]bool
	Outbound chan Envelope
	done     chan struct{}
	closeOne sync.Once
}

// enqueue offers an envelope without blocking. Reports false when the
// buffer is full and the envelope was dropped.
func (c *Client) enqueue(ev Envelope) bool {
	select {
	case c.Outbound <- ev:
		return true
	default:
		return false
	}
}
