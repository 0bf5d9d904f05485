package realtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/coder/websocket"
)

const wsWriteTimeout = 10 * time.Second

// ClientMessage is one client→server frame.
type ClientMessage struct {
	Type   string `json:"type"`
	TaskID string `json:"task_id,omitempty"`
}

// ServeWS runs one connection until the client disconnects or ctx ends.
// A single goroutine owns all writes; the read loop only mutates
// subscriptions and enqueues pong replies. The client is closed only
// after the read loop has exited, so its enqueues never hit a closed
// channel.
func (h *Hub) ServeWS(ctx context.Context, conn *websocket.Conn, client *Client) {
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var msg ClientMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				h.log.Debug("bad ws client message", "client_id", client.ID, "error", err)
				continue
			}
			switch msg.Type {
			case MsgSubscribeTask:
				h.Subscribe(client, msg.TaskID)
			case MsgUnsubscribeTask:
				h.Unsubscribe(client, msg.TaskID)
			case MsgPing:
				client.enqueue(Envelope{Type: EventPong})
			}
		}
	}()

	h.writePump(ctx, conn, client, readDone)

	_ = conn.Close(websocket.StatusNormalClosure, "")
	<-readDone
	h.CloseClient(client)
}

func (h *Hub) writePump(ctx context.Context, conn *websocket.Conn, client *Client, readDone <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-readDone:
			return
		case <-client.done:
			return
		case ev := <-client.Outbound:
			raw, err := json.Marshal(ev)
			if err != nil {
				h.log.Warn("marshal ws envelope failed", "error", err)
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err = conn.Write(wctx, websocket.MessageText, raw)
			cancel()
			if err != nil {
				h.log.Debug("ws write failed, closing", "client_id", client.ID, "error", err)
				return
			}
		}
	}
}
