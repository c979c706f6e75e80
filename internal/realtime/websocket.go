package realtime

import (
	"context"
	"encoding/json"
	"time"

	"loom/internal/observability"

	"github.com/gofiber/websocket/v2"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Maximum command size accepted from the peer.
	maxCommandSize = 4096
)

// Client command types.
const (
	CommandTyping   = "typing"
	CommandRead     = "read"
	CommandGenerate = "generate"
)

// ClientCommand is a message a websocket client sends upstream.
type ClientCommand struct {
	Type      string `json:"type"`
	RootID    int64  `json:"root_id,string"`
	MessageID int64  `json:"message_id,string,omitempty"`
	Typing    bool   `json:"typing,omitempty"`
	Path      string `json:"path,omitempty"`
}

// CommandHandler applies a client command on behalf of the subscriber.
type CommandHandler func(ctx context.Context, sub *Subscription, cmd ClientCommand) error

// ServeWebsocket pumps sub to conn and feeds commands read from conn to
// handle. It returns once either side goes away; the subscription is closed.
func ServeWebsocket(conn *websocket.Conn, sub *Subscription, handle CommandHandler, hooks StreamHooks) {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		sub.Close()
		_ = conn.Close()
		if hooks.OnClose != nil {
			hooks.OnClose()
		}
	}()

	// A peer silent for two heartbeats and a write is considered dead.
	pongWait := 2*sub.heartbeat + writeWait
	go readPump(ctx, conn, sub, handle, pongWait)
	writePump(ctx, conn, sub, hooks)
}

func readPump(ctx context.Context, conn *websocket.Conn, sub *Subscription, handle CommandHandler, pongWait time.Duration) {
	defer sub.Close()

	conn.SetReadLimit(maxCommandSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				observability.GlobalLogger.Warn("websocket read failed",
					"user_id", sub.UserID, "conversation_id", sub.ConversationID, "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var cmd ClientCommand
		if err := json.Unmarshal(raw, &cmd); err != nil {
			continue
		}
		if handle == nil {
			continue
		}
		if err := handle(ctx, sub, cmd); err != nil {
			observability.GlobalLogger.Debug("websocket command rejected",
				"user_id", sub.UserID, "conversation_id", sub.ConversationID, "type", cmd.Type, "error", err)
		}
	}
}

func writePump(ctx context.Context, conn *websocket.Conn, sub *Subscription, hooks StreamHooks) {
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, sub.Reason()))
			return
		}

		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if ev.Type == EventHeartbeat {
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			if hooks.OnHeartbeat != nil {
				hooks.OnHeartbeat()
			}
		}
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
}
