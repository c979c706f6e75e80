package realtime

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/gofiber/fiber/v2"
)

// StreamHooks lets the caller observe a transport's lifetime.
type StreamHooks struct {
	// OnHeartbeat runs after each heartbeat reaches the client.
	OnHeartbeat func()
	// OnClose runs once when the stream ends.
	OnClose func()
}

// WriteSSE writes ev as one text/event-stream frame. Sequenced events carry
// their id so the browser resends it as Last-Event-ID.
func WriteSSE(w io.Writer, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if ev.Sequence > 0 {
		if _, err := fmt.Fprintf(w, "id: %s\n", ev.ID); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}

// ServeSSE streams sub over c until the client disconnects or the
// subscription ends. The subscription is closed on return.
func ServeSSE(c *fiber.Ctx, sub *Subscription, hooks StreamHooks) error {
	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() {
			sub.Close()
			if hooks.OnClose != nil {
				hooks.OnClose()
			}
		}()
		pumpSSE(context.Background(), w, sub, hooks)
	})
	return nil
}

func pumpSSE(ctx context.Context, w *bufio.Writer, sub *Subscription, hooks StreamHooks) {
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if err := WriteSSE(w, ev); err != nil {
			return
		}
		// a failed flush is how a vanished client shows up
		if err := w.Flush(); err != nil {
			return
		}
		if ev.Type == EventHeartbeat && hooks.OnHeartbeat != nil {
			hooks.OnHeartbeat()
		}
	}
}
