package server

import (
	"context"

	"loom/internal/middleware"
	"loom/internal/models"
	"loom/internal/realtime"
	"loom/internal/service"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

const streamOptionsLocal = "streamOptions"

// streamOptions authorizes the actor on convID and reads where the stream
// starts: the Last-Event-ID header or ?since for a reconnect, ?recent for a
// fresh connection's backfill.
func (s *Server) streamOptions(c *fiber.Ctx, convID uint) (realtime.SubscribeOptions, error) {
	opts := realtime.SubscribeOptions{ConversationID: convID, UserID: middleware.UserID(c)}

	marker := c.Get("Last-Event-ID")
	if marker == "" {
		marker = c.Query("since")
	}
	if marker != "" {
		seq, err := realtime.ParseMarker(marker)
		if err != nil {
			return opts, err
		}
		opts.Since = &seq
	}
	if recent := c.QueryInt("recent", 0); recent > 0 {
		if max := s.config.EventReplayLimit; max > 0 && recent > max {
			recent = max
		}
		opts.Recent = recent
	}

	if _, err := s.members.Role(c.UserContext(), convID, opts.UserID); err != nil {
		return opts, err
	}
	return opts, nil
}

// streamHooks keeps the subscriber's presence alive while its stream is open.
func (s *Server) streamHooks(userID uint) realtime.StreamHooks {
	return realtime.StreamHooks{
		OnHeartbeat: func() { s.presence.Touch(context.Background(), userID) },
		OnClose:     func() { s.presence.Disconnect(context.Background(), userID) },
	}
}

// StreamEvents handles GET /api/conversations/:id/events
//
// The response is a text/event-stream. A reconnecting client gets every event
// after its marker before live events; a marker the log can no longer satisfy
// yields an error event with code resync_required.
func (s *Server) StreamEvents(c *fiber.Ctx) error {
	convID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	opts, err := s.streamOptions(c, convID)
	if err != nil {
		return respondError(c, err)
	}

	sub, err := s.hub.Subscribe(c.UserContext(), opts)
	if err != nil {
		return respondError(c, err)
	}
	s.presence.Connect(c.UserContext(), opts.UserID)
	return realtime.ServeSSE(c, sub, s.streamHooks(opts.UserID))
}

// ReplayEvents handles GET /api/conversations/:id/events/replay
//
// It returns logged events after ?since as JSON, for clients that poll
// instead of holding a stream open.
func (s *Server) ReplayEvents(c *fiber.Ctx) error {
	convID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	since, err := realtime.ParseMarker(c.Query("since", "0"))
	if err != nil {
		return respondError(c, err)
	}
	ctx := c.UserContext()
	if _, err := s.members.Role(ctx, convID, middleware.UserID(c)); err != nil {
		return respondError(c, err)
	}

	limit := c.QueryInt("limit", s.config.EventReplayLimit)
	if limit <= 0 || (s.config.EventReplayLimit > 0 && limit > s.config.EventReplayLimit) {
		limit = s.config.EventReplayLimit
	}
	res, err := s.eventLog.Replay(ctx, convID, since, limit)
	if err != nil {
		return respondError(c, err)
	}

	events := make([]realtime.Event, 0, len(res.Entries))
	for _, entry := range res.Entries {
		events = append(events, realtime.EventFromEntry(entry))
	}
	return c.JSON(fiber.Map{
		"events":          events,
		"resync_required": res.ResyncRequired,
		"has_more":        limit > 0 && len(events) == limit,
	})
}

// UpgradeStream authorizes a websocket stream before the connection is upgraded.
func (s *Server) UpgradeStream(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return respondError(c, fiber.ErrUpgradeRequired)
	}
	convID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	opts, err := s.streamOptions(c, convID)
	if err != nil {
		return respondError(c, err)
	}
	c.Locals(streamOptionsLocal, opts)
	return c.Next()
}

// ServeStreamSocket streams a conversation over an upgraded websocket and
// applies the commands the client sends back.
func (s *Server) ServeStreamSocket(conn *websocket.Conn) {
	opts, ok := conn.Locals(streamOptionsLocal).(realtime.SubscribeOptions)
	if !ok {
		_ = conn.Close()
		return
	}

	sub, err := s.hub.Subscribe(s.shutdownCtx, opts)
	if err != nil {
		middleware.Logger.Warn("websocket subscribe failed",
			"user_id", opts.UserID, "conversation_id", opts.ConversationID, "error", err)
		_ = conn.WriteJSON(models.ErrorResponse{Error: "subscribe failed", Code: models.CodeInternal})
		_ = conn.Close()
		return
	}
	s.presence.Connect(s.shutdownCtx, opts.UserID)
	realtime.ServeWebsocket(conn, sub, s.handleCommand, s.streamHooks(opts.UserID))
}

// handleCommand applies one websocket command on behalf of the subscriber.
// A generation requested over the socket ends with it.
func (s *Server) handleCommand(ctx context.Context, sub *realtime.Subscription, cmd realtime.ClientCommand) error {
	switch cmd.Type {
	case realtime.CommandTyping:
		return s.activity.SetTyping(ctx, sub.ConversationID, cmd.RootID, sub.UserID, cmd.Typing)
	case realtime.CommandRead:
		_, err := s.activity.MarkRead(ctx, sub.ConversationID, cmd.RootID, sub.UserID, cmd.Path)
		return err
	case realtime.CommandGenerate:
		_, err := s.generator.Start(ctx, service.GenerateRequest{
			ConversationID: sub.ConversationID,
			RequesterID:    sub.UserID,
			ParentID:       cmd.MessageID,
		}, sub)
		return err
	default:
		return models.NewValidationError("Unknown command " + cmd.Type)
	}
}
