package service

import (
	"context"
	"sync"

	"loom/internal/models"
	"loom/internal/observability"
)

// ChunkSource produces the content of a reply to the last message of thread,
// handing each piece to emit in order. thread runs from the root down to the
// prompt. It stops when ctx is cancelled or emit fails.
type ChunkSource interface {
	Generate(ctx context.Context, thread []*models.Message, emit func(chunk string) error) error
}

// Binder ties a task's lifetime to something that can end it early, such as
// a stream subscription.
type Binder interface {
	Bind(cancel context.CancelFunc)
}

// GenerateRequest asks for an assistant reply to ParentID.
type GenerateRequest struct {
	ConversationID uint
	RequesterID    uint
	ParentID       int64
}

// GenerationRunner streams ChunkSource output into assistant replies.
type GenerationRunner struct {
	threads *ThreadService
	source  ChunkSource
	wg      sync.WaitGroup
}

// NewGenerationRunner returns a runner. A nil source disables generation.
func NewGenerationRunner(threads *ThreadService, source ChunkSource) *GenerationRunner {
	return &GenerationRunner{threads: threads, source: source}
}

// Enabled reports whether the runner has a source to generate from.
func (r *GenerationRunner) Enabled() bool {
	return r != nil && r.source != nil
}

// Start begins a streamed assistant reply under req.ParentID and returns the
// empty message at once. Chunks are appended in the background until the
// source finishes or bind cancels the task; the reply is completed either way.
func (r *GenerationRunner) Start(ctx context.Context, req GenerateRequest, bind Binder) (*models.Message, error) {
	if !r.Enabled() {
		return nil, models.NewValidationError("Reply generation is not configured")
	}
	prompt, err := r.threads.GetMessage(ctx, req.ParentID, req.RequesterID)
	if err != nil {
		return nil, err
	}
	if prompt.ConversationID != req.ConversationID || prompt.Deleted() {
		return nil, models.NewNotFoundError("Message", req.ParentID)
	}
	thread, err := r.ancestry(ctx, prompt, req.RequesterID)
	if err != nil {
		return nil, err
	}
	msg, err := r.threads.BeginStream(ctx, req.ParentID, req.RequesterID, models.MessageRoleAssistant)
	if err != nil {
		return nil, err
	}

	genCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if bind != nil {
		bind.Bind(cancel)
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		r.run(genCtx, thread, msg, req.RequesterID)
	}()
	return msg, nil
}

// ancestry loads the live messages from the root down to prompt.
func (r *GenerationRunner) ancestry(ctx context.Context, prompt *models.Message, actorID uint) ([]*models.Message, error) {
	ids := models.PathIDs(prompt.Path)
	if len(ids) == 0 {
		return []*models.Message{prompt}, nil
	}
	thread := make([]*models.Message, 0, len(ids))
	for _, id := range ids[:len(ids)-1] {
		msg, err := r.threads.GetMessage(ctx, id, actorID)
		if err != nil {
			return nil, err
		}
		if !msg.Deleted() {
			thread = append(thread, msg)
		}
	}
	return append(thread, prompt), nil
}

func (r *GenerationRunner) run(ctx context.Context, thread []*models.Message, msg *models.Message, authorID uint) {
	idx := 0
	genErr := r.source.Generate(ctx, thread, func(chunk string) error {
		if _, err := r.threads.appendChunk(ctx, msg.ID, authorID, idx, chunk, false); err != nil {
			return err
		}
		idx++
		return nil
	})

	// a cancelled generation still completes with what it produced
	done, err := r.threads.FinishStream(context.WithoutCancel(ctx), msg.ID, authorID)
	if err != nil {
		observability.LogAsyncOperationError(ctx, "finish_generation", err, map[string]interface{}{
			"message_id":      msg.ID,
			"conversation_id": msg.ConversationID,
		})
		return
	}
	outcome := "completed"
	switch {
	case ctx.Err() != nil:
		outcome = "cancelled"
	case genErr != nil:
		outcome = "failed"
	}
	observability.GeneratedReplies.WithLabelValues(outcome).Inc()
	if outcome == "failed" {
		observability.LogAsyncOperationError(ctx, "generate_reply", genErr, map[string]interface{}{
			"message_id": msg.ID,
			"chunks":     idx,
		})
	}
	observability.GlobalLogger.Debug("generation finished",
		"message_id", done.ID, "chunks", idx, "outcome", outcome)
}

// Wait blocks until every started generation has completed.
func (r *GenerationRunner) Wait() {
	if r != nil {
		r.wg.Wait()
	}
}
