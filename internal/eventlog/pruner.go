package eventlog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"loom/internal/observability"
)

// PendingFlusher retries event log writes that failed at publish time.
type PendingFlusher interface {
	FlushPending(ctx context.Context) error
}

// Pruner periodically retries pending records and prunes every conversation
// that holds log entries. Failures are logged and retried on the next pass.
type Pruner struct {
	log      *Log
	policy   PrunePolicy
	interval time.Duration
	flusher  PendingFlusher

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewPruner creates a Pruner. flusher may be nil.
func NewPruner(log *Log, policy PrunePolicy, interval time.Duration, flusher PendingFlusher) *Pruner {
	return &Pruner{
		log:      log,
		policy:   policy,
		interval: interval,
		flusher:  flusher,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start runs the prune loop in a new goroutine until Stop is called.
func (p *Pruner) Start() {
	go p.loop()
}

// Stop ends the loop and waits for an in-flight pass to finish.
func (p *Pruner) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
	<-p.doneCh
}

func (p *Pruner) loop() {
	defer close(p.doneCh)
	if p.interval <= 0 {
		<-p.stopCh
		return
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithCancel(context.Background())
			go func() {
				select {
				case <-p.stopCh:
					cancel()
				case <-ctx.Done():
				}
			}()
			p.RunOnce(ctx)
			cancel()
		}
	}
}

// RunOnce performs one retry-and-prune pass and returns the rows pruned.
func (p *Pruner) RunOnce(ctx context.Context) int {
	if p.flusher != nil {
		if err := p.flusher.FlushPending(ctx); err != nil {
			observability.LogAsyncOperationError(ctx, "event_log.flush_pending", err, nil)
		}
	}

	convs, err := p.log.Conversations(ctx)
	if err != nil {
		observability.LogAsyncOperationError(ctx, "event_log.prune", err, nil)
		return 0
	}

	total := 0
	for _, convID := range convs {
		if ctx.Err() != nil {
			break
		}
		n, err := p.log.Prune(ctx, convID, p.policy)
		total += n
		if err != nil {
			observability.LogAsyncOperationError(ctx, "event_log.prune", err, map[string]interface{}{
				"conversation_id": convID,
			})
		}
	}
	if total > 0 {
		observability.GlobalLogger.Info("event log pruned",
			slog.Int("rows", total), slog.Int("conversations", len(convs)))
	}
	return total
}
