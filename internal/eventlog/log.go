// Package eventlog persists conversation events for reconnect replay and prunes them
// by age and count.
package eventlog

import (
	"context"
	"fmt"
	"time"

	"loom/internal/models"
	"loom/internal/observability"
	"loom/internal/repository"
)

// Order selects the direction of LoadRecent.
type Order int

const (
	NewestFirst Order = iota
	OldestFirst
)

// ReplayResult is what a reconnecting subscriber should receive.
type ReplayResult struct {
	Entries []models.EventLogEntry
	// ResyncRequired is set when entries after the marker have been pruned
	// or the marker is ahead of anything ever issued.
	ResyncRequired bool
}

// PrunePolicy bounds how much history a conversation keeps.
type PrunePolicy struct {
	Retention  time.Duration // zero disables age pruning
	MaxEntries int           // zero disables the count cap
	BatchSize  int
}

// Log is the per-conversation event log.
type Log struct {
	repo repository.EventLogRepository
	now  func() time.Time
}

// NewLog creates a Log over repo.
func NewLog(repo repository.EventLogRepository) *Log {
	return &Log{repo: repo, now: time.Now}
}

// Record writes entry. Recording the same (conversation, sequence) twice
// leaves a single row.
func (l *Log) Record(ctx context.Context, entry *models.EventLogEntry) error {
	if entry.Sequence <= 0 {
		return fmt.Errorf("record event: invalid sequence %d", entry.Sequence)
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = l.now()
	}
	if err := l.repo.Upsert(ctx, entry); err != nil {
		return fmt.Errorf("record event %d/%d: %w", entry.ConversationID, entry.Sequence, err)
	}
	return nil
}

// LoadRecent returns up to limit of the newest entries in the requested order.
func (l *Log) LoadRecent(ctx context.Context, convID uint, limit int, order Order) ([]models.EventLogEntry, error) {
	entries, err := l.repo.Recent(ctx, convID, limit)
	if err != nil {
		return nil, err
	}
	if order == OldestFirst {
		for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
			entries[i], entries[j] = entries[j], entries[i]
		}
	}
	return entries, nil
}

// LoadAfter returns up to limit entries with sequence > lastSeq, ascending.
func (l *Log) LoadAfter(ctx context.Context, convID uint, lastSeq int64, limit int) ([]models.EventLogEntry, error) {
	return l.repo.After(ctx, convID, lastSeq, limit)
}

// Replay returns up to limit entries after since and whether the caller
// has lost history it can no longer recover from the log. An empty result
// with since behind the counter means the newest events are not written yet;
// the hub fills those from memory.
func (l *Log) Replay(ctx context.Context, convID uint, since int64, limit int) (ReplayResult, error) {
	last, err := l.repo.LastSequence(ctx, convID)
	if err != nil {
		return ReplayResult{}, err
	}
	if since > last {
		observability.ResyncRequired.Inc()
		return ReplayResult{ResyncRequired: true}, nil
	}
	if since == last {
		return ReplayResult{}, nil
	}

	entries, err := l.repo.After(ctx, convID, since, limit)
	if err != nil {
		return ReplayResult{}, err
	}
	if len(entries) > 0 && entries[0].Sequence > since+1 {
		observability.ResyncRequired.Inc()
		return ReplayResult{Entries: entries, ResyncRequired: true}, nil
	}
	observability.ReplaySize.Observe(float64(len(entries)))
	return ReplayResult{Entries: entries}, nil
}

// Prune deletes entries older than the retention window and entries beyond the
// count cap, BatchSize rows at a time. It returns the number of rows removed.
func (l *Log) Prune(ctx context.Context, convID uint, policy PrunePolicy) (int, error) {
	batch := policy.BatchSize
	if batch <= 0 {
		batch = 500
	}
	total := 0

	if policy.Retention > 0 {
		cutoff := l.now().Add(-policy.Retention)
		for {
			n, err := l.repo.DeleteCreatedBefore(ctx, convID, cutoff, batch)
			if err != nil {
				return total, fmt.Errorf("prune by age: %w", err)
			}
			total += int(n)
			observability.EventLogPruned.WithLabelValues("age").Add(float64(n))
			if n < int64(batch) {
				break
			}
			if err := ctx.Err(); err != nil {
				return total, err
			}
		}
	}

	if policy.MaxEntries > 0 {
		keepFrom, ok, err := l.repo.SequenceAtRank(ctx, convID, policy.MaxEntries)
		if err != nil {
			return total, fmt.Errorf("prune by count: %w", err)
		}
		if ok {
			for {
				n, err := l.repo.DeleteSequencesBelow(ctx, convID, keepFrom, batch)
				if err != nil {
					return total, fmt.Errorf("prune by count: %w", err)
				}
				total += int(n)
				observability.EventLogPruned.WithLabelValues("count").Add(float64(n))
				if n < int64(batch) {
					break
				}
				if err := ctx.Err(); err != nil {
					return total, err
				}
			}
		}
	}

	return total, nil
}

// Conversations lists conversations that currently hold log entries.
func (l *Log) Conversations(ctx context.Context) ([]uint, error) {
	return l.repo.Conversations(ctx)
}
