package aggregate

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"hotaggr/internal/cache"
	"hotaggr/internal/storage"
	"hotaggr/internal/types"
)

// WriteStats reports the outcome of persisting one reconciled batch.
type WriteStats struct {
	EventsCreated     int
	EventsUpdated     int
	RelationsInserted int
	RelationsSkipped  int
	EventsFailed      int

	// WrittenNewsIDs covers events that committed; FailedNewsIDs covers
	// events whose transactions aborted or were never attempted.
	WrittenNewsIDs []int64
	FailedNewsIDs  []int64
}

// Writer persists reconciled aggregation decisions. Each accepted event is
// one storage transaction; a failure aborts only that event's write and its
// siblings commit regardless.
type Writer struct {
	store storage.Storage
	cache cache.SummaryCache
}

// NewWriter creates a writer. cache may be nil.
func NewWriter(store storage.Storage, c cache.SummaryCache) *Writer {
	return &Writer{store: store, cache: c}
}

// Write persists the accepted events. newsTimes maps news IDs to first-seen
// times for event time bounds. Only infrastructure-level failures (context
// cancellation) return an error; per-event failures are counted in stats.
func (w *Writer) Write(ctx context.Context, accepted []types.AcceptedEvent, newsTimes map[int64]time.Time) (*WriteStats, error) {
	stats := &WriteStats{}
	for _, event := range accepted {
		if ctx.Err() != nil {
			stats.EventsFailed++
			stats.FailedNewsIDs = append(stats.FailedNewsIDs, event.NewsIDs()...)
			continue
		}
		switch {
		case event.Existing != nil:
			w.writeExisting(ctx, event.Existing, newsTimes, stats)
		case event.Proposal != nil:
			w.writeProposal(ctx, event.Proposal, newsTimes, stats)
		}
	}
	return stats, nil
}

func (w *Writer) writeExisting(ctx context.Context, match *types.ExistingEventMatch, newsTimes map[int64]time.Time, stats *WriteStats) {
	var first, last time.Time
	for _, id := range match.NewsIDs {
		if t, ok := newsTimes[id]; ok {
			first = types.MinTime(first, t)
			last = types.MaxTime(last, t)
		}
	}

	res, err := w.store.AttachNewsToEvent(ctx, &storage.AttachRequest{
		EventID:    match.EventID,
		NewsIDs:    match.NewsIDs,
		Confidence: match.Confidence,
		BatchFirst: first,
		BatchLast:  last,
	})
	if err != nil {
		stats.EventsFailed++
		stats.FailedNewsIDs = append(stats.FailedNewsIDs, match.NewsIDs...)
		// An unknown or retired event_id means the model matched against a
		// stale summary; the news items requeue and see fresh context.
		if errors.Is(err, storage.ErrEventNotFound) || errors.Is(err, storage.ErrEventNotActive) {
			slog.Warn("LLM matched unusable event, skipping",
				"event_id", match.EventID, "news", len(match.NewsIDs), "error", err)
			return
		}
		slog.Error("attaching news to event failed",
			"event_id", match.EventID, "news", len(match.NewsIDs), "error", err)
		return
	}

	stats.EventsUpdated++
	stats.RelationsInserted += res.Inserted
	stats.RelationsSkipped += res.Skipped
	stats.WrittenNewsIDs = append(stats.WrittenNewsIDs, match.NewsIDs...)
	if w.cache != nil {
		w.cache.Invalidate(match.EventID)
	}
}

func (w *Writer) writeProposal(ctx context.Context, proposal *types.NewEventProposal, newsTimes map[int64]time.Time, stats *WriteStats) {
	eventID, res, err := w.store.CreateEventFromProposal(ctx, proposal, newsTimes)
	if err != nil {
		stats.EventsFailed++
		stats.FailedNewsIDs = append(stats.FailedNewsIDs, proposal.NewsIDs...)
		slog.Error("creating event from proposal failed",
			"title", proposal.Title, "news", len(proposal.NewsIDs), "error", err)
		return
	}

	stats.EventsCreated++
	stats.RelationsInserted += res.Inserted
	stats.RelationsSkipped += res.Skipped
	stats.WrittenNewsIDs = append(stats.WrittenNewsIDs, proposal.NewsIDs...)
	if w.cache != nil {
		w.cache.Invalidate(eventID)
	}
}
