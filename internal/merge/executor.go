package merge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"hotaggr/internal/cache"
	"hotaggr/internal/storage"
	"hotaggr/internal/types"
)

// ValidationError rejects a merge before any state changes. The database is
// untouched when one is returned.
type ValidationError struct {
	SourceEventID int64
	TargetEventID int64
	Reason        string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("merge %d -> %d rejected: %s", e.SourceEventID, e.TargetEventID, e.Reason)
}

// StaleStateError refuses a rollback because a later merge touched one of
// the events, so the snapshot no longer describes the current state.
type StaleStateError struct {
	RecordID      int64
	LaterRecordID int64
	EventID       int64
}

func (e *StaleStateError) Error() string {
	return fmt.Sprintf("cannot roll back merge %d: event %d was touched by later merge %d",
		e.RecordID, e.EventID, e.LaterRecordID)
}

// Executor applies and rolls back merges. Every applied merge carries a
// full before-state snapshot of both events and their relations.
type Executor struct {
	store storage.Storage
	cache cache.SummaryCache
}

// NewExecutor creates an executor. cache may be nil.
func NewExecutor(store storage.Storage, c cache.SummaryCache) *Executor {
	return &Executor{store: store, cache: c}
}

// Execute validates and applies one merge proposal: validate, snapshot,
// apply, record, with the apply and the record in a single transaction.
// Returns the merge record ID.
func (e *Executor) Execute(ctx context.Context, p *Proposal) (int64, error) {
	source, target, err := e.validate(ctx, p)
	if err != nil {
		return 0, err
	}

	snapshot, err := e.snapshot(ctx, source, target)
	if err != nil {
		return 0, fmt.Errorf("snapshotting merge %d -> %d: %w", p.SourceEventID, p.TargetEventID, err)
	}

	merged := mergedEvent(source, target, p)
	rec := &types.MergeRecord{
		SourceEventID:    p.SourceEventID,
		TargetEventID:    p.TargetEventID,
		Confidence:       p.Confidence,
		Rationale:        p.Rationale,
		RollbackSnapshot: snapshot,
	}

	recordID, err := e.store.ApplyMerge(ctx, rec, merged)
	if err != nil {
		return 0, fmt.Errorf("applying merge %d -> %d: %w", p.SourceEventID, p.TargetEventID, err)
	}

	if e.cache != nil {
		e.cache.Invalidate(p.SourceEventID)
		e.cache.Invalidate(p.TargetEventID)
	}
	slog.Info("merge applied",
		"record_id", recordID,
		"source", p.SourceEventID, "target", p.TargetEventID,
		"confidence", p.Confidence)
	return recordID, nil
}

// validate loads both events and rejects self-merges, non-Active
// participants, and merged_to chains that would form a cycle.
func (e *Executor) validate(ctx context.Context, p *Proposal) (source, target *types.Event, err error) {
	reject := func(reason string) (*types.Event, *types.Event, error) {
		return nil, nil, &ValidationError{
			SourceEventID: p.SourceEventID,
			TargetEventID: p.TargetEventID,
			Reason:        reason,
		}
	}

	if p.SourceEventID == p.TargetEventID {
		return reject("source and target are the same event")
	}

	source, err = e.store.GetEvent(ctx, p.SourceEventID)
	if err != nil {
		if errors.Is(err, storage.ErrEventNotFound) {
			return reject(fmt.Sprintf("source event %d not found", p.SourceEventID))
		}
		return nil, nil, err
	}
	target, err = e.store.GetEvent(ctx, p.TargetEventID)
	if err != nil {
		if errors.Is(err, storage.ErrEventNotFound) {
			return reject(fmt.Sprintf("target event %d not found", p.TargetEventID))
		}
		return nil, nil, err
	}

	if source.Status != types.EventActive {
		return reject(fmt.Sprintf("source event %d is %s", source.ID, source.Status))
	}
	if target.Status != types.EventActive {
		return reject(fmt.Sprintf("target event %d is %s", target.ID, target.Status))
	}

	// Walk the target's merged_to chain. Reaching the source would make the
	// chain circular once source.merged_to_id points at the target.
	seen := map[int64]bool{}
	for cursor := target.MergedToID; cursor != 0; {
		if cursor == p.SourceEventID {
			return reject("merge would create a merged_to cycle")
		}
		if seen[cursor] {
			break
		}
		seen[cursor] = true
		next, err := e.store.GetEvent(ctx, cursor)
		if err != nil {
			if errors.Is(err, storage.ErrEventNotFound) {
				break
			}
			return nil, nil, err
		}
		cursor = next.MergedToID
	}

	return source, target, nil
}

// snapshot captures both events and their relation sets as JSON.
func (e *Executor) snapshot(ctx context.Context, source, target *types.Event) (string, error) {
	snap := types.MergeSnapshot{Source: *source, Target: *target}

	for _, side := range []struct {
		eventID int64
		dst     *[]types.NewsEventRelation
	}{
		{source.ID, &snap.SourceRelations},
		{target.ID, &snap.TargetRelations},
	} {
		relations, err := e.store.GetRelationsByEvent(ctx, side.eventID)
		if err != nil {
			return "", err
		}
		for _, rel := range relations {
			*side.dst = append(*side.dst, *rel)
		}
	}

	raw, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("encoding snapshot: %w", err)
	}
	return string(raw), nil
}

// mergedEvent computes the target's post-merge field values: the union of
// both events' aggregates, with the analyzer's merged title and summary
// when it supplied them.
func mergedEvent(source, target *types.Event, p *Proposal) *types.Event {
	merged := *target
	if p.MergedTitle != "" {
		merged.Title = p.MergedTitle
	}
	if p.MergedSummary != "" {
		merged.Description = p.MergedSummary
	}
	merged.Entities = types.UnionStrings(target.Entities, source.Entities)
	merged.Regions = types.UnionStrings(target.Regions, source.Regions)
	merged.Keywords = types.UnionStrings(target.Keywords, source.Keywords)
	merged.FirstNewsTime = types.MinTime(target.FirstNewsTime, source.FirstNewsTime)
	merged.LastNewsTime = types.MaxTime(target.LastNewsTime, source.LastNewsTime)
	if source.ConfidenceScore > merged.ConfidenceScore {
		merged.ConfidenceScore = source.ConfidenceScore
	}
	return &merged
}

// Rollback restores both events from the merge's snapshot and marks the
// record rolled back. It refuses when a later merge touched either event.
func (e *Executor) Rollback(ctx context.Context, recordID int64) error {
	rec, err := e.store.GetMergeRecord(ctx, recordID)
	if err != nil {
		return err
	}
	if rec.Status != types.MergeCompleted {
		return fmt.Errorf("merge %d is %s, only completed merges can be rolled back", recordID, rec.Status)
	}

	for _, eventID := range []int64{rec.SourceEventID, rec.TargetEventID} {
		lastID, err := e.store.LastMergeTouching(ctx, eventID)
		if err != nil {
			return err
		}
		if lastID != recordID {
			return &StaleStateError{RecordID: recordID, LaterRecordID: lastID, EventID: eventID}
		}
	}

	var snap types.MergeSnapshot
	if err := json.Unmarshal([]byte(rec.RollbackSnapshot), &snap); err != nil {
		return fmt.Errorf("decoding snapshot for merge %d: %w", recordID, err)
	}

	if err := e.store.RestoreMergeSnapshot(ctx, recordID, &snap); err != nil {
		return fmt.Errorf("restoring snapshot for merge %d: %w", recordID, err)
	}

	if e.cache != nil {
		e.cache.Invalidate(rec.SourceEventID)
		e.cache.Invalidate(rec.TargetEventID)
	}
	slog.Info("merge rolled back",
		"record_id", recordID, "source", rec.SourceEventID, "target", rec.TargetEventID)
	return nil
}
