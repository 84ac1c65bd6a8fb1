package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"hotaggr/internal/types"
)

// ApplyMerge applies a validated merge in one transaction spanning both
// events. Source relations are re-pointed at the target, with rows that
// would duplicate an existing (news, target) pair dropped instead. The
// source event is retired, the target absorbs the merged fields, and the
// completed MergeRecord is persisted in the same transaction so a record
// never describes a half-applied merge. Returns the record ID.
func (s *Store) ApplyMerge(ctx context.Context, rec *types.MergeRecord, merged *types.Event) (int64, error) {
	var recordID int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, id := range []int64{rec.SourceEventID, rec.TargetEventID} {
			ev, err := getEventTx(ctx, tx, id)
			if err != nil {
				return err
			}
			if ev.Status != types.EventActive {
				return fmt.Errorf("event %d: %w", id, ErrEventNotActive)
			}
		}

		// Drop source relations whose news already points at the target.
		// The survivors are then re-pointed without risking the unique key.
		_, err := tx.ExecContext(ctx, `
			DELETE FROM news_event_relations
			WHERE event_id = ?
			  AND news_id IN (
				SELECT news_id FROM news_event_relations WHERE event_id = ?
			  )`, rec.SourceEventID, rec.TargetEventID)
		if err != nil {
			return fmt.Errorf("dropping duplicate relations: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE news_event_relations SET event_id = ? WHERE event_id = ?`,
			rec.TargetEventID, rec.SourceEventID)
		if err != nil {
			return fmt.Errorf("re-pointing relations: %w", err)
		}

		now := time.Now().UTC()
		_, err = tx.ExecContext(ctx, `
			UPDATE events
			SET status = ?, merged_to_id = ?, news_count = 0, updated_at = ?
			WHERE id = ?`,
			string(types.EventMerged), rec.TargetEventID, now, rec.SourceEventID)
		if err != nil {
			return fmt.Errorf("retiring source event %d: %w", rec.SourceEventID, err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE events SET
				title = ?, description = ?, category = ?, event_type = ?, sentiment = ?,
				entities = ?, regions = ?, keywords = ?,
				confidence_score = ?,
				news_count = (SELECT COUNT(*) FROM news_event_relations WHERE event_id = ?),
				first_news_time = ?, last_news_time = ?,
				updated_at = ?
			WHERE id = ?`,
			merged.Title, merged.Description, merged.Category, merged.EventType, merged.Sentiment,
			marshalSet(merged.Entities), marshalSet(merged.Regions), marshalSet(merged.Keywords),
			merged.ConfidenceScore,
			rec.TargetEventID,
			nullTime(merged.FirstNewsTime), nullTime(merged.LastNewsTime),
			now, rec.TargetEventID)
		if err != nil {
			return fmt.Errorf("updating target event %d: %w", rec.TargetEventID, err)
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO event_merge_history
				(source_event_id, target_event_id, confidence, rationale, rollback_snapshot, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			rec.SourceEventID, rec.TargetEventID, rec.Confidence, rec.Rationale,
			rec.RollbackSnapshot, string(types.MergeCompleted), now)
		if err != nil {
			return fmt.Errorf("recording merge: %w", err)
		}
		recordID, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("reading merge record ID: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return recordID, nil
}

// GetMergeRecord loads one merge record by ID.
func (s *Store) GetMergeRecord(ctx context.Context, id int64) (*types.MergeRecord, error) {
	var (
		rec    types.MergeRecord
		status string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, source_event_id, target_event_id, confidence, rationale,
		       rollback_snapshot, status, created_at
		FROM event_merge_history WHERE id = ?`, id).
		Scan(&rec.ID, &rec.SourceEventID, &rec.TargetEventID, &rec.Confidence,
			&rec.Rationale, &rec.RollbackSnapshot, &status, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMergeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading merge record %d: %w", id, err)
	}
	rec.Status = types.MergeStatus(status)
	return &rec, nil
}

// LastMergeTouching returns the ID of the most recent completed merge in
// which the event appears as source or target, or 0 when none exists.
// Rollback uses it to detect merges applied on top of the one being undone;
// already rolled-back merges no longer constrain anything.
func (s *Store) LastMergeTouching(ctx context.Context, eventID int64) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM event_merge_history
		WHERE (source_event_id = ? OR target_event_id = ?) AND status = ?
		ORDER BY id DESC LIMIT 1`, eventID, eventID, string(types.MergeCompleted)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("finding last merge touching event %d: %w", eventID, err)
	}
	return id, nil
}

// RestoreMergeSnapshot undoes a completed merge by restoring both events
// and their relation sets from the snapshot, then marking the record rolled
// back, all in one transaction. The caller has already verified the merge
// is the most recent one touching either event.
func (s *Store) RestoreMergeSnapshot(ctx context.Context, recordID int64, snap *types.MergeSnapshot) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, eventID := range []int64{snap.Source.ID, snap.Target.ID} {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM news_event_relations WHERE event_id = ?`, eventID); err != nil {
				return fmt.Errorf("clearing relations for event %d: %w", eventID, err)
			}
		}

		for _, ev := range []*types.Event{&snap.Source, &snap.Target} {
			if err := restoreEventTx(ctx, tx, ev); err != nil {
				return err
			}
		}

		relations := append(append([]types.NewsEventRelation{}, snap.SourceRelations...), snap.TargetRelations...)
		for _, rel := range relations {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO news_event_relations (id, news_id, event_id, confidence, relation_type, created_at)
				VALUES (?, ?, ?, ?, ?, ?)`,
				rel.ID, rel.NewsID, rel.EventID, rel.Confidence, rel.RelationType, rel.CreatedAt.UTC())
			if err != nil {
				return fmt.Errorf("restoring relation (%d,%d): %w", rel.NewsID, rel.EventID, err)
			}
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE event_merge_history SET status = ? WHERE id = ? AND status = ?`,
			string(types.MergeRolledBack), recordID, string(types.MergeCompleted))
		if err != nil {
			return fmt.Errorf("marking merge %d rolled back: %w", recordID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("merge %d: %w", recordID, ErrMergeNotFound)
		}
		return nil
	})
}

// restoreEventTx writes a snapshotted event row back over the current one.
func restoreEventTx(ctx context.Context, tx *sql.Tx, ev *types.Event) error {
	var mergedTo any
	if ev.MergedToID != 0 {
		mergedTo = ev.MergedToID
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE events SET
			title = ?, description = ?, category = ?, event_type = ?, sentiment = ?,
			entities = ?, regions = ?, keywords = ?,
			confidence_score = ?, news_count = ?,
			first_news_time = ?, last_news_time = ?,
			status = ?, merged_to_id = ?, updated_at = ?
		WHERE id = ?`,
		ev.Title, ev.Description, ev.Category, ev.EventType, ev.Sentiment,
		marshalSet(ev.Entities), marshalSet(ev.Regions), marshalSet(ev.Keywords),
		ev.ConfidenceScore, ev.NewsCount,
		nullTime(ev.FirstNewsTime), nullTime(ev.LastNewsTime),
		string(ev.Status), mergedTo, time.Now().UTC(),
		ev.ID)
	if err != nil {
		return fmt.Errorf("restoring event %d: %w", ev.ID, err)
	}
	return nil
}
