package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"hotaggr/internal/types"
)

// insertRelationTx inserts one relation row unless the (news_id, event_id)
// pair already exists. The existence check makes retries idempotent; the
// conflict swallow covers the race where a concurrent writer wins between
// check and insert. Returns true when a row was inserted.
func insertRelationTx(ctx context.Context, tx *sql.Tx, newsID, eventID int64, confidence float64, relationType string) (bool, error) {
	var existing int64
	err := tx.QueryRowContext(ctx,
		`SELECT id FROM news_event_relations WHERE news_id = ? AND event_id = ?`,
		newsID, eventID).Scan(&existing)
	if err == nil {
		return false, nil
	}
	if err != sql.ErrNoRows {
		return false, fmt.Errorf("checking relation (%d,%d): %w", newsID, eventID, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO news_event_relations (news_id, event_id, confidence, relation_type)
		VALUES (?, ?, ?, ?)`,
		newsID, eventID, confidence, relationType)
	if err != nil {
		if isUniqueConflict(err) {
			slog.Warn("relation insert lost race, keeping existing row",
				"news_id", newsID, "event_id", eventID)
			return false, nil
		}
		return false, fmt.Errorf("inserting relation (%d,%d): %w", newsID, eventID, err)
	}
	return true, nil
}

// AttachNewsToEvent attaches a batch of news IDs to an existing event and
// recomputes the event's aggregates, all in one transaction. Already-present
// relations are skipped; the event's confidence score is overwritten with
// the latest LLM value (the model restates the full picture on every call).
func (s *Store) AttachNewsToEvent(ctx context.Context, req *AttachRequest) (*AttachResult, error) {
	res := &AttachResult{}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		ev, err := getEventTx(ctx, tx, req.EventID)
		if err != nil {
			return err
		}
		if ev.Status != types.EventActive {
			return fmt.Errorf("event %d: %w", req.EventID, ErrEventNotActive)
		}

		for _, newsID := range req.NewsIDs {
			inserted, err := insertRelationTx(ctx, tx, newsID, req.EventID, req.Confidence, types.RelationPrimary)
			if err != nil {
				return err
			}
			if inserted {
				res.Inserted++
			} else {
				res.Skipped++
			}
		}

		first := types.MinTime(ev.FirstNewsTime, req.BatchFirst)
		last := types.MaxTime(ev.LastNewsTime, req.BatchLast)
		entities := types.UnionStrings(ev.Entities, req.Entities)
		regions := types.UnionStrings(ev.Regions, req.Regions)
		keywords := types.UnionStrings(ev.Keywords, req.Keywords)

		// news_count comes from the live relation count, never arithmetic on
		// the stale row, so the invariant holds under any interleaving.
		_, err = tx.ExecContext(ctx, `
			UPDATE events SET
				entities = ?, regions = ?, keywords = ?,
				confidence_score = ?,
				news_count = (SELECT COUNT(*) FROM news_event_relations WHERE event_id = ?),
				first_news_time = ?, last_news_time = ?,
				updated_at = ?
			WHERE id = ?`,
			marshalSet(entities), marshalSet(regions), marshalSet(keywords),
			req.Confidence,
			req.EventID,
			nullTime(first), nullTime(last),
			time.Now().UTC(),
			req.EventID)
		if err != nil {
			return fmt.Errorf("updating event %d aggregates: %w", req.EventID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// CreateEventFromProposal creates a new Active event from an LLM proposal
// and inserts its relation rows, all in one transaction. newsTimes supplies
// each news item's first-seen time for the event's time bounds.
func (s *Store) CreateEventFromProposal(ctx context.Context, p *types.NewEventProposal, newsTimes map[int64]time.Time) (int64, *AttachResult, error) {
	var eventID int64
	res := &AttachResult{}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var first, last time.Time
		for _, id := range p.NewsIDs {
			if t, ok := newsTimes[id]; ok {
				first = types.MinTime(first, t)
				last = types.MaxTime(last, t)
			}
		}

		sentiment := types.NormalizeSentiment(p.Sentiment)
		regions := []string{}
		if p.Region != "" {
			regions = []string{p.Region}
		}

		now := time.Now().UTC()
		result, err := tx.ExecContext(ctx, `
			INSERT INTO events (title, description, category, event_type, sentiment,
				entities, regions, keywords, confidence_score, news_count,
				first_news_time, last_news_time, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?)`,
			p.Title, p.Summary, p.Category, p.EventType, sentiment,
			marshalSet(p.Entities), marshalSet(regions), marshalSet(p.Tags),
			p.Confidence,
			nullTime(first), nullTime(last),
			string(types.EventActive), now, now)
		if err != nil {
			return fmt.Errorf("inserting event %q: %w", p.Title, err)
		}

		eventID, err = result.LastInsertId()
		if err != nil {
			return fmt.Errorf("reading new event ID: %w", err)
		}

		for _, newsID := range p.NewsIDs {
			inserted, err := insertRelationTx(ctx, tx, newsID, eventID, p.Confidence, types.RelationPrimary)
			if err != nil {
				return err
			}
			if inserted {
				res.Inserted++
			} else {
				res.Skipped++
			}
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE events
			SET news_count = (SELECT COUNT(*) FROM news_event_relations WHERE event_id = ?)
			WHERE id = ?`, eventID, eventID)
		if err != nil {
			return fmt.Errorf("setting news_count for event %d: %w", eventID, err)
		}
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	return eventID, res, nil
}
