package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"hotaggr/internal/types"
)

const eventColumns = `id, title, description, category, event_type, sentiment,
	entities, regions, keywords, confidence_score, news_count,
	first_news_time, last_news_time, status, merged_to_id, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*types.Event, error) {
	var (
		ev                     types.Event
		entities, regions, kws string
		firstNews, lastNews    sql.NullTime
		mergedTo               sql.NullInt64
		status                 string
	)
	err := row.Scan(&ev.ID, &ev.Title, &ev.Description, &ev.Category, &ev.EventType,
		&ev.Sentiment, &entities, &regions, &kws, &ev.ConfidenceScore, &ev.NewsCount,
		&firstNews, &lastNews, &status, &mergedTo, &ev.CreatedAt, &ev.UpdatedAt)
	if err != nil {
		return nil, err
	}
	ev.Entities = unmarshalSet(entities)
	ev.Regions = unmarshalSet(regions)
	ev.Keywords = unmarshalSet(kws)
	ev.FirstNewsTime = timeOf(firstNews)
	ev.LastNewsTime = timeOf(lastNews)
	ev.Status = types.EventStatus(status)
	if mergedTo.Valid {
		ev.MergedToID = mergedTo.Int64
	}
	return &ev, nil
}

// GetEvent loads one event by ID.
func (s *Store) GetEvent(ctx context.Context, id int64) (*types.Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading event %d: %w", id, err)
	}
	return ev, nil
}

func getEventTx(ctx context.Context, tx *sql.Tx, id int64) (*types.Event, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	return ev, err
}

// ListRecentActiveEvents returns up to limit Active events created within
// the window, newest first. A zero window means no recency bound.
func (s *Store) ListRecentActiveEvents(ctx context.Context, limit int, window time.Duration) ([]*types.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE status = ?`
	args := []any{string(types.EventActive)}
	if window > 0 {
		query += ` AND created_at >= ?`
		args = append(args, time.Now().UTC().Add(-window))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing active events: %w", err)
	}
	defer rows.Close()

	var out []*types.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// RecentEventSummaries returns compact summaries of the newest active
// events within the window, used as LLM context for batch classification.
// A zero window means no recency bound.
func (s *Store) RecentEventSummaries(ctx context.Context, limit int, window time.Duration) ([]*types.EventSummary, error) {
	query := `
		SELECT id, title, description, event_type, regions, keywords, created_at
		FROM events
		WHERE status = ?`
	args := []any{string(types.EventActive)}
	if window > 0 {
		query += ` AND created_at >= ?`
		args = append(args, time.Now().UTC().Add(-window))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing event summaries: %w", err)
	}
	defer rows.Close()

	var out []*types.EventSummary
	for rows.Next() {
		var (
			sum           types.EventSummary
			regions, tags string
		)
		if err := rows.Scan(&sum.ID, &sum.Title, &sum.Summary, &sum.EventType, &regions, &tags, &sum.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning event summary: %w", err)
		}
		if rs := unmarshalSet(regions); len(rs) > 0 {
			sum.Region = rs[0]
		}
		sum.Tags = unmarshalSet(tags)
		out = append(out, &sum)
	}
	return out, rows.Err()
}

// CountRelations returns the live relation count for an event.
func (s *Store) CountRelations(ctx context.Context, eventID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM news_event_relations WHERE event_id = ?`, eventID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting relations for event %d: %w", eventID, err)
	}
	return n, nil
}

// GetRelationsByEvent returns all relation rows for an event.
func (s *Store) GetRelationsByEvent(ctx context.Context, eventID int64) ([]*types.NewsEventRelation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, news_id, event_id, confidence, relation_type, created_at
		FROM news_event_relations
		WHERE event_id = ?
		ORDER BY id`, eventID)
	if err != nil {
		return nil, fmt.Errorf("loading relations for event %d: %w", eventID, err)
	}
	defer rows.Close()

	var out []*types.NewsEventRelation
	for rows.Next() {
		var rel types.NewsEventRelation
		if err := rows.Scan(&rel.ID, &rel.NewsID, &rel.EventID, &rel.Confidence, &rel.RelationType, &rel.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning relation: %w", err)
		}
		out = append(out, &rel)
	}
	return out, rows.Err()
}

func relationsByEventTx(ctx context.Context, tx *sql.Tx, eventID int64) ([]types.NewsEventRelation, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, news_id, event_id, confidence, relation_type, created_at
		FROM news_event_relations
		WHERE event_id = ?
		ORDER BY id`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.NewsEventRelation
	for rows.Next() {
		var rel types.NewsEventRelation
		if err := rows.Scan(&rel.ID, &rel.NewsID, &rel.EventID, &rel.Confidence, &rel.RelationType, &rel.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rel)
	}
	return out, rows.Err()
}
