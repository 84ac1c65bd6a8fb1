package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"hotaggr/internal/types"
)

// ListUnprocessedNews returns news items matching the filter that have not
// completed aggregation. Items with a failed status are returned again so a
// later run can retry them.
func (s *Store) ListUnprocessedNews(ctx context.Context, f types.NewsFilter) ([]*types.NewsItem, error) {
	var (
		conds []string
		args  []any
	)
	if !f.Since.IsZero() {
		conds = append(conds, `n.first_seen_at >= ?`)
		args = append(args, f.Since.UTC())
	}
	if !f.Until.IsZero() {
		conds = append(conds, `n.first_seen_at < ?`)
		args = append(args, f.Until.UTC())
	}
	if f.Type != "" {
		conds = append(conds, `n.type = ?`)
		args = append(args, f.Type)
	}
	if f.ExcludeRelated {
		conds = append(conds,
			`NOT EXISTS (SELECT 1 FROM news_event_relations r WHERE r.news_id = n.id)`)
	}
	conds = append(conds, `NOT EXISTS (
		SELECT 1 FROM news_processing_status p
		WHERE p.news_id = n.id AND p.status = ?)`)
	args = append(args, string(types.ProcessingCompleted))

	query := `SELECT n.id, n.title, n.content, n.type, n.first_seen_at FROM news n
		WHERE ` + strings.Join(conds, " AND ") + `
		ORDER BY n.first_seen_at, n.id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing unprocessed news: %w", err)
	}
	defer rows.Close()

	var out []*types.NewsItem
	for rows.Next() {
		var item types.NewsItem
		if err := rows.Scan(&item.ID, &item.Title, &item.Content, &item.Type, &item.FirstSeenAt); err != nil {
			return nil, fmt.Errorf("scanning news item: %w", err)
		}
		out = append(out, &item)
	}
	return out, rows.Err()
}

// InsertNews inserts news items, assigning IDs for items without one.
func (s *Store) InsertNews(ctx context.Context, items []*types.NewsItem) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, item := range items {
			seen := item.FirstSeenAt
			if seen.IsZero() {
				seen = time.Now().UTC()
			}
			if item.ID > 0 {
				_, err := tx.ExecContext(ctx, `
					INSERT INTO news (id, title, content, type, first_seen_at)
					VALUES (?, ?, ?, ?, ?)`,
					item.ID, item.Title, item.Content, item.Type, seen.UTC())
				if err != nil {
					return fmt.Errorf("inserting news %d: %w", item.ID, err)
				}
				continue
			}
			res, err := tx.ExecContext(ctx, `
				INSERT INTO news (title, content, type, first_seen_at)
				VALUES (?, ?, ?, ?)`,
				item.Title, item.Content, item.Type, seen.UTC())
			if err != nil {
				return fmt.Errorf("inserting news %q: %w", item.Title, err)
			}
			item.ID, err = res.LastInsertId()
			if err != nil {
				return fmt.Errorf("reading new news ID: %w", err)
			}
		}
		return nil
	})
}

// setProcessingStatus upserts the bookkeeping row for each news ID.
// bumpRetry increments retry_count, used when a batch exhausts its retries.
func (s *Store) setProcessingStatus(ctx context.Context, newsIDs []int64, status types.ProcessingStatus, lastError string, bumpRetry bool) error {
	if len(newsIDs) == 0 {
		return nil
	}
	bump := 0
	if bumpRetry {
		bump = 1
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, id := range newsIDs {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO news_processing_status (news_id, status, retry_count, last_error, updated_at)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT(news_id) DO UPDATE SET
					status = excluded.status,
					retry_count = retry_count + ?,
					last_error = excluded.last_error,
					updated_at = excluded.updated_at`,
				id, string(status), bump, lastError, time.Now().UTC(), bump)
			if err != nil {
				return fmt.Errorf("updating processing status for news %d: %w", id, err)
			}
		}
		return nil
	})
}

// MarkNewsProcessing marks news items as picked up by a run.
func (s *Store) MarkNewsProcessing(ctx context.Context, newsIDs []int64) error {
	return s.setProcessingStatus(ctx, newsIDs, types.ProcessingInProgress, "", false)
}

// MarkNewsCompleted marks news items as fully aggregated.
func (s *Store) MarkNewsCompleted(ctx context.Context, newsIDs []int64) error {
	return s.setProcessingStatus(ctx, newsIDs, types.ProcessingCompleted, "", false)
}

// MarkNewsFailed marks news items as failed after exhausting retries,
// recording the last error and bumping the retry count.
func (s *Store) MarkNewsFailed(ctx context.Context, newsIDs []int64, lastError string) error {
	return s.setProcessingStatus(ctx, newsIDs, types.ProcessingFailed, lastError, true)
}

// GetProcessingState returns the bookkeeping row for one news item, or a
// pending state when no row exists yet.
func (s *Store) GetProcessingState(ctx context.Context, newsID int64) (*types.ProcessingState, error) {
	var (
		st     types.ProcessingState
		status string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT news_id, status, retry_count, last_error, updated_at
		FROM news_processing_status WHERE news_id = ?`, newsID).
		Scan(&st.NewsID, &status, &st.RetryCount, &st.LastError, &st.UpdatedAt)
	if err == sql.ErrNoRows {
		return &types.ProcessingState{NewsID: newsID, Status: types.ProcessingPending}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading processing state for news %d: %w", newsID, err)
	}
	st.Status = types.ProcessingStatus(status)
	return &st, nil
}

// RecordLLMCall appends one attempt to the audit log.
func (s *Store) RecordLLMCall(ctx context.Context, rec *types.LLMCallRecord) error {
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	success := 0
	if rec.Success {
		success = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO llm_call_log
			(run_id, operation, prompt_hash, attempt, input_tokens, output_tokens,
			 success, error, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.Operation, rec.PromptHash, rec.Attempt,
		rec.InputTokens, rec.OutputTokens, success, rec.Error,
		rec.Duration.Milliseconds(), created.UTC())
	if err != nil {
		return fmt.Errorf("recording LLM call: %w", err)
	}
	return nil
}

// GetStatistics summarizes pipeline activity within the window. A zero
// window means all time.
func (s *Store) GetStatistics(ctx context.Context, window time.Duration) (*types.Statistics, error) {
	stats := &types.Statistics{ByEventType: make(map[string]int)}

	var cutoff time.Time
	if window > 0 {
		cutoff = time.Now().UTC().Add(-window)
	}

	scalar := func(dst *int, query string, args ...any) error {
		return s.db.QueryRowContext(ctx, query, args...).Scan(dst)
	}

	newsWhere, newsArgs := "", []any{}
	if !cutoff.IsZero() {
		newsWhere = ` WHERE first_seen_at >= ?`
		newsArgs = append(newsArgs, cutoff)
	}
	if err := scalar(&stats.TotalNews, `SELECT COUNT(*) FROM news`+newsWhere, newsArgs...); err != nil {
		return nil, fmt.Errorf("counting news: %w", err)
	}

	statusCount := func(dst *int, status types.ProcessingStatus) error {
		query := `SELECT COUNT(*) FROM news_processing_status WHERE status = ?`
		args := []any{string(status)}
		if !cutoff.IsZero() {
			query += ` AND updated_at >= ?`
			args = append(args, cutoff)
		}
		return scalar(dst, query, args...)
	}
	if err := statusCount(&stats.ProcessedNews, types.ProcessingCompleted); err != nil {
		return nil, fmt.Errorf("counting processed news: %w", err)
	}
	if err := statusCount(&stats.FailedNews, types.ProcessingFailed); err != nil {
		return nil, fmt.Errorf("counting failed news: %w", err)
	}

	eventWhere, eventArgs := "", []any{}
	if !cutoff.IsZero() {
		eventWhere = ` AND created_at >= ?`
		eventArgs = append(eventArgs, cutoff)
	}
	if err := scalar(&stats.TotalEvents, `SELECT COUNT(*) FROM events WHERE 1=1`+eventWhere, eventArgs...); err != nil {
		return nil, fmt.Errorf("counting events: %w", err)
	}
	if err := scalar(&stats.ActiveEvents,
		`SELECT COUNT(*) FROM events WHERE status = ?`+eventWhere,
		append([]any{string(types.EventActive)}, eventArgs...)...); err != nil {
		return nil, fmt.Errorf("counting active events: %w", err)
	}
	if err := scalar(&stats.MergedEvents,
		`SELECT COUNT(*) FROM events WHERE status = ?`+eventWhere,
		append([]any{string(types.EventMerged)}, eventArgs...)...); err != nil {
		return nil, fmt.Errorf("counting merged events: %w", err)
	}
	if err := scalar(&stats.TotalRelations, `SELECT COUNT(*) FROM news_event_relations`); err != nil {
		return nil, fmt.Errorf("counting relations: %w", err)
	}

	llmWhere, llmArgs := "", []any{}
	if !cutoff.IsZero() {
		llmWhere = ` WHERE created_at >= ?`
		llmArgs = append(llmArgs, cutoff)
	}
	if err := scalar(&stats.LLMCalls, `SELECT COUNT(*) FROM llm_call_log`+llmWhere, llmArgs...); err != nil {
		return nil, fmt.Errorf("counting LLM calls: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT event_type, COUNT(*) FROM events
		WHERE status = ?`+eventWhere+`
		GROUP BY event_type`,
		append([]any{string(types.EventActive)}, eventArgs...)...)
	if err != nil {
		return nil, fmt.Errorf("counting events by type: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			eventType string
			n         int
		)
		if err := rows.Scan(&eventType, &n); err != nil {
			return nil, fmt.Errorf("scanning event type count: %w", err)
		}
		stats.ByEventType[eventType] = n
	}
	return stats, rows.Err()
}
