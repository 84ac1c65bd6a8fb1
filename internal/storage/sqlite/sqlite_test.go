package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hotaggr/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedNews(t *testing.T, store *Store, ids ...int64) map[int64]time.Time {
	t.Helper()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	times := make(map[int64]time.Time, len(ids))
	var items []*types.NewsItem
	for i, id := range ids {
		seen := base.Add(time.Duration(i) * time.Hour)
		times[id] = seen
		items = append(items, &types.NewsItem{
			ID:          id,
			Title:       "news",
			Content:     "content",
			Type:        "general",
			FirstSeenAt: seen,
		})
	}
	require.NoError(t, store.InsertNews(context.Background(), items))
	return times
}

func seedEvent(t *testing.T, store *Store, newsIDs []int64, times map[int64]time.Time) int64 {
	t.Helper()
	eventID, _, err := store.CreateEventFromProposal(context.Background(), &types.NewEventProposal{
		NewsIDs:    newsIDs,
		Title:      "seed event",
		Summary:    "summary",
		EventType:  "storm",
		Category:   "weather",
		Entities:   []string{"a"},
		Region:     "north",
		Tags:       []string{"t1"},
		Confidence: 0.8,
		Sentiment:  "中性",
	}, times)
	require.NoError(t, err)
	return eventID
}

func TestCreateEventFromProposal(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	times := seedNews(t, store, 101, 102)

	eventID := seedEvent(t, store, []int64{101, 102}, times)

	ev, err := store.GetEvent(ctx, eventID)
	require.NoError(t, err)
	assert.Equal(t, "seed event", ev.Title)
	assert.Equal(t, types.EventActive, ev.Status)
	assert.Equal(t, types.SentimentNeutral, ev.Sentiment)
	assert.Equal(t, 2, ev.NewsCount)
	assert.Equal(t, []string{"north"}, ev.Regions)
	assert.Equal(t, times[101], ev.FirstNewsTime.UTC())
	assert.Equal(t, times[102], ev.LastNewsTime.UTC())

	n, err := store.CountRelations(ctx, eventID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestGetEventNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetEvent(context.Background(), 999)
	assert.ErrorIs(t, err, ErrEventNotFound)
}

func TestAttachNewsToEvent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	times := seedNews(t, store, 101, 102, 103)
	eventID := seedEvent(t, store, []int64{101}, times)

	res, err := store.AttachNewsToEvent(ctx, &AttachRequest{
		EventID:    eventID,
		NewsIDs:    []int64{102, 103},
		Confidence: 0.95,
		BatchFirst: times[102],
		BatchLast:  times[103],
		Entities:   []string{"b"},
		Keywords:   []string{"t2"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)
	assert.Equal(t, 0, res.Skipped)

	ev, err := store.GetEvent(ctx, eventID)
	require.NoError(t, err)
	assert.Equal(t, 3, ev.NewsCount)
	assert.Equal(t, 0.95, ev.ConfidenceScore)
	assert.Equal(t, []string{"a", "b"}, ev.Entities)
	assert.Equal(t, []string{"t1", "t2"}, ev.Keywords)
	assert.Equal(t, times[101], ev.FirstNewsTime.UTC())
	assert.Equal(t, times[103], ev.LastNewsTime.UTC())
}

func TestAttachNewsToEventIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	times := seedNews(t, store, 101, 102)
	eventID := seedEvent(t, store, []int64{101}, times)

	req := &AttachRequest{EventID: eventID, NewsIDs: []int64{101, 102}, Confidence: 0.9}
	res, err := store.AttachNewsToEvent(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 1, res.Skipped)

	// Replaying the same request changes nothing.
	res, err = store.AttachNewsToEvent(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Inserted)
	assert.Equal(t, 2, res.Skipped)

	ev, err := store.GetEvent(ctx, eventID)
	require.NoError(t, err)
	assert.Equal(t, 2, ev.NewsCount)
}

func TestAttachNewsToEventRejectsInactive(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	times := seedNews(t, store, 101, 102, 103)
	source := seedEvent(t, store, []int64{101}, times)
	target := seedEvent(t, store, []int64{102}, times)

	_, err := store.ApplyMerge(ctx, &types.MergeRecord{
		SourceEventID: source, TargetEventID: target, Confidence: 0.9,
	}, mustEvent(t, store, target))
	require.NoError(t, err)

	_, err = store.AttachNewsToEvent(ctx, &AttachRequest{EventID: source, NewsIDs: []int64{103}})
	assert.ErrorIs(t, err, ErrEventNotActive)
}

func mustEvent(t *testing.T, store *Store, id int64) *types.Event {
	t.Helper()
	ev, err := store.GetEvent(context.Background(), id)
	require.NoError(t, err)
	return ev
}

func TestApplyMergeRepointsAndDropsDuplicates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	times := seedNews(t, store, 101, 102, 555)
	source := seedEvent(t, store, []int64{101, 555}, times)
	target := seedEvent(t, store, []int64{102, 555}, times)

	merged := mustEvent(t, store, target)
	merged.Title = "merged title"
	recordID, err := store.ApplyMerge(ctx, &types.MergeRecord{
		SourceEventID: source,
		TargetEventID: target,
		Confidence:    0.9,
		Rationale:     "same storm",
	}, merged)
	require.NoError(t, err)
	require.Positive(t, recordID)

	// News 555 was related to both; the target keeps exactly one relation.
	relations, err := store.GetRelationsByEvent(ctx, target)
	require.NoError(t, err)
	newsSeen := map[int64]int{}
	for _, rel := range relations {
		newsSeen[rel.NewsID]++
	}
	assert.Equal(t, map[int64]int{101: 1, 102: 1, 555: 1}, newsSeen)

	targetEv := mustEvent(t, store, target)
	assert.Equal(t, "merged title", targetEv.Title)
	assert.Equal(t, 3, targetEv.NewsCount)

	sourceEv := mustEvent(t, store, source)
	assert.Equal(t, types.EventMerged, sourceEv.Status)
	assert.Equal(t, target, sourceEv.MergedToID)
	assert.Equal(t, 0, sourceEv.NewsCount)

	rec, err := store.GetMergeRecord(ctx, recordID)
	require.NoError(t, err)
	assert.Equal(t, types.MergeCompleted, rec.Status)
	assert.Equal(t, "same storm", rec.Rationale)
}

func TestApplyMergeRejectsInactiveParticipant(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	times := seedNews(t, store, 101, 102, 103)
	a := seedEvent(t, store, []int64{101}, times)
	b := seedEvent(t, store, []int64{102}, times)
	c := seedEvent(t, store, []int64{103}, times)

	_, err := store.ApplyMerge(ctx, &types.MergeRecord{SourceEventID: a, TargetEventID: b},
		mustEvent(t, store, b))
	require.NoError(t, err)

	// a is now Merged; a second merge touching it must fail atomically.
	_, err = store.ApplyMerge(ctx, &types.MergeRecord{SourceEventID: a, TargetEventID: c},
		mustEvent(t, store, c))
	assert.ErrorIs(t, err, ErrEventNotActive)
}

func TestLastMergeTouching(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	times := seedNews(t, store, 101, 102)
	a := seedEvent(t, store, []int64{101}, times)
	b := seedEvent(t, store, []int64{102}, times)

	none, err := store.LastMergeTouching(ctx, a)
	require.NoError(t, err)
	assert.Zero(t, none)

	recordID, err := store.ApplyMerge(ctx, &types.MergeRecord{SourceEventID: a, TargetEventID: b},
		mustEvent(t, store, b))
	require.NoError(t, err)

	for _, eventID := range []int64{a, b} {
		last, err := store.LastMergeTouching(ctx, eventID)
		require.NoError(t, err)
		assert.Equal(t, recordID, last)
	}
}

func TestProcessingStatusLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedNews(t, store, 101, 102)

	state, err := store.GetProcessingState(ctx, 101)
	require.NoError(t, err)
	assert.Equal(t, types.ProcessingPending, state.Status)

	require.NoError(t, store.MarkNewsProcessing(ctx, []int64{101, 102}))
	require.NoError(t, store.MarkNewsCompleted(ctx, []int64{101}))
	require.NoError(t, store.MarkNewsFailed(ctx, []int64{102}, "coverage below reject floor"))

	state, err = store.GetProcessingState(ctx, 101)
	require.NoError(t, err)
	assert.Equal(t, types.ProcessingCompleted, state.Status)

	state, err = store.GetProcessingState(ctx, 102)
	require.NoError(t, err)
	assert.Equal(t, types.ProcessingFailed, state.Status)
	assert.Equal(t, 1, state.RetryCount)
	assert.Equal(t, "coverage below reject floor", state.LastError)

	// A later failure bumps the retry count again.
	require.NoError(t, store.MarkNewsFailed(ctx, []int64{102}, "still failing"))
	state, err = store.GetProcessingState(ctx, 102)
	require.NoError(t, err)
	assert.Equal(t, 2, state.RetryCount)
}

func TestListUnprocessedNews(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	times := seedNews(t, store, 101, 102, 103)

	require.NoError(t, store.MarkNewsCompleted(ctx, []int64{101}))

	items, err := store.ListUnprocessedNews(ctx, types.NewsFilter{})
	require.NoError(t, err)
	ids := newsIDs(items)
	assert.ElementsMatch(t, []int64{102, 103}, ids)

	// Failed items come back for retry.
	require.NoError(t, store.MarkNewsFailed(ctx, []int64{102}, "x"))
	items, err = store.ListUnprocessedNews(ctx, types.NewsFilter{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{102, 103}, newsIDs(items))

	// Since filter.
	items, err = store.ListUnprocessedNews(ctx, types.NewsFilter{Since: times[103]})
	require.NoError(t, err)
	assert.Equal(t, []int64{103}, newsIDs(items))

	// ExcludeRelated hides news already attached to an event.
	seedEvent(t, store, []int64{102}, times)
	items, err = store.ListUnprocessedNews(ctx, types.NewsFilter{ExcludeRelated: true})
	require.NoError(t, err)
	assert.Equal(t, []int64{103}, newsIDs(items))

	// Limit.
	items, err = store.ListUnprocessedNews(ctx, types.NewsFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func newsIDs(items []*types.NewsItem) []int64 {
	ids := make([]int64, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	return ids
}

func TestRecentEventSummaries(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	times := seedNews(t, store, 101, 102)
	a := seedEvent(t, store, []int64{101}, times)
	b := seedEvent(t, store, []int64{102}, times)

	// Merged events drop out of the summary feed.
	_, err := store.ApplyMerge(ctx, &types.MergeRecord{SourceEventID: a, TargetEventID: b},
		mustEvent(t, store, b))
	require.NoError(t, err)

	summaries, err := store.RecentEventSummaries(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, b, summaries[0].ID)
	assert.Equal(t, "north", summaries[0].Region)
	assert.Equal(t, []string{"t1"}, summaries[0].Tags)
}

func TestRecordLLMCallAndStatistics(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	times := seedNews(t, store, 101, 102)
	seedEvent(t, store, []int64{101, 102}, times)
	require.NoError(t, store.MarkNewsCompleted(ctx, []int64{101, 102}))

	require.NoError(t, store.RecordLLMCall(ctx, &types.LLMCallRecord{
		RunID:        "run-1",
		Operation:    "aggregate",
		PromptHash:   "abc",
		Attempt:      1,
		InputTokens:  100,
		OutputTokens: 50,
		Success:      true,
		Duration:     2 * time.Second,
	}))

	stats, err := store.GetStatistics(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalNews)
	assert.Equal(t, 2, stats.ProcessedNews)
	assert.Equal(t, 1, stats.TotalEvents)
	assert.Equal(t, 1, stats.ActiveEvents)
	assert.Equal(t, 2, stats.TotalRelations)
	assert.Equal(t, 1, stats.LLMCalls)
	assert.Equal(t, map[string]int{"storm": 1}, stats.ByEventType)
}
