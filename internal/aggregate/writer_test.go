package aggregate

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hotaggr/internal/cache"
	"hotaggr/internal/storage"
	"hotaggr/internal/types"
)

func newTestStorage(t *testing.T) storage.Storage {
	t.Helper()
	store, err := storage.New(&storage.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedTestNews(t *testing.T, store storage.Storage, ids ...int64) map[int64]time.Time {
	t.Helper()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	times := make(map[int64]time.Time, len(ids))
	var items []*types.NewsItem
	for i, id := range ids {
		seen := base.Add(time.Duration(i) * time.Hour)
		times[id] = seen
		items = append(items, &types.NewsItem{
			ID: id, Title: "news", Content: "content", FirstSeenAt: seen,
		})
	}
	require.NoError(t, store.InsertNews(context.Background(), items))
	return times
}

func proposalFor(ids []int64, title string) *types.NewEventProposal {
	return &types.NewEventProposal{
		NewsIDs:    ids,
		Title:      title,
		Summary:    "summary",
		EventType:  "storm",
		Confidence: 0.8,
		Sentiment:  types.SentimentNeutral,
	}
}

func TestWriterCreatesAndAttaches(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()
	times := seedTestNews(t, store, 101, 102, 103)

	eventID, _, err := store.CreateEventFromProposal(ctx, proposalFor([]int64{101}, "existing"), times)
	require.NoError(t, err)

	writer := NewWriter(store, nil)
	stats, err := writer.Write(ctx, []types.AcceptedEvent{
		{Existing: &types.ExistingEventMatch{EventID: eventID, NewsIDs: []int64{102}, Confidence: 0.9}},
		{Proposal: proposalFor([]int64{103}, "fresh event")},
	}, times)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.EventsCreated)
	assert.Equal(t, 1, stats.EventsUpdated)
	assert.Equal(t, 2, stats.RelationsInserted)
	assert.Zero(t, stats.EventsFailed)
	assert.ElementsMatch(t, []int64{102, 103}, stats.WrittenNewsIDs)

	ev, err := store.GetEvent(ctx, eventID)
	require.NoError(t, err)
	assert.Equal(t, 2, ev.NewsCount)
}

func TestWriterUnknownEventFailsOnlyThatEvent(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()
	times := seedTestNews(t, store, 101, 102)

	writer := NewWriter(store, nil)
	stats, err := writer.Write(ctx, []types.AcceptedEvent{
		{Existing: &types.ExistingEventMatch{EventID: 9999, NewsIDs: []int64{101}, Confidence: 0.9}},
		{Proposal: proposalFor([]int64{102}, "survives")},
	}, times)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.EventsFailed)
	assert.Equal(t, []int64{101}, stats.FailedNewsIDs)
	assert.Equal(t, 1, stats.EventsCreated)
	assert.Equal(t, []int64{102}, stats.WrittenNewsIDs)
}

func TestWriterReplayIsIdempotent(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()
	times := seedTestNews(t, store, 101, 102)

	eventID, _, err := store.CreateEventFromProposal(ctx, proposalFor([]int64{101}, "existing"), times)
	require.NoError(t, err)

	writer := NewWriter(store, nil)
	accepted := []types.AcceptedEvent{
		{Existing: &types.ExistingEventMatch{EventID: eventID, NewsIDs: []int64{101, 102}, Confidence: 0.9}},
	}

	stats, err := writer.Write(ctx, accepted, times)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.RelationsInserted)
	assert.Equal(t, 1, stats.RelationsSkipped)

	stats, err = writer.Write(ctx, accepted, times)
	require.NoError(t, err)
	assert.Zero(t, stats.RelationsInserted)
	assert.Equal(t, 2, stats.RelationsSkipped)

	ev, err := store.GetEvent(ctx, eventID)
	require.NoError(t, err)
	assert.Equal(t, 2, ev.NewsCount)
}

func TestWriterInvalidatesCache(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()
	times := seedTestNews(t, store, 101, 102)

	eventID, _, err := store.CreateEventFromProposal(ctx, proposalFor([]int64{101}, "existing"), times)
	require.NoError(t, err)

	summaryCache := cache.New(time.Minute)
	summaryCache.Put([]*types.EventSummary{{ID: eventID, Title: "existing"}})

	writer := NewWriter(store, summaryCache)
	_, err = writer.Write(ctx, []types.AcceptedEvent{
		{Existing: &types.ExistingEventMatch{EventID: eventID, NewsIDs: []int64{102}, Confidence: 0.9}},
	}, times)
	require.NoError(t, err)

	assert.Nil(t, summaryCache.Get())
}
