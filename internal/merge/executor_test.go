package merge

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

func seedEvent(t *testing.T, store storage.Storage, newsIDs []int64, title string) int64 {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	times := make(map[int64]time.Time, len(newsIDs))
	var items []*types.NewsItem
	for i, id := range newsIDs {
		times[id] = base.Add(time.Duration(i) * time.Hour)
		items = append(items, &types.NewsItem{ID: id, Title: "news", FirstSeenAt: times[id]})
	}
	require.NoError(t, store.InsertNews(ctx, items))

	eventID, _, err := store.CreateEventFromProposal(ctx, &types.NewEventProposal{
		NewsIDs:    newsIDs,
		Title:      title,
		Summary:    "summary",
		EventType:  "storm",
		Entities:   []string{title + "-entity"},
		Tags:       []string{title + "-tag"},
		Confidence: 0.8,
	}, times)
	require.NoError(t, err)
	return eventID
}

func TestExecuteMergesSharedNewsToSingleRelation(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	// News 555 belongs to both events before the merge.
	source := seedEvent(t, store, []int64{101, 555}, "younger")
	target := seedEvent(t, store, []int64{102, 555}, "older")

	executor := NewExecutor(store, nil)
	recordID, err := executor.Execute(ctx, &Proposal{
		SourceEventID: source,
		TargetEventID: target,
		Confidence:    0.9,
		MergedTitle:   "combined storm",
		Rationale:     "same storm system",
	})
	require.NoError(t, err)

	relations, err := store.GetRelationsByEvent(ctx, target)
	require.NoError(t, err)
	counts := map[int64]int{}
	for _, rel := range relations {
		counts[rel.NewsID]++
	}
	assert.Equal(t, map[int64]int{101: 1, 102: 1, 555: 1}, counts)

	targetEv, err := store.GetEvent(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, "combined storm", targetEv.Title)
	assert.Equal(t, 3, targetEv.NewsCount)
	assert.ElementsMatch(t, []string{"younger-entity", "older-entity"}, targetEv.Entities)

	sourceEv, err := store.GetEvent(ctx, source)
	require.NoError(t, err)
	assert.Equal(t, types.EventMerged, sourceEv.Status)
	assert.Equal(t, target, sourceEv.MergedToID)

	rec, err := store.GetMergeRecord(ctx, recordID)
	require.NoError(t, err)
	assert.Equal(t, types.MergeCompleted, rec.Status)
	assert.NotEmpty(t, rec.RollbackSnapshot)
}

func TestExecuteValidation(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()
	a := seedEvent(t, store, []int64{101}, "a")
	b := seedEvent(t, store, []int64{102}, "b")
	c := seedEvent(t, store, []int64{103}, "c")

	executor := NewExecutor(store, nil)

	// Retire a so later cases can reference a non-Active event.
	_, err := executor.Execute(ctx, &Proposal{SourceEventID: a, TargetEventID: b, Confidence: 0.9})
	require.NoError(t, err)

	tests := []struct {
		name     string
		proposal *Proposal
	}{
		{"self merge", &Proposal{SourceEventID: c, TargetEventID: c}},
		{"source not found", &Proposal{SourceEventID: 9999, TargetEventID: c}},
		{"target not found", &Proposal{SourceEventID: c, TargetEventID: 9999}},
		{"source not active", &Proposal{SourceEventID: a, TargetEventID: c}},
		{"target not active", &Proposal{SourceEventID: c, TargetEventID: a}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := executor.Execute(ctx, tt.proposal)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)

			// Validation failures leave no trace.
			ev, err := store.GetEvent(ctx, c)
			require.NoError(t, err)
			assert.Equal(t, types.EventActive, ev.Status)
		})
	}
}

func TestRollbackRestoresBothEvents(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()
	source := seedEvent(t, store, []int64{101, 555}, "younger")
	target := seedEvent(t, store, []int64{102, 555}, "older")

	before := map[int64]*types.Event{}
	for _, id := range []int64{source, target} {
		ev, err := store.GetEvent(ctx, id)
		require.NoError(t, err)
		before[id] = ev
	}

	executor := NewExecutor(store, nil)
	recordID, err := executor.Execute(ctx, &Proposal{
		SourceEventID: source, TargetEventID: target,
		Confidence: 0.9, MergedTitle: "combined",
	})
	require.NoError(t, err)

	require.NoError(t, executor.Rollback(ctx, recordID))

	for _, id := range []int64{source, target} {
		ev, err := store.GetEvent(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, before[id].Title, ev.Title)
		assert.Equal(t, before[id].Status, ev.Status)
		assert.Equal(t, before[id].NewsCount, ev.NewsCount)
		assert.Equal(t, before[id].Entities, ev.Entities)
		assert.Zero(t, ev.MergedToID)

		n, err := store.CountRelations(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, before[id].NewsCount, n)
	}

	rec, err := store.GetMergeRecord(ctx, recordID)
	require.NoError(t, err)
	assert.Equal(t, types.MergeRolledBack, rec.Status)
}

func TestRollbackRefusedWhenLaterMergeTouchedEvent(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()
	a := seedEvent(t, store, []int64{101}, "a")
	b := seedEvent(t, store, []int64{102}, "b")
	c := seedEvent(t, store, []int64{103}, "c")

	executor := NewExecutor(store, nil)
	first, err := executor.Execute(ctx, &Proposal{SourceEventID: a, TargetEventID: b, Confidence: 0.9})
	require.NoError(t, err)
	second, err := executor.Execute(ctx, &Proposal{SourceEventID: c, TargetEventID: b, Confidence: 0.9})
	require.NoError(t, err)

	err = executor.Rollback(ctx, first)
	var stale *StaleStateError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, second, stale.LaterRecordID)

	// Rolling back in reverse order works.
	require.NoError(t, executor.Rollback(ctx, second))
	require.NoError(t, executor.Rollback(ctx, first))
}

func TestRollbackTwiceRefused(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()
	a := seedEvent(t, store, []int64{101}, "a")
	b := seedEvent(t, store, []int64{102}, "b")

	executor := NewExecutor(store, nil)
	recordID, err := executor.Execute(ctx, &Proposal{SourceEventID: a, TargetEventID: b, Confidence: 0.9})
	require.NoError(t, err)

	require.NoError(t, executor.Rollback(ctx, recordID))
	err = executor.Rollback(ctx, recordID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rolled_back")
}

func TestRollbackUnknownRecord(t *testing.T) {
	store := newTestStorage(t)
	executor := NewExecutor(store, nil)
	err := executor.Rollback(context.Background(), 42)
	assert.ErrorIs(t, err, storage.ErrMergeNotFound)
}
