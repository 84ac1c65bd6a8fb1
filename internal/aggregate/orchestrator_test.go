package aggregate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hotaggr/internal/llm"
	"hotaggr/internal/types"
)

// fakeCompleter scripts responses per call, in order. Errors consume a call.
type fakeCompleter struct {
	mu        sync.Mutex
	responses []fakeResponse
	prompts   []string
}

type fakeResponse struct {
	text string
	err  error
}

func (f *fakeCompleter) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.Completion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, req.Prompt)
	if len(f.responses) == 0 {
		return &llm.Completion{Text: "{}"}, nil
	}
	next := f.responses[0]
	f.responses = f.responses[1:]
	if next.err != nil {
		return nil, next.err
	}
	return &llm.Completion{Text: next.text, InputTokens: 100, OutputTokens: 50}, nil
}

type memoryAudit struct {
	mu      sync.Mutex
	records []*types.LLMCallRecord
}

func (m *memoryAudit) RecordLLMCall(ctx context.Context, rec *types.LLMCallRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func testNews(ids ...int64) []*types.NewsItem {
	items := make([]*types.NewsItem, len(ids))
	for i, id := range ids {
		items[i] = &types.NewsItem{
			ID:          id,
			Title:       fmt.Sprintf("news %d", id),
			Content:     "content",
			FirstSeenAt: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(id) * time.Minute),
		}
	}
	return items
}

func fastOrchestratorConfig(batchSize int, concurrency int64) OrchestratorConfig {
	return OrchestratorConfig{
		BatchSize:      batchSize,
		MaxConcurrency: concurrency,
		Retry: llm.RetryConfig{
			MaxRetries:        1,
			InitialBackoff:    time.Millisecond,
			BackoffMultiplier: 2.0,
		},
	}
}

func TestSplitBatchesByCount(t *testing.T) {
	batches := splitBatches(testNews(1, 2, 3, 4, 5), 2, 0)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 2)
	assert.Len(t, batches[1], 2)
	assert.Len(t, batches[2], 1)
}

func TestSplitBatchesByBytes(t *testing.T) {
	items := testNews(1, 2, 3)
	for _, item := range items {
		item.Content = strings.Repeat("x", 100)
	}
	// Each item costs ~107 bytes; a 150-byte budget forces one per batch.
	batches := splitBatches(items, 10, 150)
	assert.Len(t, batches, 3)
}

func TestSplitBatchesOversizedItemGetsOwnBatch(t *testing.T) {
	items := testNews(1)
	items[0].Content = strings.Repeat("x", 1000)
	batches := splitBatches(items, 10, 50)
	require.Len(t, batches, 1)
	assert.Len(t, batches[0], 1)
}

func TestSplitBatchesEmpty(t *testing.T) {
	assert.Empty(t, splitBatches(nil, 10, 0))
}

func TestDispatchSuccess(t *testing.T) {
	completer := &fakeCompleter{responses: []fakeResponse{
		{text: `{"existing_events": [], "new_events": []}`},
		{text: `{"existing_events": [], "new_events": []}`},
	}}
	orch := NewOrchestrator(completer, nil, fastOrchestratorConfig(2, 2))

	results := orch.Dispatch(context.Background(), "run-1", testNews(1, 2, 3), nil)
	require.Len(t, results, 2)
	for _, res := range results {
		assert.True(t, res.Success)
		assert.NotEmpty(t, res.RawResponse)
		assert.Equal(t, 1, res.Attempts)
	}
	assert.Equal(t, []int64{1, 2}, results[0].BatchNewsIDs)
	assert.Equal(t, []int64{3}, results[1].BatchNewsIDs)
}

func TestDispatchRetriesTransientFailure(t *testing.T) {
	completer := &fakeCompleter{responses: []fakeResponse{
		{err: errors.New("connection refused")},
		{text: `{}`},
	}}
	orch := NewOrchestrator(completer, nil, fastOrchestratorConfig(10, 1))

	results := orch.Dispatch(context.Background(), "run-1", testNews(1, 2), nil)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, 2, results[0].Attempts)
}

func TestDispatchExhaustedBatchFails(t *testing.T) {
	completer := &fakeCompleter{responses: []fakeResponse{
		{err: errors.New("rate limit exceeded")},
		{err: errors.New("rate limit exceeded")},
	}}
	orch := NewOrchestrator(completer, nil, fastOrchestratorConfig(10, 1))

	results := orch.Dispatch(context.Background(), "run-1", testNews(1, 2), nil)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Error(t, results[0].Err)
	assert.Equal(t, []int64{1, 2}, results[0].BatchNewsIDs)
}

func TestDispatchAuditsEveryAttempt(t *testing.T) {
	completer := &fakeCompleter{responses: []fakeResponse{
		{err: errors.New("timeout")},
		{text: `{}`},
	}}
	audit := &memoryAudit{}
	orch := NewOrchestrator(completer, audit, fastOrchestratorConfig(10, 1))

	orch.Dispatch(context.Background(), "run-9", testNews(1), nil)

	require.Len(t, audit.records, 2)
	assert.Equal(t, "run-9", audit.records[0].RunID)
	assert.Equal(t, "aggregate", audit.records[0].Operation)
	assert.Equal(t, 1, audit.records[0].Attempt)
	assert.False(t, audit.records[0].Success)
	assert.NotEmpty(t, audit.records[0].Error)

	assert.Equal(t, 2, audit.records[1].Attempt)
	assert.True(t, audit.records[1].Success)
	assert.Equal(t, int64(100), audit.records[1].InputTokens)
	assert.Equal(t, audit.records[0].PromptHash, audit.records[1].PromptHash)
}

func TestDispatchCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	orch := NewOrchestrator(&fakeCompleter{}, nil, fastOrchestratorConfig(1, 1))

	results := orch.Dispatch(ctx, "run-1", testNews(1, 2), nil)
	require.Len(t, results, 2)
	for _, res := range results {
		assert.False(t, res.Success)
	}
}

func TestBuildAggregationPromptContainsContract(t *testing.T) {
	items := testNews(101)
	summaries := []*types.EventSummary{{ID: 7, Title: "Existing event", EventType: "storm"}}

	prompt := BuildAggregationPrompt(items, summaries)
	assert.Contains(t, prompt, `"id": 101`)
	assert.Contains(t, prompt, `"event_id": 7`)
	assert.Contains(t, prompt, "existing_events")
	assert.Contains(t, prompt, "new_events")
	assert.Contains(t, prompt, "负面, 中性, 正面")
}

func TestBuildAggregationPromptTruncatesContent(t *testing.T) {
	items := testNews(1)
	items[0].Content = strings.Repeat("长", 500)
	prompt := BuildAggregationPrompt(items, nil)
	assert.NotContains(t, prompt, strings.Repeat("长", 201))
}
