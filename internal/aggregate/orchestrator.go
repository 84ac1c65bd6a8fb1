package aggregate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"hotaggr/internal/llm"
	"hotaggr/internal/types"
)

// AuditSink receives one record per LLM attempt. Auditing is a side effect
// for operators; sink failures are logged and never affect control flow.
type AuditSink interface {
	RecordLLMCall(ctx context.Context, rec *types.LLMCallRecord) error
}

// RawBatchResult is the unvalidated outcome of one batch's LLM call.
type RawBatchResult struct {
	BatchNewsIDs []int64
	RawResponse  string
	Success      bool
	Attempts     int
	Duration     time.Duration
	Err          error
}

// OrchestratorConfig tunes batch splitting and dispatch.
type OrchestratorConfig struct {
	BatchSize      int   // max news items per batch
	MaxBatchBytes  int   // max prompt payload bytes per batch
	MaxConcurrency int64 // parallel LLM calls
	Retry          llm.RetryConfig
}

// Orchestrator splits news into batches under a context budget and drives
// the LLM calls with retries, bounded concurrency, and per-attempt auditing.
type Orchestrator struct {
	completer llm.Completer
	audit     AuditSink
	cfg       OrchestratorConfig
}

// NewOrchestrator creates an orchestrator. audit may be nil.
func NewOrchestrator(completer llm.Completer, audit AuditSink, cfg OrchestratorConfig) *Orchestrator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	return &Orchestrator{completer: completer, audit: audit, cfg: cfg}
}

// splitBatches groups items under both the item-count and byte budgets.
// A single oversized item still gets its own batch; it cannot be split.
func splitBatches(items []*types.NewsItem, batchSize, maxBytes int) [][]*types.NewsItem {
	var (
		batches [][]*types.NewsItem
		current []*types.NewsItem
		bytes   int
	)
	flush := func() {
		if len(current) > 0 {
			batches = append(batches, current)
			current = nil
			bytes = 0
		}
	}
	for _, item := range items {
		cost := len(item.Title) + len(truncateRunes(item.Content, maxSummaryRunes))
		if len(current) >= batchSize || (maxBytes > 0 && bytes+cost > maxBytes && len(current) > 0) {
			flush()
		}
		current = append(current, item)
		bytes += cost
	}
	flush()
	return batches
}

// Dispatch runs one pass over the items: splits them into batches and sends
// each batch to the model under the concurrency cap. Results are returned in
// batch order; batch order does not affect correctness downstream. runID
// tags the audit records.
func (o *Orchestrator) Dispatch(ctx context.Context, runID string, items []*types.NewsItem, summaries []*types.EventSummary) []RawBatchResult {
	batches := splitBatches(items, o.cfg.BatchSize, o.cfg.MaxBatchBytes)
	if len(batches) == 0 {
		return nil
	}

	slog.Info("dispatching aggregation batches",
		"run_id", runID, "news", len(items), "batches", len(batches),
		"concurrency", o.cfg.MaxConcurrency)

	results := make([]RawBatchResult, len(batches))
	sem := semaphore.NewWeighted(o.cfg.MaxConcurrency)
	var wg sync.WaitGroup

	for i, batch := range batches {
		if err := sem.Acquire(ctx, 1); err != nil {
			// Run canceled: remaining batches fail without a call.
			for j := i; j < len(batches); j++ {
				results[j] = RawBatchResult{BatchNewsIDs: newsIDsOf(batches[j]), Err: err}
			}
			break
		}
		wg.Add(1)
		go func(i int, batch []*types.NewsItem) {
			defer wg.Done()
			defer sem.Release(1)
			results[i] = o.callBatch(ctx, runID, batch, summaries)
		}(i, batch)
	}
	wg.Wait()
	return results
}

// callBatch performs one batch's LLM call with retries, auditing every
// attempt through the sink.
func (o *Orchestrator) callBatch(ctx context.Context, runID string, batch []*types.NewsItem, summaries []*types.EventSummary) RawBatchResult {
	prompt := BuildAggregationPrompt(batch, summaries)
	promptHash := hashPrompt(prompt)

	result := RawBatchResult{BatchNewsIDs: newsIDsOf(batch)}
	start := time.Now()

	var completion *llm.Completion
	err := llm.Retry(ctx, o.cfg.Retry, "aggregate batch",
		func(ctx context.Context) error {
			c, err := o.completer.Complete(ctx, llm.CompletionRequest{Prompt: prompt})
			if err != nil {
				return err
			}
			completion = c
			return nil
		},
		func(attempt int, attemptErr error, d time.Duration) {
			result.Attempts = attempt
			o.recordAttempt(ctx, runID, "aggregate", promptHash, attempt, completion, attemptErr, d)
		})

	result.Duration = time.Since(start)
	if err != nil {
		result.Err = err
		slog.Warn("batch exhausted retries",
			"run_id", runID, "news", len(batch), "attempts", result.Attempts, "error", err)
		return result
	}
	result.Success = true
	result.RawResponse = completion.Text
	return result
}

func (o *Orchestrator) recordAttempt(ctx context.Context, runID, operation, promptHash string, attempt int, completion *llm.Completion, attemptErr error, d time.Duration) {
	if o.audit == nil {
		return
	}
	rec := &types.LLMCallRecord{
		RunID:      runID,
		Operation:  operation,
		PromptHash: promptHash,
		Attempt:    attempt,
		Success:    attemptErr == nil,
		Duration:   d,
	}
	if attemptErr != nil {
		rec.Error = attemptErr.Error()
	} else if completion != nil {
		rec.InputTokens = completion.InputTokens
		rec.OutputTokens = completion.OutputTokens
	}
	if err := o.audit.RecordLLMCall(ctx, rec); err != nil {
		slog.Warn("audit sink write failed", "operation", operation, "error", err)
	}
}

func hashPrompt(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])
}

func newsIDsOf(items []*types.NewsItem) []int64 {
	ids := make([]int64, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	return ids
}
