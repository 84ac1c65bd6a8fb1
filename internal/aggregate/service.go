package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"hotaggr/internal/cache"
	"hotaggr/internal/llm"
	"hotaggr/internal/storage"
	"hotaggr/internal/types"
)

// ServiceConfig tunes one aggregation run end to end.
type ServiceConfig struct {
	Orchestrator OrchestratorConfig

	// MaxPasses bounds how many times unresolved news is retried within one
	// run. Passes after the first run at half batch size and concurrency 1,
	// since smaller prompts are what rescue truncation-prone batches.
	MaxPasses int

	RecentEventLimit  int
	RecentEventWindow time.Duration
	NewsFetchLimit    int

	AcceptCoverage float64
	RejectCoverage float64
}

// RunOptions narrows which news a run picks up.
type RunOptions struct {
	Since time.Time
	Until time.Time
	Type  string
	Limit int // overrides NewsFetchLimit when positive
}

// RunReport summarizes one aggregation run.
type RunReport struct {
	RunID             string
	FetchedNews       int
	Passes            int
	EventsCreated     int
	EventsUpdated     int
	RelationsInserted int
	RelationsSkipped  int
	CompletedNews     int
	FailedNews        int
	Duration          time.Duration
}

// Service runs the full aggregation pipeline: fetch unprocessed news,
// classify it in batches, reconcile the model output, and persist the
// accepted events, requeuing unresolved subsets across passes.
type Service struct {
	store      storage.Storage
	summaries  cache.SummaryCache
	completer  llm.Completer
	reconciler *Reconciler
	writer     *Writer
	cfg        ServiceConfig
}

// NewService wires the pipeline together.
func NewService(store storage.Storage, summaryCache cache.SummaryCache, completer llm.Completer, cfg ServiceConfig) *Service {
	if cfg.MaxPasses <= 0 {
		cfg.MaxPasses = 2
	}
	if cfg.RecentEventLimit <= 0 {
		cfg.RecentEventLimit = 50
	}
	return &Service{
		store:      store,
		summaries:  summaryCache,
		completer:  completer,
		reconciler: NewReconciler(cfg.AcceptCoverage, cfg.RejectCoverage),
		writer:     NewWriter(store, summaryCache),
		cfg:        cfg,
	}
}

// Run executes one aggregation run. Item-level failures never abort the
// run; only infrastructure failures (fetch, bookkeeping writes) do.
func (s *Service) Run(ctx context.Context, opts RunOptions) (*RunReport, error) {
	start := time.Now()
	report := &RunReport{RunID: uuid.NewString()}

	limit := s.cfg.NewsFetchLimit
	if opts.Limit > 0 {
		limit = opts.Limit
	}
	items, err := s.store.ListUnprocessedNews(ctx, types.NewsFilter{
		Since: opts.Since,
		Until: opts.Until,
		Type:  opts.Type,
		Limit: limit,
	})
	if err != nil {
		return nil, fmt.Errorf("fetching unprocessed news: %w", err)
	}
	report.FetchedNews = len(items)
	if len(items) == 0 {
		report.Duration = time.Since(start)
		return report, nil
	}

	byID := make(map[int64]*types.NewsItem, len(items))
	newsTimes := make(map[int64]time.Time, len(items))
	for _, item := range items {
		byID[item.ID] = item
		newsTimes[item.ID] = item.FirstSeenAt
	}

	if err := s.store.MarkNewsProcessing(ctx, newsIDsOf(items)); err != nil {
		return nil, fmt.Errorf("marking news processing: %w", err)
	}

	var (
		completed []int64
		lastErr   = "unresolved after all passes"
	)
	pending := items

	for pass := 1; pass <= s.cfg.MaxPasses && len(pending) > 0; pass++ {
		report.Passes = pass

		summaries, err := s.recentSummaries(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading recent event summaries: %w", err)
		}

		orch := NewOrchestrator(s.completer, s.auditSink(), s.passConfig(pass))
		results := orch.Dispatch(ctx, report.RunID, pending, summaries)

		var requeue []int64
		for _, res := range results {
			if !res.Success {
				requeue = append(requeue, res.BatchNewsIDs...)
				if res.Err != nil {
					lastErr = res.Err.Error()
				}
				continue
			}

			reconciled, err := s.reconciler.Reconcile(res.BatchNewsIDs, res.RawResponse)
			if err != nil {
				requeue = append(requeue, reconciled.MissingNewsIDs...)
				lastErr = err.Error()
				continue
			}

			stats, err := s.writer.Write(ctx, reconciled.Accepted, newsTimes)
			if err != nil {
				return nil, fmt.Errorf("writing batch: %w", err)
			}
			report.EventsCreated += stats.EventsCreated
			report.EventsUpdated += stats.EventsUpdated
			report.RelationsInserted += stats.RelationsInserted
			report.RelationsSkipped += stats.RelationsSkipped
			completed = append(completed, stats.WrittenNewsIDs...)
			requeue = append(requeue, stats.FailedNewsIDs...)
			requeue = append(requeue, reconciled.MissingNewsIDs...)
		}

		pending = pending[:0]
		for _, id := range requeue {
			if item, ok := byID[id]; ok {
				pending = append(pending, item)
			}
		}
		if len(pending) > 0 && pass < s.cfg.MaxPasses {
			slog.Info("requeuing unresolved news for next pass",
				"run_id", report.RunID, "pass", pass, "news", len(pending))
		}
	}

	if len(completed) > 0 {
		if err := s.store.MarkNewsCompleted(ctx, completed); err != nil {
			return nil, fmt.Errorf("marking news completed: %w", err)
		}
		report.CompletedNews = len(completed)
	}
	if len(pending) > 0 {
		failed := newsIDsOf(pending)
		if err := s.store.MarkNewsFailed(ctx, failed, lastErr); err != nil {
			return nil, fmt.Errorf("marking news failed: %w", err)
		}
		report.FailedNews = len(failed)
		slog.Warn("news unresolved after all passes",
			"run_id", report.RunID, "news", len(failed), "last_error", lastErr)
	}

	report.Duration = time.Since(start)
	slog.Info("aggregation run finished",
		"run_id", report.RunID,
		"fetched", report.FetchedNews,
		"events_created", report.EventsCreated,
		"events_updated", report.EventsUpdated,
		"completed", report.CompletedNews,
		"failed", report.FailedNews,
		"duration", report.Duration)
	return report, nil
}

// passConfig halves the batch size and serializes dispatch for recovery
// passes.
func (s *Service) passConfig(pass int) OrchestratorConfig {
	cfg := s.cfg.Orchestrator
	if pass > 1 {
		cfg.BatchSize = cfg.BatchSize / 2
		if cfg.BatchSize < 1 {
			cfg.BatchSize = 1
		}
		cfg.MaxConcurrency = 1
	}
	return cfg
}

// recentSummaries serves the LLM context snapshot from the cache when
// fresh, falling back to storage.
func (s *Service) recentSummaries(ctx context.Context) ([]*types.EventSummary, error) {
	if s.summaries != nil {
		if cached := s.summaries.Get(); cached != nil {
			return cached, nil
		}
	}
	summaries, err := s.store.RecentEventSummaries(ctx, s.cfg.RecentEventLimit, s.cfg.RecentEventWindow)
	if err != nil {
		return nil, err
	}
	if s.summaries != nil {
		s.summaries.Put(summaries)
	}
	return summaries, nil
}

// auditSink exposes the store's audit log to the orchestrator.
func (s *Service) auditSink() AuditSink {
	return s.store
}
