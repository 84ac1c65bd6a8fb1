package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"hotaggr/internal/storage"
)

// ServiceConfig tunes one merge run.
type ServiceConfig struct {
	Analyzer AnalyzerConfig

	// CandidateLimit and CandidateWindow bound which Active events the
	// analyzer compares.
	CandidateLimit  int
	CandidateWindow time.Duration

	// MaxMerges bounds executed merges per run. 0 = unlimited.
	MaxMerges int
}

// RunReport summarizes one merge run.
type RunReport struct {
	RunID     string
	Candidate int // events compared
	Proposed  int
	Executed  int
	Rejected  int // proposals that failed validation
	Skipped   int // proposals dropped by admission control
	RecordIDs []int64
	Duration  time.Duration
}

// Service drives a full merge run: load candidates, analyze pairwise,
// execute approved proposals in confidence order under admission control.
type Service struct {
	store    storage.Storage
	analyzer *Analyzer
	executor *Executor
	cfg      ServiceConfig
}

// NewService wires a merge run together.
func NewService(store storage.Storage, analyzer *Analyzer, executor *Executor, cfg ServiceConfig) *Service {
	if cfg.CandidateLimit <= 0 {
		cfg.CandidateLimit = 30
	}
	return &Service{store: store, analyzer: analyzer, executor: executor, cfg: cfg}
}

// Run executes one merge run. dryRun analyzes and reports without touching
// the database.
func (s *Service) Run(ctx context.Context, dryRun bool) (*RunReport, []*Proposal, error) {
	start := time.Now()
	report := &RunReport{RunID: uuid.NewString()}

	events, err := s.store.ListRecentActiveEvents(ctx, s.cfg.CandidateLimit, s.cfg.CandidateWindow)
	if err != nil {
		return nil, nil, fmt.Errorf("loading merge candidates: %w", err)
	}
	report.Candidate = len(events)
	if len(events) < 2 {
		report.Duration = time.Since(start)
		return report, nil, nil
	}

	proposals, err := s.analyzer.Analyze(ctx, report.RunID, events)
	if err != nil {
		return nil, nil, fmt.Errorf("analyzing merge candidates: %w", err)
	}
	report.Proposed = len(proposals)

	if dryRun {
		report.Duration = time.Since(start)
		return report, proposals, nil
	}

	report.RecordIDs, report.Executed, report.Rejected, report.Skipped = s.execute(ctx, proposals)
	report.Duration = time.Since(start)

	slog.Info("merge run finished",
		"run_id", report.RunID,
		"candidates", report.Candidate,
		"proposed", report.Proposed,
		"executed", report.Executed,
		"rejected", report.Rejected,
		"skipped", report.Skipped,
		"duration", report.Duration)
	return report, proposals, nil
}

// execute applies proposals highest-confidence first. An event participates
// in at most one merge per run; later proposals naming it are skipped, never
// chained within a run.
func (s *Service) execute(ctx context.Context, proposals []*Proposal) (recordIDs []int64, executed, rejected, skipped int) {
	touched := map[int64]bool{}
	for _, p := range proposals {
		if s.cfg.MaxMerges > 0 && executed >= s.cfg.MaxMerges {
			skipped++
			continue
		}
		if touched[p.SourceEventID] || touched[p.TargetEventID] {
			skipped++
			continue
		}

		recordID, err := s.executor.Execute(ctx, p)
		if err != nil {
			var verr *ValidationError
			if errors.As(err, &verr) {
				rejected++
				slog.Warn("merge proposal rejected", "error", verr)
				continue
			}
			slog.Error("merge execution failed",
				"source", p.SourceEventID, "target", p.TargetEventID, "error", err)
			continue
		}

		touched[p.SourceEventID] = true
		touched[p.TargetEventID] = true
		recordIDs = append(recordIDs, recordID)
		executed++
	}
	return recordIDs, executed, rejected, skipped
}

// ExecuteManual merges the given source events into the target, in order.
// The first failure stops the sequence; earlier merges stay applied.
func (s *Service) ExecuteManual(ctx context.Context, targetID int64, sourceIDs []int64) ([]int64, error) {
	var recordIDs []int64
	for _, sourceID := range sourceIDs {
		recordID, err := s.executor.Execute(ctx, &Proposal{
			SourceEventID: sourceID,
			TargetEventID: targetID,
			Confidence:    1,
			Rationale:     "manual merge",
		})
		if err != nil {
			return recordIDs, fmt.Errorf("merging event %d into %d: %w", sourceID, targetID, err)
		}
		recordIDs = append(recordIDs, recordID)
	}
	return recordIDs, nil
}
