// Package merge finds and executes merges of near-duplicate events: an LLM
// analyzer proposes candidate pairs, and an executor applies them with full
// before-state snapshots so any merge can be rolled back.
package merge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"hotaggr/internal/aggregate"
	"hotaggr/internal/llm"
	"hotaggr/internal/types"
)

// Proposal is one analyzer-approved merge candidate. Source is always the
// younger event; merges fold newer duplicates into the established event.
type Proposal struct {
	SourceEventID int64
	TargetEventID int64
	Confidence    float64
	MergedTitle   string
	MergedSummary string
	Rationale     string
}

// mergeDecision is the wire shape of one pairwise analysis response.
type mergeDecision struct {
	ShouldMerge   bool    `json:"should_merge"`
	Confidence    float64 `json:"confidence"`
	MergedTitle   string  `json:"merged_title"`
	MergedSummary string  `json:"merged_summary"`
	Rationale     string  `json:"rationale"`
}

// AnalyzerConfig tunes candidate selection and acceptance.
type AnalyzerConfig struct {
	// ConfidenceThreshold is the minimum confidence for a should_merge
	// decision to become a proposal.
	ConfidenceThreshold float64
	Retry               llm.RetryConfig
}

// Analyzer asks the model, pairwise, whether recent events duplicate each
// other. It is read-only; executing proposals is the Executor's job.
type Analyzer struct {
	completer llm.Completer
	audit     aggregate.AuditSink
	cfg       AnalyzerConfig
}

// NewAnalyzer creates an analyzer. audit may be nil.
func NewAnalyzer(completer llm.Completer, audit aggregate.AuditSink, cfg AnalyzerConfig) *Analyzer {
	return &Analyzer{completer: completer, audit: audit, cfg: cfg}
}

// Analyze compares every pair among the events and returns the proposals
// that clear the confidence threshold, highest confidence first. A failed
// pair is logged and skipped; one bad pair never sinks the run.
func (a *Analyzer) Analyze(ctx context.Context, runID string, events []*types.Event) ([]*Proposal, error) {
	var proposals []*Proposal
	for i := 0; i < len(events); i++ {
		for j := i + 1; j < len(events); j++ {
			if ctx.Err() != nil {
				return proposals, ctx.Err()
			}
			proposal, err := a.analyzePair(ctx, runID, events[i], events[j])
			if err != nil {
				slog.Warn("merge pair analysis failed, skipping",
					"event_a", events[i].ID, "event_b", events[j].ID, "error", err)
				continue
			}
			if proposal != nil {
				proposals = append(proposals, proposal)
			}
		}
	}

	sort.SliceStable(proposals, func(i, j int) bool {
		return proposals[i].Confidence > proposals[j].Confidence
	})
	return proposals, nil
}

func (a *Analyzer) analyzePair(ctx context.Context, runID string, x, y *types.Event) (*Proposal, error) {
	prompt := buildMergePrompt(x, y)

	var completion *llm.Completion
	err := llm.Retry(ctx, a.cfg.Retry, "merge analysis",
		func(ctx context.Context) error {
			c, err := a.completer.Complete(ctx, llm.CompletionRequest{Prompt: prompt})
			if err != nil {
				return err
			}
			completion = c
			return nil
		},
		a.auditNotify(ctx, runID, prompt, &completion))
	if err != nil {
		return nil, err
	}

	parsed := llm.ParseJSON[mergeDecision](completion.Text)
	if !parsed.Success {
		return nil, fmt.Errorf("unparseable merge decision: %s", parsed.Error)
	}
	decision := parsed.Data
	if !decision.ShouldMerge || decision.Confidence < a.cfg.ConfidenceThreshold {
		return nil, nil
	}

	// The younger event folds into the older one.
	source, target := x, y
	if source.CreatedAt.Before(target.CreatedAt) {
		source, target = target, source
	}
	return &Proposal{
		SourceEventID: source.ID,
		TargetEventID: target.ID,
		Confidence:    decision.Confidence,
		MergedTitle:   decision.MergedTitle,
		MergedSummary: decision.MergedSummary,
		Rationale:     decision.Rationale,
	}, nil
}

func (a *Analyzer) auditNotify(ctx context.Context, runID, prompt string, completion **llm.Completion) func(int, error, time.Duration) {
	if a.audit == nil {
		return nil
	}
	promptHash := hashPrompt(prompt)
	return func(attempt int, attemptErr error, d time.Duration) {
		rec := &types.LLMCallRecord{
			RunID:      runID,
			Operation:  "merge",
			PromptHash: promptHash,
			Attempt:    attempt,
			Success:    attemptErr == nil,
			Duration:   d,
		}
		if attemptErr != nil {
			rec.Error = attemptErr.Error()
		} else if c := *completion; c != nil {
			rec.InputTokens = c.InputTokens
			rec.OutputTokens = c.OutputTokens
		}
		if err := a.audit.RecordLLMCall(ctx, rec); err != nil {
			slog.Warn("audit sink write failed", "operation", "merge", "error", err)
		}
	}
}

func hashPrompt(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])
}

// buildMergePrompt renders the pairwise analysis prompt.
func buildMergePrompt(a, b *types.Event) string {
	side := func(ev *types.Event) string {
		region := ""
		if len(ev.Regions) > 0 {
			region = ev.Regions[0]
		}
		payload := map[string]any{
			"title":       ev.Title,
			"description": ev.Description,
			"event_type":  ev.EventType,
			"region":      region,
			"first_news":  ev.FirstNewsTime.UTC().Format(time.RFC3339),
			"last_news":   ev.LastNewsTime.UTC().Format(time.RFC3339),
		}
		raw, _ := json.MarshalIndent(payload, "", "  ")
		return string(raw)
	}

	return fmt.Sprintf(`You are a news event deduplication analyst. Decide whether the two events
below describe the same real-world happening and should be merged.

Event A:
%s

Event B:
%s

Respond with JSON only, no prose, in exactly this shape:
{
  "should_merge": true,
  "confidence": 0.9,
  "merged_title": "...",
  "merged_summary": "...",
  "rationale": "..."
}

When should_merge is false, set confidence to your certainty that they are
distinct and leave merged_title and merged_summary empty.`, side(a), side(b))
}
