package aggregate

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"

	"hotaggr/internal/llm"
	"hotaggr/internal/types"
)

// rawAggregationResponse is the wire shape of one classification response.
type rawAggregationResponse struct {
	ExistingEvents []types.ExistingEventMatch `json:"existing_events"`
	NewEvents      []types.NewEventProposal   `json:"new_events"`
}

// MalformedResponseError reports a batch response the reconciler could not
// accept: either nothing parsed, or coverage fell below the reject floor.
type MalformedResponseError struct {
	Coverage float64
	Reason   string
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed LLM response: %s (coverage %.2f)", e.Reason, e.Coverage)
}

// ReconciledResult is the validated outcome of one batch. MissingNewsIDs are
// input IDs the response never covered; the caller requeues them. ExtraIDs
// were claimed by the response but not in the input; they are stripped from
// the accepted events before the result is returned.
type ReconciledResult struct {
	Accepted       []types.AcceptedEvent
	MissingNewsIDs []int64
	ExtraIDs       []int64
	Coverage       float64
	Repaired       bool
}

// Reconciler turns raw model output into typed, validated aggregation
// decisions. Raw untyped output never crosses this boundary.
type Reconciler struct {
	// AcceptCoverage is the fraction of input IDs the response must cover
	// for full acceptance. Between RejectCoverage and AcceptCoverage the
	// covered subset is accepted and the rest requeued.
	AcceptCoverage float64
	// RejectCoverage is the floor below which the whole batch is rejected.
	RejectCoverage float64
}

// NewReconciler returns a reconciler with the given coverage thresholds.
func NewReconciler(acceptCoverage, rejectCoverage float64) *Reconciler {
	return &Reconciler{AcceptCoverage: acceptCoverage, RejectCoverage: rejectCoverage}
}

// Reconcile validates one batch response against the batch's input IDs.
// A rejection returns a *MalformedResponseError along with a result whose
// MissingNewsIDs lists the full input, so callers requeue uniformly.
func (r *Reconciler) Reconcile(inputIDs []int64, raw string) (*ReconciledResult, error) {
	if len(inputIDs) == 0 {
		return &ReconciledResult{Coverage: 1}, nil
	}

	parsed := llm.ParseJSON[rawAggregationResponse](raw)
	resp := parsed.Data
	repaired := parsed.Repaired
	// An empty envelope from a successful parse usually means the balanced
	// extraction latched onto an inner fragment; the regex salvage still
	// sees the whole text.
	if !parsed.Success || (len(resp.ExistingEvents) == 0 && len(resp.NewEvents) == 0) {
		salvaged, ok := salvageNewsIDGroups(raw)
		if ok {
			resp = salvaged
			repaired = true
		} else if !parsed.Success {
			res := &ReconciledResult{MissingNewsIDs: append([]int64{}, inputIDs...)}
			return res, &MalformedResponseError{Reason: "no parse strategy succeeded"}
		}
	}

	input := make(map[int64]bool, len(inputIDs))
	for _, id := range inputIDs {
		input[id] = true
	}

	covered := make(map[int64]bool)
	claimed := make(map[int64]bool) // across events, first claim wins
	extras := make(map[int64]bool)

	// filterIDs dedupes within one event, strips IDs outside the input, and
	// drops IDs already claimed by an earlier event in the same response.
	filterIDs := func(ids []int64) []int64 {
		var kept []int64
		seen := make(map[int64]bool, len(ids))
		for _, id := range ids {
			if seen[id] {
				continue
			}
			seen[id] = true
			if !input[id] {
				extras[id] = true
				continue
			}
			if claimed[id] {
				continue
			}
			claimed[id] = true
			covered[id] = true
			kept = append(kept, id)
		}
		return kept
	}

	var accepted []types.AcceptedEvent
	for i := range resp.ExistingEvents {
		match := resp.ExistingEvents[i]
		match.NewsIDs = filterIDs(match.NewsIDs)
		if len(match.NewsIDs) == 0 {
			continue
		}
		accepted = append(accepted, types.AcceptedEvent{Existing: &match})
	}
	for i := range resp.NewEvents {
		proposal := resp.NewEvents[i]
		proposal.NewsIDs = filterIDs(proposal.NewsIDs)
		if len(proposal.NewsIDs) == 0 {
			continue
		}
		proposal.Sentiment = types.NormalizeSentiment(proposal.Sentiment)
		accepted = append(accepted, types.AcceptedEvent{Proposal: &proposal})
	}

	var missing []int64
	for _, id := range inputIDs {
		if !covered[id] {
			missing = append(missing, id)
		}
	}
	var extraIDs []int64
	for id := range extras {
		extraIDs = append(extraIDs, id)
	}
	sort.Slice(extraIDs, func(i, j int) bool { return extraIDs[i] < extraIDs[j] })
	if len(extraIDs) > 0 {
		slog.Warn("LLM response claimed news IDs outside the batch, stripped",
			"extra_ids", extraIDs)
	}

	coverage := float64(len(covered)) / float64(len(inputIDs))
	result := &ReconciledResult{
		Accepted:       accepted,
		MissingNewsIDs: missing,
		ExtraIDs:       extraIDs,
		Coverage:       coverage,
		Repaired:       repaired,
	}

	if coverage < r.RejectCoverage {
		result.Accepted = nil
		result.MissingNewsIDs = append([]int64{}, inputIDs...)
		return result, &MalformedResponseError{
			Coverage: coverage,
			Reason:   fmt.Sprintf("coverage below reject floor %.2f", r.RejectCoverage),
		}
	}
	if coverage < r.AcceptCoverage {
		slog.Info("partial batch coverage, requeuing missing subset",
			"coverage", coverage, "missing", len(missing))
	}
	return result, nil
}

// newsIDObjectRegex matches flat JSON objects carrying a news_ids array.
// Nested arrays (entities, tags) are fine; nested objects are not, which
// matches the wire contract.
var newsIDObjectRegex = regexp.MustCompile(`\{[^{}]*"news_ids"\s*:\s*\[[^\]]*\][^{}]*\}`)

// salvageStub is the union of the fields either event arm can carry, so one
// regex-extracted fragment can resolve to whichever arm it names.
type salvageStub struct {
	EventID    int64    `json:"event_id"`
	NewsIDs    []int64  `json:"news_ids"`
	Title      string   `json:"title"`
	Summary    string   `json:"summary"`
	EventType  string   `json:"event_type"`
	Category   string   `json:"category"`
	Entities   []string `json:"entities"`
	Region     string   `json:"region"`
	Tags       []string `json:"tags"`
	Confidence float64  `json:"confidence"`
	Sentiment  string   `json:"sentiment"`
}

// salvageNewsIDGroups is the last-resort extraction for responses too
// damaged for structural repair. Each flat object carrying news_ids becomes
// an existing-event match (when it names an event_id) or a new-event
// proposal (when it carries a title). Objects with neither are unusable and
// their IDs stay missing, to be requeued.
func salvageNewsIDGroups(raw string) (rawAggregationResponse, bool) {
	var resp rawAggregationResponse
	for _, fragment := range newsIDObjectRegex.FindAllString(raw, -1) {
		parsed := llm.ParseJSON[salvageStub](fragment)
		if !parsed.Success {
			continue
		}
		stub := parsed.Data
		if len(stub.NewsIDs) == 0 {
			continue
		}
		switch {
		case stub.EventID > 0:
			resp.ExistingEvents = append(resp.ExistingEvents, types.ExistingEventMatch{
				EventID:    stub.EventID,
				NewsIDs:    stub.NewsIDs,
				Confidence: stub.Confidence,
			})
		case stub.Title != "":
			resp.NewEvents = append(resp.NewEvents, types.NewEventProposal{
				NewsIDs:    stub.NewsIDs,
				Title:      stub.Title,
				Summary:    stub.Summary,
				EventType:  stub.EventType,
				Category:   stub.Category,
				Entities:   stub.Entities,
				Region:     stub.Region,
				Tags:       stub.Tags,
				Confidence: stub.Confidence,
				Sentiment:  stub.Sentiment,
			})
		}
	}
	if len(resp.ExistingEvents) == 0 && len(resp.NewEvents) == 0 {
		return resp, false
	}
	slog.Warn("salvaged aggregation response via news_ids extraction",
		"existing", len(resp.ExistingEvents), "new", len(resp.NewEvents))
	return resp, true
}
