// Package types defines the core data model for the hot-news aggregation
// engine: news items, aggregated events, news/event relations, merge records,
// and the validated shapes of LLM aggregation output.
package types

import (
	"fmt"
	"time"
)

// NewsItem is a raw news record. News is owned by an upstream ingestion
// store; the aggregation engine only ever reads it.
type NewsItem struct {
	ID          int64     `json:"id"`
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	Type        string    `json:"type"`
	FirstSeenAt time.Time `json:"first_seen_at"`
}

// ProcessingStatus tracks where a news item sits in the aggregation pipeline.
type ProcessingStatus string

const (
	ProcessingPending    ProcessingStatus = "pending"
	ProcessingInProgress ProcessingStatus = "processing"
	ProcessingCompleted  ProcessingStatus = "completed"
	ProcessingFailed     ProcessingStatus = "failed"
)

// ProcessingState is the per-news-item bookkeeping row. Created on the first
// batch attempt, updated as batches succeed or exhaust their retries.
type ProcessingState struct {
	NewsID     int64            `json:"news_id"`
	Status     ProcessingStatus `json:"status"`
	RetryCount int              `json:"retry_count"`
	LastError  string           `json:"last_error"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// EventStatus is the lifecycle state of an aggregated event.
type EventStatus string

const (
	EventActive  EventStatus = "active"
	EventMerged  EventStatus = "merged"
	EventDeleted EventStatus = "deleted"
)

// Sentiment values as stored. LLM responses use the Chinese labels from the
// wire contract; NormalizeSentiment maps them on the way in.
const (
	SentimentPositive = "positive"
	SentimentNegative = "negative"
	SentimentNeutral  = "neutral"
)

// NormalizeSentiment maps a wire-level sentiment label to its stored form.
// Unknown or empty labels default to neutral.
func NormalizeSentiment(label string) string {
	switch label {
	case "正面", SentimentPositive:
		return SentimentPositive
	case "负面", SentimentNegative:
		return SentimentNegative
	default:
		return SentimentNeutral
	}
}

// Event is an aggregated cluster of news items representing one real-world
// happening. NewsCount must always equal the number of relation rows
// referencing the event; every write path that changes one recomputes the
// other in the same transaction.
type Event struct {
	ID              int64       `json:"id"`
	Title           string      `json:"title"`
	Description     string      `json:"description"`
	Category        string      `json:"category"`
	EventType       string      `json:"event_type"`
	Sentiment       string      `json:"sentiment"`
	Entities        []string    `json:"entities"`
	Regions         []string    `json:"regions"`
	Keywords        []string    `json:"keywords"`
	ConfidenceScore float64     `json:"confidence_score"`
	NewsCount       int         `json:"news_count"`
	FirstNewsTime   time.Time   `json:"first_news_time"`
	LastNewsTime    time.Time   `json:"last_news_time"`
	Status          EventStatus `json:"status"`
	MergedToID      int64       `json:"merged_to_id,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// EventSummary is the compact form of an event sent to the LLM as context
// when classifying new batches.
type EventSummary struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Summary   string    `json:"summary"`
	EventType string    `json:"event_type"`
	Region    string    `json:"region"`
	Tags      []string  `json:"tags"`
	CreatedAt time.Time `json:"created_at"`
}

// Relation types for news/event associations.
const (
	RelationPrimary   = "primary"
	RelationSecondary = "secondary"
)

// NewsEventRelation associates one news item with one event. The
// (NewsID, EventID) pair is unique; the storage layer enforces it and the
// writer treats conflicts as idempotent no-ops.
type NewsEventRelation struct {
	ID           int64     `json:"id"`
	NewsID       int64     `json:"news_id"`
	EventID      int64     `json:"event_id"`
	Confidence   float64   `json:"confidence"`
	RelationType string    `json:"relation_type"`
	CreatedAt    time.Time `json:"created_at"`
}

// ExistingEventMatch is the LLM's decision to fold news items into an event
// it was shown in the recent-events context.
type ExistingEventMatch struct {
	EventID    int64   `json:"event_id"`
	NewsIDs    []int64 `json:"news_ids"`
	Confidence float64 `json:"confidence"`
}

// NewEventProposal is the LLM's decision to open a fresh event for a group
// of news items.
type NewEventProposal struct {
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

// AcceptedEvent is the tagged union produced by the reconciler: exactly one
// of Existing or Proposal is set. Raw untyped LLM output never crosses the
// reconciler boundary.
type AcceptedEvent struct {
	Existing *ExistingEventMatch
	Proposal *NewEventProposal
}

// NewsIDs returns the news IDs carried by whichever arm of the union is set.
func (a AcceptedEvent) NewsIDs() []int64 {
	if a.Existing != nil {
		return a.Existing.NewsIDs
	}
	if a.Proposal != nil {
		return a.Proposal.NewsIDs
	}
	return nil
}

func (a AcceptedEvent) String() string {
	if a.Existing != nil {
		return fmt.Sprintf("existing event %d (%d news)", a.Existing.EventID, len(a.Existing.NewsIDs))
	}
	if a.Proposal != nil {
		return fmt.Sprintf("new event %q (%d news)", a.Proposal.Title, len(a.Proposal.NewsIDs))
	}
	return "empty"
}

// MergeStatus is the lifecycle state of a recorded merge.
type MergeStatus string

const (
	MergePending    MergeStatus = "pending"
	MergeCompleted  MergeStatus = "completed"
	MergeRolledBack MergeStatus = "rolled_back"
)

// MergeRecord is the durable record of one executed event merge. It is
// persisted only after the merge has fully applied, in the same transaction,
// so a record never describes a half-applied merge.
type MergeRecord struct {
	ID               int64       `json:"id"`
	SourceEventID    int64       `json:"source_event_id"`
	TargetEventID    int64       `json:"target_event_id"`
	Confidence       float64     `json:"confidence"`
	Rationale        string      `json:"rationale"`
	RollbackSnapshot string      `json:"-"`
	Status           MergeStatus `json:"status"`
	CreatedAt        time.Time   `json:"created_at"`
}

// MergeSnapshot is the full before-state captured ahead of a merge: both
// event rows and their complete relation sets. Serialized to JSON into
// MergeRecord.RollbackSnapshot.
type MergeSnapshot struct {
	Source          Event               `json:"source"`
	Target          Event               `json:"target"`
	SourceRelations []NewsEventRelation `json:"source_relations"`
	TargetRelations []NewsEventRelation `json:"target_relations"`
}

// LLMCallRecord is one audited LLM attempt. The audit trail is a side
// effect for operators, never a control-flow dependency.
type LLMCallRecord struct {
	RunID        string        `json:"run_id"`
	Operation    string        `json:"operation"`
	PromptHash   string        `json:"prompt_hash"`
	Attempt      int           `json:"attempt"`
	InputTokens  int64         `json:"input_tokens"`
	OutputTokens int64         `json:"output_tokens"`
	Success      bool          `json:"success"`
	Error        string        `json:"error"`
	Duration     time.Duration `json:"duration"`
	CreatedAt    time.Time     `json:"created_at"`
}

// NewsFilter selects unprocessed news for an aggregation run.
type NewsFilter struct {
	Since          time.Time
	Until          time.Time
	Type           string
	ExcludeRelated bool // skip news that already has an event relation
	Limit          int
}

// Statistics summarizes recent pipeline activity.
type Statistics struct {
	TotalNews      int            `json:"total_news"`
	ProcessedNews  int            `json:"processed_news"`
	FailedNews     int            `json:"failed_news"`
	TotalEvents    int            `json:"total_events"`
	ActiveEvents   int            `json:"active_events"`
	MergedEvents   int            `json:"merged_events"`
	TotalRelations int            `json:"total_relations"`
	LLMCalls       int            `json:"llm_calls"`
	ByEventType    map[string]int `json:"by_event_type"`
}

// UnionStrings merges string sets, preserving first-seen order and dropping
// duplicates and empties. Aggregate set updates must be commutative so batch
// completion order does not matter.
func UnionStrings(sets ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, set := range sets {
		for _, s := range set {
			if s == "" {
				continue
			}
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

// MinTime returns the earlier of two times, treating the zero value as unset.
func MinTime(a, b time.Time) time.Time {
	if a.IsZero() {
		return b
	}
	if b.IsZero() {
		return a
	}
	if b.Before(a) {
		return b
	}
	return a
}

// MaxTime returns the later of two times, treating the zero value as unset.
func MaxTime(a, b time.Time) time.Time {
	if a.IsZero() {
		return b
	}
	if b.IsZero() {
		return a
	}
	if b.After(a) {
		return b
	}
	return a
}
