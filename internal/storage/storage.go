// Package storage defines the persistence interface for the aggregation
// engine and constructs the SQLite backend that implements it.
package storage

import (
	"context"
	"time"

	"hotaggr/internal/storage/sqlite"
	"hotaggr/internal/types"
)

// Sentinel errors shared by storage backends.
var (
	ErrEventNotFound  = sqlite.ErrEventNotFound
	ErrEventNotActive = sqlite.ErrEventNotActive
	ErrMergeNotFound  = sqlite.ErrMergeNotFound
)

// AttachRequest asks the backend to attach a batch of news items to an
// existing event and refresh the event's aggregates in one transaction.
type AttachRequest = sqlite.AttachRequest

// AttachResult reports how many relation rows were inserted versus skipped
// as already-present duplicates.
type AttachResult = sqlite.AttachResult

// Storage is the persistence backend for events, relations, merges, and
// pipeline bookkeeping.
type Storage interface {
	// News store (read-only stand-in for the upstream ingestion system).
	ListUnprocessedNews(ctx context.Context, f types.NewsFilter) ([]*types.NewsItem, error)
	InsertNews(ctx context.Context, items []*types.NewsItem) error

	// Per-news processing state.
	MarkNewsProcessing(ctx context.Context, newsIDs []int64) error
	MarkNewsCompleted(ctx context.Context, newsIDs []int64) error
	MarkNewsFailed(ctx context.Context, newsIDs []int64, lastError string) error
	GetProcessingState(ctx context.Context, newsID int64) (*types.ProcessingState, error)

	// Events and relations.
	GetEvent(ctx context.Context, id int64) (*types.Event, error)
	ListRecentActiveEvents(ctx context.Context, limit int, window time.Duration) ([]*types.Event, error)
	RecentEventSummaries(ctx context.Context, limit int, window time.Duration) ([]*types.EventSummary, error)
	CountRelations(ctx context.Context, eventID int64) (int, error)
	GetRelationsByEvent(ctx context.Context, eventID int64) ([]*types.NewsEventRelation, error)

	// Aggregation writes. Each call is one transaction: a failure in one
	// event's write never touches its siblings.
	AttachNewsToEvent(ctx context.Context, req *AttachRequest) (*AttachResult, error)
	CreateEventFromProposal(ctx context.Context, p *types.NewEventProposal, newsTimes map[int64]time.Time) (int64, *AttachResult, error)

	// Merges. ApplyMerge performs the full relation re-pointing and both
	// event updates in a single transaction spanning both rows, persisting
	// the completed MergeRecord in that same transaction.
	ApplyMerge(ctx context.Context, rec *types.MergeRecord, merged *types.Event) (int64, error)
	GetMergeRecord(ctx context.Context, id int64) (*types.MergeRecord, error)
	LastMergeTouching(ctx context.Context, eventID int64) (int64, error)
	RestoreMergeSnapshot(ctx context.Context, recordID int64, snap *types.MergeSnapshot) error

	// Audit and reporting.
	RecordLLMCall(ctx context.Context, rec *types.LLMCallRecord) error
	GetStatistics(ctx context.Context, window time.Duration) (*types.Statistics, error)

	Close() error
}

// Config holds database configuration.
type Config struct {
	// Path is the SQLite database file path.
	Path string
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{Path: "hotaggr.db"}
}

// New creates the SQLite storage backend.
func New(cfg *Config) (Storage, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Path == "" {
		cfg.Path = DefaultConfig().Path
	}
	return sqlite.New(cfg.Path)
}
