package sqlite

const schema = `
-- News table: read-only stand-in for the upstream news store.
CREATE TABLE IF NOT EXISTS news (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    title TEXT NOT NULL,
    content TEXT NOT NULL DEFAULT '',
    type TEXT NOT NULL DEFAULT '',
    first_seen_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_news_first_seen ON news(first_seen_at);
CREATE INDEX IF NOT EXISTS idx_news_type ON news(type);

-- Aggregated events. Set-valued columns (entities, regions, keywords) are
-- JSON arrays. news_count must always equal the relation count; writes keep
-- the two in step inside one transaction.
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    title TEXT NOT NULL CHECK(length(title) <= 500),
    description TEXT NOT NULL DEFAULT '',
    category TEXT NOT NULL DEFAULT '',
    event_type TEXT NOT NULL DEFAULT '',
    sentiment TEXT NOT NULL DEFAULT 'neutral',
    entities TEXT NOT NULL DEFAULT '[]',
    regions TEXT NOT NULL DEFAULT '[]',
    keywords TEXT NOT NULL DEFAULT '[]',
    confidence_score REAL NOT NULL DEFAULT 0,
    news_count INTEGER NOT NULL DEFAULT 0,
    first_news_time DATETIME,
    last_news_time DATETIME,
    status TEXT NOT NULL DEFAULT 'active',
    merged_to_id INTEGER,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_events_status ON events(status);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type);
CREATE INDEX IF NOT EXISTS idx_events_created_at ON events(created_at);

-- News/event relations. The UNIQUE(news_id, event_id) key is the invariant
-- the whole aggregation design protects.
CREATE TABLE IF NOT EXISTS news_event_relations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    news_id INTEGER NOT NULL,
    event_id INTEGER NOT NULL REFERENCES events(id),
    confidence REAL NOT NULL DEFAULT 0,
    relation_type TEXT NOT NULL DEFAULT 'primary',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(news_id, event_id)
);

CREATE INDEX IF NOT EXISTS idx_relations_news ON news_event_relations(news_id);
CREATE INDEX IF NOT EXISTS idx_relations_event ON news_event_relations(event_id);

-- Completed and rolled-back merges, each carrying a full before-state
-- snapshot of both events and their relation sets.
CREATE TABLE IF NOT EXISTS event_merge_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    source_event_id INTEGER NOT NULL,
    target_event_id INTEGER NOT NULL,
    confidence REAL NOT NULL DEFAULT 0,
    rationale TEXT NOT NULL DEFAULT '',
    rollback_snapshot TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'completed',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_merges_source ON event_merge_history(source_event_id);
CREATE INDEX IF NOT EXISTS idx_merges_target ON event_merge_history(target_event_id);

-- Per-news pipeline bookkeeping.
CREATE TABLE IF NOT EXISTS news_processing_status (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    news_id INTEGER NOT NULL UNIQUE,
    status TEXT NOT NULL DEFAULT 'pending',
    retry_count INTEGER NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT '',
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_processing_status ON news_processing_status(status);

-- Audit trail of individual LLM attempts.
CREATE TABLE IF NOT EXISTS llm_call_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    operation TEXT NOT NULL,
    prompt_hash TEXT NOT NULL,
    attempt INTEGER NOT NULL DEFAULT 1,
    input_tokens INTEGER NOT NULL DEFAULT 0,
    output_tokens INTEGER NOT NULL DEFAULT 0,
    success INTEGER NOT NULL DEFAULT 0,
    error TEXT NOT NULL DEFAULT '',
    duration_ms INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_llm_calls_run ON llm_call_log(run_id);
CREATE INDEX IF NOT EXISTS idx_llm_calls_created ON llm_call_log(created_at);
`
