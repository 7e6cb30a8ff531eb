package ledger

import "database/sql"

// Migration represents a single schema migration step.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

// migrations is the ordered list of all schema migrations.
// Append new migrations to the end with incrementing Version numbers.
var migrations = []Migration{
	{
		Version:     1,
		Description: "initial schema",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    query TEXT NOT NULL,
    outline TEXT NOT NULL DEFAULT '[]',
    report TEXT,
    status TEXT NOT NULL DEFAULT 'planning'
        CHECK(status IN ('planning', 'researching', 'writing', 'complete', 'failed')),
    created_at TEXT DEFAULT (datetime('now')),
    completed_at TEXT
);

CREATE TABLE IF NOT EXISTS vectors (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL REFERENCES sessions(id),
    section TEXT NOT NULL,
    topic TEXT NOT NULL,
    queries TEXT NOT NULL DEFAULT '[]',
    status TEXT NOT NULL DEFAULT 'pending'
        CHECK(status IN ('pending', 'ingesting', 'verified', 'exhausted')),
    refinements INTEGER DEFAULT 0,
    conflicts TEXT,
    created_at TEXT DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS chunks (
    source_id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL REFERENCES sessions(id),
    vector_id TEXT,
    url TEXT NOT NULL,
    title TEXT,
    heading TEXT,
    kind TEXT NOT NULL DEFAULT 'prose',
    position INTEGER DEFAULT 0,
    content TEXT NOT NULL,
    content_hash TEXT NOT NULL,
    published TEXT,
    embedding TEXT,
    retrieved_at TEXT DEFAULT (datetime('now')),
    UNIQUE(session_id, url, content_hash)
);

CREATE TABLE IF NOT EXISTS graph_edges (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL REFERENCES sessions(id),
    subject TEXT NOT NULL,
    relation TEXT NOT NULL,
    object TEXT NOT NULL,
    chunk_id TEXT NOT NULL REFERENCES chunks(source_id)
);

CREATE INDEX IF NOT EXISTS idx_vectors_session ON vectors(session_id);
CREATE INDEX IF NOT EXISTS idx_chunks_session ON chunks(session_id);
CREATE INDEX IF NOT EXISTS idx_chunks_vector ON chunks(vector_id);
CREATE INDEX IF NOT EXISTS idx_edges_session ON graph_edges(session_id);
CREATE INDEX IF NOT EXISTS idx_edges_subject ON graph_edges(subject);
CREATE INDEX IF NOT EXISTS idx_edges_object ON graph_edges(object);
`)
			return err
		},
	},
}

// latestVersion returns the highest migration version number.
func latestVersion() int {
	if len(migrations) == 0 {
		return 0
	}
	return migrations[len(migrations)-1].Version
}
