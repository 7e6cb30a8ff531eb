package ledger

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// HashContent returns the content hash used for ingestion dedup.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// InsertChunk appends an evidence chunk, minting its source id. Re-inserting
// the same (url, content) within a session returns the existing source id
// with created=false instead of creating a duplicate. Chunks missing
// url or content are rejected.
func (db *DB) InsertChunk(c Chunk) (string, bool, error) {
	if c.SessionID == "" || c.URL == "" || strings.TrimSpace(c.Content) == "" {
		return "", false, fmt.Errorf("chunk missing required provenance (session=%q url=%q content empty=%v)",
			c.SessionID, c.URL, strings.TrimSpace(c.Content) == "")
	}

	hash := HashContent(c.Content)
	sourceID := "src_" + uuid.NewString()[:8]
	kind := c.Kind
	if kind == "" {
		kind = KindProse
	}

	var embJSON *string
	if len(c.Embedding) > 0 {
		data, err := json.Marshal(c.Embedding)
		if err != nil {
			return "", false, fmt.Errorf("encoding embedding: %w", err)
		}
		s := string(data)
		embJSON = &s
	}

	_, err := db.conn.Exec(
		`INSERT INTO chunks (source_id, session_id, vector_id, url, title, heading, kind, position, content, content_hash, published, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sourceID, c.SessionID, c.VectorID, c.URL, c.Title, c.Heading, kind, c.Position,
		c.Content, hash, c.Published, embJSON,
	)
	if err != nil {
		// Dedup constraint: same (session, url, content) already ingested.
		existing, lookupErr := db.findChunkByHash(c.SessionID, c.URL, hash)
		if lookupErr == nil && existing != "" {
			return existing, false, nil
		}
		return "", false, fmt.Errorf("inserting chunk: %w", err)
	}
	return sourceID, true, nil
}

func (db *DB) findChunkByHash(sessionID, url, hash string) (string, error) {
	var sourceID string
	err := db.conn.QueryRow(
		"SELECT source_id FROM chunks WHERE session_id = ? AND url = ? AND content_hash = ?",
		sessionID, url, hash,
	).Scan(&sourceID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return sourceID, err
}

// GetChunk returns a chunk by source id, or nil if it does not exist.
func (db *DB) GetChunk(sourceID string) (*Chunk, error) {
	row := db.conn.QueryRow(chunkSelect+" WHERE source_id = ?", sourceID)
	c, err := scanChunkRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// GetChunksForSession returns all chunks for a session in ingestion order.
func (db *DB) GetChunksForSession(sessionID string) ([]Chunk, error) {
	rows, err := db.conn.Query(chunkSelect+" WHERE session_id = ? ORDER BY retrieved_at, source_id", sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanChunks(rows)
}

// GetChunksForVector returns chunks tagged to a vector.
func (db *DB) GetChunksForVector(vectorID string) ([]Chunk, error) {
	rows, err := db.conn.Query(chunkSelect+" WHERE vector_id = ? ORDER BY retrieved_at, source_id", vectorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanChunks(rows)
}

// SetChunkEmbedding backfills a chunk's embedding. Content itself is never
// updated; this is the only post-insert write a chunk sees.
func (db *DB) SetChunkEmbedding(sourceID string, embedding []float64) error {
	data, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("encoding embedding: %w", err)
	}
	_, err = db.conn.Exec(
		"UPDATE chunks SET embedding = ? WHERE source_id = ?", string(data), sourceID,
	)
	return err
}

const chunkSelect = `SELECT source_id, session_id, vector_id, url, title, heading, kind, position,
	content, content_hash, published, embedding, retrieved_at FROM chunks`

func scanChunks(rows *sql.Rows) ([]Chunk, error) {
	var chunks []Chunk
	for rows.Next() {
		c, err := scanChunk(rows.Scan)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, *c)
	}
	return chunks, rows.Err()
}

func scanChunkRow(row *sql.Row) (*Chunk, error) {
	return scanChunk(row.Scan)
}

func scanChunk(scan func(...any) error) (*Chunk, error) {
	var c Chunk
	var title, heading *string
	var embJSON *string
	if err := scan(&c.SourceID, &c.SessionID, &c.VectorID, &c.URL, &title, &heading,
		&c.Kind, &c.Position, &c.Content, &c.ContentHash, &c.Published, &embJSON, &c.RetrievedAt); err != nil {
		return nil, err
	}
	if title != nil {
		c.Title = *title
	}
	if heading != nil {
		c.Heading = *heading
	}
	if embJSON != nil && *embJSON != "" {
		if err := json.Unmarshal([]byte(*embJSON), &c.Embedding); err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", c.SourceID, err)
		}
	}
	return &c, nil
}
