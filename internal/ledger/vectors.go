package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// InsertVector creates a research vector for a session section and returns
// its id. Queries are stored in order, most specific last.
func (db *DB) InsertVector(sessionID, section, topic string, queries []string) (string, error) {
	if len(queries) == 0 {
		queries = []string{topic}
	}
	data, err := json.Marshal(queries)
	if err != nil {
		return "", fmt.Errorf("encoding queries: %w", err)
	}

	id := "vec_" + uuid.NewString()[:8]
	_, err = db.conn.Exec(
		`INSERT INTO vectors (id, session_id, section, topic, queries) VALUES (?, ?, ?, ?, ?)`,
		id, sessionID, section, topic, string(data),
	)
	if err != nil {
		return "", fmt.Errorf("inserting vector: %w", err)
	}
	return id, nil
}

// GetVector returns a vector by id, or nil if it does not exist.
func (db *DB) GetVector(vectorID string) (*Vector, error) {
	row := db.conn.QueryRow(
		`SELECT id, session_id, section, topic, queries, status, refinements, conflicts, created_at
		FROM vectors WHERE id = ?`, vectorID,
	)
	v, err := scanVector(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

// GetVectorsForSession returns all vectors for a session in creation order.
func (db *DB) GetVectorsForSession(sessionID string) ([]Vector, error) {
	rows, err := db.conn.Query(
		`SELECT id, session_id, section, topic, queries, status, refinements, conflicts, created_at
		FROM vectors WHERE session_id = ? ORDER BY created_at, id`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var vectors []Vector
	for rows.Next() {
		var v Vector
		var queriesJSON string
		var conflictsJSON *string
		if err := rows.Scan(&v.ID, &v.SessionID, &v.Section, &v.Topic, &queriesJSON,
			&v.Status, &v.Refinements, &conflictsJSON, &v.CreatedAt); err != nil {
			return nil, err
		}
		if err := decodeVectorJSON(&v, queriesJSON, conflictsJSON); err != nil {
			return nil, err
		}
		vectors = append(vectors, v)
	}
	return vectors, rows.Err()
}

// UpdateVectorStatus sets a vector's status.
func (db *DB) UpdateVectorStatus(vectorID, status string) error {
	_, err := db.conn.Exec(
		"UPDATE vectors SET status = ? WHERE id = ?", status, vectorID,
	)
	return err
}

// RefineVector appends a refined query, increments the refinement count,
// and resets the vector to pending. Returns the new refinement count.
func (db *DB) RefineVector(vectorID, refinedQuery string) (int, error) {
	v, err := db.GetVector(vectorID)
	if err != nil {
		return 0, err
	}
	if v == nil {
		return 0, fmt.Errorf("vector %s not found", vectorID)
	}

	queries := append(v.Queries, refinedQuery)
	data, err := json.Marshal(queries)
	if err != nil {
		return 0, fmt.Errorf("encoding queries: %w", err)
	}

	_, err = db.conn.Exec(
		`UPDATE vectors SET queries = ?, refinements = refinements + 1, status = ? WHERE id = ?`,
		string(data), VectorPending, vectorID,
	)
	if err != nil {
		return 0, err
	}
	return v.Refinements + 1, nil
}

// RecordConflicts appends audit-detected conflicts to a vector so the
// writer can surface them.
func (db *DB) RecordConflicts(vectorID string, conflicts []Conflict) error {
	if len(conflicts) == 0 {
		return nil
	}
	v, err := db.GetVector(vectorID)
	if err != nil {
		return err
	}
	if v == nil {
		return fmt.Errorf("vector %s not found", vectorID)
	}

	merged := append(v.Conflicts, conflicts...)
	data, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("encoding conflicts: %w", err)
	}
	_, err = db.conn.Exec(
		"UPDATE vectors SET conflicts = ? WHERE id = ?", string(data), vectorID,
	)
	return err
}

// DeleteUnverifiedVectors removes a session's vectors that are not yet
// verified. Used by replanning, which must preserve verified vectors.
// Evidence gathered for removed vectors stays in the ledger; its vector tag
// is cleared so chunks remain citable.
func (db *DB) DeleteUnverifiedVectors(sessionID string) ([]string, error) {
	rows, err := db.conn.Query(
		"SELECT id FROM vectors WHERE session_id = ? AND status != ?",
		sessionID, VectorVerified,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var removed []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		removed = append(removed, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range removed {
		if _, err := db.conn.Exec("UPDATE chunks SET vector_id = NULL WHERE vector_id = ?", id); err != nil {
			return nil, err
		}
		if _, err := db.conn.Exec("DELETE FROM vectors WHERE id = ?", id); err != nil {
			return nil, err
		}
	}
	return removed, nil
}

func scanVector(row *sql.Row) (*Vector, error) {
	var v Vector
	var queriesJSON string
	var conflictsJSON *string
	if err := row.Scan(&v.ID, &v.SessionID, &v.Section, &v.Topic, &queriesJSON,
		&v.Status, &v.Refinements, &conflictsJSON, &v.CreatedAt); err != nil {
		return nil, err
	}
	if err := decodeVectorJSON(&v, queriesJSON, conflictsJSON); err != nil {
		return nil, err
	}
	return &v, nil
}

func decodeVectorJSON(v *Vector, queriesJSON string, conflictsJSON *string) error {
	if err := json.Unmarshal([]byte(queriesJSON), &v.Queries); err != nil {
		return fmt.Errorf("decoding queries for %s: %w", v.ID, err)
	}
	if conflictsJSON != nil && *conflictsJSON != "" {
		if err := json.Unmarshal([]byte(*conflictsJSON), &v.Conflicts); err != nil {
			return fmt.Errorf("decoding conflicts for %s: %w", v.ID, err)
		}
	}
	return nil
}
