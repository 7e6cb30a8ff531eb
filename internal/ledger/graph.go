package ledger

import "fmt"

// InsertEdge stores one extracted entity relationship with chunk
// provenance. Empty fields are rejected so the graph never gains ghost
// nodes.
func (db *DB) InsertEdge(e Edge) error {
	if e.Subject == "" || e.Relation == "" || e.Object == "" {
		return fmt.Errorf("invalid graph edge: subject/relation/object must be non-empty")
	}
	if e.SessionID == "" || e.ChunkID == "" {
		return fmt.Errorf("invalid graph edge: missing session or chunk provenance")
	}
	_, err := db.conn.Exec(
		`INSERT INTO graph_edges (session_id, subject, relation, object, chunk_id)
		VALUES (?, ?, ?, ?, ?)`,
		e.SessionID, e.Subject, e.Relation, e.Object, e.ChunkID,
	)
	return err
}

// GetEdgesForEntity returns edges where the entity appears as subject or
// object, scoped to one session.
func (db *DB) GetEdgesForEntity(sessionID, entity string) ([]Edge, error) {
	rows, err := db.conn.Query(
		`SELECT session_id, subject, relation, object, chunk_id FROM graph_edges
		WHERE session_id = ? AND (subject = ? COLLATE NOCASE OR object = ? COLLATE NOCASE)
		ORDER BY id`,
		sessionID, entity, entity,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edges []Edge
	for rows.Next() {
		var e Edge
		if err := rows.Scan(&e.SessionID, &e.Subject, &e.Relation, &e.Object, &e.ChunkID); err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// GetEdgesForSession returns all edges for a session.
func (db *DB) GetEdgesForSession(sessionID string) ([]Edge, error) {
	rows, err := db.conn.Query(
		`SELECT session_id, subject, relation, object, chunk_id FROM graph_edges
		WHERE session_id = ? ORDER BY id`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edges []Edge
	for rows.Next() {
		var e Edge
		if err := rows.Scan(&e.SessionID, &e.Subject, &e.Relation, &e.Object, &e.ChunkID); err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}
