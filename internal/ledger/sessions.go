package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// CreateSession creates a new session for the given user query and returns
// its id.
func (db *DB) CreateSession(query string) (string, error) {
	id := "ses_" + uuid.NewString()[:8]
	_, err := db.conn.Exec(
		"INSERT INTO sessions (id, query) VALUES (?, ?)", id, query,
	)
	if err != nil {
		return "", fmt.Errorf("creating session: %w", err)
	}
	return id, nil
}

// GetSession returns a session by id, or nil if it does not exist.
func (db *DB) GetSession(sessionID string) (*Session, error) {
	row := db.conn.QueryRow(
		`SELECT id, query, outline, report, status, created_at, completed_at
		FROM sessions WHERE id = ?`, sessionID,
	)

	var s Session
	var outlineJSON string
	err := row.Scan(&s.ID, &s.Query, &outlineJSON, &s.Report, &s.Status, &s.CreatedAt, &s.CompletedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(outlineJSON), &s.Outline); err != nil {
		return nil, fmt.Errorf("decoding outline for %s: %w", sessionID, err)
	}
	return &s, nil
}

// ListSessions returns all sessions, newest first.
func (db *DB) ListSessions() ([]Session, error) {
	rows, err := db.conn.Query(
		`SELECT id, query, outline, report, status, created_at, completed_at
		FROM sessions ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var s Session
		var outlineJSON string
		if err := rows.Scan(&s.ID, &s.Query, &outlineJSON, &s.Report, &s.Status, &s.CreatedAt, &s.CompletedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(outlineJSON), &s.Outline); err != nil {
			return nil, fmt.Errorf("decoding outline for %s: %w", s.ID, err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// UpdateOutline replaces the session's outline. Refused once the session
// has a final report.
func (db *DB) UpdateOutline(sessionID string, outline []string) error {
	data, err := json.Marshal(outline)
	if err != nil {
		return fmt.Errorf("encoding outline: %w", err)
	}
	res, err := db.conn.Exec(
		"UPDATE sessions SET outline = ? WHERE id = ? AND report IS NULL",
		string(data), sessionID,
	)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("session %s not found or already finalized", sessionID)
	}
	return nil
}

// UpdateSessionStatus moves the session through its lifecycle.
func (db *DB) UpdateSessionStatus(sessionID, status string) error {
	_, err := db.conn.Exec(
		"UPDATE sessions SET status = ? WHERE id = ?", status, sessionID,
	)
	return err
}

// SetReport stores the final report and marks the session complete. The
// session becomes immutable afterwards.
func (db *DB) SetReport(sessionID, report string) error {
	res, err := db.conn.Exec(
		`UPDATE sessions SET report = ?, status = ?, completed_at = datetime('now')
		WHERE id = ? AND report IS NULL`,
		report, SessionComplete, sessionID,
	)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("session %s not found or already finalized", sessionID)
	}
	return nil
}
