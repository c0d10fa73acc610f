package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteIndex is the secondary-index Index implementation, queryable past
// the ring's retention window. It is a projection, not the source of
// truth — the ring (and its hash chain) is authoritative.
type SQLiteIndex struct {
	db *sql.DB
}

// OpenSQLiteIndex opens (or creates) the index database at path.
func OpenSQLiteIndex(path string) (*SQLiteIndex, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening audit index %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS entries (
			id        INTEGER PRIMARY KEY,
			ts        TEXT NOT NULL,
			category  TEXT NOT NULL,
			agent_id  INTEGER,
			action    TEXT NOT NULL,
			details   TEXT NOT NULL DEFAULT '',
			prev_hash TEXT NOT NULL,
			hash      TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_category ON entries(category);
		CREATE INDEX IF NOT EXISTS idx_agent_id ON entries(agent_id);
		CREATE INDEX IF NOT EXISTS idx_ts ON entries(ts);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating audit index schema: %w", err)
	}
	return &SQLiteIndex{db: db}, nil
}

func (idx *SQLiteIndex) Insert(e Entry) error {
	var agentID any
	if e.AgentID != nil {
		agentID = *e.AgentID
	}
	_, err := idx.db.Exec(
		`INSERT OR REPLACE INTO entries (id, ts, category, agent_id, action, details, prev_hash, hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Timestamp.Format(time.RFC3339Nano), string(e.Category), agentID, e.Action, string(e.Details), e.PrevHash, e.Hash,
	)
	return err
}

func (idx *SQLiteIndex) Query(q Query) ([]Entry, error) {
	query := "SELECT id, ts, category, agent_id, action, details, prev_hash, hash FROM entries WHERE 1=1"
	var args []any

	if q.Category != "" {
		query += " AND category = ?"
		args = append(args, string(q.Category))
	}
	if q.AgentID != nil {
		query += " AND agent_id = ?"
		args = append(args, *q.AgentID)
	}
	if !q.Since.IsZero() {
		query += " AND ts >= ?"
		args = append(args, q.Since.Format(time.RFC3339Nano))
	}
	query += " ORDER BY id DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := idx.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit index: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var ts, details string
		var agentID sql.NullInt64
		if err := rows.Scan(&e.ID, &ts, &e.Category, &agentID, &e.Action, &details, &e.PrevHash, &e.Hash); err != nil {
			return nil, fmt.Errorf("scanning audit index row: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			e.Timestamp = t
		}
		if agentID.Valid {
			v := uint32(agentID.Int64)
			e.AgentID = &v
		}
		if details != "" {
			e.Details = json.RawMessage(details)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (idx *SQLiteIndex) Tail(limit int) ([]Entry, error) {
	return idx.Query(Query{Limit: limit})
}

func (idx *SQLiteIndex) Close() error {
	return idx.db.Close()
}
