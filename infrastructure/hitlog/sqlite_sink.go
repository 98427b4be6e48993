package hitlog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/R3E-Network/dataplane-ruleengine/domain/audit"
)

// SqliteStore persists the hitlog to a single sqlite file under
// HITLOG_DIR, the adapter spec.md §6 calls for when a directory is
// configured. Queries are served straight from sqlite rather than an
// in-memory index, so the index stays correct across restarts.
type SqliteStore struct {
	db *sql.DB
}

// NewSqliteStore opens (creating if absent) a sqlite database at
// <dir>/hitlog.db and ensures its schema exists. modernc.org/sqlite is a
// pure-Go driver, so this has no cgo dependency.
func NewSqliteStore(dir string) (*SqliteStore, error) {
	path := filepath.Join(dir, "hitlog.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open hitlog db: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite serializes writers anyway; avoid SQLITE_BUSY churn

	store := &SqliteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SqliteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			session_id    TEXT PRIMARY KEY,
			tenant_id     TEXT NOT NULL,
			agent_id      TEXT NOT NULL,
			layer         INTEGER NOT NULL,
			decision      TEXT NOT NULL,
			timestamp_ms  INTEGER NOT NULL,
			record_json   TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_lookup
			ON sessions(tenant_id, agent_id, timestamp_ms, session_id);
	`)
	return err
}

// Close releases the underlying sqlite connection.
func (s *SqliteStore) Close() error {
	return s.db.Close()
}

// Write implements audit.Sink, filing the record under its own SessionId
// with no evaluated-rule detail; callers that have the richer
// SessionRecord should call AppendSession directly instead.
func (s *SqliteStore) Write(record audit.Full) error {
	return s.AppendSession(SessionRecord{SessionId: record.SessionId, Record: record})
}

func (s *SqliteStore) AppendSession(rec SessionRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session record: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO sessions(session_id, tenant_id, agent_id, layer, decision, timestamp_ms, record_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
			tenant_id=excluded.tenant_id, agent_id=excluded.agent_id, layer=excluded.layer,
			decision=excluded.decision, timestamp_ms=excluded.timestamp_ms, record_json=excluded.record_json`,
		rec.SessionId, string(rec.Record.TenantId), string(rec.AgentId), int(rec.Layer),
		string(rec.Record.Outcome), rec.Record.TimestampMs, string(payload),
	)
	if err != nil {
		return fmt.Errorf("append session: %w", err)
	}
	return nil
}

func (s *SqliteStore) Get(sessionID string) (SessionRecord, bool, error) {
	row := s.db.QueryRow(`SELECT record_json FROM sessions WHERE session_id = ?`, sessionID)
	var raw string
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return SessionRecord{}, false, nil
		}
		return SessionRecord{}, false, fmt.Errorf("get session: %w", err)
	}
	var rec SessionRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return SessionRecord{}, false, fmt.Errorf("decode session record: %w", err)
	}
	return rec, true, nil
}

func (s *SqliteStore) Query(f Filters) ([]SessionRecord, int, error) {
	where := "WHERE 1=1"
	args := []interface{}{}

	if f.TenantId != "" {
		where += " AND tenant_id = ?"
		args = append(args, string(f.TenantId))
	}
	if f.AgentId != "" {
		where += " AND agent_id = ?"
		args = append(args, string(f.AgentId))
	}
	if f.HasLayer {
		where += " AND layer = ?"
		args = append(args, int(f.Layer))
	}
	if f.Decision != "" {
		where += " AND decision = ?"
		args = append(args, f.Decision)
	}
	if !f.Since.IsZero() {
		where += " AND timestamp_ms >= ?"
		args = append(args, f.Since.UnixMilli())
	}
	if !f.Until.IsZero() {
		where += " AND timestamp_ms <= ?"
		args = append(args, f.Until.UnixMilli())
	}

	var total int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM sessions `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count sessions: %w", err)
	}

	query := `SELECT record_json FROM sessions ` + where + ` ORDER BY timestamp_ms ASC`
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, 0, fmt.Errorf("scan session: %w", err)
		}
		var rec SessionRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, 0, fmt.Errorf("decode session: %w", err)
		}
		out = append(out, rec)
	}
	return out, total, rows.Err()
}
