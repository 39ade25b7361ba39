// Package store persists events, decisions, flags, config, and chat
// history in a single SQLite file written in WAL mode.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	event_type TEXT NOT NULL,
	source_ip TEXT,
	port TEXT,
	raw_event TEXT,
	batch_id INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
CREATE INDEX IF NOT EXISTS idx_events_batch_id ON events(batch_id);

CREATE TABLE IF NOT EXISTS decisions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	batch_id INTEGER NOT NULL,
	event_count INTEGER NOT NULL,
	verdict TEXT NOT NULL,
	confidence REAL NOT NULL,
	reason TEXT,
	threat_ips TEXT
);
CREATE INDEX IF NOT EXISTS idx_decisions_timestamp ON decisions(timestamp);

CREATE TABLE IF NOT EXISTS config (
	key TEXT PRIMARY KEY,
	value TEXT,
	updated_at TEXT
);

CREATE TABLE IF NOT EXISTS flags (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	event_ids TEXT,
	severity TEXT NOT NULL,
	summary TEXT,
	suggested_actions TEXT,
	status TEXT NOT NULL DEFAULT 'pending',
	evidence_sig TEXT
);
CREATE INDEX IF NOT EXISTS idx_flags_status ON flags(status);

CREATE TABLE IF NOT EXISTS chat_messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT,
	metadata TEXT
);
`

// Store wraps a SQLite connection pool, safe for concurrent use across
// goroutines the way database/sql's pool is.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the SQLite file at path in WAL mode and
// applies the schema.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// EventRow is a persisted event.
type EventRow struct {
	ID        int64
	Timestamp string
	EventType string
	SourceIP  string
	Port      string
	RawEvent  string
	BatchID   int64
}

// InsertEvent records a classified event under the given batch id.
func (s *Store) InsertEvent(eventType, sourceIP, port, rawEvent string, batchID int64) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO events (timestamp, event_type, source_ip, port, raw_event, batch_id) VALUES (?, ?, ?, ?, ?, ?)`,
		nowISO(), eventType, sourceIP, port, rawEvent, batchID,
	)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	return res.LastInsertId()
}

// GetEvents returns up to limit events, most recent first, optionally
// only those since the given timestamp.
func (s *Store) GetEvents(limit, offset int, since string) ([]EventRow, error) {
	query := `SELECT id, timestamp, event_type, source_ip, port, raw_event, batch_id FROM events`
	args := []any{}
	if since != "" {
		query += ` WHERE timestamp >= ?`
		args = append(args, since)
	}
	query += ` ORDER BY id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	defer rows.Close()

	var out []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.EventType, &e.SourceIP, &e.Port, &e.RawEvent, &e.BatchID); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetEventsByBatchID returns events recorded under a given batch id,
// oldest first. Used at startup to recover events that were inserted
// before a crash interrupted the decision that would have closed the
// batch out.
func (s *Store) GetEventsByBatchID(batchID int64) ([]EventRow, error) {
	rows, err := s.db.Query(
		`SELECT id, timestamp, event_type, source_ip, port, raw_event, batch_id FROM events WHERE batch_id = ? ORDER BY id ASC`,
		batchID,
	)
	if err != nil {
		return nil, fmt.Errorf("get events by batch id: %w", err)
	}
	defer rows.Close()

	var out []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.EventType, &e.SourceIP, &e.Port, &e.RawEvent, &e.BatchID); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetLatestEventID returns the highest event id, or 0 if the table is empty.
func (s *Store) GetLatestEventID() (int64, error) {
	var id sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, fmt.Errorf("get latest event id: %w", err)
	}
	return id.Int64, nil
}

// DecisionRow is a persisted batch verdict.
type DecisionRow struct {
	ID         int64
	Timestamp  string
	BatchID    int64
	EventCount int
	Verdict    string
	Confidence float64
	Reason     string
	ThreatIPs  []string
}

// InsertDecision records the verdict reached for a batch.
func (s *Store) InsertDecision(batchID int64, eventCount int, verdict string, confidence float64, reason string, threatIPs []string) (int64, error) {
	encoded, err := json.Marshal(threatIPs)
	if err != nil {
		return 0, fmt.Errorf("encode threat ips: %w", err)
	}
	res, err := s.db.Exec(
		`INSERT INTO decisions (timestamp, batch_id, event_count, verdict, confidence, reason, threat_ips) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		nowISO(), batchID, eventCount, verdict, confidence, reason, string(encoded),
	)
	if err != nil {
		return 0, fmt.Errorf("insert decision: %w", err)
	}
	return res.LastInsertId()
}

// GetDecisions returns up to limit decisions, most recent first.
func (s *Store) GetDecisions(limit int) ([]DecisionRow, error) {
	rows, err := s.db.Query(
		`SELECT id, timestamp, batch_id, event_count, verdict, confidence, reason, threat_ips FROM decisions ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("get decisions: %w", err)
	}
	defer rows.Close()

	var out []DecisionRow
	for rows.Next() {
		var d DecisionRow
		var threatIPsRaw string
		if err := rows.Scan(&d.ID, &d.Timestamp, &d.BatchID, &d.EventCount, &d.Verdict, &d.Confidence, &d.Reason, &threatIPsRaw); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		if threatIPsRaw != "" {
			_ = json.Unmarshal([]byte(threatIPsRaw), &d.ThreatIPs)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// GetLatestDecisionID returns the highest batch id recorded in the
// decisions table, or 0 if none exist; batch numbering resumes one past it.
func (s *Store) GetLatestDecisionID() (int64, error) {
	var id sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(batch_id) FROM decisions`).Scan(&id); err != nil {
		return 0, fmt.Errorf("get latest decision id: %w", err)
	}
	return id.Int64, nil
}

// GetConfig reads a single config value, returning defaultVal if absent.
func (s *Store) GetConfig(key, defaultVal string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return defaultVal, nil
	}
	if err != nil {
		return defaultVal, fmt.Errorf("get config %s: %w", key, err)
	}
	return value, nil
}

// SetConfig upserts a config value.
func (s *Store) SetConfig(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO config (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, nowISO(),
	)
	if err != nil {
		return fmt.Errorf("set config %s: %w", key, err)
	}
	return nil
}

// GetAllConfig returns every stored config key/value pair.
func (s *Store) GetAllConfig() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT key, value FROM config`)
	if err != nil {
		return nil, fmt.Errorf("get all config: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan config row: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// Stats summarizes current store contents for diagnostics.
type Stats struct {
	TotalEvents     int64
	EventsLastHour  int64
	TotalDecisions  int64
	FlaggedDecision int64
}

// GetStats computes the summary counters.
func (s *Store) GetStats() (Stats, error) {
	var st Stats
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&st.TotalEvents); err != nil {
		return st, fmt.Errorf("count events: %w", err)
	}
	cutoff := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM events WHERE timestamp >= ?`, cutoff).Scan(&st.EventsLastHour); err != nil {
		return st, fmt.Errorf("count recent events: %w", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM decisions`).Scan(&st.TotalDecisions); err != nil {
		return st, fmt.Errorf("count decisions: %w", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM decisions WHERE verdict = 'FLAG'`).Scan(&st.FlaggedDecision); err != nil {
		return st, fmt.Errorf("count flagged decisions: %w", err)
	}
	return st, nil
}

// CleanupOldRecords deletes events and decisions older than the retention
// window.
func (s *Store) CleanupOldRecords(days int) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -days).Format(time.RFC3339)
	if _, err := s.db.Exec(`DELETE FROM events WHERE timestamp < ?`, cutoff); err != nil {
		return fmt.Errorf("cleanup events: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM decisions WHERE timestamp < ?`, cutoff); err != nil {
		return fmt.Errorf("cleanup decisions: %w", err)
	}
	return nil
}

// PurgeAllEvents deletes every event row, returning the count removed.
func (s *Store) PurgeAllEvents() (int64, error) {
	res, err := s.db.Exec(`DELETE FROM events`)
	if err != nil {
		return 0, fmt.Errorf("purge events: %w", err)
	}
	return res.RowsAffected()
}

// PurgeAllDecisions deletes every decision row, returning the count removed.
func (s *Store) PurgeAllDecisions() (int64, error) {
	res, err := s.db.Exec(`DELETE FROM decisions`)
	if err != nil {
		return 0, fmt.Errorf("purge decisions: %w", err)
	}
	return res.RowsAffected()
}

// FlagRow is a persisted operator-facing flag.
type FlagRow struct {
	ID               int64
	Timestamp        string
	EventIDs         []int64
	Severity         string
	Summary          string
	SuggestedActions []string
	Status           string
	EvidenceSig      string
}

// InsertFlag records a new flag in pending status. evidenceSig is the
// Ed25519 signature over the flag's canonical JSON; callers compute it
// after the row's other fields are known.
func (s *Store) InsertFlag(eventIDs []int64, severity, summary string, suggestedActions []string, evidenceSig string) (int64, error) {
	idsJSON, err := json.Marshal(eventIDs)
	if err != nil {
		return 0, fmt.Errorf("encode event ids: %w", err)
	}
	actionsJSON, err := json.Marshal(suggestedActions)
	if err != nil {
		return 0, fmt.Errorf("encode suggested actions: %w", err)
	}
	res, err := s.db.Exec(
		`INSERT INTO flags (timestamp, event_ids, severity, summary, suggested_actions, status, evidence_sig) VALUES (?, ?, ?, ?, ?, 'pending', ?)`,
		nowISO(), string(idsJSON), severity, summary, string(actionsJSON), evidenceSig,
	)
	if err != nil {
		return 0, fmt.Errorf("insert flag: %w", err)
	}
	return res.LastInsertId()
}

// GetFlags returns up to limit flags, most recent first, optionally
// filtered by status.
func (s *Store) GetFlags(status string, limit int) ([]FlagRow, error) {
	query := `SELECT id, timestamp, event_ids, severity, summary, suggested_actions, status, evidence_sig FROM flags`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("get flags: %w", err)
	}
	defer rows.Close()

	var out []FlagRow
	for rows.Next() {
		var f FlagRow
		var idsRaw, actionsRaw string
		if err := rows.Scan(&f.ID, &f.Timestamp, &idsRaw, &f.Severity, &f.Summary, &actionsRaw, &f.Status, &f.EvidenceSig); err != nil {
			return nil, fmt.Errorf("scan flag: %w", err)
		}
		if idsRaw != "" {
			_ = json.Unmarshal([]byte(idsRaw), &f.EventIDs)
		}
		if actionsRaw != "" {
			_ = json.Unmarshal([]byte(actionsRaw), &f.SuggestedActions)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// UpdateFlagStatus sets a flag's status. It is idempotent and silently
// succeeds if id is absent, matching the rest of this store's update
// semantics. A flag that is already resolved or dismissed is terminal:
// moving it to a different status returns an error and leaves it unchanged.
func (s *Store) UpdateFlagStatus(id int64, status string) error {
	if status != "resolved" && status != "dismissed" && status != "pending" {
		return fmt.Errorf("invalid flag status %q", status)
	}
	res, err := s.db.Exec(`UPDATE flags SET status = ? WHERE id = ? AND (status = 'pending' OR status = ?)`, status, id, status)
	if err != nil {
		return fmt.Errorf("update flag status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		var current string
		if err := s.db.QueryRow(`SELECT status FROM flags WHERE id = ?`, id).Scan(&current); err == nil {
			return fmt.Errorf("flag %d is already %s", id, current)
		}
	}
	return nil
}

// ChatMessageRow is a persisted chat turn.
type ChatMessageRow struct {
	ID        int64
	Timestamp string
	Role      string
	Content   string
	Metadata  map[string]any
}

// InsertChatMessage records one chat turn.
func (s *Store) InsertChatMessage(role, content string, metadata map[string]any) (int64, error) {
	var metaJSON string
	if len(metadata) > 0 {
		b, err := json.Marshal(metadata)
		if err != nil {
			return 0, fmt.Errorf("encode metadata: %w", err)
		}
		metaJSON = string(b)
	}
	res, err := s.db.Exec(
		`INSERT INTO chat_messages (timestamp, role, content, metadata) VALUES (?, ?, ?, ?)`,
		nowISO(), role, content, metaJSON,
	)
	if err != nil {
		return 0, fmt.Errorf("insert chat message: %w", err)
	}
	return res.LastInsertId()
}

// GetChatMessages returns up to limit messages, oldest first.
func (s *Store) GetChatMessages(limit int) ([]ChatMessageRow, error) {
	rows, err := s.db.Query(
		`SELECT id, timestamp, role, content, metadata FROM chat_messages ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("get chat messages: %w", err)
	}
	defer rows.Close()

	var out []ChatMessageRow
	for rows.Next() {
		var m ChatMessageRow
		var metaRaw sql.NullString
		if err := rows.Scan(&m.ID, &m.Timestamp, &m.Role, &m.Content, &metaRaw); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		if metaRaw.Valid && metaRaw.String != "" {
			_ = json.Unmarshal([]byte(metaRaw.String), &m.Metadata)
		}
		out = append(out, m)
	}
	// rows came back newest-first; reverse to oldest-first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}

// ClearChatMessages deletes all chat history.
func (s *Store) ClearChatMessages() error {
	_, err := s.db.Exec(`DELETE FROM chat_messages`)
	if err != nil {
		return fmt.Errorf("clear chat messages: %w", err)
	}
	return nil
}
