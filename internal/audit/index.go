package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	_ "github.com/glebarez/go-sqlite"
)

// sqliteIndex is a queryable projection of the audit log. The JSONL files
// are the source of truth; the index can always be rebuilt from them
// (see Logger.reindex) and is used for fast tail/dashboard queries.
type sqliteIndex struct {
	db *sql.DB
}

// openIndex opens (or creates) the SQLite index database.
// WAL mode allows the CLI to read while the engine writes.
func openIndex(path string) (*sqliteIndex, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite index %s: %w", path, err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS entries (
			seq         INTEGER PRIMARY KEY,
			id          TEXT NOT NULL DEFAULT '',
			ts          TEXT NOT NULL,
			category    TEXT NOT NULL DEFAULT '',
			severity    TEXT NOT NULL DEFAULT '',
			message     TEXT NOT NULL DEFAULT '',
			action      TEXT NOT NULL DEFAULT '',
			allowed     INTEGER NOT NULL DEFAULT 0,
			reason      TEXT NOT NULL DEFAULT '',
			source      TEXT NOT NULL DEFAULT '',
			session_id  TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL DEFAULT 0,
			context     TEXT NOT NULL DEFAULT '',
			prev_hash   TEXT NOT NULL DEFAULT '',
			hash        TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_category ON entries(category);
		CREATE INDEX IF NOT EXISTS idx_severity ON entries(severity);
		CREATE INDEX IF NOT EXISTS idx_source ON entries(source);
		CREATE INDEX IF NOT EXISTS idx_session ON entries(session_id);
		CREATE INDEX IF NOT EXISTS idx_ts ON entries(ts);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating sqlite schema: %w", err)
	}

	return &sqliteIndex{db: db}, nil
}

// insert adds an entry to the index. Non-blocking — errors are logged
// and never affect the primary JSONL log.
func (idx *sqliteIndex) insert(e *Entry) {
	ctxJSON := ""
	if len(e.Context) > 0 {
		if data, err := json.Marshal(e.Context); err == nil {
			ctxJSON = string(data)
		}
	}

	_, err := idx.db.Exec(
		`INSERT OR REPLACE INTO entries
		 (seq, id, ts, category, severity, message, action, allowed, reason, source, session_id, duration_ms, context, prev_hash, hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Seq, e.ID, e.Timestamp, string(e.Category), string(e.Severity),
		e.Message, e.Action, boolToInt(e.Allowed), e.Reason, e.Source,
		e.SessionID, e.Duration, ctxJSON, e.PrevHash, e.Hash,
	)
	if err != nil {
		slog.Error("sqlite index insert failed", "seq", e.Seq, "error", err)
	}
}

// tail returns the N most recent entries, newest first.
func (idx *sqliteIndex) tail(limit int) ([]Entry, error) {
	q := `SELECT seq, id, ts, category, severity, message, action, allowed, reason, source, session_id, duration_ms, context, prev_hash, hash
	      FROM entries ORDER BY seq DESC`
	var args []any
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := idx.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying sqlite index: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var cat, sev, ctxJSON string
		var allowed int
		if err := rows.Scan(
			&e.Seq, &e.ID, &e.Timestamp, &cat, &sev, &e.Message, &e.Action,
			&allowed, &e.Reason, &e.Source, &e.SessionID, &e.Duration,
			&ctxJSON, &e.PrevHash, &e.Hash,
		); err != nil {
			return nil, fmt.Errorf("scanning sqlite row: %w", err)
		}
		e.Category = Category(cat)
		e.Severity = Severity(sev)
		e.Allowed = allowed != 0
		if ctxJSON != "" {
			var ctx map[string]any
			if jsonErr := json.Unmarshal([]byte(ctxJSON), &ctx); jsonErr == nil {
				e.Context = ctx
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// lastSeq returns the highest indexed sequence number, and whether the
// index is empty. Sequence numbers start at 0, so emptiness is a
// separate signal.
func (idx *sqliteIndex) lastSeq() (uint64, bool) {
	var seq sql.NullInt64
	err := idx.db.QueryRow("SELECT MAX(seq) FROM entries").Scan(&seq)
	if err != nil || !seq.Valid {
		return 0, true
	}
	return uint64(seq.Int64), false
}

func (idx *sqliteIndex) close() error {
	return idx.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
