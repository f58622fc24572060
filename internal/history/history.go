// Package history mirrors confirmed conversation state into a local
// SQLite database so past sessions survive restarts and can be browsed
// offline. The archive is a write-behind mirror of the store: it attaches
// to the store's hooks and never feeds data back into live state on its
// own; callers load archived history explicitly.
package history

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/voicecode/voicecode/internal/logger"
	"github.com/voicecode/voicecode/internal/retry"
	"github.com/voicecode/voicecode/internal/store"
)

// StorageError reports a failed archive operation. Local persistence
// failures are not retryable from the client's point of view; the app
// keeps running on in-memory state only.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("history %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ErrorClass reports the failure class.
func (e *StorageError) ErrorClass() retry.Class { return retry.ClassFatal }

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id        TEXT PRIMARY KEY,
	name              TEXT NOT NULL DEFAULT '',
	working_directory TEXT NOT NULL DEFAULT '',
	last_modified     TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS messages (
	session_id TEXT NOT NULL,
	message_id TEXT NOT NULL,
	role       TEXT NOT NULL,
	text       TEXT NOT NULL,
	timestamp  TEXT NOT NULL,
	PRIMARY KEY (session_id, message_id)
);

CREATE INDEX IF NOT EXISTS idx_messages_session ON messages (session_id, timestamp);
`

// Archive is the SQLite-backed history mirror.
type Archive struct {
	db     *sql.DB
	log    *logger.Logger
	unsubs []func()
}

// Open opens (or creates) the archive database at path and ensures the
// schema exists.
func Open(path string, log *logger.Logger) (*Archive, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, &StorageError{Op: "open", Err: err}
	}
	// SQLite tolerates one writer at a time.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, &StorageError{Op: "init schema", Err: err}
	}

	return &Archive{db: db, log: log.WithPrefix("history")}, nil
}

// Attach subscribes the archive to a store. Confirmed messages and
// authoritative session list snapshots are mirrored as they land; archive
// write failures are logged and do not disturb live state.
func (a *Archive) Attach(st *store.Store) {
	a.unsubs = append(a.unsubs, st.OnMessage(func(sessionID string, msg store.Message) {
		if msg.Status != store.StatusConfirmed {
			return
		}
		if err := a.SaveMessage(sessionID, msg); err != nil {
			a.log.Error("mirror message %s: %v", msg.ID, err)
		}
	}))
	a.unsubs = append(a.unsubs, st.OnSessionListReplaced(func(sessions []store.Session) {
		if err := a.ReplaceSessions(sessions); err != nil {
			a.log.Error("mirror session list: %v", err)
		}
	}))
}

// Close detaches the archive from its store and closes the database.
func (a *Archive) Close() error {
	for _, unsub := range a.unsubs {
		unsub()
	}
	a.unsubs = nil
	if err := a.db.Close(); err != nil {
		return &StorageError{Op: "close", Err: err}
	}
	return nil
}

// SaveMessage upserts one message row.
func (a *Archive) SaveMessage(sessionID string, msg store.Message) error {
	_, err := a.db.Exec(`INSERT INTO messages (session_id, message_id, role, text, timestamp)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (session_id, message_id) DO UPDATE SET role = excluded.role, text = excluded.text, timestamp = excluded.timestamp`,
		sessionID, msg.ID, msg.Role, msg.Text, msg.Timestamp.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return &StorageError{Op: "save message", Err: err}
	}
	return nil
}

// ReplaceSessions rewrites the session rows from an authoritative
// snapshot. Messages of sessions absent from the snapshot are kept: the
// archive is an archive, not a cache.
func (a *Archive) ReplaceSessions(sessions []store.Session) error {
	tx, err := a.db.Begin()
	if err != nil {
		return &StorageError{Op: "replace sessions", Err: err}
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM sessions`); err != nil {
		return &StorageError{Op: "replace sessions", Err: err}
	}
	for _, sess := range sessions {
		_, err := tx.Exec(`INSERT INTO sessions (session_id, name, working_directory, last_modified) VALUES (?, ?, ?, ?)`,
			sess.ID, sess.Name, sess.WorkingDirectory, sess.LastModified.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return &StorageError{Op: "replace sessions", Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &StorageError{Op: "replace sessions", Err: err}
	}
	return nil
}

// SessionRecord is an archived session row.
type SessionRecord struct {
	ID               string
	Name             string
	WorkingDirectory string
	LastModified     time.Time
}

// Sessions returns the archived session rows, most recently modified
// first.
func (a *Archive) Sessions() ([]SessionRecord, error) {
	rows, err := a.db.Query(`SELECT session_id, name, working_directory, last_modified FROM sessions ORDER BY last_modified DESC`)
	if err != nil {
		return nil, &StorageError{Op: "load sessions", Err: err}
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var modified string
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.WorkingDirectory, &modified); err != nil {
			return nil, &StorageError{Op: "load sessions", Err: err}
		}
		if modified != "" {
			if ts, err := time.Parse(time.RFC3339Nano, modified); err == nil {
				rec.LastModified = ts
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "load sessions", Err: err}
	}
	return out, nil
}

// Messages returns a session's archived history in timestamp order. A
// limit of 0 means no limit.
func (a *Archive) Messages(sessionID string, limit int) ([]store.Message, error) {
	query := `SELECT message_id, role, text, timestamp FROM messages WHERE session_id = ? ORDER BY timestamp ASC`
	args := []interface{}{sessionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := a.db.Query(query, args...)
	if err != nil {
		return nil, &StorageError{Op: "load messages", Err: err}
	}
	defer rows.Close()

	var out []store.Message
	for rows.Next() {
		var msg store.Message
		var ts string
		if err := rows.Scan(&msg.ID, &msg.Role, &msg.Text, &ts); err != nil {
			return nil, &StorageError{Op: "load messages", Err: err}
		}
		msg.Status = store.StatusConfirmed
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			msg.Timestamp = parsed
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "load messages", Err: err}
	}
	return out, nil
}
