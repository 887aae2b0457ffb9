package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/sjawhar/consult-wispr/internal/session"
)

// SQLiteStore keeps each session as a JSON document next to its version.
// Every write also appends to session_changes, which backs the change feed.
// Write transactions take the database lock up front, and a write that still
// finds it held by another process is reported as ErrVersionConflict.
type SQLiteStore struct {
	db     *sql.DB
	notify chan struct{}
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if strings.TrimSpace(dbPath) == "" {
		dbPath = filepath.Join("data", "consult-wispr.db")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_txlock=immediate&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, notify: make(chan struct{}, 1)}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) init() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS consultation_sessions (
			id TEXT PRIMARY KEY,
			version INTEGER NOT NULL,
			status TEXT NOT NULL,
			document TEXT NOT NULL,
			started_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
	`); err != nil {
		return fmt.Errorf("create consultation_sessions table: %w", err)
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS session_changes (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			before_doc TEXT,
			after_doc TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
	`); err != nil {
		return fmt.Errorf("create session_changes table: %w", err)
	}

	if _, err := s.db.Exec("CREATE INDEX IF NOT EXISTS idx_consultation_sessions_status ON consultation_sessions(status, started_at)"); err != nil {
		return fmt.Errorf("create sessions index: %w", err)
	}

	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Create(ctx context.Context, sess session.Session) (session.Session, error) {
	if strings.TrimSpace(sess.ID) == "" {
		return session.Session{}, errors.New("session id is required")
	}
	sess.Version = 1
	doc, err := json.Marshal(sess)
	if err != nil {
		return session.Session{}, fmt.Errorf("encode session %s: %w", sess.ID, err)
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO consultation_sessions(id, version, status, document, started_at, updated_at) VALUES(?, ?, ?, ?, ?, ?)`,
			sess.ID,
			sess.Version,
			string(sess.Status),
			string(doc),
			sess.StartedAt.UTC().Format(time.RFC3339Nano),
			sess.UpdatedAt.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("insert session %s: %w", sess.ID, err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("insert session rows affected: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("create session %s: %w", sess.ID, session.ErrSessionExists)
		}
		return appendChange(ctx, tx, sess.ID, nil, doc)
	})
	if err != nil {
		return session.Session{}, err
	}
	s.signal()
	return sess, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (session.Session, error) {
	var doc string
	var version int64
	err := s.db.QueryRowContext(ctx,
		`SELECT document, version FROM consultation_sessions WHERE id = ?`, id,
	).Scan(&doc, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Session{}, fmt.Errorf("get session %s: %w", id, session.ErrSessionNotFound)
	}
	if err != nil {
		return session.Session{}, fmt.Errorf("query session %s: %w", id, err)
	}
	return decodeDocument(id, doc, version)
}

func (s *SQLiteStore) Put(ctx context.Context, sess session.Session, expectedVersion int64) (session.Session, error) {
	sess.Version = expectedVersion + 1
	doc, err := json.Marshal(sess)
	if err != nil {
		return session.Session{}, fmt.Errorf("encode session %s: %w", sess.ID, err)
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		var before string
		var current int64
		err := tx.QueryRowContext(ctx,
			`SELECT document, version FROM consultation_sessions WHERE id = ?`, sess.ID,
		).Scan(&before, &current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("put session %s: %w", sess.ID, session.ErrSessionNotFound)
		}
		if err != nil {
			return fmt.Errorf("query session %s: %w", sess.ID, err)
		}
		if current != expectedVersion {
			return fmt.Errorf("put session %s at version %d, stored %d: %w", sess.ID, expectedVersion, current, ErrVersionConflict)
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE consultation_sessions SET version = ?, status = ?, document = ?, updated_at = ? WHERE id = ? AND version = ?`,
			sess.Version,
			string(sess.Status),
			string(doc),
			sess.UpdatedAt.UTC().Format(time.RFC3339Nano),
			sess.ID,
			expectedVersion,
		)
		if err != nil {
			return fmt.Errorf("update session %s: %w", sess.ID, err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update session rows affected: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("put session %s: %w", sess.ID, ErrVersionConflict)
		}
		return appendChange(ctx, tx, sess.ID, []byte(before), doc)
	})
	if isBusy(err) {
		return session.Session{}, fmt.Errorf("put session %s: database locked: %w", sess.ID, ErrVersionConflict)
	}
	if err != nil {
		return session.Session{}, err
	}
	s.signal()
	return sess, nil
}

// Feed returns a change feed over this store's outbox.
func (s *SQLiteStore) Feed(interval time.Duration, logger *slog.Logger) *OutboxFeed {
	return newOutboxFeed(s, interval, logger)
}

func (s *SQLiteStore) pendingChanges(ctx context.Context, limit int) ([]Change, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, session_id, before_doc, after_doc FROM session_changes ORDER BY seq ASC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query session changes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var changes []Change
	for rows.Next() {
		var c Change
		var before sql.NullString
		var after string
		if err := rows.Scan(&c.Seq, &c.SessionID, &before, &after); err != nil {
			return nil, fmt.Errorf("scan session change: %w", err)
		}
		if before.Valid {
			prev, err := decodeDocument(c.SessionID, before.String, 0)
			if err != nil {
				return nil, err
			}
			c.Before = &prev
		}
		c.After, err = decodeDocument(c.SessionID, after, 0)
		if err != nil {
			return nil, err
		}
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session changes: %w", err)
	}
	return changes, nil
}

func (s *SQLiteStore) ackChange(ctx context.Context, seq int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM session_changes WHERE seq = ?`, seq); err != nil {
		return fmt.Errorf("delete session change %d: %w", seq, err)
	}
	return nil
}

func (s *SQLiteStore) changeSignal() <-chan struct{} {
	return s.notify
}

func (s *SQLiteStore) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func isBusy(err error) bool {
	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return false
	}
	code := serr.Code() & 0xff
	return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
}

func appendChange(ctx context.Context, tx *sql.Tx, id string, before, after []byte) error {
	var prev any
	if before != nil {
		prev = string(before)
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO session_changes(session_id, before_doc, after_doc, created_at) VALUES(?, ?, ?, ?)`,
		id, prev, string(after), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record change for session %s: %w", id, err)
	}
	return nil
}

// decodeDocument parses a stored document. A non-zero version overrides
// whatever the document carries.
func decodeDocument(id, doc string, version int64) (session.Session, error) {
	var sess session.Session
	if err := json.Unmarshal([]byte(doc), &sess); err != nil {
		return session.Session{}, fmt.Errorf("decode session %s: %w", id, err)
	}
	if version != 0 {
		sess.Version = version
	}
	return sess, nil
}
