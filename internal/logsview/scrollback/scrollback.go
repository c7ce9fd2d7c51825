// Package scrollback is the supplemented local cache backing the Logs
// Observer's scrollback buffer: a bounded SQLite-backed store so
// reopening a logs view after a reconnect can show recent history
// immediately instead of waiting on a fresh tail. Adapted from the
// teacher's internal/storage/sqlite package (schema, FTS5 index,
// pragmas, dedup hashing), switched to the pure-Go modernc.org/sqlite
// driver the teacher's own go.mod already declares (the teacher's
// source imported mattn/go-sqlite3, a cgo driver its go.mod never
// actually required - see DESIGN.md).
package scrollback

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Line is one cached log line.
type Line struct {
	Timestamp time.Time
	Text      string
	IsError   bool
}

// Store is a bounded, append-mostly cache of log lines per container.
type Store struct {
	db   *sql.DB
	path string

	mu        sync.Mutex
	retention int // max lines retained per container
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS scrollback_lines (
    id          INTEGER PRIMARY KEY,
    namespace   TEXT NOT NULL,
    pod         TEXT NOT NULL,
    container   TEXT NOT NULL,
    timestamp   INTEGER NOT NULL,
    text        TEXT NOT NULL,
    is_error    INTEGER NOT NULL,
    dedup_hash  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_scrollback_container
    ON scrollback_lines(namespace, pod, container, timestamp);

CREATE UNIQUE INDEX IF NOT EXISTS idx_scrollback_dedup
    ON scrollback_lines(namespace, pod, container, dedup_hash);

CREATE VIRTUAL TABLE IF NOT EXISTS scrollback_fts USING fts5(
    text,
    content='scrollback_lines',
    content_rowid='id',
    tokenize='porter unicode61 remove_diacritics 1'
);

CREATE TRIGGER IF NOT EXISTS scrollback_ai AFTER INSERT ON scrollback_lines BEGIN
    INSERT INTO scrollback_fts(rowid, text) VALUES (new.id, new.text);
END;

CREATE TRIGGER IF NOT EXISTS scrollback_ad AFTER DELETE ON scrollback_lines BEGIN
    INSERT INTO scrollback_fts(scrollback_fts, rowid, text)
        VALUES('delete', old.id, old.text);
END;

CREATE TRIGGER IF NOT EXISTS scrollback_au AFTER UPDATE ON scrollback_lines BEGIN
    INSERT INTO scrollback_fts(scrollback_fts, rowid, text)
        VALUES('delete', old.id, old.text);
    INSERT INTO scrollback_fts(rowid, text) VALUES (new.id, new.text);
END;
`

const pragmaSQL = `
PRAGMA journal_mode = WAL;
PRAGMA synchronous = NORMAL;
PRAGMA busy_timeout = 5000;
`

// Config configures a Store.
type Config struct {
	// Path to the SQLite database file; ":memory:" for ephemeral use.
	Path string
	// RetentionPerContainer bounds how many lines are kept per
	// container; oldest lines are pruned on each flush.
	RetentionPerContainer int
}

const defaultRetention = 5000

// Open opens (creating if needed) a scrollback store.
func Open(cfg Config) (*Store, error) {
	if cfg.RetentionPerContainer <= 0 {
		cfg.RetentionPerContainer = defaultRetention
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("scrollback: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(pragmaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("scrollback: pragmas: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("scrollback: schema: %w", err)
	}

	return &Store{db: db, path: cfg.Path, retention: cfg.RetentionPerContainer}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func dedupHash(namespace, pod, container string, ts time.Time, text string) int64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s/%s/%s/%d/%s", namespace, pod, container, ts.UnixNano(), text)
	return int64(h.Sum64())
}

// Append inserts lines for one container, ignoring exact duplicates
// (same namespace/pod/container/timestamp/text), then prunes beyond
// the configured retention.
func (s *Store) Append(ctx context.Context, namespace, pod, container string, lines []Line) error {
	if len(lines) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("scrollback: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO scrollback_lines
			(namespace, pod, container, timestamp, text, is_error, dedup_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("scrollback: prepare: %w", err)
	}
	defer stmt.Close()

	for _, l := range lines {
		errInt := 0
		if l.IsError {
			errInt = 1
		}
		hash := dedupHash(namespace, pod, container, l.Timestamp, l.Text)
		if _, err := stmt.ExecContext(ctx, namespace, pod, container, l.Timestamp.UnixNano(), l.Text, errInt, hash); err != nil {
			return fmt.Errorf("scrollback: insert: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM scrollback_lines
		WHERE namespace = ? AND pod = ? AND container = ?
		AND id NOT IN (
			SELECT id FROM scrollback_lines
			WHERE namespace = ? AND pod = ? AND container = ?
			ORDER BY timestamp DESC LIMIT ?
		)`, namespace, pod, container, namespace, pod, container, s.retention); err != nil {
		return fmt.Errorf("scrollback: prune: %w", err)
	}

	return tx.Commit()
}

// Recent returns up to limit most-recent lines for one container, in
// chronological order.
func (s *Store) Recent(ctx context.Context, namespace, pod, container string, limit int) ([]Line, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, text, is_error FROM (
			SELECT timestamp, text, is_error FROM scrollback_lines
			WHERE namespace = ? AND pod = ? AND container = ?
			ORDER BY timestamp DESC LIMIT ?
		) ORDER BY timestamp ASC`, namespace, pod, container, limit)
	if err != nil {
		return nil, fmt.Errorf("scrollback: query: %w", err)
	}
	defer rows.Close()

	var out []Line
	for rows.Next() {
		var tsNanos int64
		var text string
		var isErr int
		if err := rows.Scan(&tsNanos, &text, &isErr); err != nil {
			return nil, fmt.Errorf("scrollback: scan: %w", err)
		}
		out = append(out, Line{Timestamp: time.Unix(0, tsNanos), Text: text, IsError: isErr == 1})
	}
	return out, rows.Err()
}

// Search full-text-searches one container's cached lines via the
// scrollback_fts index, most recent match first.
func (s *Store) Search(ctx context.Context, namespace, pod, container, query string, limit int) ([]Line, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT l.timestamp, l.text, l.is_error
		FROM scrollback_lines l
		JOIN scrollback_fts f ON l.id = f.rowid
		WHERE l.namespace = ? AND l.pod = ? AND l.container = ?
		AND scrollback_fts MATCH ?
		ORDER BY l.timestamp DESC LIMIT ?`, namespace, pod, container, query, limit)
	if err != nil {
		return nil, fmt.Errorf("scrollback: search: %w", err)
	}
	defer rows.Close()

	var out []Line
	for rows.Next() {
		var tsNanos int64
		var text string
		var isErr int
		if err := rows.Scan(&tsNanos, &text, &isErr); err != nil {
			return nil, fmt.Errorf("scrollback: scan: %w", err)
		}
		out = append(out, Line{Timestamp: time.Unix(0, tsNanos), Text: text, IsError: isErr == 1})
	}
	return out, rows.Err()
}
