// Package auditlog persists chaosguard audit records in SQLite.
//
// The validator itself never writes anything; callers hand each
// AuditRecord to a Store after the run. Records are insert-only.
//
//	db, err := auditlog.Open("audit.db")
//	store := auditlog.NewStore(db)
//	if err := store.Init(); err != nil { ... }
//	store.Append(ctx, rec)
package auditlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/njchilds90/chaosguard"
)

// ErrNotFound is returned by Get for an unknown record ID.
var ErrNotFound = errors.New("auditlog: record not found")

const schema = `
CREATE TABLE IF NOT EXISTS audit_records (
	id              TEXT PRIMARY KEY,
	seq             INTEGER NOT NULL,
	recorded_at     INTEGER NOT NULL,
	path            TEXT NOT NULL DEFAULT '',
	target          TEXT NOT NULL DEFAULT '',
	markers         TEXT NOT NULL DEFAULT '',
	request_excerpt TEXT NOT NULL DEFAULT '',
	decision        TEXT NOT NULL CHECK(decision IN ('accept','reject','fallback')),
	violations_json TEXT NOT NULL DEFAULT '[]',
	size_json       TEXT NOT NULL DEFAULT '{}',
	abort           TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_audit_decision ON audit_records(decision, recorded_at);
`

// Open opens (or creates) an SQLite database at path with WAL journaling
// and a busy timeout. Use ":memory:" in tests.
func Open(path string) (*sql.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("auditlog: mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("auditlog: open: %w", err)
	}
	if path == ":memory:" {
		// Every new connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=10000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("auditlog: %s: %w", pragma, err)
		}
	}
	return db, nil
}

// Store appends and queries audit records.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	queue  chan chaosguard.AuditRecord
	done   chan struct{}
}

// NewStore wraps db. Call Init before first use.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, logger: slog.Default()}
}

// WithLogger sets the logger used for asynchronous write failures.
func (s *Store) WithLogger(l *slog.Logger) *Store {
	if l != nil {
		s.logger = l
	}
	return s
}

// Init creates the schema if needed.
func (s *Store) Init() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("auditlog: init schema: %w", err)
	}
	return nil
}

// Append stores rec. Records are never updated; appending an existing ID
// fails.
func (s *Store) Append(ctx context.Context, rec chaosguard.AuditRecord) error {
	violations, err := json.Marshal(nonNil(rec.Violations))
	if err != nil {
		return fmt.Errorf("auditlog: marshal violations: %w", err)
	}
	size, err := json.Marshal(rec.Size)
	if err != nil {
		return fmt.Errorf("auditlog: marshal size: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_records
			(id, seq, recorded_at, path, target, markers, request_excerpt, decision, violations_json, size_json, abort)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, int64(rec.Seq), rec.Time.UnixNano(), rec.Path, string(rec.Target), rec.Markers,
		rec.RequestExcerpt, string(rec.Decision), string(violations), string(size), rec.Abort)
	if err != nil {
		return fmt.Errorf("auditlog: insert %s: %w", rec.ID, err)
	}
	return nil
}

// AppendAsync queues rec for a background writer. Close flushes the
// queue. Once the Store is closed, records are written synchronously.
// Write failures are logged, not returned.
func (s *Store) AppendAsync(rec chaosguard.AuditRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.write(rec)
		return
	}
	if s.queue == nil {
		s.startWriter()
	}
	s.queue <- rec
}

func (s *Store) startWriter() {
	s.queue = make(chan chaosguard.AuditRecord, 64)
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		for rec := range s.queue {
			s.write(rec)
		}
	}()
}

func (s *Store) write(rec chaosguard.AuditRecord) {
	if err := s.Append(context.Background(), rec); err != nil {
		s.logger.Error("Failed to append audit record", slog.String("id", rec.ID), slog.String("error", err.Error()))
	}
}

// Close drains pending asynchronous writes. It does not close the
// database and may be called more than once.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	queue, done := s.queue, s.done
	s.mu.Unlock()
	if queue != nil {
		close(queue)
		<-done
	}
}

// Get returns the record with the given ID.
func (s *Store) Get(ctx context.Context, id string) (chaosguard.AuditRecord, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return chaosguard.AuditRecord{}, ErrNotFound
	}
	return rec, err
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	Decision chaosguard.Decision
	Since    time.Time
	Limit    int
}

// List returns records in the order they were produced.
func (s *Store) List(ctx context.Context, f Filter) ([]chaosguard.AuditRecord, error) {
	q := selectColumns + ` WHERE 1=1`
	var args []any
	if f.Decision != "" {
		q += ` AND decision = ?`
		args = append(args, string(f.Decision))
	}
	if !f.Since.IsZero() {
		q += ` AND recorded_at >= ?`
		args = append(args, f.Since.UnixNano())
	}
	q += ` ORDER BY recorded_at, seq, id`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("auditlog: list: %w", err)
	}
	defer rows.Close()

	var out []chaosguard.AuditRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

const selectColumns = `
	SELECT id, seq, recorded_at, path, target, markers, request_excerpt, decision, violations_json, size_json, abort
	FROM audit_records`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (chaosguard.AuditRecord, error) {
	var (
		rec              chaosguard.AuditRecord
		seq, at          int64
		target, decision string
		violations, size string
	)
	err := sc.Scan(&rec.ID, &seq, &at, &rec.Path, &target, &rec.Markers, &rec.RequestExcerpt,
		&decision, &violations, &size, &rec.Abort)
	if err != nil {
		return rec, err
	}
	rec.Seq = uint64(seq)
	rec.Time = time.Unix(0, at).UTC()
	rec.Target = chaosguard.TargetKind(target)
	rec.Decision = chaosguard.Decision(decision)
	if err := json.Unmarshal([]byte(violations), &rec.Violations); err != nil {
		return rec, fmt.Errorf("auditlog: decode violations of %s: %w", rec.ID, err)
	}
	if err := json.Unmarshal([]byte(size), &rec.Size); err != nil {
		return rec, fmt.Errorf("auditlog: decode size of %s: %w", rec.ID, err)
	}
	return rec, nil
}

func nonNil(v []chaosguard.Violation) []chaosguard.Violation {
	if v == nil {
		return []chaosguard.Violation{}
	}
	return v
}
