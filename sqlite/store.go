// Package sqlite implements warden.JobStore on a SQLite database file using
// the pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/DEEJ4Y/warden"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaFS embed.FS

// Config holds the configuration for the SQLite job store.
type Config struct {
	// Path is the database file. Required.
	Path string

	// BusyTimeout is how long a writer waits on a locked database.
	// Default: 5 seconds
	BusyTimeout time.Duration
}

// Store implements warden.JobStore for SQLite.
//
// Times are stored as UTC unix nanoseconds so predicates compare exactly.
type Store struct {
	db *sql.DB
}

const columns = `id, name, recurrence, timezone, payload, status, retry_count,
	locked_at, next_run_at, last_run_at, last_run_result, created_at, updated_at`

// Open opens (creating if needed) the database at cfg.Path.
func Open(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers, which keeps conditional updates atomic.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Init applies the embedded schema.
func (s *Store) Init(ctx context.Context) error {
	b, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// FindDue returns live records that are due and unlocked, or hold a stale lock.
func (s *Store) FindDue(ctx context.Context, q warden.DueQuery) ([]warden.Record, error) {
	var w where
	w.add("name = ?", q.Name)
	w.in("status", warden.LiveStatuses)
	w.add("((locked_at IS NULL AND next_run_at IS NOT NULL AND next_run_at <= ?) OR (locked_at IS NOT NULL AND locked_at <= ?))",
		nanos(q.DueBefore), nanos(q.StaleBefore))
	return s.query(ctx, w)
}

// Create inserts rec under a new UUID.
func (s *Store) Create(ctx context.Context, rec warden.Record) (warden.Record, error) {
	now := time.Now().UTC()
	out := rec.Clone()
	out.ID = uuid.NewString()
	if out.Status == "" {
		out.Status = warden.StatusCreated
	}
	out.CreatedAt = now
	out.UpdatedAt = now

	var result any
	if out.LastRunResult != nil {
		result = string(*out.LastRunResult)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(`+columns+`) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		out.ID, out.Name, nullString(out.Recurrence), out.Timezone, out.Payload, string(out.Status), out.RetryCount,
		nullNanos(out.LockedAt), nullNanos(out.NextRunAt), nullNanos(out.LastRunAt), result,
		nanos(now), nanos(now),
	)
	if err != nil {
		return warden.Record{}, fmt.Errorf("insert job: %w", err)
	}
	return out, nil
}

// UpdateWhere applies patch to the row matching p in one UPDATE statement.
func (s *Store) UpdateWhere(ctx context.Context, p warden.Predicate, patch warden.Patch) (int64, error) {
	var w where
	w.add("id = ?", p.ID)
	if len(p.Statuses) > 0 {
		w.in("status", p.Statuses)
	}
	if p.Unlocked {
		w.add("locked_at IS NULL")
	}
	if p.LockedBefore != nil {
		w.add("locked_at IS NOT NULL AND locked_at <= ?", nanos(*p.LockedBefore))
	}

	sets := []string{"updated_at = ?"}
	args := []any{nanos(time.Now())}
	set := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if patch.Status != nil {
		set("status", string(*patch.Status))
	}
	if patch.RetryCount != nil {
		set("retry_count", *patch.RetryCount)
	}
	if patch.Recurrence != nil {
		set("recurrence", emptyAsNull(*patch.Recurrence))
	}
	if patch.Payload != nil {
		set("payload", patch.Payload)
	}
	if patch.LockedAt != nil {
		set("locked_at", nullNanos(*patch.LockedAt))
	}
	if patch.NextRunAt != nil {
		set("next_run_at", nullNanos(*patch.NextRunAt))
	}
	if patch.LastRunAt != nil {
		set("last_run_at", nullNanos(*patch.LastRunAt))
	}
	if patch.LastRunResult != nil {
		set("last_run_result", string(*patch.LastRunResult))
	}

	res, err := s.db.ExecContext(ctx,
		"UPDATE jobs SET "+strings.Join(sets, ", ")+" WHERE "+w.sql(),
		append(args, w.args...)...,
	)
	if err != nil {
		return 0, fmt.Errorf("update job: %w", err)
	}
	return res.RowsAffected()
}

// FindByID returns the record with id, or nil when there is none.
func (s *Store) FindByID(ctx context.Context, id string) (*warden.Record, error) {
	var w where
	w.add("id = ?", id)
	recs, err := s.query(ctx, w)
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return &recs[0], nil
}

// List returns the records matching q.
func (s *Store) List(ctx context.Context, q warden.ListQuery) ([]warden.Record, error) {
	statuses := q.Statuses
	if len(statuses) == 0 {
		statuses = warden.DefaultListStatuses
	}
	var w where
	w.in("status", statuses)
	if q.ProcessName != "" {
		w.add("name = ?", q.ProcessName)
	}
	if q.JobID != "" {
		w.add("id = ?", q.JobID)
	}
	return s.query(ctx, w)
}

func (s *Store) query(ctx context.Context, w where) ([]warden.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+columns+" FROM jobs WHERE "+w.sql()+
			" ORDER BY next_run_at IS NULL, next_run_at, id",
		w.args...,
	)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var recs []warden.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func scanRecord(rows *sql.Rows) (warden.Record, error) {
	var (
		rec                warden.Record
		status             string
		recurrence, result sql.NullString
		locked, next, last sql.NullInt64
		created, updated   int64
	)
	err := rows.Scan(&rec.ID, &rec.Name, &recurrence, &rec.Timezone, &rec.Payload, &status, &rec.RetryCount,
		&locked, &next, &last, &result, &created, &updated)
	if err != nil {
		return rec, fmt.Errorf("scan job: %w", err)
	}
	rec.Status = warden.Status(status)
	if recurrence.Valid {
		v := recurrence.String
		rec.Recurrence = &v
	}
	if result.Valid {
		v := warden.RunResult(result.String)
		rec.LastRunResult = &v
	}
	rec.LockedAt = fromNullNanos(locked)
	rec.NextRunAt = fromNullNanos(next)
	rec.LastRunAt = fromNullNanos(last)
	rec.CreatedAt = time.Unix(0, created).UTC()
	rec.UpdatedAt = time.Unix(0, updated).UTC()
	return rec, nil
}

// where accumulates AND-ed SQL conditions and their arguments.
type where struct {
	conds []string
	args  []any
}

func (w *where) add(cond string, args ...any) {
	w.conds = append(w.conds, cond)
	w.args = append(w.args, args...)
}

func (w *where) in(col string, statuses []warden.Status) {
	marks := make([]string, len(statuses))
	for i, st := range statuses {
		marks[i] = "?"
		w.args = append(w.args, string(st))
	}
	w.conds = append(w.conds, col+" IN ("+strings.Join(marks, ", ")+")")
}

func (w *where) sql() string {
	if len(w.conds) == 0 {
		return "1 = 1"
	}
	return strings.Join(w.conds, " AND ")
}

func nanos(t time.Time) int64 { return t.UTC().UnixNano() }

func nullNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return nanos(*t)
}

func fromNullNanos(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}

func emptyAsNull(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
