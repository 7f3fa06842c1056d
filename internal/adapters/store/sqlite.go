package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/okian/slotrank/internal/domain/model"
	"github.com/okian/slotrank/internal/domain/scoring"
	"github.com/okian/slotrank/pkg/logger"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const submissionColumns = `id, metrics, score, created_at, slot_allocated`

// SQLiteStore is a Store on an embedded SQLite database.
//
// Transactions begin with BEGIN IMMEDIATE, so the database write lock is
// held from the start of WithTx until commit or rollback. The busy timeout
// is the lock timeout.
type SQLiteStore struct {
	db   *sql.DB
	opts options
}

// OpenSQLite opens and migrates a SQLite store at path.
func OpenSQLite(path string, opts ...Option) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%w: sqlite path is required", ErrStore)
	}
	o := newOptions("sqlite-store", opts)

	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate",
		filepath.Clean(path), o.lockTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, wrapKind(ErrStore, "open sqlite db", err)
	}
	db.SetMaxOpenConns(o.maxOpenConns)
	db.SetMaxIdleConns(o.maxIdleConns)
	db.SetConnMaxLifetime(o.connMaxLifetime)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, wrapKind(ErrStore, "ping sqlite db", err)
	}

	s := &SQLiteStore{db: db, opts: o}
	if err := s.runMigrations(context.Background()); err != nil {
		_ = db.Close()
		return nil, wrapKind(ErrStore, "run migrations", err)
	}
	return s, nil
}

// runMigrations applies embedded SQL migrations in filename order, once each.
func (s *SQLiteStore) runMigrations(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		name TEXT PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		var applied int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM schema_migrations WHERE name = ?`, name).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if applied > 0 {
			continue
		}
		body, err := fs.ReadFile(migrationFS, "migrations/"+name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(body)); err != nil {
			return fmt.Errorf("exec migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_migrations (name, applied_at) VALUES (?, ?)`,
			name, time.Now().UTC().UnixMilli()); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
		s.opts.log.Info(ctx, "applied migration", logger.String("name", name))
	}
	return nil
}

// Create implements Store.
func (s *SQLiteStore) Create(ctx context.Context, m scoring.Metrics, score float64) (sub model.Submission, err error) {
	start := time.Now()
	defer func() { observe("create", start, err) }()

	raw, err := json.Marshal(m)
	if err != nil {
		return model.Submission{}, wrapKind(ErrStore, "sqlite: encode metrics", err)
	}
	created := s.opts.clock().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO submissions (metrics, score, created_at, slot_allocated) VALUES (?, ?, ?, 0)`,
		string(raw), decimal.NewFromFloat(score).Round(2), created.UnixNano())
	if err != nil {
		return model.Submission{}, classifySQLite("sqlite: create", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.Submission{}, classifySQLite("sqlite: create", err)
	}
	return model.Submission{
		ID:        id,
		Metrics:   m.Clone(),
		Score:     decimal.NewFromFloat(score).Round(2).InexactFloat64(),
		CreatedAt: created,
	}, nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, id int64) (sub model.Submission, err error) {
	start := time.Now()
	defer func() { observe("get", start, err) }()

	row := s.db.QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id = ?`, id)
	sub, err = scanSubmission(row)
	if err != nil {
		return model.Submission{}, classifySQLite("sqlite: get", err)
	}
	return sub, nil
}

// GetMany implements Store.
func (s *SQLiteStore) GetMany(ctx context.Context, ids []int64) (map[int64]model.Submission, error) {
	out := make(map[int64]model.Submission, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	subs, err := querySubmissions(ctx, s.db, `SELECT `+submissionColumns+` FROM submissions WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, classifySQLite("sqlite: get many", err)
	}
	for _, sub := range subs {
		out[sub.ID] = sub
	}
	return out, nil
}

// ActiveSlot implements Store.
func (s *SQLiteStore) ActiveSlot(ctx context.Context, since time.Time) (model.Submission, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM submissions
		WHERE slot_allocated = 1 AND created_at >= ?
		ORDER BY created_at ASC, id ASC LIMIT 1`, since.UTC().UnixNano())
	sub, err := scanSubmission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Submission{}, false, nil
	}
	if err != nil {
		return model.Submission{}, false, classifySQLite("sqlite: active slot", err)
	}
	return sub, true, nil
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context, afterID int64, limit int) ([]model.Submission, error) {
	if limit <= 0 {
		return nil, nil
	}
	subs, err := querySubmissions(ctx, s.db, `SELECT `+submissionColumns+` FROM submissions
		WHERE id > ? ORDER BY id ASC LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, classifySQLite("sqlite: list", err)
	}
	return subs, nil
}

// Count implements Store.
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM submissions`).Scan(&n); err != nil {
		return 0, classifySQLite("sqlite: count", err)
	}
	return n, nil
}

// Ping implements Store.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return classifySQLite("sqlite: ping", err)
	}
	return nil
}

// Close releases the underlying SQLite connections.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// WithTx implements Store.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) (err error) {
	start := time.Now()
	defer func() { observe("tx", start, err) }()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifySQLite("sqlite: begin", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = sqlTx.Rollback()
		}
	}()

	if err = fn(ctx, &sqliteTx{tx: sqlTx}); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return classifySQLite("sqlite: commit", err)
	}
	committed = true
	return nil
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) FindExpiredForUpdate(ctx context.Context, cutoff time.Time) ([]model.Submission, error) {
	subs, err := querySubmissions(ctx, t.tx, `SELECT `+submissionColumns+` FROM submissions
		WHERE slot_allocated = 1 AND created_at < ?
		ORDER BY created_at ASC, id ASC`, cutoff.UTC().UnixNano())
	if err != nil {
		return nil, classifySQLite("sqlite: find expired", err)
	}
	return subs, nil
}

func (t *sqliteTx) FindSlotEligibleForUpdate(ctx context.Context, cutoff time.Time) ([]model.Submission, error) {
	subs, err := querySubmissions(ctx, t.tx, `SELECT `+submissionColumns+` FROM submissions
		WHERE slot_allocated = 1 AND created_at >= ?
		ORDER BY created_at ASC, id ASC`, cutoff.UTC().UnixNano())
	if err != nil {
		return nil, classifySQLite("sqlite: find eligible", err)
	}
	return subs, nil
}

func (t *sqliteTx) UpdateSlotFlag(ctx context.Context, id int64, allocated bool) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE submissions SET slot_allocated = ? WHERE id = ?`, boolToInt(allocated), id)
	if err != nil {
		return classifySQLite("sqlite: update slot flag", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classifySQLite("sqlite: update slot flag", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func querySubmissions(ctx context.Context, q queryer, query string, args ...any) ([]model.Submission, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []model.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func scanSubmission(r rowScanner) (model.Submission, error) {
	var (
		sub       model.Submission
		rawMetric string
		score     decimal.Decimal
		created   int64
		allocated int64
	)
	if err := r.Scan(&sub.ID, &rawMetric, &score, &created, &allocated); err != nil {
		return model.Submission{}, err
	}
	if err := json.Unmarshal([]byte(rawMetric), &sub.Metrics); err != nil {
		return model.Submission{}, fmt.Errorf("decode metrics of submission %d: %w", sub.ID, err)
	}
	sub.Score = score.InexactFloat64()
	sub.CreatedAt = time.Unix(0, created).UTC()
	sub.SlotAllocated = allocated != 0
	return sub, nil
}

func boolToInt(v bool) int64 {
	if v {
		return 1
	}
	return 0
}

func isSQLiteBusyError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code() & 0xff
	return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
}

func classifySQLite(op string, err error) error {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case errors.Is(err, sql.ErrTxDone):
		return wrapKind(ErrTxDone, op, err)
	case isSQLiteBusyError(err):
		return wrapKind(ErrLockTimeout, op, err)
	default:
		return wrapKind(ErrStore, op, err)
	}
}

var _ Store = (*SQLiteStore)(nil)
