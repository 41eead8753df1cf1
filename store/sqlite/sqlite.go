/*
Package sqlite provides a SQLite-backed implementation of assessment.Store.

PURPOSE:
  Persists the assessment ledger, its history, generation runs and the
  department lookup. The same database also hosts the upstream registry
  tables read by the registry adapters.

KEY TABLES:
  assessment_records:  The ledger (amounts in integer minor units)
  assessment_history:  Append-only audit trail, keyed (record_id, seq)
  generation_runs:     One row per Generate call
  departments:         Name -> id lookup
  complaint_register, production_rework_register, publishing_exceptions:
                       Upstream registries (read-only for the engine)

INVARIANT GUARDS:
  - idx_records_natural_key: no two records for one (registry, violation, role)
  - MarkReturned: UPDATE ... WHERE is_returned = 0 AND status IN (open)
  - trg_records_return_monotonic: is_returned never goes back to 0
  - trg_history_append_only: history rows are never updated

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single pooled connection
  (SQLite has one writer; ":memory:" databases are per-connection).
  The conditional statements above are what make concurrent callers
  safe; the mutex only keeps SQLITE_BUSY out of the picture.

MIGRATION:
  Schema lives in migrations/*.sql, embedded and applied with
  golang-migrate on New().

USAGE:
  store, err := sqlite.New("./data/assessments.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - assessment/store.go: Interface definitions
  - query.go: Listing and statistics
  - registries.go: Upstream registry and department seeding
*/
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/assessment-engine/assessment"
	"github.com/warp/assessment-engine/generic"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const timeLayout = time.RFC3339Nano

// Store implements assessment.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ assessment.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Store{db: db}, nil
}

// Migrate applies every pending up migration. The migrate instance is not
// closed: closing it would close db as well.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	defer src.Close()

	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// DB exposes the handle for the SQL registry adapters.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
func (s *Store) WithTx(ctx context.Context, fn func(assessment.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) GetRecord(ctx context.Context, id int64) (assessment.Record, error) {
	return getRecord(ctx, ts.tx, id)
}

func (ts *txStore) HasNewerAssessment(ctx context.Context, person, department string, after, through generic.Date) (bool, error) {
	return hasNewerAssessment(ctx, ts.tx, person, department, after, through)
}

func (ts *txStore) InsertRecord(ctx context.Context, rec *assessment.Record) (bool, error) {
	amount, err := generic.ToMinorUnits(rec.Amount)
	if err != nil {
		return false, err
	}
	res, err := ts.tx.ExecContext(ctx, `
		INSERT INTO assessment_records (
			source_registry, source_violation_id, role_type, person_name, amount_minor,
			assessment_date, department_id, department_name, status,
			improvement_start, improvement_end, return_eligible_date,
			remarks, created_by, created_at, updated_by, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_registry, source_violation_id, role_type) DO NOTHING
	`,
		string(rec.SourceRegistry), rec.SourceViolationID, string(rec.RoleType), rec.PersonName, amount,
		rec.AssessmentDate, rec.DepartmentID, rec.DepartmentName, string(rec.Status),
		rec.ImprovementStart, rec.ImprovementEnd, rec.ReturnEligibleDate,
		rec.Remarks, rec.CreatedBy, formatTime(rec.CreatedAt), rec.UpdatedBy, formatTime(rec.UpdatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	if rec.ID, err = res.LastInsertId(); err != nil {
		return false, err
	}
	return true, nil
}

func (ts *txStore) UpdateRecord(ctx context.Context, rec assessment.Record) error {
	amount, err := generic.ToMinorUnits(rec.Amount)
	if err != nil {
		return err
	}
	res, err := ts.tx.ExecContext(ctx, `
		UPDATE assessment_records SET
			person_name = ?, amount_minor = ?, assessment_date = ?,
			department_id = ?, department_name = ?, status = ?,
			improvement_start = ?, improvement_end = ?, return_eligible_date = ?,
			remarks = ?, updated_by = ?, updated_at = ?
		WHERE id = ?
	`,
		rec.PersonName, amount, rec.AssessmentDate,
		rec.DepartmentID, rec.DepartmentName, string(rec.Status),
		rec.ImprovementStart, rec.ImprovementEnd, rec.ReturnEligibleDate,
		rec.Remarks, rec.UpdatedBy, formatTime(rec.UpdatedAt),
		rec.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update record %d: %w", rec.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &generic.NotFoundError{Kind: "record", ID: assessment.FormatID(rec.ID)}
	}
	return nil
}

func (ts *txStore) UpdateStatus(ctx context.Context, id int64, from []assessment.Status, to assessment.Status, by string, at time.Time) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	args := []any{string(to), by, formatTime(at), id}
	for _, s := range from {
		args = append(args, string(s))
	}
	res, err := ts.tx.ExecContext(ctx, `
		UPDATE assessment_records SET status = ?, updated_by = ?, updated_at = ?
		WHERE id = ? AND is_returned = 0 AND status IN (`+placeholders(len(from))+`)
	`, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update status of record %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// MarkReturned only wins while the record is unreturned and open.
func (ts *txStore) MarkReturned(ctx context.Context, id int64, ret assessment.ReturnFields) (bool, error) {
	amount, err := generic.ToMinorUnits(ret.Amount)
	if err != nil {
		return false, err
	}
	res, err := ts.tx.ExecContext(ctx, `
		UPDATE assessment_records SET
			is_returned = 1, status = 'returned',
			return_date = ?, return_amount_minor = ?, return_reason = ?,
			updated_by = ?, updated_at = ?
		WHERE id = ? AND is_returned = 0 AND status IN ('pending', 'improving')
	`, ret.Date, amount, ret.Reason, ret.By, formatTime(ret.At), id)
	if err != nil {
		return false, fmt.Errorf("failed to mark record %d returned: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (ts *txStore) AppendHistory(ctx context.Context, h assessment.HistoryEntry) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO assessment_history (
			record_id, seq, action, old_value, new_value, operator_name, operation_time, remarks
		)
		SELECT ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?, ?, ?, ?
		FROM assessment_history WHERE record_id = ?
	`, h.RecordID, string(h.Action), h.OldValue, h.NewValue, h.OperatorName, formatTime(h.OperationTime), h.Remarks, h.RecordID)
	if err != nil {
		return fmt.Errorf("failed to append history for record %d: %w", h.RecordID, err)
	}
	return nil
}

// =============================================================================
// RECORD READS
// =============================================================================

const recordColumns = `
	id, source_registry, source_violation_id, role_type, person_name, amount_minor,
	assessment_date, department_id, department_name, status,
	improvement_start, improvement_end, return_eligible_date,
	is_returned, return_date, return_amount_minor, return_reason,
	remarks, created_by, created_at, updated_by, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (assessment.Record, error) {
	var (
		rec                    assessment.Record
		registry, role, status string
		amount                 int64
		returnAmount           sql.NullInt64
		isReturned             int
		createdAt, updatedAt   string
	)
	err := row.Scan(
		&rec.ID, &registry, &rec.SourceViolationID, &role, &rec.PersonName, &amount,
		&rec.AssessmentDate, &rec.DepartmentID, &rec.DepartmentName, &status,
		&rec.ImprovementStart, &rec.ImprovementEnd, &rec.ReturnEligibleDate,
		&isReturned, &rec.ReturnDate, &returnAmount, &rec.ReturnReason,
		&rec.Remarks, &rec.CreatedBy, &createdAt, &rec.UpdatedBy, &updatedAt,
	)
	if err != nil {
		return assessment.Record{}, err
	}
	rec.SourceRegistry = assessment.Registry(registry)
	rec.RoleType = assessment.RoleType(role)
	rec.Status = assessment.Status(status)
	rec.Amount = generic.FromMinorUnits(amount)
	rec.IsReturned = isReturned == 1
	if returnAmount.Valid {
		rec.ReturnAmount = generic.FromMinorUnits(returnAmount.Int64)
	}
	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updatedAt)
	return rec, nil
}

func getRecord(ctx context.Context, q queryer, id int64) (assessment.Record, error) {
	row := q.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM assessment_records WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if isNoRows(err) {
		return assessment.Record{}, &generic.NotFoundError{Kind: "record", ID: assessment.FormatID(id)}
	}
	if err != nil {
		return assessment.Record{}, fmt.Errorf("failed to load record %d: %w", id, err)
	}
	return rec, nil
}

func (s *Store) GetRecord(ctx context.Context, id int64) (assessment.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getRecord(ctx, s.db, id)
}

func (s *Store) History(ctx context.Context, id int64) ([]assessment.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT record_id, seq, action, old_value, new_value, operator_name, operation_time, remarks
		FROM assessment_history WHERE record_id = ? ORDER BY seq
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	defer rows.Close()

	var out []assessment.HistoryEntry
	for rows.Next() {
		var h assessment.HistoryEntry
		var action, at string
		if err := rows.Scan(&h.RecordID, &h.Seq, &action, &h.OldValue, &h.NewValue, &h.OperatorName, &at, &h.Remarks); err != nil {
			return nil, err
		}
		h.Action = assessment.Action(action)
		h.OperationTime = parseTime(at)
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *Store) SweepCandidates(ctx context.Context) ([]assessment.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM assessment_records
		WHERE is_returned = 0 AND status IN ('pending', 'improving')
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load sweep candidates: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]assessment.Record, error) {
	var out []assessment.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func hasNewerAssessment(ctx context.Context, q queryer, person, department string, after, through generic.Date) (bool, error) {
	var exists int
	err := q.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM assessment_records
			WHERE person_name = ? AND department_name = ?
			  AND assessment_date > ? AND assessment_date <= ?
		)
	`, person, department, after, through).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check newer assessments: %w", err)
	}
	return exists == 1, nil
}

// =============================================================================
// RESET
// =============================================================================

// Reset clears the ledger and restarts record ids at 1.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM assessment_history`,
		`DELETE FROM assessment_records`,
		`DELETE FROM generation_runs`,
		`DELETE FROM sqlite_sequence WHERE name = 'assessment_records'`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("reset: %w", err)
		}
	}
	return tx.Commit()
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func isNoRows(err error) bool { return errors.Is(err, sql.ErrNoRows) }

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
