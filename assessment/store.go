/*
store.go - Persistence interface for the assessment ledger

PURPOSE:
  Defines the boundary between the engine and the database. The store is
  the single synchronization point: every correctness guarantee that must
  hold under concurrency is expressed as a storage-level condition.

KEY INTERFACES:
  Store: reads, batch queries, run history and the transactional entry point
  Tx:    the writes that must happen atomically with their history entry

CONCURRENCY CONTRACT:
  - InsertRecord must be insert-if-absent on the natural key. A conflict is
    reported as (false, nil), never as an error.
  - MarkReturned must only succeed while is_returned is false and the status
    is still open. Two callers racing on the same record: exactly one gets
    true, the other gets false.
  - UpdateStatus is a compare-and-set on the current status.
  - HasNewerAssessment on Tx sees the same snapshot as the write that
    follows it, so the auto-return rule and the return are one unit.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite, used in production and tests

SEE ALSO:
  - ledger.go: Uses Tx for creation and edits
  - returns.go: Uses MarkReturned / UpdateStatus
*/
package assessment

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/assessment-engine/generic"
)

// =============================================================================
// STORE
// =============================================================================

// Store is implemented by store/sqlite.
type Store interface {
	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Tx) error) error

	// GetRecord returns a *generic.NotFoundError when id is unknown.
	GetRecord(ctx context.Context, id int64) (Record, error)

	// History returns entries ordered by Seq.
	History(ctx context.Context, id int64) ([]HistoryEntry, error)

	// SweepCandidates returns records with is_returned = false and an open
	// status, ordered by id.
	SweepCandidates(ctx context.Context) ([]Record, error)

	QueryRecords(ctx context.Context, q RecordQuery) ([]Record, int, error)
	Totals(ctx context.Context, f RecordFilter) (Totals, error)
	Rollup(ctx context.Context, f RecordFilter, dim Dimension) ([]RollupRow, error)
	Persons(ctx context.Context) ([]Person, error)

	// ResolveDepartment maps a department name to its id; unknown names map to "".
	ResolveDepartment(ctx context.Context, name string) (string, error)

	SaveRun(ctx context.Context, run GenerationRun) error
	ListRuns(ctx context.Context, limit int) ([]GenerationRun, error)

	// Reset clears records, history and runs. Upstream registries are untouched.
	Reset(ctx context.Context) error
}

// Tx is the write side, only reachable inside Store.WithTx.
type Tx interface {
	GetRecord(ctx context.Context, id int64) (Record, error)

	// HasNewerAssessment reports whether any record for the same person and
	// department is dated in (after, through].
	HasNewerAssessment(ctx context.Context, person, department string, after, through generic.Date) (bool, error)

	// InsertRecord sets rec.ID on success; (false, nil) on natural-key conflict.
	InsertRecord(ctx context.Context, rec *Record) (bool, error)

	// UpdateRecord writes descriptive fields, amount, date and window.
	UpdateRecord(ctx context.Context, rec Record) error

	// UpdateStatus moves id to `to` only if its current status is one of from.
	UpdateStatus(ctx context.Context, id int64, from []Status, to Status, by string, at time.Time) (bool, error)

	// MarkReturned is the conditional return write.
	MarkReturned(ctx context.Context, id int64, ret ReturnFields) (bool, error)

	// AppendHistory assigns the next Seq for the record.
	AppendHistory(ctx context.Context, h HistoryEntry) error
}

// ReturnFields is everything a return sets in one write.
type ReturnFields struct {
	Date   generic.Date
	Amount decimal.Decimal
	Reason string
	By     string
	At     time.Time
}

// =============================================================================
// QUERIES
// =============================================================================

// RecordFilter is shared by listing and statistics.
type RecordFilter struct {
	PersonName string // substring
	Department string // substring
	Status     Status // effective status on AsOf
	Registry   Registry
	RoleType   RoleType
	From       generic.Date
	To         generic.Date
	MinAmount  *decimal.Decimal
	Returned   *bool

	// AsOf decides the effective status; zero means today.
	AsOf generic.Date
}

type SortDirection string

const (
	SortAsc  SortDirection = "asc"
	SortDesc SortDirection = "desc"
)

// Sortable fields.
const (
	SortAssessmentDate = "assessment_date"
	SortPersonName     = "person_name"
	SortDepartment     = "department"
	SortAmount         = "amount"
	SortStatus         = "status"
	SortID             = "id"
)

var sortFields = map[string]bool{
	SortAssessmentDate: true, SortPersonName: true, SortDepartment: true,
	SortAmount: true, SortStatus: true, SortID: true,
}

type RecordQuery struct {
	Filter    RecordFilter
	SortBy    string
	Direction SortDirection
	Page      int
	PageSize  int
}

// Dimension is a statistics rollup axis.
type Dimension string

const (
	DimStatus     Dimension = "status"
	DimRegistry   Dimension = "registry"
	DimDepartment Dimension = "department"
	DimMonth      Dimension = "month"
	DimWeek       Dimension = "week"
	DimYear       Dimension = "year"
)

// Totals aggregates the filtered ledger.
type Totals struct {
	Count          int
	Amount         decimal.Decimal
	ReturnedCount  int
	ReturnedAmount decimal.Decimal
}

// RollupRow is one group of a Dimension.
type RollupRow struct {
	Key            string
	Count          int
	Amount         decimal.Decimal
	ReturnedCount  int
	ReturnedAmount decimal.Decimal
}
