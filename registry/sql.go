/*
sql.go - Registry adapters over the upstream SQL tables

PURPOSE:
  One adapter per registry, all sharing a single reader type that is
  parameterized by the registry's queries and row mapping. The Generator
  selects adapters by registry name and never branches on registry kind.

BILLABLE PREDICATE:
  Each query filters in SQL to rows with at least one role carrying both a
  named person and a positive amount. The rows are then checked again with
  SourceViolation.Billable so a loose query can never leak a zero-amount
  assignment into the ledger.

ERRORS:
  Any query, scan or decode failure is returned as a
  *generic.SourceUnavailableError naming the registry.

SEE ALSO:
  - assessment/source.go: SourceReader contract
  - store/sqlite/migrations/000002_registries.up.sql: Table layouts
*/
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/assessment-engine/assessment"
	"github.com/warp/assessment-engine/generic"
)

// sqlSchema describes how one registry is read.
type sqlSchema struct {
	// fetch selects billable rows in [start, end]; two date arguments.
	fetch string
	// byID selects the same columns as fetch for a single id.
	byID string
	// details selects id + detail columns for an IN (...) list; %s is
	// replaced by placeholders.
	details string
	scan    func(row scanner) (assessment.SourceViolation, error)
}

type scanner interface {
	Scan(dest ...any) error
}

// SQLReader reads one registry table.
type SQLReader struct {
	registry assessment.Registry
	db       *sql.DB
	schema   sqlSchema
	logger   *zap.Logger
}

var (
	_ assessment.SourceReader    = (*SQLReader)(nil)
	_ assessment.ViolationLookup = (*SQLReader)(nil)
)

func newSQLReader(registry assessment.Registry, db *sql.DB, schema sqlSchema, logger *zap.Logger) *SQLReader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLReader{registry: registry, db: db, schema: schema, logger: logger.With(zap.String("registry", string(registry)))}
}

// NewComplaintReader reads complaint_register.
func NewComplaintReader(db *sql.DB, logger *zap.Logger) *SQLReader {
	return newSQLReader(assessment.RegistryComplaint, db, complaintSchema, logger)
}

// NewReworkReader reads production_rework_register.
func NewReworkReader(db *sql.DB, logger *zap.Logger) *SQLReader {
	return newSQLReader(assessment.RegistryRework, db, reworkSchema, logger)
}

// NewExceptionReader reads publishing_exceptions.
func NewExceptionReader(db *sql.DB, logger *zap.Logger) *SQLReader {
	return newSQLReader(assessment.RegistryException, db, exceptionSchema, logger)
}

func (r *SQLReader) Registry() assessment.Registry { return r.registry }

func (r *SQLReader) unavailable(err error) error {
	return &generic.SourceUnavailableError{Registry: string(r.registry), Err: err}
}

// FetchBillable returns billable violations dated within period.
func (r *SQLReader) FetchBillable(ctx context.Context, period generic.Period) ([]assessment.SourceViolation, error) {
	rows, err := r.db.QueryContext(ctx, r.schema.fetch, period.Start, period.End)
	if err != nil {
		return nil, r.unavailable(err)
	}
	defer rows.Close()

	var out []assessment.SourceViolation
	for rows.Next() {
		v, err := r.schema.scan(rows)
		if err != nil {
			return nil, r.unavailable(err)
		}
		v.Registry = r.registry
		if !v.Billable() {
			continue
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, r.unavailable(err)
	}
	r.logger.Debug("fetched violations", zap.Stringer("period", period), zap.Int("count", len(out)))
	return out, nil
}

// Violation looks up one violation regardless of billability.
func (r *SQLReader) Violation(ctx context.Context, localID string) (assessment.SourceViolation, bool, error) {
	id, err := strconv.ParseInt(localID, 10, 64)
	if err != nil {
		return assessment.SourceViolation{}, false, nil
	}
	v, err := r.schema.scan(r.db.QueryRowContext(ctx, r.schema.byID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return assessment.SourceViolation{}, false, nil
	}
	if err != nil {
		return assessment.SourceViolation{}, false, r.unavailable(err)
	}
	v.Registry = r.registry
	return v, true, nil
}

// Details resolves display context for a page of records.
func (r *SQLReader) Details(ctx context.Context, localIDs []string) (map[string]assessment.ViolationDetail, error) {
	out := make(map[string]assessment.ViolationDetail, len(localIDs))
	var args []any
	for _, id := range localIDs {
		if n, err := strconv.ParseInt(id, 10, 64); err == nil {
			args = append(args, n)
		}
	}
	if len(args) == 0 {
		return out, nil
	}

	query := fmt.Sprintf(r.schema.details, strings.TrimSuffix(strings.Repeat("?, ", len(args)), ", "))
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, r.unavailable(err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var d assessment.ViolationDetail
		if err := rows.Scan(&id, &d.OrderNumber, &d.Customer, &d.Product, &d.Description); err != nil {
			return nil, r.unavailable(err)
		}
		out[strconv.FormatInt(id, 10)] = d
	}
	if err := rows.Err(); err != nil {
		return nil, r.unavailable(err)
	}
	return out, nil
}

// =============================================================================
// REGISTRY SCHEMAS
// =============================================================================

// positive is the SQL half of the billable predicate for one role.
func positive(person, amount string) string {
	return fmt.Sprintf("(TRIM(COALESCE(%s, '')) <> '' AND CAST(%s AS REAL) > 0)", person, amount)
}

const complaintColumns = `
	id, complaint_date, COALESCE(NULLIF(main_dept, ''), workshop, ''),
	COALESCE(main_person, ''), COALESCE(main_person_assessment, ''),
	COALESCE(second_person, ''), COALESCE(second_person_assessment, ''),
	COALESCE(manager, ''), COALESCE(manager_assessment, '')`

var complaintSchema = sqlSchema{
	fetch: `SELECT ` + complaintColumns + ` FROM complaint_register
		WHERE complaint_date >= ? AND complaint_date <= ?
		  AND (` + positive("main_person", "main_person_assessment") + `
		    OR ` + positive("second_person", "second_person_assessment") + `
		    OR ` + positive("manager", "manager_assessment") + `)
		ORDER BY complaint_date, id`,
	byID: `SELECT ` + complaintColumns + ` FROM complaint_register WHERE id = ?`,
	details: `SELECT id, COALESCE(order_no, ''), COALESCE(customer, ''), COALESCE(product_name, ''),
		COALESCE(defective_description, '')
		FROM complaint_register WHERE id IN (%s)`,
	scan: func(row scanner) (assessment.SourceViolation, error) {
		var v assessment.SourceViolation
		var id int64
		var main, second, manager string
		if err := row.Scan(&id, &v.ViolationDate, &v.DepartmentHint,
			&v.ResponsiblePerson, &main, &v.SecondaryPerson, &second, &v.ManagerPerson, &manager); err != nil {
			return v, err
		}
		v.LocalID = strconv.FormatInt(id, 10)
		var err error
		if v.ResponsibleAmount, err = parseAmount(main); err != nil {
			return v, err
		}
		if v.SecondaryAmount, err = parseAmount(second); err != nil {
			return v, err
		}
		if v.ManagerAmount, err = parseAmount(manager); err != nil {
			return v, err
		}
		return v, nil
	},
}

const reworkColumns = `
	id, rework_date, COALESCE(responsible_dept, ''),
	COALESCE(responsible_person, ''), COALESCE(total_cost, '')`

var reworkSchema = sqlSchema{
	fetch: `SELECT ` + reworkColumns + ` FROM production_rework_register
		WHERE rework_date >= ? AND rework_date <= ?
		  AND ` + positive("responsible_person", "total_cost") + `
		ORDER BY rework_date, id`,
	byID: `SELECT ` + reworkColumns + ` FROM production_rework_register WHERE id = ?`,
	details: `SELECT id, COALESCE(order_no, ''), COALESCE(customer_code, ''), COALESCE(product_name, ''),
		COALESCE(defective_reason, '')
		FROM production_rework_register WHERE id IN (%s)`,
	scan: scanSinglePerson,
}

const exceptionColumns = `
	id, registration_date, COALESCE(responsible_unit, ''),
	COALESCE(responsible_person, ''), COALESCE(amount, '')`

var exceptionSchema = sqlSchema{
	fetch: `SELECT ` + exceptionColumns + ` FROM publishing_exceptions
		WHERE is_deleted = 0
		  AND registration_date >= ? AND registration_date <= ?
		  AND ` + positive("responsible_person", "amount") + `
		ORDER BY registration_date, id`,
	byID: `SELECT ` + exceptionColumns + ` FROM publishing_exceptions WHERE id = ? AND is_deleted = 0`,
	details: `SELECT id, COALESCE(work_order_number, ''), COALESCE(customer_code, ''), COALESCE(product_name, ''),
		COALESCE(exception_description, '')
		FROM publishing_exceptions WHERE id IN (%s)`,
	scan: scanSinglePerson,
}

// scanSinglePerson maps registries that only name a responsible person.
func scanSinglePerson(row scanner) (assessment.SourceViolation, error) {
	var v assessment.SourceViolation
	var id int64
	var amount string
	if err := row.Scan(&id, &v.ViolationDate, &v.DepartmentHint, &v.ResponsiblePerson, &amount); err != nil {
		return v, err
	}
	v.LocalID = strconv.FormatInt(id, 10)
	var err error
	v.ResponsibleAmount, err = parseAmount(amount)
	return v, err
}

// parseAmount treats empty as zero (unassessed role).
func parseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("malformed amount %q: %w", s, err)
	}
	return d, nil
}
