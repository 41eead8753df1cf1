package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/warp/assessment-engine/assessment"
	"github.com/warp/assessment-engine/generic"
)

// =============================================================================
// FILTERS
// =============================================================================

// effectiveStatus mirrors Record.EffectiveStatus in SQL so that filtering and
// grouping by status see the same value readers do. asOf is a formatted Date
// (digits and dashes only) and is safe to inline.
func effectiveStatus(asOf generic.Date) string {
	return fmt.Sprintf(`(CASE WHEN status = 'pending' AND improvement_start <= '%s' THEN 'improving' ELSE status END)`, asOf.String())
}

func whereClause(f assessment.RecordFilter) (string, []any) {
	var conds []string
	var args []any

	if f.PersonName != "" {
		conds = append(conds, "person_name LIKE ?")
		args = append(args, "%"+f.PersonName+"%")
	}
	if f.Department != "" {
		conds = append(conds, "department_name LIKE ?")
		args = append(args, "%"+f.Department+"%")
	}
	if f.Status != "" {
		conds = append(conds, effectiveStatus(f.AsOf)+" = ?")
		args = append(args, string(f.Status))
	}
	if f.Registry != "" {
		conds = append(conds, "source_registry = ?")
		args = append(args, string(f.Registry))
	}
	if f.RoleType != "" {
		conds = append(conds, "role_type = ?")
		args = append(args, string(f.RoleType))
	}
	if !f.From.IsZero() {
		conds = append(conds, "assessment_date >= ?")
		args = append(args, f.From)
	}
	if !f.To.IsZero() {
		conds = append(conds, "assessment_date <= ?")
		args = append(args, f.To)
	}
	if f.MinAmount != nil {
		conds = append(conds, "amount_minor >= ?")
		args = append(args, f.MinAmount.Shift(generic.MoneyScale).Ceil().IntPart())
	}
	if f.Returned != nil {
		conds = append(conds, "is_returned = ?")
		args = append(args, boolToInt(*f.Returned))
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func orderColumn(sortBy string, asOf generic.Date) string {
	switch sortBy {
	case assessment.SortPersonName:
		return "person_name"
	case assessment.SortDepartment:
		return "department_name"
	case assessment.SortAmount:
		return "amount_minor"
	case assessment.SortStatus:
		return effectiveStatus(asOf)
	case assessment.SortID:
		return "id"
	default:
		return "assessment_date"
	}
}

// =============================================================================
// LISTING
// =============================================================================

// QueryRecords returns one page plus the total match count.
func (s *Store) QueryRecords(ctx context.Context, q assessment.RecordQuery) ([]assessment.Record, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where, args := whereClause(q.Filter)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM assessment_records`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count records: %w", err)
	}

	dir := "DESC"
	if q.Direction == assessment.SortAsc {
		dir = "ASC"
	}
	order := fmt.Sprintf(" ORDER BY %s %s, id %s", orderColumn(q.SortBy, q.Filter.AsOf), dir, dir)

	pageArgs := append(append([]any{}, args...), q.PageSize, (q.Page-1)*q.PageSize)
	rows, err := s.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM assessment_records`+where+order+` LIMIT ? OFFSET ?`, pageArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	recs, err := scanRecords(rows)
	if err != nil {
		return nil, 0, err
	}
	return recs, total, nil
}

// =============================================================================
// STATISTICS
// =============================================================================

const aggregateColumns = `
	COUNT(*),
	COALESCE(SUM(amount_minor), 0),
	COALESCE(SUM(is_returned), 0),
	COALESCE(SUM(CASE WHEN is_returned = 1 THEN return_amount_minor ELSE 0 END), 0)`

func (s *Store) Totals(ctx context.Context, f assessment.RecordFilter) (assessment.Totals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where, args := whereClause(f)
	var t assessment.Totals
	var amount, returned int64
	err := s.db.QueryRowContext(ctx, `SELECT `+aggregateColumns+` FROM assessment_records`+where, args...).
		Scan(&t.Count, &amount, &t.ReturnedCount, &returned)
	if err != nil {
		return assessment.Totals{}, fmt.Errorf("failed to compute totals: %w", err)
	}
	t.Amount = generic.FromMinorUnits(amount)
	t.ReturnedAmount = generic.FromMinorUnits(returned)
	return t, nil
}

// isoWeekExpr keys a date by its ISO 8601 week, e.g. 2025-W01. The week's
// Thursday decides both the year and the week number.
const isoWeekExpr = `printf('%s-W%02d',
	strftime('%Y', date(assessment_date, '-3 days', 'weekday 4')),
	(CAST(strftime('%j', date(assessment_date, '-3 days', 'weekday 4')) AS INTEGER) - 1) / 7 + 1)`

func dimensionExpr(dim assessment.Dimension, asOf generic.Date) (string, error) {
	switch dim {
	case assessment.DimStatus:
		return effectiveStatus(asOf), nil
	case assessment.DimRegistry:
		return "source_registry", nil
	case assessment.DimDepartment:
		return "department_name", nil
	case assessment.DimMonth:
		return "substr(assessment_date, 1, 7)", nil
	case assessment.DimYear:
		return "substr(assessment_date, 1, 4)", nil
	case assessment.DimWeek:
		return isoWeekExpr, nil
	default:
		return "", &generic.ValidationError{Field: "dimension", Message: "unknown dimension " + string(dim)}
	}
}

// Rollup groups the filtered ledger by dim, ordered by key.
func (s *Store) Rollup(ctx context.Context, f assessment.RecordFilter, dim assessment.Dimension) ([]assessment.RollupRow, error) {
	expr, err := dimensionExpr(dim, f.AsOf)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	where, args := whereClause(f)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+expr+` AS k, `+aggregateColumns+` FROM assessment_records`+where+` GROUP BY k ORDER BY k`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to roll up by %s: %w", dim, err)
	}
	defer rows.Close()

	var out []assessment.RollupRow
	for rows.Next() {
		var r assessment.RollupRow
		var amount, returned int64
		if err := rows.Scan(&r.Key, &r.Count, &amount, &r.ReturnedCount, &returned); err != nil {
			return nil, err
		}
		r.Amount = generic.FromMinorUnits(amount)
		r.ReturnedAmount = generic.FromMinorUnits(returned)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) Persons(ctx context.Context) ([]assessment.Person, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT person_name, role_type FROM assessment_records
		WHERE person_name <> ''
		ORDER BY person_name, role_type
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list persons: %w", err)
	}
	defer rows.Close()

	var out []assessment.Person
	for rows.Next() {
		var p assessment.Person
		var role string
		if err := rows.Scan(&p.Name, &role); err != nil {
			return nil, err
		}
		p.Role = assessment.RoleType(role)
		out = append(out, p)
	}
	return out, rows.Err()
}

// =============================================================================
// DEPARTMENTS
// =============================================================================

func (s *Store) ResolveDepartment(ctx context.Context, name string) (string, error) {
	if name == "" {
		return "", nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM departments WHERE name = ?`, name).Scan(&id)
	if err != nil {
		if isNoRows(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to resolve department %q: %w", name, err)
	}
	return id, nil
}

// =============================================================================
// GENERATION RUNS
// =============================================================================

func (s *Store) SaveRun(ctx context.Context, run assessment.GenerationRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	errs := run.RegistryErrors
	if errs == nil {
		errs = []assessment.RegistryError{}
	}
	errsJSON, err := json.Marshal(errs)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO generation_runs (
			id, period_start, period_end, status, created_count, skipped_count, failed_count,
			registry_errors_json, operator_name, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			created_count = excluded.created_count,
			skipped_count = excluded.skipped_count,
			failed_count = excluded.failed_count,
			registry_errors_json = excluded.registry_errors_json,
			completed_at = excluded.completed_at
	`,
		run.ID, run.Period.Start, run.Period.End, string(run.Status), run.Created, run.Skipped, run.Failed,
		string(errsJSON), run.Operator, formatTime(run.StartedAt), formatTime(run.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save generation run: %w", err)
	}
	return nil
}

func (s *Store) ListRuns(ctx context.Context, limit int) ([]assessment.GenerationRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, period_start, period_end, status, created_count, skipped_count, failed_count,
		       registry_errors_json, operator_name, started_at, completed_at
		FROM generation_runs
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list generation runs: %w", err)
	}
	defer rows.Close()

	var out []assessment.GenerationRun
	for rows.Next() {
		var run assessment.GenerationRun
		var status, errsJSON, started, completed string
		if err := rows.Scan(&run.ID, &run.Period.Start, &run.Period.End, &status,
			&run.Created, &run.Skipped, &run.Failed, &errsJSON, &run.Operator, &started, &completed); err != nil {
			return nil, err
		}
		run.Status = assessment.RunStatus(status)
		run.StartedAt = parseTime(started)
		run.CompletedAt = parseTime(completed)
		if err := json.Unmarshal([]byte(errsJSON), &run.RegistryErrors); err != nil {
			return nil, fmt.Errorf("decode registry errors of run %s: %w", run.ID, err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
