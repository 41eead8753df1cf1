package assessment

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/warp/assessment-engine/generic"
)

// Paging limits.
const (
	DefaultPageSize = 20
	MaxPageSize     = 200
)

// QueryService is read-only; nothing here mutates the ledger.
type QueryService struct {
	store   Store
	sources *Sources
	logger  *zap.Logger

	// Now is the clock; tests replace it.
	Now func() time.Time
}

func NewQueryService(store Store, sources *Sources, logger *zap.Logger) *QueryService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueryService{store: store, sources: sources, logger: logger, Now: time.Now}
}

// RecordView is a record as a reader sees it: effective status applied and
// the upstream detail joined in when available.
type RecordView struct {
	Record
	Detail ViolationDetail
}

type RecordPage struct {
	Records  []RecordView
	Total    int
	Page     int
	PageSize int
}

// List returns one page of records.
func (q *QueryService) List(ctx context.Context, query RecordQuery) (RecordPage, error) {
	query, err := q.normalize(query)
	if err != nil {
		return RecordPage{}, err
	}

	recs, total, err := q.store.QueryRecords(ctx, query)
	if err != nil {
		return RecordPage{}, err
	}

	return RecordPage{
		Records:  q.views(ctx, recs, query.Filter.AsOf),
		Total:    total,
		Page:     query.Page,
		PageSize: query.PageSize,
	}, nil
}

func (q *QueryService) normalize(query RecordQuery) (RecordQuery, error) {
	if query.Filter.AsOf.IsZero() {
		query.Filter.AsOf = generic.DateOf(q.Now())
	}
	if err := query.Filter.validate(); err != nil {
		return query, err
	}
	if query.SortBy == "" {
		query.SortBy = SortAssessmentDate
	}
	if !sortFields[query.SortBy] {
		return query, &generic.ValidationError{Field: "sort_by", Message: "cannot sort by " + query.SortBy}
	}
	switch SortDirection(strings.ToLower(string(query.Direction))) {
	case "":
		query.Direction = SortDesc
	case SortAsc:
		query.Direction = SortAsc
	case SortDesc:
		query.Direction = SortDesc
	default:
		return query, &generic.ValidationError{Field: "sort_order", Message: "must be asc or desc"}
	}
	if query.Page < 1 {
		query.Page = 1
	}
	switch {
	case query.PageSize <= 0:
		query.PageSize = DefaultPageSize
	case query.PageSize > MaxPageSize:
		query.PageSize = MaxPageSize
	}
	return query, nil
}

func (f RecordFilter) validate() error {
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return &generic.ValidationError{Field: "date_to", Message: "must not be before date_from"}
	}
	if f.MinAmount != nil && f.MinAmount.IsNegative() {
		return &generic.ValidationError{Field: "min_amount", Message: "must not be negative"}
	}
	return nil
}

// views applies the effective status and joins details, one batch call per
// registry. A failing reader leaves details empty.
func (q *QueryService) views(ctx context.Context, recs []Record, asOf generic.Date) []RecordView {
	views := make([]RecordView, len(recs))
	byRegistry := make(map[Registry][]string)
	for i, r := range recs {
		r.Status = r.EffectiveStatus(asOf)
		views[i] = RecordView{Record: r}
		byRegistry[r.SourceRegistry] = append(byRegistry[r.SourceRegistry], r.SourceViolationID)
	}

	details := make(map[Registry]map[string]ViolationDetail, len(byRegistry))
	for registry, ids := range byRegistry {
		reader, ok := q.sources.Reader(registry)
		if !ok {
			continue
		}
		d, err := reader.Details(ctx, dedupe(ids))
		if err != nil {
			q.logger.Warn("violation details unavailable", zap.String("registry", string(registry)), zap.Error(err))
			continue
		}
		details[registry] = d
	}

	for i := range views {
		if d, ok := details[views[i].SourceRegistry][views[i].SourceViolationID]; ok {
			views[i].Detail = d
		}
	}
	return views
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// Get returns one record with its detail.
func (q *QueryService) Get(ctx context.Context, id int64) (RecordView, error) {
	rec, err := q.store.GetRecord(ctx, id)
	if err != nil {
		return RecordView{}, err
	}
	return q.views(ctx, []Record{rec}, generic.DateOf(q.Now()))[0], nil
}

// History returns the audit trail of one record.
func (q *QueryService) History(ctx context.Context, id int64) ([]HistoryEntry, error) {
	if _, err := q.store.GetRecord(ctx, id); err != nil {
		return nil, err
	}
	return q.store.History(ctx, id)
}

// Persons returns the distinct (name, role) pairs in the ledger.
func (q *QueryService) Persons(ctx context.Context) ([]Person, error) {
	return q.store.Persons(ctx)
}

// =============================================================================
// STATISTICS
// =============================================================================

type Bucket string

const (
	BucketMonth Bucket = "month"
	BucketWeek  Bucket = "week" // ISO 8601, keyed 2025-W01
	BucketYear  Bucket = "year"
)

func ParseBucket(s string) (Bucket, error) {
	switch b := Bucket(strings.ToLower(strings.TrimSpace(s))); b {
	case "":
		return BucketMonth, nil
	case BucketMonth, BucketWeek, BucketYear:
		return b, nil
	default:
		return "", &generic.ValidationError{Field: "bucket", Message: "must be month, week or year"}
	}
}

type StatisticsQuery struct {
	Filter RecordFilter
	Bucket Bucket
}

// Statistics is computed on demand from the ledger; nothing is cached.
type Statistics struct {
	AsOf         generic.Date
	Bucket       Bucket
	Totals       Totals
	ByStatus     []RollupRow
	ByRegistry   []RollupRow
	ByDepartment []RollupRow
	ByBucket     []RollupRow
}

func (q *QueryService) Statistics(ctx context.Context, sq StatisticsQuery) (Statistics, error) {
	if sq.Filter.AsOf.IsZero() {
		sq.Filter.AsOf = generic.DateOf(q.Now())
	}
	if err := sq.Filter.validate(); err != nil {
		return Statistics{}, err
	}
	bucket, err := ParseBucket(string(sq.Bucket))
	if err != nil {
		return Statistics{}, err
	}

	stats := Statistics{AsOf: sq.Filter.AsOf, Bucket: bucket}
	if stats.Totals, err = q.store.Totals(ctx, sq.Filter); err != nil {
		return Statistics{}, err
	}

	byStatus, err := q.store.Rollup(ctx, sq.Filter, DimStatus)
	if err != nil {
		return Statistics{}, err
	}
	stats.ByStatus = fillStatuses(byStatus)

	if stats.ByRegistry, err = q.store.Rollup(ctx, sq.Filter, DimRegistry); err != nil {
		return Statistics{}, err
	}
	if stats.ByDepartment, err = q.store.Rollup(ctx, sq.Filter, DimDepartment); err != nil {
		return Statistics{}, err
	}
	if stats.ByBucket, err = q.store.Rollup(ctx, sq.Filter, Dimension(bucket)); err != nil {
		return Statistics{}, err
	}
	return stats, nil
}

// fillStatuses reports every status, zero rows included, in lifecycle order.
func fillStatuses(rows []RollupRow) []RollupRow {
	byKey := make(map[string]RollupRow, len(rows))
	for _, r := range rows {
		byKey[r.Key] = r
	}
	out := make([]RollupRow, 0, len(AllStatuses))
	for _, s := range AllStatuses {
		row, ok := byKey[string(s)]
		if !ok {
			row = RollupRow{Key: string(s)}
		}
		out = append(out, row)
	}
	return out
}
