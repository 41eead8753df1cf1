/*
generator.go - Aggregates upstream violations into the assessment ledger

PURPOSE:
  Pulls billable violations for a period from every configured registry
  and turns each (violation, role) assignment into a ledger record.

ALGORITHM:
  1. Fetch from all readers concurrently, each under its own timeout.
     A failed registry becomes a RegistryError; the others continue.
  2. For every violation x billable role, build the record, compute its
     improvement window and insert-if-absent in one transaction.
  3. Conflicts count as SkippedDuplicate; per-record errors are collected.
  4. Context cancellation between records stops the run (Aborted).

IDEMPOTENCY:
  Re-running over the same or an overlapping period creates nothing new.
  The natural-key unique index makes this hold even for two concurrent
  runs.

SEE ALSO:
  - source.go: SourceReader contract
  - ledger.go: insert (shared with manual creation)
*/
package assessment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/assessment-engine/generic"
)

// DefaultRegistryTimeout bounds a single registry fetch.
const DefaultRegistryTimeout = 30 * time.Second

// RegistryError is one registry that could not be read.
type RegistryError struct {
	Registry Registry `json:"registry"`
	Error    string   `json:"error"`
}

// RecordError is one assignment that could not be written.
type RecordError struct {
	Registry    Registry `json:"registry"`
	ViolationID string   `json:"violation_id"`
	Role        RoleType `json:"role_type"`
	Error       string   `json:"error"`
}

// RegistryOutcome counts per registry.
type RegistryOutcome struct {
	Registry Registry
	Fetched  int
	Created  int
	Skipped  int
	Failed   int
}

// GenerationReport summarizes one Generate call.
type GenerationReport struct {
	RunID            string
	Period           generic.Period
	Created          int
	SkippedDuplicate int
	Failed           int
	Registries       []RegistryOutcome
	RegistryErrors   []RegistryError
	RecordErrors     []RecordError
	Aborted          bool
	StartedAt        time.Time
	CompletedAt      time.Time
}

// Status classifies the run for persistence.
func (r GenerationReport) Status(total int) RunStatus {
	switch {
	case r.Aborted:
		return RunAborted
	case total > 0 && len(r.RegistryErrors) == total:
		return RunFailed
	case len(r.RegistryErrors) > 0 || r.Failed > 0:
		return RunPartial
	default:
		return RunCompleted
	}
}

// Generator creates ledger records from registry violations.
type Generator struct {
	ledger  *Ledger
	sources *Sources
	logger  *zap.Logger

	// RegistryTimeout bounds each reader's FetchBillable call.
	RegistryTimeout time.Duration
}

func NewGenerator(ledger *Ledger, sources *Sources, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{ledger: ledger, sources: sources, logger: logger, RegistryTimeout: DefaultRegistryTimeout}
}

type fetchResult struct {
	registry   Registry
	violations []SourceViolation
	err        error
}

// Generate runs one generation over period. When every registry fails the
// report is still returned, together with generic.ErrAllSourcesFailed.
func (g *Generator) Generate(ctx context.Context, period generic.Period, operator string) (GenerationReport, error) {
	if err := period.Validate(); err != nil {
		return GenerationReport{}, err
	}
	operator = operatorOr(operator)

	report := GenerationReport{
		RunID:     uuid.NewString(),
		Period:    period,
		StartedAt: g.ledger.now(),
	}
	log := g.logger.With(zap.String("run_id", report.RunID), zap.Stringer("period", period))
	log.Info("generation started", zap.Int("registries", g.sources.Len()))

	results := g.fetchAll(ctx, period)
	// A caller cancellation during the fetch is an abort, not a registry outage.
	if ctx.Err() != nil {
		report.Aborted = true
		results = nil
	}

	for _, res := range results {
		outcome := RegistryOutcome{Registry: res.registry, Fetched: len(res.violations)}
		if res.err != nil {
			report.RegistryErrors = append(report.RegistryErrors, RegistryError{Registry: res.registry, Error: res.err.Error()})
			log.Warn("registry unavailable", zap.String("registry", string(res.registry)), zap.Error(res.err))
			report.Registries = append(report.Registries, outcome)
			continue
		}

		for _, v := range res.violations {
			for _, a := range v.Assignments() {
				if ctx.Err() != nil {
					report.Aborted = true
					break
				}
				created, err := g.createOne(ctx, v, a, operator)
				switch {
				case err != nil:
					outcome.Failed++
					report.Failed++
					report.RecordErrors = append(report.RecordErrors, RecordError{
						Registry: v.Registry, ViolationID: v.LocalID, Role: a.Role, Error: err.Error(),
					})
					log.Warn("assessment not created",
						zap.String("registry", string(v.Registry)),
						zap.String("violation_id", v.LocalID),
						zap.String("role", string(a.Role)),
						zap.Error(err))
				case created:
					outcome.Created++
					report.Created++
				default:
					outcome.Skipped++
					report.SkippedDuplicate++
				}
			}
			if report.Aborted {
				break
			}
		}
		report.Registries = append(report.Registries, outcome)
		if report.Aborted {
			break
		}
	}

	report.CompletedAt = g.ledger.now()
	g.saveRun(ctx, report, operator, log)

	log.Info("generation finished",
		zap.Int("created", report.Created),
		zap.Int("skipped_duplicate", report.SkippedDuplicate),
		zap.Int("failed", report.Failed),
		zap.Int("registry_errors", len(report.RegistryErrors)),
		zap.Bool("aborted", report.Aborted))

	if !report.Aborted && len(results) > 0 && len(report.RegistryErrors) == len(results) {
		return report, generic.ErrAllSourcesFailed
	}
	return report, nil
}

// fetchAll reads every registry concurrently. Results keep registry order so
// reports are deterministic.
func (g *Generator) fetchAll(ctx context.Context, period generic.Period) []fetchResult {
	registries := g.sources.Registries()
	results := make([]fetchResult, len(registries))

	var wg sync.WaitGroup
	for i, name := range registries {
		reader, _ := g.sources.Reader(name)
		wg.Add(1)
		go func(i int, reader SourceReader) {
			defer wg.Done()
			vs, err := g.fetchOne(ctx, reader, period)
			results[i] = fetchResult{registry: reader.Registry(), violations: vs, err: err}
		}(i, reader)
	}
	wg.Wait()
	return results
}

// fetchOne enforces the timeout even against a reader that ignores ctx.
func (g *Generator) fetchOne(ctx context.Context, reader SourceReader, period generic.Period) ([]SourceViolation, error) {
	timeout := g.RegistryTimeout
	if timeout <= 0 {
		timeout = DefaultRegistryTimeout
	}
	fctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type out struct {
		vs  []SourceViolation
		err error
	}
	done := make(chan out, 1)
	go func() {
		vs, err := reader.FetchBillable(fctx, period)
		done <- out{vs, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, asUnavailable(reader.Registry(), res.err)
		}
		return res.vs, nil
	case <-fctx.Done():
		return nil, &generic.SourceUnavailableError{Registry: string(reader.Registry()), Err: fctx.Err()}
	}
}

func asUnavailable(registry Registry, err error) error {
	if errors.Is(err, generic.ErrSourceUnavailable) {
		return err
	}
	return &generic.SourceUnavailableError{Registry: string(registry), Err: err}
}

// createOne builds and inserts one record. (false, nil) means duplicate.
func (g *Generator) createOne(ctx context.Context, v SourceViolation, a RoleAssignment, operator string) (bool, error) {
	if v.ViolationDate.IsZero() {
		return false, &generic.ValidationError{Field: "violation_date", Message: "is missing"}
	}
	if err := generic.ValidatePositiveAmount("amount", a.Amount); err != nil {
		return false, err
	}
	rec := Record{
		SourceRegistry:    v.Registry,
		SourceViolationID: v.LocalID,
		RoleType:          a.Role,
		PersonName:        strings.TrimSpace(a.Person),
		Amount:            a.Amount,
		AssessmentDate:    v.ViolationDate,
		DepartmentName:    strings.TrimSpace(v.DepartmentHint),
	}
	if err := g.ledger.prepare(ctx, &rec); err != nil {
		return false, err
	}
	return g.ledger.insert(ctx, &rec, operator)
}

func (g *Generator) saveRun(ctx context.Context, report GenerationReport, operator string, log *zap.Logger) {
	run := GenerationRun{
		ID:             report.RunID,
		Period:         report.Period,
		Status:         report.Status(g.sources.Len()),
		Created:        report.Created,
		Skipped:        report.SkippedDuplicate,
		Failed:         report.Failed,
		RegistryErrors: report.RegistryErrors,
		Operator:       operator,
		StartedAt:      report.StartedAt,
		CompletedAt:    report.CompletedAt,
	}
	// An aborted run still gets recorded, so detach from the cancelled ctx.
	if err := g.ledger.store.SaveRun(context.WithoutCancel(ctx), run); err != nil {
		log.Error("failed to save generation run", zap.Error(fmt.Errorf("save run %s: %w", run.ID, err)))
	}
}

// Runs returns recent generation runs, newest first.
func (g *Generator) Runs(ctx context.Context, limit int) ([]GenerationRun, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return g.ledger.store.ListRuns(ctx, limit)
}
