package assessment_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/assessment-engine/assessment"
	"github.com/warp/assessment-engine/generic"
)

func period(from, to string) generic.Period {
	return generic.Period{Start: d(from), End: d(to)}
}

// seedJanuary registers four billable assignments across three registries,
// plus rows the generator must ignore.
func (h *harness) seedJanuary() {
	h.complaints.Add(assessment.SourceViolation{
		LocalID: "1", ViolationDate: d("2025-01-10"), DepartmentHint: "Printing",
		ResponsiblePerson: "Alice", ResponsibleAmount: money("200"),
		SecondaryPerson: "Bob", SecondaryAmount: money("50"),
		ManagerPerson: "Carol", ManagerAmount: money("0"),
	}, assessment.ViolationDetail{OrderNumber: "SO-1"})
	h.complaints.Add(complaint("2", "Dan", "Binding", "2025-02-03", "75"), assessment.ViolationDetail{})
	h.rework.Add(complaint("10", "Hank", "Cutting", "2025-01-20", "320.75"), assessment.ViolationDetail{})
	h.exceptions.Add(complaint("20", "Ivy", "Prepress", "2025-01-31", "45"), assessment.ViolationDetail{})
	h.exceptions.Add(complaint("21", "", "Prepress", "2025-01-15", "45"), assessment.ViolationDetail{})
}

// =============================================================================
// GENERATION
// =============================================================================

func TestGenerator_CreatesOneRecordPerBillableRole(t *testing.T) {
	// GIVEN: January violations across three registries
	// WHEN: generating for January
	// THEN: one pending record per named, positively assessed role

	h := newHarness(t)
	h.seedJanuary()
	ctx := context.Background()

	report, err := h.generator.Generate(ctx, period("2025-01-01", "2025-01-31"), "scheduler")

	require.NoError(t, err)
	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, 4, report.Created)
	assert.Zero(t, report.SkippedDuplicate)
	assert.Zero(t, report.Failed)
	assert.Empty(t, report.RegistryErrors)
	assert.False(t, report.Aborted)
	require.Len(t, report.Registries, 3)
	assert.Equal(t, assessment.RegistryComplaint, report.Registries[0].Registry)
	assert.Equal(t, 2, report.Registries[0].Created)

	page, err := h.query.List(ctx, assessment.RecordQuery{SortBy: assessment.SortPersonName, Direction: assessment.SortAsc})
	require.NoError(t, err)
	require.Equal(t, 4, page.Total)
	names := []string{}
	for _, r := range page.Records {
		names = append(names, r.PersonName)
		assert.Equal(t, "scheduler", r.CreatedBy)
	}
	assert.Equal(t, []string{"Alice", "Bob", "Hank", "Ivy"}, names)

	bob := page.Records[1]
	assert.Equal(t, assessment.RoleSecondaryResponsible, bob.RoleType)
	assert.Equal(t, "1", bob.SourceViolationID)
	assert.Equal(t, "Printing", bob.DepartmentName)
	assert.Equal(t, "2025-02-01", bob.ImprovementStart.String())

	runs, err := h.generator.Runs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, report.RunID, runs[0].ID)
	assert.Equal(t, assessment.RunCompleted, runs[0].Status)
	assert.Equal(t, 4, runs[0].Created)
	assert.Equal(t, "scheduler", runs[0].Operator)
}

func TestGenerator_Idempotent(t *testing.T) {
	// GIVEN: January already generated
	// WHEN: generating January again, then an overlapping Jan-Feb period
	// THEN: nothing is duplicated; only February's violation is new

	h := newHarness(t)
	h.seedJanuary()
	ctx := context.Background()

	_, err := h.generator.Generate(ctx, period("2025-01-01", "2025-01-31"), "")
	require.NoError(t, err)

	again, err := h.generator.Generate(ctx, period("2025-01-01", "2025-01-31"), "")
	require.NoError(t, err)
	assert.Zero(t, again.Created)
	assert.Equal(t, 4, again.SkippedDuplicate)

	overlap, err := h.generator.Generate(ctx, period("2025-01-15", "2025-02-28"), "")
	require.NoError(t, err)
	assert.Equal(t, 1, overlap.Created)
	assert.Equal(t, 2, overlap.SkippedDuplicate, "rework 10 and exception 20")

	totals, err := h.store.Totals(ctx, assessment.RecordFilter{AsOf: d("2025-06-01")})
	require.NoError(t, err)
	assert.Equal(t, 5, totals.Count)
}

func TestGenerator_ConcurrentRuns(t *testing.T) {
	// GIVEN: the same January data
	// WHEN: several generations run at once
	// THEN: each assignment is created exactly once across all runs

	h := newHarness(t)
	h.seedJanuary()
	ctx := context.Background()

	const runs = 5
	reports := make([]assessment.GenerationReport, runs)
	var wg sync.WaitGroup
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := h.generator.Generate(ctx, period("2025-01-01", "2025-01-31"), "")
			assert.NoError(t, err)
			reports[i] = r
		}(i)
	}
	wg.Wait()

	created, skipped := 0, 0
	for _, r := range reports {
		created += r.Created
		skipped += r.SkippedDuplicate
	}
	assert.Equal(t, 4, created)
	assert.Equal(t, 4*(runs-1), skipped)

	totals, err := h.store.Totals(ctx, assessment.RecordFilter{AsOf: d("2025-06-01")})
	require.NoError(t, err)
	assert.Equal(t, 4, totals.Count)
}

func TestGenerator_PartialRegistryFailure(t *testing.T) {
	// GIVEN: the rework registry is down
	// WHEN: generating January
	// THEN: the other registries are processed and the failure is reported

	h := newHarness(t)
	h.seedJanuary()
	h.rework.FailWith(errors.New("connection refused"))
	ctx := context.Background()

	report, err := h.generator.Generate(ctx, period("2025-01-01", "2025-01-31"), "")

	require.NoError(t, err)
	assert.Equal(t, 3, report.Created)
	require.Len(t, report.RegistryErrors, 1)
	assert.Equal(t, assessment.RegistryRework, report.RegistryErrors[0].Registry)
	assert.Contains(t, report.RegistryErrors[0].Error, "connection refused")

	runs, err := h.generator.Runs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, assessment.RunPartial, runs[0].Status)
	assert.Equal(t, report.RegistryErrors, runs[0].RegistryErrors)

	// The registry comes back; the next run fills the gap only.
	h.rework.FailWith(nil)
	report, err = h.generator.Generate(ctx, period("2025-01-01", "2025-01-31"), "")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Created)
	assert.Equal(t, 3, report.SkippedDuplicate)
}

func TestGenerator_AllRegistriesFail(t *testing.T) {
	h := newHarness(t)
	down := errors.New("maintenance")
	h.complaints.FailWith(down)
	h.rework.FailWith(down)
	h.exceptions.FailWith(down)

	report, err := h.generator.Generate(context.Background(), period("2025-01-01", "2025-01-31"), "")

	assert.ErrorIs(t, err, generic.ErrAllSourcesFailed)
	assert.Len(t, report.RegistryErrors, 3)
	assert.Equal(t, assessment.RunFailed, report.Status(3))
}

func TestGenerator_RegistryTimeout(t *testing.T) {
	// GIVEN: a registry that never answers
	// WHEN: generating with a short per-registry timeout
	// THEN: that registry is reported unavailable and the rest still land

	h := newHarness(t)
	h.seedJanuary()
	h.exceptions.Hang()
	t.Cleanup(h.exceptions.Release)
	h.generator.RegistryTimeout = 50 * time.Millisecond

	start := time.Now()
	report, err := h.generator.Generate(context.Background(), period("2025-01-01", "2025-01-31"), "")

	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, 3, report.Created)
	require.Len(t, report.RegistryErrors, 1)
	assert.Equal(t, assessment.RegistryException, report.RegistryErrors[0].Registry)
}

func TestGenerator_YearRollover(t *testing.T) {
	h := newHarness(t)
	h.rework.Add(complaint("77", "Hank", "Cutting", "2025-11-15", "90"), assessment.ViolationDetail{})

	_, err := h.generator.Generate(context.Background(), period("2025-11-01", "2025-11-30"), "")
	require.NoError(t, err)

	page, err := h.query.List(context.Background(), assessment.RecordQuery{})
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	rec := page.Records[0]
	assert.Equal(t, "2025-12-01", rec.ImprovementStart.String())
	assert.Equal(t, "2026-02-28", rec.ImprovementEnd.String())
	assert.Equal(t, "2026-03-01", rec.ReturnEligibleDate.String())
}

func TestGenerator_InvalidPeriod(t *testing.T) {
	h := newHarness(t)

	_, err := h.generator.Generate(context.Background(), period("2025-02-01", "2025-01-01"), "")

	assert.ErrorIs(t, err, generic.ErrValidation)
}

func TestGenerator_CancelledContext(t *testing.T) {
	// GIVEN: January violations and a context cancelled before the run
	// WHEN: generating
	// THEN: the run is reported and recorded as aborted, not as a registry outage

	h := newHarness(t)
	h.seedJanuary()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := h.generator.Generate(ctx, period("2025-01-01", "2025-01-31"), "")

	require.NoError(t, err)
	assert.True(t, report.Aborted)
	assert.Zero(t, report.Created)
	assert.Empty(t, report.RegistryErrors)

	runs, err := h.generator.Runs(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1, "a cancelled run is still recorded")
	assert.Equal(t, assessment.RunAborted, runs[0].Status)
}

// cancelAfterTx cancels the run once n transactions have committed.
type cancelAfterTx struct {
	assessment.Store
	n      int
	cancel context.CancelFunc
}

func (s *cancelAfterTx) WithTx(ctx context.Context, fn func(assessment.Tx) error) error {
	err := s.Store.WithTx(ctx, fn)
	if s.n--; s.n == 0 {
		s.cancel()
	}
	return err
}

func TestGenerator_CancelledBetweenRecords(t *testing.T) {
	// GIVEN: January violations and a store that cancels after the first insert
	// WHEN: generating
	// THEN: the run stops after one record and is recorded as aborted

	h := newHarness(t)
	h.seedJanuary()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sources := assessment.NewSources(h.complaints, h.rework, h.exceptions)
	ledger := assessment.NewLedger(&cancelAfterTx{Store: h.store, n: 1, cancel: cancel}, sources, nil)
	ledger.Now = func() time.Time { return clock }
	gen := assessment.NewGenerator(ledger, sources, nil)

	report, err := gen.Generate(ctx, period("2025-01-01", "2025-01-31"), "")

	require.NoError(t, err)
	assert.True(t, report.Aborted)
	assert.Equal(t, 1, report.Created)

	runs, err := gen.Runs(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, assessment.RunAborted, runs[0].Status)
	assert.Equal(t, 1, runs[0].Created)
}
