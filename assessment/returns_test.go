package assessment_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/assessment-engine/assessment"
	"github.com/warp/assessment-engine/generic"
)

// =============================================================================
// MANUAL RETURN
// =============================================================================

func TestManualReturn_FullAmountByDefault(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := h.assess(t, "1", "Alice", "Printing", "2025-01-10", "200")

	returned, err := h.returns.ManualReturn(ctx, assessment.ManualReturnRequest{RecordID: rec.ID, Operator: "hr"})

	require.NoError(t, err)
	assert.True(t, returned.IsReturned)
	assert.Equal(t, assessment.StatusReturned, returned.Status)
	assert.True(t, returned.ReturnAmount.Equal(money("200")))
	assert.Equal(t, assessment.DefaultManualReturnReason, returned.ReturnReason)
	assert.Equal(t, "2025-06-01", returned.ReturnDate.String(), "defaults to today")

	stored, err := h.store.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsReturned)
	assert.True(t, stored.ReturnAmount.Equal(money("200")))
	assert.Equal(t, "hr", stored.UpdatedBy)

	history := h.history(t, rec.ID)
	require.Len(t, history, 2)
	assert.Equal(t, assessment.ActionReturned, history[1].Action)
	assert.Contains(t, history[1].NewValue, `"is_returned":true`)
	assert.Contains(t, history[1].OldValue, `"is_returned":false`)
}

func TestManualReturn_PartialAmount(t *testing.T) {
	h := newHarness(t)
	rec := h.assess(t, "1", "Alice", "Printing", "2025-01-10", "200")

	returned, err := h.returns.ManualReturn(context.Background(), assessment.ManualReturnRequest{
		RecordID: rec.ID,
		Amount:   moneyPtr("120.50"),
		Reason:   "appeal upheld in part",
		Date:     d("2025-03-15"),
	})

	require.NoError(t, err)
	assert.True(t, returned.ReturnAmount.Equal(money("120.5")))
	assert.Equal(t, "appeal upheld in part", returned.ReturnReason)
	assert.Equal(t, "2025-03-15", returned.ReturnDate.String())
}

func TestManualReturn_AmountPolicy(t *testing.T) {
	h := newHarness(t)
	rec := h.assess(t, "1", "Alice", "Printing", "2025-01-10", "200")
	ctx := context.Background()

	for _, amount := range []string{"0", "-5", "200.01", "10.001"} {
		_, err := h.returns.ManualReturn(ctx, assessment.ManualReturnRequest{RecordID: rec.ID, Amount: moneyPtr(amount)})
		assert.ErrorIs(t, err, generic.ErrValidation, amount)
	}

	stored, err := h.store.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsReturned, "rejected returns leave no trace")
	assert.Len(t, h.history(t, rec.ID), 1)
}

func TestManualReturn_DoubleReturn(t *testing.T) {
	// GIVEN: a record already returned
	// WHEN: returning it again
	// THEN: AlreadyReturnedError and the first return stands

	h := newHarness(t)
	ctx := context.Background()
	rec := h.assess(t, "1", "Alice", "Printing", "2025-01-10", "200")

	_, err := h.returns.ManualReturn(ctx, assessment.ManualReturnRequest{RecordID: rec.ID, Amount: moneyPtr("100")})
	require.NoError(t, err)

	_, err = h.returns.ManualReturn(ctx, assessment.ManualReturnRequest{RecordID: rec.ID})

	var already *generic.AlreadyReturnedError
	require.ErrorAs(t, err, &already)
	assert.Equal(t, rec.ID, already.RecordID)
	assert.True(t, generic.IsConflict(err))

	stored, err := h.store.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, stored.ReturnAmount.Equal(money("100")))
}

func TestManualReturn_ConcurrentCallers(t *testing.T) {
	// GIVEN: one open record
	// WHEN: many operators return it at the same time
	// THEN: exactly one succeeds and exactly one returned entry is written

	h := newHarness(t)
	rec := h.assess(t, "1", "Alice", "Printing", "2025-01-10", "200")

	const callers = 10
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.returns.ManualReturn(context.Background(), assessment.ManualReturnRequest{RecordID: rec.ID})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, generic.ErrAlreadyReturned)
	}
	assert.Equal(t, 1, succeeded)

	returns := 0
	for _, e := range h.history(t, rec.ID) {
		if e.Action == assessment.ActionReturned {
			returns++
		}
	}
	assert.Equal(t, 1, returns)
}

func TestManualReturn_NotFound(t *testing.T) {
	h := newHarness(t)

	_, err := h.returns.ManualReturn(context.Background(), assessment.ManualReturnRequest{RecordID: 404})

	assert.True(t, generic.IsNotFound(err))
}

// =============================================================================
// AUTO-RETURN SWEEP
// =============================================================================

func TestSweep_ReturnsAfterCleanPeriod(t *testing.T) {
	// GIVEN: a single record dated 2025-01-10
	// WHEN: sweeping on 2025-03-01 (50 days) and on 2025-04-15 (95 days)
	// THEN: the first sweep only promotes it, the second returns it in full

	h := newHarness(t)
	ctx := context.Background()
	rec := h.assess(t, "1", "Alice", "Printing", "2025-01-10", "200")

	early, err := h.returns.AutoReturnSweep(ctx, d("2025-03-01"), "")
	require.NoError(t, err)
	assert.Equal(t, 1, early.Scanned)
	assert.Equal(t, 1, early.Promoted)
	assert.Zero(t, early.Processed)

	stored, err := h.store.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, assessment.StatusImproving, stored.Status)
	assert.False(t, stored.IsReturned)

	late, err := h.returns.AutoReturnSweep(ctx, d("2025-04-15"), "auto-sweep")
	require.NoError(t, err)
	assert.Equal(t, 1, late.Processed)
	assert.Zero(t, late.Promoted)

	stored, err = h.store.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsReturned)
	assert.Equal(t, assessment.StatusReturned, stored.Status)
	assert.True(t, stored.ReturnAmount.Equal(stored.Amount))
	assert.Equal(t, assessment.AutoReturnReason, stored.ReturnReason)
	assert.Equal(t, "2025-04-15", stored.ReturnDate.String())
	assert.Equal(t, "auto-sweep", stored.UpdatedBy)

	history := h.history(t, rec.ID)
	require.Len(t, history, 3)
	assert.Equal(t, assessment.ActionPromoted, history[1].Action)
	assert.Equal(t, assessment.ActionAutoReturned, history[2].Action)
}

func TestSweep_NewerAssessmentResetsClock(t *testing.T) {
	// GIVEN: Alice in Printing assessed on 2025-01-10 and again on 2025-02-01
	// WHEN: sweeping on 2025-04-20
	// THEN: neither is returned; the first has a newer assessment within
	//       90 days and the second is only 78 days old

	h := newHarness(t)
	ctx := context.Background()
	first := h.assess(t, "1", "Alice", "Printing", "2025-01-10", "200")
	second := h.assess(t, "2", "Alice", "Printing", "2025-02-01", "100")

	report, err := h.returns.AutoReturnSweep(ctx, d("2025-04-20"), "")

	require.NoError(t, err)
	assert.Equal(t, 2, report.Scanned)
	assert.Zero(t, report.Processed)
	for _, id := range []int64{first.ID, second.ID} {
		rec, err := h.store.GetRecord(ctx, id)
		require.NoError(t, err)
		assert.False(t, rec.IsReturned)
		assert.Equal(t, assessment.StatusImproving, rec.Status)
	}
}

func TestSweep_OtherDepartmentDoesNotResetClock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.assess(t, "1", "Alice", "Printing", "2025-01-10", "200")
	h.assess(t, "2", "Alice", "Binding", "2025-02-01", "100")

	report, err := h.returns.AutoReturnSweep(ctx, d("2025-04-20"), "")

	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)
	rec, err := h.store.GetRecord(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, rec.IsReturned)
}

func TestSweep_AssessmentAfterCleanPeriodDoesNotCount(t *testing.T) {
	// A newer assessment 91 days later is outside (d, d+90].
	h := newHarness(t)
	ctx := context.Background()
	first := h.assess(t, "1", "Alice", "Printing", "2025-01-10", "200")
	h.assess(t, "2", "Alice", "Printing", "2025-04-11", "100")

	_, err := h.returns.AutoReturnSweep(ctx, d("2025-04-15"), "")
	require.NoError(t, err)

	rec, err := h.store.GetRecord(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, rec.IsReturned)
}

func TestSweep_Idempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := h.assess(t, "1", "Alice", "Printing", "2025-01-10", "200")

	first, err := h.returns.AutoReturnSweep(ctx, d("2025-04-15"), "")
	require.NoError(t, err)
	assert.Equal(t, 1, first.Processed)

	second, err := h.returns.AutoReturnSweep(ctx, d("2025-04-15"), "")
	require.NoError(t, err)
	assert.Zero(t, second.Scanned)
	assert.Zero(t, second.Processed)

	assert.Len(t, h.history(t, rec.ID), 3, "created, promoted, auto_returned")
}

func TestSweep_SkipsClosedRecords(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	confirmed := h.assess(t, "1", "Alice", "Printing", "2025-01-10", "200")
	exempt := h.assess(t, "2", "Bob", "Printing", "2025-01-10", "200")
	_, err := h.ledger.SetStatus(ctx, confirmed.ID, assessment.StatusConfirmed, "", "")
	require.NoError(t, err)
	_, err = h.ledger.SetStatus(ctx, exempt.ID, assessment.StatusExempt, "", "")
	require.NoError(t, err)

	report, err := h.returns.AutoReturnSweep(ctx, d("2025-06-01"), "")

	require.NoError(t, err)
	assert.Zero(t, report.Scanned)
}

// scanHookStore runs afterScan once the sweep has loaded its candidates,
// standing in for a writer that commits between the scan and the return.
type scanHookStore struct {
	assessment.Store
	afterScan func()
}

func (s *scanHookStore) SweepCandidates(ctx context.Context) ([]assessment.Record, error) {
	recs, err := s.Store.SweepCandidates(ctx)
	if err == nil && s.afterScan != nil {
		s.afterScan()
	}
	return recs, err
}

func (h *harness) sweeperOver(hook func()) *assessment.ReturnProcessor {
	ledger := assessment.NewLedger(&scanHookStore{Store: h.store, afterScan: hook}, nil, nil)
	ledger.Now = func() time.Time { return clock }
	return assessment.NewReturnProcessor(ledger, nil)
}

func TestSweep_DateEditedAfterScan(t *testing.T) {
	// GIVEN: a record dated 2025-01-10, eligible on 2025-04-15 when scanned
	// WHEN: its assessment date is edited to 2025-04-12 before the return runs
	// THEN: the sweep re-checks the stored record and leaves it unreturned

	h := newHarness(t)
	ctx := context.Background()
	rec := h.assess(t, "1", "Alice", "Printing", "2025-01-10", "200")

	sweeper := h.sweeperOver(func() {
		moved := d("2025-04-12")
		_, err := h.ledger.Edit(ctx, rec.ID, assessment.EditRequest{AssessmentDate: &moved, Operator: "hr"})
		require.NoError(t, err)
	})

	report, err := sweeper.AutoReturnSweep(ctx, d("2025-04-15"), "")
	require.NoError(t, err)
	assert.Zero(t, report.Processed)
	assert.Zero(t, report.Promoted, "the moved window starts 2025-05-01")
	assert.Zero(t, report.Failed)

	stored, err := h.store.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsReturned)
	assert.Equal(t, assessment.StatusPending, stored.Status)
	assert.Equal(t, "2025-04-12", stored.AssessmentDate.String())
}

func TestSweep_NewerAssessmentAfterScan(t *testing.T) {
	// GIVEN: Alice in Printing assessed on 2025-01-10, alone when scanned
	// WHEN: a newer Printing assessment for Alice lands before the return runs
	// THEN: the clock reset is seen inside the return and nothing is returned

	h := newHarness(t)
	ctx := context.Background()
	rec := h.assess(t, "1", "Alice", "Printing", "2025-01-10", "200")

	sweeper := h.sweeperOver(func() {
		h.assess(t, "2", "Alice", "Printing", "2025-02-20", "50")
	})

	report, err := sweeper.AutoReturnSweep(ctx, d("2025-04-15"), "")
	require.NoError(t, err)
	assert.Zero(t, report.Processed)

	stored, err := h.store.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsReturned)
}

func TestSweep_ConcurrentWithManualReturn(t *testing.T) {
	// GIVEN: several eligible records
	// WHEN: a sweep and manual returns race on them
	// THEN: every record is returned exactly once

	h := newHarness(t)
	ctx := context.Background()
	var ids []int64
	for i, person := range []string{"Alice", "Bob", "Carol", "Dan", "Erin"} {
		rec := h.assess(t, string(rune('a'+i)), person, "Printing", "2025-01-10", "100")
		ids = append(ids, rec.ID)
	}

	var wg sync.WaitGroup
	var report assessment.SweepReport
	wg.Add(1)
	go func() {
		defer wg.Done()
		var err error
		report, err = h.returns.AutoReturnSweep(ctx, d("2025-04-15"), "")
		assert.NoError(t, err)
	}()
	manual := 0
	var mu sync.Mutex
	for _, id := range ids {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			if _, err := h.returns.ManualReturn(ctx, assessment.ManualReturnRequest{RecordID: id}); err == nil {
				mu.Lock()
				manual++
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()

	assert.Equal(t, len(ids), manual+report.Processed)
	assert.Zero(t, report.Failed)
	for _, id := range ids {
		returns := 0
		for _, e := range h.history(t, id) {
			if e.Action == assessment.ActionReturned || e.Action == assessment.ActionAutoReturned {
				returns++
			}
		}
		assert.Equal(t, 1, returns, "record %d", id)
	}
}
