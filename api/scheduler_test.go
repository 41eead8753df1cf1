package api

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/assessment-engine/generic"
)

func newTestScheduler(t *testing.T, today string) (*testServer, *SweepScheduler) {
	s := newTestServer(t, sqlSources)
	s.seedComplaint(t)
	s.generateJanuary(t)

	sched := NewSweepScheduler(s.handler.Returns, nil)
	sched.Today = func() generic.Date { return generic.MustParseDate(today) }
	sched.Operator = "nightly"
	return s, sched
}

func TestSweepScheduler_RunNow(t *testing.T) {
	// GIVEN: Two records assessed on 2025-01-10 and a scheduler dated 2025-04-15
	_, sched := newTestScheduler(t, "2025-04-15")

	// WHEN: Triggering a sweep
	report, err := sched.RunNow(context.Background())

	// THEN: Both are returned and the report is kept
	require.NoError(t, err)
	assert.Equal(t, 2, report.Processed)

	last, at, ok := sched.LastReport()
	require.True(t, ok)
	assert.Equal(t, 2, last.Processed)
	assert.False(t, at.IsZero())
	assert.Equal(t, at.Add(sched.Interval), sched.GetNextRunTime())
}

func TestSweepScheduler_StartRunsImmediately(t *testing.T) {
	s, sched := newTestScheduler(t, "2025-04-15")
	sched.Interval = time.Hour

	sched.Start()
	defer sched.Stop()

	require.Eventually(t, func() bool {
		_, _, ok := sched.LastReport()
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	page := decode[RecordPageDTO](t, s.do(t, "GET", "/api/assessments/records?is_returned=true", nil))
	assert.Equal(t, 2, page.Total)
	for _, r := range page.Records {
		assert.Equal(t, "nightly", r.UpdatedBy)
	}
}

func TestSweepScheduler_NotDueYet(t *testing.T) {
	_, sched := newTestScheduler(t, "2025-03-01")

	report, err := sched.RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Processed)
	assert.Equal(t, 2, report.Promoted)
}

func TestSweepScheduler_Disabled(t *testing.T) {
	_, sched := newTestScheduler(t, "2025-04-15")
	sched.Enabled = false

	sched.Start()
	sched.Stop()

	_, _, ok := sched.LastReport()
	assert.False(t, ok)
}

func TestSweepScheduler_StopIsIdempotent(t *testing.T) {
	_, sched := newTestScheduler(t, "2025-04-15")
	sched.Interval = time.Hour

	sched.Start()
	sched.Start()
	sched.Stop()
	sched.Stop()
}
