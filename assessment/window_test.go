package assessment_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/assessment-engine/assessment"
	"github.com/warp/assessment-engine/generic"
)

func d(s string) generic.Date { return generic.MustParseDate(s) }

// =============================================================================
// IMPROVEMENT WINDOW
// =============================================================================

func TestComputeWindow(t *testing.T) {
	tests := []struct {
		name           string
		assessed       string
		start, end     string
		returnEligible string
	}{
		{"mid month", "2025-01-10", "2025-02-01", "2025-04-30", "2025-05-01"},
		{"last day of month", "2025-01-31", "2025-02-01", "2025-04-30", "2025-05-01"},
		{"year rollover", "2025-11-15", "2025-12-01", "2026-02-28", "2026-03-01"},
		{"december", "2025-12-31", "2026-01-01", "2026-03-31", "2026-04-01"},
		{"leap february", "2023-11-30", "2023-12-01", "2024-02-29", "2024-03-01"},
		{"first of month", "2025-06-01", "2025-07-01", "2025-09-30", "2025-10-01"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := assessment.ComputeWindow(d(tt.assessed))
			assert.Equal(t, tt.start, w.Start.String())
			assert.Equal(t, tt.end, w.End.String())
			assert.Equal(t, tt.returnEligible, w.ReturnEligible.String())
			assert.True(t, w.Start.BeforeOrEqual(w.End))
			assert.True(t, w.End.Before(w.ReturnEligible))
		})
	}
}

func TestRecord_EffectiveStatus(t *testing.T) {
	w := assessment.ComputeWindow(d("2025-01-10"))
	rec := assessment.Record{
		Status:             assessment.StatusPending,
		ImprovementStart:   w.Start,
		ImprovementEnd:     w.End,
		ReturnEligibleDate: w.ReturnEligible,
	}

	assert.Equal(t, assessment.StatusPending, rec.EffectiveStatus(d("2025-01-31")))
	assert.Equal(t, assessment.StatusImproving, rec.EffectiveStatus(d("2025-02-01")))
	assert.Equal(t, assessment.StatusImproving, rec.EffectiveStatus(d("2025-09-01")), "improving persists after the window")

	rec.Status = assessment.StatusConfirmed
	assert.Equal(t, assessment.StatusConfirmed, rec.EffectiveStatus(d("2025-02-01")))
}

// =============================================================================
// STATE MACHINE
// =============================================================================

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to assessment.Status
		allowed  bool
	}{
		{assessment.StatusPending, assessment.StatusImproving, true},
		{assessment.StatusPending, assessment.StatusReturned, true},
		{assessment.StatusPending, assessment.StatusConfirmed, true},
		{assessment.StatusImproving, assessment.StatusReturned, true},
		{assessment.StatusImproving, assessment.StatusExempt, true},
		{assessment.StatusImproving, assessment.StatusPending, false},
		{assessment.StatusReturned, assessment.StatusImproving, false},
		{assessment.StatusReturned, assessment.StatusConfirmed, false},
		{assessment.StatusConfirmed, assessment.StatusReturned, false},
		{assessment.StatusExempt, assessment.StatusPending, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.allowed, assessment.CanTransition(tt.from, tt.to))
		})
	}
}

func TestParseRoleType(t *testing.T) {
	for input, want := range map[string]assessment.RoleType{
		"main_responsible": assessment.RoleMainResponsible,
		"MainPerson":       assessment.RoleMainResponsible,
		"direct":           assessment.RoleMainResponsible,
		"SecondPerson":     assessment.RoleSecondaryResponsible,
		" joint ":          assessment.RoleSecondaryResponsible,
		"Manager":          assessment.RoleManager,
		"management":       assessment.RoleManager,
	} {
		got, err := assessment.ParseRoleType(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got, input)
	}

	_, err := assessment.ParseRoleType("supervisor")
	assert.ErrorIs(t, err, generic.ErrValidation)
}

func TestParseStatus(t *testing.T) {
	s, err := assessment.ParseStatus("Improving")
	require.NoError(t, err)
	assert.Equal(t, assessment.StatusImproving, s)
	assert.True(t, s.Open())
	assert.False(t, assessment.StatusExempt.Open())

	_, err = assessment.ParseStatus("cancelled")
	assert.ErrorIs(t, err, generic.ErrValidation)
}

// =============================================================================
// SOURCE VIOLATIONS
// =============================================================================

func TestSourceViolation_Assignments(t *testing.T) {
	v := assessment.SourceViolation{
		ResponsiblePerson: " Alice ", ResponsibleAmount: decimal.NewFromInt(200),
		SecondaryPerson: "Bob", SecondaryAmount: decimal.Zero,
		ManagerPerson: "", ManagerAmount: decimal.NewFromInt(30),
	}

	as := v.Assignments()
	require.Len(t, as, 1)
	assert.Equal(t, "Alice", as[0].Person)
	assert.True(t, v.Billable())

	_, ok := v.AssignmentFor(assessment.RoleManager)
	assert.False(t, ok, "a manager amount without a name is not billable")

	none := assessment.SourceViolation{ResponsiblePerson: "Zed", ResponsibleAmount: decimal.NewFromInt(-5)}
	assert.False(t, none.Billable())
}
