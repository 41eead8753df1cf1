package assessment

import "github.com/warp/assessment-engine/generic"

// WindowMonths is the length of the improvement period in calendar months.
const WindowMonths = 3

// CleanPeriodDays is the minimum age of an assessment before the sweep may
// return it, and the look-ahead horizon for newer assessments of the holder.
const CleanPeriodDays = 90

// Window is the improvement period derived from an assessment date.
// Start <= End < ReturnEligible always holds.
type Window struct {
	Start          generic.Date `json:"start"`
	End            generic.Date `json:"end"`
	ReturnEligible generic.Date `json:"return_eligible"`
}

// ComputeWindow is pure calendar arithmetic:
//
//	Start          = first day of the month after the assessment month
//	End            = last day of the third month starting at Start
//	ReturnEligible = first day of the month after End
//
// 2025-11-15 -> [2025-12-01, 2026-02-28], eligible 2026-03-01.
func ComputeWindow(assessmentDate generic.Date) Window {
	start := assessmentDate.FirstOfNextMonth()
	end := start.AddMonths(WindowMonths - 1).LastOfMonth()
	return Window{
		Start:          start,
		End:            end,
		ReturnEligible: end.FirstOfNextMonth(),
	}
}
