package generic

// =============================================================================
// PERIOD - Inclusive date range
// =============================================================================

// Period is the closed range [Start, End]. Generation runs and query filters
// are both expressed as periods.
type Period struct {
	Start Date `json:"start"`
	End   Date `json:"end"`
}

// Contains returns true if the date is within the period [Start, End]
func (p Period) Contains(d Date) bool {
	return d.AfterOrEqual(p.Start) && d.BeforeOrEqual(p.End)
}

// Days is the inclusive length of the period.
func (p Period) Days() int {
	return DaysBetween(p.Start, p.End) + 1
}

// Validate rejects open-ended or inverted periods.
func (p Period) Validate() error {
	if p.Start.IsZero() {
		return &ValidationError{Field: "start", Message: "is required"}
	}
	if p.End.IsZero() {
		return &ValidationError{Field: "end", Message: "is required"}
	}
	if p.End.Before(p.Start) {
		return &ValidationError{Field: "end", Message: "must not be before start"}
	}
	return nil
}

// String returns a string representation of the period.
func (p Period) String() string {
	return "[" + p.Start.String() + ", " + p.End.String() + "]"
}

// MonthPeriod covers the whole calendar month containing d.
func MonthPeriod(d Date) Period {
	return Period{Start: d.FirstOfMonth(), End: d.LastOfMonth()}
}
