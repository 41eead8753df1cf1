/*
Package assessment is the quality assessment ledger and improvement-period engine.

PURPOSE:
  Personnel are charged an assessment when a quality violation recorded in
  one of several upstream registries names them. Every assessment opens a
  three-month improvement period; a holder who stays clean gets the money
  back automatically, and operators can return, confirm or exempt by hand.

KEY CONCEPTS IN THIS FILE (types.go):
  - Record: one assessment of one person in one role for one violation
  - RoleType: main responsible, secondary responsible or manager
  - Status: pending -> improving -> returned | confirmed | exempt
  - SourceViolation: read-only projection of an upstream registry row
  - HistoryEntry: append-only audit trail of every mutation

NATURAL KEY:
  (SourceRegistry, SourceViolationID, RoleType) identifies a record across
  the whole ledger. Re-running generation over an overlapping period can
  therefore never create a second record for the same assignment.

SEE ALSO:
  - window.go: Improvement window arithmetic
  - state.go: Status transitions
  - generator.go: Registry -> ledger aggregation
  - returns.go: Manual returns and the auto-return sweep
  - query.go: Read-only listing, statistics and persons
*/
package assessment

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/assessment-engine/generic"
)

// =============================================================================
// REGISTRY + ROLE
// =============================================================================

// Registry identifies an upstream violation registry ("complaint", "rework", ...).
type Registry string

const (
	RegistryComplaint Registry = "complaint"
	RegistryRework    Registry = "rework"
	RegistryException Registry = "exception"
)

// RoleType is the capacity in which a person is assessed for a violation.
type RoleType string

const (
	RoleMainResponsible      RoleType = "main_responsible"
	RoleSecondaryResponsible RoleType = "secondary_responsible"
	RoleManager              RoleType = "manager"
)

// AllRoles in the order a violation's assignments are expanded.
var AllRoles = []RoleType{RoleMainResponsible, RoleSecondaryResponsible, RoleManager}

var roleAliases = map[string]RoleType{
	"main_responsible":      RoleMainResponsible,
	"mainperson":            RoleMainResponsible,
	"direct":                RoleMainResponsible,
	"secondary_responsible": RoleSecondaryResponsible,
	"secondperson":          RoleSecondaryResponsible,
	"joint":                 RoleSecondaryResponsible,
	"manager":               RoleManager,
	"management":            RoleManager,
}

// ParseRoleType accepts the canonical names, the upstream registry codes
// (MainPerson, SecondPerson, Manager) and the short UI aliases.
func ParseRoleType(s string) (RoleType, error) {
	if r, ok := roleAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return r, nil
	}
	return "", &generic.ValidationError{Field: "role_type", Message: "unknown role " + s}
}

// =============================================================================
// STATUS
// =============================================================================

type Status string

const (
	StatusPending   Status = "pending"
	StatusImproving Status = "improving"
	StatusReturned  Status = "returned"
	StatusConfirmed Status = "confirmed"
	StatusExempt    Status = "exempt"
)

// AllStatuses in lifecycle order; statistics report every one of them.
var AllStatuses = []Status{StatusPending, StatusImproving, StatusReturned, StatusConfirmed, StatusExempt}

func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllStatuses {
		if st == known {
			return st, nil
		}
	}
	return "", &generic.ValidationError{Field: "status", Message: "unknown status " + s}
}

// Open reports whether the record can still be returned, confirmed or exempted.
func (s Status) Open() bool { return s == StatusPending || s == StatusImproving }

// =============================================================================
// RECORD
// =============================================================================

// Record is one row of the assessment ledger.
type Record struct {
	ID                int64
	SourceRegistry    Registry
	SourceViolationID string
	RoleType          RoleType

	PersonName     string
	Amount         decimal.Decimal
	AssessmentDate generic.Date
	DepartmentID   string
	DepartmentName string

	Status             Status
	ImprovementStart   generic.Date
	ImprovementEnd     generic.Date
	ReturnEligibleDate generic.Date

	IsReturned   bool
	ReturnDate   generic.Date
	ReturnAmount decimal.Decimal
	ReturnReason string

	Remarks   string
	CreatedBy string
	CreatedAt time.Time
	UpdatedBy string
	UpdatedAt time.Time
}

// NaturalKey is the ledger-wide identity of an assessment.
type NaturalKey struct {
	Registry    Registry
	ViolationID string
	Role        RoleType
}

func (r Record) NaturalKey() NaturalKey {
	return NaturalKey{Registry: r.SourceRegistry, ViolationID: r.SourceViolationID, Role: r.RoleType}
}

// Window returns the stored improvement window.
func (r Record) Window() Window {
	return Window{Start: r.ImprovementStart, End: r.ImprovementEnd, ReturnEligible: r.ReturnEligibleDate}
}

// EffectiveStatus is the status a reader should see on asOf. A pending record
// whose window has begun reads as improving even before the sweep persists it.
func (r Record) EffectiveStatus(asOf generic.Date) Status {
	if r.Status == StatusPending && !r.ImprovementStart.IsZero() && !asOf.Before(r.ImprovementStart) {
		return StatusImproving
	}
	return r.Status
}

// applyWindow recomputes the derived dates from AssessmentDate.
func (r *Record) applyWindow() {
	w := ComputeWindow(r.AssessmentDate)
	r.ImprovementStart = w.Start
	r.ImprovementEnd = w.End
	r.ReturnEligibleDate = w.ReturnEligible
}

// =============================================================================
// HISTORY
// =============================================================================

// Action names a mutation in the history trail.
type Action string

const (
	ActionCreated       Action = "created"
	ActionPromoted      Action = "promoted"
	ActionReturned      Action = "returned"
	ActionAutoReturned  Action = "auto_returned"
	ActionStatusChanged Action = "status_changed"
	ActionEdited        Action = "edited"
)

// HistoryEntry is append-only. OldValue/NewValue are JSON snapshots of the
// record before and after the mutation (OldValue is empty on creation).
type HistoryEntry struct {
	RecordID      int64
	Seq           int
	Action        Action
	OldValue      string
	NewValue      string
	OperatorName  string
	OperationTime time.Time
	Remarks       string
}

// =============================================================================
// SOURCE VIOLATIONS
// =============================================================================

// SourceViolation is the read-only view of an upstream registry entry.
// One violation can name up to three people, one per role.
type SourceViolation struct {
	Registry          Registry
	LocalID           string
	ViolationDate     generic.Date
	DepartmentHint    string
	ResponsiblePerson string
	ResponsibleAmount decimal.Decimal
	SecondaryPerson   string
	SecondaryAmount   decimal.Decimal
	ManagerPerson     string
	ManagerAmount     decimal.Decimal
}

// RoleAssignment is a single billable (person, role, amount) triple.
type RoleAssignment struct {
	Role   RoleType
	Person string
	Amount decimal.Decimal
}

// Assignments lists the roles with a named person and a positive amount.
func (v SourceViolation) Assignments() []RoleAssignment {
	candidates := []RoleAssignment{
		{Role: RoleMainResponsible, Person: v.ResponsiblePerson, Amount: v.ResponsibleAmount},
		{Role: RoleSecondaryResponsible, Person: v.SecondaryPerson, Amount: v.SecondaryAmount},
		{Role: RoleManager, Person: v.ManagerPerson, Amount: v.ManagerAmount},
	}
	var out []RoleAssignment
	for _, c := range candidates {
		c.Person = strings.TrimSpace(c.Person)
		if c.Person == "" || !c.Amount.IsPositive() {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Billable is the shared predicate every adapter applies before returning a row.
func (v SourceViolation) Billable() bool { return len(v.Assignments()) > 0 }

// AssignmentFor finds the billable assignment for one role.
func (v SourceViolation) AssignmentFor(role RoleType) (RoleAssignment, bool) {
	for _, a := range v.Assignments() {
		if a.Role == role {
			return a, true
		}
	}
	return RoleAssignment{}, false
}

// ViolationDetail carries display-only context joined in at query time.
type ViolationDetail struct {
	OrderNumber string `json:"order_number,omitempty"`
	Customer    string `json:"customer,omitempty"`
	Product     string `json:"product,omitempty"`
	Description string `json:"description,omitempty"`
}

// =============================================================================
// GENERATION RUNS
// =============================================================================

type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunPartial   RunStatus = "partial"
	RunFailed    RunStatus = "failed"
	RunAborted   RunStatus = "aborted"
)

// GenerationRun is the persisted summary of one Generate call.
type GenerationRun struct {
	ID             string
	Period         generic.Period
	Status         RunStatus
	Created        int
	Skipped        int
	Failed         int
	RegistryErrors []RegistryError
	Operator       string
	StartedAt      time.Time
	CompletedAt    time.Time
}

// Person is one entry of the distinct (name, role) list.
type Person struct {
	Name string
	Role RoleType
}
