/*
ledger.go - The assessment ledger: creation, edits and administrative status

PURPOSE:
  Owns every write that is not a return. Records enter the ledger either
  through the Generator or through manual creation that references a
  specific upstream violation; afterwards only descriptive fields can be
  edited freely. Amount and assessment date freeze once the record is
  returned.

HISTORY:
  Each mutation appends exactly one HistoryEntry in the same transaction,
  with JSON snapshots of the record before and after.

DELETION:
  There is no per-record delete. Reset clears the whole ledger and is an
  administrative operation only.

SEE ALSO:
  - store.go: Tx contract (insert-if-absent, conditional updates)
  - returns.go: ManualReturn / AutoReturnSweep
*/
package assessment

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/assessment-engine/generic"
)

// SystemOperator is recorded when no operator name is supplied.
const SystemOperator = "system"

// Ledger is the write side of the assessment ledger.
type Ledger struct {
	store   Store
	sources *Sources
	logger  *zap.Logger

	// Now is the clock; tests replace it.
	Now func() time.Time
}

// NewLedger creates a ledger. sources may be nil, in which case manual
// creation cannot verify the referenced violation and needs every field.
func NewLedger(store Store, sources *Sources, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{store: store, sources: sources, logger: logger, Now: time.Now}
}

func (l *Ledger) now() time.Time { return l.Now().UTC() }

// =============================================================================
// CREATION
// =============================================================================

// CreateRequest creates one record by hand. Registry, ViolationID and Role
// are required; the remaining fields default to the upstream violation when
// the registry's reader can look it up.
type CreateRequest struct {
	Registry       Registry
	ViolationID    string
	Role           RoleType
	PersonName     string
	Amount         *decimal.Decimal
	AssessmentDate generic.Date
	DepartmentName string
	Remarks        string
	Operator       string
}

// Create inserts a record. A natural-key collision is ErrDuplicate.
func (l *Ledger) Create(ctx context.Context, req CreateRequest) (Record, error) {
	rec, err := l.buildManual(ctx, req)
	if err != nil {
		return Record{}, err
	}

	inserted, err := l.insert(ctx, &rec, operatorOr(req.Operator))
	if err != nil {
		return Record{}, err
	}
	if !inserted {
		return Record{}, generic.ErrDuplicate
	}

	l.logger.Info("assessment created",
		zap.Int64("record_id", rec.ID),
		zap.String("registry", string(rec.SourceRegistry)),
		zap.String("violation_id", rec.SourceViolationID),
		zap.String("role", string(rec.RoleType)),
		zap.String("operator", rec.CreatedBy))
	return rec, nil
}

func (l *Ledger) buildManual(ctx context.Context, req CreateRequest) (Record, error) {
	req.ViolationID = strings.TrimSpace(req.ViolationID)
	if req.Registry == "" {
		return Record{}, &generic.ValidationError{Field: "registry", Message: "is required"}
	}
	if req.ViolationID == "" {
		return Record{}, &generic.ValidationError{Field: "violation_id", Message: "is required"}
	}
	if req.Role == "" {
		return Record{}, &generic.ValidationError{Field: "role_type", Message: "is required"}
	}

	if l.sources != nil {
		reader, ok := l.sources.Reader(req.Registry)
		if !ok {
			return Record{}, &generic.ValidationError{Field: "registry", Message: "unknown registry " + string(req.Registry)}
		}
		if lookup, ok := reader.(ViolationLookup); ok {
			v, found, err := lookup.Violation(ctx, req.ViolationID)
			if err != nil {
				return Record{}, err
			}
			if !found {
				return Record{}, &generic.NotFoundError{Kind: "violation", ID: string(req.Registry) + "/" + req.ViolationID}
			}
			fillFromViolation(&req, v)
		}
	}

	if strings.TrimSpace(req.PersonName) == "" {
		return Record{}, &generic.ValidationError{Field: "person_name", Message: "is required"}
	}
	if req.Amount == nil {
		return Record{}, &generic.ValidationError{Field: "amount", Message: "is required"}
	}
	if err := generic.ValidatePositiveAmount("amount", *req.Amount); err != nil {
		return Record{}, err
	}
	if req.AssessmentDate.IsZero() {
		return Record{}, &generic.ValidationError{Field: "assessment_date", Message: "is required"}
	}

	rec := Record{
		SourceRegistry:    req.Registry,
		SourceViolationID: req.ViolationID,
		RoleType:          req.Role,
		PersonName:        strings.TrimSpace(req.PersonName),
		Amount:            *req.Amount,
		AssessmentDate:    req.AssessmentDate,
		DepartmentName:    strings.TrimSpace(req.DepartmentName),
		Remarks:           req.Remarks,
	}
	if err := l.prepare(ctx, &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func fillFromViolation(req *CreateRequest, v SourceViolation) {
	if a, ok := v.AssignmentFor(req.Role); ok {
		if req.PersonName == "" {
			req.PersonName = a.Person
		}
		if req.Amount == nil {
			amt := a.Amount
			req.Amount = &amt
		}
	}
	if req.AssessmentDate.IsZero() {
		req.AssessmentDate = v.ViolationDate
	}
	if req.DepartmentName == "" {
		req.DepartmentName = v.DepartmentHint
	}
}

// prepare fills the derived fields of a new record.
func (l *Ledger) prepare(ctx context.Context, rec *Record) error {
	deptID, err := l.store.ResolveDepartment(ctx, rec.DepartmentName)
	if err != nil {
		return err
	}
	rec.DepartmentID = deptID
	rec.applyWindow()
	rec.Status = StatusPending
	return nil
}

// insert is shared by Create and the Generator: one transaction holding the
// insert-if-absent and its created history entry.
func (l *Ledger) insert(ctx context.Context, rec *Record, operator string) (bool, error) {
	now := l.now()
	rec.CreatedBy, rec.UpdatedBy = operator, operator
	rec.CreatedAt, rec.UpdatedAt = now, now

	var inserted bool
	err := l.store.WithTx(ctx, func(tx Tx) error {
		ok, err := tx.InsertRecord(ctx, rec)
		if err != nil || !ok {
			return err
		}
		inserted = true
		return tx.AppendHistory(ctx, HistoryEntry{
			RecordID:      rec.ID,
			Action:        ActionCreated,
			NewValue:      snapshot(*rec),
			OperatorName:  operator,
			OperationTime: now,
		})
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

// =============================================================================
// EDITS
// =============================================================================

// EditRequest changes descriptive fields. Nil means unchanged. The natural
// key fields are never editable.
type EditRequest struct {
	PersonName     *string
	DepartmentName *string
	Remarks        *string
	Amount         *decimal.Decimal
	AssessmentDate *generic.Date
	Operator       string
}

func (r EditRequest) empty() bool {
	return r.PersonName == nil && r.DepartmentName == nil && r.Remarks == nil &&
		r.Amount == nil && r.AssessmentDate == nil
}

// Edit applies an authorized manual edit and appends an edited entry.
func (l *Ledger) Edit(ctx context.Context, id int64, req EditRequest) (Record, error) {
	if req.empty() {
		return Record{}, &generic.ValidationError{Message: "no fields to update"}
	}
	if req.PersonName != nil && strings.TrimSpace(*req.PersonName) == "" {
		return Record{}, &generic.ValidationError{Field: "person_name", Message: "must not be empty"}
	}
	if req.Amount != nil {
		if err := generic.ValidatePositiveAmount("amount", *req.Amount); err != nil {
			return Record{}, err
		}
	}
	if req.AssessmentDate != nil && req.AssessmentDate.IsZero() {
		return Record{}, &generic.ValidationError{Field: "assessment_date", Message: "must not be empty"}
	}

	var deptID string
	if req.DepartmentName != nil {
		var err error
		if deptID, err = l.store.ResolveDepartment(ctx, strings.TrimSpace(*req.DepartmentName)); err != nil {
			return Record{}, err
		}
	}

	operator := operatorOr(req.Operator)
	now := l.now()
	var out Record
	err := l.store.WithTx(ctx, func(tx Tx) error {
		before, err := tx.GetRecord(ctx, id)
		if err != nil {
			return err
		}
		after := before

		if before.IsReturned {
			if req.Amount != nil && !req.Amount.Equal(before.Amount) {
				return &generic.ValidationError{Field: "amount", Message: "cannot change once returned"}
			}
			if req.AssessmentDate != nil && !req.AssessmentDate.Equal(before.AssessmentDate) {
				return &generic.ValidationError{Field: "assessment_date", Message: "cannot change once returned"}
			}
		}

		if req.PersonName != nil {
			after.PersonName = strings.TrimSpace(*req.PersonName)
		}
		if req.DepartmentName != nil {
			after.DepartmentName = strings.TrimSpace(*req.DepartmentName)
			after.DepartmentID = deptID
		}
		if req.Remarks != nil {
			after.Remarks = *req.Remarks
		}
		if req.Amount != nil {
			after.Amount = *req.Amount
		}
		if req.AssessmentDate != nil && !req.AssessmentDate.Equal(before.AssessmentDate) {
			after.AssessmentDate = *req.AssessmentDate
			after.applyWindow()
			// A moved window restarts the projection; reads and the next
			// sweep decide whether it has begun.
			if after.Status.Open() {
				after.Status = StatusPending
			}
		}
		after.UpdatedBy, after.UpdatedAt = operator, now

		if err := tx.UpdateRecord(ctx, after); err != nil {
			return err
		}
		out = after
		return tx.AppendHistory(ctx, HistoryEntry{
			RecordID:      id,
			Action:        ActionEdited,
			OldValue:      snapshot(before),
			NewValue:      snapshot(after),
			OperatorName:  operator,
			OperationTime: now,
		})
	})
	if err != nil {
		return Record{}, err
	}

	l.logger.Info("assessment edited", zap.Int64("record_id", id), zap.String("operator", operator))
	return out, nil
}

// =============================================================================
// ADMINISTRATIVE STATUS
// =============================================================================

// SetStatus confirms or exempts an open record. Returned is not reachable
// here; returns always go through the ReturnProcessor.
func (l *Ledger) SetStatus(ctx context.Context, id int64, to Status, operator, remarks string) (Record, error) {
	if !adminTargets[to] {
		return Record{}, &generic.ValidationError{Field: "status", Message: "can only be set to confirmed or exempt"}
	}
	operator = operatorOr(operator)
	now := l.now()

	var out Record
	err := l.store.WithTx(ctx, func(tx Tx) error {
		before, err := tx.GetRecord(ctx, id)
		if err != nil {
			return err
		}
		if before.IsReturned {
			return &generic.TransitionError{RecordID: id, From: string(StatusReturned), To: string(to)}
		}
		if err := checkTransition(before, to); err != nil {
			return err
		}
		ok, err := tx.UpdateStatus(ctx, id, []Status{StatusPending, StatusImproving}, to, operator, now)
		if err != nil {
			return err
		}
		if !ok {
			return &generic.TransitionError{RecordID: id, From: string(before.Status), To: string(to)}
		}
		after := before
		after.Status, after.UpdatedBy, after.UpdatedAt = to, operator, now
		out = after
		return tx.AppendHistory(ctx, HistoryEntry{
			RecordID:      id,
			Action:        ActionStatusChanged,
			OldValue:      snapshot(before),
			NewValue:      snapshot(after),
			OperatorName:  operator,
			OperationTime: now,
			Remarks:       remarks,
		})
	})
	if err != nil {
		return Record{}, err
	}

	l.logger.Info("assessment status changed",
		zap.Int64("record_id", id), zap.String("status", string(to)), zap.String("operator", operator))
	return out, nil
}

// Reset clears the whole ledger.
func (l *Ledger) Reset(ctx context.Context, operator string) error {
	if err := l.store.Reset(ctx); err != nil {
		return err
	}
	l.logger.Warn("assessment ledger reset", zap.String("operator", operatorOr(operator)))
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func operatorOr(name string) string {
	if name = strings.TrimSpace(name); name == "" {
		return SystemOperator
	}
	return name
}

// recordSnapshot is the JSON shape written to history.
type recordSnapshot struct {
	ID                 int64  `json:"id"`
	SourceRegistry     string `json:"source_registry"`
	SourceViolationID  string `json:"source_violation_id"`
	RoleType           string `json:"role_type"`
	PersonName         string `json:"person_name"`
	Amount             string `json:"amount"`
	AssessmentDate     string `json:"assessment_date"`
	DepartmentID       string `json:"department_id,omitempty"`
	DepartmentName     string `json:"department_name,omitempty"`
	Status             string `json:"status"`
	ImprovementStart   string `json:"improvement_start"`
	ImprovementEnd     string `json:"improvement_end"`
	ReturnEligibleDate string `json:"return_eligible_date"`
	IsReturned         bool   `json:"is_returned"`
	ReturnDate         string `json:"return_date,omitempty"`
	ReturnAmount       string `json:"return_amount,omitempty"`
	ReturnReason       string `json:"return_reason,omitempty"`
	Remarks            string `json:"remarks,omitempty"`
}

func snapshot(r Record) string {
	s := recordSnapshot{
		ID:                 r.ID,
		SourceRegistry:     string(r.SourceRegistry),
		SourceViolationID:  r.SourceViolationID,
		RoleType:           string(r.RoleType),
		PersonName:         r.PersonName,
		Amount:             r.Amount.StringFixed(generic.MoneyScale),
		AssessmentDate:     r.AssessmentDate.String(),
		DepartmentID:       r.DepartmentID,
		DepartmentName:     r.DepartmentName,
		Status:             string(r.Status),
		ImprovementStart:   r.ImprovementStart.String(),
		ImprovementEnd:     r.ImprovementEnd.String(),
		ReturnEligibleDate: r.ReturnEligibleDate.String(),
		IsReturned:         r.IsReturned,
		ReturnDate:         r.ReturnDate.String(),
		ReturnReason:       r.ReturnReason,
		Remarks:            r.Remarks,
	}
	if r.IsReturned {
		s.ReturnAmount = r.ReturnAmount.StringFixed(generic.MoneyScale)
	}
	b, err := json.Marshal(s)
	if err != nil {
		// Only plain strings and bools above; Marshal cannot fail.
		return "{}"
	}
	return string(b)
}

// ParseRecordID parses a path parameter into a record id.
func ParseRecordID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, &generic.ValidationError{Field: "id", Message: "must be a positive integer"}
	}
	return id, nil
}

// isTerminalConflict reports the errors a racing sweep treats as "someone
// else got there first".
func isTerminalConflict(err error) bool {
	return errors.Is(err, generic.ErrAlreadyReturned) || errors.Is(err, generic.ErrInvalidTransition)
}
