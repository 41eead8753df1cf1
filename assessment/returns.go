/*
returns.go - Manual returns and the auto-return sweep

PURPOSE:
  The only path by which a record becomes returned. Both entry points
  share one transactional write so that a record is returned at most once
  no matter how many callers race on it.

MANUAL RETURN:
  Operator-initiated. Amount defaults to the full assessed amount and must
  satisfy 0 < amount <= Amount. Reason defaults to "manual return".

AUTO-RETURN SWEEP:
  For every open, unreturned record:
    1. Promote pending -> improving once the window has started.
    2. Eligible iff the assessment is at least 90 days old on asOf AND
       no other record for the same (person, department) is dated in
       (assessmentDate, assessmentDate + 90 days].
    3. Eligible records are returned in full with reason
       "auto: clean period".
  Each record is its own unit; one failure never blocks the rest. The
  eligibility rule is re-evaluated inside the return transaction against
  the freshly loaded record, so an edit or a newer assessment that lands
  after the scan still blocks the return. A record that another caller
  returned first counts as Skipped.

IDEMPOTENCY:
  Returned records leave the candidate set, so a second sweep with the
  same asOf processes nothing.

SEE ALSO:
  - store.go: MarkReturned conditional update
  - state.go: Allowed transitions
*/
package assessment

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/assessment-engine/generic"
)

const (
	DefaultManualReturnReason = "manual return"
	AutoReturnReason          = "auto: clean period"
)

// ReturnProcessor returns assessments, manually or by sweep.
type ReturnProcessor struct {
	ledger *Ledger
	logger *zap.Logger
}

func NewReturnProcessor(ledger *Ledger, logger *zap.Logger) *ReturnProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReturnProcessor{ledger: ledger, logger: logger}
}

// =============================================================================
// MANUAL RETURN
// =============================================================================

type ManualReturnRequest struct {
	RecordID int64
	Amount   *decimal.Decimal // nil = full amount
	Reason   string
	Operator string
	// Date defaults to today.
	Date generic.Date
}

// ManualReturn returns one record. Errors: *generic.NotFoundError,
// *generic.AlreadyReturnedError, *generic.TransitionError,
// *generic.ValidationError.
func (p *ReturnProcessor) ManualReturn(ctx context.Context, req ManualReturnRequest) (Record, error) {
	if req.Amount != nil {
		if err := generic.ValidatePositiveAmount("amount", *req.Amount); err != nil {
			return Record{}, err
		}
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = DefaultManualReturnReason
	}
	on := req.Date
	if on.IsZero() {
		on = generic.DateOf(p.ledger.Now())
	}

	rec, err := p.apply(ctx, req.RecordID, returnOp{
		amount:   req.Amount,
		reason:   reason,
		operator: operatorOr(req.Operator),
		action:   ActionReturned,
		on:       on,
	})
	if err != nil {
		return Record{}, err
	}

	p.logger.Info("assessment returned",
		zap.Int64("record_id", rec.ID),
		zap.String("amount", rec.ReturnAmount.StringFixed(generic.MoneyScale)),
		zap.String("operator", rec.UpdatedBy))
	return rec, nil
}

type returnOp struct {
	amount   *decimal.Decimal
	reason   string
	operator string
	action   Action
	on       generic.Date

	// cleanAsOf, when set, requires the clean-period rule to hold on that
	// date for the record as loaded inside the transaction.
	cleanAsOf generic.Date
}

// errNotEligible aborts an auto return whose record no longer qualifies.
var errNotEligible = errors.New("record is not eligible for auto return")

// apply is the single return write: load, check, conditional update and
// history, all in one transaction.
func (p *ReturnProcessor) apply(ctx context.Context, id int64, op returnOp) (Record, error) {
	now := p.ledger.now()

	var out Record
	err := p.ledger.store.WithTx(ctx, func(tx Tx) error {
		before, err := tx.GetRecord(ctx, id)
		if err != nil {
			return err
		}
		if err := checkTransition(before, StatusReturned); err != nil {
			return err
		}
		if !op.cleanAsOf.IsZero() {
			ok, err := eligible(ctx, tx, before, op.cleanAsOf)
			if err != nil {
				return err
			}
			if !ok {
				return errNotEligible
			}
		}

		amount := before.Amount
		if op.amount != nil {
			amount = *op.amount
		}
		if amount.GreaterThan(before.Amount) {
			return &generic.ValidationError{
				Field:   "amount",
				Message: "must not exceed the assessed amount " + before.Amount.StringFixed(generic.MoneyScale),
			}
		}

		fields := ReturnFields{Date: op.on, Amount: amount, Reason: op.reason, By: op.operator, At: now}
		ok, err := tx.MarkReturned(ctx, id, fields)
		if err != nil {
			return err
		}
		if !ok {
			return &generic.AlreadyReturnedError{RecordID: id}
		}

		after := before
		after.Status = StatusReturned
		after.IsReturned = true
		after.ReturnDate = fields.Date
		after.ReturnAmount = fields.Amount
		after.ReturnReason = fields.Reason
		after.UpdatedBy, after.UpdatedAt = fields.By, now
		out = after

		return tx.AppendHistory(ctx, HistoryEntry{
			RecordID:      id,
			Action:        op.action,
			OldValue:      snapshot(before),
			NewValue:      snapshot(after),
			OperatorName:  op.operator,
			OperationTime: now,
			Remarks:       op.reason,
		})
	})
	if err != nil {
		return Record{}, err
	}
	return out, nil
}

// =============================================================================
// AUTO-RETURN SWEEP
// =============================================================================

// SweepError is one record the sweep could not process.
type SweepError struct {
	RecordID int64  `json:"record_id"`
	Error    string `json:"error"`
}

// SweepReport summarizes one sweep. Processed counts returned records.
type SweepReport struct {
	AsOf        generic.Date
	Scanned     int
	Processed   int
	Promoted    int
	Skipped     int
	Failed      int
	Errors      []SweepError
	Aborted     bool
	StartedAt   time.Time
	CompletedAt time.Time
}

// AutoReturnSweep scans open records and returns those with a clean period
// as of asOf (zero means today).
func (p *ReturnProcessor) AutoReturnSweep(ctx context.Context, asOf generic.Date, operator string) (SweepReport, error) {
	if asOf.IsZero() {
		asOf = generic.DateOf(p.ledger.Now())
	}
	operator = operatorOr(operator)
	report := SweepReport{AsOf: asOf, StartedAt: p.ledger.now()}
	log := p.logger.With(zap.Stringer("as_of", asOf))

	candidates, err := p.ledger.store.SweepCandidates(ctx)
	if err != nil {
		return report, err
	}

	for _, rec := range candidates {
		if ctx.Err() != nil {
			report.Aborted = true
			break
		}
		report.Scanned++

		if rec.Status == StatusPending && rec.EffectiveStatus(asOf) == StatusImproving {
			promoted, err := p.promote(ctx, rec.ID, asOf, operator)
			if err != nil {
				log.Warn("promotion failed", zap.Int64("record_id", rec.ID), zap.Error(err))
			} else if promoted {
				report.Promoted++
			}
		}

		// Pre-filter on the scanned snapshot; apply re-checks the stored record.
		if generic.DaysBetween(rec.AssessmentDate, asOf) < CleanPeriodDays {
			continue
		}

		_, err := p.apply(ctx, rec.ID, returnOp{
			reason:    AutoReturnReason,
			operator:  operator,
			action:    ActionAutoReturned,
			on:        asOf,
			cleanAsOf: asOf,
		})
		switch {
		case err == nil:
			report.Processed++
		case errors.Is(err, errNotEligible):
			// edited or reset since the scan
		case isTerminalConflict(err):
			report.Skipped++
		default:
			report.fail(rec.ID, err)
			log.Warn("auto return failed", zap.Int64("record_id", rec.ID), zap.Error(err))
		}
	}

	report.CompletedAt = p.ledger.now()
	log.Info("sweep finished",
		zap.Int("scanned", report.Scanned),
		zap.Int("processed", report.Processed),
		zap.Int("promoted", report.Promoted),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
		zap.Bool("aborted", report.Aborted))

	if report.Scanned > 0 && report.Failed == report.Scanned {
		return report, generic.ErrAllRecordsFailed
	}
	return report, nil
}

func (r *SweepReport) fail(id int64, err error) {
	r.Failed++
	r.Errors = append(r.Errors, SweepError{RecordID: id, Error: err.Error()})
}

// eligible applies the clean-period rule to rec as seen by tx.
func eligible(ctx context.Context, tx Tx, rec Record, asOf generic.Date) (bool, error) {
	if generic.DaysBetween(rec.AssessmentDate, asOf) < CleanPeriodDays {
		return false, nil
	}
	newer, err := tx.HasNewerAssessment(ctx,
		rec.PersonName, rec.DepartmentName,
		rec.AssessmentDate, rec.AssessmentDate.AddDays(CleanPeriodDays))
	if err != nil {
		return false, err
	}
	return !newer, nil
}

// promote persists the pending -> improving projection. (false, nil) means
// the stored record is no longer a pending record whose window has begun.
func (p *ReturnProcessor) promote(ctx context.Context, id int64, asOf generic.Date, operator string) (bool, error) {
	now := p.ledger.now()
	var promoted bool
	err := p.ledger.store.WithTx(ctx, func(tx Tx) error {
		rec, err := tx.GetRecord(ctx, id)
		if err != nil {
			return err
		}
		if rec.Status != StatusPending || rec.EffectiveStatus(asOf) != StatusImproving {
			return nil
		}
		ok, err := tx.UpdateStatus(ctx, id, []Status{StatusPending}, StatusImproving, operator, now)
		if err != nil || !ok {
			return err
		}
		promoted = true
		after := rec
		after.Status, after.UpdatedBy, after.UpdatedAt = StatusImproving, operator, now
		return tx.AppendHistory(ctx, HistoryEntry{
			RecordID:      id,
			Action:        ActionPromoted,
			OldValue:      snapshot(rec),
			NewValue:      snapshot(after),
			OperatorName:  operator,
			OperationTime: now,
			Remarks:       "improvement period started " + rec.ImprovementStart.String(),
		})
	})
	return promoted, err
}

// FormatID is the string form used in logs and error keys.
func FormatID(id int64) string { return strconv.FormatInt(id, 10) }
