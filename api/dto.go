/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger's domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - Fixed two-decimal money strings on the wire
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Amounts go out as strings with exactly two decimals ("200.00") and are
  accepted as either JSON strings or numbers.

VALIDATION:
  Validation is done in the domain services, not in DTOs. DTOs are pure
  data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - assessment/types.go: Domain types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/assessment-engine/assessment"
	"github.com/warp/assessment-engine/generic"
)

// =============================================================================
// RECORDS
// =============================================================================

// RecordDTO represents an assessment record in API responses. Status is the
// effective status on the day of the request.
type RecordDTO struct {
	ID                 int64        `json:"id"`
	SourceRegistry     string       `json:"source_registry"`
	SourceViolationID  string       `json:"source_violation_id"`
	RoleType           string       `json:"role_type"`
	PersonName         string       `json:"person_name"`
	Amount             string       `json:"amount"`
	AssessmentDate     generic.Date `json:"assessment_date"`
	DepartmentID       string       `json:"department_id,omitempty"`
	DepartmentName     string       `json:"department_name"`
	Status             string       `json:"status"`
	ImprovementStart   generic.Date `json:"improvement_start"`
	ImprovementEnd     generic.Date `json:"improvement_end"`
	ReturnEligibleDate generic.Date `json:"return_eligible_date"`
	IsReturned         bool         `json:"is_returned"`
	ReturnDate         generic.Date `json:"return_date"`
	ReturnAmount       *string      `json:"return_amount"`
	ReturnReason       string       `json:"return_reason,omitempty"`
	Remarks            string       `json:"remarks,omitempty"`
	CreatedBy          string       `json:"created_by"`
	CreatedAt          string       `json:"created_at"`
	UpdatedBy          string       `json:"updated_by"`
	UpdatedAt          string       `json:"updated_at"`

	// Upstream context, empty when the registry could not be reached.
	OrderNumber          string `json:"order_number,omitempty"`
	Customer             string `json:"customer,omitempty"`
	Product              string `json:"product,omitempty"`
	ViolationDescription string `json:"violation_description,omitempty"`
}

func moneyString(d decimal.Decimal) string { return d.StringFixed(generic.MoneyScale) }

func timeString(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func toRecordDTO(v assessment.RecordView) RecordDTO {
	r := v.Record
	dto := RecordDTO{
		ID:                   r.ID,
		SourceRegistry:       string(r.SourceRegistry),
		SourceViolationID:    r.SourceViolationID,
		RoleType:             string(r.RoleType),
		PersonName:           r.PersonName,
		Amount:               moneyString(r.Amount),
		AssessmentDate:       r.AssessmentDate,
		DepartmentID:         r.DepartmentID,
		DepartmentName:       r.DepartmentName,
		Status:               string(r.Status),
		ImprovementStart:     r.ImprovementStart,
		ImprovementEnd:       r.ImprovementEnd,
		ReturnEligibleDate:   r.ReturnEligibleDate,
		IsReturned:           r.IsReturned,
		ReturnDate:           r.ReturnDate,
		ReturnReason:         r.ReturnReason,
		Remarks:              r.Remarks,
		CreatedBy:            r.CreatedBy,
		CreatedAt:            timeString(r.CreatedAt),
		UpdatedBy:            r.UpdatedBy,
		UpdatedAt:            timeString(r.UpdatedAt),
		OrderNumber:          v.Detail.OrderNumber,
		Customer:             v.Detail.Customer,
		Product:              v.Detail.Product,
		ViolationDescription: v.Detail.Description,
	}
	if r.IsReturned {
		amt := moneyString(r.ReturnAmount)
		dto.ReturnAmount = &amt
	}
	return dto
}

// RecordPageDTO is one page of records.
type RecordPageDTO struct {
	Records  []RecordDTO `json:"records"`
	Total    int         `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
}

// CreateRecordRequest is the body of POST /records. Only the natural key is
// required when the registry can look the violation up.
type CreateRecordRequest struct {
	Registry       string           `json:"source_registry"`
	ViolationID    string           `json:"source_violation_id"`
	RoleType       string           `json:"role_type"`
	PersonName     string           `json:"person_name"`
	Amount         *decimal.Decimal `json:"amount"`
	AssessmentDate generic.Date     `json:"assessment_date"`
	DepartmentName string           `json:"department_name"`
	Remarks        string           `json:"remarks"`
	Operator       string           `json:"operator"`
}

// EditRecordRequest is the body of POST /records/{id}/edit. Omitted fields
// are left unchanged.
type EditRecordRequest struct {
	PersonName     *string          `json:"person_name"`
	DepartmentName *string          `json:"department_name"`
	Remarks        *string          `json:"remarks"`
	Amount         *decimal.Decimal `json:"amount"`
	AssessmentDate *generic.Date    `json:"assessment_date"`
	Operator       string           `json:"operator"`
}

// ReturnRecordRequest is the body of POST /records/{id}/return.
type ReturnRecordRequest struct {
	Amount     *decimal.Decimal `json:"amount"`
	Reason     string           `json:"reason"`
	Operator   string           `json:"operator"`
	ReturnDate generic.Date     `json:"return_date"`
}

// SetStatusRequest is the body of POST /records/{id}/status.
type SetStatusRequest struct {
	Status   string `json:"status"`
	Operator string `json:"operator"`
	Remarks  string `json:"remarks"`
}

// =============================================================================
// HISTORY
// =============================================================================

// HistoryDTO is one audit entry. Snapshots are passed through as raw JSON.
type HistoryDTO struct {
	Seq           int    `json:"seq"`
	Action        string `json:"action"`
	OldValue      any    `json:"old_value"`
	NewValue      any    `json:"new_value"`
	OperatorName  string `json:"operator_name"`
	OperationTime string `json:"operation_time"`
	Remarks       string `json:"remarks,omitempty"`
}

// =============================================================================
// GENERATION
// =============================================================================

// GenerateRequest is the body of POST /generate.
type GenerateRequest struct {
	Start    generic.Date `json:"start"`
	End      generic.Date `json:"end"`
	Operator string       `json:"operator"`
}

type RegistryOutcomeDTO struct {
	Registry string `json:"registry"`
	Fetched  int    `json:"fetched"`
	Created  int    `json:"created"`
	Skipped  int    `json:"skipped_duplicate"`
	Failed   int    `json:"failed"`
}

// GenerationReportDTO mirrors assessment.GenerationReport.
type GenerationReportDTO struct {
	RunID            string                     `json:"run_id"`
	Period           generic.Period             `json:"period"`
	Created          int                        `json:"created"`
	SkippedDuplicate int                        `json:"skipped_duplicate"`
	Failed           int                        `json:"failed"`
	Registries       []RegistryOutcomeDTO       `json:"registries"`
	RegistryErrors   []assessment.RegistryError `json:"registry_errors"`
	RecordErrors     []assessment.RecordError   `json:"record_errors"`
	Aborted          bool                       `json:"aborted"`
	StartedAt        string                     `json:"started_at"`
	CompletedAt      string                     `json:"completed_at"`
}

func toGenerationReportDTO(r assessment.GenerationReport) GenerationReportDTO {
	dto := GenerationReportDTO{
		RunID:            r.RunID,
		Period:           r.Period,
		Created:          r.Created,
		SkippedDuplicate: r.SkippedDuplicate,
		Failed:           r.Failed,
		Registries:       make([]RegistryOutcomeDTO, 0, len(r.Registries)),
		RegistryErrors:   r.RegistryErrors,
		RecordErrors:     r.RecordErrors,
		Aborted:          r.Aborted,
		StartedAt:        timeString(r.StartedAt),
		CompletedAt:      timeString(r.CompletedAt),
	}
	for _, o := range r.Registries {
		dto.Registries = append(dto.Registries, RegistryOutcomeDTO{
			Registry: string(o.Registry), Fetched: o.Fetched, Created: o.Created, Skipped: o.Skipped, Failed: o.Failed,
		})
	}
	if dto.RegistryErrors == nil {
		dto.RegistryErrors = []assessment.RegistryError{}
	}
	if dto.RecordErrors == nil {
		dto.RecordErrors = []assessment.RecordError{}
	}
	return dto
}

// RunDTO is one persisted generation run.
type RunDTO struct {
	ID             string                     `json:"id"`
	PeriodStart    generic.Date               `json:"period_start"`
	PeriodEnd      generic.Date               `json:"period_end"`
	Status         string                     `json:"status"`
	Created        int                        `json:"created"`
	Skipped        int                        `json:"skipped_duplicate"`
	Failed         int                        `json:"failed"`
	RegistryErrors []assessment.RegistryError `json:"registry_errors"`
	Operator       string                     `json:"operator"`
	StartedAt      string                     `json:"started_at"`
	CompletedAt    string                     `json:"completed_at"`
}

// =============================================================================
// SWEEP
// =============================================================================

// SweepRequest is the body of POST /sweep. Both fields are optional.
type SweepRequest struct {
	AsOf     generic.Date `json:"as_of"`
	Operator string       `json:"operator"`
}

// SweepReportDTO mirrors assessment.SweepReport.
type SweepReportDTO struct {
	AsOf           generic.Date            `json:"as_of"`
	ScannedCount   int                     `json:"scanned_count"`
	ProcessedCount int                     `json:"processed_count"`
	PromotedCount  int                     `json:"promoted_count"`
	SkippedCount   int                     `json:"skipped_count"`
	FailedCount    int                     `json:"failed_count"`
	Errors         []assessment.SweepError `json:"errors"`
	Aborted        bool                    `json:"aborted"`
	StartedAt      string                  `json:"started_at"`
	CompletedAt    string                  `json:"completed_at"`
}

func toSweepReportDTO(r assessment.SweepReport) SweepReportDTO {
	errs := r.Errors
	if errs == nil {
		errs = []assessment.SweepError{}
	}
	return SweepReportDTO{
		AsOf:           r.AsOf,
		ScannedCount:   r.Scanned,
		ProcessedCount: r.Processed,
		PromotedCount:  r.Promoted,
		SkippedCount:   r.Skipped,
		FailedCount:    r.Failed,
		Errors:         errs,
		Aborted:        r.Aborted,
		StartedAt:      timeString(r.StartedAt),
		CompletedAt:    timeString(r.CompletedAt),
	}
}

// =============================================================================
// STATISTICS
// =============================================================================

type TotalsDTO struct {
	Count          int    `json:"count"`
	Amount         string `json:"amount"`
	ReturnedCount  int    `json:"returned_count"`
	ReturnedAmount string `json:"returned_amount"`
}

type RollupDTO struct {
	Key            string `json:"key"`
	Count          int    `json:"count"`
	Amount         string `json:"amount"`
	ReturnedCount  int    `json:"returned_count"`
	ReturnedAmount string `json:"returned_amount"`
}

type StatisticsDTO struct {
	AsOf         generic.Date `json:"as_of"`
	Bucket       string       `json:"bucket"`
	Totals       TotalsDTO    `json:"totals"`
	ByStatus     []RollupDTO  `json:"by_status"`
	ByRegistry   []RollupDTO  `json:"by_registry"`
	ByDepartment []RollupDTO  `json:"by_department"`
	ByBucket     []RollupDTO  `json:"by_bucket"`
}

func toRollupDTOs(rows []assessment.RollupRow) []RollupDTO {
	out := make([]RollupDTO, 0, len(rows))
	for _, r := range rows {
		out = append(out, RollupDTO{
			Key:            r.Key,
			Count:          r.Count,
			Amount:         moneyString(r.Amount),
			ReturnedCount:  r.ReturnedCount,
			ReturnedAmount: moneyString(r.ReturnedAmount),
		})
	}
	return out
}

func toStatisticsDTO(s assessment.Statistics) StatisticsDTO {
	return StatisticsDTO{
		AsOf:   s.AsOf,
		Bucket: string(s.Bucket),
		Totals: TotalsDTO{
			Count:          s.Totals.Count,
			Amount:         moneyString(s.Totals.Amount),
			ReturnedCount:  s.Totals.ReturnedCount,
			ReturnedAmount: moneyString(s.Totals.ReturnedAmount),
		},
		ByStatus:     toRollupDTOs(s.ByStatus),
		ByRegistry:   toRollupDTOs(s.ByRegistry),
		ByDepartment: toRollupDTOs(s.ByDepartment),
		ByBucket:     toRollupDTOs(s.ByBucket),
	}
}

// =============================================================================
// MISC
// =============================================================================

type PersonDTO struct {
	Name     string `json:"name"`
	RoleType string `json:"role_type"`
}

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest is the body of POST /api/scenarios/load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
