/*
handlers.go - HTTP API handlers for the assessment ledger

PURPOSE:
  Exposes the assessment engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the assessment services.

ENDPOINTS:
  Batch operations:
    POST   /api/assessments/generate            Generate records for a period
    POST   /api/assessments/sweep               Run the auto-return sweep

  Records:
    GET    /api/assessments/records             List with filters, sort, paging
    POST   /api/assessments/records             Create one record by hand
    GET    /api/assessments/records/{id}        Get one record
    POST   /api/assessments/records/{id}/edit   Edit descriptive fields
    POST   /api/assessments/records/{id}/return Manual return
    POST   /api/assessments/records/{id}/status Confirm / exempt
    GET    /api/assessments/records/{id}/history Audit trail

  Reporting:
    GET    /api/assessments/statistics          Rollups
    GET    /api/assessments/persons             Distinct (name, role) pairs
    GET    /api/assessments/runs                Generation run history

  Admin:
    POST   /api/admin/reset                     Clear the ledger

  Scenarios:
    GET    /api/scenarios                       List demo scenarios
    POST   /api/scenarios/load                  Load a demo scenario

REQUEST FLOW:
  1. Parse path, query and body
  2. Call the assessment service (validation happens there)
  3. Serialize the DTO
  4. Map domain errors to status codes

ERROR HANDLING:
  Errors are returned as {"error": code, "message": text}:
  - 400 validation_error
  - 404 not_found
  - 409 already_returned, invalid_transition, duplicate
  - 502 registries_unavailable (generation, every registry failed)
  - 500 internal_error

SECURITY NOTE:
  There is no authentication. The operator name in request bodies is taken
  on trust and only recorded in the audit trail.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/assessment-engine/assessment"
	"github.com/warp/assessment-engine/generic"
	"github.com/warp/assessment-engine/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store     *sqlite.Store
	Sources   *assessment.Sources
	Ledger    *assessment.Ledger
	Generator *assessment.Generator
	Returns   *assessment.ReturnProcessor
	Query     *assessment.QueryService

	logger *zap.Logger

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler wires the assessment services over one store and registry set.
func NewHandler(store *sqlite.Store, sources *assessment.Sources, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	ledger := assessment.NewLedger(store, sources, logger)
	return &Handler{
		Store:     store,
		Sources:   sources,
		Ledger:    ledger,
		Generator: assessment.NewGenerator(ledger, sources, logger),
		Returns:   assessment.NewReturnProcessor(ledger, logger),
		Query:     assessment.NewQueryService(store, sources, logger),
		logger:    logger,
	}
}

// =============================================================================
// BATCH OPERATIONS
// =============================================================================

// Generate runs one generation. When every registry failed the report is
// still the body, with status 502.
func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if !decodeBody(w, r, &req) {
		return
	}

	report, err := h.Generator.Generate(r.Context(), generic.Period{Start: req.Start, End: req.End}, req.Operator)
	switch {
	case errors.Is(err, generic.ErrAllSourcesFailed):
		writeJSON(w, http.StatusBadGateway, toGenerationReportDTO(report))
	case err != nil:
		h.writeDomainError(w, r, err)
	default:
		writeJSON(w, http.StatusOK, toGenerationReportDTO(report))
	}
}

// Sweep runs the auto-return sweep. as_of defaults to today.
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	var req SweepRequest
	if !decodeBody(w, r, &req) {
		return
	}

	report, err := h.Returns.AutoReturnSweep(r.Context(), req.AsOf, req.Operator)
	if err != nil && !errors.Is(err, generic.ErrAllRecordsFailed) {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSweepReportDTO(report))
}

// ListRuns returns recent generation runs, newest first.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r.URL.Query(), "limit")
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	runs, err := h.Generator.Runs(r.Context(), limit)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	dtos := make([]RunDTO, 0, len(runs))
	for _, run := range runs {
		errs := run.RegistryErrors
		if errs == nil {
			errs = []assessment.RegistryError{}
		}
		dtos = append(dtos, RunDTO{
			ID:             run.ID,
			PeriodStart:    run.Period.Start,
			PeriodEnd:      run.Period.End,
			Status:         string(run.Status),
			Created:        run.Created,
			Skipped:        run.Skipped,
			Failed:         run.Failed,
			RegistryErrors: errs,
			Operator:       run.Operator,
			StartedAt:      timeString(run.StartedAt),
			CompletedAt:    timeString(run.CompletedAt),
		})
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// RECORD HANDLERS
// =============================================================================

// ListRecords returns one page of records.
func (h *Handler) ListRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter, err := parseFilter(q)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	query := assessment.RecordQuery{
		Filter:    filter,
		SortBy:    q.Get("sort_by"),
		Direction: assessment.SortDirection(q.Get("sort_order")),
	}
	if query.Page, err = intParam(q, "page"); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if query.PageSize, err = intParam(q, "page_size"); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	page, err := h.Query.List(r.Context(), query)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	dto := RecordPageDTO{
		Records:  make([]RecordDTO, 0, len(page.Records)),
		Total:    page.Total,
		Page:     page.Page,
		PageSize: page.PageSize,
	}
	for _, v := range page.Records {
		dto.Records = append(dto.Records, toRecordDTO(v))
	}
	writeJSON(w, http.StatusOK, dto)
}

// CreateRecord creates one record by hand.
func (h *Handler) CreateRecord(w http.ResponseWriter, r *http.Request) {
	var req CreateRecordRequest
	if !decodeBody(w, r, &req) {
		return
	}

	var role assessment.RoleType
	if req.RoleType != "" {
		parsed, err := assessment.ParseRoleType(req.RoleType)
		if err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		role = parsed
	}

	rec, err := h.Ledger.Create(r.Context(), assessment.CreateRequest{
		Registry:       assessment.Registry(req.Registry),
		ViolationID:    req.ViolationID,
		Role:           role,
		PersonName:     req.PersonName,
		Amount:         req.Amount,
		AssessmentDate: req.AssessmentDate,
		DepartmentName: req.DepartmentName,
		Remarks:        req.Remarks,
		Operator:       req.Operator,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeRecord(w, r, http.StatusCreated, rec.ID)
}

// GetRecord returns one record with its upstream detail.
func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	id, err := assessment.ParseRecordID(chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeRecord(w, r, http.StatusOK, id)
}

// EditRecord applies an authorized edit.
func (h *Handler) EditRecord(w http.ResponseWriter, r *http.Request) {
	id, err := assessment.ParseRecordID(chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	var req EditRecordRequest
	if !decodeBody(w, r, &req) {
		return
	}

	_, err = h.Ledger.Edit(r.Context(), id, assessment.EditRequest{
		PersonName:     req.PersonName,
		DepartmentName: req.DepartmentName,
		Remarks:        req.Remarks,
		Amount:         req.Amount,
		AssessmentDate: req.AssessmentDate,
		Operator:       req.Operator,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeRecord(w, r, http.StatusOK, id)
}

// ReturnRecord performs a manual return. Amount defaults to the full amount.
func (h *Handler) ReturnRecord(w http.ResponseWriter, r *http.Request) {
	id, err := assessment.ParseRecordID(chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	var req ReturnRecordRequest
	if !decodeBody(w, r, &req) {
		return
	}

	_, err = h.Returns.ManualReturn(r.Context(), assessment.ManualReturnRequest{
		RecordID: id,
		Amount:   req.Amount,
		Reason:   req.Reason,
		Operator: req.Operator,
		Date:     req.ReturnDate,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeRecord(w, r, http.StatusOK, id)
}

// SetStatus moves an open record to confirmed or exempt.
func (h *Handler) SetStatus(w http.ResponseWriter, r *http.Request) {
	id, err := assessment.ParseRecordID(chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	var req SetStatusRequest
	if !decodeBody(w, r, &req) {
		return
	}
	to, err := assessment.ParseStatus(req.Status)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	if _, err := h.Ledger.SetStatus(r.Context(), id, to, req.Operator, req.Remarks); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeRecord(w, r, http.StatusOK, id)
}

// GetHistory returns the audit trail of one record, oldest first.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	id, err := assessment.ParseRecordID(chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	entries, err := h.Query.History(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	dtos := make([]HistoryDTO, 0, len(entries))
	for _, e := range entries {
		dtos = append(dtos, HistoryDTO{
			Seq:           e.Seq,
			Action:        string(e.Action),
			OldValue:      rawSnapshot(e.OldValue),
			NewValue:      rawSnapshot(e.NewValue),
			OperatorName:  e.OperatorName,
			OperationTime: timeString(e.OperationTime),
			Remarks:       e.Remarks,
		})
	}
	writeJSON(w, http.StatusOK, dtos)
}

// writeRecord re-reads a record so responses always carry the effective
// status and detail.
func (h *Handler) writeRecord(w http.ResponseWriter, r *http.Request, status int, id int64) {
	view, err := h.Query.Get(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, status, toRecordDTO(view))
}

// =============================================================================
// REPORTING
// =============================================================================

// Statistics returns rollups over the filtered ledger.
func (h *Handler) Statistics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter, err := parseFilter(q)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	stats, err := h.Query.Statistics(r.Context(), assessment.StatisticsQuery{
		Filter: filter,
		Bucket: assessment.Bucket(q.Get("bucket")),
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStatisticsDTO(stats))
}

// ListPersons returns the distinct (name, role) pairs in the ledger.
func (h *Handler) ListPersons(w http.ResponseWriter, r *http.Request) {
	persons, err := h.Query.Persons(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	dtos := make([]PersonDTO, 0, len(persons))
	for _, p := range persons {
		dtos = append(dtos, PersonDTO{Name: p.Name, RoleType: string(p.Role)})
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// ADMIN
// =============================================================================

// ResetLedger clears every record and its history. Upstream registries are
// left alone.
func (h *Handler) ResetLedger(w http.ResponseWriter, r *http.Request) {
	if err := h.Ledger.Reset(r.Context(), r.URL.Query().Get("operator")); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Health reports liveness and database reachability.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.DB().PingContext(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}

// writeDomainError maps service errors onto status codes. Unexpected errors
// are logged and their text is not echoed to the client.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case generic.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, generic.ErrAlreadyReturned):
		writeError(w, http.StatusConflict, "already_returned", err.Error())
	case errors.Is(err, generic.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, generic.ErrDuplicate):
		writeError(w, http.StatusConflict, "duplicate", err.Error())
	case generic.IsClientError(err):
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
	default:
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

// decodeBody reads an optional JSON body into dst. An empty body leaves dst
// at its zero value.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil {
		return true
	}
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	writeError(w, http.StatusBadRequest, "validation_error", "invalid request body: "+err.Error())
	return false
}

func rawSnapshot(s string) any {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}

func intParam(q url.Values, name string) (int, error) {
	s := q.Get(name)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, &generic.ValidationError{Field: name, Message: "must be an integer"}
	}
	return n, nil
}

func dateParam(q url.Values, name string) (generic.Date, error) {
	s := q.Get(name)
	if s == "" {
		return generic.Date{}, nil
	}
	d, err := generic.ParseDate(s)
	if err != nil {
		return generic.Date{}, &generic.ValidationError{Field: name, Message: "must be YYYY-MM-DD"}
	}
	return d, nil
}

// parseFilter reads the filter parameters shared by listing and statistics.
func parseFilter(q url.Values) (assessment.RecordFilter, error) {
	f := assessment.RecordFilter{
		PersonName: q.Get("person_name"),
		Department: q.Get("department"),
		Registry:   assessment.Registry(q.Get("registry")),
	}
	var err error

	if s := q.Get("status"); s != "" {
		if f.Status, err = assessment.ParseStatus(s); err != nil {
			return f, err
		}
	}
	if s := q.Get("role_type"); s != "" {
		if f.RoleType, err = assessment.ParseRoleType(s); err != nil {
			return f, err
		}
	}
	if f.From, err = dateParam(q, "date_from"); err != nil {
		return f, err
	}
	if f.To, err = dateParam(q, "date_to"); err != nil {
		return f, err
	}
	if f.AsOf, err = dateParam(q, "as_of"); err != nil {
		return f, err
	}
	if s := q.Get("min_amount"); s != "" {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return f, &generic.ValidationError{Field: "min_amount", Message: "must be a decimal"}
		}
		f.MinAmount = &d
	}
	if s := q.Get("is_returned"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return f, &generic.ValidationError{Field: "is_returned", Message: "must be true or false"}
		}
		f.Returned = &b
	}
	return f, nil
}
