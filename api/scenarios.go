/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the upstream registry tables
	with realistic violations, then run generation (and sometimes the sweep)
	so the ledger shows a specific behavior end to end.

AVAILABLE SCENARIOS:

	clean-period:    Two holders stay clean for 90 days and get their money back
	repeat-offender: A second violation in the same department restarts the clock
	multi-role:      One complaint names three roles; unbillable rows are ignored

HOW SCENARIOS WORK:
 1. Reset the ledger and the upstream tables
 2. Seed departments
 3. Insert registry rows dated relative to today
 4. Generate over a period covering them
 5. Optionally sweep as of today

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "clean-period"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx, today)
 3. Add case to LoadScenario handler

NOTE:

	Scenarios reset the database. Only use in development/demo environments.
	They only show up in the ledger when the registries are configured with
	the "sql" kind against the same database.

SEE ALSO:
  - handlers.go: ResetLedger
  - store/sqlite/registries.go: Upstream table writers
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/warp/assessment-engine/assessment"
	"github.com/warp/assessment-engine/generic"
	"github.com/warp/assessment-engine/store/sqlite"
)

// ScenarioOperator is recorded as the operator of everything a scenario does.
const ScenarioOperator = "scenario-loader"

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "clean-period",
		Name:        "Clean Period",
		Description: "A complaint 120 days ago assesses two people who stay clean and are auto-returned; a recent rework stays open",
	},
	{
		ID:          "repeat-offender",
		Name:        "Repeat Offender",
		Description: "A second complaint in the same department restarts the clean period; a violation elsewhere does not",
	},
	{
		ID:          "multi-role",
		Name:        "Multi-Role Violation",
		Description: "One complaint assesses main, secondary and manager roles; zero-amount, deleted and unnamed rows are ignored",
	},
}

var departments = map[string]string{
	"D-PRN": "Printing",
	"D-BND": "Binding",
	"D-CUT": "Cutting",
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario resets the database and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decodeBody(w, r, &req) {
		return
	}

	var loader func(context.Context, generic.Date) (assessment.GenerationReport, error)
	switch req.ScenarioID {
	case "clean-period":
		loader = h.loadCleanPeriodScenario
	case "repeat-offender":
		loader = h.loadRepeatOffenderScenario
	case "multi-role":
		loader = h.loadMultiRoleScenario
	default:
		writeError(w, http.StatusBadRequest, "validation_error", fmt.Sprintf("unknown scenario %q", req.ScenarioID))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	h.currentScenario = ""
	if err := h.resetAll(ctx); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	report, err := loader(ctx, generic.DateOf(h.Ledger.Now()))
	if err != nil {
		h.writeDomainError(w, r, fmt.Errorf("load scenario %s: %w", req.ScenarioID, err))
		return
	}

	h.currentScenario = req.ScenarioID
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "loaded",
		"scenario":   req.ScenarioID,
		"generation": toGenerationReportDTO(report),
	})
}

func (h *Handler) resetAll(ctx context.Context) error {
	if err := h.Ledger.Reset(ctx, ScenarioOperator); err != nil {
		return err
	}
	if err := h.Store.ResetRegistries(ctx); err != nil {
		return err
	}
	for id, name := range departments {
		if err := h.Store.SaveDepartment(ctx, id, name); err != nil {
			return err
		}
	}
	return nil
}

// generate covers [from, today] and fails when no registry could be read.
func (h *Handler) generate(ctx context.Context, from, today generic.Date) (assessment.GenerationReport, error) {
	return h.Generator.Generate(ctx, generic.Period{Start: from, End: today}, ScenarioOperator)
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadCleanPeriodScenario(ctx context.Context, today generic.Date) (assessment.GenerationReport, error) {
	if _, err := h.Store.AddComplaint(ctx, sqlite.ComplaintEntry{
		Date:                   today.AddDays(-120),
		Customer:               "Northwind Press",
		OrderNo:                "SO-1001",
		ProductName:            "Annual report, 48pp",
		MainDept:               "Printing",
		Description:            "Colour shift on pages 12-16",
		MainPerson:             "Alice",
		MainPersonAssessment:   generic.MustParseDecimal("200"),
		SecondPerson:           "Bob",
		SecondPersonAssessment: generic.MustParseDecimal("50"),
	}); err != nil {
		return assessment.GenerationReport{}, err
	}
	if _, err := h.Store.AddRework(ctx, sqlite.ReworkEntry{
		Date:              today.AddDays(-30),
		CustomerCode:      "C-220",
		OrderNo:           "SO-1042",
		ProductName:       "Flyer A5",
		DefectiveReason:   "Trim off by 2mm",
		ResponsibleDept:   "Cutting",
		ResponsiblePerson: "Carol",
		TotalCost:         generic.MustParseDecimal("80"),
	}); err != nil {
		return assessment.GenerationReport{}, err
	}

	report, err := h.generate(ctx, today.AddDays(-180), today)
	if err != nil {
		return report, err
	}
	_, err = h.Returns.AutoReturnSweep(ctx, today, ScenarioOperator)
	return report, err
}

func (h *Handler) loadRepeatOffenderScenario(ctx context.Context, today generic.Date) (assessment.GenerationReport, error) {
	complaints := []sqlite.ComplaintEntry{
		{
			Date:                 today.AddDays(-150),
			Customer:             "Contoso Books",
			OrderNo:              "SO-2001",
			ProductName:          "Hardcover novel",
			MainDept:             "Binding",
			Description:          "Loose spine",
			MainPerson:           "Dan",
			MainPersonAssessment: generic.MustParseDecimal("300"),
		},
		{
			Date:                 today.AddDays(-100),
			Customer:             "Contoso Books",
			OrderNo:              "SO-2017",
			ProductName:          "Hardcover novel, reprint",
			MainDept:             "Binding",
			Description:          "Pages bound upside down",
			MainPerson:           "Dan",
			MainPersonAssessment: generic.MustParseDecimal("150"),
		},
	}
	for _, c := range complaints {
		if _, err := h.Store.AddComplaint(ctx, c); err != nil {
			return assessment.GenerationReport{}, err
		}
	}
	if _, err := h.Store.AddException(ctx, sqlite.ExceptionEntry{
		Date:              today.AddDays(-95),
		CustomerCode:      "C-310",
		WorkOrderNumber:   "WO-77",
		ProductName:       "Catalogue",
		Description:       "Wrong paper stock",
		ResponsibleUnit:   "Printing",
		ResponsiblePerson: "Dan",
		Amount:            generic.MustParseDecimal("60"),
	}); err != nil {
		return assessment.GenerationReport{}, err
	}

	report, err := h.generate(ctx, today.AddDays(-180), today)
	if err != nil {
		return report, err
	}
	_, err = h.Returns.AutoReturnSweep(ctx, today, ScenarioOperator)
	return report, err
}

func (h *Handler) loadMultiRoleScenario(ctx context.Context, today generic.Date) (assessment.GenerationReport, error) {
	if _, err := h.Store.AddComplaint(ctx, sqlite.ComplaintEntry{
		Date:                   today.AddDays(-20),
		Customer:               "Fabrikam",
		OrderNo:                "SO-3005",
		ProductName:            "Packaging sleeve",
		Workshop:               "Printing",
		Description:            "Barcode unreadable",
		MainPerson:             "Erin",
		MainPersonAssessment:   generic.MustParseDecimal("120"),
		SecondPerson:           "Frank",
		SecondPersonAssessment: generic.MustParseDecimal("0"),
		Manager:                "Grace",
		ManagerAssessment:      generic.MustParseDecimal("40"),
	}); err != nil {
		return assessment.GenerationReport{}, err
	}
	if _, err := h.Store.AddRework(ctx, sqlite.ReworkEntry{
		Date:              today.AddDays(-12),
		OrderNo:           "SO-3011",
		ProductName:       "Poster B2",
		DefectiveReason:   "Ink smudge",
		ResponsibleDept:   "Printing",
		ResponsiblePerson: "Ivan",
		TotalCost:         generic.MustParseDecimal("75.50"),
	}); err != nil {
		return assessment.GenerationReport{}, err
	}
	exceptions := []sqlite.ExceptionEntry{
		{
			Date:              today.AddDays(-10),
			WorkOrderNumber:   "WO-91",
			Description:       "Registered in error",
			ResponsibleUnit:   "Binding",
			ResponsiblePerson: "Heidi",
			Amount:            generic.MustParseDecimal("90"),
			Deleted:           true,
		},
		{
			Date:            today.AddDays(-5),
			WorkOrderNumber: "WO-92",
			Description:     "Responsibility not yet assigned",
			ResponsibleUnit: "Binding",
			Amount:          generic.MustParseDecimal("25"),
		},
	}
	for _, e := range exceptions {
		if _, err := h.Store.AddException(ctx, e); err != nil {
			return assessment.GenerationReport{}, err
		}
	}

	return h.generate(ctx, today.AddDays(-30), today)
}
