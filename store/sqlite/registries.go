package sqlite

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/assessment-engine/generic"
)

// =============================================================================
// UPSTREAM REGISTRY ROWS
// =============================================================================
// The registries belong to other applications. These writers exist for demo
// scenarios, the CLI seed path and tests; the engine itself only reads.

// ComplaintEntry is a customer complaint naming up to three people.
type ComplaintEntry struct {
	Date        generic.Date
	Customer    string
	OrderNo     string
	ProductName string
	Workshop    string
	MainDept    string
	Description string

	MainPerson             string
	MainPersonAssessment   decimal.Decimal
	SecondPerson           string
	SecondPersonAssessment decimal.Decimal
	Manager                string
	ManagerAssessment      decimal.Decimal
}

// ReworkEntry is a production rework charged to one responsible person.
type ReworkEntry struct {
	Date              generic.Date
	CustomerCode      string
	OrderNo           string
	ProductName       string
	DefectiveReason   string
	ResponsibleDept   string
	ResponsiblePerson string
	TotalCost         decimal.Decimal
}

// ExceptionEntry is a publishing exception charged to one responsible person.
type ExceptionEntry struct {
	Date              generic.Date
	CustomerCode      string
	WorkOrderNumber   string
	ProductName       string
	Description       string
	ResponsibleUnit   string
	ResponsiblePerson string
	Amount            decimal.Decimal
	Deleted           bool
}

// amountText stores zero as NULL, the way the registries leave unassessed roles.
func amountText(d decimal.Decimal) any {
	if d.IsZero() {
		return nil
	}
	return d.String()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *Store) insertReturningID(ctx context.Context, query string, args ...any) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) AddComplaint(ctx context.Context, e ComplaintEntry) (int64, error) {
	id, err := s.insertReturningID(ctx, `
		INSERT INTO complaint_register (
			complaint_date, customer, order_no, product_name, workshop, main_dept, defective_description,
			main_person, main_person_assessment, second_person, second_person_assessment,
			manager, manager_assessment
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.Date, nullable(e.Customer), nullable(e.OrderNo), nullable(e.ProductName), nullable(e.Workshop),
		nullable(e.MainDept), nullable(e.Description),
		nullable(e.MainPerson), amountText(e.MainPersonAssessment),
		nullable(e.SecondPerson), amountText(e.SecondPersonAssessment),
		nullable(e.Manager), amountText(e.ManagerAssessment),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to add complaint: %w", err)
	}
	return id, nil
}

func (s *Store) AddRework(ctx context.Context, e ReworkEntry) (int64, error) {
	id, err := s.insertReturningID(ctx, `
		INSERT INTO production_rework_register (
			rework_date, customer_code, order_no, product_name, defective_reason,
			responsible_dept, responsible_person, total_cost
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.Date, nullable(e.CustomerCode), nullable(e.OrderNo), nullable(e.ProductName), nullable(e.DefectiveReason),
		nullable(e.ResponsibleDept), nullable(e.ResponsiblePerson), amountText(e.TotalCost),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to add rework: %w", err)
	}
	return id, nil
}

func (s *Store) AddException(ctx context.Context, e ExceptionEntry) (int64, error) {
	id, err := s.insertReturningID(ctx, `
		INSERT INTO publishing_exceptions (
			registration_date, customer_code, work_order_number, product_name, exception_description,
			responsible_unit, responsible_person, amount, is_deleted
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.Date, nullable(e.CustomerCode), nullable(e.WorkOrderNumber), nullable(e.ProductName), nullable(e.Description),
		nullable(e.ResponsibleUnit), nullable(e.ResponsiblePerson), amountText(e.Amount), boolToInt(e.Deleted),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to add exception: %w", err)
	}
	return id, nil
}

// SaveDepartment upserts a department by id.
func (s *Store) SaveDepartment(ctx context.Context, id, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO departments (id, name) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name
	`, id, name)
	if err != nil {
		return fmt.Errorf("failed to save department: %w", err)
	}
	return nil
}

// ResetRegistries clears the upstream tables and departments. Demo use only.
func (s *Store) ResetRegistries(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{"complaint_register", "production_rework_register", "publishing_exceptions", "departments"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return fmt.Errorf("reset %s: %w", table, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sqlite_sequence WHERE name IN ('complaint_register', 'production_rework_register', 'publishing_exceptions')`); err != nil {
		return fmt.Errorf("reset sequences: %w", err)
	}
	return tx.Commit()
}
