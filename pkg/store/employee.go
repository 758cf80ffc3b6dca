package store

import (
	"context"
	"time"
)

// EmployeeStore reads the internal employee database. The bot only ever
// reads it: employee rows are maintained by ingestion tooling outside the
// core.
type EmployeeStore struct {
	dbtx DBTX
}

func NewEmployeeStore(dbtx DBTX) *EmployeeStore {
	return &EmployeeStore{dbtx: dbtx}
}

// Employee is one employee record as stored in employees.employees.
type Employee struct {
	ID         int64
	FullName   string
	Email      string
	Department string
	Position   string
	Phone      string
	HiredAt    *time.Time
	UpdatedAt  time.Time
}

// List returns every employee record, for the daily snapshot job.
func (s *EmployeeStore) List(ctx context.Context) ([]Employee, error) {
	const q = `
		SELECT id, full_name, email, department, position, phone, hired_at, updated_at
		FROM employees.employees ORDER BY full_name`
	rows, err := s.dbtx.Query(ctx, q)
	if err != nil {
		return nil, classify("list employees", err)
	}
	defer rows.Close()

	var out []Employee
	for rows.Next() {
		var e Employee
		if err := rows.Scan(&e.ID, &e.FullName, &e.Email, &e.Department, &e.Position, &e.Phone, &e.HiredAt, &e.UpdatedAt); err != nil {
			return nil, classify("scan employee", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
