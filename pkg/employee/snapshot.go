// Package employee builds the JSON payloads for employee snapshots. The
// per-employee record schema is fixed here so every snapshot — daily auto
// or admin manual — serializes identically, with dates coerced to ISO-8601
// and absent values as JSON null rather than stringified placeholders.
package employee

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/wisbric/opswatch/pkg/store"
)

// Record is one employee in a snapshot payload.
type Record struct {
	ID         int64   `json:"id"`
	FullName   string  `json:"full_name"`
	Email      string  `json:"email"`
	Department string  `json:"department"`
	Position   string  `json:"position"`
	Phone      string  `json:"phone"`
	HiredAt    *string `json:"hired_at"`
	UpdatedAt  string  `json:"updated_at"`
}

// BuildPayload serializes employees into the stable snapshot schema.
func BuildPayload(employees []store.Employee) ([]byte, error) {
	records := make([]Record, 0, len(employees))
	for _, e := range employees {
		r := Record{
			ID:         e.ID,
			FullName:   e.FullName,
			Email:      e.Email,
			Department: e.Department,
			Position:   e.Position,
			Phone:      e.Phone,
			UpdatedAt:  e.UpdatedAt.UTC().Format(time.RFC3339),
		}
		if e.HiredAt != nil {
			hired := e.HiredAt.UTC().Format(time.RFC3339)
			r.HiredAt = &hired
		}
		records = append(records, r)
	}
	payload, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot payload: %w", err)
	}
	return payload, nil
}

// employeeLister is the slice of *store.EmployeeStore the snapshotter reads.
type employeeLister interface {
	List(ctx context.Context) ([]store.Employee, error)
}

// snapshotWriter is the slice of *store.SnapshotStore the snapshotter writes.
type snapshotWriter interface {
	Insert(ctx context.Context, name, kind, createdBy, notes string, payload []byte) (int64, error)
}

// Snapshotter produces the daily automatic snapshot.
type Snapshotter struct {
	employees employeeLister
	snapshots snapshotWriter
	logger    *slog.Logger
}

// NewSnapshotter builds a Snapshotter.
func NewSnapshotter(employees employeeLister, snapshots snapshotWriter, logger *slog.Logger) *Snapshotter {
	return &Snapshotter{employees: employees, snapshots: snapshots, logger: logger}
}

// SnapshotDaily captures the current employee set as an "auto" snapshot.
func (s *Snapshotter) SnapshotDaily(ctx context.Context) error {
	employees, err := s.employees.List(ctx)
	if err != nil {
		return fmt.Errorf("listing employees: %w", err)
	}
	payload, err := BuildPayload(employees)
	if err != nil {
		return err
	}

	name := fmt.Sprintf("auto-%s", time.Now().Format("2006-01-02"))
	id, err := s.snapshots.Insert(ctx, name, "auto", "scheduler", "", payload)
	if err != nil {
		return fmt.Errorf("inserting snapshot: %w", err)
	}
	s.logger.Info("daily employee snapshot stored", "snapshot_id", id, "employees", len(employees))
	return nil
}
