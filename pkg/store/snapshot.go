package store

import (
	"context"
	"time"
)

// SnapshotStore persists backups.employee_snapshots. Payloads are accepted
// pre-serialized (opaque JSON bytes); this package never interprets the
// per-employee schema.
type SnapshotStore struct {
	dbtx DBTX
}

func NewSnapshotStore(dbtx DBTX) *SnapshotStore {
	return &SnapshotStore{dbtx: dbtx}
}

// EmployeeSnapshot mirrors the EmployeeSnapshot entity.
type EmployeeSnapshot struct {
	ID        int64
	Name      string
	Kind      string
	CreatedBy string
	CreatedAt time.Time
	Notes     string
	Payload   []byte
}

// Insert stores a new snapshot and returns its id. kind is "manual" or
// "auto" (daily, from the Scheduler).
func (s *SnapshotStore) Insert(ctx context.Context, name, kind, createdBy, notes string, payload []byte) (int64, error) {
	const q = `
		INSERT INTO backups.employee_snapshots (snapshot_name, snapshot_type, created_by, created_at, notes, employees_data)
		VALUES ($1, $2, $3, now(), $4, $5)
		RETURNING id`
	var id int64
	err := s.dbtx.QueryRow(ctx, q, name, kind, createdBy, notes, payload).Scan(&id)
	return id, classify("insert employee snapshot", err)
}
