package store

import (
	"context"
	"time"
)

// LockStore persists the audit row accompanying each Redis-held task lock.
// Redis is the source of truth for who currently holds the lock; this table
// is the durable record of that fact for operators.
type LockStore struct {
	dbtx DBTX
}

func NewLockStore(dbtx DBTX) *LockStore {
	return &LockStore{dbtx: dbtx}
}

// Lock mirrors the Lock entity.
type Lock struct {
	Name       string
	OwnerNode  string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Upsert records (or refreshes) the audit row for a lock this node now owns.
func (s *LockStore) Upsert(ctx context.Context, name, owner string, acquiredAt, expiresAt time.Time) error {
	const q = `
		INSERT INTO cluster.cluster_locks (lock_name, node_id, acquired_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (lock_name) DO UPDATE SET
			node_id = EXCLUDED.node_id,
			acquired_at = EXCLUDED.acquired_at,
			expires_at = EXCLUDED.expires_at`
	_, err := s.dbtx.Exec(ctx, q, name, owner, acquiredAt, expiresAt)
	return classify("upsert lock audit", err)
}

// Delete removes the audit row, but only when it is still owned by owner —
// release() must never delete a row another node has since taken over.
func (s *LockStore) Delete(ctx context.Context, name, owner string) error {
	const q = `DELETE FROM cluster.cluster_locks WHERE lock_name = $1 AND node_id = $2`
	_, err := s.dbtx.Exec(ctx, q, name, owner)
	return classify("delete lock audit", err)
}

// List returns all currently audited locks, for the cluster status snapshot.
func (s *LockStore) List(ctx context.Context) ([]Lock, error) {
	const q = `SELECT lock_name, node_id, acquired_at, expires_at FROM cluster.cluster_locks ORDER BY lock_name`
	rows, err := s.dbtx.Query(ctx, q)
	if err != nil {
		return nil, classify("list locks", err)
	}
	defer rows.Close()

	var out []Lock
	for rows.Next() {
		var l Lock
		if err := rows.Scan(&l.Name, &l.OwnerNode, &l.AcquiredAt, &l.ExpiresAt); err != nil {
			return nil, classify("scan lock", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
