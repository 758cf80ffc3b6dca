package store

import (
	"context"
	"time"
)

// NodeStore persists the cluster.cluster_nodes rows backing the Cluster
// Coordinator. Leadership and heartbeat freshness live in Redis; these rows
// are the durable, admin-visible mirror of that state.
type NodeStore struct {
	dbtx DBTX
}

func NewNodeStore(dbtx DBTX) *NodeStore {
	return &NodeStore{dbtx: dbtx}
}

// Node mirrors the Node entity.
type Node struct {
	ID            string
	Kind          string
	Host          string
	Addr          string
	Active        bool
	IsLeader      bool
	LastHeartbeat time.Time
}

// Upsert registers or refreshes a node row and bumps its heartbeat.
func (s *NodeStore) Upsert(ctx context.Context, id, kind, host, addr string) error {
	const q = `
		INSERT INTO cluster.cluster_nodes (node_id, node_type, hostname, ip_address, is_active, is_leader, last_heartbeat)
		VALUES ($1, $2, $3, $4, true, false, now())
		ON CONFLICT (node_id) DO UPDATE SET
			hostname = EXCLUDED.hostname,
			ip_address = EXCLUDED.ip_address,
			is_active = true,
			last_heartbeat = now()`
	_, err := s.dbtx.Exec(ctx, q, id, kind, host, addr)
	return classify("upsert node", err)
}

// Heartbeat refreshes last_heartbeat for an active node.
func (s *NodeStore) Heartbeat(ctx context.Context, id string) error {
	const q = `UPDATE cluster.cluster_nodes SET last_heartbeat = now(), is_active = true WHERE node_id = $1`
	_, err := s.dbtx.Exec(ctx, q, id)
	return classify("heartbeat node", err)
}

// SetLeader flips is_leader for id to true and every other node of the same
// kind to false. It clears the siblings first and then sets id, as two
// separate statements; they share a transaction only if dbtx is one.
func (s *NodeStore) SetLeader(ctx context.Context, kind, id string) error {
	const clear = `UPDATE cluster.cluster_nodes SET is_leader = false WHERE node_type = $1 AND node_id != $2`
	if _, err := s.dbtx.Exec(ctx, clear, kind, id); err != nil {
		return classify("clear leader siblings", err)
	}
	const set = `UPDATE cluster.cluster_nodes SET is_leader = true WHERE node_id = $1`
	if _, err := s.dbtx.Exec(ctx, set, id); err != nil {
		return classify("set leader", err)
	}
	return nil
}

// Relinquish clears is_leader for a single node (used on shutdown or loss).
func (s *NodeStore) Relinquish(ctx context.Context, id string) error {
	const q = `UPDATE cluster.cluster_nodes SET is_leader = false WHERE node_id = $1`
	_, err := s.dbtx.Exec(ctx, q, id)
	return classify("relinquish leader", err)
}

// MarkInactive marks a node inactive and not leader, on clean shutdown.
func (s *NodeStore) MarkInactive(ctx context.Context, id string) error {
	const q = `UPDATE cluster.cluster_nodes SET is_active = false, is_leader = false WHERE node_id = $1`
	_, err := s.dbtx.Exec(ctx, q, id)
	return classify("mark node inactive", err)
}

// List returns all node rows, for the cluster status snapshot.
func (s *NodeStore) List(ctx context.Context) ([]Node, error) {
	const q = `SELECT node_id, node_type, hostname, ip_address, is_active, is_leader, last_heartbeat FROM cluster.cluster_nodes ORDER BY node_type, node_id`
	rows, err := s.dbtx.Query(ctx, q)
	if err != nil {
		return nil, classify("list nodes", err)
	}
	defer rows.Close()

	var out []Node
	for rows.Next() {
		var n Node
		if err := rows.Scan(&n.ID, &n.Kind, &n.Host, &n.Addr, &n.Active, &n.IsLeader, &n.LastHeartbeat); err != nil {
			return nil, classify("scan node", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
