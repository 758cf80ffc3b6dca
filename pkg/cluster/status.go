package cluster

import (
	"context"
	"fmt"

	"github.com/wisbric/opswatch/pkg/store"
)

// Status is the read-only node/leader/lock snapshot exposed on the health
// endpoint. It is never a write surface.
type Status struct {
	Nodes []store.Node `json:"nodes"`
	Locks []store.Lock `json:"locks"`
}

// Status queries the current node and lock tables for an operator-facing
// snapshot of cluster state.
func (c *Coordinator) Status(ctx context.Context) (Status, error) {
	nodes, err := store.NewNodeStore(c.pool).List(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("listing nodes: %w", err)
	}
	locks, err := store.NewLockStore(c.pool).List(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("listing locks: %w", err)
	}
	return Status{Nodes: nodes, Locks: locks}, nil
}
