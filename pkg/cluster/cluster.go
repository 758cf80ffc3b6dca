// Package cluster implements the cluster-wide leader election and named
// task locks that gate the singleton background loops (monitor tick,
// ticket poll, weekly report, daily snapshot). Redis holds the
// authoritative, TTL-backed coordination state; PostgreSQL carries a
// durable, admin-visible mirror of it.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wisbric/opswatch/internal/telemetry"
	"github.com/wisbric/opswatch/pkg/store"
)

const (
	// HeartbeatInterval is the period of both the heartbeat and leader-step
	// loops, and the unit other components size their own cadences against.
	HeartbeatInterval = 30 * time.Second
	heartbeatTTL      = 2 * HeartbeatInterval
	leaderTTL         = 60 * time.Second
)

// Coordinator runs one node's participation in cluster coordination: it
// heartbeats, contends for leadership per node kind, and grants/releases
// named task locks. One Coordinator exists per process.
type Coordinator struct {
	rdb    *redis.Client
	pool   store.DBTX
	logger *slog.Logger

	nodeID string
	kind   string
	host   string
	addr   string

	mu      chanMutex
	leading map[string]bool
}

// chanMutex is a trivial channel-backed mutex so Coordinator's internal
// leadership bookkeeping never needs sync.Mutex plumbed through tests.
type chanMutex chan struct{}

func newChanMutex() chanMutex {
	m := make(chanMutex, 1)
	m <- struct{}{}
	return m
}

func (m chanMutex) Lock()   { <-m }
func (m chanMutex) Unlock() { m <- struct{}{} }

// New creates a Coordinator for this process. kind is "bot", "web", or
// "worker"; nodeID should be stable across restarts of the same deployment
// slot so leadership audit rows read sensibly, but uniqueness — not
// stability — is the only hard requirement.
func New(rdb *redis.Client, pool store.DBTX, logger *slog.Logger, nodeID, kind, host, addr string) *Coordinator {
	return &Coordinator{
		rdb:     rdb,
		pool:    pool,
		logger:  logger,
		nodeID:  nodeID,
		kind:    kind,
		host:    host,
		addr:    addr,
		mu:      newChanMutex(),
		leading: make(map[string]bool),
	}
}

// Run registers the node and drives the heartbeat + leader-step loop until
// ctx is cancelled, then releases leadership and marks the node inactive.
func (c *Coordinator) Run(ctx context.Context) error {
	nodes := store.NewNodeStore(c.pool)
	if err := nodes.Upsert(ctx, c.nodeID, c.kind, c.host, c.addr); err != nil {
		return fmt.Errorf("registering node: %w", err)
	}

	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	c.step(ctx, nodes)
	for {
		select {
		case <-ctx.Done():
			c.shutdown(nodes)
			return nil
		case <-ticker.C:
			c.step(ctx, nodes)
		}
	}
}

func (c *Coordinator) step(ctx context.Context, nodes *store.NodeStore) {
	if err := c.rdb.Set(ctx, heartbeatKey(c.nodeID), c.nodeID, heartbeatTTL).Err(); err != nil {
		c.logger.Error("cluster heartbeat: redis set failed", "error", err)
	}
	if err := nodes.Heartbeat(ctx, c.nodeID); err != nil {
		c.logger.Error("cluster heartbeat: db update failed", "error", err)
	}

	if err := c.leaderStep(ctx, c.kind); err != nil {
		c.logger.Error("cluster leader step failed", "kind", c.kind, "error", err)
	}
}

// leaderStep attempts to acquire or renew leadership of kind. It takes kind
// as a parameter rather than reading c.kind; Run only ever steps this
// process's own kind.
func (c *Coordinator) leaderStep(ctx context.Context, kind string) error {
	key := leaderKey(kind)
	acquired, err := c.rdb.SetNX(ctx, key, c.nodeID, leaderTTL).Result()
	if err != nil {
		return fmt.Errorf("redis leader SETNX: %w", err)
	}

	c.mu.Lock()
	wasLeading := c.leading[kind]
	c.mu.Unlock()

	if acquired {
		return c.becomeLeader(ctx, kind, wasLeading)
	}

	holder, err := c.rdb.Get(ctx, key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis leader GET: %w", err)
	}

	if holder == c.nodeID {
		if err := c.rdb.Expire(ctx, key, leaderTTL).Err(); err != nil {
			return fmt.Errorf("redis leader renew: %w", err)
		}
		return c.becomeLeader(ctx, kind, wasLeading)
	}

	if wasLeading {
		c.relinquish(ctx, kind)
	}
	return nil
}

func (c *Coordinator) becomeLeader(ctx context.Context, kind string, wasLeading bool) error {
	c.mu.Lock()
	c.leading[kind] = true
	c.mu.Unlock()
	telemetry.ClusterLeaderGauge.WithLabelValues(kind).Set(1)

	if wasLeading {
		return nil
	}

	nodes := store.NewNodeStore(c.pool)
	if err := nodes.SetLeader(ctx, kind, c.nodeID); err != nil {
		return fmt.Errorf("flipping db leader flag: %w", err)
	}
	c.logger.Info("acquired leadership", "kind", kind, "node_id", c.nodeID)
	return nil
}

func (c *Coordinator) relinquish(ctx context.Context, kind string) {
	c.mu.Lock()
	c.leading[kind] = false
	c.mu.Unlock()
	telemetry.ClusterLeaderGauge.WithLabelValues(kind).Set(0)

	nodes := store.NewNodeStore(c.pool)
	if err := nodes.Relinquish(ctx, c.nodeID); err != nil {
		c.logger.Error("relinquishing leadership in db", "kind", kind, "error", err)
	}
	c.logger.Info("lost leadership", "kind", kind, "node_id", c.nodeID)
}

// IsLeader reports whether this node currently believes it holds leadership
// of kind. It is a cheap in-memory read; callers gating a loop iteration
// should still re-check after any suspension point.
func (c *Coordinator) IsLeader(kind string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leading[kind]
}

func (c *Coordinator) shutdown(nodes *store.NodeStore) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c.mu.Lock()
	kinds := make([]string, 0, len(c.leading))
	for k, leading := range c.leading {
		if leading {
			kinds = append(kinds, k)
		}
	}
	c.mu.Unlock()

	for _, kind := range kinds {
		key := leaderKey(kind)
		if holder, err := c.rdb.Get(ctx, key).Result(); err == nil && holder == c.nodeID {
			c.rdb.Del(ctx, key)
		}
		telemetry.ClusterLeaderGauge.WithLabelValues(kind).Set(0)
	}

	if err := nodes.Relinquish(ctx, c.nodeID); err != nil {
		c.logger.Error("shutdown: relinquishing leader flag", "error", err)
	}
	if err := nodes.MarkInactive(ctx, c.nodeID); err != nil {
		c.logger.Error("shutdown: marking node inactive", "error", err)
	}
	c.rdb.Del(ctx, heartbeatKey(c.nodeID))
}

func heartbeatKey(nodeID string) string { return fmt.Sprintf("node:%s:heartbeat", nodeID) }
func leaderKey(kind string) string      { return fmt.Sprintf("leader:%s", kind) }
