package store

import (
	"context"
	"time"
)

// MonitorStore persists the monitoring schema: server groups, servers,
// events, cached metrics, and daily rollups.
type MonitorStore struct {
	dbtx DBTX
}

func NewMonitorStore(dbtx DBTX) *MonitorStore {
	return &MonitorStore{dbtx: dbtx}
}

// ServerGroup mirrors the ServerGroup entity.
type ServerGroup struct {
	ID   int64
	Name string
}

// Server mirrors the Server entity.
type Server struct {
	ID        int64
	GroupID   int64
	GroupName string
	Name      string
	Address   string
	FirstSeen time.Time
	LastSeen  time.Time
}

// ListServers returns every server with its group name, for the monitor
// loop to probe each tick. Server rows may change between ticks (an admin
// surface writes them); callers must tolerate additions/removals.
func (s *MonitorStore) ListServers(ctx context.Context) ([]Server, error) {
	const q = `
		SELECT s.id, s.group_id, g.name, s.name, s.address, s.first_seen, s.last_seen
		FROM monitoring.servers s JOIN monitoring.server_groups g ON g.id = s.group_id
		ORDER BY g.name, s.name`
	rows, err := s.dbtx.Query(ctx, q)
	if err != nil {
		return nil, classify("list servers", err)
	}
	defer rows.Close()

	var out []Server
	for rows.Next() {
		var sv Server
		if err := rows.Scan(&sv.ID, &sv.GroupID, &sv.GroupName, &sv.Name, &sv.Address, &sv.FirstSeen, &sv.LastSeen); err != nil {
			return nil, classify("scan server", err)
		}
		out = append(out, sv)
	}
	return out, rows.Err()
}

// TouchLastSeen bumps last_seen for a server observed this tick.
func (s *MonitorStore) TouchLastSeen(ctx context.Context, serverID int64, at time.Time) error {
	const q = `UPDATE monitoring.servers SET last_seen = $2 WHERE id = $1`
	_, err := s.dbtx.Exec(ctx, q, serverID, at)
	return classify("touch server last seen", err)
}

// ServerMetrics mirrors the ServerMetrics entity (cached derived counters).
type ServerMetrics struct {
	ServerID               int64
	DowntimeCount          int64
	TotalDowntimeSeconds   int64
	LongestDowntimeSeconds int64
	LastStatus             string
	LastStatusChange       time.Time
}

// Metrics returns the cached counters for a server, zero-valued (with
// LastStatus "UNKNOWN") if none have been recorded yet.
func (s *MonitorStore) Metrics(ctx context.Context, serverID int64) (ServerMetrics, error) {
	const q = `
		SELECT server_id, downtime_count, total_downtime_seconds, longest_downtime_seconds, last_status, last_status_change
		FROM monitoring.server_metrics WHERE server_id = $1`
	var m ServerMetrics
	err := s.dbtx.QueryRow(ctx, q, serverID).Scan(&m.ServerID, &m.DowntimeCount, &m.TotalDowntimeSeconds, &m.LongestDowntimeSeconds, &m.LastStatus, &m.LastStatusChange)
	if err != nil {
		return ServerMetrics{ServerID: serverID, LastStatus: "UNKNOWN"}, nil
	}
	return m, nil
}

// RecordEvent writes the event row, updates the cached ServerMetrics
// counters, and upserts the DailyStat row for the event's day, all in one
// transaction. duration is non-nil only for a kind=UP event following a
// DOWN.
func (s *MonitorStore) RecordEvent(ctx context.Context, serverID int64, kind string, at time.Time, duration *int64) error {
	beginner, ok := s.dbtx.(Beginner)
	if !ok {
		return recordEventNoTx(ctx, s.dbtx, serverID, kind, at, duration)
	}

	tx, err := beginner.Begin(ctx)
	if err != nil {
		return classify("begin record event", err)
	}
	defer tx.Rollback(ctx)

	if err := recordEventNoTx(ctx, tx, serverID, kind, at, duration); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return classify("commit record event", err)
	}
	return nil
}

func recordEventNoTx(ctx context.Context, dbtx DBTX, serverID int64, kind string, at time.Time, duration *int64) error {
	const insertEvent = `
		INSERT INTO monitoring.server_events (server_id, event_type, event_time, duration_seconds)
		VALUES ($1, $2, $3, $4)`
	if _, err := dbtx.Exec(ctx, insertEvent, serverID, kind, at, duration); err != nil {
		return classify("insert server event", err)
	}

	const upsertMetrics = `
		INSERT INTO monitoring.server_metrics (server_id, downtime_count, total_downtime_seconds, longest_downtime_seconds, last_status, last_status_change)
		VALUES ($1, 0, 0, 0, $2, $3)
		ON CONFLICT (server_id) DO UPDATE SET
			last_status = EXCLUDED.last_status,
			last_status_change = EXCLUDED.last_status_change
		WHERE monitoring.server_metrics.last_status IS DISTINCT FROM EXCLUDED.last_status`
	if _, err := dbtx.Exec(ctx, upsertMetrics, serverID, kind, at); err != nil {
		return classify("upsert server metrics baseline", err)
	}

	if kind == "UP" && duration != nil {
		const bumpMetrics = `
			UPDATE monitoring.server_metrics SET
				downtime_count = downtime_count + 1,
				total_downtime_seconds = total_downtime_seconds + $2,
				longest_downtime_seconds = GREATEST(longest_downtime_seconds, $2)
			WHERE server_id = $1`
		if _, err := dbtx.Exec(ctx, bumpMetrics, serverID, *duration); err != nil {
			return classify("bump server metrics", err)
		}

		const upsertDaily = `
			INSERT INTO monitoring.daily_stats (server_id, date, downtime_seconds, downtime_count)
			VALUES ($1, $2::date, $3, 1)
			ON CONFLICT (server_id, date) DO UPDATE SET
				downtime_seconds = monitoring.daily_stats.downtime_seconds + EXCLUDED.downtime_seconds,
				downtime_count = monitoring.daily_stats.downtime_count + 1`
		if _, err := dbtx.Exec(ctx, upsertDaily, serverID, at, *duration); err != nil {
			return classify("upsert daily stat", err)
		}
	}

	return nil
}

// FirstLastSeen returns first_seen/last_seen for the availability derivation.
func (s *MonitorStore) FirstLastSeen(ctx context.Context, serverID int64) (time.Time, time.Time, error) {
	const q = `SELECT first_seen, last_seen FROM monitoring.servers WHERE id = $1`
	var first, last time.Time
	err := s.dbtx.QueryRow(ctx, q, serverID).Scan(&first, &last)
	return first, last, classify("get server first/last seen", err)
}
