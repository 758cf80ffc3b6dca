// Package monitor implements the server monitoring engine: reachability
// probes, UP/DOWN transition detection with the two-consecutive-failures
// suppression rule, the durable event journal, the persistent dashboard,
// and ephemeral alerts with reminders while a server stays down.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wisbric/opswatch/internal/telemetry"
	"github.com/wisbric/opswatch/pkg/messaging"
	"github.com/wisbric/opswatch/pkg/store"
)

const (
	// downAlertThreshold is how many consecutive failed probes a previously
	// UP server needs before the DOWN alert fires. First-observation DOWN
	// alerts fire immediately.
	downAlertThreshold = 2

	// reminderInterval spaces repeat alerts while a server stays down.
	reminderInterval = 120 * time.Second

	kindDashboard = "dashboard"
	kindMetrics   = "metrics"
)

// monitorStore is the slice of *store.MonitorStore the engine needs.
type monitorStore interface {
	ListServers(ctx context.Context) ([]store.Server, error)
	TouchLastSeen(ctx context.Context, serverID int64, at time.Time) error
	RecordEvent(ctx context.Context, serverID int64, kind string, at time.Time, duration *int64) error
	Metrics(ctx context.Context, serverID int64) (store.ServerMetrics, error)
	FirstLastSeen(ctx context.Context, serverID int64) (time.Time, time.Time, error)
}

// alertRouter is the slice of *notify.Router the engine needs.
type alertRouter interface {
	PingDest() messaging.Destination
	MetricsDest() (messaging.Destination, bool)
	SendAlert(ctx context.Context, msg messaging.OutMessage) (int, error)
	DeleteAlert(ctx context.Context, messageID int) error
	EnsureDashboard(ctx context.Context, dest messaging.Destination, kind string, render messaging.Render) (int, error)
}

// serverStatus is the in-memory per-server state owned exclusively by the
// monitor loop; no other task reads it directly.
type serverStatus struct {
	name                string
	address             string
	group               string
	isAlive             bool
	lastCheck           time.Time
	lastStateChange     time.Time
	consecutiveFailures int
	firstCheckDone      bool
	alertedDown         bool
	lastAlertAt         time.Time
	alertMessageIDs     []int
}

// Engine drives one monitor tick at a time.
type Engine struct {
	store  monitorStore
	router alertRouter
	prober Prober
	logger *slog.Logger

	probeConcurrency int
	now              func() time.Time

	status map[int64]*serverStatus
}

// New builds an Engine. The status table starts empty: every server gets a
// first-observation pass on the first tick after boot.
func New(st monitorStore, rt alertRouter, prober Prober, logger *slog.Logger) *Engine {
	return &Engine{
		store:            st,
		router:           rt,
		prober:           prober,
		logger:           logger,
		probeConcurrency: 8,
		now:              time.Now,
		status:           make(map[int64]*serverStatus),
	}
}

// Tick probes every server, applies state transitions, records events,
// dispatches alerts, and refreshes the dashboard. The caller gates it to
// the leader-of-bot and guarantees ticks never overlap.
func (e *Engine) Tick(ctx context.Context) error {
	servers, err := e.store.ListServers(ctx)
	if err != nil {
		return err
	}

	results := e.probeAll(ctx, servers)
	now := e.now()

	listed := make(map[int64]bool, len(servers))
	for _, sv := range servers {
		listed[sv.ID] = true
		e.applyResult(ctx, sv, results[sv.ID], now)
		if err := e.store.TouchLastSeen(ctx, sv.ID, now); err != nil {
			e.logger.Error("touching server last_seen", "server", sv.Name, "error", err)
		}
	}

	// Servers deleted by the admin surface disappear from the status table
	// so a later re-add starts from a clean first observation.
	for id := range e.status {
		if !listed[id] {
			delete(e.status, id)
		}
	}

	e.renderDashboard(ctx, now)
	e.renderMetricsSummary(ctx, servers)
	return nil
}

// probeAll runs reachability probes with bounded concurrency. Probes touch
// no shared state; all mutation happens serially afterwards.
func (e *Engine) probeAll(ctx context.Context, servers []store.Server) map[int64]bool {
	results := make(map[int64]bool, len(servers))
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, e.probeConcurrency)

	for _, sv := range servers {
		wg.Add(1)
		sem <- struct{}{}
		go func(sv store.Server) {
			defer wg.Done()
			defer func() { <-sem }()

			start := time.Now()
			alive := e.prober.Probe(ctx, sv.Address)
			outcome := "down"
			if alive {
				outcome = "up"
			}
			telemetry.ProbeDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())

			mu.Lock()
			results[sv.ID] = alive
			mu.Unlock()
		}(sv)
	}
	wg.Wait()
	return results
}

// applyResult folds one probe outcome into the server's status, recording
// events before dispatching any alert so a failed send never loses history.
func (e *Engine) applyResult(ctx context.Context, sv store.Server, alive bool, now time.Time) {
	st, ok := e.status[sv.ID]
	if !ok {
		st = &serverStatus{}
		e.status[sv.ID] = st
	}
	st.name, st.address, st.group = sv.Name, sv.Address, sv.GroupName
	st.lastCheck = now

	switch {
	case !st.firstCheckDone:
		st.firstCheckDone = true
		st.isAlive = alive
		st.lastStateChange = now
		e.recordEvent(ctx, sv.ID, eventKind(alive), now, nil)
		if !alive {
			st.alertedDown = true
			st.lastAlertAt = now
			e.alertDown(ctx, st)
		}

	case st.isAlive && !alive:
		st.consecutiveFailures++
		if st.consecutiveFailures >= downAlertThreshold && !st.alertedDown {
			st.isAlive = false
			st.lastStateChange = now
			st.alertedDown = true
			st.lastAlertAt = now
			st.consecutiveFailures = 0
			e.recordEvent(ctx, sv.ID, "DOWN", now, nil)
			e.alertDown(ctx, st)
		}

	case !st.isAlive && alive:
		duration := int64(now.Sub(st.lastStateChange).Seconds())
		e.recordEvent(ctx, sv.ID, "UP", now, &duration)
		for _, id := range st.alertMessageIDs {
			if err := e.router.DeleteAlert(ctx, id); err != nil {
				e.logger.Warn("deleting stale down alert", "server", st.name, "message_id", id, "error", err)
			}
		}
		st.alertMessageIDs = nil
		st.isAlive = true
		st.lastStateChange = now
		st.alertedDown = false
		st.consecutiveFailures = 0
		e.alertUp(ctx, st, duration)

	case !st.isAlive && !alive:
		if st.alertedDown && now.Sub(st.lastAlertAt) >= reminderInterval {
			st.lastAlertAt = now
			e.alertReminder(ctx, st, now)
		}

	default: // alive, still alive
		st.consecutiveFailures = 0
	}
}

func eventKind(alive bool) string {
	if alive {
		return "UP"
	}
	return "DOWN"
}

func (e *Engine) recordEvent(ctx context.Context, serverID int64, kind string, at time.Time, duration *int64) {
	if err := e.store.RecordEvent(ctx, serverID, kind, at, duration); err != nil {
		e.logger.Error("recording server event", "server_id", serverID, "kind", kind, "error", err)
		return
	}
	telemetry.ServerEventsTotal.WithLabelValues(kind).Inc()
}

func (e *Engine) alertDown(ctx context.Context, st *serverStatus) {
	id, err := e.router.SendAlert(ctx, alertDownMessage(st))
	if err != nil {
		e.logger.Error("sending down alert", "server", st.name, "error", err)
		return
	}
	if id != 0 {
		st.alertMessageIDs = append(st.alertMessageIDs, id)
	}
}

func (e *Engine) alertUp(ctx context.Context, st *serverStatus, downtimeSeconds int64) {
	if _, err := e.router.SendAlert(ctx, alertUpMessage(st, downtimeSeconds)); err != nil {
		e.logger.Error("sending up alert", "server", st.name, "error", err)
	}
}

func (e *Engine) alertReminder(ctx context.Context, st *serverStatus, now time.Time) {
	id, err := e.router.SendAlert(ctx, alertReminderMessage(st, now))
	if err != nil {
		e.logger.Error("sending reminder alert", "server", st.name, "error", err)
		return
	}
	if id != 0 {
		st.alertMessageIDs = append(st.alertMessageIDs, id)
	}
}

func (e *Engine) renderDashboard(ctx context.Context, now time.Time) {
	dest := e.router.PingDest()
	if _, err := e.router.EnsureDashboard(ctx, dest, kindDashboard, func() messaging.OutMessage {
		return e.dashboardMessage(now)
	}); err != nil {
		e.logger.Error("rendering monitor dashboard", "error", err)
	}
}

func (e *Engine) renderMetricsSummary(ctx context.Context, servers []store.Server) {
	dest, configured := e.router.MetricsDest()
	if !configured {
		return
	}
	summary, err := e.metricsSummaryMessage(ctx, servers)
	if err != nil {
		e.logger.Error("building metrics summary", "error", err)
		return
	}
	if _, err := e.router.EnsureDashboard(ctx, dest, kindMetrics, func() messaging.OutMessage {
		return summary
	}); err != nil {
		e.logger.Error("rendering metrics summary", "error", err)
	}
}
