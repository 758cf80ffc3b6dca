// Package scheduler drives the time-based jobs: the deletion-queue
// drain, the wall-clock-aligned monitor tick, the ticket poll, the weekly
// report, the daily snapshot, the verification sweep, and the
// chat-availability recheck. Sub-minute cadences run on tickers; the
// calendar jobs run on cron expressions. Singleton jobs gate on both
// leadership and a named cluster lock before every iteration.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/wisbric/opswatch/pkg/messaging"
	"github.com/wisbric/opswatch/pkg/store"
)

const (
	drainInterval      = 5 * time.Second
	ticketPollInterval = 60 * time.Second
	sweepInterval      = time.Minute
	recheckInterval    = 5 * time.Minute

	// monitorTickInterval sizes the monitor lock TTL; ticks themselves are
	// aligned to :00/:30 rather than free-running.
	monitorTickInterval = 30 * time.Second

	lockMonitorTick   = "monitor_tick"
	lockTicketPoll    = "ticket_poll"
	lockWeeklyReport  = "weekly_report"
	lockDailySnapshot = "daily_snapshot"

	cronWeeklyReport  = "0 9 * * 1"
	cronDailySnapshot = "0 0 * * *"
)

// coordinator is the slice of *cluster.Coordinator the scheduler gates on.
type coordinator interface {
	IsLeader(kind string) bool
	Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name string) error
}

// drainStore is the pending-deletion slice of *store.MessageStore.
type drainStore interface {
	DueDeletions(ctx context.Context, now time.Time) ([]store.PendingDeletion, error)
	RemoveDeletion(ctx context.Context, chatID int64, messageID int) error
}

// deleter is the Manager slice the drain dispatches through.
type deleter interface {
	Delete(ctx context.Context, dest messaging.Destination, messageID int) error
	RecheckUnavailable(ctx context.Context)
}

// Jobs are the domain callbacks the scheduler invokes; each is nil-safe so
// a mode that lacks a subsystem (the worker has no reconciler) wires nil.
type Jobs struct {
	MonitorTick   func(ctx context.Context) error
	TicketPoll    func(ctx context.Context) error
	WeeklyReport  func(ctx context.Context) error
	DailySnapshot func(ctx context.Context) error
	SweepExpired  func(ctx context.Context, now time.Time) (int64, error)
}

// Scheduler runs the background job loops of one node.
type Scheduler struct {
	coord  coordinator
	drains drainStore
	msgs   deleter
	jobs   Jobs
	logger *slog.Logger

	// snapshotLeaderKind is "worker" in deployments with a worker node, or
	// "bot" when this process doubles as the snapshot host.
	snapshotLeaderKind string
}

// New builds a Scheduler.
func New(coord coordinator, drains drainStore, msgs deleter, jobs Jobs, logger *slog.Logger, snapshotLeaderKind string) *Scheduler {
	return &Scheduler{
		coord:              coord,
		drains:             drains,
		msgs:               msgs,
		jobs:               jobs,
		logger:             logger,
		snapshotLeaderKind: snapshotLeaderKind,
	}
}

// Run starts every configured loop and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup

	run := func(f func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f(ctx)
		}()
	}

	if s.drains != nil && s.msgs != nil {
		run(s.drainLoop)
		run(s.recheckLoop)
	}
	if s.jobs.SweepExpired != nil {
		run(s.sweepLoop)
	}
	if s.jobs.MonitorTick != nil {
		run(s.monitorLoop)
	}
	if s.jobs.TicketPoll != nil {
		run(s.ticketLoop)
	}

	c := cron.New()
	if s.jobs.WeeklyReport != nil {
		if _, err := c.AddFunc(cronWeeklyReport, func() {
			s.runLeaderJob(ctx, "bot", lockWeeklyReport, time.Hour, s.jobs.WeeklyReport)
		}); err != nil {
			s.logger.Error("registering weekly report job", "error", err)
		}
	}
	if s.jobs.DailySnapshot != nil {
		if _, err := c.AddFunc(cronDailySnapshot, func() {
			s.runLeaderJob(ctx, s.snapshotLeaderKind, lockDailySnapshot, time.Hour, s.jobs.DailySnapshot)
		}); err != nil {
			s.logger.Error("registering daily snapshot job", "error", err)
		}
	}
	c.Start()
	defer c.Stop()

	<-ctx.Done()
	wg.Wait()
}

// drainLoop dispatches due deletions every 5 seconds. No cluster lock: each
// row is idempotent — two nodes deleting the same message just race to the
// same outcome, and the row is removed regardless of delete success.
func (s *Scheduler) drainLoop(ctx context.Context) {
	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.drainOnce(ctx, time.Now())
		}
	}
}

func (s *Scheduler) drainOnce(ctx context.Context, now time.Time) {
	due, err := s.drains.DueDeletions(ctx, now)
	if err != nil {
		s.logger.Error("listing due deletions", "error", err)
		return
	}
	for _, d := range due {
		if d.TopicID != nil {
			dest := messaging.Destination{ChatID: d.ChatID, TopicID: d.TopicID}
			if err := s.msgs.Delete(ctx, dest, d.MessageID); err != nil {
				s.logger.Error("draining scheduled deletion", "chat_id", d.ChatID, "message_id", d.MessageID, "error", err)
			}
		}
		if err := s.drains.RemoveDeletion(ctx, d.ChatID, d.MessageID); err != nil {
			s.logger.Error("removing drained deletion row", "chat_id", d.ChatID, "message_id", d.MessageID, "error", err)
		}
	}
}

// monitorLoop fires on wall-clock :00 and :30 second marks. The next fire
// time is computed after the previous tick completes, so an overrunning
// tick skips boundaries instead of stacking.
func (s *Scheduler) monitorLoop(ctx context.Context) {
	for {
		next := nextAlignedTick(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.runLeaderJob(ctx, "bot", lockMonitorTick, monitorTickInterval, s.jobs.MonitorTick)
		}
	}
}

func (s *Scheduler) ticketLoop(ctx context.Context) {
	ticker := time.NewTicker(ticketPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runLeaderJob(ctx, "bot", lockTicketPoll, ticketPollInterval, s.jobs.TicketPoll)
		}
	}
}

func (s *Scheduler) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.jobs.SweepExpired(ctx, time.Now()); err != nil {
				s.logger.Error("sweeping expired verifications", "error", err)
			} else if n > 0 {
				s.logger.Info("swept expired verifications", "count", n)
			}
		}
	}
}

func (s *Scheduler) recheckLoop(ctx context.Context) {
	ticker := time.NewTicker(recheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.msgs.RecheckUnavailable(ctx)
		}
	}
}

// runLeaderJob executes job only while this node leads kind and holds the
// named lock. The lock is re-acquired before every iteration; losing it
// between iterations means the next one simply does not start here.
func (s *Scheduler) runLeaderJob(ctx context.Context, kind, lockName string, ttl time.Duration, job func(context.Context) error) {
	if ctx.Err() != nil || !s.coord.IsLeader(kind) {
		return
	}

	ok, err := s.coord.Acquire(ctx, lockName, ttl)
	if err != nil {
		s.logger.Error("acquiring job lock", "lock", lockName, "error", err)
		return
	}
	if !ok {
		return
	}
	defer func() {
		if err := s.coord.Release(ctx, lockName); err != nil {
			s.logger.Error("releasing job lock", "lock", lockName, "error", err)
		}
	}()

	if err := job(ctx); err != nil {
		s.logger.Error("scheduled job failed", "lock", lockName, "error", err)
	}
}

// nextAlignedTick returns the next wall-clock instant whose seconds field is
// exactly 0 or 30.
func nextAlignedTick(now time.Time) time.Time {
	base := now.Truncate(time.Minute)
	if now.Sub(base) < 30*time.Second {
		return base.Add(30 * time.Second)
	}
	return base.Add(time.Minute)
}
