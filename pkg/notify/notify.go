// Package notify is the notification router: the one place outbound
// chat operations from the reconciler and the monitor pick their
// destination topic and silent flag before going through the message
// lifecycle manager. The auth flow does not use it: it talks to the message
// lifecycle manager directly. Topic ids come through a getter so runtime changes in
// core.settings take effect without a restart.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/wisbric/opswatch/pkg/messaging"
)

// Topics names the configured topic ids inside the target group chat.
type Topics struct {
	Bot      int
	Ping     int
	Metrics  int
	Tasks    int
	Employee int
}

// Config is a point-in-time routing configuration snapshot.
type Config struct {
	ChatID        int64
	Topics        Topics
	AlertLifetime time.Duration
}

// manager is the slice of messaging.Manager the router drives.
type manager interface {
	Send(ctx context.Context, dest messaging.Destination, msg messaging.OutMessage) (int, error)
	Edit(ctx context.Context, dest messaging.Destination, messageID int, msg messaging.OutMessage) error
	Delete(ctx context.Context, dest messaging.Destination, messageID int) error
	EnsurePersistent(ctx context.Context, dest messaging.Destination, kind string, render messaging.Render) (int, error)
	ScheduleDelete(ctx context.Context, dest messaging.Destination, messageID int, after time.Duration) error
}

// Router dispatches outbound chat operations with per-destination policy.
type Router struct {
	msgs   manager
	config func() Config
	logger *slog.Logger
}

// New builds a Router. config is re-read on every operation.
func New(msgs manager, config func() Config, logger *slog.Logger) *Router {
	return &Router{msgs: msgs, config: config, logger: logger}
}

func (r *Router) dest(topic int) messaging.Destination {
	cfg := r.config()
	d := messaging.Destination{ChatID: cfg.ChatID}
	if topic != 0 {
		t := topic
		d.TopicID = &t
	}
	return d
}

// TasksDest is the tasks-topic destination the reconciler renders into.
func (r *Router) TasksDest() messaging.Destination { return r.dest(r.config().Topics.Tasks) }

// PingDest is the monitoring-dashboard/alert destination.
func (r *Router) PingDest() messaging.Destination { return r.dest(r.config().Topics.Ping) }

// MetricsDest is the metrics-summary destination; zero topic means the
// summary is not configured.
func (r *Router) MetricsDest() (messaging.Destination, bool) {
	cfg := r.config()
	return r.dest(cfg.Topics.Metrics), cfg.Topics.Metrics != 0
}

// SendTask posts a message into the tasks topic, keeping the caller's Silent
// flag; ticket messages leave it unset and so arrive with notification.
func (r *Router) SendTask(ctx context.Context, msg messaging.OutMessage) (int, error) {
	return r.msgs.Send(ctx, r.TasksDest(), msg)
}

// SendTaskEphemeral posts a silent status bubble into the tasks topic and
// schedules its deletion, per the tasks-topic ephemeral policy.
func (r *Router) SendTaskEphemeral(ctx context.Context, msg messaging.OutMessage, lifetime time.Duration) {
	msg.Silent = true
	dest := r.TasksDest()
	id, err := r.msgs.Send(ctx, dest, msg)
	if err != nil || id == 0 {
		if err != nil {
			r.logger.Error("sending ephemeral task reply", "error", err)
		}
		return
	}
	if err := r.msgs.ScheduleDelete(ctx, dest, id, lifetime); err != nil {
		r.logger.Error("scheduling ephemeral task reply deletion", "message_id", id, "error", err)
	}
}

// SendAlert posts a monitoring alert into the ping topic (with notification)
// and schedules its deletion after the configured alert lifetime.
func (r *Router) SendAlert(ctx context.Context, msg messaging.OutMessage) (int, error) {
	cfg := r.config()
	dest := r.PingDest()
	id, err := r.msgs.Send(ctx, dest, msg)
	if err != nil || id == 0 {
		return 0, err
	}
	if err := r.msgs.ScheduleDelete(ctx, dest, id, cfg.AlertLifetime); err != nil {
		r.logger.Error("scheduling alert deletion", "message_id", id, "error", err)
	}
	return id, nil
}

// DeleteAlert removes a previously sent alert message (e.g. stale DOWN
// alerts once the server recovers).
func (r *Router) DeleteAlert(ctx context.Context, messageID int) error {
	return r.msgs.Delete(ctx, r.PingDest(), messageID)
}

// EnsureDashboard renders a persistent message in dest, forcing the silent
// flag the dashboard policy requires on the initial send.
func (r *Router) EnsureDashboard(ctx context.Context, dest messaging.Destination, kind string, render messaging.Render) (int, error) {
	return r.msgs.EnsurePersistent(ctx, dest, kind, func() messaging.OutMessage {
		msg := render()
		msg.Silent = true
		return msg
	})
}
