package notify

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wisbric/opswatch/pkg/messaging"
)

type fakeManager struct {
	sends     []messaging.OutMessage
	sendDests []messaging.Destination
	scheduled []int
	deleted   []int
	persists  []string
	persisted messaging.OutMessage
	nextID    int
}

func (f *fakeManager) Send(ctx context.Context, dest messaging.Destination, msg messaging.OutMessage) (int, error) {
	f.sends = append(f.sends, msg)
	f.sendDests = append(f.sendDests, dest)
	f.nextID++
	return f.nextID, nil
}

func (f *fakeManager) Edit(ctx context.Context, dest messaging.Destination, messageID int, msg messaging.OutMessage) error {
	return nil
}

func (f *fakeManager) Delete(ctx context.Context, dest messaging.Destination, messageID int) error {
	f.deleted = append(f.deleted, messageID)
	return nil
}

func (f *fakeManager) EnsurePersistent(ctx context.Context, dest messaging.Destination, kind string, render messaging.Render) (int, error) {
	f.persists = append(f.persists, kind)
	f.persisted = render()
	return 1, nil
}

func (f *fakeManager) ScheduleDelete(ctx context.Context, dest messaging.Destination, messageID int, after time.Duration) error {
	f.scheduled = append(f.scheduled, messageID)
	return nil
}

func testRouter(mgr *fakeManager) *Router {
	cfg := func() Config {
		return Config{
			ChatID:        -100,
			Topics:        Topics{Bot: 1, Ping: 2, Metrics: 3, Tasks: 4, Employee: 5},
			AlertLifetime: 30 * time.Second,
		}
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(mgr, cfg, logger)
}

func TestDestinationsCarryConfiguredTopics(t *testing.T) {
	r := testRouter(&fakeManager{})

	tasks := r.TasksDest()
	require.Equal(t, int64(-100), tasks.ChatID)
	require.NotNil(t, tasks.TopicID)
	require.Equal(t, 4, *tasks.TopicID)

	ping := r.PingDest()
	require.Equal(t, 2, *ping.TopicID)

	metrics, ok := r.MetricsDest()
	require.True(t, ok)
	require.Equal(t, 3, *metrics.TopicID)
}

func TestMetricsDestUnconfigured(t *testing.T) {
	mgr := &fakeManager{}
	cfg := func() Config { return Config{ChatID: -100} }
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := New(mgr, cfg, logger)

	_, ok := r.MetricsDest()
	require.False(t, ok)
}

func TestSendTaskEphemeralForcesSilentAndSchedules(t *testing.T) {
	mgr := &fakeManager{}
	r := testRouter(mgr)

	r.SendTaskEphemeral(context.Background(), messaging.OutMessage{Text: "done", Silent: false}, 30*time.Second)
	require.Len(t, mgr.sends, 1)
	require.True(t, mgr.sends[0].Silent, "tasks-topic ephemerals are always silent")
	require.Equal(t, []int{1}, mgr.scheduled)
}

func TestSendAlertSchedulesLifetimeDeletion(t *testing.T) {
	mgr := &fakeManager{}
	r := testRouter(mgr)

	id, err := r.SendAlert(context.Background(), messaging.OutMessage{Text: "down"})
	require.NoError(t, err)
	require.Equal(t, 1, id)
	require.Equal(t, []int{1}, mgr.scheduled)
	require.False(t, mgr.sends[0].Silent, "alerts notify")
}

func TestEnsureDashboardForcesSilent(t *testing.T) {
	mgr := &fakeManager{}
	r := testRouter(mgr)

	_, err := r.EnsureDashboard(context.Background(), r.PingDest(), "dashboard", func() messaging.OutMessage {
		return messaging.OutMessage{Text: "status", Silent: false}
	})
	require.NoError(t, err)
	require.Equal(t, []string{"dashboard"}, mgr.persists)
	require.True(t, mgr.persisted.Silent)
}
