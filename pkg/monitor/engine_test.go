package monitor

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wisbric/opswatch/pkg/messaging"
	"github.com/wisbric/opswatch/pkg/store"
)

type recordedEvent struct {
	serverID int64
	kind     string
	at       time.Time
	duration *int64
}

type fakeMonitorStore struct {
	servers []store.Server
	events  []recordedEvent
}

func (f *fakeMonitorStore) ListServers(ctx context.Context) ([]store.Server, error) {
	return f.servers, nil
}

func (f *fakeMonitorStore) TouchLastSeen(ctx context.Context, serverID int64, at time.Time) error {
	return nil
}

func (f *fakeMonitorStore) RecordEvent(ctx context.Context, serverID int64, kind string, at time.Time, duration *int64) error {
	f.events = append(f.events, recordedEvent{serverID: serverID, kind: kind, at: at, duration: duration})
	return nil
}

func (f *fakeMonitorStore) Metrics(ctx context.Context, serverID int64) (store.ServerMetrics, error) {
	return store.ServerMetrics{ServerID: serverID, LastStatus: "UNKNOWN"}, nil
}

func (f *fakeMonitorStore) FirstLastSeen(ctx context.Context, serverID int64) (time.Time, time.Time, error) {
	return time.Time{}, time.Time{}, nil
}

type fakeAlertRouter struct {
	alerts        []string
	alertIDs      []int
	deletedAlerts []int
	dashboards    int
	nextID        int
}

func (f *fakeAlertRouter) PingDest() messaging.Destination {
	topic := 5
	return messaging.Destination{ChatID: -100, TopicID: &topic}
}

func (f *fakeAlertRouter) MetricsDest() (messaging.Destination, bool) {
	return messaging.Destination{}, false
}

func (f *fakeAlertRouter) SendAlert(ctx context.Context, msg messaging.OutMessage) (int, error) {
	f.alerts = append(f.alerts, msg.Text)
	f.nextID++
	f.alertIDs = append(f.alertIDs, f.nextID)
	return f.nextID, nil
}

func (f *fakeAlertRouter) DeleteAlert(ctx context.Context, messageID int) error {
	f.deletedAlerts = append(f.deletedAlerts, messageID)
	return nil
}

func (f *fakeAlertRouter) EnsureDashboard(ctx context.Context, dest messaging.Destination, kind string, render messaging.Render) (int, error) {
	f.dashboards++
	render() // exercise the render path
	return 1, nil
}

// scriptedProber replays a per-server sequence of probe outcomes.
type scriptedProber struct {
	results map[string][]bool
	calls   map[string]int
}

func (p *scriptedProber) Probe(ctx context.Context, address string) bool {
	i := p.calls[address]
	p.calls[address]++
	seq := p.results[address]
	if i >= len(seq) {
		return seq[len(seq)-1]
	}
	return seq[i]
}

func newTestEngine(st *fakeMonitorStore, prober Prober) (*Engine, *fakeAlertRouter, *time.Time) {
	rt := &fakeAlertRouter{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := New(st, rt, prober, logger)
	e.probeConcurrency = 1

	now := time.Date(2026, 8, 2, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return now }
	return e, rt, &now
}

func webServer() store.Server {
	return store.Server{ID: 1, GroupID: 1, GroupName: "prod", Name: "web-01", Address: "10.0.0.10"}
}

// The spec's flap scenario: UP at t=0, fail at 30 (no alert), fail at 60
// (DOWN alert + event), reminder at 180, recovery at 210 with a 150-second
// UP event and stale alert cleanup.
func TestFlapScenario(t *testing.T) {
	st := &fakeMonitorStore{servers: []store.Server{webServer()}}
	prober := &scriptedProber{
		results: map[string][]bool{"10.0.0.10": {true, false, false, false, false, false, false, true}},
		calls:   map[string]int{},
	}
	e, rt, now := newTestEngine(st, prober)
	ctx := context.Background()
	t0 := *now

	// t=0: first observation, UP. One UP event, no alert.
	require.NoError(t, e.Tick(ctx))
	require.Len(t, st.events, 1)
	require.Equal(t, "UP", st.events[0].kind)
	require.Empty(t, rt.alerts)

	// t=30: first failure. Suppressed.
	*now = t0.Add(30 * time.Second)
	require.NoError(t, e.Tick(ctx))
	require.Len(t, st.events, 1)
	require.Empty(t, rt.alerts)

	// t=60: second consecutive failure. DOWN event + alert.
	*now = t0.Add(60 * time.Second)
	require.NoError(t, e.Tick(ctx))
	require.Len(t, st.events, 2)
	require.Equal(t, "DOWN", st.events[1].kind)
	require.Len(t, rt.alerts, 1)

	// t=90..150: still down, inside the reminder window. Nothing new.
	for _, offset := range []int{90, 120, 150} {
		*now = t0.Add(time.Duration(offset) * time.Second)
		require.NoError(t, e.Tick(ctx))
	}
	require.Len(t, rt.alerts, 1)

	// t=180: 120 s since the alert. Reminder fires.
	*now = t0.Add(180 * time.Second)
	require.NoError(t, e.Tick(ctx))
	require.Len(t, rt.alerts, 2)

	// t=210: recovery. UP event with 150 s duration, stale alerts deleted.
	*now = t0.Add(210 * time.Second)
	require.NoError(t, e.Tick(ctx))
	require.Len(t, st.events, 3)
	up := st.events[2]
	require.Equal(t, "UP", up.kind)
	require.NotNil(t, up.duration)
	require.Equal(t, int64(150), *up.duration)
	require.Len(t, rt.alerts, 3, "UP alert announced")
	require.ElementsMatch(t, []int{1, 2}, rt.deletedAlerts, "both down alerts removed")
}

func TestFirstObservationDownAlertsImmediately(t *testing.T) {
	st := &fakeMonitorStore{servers: []store.Server{webServer()}}
	prober := &scriptedProber{
		results: map[string][]bool{"10.0.0.10": {false}},
		calls:   map[string]int{},
	}
	e, rt, _ := newTestEngine(st, prober)

	require.NoError(t, e.Tick(context.Background()))
	require.Len(t, st.events, 1)
	require.Equal(t, "DOWN", st.events[0].kind)
	require.Nil(t, st.events[0].duration)
	require.Len(t, rt.alerts, 1, "first-observation DOWN alerts without suppression")
}

func TestSingleTickFlapProducesNoAlert(t *testing.T) {
	st := &fakeMonitorStore{servers: []store.Server{webServer()}}
	prober := &scriptedProber{
		results: map[string][]bool{"10.0.0.10": {true, false, true}},
		calls:   map[string]int{},
	}
	e, rt, now := newTestEngine(st, prober)
	ctx := context.Background()
	t0 := *now

	require.NoError(t, e.Tick(ctx))
	*now = t0.Add(30 * time.Second)
	require.NoError(t, e.Tick(ctx))
	*now = t0.Add(60 * time.Second)
	require.NoError(t, e.Tick(ctx))

	require.Empty(t, rt.alerts, "one failed tick between two good ones stays quiet")
	require.Len(t, st.events, 1, "only the initial UP event")
}

func TestRemovedServerForgotten(t *testing.T) {
	st := &fakeMonitorStore{servers: []store.Server{webServer()}}
	prober := &scriptedProber{
		results: map[string][]bool{"10.0.0.10": {true}},
		calls:   map[string]int{},
	}
	e, _, _ := newTestEngine(st, prober)
	ctx := context.Background()

	require.NoError(t, e.Tick(ctx))
	require.Len(t, e.status, 1)

	st.servers = nil
	require.NoError(t, e.Tick(ctx))
	require.Empty(t, e.status)
}

func TestDerive(t *testing.T) {
	first := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	last := first.Add(100 * time.Second)

	d := derive(store.ServerMetrics{TotalDowntimeSeconds: 25, DowntimeCount: 5}, first, last)
	require.InDelta(t, 75.0, d.AvailabilityPercent, 0.001)
	require.InDelta(t, 5.0, d.AvgDowntimeSeconds, 0.001)

	// Zero observation window reports full availability.
	d = derive(store.ServerMetrics{}, first, first)
	require.Equal(t, 100.0, d.AvailabilityPercent)
	require.Zero(t, d.AvgDowntimeSeconds)

	// Downtime exceeding the window clamps at zero uptime.
	d = derive(store.ServerMetrics{TotalDowntimeSeconds: 500}, first, last)
	require.Zero(t, d.AvailabilityPercent)
}

func TestFormatElapsed(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{42 * time.Second, "42s"},
		{5*time.Minute + 12*time.Second, "5m 12s"},
		{3*time.Hour + 7*time.Minute, "3h 07m"},
		{2*24*time.Hour + 4*time.Hour, "2d 4h"},
		{-time.Second, "0s"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, formatElapsed(tt.d), "duration %v", tt.d)
	}
}
