package ticket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wisbric/opswatch/pkg/store"
)

func TestReportWindowIsPreviousFullWeek(t *testing.T) {
	// A Monday: the window is the week before, Monday through Sunday.
	monday := time.Date(2026, 8, 3, 9, 0, 0, 0, time.UTC)
	from, to := reportWindow(monday)
	require.Equal(t, time.Date(2026, 7, 27, 0, 0, 0, 0, time.UTC), from)
	require.Equal(t, time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC), to)

	// Mid-week dates report the same window.
	thursday := time.Date(2026, 8, 6, 15, 30, 0, 0, time.UTC)
	from2, to2 := reportWindow(thursday)
	require.Equal(t, from, from2)
	require.Equal(t, to, to2)

	// A Sunday still belongs to the current week.
	sunday := time.Date(2026, 8, 9, 23, 59, 0, 0, time.UTC)
	from3, _ := reportWindow(sunday)
	require.Equal(t, from, from3)
}

func TestRenderWeeklyReport(t *testing.T) {
	from := time.Date(2026, 7, 27, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC)

	totals := store.ActionTotals{Assigned: 4, Closed: 3, Rejected: 1, Commented: 2, Total: 10}
	users := []store.UserActionStats{
		{Username: "alice", Closed: 2, Commented: 1},
		{Username: "bob", Closed: 1, Rejected: 1},
		{Username: "idle", Closed: 0, Commented: 5},
	}

	msg := renderWeeklyReport(from, to, totals, users)
	require.True(t, msg.Silent)
	require.Contains(t, msg.Text, "27.07.2026 — 02.08.2026")
	require.Contains(t, msg.Text, "Закрыто:     <b>3</b>")
	require.Contains(t, msg.Text, "Всего действий: <b>10</b>")
	require.Contains(t, msg.Text, "🥇 <b>alice</b>: ✅2 💬1")
	require.Contains(t, msg.Text, "🥈 <b>bob</b>: ✅1 ❌1")
	require.NotContains(t, msg.Text, "idle", "users with no closed tickets stay out of the ranking")
}

func TestRenderWeeklyReportEmpty(t *testing.T) {
	from := time.Date(2026, 7, 27, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 7)

	msg := renderWeeklyReport(from, to, store.ActionTotals{}, nil)
	require.Contains(t, msg.Text, "Нет данных за указанный период")
}
