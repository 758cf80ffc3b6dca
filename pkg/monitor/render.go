package monitor

import (
	"context"
	"fmt"
	"html"
	"sort"
	"strings"
	"time"

	"github.com/wisbric/opswatch/pkg/messaging"
	"github.com/wisbric/opswatch/pkg/store"
)

func alertDownMessage(st *serverStatus) messaging.OutMessage {
	return messaging.OutMessage{
		Text:      fmt.Sprintf("🔴 <b>%s</b> (%s) недоступен.", html.EscapeString(st.name), html.EscapeString(st.address)),
		ParseMode: messaging.ParseModeHTML,
	}
}

func alertUpMessage(st *serverStatus, downtimeSeconds int64) messaging.OutMessage {
	return messaging.OutMessage{
		Text: fmt.Sprintf("🟢 <b>%s</b> (%s) снова доступен. Простой: %s.",
			html.EscapeString(st.name), html.EscapeString(st.address),
			formatElapsed(time.Duration(downtimeSeconds)*time.Second)),
		ParseMode: messaging.ParseModeHTML,
	}
}

func alertReminderMessage(st *serverStatus, now time.Time) messaging.OutMessage {
	return messaging.OutMessage{
		Text: fmt.Sprintf("⏰ <b>%s</b> всё ещё недоступен (%s).",
			html.EscapeString(st.name), formatElapsed(now.Sub(st.lastStateChange))),
		ParseMode: messaging.ParseModeHTML,
	}
}

// dashboardMessage renders the persistent ping-topic dashboard: header with
// last check time, the online/total line, then one section per group.
func (e *Engine) dashboardMessage(now time.Time) messaging.OutMessage {
	groups := make(map[string][]*serverStatus)
	online, total := 0, 0
	for _, st := range e.status {
		if !st.firstCheckDone {
			continue
		}
		groups[st.group] = append(groups[st.group], st)
		total++
		if st.isAlive {
			online++
		}
	}

	names := make([]string, 0, len(groups))
	for g := range groups {
		names = append(names, g)
	}
	sort.Strings(names)

	var b strings.Builder
	fmt.Fprintf(&b, "🖥 <b>Мониторинг серверов</b>\n")
	fmt.Fprintf(&b, "Проверено: %s\n", now.Format("02.01.2006 15:04:05"))
	fmt.Fprintf(&b, "Доступно: <b>%d/%d</b>\n", online, total)

	for _, g := range names {
		servers := groups[g]
		sort.Slice(servers, func(i, j int) bool { return servers[i].name < servers[j].name })

		fmt.Fprintf(&b, "\n<b>%s</b>\n", html.EscapeString(g))
		for _, st := range servers {
			icon := "🟢"
			if !st.isAlive {
				icon = "🔴"
			}
			fmt.Fprintf(&b, "%s %s", icon, html.EscapeString(st.name))
			if st.address != "" && st.address != st.name {
				fmt.Fprintf(&b, " (%s)", html.EscapeString(st.address))
			}
			fmt.Fprintf(&b, " — %s\n", formatElapsed(now.Sub(st.lastStateChange)))
		}
	}

	return messaging.OutMessage{Text: b.String(), ParseMode: messaging.ParseModeHTML}
}

// Derived carries the read-model metric derivations for one server.
type Derived struct {
	AvailabilityPercent float64
	AvgDowntimeSeconds  float64
	Metrics             store.ServerMetrics
}

// derive computes availability and mean downtime from the cached counters
// and the server's observation window.
func derive(m store.ServerMetrics, firstSeen, lastSeen time.Time) Derived {
	d := Derived{Metrics: m, AvailabilityPercent: 100}

	totalTime := lastSeen.Sub(firstSeen).Seconds()
	if totalTime > 0 {
		uptime := totalTime - float64(m.TotalDowntimeSeconds)
		if uptime < 0 {
			uptime = 0
		}
		d.AvailabilityPercent = 100 * uptime / totalTime
	}
	if m.DowntimeCount > 0 {
		d.AvgDowntimeSeconds = float64(m.TotalDowntimeSeconds) / float64(m.DowntimeCount)
	}
	return d
}

// metricsSummaryMessage renders the optional metrics-topic summary.
func (e *Engine) metricsSummaryMessage(ctx context.Context, servers []store.Server) (messaging.OutMessage, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "📊 <b>Доступность серверов</b>\n")

	for _, sv := range servers {
		m, err := e.store.Metrics(ctx, sv.ID)
		if err != nil {
			return messaging.OutMessage{}, err
		}
		first, last, err := e.store.FirstLastSeen(ctx, sv.ID)
		if err != nil {
			return messaging.OutMessage{}, err
		}
		d := derive(m, first, last)

		fmt.Fprintf(&b, "\n<b>%s</b> — %.2f%%\n", html.EscapeString(sv.Name), d.AvailabilityPercent)
		fmt.Fprintf(&b, "Простоев: %d, суммарно %s", m.DowntimeCount, formatElapsed(time.Duration(m.TotalDowntimeSeconds)*time.Second))
		if m.DowntimeCount > 0 {
			fmt.Fprintf(&b, ", максимум %s", formatElapsed(time.Duration(m.LongestDowntimeSeconds)*time.Second))
		}
		b.WriteString("\n")
	}

	return messaging.OutMessage{Text: b.String(), ParseMode: messaging.ParseModeHTML}, nil
}
