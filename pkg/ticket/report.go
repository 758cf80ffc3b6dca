package ticket

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/wisbric/opswatch/pkg/messaging"
	"github.com/wisbric/opswatch/pkg/store"
)

// reportWindow returns the previous full Monday–Sunday week relative to now.
func reportWindow(now time.Time) (time.Time, time.Time) {
	daysSinceMonday := (int(now.Weekday()) + 6) % 7
	thisMonday := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).
		AddDate(0, 0, -daysSinceMonday)
	lastMonday := thisMonday.AddDate(0, 0, -7)
	return lastMonday, thisMonday
}

// WeeklyReportMessage builds the Monday-morning ticket-actions report over
// the previous week: overall totals by action kind plus a per-user ranking
// by closed tickets.
func (r *Reconciler) WeeklyReportMessage(ctx context.Context) (messaging.OutMessage, error) {
	from, to := reportWindow(time.Now())
	totals, users, err := r.store.WeeklyActionStats(ctx, from, to)
	if err != nil {
		return messaging.OutMessage{}, fmt.Errorf("loading weekly action stats: %w", err)
	}
	return renderWeeklyReport(from, to, totals, users), nil
}

func renderWeeklyReport(from, to time.Time, totals store.ActionTotals, users []store.UserActionStats) messaging.OutMessage {
	var b strings.Builder
	b.WriteString("📊 <b>ЕЖЕНЕДЕЛЬНЫЙ ОТЧЁТ OTRS</b>\n")
	b.WriteString("━━━━━━━━━━━━━━━━━━━━━━━\n\n")
	fmt.Fprintf(&b, "📅 Период: <b>%s — %s</b>\n\n", from.Format("02.01.2006"), to.AddDate(0, 0, -1).Format("02.01.2006"))

	b.WriteString("📈 <b>Общая статистика:</b>\n")
	b.WriteString("┌─────────────────────\n")
	fmt.Fprintf(&b, "│ ✅ Закрыто:     <b>%d</b>\n", totals.Closed)
	fmt.Fprintf(&b, "│ ❌ Отклонено:   <b>%d</b>\n", totals.Rejected)
	fmt.Fprintf(&b, "│ 👤 Назначено:   <b>%d</b>\n", totals.Assigned)
	fmt.Fprintf(&b, "│ 💬 Комментариев: <b>%d</b>\n", totals.Commented)
	b.WriteString("└─────────────────────\n")
	fmt.Fprintf(&b, "📊 Всего действий: <b>%d</b>\n\n", totals.Total)

	anyClosed := false
	if len(users) > 0 {
		b.WriteString("🏆 <b>Рейтинг по закрытым заявкам:</b>\n\n")
		medals := []string{"🥇", "🥈", "🥉"}
		for i, u := range users {
			if i >= 10 || u.Closed == 0 {
				continue
			}
			anyClosed = true

			medal := fmt.Sprintf("  %d.", i+1)
			if i < len(medals) {
				medal = medals[i]
			}

			name := u.Username
			if name == "" {
				name = u.Email
			}
			if runes := []rune(name); len(runes) > 15 {
				name = string(runes[:12]) + "..."
			}

			var details []string
			details = append(details, fmt.Sprintf("✅%d", u.Closed))
			if u.Rejected > 0 {
				details = append(details, fmt.Sprintf("❌%d", u.Rejected))
			}
			if u.Commented > 0 {
				details = append(details, fmt.Sprintf("💬%d", u.Commented))
			}
			fmt.Fprintf(&b, "%s <b>%s</b>: %s\n", medal, html.EscapeString(name), strings.Join(details, " "))
		}
		if !anyClosed {
			b.WriteString("   <i>Нет закрытых заявок за период</i>\n")
		}
	} else {
		b.WriteString("📭 <i>Нет данных за указанный период</i>\n")
	}

	b.WriteString("\n━━━━━━━━━━━━━━━━━━━━━━━\n")
	b.WriteString("🤖 <i>Автоматический отчёт Telegram Bot</i>")

	return messaging.OutMessage{Text: b.String(), ParseMode: messaging.ParseModeHTML, Silent: true}
}
