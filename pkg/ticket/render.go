package ticket

import (
	"fmt"
	"html"
	"strings"

	"github.com/wisbric/opswatch/pkg/messaging"
	"github.com/wisbric/opswatch/pkg/otrs"
)

// Callback actions encoded into keyboard buttons as "action:ticket_id".
const (
	actTake           = "take"
	actClose          = "close"
	actReject         = "reject"
	actReassign       = "reassign"
	actComment        = "comment"
	actRefresh        = "refresh"
	actRefreshPrivate = "refresh_private"
)

// unassignedOwners are the owner strings that mean "nobody has this ticket",
// compared after trimming and lowercasing: placeholder accounts, the bot's
// own service-account spellings, and the store's localized "not assigned"
// labels.
var unassignedOwners = map[string]bool{
	"":                true,
	"-":               true,
	"none":            true,
	"root":            true,
	"admin":           true,
	"root@localhost":  true,
	"admin@localhost": true,
	"не назначен":     true,
	"не назначено":    true,
	"telegram_bot":    true,
	"telegram-bot":    true,
	"telegrambot":     true,
	"bot":             true,
}

// ownerUnassigned reports whether owner denotes an unassigned ticket.
func ownerUnassigned(owner string) bool {
	return unassignedOwners[strings.ToLower(strings.TrimSpace(owner))]
}

// stateClosed reports whether the ticket state is terminal for keyboard
// purposes.
func stateClosed(state string) bool {
	return strings.Contains(strings.ToLower(state), "closed")
}

// keyboard derives the tasks-topic keyboard from ticket state and ownership.
// The derivation is deterministic: same state + owner always yields the same
// rows.
func (r *Reconciler) keyboard(t otrs.Ticket) messaging.Keyboard {
	open := messaging.Button{Text: "🔗 Открыть в OTRS", URL: r.ticketURL(t.TicketID)}
	refresh := messaging.Button{Text: "🔄 Обновить", CallbackData: cbData(actRefresh, t.TicketID)}

	if stateClosed(t.State) {
		return messaging.Keyboard{}.Row(refresh, open)
	}

	if ownerUnassigned(t.Owner) {
		return messaging.Keyboard{}.
			Row(
				messaging.Button{Text: "✅ Взять", CallbackData: cbData(actTake, t.TicketID)},
				messaging.Button{Text: "💬 Комментарий", CallbackData: cbData(actComment, t.TicketID)},
				messaging.Button{Text: "🚫 Отклонить", CallbackData: cbData(actReject, t.TicketID)},
			).
			Row(refresh, open)
	}

	return messaging.Keyboard{}.
		Row(
			messaging.Button{Text: "✔️ Закрыть", CallbackData: cbData(actClose, t.TicketID)},
			messaging.Button{Text: "💬 Комментарий", CallbackData: cbData(actComment, t.TicketID)},
		).
		Row(
			messaging.Button{Text: "↩️ Вернуть", CallbackData: cbData(actReassign, t.TicketID)},
			messaging.Button{Text: "🚫 Отклонить", CallbackData: cbData(actReject, t.TicketID)},
		).
		Row(refresh, open)
}

// privateKeyboard is the mirror-copy keyboard: no take/reassign, and refresh
// targets the private copy instead of the shared message.
func (r *Reconciler) privateKeyboard(t otrs.Ticket) messaging.Keyboard {
	open := messaging.Button{Text: "🔗 Открыть в OTRS", URL: r.ticketURL(t.TicketID)}
	refresh := messaging.Button{Text: "🔄 Обновить", CallbackData: cbData(actRefreshPrivate, t.TicketID)}

	if stateClosed(t.State) {
		return messaging.Keyboard{}.Row(refresh, open)
	}
	return messaging.Keyboard{}.
		Row(
			messaging.Button{Text: "✔️ Закрыть", CallbackData: cbData(actClose, t.TicketID)},
			messaging.Button{Text: "💬 Комментарий", CallbackData: cbData(actComment, t.TicketID)},
			messaging.Button{Text: "🚫 Отклонить", CallbackData: cbData(actReject, t.TicketID)},
		).
		Row(refresh, open)
}

func cbData(action, ticketID string) string {
	return action + ":" + ticketID
}

func (r *Reconciler) ticketURL(id string) string {
	return fmt.Sprintf("%s/otrs/index.pl?Action=AgentTicketZoom;TicketID=%s", r.webBaseURL, id)
}

// articlePreviewLen caps the quoted first article body.
const articlePreviewLen = 400

// renderTicket produces the shared tasks-topic message body for a ticket.
func renderTicket(t otrs.Ticket) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🎫 <b>Заявка %s</b>\n", html.EscapeString(t.Number))
	fmt.Fprintf(&b, "<b>%s</b>\n\n", html.EscapeString(t.Title))
	fmt.Fprintf(&b, "Состояние: <b>%s</b>\n", html.EscapeString(t.State))
	fmt.Fprintf(&b, "Приоритет: %s\n", html.EscapeString(t.Priority))
	fmt.Fprintf(&b, "Очередь: %s\n", html.EscapeString(t.Queue))
	if !ownerUnassigned(t.Owner) {
		fmt.Fprintf(&b, "Исполнитель: %s\n", html.EscapeString(t.Owner))
	}
	if t.Customer != "" {
		fmt.Fprintf(&b, "Заявитель: %s\n", html.EscapeString(t.Customer))
	}
	if !t.CreatedAt.IsZero() {
		fmt.Fprintf(&b, "Создана: %s\n", t.CreatedAt.Format("02.01.2006 15:04"))
	}
	if len(t.ArticleBodies) > 0 {
		preview := strings.TrimSpace(t.ArticleBodies[0])
		if len(preview) > articlePreviewLen {
			preview = preview[:articlePreviewLen] + "…"
		}
		if preview != "" {
			fmt.Fprintf(&b, "\n<blockquote>%s</blockquote>", html.EscapeString(preview))
		}
	}
	return b.String()
}

func (r *Reconciler) renderShared(t otrs.Ticket) messaging.OutMessage {
	kb := r.keyboard(t)
	return messaging.OutMessage{
		Text:      renderTicket(t),
		ParseMode: messaging.ParseModeHTML,
		Keyboard:  &kb,
	}
}

func (r *Reconciler) renderPrivate(t otrs.Ticket) messaging.OutMessage {
	kb := r.privateKeyboard(t)
	return messaging.OutMessage{
		Text:      "📌 Ваша заявка\n\n" + renderTicket(t),
		ParseMode: messaging.ParseModeHTML,
		Keyboard:  &kb,
		Silent:    true,
	}
}

func ephemeralText(text string) messaging.OutMessage {
	return messaging.OutMessage{
		Text:      text,
		ParseMode: messaging.ParseModeHTML,
	}
}

// truncate shortens an external error message for a user-facing bubble.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
