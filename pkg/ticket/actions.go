package ticket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/wisbric/opswatch/internal/errkind"
	"github.com/wisbric/opswatch/internal/telemetry"
	"github.com/wisbric/opswatch/pkg/messaging"
	"github.com/wisbric/opswatch/pkg/otrs"
	"github.com/wisbric/opswatch/pkg/pendingaction"
	"github.com/wisbric/opswatch/pkg/store"
)

// Callback is a normalized inline-button press on a ticket message.
type Callback struct {
	Action    string
	TicketID  string
	ChatID    int64
	TopicID   *int
	MessageID int
}

// HandleCallback routes a ticket-action button press. handled=false means
// the action does not belong to this package. The actor must already be
// verified; policy violations inside an action come back as user-visible
// ephemeral bubbles, not errors.
func (r *Reconciler) HandleCallback(ctx context.Context, actor Actor, cb Callback) (bool, error) {
	switch cb.Action {
	case actTake:
		return true, r.take(ctx, actor, cb)
	case actClose:
		return true, r.askReason(ctx, actor, cb, pendingaction.KindClose, "Введите причину закрытия одним сообщением.")
	case actReject:
		return true, r.askReason(ctx, actor, cb, pendingaction.KindReject, "Введите причину отклонения одним сообщением.")
	case actComment:
		return true, r.askReason(ctx, actor, cb, pendingaction.KindComment, "Введите текст комментария одним сообщением.")
	case actReassign:
		return true, r.reassign(ctx, actor, cb)
	case actRefresh:
		return true, r.refresh(ctx, cb)
	case actRefreshPrivate:
		return true, r.refreshPrivate(ctx, actor, cb)
	default:
		return false, nil
	}
}

// SubmitAction is invoked by the dispatcher when the pending-action broker
// collects the free-text body for a previously requested close/reject/
// comment.
func (r *Reconciler) SubmitAction(ctx context.Context, actor Actor, kind pendingaction.Kind, ticketID, text string) error {
	switch kind {
	case pendingaction.KindClose:
		return r.finish(ctx, actor, ticketID, "closed successful", "closed", text)
	case pendingaction.KindReject:
		return r.finish(ctx, actor, ticketID, "closed unsuccessful", "rejected", text)
	case pendingaction.KindComment:
		return r.comment(ctx, actor, ticketID, text)
	default:
		return fmt.Errorf("unknown pending action kind %q", kind)
	}
}

func (r *Reconciler) take(ctx context.Context, actor Actor, cb Callback) error {
	l := r.locks.lock(cb.TicketID)
	defer l.Unlock()

	t, err := r.api.GetTicket(ctx, cb.TicketID)
	if err != nil {
		return r.surface(ctx, err)
	}
	if !ownerUnassigned(t.Owner) {
		r.router.SendTaskEphemeral(ctx, ephemeralText(fmt.Sprintf("⚠️ Заявку %s уже взял %s.", t.Number, t.Owner)), confirmLifetime)
		return nil
	}

	login, ok := r.ResolveAgentLogin(ctx, actor.Email)
	if !ok {
		r.router.SendTaskEphemeral(ctx, ephemeralText("⛔ Для вашей почты не найден логин агента в OTRS."), confirmLifetime)
		return nil
	}

	state := "open"
	note := fmt.Sprintf("Assigned to %s (%s) via bot", login, actor.Email)
	err = r.api.UpdateTicket(ctx, cb.TicketID, otrs.Update{
		State: &state,
		Owner: &login,
		Article: &otrs.Article{
			Subject: "Назначение через бот",
			Body:    note,
		},
	})
	if err != nil {
		return r.surface(ctx, err)
	}

	r.recordAction(ctx, actor, "assigned", t, map[string]string{"owner": login})

	t.State = state
	t.Owner = login
	if err := r.rerenderLocked(ctx, t, cb.MessageID); err != nil {
		r.logger.Error("re-rendering taken ticket", "ticket_id", t.TicketID, "error", err)
	}
	r.sendMirrorLocked(ctx, actor, t)
	return nil
}

// askReason registers a pending action and prompts for free text, replying
// to the ticket message so the thread stays readable. Close and reject carry
// an ownership guard: an assigned ticket may only be finished by its owner.
func (r *Reconciler) askReason(ctx context.Context, actor Actor, cb Callback, kind pendingaction.Kind, prompt string) error {
	if kind != pendingaction.KindComment {
		t, err := r.api.GetTicket(ctx, cb.TicketID)
		if err != nil {
			return r.surface(ctx, err)
		}
		if denied := r.guardOwnership(ctx, actor, t); denied {
			return nil
		}
	}

	dest := r.router.TasksDest()
	promptID, err := r.router.SendTask(ctx, messaging.OutMessage{
		Text:      "✍️ " + prompt,
		ParseMode: messaging.ParseModeHTML,
		Silent:    true,
		ReplyTo:   cb.MessageID,
	})
	if err != nil {
		return err
	}

	r.broker.Set(actor.ChatUserID, pendingaction.Action{
		Kind:            kind,
		TicketID:        cb.TicketID,
		PromptChatID:    dest.ChatID,
		PromptTopicID:   dest.TopicID,
		PromptMessageID: promptID,
		AnchorMessageID: cb.MessageID,
	})
	return nil
}

// finish closes or rejects a ticket with the collected reason, retires the
// shared message and every private mirror, and confirms ephemerally.
func (r *Reconciler) finish(ctx context.Context, actor Actor, ticketID, targetState, actionKind, reason string) error {
	l := r.locks.lock(ticketID)
	defer l.Unlock()

	t, err := r.api.GetTicket(ctx, ticketID)
	if err != nil {
		return r.surface(ctx, err)
	}
	if denied := r.guardOwnership(ctx, actor, t); denied {
		return nil
	}

	verb := "Closed"
	if actionKind == "rejected" {
		verb = "Rejected"
	}
	err = r.api.UpdateTicket(ctx, ticketID, otrs.Update{
		State: &targetState,
		Article: &otrs.Article{
			Subject: "Решение через бот",
			Body:    fmt.Sprintf("%s via bot by %s. Reason: %s", verb, actor.Email, reason),
		},
	})
	if err != nil {
		return r.surface(ctx, err)
	}

	r.recordAction(ctx, actor, actionKind, t, map[string]string{"reason": reason})

	dest := r.router.TasksDest()
	known, err := r.store.KnownActive(ctx, dest.ChatID, dest.TopicID)
	messageID := 0
	if err == nil {
		if m, ok := known[ticketID]; ok {
			messageID = m.MessageID
		}
	}
	if err := r.retireLocked(ctx, ticketID, messageID); err != nil {
		r.logger.Error("retiring finished ticket", "ticket_id", ticketID, "error", err)
	}

	telemetry.TicketActionsTotal.WithLabelValues(actionKind).Inc()
	r.router.SendTaskEphemeral(ctx, ephemeralText(fmt.Sprintf("✅ Заявка %s обработана.", t.Number)), confirmLifetime)
	return nil
}

func (r *Reconciler) comment(ctx context.Context, actor Actor, ticketID, body string) error {
	l := r.locks.lock(ticketID)
	defer l.Unlock()

	t, err := r.api.GetTicket(ctx, ticketID)
	if err != nil {
		return r.surface(ctx, err)
	}

	err = r.api.UpdateTicket(ctx, ticketID, otrs.Update{
		Article: &otrs.Article{
			Subject: "Комментарий через бот",
			Body:    fmt.Sprintf("Comment via bot by %s: %s", actor.Email, body),
		},
	})
	if err != nil {
		return r.surface(ctx, err)
	}

	r.recordAction(ctx, actor, "commented", t, map[string]string{"comment": body})
	telemetry.TicketActionsTotal.WithLabelValues("commented").Inc()

	dest := r.router.TasksDest()
	if known, kerr := r.store.KnownActive(ctx, dest.ChatID, dest.TopicID); kerr == nil {
		if m, ok := known[ticketID]; ok {
			if t2, gerr := r.api.GetTicket(ctx, ticketID); gerr == nil {
				if err := r.rerenderLocked(ctx, t2, m.MessageID); err != nil {
					r.logger.Error("re-rendering commented ticket", "ticket_id", ticketID, "error", err)
				}
			}
		}
	}

	r.router.SendTaskEphemeral(ctx, ephemeralText(fmt.Sprintf("💬 Комментарий к заявке %s добавлен.", t.Number)), confirmLifetime)
	return nil
}

// reassign parks the ticket back under the bot service account in state new,
// leaving an internal note. Nothing is recorded: returning a ticket is not
// an audited action.
func (r *Reconciler) reassign(ctx context.Context, actor Actor, cb Callback) error {
	l := r.locks.lock(cb.TicketID)
	defer l.Unlock()

	owner, state := botOwner, "new"
	err := r.api.UpdateTicket(ctx, cb.TicketID, otrs.Update{
		State: &state,
		Owner: &owner,
		Article: &otrs.Article{
			Subject: "Возврат через бот",
			Body:    fmt.Sprintf("Released via bot by %s", actor.Email),
		},
	})
	if err != nil {
		return r.surface(ctx, err)
	}

	t, err := r.api.GetTicket(ctx, cb.TicketID)
	if err != nil {
		return r.surface(ctx, err)
	}
	if err := r.rerenderLocked(ctx, t, cb.MessageID); err != nil {
		r.logger.Error("re-rendering reassigned ticket", "ticket_id", cb.TicketID, "error", err)
	}
	return nil
}

func (r *Reconciler) refresh(ctx context.Context, cb Callback) error {
	l := r.locks.lock(cb.TicketID)
	defer l.Unlock()

	t, err := r.api.GetTicket(ctx, cb.TicketID)
	if err != nil {
		return r.surface(ctx, err)
	}
	if err := r.rerenderLocked(ctx, t, cb.MessageID); err != nil && !errors.Is(err, errkind.NotFound) {
		return err
	}
	return nil
}

// refreshPrivate re-renders the actor's personal copy in place. Private
// copies only change on explicit refresh, never on shared-message edits.
func (r *Reconciler) refreshPrivate(ctx context.Context, actor Actor, cb Callback) error {
	l := r.locks.lock(cb.TicketID)
	defer l.Unlock()

	t, err := r.api.GetTicket(ctx, cb.TicketID)
	if err != nil {
		return r.surface(ctx, err)
	}
	dest := messaging.Destination{ChatID: actor.PrivateChatID}
	return r.msgs.Edit(ctx, dest, cb.MessageID, r.renderPrivate(t))
}

// sendMirrorLocked delivers the personal copy of a just-taken ticket; the
// caller must hold the per-ticket lock.
func (r *Reconciler) sendMirrorLocked(ctx context.Context, actor Actor, t otrs.Ticket) {
	dest := messaging.Destination{ChatID: actor.PrivateChatID}
	id, err := r.msgs.Send(ctx, dest, r.renderPrivate(t))
	if err != nil || id == 0 {
		if err != nil {
			r.logger.Error("sending private mirror", "ticket_id", t.TicketID, "error", err)
		}
		return
	}
	if err := r.store.SavePrivateMessage(ctx, actor.ChatUserID, t.TicketID, id); err != nil {
		r.logger.Error("saving private mirror row", "ticket_id", t.TicketID, "error", err)
	}
}

// guardOwnership enforces the close/reject ownership rule: a ticket assigned
// to a concrete owner may only be finished by that owner. Returns true (and
// tells the user) when the action is denied.
func (r *Reconciler) guardOwnership(ctx context.Context, actor Actor, t otrs.Ticket) bool {
	if ownerUnassigned(t.Owner) {
		return false
	}
	login, ok := r.ResolveAgentLogin(ctx, actor.Email)
	if ok && login == t.Owner {
		return false
	}
	r.router.SendTaskEphemeral(ctx, ephemeralText(fmt.Sprintf("⛔ Заявка %s назначена на %s — завершить её может только исполнитель.", t.Number, t.Owner)), confirmLifetime)
	return true
}

// surface converts an external failure into the user-facing policy from the
// spec: rejects become short ephemeral bubbles, transients log and continue.
func (r *Reconciler) surface(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, errkind.ExternalReject):
		r.router.SendTaskEphemeral(ctx, ephemeralText("⚠️ OTRS отклонил операцию: "+truncate(err.Error(), 120)), confirmLifetime)
		return nil
	case errors.Is(err, errkind.NotFound):
		r.router.SendTaskEphemeral(ctx, ephemeralText("⚠️ Заявка не найдена в OTRS."), confirmLifetime)
		return nil
	default:
		return err
	}
}

func (r *Reconciler) recordAction(ctx context.Context, actor Actor, kind string, t otrs.Ticket, details map[string]string) {
	payload, err := json.Marshal(details)
	if err != nil {
		payload = []byte("{}")
	}
	action := store.TicketAction{
		ChatUserID:   actor.ChatUserID,
		ActionKind:   kind,
		TicketID:     t.TicketID,
		TicketNumber: t.Number,
		Title:        t.Title,
		Details:      payload,
		At:           time.Now(),
	}
	if err := r.store.RecordAction(ctx, action); err != nil {
		r.logger.Error("recording ticket action", "kind", kind, "ticket_id", t.TicketID, "error", err)
	}
	if kind == "assigned" {
		telemetry.TicketActionsTotal.WithLabelValues("assigned").Inc()
	}
}
