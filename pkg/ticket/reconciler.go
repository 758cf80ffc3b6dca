package ticket

import (
	"context"
	"fmt"
	"time"

	"github.com/wisbric/opswatch/internal/telemetry"
	"github.com/wisbric/opswatch/pkg/messaging"
	"github.com/wisbric/opswatch/pkg/otrs"
)

// Poll runs one reconciliation iteration against the external ticket store:
// fresh tickets get a tasks-topic message (flood-capped), changed tickets
// get an edit, and tickets gone from the active set are retired along with
// their private mirrors. The caller gates it to the leader-of-bot.
func (r *Reconciler) Poll(ctx context.Context) error {
	active, err := r.api.SearchActive(ctx, searchLimit)
	if err != nil {
		return fmt.Errorf("searching active tickets: %w", err)
	}

	dest := r.router.TasksDest()
	known, err := r.store.KnownActive(ctx, dest.ChatID, dest.TopicID)
	if err != nil {
		return fmt.Errorf("loading known tickets: %w", err)
	}

	activeSet := make(map[string]bool, len(active))
	newSends := 0
	for _, id := range active {
		activeSet[id] = true

		if ctx.Err() != nil {
			return ctx.Err()
		}

		existing, seen := known[id]
		switch {
		case !seen:
			if newSends >= maxNewSendsPerPoll {
				continue // deferred: still unknown next iteration
			}
			if newSends > 0 {
				r.pace(newSendPacing)
			}
			if err := r.announce(ctx, id); err != nil {
				r.logger.Error("announcing fresh ticket", "ticket_id", id, "error", err)
				return nil // transient store failure: skip remaining tickets this iteration
			}
			newSends++
		case existing.LastRenderedState != "":
			if err := r.refreshIfChanged(ctx, id, existing.LastRenderedState, existing.MessageID); err != nil {
				r.logger.Error("refreshing changed ticket", "ticket_id", id, "error", err)
				return nil
			}
		}
	}

	for id, msg := range known {
		if activeSet[id] {
			continue
		}
		if err := r.retire(ctx, id, msg.MessageID); err != nil {
			r.logger.Error("retiring ticket", "ticket_id", id, "error", err)
		}
	}
	return nil
}

// announce fetches a newly observed ticket, posts it to the tasks topic with
// notification, and persists the shadow + message rows so a restart cannot
// duplicate the send.
func (r *Reconciler) announce(ctx context.Context, id string) error {
	l := r.locks.lock(id)
	defer l.Unlock()

	t, err := r.api.GetTicket(ctx, id)
	if err != nil {
		return fmt.Errorf("fetching ticket: %w", err)
	}

	msgID, err := r.router.SendTask(ctx, r.renderShared(t))
	if err != nil {
		return fmt.Errorf("sending ticket message: %w", err)
	}
	if msgID == 0 {
		return nil // chat unavailable; retry next poll
	}

	now := time.Now()
	if err := r.store.SaveShadow(ctx, t.TicketID, t.Number, t.State, now); err != nil {
		return err
	}
	dest := r.router.TasksDest()
	if err := r.store.SaveMessage(ctx, t.TicketID, t.Number, dest.ChatID, dest.TopicID, msgID, t.State, now); err != nil {
		return err
	}
	telemetry.TicketsReconciledTotal.WithLabelValues("created").Inc()
	return nil
}

// refreshIfChanged re-fetches a known ticket and edits its message when the
// external state moved on since the last render.
func (r *Reconciler) refreshIfChanged(ctx context.Context, id, lastRendered string, messageID int) error {
	l := r.locks.lock(id)
	defer l.Unlock()

	t, err := r.api.GetTicket(ctx, id)
	if err != nil {
		return fmt.Errorf("fetching ticket: %w", err)
	}
	if t.State == lastRendered {
		return nil
	}
	return r.rerenderLocked(ctx, t, messageID)
}

// rerenderLocked edits the shared message and refreshes the persisted state;
// the caller must hold the per-ticket lock.
func (r *Reconciler) rerenderLocked(ctx context.Context, t otrs.Ticket, messageID int) error {
	dest := r.router.TasksDest()
	if err := r.msgs.Edit(ctx, dest, messageID, r.renderShared(t)); err != nil {
		return fmt.Errorf("editing ticket message: %w", err)
	}
	now := time.Now()
	if err := r.store.SaveShadow(ctx, t.TicketID, t.Number, t.State, now); err != nil {
		return err
	}
	if err := r.store.SaveMessage(ctx, t.TicketID, t.Number, dest.ChatID, dest.TopicID, messageID, t.State, now); err != nil {
		return err
	}
	telemetry.TicketsReconciledTotal.WithLabelValues("updated").Inc()
	return nil
}

// privateDest resolves the private-chat destination for a chat user.
func (r *Reconciler) privateDest(ctx context.Context, chatUserID int64) (messaging.Destination, error) {
	chatID, err := r.chats.PrivateChatID(ctx, chatUserID)
	if err != nil {
		return messaging.Destination{}, err
	}
	return messaging.Destination{ChatID: chatID}, nil
}

// retire deletes the shared message and every private mirror for a ticket
// that has left the active set, then drops the rows. Message deletion
// failures downgrade to row-only cleanup.
func (r *Reconciler) retire(ctx context.Context, id string, messageID int) error {
	l := r.locks.lock(id)
	defer l.Unlock()
	return r.retireLocked(ctx, id, messageID)
}

func (r *Reconciler) retireLocked(ctx context.Context, id string, messageID int) error {
	dest := r.router.TasksDest()
	if messageID != 0 {
		if err := r.msgs.Delete(ctx, dest, messageID); err != nil {
			r.logger.Warn("deleting retired ticket message", "ticket_id", id, "error", err)
		}
	}

	mirrors, err := r.store.PrivateMirrors(ctx, id)
	if err != nil {
		r.logger.Warn("listing private mirrors for retirement", "ticket_id", id, "error", err)
	}
	for _, m := range mirrors {
		pdest, err := r.privateDest(ctx, m.ChatUserID)
		if err != nil {
			r.logger.Warn("resolving private chat for mirror cleanup", "chat_user_id", m.ChatUserID, "error", err)
			continue
		}
		if err := r.msgs.Delete(ctx, pdest, m.MessageID); err != nil {
			r.logger.Warn("deleting private mirror", "ticket_id", id, "chat_user_id", m.ChatUserID, "error", err)
		}
	}

	if err := r.store.DeleteTicket(ctx, id, dest.ChatID, dest.TopicID); err != nil {
		return fmt.Errorf("deleting ticket rows: %w", err)
	}
	telemetry.TicketsReconciledTotal.WithLabelValues("retired").Inc()
	return nil
}
