package store

import (
	"context"
	"time"
)

// TicketStore persists the reconciler's shadow of external ticket state and
// the chat messages (shared and private) rendering it.
type TicketStore struct {
	dbtx DBTX
}

func NewTicketStore(dbtx DBTX) *TicketStore {
	return &TicketStore{dbtx: dbtx}
}

// TicketShadow mirrors the TicketShadow entity.
type TicketShadow struct {
	TicketID       string
	TicketNumber   string
	LastSeenState  string
	LastSeenAt     time.Time
}

// TicketMessage mirrors the TicketMessage entity.
type TicketMessage struct {
	TicketID          string
	ChatID            int64
	TopicID           *int
	MessageID         int
	LastRenderedState string
}

// KnownActive loads, for (chat, topic), every ticket currently shadowed
// along with its last rendered state and message id — the reconciler's
// "known" set for one poll iteration.
func (s *TicketStore) KnownActive(ctx context.Context, chatID int64, topicID *int) (map[string]TicketMessage, error) {
	const q = `
		SELECT tm.ticket_id, tm.chat_id, tm.topic_id, tm.message_id, tm.ticket_state
		FROM otrs.otrs_ticket_messages tm
		WHERE tm.chat_id = $1 AND tm.topic_id IS NOT DISTINCT FROM $2`
	rows, err := s.dbtx.Query(ctx, q, chatID, topicID)
	if err != nil {
		return nil, classify("list known tickets", err)
	}
	defer rows.Close()

	out := make(map[string]TicketMessage)
	for rows.Next() {
		var m TicketMessage
		if err := rows.Scan(&m.TicketID, &m.ChatID, &m.TopicID, &m.MessageID, &m.LastRenderedState); err != nil {
			return nil, classify("scan known ticket", err)
		}
		out[m.TicketID] = m
	}
	return out, rows.Err()
}

// SaveShadow upserts the TicketShadow row for a ticket just observed active.
func (s *TicketStore) SaveShadow(ctx context.Context, ticketID, ticketNumber, state string, at time.Time) error {
	const q = `
		INSERT INTO otrs.otrs_tickets (ticket_id, ticket_number, last_seen_state, last_seen_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (ticket_id) DO UPDATE SET
			last_seen_state = EXCLUDED.last_seen_state,
			last_seen_at = EXCLUDED.last_seen_at`
	_, err := s.dbtx.Exec(ctx, q, ticketID, ticketNumber, state, at)
	return classify("save ticket shadow", err)
}

// SaveMessage is the save_ticket_message contract: unique on (ticket, chat,
// topic), updating message_id and ticket_state (the last rendered state) on
// conflict.
func (s *TicketStore) SaveMessage(ctx context.Context, ticketID string, ticketNumber string, chatID int64, topicID *int, messageID int, state string, sentAt time.Time) error {
	const q = `
		INSERT INTO otrs.otrs_ticket_messages (ticket_id, ticket_number, message_id, chat_id, topic_id, ticket_state, sent_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (ticket_id, chat_id, topic_id) DO UPDATE SET
			message_id = EXCLUDED.message_id,
			ticket_state = EXCLUDED.ticket_state,
			updated_at = EXCLUDED.updated_at`
	_, err := s.dbtx.Exec(ctx, q, ticketID, ticketNumber, messageID, chatID, topicID, state, sentAt)
	return classify("save ticket message", err)
}

// DeleteTicket removes the shadow, the shared message row, and every
// private mirror for a ticket that has left the active set.
func (s *TicketStore) DeleteTicket(ctx context.Context, ticketID string, chatID int64, topicID *int) error {
	const delMsg = `DELETE FROM otrs.otrs_ticket_messages WHERE ticket_id = $1 AND chat_id = $2 AND topic_id IS NOT DISTINCT FROM $3`
	if _, err := s.dbtx.Exec(ctx, delMsg, ticketID, chatID, topicID); err != nil {
		return classify("delete ticket message", err)
	}
	const delPriv = `DELETE FROM otrs.private_ticket_messages WHERE ticket_id = $1`
	if _, err := s.dbtx.Exec(ctx, delPriv, ticketID); err != nil {
		return classify("delete private ticket mirrors", err)
	}
	const delShadow = `DELETE FROM otrs.otrs_tickets WHERE ticket_id = $1`
	_, err := s.dbtx.Exec(ctx, delShadow, ticketID)
	return classify("delete ticket shadow", err)
}

// PrivateTicketMessage mirrors the PrivateTicketMessage entity.
type PrivateTicketMessage struct {
	ChatUserID int64
	TicketID   string
	MessageID  int
}

// SavePrivateMessage records a personal mirror copy sent to an agent.
func (s *TicketStore) SavePrivateMessage(ctx context.Context, chatUserID int64, ticketID string, messageID int) error {
	const q = `
		INSERT INTO otrs.private_ticket_messages (chat_user_id, ticket_id, message_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (chat_user_id, ticket_id) DO UPDATE SET message_id = EXCLUDED.message_id`
	_, err := s.dbtx.Exec(ctx, q, chatUserID, ticketID, messageID)
	return classify("save private ticket message", err)
}

// PrivateMirrors returns every private mirror for a ticket, for cleanup on
// terminal transitions.
func (s *TicketStore) PrivateMirrors(ctx context.Context, ticketID string) ([]PrivateTicketMessage, error) {
	const q = `SELECT chat_user_id, ticket_id, message_id FROM otrs.private_ticket_messages WHERE ticket_id = $1`
	rows, err := s.dbtx.Query(ctx, q, ticketID)
	if err != nil {
		return nil, classify("list private mirrors", err)
	}
	defer rows.Close()

	var out []PrivateTicketMessage
	for rows.Next() {
		var m PrivateTicketMessage
		if err := rows.Scan(&m.ChatUserID, &m.TicketID, &m.MessageID); err != nil {
			return nil, classify("scan private mirror", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// TicketAction mirrors the TicketAction entity. Details carries opaque,
// pre-serialized JSON (the caller decides its shape).
type TicketAction struct {
	ChatUserID   int64
	ActionKind   string
	TicketID     string
	TicketNumber string
	Title        string
	Details      []byte
	At           time.Time
}

// RecordAction appends an audit row for an agent-triggered ticket action.
func (s *TicketStore) RecordAction(ctx context.Context, a TicketAction) error {
	const q = `
		INSERT INTO otrs.ticket_actions (chat_user_id, action_kind, ticket_id, ticket_number, title, details, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := s.dbtx.Exec(ctx, q, a.ChatUserID, a.ActionKind, a.TicketID, a.TicketNumber, a.Title, a.Details, a.At)
	return classify("record ticket action", err)
}

// ActionTotals is the aggregate action count over a report window.
type ActionTotals struct {
	Assigned  int64
	Closed    int64
	Rejected  int64
	Commented int64
	Total     int64
}

// UserActionStats is one user's action counts over a report window.
type UserActionStats struct {
	Username  string
	Email     string
	Closed    int64
	Rejected  int64
	Commented int64
}

// WeeklyActionStats aggregates ticket actions over [from, to): the overall
// totals plus per-user counts ordered by closed tickets, for the weekly
// report.
func (s *TicketStore) WeeklyActionStats(ctx context.Context, from, to time.Time) (ActionTotals, []UserActionStats, error) {
	const totalsQ = `
		SELECT
			COUNT(*) FILTER (WHERE action_kind = 'assigned'),
			COUNT(*) FILTER (WHERE action_kind = 'closed'),
			COUNT(*) FILTER (WHERE action_kind = 'rejected'),
			COUNT(*) FILTER (WHERE action_kind = 'commented'),
			COUNT(*)
		FROM otrs.ticket_actions
		WHERE at >= $1 AND at < $2`
	var totals ActionTotals
	err := s.dbtx.QueryRow(ctx, totalsQ, from, to).Scan(&totals.Assigned, &totals.Closed, &totals.Rejected, &totals.Commented, &totals.Total)
	if err != nil {
		return ActionTotals{}, nil, classify("weekly action totals", err)
	}

	const usersQ = `
		SELECT
			COALESCE(cu.username, ''),
			COALESCE(vu.email, ''),
			COUNT(*) FILTER (WHERE ta.action_kind = 'closed'),
			COUNT(*) FILTER (WHERE ta.action_kind = 'rejected'),
			COUNT(*) FILTER (WHERE ta.action_kind = 'commented')
		FROM otrs.ticket_actions ta
		JOIN core.chat_users cu ON cu.id = ta.chat_user_id
		LEFT JOIN core.verified_users vu ON vu.chat_user_id = cu.id
		WHERE ta.at >= $1 AND ta.at < $2
		GROUP BY cu.id, cu.username, vu.email
		ORDER BY COUNT(*) FILTER (WHERE ta.action_kind = 'closed') DESC`
	rows, err := s.dbtx.Query(ctx, usersQ, from, to)
	if err != nil {
		return ActionTotals{}, nil, classify("weekly user action stats", err)
	}
	defer rows.Close()

	var users []UserActionStats
	for rows.Next() {
		var u UserActionStats
		if err := rows.Scan(&u.Username, &u.Email, &u.Closed, &u.Rejected, &u.Commented); err != nil {
			return ActionTotals{}, nil, classify("scan user action stats", err)
		}
		users = append(users, u)
	}
	return totals, users, rows.Err()
}
