package store

import (
	"context"
	"time"
)

// MessageStore persists telegram.persistent_messages and
// telegram.pending_deletions for the Message Lifecycle Manager.
type MessageStore struct {
	dbtx DBTX
}

func NewMessageStore(dbtx DBTX) *MessageStore {
	return &MessageStore{dbtx: dbtx}
}

// PersistentMessage mirrors the PersistentMessage entity. TopicID is a
// pointer because topic scoping is optional (private chats have none).
type PersistentMessage struct {
	ChatID    int64
	TopicID   *int
	Kind      string
	MessageID int
	UpdatedAt time.Time
}

// GetMessageID looks up the message id for (chat, topic, kind).
func (s *MessageStore) GetMessageID(ctx context.Context, chatID int64, topicID *int, kind string) (int, error) {
	const q = `
		SELECT message_id FROM telegram.persistent_messages
		WHERE chat_id = $1 AND topic_id IS NOT DISTINCT FROM $2 AND kind = $3`
	var id int
	err := s.dbtx.QueryRow(ctx, q, chatID, topicID, kind).Scan(&id)
	return id, classify("get persistent message id", err)
}

// UpsertMessageID stores or refreshes the message id for (chat, topic, kind).
func (s *MessageStore) UpsertMessageID(ctx context.Context, chatID int64, topicID *int, kind string, messageID int) error {
	const q = `
		INSERT INTO telegram.persistent_messages (chat_id, topic_id, kind, message_id, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (chat_id, topic_id, kind) DO UPDATE SET
			message_id = EXCLUDED.message_id,
			updated_at = EXCLUDED.updated_at`
	_, err := s.dbtx.Exec(ctx, q, chatID, topicID, kind, messageID)
	return classify("upsert persistent message id", err)
}

// ClearMessageID removes the row, used when the remote message is observed
// gone ("message to edit not found") so the next ensure_persistent resends.
func (s *MessageStore) ClearMessageID(ctx context.Context, chatID int64, topicID *int, kind string) error {
	const q = `DELETE FROM telegram.persistent_messages WHERE chat_id = $1 AND topic_id IS NOT DISTINCT FROM $2 AND kind = $3`
	_, err := s.dbtx.Exec(ctx, q, chatID, topicID, kind)
	return classify("clear persistent message id", err)
}

// PendingDeletion mirrors the PendingDeletion entity.
type PendingDeletion struct {
	ChatID    int64
	MessageID int
	TopicID   *int
	DeleteAt  time.Time
}

// ScheduleDelete records that message_id in chat should be deleted at
// deleteAt. Re-scheduling the same (chat, message) replaces the prior time.
func (s *MessageStore) ScheduleDelete(ctx context.Context, chatID int64, messageID int, topicID *int, deleteAt time.Time) error {
	const q = `
		INSERT INTO telegram.pending_deletions (chat_id, message_id, topic_id, delete_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (chat_id, message_id) DO UPDATE SET
			topic_id = EXCLUDED.topic_id,
			delete_at = EXCLUDED.delete_at`
	_, err := s.dbtx.Exec(ctx, q, chatID, messageID, topicID, deleteAt)
	return classify("schedule deletion", err)
}

// DueDeletions returns every pending deletion whose delete_at has passed.
func (s *MessageStore) DueDeletions(ctx context.Context, now time.Time) ([]PendingDeletion, error) {
	const q = `SELECT chat_id, message_id, topic_id, delete_at FROM telegram.pending_deletions WHERE delete_at <= $1`
	rows, err := s.dbtx.Query(ctx, q, now)
	if err != nil {
		return nil, classify("list due deletions", err)
	}
	defer rows.Close()

	var out []PendingDeletion
	for rows.Next() {
		var d PendingDeletion
		if err := rows.Scan(&d.ChatID, &d.MessageID, &d.TopicID, &d.DeleteAt); err != nil {
			return nil, classify("scan pending deletion", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ByTopic returns every pending deletion scoped to a given topic, for the
// startup cleanup sweep of ephemeral topics (e.g. employee-search).
func (s *MessageStore) ByTopic(ctx context.Context, chatID int64, topicID int) ([]PendingDeletion, error) {
	const q = `SELECT chat_id, message_id, topic_id, delete_at FROM telegram.pending_deletions WHERE chat_id = $1 AND topic_id = $2`
	rows, err := s.dbtx.Query(ctx, q, chatID, topicID)
	if err != nil {
		return nil, classify("list topic deletions", err)
	}
	defer rows.Close()

	var out []PendingDeletion
	for rows.Next() {
		var d PendingDeletion
		if err := rows.Scan(&d.ChatID, &d.MessageID, &d.TopicID, &d.DeleteAt); err != nil {
			return nil, classify("scan topic deletion", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// RemoveDeletion drops a pending deletion row, on success or on terminal
// (NotFound) failure alike.
func (s *MessageStore) RemoveDeletion(ctx context.Context, chatID int64, messageID int) error {
	const q = `DELETE FROM telegram.pending_deletions WHERE chat_id = $1 AND message_id = $2`
	_, err := s.dbtx.Exec(ctx, q, chatID, messageID)
	return classify("remove pending deletion", err)
}
