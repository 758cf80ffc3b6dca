package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/wisbric/opswatch/internal/errkind"
	"github.com/wisbric/opswatch/internal/telemetry"
)

// messageStore is the slice of pkg/store.MessageStore the Manager needs.
// Declared locally so this package does not import pkg/store directly.
type messageStore interface {
	GetMessageID(ctx context.Context, chatID int64, topicID *int, kind string) (int, error)
	UpsertMessageID(ctx context.Context, chatID int64, topicID *int, kind string, messageID int) error
	ClearMessageID(ctx context.Context, chatID int64, topicID *int, kind string) error
	ScheduleDelete(ctx context.Context, chatID int64, messageID int, topicID *int, deleteAt time.Time) error
	RemoveDeletion(ctx context.Context, chatID int64, messageID int) error
}

// unavailableTTL is how long a chat stays suppressed after a "chat not
// found"/"chat id empty" failure.
const unavailableTTL = 5 * time.Minute

// Manager is the message lifecycle manager. It is the single path every
// other component uses to reach the messaging platform, so the outbound
// policy rules are enforced in exactly one place.
type Manager struct {
	provider Provider
	store    messageStore
	logger   *slog.Logger

	allowedTopics map[int]bool

	mu            sync.Mutex
	unavailable   map[int64]time.Time
}

// New builds a Manager. allowedTopics is the set of topic ids a scheduled
// deletion is permitted to target; any other topic, or no topic, causes
// the scheduled deletion to be silently skipped.
func New(provider Provider, store messageStore, logger *slog.Logger, allowedTopics []int) *Manager {
	allowed := make(map[int]bool, len(allowedTopics))
	for _, t := range allowedTopics {
		allowed[t] = true
	}
	return &Manager{
		provider:      provider,
		store:         store,
		logger:        logger,
		allowedTopics: allowed,
		unavailable:   make(map[int64]time.Time),
	}
}

// Send posts a new message, retrying transient failures with backoff. It
// returns 0 and a nil error if the destination chat is cached unavailable.
func (m *Manager) Send(ctx context.Context, dest Destination, msg OutMessage) (int, error) {
	if m.isUnavailable(dest.ChatID) {
		return 0, nil
	}

	id, err := retryOp(ctx, m.logger, "send", func() (int, error) {
		return m.provider.Send(ctx, dest, msg)
	})
	if err != nil {
		if errors.Is(err, ErrChatUnavailable) {
			m.markUnavailable(dest.ChatID)
			return 0, nil
		}
		return 0, err
	}
	telemetry.MessagesSentTotal.WithLabelValues("send").Inc()
	return id, nil
}

// Edit updates an existing message. ErrNotModified from the provider is
// treated as success; ErrMessageNotFound comes back to the caller wrapped as
// errkind.NotFound, so the caller may drop its bookkeeping and resend.
func (m *Manager) Edit(ctx context.Context, dest Destination, messageID int, msg OutMessage) error {
	if m.isUnavailable(dest.ChatID) {
		return nil
	}

	_, err := retryOp(ctx, m.logger, "edit", func() (struct{}, error) {
		return struct{}{}, m.provider.Edit(ctx, dest, messageID, msg)
	})
	switch {
	case err == nil:
		telemetry.MessagesSentTotal.WithLabelValues("edit").Inc()
		return nil
	case errors.Is(err, ErrNotModified):
		return nil
	case errors.Is(err, ErrMessageNotFound):
		return fmt.Errorf("edit: %w", errkind.NotFound)
	case errors.Is(err, ErrChatUnavailable):
		m.markUnavailable(dest.ChatID)
		return nil
	default:
		return err
	}
}

// Delete removes a message. A not-found outcome is success, matching the
// spec's "NotFound on edit/delete is treated as success" rule.
func (m *Manager) Delete(ctx context.Context, dest Destination, messageID int) error {
	if m.isUnavailable(dest.ChatID) {
		return nil
	}

	_, err := retryOp(ctx, m.logger, "delete", func() (struct{}, error) {
		return struct{}{}, m.provider.Delete(ctx, dest, messageID)
	})
	switch {
	case err == nil, errors.Is(err, ErrMessageNotFound):
		telemetry.MessagesSentTotal.WithLabelValues("delete").Inc()
		return nil
	case errors.Is(err, ErrChatUnavailable):
		m.markUnavailable(dest.ChatID)
		return nil
	default:
		return err
	}
}

// Render produces the text/keyboard for a persistent message.
type Render func() OutMessage

// EnsurePersistent looks up the (chat, topic, kind) message id; on a hit it
// edits in place (clearing the row and falling back to a fresh send if the
// provider reports it gone); on a miss it sends fresh and stores the id.
func (m *Manager) EnsurePersistent(ctx context.Context, dest Destination, kind string, render Render) (int, error) {
	existing, err := m.store.GetMessageID(ctx, dest.ChatID, dest.TopicID, kind)
	if err != nil && !errors.Is(err, errkind.NotFound) {
		return 0, fmt.Errorf("ensure persistent %s: %w", kind, err)
	}

	if err == nil {
		editErr := m.Edit(ctx, dest, existing, render())
		if editErr == nil {
			return existing, nil
		}
		if !errors.Is(editErr, errkind.NotFound) {
			return 0, editErr
		}
		if clearErr := m.store.ClearMessageID(ctx, dest.ChatID, dest.TopicID, kind); clearErr != nil {
			m.logger.Error("clearing stale persistent message row", "kind", kind, "error", clearErr)
		}
	}

	id, sendErr := m.Send(ctx, dest, render())
	if sendErr != nil {
		return 0, fmt.Errorf("ensure persistent %s send: %w", kind, sendErr)
	}
	if id == 0 {
		return 0, nil // chat unavailable, nothing to persist
	}
	if err := m.store.UpsertMessageID(ctx, dest.ChatID, dest.TopicID, kind, id); err != nil {
		return 0, fmt.Errorf("ensure persistent %s store: %w", kind, err)
	}
	return id, nil
}

// ScheduleDelete records a future deletion, enforcing policy rule 1: a
// destination with no topic, or a topic outside allowedTopics, is skipped
// and nothing is persisted.
func (m *Manager) ScheduleDelete(ctx context.Context, dest Destination, messageID int, after time.Duration) error {
	if dest.TopicID == nil || !m.allowedTopics[*dest.TopicID] {
		return nil
	}
	return m.store.ScheduleDelete(ctx, dest.ChatID, messageID, dest.TopicID, time.Now().Add(after))
}

// CleanupEphemeralTopic is the boot-time sweep of an ephemeral topic
// (employee-search): delete every message referenced by a pending-deletion
// row once, skipping the pinned instructionMessageID, and remove every row
// regardless of whether the delete succeeded.
func (m *Manager) CleanupEphemeralTopic(ctx context.Context, dest Destination, messageIDs []int, instructionMessageID int) {
	for _, id := range messageIDs {
		if id != instructionMessageID {
			if err := m.Delete(ctx, dest, id); err != nil {
				m.logger.Error("startup cleanup delete failed", "chat_id", dest.ChatID, "message_id", id, "error", err)
			}
		}
		if err := m.store.RemoveDeletion(ctx, dest.ChatID, id); err != nil {
			m.logger.Error("startup cleanup row removal failed", "chat_id", dest.ChatID, "message_id", id, "error", err)
		}
	}
}

func (m *Manager) isUnavailable(chatID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	until, ok := m.unavailable[chatID]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(m.unavailable, chatID)
		return false
	}
	return true
}

func (m *Manager) markUnavailable(chatID int64) {
	m.mu.Lock()
	m.unavailable[chatID] = time.Now().Add(unavailableTTL)
	m.mu.Unlock()
	m.logger.Warn("chat marked unavailable", "chat_id", chatID, "ttl", unavailableTTL)
}

// RecheckUnavailable is the background probe re-checking cached-unavailable
// chats after the TTL window, called by the scheduler on a slow tick.
func (m *Manager) RecheckUnavailable(ctx context.Context) {
	m.mu.Lock()
	stale := make([]int64, 0, len(m.unavailable))
	now := time.Now()
	for chatID, until := range m.unavailable {
		if now.After(until) {
			stale = append(stale, chatID)
		}
	}
	m.mu.Unlock()

	for _, chatID := range stale {
		if _, err := m.provider.GetChat(ctx, chatID); err == nil {
			m.mu.Lock()
			delete(m.unavailable, chatID)
			m.mu.Unlock()
		}
	}
}

// retryOp wraps fn with exponential backoff and jitter, capped at 3 retries
// (4 attempts total); sentinel policy errors (not modified / not found /
// unavailable) are permanent and never retried.
func retryOp[T any](ctx context.Context, logger *slog.Logger, op string, fn func() (T, error)) (T, error) {
	result, err := backoff.Retry(ctx, func() (T, error) {
		v, err := fn()
		if err != nil && isPermanent(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(4))
	if err != nil && !isPermanent(err) {
		telemetry.MessagesDroppedTotal.WithLabelValues(op).Inc()
		logger.Error("outbound chat operation dropped after retry exhaustion", "op", op, "error", err)
	}
	return result, err
}

func isPermanent(err error) bool {
	return errors.Is(err, ErrNotModified) || errors.Is(err, ErrMessageNotFound) || errors.Is(err, ErrChatUnavailable)
}
