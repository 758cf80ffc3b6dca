// Package messaging is the message lifecycle manager: typed, idempotent
// send/edit/delete against a Telegram-style messaging platform,
// persistent-message bookkeeping, a deletion queue, and the outbound
// retry/failure policy. Provider is the narrow transport seam; pkg/telegram
// supplies the concrete implementation and incoming update dispatch.
package messaging

import "context"

// Provider is the transport the Manager drives. It knows nothing about
// persistence, retries, or policy — those live in Manager.
type Provider interface {
	// Send posts a new message and returns its platform message id.
	Send(ctx context.Context, dest Destination, msg OutMessage) (int, error)

	// Edit updates an existing message's text and keyboard in place.
	Edit(ctx context.Context, dest Destination, messageID int, msg OutMessage) error

	// Delete removes a message. Deleting an already-gone message reports
	// ErrMessageNotFound, which Manager treats as success.
	Delete(ctx context.Context, dest Destination, messageID int) error

	// GetChat probes whether chatID is still reachable, for the
	// chat-unavailable cache's background re-check.
	GetChat(ctx context.Context, chatID int64) (Chat, error)
}
