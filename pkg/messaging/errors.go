package messaging

import "errors"

// Sentinel errors a Provider implementation returns so Manager never has
// to string-match a platform exception's text.
var (
	// ErrNotModified means the edit would not change anything; Manager
	// treats this as success.
	ErrNotModified = errors.New("message is not modified")

	// ErrMessageNotFound means the message to edit/delete no longer
	// exists; Manager clears any PersistentMessage row keyed on it.
	ErrMessageNotFound = errors.New("message not found")

	// ErrChatUnavailable means the chat id is empty or the chat cannot be
	// found; Manager suppresses further sends to it for a cooldown window.
	ErrChatUnavailable = errors.New("chat not found")
)
