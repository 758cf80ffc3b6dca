package messaging

import "time"

// ParseMode selects how the platform renders message text.
type ParseMode string

const (
	ParseModeHTML     ParseMode = "HTML"
	ParseModeMarkdown ParseMode = "MarkdownV2"
)

// markdownEscapeChars are the characters MarkdownV2 requires escaped
// outside of entities.
const markdownEscapeChars = "_*[]()~`>#+-=|{}.!"

// EscapeMarkdown backslash-escapes every MarkdownV2 special character in s.
func EscapeMarkdown(s string) string {
	out := make([]byte, 0, len(s)+8)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if indexByte(markdownEscapeChars, c) {
			out = append(out, '\\')
		}
		out = append(out, c)
	}
	return string(out)
}

func indexByte(set string, c byte) bool {
	for i := 0; i < len(set); i++ {
		if set[i] == c {
			return true
		}
	}
	return false
}

// Button is one inline-keyboard button. CallbackData encodes an action and
// a subject id (e.g. "take:501"); a non-empty URL makes it a link button
// instead of a callback button.
type Button struct {
	Text         string
	CallbackData string
	URL          string
}

// Keyboard is an inline keyboard laid out as rows of buttons.
type Keyboard struct {
	Rows [][]Button
}

// Row appends a row of buttons and returns the keyboard for chaining.
func (k Keyboard) Row(buttons ...Button) Keyboard {
	k.Rows = append(k.Rows, buttons)
	return k
}

// Destination names where an outbound operation goes: a chat plus an
// optional topic (thread) within it.
type Destination struct {
	ChatID  int64
	TopicID *int
}

// OutMessage is the provider-agnostic payload for Send/Edit.
type OutMessage struct {
	Text      string
	ParseMode ParseMode
	Keyboard  *Keyboard
	Silent    bool
	ReplyTo   int
}

// Chat is the minimal chat metadata the availability probe needs.
type Chat struct {
	ID int64
}

// DefaultAlertLifetime is the configurable ephemeral alert lifetime default.
const DefaultAlertLifetime = 30 * time.Second

// PendingDeletion mirrors the pending_deletions row scheduled via
// MessageStore.ScheduleDelete.
type PendingDeletion struct {
	ChatID    int64
	MessageID int
	TopicID   *int
	DeleteAt  time.Time
}
