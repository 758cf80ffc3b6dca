// Package telegram is the messaging-platform adapter: it implements
// messaging.Provider against the Telegram Bot API and turns long-polled
// updates into the normalized Message/Callback events pkg/dispatch consumes.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/wisbric/opswatch/pkg/messaging"
)

// Provider adapts *tgbotapi.BotAPI to messaging.Provider.
type Provider struct {
	bot *tgbotapi.BotAPI
}

// New creates a Provider from an already-authenticated bot client.
func New(bot *tgbotapi.BotAPI) *Provider {
	return &Provider{bot: bot}
}

func parseMode(m messaging.ParseMode) string {
	if m == "" {
		return string(messaging.ParseModeHTML)
	}
	return string(m)
}

func inlineKeyboard(k *messaging.Keyboard) *tgbotapi.InlineKeyboardMarkup {
	if k == nil || len(k.Rows) == 0 {
		return nil
	}
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(k.Rows))
	for _, row := range k.Rows {
		buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			if b.URL != "" {
				buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonURL(b.Text, b.URL))
			} else {
				buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(b.Text, b.CallbackData))
			}
		}
		rows = append(rows, buttons)
	}
	markup := tgbotapi.NewInlineKeyboardMarkup(rows...)
	return &markup
}

// Send implements messaging.Provider.
func (p *Provider) Send(ctx context.Context, dest messaging.Destination, msg messaging.OutMessage) (int, error) {
	out := tgbotapi.NewMessage(dest.ChatID, msg.Text)
	out.ParseMode = parseMode(msg.ParseMode)
	out.DisableNotification = msg.Silent
	if dest.TopicID != nil {
		out.MessageThreadID = *dest.TopicID
	}
	if msg.ReplyTo != 0 {
		out.ReplyToMessageID = msg.ReplyTo
	}
	if kb := inlineKeyboard(msg.Keyboard); kb != nil {
		out.ReplyMarkup = kb
	}

	sent, err := p.bot.Send(out)
	if err != nil {
		return 0, classify(err)
	}
	return sent.MessageID, nil
}

// Edit implements messaging.Provider.
func (p *Provider) Edit(ctx context.Context, dest messaging.Destination, messageID int, msg messaging.OutMessage) error {
	out := tgbotapi.NewEditMessageText(dest.ChatID, messageID, msg.Text)
	out.ParseMode = parseMode(msg.ParseMode)
	if kb := inlineKeyboard(msg.Keyboard); kb != nil {
		out.ReplyMarkup = kb
	}
	_, err := p.bot.Send(out)
	return classify(err)
}

// Delete implements messaging.Provider.
func (p *Provider) Delete(ctx context.Context, dest messaging.Destination, messageID int) error {
	del := tgbotapi.NewDeleteMessage(dest.ChatID, messageID)
	_, err := p.bot.Request(del)
	return classify(err)
}

// GetChat implements messaging.Provider.
func (p *Provider) GetChat(ctx context.Context, chatID int64) (messaging.Chat, error) {
	cfg := tgbotapi.ChatInfoConfig{ChatConfig: tgbotapi.ChatConfig{ChatID: chatID}}
	chat, err := p.bot.GetChat(cfg)
	if err != nil {
		return messaging.Chat{}, classify(err)
	}
	return messaging.Chat{ID: chat.ID}, nil
}

// AnswerCallback acknowledges a callback query, optionally with a transient
// alert/toast text — this is Telegram-specific, outside the Provider
// interface, and called directly by pkg/dispatch.
func (p *Provider) AnswerCallback(callbackID, text string, alert bool) error {
	cb := tgbotapi.NewCallback(callbackID, text)
	cb.ShowAlert = alert
	_, err := p.bot.Request(cb)
	return err
}

// classify maps the handful of Telegram API error strings that carry
// policy meaning onto the sentinel errors Manager reasons about, so no
// caller above this package string-matches API exception text.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "message is not modified"):
		return messaging.ErrNotModified
	case strings.Contains(msg, "message to edit not found"),
		strings.Contains(msg, "message to delete not found"),
		strings.Contains(msg, "message_id_invalid"):
		return messaging.ErrMessageNotFound
	case strings.Contains(msg, "chat not found"),
		strings.Contains(msg, "chat_id is empty"):
		return messaging.ErrChatUnavailable
	default:
		return fmt.Errorf("telegram: %w", err)
	}
}

// parseCallbackData splits "action:subject" callback data. A bare action
// with no colon (e.g. the auth flow's "authorize" button) is valid too, with
// an empty subject; only an empty action is rejected.
func parseCallbackData(data string) (action, subject string, err error) {
	if data == "" {
		return "", "", errors.New("empty callback data")
	}
	action, subject, _ = strings.Cut(data, ":")
	if action == "" {
		return "", "", errors.New("malformed callback data")
	}
	return action, subject, nil
}

// EncodeCallbackData joins an action and a subject ticket id into the
// callback_data format §4.6 requires. A bare action (no subject) is used for
// global buttons such as the auth flow's "authorize" button.
func EncodeCallbackData(action, subject string) string {
	if subject == "" {
		return action
	}
	return action + ":" + subject
}

func topicIDPtr(threadID int) *int {
	if threadID == 0 {
		return nil
	}
	t := threadID
	return &t
}
