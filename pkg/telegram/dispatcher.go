package telegram

import (
	"context"
	"log/slog"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// User is the normalized sender of an inbound event.
type User struct {
	PlatformUserID int64
	Username       string
	FullName       string
}

// Message is a normalized inbound text message, decoupled from tgbotapi so
// pkg/dispatch never imports the platform SDK.
type Message struct {
	ChatID    int64
	TopicID   *int
	MessageID int
	Text      string
	IsPrivate bool
	From      User
}

// Callback is a normalized inbound callback-query (inline button press).
type Callback struct {
	ID        string
	ChatID    int64
	TopicID   *int
	MessageID int
	Action    string
	Subject   string
	From      User
}

// Handler receives normalized inbound events. The composition root supplies
// the concrete implementation that fans these out to pkg/auth and pkg/ticket.
type Handler interface {
	HandleMessage(ctx context.Context, msg Message)
	HandleCallback(ctx context.Context, cb Callback)
}

// pollTimeout is the long-poll window passed to getUpdates.
const pollTimeout = 60

// stallAfter is how long without any update (successful empty long-polls
// included) before the poller treats the connection as dead and restarts
// it, mirroring the 2.5x-timeout stall detector pattern used for long-lived
// chat polling loops.
const stallAfter = pollTimeout * 5 / 2 * time.Second

// Poller runs the long-poll update loop against the Telegram Bot API,
// reconnecting with backoff on failure and normalizing updates for Handler.
type Poller struct {
	bot     *tgbotapi.BotAPI
	handler Handler
	logger  *slog.Logger
}

// NewPoller builds a Poller.
func NewPoller(bot *tgbotapi.BotAPI, handler Handler, logger *slog.Logger) *Poller {
	return &Poller{bot: bot, handler: handler, logger: logger}
}

// Run polls for updates until ctx is cancelled, restarting the update
// channel whenever it stalls or the SDK reports an error.
func (p *Poller) Run(ctx context.Context) {
	backoffDelay := time.Second
	const maxBackoff = 30 * time.Second

	for ctx.Err() == nil {
		if err := p.runOnce(ctx); err != nil {
			p.logger.Error("telegram poller restarting", "error", err, "backoff", backoffDelay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoffDelay):
			}
			backoffDelay *= 2
			if backoffDelay > maxBackoff {
				backoffDelay = maxBackoff
			}
			continue
		}
		backoffDelay = time.Second
	}
}

func (p *Poller) runOnce(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = pollTimeout
	updates := p.bot.GetUpdatesChan(u)
	defer p.bot.StopReceivingUpdates()

	stall := time.NewTimer(stallAfter)
	defer stall.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stall.C:
			return errStalled
		case update, ok := <-updates:
			if !ok {
				return errChannelClosed
			}
			if !stall.Stop() {
				<-stall.C
			}
			stall.Reset(stallAfter)
			p.dispatch(ctx, update)
		}
	}
}

func (p *Poller) dispatch(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.Message != nil:
		p.handler.HandleMessage(ctx, toMessage(update.Message))
	case update.CallbackQuery != nil:
		cb, ok := toCallback(update.CallbackQuery)
		if !ok {
			p.logger.Warn("dropping malformed callback query", "data", update.CallbackQuery.Data)
			return
		}
		p.handler.HandleCallback(ctx, cb)
	}
}

func toMessage(m *tgbotapi.Message) Message {
	return Message{
		ChatID:    m.Chat.ID,
		TopicID:   topicIDPtr(m.MessageThreadID),
		MessageID: m.MessageID,
		Text:      m.Text,
		IsPrivate: m.Chat.IsPrivate(),
		From:      toUser(m.From),
	}
}

func toCallback(q *tgbotapi.CallbackQuery) (Callback, bool) {
	action, subject, err := parseCallbackData(q.Data)
	if err != nil {
		return Callback{}, false
	}
	var chatID int64
	var topicID *int
	var messageID int
	if q.Message != nil {
		chatID = q.Message.Chat.ID
		topicID = topicIDPtr(q.Message.MessageThreadID)
		messageID = q.Message.MessageID
	}
	return Callback{
		ID:        q.ID,
		ChatID:    chatID,
		TopicID:   topicID,
		MessageID: messageID,
		Action:    action,
		Subject:   subject,
		From:      toUser(q.From),
	}, true
}

func toUser(u *tgbotapi.User) User {
	if u == nil {
		return User{}
	}
	full := u.FirstName
	if u.LastName != "" {
		full += " " + u.LastName
	}
	return User{
		PlatformUserID: u.ID,
		Username:       u.UserName,
		FullName:       full,
	}
}
