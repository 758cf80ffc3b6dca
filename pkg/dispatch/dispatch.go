// Package dispatch routes normalized inbound chat events by (chat kind,
// topic, user state): private-chat commands and texts feed the auth state
// machine, pending-action replies feed the ticket reconciler through the
// broker, and stray group-topic messages get scheduled for deletion per the
// topic policy. Updates arrive from a single poller goroutine, so per-user
// ordering is the arrival order; per-user and per-ticket serialization
// below this layer is handled by the auth machine and the reconciler.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/wisbric/opswatch/internal/errkind"
	"github.com/wisbric/opswatch/pkg/messaging"
	"github.com/wisbric/opswatch/pkg/pendingaction"
	"github.com/wisbric/opswatch/pkg/store"
	"github.com/wisbric/opswatch/pkg/telegram"
	"github.com/wisbric/opswatch/pkg/ticket"
)

// actionCleanupDelay is how fast the user's reply and the prompt bubble
// leave the tasks topic after a collected pending action.
const actionCleanupDelay = 30 * time.Second

// Config is the routing configuration snapshot, re-read per event so topic
// and delay changes in core.settings apply live.
type Config struct {
	TopicTasks          int
	TopicEmployee       int
	AllowedTopics       map[int]bool
	UserDeleteDelay     time.Duration
	EmployeeDeleteDelay time.Duration
}

// authMachine is the slice of *auth.Machine the dispatcher drives.
type authMachine interface {
	Identify(ctx context.Context, platformUserID int64, username, fullName string) (int64, error)
	HandleStart(ctx context.Context, chatUserID int64, dest messaging.Destination) error
	HandleLogout(ctx context.Context, chatUserID int64, dest messaging.Destination) error
	HandleText(ctx context.Context, chatUserID int64, dest messaging.Destination, userMessageID int, text string) (bool, error)
	HandleCallback(ctx context.Context, chatUserID int64, dest messaging.Destination, messageID int, action string) (bool, error)
}

// reconciler is the slice of *ticket.Reconciler the dispatcher drives.
type reconciler interface {
	HandleCallback(ctx context.Context, actor ticket.Actor, cb ticket.Callback) (bool, error)
	SubmitAction(ctx context.Context, actor ticket.Actor, kind pendingaction.Kind, ticketID, text string) error
}

// verifiedUsers is the slice of *store.ChatUserStore the dispatcher reads.
type verifiedUsers interface {
	GetVerified(ctx context.Context, chatUserID int64) (store.VerifiedUser, error)
}

// manager is the slice of *messaging.Manager the dispatcher needs.
type manager interface {
	Delete(ctx context.Context, dest messaging.Destination, messageID int) error
	ScheduleDelete(ctx context.Context, dest messaging.Destination, messageID int, after time.Duration) error
}

// callbackAnswerer acknowledges callback queries; satisfied by
// *telegram.Provider.
type callbackAnswerer interface {
	AnswerCallback(callbackID, text string, alert bool) error
}

// Dispatcher implements telegram.Handler.
type Dispatcher struct {
	auth     authMachine
	tickets  reconciler
	broker   *pendingaction.Broker
	users    verifiedUsers
	msgs     manager
	answerer callbackAnswerer
	config   func() Config
	logger   *slog.Logger
}

// New builds a Dispatcher.
func New(auth authMachine, tickets reconciler, broker *pendingaction.Broker, users verifiedUsers, msgs manager, answerer callbackAnswerer, config func() Config, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		auth:     auth,
		tickets:  tickets,
		broker:   broker,
		users:    users,
		msgs:     msgs,
		answerer: answerer,
		config:   config,
		logger:   logger,
	}
}

// HandleMessage implements telegram.Handler.
func (d *Dispatcher) HandleMessage(ctx context.Context, msg telegram.Message) {
	chatUserID, err := d.auth.Identify(ctx, msg.From.PlatformUserID, msg.From.Username, msg.From.FullName)
	if err != nil {
		d.logger.Error("identifying inbound user", "platform_user_id", msg.From.PlatformUserID, "error", err)
		return
	}

	// The broker sees free text before any other handler, in any chat.
	if msg.Text != "" {
		if action, ok := d.broker.Take(chatUserID); ok {
			d.completeAction(ctx, chatUserID, msg, action)
			return
		}
	}

	if msg.IsPrivate {
		d.handlePrivate(ctx, chatUserID, msg)
		return
	}
	d.handleGroup(ctx, msg)
}

func (d *Dispatcher) handlePrivate(ctx context.Context, chatUserID int64, msg telegram.Message) {
	dest := messaging.Destination{ChatID: msg.ChatID}

	switch msg.Text {
	case "/start":
		if err := d.auth.HandleStart(ctx, chatUserID, dest); err != nil {
			d.logger.Error("handling /start", "chat_user_id", chatUserID, "error", err)
		}
		return
	case "/logout":
		if err := d.auth.HandleLogout(ctx, chatUserID, dest); err != nil {
			d.logger.Error("handling /logout", "chat_user_id", chatUserID, "error", err)
		}
		return
	}

	handled, err := d.auth.HandleText(ctx, chatUserID, dest, msg.MessageID, msg.Text)
	if err != nil {
		d.logger.Error("handling private text", "chat_user_id", chatUserID, "error", err)
		return
	}
	if !handled {
		// Out-of-state private input is silently removed.
		if err := d.msgs.Delete(ctx, dest, msg.MessageID); err != nil {
			d.logger.Error("deleting stray private message", "chat_user_id", chatUserID, "error", err)
		}
	}
}

// handleGroup leaves group messages alone except for scheduling their
// deletion when the topic is configured for cleanup.
func (d *Dispatcher) handleGroup(ctx context.Context, msg telegram.Message) {
	if msg.TopicID == nil {
		return
	}
	cfg := d.config()
	if !cfg.AllowedTopics[*msg.TopicID] {
		return
	}

	delay := cfg.UserDeleteDelay
	if *msg.TopicID == cfg.TopicEmployee {
		delay = cfg.EmployeeDeleteDelay
	}
	dest := messaging.Destination{ChatID: msg.ChatID, TopicID: msg.TopicID}
	if err := d.msgs.ScheduleDelete(ctx, dest, msg.MessageID, delay); err != nil {
		d.logger.Error("scheduling group message deletion", "chat_id", msg.ChatID, "message_id", msg.MessageID, "error", err)
	}
}

// completeAction feeds a collected free-text body into the reconciler, then
// sweeps the user's reply and the prompt bubble out of the tasks topic.
func (d *Dispatcher) completeAction(ctx context.Context, chatUserID int64, msg telegram.Message, action pendingaction.Action) {
	actor, ok := d.actor(ctx, chatUserID, msg.From.PlatformUserID)
	if !ok {
		return
	}

	if err := d.tickets.SubmitAction(ctx, actor, action.Kind, action.TicketID, msg.Text); err != nil {
		d.logger.Error("submitting pending ticket action", "kind", action.Kind, "ticket_id", action.TicketID, "error", err)
	}

	cfg := d.config()
	inTasks := msg.TopicID != nil && *msg.TopicID == cfg.TopicTasks
	if !inTasks {
		return
	}
	dest := messaging.Destination{ChatID: msg.ChatID, TopicID: msg.TopicID}
	if err := d.msgs.ScheduleDelete(ctx, dest, msg.MessageID, actionCleanupDelay); err != nil {
		d.logger.Error("scheduling reply cleanup", "message_id", msg.MessageID, "error", err)
	}
	if action.PromptMessageID != 0 {
		promptDest := messaging.Destination{ChatID: action.PromptChatID, TopicID: action.PromptTopicID}
		if err := d.msgs.ScheduleDelete(ctx, promptDest, action.PromptMessageID, actionCleanupDelay); err != nil {
			d.logger.Error("scheduling prompt cleanup", "message_id", action.PromptMessageID, "error", err)
		}
	}
}

// HandleCallback implements telegram.Handler.
func (d *Dispatcher) HandleCallback(ctx context.Context, cb telegram.Callback) {
	chatUserID, err := d.auth.Identify(ctx, cb.From.PlatformUserID, cb.From.Username, cb.From.FullName)
	if err != nil {
		d.logger.Error("identifying callback user", "platform_user_id", cb.From.PlatformUserID, "error", err)
		return
	}

	dest := messaging.Destination{ChatID: cb.ChatID, TopicID: cb.TopicID}
	handled, err := d.auth.HandleCallback(ctx, chatUserID, dest, cb.MessageID, cb.Action)
	if err != nil {
		d.logger.Error("handling auth callback", "action", cb.Action, "error", err)
	}
	if handled {
		d.answer(cb.ID, "", false)
		return
	}

	actor, ok := d.actor(ctx, chatUserID, cb.From.PlatformUserID)
	if !ok {
		d.answer(cb.ID, "Сначала авторизуйтесь в личном чате с ботом.", true)
		return
	}

	handled, err = d.tickets.HandleCallback(ctx, actor, ticket.Callback{
		Action:    cb.Action,
		TicketID:  cb.Subject,
		ChatID:    cb.ChatID,
		TopicID:   cb.TopicID,
		MessageID: cb.MessageID,
	})
	if err != nil {
		d.logger.Error("handling ticket callback", "action", cb.Action, "ticket_id", cb.Subject, "error", err)
		d.answer(cb.ID, "Не получилось выполнить действие, попробуйте позже.", true)
		return
	}
	if !handled {
		d.logger.Warn("unrecognized callback action", "action", cb.Action)
	}
	d.answer(cb.ID, "", false)
}

// actor builds the verified Actor for ticket operations; ok=false when the
// user has no verified identity.
func (d *Dispatcher) actor(ctx context.Context, chatUserID, platformUserID int64) (ticket.Actor, bool) {
	v, err := d.users.GetVerified(ctx, chatUserID)
	if err != nil {
		if !errors.Is(err, errkind.NotFound) {
			d.logger.Error("loading verified identity", "chat_user_id", chatUserID, "error", err)
		}
		return ticket.Actor{}, false
	}
	return ticket.Actor{
		ChatUserID:    chatUserID,
		Email:         v.Email,
		PrivateChatID: platformUserID,
	}, true
}

func (d *Dispatcher) answer(callbackID, text string, alert bool) {
	if err := d.answerer.AnswerCallback(callbackID, text, alert); err != nil {
		d.logger.Warn("answering callback query", "error", err)
	}
}
