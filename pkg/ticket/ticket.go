// Package ticket implements the ticket reconciler and the private mirror
// of taken tickets: it polls the external ticket store, keeps
// the tasks-topic messages in step with the active ticket set, executes
// agent-triggered ticket actions, and maintains per-agent personal copies.
// All external updates for one ticket serialize on a per-ticket mutex shared
// by the poll loop and the callback handlers.
package ticket

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/wisbric/opswatch/pkg/messaging"
	"github.com/wisbric/opswatch/pkg/otrs"
	"github.com/wisbric/opswatch/pkg/pendingaction"
	"github.com/wisbric/opswatch/pkg/store"
)

// searchLimit caps one poll iteration's active-set query.
const searchLimit = 50

// maxNewSendsPerPoll is the cold-start flood cap: at most this many fresh
// ticket messages per iteration, the rest deferred to the next one.
const maxNewSendsPerPoll = 5

// newSendPacing spaces consecutive fresh sends inside one iteration.
const newSendPacing = 1500 * time.Millisecond

// confirmLifetime is how long action confirmations/errors stay in the tasks
// topic before auto-delete.
const confirmLifetime = 30 * time.Second

// botOwner is the owner a reassigned ticket is parked under.
const botOwner = "telegram_bot"

// api is the slice of *otrs.Client the reconciler drives.
type api interface {
	SearchActive(ctx context.Context, limit int) ([]string, error)
	GetTicket(ctx context.Context, id string) (otrs.Ticket, error)
	UpdateTicket(ctx context.Context, id string, upd otrs.Update) error
	VerifyAgentLogin(ctx context.Context, login string) (bool, error)
}

// ticketStore is the slice of *store.TicketStore the reconciler needs.
type ticketStore interface {
	KnownActive(ctx context.Context, chatID int64, topicID *int) (map[string]store.TicketMessage, error)
	SaveShadow(ctx context.Context, ticketID, ticketNumber, state string, at time.Time) error
	SaveMessage(ctx context.Context, ticketID, ticketNumber string, chatID int64, topicID *int, messageID int, state string, sentAt time.Time) error
	DeleteTicket(ctx context.Context, ticketID string, chatID int64, topicID *int) error
	SavePrivateMessage(ctx context.Context, chatUserID int64, ticketID string, messageID int) error
	PrivateMirrors(ctx context.Context, ticketID string) ([]store.PrivateTicketMessage, error)
	RecordAction(ctx context.Context, a store.TicketAction) error
	WeeklyActionStats(ctx context.Context, from, to time.Time) (store.ActionTotals, []store.UserActionStats, error)
}

// manager is the slice of messaging.Manager used for private mirrors and for
// editing or deleting tasks-topic messages; new tasks-topic messages are sent
// through the notify router.
type manager interface {
	Send(ctx context.Context, dest messaging.Destination, msg messaging.OutMessage) (int, error)
	Edit(ctx context.Context, dest messaging.Destination, messageID int, msg messaging.OutMessage) error
	Delete(ctx context.Context, dest messaging.Destination, messageID int) error
}

// router is the slice of *notify.Router the reconciler needs.
type router interface {
	TasksDest() messaging.Destination
	SendTask(ctx context.Context, msg messaging.OutMessage) (int, error)
	SendTaskEphemeral(ctx context.Context, msg messaging.OutMessage, lifetime time.Duration)
}

// privateChats resolves a chat user's private chat id for mirror delivery.
type privateChats interface {
	PrivateChatID(ctx context.Context, chatUserID int64) (int64, error)
}

// Actor is the verified user behind a callback or a collected reply.
type Actor struct {
	ChatUserID    int64
	Email         string
	PrivateChatID int64
}

// Reconciler owns the shared ticket messages, the private mirrors, and
// every write to the external ticket store.
type Reconciler struct {
	api    api
	store  ticketStore
	msgs   manager
	router router
	chats  privateChats
	broker *pendingaction.Broker
	logger *slog.Logger

	webBaseURL string

	locks keyedMutex

	loginMu    sync.Mutex
	loginCache map[string]string

	pace func(time.Duration)
}

// New builds a Reconciler. webBaseURL is the human-facing ticket store URL
// the "open" link buttons point at.
func New(api api, st ticketStore, msgs manager, rt router, chats privateChats, broker *pendingaction.Broker, logger *slog.Logger, webBaseURL string) *Reconciler {
	return &Reconciler{
		api:        api,
		store:      st,
		msgs:       msgs,
		router:     rt,
		chats:      chats,
		broker:     broker,
		logger:     logger,
		webBaseURL: strings.TrimRight(webBaseURL, "/"),
		locks:      newKeyedMutex(),
		loginCache: make(map[string]string),
		pace: func(d time.Duration) {
			time.Sleep(d)
		},
	}
}

// keyedMutex serializes work per ticket id. Entries are never removed: the
// active ticket population is small and ids recycle across polls.
type keyedMutex struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func newKeyedMutex() keyedMutex {
	return keyedMutex{m: make(map[string]*sync.Mutex)}
}

func (k *keyedMutex) lock(id string) *sync.Mutex {
	k.mu.Lock()
	l, ok := k.m[id]
	if !ok {
		l = &sync.Mutex{}
		k.m[id] = l
	}
	k.mu.Unlock()
	l.Lock()
	return l
}

// ResolveAgentLogin probes the ticket store for a login corresponding to
// email, trying the conventional login shapes in order: the first dotted
// segment of the local part, the full local part, the local part with dots
// collapsed, with dots replaced by underscores, then the full address. The
// first login the store accepts wins and is cached. A store outage resolves
// to ok=false, matching the auth flow's non-agent default.
func (r *Reconciler) ResolveAgentLogin(ctx context.Context, email string) (string, bool) {
	email = strings.ToLower(strings.TrimSpace(email))

	r.loginMu.Lock()
	if login, ok := r.loginCache[email]; ok {
		r.loginMu.Unlock()
		return login, login != ""
	}
	r.loginMu.Unlock()

	for _, candidate := range loginCandidates(email) {
		ok, err := r.api.VerifyAgentLogin(ctx, candidate)
		if err != nil {
			r.logger.Warn("agent login probe failed, defaulting to non-agent", "email", email, "error", err)
			return "", false
		}
		if ok {
			r.loginMu.Lock()
			r.loginCache[email] = candidate
			r.loginMu.Unlock()
			return candidate, true
		}
	}

	r.loginMu.Lock()
	r.loginCache[email] = ""
	r.loginMu.Unlock()
	return "", false
}

// loginCandidates returns the probe order for an email address, deduplicated
// while preserving order.
func loginCandidates(email string) []string {
	local := email
	if at := strings.LastIndex(email, "@"); at >= 0 {
		local = email[:at]
	}
	first := local
	if dot := strings.Index(local, "."); dot >= 0 {
		first = local[:dot]
	}

	raw := []string{
		first,
		local,
		strings.ReplaceAll(local, ".", ""),
		strings.ReplaceAll(local, ".", "_"),
		email,
	}

	seen := make(map[string]bool, len(raw))
	out := make([]string, 0, len(raw))
	for _, c := range raw {
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}
