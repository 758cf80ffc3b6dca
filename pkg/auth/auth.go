// Package auth implements the email-verification state machine: the per-user
// email -> code -> verified chat flow, serialized per user and backed by
// the persistence gateway for the verification row and verified identity.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/wisbric/opswatch/internal/errkind"
	"github.com/wisbric/opswatch/internal/telemetry"
	"github.com/wisbric/opswatch/pkg/messaging"
	"github.com/wisbric/opswatch/pkg/store"
)

// State is the user's position in the verification flow. Anonymous and
// AwaitingEmail have no durable row of their own, so they are tracked only
// in the in-process session map; AwaitingCode and Verified are recoverable
// from PendingVerification/VerifiedUser after a restart.
type State int

const (
	StateAnonymous State = iota
	StateAwaitingEmail
	StateAwaitingCode
	StateVerified
)

// CodeTTL is how long an issued verification code stays valid.
const CodeTTL = 10 * time.Minute

// wrongCodeEphemeralLifetime is how long the "wrong code" bubble stays
// before auto-delete.
const wrongCodeEphemeralLifetime = 10 * time.Second

const (
	kindWelcome = "welcome"

	cbAuthorize   = "authorize"
	cbChangeEmail = "change_email"
)

// chatUserStore is the slice of pkg/store.ChatUserStore the machine needs.
type chatUserStore interface {
	EnsureChatUser(ctx context.Context, platformUserID int64, username, fullName string) (int64, error)
	GetVerified(ctx context.Context, chatUserID int64) (store.VerifiedUser, error)
	UpsertVerified(ctx context.Context, chatUserID int64, email string, directoryLogin *string) error
	DeleteVerified(ctx context.Context, chatUserID int64) error
}

// verificationStore is the slice of pkg/store.VerificationStore needed here.
type verificationStore interface {
	Create(ctx context.Context, chatUserID int64, email, code string, ttl time.Duration) error
	Cancel(ctx context.Context, chatUserID int64) error
	Email(ctx context.Context, chatUserID int64) (string, error)
	Consume(ctx context.Context, chatUserID int64, code string) (string, error)
}

// Mailer delivers the verification code. pkg/mailer supplies the SMTP
// implementation.
type Mailer interface {
	SendVerificationCode(ctx context.Context, to, code string) error
}

// AgentResolver is the narrow capability the auth state machine uses to
// learn whether a verified email belongs to a ticket-store agent, without
// depending on the whole reconciler. A ticket-store outage must resolve to
// ok=false, never an error.
type AgentResolver interface {
	ResolveAgentLogin(ctx context.Context, email string) (login string, ok bool)
}

// DirectoryLookup resolves an email to its directory (AD) login, filling
// VerifiedUser.directory_login for non-agents. May be nil when no directory
// is configured.
type DirectoryLookup interface {
	LookupLogin(ctx context.Context, email string) (string, error)
}

// Manager is the narrow slice of pkg/messaging.Manager the state machine
// drives outbound chat operations through.
type Manager interface {
	Send(ctx context.Context, dest messaging.Destination, msg messaging.OutMessage) (int, error)
	Edit(ctx context.Context, dest messaging.Destination, messageID int, msg messaging.OutMessage) error
	Delete(ctx context.Context, dest messaging.Destination, messageID int) error
	EnsurePersistent(ctx context.Context, dest messaging.Destination, kind string, render messaging.Render) (int, error)
}

// session is the in-memory per-user FSM state, guarded by its own mutex so
// state transitions for one user serialize without blocking other users.
type session struct {
	mu    sync.Mutex
	state State
}

// Machine drives the per-user verification flow.
type Machine struct {
	users         chatUserStore
	verifications verificationStore
	mailer        Mailer
	agents        AgentResolver
	directory     DirectoryLookup
	msgs          Manager
	logger        *slog.Logger

	allowedDomains map[string]bool

	sessMu   sync.Mutex
	sessions map[int64]*session
}

// New builds a Machine. allowedDomains entries are matched case-insensitively
// against the part of the email after '@'; directory may be nil.
func New(users chatUserStore, verifications verificationStore, mailer Mailer, agents AgentResolver, directory DirectoryLookup, msgs Manager, logger *slog.Logger, allowedDomains []string) *Machine {
	domains := make(map[string]bool, len(allowedDomains))
	for _, d := range allowedDomains {
		domains[strings.ToLower(strings.TrimSpace(d))] = true
	}
	return &Machine{
		users:          users,
		verifications:  verifications,
		mailer:         mailer,
		agents:         agents,
		directory:      directory,
		msgs:           msgs,
		logger:         logger,
		allowedDomains: domains,
		sessions:       make(map[int64]*session),
	}
}

func (m *Machine) session(chatUserID int64) *session {
	m.sessMu.Lock()
	defer m.sessMu.Unlock()
	s, ok := m.sessions[chatUserID]
	if !ok {
		s = &session{state: StateAnonymous}
		m.sessions[chatUserID] = s
	}
	return s
}

// Identify upserts the chat user row for an inbound event and returns its
// surrogate id. The first time this process sees the user it also restores
// the session state (AwaitingCode/Verified) from durable rows.
func (m *Machine) Identify(ctx context.Context, platformUserID int64, username, fullName string) (int64, error) {
	chatUserID, err := m.users.EnsureChatUser(ctx, platformUserID, username, fullName)
	if err != nil {
		return 0, fmt.Errorf("identify chat user: %w", err)
	}

	s := m.session(chatUserID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateAnonymous {
		return chatUserID, nil
	}

	if _, verr := m.users.GetVerified(ctx, chatUserID); verr == nil {
		s.state = StateVerified
	} else if _, perr := m.verifications.Email(ctx, chatUserID); perr == nil {
		s.state = StateAwaitingCode
	}
	return chatUserID, nil
}

// IsVerified reports whether chatUserID currently holds a Verified session.
func (m *Machine) IsVerified(chatUserID int64) bool {
	s := m.session(chatUserID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateVerified
}

// HandleStart handles /start in a private chat: render (or re-render) the
// welcome message with the "authorize" button.
func (m *Machine) HandleStart(ctx context.Context, chatUserID int64, dest messaging.Destination) error {
	s := m.session(chatUserID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateAnonymous {
		return nil
	}
	_, err := m.msgs.EnsurePersistent(ctx, dest, kindWelcome, renderWelcome)
	return err
}

// HandleCallback routes a callback_query action belonging to the auth flow.
// handled=false means the action does not belong to auth and the caller
// should try another handler (e.g. a ticket action).
func (m *Machine) HandleCallback(ctx context.Context, chatUserID int64, dest messaging.Destination, messageID int, action string) (handled bool, err error) {
	switch action {
	case cbAuthorize:
		return true, m.handleAuthorize(ctx, chatUserID, dest, messageID)
	case cbChangeEmail:
		return true, m.handleChangeEmail(ctx, chatUserID, dest, messageID)
	default:
		return false, nil
	}
}

func (m *Machine) handleAuthorize(ctx context.Context, chatUserID int64, dest messaging.Destination, messageID int) error {
	s := m.session(chatUserID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateAnonymous {
		return nil
	}
	s.state = StateAwaitingEmail
	return m.msgs.Edit(ctx, dest, messageID, renderEmailPrompt())
}

func (m *Machine) handleChangeEmail(ctx context.Context, chatUserID int64, dest messaging.Destination, messageID int) error {
	s := m.session(chatUserID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateAwaitingCode {
		return nil
	}
	if err := m.verifications.Cancel(ctx, chatUserID); err != nil {
		return fmt.Errorf("cancel verification: %w", err)
	}
	s.state = StateAwaitingEmail
	return m.msgs.Edit(ctx, dest, messageID, renderEmailPrompt())
}

// HandleText routes a free-text message against the current auth state.
// handled=false means this text does not belong to the auth flow (user is
// Anonymous with no pending prompt, or already Verified); the caller decides
// what to do with it.
func (m *Machine) HandleText(ctx context.Context, chatUserID int64, dest messaging.Destination, userMessageID int, text string) (handled bool, err error) {
	s := m.session(chatUserID)
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateAwaitingEmail:
		return true, m.handleEmailText(ctx, s, chatUserID, dest, userMessageID, text)
	case StateAwaitingCode:
		return true, m.handleCodeText(ctx, s, chatUserID, dest, userMessageID, text)
	default:
		return false, nil
	}
}

func (m *Machine) handleEmailText(ctx context.Context, s *session, chatUserID int64, dest messaging.Destination, userMessageID int, text string) error {
	email, ok := parseAllowedEmail(text, m.allowedDomains)
	if !ok {
		return m.msgs.Delete(ctx, dest, userMessageID)
	}

	// The submitted address leaves the chat either way.
	if err := m.msgs.Delete(ctx, dest, userMessageID); err != nil {
		m.logger.Error("deleting email message", "chat_user_id", chatUserID, "error", err)
	}

	code, err := generateCode()
	if err != nil {
		return fmt.Errorf("generate verification code: %w", err)
	}
	if err := m.verifications.Create(ctx, chatUserID, email, code, CodeTTL); err != nil {
		return fmt.Errorf("create verification: %w", err)
	}
	if err := m.mailer.SendVerificationCode(ctx, email, code); err != nil {
		m.logger.Error("verification email delivery failed", "chat_user_id", chatUserID, "error", err)
		// Drop the undeliverable code so the user is not stuck waiting for
		// a code that never arrives.
		if cerr := m.verifications.Cancel(ctx, chatUserID); cerr != nil {
			m.logger.Error("cancelling undelivered verification", "chat_user_id", chatUserID, "error", cerr)
		}
		return fmt.Errorf("deliver verification code: %w", errkind.Transient)
	}
	telemetry.VerificationsIssuedTotal.Inc()

	s.state = StateAwaitingCode
	_, err = m.msgs.EnsurePersistent(ctx, dest, kindWelcome, func() messaging.OutMessage {
		return renderCodeSent(email)
	})
	return err
}

func (m *Machine) handleCodeText(ctx context.Context, s *session, chatUserID int64, dest messaging.Destination, userMessageID int, text string) error {
	// The code (or whatever was typed in its place) leaves the chat.
	if err := m.msgs.Delete(ctx, dest, userMessageID); err != nil {
		m.logger.Error("deleting code message", "chat_user_id", chatUserID, "error", err)
	}

	if !isSixDigits(text) {
		return m.rejectCode(ctx, dest)
	}

	email, err := m.verifications.Consume(ctx, chatUserID, text)
	switch {
	case err == nil:
		telemetry.VerificationsConsumedTotal.WithLabelValues("matched").Inc()
		// fall through to success path below
	case errors.Is(err, errkind.InputInvalid):
		telemetry.VerificationsConsumedTotal.WithLabelValues("mismatch").Inc()
		return m.rejectCode(ctx, dest)
	case errors.Is(err, errkind.NotFound):
		// No pending verification at all (expired and already swept, most
		// likely); send the user back to the email step.
		s.state = StateAwaitingEmail
		_, ensureErr := m.msgs.EnsurePersistent(ctx, dest, kindWelcome, renderEmailPrompt)
		return ensureErr
	default:
		return fmt.Errorf("consume verification: %w", err)
	}

	login, ok := m.agents.ResolveAgentLogin(ctx, email)
	var directoryLogin *string
	if ok {
		directoryLogin = &login
	} else if m.directory != nil {
		if adLogin, derr := m.directory.LookupLogin(ctx, email); derr == nil && adLogin != "" {
			directoryLogin = &adLogin
		}
	}
	if err := m.users.UpsertVerified(ctx, chatUserID, email, directoryLogin); err != nil {
		return fmt.Errorf("upsert verified user: %w", err)
	}

	s.state = StateVerified

	_, err = m.msgs.EnsurePersistent(ctx, dest, kindWelcome, func() messaging.OutMessage {
		return renderPostVerify(ok)
	})
	return err
}

func (m *Machine) rejectCode(ctx context.Context, dest messaging.Destination) error {
	id, err := m.msgs.Send(ctx, dest, renderWrongCode())
	if err != nil || id == 0 {
		return err
	}
	m.scheduleEphemeralDelete(dest, id, wrongCodeEphemeralLifetime)
	return nil
}

// scheduleEphemeralDelete fires a best-effort delayed delete for chat
// operations outside the persisted PendingDeletion mechanism: private-chat
// auth bubbles have no topic, so the topic-gated deletion queue would skip
// them anyway.
func (m *Machine) scheduleEphemeralDelete(dest messaging.Destination, messageID int, after time.Duration) {
	go func() {
		time.Sleep(after)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := m.msgs.Delete(ctx, dest, messageID); err != nil {
			m.logger.Error("ephemeral auth bubble delete failed", "chat_id", dest.ChatID, "message_id", messageID, "error", err)
		}
	}()
}

// HandleLogout handles /logout: removes the verified identity and returns
// the user to Anonymous.
func (m *Machine) HandleLogout(ctx context.Context, chatUserID int64, dest messaging.Destination) error {
	s := m.session(chatUserID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateVerified {
		return nil
	}
	if err := m.users.DeleteVerified(ctx, chatUserID); err != nil {
		return fmt.Errorf("delete verified user: %w", err)
	}
	s.state = StateAnonymous

	_, err := m.msgs.Send(ctx, dest, renderFarewell())
	return err
}

func parseAllowedEmail(text string, allowed map[string]bool) (string, bool) {
	addr, err := mail.ParseAddress(strings.TrimSpace(text))
	if err != nil {
		return "", false
	}
	email := strings.ToLower(addr.Address)
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return "", false
	}
	if len(allowed) > 0 && !allowed[email[at+1:]] {
		return "", false
	}
	return email, true
}

func isSixDigits(s string) bool {
	s = strings.TrimSpace(s)
	if len(s) != 6 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
