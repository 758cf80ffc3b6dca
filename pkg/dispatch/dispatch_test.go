package dispatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wisbric/opswatch/internal/errkind"
	"github.com/wisbric/opswatch/pkg/messaging"
	"github.com/wisbric/opswatch/pkg/pendingaction"
	"github.com/wisbric/opswatch/pkg/store"
	"github.com/wisbric/opswatch/pkg/telegram"
	"github.com/wisbric/opswatch/pkg/ticket"
)

type fakeAuth struct {
	starts    int
	logouts   int
	texts     []string
	handled   bool
	callbacks []string
	cbHandled bool
}

func (f *fakeAuth) Identify(ctx context.Context, platformUserID int64, username, fullName string) (int64, error) {
	return platformUserID, nil
}

func (f *fakeAuth) HandleStart(ctx context.Context, chatUserID int64, dest messaging.Destination) error {
	f.starts++
	return nil
}

func (f *fakeAuth) HandleLogout(ctx context.Context, chatUserID int64, dest messaging.Destination) error {
	f.logouts++
	return nil
}

func (f *fakeAuth) HandleText(ctx context.Context, chatUserID int64, dest messaging.Destination, userMessageID int, text string) (bool, error) {
	f.texts = append(f.texts, text)
	return f.handled, nil
}

func (f *fakeAuth) HandleCallback(ctx context.Context, chatUserID int64, dest messaging.Destination, messageID int, action string) (bool, error) {
	f.callbacks = append(f.callbacks, action)
	return f.cbHandled, nil
}

type submitted struct {
	kind     pendingaction.Kind
	ticketID string
	text     string
}

type fakeReconciler struct {
	callbacks []ticket.Callback
	submitted []submitted
}

func (f *fakeReconciler) HandleCallback(ctx context.Context, actor ticket.Actor, cb ticket.Callback) (bool, error) {
	f.callbacks = append(f.callbacks, cb)
	return true, nil
}

func (f *fakeReconciler) SubmitAction(ctx context.Context, actor ticket.Actor, kind pendingaction.Kind, ticketID, text string) error {
	f.submitted = append(f.submitted, submitted{kind: kind, ticketID: ticketID, text: text})
	return nil
}

type fakeVerified struct {
	verified map[int64]string
}

func (f *fakeVerified) GetVerified(ctx context.Context, chatUserID int64) (store.VerifiedUser, error) {
	email, ok := f.verified[chatUserID]
	if !ok {
		return store.VerifiedUser{}, fmt.Errorf("verified: %w", errkind.NotFound)
	}
	return store.VerifiedUser{ChatUserID: chatUserID, Email: email}, nil
}

type fakeMsgs struct {
	deleted   []int
	scheduled []int
}

func (f *fakeMsgs) Delete(ctx context.Context, dest messaging.Destination, messageID int) error {
	f.deleted = append(f.deleted, messageID)
	return nil
}

func (f *fakeMsgs) ScheduleDelete(ctx context.Context, dest messaging.Destination, messageID int, after time.Duration) error {
	f.scheduled = append(f.scheduled, messageID)
	return nil
}

type fakeAnswerer struct {
	answers []string
	alerts  []bool
}

func (f *fakeAnswerer) AnswerCallback(callbackID, text string, alert bool) error {
	f.answers = append(f.answers, text)
	f.alerts = append(f.alerts, alert)
	return nil
}

func testConfig() Config {
	return Config{
		TopicTasks:          77,
		TopicEmployee:       88,
		AllowedTopics:       map[int]bool{77: true, 88: true},
		UserDeleteDelay:     30 * time.Second,
		EmployeeDeleteDelay: 5 * time.Minute,
	}
}

func newTestDispatcher(authFake *fakeAuth, rec *fakeReconciler, verified *fakeVerified) (*Dispatcher, *pendingaction.Broker, *fakeMsgs, *fakeAnswerer) {
	broker := pendingaction.New()
	msgs := &fakeMsgs{}
	ans := &fakeAnswerer{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := New(authFake, rec, broker, verified, msgs, ans, testConfig, logger)
	return d, broker, msgs, ans
}

func privateMessage(uid int64, text string, messageID int) telegram.Message {
	return telegram.Message{
		ChatID: uid, MessageID: messageID, Text: text, IsPrivate: true,
		From: telegram.User{PlatformUserID: uid},
	}
}

func TestPrivateCommandsRouteToAuth(t *testing.T) {
	authFake := &fakeAuth{}
	d, _, _, _ := newTestDispatcher(authFake, &fakeReconciler{}, &fakeVerified{})
	ctx := context.Background()

	d.HandleMessage(ctx, privateMessage(7001, "/start", 1))
	d.HandleMessage(ctx, privateMessage(7001, "/logout", 2))
	require.Equal(t, 1, authFake.starts)
	require.Equal(t, 1, authFake.logouts)
}

func TestStrayPrivateTextDeletedSilently(t *testing.T) {
	authFake := &fakeAuth{handled: false}
	d, _, msgs, _ := newTestDispatcher(authFake, &fakeReconciler{}, &fakeVerified{})

	d.HandleMessage(context.Background(), privateMessage(7001, "hello?", 9))
	require.Equal(t, []string{"hello?"}, authFake.texts)
	require.Equal(t, []int{9}, msgs.deleted)
}

func TestBrokerConsumesBeforeAuth(t *testing.T) {
	authFake := &fakeAuth{handled: true}
	rec := &fakeReconciler{}
	verified := &fakeVerified{verified: map[int64]string{7001: "alice@a.com"}}
	d, broker, msgs, _ := newTestDispatcher(authFake, rec, verified)

	topic := 77
	broker.Set(7001, pendingaction.Action{
		Kind: pendingaction.KindClose, TicketID: "501",
		PromptChatID: -100, PromptTopicID: &topic, PromptMessageID: 40,
	})

	d.HandleMessage(context.Background(), telegram.Message{
		ChatID: -100, TopicID: &topic, MessageID: 41, Text: "hardware replaced",
		From: telegram.User{PlatformUserID: 7001},
	})

	require.Empty(t, authFake.texts, "broker intercepts before auth sees the text")
	require.Len(t, rec.submitted, 1)
	require.Equal(t, pendingaction.KindClose, rec.submitted[0].kind)
	require.Equal(t, "hardware replaced", rec.submitted[0].text)
	require.ElementsMatch(t, []int{40, 41}, msgs.scheduled, "reply and prompt swept from the tasks topic")
}

func TestGroupMessageScheduledForDeletion(t *testing.T) {
	d, _, msgs, _ := newTestDispatcher(&fakeAuth{}, &fakeReconciler{}, &fakeVerified{})

	topic := 88
	d.HandleMessage(context.Background(), telegram.Message{
		ChatID: -100, TopicID: &topic, MessageID: 50, Text: "who is carol",
		From: telegram.User{PlatformUserID: 7001},
	})
	require.Equal(t, []int{50}, msgs.scheduled)

	// Unconfigured topics are left alone.
	other := 99
	d.HandleMessage(context.Background(), telegram.Message{
		ChatID: -100, TopicID: &other, MessageID: 51, Text: "x",
		From: telegram.User{PlatformUserID: 7001},
	})
	require.Equal(t, []int{50}, msgs.scheduled)
}

func TestCallbackRequiresVerificationForTicketActions(t *testing.T) {
	rec := &fakeReconciler{}
	d, _, _, ans := newTestDispatcher(&fakeAuth{}, rec, &fakeVerified{})

	d.HandleCallback(context.Background(), telegram.Callback{
		ID: "cb1", ChatID: -100, MessageID: 10, Action: "take", Subject: "501",
		From: telegram.User{PlatformUserID: 7001},
	})

	require.Empty(t, rec.callbacks, "unverified user never reaches ticket actions")
	require.Len(t, ans.answers, 1)
	require.True(t, ans.alerts[0], "denial shown as an alert toast")
}

func TestCallbackRoutedToTickets(t *testing.T) {
	rec := &fakeReconciler{}
	verified := &fakeVerified{verified: map[int64]string{7001: "alice@a.com"}}
	d, _, _, ans := newTestDispatcher(&fakeAuth{}, rec, verified)

	d.HandleCallback(context.Background(), telegram.Callback{
		ID: "cb2", ChatID: -100, MessageID: 10, Action: "take", Subject: "501",
		From: telegram.User{PlatformUserID: 7001},
	})

	require.Len(t, rec.callbacks, 1)
	require.Equal(t, "take", rec.callbacks[0].Action)
	require.Equal(t, "501", rec.callbacks[0].TicketID)
	require.Equal(t, []string{""}, ans.answers, "plain ack")
}

func TestAuthCallbackShortCircuits(t *testing.T) {
	authFake := &fakeAuth{cbHandled: true}
	rec := &fakeReconciler{}
	d, _, _, _ := newTestDispatcher(authFake, rec, &fakeVerified{})

	d.HandleCallback(context.Background(), telegram.Callback{
		ID: "cb3", ChatID: 7001, MessageID: 10, Action: "authorize",
		From: telegram.User{PlatformUserID: 7001},
	})

	require.Equal(t, []string{"authorize"}, authFake.callbacks)
	require.Empty(t, rec.callbacks)
}
