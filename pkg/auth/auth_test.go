package auth

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
	"github.com/wisbric/opswatch/pkg/store"
)

type fakeUsers struct {
	verified map[int64]store.VerifiedUser
	nextID   int64
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{verified: make(map[int64]store.VerifiedUser), nextID: 1}
}

func (f *fakeUsers) EnsureChatUser(ctx context.Context, platformUserID int64, username, fullName string) (int64, error) {
	return platformUserID, nil
}

func (f *fakeUsers) GetVerified(ctx context.Context, chatUserID int64) (store.VerifiedUser, error) {
	v, ok := f.verified[chatUserID]
	if !ok {
		return store.VerifiedUser{}, fmt.Errorf("get verified: %w", errkind.NotFound)
	}
	return v, nil
}

func (f *fakeUsers) UpsertVerified(ctx context.Context, chatUserID int64, email string, directoryLogin *string) error {
	f.verified[chatUserID] = store.VerifiedUser{ChatUserID: chatUserID, Email: email, DirectoryLogin: directoryLogin}
	return nil
}

func (f *fakeUsers) DeleteVerified(ctx context.Context, chatUserID int64) error {
	delete(f.verified, chatUserID)
	return nil
}

type pendingRow struct {
	email, code string
	expiresAt   time.Time
}

type fakeVerifications struct {
	rows map[int64]pendingRow
}

func newFakeVerifications() *fakeVerifications {
	return &fakeVerifications{rows: make(map[int64]pendingRow)}
}

func (f *fakeVerifications) Create(ctx context.Context, chatUserID int64, email, code string, ttl time.Duration) error {
	f.rows[chatUserID] = pendingRow{email: email, code: code, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (f *fakeVerifications) Cancel(ctx context.Context, chatUserID int64) error {
	delete(f.rows, chatUserID)
	return nil
}

func (f *fakeVerifications) Email(ctx context.Context, chatUserID int64) (string, error) {
	row, ok := f.rows[chatUserID]
	if !ok {
		return "", fmt.Errorf("email: %w", errkind.NotFound)
	}
	return row.email, nil
}

func (f *fakeVerifications) Consume(ctx context.Context, chatUserID int64, code string) (string, error) {
	row, ok := f.rows[chatUserID]
	if !ok {
		return "", fmt.Errorf("consume: %w", errkind.NotFound)
	}
	expired := time.Now().After(row.expiresAt)
	if row.code == code && !expired {
		delete(f.rows, chatUserID)
		return row.email, nil
	}
	if expired {
		delete(f.rows, chatUserID)
	}
	return "", fmt.Errorf("consume: %w", errkind.InputInvalid)
}

type sentMail struct{ to, code string }

type fakeMailer struct {
	sent []sentMail
}

func (f *fakeMailer) SendVerificationCode(ctx context.Context, to, code string) error {
	f.sent = append(f.sent, sentMail{to: to, code: code})
	return nil
}

type fakeAgents struct {
	logins map[string]string
}

func (f *fakeAgents) ResolveAgentLogin(ctx context.Context, email string) (string, bool) {
	login, ok := f.logins[email]
	return login, ok
}

type fakeManager struct {
	sends   []messaging.OutMessage
	edits   []messaging.OutMessage
	deletes []int
	nextID  int
}

func (f *fakeManager) Send(ctx context.Context, dest messaging.Destination, msg messaging.OutMessage) (int, error) {
	f.sends = append(f.sends, msg)
	f.nextID++
	return f.nextID, nil
}

func (f *fakeManager) Edit(ctx context.Context, dest messaging.Destination, messageID int, msg messaging.OutMessage) error {
	f.edits = append(f.edits, msg)
	return nil
}

func (f *fakeManager) Delete(ctx context.Context, dest messaging.Destination, messageID int) error {
	f.deletes = append(f.deletes, messageID)
	return nil
}

func (f *fakeManager) EnsurePersistent(ctx context.Context, dest messaging.Destination, kind string, render messaging.Render) (int, error) {
	f.edits = append(f.edits, render())
	return 100, nil
}

func newTestMachine(t *testing.T) (*Machine, *fakeUsers, *fakeVerifications, *fakeMailer, *fakeManager) {
	t.Helper()
	users := newFakeUsers()
	verifications := newFakeVerifications()
	m := &fakeMailer{}
	mgr := &fakeManager{}
	agents := &fakeAgents{logins: map[string]string{"alice@a.com": "alice"}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	machine := New(users, verifications, m, agents, nil, mgr, logger, []string{"a.com"})
	return machine, users, verifications, m, mgr
}

func advanceToAwaitingEmail(t *testing.T, m *Machine, uid int64, dest messaging.Destination) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, m.HandleStart(ctx, uid, dest))
	handled, err := m.HandleCallback(ctx, uid, dest, 100, "authorize")
	require.NoError(t, err)
	require.True(t, handled)
}

func TestHappyPathVerification(t *testing.T) {
	m, users, verifications, mail, mgr := newTestMachine(t)
	ctx := context.Background()
	dest := messaging.Destination{ChatID: 7001}

	advanceToAwaitingEmail(t, m, 7001, dest)

	handled, err := m.HandleText(ctx, 7001, dest, 1, "alice@a.com")
	require.NoError(t, err)
	require.True(t, handled)
	require.Len(t, mail.sent, 1)
	require.Equal(t, "alice@a.com", mail.sent[0].to)
	require.Len(t, mail.sent[0].code, 6)

	code := verifications.rows[7001].code
	handled, err = m.HandleText(ctx, 7001, dest, 2, code)
	require.NoError(t, err)
	require.True(t, handled)

	v, err := users.GetVerified(ctx, 7001)
	require.NoError(t, err)
	require.Equal(t, "alice@a.com", v.Email)
	require.NotNil(t, v.DirectoryLogin)
	require.Equal(t, "alice", *v.DirectoryLogin)
	require.True(t, m.IsVerified(7001))
	require.Empty(t, verifications.rows, "verification row consumed")
	require.Equal(t, []int{1, 2}, mgr.deletes, "email and code messages removed from the chat")
}

func TestInvalidEmailDeletedSilently(t *testing.T) {
	m, _, verifications, mail, mgr := newTestMachine(t)
	ctx := context.Background()
	dest := messaging.Destination{ChatID: 7002}

	advanceToAwaitingEmail(t, m, 7002, dest)

	handled, err := m.HandleText(ctx, 7002, dest, 5, "not an email")
	require.NoError(t, err)
	require.True(t, handled)
	require.Equal(t, []int{5}, mgr.deletes)
	require.Empty(t, mail.sent)
	require.Empty(t, verifications.rows)
}

func TestWrongDomainRejected(t *testing.T) {
	m, _, verifications, _, mgr := newTestMachine(t)
	ctx := context.Background()
	dest := messaging.Destination{ChatID: 7003}

	advanceToAwaitingEmail(t, m, 7003, dest)

	handled, err := m.HandleText(ctx, 7003, dest, 6, "mallory@evil.com")
	require.NoError(t, err)
	require.True(t, handled)
	require.Equal(t, []int{6}, mgr.deletes)
	require.Empty(t, verifications.rows)
}

func TestWrongCodeKeepsPendingVerification(t *testing.T) {
	m, users, verifications, _, mgr := newTestMachine(t)
	ctx := context.Background()
	dest := messaging.Destination{ChatID: 7004}

	advanceToAwaitingEmail(t, m, 7004, dest)
	_, err := m.HandleText(ctx, 7004, dest, 1, "alice@a.com")
	require.NoError(t, err)

	// A code of the wrong shape is rejected before any consume.
	handled, err := m.HandleText(ctx, 7004, dest, 2, "00000")
	require.NoError(t, err)
	require.True(t, handled)
	require.Len(t, verifications.rows, 1, "pending verification untouched")
	require.NotEmpty(t, mgr.sends, "ephemeral error bubble sent")

	_, stillAnonymous := users.verified[7004]
	require.False(t, stillAnonymous)
	require.False(t, m.IsVerified(7004))
}

func TestConsumeIsSingleShot(t *testing.T) {
	m, _, verifications, _, _ := newTestMachine(t)
	ctx := context.Background()
	dest := messaging.Destination{ChatID: 7005}

	advanceToAwaitingEmail(t, m, 7005, dest)
	_, err := m.HandleText(ctx, 7005, dest, 1, "alice@a.com")
	require.NoError(t, err)
	code := verifications.rows[7005].code

	handled, err := m.HandleText(ctx, 7005, dest, 2, code)
	require.NoError(t, err)
	require.True(t, handled)
	require.True(t, m.IsVerified(7005))

	// A verified user cannot submit another code without logging out.
	handled, err = m.HandleText(ctx, 7005, dest, 3, code)
	require.NoError(t, err)
	require.False(t, handled)
}

func TestChangeEmailCancelsPrior(t *testing.T) {
	m, _, verifications, mail, _ := newTestMachine(t)
	ctx := context.Background()
	dest := messaging.Destination{ChatID: 7006}

	advanceToAwaitingEmail(t, m, 7006, dest)
	_, err := m.HandleText(ctx, 7006, dest, 1, "alice@a.com")
	require.NoError(t, err)
	require.Len(t, verifications.rows, 1)

	handled, err := m.HandleCallback(ctx, 7006, dest, 100, "change_email")
	require.NoError(t, err)
	require.True(t, handled)
	require.Empty(t, verifications.rows, "prior verification cancelled")

	// Submitting a second email issues a fresh code.
	_, err = m.HandleText(ctx, 7006, dest, 2, "bob@a.com")
	require.NoError(t, err)
	require.Len(t, mail.sent, 2)
	require.Equal(t, "bob@a.com", mail.sent[1].to)
}

func TestLogoutReturnsToAnonymous(t *testing.T) {
	m, users, verifications, _, _ := newTestMachine(t)
	ctx := context.Background()
	dest := messaging.Destination{ChatID: 7007}

	advanceToAwaitingEmail(t, m, 7007, dest)
	_, err := m.HandleText(ctx, 7007, dest, 1, "alice@a.com")
	require.NoError(t, err)
	code := verifications.rows[7007].code
	_, err = m.HandleText(ctx, 7007, dest, 2, code)
	require.NoError(t, err)
	require.True(t, m.IsVerified(7007))

	require.NoError(t, m.HandleLogout(ctx, 7007, dest))
	require.False(t, m.IsVerified(7007))
	require.Empty(t, users.verified)
}

func TestIdentifyRestoresStateFromDurableRows(t *testing.T) {
	m, users, _, _, _ := newTestMachine(t)
	ctx := context.Background()

	login := "alice"
	require.NoError(t, users.UpsertVerified(ctx, 7008, "alice@a.com", &login))

	id, err := m.Identify(ctx, 7008, "alice", "Alice A")
	require.NoError(t, err)
	require.Equal(t, int64(7008), id)
	require.True(t, m.IsVerified(7008))
}

func TestCodeFormatValidation(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"482915", true},
		{" 482915 ", true},
		{"00000", false},
		{"0000000", false},
		{"48291a", false},
		{"", false},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, isSixDigits(tt.in), "input %q", tt.in)
	}
}

func TestGenerateCodeShape(t *testing.T) {
	for i := 0; i < 50; i++ {
		code, err := generateCode()
		require.NoError(t, err)
		require.Len(t, code, 6)
		require.True(t, isSixDigits(code))
	}
}
