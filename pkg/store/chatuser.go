package store

import "context"

// ChatUserStore persists core.chat_users and core.verified_users.
type ChatUserStore struct {
	dbtx DBTX
}

func NewChatUserStore(dbtx DBTX) *ChatUserStore {
	return &ChatUserStore{dbtx: dbtx}
}

// ChatUser mirrors the ChatUser entity.
type ChatUser struct {
	ID             int64
	PlatformUserID int64
	Username       string
	FullName       string
}

// VerifiedUser mirrors the VerifiedUser entity.
type VerifiedUser struct {
	ChatUserID     int64
	Email          string
	DirectoryLogin *string
	VerifiedAt     int64 // unix seconds; avoids importing time for a single column
}

// EnsureChatUser upserts the chat user row keyed by platform_user_id and
// returns the surrogate id, refreshing username/full_name on every sighting.
func (s *ChatUserStore) EnsureChatUser(ctx context.Context, platformUserID int64, username, fullName string) (int64, error) {
	const q = `
		INSERT INTO core.chat_users (platform_user_id, username, full_name)
		VALUES ($1, $2, $3)
		ON CONFLICT (platform_user_id) DO UPDATE SET
			username = EXCLUDED.username,
			full_name = EXCLUDED.full_name
		RETURNING id`
	var id int64
	err := s.dbtx.QueryRow(ctx, q, platformUserID, username, fullName).Scan(&id)
	return id, classify("ensure chat user", err)
}

// PrivateChatID returns the platform user id for a chat user, which doubles
// as the private chat id on Telegram-style platforms.
func (s *ChatUserStore) PrivateChatID(ctx context.Context, chatUserID int64) (int64, error) {
	const q = `SELECT platform_user_id FROM core.chat_users WHERE id = $1`
	var id int64
	err := s.dbtx.QueryRow(ctx, q, chatUserID).Scan(&id)
	return id, classify("get private chat id", err)
}

// GetVerified returns the verified identity for a chat user, errkind.NotFound
// if the user has not completed verification.
func (s *ChatUserStore) GetVerified(ctx context.Context, chatUserID int64) (VerifiedUser, error) {
	const q = `
		SELECT chat_user_id, email, directory_login, extract(epoch from verified_at)::bigint
		FROM core.verified_users WHERE chat_user_id = $1`
	var v VerifiedUser
	err := s.dbtx.QueryRow(ctx, q, chatUserID).Scan(&v.ChatUserID, &v.Email, &v.DirectoryLogin, &v.VerifiedAt)
	return v, classify("get verified user", err)
}

// UpsertVerified records a newly verified identity, replacing any prior one — a
// verified user logging back in re-verifies rather than stacking rows.
func (s *ChatUserStore) UpsertVerified(ctx context.Context, chatUserID int64, email string, directoryLogin *string) error {
	const q = `
		INSERT INTO core.verified_users (chat_user_id, email, directory_login, verified_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (chat_user_id) DO UPDATE SET
			email = EXCLUDED.email,
			directory_login = EXCLUDED.directory_login,
			verified_at = EXCLUDED.verified_at`
	_, err := s.dbtx.Exec(ctx, q, chatUserID, email, directoryLogin)
	return classify("upsert verified user", err)
}

// DeleteVerified removes the verified identity row (handles /logout).
func (s *ChatUserStore) DeleteVerified(ctx context.Context, chatUserID int64) error {
	const q = `DELETE FROM core.verified_users WHERE chat_user_id = $1`
	_, err := s.dbtx.Exec(ctx, q, chatUserID)
	return classify("delete verified user", err)
}
