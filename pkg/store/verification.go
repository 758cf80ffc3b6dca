package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/wisbric/opswatch/internal/errkind"
)

// VerificationStore persists telegram.verification_codes: the single
// outstanding PendingVerification row per chat user.
type VerificationStore struct {
	dbtx DBTX
}

func NewVerificationStore(dbtx DBTX) *VerificationStore {
	return &VerificationStore{dbtx: dbtx}
}

// Create replaces any prior pending verification for chatUserID with a fresh
// code and a 10-minute expiry — changing email cancels the old one.
func (s *VerificationStore) Create(ctx context.Context, chatUserID int64, email, code string, ttl time.Duration) error {
	const q = `
		INSERT INTO telegram.verification_codes (telegram_id, email, code, expires_at, created_at)
		VALUES ($1, $2, $3, now() + make_interval(secs => $4), now())
		ON CONFLICT (telegram_id) DO UPDATE SET
			email = EXCLUDED.email,
			code = EXCLUDED.code,
			expires_at = EXCLUDED.expires_at,
			created_at = EXCLUDED.created_at`
	_, err := s.dbtx.Exec(ctx, q, chatUserID, email, code, ttl.Seconds())
	return classify("create verification", err)
}

// Cancel deletes a pending verification unconditionally — used when the user
// asks to change email before submitting a code.
func (s *VerificationStore) Cancel(ctx context.Context, chatUserID int64) error {
	const q = `DELETE FROM telegram.verification_codes WHERE telegram_id = $1`
	_, err := s.dbtx.Exec(ctx, q, chatUserID)
	return classify("cancel verification", err)
}

// Email returns the email on the pending verification row for the prompt
// text ("code sent to <email>"), without consuming it.
func (s *VerificationStore) Email(ctx context.Context, chatUserID int64) (string, error) {
	const q = `SELECT email FROM telegram.verification_codes WHERE telegram_id = $1`
	var email string
	err := s.dbtx.QueryRow(ctx, q, chatUserID).Scan(&email)
	return email, classify("get verification email", err)
}

// DeleteExpired sweeps verification rows whose window has passed, returning
// how many were removed. The sweeper task calls this periodically; Consume
// also deletes expired rows on contact, so the sweep only catches abandoned
// flows.
func (s *VerificationStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	const q = `DELETE FROM telegram.verification_codes WHERE expires_at <= $1`
	tag, err := s.dbtx.Exec(ctx, q, now)
	if err != nil {
		return 0, classify("delete expired verifications", err)
	}
	return tag.RowsAffected(), nil
}

// Consume is the atomic read-verify-delete contract: a matching code inside
// the expiry window deletes the row and returns the email; an expired row is
// deleted too (so the user starts over) but reports errkind.InputInvalid; a
// present-but-wrong code leaves the row in place for another attempt and
// reports errkind.InputInvalid; a missing row reports errkind.NotFound.
func (s *VerificationStore) Consume(ctx context.Context, chatUserID int64, code string) (string, error) {
	const sel = `SELECT email, code, expires_at FROM telegram.verification_codes WHERE telegram_id = $1 FOR UPDATE`
	var email, storedCode string
	var expiresAt time.Time

	tx, ok := s.dbtx.(Beginner)
	if !ok {
		return "", fmt.Errorf("consume verification: %w", errors.New("dbtx does not support transactions"))
	}

	txn, err := tx.Begin(ctx)
	if err != nil {
		return "", classify("begin consume verification", err)
	}
	defer txn.Rollback(ctx)

	err = txn.QueryRow(ctx, sel, chatUserID).Scan(&email, &storedCode, &expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("consume verification: %w", errkind.NotFound)
		}
		return "", classify("consume verification select", err)
	}

	expired := time.Now().After(expiresAt)
	matched := storedCode == code && !expired

	if matched || expired {
		if _, err := txn.Exec(ctx, `DELETE FROM telegram.verification_codes WHERE telegram_id = $1`, chatUserID); err != nil {
			return "", classify("consume verification delete", err)
		}
	}

	if err := txn.Commit(ctx); err != nil {
		return "", classify("commit consume verification", err)
	}

	if !matched {
		return "", fmt.Errorf("consume verification: %w", errkind.InputInvalid)
	}
	return email, nil
}
