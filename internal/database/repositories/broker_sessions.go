package repositories

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantgate/gateway/internal/apperr"
	"github.com/quantgate/gateway/internal/domain"
)

// BrokerSessionRepository persists BrokerSession rows, one per
// (user_id, broker_name) pair (§3.1).
type BrokerSessionRepository struct {
	*BaseRepository
}

// NewBrokerSessionRepository builds a repository over the Main store.
func NewBrokerSessionRepository(db *sql.DB, log zerolog.Logger) *BrokerSessionRepository {
	return &BrokerSessionRepository{BaseRepository: NewBase(db, log.With().Str("repo", "broker_sessions").Logger())}
}

// Upsert writes a freshly-established session, replacing any prior one for
// the same (user_id, broker_name).
func (r *BrokerSessionRepository) Upsert(ctx context.Context, s domain.BrokerSession) error {
	_, err := r.DB().ExecContext(ctx,
		`INSERT INTO broker_sessions (user_id, broker_name, access_token_ct, refresh_token_ct, feed_token_ct, expires_at, is_revoked)
		 VALUES (?, ?, ?, ?, ?, ?, 0)
		 ON CONFLICT(user_id, broker_name) DO UPDATE SET
		   access_token_ct = excluded.access_token_ct,
		   refresh_token_ct = excluded.refresh_token_ct,
		   feed_token_ct = excluded.feed_token_ct,
		   expires_at = excluded.expires_at,
		   is_revoked = 0`,
		s.UserID, s.BrokerName, s.AccessTokenCT, s.RefreshTokenCT, s.FeedTokenCT, s.ExpiresAt)
	return err
}

// Get loads a session; callers must still check Valid(time.Now()) since a
// row can exist but be revoked or expired.
func (r *BrokerSessionRepository) Get(ctx context.Context, userID, brokerName string) (domain.BrokerSession, error) {
	var s domain.BrokerSession
	s.UserID, s.BrokerName = userID, brokerName
	err := r.DB().QueryRowContext(ctx,
		`SELECT access_token_ct, refresh_token_ct, feed_token_ct, expires_at, is_revoked
		 FROM broker_sessions WHERE user_id = ? AND broker_name = ?`, userID, brokerName).
		Scan(&s.AccessTokenCT, &s.RefreshTokenCT, &s.FeedTokenCT, &s.ExpiresAt, &s.IsRevoked)
	if err == sql.ErrNoRows {
		return domain.BrokerSession{}, apperr.New(apperr.InternalErr, "no broker session")
	}
	if err != nil {
		return domain.BrokerSession{}, apperr.Wrap(apperr.InternalErr, "broker session lookup failed", err)
	}
	return s, nil
}

// Revoke flips is_revoked to true for one (user_id, broker_name) pair.
// RevokeAllForUser sets it for every broker of a user; only Upsert, which
// writes a freshly-established session over the row, clears it again.
func (r *BrokerSessionRepository) Revoke(ctx context.Context, userID, brokerName string) error {
	_, err := r.DB().ExecContext(ctx,
		`UPDATE broker_sessions SET is_revoked = 1 WHERE user_id = ? AND broker_name = ?`, userID, brokerName)
	return err
}

// RevokeAllForUser revokes every broker session tied to userID, used by the
// auth cache invalidation cascade on key revocation or credential rotation
// (§4.2).
func (r *BrokerSessionRepository) RevokeAllForUser(ctx context.Context, userID string) error {
	_, err := r.DB().ExecContext(ctx,
		`UPDATE broker_sessions SET is_revoked = 1 WHERE user_id = ?`, userID)
	return err
}

// NextExpiry computes the deadline for a freshly-issued session: the next
// occurrence of sessionExpiryTime (HH:MM) in loc strictly after now.
func NextExpiry(now time.Time, hour, minute int, loc *time.Location) time.Time {
	local := now.In(loc)
	candidate := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
	if !candidate.After(local) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}
