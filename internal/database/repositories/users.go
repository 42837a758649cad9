package repositories

import (
	"context"
	"database/sql"

	"github.com/rs/zerolog"

	"github.com/quantgate/gateway/internal/apperr"
	"github.com/quantgate/gateway/internal/domain"
)

// UserRepository persists User rows and their broker bindings.
type UserRepository struct {
	*BaseRepository
}

// NewUserRepository builds a repository over the Main store.
func NewUserRepository(db *sql.DB, log zerolog.Logger) *UserRepository {
	return &UserRepository{BaseRepository: NewBase(db, log.With().Str("repo", "users").Logger())}
}

// Create inserts a new user with an already-hashed password verifier.
func (r *UserRepository) Create(ctx context.Context, userID, passwordVerifier string) error {
	_, err := r.DB().ExecContext(ctx,
		`INSERT INTO users (user_id, password_verifier) VALUES (?, ?)`, userID, passwordVerifier)
	return err
}

// Get loads a user and its broker bindings.
func (r *UserRepository) Get(ctx context.Context, userID string) (domain.User, error) {
	var u domain.User
	u.UserID = userID
	err := r.DB().QueryRowContext(ctx,
		`SELECT password_verifier FROM users WHERE user_id = ?`, userID).Scan(&u.PasswordVerifier)
	if err == sql.ErrNoRows {
		return domain.User{}, apperr.New(apperr.InternalErr, "user not found")
	}
	if err != nil {
		return domain.User{}, apperr.Wrap(apperr.InternalErr, "user lookup failed", err)
	}

	rows, err := r.DB().QueryContext(ctx,
		`SELECT broker_name, credential_blob_ct, is_default FROM broker_bindings WHERE user_id = ?`, userID)
	if err != nil {
		return domain.User{}, apperr.Wrap(apperr.InternalErr, "broker binding lookup failed", err)
	}
	defer rows.Close()
	for rows.Next() {
		var b domain.BrokerBinding
		if err := rows.Scan(&b.BrokerName, &b.CredentialBlobCT, &b.IsDefault); err != nil {
			return domain.User{}, apperr.Wrap(apperr.InternalErr, "broker binding scan failed", err)
		}
		u.BrokerBindings = append(u.BrokerBindings, b)
	}
	return u, nil
}

// UpsertBinding writes (or replaces) a user's credential binding for a
// broker. Setting isDefault clears any previous default for the same user,
// preserving the "at most one default per user" invariant (§3.1).
func (r *UserRepository) UpsertBinding(ctx context.Context, userID, brokerName string, credentialBlobCT []byte, isDefault bool) error {
	tx, err := r.DB().BeginTx(ctx, nil)
	if err != nil {
		return apperr.Wrap(apperr.InternalErr, "begin tx failed", err)
	}
	defer tx.Rollback()

	if isDefault {
		if _, err := tx.ExecContext(ctx,
			`UPDATE broker_bindings SET is_default = 0 WHERE user_id = ?`, userID); err != nil {
			return apperr.Wrap(apperr.InternalErr, "clear previous default failed", err)
		}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO broker_bindings (user_id, broker_name, credential_blob_ct, is_default)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id, broker_name) DO UPDATE SET credential_blob_ct = excluded.credential_blob_ct, is_default = excluded.is_default`,
		userID, brokerName, credentialBlobCT, isDefault)
	if err != nil {
		return apperr.Wrap(apperr.InternalErr, "upsert binding failed", err)
	}
	return tx.Commit()
}
