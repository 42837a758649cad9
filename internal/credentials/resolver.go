// Package credentials resolves a user's default broker and decrypted
// broker.Credentials from the Main store's broker_bindings/broker_sessions
// tables, shared by the streaming proxy's adapter pool and the live order
// dispatcher (§4.4, §5 "credential ciphertexts are never held in memory
// longer than needed").
package credentials

import (
	"context"
	"encoding/json"

	"github.com/quantgate/gateway/internal/apperr"
	"github.com/quantgate/gateway/internal/broker"
	"github.com/quantgate/gateway/internal/crypto"
	"github.com/quantgate/gateway/internal/database/repositories"
)

// Source resolves the credential material a per-user adapter needs: which
// broker to use when a caller doesn't name one, and the decrypted
// Credentials to hand to Adapter.Initialize.
type Source interface {
	DefaultBroker(ctx context.Context, userID string) (string, error)
	Credentials(ctx context.Context, userID, brokerName string) (broker.Credentials, error)
}

// resolver implements Source over the Main store's broker_bindings and
// broker_sessions tables, decrypting each ciphertext only for the duration
// of building one Credentials value.
type resolver struct {
	users    *repositories.UserRepository
	sessions *repositories.BrokerSessionRepository
	enc      *crypto.Encryptor
}

// NewResolver builds the default Source.
func NewResolver(users *repositories.UserRepository, sessions *repositories.BrokerSessionRepository, enc *crypto.Encryptor) Source {
	return &resolver{users: users, sessions: sessions, enc: enc}
}

func (r *resolver) DefaultBroker(ctx context.Context, userID string) (string, error) {
	u, err := r.users.Get(ctx, userID)
	if err != nil {
		return "", err
	}
	if len(u.BrokerBindings) == 0 {
		return "", apperr.New(apperr.InternalErr, "user has no broker binding")
	}
	for _, b := range u.BrokerBindings {
		if b.IsDefault {
			return b.BrokerName, nil
		}
	}
	return u.BrokerBindings[0].BrokerName, nil
}

// blob is the plaintext JSON shape stored AEAD-encrypted in
// broker_bindings.credential_blob_ct.
type blob struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
	ClientID  string `json:"client_id"`
}

func (r *resolver) Credentials(ctx context.Context, userID, brokerName string) (broker.Credentials, error) {
	u, err := r.users.Get(ctx, userID)
	if err != nil {
		return broker.Credentials{}, err
	}
	var credentialBlobCT []byte
	found := false
	for _, b := range u.BrokerBindings {
		if b.BrokerName == brokerName {
			credentialBlobCT, found = b.CredentialBlobCT, true
			break
		}
	}
	if !found {
		return broker.Credentials{}, apperr.New(apperr.InternalErr, "no credential binding for broker "+brokerName)
	}

	plaintext, err := r.enc.Decrypt(credentialBlobCT)
	if err != nil {
		return broker.Credentials{}, err
	}
	var parsed blob
	if err := json.Unmarshal(plaintext, &parsed); err != nil {
		for i := range plaintext {
			plaintext[i] = 0
		}
		return broker.Credentials{}, apperr.Wrap(apperr.CryptoErr, "malformed credential blob", err)
	}
	for i := range plaintext {
		plaintext[i] = 0
	}

	creds := broker.Credentials{APIKey: parsed.APIKey, APISecret: parsed.APISecret, ClientID: parsed.ClientID}

	// A missing session row is normal for brokers that authenticate fresh
	// on every Initialize; only populate what a prior login left behind.
	if session, err := r.sessions.Get(ctx, userID, brokerName); err == nil {
		if len(session.AccessTokenCT) > 0 {
			if pt, derr := r.enc.Decrypt(session.AccessTokenCT); derr == nil {
				creds.AccessToken = string(pt)
			}
		}
		if len(session.RefreshTokenCT) > 0 {
			if pt, derr := r.enc.Decrypt(session.RefreshTokenCT); derr == nil {
				creds.RefreshToken = string(pt)
			}
		}
		if len(session.FeedTokenCT) > 0 {
			if pt, derr := r.enc.Decrypt(session.FeedTokenCT); derr == nil {
				creds.FeedToken = string(pt)
			}
		}
	}
	return creds, nil
}
