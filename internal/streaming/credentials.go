package streaming

import (
	"github.com/quantgate/gateway/internal/credentials"
	"github.com/quantgate/gateway/internal/crypto"
	"github.com/quantgate/gateway/internal/database/repositories"
)

// CredentialSource resolves the credential material a per-user adapter
// needs: which broker to use when a streaming client doesn't name one, and
// the decrypted Credentials to hand to Adapter.Initialize.
type CredentialSource = credentials.Source

// NewCredentialResolver builds the default CredentialSource, shared with
// the live order dispatcher's credential resolution (§4.4).
func NewCredentialResolver(users *repositories.UserRepository, sessions *repositories.BrokerSessionRepository, enc *crypto.Encryptor) CredentialSource {
	return credentials.NewResolver(users, sessions, enc)
}
