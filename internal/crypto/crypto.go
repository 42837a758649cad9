// Package crypto implements the Credential Store & Crypto component: a
// single AEAD scheme for credential ciphertext at rest, and a memory-hard
// password/API-key hash with a server-wide pepper.
package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"hash"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/quantgate/gateway/internal/apperr"
)

func newSHA256() hash.Hash { return sha256.New() }

// argon2 parameters. Changing any of these bumps hashVersion so existing
// hashes are flagged via NeedsRehash rather than silently treated as stale.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
	argonKeyLen  = 32
	hashVersion  = 1
)

// Encryptor derives a single AEAD key from a process-wide secret (APP_KEY)
// via HKDF and a fixed salt, following the contract that the gateway uses
// exactly one authenticated-encryption scheme for all credential ciphertext.
type Encryptor struct {
	aead cipher.AEAD
}

// NewEncryptor derives the AEAD key from appKey (APP_KEY, expected to be a
// high-entropy 32+ byte secret) using HKDF-SHA256 with kdfSalt as the salt
// and "gateway-credential-store" as the info string.
func NewEncryptor(appKey, kdfSalt []byte) (*Encryptor, error) {
	if len(appKey) == 0 {
		return nil, apperr.New(apperr.CryptoErr, "APP_KEY must not be empty")
	}
	kdf := hkdf.New(newSHA256, appKey, kdfSalt, []byte("gateway-credential-store"))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, apperr.Wrap(apperr.CryptoErr, "key derivation failed", err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, apperr.Wrap(apperr.CryptoErr, "aead init failed", err)
	}
	return &Encryptor{aead: aead}, nil
}

// Encrypt seals plaintext, prefixing the ciphertext with a fresh random
// nonce. The caller is expected to zero plaintext once finished with it.
func (e *Encryptor) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, apperr.Wrap(apperr.CryptoErr, "nonce generation failed", err)
	}
	ciphertext := e.aead.Seal(nil, nonce, plaintext, nil)
	return append(nonce, ciphertext...), nil
}

// Decrypt opens a ciphertext produced by Encrypt. A failed authentication
// tag check is fatal for the session per the contract: callers must force
// re-login rather than retry.
func (e *Encryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	n := e.aead.NonceSize()
	if len(ciphertext) < n {
		return nil, apperr.New(apperr.CryptoErr, "ciphertext too short")
	}
	nonce, sealed := ciphertext[:n], ciphertext[n:]
	plaintext, err := e.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.CryptoErr, "decryption failed", err)
	}
	return plaintext, nil
}

// HashPassword hashes pw (with pepper appended before hashing) using
// Argon2id, returning an encoded string carrying the parameters used so
// NeedsRehash can later detect stale parameters.
func HashPassword(pw, pepper string) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", apperr.Wrap(apperr.CryptoErr, "salt generation failed", err)
	}
	sum := argon2.IDKey([]byte(pw+pepper), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return encode(hashVersion, argonTime, argonMemory, argonThreads, salt, sum), nil
}

// VerifyPassword checks pw (with pepper) against an encoded hash produced by
// HashPassword. needsRehash is true only when pw matches and the hash's
// embedded parameters no longer match the package's current defaults.
func VerifyPassword(pw, pepper, encoded string) (ok bool, needsRehash bool, err error) {
	version, time_, memory, threads, salt, sum, err := decode(encoded)
	if err != nil {
		return false, false, apperr.Wrap(apperr.CryptoErr, "malformed hash", err)
	}
	candidate := argon2.IDKey([]byte(pw+pepper), salt, time_, memory, threads, uint32(len(sum)))
	match := subtle.ConstantTimeCompare(candidate, sum) == 1
	stale := version != hashVersion || time_ != argonTime || memory != argonMemory || threads != argonThreads
	return match, match && stale, nil
}

// NeedsRehash reports whether encoded was produced under parameters other
// than the package's current Argon2 defaults, without verifying a password.
func NeedsRehash(encoded string) bool {
	version, time_, memory, threads, _, _, err := decode(encoded)
	if err != nil {
		return true
	}
	return version != hashVersion || time_ != argonTime || memory != argonMemory || threads != argonThreads
}

func encode(version int, time_ uint32, memory uint32, threads uint8, salt, sum []byte) string {
	return fmt.Sprintf("v=%d$m=%d,t=%d,p=%d$%s$%s",
		version, memory, time_, threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(sum))
}

func decode(encoded string) (version int, time_ uint32, memory uint32, threads uint8, salt, sum []byte, err error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 4 {
		return 0, 0, 0, 0, nil, nil, fmt.Errorf("expected 4 fields, got %d", len(parts))
	}
	if _, err = fmt.Sscanf(parts[0], "v=%d", &version); err != nil {
		return
	}
	var m uint64
	var t uint64
	var p uint64
	if _, err = fmt.Sscanf(parts[1], "m=%d,t=%d,p=%d", &m, &t, &p); err != nil {
		return
	}
	memory, time_, threads = uint32(m), uint32(t), uint8(p)
	if salt, err = base64.RawStdEncoding.DecodeString(parts[2]); err != nil {
		return
	}
	if sum, err = base64.RawStdEncoding.DecodeString(parts[3]); err != nil {
		return
	}
	return
}

// ParseUint is a small helper kept for callers that need to validate a
// numeric env value before it reaches argon2 parameter fields.
func ParseUint(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}
