package apperr

import (
	"strings"
	"sync"
)

// redactor holds the raw secret substrings to strip from any outbound
// message or log line. Broker adapters add their secrets to it during
// Initialize (RegisterSecret) and may drop them again on Disconnect
// (ForgetSecret); Redact consults it. Nothing here persists plaintext longer
// than the process needs it.
type redactor struct {
	mu      sync.Mutex
	secrets map[string]struct{}
}

var global = &redactor{secrets: make(map[string]struct{})}

// RegisterSecret marks a raw value (api key, broker token, password) as
// sensitive; subsequent Redact calls will strip it from any string.
func RegisterSecret(secret string) {
	if secret == "" {
		return
	}
	global.mu.Lock()
	defer global.mu.Unlock()
	global.secrets[secret] = struct{}{}
}

// ForgetSecret drops a previously registered secret, e.g. once a session
// tied to it is torn down and its plaintext is no longer of interest.
func ForgetSecret(secret string) {
	global.mu.Lock()
	defer global.mu.Unlock()
	delete(global.secrets, secret)
}

// Redact strips every registered secret substring from s, satisfying the
// requirement that no raw api_key or broker secret ever reaches a log line
// or response.
func Redact(s string) string {
	if s == "" {
		return s
	}
	global.mu.Lock()
	secrets := make([]string, 0, len(global.secrets))
	for k := range global.secrets {
		secrets = append(secrets, k)
	}
	global.mu.Unlock()

	out := s
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		out = strings.ReplaceAll(out, secret, "[REDACTED]")
	}
	return out
}
