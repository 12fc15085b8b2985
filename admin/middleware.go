package admin

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/sha3"
)

// SecretHeader carries the pre-shared key when Authorization is not used
const SecretHeader = "X-Labeler-Secret"

// ErrKindAuthRequired is the error kind of rejected credentials
const ErrKindAuthRequired = "AuthRequired"

// Secret is a pre-shared key held only as its double SHA3-256 digest
type Secret struct {
	digest [32]byte
	set    bool
}

// NewSecret digests the configured secret. An empty secret rejects every request.
func NewSecret(secret string) Secret {
	if secret == "" {
		return Secret{}
	}
	return Secret{digest: doubleHash(secret), set: true}
}

func doubleHash(s string) [32]byte {
	first := sha3.Sum256([]byte(s))
	return sha3.Sum256(first[:])
}

// Verify compares the digest of presented against the configured digest in
// constant time
func (s Secret) Verify(presented string) bool {
	if !s.set || presented == "" {
		return false
	}
	d := doubleHash(presented)
	return subtle.ConstantTimeCompare(d[:], s.digest[:]) == 1
}

// presentedSecret extracts the secret from X-Labeler-Secret or Authorization: Bearer
func presentedSecret(r *http.Request) (string, bool) {
	if secret := r.Header.Get(SecretHeader); secret != "" {
		return secret, true
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", false
	}
	// Parse "Bearer <token>"
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", false
	}
	return parts[1], true
}

// AuthMiddleware validates PSK authentication before the wrapped handler runs
func AuthMiddleware(secret Secret) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided, ok := presentedSecret(r)
			if !ok {
				WriteError(w, http.StatusUnauthorized, ErrKindAuthRequired, "missing authentication header")
				return
			}

			if !secret.Verify(provided) {
				log.Warn().
					Str("remote", r.RemoteAddr).
					Str("path", r.URL.Path).
					Msg("Rejected request with invalid secret")
				WriteError(w, http.StatusUnauthorized, ErrKindAuthRequired, "invalid secret")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
