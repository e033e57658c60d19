package auth

import (
	"crypto/subtle"
	"net/http"
)

// SharedSecret authorizes ingest calls carrying "Authorization: Bearer <secret>".
type SharedSecret struct {
	secret []byte
}

// NewSharedSecret constructs a checker. An empty secret rejects everything.
func NewSharedSecret(secret string) *SharedSecret {
	return &SharedSecret{secret: []byte(secret)}
}

// Authorize returns nil when the request carries the shared secret.
func (s *SharedSecret) Authorize(r *http.Request) error {
	if s == nil || len(s.secret) == 0 {
		return ErrUnauthorized
	}
	token := bearerToken(r)
	if token == "" {
		return ErrMissingToken
	}
	if subtle.ConstantTimeCompare([]byte(token), s.secret) != 1 {
		return ErrUnauthorized
	}
	return nil
}
