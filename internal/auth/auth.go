// Package auth validates HS256 bearer tokens on the bridge's HTTP and
// WebSocket surfaces. Auth is optional: an empty secret disables it.
package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// Validator checks bearer tokens against a shared HMAC secret.
type Validator struct {
	secret []byte
	logger zerolog.Logger
}

// NewValidator creates a validator. A nil *Validator accepts everything,
// so the composition root can wire it unconditionally.
func NewValidator(secret string, logger zerolog.Logger) *Validator {
	if secret == "" {
		return nil
	}
	return &Validator{secret: []byte(secret), logger: logger}
}

// ValidateToken parses and verifies one token string.
func (v *Validator) ValidateToken(tokenString string) error {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid {
		return fmt.Errorf("invalid token")
	}
	return nil
}

// Middleware rejects requests without a valid bearer token. Paths in
// skip (health probes, metrics scrapes) pass through unauthenticated.
func (v *Validator) Middleware(next http.Handler, skip ...string) http.Handler {
	if v == nil {
		return next
	}
	skipSet := make(map[string]struct{}, len(skip))
	for _, p := range skip {
		skipSet[p] = struct{}{}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := skipSet[r.URL.Path]; ok {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if header == "" || token == header {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		if err := v.ValidateToken(token); err != nil {
			v.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Rejected request with invalid token")
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
