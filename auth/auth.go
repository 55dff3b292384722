// Package auth validates bearer tokens for the durable stream server.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"
)

// ErrUnauthorized is returned when a token is missing or invalid.
var ErrUnauthorized = errors.New("unauthorized")

// Principal identifies an authenticated caller.
type Principal struct {
	Name  string
	Admin bool
}

// Validator checks a bearer token and returns the principal it
// belongs to.
type Validator interface {
	Validate(ctx context.Context, token string) (Principal, error)
}

// TokenValidator accepts exactly one shared service token. The
// comparison is constant time.
type TokenValidator struct {
	token string
}

// NewTokenValidator builds a validator for the given service token.
func NewTokenValidator(token string) *TokenValidator {
	return &TokenValidator{token: token}
}

func (v *TokenValidator) Validate(ctx context.Context, token string) (Principal, error) {
	if token == "" {
		return Principal{}, ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(v.token)) != 1 {
		return Principal{}, ErrUnauthorized
	}
	return Principal{Name: "service", Admin: true}, nil
}

// AllowAll accepts every request. Dev only; used when no service
// token is configured.
type AllowAll struct{}

func (AllowAll) Validate(ctx context.Context, token string) (Principal, error) {
	return Principal{Name: "anonymous", Admin: true}, nil
}

// BearerToken extracts the token from an Authorization header value.
// Returns the empty string when the header is absent or not a Bearer
// scheme.
func BearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
