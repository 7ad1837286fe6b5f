// Package auth provides minimal authentication helpers.
//
// It avoids policy decisions and storage concerns.
package auth

import (
	"crypto/subtle"
	"errors"
	"sort"
	"strings"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

// Validator validates an authentication token.
type Validator interface {
	Validate(token string) error
}

// StaticToken is a simple validator for a single shared token.
// It is intended only for development and small deployments.
type StaticToken struct {
	Token string
}

func (s StaticToken) Validate(token string) error {
	if s.Token == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(s.Token), []byte(token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// FuncValidator adapts a function into a Validator.
type FuncValidator func(token string) error

func (f FuncValidator) Validate(token string) error {
	return f(token)
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// Header formats token for an Authorization header.
func Header(token string) string {
	return "Bearer " + token
}

// Credentials maps user names to passwords.
type Credentials map[string]string

// Check reports ErrUnauthorized unless user exists and password matches.
func (c Credentials) Check(user, password string) error {
	want, ok := c[user]
	if !ok || want == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(want), []byte(password)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// Users returns the configured user names in order.
func (c Credentials) Users() []string {
	out := make([]string, 0, len(c))
	for user := range c {
		out = append(out, user)
	}
	sort.Strings(out)
	return out
}

// Validator accepts tokens of the form Pair(user, password).
func (c Credentials) Validator() Validator {
	return FuncValidator(func(token string) error {
		user, password, ok := strings.Cut(token, ":")
		if !ok || user == "" {
			return ErrUnauthorized
		}
		return c.Check(user, password)
	})
}

// Pair joins a user and password the way HTTP basic auth does.
func Pair(user, password string) string {
	return user + ":" + password
}

// AnyOf accepts a token when any of validators does. Nil entries are skipped.
func AnyOf(validators ...Validator) Validator {
	return FuncValidator(func(token string) error {
		for _, v := range validators {
			if v != nil && v.Validate(token) == nil {
				return nil
			}
		}
		return ErrUnauthorized
	})
}
