package auth

import (
	"context"
	"errors"
)

// ErrUnauthorized indicates authentication failed or no valid credentials were supplied.
var ErrUnauthorized = errors.New("unauthorized")

// ErrInsufficientScope indicates the caller authenticated but lacks required scope.
var ErrInsufficientScope = errors.New("insufficient scope")

// UserInfo represents an authenticated principal.
// Implementations should be lightweight and safe for concurrent use.
type UserInfo interface {
	// UserID returns the stable identifier of the principal.
	UserID() string
	// Username returns the name bound as the session identity in the
	// provider's identity directory.
	Username() string
	// Claims unmarshals the principal's claims into ref.
	Claims(ref any) error
}

// Authenticator validates a credential (bearer token or API key) and
// returns the associated user. It should return ErrUnauthorized for invalid
// credentials.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, tok string) (UserInfo, error)

// CheckAuthentication implements Authenticator.
func (f AuthenticatorFunc) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	return f(ctx, tok)
}

// Chain tries each authenticator in order and returns the first success.
// When all fail the error of the last one is returned.
func Chain(authenticators ...Authenticator) Authenticator {
	return AuthenticatorFunc(func(ctx context.Context, tok string) (UserInfo, error) {
		err := ErrUnauthorized
		for _, a := range authenticators {
			ui, aErr := a.CheckAuthentication(ctx, tok)
			if aErr == nil {
				return ui, nil
			}
			err = aErr
			if !errors.Is(aErr, ErrUnauthorized) {
				return nil, aErr
			}
		}
		return nil, err
	})
}

type staticUser struct {
	id       string
	username string
	claims   map[string]any
}

func (u staticUser) UserID() string   { return u.id }
func (u staticUser) Username() string { return u.username }
func (u staticUser) Claims(ref any) error {
	return remarshal(u.claims, ref)
}
