// Package credentials persists the OAuth accounts that providers act on and
// keeps their access tokens fresh.
//
// A Store maps account names to Account records. FileStore keeps them in a
// JSON document written atomically, RedisStore in one Redis hash and
// MemoryStore in process. Refresher returns a valid access token for an
// account, refreshing it at most once at a time per account.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

var (
	// ErrAccountNotFound is returned for an account name the store does not
	// hold.
	ErrAccountNotFound = errors.New("account not found")
	// ErrNoAccounts is returned by ResolveAccount when the store is empty.
	ErrNoAccounts = errors.New("no accounts connected")
	// ErrAmbiguousAccount is returned by ResolveAccount when no name was
	// given and several accounts exist.
	ErrAmbiguousAccount = errors.New("multiple accounts connected")
	// ErrAccountDenied is returned when a scoped caller requests an account
	// outside its scope.
	ErrAccountDenied = errors.New("account not authorized")
)

// Account is one connected upstream account.
type Account struct {
	DisplayName  string    `json:"displayName"`
	UserID       string    `json:"userId"`
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
	Scopes       string    `json:"scopes"`
	AddedAt      time.Time `json:"addedAt"`
}

// Token returns the account's tokens in oauth2 form.
func (a Account) Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  a.AccessToken,
		RefreshToken: a.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       a.ExpiresAt,
	}
}

// Store persists accounts by name. Implementations are safe for concurrent
// use.
type Store interface {
	// Get returns the named account or ErrAccountNotFound.
	Get(ctx context.Context, name string) (Account, error)
	// Put creates or replaces the named account.
	Put(ctx context.Context, name string, acct Account) error
	// Delete removes the named account or returns ErrAccountNotFound.
	Delete(ctx context.Context, name string) error
	// List returns the account names, sorted.
	List(ctx context.Context) ([]string, error)
}

// NotFoundError names the missing account and the accounts that exist.
type NotFoundError struct {
	Name      string
	Available []string
}

func (e *NotFoundError) Error() string {
	if len(e.Available) == 0 {
		return fmt.Sprintf("account %q not found", e.Name)
	}
	return fmt.Sprintf("account %q not found; available: %s", e.Name, strings.Join(e.Available, ", "))
}

func (e *NotFoundError) Unwrap() error { return ErrAccountNotFound }

// ResolveAccount picks the account a call acts on. A requested name must
// exist; without one the only account is used.
func ResolveAccount(ctx context.Context, s Store, requested string) (string, error) {
	names, err := s.List(ctx)
	if err != nil {
		return "", err
	}
	if len(names) == 0 {
		return "", ErrNoAccounts
	}
	if requested != "" {
		for _, n := range names {
			if n == requested {
				return n, nil
			}
		}
		return "", &NotFoundError{Name: requested, Available: names}
	}
	if len(names) == 1 {
		return names[0], nil
	}
	return "", fmt.Errorf("%w; specify one of: %s", ErrAmbiguousAccount, strings.Join(names, ", "))
}

// Scope limits the accounts a user may act on.
type Scope struct {
	User     string
	Accounts []string
}

func (sc *Scope) allows(name string) bool {
	return slices.Contains(sc.Accounts, name)
}

// ResolveScopedAccount is ResolveAccount restricted to the stored accounts
// in scope. A nil scope resolves like ResolveAccount.
func ResolveScopedAccount(ctx context.Context, s Store, scope *Scope, requested string) (string, error) {
	if scope == nil {
		return ResolveAccount(ctx, s, requested)
	}
	names, err := s.List(ctx)
	if err != nil {
		return "", err
	}
	if len(names) == 0 {
		return "", ErrNoAccounts
	}
	allowed := scoped(names, scope)
	if len(allowed) == 0 {
		return "", fmt.Errorf("%w for user %q: allowed [%s], but none are connected",
			ErrNoAccounts, scope.User, strings.Join(scope.Accounts, ", "))
	}
	if requested != "" {
		if !scope.allows(requested) {
			return "", fmt.Errorf("%w: %q is not authorized for user %q; authorized accounts: %s",
				ErrAccountDenied, requested, scope.User, strings.Join(allowed, ", "))
		}
		if !slices.Contains(allowed, requested) {
			return "", &NotFoundError{Name: requested, Available: allowed}
		}
		return requested, nil
	}
	if len(allowed) == 1 {
		return allowed[0], nil
	}
	return "", fmt.Errorf("%w; specify one of: %s", ErrAmbiguousAccount, strings.Join(allowed, ", "))
}

// ListScopedAccounts returns the stored account names visible in scope,
// sorted. A nil scope sees every account.
func ListScopedAccounts(ctx context.Context, s Store, scope *Scope) ([]string, error) {
	names, err := s.List(ctx)
	if err != nil || scope == nil {
		return names, err
	}
	return scoped(names, scope), nil
}

func scoped(names []string, scope *Scope) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if scope.allows(n) {
			out = append(out, n)
		}
	}
	return out
}
