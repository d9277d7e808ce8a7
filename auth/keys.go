package auth

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"

	"github.com/tidwall/jsonc"
)

// KeyStore authenticates static API keys. Each key maps to one username.
// Keys are held hashed.
type KeyStore struct {
	users map[[sha256.Size]byte]string
}

// NewKeyStore returns a KeyStore for the given key to username mapping.
func NewKeyStore(keys map[string]string) *KeyStore {
	ks := &KeyStore{users: make(map[[sha256.Size]byte]string, len(keys))}
	for k, u := range keys {
		if k == "" || u == "" {
			continue
		}
		ks.users[sha256.Sum256([]byte(k))] = u
	}
	return ks
}

// keyFile is the on-disk shape of a key file:
//
//	{
//	  // comments are allowed
//	  "keys": { "<api key>": "<username>" }
//	}
type keyFile struct {
	Keys map[string]string `json:"keys"`
}

// LoadKeyFile reads a JSON key file. Comments and trailing commas are
// tolerated.
func LoadKeyFile(path string) (*KeyStore, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	return ParseKeyFile(b)
}

// ParseKeyFile parses the contents of a key file.
func ParseKeyFile(b []byte) (*KeyStore, error) {
	var kf keyFile
	if err := json.Unmarshal(jsonc.ToJSON(b), &kf); err != nil {
		return nil, fmt.Errorf("parse key file: %w", err)
	}
	return NewKeyStore(kf.Keys), nil
}

// Len returns the number of keys.
func (ks *KeyStore) Len() int { return len(ks.users) }

// CheckAuthentication implements Authenticator.
func (ks *KeyStore) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty api key", ErrUnauthorized)
	}
	u, ok := ks.users[sha256.Sum256([]byte(tok))]
	if !ok {
		return nil, fmt.Errorf("%w: unknown api key", ErrUnauthorized)
	}
	return staticUser{id: u, username: u, claims: map[string]any{"sub": u, "method": "api_key"}}, nil
}
