package credentials

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultStateTTL bounds how long an authorization link stays usable.
const DefaultStateTTL = 10 * time.Minute

// ErrInvalidState is returned for an OAuth state that was never issued, was
// already used or has expired.
var ErrInvalidState = errors.New("unknown or expired authorization state")

// StateStore issues single-use OAuth state values bound to the account name
// the authorization connects.
type StateStore struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	pending map[string]pendingState
}

type pendingState struct {
	account string
	expires time.Time
}

// NewStateStore returns a StateStore. ttl <= 0 means DefaultStateTTL and a
// nil now means time.Now.
func NewStateStore(ttl time.Duration, now func() time.Time) *StateStore {
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	if now == nil {
		now = time.Now
	}
	return &StateStore{ttl: ttl, now: now, pending: make(map[string]pendingState)}
}

// Issue returns a fresh random state for account.
func (s *StateStore) Issue(account string) string {
	state := uuid.NewString()
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	for k, p := range s.pending {
		if !now.Before(p.expires) {
			delete(s.pending, k)
		}
	}
	s.pending[state] = pendingState{account: account, expires: now.Add(s.ttl)}
	return state
}

// Consume returns the account bound to state and forgets it.
func (s *StateStore) Consume(state string) (string, error) {
	s.mu.Lock()
	p, ok := s.pending[state]
	delete(s.pending, state)
	s.mu.Unlock()
	if !ok || !s.now().Before(p.expires) {
		return "", ErrInvalidState
	}
	return p.account, nil
}
