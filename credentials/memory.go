package credentials

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps accounts in process. Accounts are lost on restart.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]Account
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[string]Account)}
}

func (m *MemoryStore) Get(ctx context.Context, name string) (Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acct, ok := m.accounts[name]
	if !ok {
		return Account{}, &NotFoundError{Name: name, Available: m.namesLocked()}
	}
	return acct, nil
}

func (m *MemoryStore) Put(ctx context.Context, name string, acct Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[name] = acct
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[name]; !ok {
		return &NotFoundError{Name: name, Available: m.namesLocked()}
	}
	delete(m.accounts, name)
	return nil
}

func (m *MemoryStore) List(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.namesLocked(), nil
}

func (m *MemoryStore) namesLocked() []string {
	names := make([]string, 0, len(m.accounts))
	for n := range m.accounts {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
