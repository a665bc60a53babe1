package store

import (
	"context"
	"sync"

	"github.com/itskum47/accountforge/control_plane/model"
)

// MemoryStore keeps the mirror in process. It implements the Store
// interface and is the default when no backend is configured.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*model.Account
	proxies  map[string]*model.Proxy
	actions  map[string]*model.Action
}

// NewMemoryStore initializes an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*model.Account),
		proxies:  make(map[string]*model.Proxy),
		actions:  make(map[string]*model.Action),
	}
}

// --- Account Operations ---

func (s *MemoryStore) UpsertAccount(ctx context.Context, a *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[a.ID] = a.Clone()
	return nil
}

func (s *MemoryStore) DeleteAccount(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.accounts, id)
	return nil
}

func (s *MemoryStore) ListAccounts(ctx context.Context) ([]*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*model.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		result = append(result, a.Clone())
	}
	sortAccounts(result)
	return result, nil
}

// --- Proxy Operations ---

func (s *MemoryStore) UpsertProxy(ctx context.Context, p *model.Proxy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.proxies[p.ID] = withoutCredentials(p)
	return nil
}

func (s *MemoryStore) DeleteProxy(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.proxies, id)
	return nil
}

func (s *MemoryStore) ListProxies(ctx context.Context) ([]*model.Proxy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*model.Proxy, 0, len(s.proxies))
	for _, p := range s.proxies {
		result = append(result, p.Clone())
	}
	sortProxies(result)
	return result, nil
}

// --- Action Operations ---

func (s *MemoryStore) UpsertAction(ctx context.Context, a *model.Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions[a.ID] = a.Clone()
	return nil
}

func (s *MemoryStore) ListActions(ctx context.Context, accountID string, limit int) ([]*model.Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*model.Action
	for _, a := range s.actions {
		if accountID != "" && a.AccountID != accountID {
			continue
		}
		result = append(result, a.Clone())
	}
	sortActions(result)
	return tail(result, limit), nil
}

func (s *MemoryStore) Close() error { return nil }
