package credentials

import (
	"context"
	"sync"
)

// MemoryStore keeps the token pair in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	pair TokenPair
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) GetAccessToken(context.Context) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pair.AccessToken, nil
}

func (m *MemoryStore) GetRefreshToken(context.Context) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pair.RefreshToken, nil
}

func (m *MemoryStore) SetTokens(_ context.Context, pair TokenPair) error {
	if err := validatePair(pair); err != nil {
		return err
	}
	m.mu.Lock()
	m.pair = pair
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) ClearTokens(context.Context) error {
	m.mu.Lock()
	m.pair = TokenPair{}
	m.mu.Unlock()
	return nil
}
