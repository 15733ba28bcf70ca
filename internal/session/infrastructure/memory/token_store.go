package memory

import (
	"context"
	"sync"
)

// TokenStore keeps the token for the lifetime of the process only.
type TokenStore struct {
	mu    sync.Mutex
	token string
}

// NewTokenStore constructs an empty in-memory store.
func NewTokenStore() *TokenStore {
	return &TokenStore{}
}

func (s *TokenStore) Load(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, nil
}

func (s *TokenStore) Save(ctx context.Context, token string) error {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
	return nil
}

func (s *TokenStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.token = ""
	s.mu.Unlock()
	return nil
}
