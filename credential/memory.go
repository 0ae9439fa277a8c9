package credential

import (
	"context"
	"sync"

	"golang.org/x/oauth2"
)

// MemoryStore keeps the credential in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	token *oauth2.Token
}

// NewMemoryStore returns a store seeded with token, which may be nil.
func NewMemoryStore(token *oauth2.Token) *MemoryStore {
	s := &MemoryStore{}
	if token != nil {
		s.token = cloneToken(token)
	}
	return s
}

func (s *MemoryStore) Load(_ context.Context) (*oauth2.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.token == nil {
		return nil, ErrNotFound
	}
	return cloneToken(s.token), nil
}

func (s *MemoryStore) Save(_ context.Context, token *oauth2.Token) error {
	if err := validateToken(token); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = cloneToken(token)
	return nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = nil
	return nil
}

// cloneToken copies the exported fields so callers cannot mutate stored state.
func cloneToken(t *oauth2.Token) *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  t.AccessToken,
		TokenType:    t.TokenType,
		RefreshToken: t.RefreshToken,
		Expiry:       t.Expiry,
		ExpiresIn:    t.ExpiresIn,
	}
}

var _ Store = (*MemoryStore)(nil)
