package tsa

import (
	"context"
	"sync"
	"time"

	"github.com/trustseal/evidence/internal/shared/errors"
	"github.com/trustseal/evidence/internal/shared/types"
)

// TokenStore persists timestamp tokens
type TokenStore interface {
	Save(ctx context.Context, token *Token) error
	Get(ctx context.Context, id types.ID) (*Token, error)
	UpdateStatus(ctx context.Context, id types.ID, status TokenStatus, verifiedAt time.Time) error
}

// MemoryTokenStore keeps tokens in process memory
type MemoryTokenStore struct {
	mu     sync.RWMutex
	tokens map[types.ID]Token
}

// NewMemoryTokenStore creates an empty in-memory token store
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{tokens: make(map[types.ID]Token)}
}

func (s *MemoryTokenStore) Save(ctx context.Context, token *Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tokens[token.ID]; exists {
		return errors.Conflict("timestamp token already exists")
	}
	s.tokens[token.ID] = cloneToken(token)
	return nil
}

func (s *MemoryTokenStore) Get(ctx context.Context, id types.ID) (*Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.tokens[id]
	if !ok {
		return nil, errors.NotFound("timestamp token", id.String())
	}
	out := cloneToken(&token)
	return &out, nil
}

func (s *MemoryTokenStore) UpdateStatus(ctx context.Context, id types.ID, status TokenStatus, verifiedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokens[id]
	if !ok {
		return errors.NotFound("timestamp token", id.String())
	}
	token.Status = status
	token.VerifiedAt = &verifiedAt
	s.tokens[id] = token
	return nil
}

func cloneToken(t *Token) Token {
	out := *t
	out.Token = append([]byte(nil), t.Token...)
	if t.VerifiedAt != nil {
		v := *t.VerifiedAt
		out.VerifiedAt = &v
	}
	return out
}
