package ledger

import (
	"context"
	"sync"

	"github.com/trustseal/evidence/internal/shared/errors"
	"github.com/trustseal/evidence/internal/shared/types"
)

// MemoryStore keeps chains in process memory. Appends for one entity are
// serialized by a per-entity lock.
type MemoryStore struct {
	locks *entityLocks

	mu     sync.RWMutex
	chains map[string][]*Entry
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks:  newEntityLocks(),
		chains: make(map[string][]*Entry),
	}
}

func (s *MemoryStore) Append(ctx context.Context, ref EntityRef, build BuildFunc) (*Entry, error) {
	release, err := s.locks.acquire(ctx, ref)
	if err != nil {
		return nil, err
	}
	defer release()

	last, err := s.Last(ctx, ref)
	if err != nil {
		return nil, err
	}

	entry, err := nextEntry(last, build)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Unavailable("ledger append cancelled", err)
	}

	s.mu.Lock()
	s.chains[ref.String()] = append(s.chains[ref.String()], entry.Clone())
	s.mu.Unlock()

	return entry, nil
}

func (s *MemoryStore) Last(ctx context.Context, ref EntityRef) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := s.chains[ref.String()]
	if len(chain) == 0 {
		return nil, nil
	}
	return chain[len(chain)-1].Clone(), nil
}

func (s *MemoryStore) Entries(ctx context.Context, ref EntityRef) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := s.chains[ref.String()]
	out := make([]*Entry, 0, len(chain))
	for _, e := range chain {
		out = append(out, e.Clone())
	}
	return out, nil
}

func (s *MemoryStore) AttachTimestamp(ctx context.Context, ref EntityRef, sequence int64, tokenID types.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.chains[ref.String()] {
		if e.Sequence != sequence {
			continue
		}
		if e.Anchored() {
			return errors.Conflict("ledger entry already carries a timestamp token")
		}
		e.TimestampTokenID = tokenID
		return nil
	}
	return errors.NotFound("ledger entry", ref.String())
}
