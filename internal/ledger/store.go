package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/trustseal/evidence/internal/shared/errors"
	"github.com/trustseal/evidence/internal/shared/types"
)

// BuildFunc produces the next entry of a chain from its current last entry
// (nil for an empty chain). It runs while the entity is exclusively held
// and may run more than once when a backend retries on conflict.
type BuildFunc func(last *Entry) (*Entry, error)

// Store persists hash chains. Implementations guarantee that Append runs
// build and persists its result as one unit per entity: no two appends for
// the same entity can observe the same last entry.
type Store interface {
	Append(ctx context.Context, ref EntityRef, build BuildFunc) (*Entry, error)
	// Last returns nil without error when the chain is empty
	Last(ctx context.Context, ref EntityRef) (*Entry, error)
	// Entries returns the chain in sequence order
	Entries(ctx context.Context, ref EntityRef) ([]*Entry, error)
	// AttachTimestamp links a token to an entry; a second link is a conflict
	AttachTimestamp(ctx context.Context, ref EntityRef, sequence int64, tokenID types.ID) error
}

// entityLocks hands out one exclusive, context-aware lock per entity.
// Different entities never contend beyond the map lookup.
type entityLocks struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func newEntityLocks() *entityLocks {
	return &entityLocks{locks: make(map[string]chan struct{})}
}

func (l *entityLocks) acquire(ctx context.Context, ref EntityRef) (func(), error) {
	l.mu.Lock()
	ch, ok := l.locks[ref.String()]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[ref.String()] = ch
	}
	l.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, errors.Unavailable("timed out waiting for ledger entity lock", ctx.Err())
	}
}

func nextEntry(last *Entry, build BuildFunc) (*Entry, error) {
	entry, err := build(last)
	if err != nil {
		return nil, err
	}
	want := int64(1)
	if last != nil {
		want = last.Sequence + 1
	}
	if entry.Sequence != want {
		return nil, errors.Internal(fmt.Errorf("built entry has sequence %d, expected %d", entry.Sequence, want))
	}
	return entry, nil
}
