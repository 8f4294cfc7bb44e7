package ledger

import (
	"context"
	"fmt"
	"strconv"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/trustseal/evidence/internal/shared/errors"
	"github.com/trustseal/evidence/internal/shared/logging"
	"github.com/trustseal/evidence/internal/shared/types"
)

// BadgerStore keeps chains in an embedded badger database. Each entry is
// stored under a zero-padded sequence key so prefix iteration yields the
// chain in order, and a head key per entity points at the last sequence.
type BadgerStore struct {
	db         *badger.DB
	owned      bool
	locks      *entityLocks
	maxRetries int
	logger     *logrus.Logger
}

// OpenBadgerStore opens (or creates) a database at path. An empty path
// opens an in-memory database.
func OpenBadgerStore(path string, maxRetries int, logger *logrus.Logger) (*BadgerStore, error) {
	logger = logging.OrDiscard(logger)

	opts := badger.DefaultOptions(path).WithLogger(badgerLogger{logger})
	if path == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Configuration("failed to open ledger database", err)
	}

	s := NewBadgerStore(db, maxRetries, logger)
	s.owned = true
	return s, nil
}

// NewBadgerStore creates a store on an open database; the caller keeps
// ownership of db.
func NewBadgerStore(db *badger.DB, maxRetries int, logger *logrus.Logger) *BadgerStore {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &BadgerStore{
		db:         db,
		locks:      newEntityLocks(),
		maxRetries: maxRetries,
		logger:     logging.OrDiscard(logger),
	}
}

// Close closes the database if the store opened it
func (s *BadgerStore) Close() error {
	if s.owned {
		return s.db.Close()
	}
	return nil
}

func entryPrefix(ref EntityRef) []byte {
	return []byte(fmt.Sprintf("ledger/e/%s/%s/", ref.Kind, ref.ID))
}

func entryKey(ref EntityRef, sequence int64) []byte {
	return []byte(fmt.Sprintf("ledger/e/%s/%s/%020d", ref.Kind, ref.ID, sequence))
}

func headKey(ref EntityRef) []byte {
	return []byte(fmt.Sprintf("ledger/h/%s/%s", ref.Kind, ref.ID))
}

func (s *BadgerStore) Append(ctx context.Context, ref EntityRef, build BuildFunc) (*Entry, error) {
	release, err := s.locks.acquire(ctx, ref)
	if err != nil {
		return nil, err
	}
	defer release()

	for attempt := 1; ; attempt++ {
		var entry *Entry
		err := s.db.Update(func(txn *badger.Txn) error {
			last, err := lastInTxn(txn, ref)
			if err != nil {
				return err
			}

			entry, err = nextEntry(last, build)
			if err != nil {
				return err
			}

			data, err := encodeEntry(entry)
			if err != nil {
				return errors.Wrap(err, "failed to encode ledger entry")
			}
			if err := txn.Set(entryKey(ref, entry.Sequence), data); err != nil {
				return err
			}
			return txn.Set(headKey(ref), []byte(strconv.FormatInt(entry.Sequence, 10)))
		})
		if err == nil {
			return entry, nil
		}
		if !errors.Is(err, badger.ErrConflict) {
			return nil, err
		}
		if attempt >= s.maxRetries {
			return nil, errors.Conflict(fmt.Sprintf("concurrent append to %s; retries exhausted", ref))
		}
		s.logger.WithFields(logrus.Fields{
			"entity":  ref.String(),
			"attempt": attempt,
		}).Warn("Ledger transaction conflicted, retrying")
	}
}

func (s *BadgerStore) Last(ctx context.Context, ref EntityRef) (*Entry, error) {
	var last *Entry
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		last, err = lastInTxn(txn, ref)
		return err
	})
	if err != nil {
		return nil, err
	}
	return last, nil
}

func (s *BadgerStore) Entries(ctx context.Context, ref EntityRef) ([]*Entry, error) {
	var entries []*Entry
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := entryPrefix(ref)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			entry, err := decodeEntry(data)
			if err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to read ledger entries")
	}
	return entries, nil
}

func (s *BadgerStore) AttachTimestamp(ctx context.Context, ref EntityRef, sequence int64, tokenID types.ID) error {
	release, err := s.locks.acquire(ctx, ref)
	if err != nil {
		return err
	}
	defer release()

	return s.db.Update(func(txn *badger.Txn) error {
		entry, err := getEntry(txn, entryKey(ref, sequence))
		if err == badger.ErrKeyNotFound {
			return errors.NotFound("ledger entry", ref.String())
		}
		if err != nil {
			return err
		}
		if entry.Anchored() {
			return errors.Conflict("ledger entry already carries a timestamp token")
		}

		entry.TimestampTokenID = tokenID
		data, err := encodeEntry(entry)
		if err != nil {
			return errors.Wrap(err, "failed to encode ledger entry")
		}
		return txn.Set(entryKey(ref, sequence), data)
	})
}

func lastInTxn(txn *badger.Txn, ref EntityRef) (*Entry, error) {
	item, err := txn.Get(headKey(ref))
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	raw, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	sequence, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt head for %s: %w", ref, err)
	}

	entry, err := getEntry(txn, entryKey(ref, sequence))
	if err == badger.ErrKeyNotFound {
		return nil, fmt.Errorf("head of %s points at missing entry %d", ref, sequence)
	}
	return entry, err
}

func getEntry(txn *badger.Txn, key []byte) (*Entry, error) {
	item, err := txn.Get(key)
	if err != nil {
		return nil, err
	}
	data, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	return decodeEntry(data)
}

// badgerLogger routes badger's internal logging through logrus, demoting
// its chatty info output to debug.
type badgerLogger struct {
	logger *logrus.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.WithField("component", "badger").Errorf(format, args...)
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.WithField("component", "badger").Warnf(format, args...)
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.WithField("component", "badger").Debugf(format, args...)
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.WithField("component", "badger").Tracef(format, args...)
}
