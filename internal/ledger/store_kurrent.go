package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/EventStore/EventStore-Client-Go/v4/esdb"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/trustseal/evidence/internal/kurrentdb"
	"github.com/trustseal/evidence/internal/shared/errors"
	"github.com/trustseal/evidence/internal/shared/logging"
	"github.com/trustseal/evidence/internal/shared/types"
)

const (
	entryEventType  = "LedgerEntry"
	anchorEventType = "LedgerAnchor"
)

// KurrentStore keeps one KurrentDB stream per entity. Entry n lives at
// stream revision n-1, and appends carry the expected revision so a
// concurrent writer on another node fails instead of forking the chain.
// Timestamp links go to a companion stream because events are immutable.
type KurrentStore struct {
	client     *kurrentdb.Client
	locks      *entityLocks
	maxRetries int
	logger     *logrus.Logger
}

// NewKurrentStore creates a store on an established client
func NewKurrentStore(client *kurrentdb.Client, maxRetries int, logger *logrus.Logger) *KurrentStore {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &KurrentStore{
		client:     client,
		locks:      newEntityLocks(),
		maxRetries: maxRetries,
		logger:     logging.OrDiscard(logger),
	}
}

func entryStream(ref EntityRef) string {
	return fmt.Sprintf("ledger-%s-%s", ref.Kind, ref.ID)
}

func anchorStream(ref EntityRef) string {
	return fmt.Sprintf("ledger_anchors-%s-%s", ref.Kind, ref.ID)
}

type anchorEvent struct {
	Sequence int64    `json:"sequence"`
	TokenID  types.ID `json:"timestamp_token_id"`
}

func (s *KurrentStore) Append(ctx context.Context, ref EntityRef, build BuildFunc) (*Entry, error) {
	release, err := s.locks.acquire(ctx, ref)
	if err != nil {
		return nil, err
	}
	defer release()

	for attempt := 1; ; attempt++ {
		entry, err := s.appendOnce(ctx, ref, build)
		if err == nil {
			return entry, nil
		}
		if !kurrentdb.IsCode(err, esdb.ErrorCodeWrongExpectedVersion) {
			return nil, err
		}
		if attempt >= s.maxRetries {
			return nil, errors.Conflict(fmt.Sprintf("concurrent append to %s; retries exhausted", ref))
		}
		s.logger.WithFields(logrus.Fields{
			"entity":  ref.String(),
			"attempt": attempt,
		}).Warn("Ledger stream moved during append, retrying")
	}
}

func (s *KurrentStore) appendOnce(ctx context.Context, ref EntityRef, build BuildFunc) (*Entry, error) {
	chain, err := s.readEntries(ctx, ref, esdb.Backwards, 1)
	if err != nil {
		return nil, err
	}
	var last *Entry
	if len(chain) == 1 {
		last = chain[0]
	}

	entry, err := nextEntry(last, build)
	if err != nil {
		return nil, err
	}

	data, err := encodeEntry(entry)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode ledger entry")
	}

	var opts esdb.AppendToStreamOptions
	if last == nil {
		opts.ExpectedRevision = esdb.NoStream{}
	} else {
		opts.ExpectedRevision = esdb.Revision(uint64(last.Sequence - 1))
	}

	_, err = s.client.DB().AppendToStream(ctx, entryStream(ref), opts, esdb.EventData{
		EventID:     entry.ID.UUID(),
		EventType:   entryEventType,
		ContentType: esdb.ContentTypeJson,
		Data:        data,
	})
	if err != nil {
		if kurrentdb.IsCode(err, esdb.ErrorCodeWrongExpectedVersion) {
			return nil, err
		}
		return nil, errors.Unavailable("failed to append ledger entry", err)
	}
	return entry, nil
}

func (s *KurrentStore) Last(ctx context.Context, ref EntityRef) (*Entry, error) {
	chain, err := s.readEntries(ctx, ref, esdb.Backwards, 1)
	if err != nil || len(chain) == 0 {
		return nil, err
	}
	anchors, err := s.anchors(ctx, ref)
	if err != nil {
		return nil, err
	}
	applyAnchors(chain, anchors)
	return chain[0], nil
}

func (s *KurrentStore) Entries(ctx context.Context, ref EntityRef) ([]*Entry, error) {
	chain, err := s.readEntries(ctx, ref, esdb.Forwards, ^uint64(0))
	if err != nil || len(chain) == 0 {
		return chain, err
	}
	anchors, err := s.anchors(ctx, ref)
	if err != nil {
		return nil, err
	}
	applyAnchors(chain, anchors)
	return chain, nil
}

func (s *KurrentStore) AttachTimestamp(ctx context.Context, ref EntityRef, sequence int64, tokenID types.ID) error {
	release, err := s.locks.acquire(ctx, ref)
	if err != nil {
		return err
	}
	defer release()

	last, err := s.readEntries(ctx, ref, esdb.Backwards, 1)
	if err != nil {
		return err
	}
	if len(last) == 0 || sequence < 1 || sequence > last[0].Sequence {
		return errors.NotFound("ledger entry", ref.String())
	}

	anchors, err := s.anchors(ctx, ref)
	if err != nil {
		return err
	}
	if _, ok := anchors[sequence]; ok {
		return errors.Conflict("ledger entry already carries a timestamp token")
	}

	data, err := json.Marshal(anchorEvent{Sequence: sequence, TokenID: tokenID})
	if err != nil {
		return errors.Wrap(err, "failed to encode anchor")
	}

	_, err = s.client.DB().AppendToStream(ctx, anchorStream(ref), esdb.AppendToStreamOptions{
		ExpectedRevision: esdb.Any{},
	}, esdb.EventData{
		EventID:     uuid.New(),
		EventType:   anchorEventType,
		ContentType: esdb.ContentTypeJson,
		Data:        data,
	})
	if err != nil {
		return errors.Unavailable("failed to record timestamp anchor", err)
	}
	return nil
}

func (s *KurrentStore) readEntries(ctx context.Context, ref EntityRef, dir esdb.Direction, count uint64) ([]*Entry, error) {
	var entries []*Entry
	err := s.readStream(ctx, entryStream(ref), dir, count, func(data []byte) error {
		entry, err := decodeEntry(data)
		if err != nil {
			return err
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *KurrentStore) anchors(ctx context.Context, ref EntityRef) (map[int64]types.ID, error) {
	anchors := make(map[int64]types.ID)
	err := s.readStream(ctx, anchorStream(ref), esdb.Forwards, ^uint64(0), func(data []byte) error {
		var a anchorEvent
		if err := json.Unmarshal(data, &a); err != nil {
			return fmt.Errorf("failed to decode anchor: %w", err)
		}
		// the first anchor for a sequence wins
		if _, ok := anchors[a.Sequence]; !ok {
			anchors[a.Sequence] = a.TokenID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return anchors, nil
}

func (s *KurrentStore) readStream(ctx context.Context, stream string, dir esdb.Direction, count uint64, fn func([]byte) error) error {
	var from esdb.StreamPosition = esdb.Start{}
	if dir == esdb.Backwards {
		from = esdb.End{}
	}

	rs, err := s.client.DB().ReadStream(ctx, stream, esdb.ReadStreamOptions{
		From:      from,
		Direction: dir,
	}, count)
	if err != nil {
		if kurrentdb.IsCode(err, esdb.ErrorCodeResourceNotFound) {
			return nil
		}
		return errors.Unavailable("failed to read ledger stream", err)
	}
	defer rs.Close()

	for {
		resolved, err := rs.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if kurrentdb.IsCode(err, esdb.ErrorCodeResourceNotFound) {
				return nil
			}
			return errors.Unavailable("failed to read ledger stream", err)
		}
		if resolved.Event == nil {
			continue
		}
		if err := fn(resolved.Event.Data); err != nil {
			return errors.Wrap(err, "corrupt ledger stream "+stream)
		}
	}
}

func applyAnchors(chain []*Entry, anchors map[int64]types.ID) {
	for _, e := range chain {
		if id, ok := anchors[e.Sequence]; ok {
			e.TimestampTokenID = id
		}
	}
}
