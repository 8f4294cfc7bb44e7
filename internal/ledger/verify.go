package ledger

import (
	"context"
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/trustseal/evidence/internal/canonical"
	"github.com/trustseal/evidence/internal/shared/errors"
	"github.com/trustseal/evidence/internal/shared/metrics"
	"github.com/trustseal/evidence/internal/shared/types"
)

// ChainErrorKind names the check a chain entry failed
type ChainErrorKind string

const (
	ErrSequenceGap      ChainErrorKind = "sequence_gap"
	ErrPreviousHash     ChainErrorKind = "previous_hash_mismatch"
	ErrHashMismatch     ChainErrorKind = "hash_mismatch"
	ErrTimestampInvalid ChainErrorKind = "timestamp_invalid"
)

// ChainError locates one deviation in a chain
type ChainError struct {
	Sequence int64          `json:"sequence"`
	EntryID  types.ID       `json:"entry_id"`
	Kind     ChainErrorKind `json:"kind"`
	Expected string         `json:"expected,omitempty"`
	Actual   string         `json:"actual,omitempty"`
	Message  string         `json:"message"`
}

// VerificationResult reports every deviation found in a chain, with one
// flag per check.
type VerificationResult struct {
	Valid           bool         `json:"valid"`
	EntriesVerified int          `json:"entries_verified"`
	SequenceValid   bool         `json:"sequence_valid"`
	LinkageValid    bool         `json:"linkage_valid"`
	HashesValid     bool         `json:"hashes_valid"`
	TimestampsValid bool         `json:"timestamps_valid"`
	Errors          []ChainError `json:"errors"`
}

// Err returns an Integrity error locating the first broken entry, or nil
// for a valid chain.
func (r *VerificationResult) Err() error {
	if r.Valid || len(r.Errors) == 0 {
		return nil
	}
	first := r.Errors[0]
	return errors.Integrity(
		fmt.Sprintf("ledger chain broken: %d problem(s), first at sequence %d", len(r.Errors), first.Sequence),
		map[string]string{
			"sequence": strconv.FormatInt(first.Sequence, 10),
			"entry_id": first.EntryID.String(),
			"kind":     string(first.Kind),
		},
	)
}

func (r *VerificationResult) add(e *Entry, kind ChainErrorKind, expected, actual, message string) {
	r.Valid = false
	switch kind {
	case ErrSequenceGap:
		r.SequenceValid = false
	case ErrPreviousHash:
		r.LinkageValid = false
	case ErrHashMismatch:
		r.HashesValid = false
	case ErrTimestampInvalid:
		r.TimestampsValid = false
	}
	r.Errors = append(r.Errors, ChainError{
		Sequence: e.Sequence,
		EntryID:  e.ID,
		Kind:     kind,
		Expected: expected,
		Actual:   actual,
		Message:  message,
	})
}

// VerifyChain re-derives the entity's chain from its stored entries and
// reports every deviation without stopping at the first.
func (l *Ledger) VerifyChain(ctx context.Context, ref EntityRef) (*VerificationResult, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}

	entries, err := l.store.Entries(ctx, ref)
	if err != nil {
		return nil, err
	}

	result := l.verifyEntries(ctx, entries)
	metrics.RecordChainVerification(result.Valid)

	if !result.Valid {
		l.logger.WithFields(logrus.Fields{
			"entity": ref.String(),
			"errors": len(result.Errors),
		}).Warn("Ledger chain verification failed")
	}
	return result, nil
}

func (l *Ledger) verifyEntries(ctx context.Context, entries []*Entry) *VerificationResult {
	result := &VerificationResult{
		Valid:           true,
		SequenceValid:   true,
		LinkageValid:    true,
		HashesValid:     true,
		TimestampsValid: true,
		Errors:          []ChainError{},
	}

	previous := canonical.GenesisHash
	for i, e := range entries {
		want := int64(i + 1)
		if e.Sequence != want {
			result.add(e, ErrSequenceGap, strconv.FormatInt(want, 10), strconv.FormatInt(e.Sequence, 10),
				fmt.Sprintf("expected sequence %d, found %d", want, e.Sequence))
		}

		if e.PreviousHash != previous {
			result.add(e, ErrPreviousHash, previous, e.PreviousHash,
				"previous hash does not match the hash of the preceding entry")
		}

		computed, err := e.ComputeHash()
		switch {
		case err != nil:
			result.add(e, ErrHashMismatch, "", e.Hash, err.Error())
		case !canonical.Equal(computed, e.Hash):
			result.add(e, ErrHashMismatch, computed, e.Hash, "stored hash does not match entry content")
		}

		if l.verifier != nil && e.Anchored() {
			l.verifyAnchor(ctx, result, e)
		}

		previous = e.Hash
		result.EntriesVerified++
	}
	return result
}

func (l *Ledger) verifyAnchor(ctx context.Context, result *VerificationResult, e *Entry) {
	token, err := l.verifier.Token(ctx, e.TimestampTokenID)
	if err != nil {
		result.add(e, ErrTimestampInvalid, "", e.TimestampTokenID.String(),
			fmt.Sprintf("timestamp token unavailable: %v", err))
		return
	}

	if token.HashedData != e.Hash {
		result.add(e, ErrTimestampInvalid, e.Hash, token.HashedData,
			"timestamp token covers a different hash")
		return
	}

	ok, err := l.verifier.Verify(ctx, token)
	if err != nil {
		result.add(e, ErrTimestampInvalid, "", e.TimestampTokenID.String(),
			fmt.Sprintf("timestamp token could not be verified: %v", err))
		return
	}
	if !ok {
		result.add(e, ErrTimestampInvalid, "", string(token.Status), "timestamp token failed verification")
	}
}
