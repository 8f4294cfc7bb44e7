package ledger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/trustseal/evidence/internal/shared/database"
	"github.com/trustseal/evidence/internal/shared/errors"
	"github.com/trustseal/evidence/internal/shared/types"
)

const uniqueViolation = "23505"

// PostgresStore persists chains in ledger.entries. Appends take a
// transaction-scoped advisory lock on the entity; the unique
// (entity_type, entity_id, sequence) constraint backs it up.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a store on the given pool
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const selectEntry = `
	SELECT id, tenant_id, entity_type, entity_id, sequence, event_type, payload,
	       actor_type, actor_id, ip_address, user_agent, hash, previous_hash,
	       created_at, timestamp_token_id
	FROM ledger.entries`

func (s *PostgresStore) Append(ctx context.Context, ref EntityRef, build BuildFunc) (*Entry, error) {
	var entry *Entry
	err := database.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, ref.String()); err != nil {
			return errors.Unavailable("failed to lock ledger entity", err)
		}

		last, err := lastEntry(ctx, tx, ref)
		if err != nil {
			return err
		}

		entry, err = nextEntry(last, build)
		if err != nil {
			return err
		}

		payload, err := json.Marshal(entry.Payload)
		if err != nil {
			return errors.Wrap(err, "failed to encode payload")
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO ledger.entries (
				id, tenant_id, entity_type, entity_id, sequence, event_type, payload,
				actor_type, actor_id, ip_address, user_agent, hash, previous_hash, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			entry.ID, entry.TenantID, string(entry.EntityType), entry.EntityID, entry.Sequence,
			entry.EventType, string(payload), string(entry.ActorType), entry.ActorID,
			entry.IPAddress, entry.UserAgent, entry.Hash, entry.PreviousHash, entry.CreatedAt,
		)
		if isUniqueViolation(err) {
			return errors.Conflict(fmt.Sprintf("sequence %d already exists for %s", entry.Sequence, ref))
		}
		if err != nil {
			return errors.Wrap(err, "failed to insert ledger entry")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *PostgresStore) Last(ctx context.Context, ref EntityRef) (*Entry, error) {
	return lastEntry(ctx, s.pool, ref)
}

func lastEntry(ctx context.Context, q querier, ref EntityRef) (*Entry, error) {
	row := q.QueryRow(ctx, selectEntry+`
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY sequence DESC
		LIMIT 1`, string(ref.Kind), ref.ID)

	entry, err := scanEntry(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load last ledger entry")
	}
	return entry, nil
}

func (s *PostgresStore) Entries(ctx context.Context, ref EntityRef) ([]*Entry, error) {
	rows, err := s.pool.Query(ctx, selectEntry+`
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY sequence ASC`, string(ref.Kind), ref.ID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query ledger entries")
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan ledger entry")
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read ledger entries")
	}
	return entries, nil
}

func (s *PostgresStore) AttachTimestamp(ctx context.Context, ref EntityRef, sequence int64, tokenID types.ID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE ledger.entries SET timestamp_token_id = $4
		WHERE entity_type = $1 AND entity_id = $2 AND sequence = $3
		  AND timestamp_token_id IS NULL`,
		string(ref.Kind), ref.ID, sequence, tokenID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to attach timestamp token")
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	err = s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM ledger.entries
			WHERE entity_type = $1 AND entity_id = $2 AND sequence = $3
		)`, string(ref.Kind), ref.ID, sequence,
	).Scan(&exists)
	if err != nil {
		return errors.Wrap(err, "failed to check ledger entry")
	}
	if !exists {
		return errors.NotFound("ledger entry", ref.String())
	}
	return errors.Conflict("ledger entry already carries a timestamp token")
}

func scanEntry(row pgx.Row) (*Entry, error) {
	var (
		e          Entry
		entityType string
		actorType  string
		payload    []byte
		tokenID    *string
	)
	err := row.Scan(
		&e.ID, &e.TenantID, &entityType, &e.EntityID, &e.Sequence, &e.EventType, &payload,
		&actorType, &e.ActorID, &e.IPAddress, &e.UserAgent, &e.Hash, &e.PreviousHash,
		&e.CreatedAt, &tokenID,
	)
	if err != nil {
		return nil, err
	}

	e.EntityType = EntityKind(entityType)
	e.ActorType = ActorKind(actorType)
	e.CreatedAt = e.CreatedAt.UTC()
	if tokenID != nil {
		e.TimestampTokenID = types.ID(*tokenID)
	}

	e.Payload, err = decodePayload(payload)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
